package compliance

import (
	"time"

	"github.com/google/uuid"
)

// Dispatcher hands submissions to background workers. Implementations must not
// block the caller; DispatchAfter uses a timer, never a sleeping worker.
type Dispatcher interface {
	Dispatch(tenantID, invoiceID uuid.UUID) error
	DispatchAfter(delay time.Duration, tenantID, invoiceID uuid.UUID)
}
