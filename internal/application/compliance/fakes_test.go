package compliance

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
)

// memChainRepo is an in-memory ChainRepository with compare-and-swap commits
type memChainRepo struct {
	mu        sync.Mutex
	entries   map[uuid.UUID][]*compliance.ChainEntry
	byInvoice map[uuid.UUID]*compliance.ChainEntry
	heads     map[uuid.UUID]compliance.ChainHead

	// beforeCommit runs outside the lock before each commit
	beforeCommit func(entry *compliance.ChainEntry)
}

func newMemChainRepo() *memChainRepo {
	return &memChainRepo{
		entries:   make(map[uuid.UUID][]*compliance.ChainEntry),
		byInvoice: make(map[uuid.UUID]*compliance.ChainEntry),
		heads:     make(map[uuid.UUID]compliance.ChainHead),
	}
}

func (r *memChainRepo) GetLastEntry(_ context.Context, tenantID uuid.UUID) (*compliance.ChainEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.entries[tenantID]
	if len(chain) == 0 {
		return nil, nil
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

func (r *memChainRepo) GetHead(_ context.Context, tenantID uuid.UUID) (*compliance.ChainHead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	head, ok := r.heads[tenantID]
	if !ok {
		head.TenantID = tenantID
	}
	return &head, nil
}

func (r *memChainRepo) CommitEntryIfUnchanged(_ context.Context, entry *compliance.ChainEntry, expected int64) error {
	if r.beforeCommit != nil {
		r.beforeCommit(entry)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.heads[entry.TenantID].LastSequence != expected {
		return &compliance.ChainConflictError{TenantID: entry.TenantID, ExpectedSequence: expected}
	}
	if _, ok := r.byInvoice[entry.InvoiceID]; ok {
		return shared.ErrAlreadyExists
	}
	r.appendLocked(entry)
	return nil
}

// appendRaw commits entry without the compare-and-swap, as a rival process would
func (r *memChainRepo) appendRaw(entry *compliance.ChainEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(entry)
}

func (r *memChainRepo) appendLocked(entry *compliance.ChainEntry) {
	cp := *entry
	r.entries[entry.TenantID] = append(r.entries[entry.TenantID], &cp)
	r.byInvoice[entry.InvoiceID] = &cp
	r.heads[entry.TenantID] = compliance.ChainHead{
		TenantID:     entry.TenantID,
		LastSequence: entry.SequenceNumber,
		LastHash:     entry.Hash,
	}
}

func (r *memChainRepo) FindBySequence(_ context.Context, tenantID uuid.UUID, seq int64) (*compliance.ChainEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries[tenantID] {
		if e.SequenceNumber == seq {
			cp := *e
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memChainRepo) FindByInvoiceID(_ context.Context, tenantID, invoiceID uuid.UUID) (*compliance.ChainEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byInvoice[invoiceID]
	if !ok || e.TenantID != tenantID {
		return nil, shared.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memChainRepo) FindRange(_ context.Context, tenantID uuid.UUID, from, to int64, limit int) ([]*compliance.ChainEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*compliance.ChainEntry
	for _, e := range r.entries[tenantID] {
		if e.SequenceNumber >= from && e.SequenceNumber <= to && len(out) < limit {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// tamper replaces the stored payload of an entry without touching its hash
func (r *memChainRepo) tamper(tenantID uuid.UUID, seq int64, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tenantID][seq-1].CanonicalPayload = payload
}

// truncate drops the last n stored entries and leaves the head in place
func (r *memChainRepo) truncate(tenantID uuid.UUID, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.entries[tenantID]
	for _, e := range chain[len(chain)-n:] {
		delete(r.byInvoice, e.InvoiceID)
	}
	r.entries[tenantID] = chain[:len(chain)-n]
}

// memSubmissionRepo is an in-memory SubmissionRepository with version checks.
// It keeps every event saved with an update, in order.
type memSubmissionRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]compliance.SubmissionRecord
	events  []shared.DomainEvent
}

func newMemSubmissionRepo() *memSubmissionRepo {
	return &memSubmissionRepo{records: make(map[uuid.UUID]compliance.SubmissionRecord)}
}

func (r *memSubmissionRepo) Create(_ context.Context, rec *compliance.SubmissionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.InvoiceID]; ok {
		return shared.ErrAlreadyExists
	}
	r.records[rec.InvoiceID] = *rec
	return nil
}

func (r *memSubmissionRepo) Get(_ context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[invoiceID]
	if !ok || rec.TenantID != tenantID {
		return nil, shared.ErrNotFound
	}
	return &rec, nil
}

func (r *memSubmissionRepo) Update(_ context.Context, rec *compliance.SubmissionRecord, events ...shared.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.records[rec.InvoiceID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Version != rec.Version {
		return shared.ErrConcurrencyConflict
	}
	rec.Version++
	r.records[rec.InvoiceID] = *rec
	r.events = append(r.events, events...)
	return nil
}

func (r *memSubmissionRepo) FindDueRetries(_ context.Context, now time.Time, limit int) ([]*compliance.SubmissionRecord, error) {
	return r.find(limit, func(rec compliance.SubmissionRecord) bool {
		return rec.State == compliance.StateError && rec.NextAttemptAt != nil && !rec.NextAttemptAt.After(now)
	}), nil
}

func (r *memSubmissionRepo) FindStale(_ context.Context, state compliance.SubmissionState, before time.Time, limit int) ([]*compliance.SubmissionRecord, error) {
	return r.find(limit, func(rec compliance.SubmissionRecord) bool {
		return rec.State == state && rec.UpdatedAt.Before(before)
	}), nil
}

func (r *memSubmissionRepo) find(limit int, match func(compliance.SubmissionRecord) bool) []*compliance.SubmissionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*compliance.SubmissionRecord
	for _, rec := range r.records {
		if match(rec) {
			cp := rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// put overwrites a stored record, bypassing the version check
func (r *memSubmissionRepo) put(rec *compliance.SubmissionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.InvoiceID] = *rec
}

func (r *memSubmissionRepo) auditEvents(invoiceID uuid.UUID) []*compliance.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*compliance.AuditEvent
	for _, e := range r.events {
		if evt, ok := e.(*compliance.AuditEvent); ok && evt.InvoiceID == invoiceID {
			out = append(out, evt)
		}
	}
	return out
}

func (r *memSubmissionRepo) state(invoiceID uuid.UUID) compliance.SubmissionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[invoiceID].State
}

// scriptedClient answers with a fixed sequence of outcomes; the last one repeats
type scriptedClient struct {
	mu       sync.Mutex
	outcomes []func(ctx context.Context, req compliance.SubmitRequest) (*compliance.SubmitResponse, error)
	requests []compliance.SubmitRequest
}

func (c *scriptedClient) Submit(ctx context.Context, req compliance.SubmitRequest) (*compliance.SubmitResponse, error) {
	c.mu.Lock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i >= len(c.outcomes) {
		i = len(c.outcomes) - 1
	}
	outcome := c.outcomes[i]
	c.mu.Unlock()
	return outcome(ctx, req)
}

func (c *scriptedClient) calls() []compliance.SubmitRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]compliance.SubmitRequest(nil), c.requests...)
}

func accept(txID string) func(context.Context, compliance.SubmitRequest) (*compliance.SubmitResponse, error) {
	return func(context.Context, compliance.SubmitRequest) (*compliance.SubmitResponse, error) {
		return &compliance.SubmitResponse{Accepted: true, TransactionID: txID, AuthorityCode: "OK"}, nil
	}
}

func timeout() func(context.Context, compliance.SubmitRequest) (*compliance.SubmitResponse, error) {
	return func(context.Context, compliance.SubmitRequest) (*compliance.SubmitResponse, error) {
		return nil, &compliance.TransportError{Op: "submit", AuthorityCode: "TIMEOUT", Err: context.DeadlineExceeded}
	}
}

func reject(code string) func(context.Context, compliance.SubmitRequest) (*compliance.SubmitResponse, error) {
	return func(context.Context, compliance.SubmitRequest) (*compliance.SubmitResponse, error) {
		return nil, &compliance.RejectedError{AuthorityCode: code, Message: "rejected by authority"}
	}
}

// asyncDispatcher runs dispatched work on goroutines and timers
type asyncDispatcher struct {
	coord *Coordinator
}

func (d *asyncDispatcher) Dispatch(tenantID, invoiceID uuid.UUID) error {
	go func() {
		_, _ = d.coord.Process(context.Background(), tenantID, invoiceID)
	}()
	return nil
}

func (d *asyncDispatcher) DispatchAfter(delay time.Duration, tenantID, invoiceID uuid.UUID) {
	time.AfterFunc(delay, func() {
		_, _ = d.coord.Process(context.Background(), tenantID, invoiceID)
	})
}

// recordingDispatcher only remembers what it was asked to do
type recordingDispatcher struct {
	mu      sync.Mutex
	now     []uuid.UUID
	delayed []uuid.UUID
}

func (d *recordingDispatcher) Dispatch(_, invoiceID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = append(d.now, invoiceID)
	return nil
}

func (d *recordingDispatcher) DispatchAfter(_ time.Duration, _, invoiceID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delayed = append(d.delayed, invoiceID)
}

// countingMetrics counts pipeline measurements
type countingMetrics struct {
	conflicts atomic.Int64
	retries   atomic.Int64
	calls     atomic.Int64
}

func (m *countingMetrics) RecordTransition(context.Context, compliance.SubmissionState) {}
func (m *countingMetrics) RecordChainConflict(context.Context) { m.conflicts.Add(1) }
func (m *countingMetrics) RecordAuthorityCall(context.Context, time.Duration, string) { m.calls.Add(1) }
func (m *countingMetrics) RecordRetryScheduled(context.Context) { m.retries.Add(1) }
