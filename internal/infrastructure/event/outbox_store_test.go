package event

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/persistence/models"
	"github.com/erp/compliance/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db, mock
}

func newSQLiteOutboxStore(t *testing.T) *GormOutboxStore {
	t.Helper()
	db := testutil.NewSQLiteDB(t, &models.OutboxMessageModel{})
	return NewGormOutboxStore(db)
}

func newOutboxMessage(t *testing.T, invoiceID uuid.UUID, eventType compliance.AuditEventType) *shared.OutboxMessage {
	t.Helper()
	evt := newAuditTestEvent(eventType, invoiceID)
	payload, err := NewEventSerializer().Serialize(evt)
	require.NoError(t, err)
	return shared.NewOutboxMessage(evt, payload, 0)
}

func eventIDs(msgs []*shared.OutboxMessage) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.EventID)
	}
	return ids
}

func TestOutboxStore_SaveNumbersMessages(t *testing.T) {
	store := newSQLiteOutboxStore(t)
	ctx := context.Background()
	invoiceID := uuid.New()

	first := newOutboxMessage(t, invoiceID, compliance.AuditEventSubmitted)
	second := newOutboxMessage(t, invoiceID, compliance.AuditEventAccepted)

	require.NoError(t, store.Save(ctx, first, second))

	assert.Positive(t, first.Sequence)
	assert.Greater(t, second.Sequence, first.Sequence)
	assert.Equal(t, invoiceID.String(), first.PartitionKey)

	stored, err := store.FindByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.EventID, stored.EventID)
	assert.Equal(t, second.Payload, stored.Payload)
	assert.Equal(t, shared.OutboxPending, stored.Status)
}

func TestOutboxStore_SaveNothingIsNoop(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewGormOutboxStore(db)

	require.NoError(t, store.Save(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxStore_NextPendingInSequence(t *testing.T) {
	store := newSQLiteOutboxStore(t)
	ctx := context.Background()

	a1 := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	b1 := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	a2 := newOutboxMessage(t, uuid.MustParse(a1.PartitionKey), compliance.AuditEventAccepted)
	require.NoError(t, store.Save(ctx, a1, b1, a2))

	pending, err := store.NextPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a1.EventID, b1.EventID, a2.EventID}, eventIDs(pending))

	limited, err := store.NextPending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestOutboxStore_NextPendingWaitsForOlderMessage(t *testing.T) {
	for _, status := range shared.OutboxBlockingStatuses {
		t.Run(string(status), func(t *testing.T) {
			store := newSQLiteOutboxStore(t)
			ctx := context.Background()
			invoiceID := uuid.New()

			older := newOutboxMessage(t, invoiceID, compliance.AuditEventSubmitted)
			younger := newOutboxMessage(t, invoiceID, compliance.AuditEventAccepted)
			other := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
			require.NoError(t, store.Save(ctx, older, younger, other))

			older.Status = status
			if status == shared.OutboxFailed {
				future := time.Now().Add(time.Hour)
				older.NextRetryAt = &future
			}
			require.NoError(t, store.Update(ctx, older))

			pending, err := store.NextPending(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, []uuid.UUID{other.EventID}, eventIDs(pending))
		})
	}
}

func TestOutboxStore_DeliveredMessageUnblocksPartition(t *testing.T) {
	store := newSQLiteOutboxStore(t)
	ctx := context.Background()
	invoiceID := uuid.New()

	older := newOutboxMessage(t, invoiceID, compliance.AuditEventSubmitted)
	younger := newOutboxMessage(t, invoiceID, compliance.AuditEventAccepted)
	require.NoError(t, store.Save(ctx, older, younger))

	older.MarkDelivered(time.Now())
	require.NoError(t, store.Update(ctx, older))

	pending, err := store.NextPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{younger.EventID}, eventIDs(pending))
}

func TestOutboxStore_NextRetryableOnlyDue(t *testing.T) {
	store := newSQLiteOutboxStore(t)
	ctx := context.Background()

	due := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	notYet := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	require.NoError(t, store.Save(ctx, due, notYet))

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	due.Status, due.NextRetryAt = shared.OutboxFailed, &past
	notYet.Status, notYet.NextRetryAt = shared.OutboxFailed, &future
	require.NoError(t, store.Update(ctx, due))
	require.NoError(t, store.Update(ctx, notYet))

	retryable, err := store.NextRetryable(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{due.EventID}, eventIDs(retryable))
}

func TestOutboxStore_Claim(t *testing.T) {
	store := newSQLiteOutboxStore(t)
	ctx := context.Background()

	first := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	second := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	sent := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	require.NoError(t, store.Save(ctx, first, second, sent))
	sent.MarkDelivered(time.Now())
	require.NoError(t, store.Update(ctx, sent))

	claimed, err := store.Claim(ctx, []uuid.UUID{second.ID, sent.ID, first.ID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first.EventID, second.EventID}, eventIDs(claimed))
	for _, m := range claimed {
		assert.Equal(t, shared.OutboxProcessing, m.Status)
	}

	// a claimed message is not handed out twice
	again, err := store.Claim(ctx, []uuid.UUID{first.ID})
	require.NoError(t, err)
	assert.Empty(t, again)

	none, err := store.Claim(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOutboxStore_ClaimSkipsLockedRows(t *testing.T) {
	db, mock := setupMockDB(t)
	store := NewGormOutboxStore(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "id", "status", "partition_key"}).
			AddRow(1, id.String(), "PENDING", "inv-1"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "outbox_events" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := store.Claim(context.Background(), []uuid.UUID{id})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, shared.OutboxProcessing, claimed[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// backdate pushes a message's last touch into the past.
func backdate(t *testing.T, store *GormOutboxStore, id uuid.UUID, by time.Duration) {
	t.Helper()
	err := store.db.Model(&models.OutboxMessageModel{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().UTC().Add(-by)).Error
	require.NoError(t, err)
}

func TestOutboxStore_ReclaimStale(t *testing.T) {
	store := newSQLiteOutboxStore(t)
	ctx := context.Background()

	stalled := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	fresh := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	waiting := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	require.NoError(t, store.Save(ctx, stalled, fresh, waiting))

	stalled.RetryCount = 2
	require.NoError(t, store.Update(ctx, stalled))
	_, err := store.Claim(ctx, []uuid.UUID{stalled.ID, fresh.ID})
	require.NoError(t, err)
	backdate(t, store, stalled.ID, time.Hour)
	backdate(t, store, waiting.ID, time.Hour)

	n, err := store.ReclaimStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.FindByID(ctx, stalled.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.OutboxPending, got.Status)
	assert.Equal(t, 2, got.RetryCount, "reclaim keeps the attempt count")

	got, err = store.FindByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.OutboxProcessing, got.Status, "a recent claim belongs to a live relay")

	got, err = store.FindByID(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, shared.OutboxPending, got.Status)
}

func TestOutboxStore_UpdateUnknownMessage(t *testing.T) {
	store := newSQLiteOutboxStore(t)
	msg := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)

	err := store.Update(context.Background(), msg)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestOutboxStore_ListDeadAndCounts(t *testing.T) {
	store := newSQLiteOutboxStore(t)
	ctx := context.Background()

	msgs := []*shared.OutboxMessage{
		newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted),
		newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted),
		newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted),
	}
	require.NoError(t, store.Save(ctx, msgs...))

	for _, e := range msgs[:2] {
		e.MaxRetries = 1
		e.RecordFailure("broker unavailable", time.Now())
		require.True(t, e.IsDead())
		require.NoError(t, store.Update(ctx, e))
	}

	dead, total, err := store.ListDead(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, dead, 1)
	assert.Equal(t, msgs[0].EventID, dead[0].EventID)
	assert.Equal(t, "broker unavailable", dead[0].LastError)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[shared.OutboxDead])
	assert.Equal(t, int64(1), counts[shared.OutboxPending])
}

func TestOutboxStore_FindByIDUnknown(t *testing.T) {
	store := newSQLiteOutboxStore(t)
	_, err := store.FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestOutboxStore_PurgeSentKeepsUndelivered(t *testing.T) {
	store := newSQLiteOutboxStore(t)
	ctx := context.Background()

	old := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	pending := newOutboxMessage(t, uuid.New(), compliance.AuditEventSubmitted)
	require.NoError(t, store.Save(ctx, old, pending))

	old.MarkDelivered(time.Now())
	require.NoError(t, store.Update(ctx, old))

	deleted, err := store.PurgeSent(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.FindByID(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestOutboxStore_WithTx(t *testing.T) {
	db, _ := setupMockDB(t)
	store := NewGormOutboxStore(db)

	bound := store.WithTx(db)

	assert.NotNil(t, bound)
	assert.NotSame(t, store, bound)
}
