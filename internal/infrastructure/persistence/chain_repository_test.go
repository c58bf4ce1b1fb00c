package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/persistence/models"
	"github.com/erp/compliance/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchemaVersion = "invoice-canonical/v1"

func setupChainRepo(t *testing.T) *GormChainRepository {
	db := testutil.NewSQLiteDB(t, &models.ChainEntryModel{}, &models.ChainHeadModel{})
	return NewGormChainRepository(db)
}

// appendEntry links payload after the tenant's current head
func appendEntry(t *testing.T, repo *GormChainRepository, tenantID uuid.UUID, payload string) *compliance.ChainEntry {
	t.Helper()
	ctx := context.Background()
	last, err := repo.GetLastEntry(ctx, tenantID)
	require.NoError(t, err)

	entry := compliance.NextChainEntry(tenantID, uuid.New(), last, compliance.DefaultGenesisHash, []byte(payload), testSchemaVersion)
	var expected int64
	if last != nil {
		expected = last.SequenceNumber
	}
	require.NoError(t, repo.CommitEntryIfUnchanged(ctx, entry, expected))
	return entry
}

func TestGormChainRepository_GetLastEntry_EmptyChain(t *testing.T) {
	repo := setupChainRepo(t)

	last, err := repo.GetLastEntry(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestGormChainRepository_GetHead(t *testing.T) {
	repo := setupChainRepo(t)
	ctx := context.Background()
	tenantID := uuid.New()

	head, err := repo.GetHead(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, tenantID, head.TenantID)
	assert.Zero(t, head.LastSequence)
	assert.Empty(t, head.LastHash)

	appendEntry(t, repo, tenantID, `{"invoiceNumber":"F-1"}`)
	second := appendEntry(t, repo, tenantID, `{"invoiceNumber":"F-2"}`)

	// the head row survives removal of the entry it points at
	require.NoError(t, repo.db.Where("id = ?", second.ID).Delete(&models.ChainEntryModel{}).Error)

	head, err = repo.GetHead(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.LastSequence)
	assert.Equal(t, second.Hash, head.LastHash)

	last, err := repo.GetLastEntry(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last.SequenceNumber)
}

func TestGormChainRepository_CommitAndRead(t *testing.T) {
	repo := setupChainRepo(t)
	ctx := context.Background()
	tenantID := uuid.New()

	first := appendEntry(t, repo, tenantID, `{"invoiceNumber":"F-1"}`)
	second := appendEntry(t, repo, tenantID, `{"invoiceNumber":"F-2"}`)

	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, compliance.DefaultGenesisHash, first.PreviousHash)
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.Equal(t, first.Hash, second.PreviousHash)

	last, err := repo.GetLastEntry(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, last.ID)
	assert.Equal(t, second.CanonicalPayload, last.CanonicalPayload)
	assert.Equal(t, testSchemaVersion, last.SchemaVersion)

	bySeq, err := repo.FindBySequence(ctx, tenantID, 1)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, bySeq.Hash)

	byInvoice, err := repo.FindByInvoiceID(ctx, tenantID, second.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byInvoice.SequenceNumber)

	_, err = repo.FindBySequence(ctx, tenantID, 3)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = repo.FindByInvoiceID(ctx, uuid.New(), second.InvoiceID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGormChainRepository_TenantsAreIndependent(t *testing.T) {
	repo := setupChainRepo(t)
	tenantA, tenantB := uuid.New(), uuid.New()

	a1 := appendEntry(t, repo, tenantA, "a1")
	b1 := appendEntry(t, repo, tenantB, "b1")
	a2 := appendEntry(t, repo, tenantA, "a2")

	assert.Equal(t, int64(1), a1.SequenceNumber)
	assert.Equal(t, int64(1), b1.SequenceNumber)
	assert.Equal(t, int64(2), a2.SequenceNumber)
}

func TestGormChainRepository_CommitEntryIfUnchanged_Conflict(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	t.Run("genesis race", func(t *testing.T) {
		repo := setupChainRepo(t)
		winner := compliance.NextChainEntry(tenantID, uuid.New(), nil, compliance.DefaultGenesisHash, []byte("w"), testSchemaVersion)
		loser := compliance.NextChainEntry(tenantID, uuid.New(), nil, compliance.DefaultGenesisHash, []byte("l"), testSchemaVersion)

		require.NoError(t, repo.CommitEntryIfUnchanged(ctx, winner, 0))
		err := repo.CommitEntryIfUnchanged(ctx, loser, 0)

		var conflict *compliance.ChainConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, tenantID, conflict.TenantID)
		assert.Equal(t, int64(0), conflict.ExpectedSequence)
	})

	t.Run("stale head", func(t *testing.T) {
		repo := setupChainRepo(t)
		first := appendEntry(t, repo, tenantID, "1")

		winner := compliance.NextChainEntry(tenantID, uuid.New(), first, compliance.DefaultGenesisHash, []byte("w"), testSchemaVersion)
		loser := compliance.NextChainEntry(tenantID, uuid.New(), first, compliance.DefaultGenesisHash, []byte("l"), testSchemaVersion)

		require.NoError(t, repo.CommitEntryIfUnchanged(ctx, winner, 1))
		err := repo.CommitEntryIfUnchanged(ctx, loser, 1)

		var conflict *compliance.ChainConflictError
		require.True(t, errors.As(err, &conflict))

		// the loser left nothing behind
		_, err = repo.FindByInvoiceID(ctx, tenantID, loser.InvoiceID)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestGormChainRepository_CommitEntryIfUnchanged_InvalidSequence(t *testing.T) {
	repo := setupChainRepo(t)
	entry := compliance.NextChainEntry(uuid.New(), uuid.New(), nil, compliance.DefaultGenesisHash, []byte("x"), testSchemaVersion)

	err := repo.CommitEntryIfUnchanged(context.Background(), entry, 5)

	var domainErr *shared.DomainError
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "INVALID_INPUT", domainErr.Code)
}

func TestGormChainRepository_CommitEntryIfUnchanged_InvoiceLinkedTwice(t *testing.T) {
	repo := setupChainRepo(t)
	ctx := context.Background()
	tenantID := uuid.New()

	first := appendEntry(t, repo, tenantID, "1")
	again := compliance.NextChainEntry(tenantID, first.InvoiceID, first, compliance.DefaultGenesisHash, []byte("1"), testSchemaVersion)

	err := repo.CommitEntryIfUnchanged(ctx, again, 1)
	assert.ErrorIs(t, err, shared.ErrAlreadyExists)

	// the head did not move
	last, err := repo.GetLastEntry(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last.SequenceNumber)
	next := appendEntry(t, repo, tenantID, "2")
	assert.Equal(t, int64(2), next.SequenceNumber)
}

func TestGormChainRepository_ConcurrentAppends(t *testing.T) {
	repo := setupChainRepo(t)
	ctx := context.Background()
	tenantID := uuid.New()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				last, err := repo.GetLastEntry(ctx, tenantID)
				if !assert.NoError(t, err) {
					return
				}
				entry := compliance.NextChainEntry(tenantID, uuid.New(), last, compliance.DefaultGenesisHash, []byte(uuid.NewString()), testSchemaVersion)
				var expected int64
				if last != nil {
					expected = last.SequenceNumber
				}
				err = repo.CommitEntryIfUnchanged(ctx, entry, expected)
				var conflict *compliance.ChainConflictError
				if errors.As(err, &conflict) {
					continue
				}
				assert.NoError(t, err)
				return
			}
		}()
	}
	wg.Wait()

	entries, err := repo.FindRange(ctx, tenantID, 1, writers, 100)
	require.NoError(t, err)
	require.Len(t, entries, writers)

	prev := compliance.DefaultGenesisHash
	for i, e := range entries {
		require.NoError(t, compliance.VerifyLink(prev, int64(i+1), e))
		prev = e.Hash
	}
}

func TestGormChainRepository_FindRange(t *testing.T) {
	repo := setupChainRepo(t)
	ctx := context.Background()
	tenantID := uuid.New()
	for i := 0; i < 5; i++ {
		appendEntry(t, repo, tenantID, uuid.NewString())
	}

	entries, err := repo.FindRange(ctx, tenantID, 2, 4, 100)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(2), entries[0].SequenceNumber)
	assert.Equal(t, int64(4), entries[2].SequenceNumber)

	limited, err := repo.FindRange(ctx, tenantID, 1, 5, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
