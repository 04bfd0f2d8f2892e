package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/agentpay/types"
)

func newRecord(id string, createdAt time.Time) *types.SettlementRecord {
	return &types.SettlementRecord{
		ID: id,
		Requirement: types.PaymentRequirement{
			Chain:     types.ChainBaseSepolia,
			Recipient: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			Amount:    "0.002",
			Token:     types.MustUSDC(types.ChainBaseSepolia),
			ExpiresAt: createdAt.Add(time.Hour),
		},
		Status:    types.StatusProcessing,
		CreatedAt: createdAt,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := newRecord("pay_1", now)
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, types.StatusProcessing, got.Status)

	// duplicate id rejected
	err = s.Create(ctx, rec)
	require.Error(t, err)
	assert.Equal(t, types.ErrStoreConflict, types.CodeOf(err))
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRecord("pay_1", time.Now())))

	got, err := s.Get(ctx, "pay_1")
	require.NoError(t, err)
	got.Status = types.StatusFailed

	again, err := s.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, again.Status)
}

func TestMemoryStoreCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, newRecord("pay_1", now)))

	terminal := now.Add(time.Second)
	rec, swapped, err := s.CompareAndSet(ctx, "pay_1", types.StatusProcessing, Update{
		Status:             types.StatusSettled,
		TxHash:             "0xabc",
		ConfirmationHeight: 42,
		TerminalAt:         &terminal,
	})
	require.NoError(t, err)
	require.True(t, swapped)
	assert.Equal(t, types.StatusSettled, rec.Status)
	assert.Equal(t, "0xabc", rec.TxHash)
	assert.Equal(t, uint64(42), rec.ConfirmationHeight)
	require.NotNil(t, rec.TerminalAt)

	// terminal record cannot transition again
	rec, swapped, err = s.CompareAndSet(ctx, "pay_1", types.StatusProcessing, Update{
		Status:        types.StatusFailed,
		FailureReason: "late failure",
	})
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, types.StatusSettled, rec.Status)
	assert.Empty(t, rec.FailureReason)
}

func TestMemoryStoreCompareAndSetNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.CompareAndSet(context.Background(), "missing", types.StatusProcessing, Update{Status: types.StatusFailed})
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))
}

func TestMemoryStoreConcurrentCompareAndSetSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRecord("pay_1", time.Now().UTC())))

	const racers = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := types.StatusSettled
			if i%2 == 1 {
				status = types.StatusFailed
			}
			_, swapped, err := s.CompareAndSet(ctx, "pay_1", types.StatusProcessing, Update{Status: status})
			require.NoError(t, err)
			if swapped {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	rec, err := s.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.True(t, rec.Status.Terminal())
}

func TestMemoryStoreSweepExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Create(ctx, newRecord("stale", now.Add(-2*time.Hour))))
	require.NoError(t, s.Create(ctx, newRecord("fresh", now)))

	settled := newRecord("settled", now.Add(-2*time.Hour))
	require.NoError(t, s.Create(ctx, settled))
	_, swapped, err := s.CompareAndSet(ctx, "settled", types.StatusProcessing, Update{Status: types.StatusSettled})
	require.NoError(t, err)
	require.True(t, swapped)

	removed, err := s.SweepExpired(ctx, now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "stale")
	assert.Equal(t, types.ErrNotFound, types.CodeOf(err))

	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)

	// terminal records are never swept
	_, err = s.Get(ctx, "settled")
	assert.NoError(t, err)
}
