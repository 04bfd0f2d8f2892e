// Package store persists settlement records. Backends are pluggable but
// must provide atomic compare-and-set on a record's status keyed by id.
// That compare-and-set is the serialization point deciding which of two
// racing finalizers wins a terminal transition.
package store

import (
	"context"
	"time"

	"github.com/agentpay/agentpay/types"
)

// Update carries the fields a compare-and-set may change. Zero-valued
// fields other than Status are left untouched.
type Update struct {
	Status             types.Status
	TxHash             string
	ConfirmationHeight uint64
	FailureReason      string
	TerminalAt         *time.Time
}

// Store is the settlement record repository.
type Store interface {
	// Create inserts a new record. Fails with STORE_CONFLICT when the
	// id already exists.
	Create(ctx context.Context, record *types.SettlementRecord) error

	// Get returns a copy of the record or NOT_FOUND.
	Get(ctx context.Context, id string) (*types.SettlementRecord, error)

	// CompareAndSet applies the update only when the record's current
	// status equals expect. It returns the record as stored after the
	// attempt and whether this call performed the swap. A failed swap
	// is not an error; the caller lost the race and must treat the
	// returned record as authoritative.
	CompareAndSet(ctx context.Context, id string, expect types.Status, update Update) (*types.SettlementRecord, bool, error)

	// SweepExpired deletes records still in processing whose age
	// exceeds ttl at now. Returns the number of records removed.
	SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	// Close releases backend resources.
	Close() error
}

func applyUpdate(rec *types.SettlementRecord, u Update) {
	rec.Status = u.Status
	if u.TxHash != "" {
		rec.TxHash = u.TxHash
	}
	if u.ConfirmationHeight != 0 {
		rec.ConfirmationHeight = u.ConfirmationHeight
	}
	if u.FailureReason != "" {
		rec.FailureReason = u.FailureReason
	}
	if u.TerminalAt != nil {
		t := *u.TerminalAt
		rec.TerminalAt = &t
	}
}
