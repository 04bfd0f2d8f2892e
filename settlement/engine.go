// Package settlement orchestrates payment settlement: policy gating,
// chain dispatch, and durable outcome recording. The store's
// compare-and-set on status is the single serialization point, so at
// most one terminal transition ever wins for a given record id.
package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentpay/agentpay/chains"
	"github.com/agentpay/agentpay/logger"
	"github.com/agentpay/agentpay/metrics"
	"github.com/agentpay/agentpay/policy"
	"github.com/agentpay/agentpay/store"
	"github.com/agentpay/agentpay/types"
)

const (
	// DefaultTimeout bounds a single chain call including confirmation.
	DefaultTimeout = 60 * time.Second

	// DefaultRecordTTL is how long a processing record stays live
	// before reads report it expired.
	DefaultRecordTTL = time.Hour
)

// Engine drives settlements across the registered chain adapters.
type Engine struct {
	adapters map[types.Chain]chains.Adapter
	store    store.Store
	policy   *policy.Engine
	log      logger.Logger
	metrics  metrics.Recorder
	timeout  time.Duration
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithRecordTTL(d time.Duration) Option {
	return func(e *Engine) { e.ttl = d }
}

func WithPolicy(p *policy.Engine) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		adapters: make(map[types.Chain]chains.Adapter),
		store:    st,
		log:      logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		timeout:  DefaultTimeout,
		ttl:      DefaultRecordTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterAdapter installs the adapter for its chain, replacing any
// previous registration.
func (e *Engine) RegisterAdapter(a chains.Adapter) {
	e.adapters[a.Chain()] = a
}

// Supported lists the chains with a registered adapter.
func (e *Engine) Supported() []types.Chain {
	out := make([]types.Chain, 0, len(e.adapters))
	for c := range e.adapters {
		out = append(out, c)
	}
	return out
}

// Close shuts down every registered adapter and the store.
func (e *Engine) Close() error {
	for _, a := range e.adapters {
		a.Close()
	}
	return e.store.Close()
}

// InitiateInput is one settlement request. ID is optional; when empty a
// new one is generated. CallerID and VendorID feed the policy engine
// and may be empty when no policy applies.
type InitiateInput struct {
	ID          string
	Requirement types.PaymentRequirement
	Proof       types.PaymentProof
	CallerID    string
	VendorID    string
}

// Initiate runs one settlement to a terminal or retryable outcome.
//
// Financial failures (chain rejection, insufficient funds) are recorded
// on the returned record, not returned as errors. Errors are reserved
// for malformed input, policy rejection, and transient chain trouble;
// in the transient case the record is returned alongside the error and
// stays in processing so the caller may retry or resolve it later via
// VerifyTransaction.
func (e *Engine) Initiate(ctx context.Context, input InitiateInput) (*types.SettlementRecord, error) {
	now := e.now().UTC()
	if err := input.Requirement.Validate(now); err != nil {
		return nil, err
	}
	if err := input.Proof.Validate(); err != nil {
		return nil, err
	}
	adapter, ok := e.adapters[input.Requirement.Chain]
	if !ok {
		return nil, types.Errorf(types.ErrUnsupportedChain, "no adapter registered for chain %s", input.Requirement.Chain)
	}

	if e.policy != nil && input.CallerID != "" {
		amount, err := decimal.NewFromString(input.Requirement.Amount)
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidInput, "invalid amount %q: %v", input.Requirement.Amount, err)
		}
		if d := e.policy.Evaluate(input.CallerID, amount, input.VendorID, now); !d.Allowed {
			e.metrics.IncCounter(metrics.EventPolicyRejected, chainLabels(input.Requirement.Chain))
			e.log.Info("payment rejected by policy", map[string]any{
				"caller": input.CallerID,
				"vendor": input.VendorID,
				"reason": d.Reason,
			})
			return nil, types.Errorf(types.ErrPolicyRejected, "%s", d.Reason)
		}
	}

	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	record := &types.SettlementRecord{
		ID:          id,
		Requirement: input.Requirement,
		Status:      types.StatusProcessing,
		CreatedAt:   now,
	}
	if err := e.store.Create(ctx, record); err != nil {
		if types.CodeOf(err) == types.ErrStoreConflict {
			// Same id seen before. Return the existing record instead
			// of settling twice.
			return e.GetStatus(ctx, id)
		}
		return nil, err
	}

	e.metrics.IncCounter(metrics.EventSettlementInitiated, chainLabels(input.Requirement.Chain))
	e.log.Info("settlement initiated", map[string]any{
		"id":     id,
		"chain":  input.Requirement.Chain.String(),
		"amount": input.Requirement.Amount,
		"mode":   string(input.Proof.Mode),
	})

	return e.execute(ctx, adapter, record, input.Proof)
}

// execute runs the chain call and finalizes the record. The chain call
// is detached from the caller's cancellation: once a transaction may
// have been broadcast, aborting client-side would desynchronize
// on-chain and off-chain state.
func (e *Engine) execute(ctx context.Context, adapter chains.Adapter, record *types.SettlementRecord, proof types.PaymentProof) (*types.SettlementRecord, error) {
	// The finalizing store writes ride the same detached context: a
	// transfer that completed on-chain must land its terminal record
	// even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	chainCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := e.now()
	var (
		result *types.TransferResult
		err    error
	)
	switch proof.Mode {
	case types.ProofCustodial:
		var cred chains.Credential
		cred, err = adapter.ParseCredential(proof.CredentialRef)
		if err == nil {
			result, err = adapter.Transfer(chainCtx, cred,
				record.Requirement.Recipient, record.Requirement.Amount, record.Requirement.Token)
		}
		e.metrics.ObserveLatency(metrics.OpChainTransfer, e.now().Sub(start), chainLabels(record.Requirement.Chain))
	case types.ProofSelfCustody:
		result, err = adapter.Broadcast(chainCtx, proof.SignedBlob)
		e.metrics.ObserveLatency(metrics.OpChainBroadcast, e.now().Sub(start), chainLabels(record.Requirement.Chain))
	default:
		return nil, types.Errorf(types.ErrInvalidInput, "unknown proof mode %q", proof.Mode)
	}

	if err == nil {
		return e.finalizeSettled(ctx, record.ID, result)
	}

	code := types.CodeOf(err)
	switch {
	case types.IsTerminalFailure(err):
		return e.finalizeFailed(ctx, record.ID, err.Error())
	case code == types.ErrInvalidCredential, code == types.ErrInvalidInput:
		// A malformed proof can never settle. Record the failure and
		// surface the input error to the caller.
		rec, ferr := e.finalizeFailed(ctx, record.ID, err.Error())
		if ferr != nil {
			return nil, ferr
		}
		return rec, err
	default:
		// Ambiguous outcome: the transaction may or may not have
		// reached the chain. Leave the record processing and let a
		// later retry or VerifyTransaction resolve it.
		e.log.Warn("settlement outcome ambiguous, record left processing", map[string]any{
			"id":    record.ID,
			"chain": record.Requirement.Chain.String(),
			"error": err.Error(),
		})
		rec, gerr := e.store.Get(ctx, record.ID)
		if gerr != nil {
			return nil, gerr
		}
		return rec, err
	}
}

func (e *Engine) finalizeSettled(ctx context.Context, id string, result *types.TransferResult) (*types.SettlementRecord, error) {
	terminal := e.now().UTC()
	rec, swapped, err := e.store.CompareAndSet(ctx, id, types.StatusProcessing, store.Update{
		Status:             types.StatusSettled,
		TxHash:             result.TxHash,
		ConfirmationHeight: result.ConfirmationHeight,
		TerminalAt:         &terminal,
	})
	if err != nil {
		return nil, err
	}
	if swapped {
		e.metrics.IncCounter(metrics.EventSettlementSettled, chainLabels(rec.Requirement.Chain))
		e.log.Info("settlement settled", map[string]any{
			"id":     id,
			"txHash": result.TxHash,
			"height": result.ConfirmationHeight,
		})
	}
	return rec, nil
}

func (e *Engine) finalizeFailed(ctx context.Context, id, reason string) (*types.SettlementRecord, error) {
	terminal := e.now().UTC()
	rec, swapped, err := e.store.CompareAndSet(ctx, id, types.StatusProcessing, store.Update{
		Status:        types.StatusFailed,
		FailureReason: reason,
		TerminalAt:    &terminal,
	})
	if err != nil {
		return nil, err
	}
	if swapped {
		e.metrics.IncCounter(metrics.EventSettlementFailed, chainLabels(rec.Requirement.Chain))
		e.log.Info("settlement failed", map[string]any{
			"id":     id,
			"reason": reason,
		})
	}
	return rec, nil
}

// GetStatus returns the current view of a record. A processing record
// older than the TTL is reported expired; expiry is observed at read
// time rather than written by a background process.
func (e *Engine) GetStatus(ctx context.Context, id string) (*types.SettlementRecord, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == types.StatusProcessing && e.now().UTC().Sub(rec.CreatedAt) > e.ttl {
		rec.Status = types.StatusExpired
		e.metrics.IncCounter(metrics.EventSettlementExpired, chainLabels(rec.Requirement.Chain))
	}
	return rec, nil
}

// ConfirmExternal applies a processor confirmation that already passed
// signature verification. If the record is terminal the event is a
// no-op and the current record is returned: at most one terminal
// transition per id, regardless of how many confirmations arrive.
func (e *Engine) ConfirmExternal(ctx context.Context, event *types.Event) (*types.SettlementRecord, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	terminal := e.now().UTC()

	update := store.Update{TerminalAt: &terminal}
	switch event.Outcome {
	case types.EventSettled:
		update.Status = types.StatusSettled
		update.TxHash = event.TxHash
	case types.EventFailed:
		update.Status = types.StatusFailed
		update.FailureReason = event.Reason
	default:
		return nil, types.Errorf(types.ErrInvalidInput, "unknown event outcome %q", event.Outcome)
	}

	rec, swapped, err := e.store.CompareAndSet(ctx, event.PaymentID, types.StatusProcessing, update)
	if err != nil {
		return nil, err
	}
	if !swapped {
		e.log.Debug("external confirmation ignored, record already terminal", map[string]any{
			"id":      event.PaymentID,
			"eventId": event.ExternalEventID,
		})
		return rec, nil
	}
	if update.Status == types.StatusSettled {
		e.metrics.IncCounter(metrics.EventSettlementSettled, chainLabels(rec.Requirement.Chain))
	} else {
		e.metrics.IncCounter(metrics.EventSettlementFailed, chainLabels(rec.Requirement.Chain))
	}
	e.log.Info("settlement confirmed externally", map[string]any{
		"id":      event.PaymentID,
		"eventId": event.ExternalEventID,
		"outcome": string(event.Outcome),
	})
	return rec, nil
}

// VerifyTransaction checks an on-chain transaction against a
// requirement without mutating any state.
func (e *Engine) VerifyTransaction(ctx context.Context, chain types.Chain, txHash string, requirement types.PaymentRequirement) (*types.VerificationResult, error) {
	adapter, ok := e.adapters[chain]
	if !ok {
		return nil, types.Errorf(types.ErrUnsupportedChain, "no adapter registered for chain %s", chain)
	}
	start := e.now()
	result, err := adapter.Verify(ctx, txHash, requirement.Recipient, requirement.Amount, requirement.Token)
	e.metrics.ObserveLatency(metrics.OpChainVerify, e.now().Sub(start), chainLabels(chain))
	return result, err
}

// SweepExpired garbage-collects processing records past the TTL.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	return e.store.SweepExpired(ctx, e.now().UTC(), e.ttl)
}

// BatchResult pairs one batch entry's record with its error, in input
// order.
type BatchResult struct {
	Record *types.SettlementRecord
	Err    error
}

// BatchInitiate settles many payments concurrently. Individual failures
// land in their slot; only full-batch cancellation returns an error.
func (e *Engine) BatchInitiate(ctx context.Context, inputs []InitiateInput) ([]BatchResult, error) {
	results := make([]BatchResult, len(inputs))

	type indexed struct {
		index  int
		record *types.SettlementRecord
		err    error
	}
	resultChan := make(chan indexed, len(inputs))

	for i, input := range inputs {
		go func(index int, in InitiateInput) {
			record, err := e.Initiate(ctx, in)
			resultChan <- indexed{index: index, record: record, err: err}
		}(i, input)
	}

	for range inputs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = BatchResult{Record: res.record, Err: res.err}
		}
	}
	return results, nil
}

func chainLabels(c types.Chain) map[string]string {
	return map[string]string{"chain": c.String()}
}
