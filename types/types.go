// Package types holds the shared data model of the agentpay settlement
// core: payment requirements, proofs, settlement records and the typed
// error taxonomy.
package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// TokenInfo describes the token a requirement is denominated in. Decimals
// is the fixed exponent used to convert decimal amounts into integer base
// units (6 for USDC on every supported chain).
type TokenInfo struct {
	Symbol   string `json:"symbol" validate:"required"`
	Address  string `json:"address"` // contract address or SPL mint
	Decimals int32  `json:"decimals" validate:"gte=0,lte=18"`
}

// USDC returns the canonical USDC token for a chain.
func USDC(chain Chain) (TokenInfo, error) {
	addr, ok := usdcByChain[chain]
	if !ok {
		return TokenInfo{}, Errorf(ErrUnsupportedChain, "no USDC deployment known for chain %s", chain)
	}
	return TokenInfo{Symbol: "USDC", Address: addr, Decimals: 6}, nil
}

// MustUSDC is USDC for chains known to be in the supported set. Panics
// otherwise.
func MustUSDC(chain Chain) TokenInfo {
	tok, err := USDC(chain)
	if err != nil {
		panic(err)
	}
	return tok
}

var usdcByChain = map[Chain]string{
	ChainBase:          "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	ChainBaseSepolia:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	ChainPolygon:       "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
	ChainPolygonAmoy:   "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
	ChainSolanaMainnet: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	ChainSolanaDevnet:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
}

// PaymentRequirement is a seller-issued description of what must be paid.
// Immutable once issued; consumed at most once per successful settlement.
type PaymentRequirement struct {
	Chain     Chain     `json:"chain" validate:"required"`
	Recipient string    `json:"recipient" validate:"required"`
	Amount    string    `json:"amount" validate:"required"` // decimal, token-denominated
	Token     TokenInfo `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Validate checks shape and expiry. Amount must parse as a positive
// decimal; the chain must be in the supported set.
func (r *PaymentRequirement) Validate(now time.Time) error {
	if err := validate.Struct(r); err != nil {
		return Errorf(ErrInvalidInput, "invalid requirement: %v", err)
	}
	if _, err := ParseChain(string(r.Chain)); err != nil {
		return err
	}
	amt, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return Errorf(ErrInvalidInput, "invalid requirement amount %q: %v", r.Amount, err)
	}
	if amt.Sign() <= 0 {
		return Errorf(ErrInvalidInput, "requirement amount must be positive, got %s", r.Amount)
	}
	if !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt) {
		return Errorf(ErrInvalidInput, "requirement expired at %s", r.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// ProofMode tags how the caller proves payment.
type ProofMode string

const (
	// ProofCustodial delegates signing to the facilitator via a
	// credential reference.
	ProofCustodial ProofMode = "custodial"

	// ProofSelfCustody carries a pre-signed, chain-native transaction
	// blob ready for broadcast.
	ProofSelfCustody ProofMode = "self-custody"
)

// PaymentProof is caller-supplied evidence of payment. Exactly one of
// CredentialRef or SignedBlob is set, according to Mode.
type PaymentProof struct {
	Mode          ProofMode `json:"mode"`
	CredentialRef string    `json:"credentialRef,omitempty"`
	SignedBlob    []byte    `json:"signedBlob,omitempty"`
}

func (p *PaymentProof) Validate() error {
	switch p.Mode {
	case ProofCustodial:
		if p.CredentialRef == "" {
			return Errorf(ErrInvalidInput, "custodial proof requires a credential reference")
		}
		if len(p.SignedBlob) != 0 {
			return Errorf(ErrInvalidInput, "custodial proof must not carry a signed blob")
		}
	case ProofSelfCustody:
		if len(p.SignedBlob) == 0 {
			return Errorf(ErrInvalidInput, "self-custody proof requires a signed transaction blob")
		}
		if p.CredentialRef != "" {
			return Errorf(ErrInvalidInput, "self-custody proof must not carry a credential reference")
		}
	default:
		return Errorf(ErrInvalidInput, "unknown proof mode %q", p.Mode)
	}
	return nil
}

// Status is the settlement lifecycle state. Settled and Failed are
// terminal; Expired is observed at read time for stale processing records.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSettled    Status = "settled"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// SettlementRecord is the unit of idempotency: one record per payment
// attempt, keyed by ID. Created and exclusively mutated by the settlement
// engine; read by anyone needing payment status.
type SettlementRecord struct {
	ID                 string             `json:"id"`
	Requirement        PaymentRequirement `json:"requirement"`
	Status             Status             `json:"status"`
	TxHash             string             `json:"txHash,omitempty"`
	ConfirmationHeight uint64             `json:"confirmationHeight,omitempty"` // slot or block
	FailureReason      string             `json:"failureReason,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	TerminalAt         *time.Time         `json:"terminalAt,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (r *SettlementRecord) Clone() *SettlementRecord {
	cp := *r
	if r.TerminalAt != nil {
		t := *r.TerminalAt
		cp.TerminalAt = &t
	}
	return &cp
}

// TransferResult is returned by a chain adapter after a successful
// transfer or broadcast.
type TransferResult struct {
	TxHash             string `json:"txHash"`
	ConfirmationHeight uint64 `json:"confirmationHeight"`
	Payer              string `json:"payer,omitempty"`
}

// VerificationResult is the outcome of a read-only transaction check.
type VerificationResult struct {
	Valid              bool   `json:"valid"`
	InvalidReason      string `json:"invalidReason,omitempty"`
	Payer              string `json:"payer,omitempty"`
	ConfirmationHeight uint64 `json:"confirmationHeight,omitempty"`
}

// EventOutcome is the normalized outcome carried by an authenticated
// processor event.
type EventOutcome string

const (
	EventSettled EventOutcome = "settled"
	EventFailed  EventOutcome = "failed"
)

// Event is an inbound confirmation from an external payment processor,
// already authenticated by the webhook verifier.
type Event struct {
	ExternalEventID string       `json:"eventId"`
	PaymentID       string       `json:"paymentId"`
	Outcome         EventOutcome `json:"outcome"`
	TxHash          string       `json:"txHash,omitempty"`
	Reason          string       `json:"reason,omitempty"`
}

func (e *Event) Validate() error {
	if e.ExternalEventID == "" {
		return Errorf(ErrInvalidInput, "event missing external event id")
	}
	if e.PaymentID == "" {
		return Errorf(ErrInvalidInput, "event missing payment id")
	}
	switch e.Outcome {
	case EventSettled, EventFailed:
	default:
		return Errorf(ErrInvalidInput, "unknown event outcome %q", e.Outcome)
	}
	return nil
}

// String implements fmt.Stringer for log friendliness.
func (r *SettlementRecord) String() string {
	return fmt.Sprintf("settlement %s [%s] chain=%s amount=%s", r.ID, r.Status, r.Requirement.Chain, r.Requirement.Amount)
}
