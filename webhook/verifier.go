// Package webhook authenticates inbound confirmation events from
// external payment processors before they may touch settlement state.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/agentpay/agentpay/types"
)

// DefaultMaxAge bounds how stale a signed event may be before it is
// rejected as a replay.
const DefaultMaxAge = 300 * time.Second

// Verifier checks HMAC-SHA256 signatures on raw webhook payloads.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithMaxAge overrides the replay window.
func WithMaxAge(d time.Duration) Option {
	return func(v *Verifier) { v.maxAge = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(secret []byte, opts ...Option) *Verifier {
	v := &Verifier{
		secret: secret,
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Sign computes the hex signature for a payload at the given unix
// timestamp. Exposed so outbound callers and tests can produce
// signatures the verifier accepts.
func (v *Verifier) Sign(payload []byte, timestamp int64) string {
	return hex.EncodeToString(v.mac(payload, timestamp))
}

func (v *Verifier) mac(payload []byte, timestamp int64) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verify checks a signature against the payload and timestamp. Events
// outside the replay window fail regardless of signature correctness.
// The comparison is constant time. Failure detail is limited to a
// reason code so secrets and signatures never reach logs.
func (v *Verifier) Verify(payload []byte, timestamp int64, signature string) error {
	now := v.now().Unix()
	age := now - timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > v.maxAge {
		return types.Errorf(types.ErrAuthFailed, "event timestamp outside replay window")
	}
	// Decode before comparing so the hex casing a processor emits does
	// not matter.
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return types.Errorf(types.ErrAuthFailed, "malformed signature encoding")
	}
	if !hmac.Equal(v.mac(payload, timestamp), sig) {
		return types.Errorf(types.ErrAuthFailed, "signature mismatch")
	}
	return nil
}

// ParseEvent authenticates a raw webhook body against its timestamp and
// signature headers and decodes the confirmation event it carries.
func (v *Verifier) ParseEvent(rawBody []byte, timestampHeader, signatureHeader string) (*types.Event, error) {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return nil, types.Errorf(types.ErrAuthFailed, "malformed timestamp header")
	}
	if err := v.Verify(rawBody, ts, signatureHeader); err != nil {
		return nil, err
	}
	var event types.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, types.Errorf(types.ErrInvalidInput, "malformed event body: %v", err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return &event, nil
}
