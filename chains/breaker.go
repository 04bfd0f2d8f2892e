package chains

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agentpay/agentpay/types"
)

// rpcBreaker guards node RPC calls. A tripped breaker surfaces as a
// transient NETWORK_ERROR so the settlement record stays in processing.
type rpcBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func newRPCBreaker(name string) *rpcBreaker {
	return &rpcBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// only count node failures against the breaker
				return err == nil || !types.IsTransient(err)
			},
		}),
	}
}

func (b *rpcBreaker) do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.Errorf(types.ErrNetwork, "rpc circuit open: %v", err)
	}
	return err
}
