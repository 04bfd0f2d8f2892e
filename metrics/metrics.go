// Package metrics defines the instrumentation contract for the
// settlement core and ships noop and Prometheus implementations.
package metrics

import "time"

// Counter and latency names recorded by the engine.
const (
	EventSettlementInitiated = "settlement_initiated"
	EventSettlementSettled   = "settlement_settled"
	EventSettlementFailed    = "settlement_failed"
	EventSettlementExpired   = "settlement_expired"
	EventPolicyRejected      = "policy_rejected"
	EventAuthFailed          = "auth_failed"
	OpChainTransfer          = "chain_transfer"
	OpChainBroadcast         = "chain_broadcast"
	OpChainVerify            = "chain_verify"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
