package agentpay

import (
	"time"

	"github.com/agentpay/agentpay/logger"
	"github.com/agentpay/agentpay/metrics"
	"github.com/agentpay/agentpay/policy"
)

type Option func(*AgentPay)

func WithLogger(l logger.Logger) Option {
	return func(a *AgentPay) {
		a.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(a *AgentPay) {
		a.metrics = r
	}
}

func WithPolicyEngine(p *policy.Engine) Option {
	return func(a *AgentPay) {
		a.policy = p
	}
}

// WithTimeout bounds each chain call, overriding the configured value.
func WithTimeout(t time.Duration) Option {
	return func(a *AgentPay) {
		a.timeout = t
	}
}
