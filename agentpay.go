// Package agentpay is a machine-to-machine payment settlement core:
// sellers issue payment requirements, callers present proofs, and the
// facilitator settles or verifies token transfers on EVM and Solana
// chains, recording every attempt idempotently.
package agentpay

import (
	"context"
	"time"

	"github.com/agentpay/agentpay/chains"
	"github.com/agentpay/agentpay/config"
	"github.com/agentpay/agentpay/logger"
	"github.com/agentpay/agentpay/metrics"
	"github.com/agentpay/agentpay/policy"
	"github.com/agentpay/agentpay/settlement"
	"github.com/agentpay/agentpay/store"
	"github.com/agentpay/agentpay/types"
	"github.com/agentpay/agentpay/webhook"
)

// AgentPay bundles the settlement engine, policy engine and webhook
// verifier behind one constructor.
type AgentPay struct {
	engine   *settlement.Engine
	verifier *webhook.Verifier
	policy   *policy.Engine
	log      logger.Logger
	metrics  metrics.Recorder
	timeout  time.Duration
}

// New assembles a facilitator from configuration. Chains listed in the
// config get adapters registered immediately; more can be added with
// RegisterChain.
func New(cfg *config.Config, opts ...Option) (*AgentPay, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}

	a := &AgentPay{}
	for _, opt := range opts {
		opt(a)
	}

	if a.log == nil {
		if cfg.Logger.Level != "" {
			a.log = logger.NewZapLogger(cfg.Logger.Level)
		} else {
			a.log = logger.NoopLogger{}
		}
	}
	if a.metrics == nil {
		if cfg.Metrics.Enabled {
			a.metrics = metrics.NewPrometheusRecorder()
		} else {
			a.metrics = metrics.NoopRecorder{}
		}
	}
	if a.policy == nil {
		a.policy = policy.NewEngine()
	}
	for caller, rules := range cfg.Policy {
		a.policy.SetRules(caller, rules)
	}

	st, err := buildStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	engineOpts := []settlement.Option{
		settlement.WithLogger(a.log),
		settlement.WithMetrics(a.metrics),
		settlement.WithPolicy(a.policy),
	}
	if a.timeout == 0 {
		a.timeout = cfg.Engine.Timeout
	}
	if a.timeout > 0 {
		engineOpts = append(engineOpts, settlement.WithTimeout(a.timeout))
	}
	if cfg.Engine.RecordTTL > 0 {
		engineOpts = append(engineOpts, settlement.WithRecordTTL(cfg.Engine.RecordTTL))
	}
	a.engine = settlement.NewEngine(st, engineOpts...)

	for name, cc := range cfg.Chains {
		chain, err := types.ParseChain(name)
		if err != nil {
			return nil, err
		}
		if err := a.RegisterChain(chain, cc.RPCURL); err != nil {
			return nil, err
		}
	}

	if len(cfg.Webhook.Secret) > 0 {
		var whOpts []webhook.Option
		if cfg.Webhook.MaxAge > 0 {
			whOpts = append(whOpts, webhook.WithMaxAge(cfg.Webhook.MaxAge))
		}
		a.verifier = webhook.NewVerifier(cfg.Webhook.Secret, whOpts...)
	}

	return a, nil
}

func buildStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, types.Errorf(types.ErrInvalidInput, "unknown store backend %q", cfg.Backend)
	}
}

// RegisterChain creates and registers the adapter for a chain.
func (a *AgentPay) RegisterChain(chain types.Chain, rpcURL string) error {
	var (
		adapter chains.Adapter
		err     error
	)
	switch {
	case chain.IsEVM():
		adapter, err = chains.NewEVMAdapter(chain, rpcURL)
	case chain.IsSolana():
		adapter, err = chains.NewSolanaAdapter(chain, rpcURL)
	default:
		return types.Errorf(types.ErrUnsupportedChain, "unsupported chain %s", chain)
	}
	if err != nil {
		return err
	}
	a.engine.RegisterAdapter(adapter)
	a.log.Info("chain registered", map[string]any{"chain": chain.String()})
	return nil
}

// RegisterAdapter installs a caller-provided adapter, e.g. for tests.
func (a *AgentPay) RegisterAdapter(adapter chains.Adapter) {
	a.engine.RegisterAdapter(adapter)
}

// Supported lists the chains this facilitator can settle on.
func (a *AgentPay) Supported() []types.Chain {
	return a.engine.Supported()
}

// Initiate settles one payment. See settlement.Engine.Initiate for the
// outcome contract.
func (a *AgentPay) Initiate(ctx context.Context, input settlement.InitiateInput) (*types.SettlementRecord, error) {
	return a.engine.Initiate(ctx, input)
}

// BatchInitiate settles many payments concurrently.
func (a *AgentPay) BatchInitiate(ctx context.Context, inputs []settlement.InitiateInput) ([]settlement.BatchResult, error) {
	return a.engine.BatchInitiate(ctx, inputs)
}

// GetStatus returns the current settlement record for an id.
func (a *AgentPay) GetStatus(ctx context.Context, id string) (*types.SettlementRecord, error) {
	return a.engine.GetStatus(ctx, id)
}

// ConfirmWebhook authenticates a raw processor webhook and applies the
// confirmation it carries. Authentication failures drop the event
// without touching any record.
func (a *AgentPay) ConfirmWebhook(ctx context.Context, rawBody []byte, timestampHeader, signatureHeader string) (*types.SettlementRecord, error) {
	if a.verifier == nil {
		return nil, types.Errorf(types.ErrAuthFailed, "no webhook secret configured")
	}
	event, err := a.verifier.ParseEvent(rawBody, timestampHeader, signatureHeader)
	if err != nil {
		if types.CodeOf(err) == types.ErrAuthFailed {
			a.metrics.IncCounter(metrics.EventAuthFailed, map[string]string{"chain": ""})
			a.log.Warn("webhook authentication failed", map[string]any{})
		}
		return nil, err
	}
	return a.engine.ConfirmExternal(ctx, event)
}

// ConfirmExternal applies an already-authenticated confirmation event.
func (a *AgentPay) ConfirmExternal(ctx context.Context, event *types.Event) (*types.SettlementRecord, error) {
	return a.engine.ConfirmExternal(ctx, event)
}

// VerifyTransaction checks an on-chain transaction against a
// requirement without mutating state.
func (a *AgentPay) VerifyTransaction(ctx context.Context, chain types.Chain, txHash string, requirement types.PaymentRequirement) (*types.VerificationResult, error) {
	return a.engine.VerifyTransaction(ctx, chain, txHash, requirement)
}

// QuickCheck validates a requirement's shape, expiry and chain support
// without touching a node or spending policy budget.
func (a *AgentPay) QuickCheck(requirement types.PaymentRequirement) error {
	if err := requirement.Validate(time.Now().UTC()); err != nil {
		return err
	}
	for _, c := range a.engine.Supported() {
		if c == requirement.Chain {
			return nil
		}
	}
	return types.Errorf(types.ErrUnsupportedChain, "no adapter registered for chain %s", requirement.Chain)
}

// SweepExpired garbage-collects stale processing records.
func (a *AgentPay) SweepExpired(ctx context.Context) (int, error) {
	return a.engine.SweepExpired(ctx)
}

// Policy exposes the policy engine so hosts can adjust rules at
// runtime.
func (a *AgentPay) Policy() *policy.Engine { return a.policy }

// Close shuts down adapters and the store.
func (a *AgentPay) Close() error {
	return a.engine.Close()
}
