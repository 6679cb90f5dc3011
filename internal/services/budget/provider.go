package budget

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/spendguard/internal/core/config"
	"github.com/amerfu/spendguard/pkg/circuitbreaker"
)

// ProviderState describes what bootstrap managed to build.
type ProviderState string

const (
	// StateReady: an engine exists in the configured mode.
	StateReady ProviderState = "ready"
	// StateInert: the policy could not be loaded; budgets are not enforced.
	StateInert ProviderState = "inert"
	// StateUnavailable: strict mode and the store was unreachable at startup.
	// No engine exists and every reservation fails.
	StateUnavailable ProviderState = "unavailable"
)

// Provider is the process-wide handle to the budget engine. Build one with
// Bootstrap and pass it to whatever needs budgets; the engine behind it may
// be absent, which callers observe through Engine or Reserve.
type Provider struct {
	engine *Engine
	policy *Policy
	client *redis.Client
	state  ProviderState
	mode   Mode
	logger *zap.Logger
}

// Bootstrap loads the policy for the configured environment, connects to
// Redis and builds the engine. It never fails: a broken policy yields an
// inert provider, and an unreachable store in strict mode yields an
// unavailable one.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("budget")

	mode := ParseMode(cfg.Budget.EnforcementMode)
	if string(mode) != strings.ToLower(strings.TrimSpace(cfg.Budget.EnforcementMode)) {
		logger.Warn("Unknown budget enforcement mode, using strict",
			zap.String("configured", cfg.Budget.EnforcementMode))
	}

	policy, err := LoadPolicy(cfg.Budget.PolicyDir, cfg.Budget.Environment)
	if err != nil {
		logger.Error("Failed to load budget policy, budgets disabled",
			zap.String("policy_dir", cfg.Budget.PolicyDir),
			zap.String("environment", cfg.Budget.Environment),
			zap.Error(err))
		return &Provider{
			engine: NewEngine(&EngineConfig{Logger: logger, Mode: ModeDisabled}),
			state:  StateInert,
			mode:   ModeDisabled,
			logger: logger,
		}
	}
	for _, w := range policy.Warnings {
		logger.Warn("Ignoring malformed budget policy entry", zap.String("entry", w))
	}

	client, err := connectRedis(ctx, cfg, logger)
	if err != nil && mode == ModeStrict {
		logger.Error("Budget store unreachable in strict mode, reservations will be rejected",
			zap.Error(err))
		if client != nil {
			_ = client.Close()
		}
		return &Provider{
			policy: policy,
			state:  StateUnavailable,
			mode:   mode,
			logger: logger,
		}
	}
	if err != nil {
		logger.Warn("Budget store unreachable, continuing in degraded mode",
			zap.String("mode", string(mode)),
			zap.Error(err))
	}

	engineConfig := &EngineConfig{
		Logger:       logger,
		Mode:         mode,
		Retention:    cfg.Budget.Retention,
		AnomalyRatio: cfg.Budget.AnomalyRatio,
	}
	if client != nil {
		engineConfig.Client = client
		if cfg.Budget.EventsStream != "" {
			engineConfig.Events = NewEventPublisher(client, cfg.Budget.EventsStream, logger)
		}
	}
	if cfg.Budget.BreakerThreshold > 0 {
		engineConfig.Breaker = circuitbreaker.New(cfg.Budget.BreakerThreshold, cfg.Budget.BreakerCooldown)
	}

	logger.Info("Budget engine initialized",
		zap.String("mode", string(mode)),
		zap.String("environment", policy.Environment),
		zap.String("policy", policy.Source),
		zap.Int64("default_per_day", policy.DefaultPerDay()),
		zap.Any("entries", policy.Entries()))

	return &Provider{
		engine: NewEngine(engineConfig),
		policy: policy,
		client: client,
		state:  StateReady,
		mode:   mode,
		logger: logger,
	}
}

// NewProvider wraps an existing engine and policy, for callers that manage
// their own Redis client.
func NewProvider(engine *Engine, policy *Policy) *Provider {
	p := &Provider{engine: engine, policy: policy, logger: zap.NewNop()}
	switch {
	case engine == nil:
		p.state = StateUnavailable
		p.mode = ModeStrict
	default:
		p.state = StateReady
		p.mode = engine.Mode()
	}
	return p
}

func connectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Password != "" {
		opt.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opt.DB = cfg.Redis.DB
	}
	if cfg.Redis.PoolSize != 0 {
		opt.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.DialTimeout > 0 {
		opt.DialTimeout = cfg.Redis.DialTimeout
	}

	client := redis.NewClient(opt)

	timeout := cfg.Budget.ConnectTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, err
	}

	logger.Info("Redis connection established",
		zap.String("addr", opt.Addr),
		zap.Int("db", opt.DB),
		zap.Int("pool_size", opt.PoolSize))

	return client, nil
}

// Engine returns the engine, or ErrEngineUnavailable when bootstrap could
// not build one.
func (p *Provider) Engine() (*Engine, error) {
	if p == nil || p.engine == nil {
		return nil, ErrEngineUnavailable
	}
	return p.engine, nil
}

func (p *Provider) Policy() *Policy {
	return p.policy
}

func (p *Provider) State() ProviderState {
	return p.state
}

func (p *Provider) Mode() Mode {
	return p.mode
}

// Scopes builds the scopes for a call against the loaded policy.
func (p *Provider) Scopes(attrs CallAttributes) []Scope {
	return BuildScopes(p.policy, attrs)
}

// Reserve delegates to the engine. Without an engine it fails with
// ErrEnforcementUnavailable.
func (p *Provider) Reserve(ctx context.Context, amount int64, scopes []Scope) (ReservationToken, error) {
	if amount <= 0 {
		return ReservationToken{}, nil
	}
	engine, err := p.Engine()
	if err != nil {
		reservationsTotal.WithLabelValues(outcomeUnavailable).Inc()
		return ReservationToken{}, errors.Join(ErrEnforcementUnavailable, err)
	}
	return engine.Reserve(ctx, amount, scopes)
}

func (p *Provider) Commit(ctx context.Context, token ReservationToken, usedAmount int64) {
	engine, err := p.Engine()
	if err != nil {
		if !token.IsZero() {
			p.logger.Warn("Dropping budget commit, engine unavailable",
				zap.String("token_id", token.ID),
				zap.Int64("used_amount", usedAmount))
		}
		return
	}
	engine.Commit(ctx, token, usedAmount)
}

func (p *Provider) Release(ctx context.Context, token ReservationToken) {
	engine, err := p.Engine()
	if err != nil {
		if !token.IsZero() {
			p.logger.Warn("Dropping budget release, engine unavailable",
				zap.String("token_id", token.ID))
		}
		return
	}
	engine.Release(ctx, token)
}

func (p *Provider) Snapshot(ctx context.Context, scopes []Scope, day string) (map[string]ScopeState, error) {
	engine, err := p.Engine()
	if err != nil {
		return nil, err
	}
	return engine.Snapshot(ctx, scopes, day)
}

func (p *Provider) RecentEvents(ctx context.Context, count int64) ([]Event, error) {
	engine, err := p.Engine()
	if err != nil {
		return nil, err
	}
	return engine.RecentEvents(ctx, count)
}

// Ping reports store health. Inert providers have no store and report nil.
func (p *Provider) Ping(ctx context.Context) error {
	switch p.state {
	case StateInert:
		return nil
	case StateUnavailable:
		return ErrEngineUnavailable
	}
	if p.mode == ModeDisabled {
		return nil
	}
	return p.engine.Ping(ctx)
}

// Close releases the Redis connection.
func (p *Provider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
