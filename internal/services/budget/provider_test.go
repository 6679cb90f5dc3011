package budget

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/amerfu/spendguard/internal/core/config"
)

const unreachableRedisURL = "redis://127.0.0.1:1/0"

func testProviderConfig(t *testing.T, redisURL, mode string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "budgets.test.yaml"),
		[]byte("defaults:\n  per_day: 10000\norgs:\n  acme:\n    per_day: 5000\n"), 0o600))

	return &config.Config{
		Redis: config.RedisConfig{URL: redisURL},
		Budget: config.BudgetConfig{
			EnforcementMode:  mode,
			Environment:      "test",
			PolicyDir:        dir,
			Retention:        48 * time.Hour,
			AnomalyRatio:     5,
			ConnectTimeout:   500 * time.Millisecond,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Second,
		},
	}
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestBootstrap_Ready(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testProviderConfig(t, "redis://"+mr.Addr()+"/0", "strict")
	logger, logs := observedLogger()

	p := Bootstrap(context.Background(), cfg, logger)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, StateReady, p.State())
	assert.Equal(t, ModeStrict, p.Mode())
	assert.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("Budget engine initialized").Len())

	scopes := p.Scopes(CallAttributes{OrgID: "acme"})
	require.Len(t, scopes, 2)
	assert.Equal(t, int64(5000), scopes[1].PerDayLimit)

	ctx := context.Background()
	token, err := p.Reserve(ctx, 4000, scopes)
	require.NoError(t, err)

	_, err = p.Reserve(ctx, 1001, scopes)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "org:acme", exceeded.Scope.Name())

	p.Commit(ctx, token, 3500)

	state, err := p.Snapshot(ctx, scopes, token.Day)
	require.NoError(t, err)
	assert.Equal(t, int64(3500), state["org:acme"].Used)
	assert.Equal(t, int64(0), state["org:acme"].Reserved)
	assert.Equal(t, int64(1500), state["org:acme"].Remaining)
}

func TestBootstrap_StrictUnreachable(t *testing.T) {
	cfg := testProviderConfig(t, unreachableRedisURL, "strict")
	logger, logs := observedLogger()

	p := Bootstrap(context.Background(), cfg, logger)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, StateUnavailable, p.State())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	_, err := p.Engine()
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.ErrorIs(t, p.Ping(context.Background()), ErrEngineUnavailable)

	token, err := p.Reserve(context.Background(), 10, p.Scopes(CallAttributes{}))
	assert.ErrorIs(t, err, ErrEnforcementUnavailable)
	assert.True(t, token.IsZero())

	// zero amount never reaches the engine
	_, err = p.Reserve(context.Background(), 0, nil)
	assert.NoError(t, err)

	p.Commit(context.Background(), ReservationToken{ID: "x", Amount: 10}, 5)
	p.Release(context.Background(), ReservationToken{ID: "x", Amount: 10})
	assert.Equal(t, 1, logs.FilterMessage("Dropping budget commit, engine unavailable").Len())
	assert.Equal(t, 1, logs.FilterMessage("Dropping budget release, engine unavailable").Len())

	_, err = p.Snapshot(context.Background(), p.Scopes(CallAttributes{}), "2025-01-01")
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestBootstrap_DisabledUnreachable(t *testing.T) {
	cfg := testProviderConfig(t, unreachableRedisURL, "disabled")
	logger, _ := observedLogger()

	p := Bootstrap(context.Background(), cfg, logger)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, StateReady, p.State())
	assert.Equal(t, ModeDisabled, p.Mode())
	assert.NoError(t, p.Ping(context.Background()))

	token, err := p.Reserve(context.Background(), 999999999, p.Scopes(CallAttributes{OrgID: "acme"}))
	require.NoError(t, err)
	assert.Equal(t, int64(999999999), token.Amount)

	p.Commit(context.Background(), token, 999999999)
}

func TestBootstrap_AdvisoryUnreachable(t *testing.T) {
	cfg := testProviderConfig(t, unreachableRedisURL, "advisory")
	logger, logs := observedLogger()

	p := Bootstrap(context.Background(), cfg, logger)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, StateReady, p.State())
	assert.Equal(t, 1, logs.FilterMessage("Budget store unreachable, continuing in degraded mode").Len())

	token, err := p.Reserve(context.Background(), 10, p.Scopes(CallAttributes{}))
	require.NoError(t, err)
	assert.False(t, token.IsZero())
	assert.Error(t, p.Ping(context.Background()))
}

func TestBootstrap_PolicyMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testProviderConfig(t, "redis://"+mr.Addr()+"/0", "strict")
	cfg.Budget.Environment = "production"
	logger, logs := observedLogger()

	p := Bootstrap(context.Background(), cfg, logger)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, StateInert, p.State())
	assert.Equal(t, ModeDisabled, p.Mode())
	assert.Equal(t, 1, logs.FilterMessage("Failed to load budget policy, budgets disabled").Len())
	assert.NoError(t, p.Ping(context.Background()))

	engine, err := p.Engine()
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, engine.Mode())

	_, err = p.Reserve(context.Background(), 50, []Scope{{Kind: ScopeGlobal, ID: GlobalScopeID}})
	assert.NoError(t, err)
	assert.Empty(t, mr.Keys())
}

func TestBootstrap_PolicyMalformed(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testProviderConfig(t, "redis://"+mr.Addr()+"/0", "strict")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Budget.PolicyDir, "budgets.test.yaml"),
		[]byte("orgs: [1, 2"), 0o600))

	p := Bootstrap(context.Background(), cfg, zap.NewNop())
	assert.Equal(t, StateInert, p.State())
}

func TestBootstrap_InvalidModeFallsBackToStrict(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testProviderConfig(t, "redis://"+mr.Addr()+"/0", "permissive")
	logger, logs := observedLogger()

	p := Bootstrap(context.Background(), cfg, logger)
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, ModeStrict, p.Mode())
	assert.Equal(t, 1, logs.FilterMessage("Unknown budget enforcement mode, using strict").Len())
}

func TestBootstrap_ModeSpellingVariants(t *testing.T) {
	mr := miniredis.RunT(t)

	for configured, want := range map[string]Mode{
		"Advisory":   ModeAdvisory,
		" disabled ": ModeDisabled,
		"STRICT":     ModeStrict,
	} {
		cfg := testProviderConfig(t, "redis://"+mr.Addr()+"/0", configured)
		logger, logs := observedLogger()

		p := Bootstrap(context.Background(), cfg, logger)
		assert.Equal(t, want, p.Mode(), configured)
		assert.Zero(t, logs.FilterMessage("Unknown budget enforcement mode, using strict").Len(), configured)
		_ = p.Close()
	}
}

func TestNewProvider(t *testing.T) {
	p := NewProvider(nil, nil)
	assert.Equal(t, StateUnavailable, p.State())
	_, err := p.Reserve(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrEnforcementUnavailable)
	assert.NoError(t, p.Close())

	te := newTestEngine(t, ModeAdvisory, nil)
	p = NewProvider(te.engine, nil)
	assert.Equal(t, StateReady, p.State())
	assert.Equal(t, ModeAdvisory, p.Mode())
}
