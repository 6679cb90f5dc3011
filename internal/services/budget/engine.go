package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/spendguard/pkg/circuitbreaker"
)

// Mode controls how the engine reacts to budgets and store failures.
type Mode string

const (
	// ModeStrict rejects reservations whenever the store cannot be consulted.
	ModeStrict Mode = "strict"
	// ModeAdvisory approves reservations when the store fails, with a warning.
	ModeAdvisory Mode = "advisory"
	// ModeDisabled never touches the store.
	ModeDisabled Mode = "disabled"
)

// ParseMode normalizes a configured mode. Unknown values become strict.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAdvisory:
		return ModeAdvisory
	case ModeDisabled:
		return ModeDisabled
	default:
		return ModeStrict
	}
}

const (
	DefaultRetention     = 48 * time.Hour
	DefaultAnomalyRatio  = 5.0
	defaultSettleTimeout = 5 * time.Second
)

var errStoreUnavailable = errors.New("budget store unavailable")

// ScopeState is the diagnostic view of one counter record.
type ScopeState struct {
	Kind      ScopeKind `json:"scope_kind"`
	ID        string    `json:"scope_id"`
	Day       string    `json:"day"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Reserved  int64     `json:"reserved"`
	Remaining int64     `json:"remaining"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Client       redis.UniversalClient
	Logger       *zap.Logger
	Mode         Mode
	Retention    time.Duration
	AnomalyRatio float64
	// Breaker short-circuits store calls after repeated failures. Optional.
	Breaker       *circuitbreaker.Breaker
	SettleTimeout time.Duration
	// Events receives rejections and anomalies. Optional.
	Events *EventPublisher
	// Clock returns the current time; defaults to time.Now.
	Clock func() time.Time
}

// Engine reserves, commits and releases spend against per-scope daily
// counters in Redis. Each operation runs as one Lua script, so checks and
// increments over several scopes never interleave with another caller's.
// The engine holds no locks of its own and is safe for concurrent use.
type Engine struct {
	client        redis.UniversalClient
	logger        *zap.Logger
	mode          Mode
	retention     time.Duration
	anomalyRatio  float64
	breaker       *circuitbreaker.Breaker
	settleTimeout time.Duration
	events        *EventPublisher
	now           func() time.Time
}

// NewEngine creates an engine.
func NewEngine(config *EngineConfig) *Engine {
	e := &Engine{
		client:        config.Client,
		logger:        config.Logger,
		mode:          ParseMode(string(config.Mode)),
		retention:     config.Retention,
		anomalyRatio:  config.AnomalyRatio,
		breaker:       config.Breaker,
		settleTimeout: config.SettleTimeout,
		events:        config.Events,
		now:           config.Clock,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.retention <= 0 {
		e.retention = DefaultRetention
	}
	// EXPIRE takes whole seconds; zero would delete the record mid-script.
	if e.retention < time.Second {
		e.retention = time.Second
	}
	if e.anomalyRatio <= 1 {
		e.anomalyRatio = DefaultAnomalyRatio
	}
	if e.settleTimeout <= 0 {
		e.settleTimeout = defaultSettleTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Mode returns the enforcement mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Today returns the current UTC day as used in tokens.
func (e *Engine) Today() string {
	return DayOf(e.now())
}

// Reserve holds amount on every scope, or on none of them. It fails with an
// *ExceededError (matching ErrBudgetExceeded) naming the first scope that
// lacks room. When the store fails, strict mode returns
// ErrEnforcementUnavailable and advisory mode approves the request.
func (e *Engine) Reserve(ctx context.Context, amount int64, scopes []Scope) (ReservationToken, error) {
	if amount <= 0 {
		reservationsTotal.WithLabelValues(outcomeSkipped).Inc()
		return ReservationToken{}, nil
	}

	token := ReservationToken{
		Day:    e.Today(),
		Amount: amount,
		Scopes: append([]Scope(nil), scopes...),
	}

	if e.mode == ModeDisabled {
		reservationsTotal.WithLabelValues(outcomeSkipped).Inc()
		return token, nil
	}

	if err := validateScopes(scopes); err != nil {
		reservationsTotal.WithLabelValues(outcomeInvalid).Inc()
		return ReservationToken{}, err
	}
	token.ID = uuid.NewString()

	keys := make([]string, len(scopes))
	args := make([]interface{}, 0, len(scopes)+2)
	args = append(args, amount, int64(e.retention.Seconds()))
	for i, s := range scopes {
		keys[i] = counterKey(s, token.Day)
		args = append(args, s.PerDayLimit)
	}

	res, err := e.runScript(ctx, "reserve", reserveScript, true, keys, args...)
	if err == nil {
		var failed, remaining int64
		var ok bool
		ok, failed, remaining, err = parseReserveResult(res)
		if err == nil && !ok && (failed < 0 || int(failed) >= len(scopes)) {
			err = fmt.Errorf("reserve reported scope index %d of %d", failed, len(scopes))
		}
		if err == nil && !ok {
			reservationsTotal.WithLabelValues(outcomeExceeded).Inc()
			exceeded := &ExceededError{
				Scope:      scopes[failed],
				ScopeIndex: int(failed),
				Remaining:  remaining,
				Requested:  amount,
				Day:        token.Day,
			}
			e.logger.Info("Budget reservation rejected",
				zap.String("scope_kind", string(exceeded.Scope.Kind)),
				zap.String("scope_id", exceeded.Scope.ID),
				zap.Int("scope_index", exceeded.ScopeIndex),
				zap.Int64("requested", amount),
				zap.Int64("remaining", remaining),
				zap.String("day", token.Day))
			_ = e.events.Publish(ctx, Event{
				Type: EventExceeded,
				Day:  token.Day,
				Data: map[string]interface{}{
					"scope":       exceeded.Scope.Name(),
					"scope_index": exceeded.ScopeIndex,
					"requested":   amount,
					"remaining":   remaining,
				},
			})
			return ReservationToken{}, exceeded
		}
	}

	if err != nil {
		return e.degradeReserve(token, err)
	}

	reservationsTotal.WithLabelValues(outcomeApproved).Inc()
	e.logger.Debug("Budget reserved",
		zap.String("token_id", token.ID),
		zap.String("day", token.Day),
		zap.Int64("amount", amount),
		zap.Strings("scopes", scopeNames(scopes)))

	return token, nil
}

func (e *Engine) degradeReserve(token ReservationToken, cause error) (ReservationToken, error) {
	if e.mode == ModeAdvisory {
		reservationsTotal.WithLabelValues(outcomeDegraded).Inc()
		e.logger.Warn("Budget store unavailable, allowing reservation in advisory mode",
			zap.String("token_id", token.ID),
			zap.String("day", token.Day),
			zap.Int64("amount", token.Amount),
			zap.Strings("scopes", scopeNames(token.Scopes)),
			zap.Error(cause))
		return token, nil
	}

	reservationsTotal.WithLabelValues(outcomeUnavailable).Inc()
	e.logger.Error("Budget store unavailable, rejecting reservation",
		zap.Int64("amount", token.Amount),
		zap.Strings("scopes", scopeNames(token.Scopes)),
		zap.Error(cause))
	return ReservationToken{}, fmt.Errorf("%w: %w", ErrEnforcementUnavailable, cause)
}

// Commit converts a reservation into recorded usage on the token's day.
// A non-positive usedAmount is treated as the reserved amount. Usage above
// the reservation is always recorded; it is logged as an overspend, or as an
// anomaly at error level once it reaches the anomaly ratio. Store failures
// are logged and swallowed because the spend has already happened.
func (e *Engine) Commit(ctx context.Context, token ReservationToken, usedAmount int64) {
	if token.IsZero() || e.mode == ModeDisabled {
		return
	}
	if usedAmount <= 0 {
		usedAmount = token.Amount
	}

	e.checkOverspend(ctx, token, usedAmount)
	e.settle(ctx, "commit", token, usedAmount)
}

// Release gives a reservation back without recording usage. Store failures
// are logged and swallowed; the reservation then ages out with its record.
func (e *Engine) Release(ctx context.Context, token ReservationToken) {
	if token.IsZero() || e.mode == ModeDisabled {
		return
	}
	e.settle(ctx, "release", token, 0)
}

func (e *Engine) checkOverspend(ctx context.Context, token ReservationToken, usedAmount int64) {
	ratio := float64(usedAmount) / float64(token.Amount)
	switch {
	case ratio >= e.anomalyRatio:
		overspendTotal.WithLabelValues("anomaly").Inc()
		e.logger.Error("Budget anomaly: usage far exceeds reservation",
			zap.String("token_id", token.ID),
			zap.String("day", token.Day),
			zap.Int64("reserved_amount", token.Amount),
			zap.Int64("used_amount", usedAmount),
			zap.Float64("ratio", ratio),
			zap.Strings("scopes", scopeNames(token.Scopes)))
		_ = e.events.Publish(ctx, Event{
			Type: EventAnomaly,
			Day:  token.Day,
			Data: map[string]interface{}{
				"token_id":        token.ID,
				"reserved_amount": token.Amount,
				"used_amount":     usedAmount,
				"ratio":           ratio,
				"scopes":          scopeNames(token.Scopes),
			},
		})
	case ratio > 1:
		overspendTotal.WithLabelValues("overspend").Inc()
		e.logger.Warn("Budget overspend: usage exceeds reservation",
			zap.String("token_id", token.ID),
			zap.String("day", token.Day),
			zap.Int64("reserved_amount", token.Amount),
			zap.Int64("used_amount", usedAmount),
			zap.Float64("ratio", ratio))
	}
}

func (e *Engine) settle(ctx context.Context, operation string, token ReservationToken, usedAmount int64) {
	if len(token.Scopes) == 0 {
		return
	}
	if err := validateScopes(token.Scopes); err != nil {
		settlementsTotal.WithLabelValues(operation, outcomeInvalid).Inc()
		e.logger.Error("Refusing to settle token with invalid scopes",
			zap.String("operation", operation),
			zap.String("token_id", token.ID),
			zap.String("day", token.Day),
			zap.Int64("amount", token.Amount),
			zap.Error(err))
		return
	}

	// Settlement must land even if the caller's request context is gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.settleTimeout)
	defer cancel()

	keys := make([]string, len(token.Scopes))
	args := make([]interface{}, 0, len(token.Scopes)+3)
	args = append(args, token.Amount, usedAmount, int64(e.retention.Seconds()))
	for i, s := range token.Scopes {
		keys[i] = counterKey(s, token.Day)
		args = append(args, s.PerDayLimit)
	}

	if _, err := e.runScript(ctx, operation, settleScript, false, keys, args...); err != nil {
		settlementsTotal.WithLabelValues(operation, outcomeFailed).Inc()
		e.logger.Error("Budget settlement failed",
			zap.String("operation", operation),
			zap.String("token_id", token.ID),
			zap.String("day", token.Day),
			zap.Int64("amount", token.Amount),
			zap.Int64("used_amount", usedAmount),
			zap.Strings("scopes", scopeNames(token.Scopes)),
			zap.Error(err))
		return
	}

	settlementsTotal.WithLabelValues(operation, outcomeOK).Inc()
	e.logger.Debug("Budget settled",
		zap.String("operation", operation),
		zap.String("token_id", token.ID),
		zap.String("day", token.Day),
		zap.Int64("amount", token.Amount),
		zap.Int64("used_amount", usedAmount))
}

// Snapshot reads the counters of scopes for day (today when empty), keyed by
// scope name. Missing records report zero usage against the scope's limit.
// It never writes.
func (e *Engine) Snapshot(ctx context.Context, scopes []Scope, day string) (map[string]ScopeState, error) {
	if day == "" {
		day = e.Today()
	}

	out := make(map[string]ScopeState, len(scopes))
	for _, s := range scopes {
		out[s.Name()] = ScopeState{
			Kind:      s.Kind,
			ID:        s.ID,
			Day:       day,
			Limit:     s.PerDayLimit,
			Remaining: s.PerDayLimit,
		}
	}
	if e.mode == ModeDisabled || len(scopes) == 0 {
		return out, nil
	}
	if e.client == nil {
		return nil, errStoreUnavailable
	}

	start := time.Now()
	pipe := e.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(scopes))
	for i, s := range scopes {
		cmds[i] = pipe.HMGet(ctx, counterKey(s, day), "limit", "used", "reserved")
	}
	_, err := pipe.Exec(ctx)
	storeDuration.WithLabelValues("snapshot").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to read budget counters: %w", err)
	}

	for i, s := range scopes {
		vals := cmds[i].Val()
		state := out[s.Name()]
		if limit, ok := fieldInt(vals, 0); ok {
			state.Limit = limit
		}
		state.Used, _ = fieldInt(vals, 1)
		state.Reserved, _ = fieldInt(vals, 2)
		state.Remaining = state.Limit - state.Used - state.Reserved
		out[s.Name()] = state
	}

	return out, nil
}

// RecentEvents returns up to count of the newest published events.
func (e *Engine) RecentEvents(ctx context.Context, count int64) ([]Event, error) {
	if e.events == nil {
		return nil, ErrEventsDisabled
	}
	return e.events.ReadEvents(ctx, count)
}

// Ping checks store connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	if e.client == nil {
		return errStoreUnavailable
	}
	return e.client.Ping(ctx).Err()
}

// runScript executes script against the store. Only gated calls are refused
// while the breaker is open; settlements always reach the store and their
// outcome still feeds the breaker.
func (e *Engine) runScript(ctx context.Context, operation string, script *redis.Script, gated bool, keys []string, args ...interface{}) (interface{}, error) {
	if e.client == nil {
		return nil, errStoreUnavailable
	}
	if gated && e.breaker != nil && !e.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit open", errStoreUnavailable)
	}

	start := time.Now()
	res, err := script.Run(ctx, e.client, keys, args...).Result()
	storeDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if e.breaker != nil {
		switch {
		case err == nil:
			e.breaker.RecordSuccess()
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
			// caller gave up or ran out of time; says nothing about the store
			e.breaker.Abandon()
		default:
			e.breaker.RecordFailure()
		}
	}
	return res, err
}

func parseReserveResult(res interface{}) (ok bool, failed, remaining int64, err error) {
	vals, isSlice := res.([]interface{})
	if !isSlice || len(vals) == 0 {
		return false, 0, 0, fmt.Errorf("unexpected reserve result %v", res)
	}
	status, _ := vals[0].(int64)
	if status == 1 {
		return true, 0, 0, nil
	}
	if len(vals) < 3 {
		return false, 0, 0, fmt.Errorf("unexpected reserve result %v", res)
	}
	failed, _ = vals[1].(int64)
	remaining, _ = vals[2].(int64)
	return false, failed, remaining, nil
}

func fieldInt(vals []interface{}, i int) (int64, bool) {
	if i >= len(vals) || vals[i] == nil {
		return 0, false
	}
	s, ok := vals[i].(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func scopeNames(scopes []Scope) []string {
	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = s.Name()
	}
	return names
}
