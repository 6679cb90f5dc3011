package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/spendguard/internal/services/budget"
)

// BudgetHandler exposes the engine over HTTP for callers that cannot link
// the package directly, plus a read-only snapshot for operators.
type BudgetHandler struct {
	baseHandler
	provider *budget.Provider
}

func NewBudgetHandler(logger *zap.Logger, provider *budget.Provider) *BudgetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BudgetHandler{
		baseHandler: baseHandler{logger: logger},
		provider:    provider,
	}
}

type ReserveRequest struct {
	Amount int64 `json:"amount"`
	budget.CallAttributes
}

type ReserveResponse struct {
	Token budget.ReservationToken `json:"token"`
}

type ExceededResponse struct {
	Error      string           `json:"error"`
	ScopeKind  budget.ScopeKind `json:"scope_kind"`
	ScopeID    string           `json:"scope_id"`
	ScopeIndex int              `json:"scope_index"`
	Remaining  int64            `json:"remaining"`
	Requested  int64            `json:"requested"`
	Day        string           `json:"day"`
}

type CommitRequest struct {
	Token      budget.ReservationToken `json:"token"`
	UsedAmount int64                   `json:"used_amount"`
}

type ReleaseRequest struct {
	Token budget.ReservationToken `json:"token"`
}

type SnapshotResponse struct {
	Day    string              `json:"day"`
	Mode   budget.Mode         `json:"mode"`
	State  string              `json:"state"`
	Scopes []budget.ScopeState `json:"scopes"`
}

// Reserve handles POST /v1/budget/reserve.
func (h *BudgetHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	scopes := h.provider.Scopes(req.CallAttributes)
	token, err := h.provider.Reserve(r.Context(), req.Amount, scopes)

	var exceeded *budget.ExceededError
	switch {
	case err == nil:
		h.sendJSON(w, http.StatusOK, ReserveResponse{Token: token})
	case errors.As(err, &exceeded):
		w.Header().Set("Retry-After", secondsUntilNextDay(time.Now()))
		h.sendJSON(w, http.StatusTooManyRequests, ExceededResponse{
			Error:      "budget exceeded",
			ScopeKind:  exceeded.Scope.Kind,
			ScopeID:    exceeded.Scope.ID,
			ScopeIndex: exceeded.ScopeIndex,
			Remaining:  exceeded.Remaining,
			Requested:  exceeded.Requested,
			Day:        exceeded.Day,
		})
	case errors.Is(err, budget.ErrEnforcementUnavailable):
		h.sendError(w, http.StatusServiceUnavailable, "budget enforcement unavailable")
	case errors.Is(err, budget.ErrInvalidScopes):
		h.sendError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Unexpected reserve error", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// Commit handles POST /v1/budget/commit. Settlement failures are logged by
// the engine, so this always answers 200 once the body is valid.
func (h *BudgetHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := req.Token.Validate(); err != nil {
		h.logger.Warn("Rejecting invalid reservation token",
			zap.String("token_id", req.Token.ID),
			zap.Error(err))
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.provider.Commit(r.Context(), req.Token, req.UsedAmount)
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

// Release handles POST /v1/budget/release.
func (h *BudgetHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := req.Token.Validate(); err != nil {
		h.logger.Warn("Rejecting invalid reservation token",
			zap.String("token_id", req.Token.ID),
			zap.Error(err))
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.provider.Release(r.Context(), req.Token)
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// Snapshot handles GET /v1/budget/snapshot?org=&user=&provider=&model=&day=.
func (h *BudgetHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	day := q.Get("day")
	if day != "" && !budget.ValidDay(day) {
		h.sendError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return
	}

	scopes := h.provider.Scopes(budget.CallAttributes{
		OrgID:      q.Get("org"),
		UserID:     q.Get("user"),
		ProviderID: q.Get("provider"),
		ModelID:    q.Get("model"),
	})

	states, err := h.provider.Snapshot(r.Context(), scopes, day)
	if err != nil {
		h.logger.Warn("Budget snapshot failed", zap.Error(err))
		h.sendError(w, http.StatusServiceUnavailable, "budget store unavailable")
		return
	}

	resp := SnapshotResponse{
		Mode:   h.provider.Mode(),
		State:  string(h.provider.State()),
		Scopes: make([]budget.ScopeState, 0, len(scopes)),
	}
	for _, s := range scopes {
		state := states[s.Name()]
		resp.Day = state.Day
		resp.Scopes = append(resp.Scopes, state)
	}
	h.sendJSON(w, http.StatusOK, resp)
}

const (
	defaultEventCount = 50
	maxEventCount     = 1000
)

// Events handles GET /v1/budget/events?count=.
func (h *BudgetHandler) Events(w http.ResponseWriter, r *http.Request) {
	count := int64(defaultEventCount)
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			h.sendError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = min(n, maxEventCount)
	}

	events, err := h.provider.RecentEvents(r.Context(), count)
	switch {
	case err == nil:
		h.sendJSON(w, http.StatusOK, map[string]interface{}{"events": events})
	case errors.Is(err, budget.ErrEventsDisabled):
		h.sendError(w, http.StatusNotFound, "budget events disabled")
	default:
		h.logger.Warn("Reading budget events failed", zap.Error(err))
		h.sendError(w, http.StatusServiceUnavailable, "budget store unavailable")
	}
}

func secondsUntilNextDay(now time.Time) string {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return strconv.Itoa(int(next.Sub(now).Seconds()) + 1)
}
