package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/spendguard/internal/infrastructure/testutil"
	"github.com/amerfu/spendguard/internal/services/budget"
)

const testPolicy = `
defaults:
  per_day: 10000
orgs:
  acme:
    per_day: 5000
`

func newTestProvider(t *testing.T, mode budget.Mode) (*budget.Provider, *miniredis.Miniredis) {
	t.Helper()

	mr, client := testutil.NewMiniRedis(t)
	policy, err := budget.ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)

	engine := budget.NewEngine(&budget.EngineConfig{
		Client: client,
		Logger: zap.NewNop(),
		Mode:   mode,
	})
	return budget.NewProvider(engine, policy), mr
}

func postJSON(t *testing.T, handler http.HandlerFunc, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/", &buf))
	return rec
}

func TestBudgetHandler_ReserveCommit(t *testing.T) {
	provider, _ := newTestProvider(t, budget.ModeStrict)
	h := NewBudgetHandler(zap.NewNop(), provider)

	rec := postJSON(t, h.Reserve, map[string]interface{}{"amount": 4000, "org_id": "acme"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var reserved ReserveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reserved))
	assert.Equal(t, int64(4000), reserved.Token.Amount)
	assert.Len(t, reserved.Token.Scopes, 2)
	assert.NotEmpty(t, reserved.Token.ID)

	t.Run("exceeded maps to 429", func(t *testing.T) {
		rec := postJSON(t, h.Reserve, map[string]interface{}{"amount": 1001, "org_id": "acme"})
		require.Equal(t, http.StatusTooManyRequests, rec.Code)

		var body ExceededResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, budget.ScopeOrg, body.ScopeKind)
		assert.Equal(t, "acme", body.ScopeID)
		assert.Equal(t, 1, body.ScopeIndex)
		assert.Equal(t, int64(1000), body.Remaining)
		assert.Equal(t, int64(1001), body.Requested)

		retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
		require.NoError(t, err)
		assert.Positive(t, retry)
		assert.LessOrEqual(t, retry, 86401)
	})

	rec = postJSON(t, h.Commit, CommitRequest{Token: reserved.Token, UsedAmount: 3000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.Snapshot(rec, httptest.NewRequest(http.MethodGet, "/?org=acme", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap SnapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, budget.DayOf(time.Now()), snap.Day)
	assert.Equal(t, budget.ModeStrict, snap.Mode)
	require.Len(t, snap.Scopes, 2)
	assert.Equal(t, budget.ScopeGlobal, snap.Scopes[0].Kind)
	assert.Equal(t, int64(3000), snap.Scopes[1].Used)
	assert.Equal(t, int64(0), snap.Scopes[1].Reserved)
	assert.Equal(t, int64(2000), snap.Scopes[1].Remaining)
}

func TestBudgetHandler_Release(t *testing.T) {
	provider, _ := newTestProvider(t, budget.ModeStrict)
	h := NewBudgetHandler(zap.NewNop(), provider)

	rec := postJSON(t, h.Reserve, map[string]interface{}{"amount": 5000, "org_id": "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	var reserved ReserveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reserved))

	rec = postJSON(t, h.Release, ReleaseRequest{Token: reserved.Token})
	require.Equal(t, http.StatusOK, rec.Code)

	// full org budget is available again
	rec = postJSON(t, h.Reserve, map[string]interface{}{"amount": 5000, "org_id": "acme"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBudgetHandler_BadRequests(t *testing.T) {
	provider, _ := newTestProvider(t, budget.ModeStrict)
	h := NewBudgetHandler(zap.NewNop(), provider)

	assert.Equal(t, http.StatusBadRequest, postJSON(t, h.Reserve, "{").Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(t, h.Reserve, `{"amount":1,"tenant":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(t, h.Commit, `{"token":{"day":"yesterday","amount":5}}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(t, h.Release, `{"token":{"day":"2025-13-01","amount":5}}`).Code)

	dup := `{"token":{"day":"2025-03-14","amount":5,"scopes":[` +
		`{"scope_kind":"org","scope_id":"acme","per_day_limit":5000},` +
		`{"scope_kind":"org","scope_id":"acme","per_day_limit":5000}]}}`
	rec := postJSON(t, h.Commit, dup)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate scope org:acme")
	assert.Equal(t, http.StatusBadRequest, postJSON(t, h.Release, dup).Code)

	// sentinel tokens are accepted and ignored
	assert.Equal(t, http.StatusOK, postJSON(t, h.Commit, `{"token":{"amount":0}}`).Code)

	rec = httptest.NewRecorder()
	h.Snapshot(rec, httptest.NewRequest(http.MethodGet, "/?day=31-01-2025", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBudgetHandler_StoreDown(t *testing.T) {
	t.Run("strict", func(t *testing.T) {
		provider, mr := newTestProvider(t, budget.ModeStrict)
		h := NewBudgetHandler(zap.NewNop(), provider)
		mr.Close()

		rec := postJSON(t, h.Reserve, map[string]interface{}{"amount": 10})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		h.Snapshot(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("advisory", func(t *testing.T) {
		provider, mr := newTestProvider(t, budget.ModeAdvisory)
		h := NewBudgetHandler(zap.NewNop(), provider)
		mr.Close()

		rec := postJSON(t, h.Reserve, map[string]interface{}{"amount": 10})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("no engine", func(t *testing.T) {
		h := NewBudgetHandler(zap.NewNop(), budget.NewProvider(nil, nil))

		rec := postJSON(t, h.Reserve, map[string]interface{}{"amount": 10})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHealthHandler(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		provider, _ := newTestProvider(t, budget.ModeStrict)
		h := NewHealthHandler(zap.NewNop(), provider)

		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, "healthy", body.Services["redis"].Status)

		rec = httptest.NewRecorder()
		h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("strict store down", func(t *testing.T) {
		provider, mr := newTestProvider(t, budget.ModeStrict)
		h := NewHealthHandler(zap.NewNop(), provider)
		mr.Close()

		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("advisory store down", func(t *testing.T) {
		provider, mr := newTestProvider(t, budget.ModeAdvisory)
		h := NewHealthHandler(zap.NewNop(), provider)
		mr.Close()

		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		var body HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body.Status)

		rec = httptest.NewRecorder()
		h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("unavailable", func(t *testing.T) {
		h := NewHealthHandler(zap.NewNop(), budget.NewProvider(nil, nil))

		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestBudgetHandler_Events(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	policy, err := budget.ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)

	engine := budget.NewEngine(&budget.EngineConfig{
		Client: client,
		Logger: zap.NewNop(),
		Mode:   budget.ModeStrict,
		Events: budget.NewEventPublisher(client, "budget_events", nil),
	})
	h := NewBudgetHandler(zap.NewNop(), budget.NewProvider(engine, policy))

	rec := postJSON(t, h.Reserve, map[string]interface{}{"amount": 6000, "org_id": "acme"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	get := func(query string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.Events(rec, httptest.NewRequest(http.MethodGet, "/v1/budget/events"+query, nil))
		return rec
	}

	rec = get("?count=5")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Events []budget.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, budget.EventExceeded, body.Events[0].Type)
	assert.Equal(t, "org:acme", body.Events[0].Data["scope"])

	assert.Equal(t, http.StatusBadRequest, get("?count=zero").Code)
	assert.Equal(t, http.StatusBadRequest, get("?count=-1").Code)

	t.Run("disabled", func(t *testing.T) {
		provider, _ := newTestProvider(t, budget.ModeStrict)
		h := NewBudgetHandler(zap.NewNop(), provider)

		rec := httptest.NewRecorder()
		h.Events(rec, httptest.NewRequest(http.MethodGet, "/v1/budget/events", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
