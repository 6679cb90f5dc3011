package budget

import (
	"fmt"
	"strings"
)

// ScopeKind is the granularity at which a daily limit applies.
type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopeOrg      ScopeKind = "org"
	ScopeUser     ScopeKind = "user"
	ScopeProvider ScopeKind = "provider"
	ScopeModel    ScopeKind = "model"
)

// GlobalScopeID is the fixed ID of the process-wide scope.
const GlobalScopeID = "global"

// Valid reports whether k is one of the known scope kinds.
func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeGlobal, ScopeOrg, ScopeUser, ScopeProvider, ScopeModel:
		return true
	}
	return false
}

// Scope is a single budget bucket with its daily ceiling.
type Scope struct {
	Kind        ScopeKind `json:"scope_kind"`
	ID          string    `json:"scope_id"`
	PerDayLimit int64     `json:"per_day_limit"`
}

// Name returns "kind:id", the identity of the scope.
func (s Scope) Name() string {
	return string(s.Kind) + ":" + s.ID
}

func (s Scope) String() string {
	return s.Name()
}

// CallAttributes identifies the caller of a metered operation. Empty fields
// are skipped when building scopes.
type CallAttributes struct {
	OrgID      string `json:"org_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	ModelID    string `json:"model_id,omitempty"`
}

// BuildScopes resolves the scopes to enforce for a call, always in the order
// global, org, user, provider, model. Reserve reports the index of the first
// failing scope, so this order must stay stable.
func BuildScopes(policy *Policy, attrs CallAttributes) []Scope {
	scopes := make([]Scope, 0, 5)
	scopes = append(scopes, Scope{
		Kind:        ScopeGlobal,
		ID:          GlobalScopeID,
		PerDayLimit: policy.DefaultPerDay(),
	})

	optional := []struct {
		kind ScopeKind
		id   string
	}{
		{ScopeOrg, attrs.OrgID},
		{ScopeUser, attrs.UserID},
		{ScopeProvider, attrs.ProviderID},
		{ScopeModel, attrs.ModelID},
	}
	for _, o := range optional {
		if o.id == "" {
			continue
		}
		scopes = append(scopes, Scope{
			Kind:        o.kind,
			ID:          o.id,
			PerDayLimit: policy.LimitFor(o.kind, o.id),
		})
	}

	return scopes
}

// keyIDReplacer keeps path-like IDs such as "openai/gpt-4o" from adding
// segments to the key.
var keyIDReplacer = strings.NewReplacer("/", "__")

// counterKey returns the Redis key of the (scope, day) counter record.
func counterKey(s Scope, day string) string {
	return fmt.Sprintf("budget:%s:%s:%s", s.Kind, keyIDReplacer.Replace(s.ID), day)
}

// validateScopes rejects empty lists, unknown kinds and duplicate identities.
// A duplicate would be counted twice against the same record.
func validateScopes(scopes []Scope) error {
	if len(scopes) == 0 {
		return fmt.Errorf("%w: no scopes", ErrInvalidScopes)
	}

	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if !s.Kind.Valid() {
			return fmt.Errorf("%w: unknown scope kind %q", ErrInvalidScopes, s.Kind)
		}
		if s.ID == "" {
			return fmt.Errorf("%w: empty id for %s scope", ErrInvalidScopes, s.Kind)
		}
		name := s.Name()
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate scope %s", ErrInvalidScopes, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
