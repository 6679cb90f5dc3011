package budget

import (
	"errors"
	"fmt"
)

var (
	// ErrBudgetExceeded matches every *ExceededError.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrEnforcementUnavailable means the store could not be consulted in
	// strict mode. Callers should reject the request as a service outage.
	ErrEnforcementUnavailable = errors.New("budget enforcement unavailable")
	// ErrEngineUnavailable is returned by Provider.Engine when bootstrap left
	// no engine behind.
	ErrEngineUnavailable = errors.New("budget engine not initialized")
	ErrInvalidScopes     = errors.New("invalid budget scopes")
	ErrPolicyNotFound    = errors.New("budget policy not found")
	ErrInvalidPolicy     = errors.New("invalid budget policy")
	ErrEventsDisabled    = errors.New("budget events disabled")
	ErrInvalidToken      = errors.New("invalid reservation token")
)

// ExceededError reports the first scope, in request order, that could not
// hold the requested amount.
type ExceededError struct {
	Scope      Scope
	ScopeIndex int
	Remaining  int64
	Requested  int64
	Day        string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s on %s: requested %d, remaining %d",
		e.Scope.Name(), e.Day, e.Requested, e.Remaining)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}
