package budget

import (
	"fmt"
	"time"
)

// dayLayout is the UTC calendar day used in counter keys.
const dayLayout = "2006-01-02"

// ReservationToken is the state of one pending spend. It is returned by
// Reserve and must be passed to exactly one of Commit or Release. Day is
// fixed at reservation time so settlement hits the same counters even after
// midnight UTC.
type ReservationToken struct {
	ID     string  `json:"id,omitempty"`
	Day    string  `json:"day"`
	Amount int64   `json:"amount"`
	Scopes []Scope `json:"scopes"`
}

// IsZero reports whether the token is the no-op sentinel.
func (t ReservationToken) IsZero() bool {
	return t.Amount <= 0
}

// DayOf formats a time as the UTC day used in keys and tokens.
func DayOf(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// ValidDay reports whether day is a well-formed UTC day as produced by DayOf.
func ValidDay(day string) bool {
	_, err := time.Parse(dayLayout, day)
	return err == nil
}

// Validate checks a token received from outside the process. Sentinel tokens
// are always valid; others need a well-formed day and, when they carry
// scopes, a list Reserve would have accepted.
func (t ReservationToken) Validate() error {
	if t.IsZero() {
		return nil
	}
	if !ValidDay(t.Day) {
		return fmt.Errorf("%w: day %q is not YYYY-MM-DD", ErrInvalidToken, t.Day)
	}
	if len(t.Scopes) == 0 {
		return nil
	}
	if err := validateScopes(t.Scopes); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}
