// Package abuse rate-limits unauthenticated booking attempts per identity
// fingerprint. The counter lives behind CounterStore so every engine
// instance in a deployment shares the same limit state.
package abuse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	// OutcomeChallengeRequired means the caller must present a secondary
	// verification token before the booking write path is invoked.
	OutcomeChallengeRequired Outcome = "challenge_required"
	OutcomeRateLimited       Outcome = "rate_limited"
)

type Decision struct {
	Outcome Outcome
	// RetryAfter is set for rate_limited: the remainder of the window.
	RetryAfter time.Duration
}

// CounterStore increments a fingerprint's counter within a fixed window.
// The increment must be atomic per key even under concurrent access; it
// returns the post-increment count and the time left in the window.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}

type Guard struct {
	counters      CounterStore
	softThreshold int64
	hardThreshold int64
	window        time.Duration
}

func NewGuard(counters CounterStore, soft, hard int64, window time.Duration) *Guard {
	if soft <= 0 {
		soft = 3
	}
	if hard < soft {
		hard = soft
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Guard{counters: counters, softThreshold: soft, hardThreshold: hard, window: window}
}

// CheckAndRecord counts the attempt and classifies it: at or below the soft
// threshold the caller proceeds; between soft and hard a challenge is
// demanded; above hard the caller is limited for the rest of the window.
func (g *Guard) CheckAndRecord(ctx context.Context, fingerprint string) (Decision, error) {
	count, remaining, err := g.counters.Incr(ctx, "abuse:"+fingerprint, g.window)
	if err != nil {
		return Decision{}, err
	}
	switch {
	case count <= g.softThreshold:
		return Decision{Outcome: OutcomeAllowed}, nil
	case count <= g.hardThreshold:
		return Decision{Outcome: OutcomeChallengeRequired}, nil
	default:
		return Decision{Outcome: OutcomeRateLimited, RetryAfter: remaining}, nil
	}
}

// Fingerprint derives the rate-limit identity from contact info plus the
// client network address. Hashing keeps raw contact data out of the counter
// store keys.
func Fingerprint(contact, clientAddr string) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(contact)) + "|" + strings.TrimSpace(clientAddr)))
	return hex.EncodeToString(h[:])
}
