// Package loginprotection tracks failed logins and computes the time a
// caller has to wait before the next attempt is even checked.
package loginprotection

import (
	"context"
	"time"

	"github.com/openidx/idsync/internal/common/config"
)

// Key identifies a penalty bucket. TokenType separates the buckets of
// different API surfaces, so a brute-forced calendar token does not lock the
// user out of the REST API.
type Key struct {
	User      string
	IP        string
	TokenType string
}

// Store keeps failure counters per Key
type Store interface {
	// Offset returns how long the caller must still wait, zero if not locked
	Offset(ctx context.Context, key Key) (time.Duration, error)
	// Increment counts a failed attempt and returns the resulting offset
	Increment(ctx context.Context, key Key) (time.Duration, error)
	// Clear forgets all failures of key
	Clear(ctx context.Context, key Key) error
}

// Policy defines the penalty curve. The first Threshold-1 failures are free;
// the Threshold-th failure costs BasePenalty and every further failure
// doubles it up to MaxPenalty. Counters expire ResetAfter after the last
// failure.
type Policy struct {
	Threshold   int
	BasePenalty time.Duration
	MaxPenalty  time.Duration
	ResetAfter  time.Duration
}

// DefaultPolicy locks after three failures
func DefaultPolicy() Policy {
	return Policy{
		Threshold:   3,
		BasePenalty: time.Second,
		MaxPenalty:  time.Hour,
		ResetAfter:  time.Hour,
	}
}

// PolicyFromConfig converts the service configuration
func PolicyFromConfig(c config.LoginProtectionConfig) Policy {
	return Policy{
		Threshold:   c.Threshold,
		BasePenalty: c.BasePenalty,
		MaxPenalty:  c.MaxPenalty,
		ResetAfter:  c.ResetAfter,
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Threshold < 1 {
		p.Threshold = d.Threshold
	}
	if p.BasePenalty <= 0 {
		p.BasePenalty = d.BasePenalty
	}
	if p.MaxPenalty < p.BasePenalty {
		p.MaxPenalty = max(d.MaxPenalty, p.BasePenalty)
	}
	if p.ResetAfter < p.MaxPenalty {
		p.ResetAfter = p.MaxPenalty
	}
	return p
}

// Penalty returns the lock duration after count consecutive failures
func (p Policy) Penalty(count int64) time.Duration {
	if count < int64(p.Threshold) {
		return 0
	}
	shift := count - int64(p.Threshold)
	if shift > 30 {
		return p.MaxPenalty
	}
	penalty := p.BasePenalty << shift
	if penalty > p.MaxPenalty || penalty <= 0 {
		return p.MaxPenalty
	}
	return penalty
}

// remaining is the part of the penalty not yet served at now
func (p Policy) remaining(count int64, last, now time.Time) time.Duration {
	penalty := p.Penalty(count)
	if penalty == 0 {
		return 0
	}
	left := last.Add(penalty).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
