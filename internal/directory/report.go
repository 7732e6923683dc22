package directory

import (
	"fmt"
	"time"
)

// Direction selects which side of a reconciliation is authoritative
type Direction string

const (
	// Pull copies the external directory into the internal store
	Pull Direction = "pull"
	// Push copies the internal store into the external directory
	Push Direction = "push"
)

// Counters tallies one entity class over a pass
type Counters struct {
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Disabled   int `json:"disabled"`
	Unmodified int `json:"unmodified"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Changed reports whether the pass wrote anything for this class
func (c Counters) Changed() bool {
	return c.Created+c.Updated+c.Disabled > 0
}

// MembershipCounters tallies membership operations over a pass
type MembershipCounters struct {
	Added      int `json:"added"`
	Removed    int `json:"removed"`
	Unmodified int `json:"unmodified"`
	Errors     int `json:"errors"`
}

func (m *MembershipCounters) add(o MembershipCounters) {
	m.Added += o.Added
	m.Removed += o.Removed
	m.Unmodified += o.Unmodified
	m.Errors += o.Errors
}

// EntityError records one failed per-entity operation. Key is the username
// or group name, or "*" when a whole listing failed.
type EntityError struct {
	Kind string `json:"kind"` // user, group, membership
	Key  string `json:"key"`
	Op   string `json:"op"`
	Err  error  `json:"-"`
}

func (e EntityError) Error() string {
	return fmt.Sprintf("%s %s %q: %v", e.Op, e.Kind, e.Key, e.Err)
}

func (e EntityError) Unwrap() error { return e.Err }

// Report is the result of one reconciliation pass
type Report struct {
	Target      string             `json:"target"`
	Direction   Direction          `json:"direction"`
	Users       Counters           `json:"users"`
	Groups      Counters           `json:"groups"`
	Memberships MembershipCounters `json:"memberships"`
	Errors      []EntityError      `json:"-"`
	StartedAt   time.Time          `json:"started_at"`
	Duration    time.Duration      `json:"duration_ns"`
}

func newReport(target string, dir Direction, now time.Time) *Report {
	return &Report{Target: target, Direction: dir, StartedAt: now}
}

// Degraded reports whether any entity failed. A degraded pass still ran to completion.
func (r *Report) Degraded() bool {
	return r.Users.Errors+r.Groups.Errors+r.Memberships.Errors > 0
}

// ChangedInternal reports whether a pull pass wrote to the internal store
func (r *Report) ChangedInternal() bool {
	if r.Direction != Pull {
		return false
	}
	return r.Users.Changed() || r.Groups.Changed() || r.Memberships.Added+r.Memberships.Removed > 0
}

// ErrorMessages flattens the entity errors for JSON status output
func (r *Report) ErrorMessages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Error())
	}
	return out
}

func (r *Report) userError(key, op string, err error) {
	r.Users.Errors++
	r.Errors = append(r.Errors, EntityError{Kind: "user", Key: key, Op: op, Err: err})
}

func (r *Report) groupError(key, op string, err error) {
	r.Groups.Errors++
	r.Errors = append(r.Errors, EntityError{Kind: "group", Key: key, Op: op, Err: err})
}
