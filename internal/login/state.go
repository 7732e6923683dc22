package login

import (
	"fmt"
	"slices"

	"github.com/openidx/idsync/internal/store"
)

// State is a step of one login attempt
type State string

const (
	StateStart               State = "start"
	StateCredentialCheck     State = "credential_check"
	StateSuccess             State = "success"
	StateFailure             State = "failure"
	StatePasswordPropagation State = "password_propagation"
	StateDelegatedWrite      State = "delegated_write"
)

var validTransitions = map[State][]State{
	StateStart:               {StateCredentialCheck},
	StateCredentialCheck:     {StateSuccess, StateFailure},
	StateSuccess:             {StatePasswordPropagation, StateDelegatedWrite},
	StatePasswordPropagation: {StateDelegatedWrite},
}

// Result is the outcome of CheckLogin. Err is store.ErrInvalidCredentials for
// a rejected password and a backend error otherwise.
type Result struct {
	User       *store.User
	Err        error
	Propagated bool
	Trace      []State
}

// Success reports whether the credentials were accepted
func (r Result) Success() bool {
	return r.Err == nil && r.User != nil
}

// attempt walks one login through the state machine
type attempt struct {
	state  State
	result Result
}

func newAttempt() *attempt {
	return &attempt{state: StateStart, result: Result{Trace: []State{StateStart}}}
}

// transition moves to next. An edge missing from validTransitions is a
// programming error.
func (a *attempt) transition(next State) {
	if !slices.Contains(validTransitions[a.state], next) {
		panic(fmt.Sprintf("login: invalid transition %s -> %s", a.state, next))
	}
	a.state = next
	a.result.Trace = append(a.result.Trace, next)
}
