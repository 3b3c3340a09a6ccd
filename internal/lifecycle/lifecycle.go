// Package lifecycle holds the transition-table state machine shared by
// orders and payments.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

// ErrVersionConflict is returned by a conditional update that matched no row
// because another writer bumped the version first.
var ErrVersionConflict = errors.New("version conflict")

// Table lists, for every state, the states it may move to.
type Table[S ~string] map[S]map[S]bool

func (t Table[S]) CanTransition(from, to S) bool {
	return t[from][to]
}

// Terminal reports whether no transition leaves s.
func (t Table[S]) Terminal(s S) bool {
	return len(t[s]) == 0
}

// Known reports whether s is a state of the machine.
func (t Table[S]) Known(s S) bool {
	_, ok := t[s]
	return ok
}

// TransitionError names the rejected move. Kind is the sentinel the caller
// matches with errors.Is.
type TransitionError struct {
	Kind   error
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s %s cannot move from %s to %s", e.Kind, e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return e.Kind }

// Guard is the single guarded-transition check used by both state machines.
func Guard[S ~string](t Table[S], kind error, entity, id string, from, to S) error {
	if t.CanTransition(from, to) {
		return nil
	}
	return &TransitionError{Kind: kind, Entity: entity, ID: id, From: string(from), To: string(to)}
}

// RetryOnConflict runs fn until it succeeds, fails with something other than
// ErrVersionConflict, or attempts are exhausted.
func RetryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
