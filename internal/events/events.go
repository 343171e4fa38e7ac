// Package events defines the event payloads and the pure update functions
// that advance entity states. Given an event, a state, and the event's
// per-entity scratch data, an update function decides whether the state is
// unaffected, impossible, or advances to one or more successor states.
package events

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/blarser/internal/entity"
	"github.com/sells-group/blarser/internal/model"
)

// OutcomeKind discriminates the result of applying an event to one version.
type OutcomeKind int

const (
	// OutcomeUnchanged means the version is unaffected and stays live.
	OutcomeUnchanged OutcomeKind = iota
	// OutcomeTerminated means the version is impossible under this event.
	OutcomeTerminated
	// OutcomeSuccessors means the version advances to one or more successors.
	OutcomeSuccessors
)

// Successor is one possible state after an event, with the scratch data that
// distinguishes the branch it came from.
type Successor struct {
	State entity.State
	Aux   json.RawMessage
}

// Outcome is the result of one update function invocation.
type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	Successors []Successor
}

// Unchanged marks the version unaffected.
func Unchanged() Outcome {
	return Outcome{Kind: OutcomeUnchanged}
}

// Terminated marks the version impossible, with the reason recorded on it.
func Terminated(reason string) Outcome {
	return Outcome{Kind: OutcomeTerminated, Reason: reason}
}

// Successors advances the version to the given states.
func Successors(ss ...Successor) Outcome {
	return Outcome{Kind: OutcomeSuccessors, Successors: ss}
}

// ApplyFunc is a pure update function: it must not mutate st and must be
// deterministic in (event, state, aux).
type ApplyFunc func(e *model.Event, st entity.State, aux json.RawMessage) (Outcome, error)

var handlers = map[string]ApplyFunc{
	"lets_go":          applyLetsGo,
	"play_ball":        applyPlayBall,
	"half_inning":      applyHalfInning,
	"batter_up":        applyBatterUp,
	"hit":              applyHit,
	"walk":             applyWalk,
	"caught_out":       applyCaughtOut,
	"stolen_base":      applyStolenBase,
	"game_over":        applyGameOver,
	"party":            applyParty,
	"earlseason_start": applyEarlseasonStart,
}

// Register adds an update function for an event kind. Kinds registered here
// override nothing; duplicate registration is a programming error.
func Register(kind string, fn ApplyFunc) {
	if _, dup := handlers[kind]; dup {
		panic("events: duplicate handler for " + kind)
	}
	handlers[kind] = fn
}

// Apply dispatches an event against one version's state.
func Apply(e *model.Event, st entity.State, aux json.RawMessage) (Outcome, error) {
	h, ok := handlers[e.Kind]
	if !ok {
		return Outcome{}, eris.Errorf("events: no update function for event kind %q", e.Kind)
	}
	return h(e, st, aux)
}

// Known reports whether an event kind has a registered update function.
func Known(kind string) bool {
	_, ok := handlers[kind]
	return ok
}

func decodePayload[T any](e *model.Event) (T, error) {
	var p T
	if len(e.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, eris.Wrapf(err, "events: decode %s payload", e.Kind)
	}
	return p, nil
}
