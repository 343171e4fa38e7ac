// Package entity defines the typed partial states for each supported entity
// type and the dispatch table that the ingest engine uses to decode, compare,
// and refine them. Every field of a state is lifted into the
// partial-information lattice; comparing a state against a raw Chronicler
// snapshot never weakens what is already known.
package entity

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/partial"
)

// State is one entity's fields lifted into the partial-information lattice.
// Implementations are plain structs that marshal to the stored version JSON.
type State interface {
	EntityType() model.EntityType
	EntityID() uuid.UUID

	// Observe refines the state in place to match a raw snapshot. A non-empty
	// conflict list means the snapshot is incompatible; the state must be left
	// unchanged in that case.
	Observe(raw json.RawMessage) ([]partial.Conflict, error)

	// NextTimedEvent returns the next implicit event strictly after the given
	// time that this state already knows the schedule of, or nil.
	NextTimedEvent(after time.Time) *model.TimedEvent

	Clone() State
}

// Codec decodes one entity type's states from stored version JSON and from
// raw upstream snapshots, and knows the type's observation window.
type Codec struct {
	// Decode rebuilds a State from stored version JSON.
	Decode func(id uuid.UUID, stored json.RawMessage) (State, error)
	// FromRaw lifts a raw snapshot into a fully-known State.
	FromRaw func(id uuid.UUID, raw json.RawMessage) (State, error)
	// Window bounds when a snapshot perceived at the given time can actually
	// have been current.
	Window func(perceivedAt time.Time) (earliest, latest time.Time)
}

// Observation windows differ per type because Chronicler timestamps each
// endpoint differently relative to the fetch.
var codecs = map[model.EntityType]Codec{
	model.EntityTypeSim: {
		Decode:  decodeSim,
		FromRaw: simFromRaw,
		Window:  windowOf(-time.Second, time.Minute),
	},
	model.EntityTypeTeam: {
		Decode:  decodeTeam,
		FromRaw: teamFromRaw,
		Window:  windowOf(0, time.Minute),
	},
	model.EntityTypePlayer: {
		Decode:  decodePlayer,
		FromRaw: playerFromRaw,
		Window:  windowOf(-6*time.Minute, time.Minute),
	},
	model.EntityTypeGame: {
		Decode:  decodeGame,
		FromRaw: gameFromRaw,
		Window:  windowOf(-15*time.Second, 0),
	},
}

// Lookup returns the codec for an entity type.
func Lookup(t model.EntityType) (Codec, bool) {
	c, ok := codecs[t]
	return c, ok
}

func windowOf(earliestOffset, latestOffset time.Duration) func(time.Time) (time.Time, time.Time) {
	return func(perceivedAt time.Time) (time.Time, time.Time) {
		return perceivedAt.Add(earliestOffset), perceivedAt.Add(latestOffset)
	}
}

// Marshal serializes a state to the canonical stored-version JSON.
func Marshal(s State) (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, eris.Wrapf(err, "entity: marshal %s state", s.EntityType())
	}
	return data, nil
}

// Diff classifies a raw snapshot against a state without mutating it:
// incompatible if observing the snapshot conflicts, empty if observing it
// gains nothing, compatible otherwise.
func Diff(s State, raw json.RawMessage) (partial.DiffKind, []partial.Conflict, error) {
	before, err := Marshal(s)
	if err != nil {
		return partial.DiffIncompatible, nil, err
	}

	probe := s.Clone()
	conflicts, err := probe.Observe(raw)
	if err != nil {
		return partial.DiffIncompatible, nil, err
	}
	if len(conflicts) > 0 {
		return partial.DiffIncompatible, conflicts, nil
	}

	after, err := Marshal(probe)
	if err != nil {
		return partial.DiffIncompatible, nil, err
	}
	if bytes.Equal(before, after) {
		return partial.DiffEmpty, nil, nil
	}
	return partial.DiffCompatible, nil, nil
}
