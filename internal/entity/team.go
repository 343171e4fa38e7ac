package entity

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/partial"
)

// Team is a roster plus its rotation pointer. Roster order is concrete; a
// mismatch against an observation is always a conflict.
type Team struct {
	id uuid.UUID

	FullName partial.MaybeKnown[string] `json:"fullName"`
	Nickname partial.MaybeKnown[string] `json:"nickname"`

	Lineup   []uuid.UUID `json:"lineup"`
	Rotation []uuid.UUID `json:"rotation"`

	RotationSlot partial.Ranged[int] `json:"rotationSlot"`
	Wins         partial.Ranged[int] `json:"wins"`
}

type teamRaw struct {
	FullName     string      `json:"fullName"`
	Nickname     string      `json:"nickname"`
	Lineup       []uuid.UUID `json:"lineup"`
	Rotation     []uuid.UUID `json:"rotation"`
	RotationSlot int         `json:"rotationSlot"`
	Wins         int         `json:"wins"`
}

func decodeTeam(id uuid.UUID, stored json.RawMessage) (State, error) {
	t := &Team{id: id}
	if err := json.Unmarshal(stored, t); err != nil {
		return nil, eris.Wrap(err, "entity: decode stored team")
	}
	return t, nil
}

func teamFromRaw(id uuid.UUID, raw json.RawMessage) (State, error) {
	var r teamRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "entity: decode raw team")
	}
	return &Team{
		id:           id,
		FullName:     partial.KnownOf(r.FullName),
		Nickname:     partial.KnownOf(r.Nickname),
		Lineup:       slices.Clone(r.Lineup),
		Rotation:     slices.Clone(r.Rotation),
		RotationSlot: partial.Known(r.RotationSlot),
		Wins:         partial.Known(r.Wins),
	}, nil
}

func (t *Team) EntityType() model.EntityType { return model.EntityTypeTeam }
func (t *Team) EntityID() uuid.UUID          { return t.id }

func (t *Team) Clone() State {
	c := *t
	c.Lineup = slices.Clone(t.Lineup)
	c.Rotation = slices.Clone(t.Rotation)
	return &c
}

func (t *Team) Observe(raw json.RawMessage) ([]partial.Conflict, error) {
	var r teamRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "entity: decode raw team")
	}

	next := *t
	var conflicts []partial.Conflict
	conflicts = append(conflicts, next.FullName.Observe("fullName", r.FullName)...)
	conflicts = append(conflicts, next.Nickname.Observe("nickname", r.Nickname)...)
	conflicts = append(conflicts, observeIDs("lineup", &next.Lineup, r.Lineup)...)
	conflicts = append(conflicts, observeIDs("rotation", &next.Rotation, r.Rotation)...)
	conflicts = append(conflicts, next.RotationSlot.Observe("rotationSlot", r.RotationSlot)...)
	conflicts = append(conflicts, next.Wins.Observe("wins", r.Wins)...)
	if len(conflicts) > 0 {
		return conflicts, nil
	}
	*t = next
	return nil, nil
}

func (t *Team) NextTimedEvent(time.Time) *model.TimedEvent { return nil }

// observeIDs compares a concrete id list against an observed one. A nil
// stored list is still unknown and adopts the observation.
func observeIDs(path string, stored *[]uuid.UUID, observed []uuid.UUID) []partial.Conflict {
	if *stored == nil {
		*stored = slices.Clone(observed)
		return nil
	}
	if !slices.Equal(*stored, observed) {
		return []partial.Conflict{partial.Conflictf(path, "expected %v, but observed %v", *stored, observed)}
	}
	return nil
}
