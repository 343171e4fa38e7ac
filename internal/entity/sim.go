package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/partial"
)

// Sim phase numbers, as carried on the wire.
const (
	SimPhasePreseason  = 1
	SimPhaseEarlseason = 2
	SimPhaseMidseason  = 3
	SimPhasePostseason = 4
)

// Sim is the singleton season clock. Its phase dates drive timed events.
type Sim struct {
	id uuid.UUID

	Phase  partial.Ranged[int] `json:"phase"`
	Season partial.Ranged[int] `json:"season"`
	Day    partial.Ranged[int] `json:"day"`

	// RFC3339 phase boundaries. Unknown until first observed.
	EarlseasonDate partial.MaybeKnown[string] `json:"earlseasonDate"`
	MidseasonDate  partial.MaybeKnown[string] `json:"midseasonDate"`
}

type simRaw struct {
	Phase          int    `json:"phase"`
	Season         int    `json:"season"`
	Day            int    `json:"day"`
	EarlseasonDate string `json:"earlseasonDate"`
	MidseasonDate  string `json:"midseasonDate"`
}

func decodeSim(id uuid.UUID, stored json.RawMessage) (State, error) {
	s := &Sim{id: id}
	if err := json.Unmarshal(stored, s); err != nil {
		return nil, eris.Wrap(err, "entity: decode stored sim")
	}
	return s, nil
}

func simFromRaw(id uuid.UUID, raw json.RawMessage) (State, error) {
	var r simRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "entity: decode raw sim")
	}
	return &Sim{
		id:             id,
		Phase:          partial.Known(r.Phase),
		Season:         partial.Known(r.Season),
		Day:            partial.Known(r.Day),
		EarlseasonDate: partial.KnownOf(r.EarlseasonDate),
		MidseasonDate:  partial.KnownOf(r.MidseasonDate),
	}, nil
}

func (s *Sim) EntityType() model.EntityType { return model.EntityTypeSim }
func (s *Sim) EntityID() uuid.UUID          { return s.id }

func (s *Sim) Clone() State {
	c := *s
	return &c
}

func (s *Sim) Observe(raw json.RawMessage) ([]partial.Conflict, error) {
	var r simRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "entity: decode raw sim")
	}

	next := *s
	var conflicts []partial.Conflict
	conflicts = append(conflicts, next.Phase.Observe("phase", r.Phase)...)
	conflicts = append(conflicts, next.Season.Observe("season", r.Season)...)
	conflicts = append(conflicts, next.Day.Observe("day", r.Day)...)
	conflicts = append(conflicts, next.EarlseasonDate.Observe("earlseasonDate", r.EarlseasonDate)...)
	conflicts = append(conflicts, next.MidseasonDate.Observe("midseasonDate", r.MidseasonDate)...)
	if len(conflicts) > 0 {
		return conflicts, nil
	}
	*s = next
	return nil, nil
}

// NextTimedEvent announces the earlseason start once its date is known and
// the sim is still in preseason.
func (s *Sim) NextTimedEvent(after time.Time) *model.TimedEvent {
	phase, ok := s.Phase.Value()
	if !ok || phase != SimPhasePreseason {
		return nil
	}
	date, ok := s.EarlseasonDate.Value()
	if !ok {
		return nil
	}
	at, err := time.Parse(time.RFC3339, date)
	if err != nil || !at.After(after) {
		return nil
	}
	return &model.TimedEvent{
		Time:   at,
		Kind:   "earlseason_start",
		Entity: model.EntityRef{Type: model.EntityTypeSim, ID: s.id},
	}
}
