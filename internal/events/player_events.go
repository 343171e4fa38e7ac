package events

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/blarser/internal/entity"
	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/partial"
)

// Party boosts land somewhere in this interval; the exact roll is unknown
// until an observation pins the stat down.
const (
	partyBoostMin = 0.04
	partyBoostMax = 0.08
)

type partyPayload struct {
	Player    string `json:"player"`
	Attribute string `json:"attribute"`
}

// applyParty boosts one attribute by an amount that is only bounded, turning
// a known stat into a range.
func applyParty(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	p, err := decodePayload[partyPayload](e)
	if err != nil {
		return Outcome{}, err
	}
	s, ok := st.(*entity.Player)
	if !ok || p.Player != s.EntityID().String() {
		return Unchanged(), nil
	}

	next := s.Clone().(*entity.Player)
	var attr *partial.Ranged[float64]
	switch p.Attribute {
	case "divinity":
		attr = &next.Divinity
	case "buoyancy":
		attr = &next.Buoyancy
	case "thwackability":
		attr = &next.Thwackability
	default:
		return Outcome{}, eris.Errorf("events: party: unknown attribute %q", p.Attribute)
	}
	attr.AddRange(partyBoostMin, partyBoostMax)

	return Successors(Successor{
		State: next,
		Aux:   mustAux(map[string]any{"attribute": p.Attribute, "boostMin": partyBoostMin, "boostMax": partyBoostMax}),
	}), nil
}

func applyEarlseasonStart(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	s, ok := st.(*entity.Sim)
	if !ok {
		return Unchanged(), nil
	}
	next := s.Clone().(*entity.Sim)
	next.Phase = partial.Known(entity.SimPhaseEarlseason)
	return Successors(Successor{State: next}), nil
}

func mustAux(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
