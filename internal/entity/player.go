package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/partial"
)

// Player carries the stats that feed events touch. Attribute rolls are only
// bounded until an observation pins them down, so the attributes are Ranged.
type Player struct {
	id uuid.UUID

	Name     partial.MaybeKnown[string] `json:"name"`
	Deceased partial.MaybeKnown[bool]   `json:"deceased"`

	Divinity      partial.Ranged[float64] `json:"divinity"`
	Buoyancy      partial.Ranged[float64] `json:"buoyancy"`
	Thwackability partial.Ranged[float64] `json:"thwackability"`

	ConsecutiveHits partial.Ranged[int] `json:"consecutiveHits"`
}

type playerRaw struct {
	Name            string  `json:"name"`
	Deceased        bool    `json:"deceased"`
	Divinity        float64 `json:"divinity"`
	Buoyancy        float64 `json:"buoyancy"`
	Thwackability   float64 `json:"thwackability"`
	ConsecutiveHits int     `json:"consecutiveHits"`
}

func decodePlayer(id uuid.UUID, stored json.RawMessage) (State, error) {
	p := &Player{id: id}
	if err := json.Unmarshal(stored, p); err != nil {
		return nil, eris.Wrap(err, "entity: decode stored player")
	}
	return p, nil
}

func playerFromRaw(id uuid.UUID, raw json.RawMessage) (State, error) {
	var r playerRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "entity: decode raw player")
	}
	return &Player{
		id:              id,
		Name:            partial.KnownOf(r.Name),
		Deceased:        partial.KnownOf(r.Deceased),
		Divinity:        partial.Known(r.Divinity),
		Buoyancy:        partial.Known(r.Buoyancy),
		Thwackability:   partial.Known(r.Thwackability),
		ConsecutiveHits: partial.Known(r.ConsecutiveHits),
	}, nil
}

func (p *Player) EntityType() model.EntityType { return model.EntityTypePlayer }
func (p *Player) EntityID() uuid.UUID          { return p.id }

func (p *Player) Clone() State {
	c := *p
	return &c
}

func (p *Player) Observe(raw json.RawMessage) ([]partial.Conflict, error) {
	var r playerRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "entity: decode raw player")
	}

	next := *p
	var conflicts []partial.Conflict
	conflicts = append(conflicts, next.Name.Observe("name", r.Name)...)
	conflicts = append(conflicts, next.Deceased.Observe("deceased", r.Deceased)...)
	conflicts = append(conflicts, next.Divinity.Observe("divinity", r.Divinity)...)
	conflicts = append(conflicts, next.Buoyancy.Observe("buoyancy", r.Buoyancy)...)
	conflicts = append(conflicts, next.Thwackability.Observe("thwackability", r.Thwackability)...)
	conflicts = append(conflicts, next.ConsecutiveHits.Observe("consecutiveHits", r.ConsecutiveHits)...)
	if len(conflicts) > 0 {
		return conflicts, nil
	}
	*p = next
	return nil, nil
}

func (p *Player) NextTimedEvent(time.Time) *model.TimedEvent { return nil }
