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

// Game phase numbers, as carried on the wire.
const (
	GamePhaseUpcoming   = 0
	GamePhaseStarting   = 1
	GamePhaseInProgress = 2
	GamePhaseComplete   = 3
)

// Game is one game's live state. Scores are Ranged because some events score
// a runner only conditionally; base state is concrete and branches instead.
type Game struct {
	id uuid.UUID

	Season partial.Ranged[int] `json:"season"`
	Day    partial.Ranged[int] `json:"day"`
	Phase  partial.Ranged[int] `json:"phase"`

	Inning         partial.Ranged[int]      `json:"inning"`
	TopOfInning    partial.MaybeKnown[bool] `json:"topOfInning"`
	HalfInningOuts partial.Ranged[int]      `json:"halfInningOuts"`

	HomeScore partial.Ranged[float64] `json:"homeScore"`
	AwayScore partial.Ranged[float64] `json:"awayScore"`

	// Batter is the empty string between plate appearances.
	Batter partial.MaybeKnown[string] `json:"batter"`

	BasesOccupied []int       `json:"basesOccupied"`
	Baserunners   []uuid.UUID `json:"baserunners"`

	// RFC3339; known once the schedule is published.
	ScheduledStart partial.MaybeKnown[string] `json:"scheduledStart"`
}

type gameRaw struct {
	Season         int         `json:"season"`
	Day            int         `json:"day"`
	Phase          int         `json:"phase"`
	Inning         int         `json:"inning"`
	TopOfInning    bool        `json:"topOfInning"`
	HalfInningOuts int         `json:"halfInningOuts"`
	HomeScore      float64     `json:"homeScore"`
	AwayScore      float64     `json:"awayScore"`
	Batter         string      `json:"batter"`
	BasesOccupied  []int       `json:"basesOccupied"`
	Baserunners    []uuid.UUID `json:"baserunners"`
	ScheduledStart string      `json:"scheduledStart"`
}

func decodeGame(id uuid.UUID, stored json.RawMessage) (State, error) {
	g := &Game{id: id}
	if err := json.Unmarshal(stored, g); err != nil {
		return nil, eris.Wrap(err, "entity: decode stored game")
	}
	return g, nil
}

func gameFromRaw(id uuid.UUID, raw json.RawMessage) (State, error) {
	var r gameRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "entity: decode raw game")
	}
	return &Game{
		id:             id,
		Season:         partial.Known(r.Season),
		Day:            partial.Known(r.Day),
		Phase:          partial.Known(r.Phase),
		Inning:         partial.Known(r.Inning),
		TopOfInning:    partial.KnownOf(r.TopOfInning),
		HalfInningOuts: partial.Known(r.HalfInningOuts),
		HomeScore:      partial.Known(r.HomeScore),
		AwayScore:      partial.Known(r.AwayScore),
		Batter:         partial.KnownOf(r.Batter),
		BasesOccupied:  slices.Clone(r.BasesOccupied),
		Baserunners:    slices.Clone(r.Baserunners),
		ScheduledStart: partial.KnownOf(r.ScheduledStart),
	}, nil
}

func (g *Game) EntityType() model.EntityType { return model.EntityTypeGame }
func (g *Game) EntityID() uuid.UUID          { return g.id }

func (g *Game) Clone() State {
	c := *g
	c.BasesOccupied = slices.Clone(g.BasesOccupied)
	c.Baserunners = slices.Clone(g.Baserunners)
	return &c
}

func (g *Game) Observe(raw json.RawMessage) ([]partial.Conflict, error) {
	var r gameRaw
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "entity: decode raw game")
	}

	next := *g
	var conflicts []partial.Conflict
	conflicts = append(conflicts, next.Season.Observe("season", r.Season)...)
	conflicts = append(conflicts, next.Day.Observe("day", r.Day)...)
	conflicts = append(conflicts, next.Phase.Observe("phase", r.Phase)...)
	conflicts = append(conflicts, next.Inning.Observe("inning", r.Inning)...)
	conflicts = append(conflicts, next.TopOfInning.Observe("topOfInning", r.TopOfInning)...)
	conflicts = append(conflicts, next.HalfInningOuts.Observe("halfInningOuts", r.HalfInningOuts)...)
	conflicts = append(conflicts, next.HomeScore.Observe("homeScore", r.HomeScore)...)
	conflicts = append(conflicts, next.AwayScore.Observe("awayScore", r.AwayScore)...)
	conflicts = append(conflicts, next.Batter.Observe("batter", r.Batter)...)
	conflicts = append(conflicts, observeBases("basesOccupied", &next.BasesOccupied, r.BasesOccupied)...)
	conflicts = append(conflicts, observeIDs("baserunners", &next.Baserunners, r.Baserunners)...)
	conflicts = append(conflicts, next.ScheduledStart.Observe("scheduledStart", r.ScheduledStart)...)
	if len(conflicts) > 0 {
		return conflicts, nil
	}
	*g = next
	return nil, nil
}

// NextTimedEvent announces the scheduled first pitch while the game is still
// upcoming.
func (g *Game) NextTimedEvent(after time.Time) *model.TimedEvent {
	phase, ok := g.Phase.Value()
	if !ok || phase != GamePhaseUpcoming {
		return nil
	}
	start, ok := g.ScheduledStart.Value()
	if !ok || start == "" {
		return nil
	}
	at, err := time.Parse(time.RFC3339, start)
	if err != nil || !at.After(after) {
		return nil
	}
	return &model.TimedEvent{
		Time:   at,
		Kind:   "lets_go",
		Entity: model.EntityRef{Type: model.EntityTypeGame, ID: g.id},
	}
}

func observeBases(path string, stored *[]int, observed []int) []partial.Conflict {
	if *stored == nil {
		*stored = slices.Clone(observed)
		return nil
	}
	if !slices.Equal(*stored, observed) {
		return []partial.Conflict{partial.Conflictf(path, "expected %v, but observed %v", *stored, observed)}
	}
	return nil
}
