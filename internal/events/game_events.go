package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/blarser/internal/entity"
	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/partial"
)

func applyLetsGo(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	g, ok := st.(*entity.Game)
	if !ok {
		return Unchanged(), nil
	}
	next := g.Clone().(*entity.Game)
	next.Phase = partial.Known(entity.GamePhaseStarting)
	return Successors(Successor{State: next}), nil
}

func applyPlayBall(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	g, ok := st.(*entity.Game)
	if !ok {
		return Unchanged(), nil
	}
	next := g.Clone().(*entity.Game)
	next.Phase = partial.Known(entity.GamePhaseInProgress)
	next.Inning = partial.Known(0)
	next.TopOfInning = partial.KnownOf(true)
	next.HalfInningOuts = partial.Known(0)
	next.Batter = partial.KnownOf("")
	next.BasesOccupied = []int{}
	next.Baserunners = []uuid.UUID{}
	return Successors(Successor{State: next}), nil
}

// applyHalfInning flips the half. When the current half is unknown both
// continuations stay possible, so the version branches.
func applyHalfInning(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	g, ok := st.(*entity.Game)
	if !ok {
		return Unchanged(), nil
	}

	flip := func(wasTop bool) Successor {
		next := g.Clone().(*entity.Game)
		next.TopOfInning = partial.KnownOf(!wasTop)
		if !wasTop {
			next.Inning.AddConstant(1)
		}
		next.HalfInningOuts = partial.Known(0)
		next.Batter = partial.KnownOf("")
		next.BasesOccupied = []int{}
		next.Baserunners = []uuid.UUID{}
		return Successor{State: next, Aux: mustAux(map[string]any{"wasTop": wasTop})}
	}

	if wasTop, known := g.TopOfInning.Value(); known {
		return Successors(flip(wasTop)), nil
	}
	return Successors(flip(true), flip(false)), nil
}

type batterUpPayload struct {
	Batter string `json:"batter"`
}

func applyBatterUp(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	g, ok := st.(*entity.Game)
	if !ok {
		return Unchanged(), nil
	}
	p, err := decodePayload[batterUpPayload](e)
	if err != nil {
		return Outcome{}, err
	}
	next := g.Clone().(*entity.Game)
	next.Batter = partial.KnownOf(p.Batter)
	return Successors(Successor{State: next}), nil
}

type hitPayload struct {
	Batter   string `json:"batter"`
	BasesHit int    `json:"basesHit"`
	// RunsScored is nil when the feed text did not say how many runs scored.
	RunsScored *float64 `json:"runsScored,omitempty"`
}

// applyHit advances the batter and every runner. Runners that are not forced
// may take one extra base, so the version branches on the advancement
// pattern; patterns contradicting a known run total are discarded, and a
// version with no consistent pattern is impossible.
func applyHit(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	switch s := st.(type) {
	case *entity.Game:
		return applyHitToGame(e, s)
	case *entity.Player:
		p, err := decodePayload[hitPayload](e)
		if err != nil {
			return Outcome{}, err
		}
		if p.Batter != s.EntityID().String() {
			return Unchanged(), nil
		}
		next := s.Clone().(*entity.Player)
		next.ConsecutiveHits.AddConstant(1)
		return Successors(Successor{State: next}), nil
	default:
		return Unchanged(), nil
	}
}

func applyHitToGame(e *model.Event, g *entity.Game) (Outcome, error) {
	p, err := decodePayload[hitPayload](e)
	if err != nil {
		return Outcome{}, err
	}
	batterID, err := uuid.Parse(p.Batter)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "events: hit: bad batter id %q", p.Batter)
	}

	var succs []Successor
	for _, extra := range []int{0, 1} {
		bases, runners, runs := advanceRunners(g.BasesOccupied, g.Baserunners, p.BasesHit+extra)
		if p.RunsScored != nil && float64(runs) != *p.RunsScored {
			continue
		}
		// Batter takes the hit's bases; a home run scores immediately.
		if p.BasesHit > 3 {
			runs++
		} else {
			bases = append(bases, p.BasesHit-1)
			runners = append(runners, batterID)
		}

		next := g.Clone().(*entity.Game)
		next.BasesOccupied = bases
		next.Baserunners = runners
		next.Batter = partial.KnownOf("")
		scoreRuns(next, float64(runs))
		succs = appendMergedSuccessor(succs, Successor{
			State: next,
			Aux:   mustAux(map[string]any{"extraAdvance": extra == 1, "runs": runs}),
		})
	}

	if len(succs) == 0 {
		return Terminated(fmt.Sprintf(
			"no runner advancement on %d-base hit scores %v runs from bases %v",
			p.BasesHit, *p.RunsScored, g.BasesOccupied)), nil
	}
	return Successors(succs...), nil
}

type walkPayload struct {
	Batter string `json:"batter"`
}

func applyWalk(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	g, ok := st.(*entity.Game)
	if !ok {
		return Unchanged(), nil
	}
	p, err := decodePayload[walkPayload](e)
	if err != nil {
		return Outcome{}, err
	}
	batterID, err := uuid.Parse(p.Batter)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "events: walk: bad batter id %q", p.Batter)
	}

	bases, runners, runs := forceAdvance(g.BasesOccupied, g.Baserunners)
	bases = append(bases, 0)
	runners = append(runners, batterID)

	next := g.Clone().(*entity.Game)
	next.BasesOccupied = bases
	next.Baserunners = runners
	next.Batter = partial.KnownOf("")
	scoreRuns(next, float64(runs))
	return Successors(Successor{State: next}), nil
}

type caughtOutPayload struct {
	Batter string `json:"batter"`
}

func applyCaughtOut(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	switch s := st.(type) {
	case *entity.Game:
		next := s.Clone().(*entity.Game)
		next.HalfInningOuts.AddConstant(1)
		next.Batter = partial.KnownOf("")
		return Successors(Successor{State: next}), nil
	case *entity.Player:
		p, err := decodePayload[caughtOutPayload](e)
		if err != nil {
			return Outcome{}, err
		}
		if p.Batter != s.EntityID().String() {
			return Unchanged(), nil
		}
		next := s.Clone().(*entity.Player)
		next.ConsecutiveHits = partial.Known(0)
		return Successors(Successor{State: next}), nil
	default:
		return Unchanged(), nil
	}
}

type stolenBasePayload struct {
	Runner string `json:"runner"`
	ToBase int    `json:"toBase"`
}

func applyStolenBase(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	g, ok := st.(*entity.Game)
	if !ok {
		return Unchanged(), nil
	}
	p, err := decodePayload[stolenBasePayload](e)
	if err != nil {
		return Outcome{}, err
	}
	runnerID, err := uuid.Parse(p.Runner)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "events: stolen_base: bad runner id %q", p.Runner)
	}

	idx := -1
	for i, r := range g.Baserunners {
		if r == runnerID && g.BasesOccupied[i] == p.ToBase-1 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Terminated(fmt.Sprintf("runner %s is not on base %d to steal base %d",
			p.Runner, p.ToBase-1, p.ToBase)), nil
	}

	next := g.Clone().(*entity.Game)
	if p.ToBase > 2 {
		next.BasesOccupied = deleteAt(next.BasesOccupied, idx)
		next.Baserunners = deleteRunnerAt(next.Baserunners, idx)
		scoreRuns(next, 1)
	} else {
		next.BasesOccupied[idx] = p.ToBase
	}
	return Successors(Successor{State: next}), nil
}

type gameOverPayload struct {
	Winner string `json:"winner"`
}

func applyGameOver(e *model.Event, st entity.State, _ json.RawMessage) (Outcome, error) {
	switch s := st.(type) {
	case *entity.Game:
		next := s.Clone().(*entity.Game)
		next.Phase = partial.Known(entity.GamePhaseComplete)
		next.Batter = partial.KnownOf("")
		next.BasesOccupied = []int{}
		next.Baserunners = []uuid.UUID{}
		return Successors(Successor{State: next}), nil
	case *entity.Team:
		p, err := decodePayload[gameOverPayload](e)
		if err != nil {
			return Outcome{}, err
		}
		if p.Winner != s.EntityID().String() {
			return Unchanged(), nil
		}
		next := s.Clone().(*entity.Team)
		next.Wins.AddConstant(1)
		return Successors(Successor{State: next}), nil
	default:
		return Unchanged(), nil
	}
}

// scoreRuns credits runs to the batting side. When the half is unknown the
// crediting side is unknown too, so both scores widen.
func scoreRuns(g *entity.Game, runs float64) {
	if runs == 0 {
		return
	}
	top, known := g.TopOfInning.Value()
	switch {
	case known && top:
		g.AwayScore.AddConstant(runs)
	case known && !top:
		g.HomeScore.AddConstant(runs)
	default:
		g.AwayScore.AddRange(0, runs)
		g.HomeScore.AddRange(0, runs)
	}
}

// advanceRunners moves every runner forward by n bases. Runners past third
// score and leave the bases. Order of remaining runners is preserved.
func advanceRunners(bases []int, runners []uuid.UUID, n int) ([]int, []uuid.UUID, int) {
	outBases := []int{}
	outRunners := []uuid.UUID{}
	runs := 0
	for i, b := range bases {
		nb := b + n
		if nb > 2 {
			runs++
			continue
		}
		outBases = append(outBases, nb)
		outRunners = append(outRunners, runners[i])
	}
	return outBases, outRunners, runs
}

// forceAdvance pushes only the forced chain starting from first base up one
// base each, as on a walk. Returns the runs forced in.
func forceAdvance(bases []int, runners []uuid.UUID) ([]int, []uuid.UUID, int) {
	occupied := map[int]bool{}
	for _, b := range bases {
		occupied[b] = true
	}

	forced := map[int]bool{}
	for b := 0; occupied[b]; b++ {
		forced[b] = true
	}

	outBases := []int{}
	outRunners := []uuid.UUID{}
	runs := 0
	for i, b := range bases {
		if !forced[b] {
			outBases = append(outBases, b)
			outRunners = append(outRunners, runners[i])
			continue
		}
		if b+1 > 2 {
			runs++
			continue
		}
		outBases = append(outBases, b+1)
		outRunners = append(outRunners, runners[i])
	}
	return outBases, outRunners, runs
}

// appendMergedSuccessor drops a successor whose state is already present, so
// branches that converge do not duplicate. Aux is not compared; the earlier
// successor's aux is kept.
func appendMergedSuccessor(succs []Successor, s Successor) []Successor {
	data, err := entity.Marshal(s.State)
	if err != nil {
		return append(succs, s)
	}
	for _, existing := range succs {
		existingData, err := entity.Marshal(existing.State)
		if err != nil {
			continue
		}
		if string(existingData) == string(data) {
			return succs
		}
	}
	return append(succs, s)
}

func deleteAt(s []int, i int) []int {
	out := append([]int{}, s[:i]...)
	return append(out, s[i+1:]...)
}

func deleteRunnerAt(s []uuid.UUID, i int) []uuid.UUID {
	out := append([]uuid.UUID{}, s[:i]...)
	return append(out, s[i+1:]...)
}
