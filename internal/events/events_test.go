package events

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/blarser/internal/entity"
	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/partial"
)

func newGame(t *testing.T, bases []int, runners []uuid.UUID) *entity.Game {
	t.Helper()
	raw := fmt.Sprintf(
		`{"season":12,"day":3,"phase":%d,"inning":2,"topOfInning":true,"halfInningOuts":1,"homeScore":1,"awayScore":2,"batter":"","basesOccupied":%s,"baserunners":%s,"scheduledStart":""}`,
		entity.GamePhaseInProgress, mustJSON(bases), mustJSON(runners))
	codec, ok := entity.Lookup(model.EntityTypeGame)
	require.True(t, ok)
	st, err := codec.FromRaw(uuid.New(), json.RawMessage(raw))
	require.NoError(t, err)
	return st.(*entity.Game)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	if string(data) == "null" {
		return "[]"
	}
	return string(data)
}

func feedEvent(kind string, payload any) *model.Event {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return &model.Event{
		ID:      1,
		Time:    time.Date(2021, 12, 6, 16, 0, 0, 0, time.UTC),
		Source:  model.SourceFeed,
		Kind:    kind,
		Payload: data,
	}
}

func TestApply_UnknownKind(t *testing.T) {
	g := newGame(t, nil, nil)
	_, err := Apply(&model.Event{Kind: "nope"}, g, nil)
	require.Error(t, err)
}

func TestHit_EmptyBases(t *testing.T) {
	g := newGame(t, nil, nil)
	batter := uuid.New()
	zero := 0.0

	out, err := Apply(feedEvent("hit", map[string]any{"batter": batter.String(), "basesHit": 1, "runsScored": zero}), g, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)
	// No runners means no advancement ambiguity: a single successor.
	require.Len(t, out.Successors, 1)

	next := out.Successors[0].State.(*entity.Game)
	assert.Equal(t, []int{0}, next.BasesOccupied)
	assert.Equal(t, []uuid.UUID{batter}, next.Baserunners)
	// The original version is untouched.
	assert.Empty(t, g.BasesOccupied)
}

func TestHit_RunnerOnSecondBranches(t *testing.T) {
	runner := uuid.New()
	g := newGame(t, []int{1}, []uuid.UUID{runner})
	batter := uuid.New()

	out, err := Apply(feedEvent("hit", map[string]any{"batter": batter.String(), "basesHit": 1}), g, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)
	// Runner holds at third, or takes the extra base and scores.
	require.Len(t, out.Successors, 2)

	hold := out.Successors[0].State.(*entity.Game)
	assert.Equal(t, []int{2, 0}, hold.BasesOccupied)

	score := out.Successors[1].State.(*entity.Game)
	assert.Equal(t, []int{0}, score.BasesOccupied)
	away, known := score.AwayScore.Value()
	require.True(t, known)
	assert.Equal(t, 3.0, away)
}

func TestHit_RunnerOnThirdMustScore(t *testing.T) {
	runner := uuid.New()
	g := newGame(t, []int{2}, []uuid.UUID{runner})
	batter := uuid.New()
	zero := 0.0

	out, err := Apply(feedEvent("hit", map[string]any{"batter": batter.String(), "basesHit": 1, "runsScored": zero}), g, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminated, out.Kind)
	assert.NotEmpty(t, out.Reason)
}

func TestHit_PlayerConsecutiveHits(t *testing.T) {
	id := uuid.New()
	codec, _ := entity.Lookup(model.EntityTypePlayer)
	st, err := codec.FromRaw(id, json.RawMessage(
		`{"name":"York Silk","deceased":false,"divinity":0.5,"buoyancy":0.5,"thwackability":0.5,"consecutiveHits":2}`))
	require.NoError(t, err)

	out, err := Apply(feedEvent("hit", map[string]any{"batter": id.String(), "basesHit": 1}), st, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)
	require.Len(t, out.Successors, 1)

	next := out.Successors[0].State.(*entity.Player)
	hits, known := next.ConsecutiveHits.Value()
	require.True(t, known)
	assert.Equal(t, 3, hits)

	// Some other batter's hit leaves this player alone.
	out, err = Apply(feedEvent("hit", map[string]any{"batter": uuid.New().String(), "basesHit": 1}), st, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out.Kind)
}

func TestWalk_ForcesChain(t *testing.T) {
	first, third := uuid.New(), uuid.New()
	g := newGame(t, []int{0, 2}, []uuid.UUID{first, third})
	batter := uuid.New()

	out, err := Apply(feedEvent("walk", map[string]any{"batter": batter.String()}), g, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)
	require.Len(t, out.Successors, 1)

	next := out.Successors[0].State.(*entity.Game)
	// Runner on first is forced to second; runner on third holds (not forced).
	assert.Equal(t, []int{1, 2, 0}, next.BasesOccupied)
	assert.Equal(t, []uuid.UUID{first, third, batter}, next.Baserunners)
	away, known := next.AwayScore.Value()
	require.True(t, known)
	assert.Equal(t, 2.0, away)
}

func TestStolenBase_NotOnBaseTerminates(t *testing.T) {
	g := newGame(t, nil, nil)

	out, err := Apply(feedEvent("stolen_base", map[string]any{"runner": uuid.New().String(), "toBase": 2}), g, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminated, out.Kind)
}

func TestStolenBase_StealsHome(t *testing.T) {
	runner := uuid.New()
	g := newGame(t, []int{2}, []uuid.UUID{runner})

	out, err := Apply(feedEvent("stolen_base", map[string]any{"runner": runner.String(), "toBase": 3}), g, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)

	next := out.Successors[0].State.(*entity.Game)
	assert.Empty(t, next.BasesOccupied)
	away, known := next.AwayScore.Value()
	require.True(t, known)
	assert.Equal(t, 3.0, away)
}

func TestHalfInning_KnownHalf(t *testing.T) {
	g := newGame(t, []int{0}, []uuid.UUID{uuid.New()})

	out, err := Apply(feedEvent("half_inning", nil), g, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)
	require.Len(t, out.Successors, 1)

	next := out.Successors[0].State.(*entity.Game)
	top, known := next.TopOfInning.Value()
	require.True(t, known)
	assert.False(t, top)
	inning, _ := next.Inning.Value()
	assert.Equal(t, 2, inning)
	assert.Empty(t, next.BasesOccupied)
}

func TestHalfInning_UnknownHalfBranches(t *testing.T) {
	g := newGame(t, nil, nil)
	g.TopOfInning = partial.Unknown[bool]()

	out, err := Apply(feedEvent("half_inning", nil), g, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)
	assert.Len(t, out.Successors, 2)
	assert.NotEqual(t, string(out.Successors[0].Aux), string(out.Successors[1].Aux))
}

func TestScoreRuns_UnknownHalfWidensBothScores(t *testing.T) {
	runner := uuid.New()
	g := newGame(t, []int{2}, []uuid.UUID{runner})
	g.TopOfInning = partial.Unknown[bool]()

	out, err := Apply(feedEvent("stolen_base", map[string]any{"runner": runner.String(), "toBase": 3}), g, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)

	next := out.Successors[0].State.(*entity.Game)
	assert.True(t, next.HomeScore.Ambiguous())
	assert.True(t, next.AwayScore.Ambiguous())
	lo, hi := next.AwayScore.Bounds()
	assert.Equal(t, 2.0, lo)
	assert.Equal(t, 3.0, hi)
}

func TestParty_BoostsAttributeIntoRange(t *testing.T) {
	id := uuid.New()
	codec, _ := entity.Lookup(model.EntityTypePlayer)
	st, err := codec.FromRaw(id, json.RawMessage(
		`{"name":"York Silk","deceased":false,"divinity":0.5,"buoyancy":0.5,"thwackability":0.5,"consecutiveHits":0}`))
	require.NoError(t, err)

	out, err := Apply(feedEvent("party", map[string]any{"player": id.String(), "attribute": "divinity"}), st, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)

	next := out.Successors[0].State.(*entity.Player)
	lo, hi := next.Divinity.Bounds()
	assert.InDelta(t, 0.54, lo, 1e-9)
	assert.InDelta(t, 0.58, hi, 1e-9)
	assert.True(t, next.Divinity.Ambiguous())
}

func TestGameOver_TeamWins(t *testing.T) {
	teamID := uuid.New()
	codec, _ := entity.Lookup(model.EntityTypeTeam)
	st, err := codec.FromRaw(teamID, json.RawMessage(
		`{"fullName":"Hades Tigers","nickname":"Tigers","lineup":[],"rotation":[],"rotationSlot":0,"wins":10}`))
	require.NoError(t, err)

	out, err := Apply(feedEvent("game_over", map[string]any{"winner": teamID.String()}), st, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)
	wins, known := out.Successors[0].State.(*entity.Team).Wins.Value()
	require.True(t, known)
	assert.Equal(t, 11, wins)

	out, err = Apply(feedEvent("game_over", map[string]any{"winner": uuid.New().String()}), st, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out.Kind)
}

func TestEarlseasonStart(t *testing.T) {
	codec, _ := entity.Lookup(model.EntityTypeSim)
	st, err := codec.FromRaw(uuid.New(), json.RawMessage(fmt.Sprintf(
		`{"phase":%d,"season":12,"day":0,"earlseasonDate":"2021-12-06T15:00:00Z","midseasonDate":""}`,
		entity.SimPhasePreseason)))
	require.NoError(t, err)

	out, err := Apply(feedEvent("earlseason_start", nil), st, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessors, out.Kind)
	phase, known := out.Successors[0].State.(*entity.Sim).Phase.Value()
	require.True(t, known)
	assert.Equal(t, entity.SimPhaseEarlseason, phase)
}
