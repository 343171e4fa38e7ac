package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/blarser/internal/entity"
	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/internal/store"
)

var tbase = time.Date(2021, 12, 6, 15, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return tbase.Add(time.Duration(seconds) * time.Second)
}

// rawGame builds the wire-shaped snapshot for a game.
func rawGame(phase int, bases []int, runners []uuid.UUID, awayScore float64) json.RawMessage {
	basesJSON, _ := json.Marshal(bases)
	runnersJSON, _ := json.Marshal(runners)
	if bases == nil {
		basesJSON = []byte("[]")
	}
	if runners == nil {
		runnersJSON = []byte("[]")
	}
	return json.RawMessage(fmt.Sprintf(
		`{"season":12,"day":3,"phase":%d,"inning":2,"topOfInning":true,"halfInningOuts":1,"homeScore":1,"awayScore":%g,"batter":"","basesOccupied":%s,"baserunners":%s,"scheduledStart":""}`,
		phase, awayScore, basesJSON, runnersJSON))
}

// rawPlayer builds the wire-shaped snapshot for a player.
func rawPlayer(divinity float64, consecutiveHits int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"name":"York Silk","deceased":false,"divinity":%g,"buoyancy":0.7,"thwackability":0.3,"consecutiveHits":%d}`,
		divinity, consecutiveHits))
}

// stateOf lifts a raw snapshot into stored-version JSON, optionally mutated.
func stateOf(t *testing.T, ref model.EntityRef, raw json.RawMessage, mutate func(entity.State)) json.RawMessage {
	t.Helper()
	codec, ok := entity.Lookup(ref.Type)
	require.True(t, ok)
	st, err := codec.FromRaw(ref.ID, raw)
	require.NoError(t, err)
	if mutate != nil {
		mutate(st)
	}
	state, err := entity.Marshal(st)
	require.NoError(t, err)
	return state
}

// seedVersion records a start event and one root version for the entity.
func seedVersion(t *testing.T, s store.Store, ref model.EntityRef, start time.Time, state json.RawMessage) int64 {
	t.Helper()
	e := &model.Event{
		Time:    start,
		Source:  model.SourceStart,
		Kind:    "start",
		Effects: []model.EventEffect{{EntityType: ref.Type, EntityID: ref.ID}},
	}
	_, err := s.AppendEvent(context.Background(), e)
	require.NoError(t, err)

	ids, err := s.InsertVersions(context.Background(), []model.NewVersion{{
		Entity:    ref,
		StartTime: start,
		State:     state,
		FromEvent: e.ID,
	}})
	require.NoError(t, err)
	return ids[0]
}

func feedEventAt(t time.Time, kind string, payload any, refs ...model.EntityRef) *model.Event {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	if payload == nil {
		data = nil
	}
	e := &model.Event{
		Time:    t,
		Source:  model.SourceFeed,
		Kind:    kind,
		Payload: data,
	}
	for _, ref := range refs {
		e.Effects = append(e.Effects, model.EventEffect{EntityType: ref.Type, EntityID: ref.ID})
	}
	return e
}

// sliceFeed serves a fixed list of feed items.
type sliceFeed struct {
	items []*FeedItem
	pos   int
}

func (f *sliceFeed) Peek(context.Context) (*FeedItem, error) {
	if f.pos >= len(f.items) {
		return nil, nil
	}
	return f.items[f.pos], nil
}

func (f *sliceFeed) Next(context.Context) (*FeedItem, error) {
	if f.pos >= len(f.items) {
		return nil, nil
	}
	item := f.items[f.pos]
	f.pos++
	return item, nil
}

// sliceChron serves a fixed list of observations.
type sliceChron struct {
	items []*ChronItem
	pos   int
}

func (c *sliceChron) Next(context.Context) (*ChronItem, error) {
	if c.pos >= len(c.items) {
		return nil, nil
	}
	item := c.items[c.pos]
	c.pos++
	return item, nil
}

// liveVersions is a shorthand for the frontier at time t.
func liveVersions(t *testing.T, s store.Store, ref model.EntityRef, when time.Time) []model.Version {
	t.Helper()
	live, err := s.LiveVersionsAt(context.Background(), ref, when)
	require.NoError(t, err)
	return live
}
