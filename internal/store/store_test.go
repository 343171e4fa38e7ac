package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/blarser/internal/model"
)

var t0 = time.Date(2021, 12, 6, 15, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

func openBackends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "blarser.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	require.NoError(t, sqlite.Migrate(context.Background()))

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func appendEvent(t *testing.T, s Store, kind string, at time.Time, refs ...model.EntityRef) *model.Event {
	t.Helper()
	e := &model.Event{
		Time:   at,
		Source: model.SourceFeed,
		Kind:   kind,
	}
	for _, ref := range refs {
		e.Effects = append(e.Effects, model.EventEffect{EntityType: ref.Type, EntityID: ref.ID})
	}
	_, err := s.AppendEvent(context.Background(), e)
	require.NoError(t, err)
	return e
}

func insertVersion(t *testing.T, s Store, ref model.EntityRef, start time.Time, fromEvent int64, state string, parents ...int64) int64 {
	t.Helper()
	ids, err := s.InsertVersions(context.Background(), []model.NewVersion{{
		Entity:    ref,
		StartTime: start,
		State:     json.RawMessage(state),
		FromEvent: fromEvent,
		ParentIDs: parents,
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func TestStore_EventLogOrdering(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypePlayer, ID: uuid.New()}
	other := model.EntityRef{Type: model.EntityTypePlayer, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			e1 := appendEvent(t, s, "hit", at(10), ref)
			e2 := appendEvent(t, s, "walk", at(5), ref)
			appendEvent(t, s, "hit", at(7), other)
			e4 := appendEvent(t, s, "caught_out", at(10), ref)

			events, err := s.EventsAffecting(ctx, ref, at(0), at(10))
			require.NoError(t, err)
			require.Len(t, events, 3)
			// Time order, ties broken by id.
			assert.Equal(t, e2.ID, events[0].ID)
			assert.Equal(t, e1.ID, events[1].ID)
			assert.Equal(t, e4.ID, events[2].ID)

			// The interval is (after, until]: an event exactly at `after` is excluded.
			events, err = s.EventsAffecting(ctx, ref, at(5), at(10))
			require.NoError(t, err)
			require.Len(t, events, 2)

			latest, err := s.LatestEventTime(ctx)
			require.NoError(t, err)
			assert.True(t, latest.Equal(at(10)))
		})
	}
}

func TestStore_EventEffectsRoundTrip(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypeGame, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			e := &model.Event{
				Time:    at(1),
				Source:  model.SourceTimed,
				Kind:    "lets_go",
				Payload: json.RawMessage(`{"x":1}`),
				Effects: []model.EventEffect{
					{EntityType: ref.Type, EntityID: ref.ID, Aux: json.RawMessage(`{"a":2}`)},
					{EntityType: model.EntityTypeSim},
				},
			}
			id, err := s.AppendEvent(ctx, e)
			require.NoError(t, err)

			got, err := s.GetEvent(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "lets_go", got.Kind)
			assert.Equal(t, model.SourceTimed, got.Source)
			assert.JSONEq(t, `{"x":1}`, string(got.Payload))
			require.Len(t, got.Effects, 2)
			assert.Equal(t, ref.ID, got.Effects[0].EntityID)
			assert.JSONEq(t, `{"a":2}`, string(got.Effects[0].Aux))
			// A type-wide effect has the nil id.
			assert.Equal(t, uuid.Nil, got.Effects[1].EntityID)

			// A type-wide effect matches any entity of the type.
			simRef := model.EntityRef{Type: model.EntityTypeSim, ID: uuid.New()}
			events, err := s.EventsAffecting(ctx, simRef, at(0), at(2))
			require.NoError(t, err)
			assert.Len(t, events, 1)
		})
	}
}

func TestStore_LiveVersionsAt(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypePlayer, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			start := appendEvent(t, s, "start", at(0), ref)
			hit := appendEvent(t, s, "hit", at(10), ref)

			root := insertVersion(t, s, ref, at(0), start.ID, `{"v":1}`)
			child := insertVersion(t, s, ref, at(10), hit.ID, `{"v":2}`, root)

			// Before the child exists, the root is the frontier.
			live, err := s.LiveVersionsAt(ctx, ref, at(5))
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.Equal(t, root, live[0].ID)

			// At the child's start time, the child replaces the root.
			live, err = s.LiveVersionsAt(ctx, ref, at(10))
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.Equal(t, child, live[0].ID)

			// Terminating the child revives the root as frontier... except the
			// cascade kills the root too once its only child is dead.
			require.NoError(t, s.Terminate(ctx, []int64{child}, "ruled out"))
			live, err = s.LiveVersionsAt(ctx, ref, at(10))
			require.NoError(t, err)
			assert.Empty(t, live)
		})
	}
}

func TestStore_BranchedFrontier(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypeGame, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			start := appendEvent(t, s, "start", at(0), ref)
			hit := appendEvent(t, s, "hit", at(10), ref)

			root := insertVersion(t, s, ref, at(0), start.ID, `{"v":1}`)
			a := insertVersion(t, s, ref, at(10), hit.ID, `{"v":"a"}`, root)
			b := insertVersion(t, s, ref, at(10), hit.ID, `{"v":"b"}`, root)

			live, err := s.LiveVersionsAt(ctx, ref, at(20))
			require.NoError(t, err)
			require.Len(t, live, 2)

			// Terminating one branch keeps the other; the root stays dead as
			// frontier but alive as ancestor.
			require.NoError(t, s.Terminate(ctx, []int64{a}, "observation ruled out"))
			live, err = s.LiveVersionsAt(ctx, ref, at(20))
			require.NoError(t, err)
			require.Len(t, live, 1)
			assert.Equal(t, b, live[0].ID)

			got, err := s.GetVersion(ctx, root)
			require.NoError(t, err)
			assert.True(t, got.Live())
		})
	}
}

func TestStore_TerminateCascades(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypeGame, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			start := appendEvent(t, s, "start", at(0), ref)
			hit := appendEvent(t, s, "hit", at(10), ref)
			steal := appendEvent(t, s, "stolen_base", at(20), ref)

			root := insertVersion(t, s, ref, at(0), start.ID, `{"v":1}`)
			mid := insertVersion(t, s, ref, at(10), hit.ID, `{"v":2}`, root)
			leafA := insertVersion(t, s, ref, at(20), steal.ID, `{"v":3}`, mid)
			leafB := insertVersion(t, s, ref, at(20), steal.ID, `{"v":4}`, mid)

			require.NoError(t, s.Terminate(ctx, []int64{leafA, leafB}, "impossible"))

			// Both leaves dead kills mid (cascade) and then the root.
			for _, id := range []int64{mid, root} {
				got, err := s.GetVersion(ctx, id)
				require.NoError(t, err)
				require.NotNil(t, got.Terminated)
				assert.Equal(t, TerminatedCascade, *got.Terminated)
			}
			got, err := s.GetVersion(ctx, leafA)
			require.NoError(t, err)
			require.NotNil(t, got.Terminated)
			assert.Equal(t, "impossible", *got.Terminated)
		})
	}
}

func TestStore_VersionsInRangeBoundary(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypePlayer, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			start := appendEvent(t, s, "start", at(0), ref)
			hit := appendEvent(t, s, "hit", at(10), ref)

			root := insertVersion(t, s, ref, at(0), start.ID, `{"v":1}`)
			child := insertVersion(t, s, ref, at(10), hit.ID, `{"v":2}`, root)

			// A window that is exactly the event instant matches only the
			// post-event version: the predecessor's interval ended at the
			// event time.
			vs, err := s.VersionsInRange(ctx, ref, at(10), at(10))
			require.NoError(t, err)
			require.Len(t, vs, 1)
			assert.Equal(t, child, vs[0].ID)

			// A window straddling the event matches both.
			vs, err = s.VersionsInRange(ctx, ref, at(5), at(15))
			require.NoError(t, err)
			require.Len(t, vs, 2)
			assert.Equal(t, root, vs[0].ID)
			assert.Equal(t, child, vs[1].ID)

			// A window entirely before the event matches only the predecessor.
			vs, err = s.VersionsInRange(ctx, ref, at(1), at(9))
			require.NoError(t, err)
			require.Len(t, vs, 1)
			assert.Equal(t, root, vs[0].ID)
		})
	}
}

func TestStore_AncestorsUntil(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypePlayer, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			start := appendEvent(t, s, "start", at(0), ref)
			e1 := appendEvent(t, s, "hit", at(10), ref)
			e2 := appendEvent(t, s, "hit", at(20), ref)

			root := insertVersion(t, s, ref, at(0), start.ID, `{"v":1}`)
			mid := insertVersion(t, s, ref, at(10), e1.ID, `{"v":2}`, root)
			leaf := insertVersion(t, s, ref, at(20), e2.ID, `{"v":3}`, mid)

			anc, err := s.AncestorsUntil(ctx, leaf, at(0))
			require.NoError(t, err)
			require.Len(t, anc, 2)
			assert.Equal(t, mid, anc[0].ID)
			assert.Equal(t, root, anc[1].ID)

			anc, err = s.AncestorsUntil(ctx, leaf, at(5))
			require.NoError(t, err)
			require.Len(t, anc, 1)
			assert.Equal(t, mid, anc[0].ID)
		})
	}
}

func TestStore_VersionMutators(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypeTeam, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			start := appendEvent(t, s, "start", at(0), ref)
			id := insertVersion(t, s, ref, at(0), start.ID, `{"wins":1}`)

			require.NoError(t, s.AppendObservationTime(ctx, id, at(30)))
			require.NoError(t, s.UpdateVersionState(ctx, id, json.RawMessage(`{"wins":2}`)))

			got, err := s.GetVersion(ctx, id)
			require.NoError(t, err)
			require.Len(t, got.Observations, 1)
			assert.True(t, got.Observations[0].Equal(at(30)))
			assert.JSONEq(t, `{"wins":2}`, string(got.State))

			err = s.UpdateVersionState(ctx, 9999, json.RawMessage(`{}`))
			assert.True(t, eris.Is(err, ErrNotFound))
		})
	}
}

func TestStore_FrontierVersions(t *testing.T) {
	refA := model.EntityRef{Type: model.EntityTypeGame, ID: uuid.New()}
	refB := model.EntityRef{Type: model.EntityTypeSim, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			start := appendEvent(t, s, "start", at(0), refA, refB)
			hit := appendEvent(t, s, "hit", at(10), refA)

			rootA := insertVersion(t, s, refA, at(0), start.ID, `{"v":1}`)
			leafA := insertVersion(t, s, refA, at(10), hit.ID, `{"v":2}`, rootA)
			rootB := insertVersion(t, s, refB, at(0), start.ID, `{"v":3}`)

			frontier, err := s.FrontierVersions(ctx)
			require.NoError(t, err)
			require.Len(t, frontier, 2)
			assert.Equal(t, leafA, frontier[0].ID)
			assert.Equal(t, rootB, frontier[1].ID)
		})
	}
}

func TestStore_Observations(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypePlayer, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			o := &model.Observation{
				Entity:      ref,
				PerceivedAt: at(30),
				Earliest:    at(24),
				Latest:      at(31),
				Data:        json.RawMessage(`{"divinity":0.56}`),
			}
			id, err := s.InsertObservation(ctx, o)
			require.NoError(t, err)
			assert.Equal(t, model.ObservationPending, o.Status)

			start := appendEvent(t, s, "start", at(0), ref)
			resolved := insertVersion(t, s, ref, at(0), start.ID, `{"divinity":0.5}`)
			o.Status = model.ObservationResolved
			o.ResolvedVersion = &resolved
			o.Earliest = at(25)
			require.NoError(t, s.UpdateObservation(ctx, o))

			got, err := s.GetObservation(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, model.ObservationResolved, got.Status)
			require.NotNil(t, got.ResolvedVersion)
			assert.Equal(t, resolved, *got.ResolvedVersion)
			assert.True(t, got.Earliest.Equal(at(25)))

			o2 := &model.Observation{
				Entity:      ref,
				PerceivedAt: at(20),
				Earliest:    at(14),
				Latest:      at(21),
				Data:        json.RawMessage(`{}`),
				Status:      model.ObservationAmbiguous,
				Candidates:  []int64{3, 4},
			}
			_, err = s.InsertObservation(ctx, o2)
			require.NoError(t, err)

			// Listed in perceived-at order regardless of insert order.
			all, err := s.ListObservations(ctx, ObservationFilter{Entity: &ref})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, o2.ID, all[0].ID)
			assert.Equal(t, []int64{3, 4}, all[0].Candidates)

			ambiguous, err := s.ListObservations(ctx, ObservationFilter{
				Statuses: []model.ObservationStatus{model.ObservationAmbiguous},
			})
			require.NoError(t, err)
			require.Len(t, ambiguous, 1)

			byVersion, err := s.ListObservations(ctx, ObservationFilter{ResolvedBy: []int64{resolved}})
			require.NoError(t, err)
			require.Len(t, byVersion, 1)
			assert.Equal(t, id, byVersion[0].ID)

			latest, err := s.LatestObservationTime(ctx)
			require.NoError(t, err)
			assert.True(t, latest.Equal(at(30)))
		})
	}
}

func TestStore_Approvals(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypeGame, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a, err := s.UpsertApproval(ctx, ref, at(30), "cannot place observation")
			require.NoError(t, err)
			assert.Nil(t, a.Approved)

			// The same key upserts to the same row.
			again, err := s.UpsertApproval(ctx, ref, at(30), "cannot place observation")
			require.NoError(t, err)
			assert.Equal(t, a.ID, again.ID)

			pending, err := s.ListApprovals(ctx, true)
			require.NoError(t, err)
			require.Len(t, pending, 1)

			require.NoError(t, s.ResolveApproval(ctx, a.ID, true, "looks right"))
			pending, err = s.ListApprovals(ctx, true)
			require.NoError(t, err)
			assert.Empty(t, pending)

			all, err := s.ListApprovals(ctx, false)
			require.NoError(t, err)
			require.Len(t, all, 1)
			require.NotNil(t, all[0].Approved)
			assert.True(t, *all[0].Approved)
			require.NotNil(t, all[0].Explanation)
			assert.Equal(t, "looks right", *all[0].Explanation)
		})
	}
}

func TestStore_EntityDAG(t *testing.T) {
	ref := model.EntityRef{Type: model.EntityTypeGame, ID: uuid.New()}

	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			start := appendEvent(t, s, "start", at(0), ref)
			hit := appendEvent(t, s, "hit", at(10), ref)

			root := insertVersion(t, s, ref, at(0), start.ID, `{"v":1}`)
			a := insertVersion(t, s, ref, at(10), hit.ID, `{"v":"a"}`, root)
			b := insertVersion(t, s, ref, at(10), hit.ID, `{"v":"b"}`, root)

			dag, err := s.EntityDAG(ctx, ref)
			require.NoError(t, err)
			assert.Len(t, dag.Versions, 3)
			assert.Len(t, dag.Events, 2)
			require.Len(t, dag.Links, 2)
			assert.Equal(t, model.VersionLink{ParentID: root, ChildID: a}, dag.Links[0])
			assert.Equal(t, model.VersionLink{ParentID: root, ChildID: b}, dag.Links[1])
		})
	}
}
