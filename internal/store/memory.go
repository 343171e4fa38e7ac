package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/blarser/internal/model"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = eris.New("store: not found")

// Memory is a fully in-process Store. It backs tests and ad-hoc queries that
// do not need durability; the semantics match the SQL backends exactly.
type Memory struct {
	mu sync.RWMutex

	nextEventID    int64
	nextVersionID  int64
	nextObsID      int64
	nextApprovalID int64

	events     map[int64]model.Event
	eventOrder []int64

	versions map[int64]model.Version
	byEntity map[model.EntityRef][]int64
	children map[int64][]int64
	parents  map[int64][]int64

	observations map[int64]model.Observation
	obsOrder     []int64

	approvals     map[int64]model.Approval
	approvalOrder []int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		events:       make(map[int64]model.Event),
		versions:     make(map[int64]model.Version),
		byEntity:     make(map[model.EntityRef][]int64),
		children:     make(map[int64][]int64),
		parents:      make(map[int64][]int64),
		observations: make(map[int64]model.Observation),
		approvals:    make(map[int64]model.Approval),
	}
}

func (m *Memory) Migrate(context.Context) error { return nil }
func (m *Memory) Close() error                  { return nil }

func copyVersion(v model.Version) model.Version {
	v.State = slices.Clone(v.State)
	v.EventAux = slices.Clone(v.EventAux)
	v.Observations = slices.Clone(v.Observations)
	if v.Terminated != nil {
		reason := *v.Terminated
		v.Terminated = &reason
	}
	return v
}

func copyEvent(e model.Event) model.Event {
	e.Payload = slices.Clone(e.Payload)
	e.Effects = slices.Clone(e.Effects)
	return e
}

func copyObservation(o model.Observation) model.Observation {
	o.Data = slices.Clone(o.Data)
	o.Candidates = slices.Clone(o.Candidates)
	o.Mismatches = slices.Clone(o.Mismatches)
	if o.ResolvedVersion != nil {
		id := *o.ResolvedVersion
		o.ResolvedVersion = &id
	}
	return o
}

func (m *Memory) AppendEvent(_ context.Context, e *model.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEventID++
	stored := copyEvent(*e)
	stored.ID = m.nextEventID
	for i := range stored.Effects {
		stored.Effects[i].EventID = stored.ID
	}
	m.events[stored.ID] = stored
	m.eventOrder = append(m.eventOrder, stored.ID)
	e.ID = stored.ID
	return stored.ID, nil
}

func (m *Memory) GetEvent(_ context.Context, id int64) (*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "event %d", id)
	}
	out := copyEvent(e)
	return &out, nil
}

func effectMatches(eff model.EventEffect, ref model.EntityRef) bool {
	return eff.EntityType == ref.Type && (eff.EntityID == uuid.Nil || eff.EntityID == ref.ID)
}

func (m *Memory) EventsAffecting(_ context.Context, ref model.EntityRef, after, until time.Time) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Event
	for _, id := range m.eventOrder {
		e := m.events[id]
		if !e.Time.After(after) || e.Time.After(until) {
			continue
		}
		for _, eff := range e.Effects {
			if effectMatches(eff, ref) {
				out = append(out, copyEvent(e))
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) LatestEventTime(context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	for _, e := range m.events {
		if e.Time.After(latest) {
			latest = e.Time
		}
	}
	return latest, nil
}

func (m *Memory) InsertVersions(_ context.Context, vs []model.NewVersion) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(vs))
	for _, nv := range vs {
		for _, pid := range nv.ParentIDs {
			if _, ok := m.versions[pid]; !ok {
				return nil, eris.Wrapf(ErrNotFound, "parent version %d", pid)
			}
		}

		m.nextVersionID++
		id := m.nextVersionID
		v := model.Version{
			ID:           id,
			Entity:       nv.Entity,
			StartTime:    nv.StartTime,
			State:        slices.Clone(nv.State),
			FromEvent:    nv.FromEvent,
			EventAux:     slices.Clone(nv.EventAux),
			Observations: slices.Clone(nv.Observations),
		}
		m.versions[id] = v
		m.byEntity[nv.Entity] = append(m.byEntity[nv.Entity], id)
		for _, pid := range nv.ParentIDs {
			m.children[pid] = append(m.children[pid], id)
			m.parents[id] = append(m.parents[id], pid)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) GetVersion(_ context.Context, id int64) (*model.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.versions[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "version %d", id)
	}
	out := copyVersion(v)
	return &out, nil
}

// hasLiveChildAtOrBefore reports whether any live child starts at or before t.
// Callers hold the lock.
func (m *Memory) hasLiveChildAtOrBefore(id int64, t time.Time) bool {
	for _, cid := range m.children[id] {
		c := m.versions[cid]
		if c.Terminated == nil && !c.StartTime.After(t) {
			return true
		}
	}
	return false
}

func (m *Memory) LiveVersionsAt(_ context.Context, ref model.EntityRef, t time.Time) ([]model.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Version
	for _, id := range m.byEntity[ref] {
		v := m.versions[id]
		if v.Terminated != nil || v.StartTime.After(t) {
			continue
		}
		if m.hasLiveChildAtOrBefore(id, t) {
			continue
		}
		out = append(out, copyVersion(v))
	}
	return out, nil
}

func (m *Memory) VersionsInRange(_ context.Context, ref model.EntityRef, t0, t1 time.Time) ([]model.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Version
	for _, id := range m.byEntity[ref] {
		v := m.versions[id]
		if v.Terminated != nil || v.StartTime.After(t1) {
			continue
		}
		if m.hasLiveChildAtOrBefore(id, t0) {
			continue
		}
		out = append(out, copyVersion(v))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) AncestorsUntil(_ context.Context, versionID int64, tFloor time.Time) ([]model.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.versions[versionID]; !ok {
		return nil, eris.Wrapf(ErrNotFound, "version %d", versionID)
	}

	seen := map[int64]bool{versionID: true}
	queue := slices.Clone(m.parents[versionID])
	var out []model.Version
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		v := m.versions[id]
		if v.StartTime.Before(tFloor) {
			continue
		}
		out = append(out, copyVersion(v))
		queue = append(queue, m.parents[id]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) Children(_ context.Context, versionID int64) ([]model.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Version
	for _, cid := range m.children[versionID] {
		out = append(out, copyVersion(m.versions[cid]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ParentIDs(_ context.Context, versionID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := slices.Clone(m.parents[versionID])
	slices.Sort(out)
	return out, nil
}

func (m *Memory) Terminate(_ context.Context, versionIDs []int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mark := func(id int64, why string) bool {
		v, ok := m.versions[id]
		if !ok || v.Terminated != nil {
			return false
		}
		v.Terminated = &why
		m.versions[id] = v
		return true
	}

	changed := false
	for _, id := range versionIDs {
		if _, ok := m.versions[id]; !ok {
			return eris.Wrapf(ErrNotFound, "version %d", id)
		}
		changed = mark(id, reason) || changed
	}

	// Cascade to fixpoint: a live version loses its last live child or its
	// last live parent and dies with it.
	for changed {
		changed = false
		for id, v := range m.versions {
			if v.Terminated != nil {
				continue
			}
			if kids := m.children[id]; len(kids) > 0 && m.allTerminated(kids) {
				changed = mark(id, TerminatedCascade) || changed
			}
			if parents := m.parents[id]; len(parents) > 0 && m.allTerminated(parents) {
				changed = mark(id, TerminatedOrphaned) || changed
			}
		}
	}
	return nil
}

// allTerminated reports whether every listed version is dead. Callers hold
// the lock.
func (m *Memory) allTerminated(ids []int64) bool {
	for _, id := range ids {
		if m.versions[id].Terminated == nil {
			return false
		}
	}
	return true
}

func (m *Memory) AppendObservationTime(_ context.Context, versionID int64, perceivedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[versionID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "version %d", versionID)
	}
	v.Observations = append(slices.Clone(v.Observations), perceivedAt)
	m.versions[versionID] = v
	return nil
}

func (m *Memory) UpdateVersionState(_ context.Context, versionID int64, state json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[versionID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "version %d", versionID)
	}
	v.State = slices.Clone(state)
	m.versions[versionID] = v
	return nil
}

func (m *Memory) FrontierVersions(context.Context) ([]model.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Version
	for id, v := range m.versions {
		if v.Terminated != nil {
			continue
		}
		live := false
		for _, cid := range m.children[id] {
			if m.versions[cid].Terminated == nil {
				live = true
				break
			}
		}
		if !live {
			out = append(out, copyVersion(v))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertObservation(_ context.Context, o *model.Observation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextObsID++
	stored := copyObservation(*o)
	stored.ID = m.nextObsID
	if stored.Status == "" {
		stored.Status = model.ObservationPending
	}
	m.observations[stored.ID] = stored
	m.obsOrder = append(m.obsOrder, stored.ID)
	o.ID = stored.ID
	o.Status = stored.Status
	return stored.ID, nil
}

func (m *Memory) UpdateObservation(_ context.Context, o *model.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.observations[o.ID]; !ok {
		return eris.Wrapf(ErrNotFound, "observation %d", o.ID)
	}
	m.observations[o.ID] = copyObservation(*o)
	return nil
}

func (m *Memory) GetObservation(_ context.Context, id int64) (*model.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.observations[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "observation %d", id)
	}
	out := copyObservation(o)
	return &out, nil
}

func (m *Memory) ListObservations(_ context.Context, f ObservationFilter) ([]model.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Observation
	for _, id := range m.obsOrder {
		o := m.observations[id]
		if f.Entity != nil && o.Entity != *f.Entity {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, o.Status) {
			continue
		}
		if len(f.ResolvedBy) > 0 && (o.ResolvedVersion == nil || !slices.Contains(f.ResolvedBy, *o.ResolvedVersion)) {
			continue
		}
		out = append(out, copyObservation(o))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PerceivedAt.Equal(out[j].PerceivedAt) {
			return out[i].PerceivedAt.Before(out[j].PerceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) LatestObservationTime(context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	for _, o := range m.observations {
		if o.PerceivedAt.After(latest) {
			latest = o.PerceivedAt
		}
	}
	return latest, nil
}

func (m *Memory) UpsertApproval(_ context.Context, ref model.EntityRef, perceivedAt time.Time, message string) (*model.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.approvalOrder {
		a := m.approvals[id]
		if a.Entity == ref && a.PerceivedAt.Equal(perceivedAt) && a.Message == message {
			out := a
			return &out, nil
		}
	}

	m.nextApprovalID++
	a := model.Approval{
		ID:          m.nextApprovalID,
		Entity:      ref,
		PerceivedAt: perceivedAt,
		Message:     message,
		CreatedAt:   time.Now().UTC(),
	}
	m.approvals[a.ID] = a
	m.approvalOrder = append(m.approvalOrder, a.ID)
	out := a
	return &out, nil
}

func (m *Memory) ResolveApproval(_ context.Context, id int64, approved bool, explanation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "approval %d", id)
	}
	a.Approved = &approved
	if explanation != "" {
		a.Explanation = &explanation
	}
	m.approvals[id] = a
	return nil
}

func (m *Memory) ListApprovals(_ context.Context, pendingOnly bool) ([]model.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Approval
	for _, id := range m.approvalOrder {
		a := m.approvals[id]
		if pendingOnly && a.Approved != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *Memory) EntityDAG(_ context.Context, ref model.EntityRef) (*model.EntityDAG, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dag := &model.EntityDAG{Entity: ref, Events: make(map[int64]model.Event)}
	for _, id := range m.byEntity[ref] {
		v := m.versions[id]
		dag.Versions = append(dag.Versions, copyVersion(v))
		if e, ok := m.events[v.FromEvent]; ok {
			dag.Events[e.ID] = copyEvent(e)
		}
		for _, pid := range m.parents[id] {
			dag.Links = append(dag.Links, model.VersionLink{ParentID: pid, ChildID: id})
		}
	}
	sort.SliceStable(dag.Versions, func(i, j int) bool { return dag.Versions[i].ID < dag.Versions[j].ID })
	sort.SliceStable(dag.Links, func(i, j int) bool {
		if dag.Links[i].ChildID != dag.Links[j].ChildID {
			return dag.Links[i].ChildID < dag.Links[j].ChildID
		}
		return dag.Links[i].ParentID < dag.Links[j].ParentID
	})
	return dag, nil
}

var _ Store = (*Memory)(nil)
