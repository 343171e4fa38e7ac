package ingest

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"

	"github.com/sells-group/blarser/internal/model"
)

// mergedSuccessors collects the successor states produced by applying one
// event across a frontier. Structurally equal successors from different
// parents collapse into a single child with multiple parents.
type mergedSuccessors struct {
	successors []model.NewVersion
}

func newMergedSuccessors() *mergedSuccessors {
	return &mergedSuccessors{}
}

// add records one successor for a parent. Equality is on the canonical
// (state, aux) pair.
func (m *mergedSuccessors) add(parentID int64, entity model.EntityRef, startTime time.Time, fromEvent int64, state, aux json.RawMessage) {
	for i := range m.successors {
		s := &m.successors[i]
		if bytes.Equal(s.State, state) && bytes.Equal(s.EventAux, aux) {
			if !slices.Contains(s.ParentIDs, parentID) {
				s.ParentIDs = append(s.ParentIDs, parentID)
			}
			return
		}
	}
	m.successors = append(m.successors, model.NewVersion{
		Entity:    entity,
		StartTime: startTime,
		State:     state,
		FromEvent: fromEvent,
		EventAux:  aux,
		ParentIDs: []int64{parentID},
	})
}

func (m *mergedSuccessors) empty() bool {
	return len(m.successors) == 0
}

func (m *mergedSuccessors) all() []model.NewVersion {
	return m.successors
}
