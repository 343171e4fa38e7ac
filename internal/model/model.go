// Package model defines the records shared between the ingest engine, the
// store, and the command surface: events, entity versions, observations, and
// the manual approval queue.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType tags the kind of game object a record describes.
type EntityType string

const (
	EntityTypeSim    EntityType = "sim"
	EntityTypeTeam   EntityType = "team"
	EntityTypePlayer EntityType = "player"
	EntityTypeGame   EntityType = "game"
)

// EntityTypes lists every supported entity type in a deterministic order.
var EntityTypes = []EntityType{EntityTypeSim, EntityTypeTeam, EntityTypePlayer, EntityTypeGame}

// EntityRef identifies one entity. Each entity has an independent timeline.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   uuid.UUID  `json:"id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s %s", r.Type, r.ID)
}

// EventSource tags where an event came from.
type EventSource string

const (
	SourceStart  EventSource = "start"
	SourceFeed   EventSource = "feed"
	SourceTimed  EventSource = "timed"
	SourceManual EventSource = "manual"
)

// Event is one immutable state transition. Kind discriminates the payload;
// Effects lists the entities the event touches, each with event-specific
// scratch data.
type Event struct {
	ID      int64           `json:"id"`
	Time    time.Time       `json:"time"`
	Source  EventSource     `json:"source"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Effects []EventEffect   `json:"effects"`
}

// EventEffect scopes an event to one affected entity. EntityID may be
// uuid.Nil to mean every live entity of the type.
type EventEffect struct {
	EventID    int64           `json:"event_id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Aux        json.RawMessage `json:"aux,omitempty"`
}

// TimedEvent is an implicit event derived from a version's own contents,
// e.g. a season phase change the entity already knows the time of.
type TimedEvent struct {
	Time    time.Time       `json:"time"`
	Kind    string          `json:"kind"`
	Entity  EntityRef       `json:"entity"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Version is one node in an entity's DAG: one possible state over a half-open
// time interval beginning at StartTime.
type Version struct {
	ID           int64           `json:"id"`
	Entity       EntityRef       `json:"entity"`
	StartTime    time.Time       `json:"start_time"`
	State        json.RawMessage `json:"state"`
	FromEvent    int64           `json:"from_event"`
	EventAux     json.RawMessage `json:"event_aux,omitempty"`
	Observations []time.Time     `json:"observations,omitempty"`
	Terminated   *string         `json:"terminated,omitempty"`
}

// Live reports whether the version is still a possible state.
func (v Version) Live() bool {
	return v.Terminated == nil
}

// NewVersion is a successor produced by event application, not yet stored.
// ParentIDs has more than one element when previously-distinct possibilities
// collapsed into the same successor state.
type NewVersion struct {
	Entity       EntityRef       `json:"entity"`
	StartTime    time.Time       `json:"start_time"`
	State        json.RawMessage `json:"state"`
	FromEvent    int64           `json:"from_event"`
	EventAux     json.RawMessage `json:"event_aux,omitempty"`
	Observations []time.Time     `json:"observations,omitempty"`
	ParentIDs    []int64         `json:"parent_ids"`
}

// VersionLink is a parent→child edge; edges point forward in time.
type VersionLink struct {
	ParentID int64 `json:"parent_id"`
	ChildID  int64 `json:"child_id"`
}

// ObservationStatus is the placement state of a Chronicler observation.
type ObservationStatus string

const (
	ObservationPending   ObservationStatus = "pending"
	ObservationResolved  ObservationStatus = "resolved"
	ObservationAmbiguous ObservationStatus = "ambiguous"
	ObservationFailed    ObservationStatus = "failed"
)

// Observation is one Chronicler snapshot to be matched against a version.
// Earliest and Latest bound when the observed state can actually have been
// current; both tighten as placement resolves.
type Observation struct {
	ID              int64             `json:"id"`
	Entity          EntityRef         `json:"entity"`
	PerceivedAt     time.Time         `json:"perceived_at"`
	Earliest        time.Time         `json:"earliest"`
	Latest          time.Time         `json:"latest"`
	Data            json.RawMessage   `json:"data"`
	Status          ObservationStatus `json:"status"`
	ResolvedVersion *int64            `json:"resolved_version,omitempty"`
	Candidates      []int64           `json:"candidates,omitempty"`
	Mismatches      json.RawMessage   `json:"mismatches,omitempty"`
}

// Approval is one entry in the manual override queue. Approved is nil while
// the decision is pending.
type Approval struct {
	ID          int64     `json:"id"`
	Entity      EntityRef `json:"entity"`
	PerceivedAt time.Time `json:"perceived_at"`
	Message     string    `json:"message"`
	Approved    *bool     `json:"approved,omitempty"`
	Explanation *string   `json:"explanation,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EntityDAG is the full version graph for one entity, for debugging and the
// serve API.
type EntityDAG struct {
	Entity   EntityRef       `json:"entity"`
	Versions []Version       `json:"versions"`
	Links    []VersionLink   `json:"links"`
	Events   map[int64]Event `json:"events"`
}
