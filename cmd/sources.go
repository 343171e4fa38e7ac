package main

import (
	"context"

	"github.com/google/uuid"

	"github.com/sells-group/blarser/internal/ingest"
	"github.com/sells-group/blarser/internal/model"
	"github.com/sells-group/blarser/pkg/chronicler"
	"github.com/sells-group/blarser/pkg/feed"
)

// chronEntityTypes lists the Chronicler endpoints we track, in merge order.
var chronEntityTypes = []string{"sim", "team", "player", "game"}

func entityRefOf(entityType string, id uuid.UUID) model.EntityRef {
	return model.EntityRef{Type: model.EntityType(entityType), ID: id}
}

// toModelEvent translates a wire feed event into the engine's event record,
// deriving the affected-entity set from the event's tags.
func toModelEvent(e *feed.Event) *model.Event {
	out := &model.Event{
		Time:    e.Created,
		Source:  model.SourceFeed,
		Kind:    e.Type,
		Payload: e.Metadata,
	}
	for _, id := range e.GameTags {
		out.Effects = append(out.Effects, model.EventEffect{EntityType: model.EntityTypeGame, EntityID: id})
	}
	for _, id := range e.TeamTags {
		out.Effects = append(out.Effects, model.EventEffect{EntityType: model.EntityTypeTeam, EntityID: id})
	}
	for _, id := range e.PlayerTags {
		out.Effects = append(out.Effects, model.EventEffect{EntityType: model.EntityTypePlayer, EntityID: id})
	}
	return out
}

// feedSource adapts a feed stream to the ingest loop's contract.
type feedSource struct {
	stream *feed.Stream
}

func (s *feedSource) Peek(ctx context.Context) (*ingest.FeedItem, error) {
	e, err := s.stream.Peek(ctx)
	if err != nil || e == nil {
		return nil, err
	}
	return &ingest.FeedItem{IngestTime: e.Created, Event: toModelEvent(e)}, nil
}

func (s *feedSource) Next(ctx context.Context) (*ingest.FeedItem, error) {
	e, err := s.stream.Next(ctx)
	if err != nil || e == nil {
		return nil, err
	}
	return &ingest.FeedItem{IngestTime: e.Created, Event: toModelEvent(e)}, nil
}

// chronSource adapts a merged Chronicler stream to the ingest loop's contract.
type chronSource struct {
	stream *chronicler.Stream
}

func (s *chronSource) Next(ctx context.Context) (*ingest.ChronItem, error) {
	obs, err := s.stream.Next(ctx)
	if err != nil || obs == nil {
		return nil, err
	}
	return &ingest.ChronItem{
		Entity:      model.EntityRef{Type: model.EntityType(obs.EntityType), ID: obs.Item.EntityID},
		PerceivedAt: obs.Item.ValidFrom,
		Data:        obs.Item.Data,
	}, nil
}
