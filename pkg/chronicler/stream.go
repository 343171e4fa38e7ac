package chronicler

import (
	"context"
	"time"
)

// typeCursor tracks one entity type's paginated progress.
type typeCursor struct {
	entityType string
	page       string
	buf        []Item
	drained    bool
}

// Stream merges the versioned snapshots of several entity types into a
// single sequence ordered by validFrom, the order resolution consumes them.
type Stream struct {
	client   Client
	after    time.Time
	pageSize int
	cursors  []*typeCursor
}

// Observed pairs an item with the entity type it came from.
type Observed struct {
	EntityType string
	Item       Item
}

// NewStream creates a merged Stream over the given entity types, starting
// after the given instant.
func NewStream(client Client, after time.Time, pageSize int, entityTypes ...string) *Stream {
	s := &Stream{client: client, after: after, pageSize: pageSize}
	for _, et := range entityTypes {
		s.cursors = append(s.cursors, &typeCursor{entityType: et})
	}
	return s
}

func (s *Stream) fill(ctx context.Context, c *typeCursor) error {
	if len(c.buf) > 0 || c.drained {
		return nil
	}
	page, err := s.client.Versions(ctx, c.entityType, s.after, c.page, s.pageSize)
	if err != nil {
		return err
	}
	if len(page.Items) == 0 {
		c.drained = true
		return nil
	}
	c.buf = page.Items
	c.page = page.NextPage
	return nil
}

// Next returns the earliest pending snapshot across all types, or nil when
// every type is drained.
func (s *Stream) Next(ctx context.Context) (*Observed, error) {
	var chosen *typeCursor
	for _, c := range s.cursors {
		if err := s.fill(ctx, c); err != nil {
			return nil, err
		}
		if len(c.buf) == 0 {
			continue
		}
		if chosen == nil || c.buf[0].ValidFrom.Before(chosen.buf[0].ValidFrom) {
			chosen = c
		}
	}
	if chosen == nil {
		return nil, nil
	}
	item := chosen.buf[0]
	chosen.buf = chosen.buf[1:]
	return &Observed{EntityType: chosen.entityType, Item: item}, nil
}
