package feed

import (
	"context"
	"time"
)

// Stream iterates the feed in created order through cursor pagination.
// Once a page comes back empty the stream reports end-of-data on every later
// call; it does not poll the feed again.
type Stream struct {
	client   Client
	cursor   time.Time
	pageSize int
	buf      []Event
	drained  bool
}

// NewStream creates a Stream starting strictly after the given instant.
func NewStream(client Client, after time.Time, pageSize int) *Stream {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Stream{client: client, cursor: after, pageSize: pageSize}
}

func (s *Stream) fill(ctx context.Context) error {
	if len(s.buf) > 0 || s.drained {
		return nil
	}
	events, err := s.client.Events(ctx, s.cursor, s.pageSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		s.drained = true
		return nil
	}
	s.buf = events
	s.cursor = events[len(events)-1].Created
	return nil
}

// Peek returns the next event without consuming it, or nil when caught up.
func (s *Stream) Peek(ctx context.Context) (*Event, error) {
	if err := s.fill(ctx); err != nil {
		return nil, err
	}
	if len(s.buf) == 0 {
		return nil, nil
	}
	return &s.buf[0], nil
}

// Next consumes and returns the next event, or nil when caught up.
func (s *Stream) Next(ctx context.Context) (*Event, error) {
	if err := s.fill(ctx); err != nil {
		return nil, err
	}
	if len(s.buf) == 0 {
		return nil, nil
	}
	e := s.buf[0]
	s.buf = s.buf[1:]
	return &e, nil
}
