// Package ingest is the version-DAG engine: it advances per-entity DAGs by
// applying feed and timed events, and shrinks them by resolving Chronicler
// observations against candidate versions.
package ingest

import "github.com/rotisserie/eris"

// ErrUnresolvableEvent means every live version of an affected entity was
// terminated by an event: the event cannot be explained by any tracked
// possibility. Fatal for the ingest run until manually approved.
var ErrUnresolvableEvent = eris.New("ingest: event terminates every live version")

// ErrClockInversion means an event arrived with an event_time earlier than
// one already applied, which indicates upstream corruption.
var ErrClockInversion = eris.New("ingest: event time precedes applied horizon")

// ErrHorizonTimeout means a horizon wait expired before the feed caught up;
// the waiting observation is deferred, not failed.
var ErrHorizonTimeout = eris.New("ingest: horizon wait timed out")
