package ingest

import (
	"sync"

	"github.com/sells-group/blarser/internal/model"
)

// entityLeases serializes work on a single entity. Different entities proceed
// independently; the lease map itself is only locked long enough to find or
// create the per-entity mutex.
type entityLeases struct {
	mu     sync.Mutex
	leases map[model.EntityRef]*sync.Mutex
}

func newEntityLeases() *entityLeases {
	return &entityLeases{leases: make(map[model.EntityRef]*sync.Mutex)}
}

// acquire locks the entity and returns its release function.
func (l *entityLeases) acquire(ref model.EntityRef) func() {
	l.mu.Lock()
	lease, ok := l.leases[ref]
	if !ok {
		lease = &sync.Mutex{}
		l.leases[ref] = lease
	}
	l.mu.Unlock()

	lease.Lock()
	return lease.Unlock
}
