package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketpilot/syncd/internal/remote"
	"github.com/pocketpilot/syncd/internal/store"
	"github.com/pocketpilot/syncd/internal/subscription"
)

// TableStatus is the per-table slice of the health snapshot.
type TableStatus struct {
	Table     string                       `json:"table"`
	Connected int                          `json:"connected"`
	Channels  []subscription.ChannelStatus `json:"channels,omitempty"`
	Conflicts int                          `json:"conflicts"`
}

// HealthStatus is an aggregate snapshot of the whole subsystem for
// external observers: diagnostics UI, logging collaborators.
type HealthStatus struct {
	State           State                  `json:"state"`
	Online          bool                   `json:"online"`
	Tables          map[string]TableStatus `json:"tables"`
	PendingCount    int                    `json:"pending_count"`
	DeadLetterCount int                    `json:"dead_letter_count"`
	LastSyncAt      time.Time              `json:"last_sync_at,omitempty"`
}

// EntityChange notifies observers that an entity changed in the local
// store. The snapshot itself is read from the store.
type EntityChange struct {
	Table  string        `json:"table"`
	ID     string        `json:"id"`
	Action remote.Action `json:"action"`
}

// StatusObserver receives health snapshots. Called from the
// coordinator's event loop; must not block.
type StatusObserver func(HealthStatus)

// EntityObserver receives entity change notices. Must not block.
type EntityObserver func(EntityChange)

// HealthStatus computes a fresh aggregate snapshot. Synchronous and
// safe to call from any goroutine; never blocks on network activity.
func (c *Coordinator) HealthStatus() HealthStatus {
	ctx := context.Background()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	hs := HealthStatus{
		State:  state,
		Online: c.monitor.Online(),
		Tables: make(map[string]TableStatus),
	}

	for _, cs := range c.subs.AllStatuses() {
		ts := hs.Tables[cs.Table]
		ts.Table = cs.Table
		ts.Channels = append(ts.Channels, cs)
		if cs.State == subscription.StatusConnected {
			ts.Connected++
		}
		hs.Tables[cs.Table] = ts
	}

	for table, ts := range hs.Tables {
		if n, err := c.st.CountByState(ctx, table, store.StateConflict); err == nil {
			ts.Conflicts = n
			hs.Tables[table] = ts
		}
	}

	if n, err := c.st.PendingCount(ctx); err == nil {
		hs.PendingCount = n
	} else {
		c.config.Logger.Printf("Warning: failed to count pending entries: %v", err)
	}
	if n, err := c.st.DeadLetterCount(ctx); err == nil {
		hs.DeadLetterCount = n
	}
	if t, err := c.st.LastSyncAt(ctx); err == nil {
		hs.LastSyncAt = t
	}

	return hs
}

// ObserveStatus registers a read-only status observer. Returns a
// handle for RemoveObserver.
func (c *Coordinator) ObserveStatus(fn StatusObserver) string {
	return c.observers.addStatus(fn)
}

// ObserveEntities registers a read-only entity change observer.
// Returns a handle for RemoveObserver.
func (c *Coordinator) ObserveEntities(fn EntityObserver) string {
	return c.observers.addEntity(fn)
}

// RemoveObserver drops a previously registered observer of either
// kind.
func (c *Coordinator) RemoveObserver(handle string) {
	c.observers.remove(handle)
}

// requestStatus asks the event loop to publish a fresh snapshot.
// Non-blocking: a pending request already covers this one.
func (c *Coordinator) requestStatus() {
	select {
	case c.statusKick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) publishStatus() {
	c.observers.notifyStatus(c.HealthStatus())
}

// observerSet holds registered observers behind one lock.
type observerSet struct {
	mu     sync.Mutex
	status map[string]StatusObserver
	entity map[string]EntityObserver
}

func newObserverSet() *observerSet {
	return &observerSet{
		status: make(map[string]StatusObserver),
		entity: make(map[string]EntityObserver),
	}
}

func (o *observerSet) addStatus(fn StatusObserver) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	handle := uuid.NewString()
	o.status[handle] = fn
	return handle
}

func (o *observerSet) addEntity(fn EntityObserver) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	handle := uuid.NewString()
	o.entity[handle] = fn
	return handle
}

func (o *observerSet) remove(handle string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.status, handle)
	delete(o.entity, handle)
}

func (o *observerSet) notifyStatus(hs HealthStatus) {
	o.mu.Lock()
	fns := make([]StatusObserver, 0, len(o.status))
	for _, fn := range o.status {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(hs)
	}
}

func (o *observerSet) notifyEntity(ec EntityChange) {
	o.mu.Lock()
	fns := make([]EntityObserver, 0, len(o.entity))
	for _, fn := range o.entity {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(ec)
	}
}
