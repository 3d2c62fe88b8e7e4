// Package coordinator wires the sync core together: connectivity
// transitions drive subscription reconnection and outbox draining, and
// a single status surface exposes per-table sync state to UI-facing
// collaborators.
//
// The coordinator is an explicitly constructed instance owned by
// application startup and passed by reference to consumers; there is
// no ambient global. Nothing in it can crash the host process: every
// failure degrades to a visible status flag.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pocketpilot/syncd/internal/connectivity"
	"github.com/pocketpilot/syncd/internal/outbox"
	"github.com/pocketpilot/syncd/internal/remote"
	"github.com/pocketpilot/syncd/internal/store"
	"github.com/pocketpilot/syncd/internal/subscription"
)

// State is the coordinator's top-level state.
type State string

const (
	// StateIdle means no drain is in progress.
	StateIdle State = "idle"

	// StateSyncing means a drain pass is running.
	StateSyncing State = "syncing"
)

// Config holds configuration for the coordinator.
type Config struct {
	// Tables the coordinator subscribes to at startup. Consumers may
	// add further (table, filter) subscriptions through Subscribe.
	Tables []string

	// DrainDebounce batches rapid enqueues into one drain pass.
	DrainDebounce time.Duration

	// Subscription overrides the subscription manager defaults.
	Subscription *subscription.Config

	// Outbox overrides the outbox processor defaults.
	Outbox *outbox.Config

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainDebounce: 250 * time.Millisecond,
		Logger:        log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// Coordinator orchestrates the sync subsystem.
type Coordinator struct {
	st      *store.Store
	monitor *connectivity.Monitor
	subs    *subscription.Manager
	proc    *outbox.Processor
	auth    AuthProvider
	config  *Config

	mu          sync.Mutex
	state       State
	drainTimer  *time.Timer
	drainCancel context.CancelFunc
	observers   *observerSet

	statusKick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator and its subscription manager and outbox
// processor, wiring their status notifications back into the
// coordinator's health surface.
//
// st must be open with schema initialized. auth may be nil when no
// authentication collaborator exists (local development backends).
func New(st *store.Store, monitor *connectivity.Monitor, dialer remote.StreamDialer,
	mutator remote.Mutator, auth AuthProvider, config *Config) (*Coordinator, error) {

	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("connectivity monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	if config.DrainDebounce == 0 {
		config.DrainDebounce = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		st:         st,
		monitor:    monitor,
		auth:       auth,
		config:     config,
		state:      StateIdle,
		observers:  newObserverSet(),
		statusKick: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	subCfg := config.Subscription
	if subCfg == nil {
		subCfg = subscription.DefaultConfig()
	}
	subCfg.Tables = config.Tables
	subCfg.Notify = c.requestStatus

	subs, err := subscription.New(dialer, st, subCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create subscription manager: %w", err)
	}
	c.subs = subs

	outCfg := config.Outbox
	if outCfg == nil {
		outCfg = outbox.DefaultConfig()
	}
	outCfg.Notify = c.requestStatus
	outCfg.OnNetworkError = func() { monitor.Report(false) }

	proc, err := outbox.New(st, mutator, outCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create outbox processor: %w", err)
	}
	c.proc = proc

	return c, nil
}

// Start opens channels for the configured tables, starts connectivity
// probing, and begins reacting to events. An initial drain is
// scheduled in case the outbox carries entries from a previous run.
func (c *Coordinator) Start() error {
	c.config.Logger.Println("Starting sync coordinator")

	for _, table := range c.config.Tables {
		if _, err := c.subs.Subscribe(table, "", subscription.Callbacks{
			OnInsert: c.entityChanged(remote.ActionInsert),
			OnUpdate: c.entityChanged(remote.ActionUpdate),
			OnDelete: c.entityChanged(remote.ActionDelete),
		}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", table, err)
		}
	}

	c.monitor.Start()

	c.wg.Add(1)
	go c.loop()

	c.requestDrain()
	return nil
}

// Stop tears down the subsystem: subscriptions close, in-flight drain
// and reconnect timers are cancelled, and the connectivity monitor
// stops. Stop returns only after the event loop and any in-flight
// drain pass have exited, so the caller may close the store
// immediately afterwards. The local store stays open; it belongs to
// the caller.
func (c *Coordinator) Stop() {
	c.config.Logger.Println("Stopping sync coordinator")

	c.cancel()

	c.mu.Lock()
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	if c.drainCancel != nil {
		c.drainCancel()
	}
	c.mu.Unlock()

	c.subs.Close()
	c.monitor.Stop()
	c.wg.Wait()

	c.config.Logger.Println("Sync coordinator stopped")
}

// Subscribe registers a consumer for live updates, forwarding to the
// subscription manager. Returns a handle for Unsubscribe.
func (c *Coordinator) Subscribe(table, filter string, cb subscription.Callbacks) (string, error) {
	return c.subs.Subscribe(table, filter, cb)
}

// Unsubscribe removes one consumer registration.
func (c *Coordinator) Unsubscribe(handle string) error {
	return c.subs.Unsubscribe(handle)
}

// Enqueue records a local mutation (optimistic write plus outbox
// entry) and schedules a drain if connectivity allows. Returns the
// mutation's idempotency key.
func (c *Coordinator) Enqueue(ctx context.Context, entityType, id string, op store.Op, payload map[string]any) (string, error) {
	key, err := c.proc.Enqueue(ctx, entityType, id, op, payload)
	if err != nil {
		return "", err
	}
	c.requestDrain()
	return key, nil
}

// RetryDeadLetter returns a dead-letter mutation to the pending queue
// and schedules a drain.
func (c *Coordinator) RetryDeadLetter(ctx context.Context, idempotencyKey string) error {
	if err := c.proc.RetryDeadLetter(ctx, idempotencyKey); err != nil {
		return err
	}
	c.requestDrain()
	return nil
}

// DiscardDeadLetter permanently drops a dead-letter mutation.
func (c *Coordinator) DiscardDeadLetter(ctx context.Context, idempotencyKey string) error {
	return c.proc.DiscardDeadLetter(ctx, idempotencyKey)
}

// ResolveConflict clears an entity's conflict flag after the user
// chose a resolution. keepLocal re-enqueues the local snapshot as a
// fresh mutation; otherwise the cached server state stands.
func (c *Coordinator) ResolveConflict(ctx context.Context, entityType, id string, keepLocal bool) error {
	if keepLocal {
		e, err := c.st.GetEntity(ctx, entityType, id)
		if err != nil {
			return fmt.Errorf("failed to load conflicted entity: %w", err)
		}
		if _, err := c.Enqueue(ctx, entityType, id, store.OpUpdate, e.Payload); err != nil {
			return err
		}
		return nil
	}

	if err := c.st.MarkState(ctx, entityType, id, store.StateSynced); err != nil {
		return fmt.Errorf("failed to clear conflict: %w", err)
	}
	c.requestStatus()
	return nil
}

// loop is the coordinator's event loop. All orchestration decisions
// happen here, serialized.
func (c *Coordinator) loop() {
	defer c.wg.Done()

	var authEvents <-chan AuthEvent
	if c.auth != nil {
		authEvents = c.auth.Events()
	}

	for {
		select {
		case <-c.ctx.Done():
			return

		case online, ok := <-c.monitor.Events():
			if !ok {
				return
			}
			if online {
				c.config.Logger.Println("Connectivity restored, reconnecting and draining")
				c.subs.ReconnectAll()
				c.requestDrain()
			} else {
				c.config.Logger.Println("Connectivity lost, suspending subscriptions")
				c.cancelDrain()
				c.subs.Suspend()
			}
			c.requestStatus()

		case ev, ok := <-authEvents:
			if !ok {
				authEvents = nil
				continue
			}
			c.handleAuthEvent(ev)

		case <-c.statusKick:
			c.publishStatus()
		}
	}
}

func (c *Coordinator) handleAuthEvent(ev AuthEvent) {
	switch ev.Kind {
	case AuthSignedOut:
		// Connections are torn down but consumer registrations stay,
		// so sync resumes without re-subscribing on the next sign-in.
		c.config.Logger.Println("Signed out, suspending subscriptions")
		c.cancelDrain()
		c.subs.Suspend()

	case AuthSignedIn:
		c.config.Logger.Println("Signed in, re-establishing subscriptions")
		c.subs.ReconnectAll()
		c.requestDrain()

	case AuthTokenRefreshed:
		// Mutation requests pick up the new token per call; streams
		// authenticated with the old token reconnect on demand.
		c.subs.ReconnectAll()
	}
	c.requestStatus()
}

// requestDrain schedules a drain pass after the debounce window,
// collapsing bursts of enqueues into one pass.
func (c *Coordinator) requestDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil || c.drainTimer != nil {
		return
	}
	c.drainTimer = time.AfterFunc(c.config.DrainDebounce, c.drainNow)
}

func (c *Coordinator) drainNow() {
	c.mu.Lock()
	c.drainTimer = nil
	if c.ctx.Err() != nil || !c.monitor.Online() {
		c.mu.Unlock()
		return
	}
	if c.state == StateSyncing {
		// Another pass is still running; its snapshot predates whatever
		// triggered this one, so try again once it finishes.
		c.mu.Unlock()
		c.requestDrain()
		return
	}
	drainCtx, cancel := context.WithCancel(c.ctx)
	c.drainCancel = cancel
	c.state = StateSyncing
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	c.requestStatus()

	if err := c.proc.Drain(drainCtx); err != nil && drainCtx.Err() == nil {
		c.config.Logger.Printf("Drain failed: %v", err)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.drainCancel = nil
	c.mu.Unlock()
	cancel()

	c.requestStatus()

	// Mutations enqueued after the pass snapshotted its entries were
	// not part of it; schedule another pass so nothing is stranded.
	if c.ctx.Err() == nil && c.monitor.Online() {
		if n, err := c.proc.PendingCount(c.ctx); err == nil && n > 0 {
			c.requestDrain()
		}
	}
}

// cancelDrain aborts an in-flight drain pass, e.g. when connectivity
// drops mid-drain.
func (c *Coordinator) cancelDrain() {
	c.mu.Lock()
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	cancel := c.drainCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// entityChanged builds the fan-out callback the coordinator registers
// for its own table subscriptions: entity updates flow to observers
// (diagnostics, logging), reads go through the store.
func (c *Coordinator) entityChanged(action remote.Action) func(entityType, id string) {
	return func(entityType, id string) {
		c.observers.notifyEntity(EntityChange{
			Table:  entityType,
			ID:     id,
			Action: action,
		})
	}
}
