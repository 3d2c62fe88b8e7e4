package subscription

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pocketpilot/syncd/internal/remote"
	"github.com/pocketpilot/syncd/internal/store"
)

// dialTimeout bounds one connection attempt; the retry loop handles
// anything slower.
const dialTimeout = 10 * time.Second

// channel is one live change-stream connection for a (table, filter)
// pair, plus its registered consumers.
type channel struct {
	key    channelKey
	dialer remote.StreamDialer
	st     *store.Store
	config *Config

	mu          sync.Mutex
	consumers   map[string]Callbacks
	state       Status
	lastEventAt time.Time

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newChannel(key channelKey, dialer remote.StreamDialer, st *store.Store, config *Config) *channel {
	return &channel{
		key:       key,
		dialer:    dialer,
		st:        st,
		config:    config,
		consumers: make(map[string]Callbacks),
		state:     StatusDisconnected,
	}
}

func (c *channel) addConsumer(handle string, cb Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers[handle] = cb
}

// removeConsumer drops one consumer and returns how many remain.
func (c *channel) removeConsumer(handle string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.consumers, handle)
	return len(c.consumers)
}

func (c *channel) status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelStatus{
		Table:       c.key.table,
		Filter:      c.key.filter,
		State:       c.state,
		Consumers:   len(c.consumers),
		LastEventAt: c.lastEventAt,
	}
}

// start launches the connection loop. Idempotent: a running channel is
// left alone.
func (c *channel) start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx, c.done)
}

// stop cancels the connection loop and waits for it to exit, releasing
// the stream and any pending reconnect timer. Consumer registrations
// are untouched.
func (c *channel) stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// run is the connection loop: dial, read until failure, back off,
// repeat. Exits only on cancellation.
func (c *channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(StatusDisconnected)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StatusConnecting)

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		stream, err := c.dialer.DialStream(dialCtx, c.key.table, c.key.filter)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := backoffDelay(c.config.BackoffBase, c.config.BackoffCap, attempt)
			c.config.Logger.Printf("Channel %s connect failed (attempt %d, next in %v): %v",
				keyString(c.key), attempt, delay.Round(time.Millisecond), err)
			c.setState(StatusDisconnected)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		c.setState(StatusConnected)
		c.config.Logger.Printf("Channel %s connected", keyString(c.key))

		err = c.readLoop(ctx, stream)
		_ = stream.Close()

		if ctx.Err() != nil {
			return
		}

		attempt++
		delay := backoffDelay(c.config.BackoffBase, c.config.BackoffCap, attempt)
		c.config.Logger.Printf("Channel %s disconnected (retry in %v): %v",
			keyString(c.key), delay.Round(time.Millisecond), err)
		c.setState(StatusDisconnected)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// readLoop receives events until the stream fails.
func (c *channel) readLoop(ctx context.Context, stream remote.EventStream) error {
	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		c.dispatch(ctx, ev)
	}
}

// dispatch merges one event into the local store, then fans out to
// consumers. Stale events (older revision than cached) are dropped
// before fan-out.
func (c *channel) dispatch(ctx context.Context, ev *remote.Event) {
	c.mu.Lock()
	c.lastEventAt = time.Now()
	c.mu.Unlock()

	switch ev.Action {
	case remote.ActionInsert, remote.ActionUpdate:
		applied, err := c.st.MergeRemote(ctx, &store.Entity{
			Type:     ev.Entity.Table,
			ID:       ev.Entity.ID,
			Revision: ev.Entity.Revision,
			Payload:  ev.Entity.Payload,
		})
		if err != nil {
			c.config.Logger.Printf("Channel %s merge failed for %s/%s: %v",
				keyString(c.key), ev.Entity.Table, ev.Entity.ID, err)
			return
		}
		if !applied {
			return
		}
		if ev.Action == remote.ActionInsert {
			c.fanOut(func(cb Callbacks) func(string, string) { return cb.OnInsert },
				ev.Entity.Table, ev.Entity.ID)
		} else {
			c.fanOut(func(cb Callbacks) func(string, string) { return cb.OnUpdate },
				ev.Entity.Table, ev.Entity.ID)
		}

	case remote.ActionDelete:
		state, err := c.st.MergeRemoteDelete(ctx, ev.Entity.Table, ev.Entity.ID)
		if err != nil {
			c.config.Logger.Printf("Channel %s delete merge failed for %s/%s: %v",
				keyString(c.key), ev.Entity.Table, ev.Entity.ID, err)
			return
		}
		if state == store.StateConflict {
			// Local edits were pending; the entity is flagged instead
			// of removed and consumers see it as an update.
			c.config.Logger.Printf("Channel %s: remote delete of %s/%s conflicts with pending local edits",
				keyString(c.key), ev.Entity.Table, ev.Entity.ID)
			c.fanOut(func(cb Callbacks) func(string, string) { return cb.OnUpdate },
				ev.Entity.Table, ev.Entity.ID)
			return
		}
		c.fanOut(func(cb Callbacks) func(string, string) { return cb.OnDelete },
			ev.Entity.Table, ev.Entity.ID)
	}
}

// fanOut delivers one event to every consumer. Each callback runs
// isolated: a panic in one consumer is logged and the rest still
// receive the event.
func (c *channel) fanOut(pick func(Callbacks) func(entityType, id string), entityType, id string) {
	c.mu.Lock()
	callbacks := make([]func(string, string), 0, len(c.consumers))
	for _, cb := range c.consumers {
		if fn := pick(cb); fn != nil {
			callbacks = append(callbacks, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range callbacks {
		c.invoke(fn, entityType, id)
	}
}

func (c *channel) invoke(fn func(entityType, id string), entityType, id string) {
	defer func() {
		if r := recover(); r != nil {
			c.config.Logger.Printf("Channel %s: consumer callback panicked for %s/%s: %v",
				keyString(c.key), entityType, id, r)
		}
	}()
	fn(entityType, id)
}

func (c *channel) setState(s Status) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	notify := c.config.Notify
	c.mu.Unlock()

	if changed && notify != nil {
		notify()
	}
}

// backoffDelay computes the delay before the given attempt using
// bounded exponential backoff with full jitter: a uniform draw from
// [0, min(cap, base<<attempt)).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	max := base
	for i := 1; i < attempt; i++ {
		max *= 2
		if max >= cap {
			max = cap
			break
		}
	}
	if max > cap {
		max = cap
	}

	return time.Duration(rand.Int64N(int64(max)))
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
