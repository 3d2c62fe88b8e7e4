// Package outbox drains the durable mutation outbox against the
// backend's mutation API.
//
// Delivery is at-least-once: every entry carries an idempotency key
// assigned at enqueue time, so a retried request whose earlier attempt
// actually succeeded server-side is deduplicated rather than
// double-applied. Entries for the same entity are sent strictly in
// enqueue order to preserve the causal ordering of edits; entries for
// different entities drain concurrently up to a bounded limit.
//
// Failures follow the sync core's error taxonomy: transient failures
// are retried with backoff against a bounded attempt budget, permanent
// failures dead-letter the entry immediately, and stale-revision
// conflicts dead-letter the entry and flag the entity as conflicted.
// Dead-letter entries are surfaced, never dropped.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pocketpilot/syncd/internal/remote"
	"github.com/pocketpilot/syncd/internal/store"
)

// Config holds configuration for the processor.
type Config struct {
	// MaxAttempts is the retry budget per entry. Once exhausted the
	// entry moves to dead-letter.
	MaxAttempts int

	// Concurrency bounds how many entities drain in parallel.
	Concurrency int

	// BackoffBase is the initial in-pass retry delay.
	BackoffBase time.Duration

	// BackoffCap bounds the in-pass retry delay.
	BackoffCap time.Duration

	// Notify, if set, is invoked after enqueue and after every drain
	// pass. Must not block.
	Notify func()

	// OnNetworkError, if set, is invoked when a delivery fails at the
	// transport level (no HTTP status). Lets the connectivity monitor
	// learn about loss from request-level failures.
	OnNetworkError func()

	// Logger for processor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 8,
		Concurrency: 4,
		BackoffBase: 1 * time.Second,
		BackoffCap:  30 * time.Second,
		Logger:      log.New(os.Stderr, "[outbox] ", log.LstdFlags),
	}
}

// Processor drains the outbox held in the local store.
type Processor struct {
	st      *store.Store
	mutator remote.Mutator
	config  *Config

	mu       sync.Mutex
	draining bool
}

// New creates a processor over st, delivering through mutator.
func New(st *store.Store, mutator remote.Mutator, config *Config) (*Processor, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if mutator == nil {
		return nil, fmt.Errorf("mutator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 8
	}
	if config.Concurrency == 0 {
		config.Concurrency = 4
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 1 * time.Second
	}
	if config.BackoffCap == 0 {
		config.BackoffCap = 30 * time.Second
	}

	return &Processor{
		st:      st,
		mutator: mutator,
		config:  config,
	}, nil
}

// Enqueue records one local mutation: the optimistic store write and
// the outbox entry land in a single transaction, with a fresh
// idempotency key assigned up front. Returns the key.
func (p *Processor) Enqueue(ctx context.Context, entityType, id string, op store.Op, payload map[string]any) (string, error) {
	key := uuid.NewString()

	entry := &store.OutboxEntry{
		IdempotencyKey: key,
		EntityType:     entityType,
		EntityID:       id,
		Op:             op,
		Payload:        payload,
	}
	if err := p.st.Enqueue(ctx, entry); err != nil {
		return "", fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	p.config.Logger.Printf("Enqueued %s %s/%s (%s)", op, entityType, id, shortKey(key))
	p.notify()
	return key, nil
}

// Drain processes pending entries until the outbox is empty or ctx is
// cancelled. Entries are grouped per entity; groups run concurrently
// under the configured limit while each group stays strictly FIFO.
//
// Drain is serialized: a call that finds another drain in progress
// returns immediately.
func (p *Processor) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
		p.notify()
	}()

	entries, err := p.st.PendingEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	p.config.Logger.Printf("Draining %d pending entries", len(entries))

	groups := groupByEntity(entries)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for _, group := range groups {
		g.Go(func() error {
			return p.drainGroup(gctx, group)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("drain aborted: %w", err)
	}

	// A clean pass with nothing left pending counts as a successful
	// sync.
	n, err := p.st.PendingCount(ctx)
	if err == nil && n == 0 {
		if err := p.st.SetLastSyncAt(ctx, time.Now()); err != nil {
			p.config.Logger.Printf("Warning: failed to record sync time: %v", err)
		}
	}

	return nil
}

// drainGroup sends one entity's entries in order. A transient failure
// retries in place with backoff until the entry's budget is exhausted;
// the group never skips ahead past an unsent entry.
func (p *Processor) drainGroup(ctx context.Context, group []*store.OutboxEntry) error {
	for _, entry := range group {
		if err := p.deliver(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// deliver sends one entry until it is acknowledged or dead-lettered.
// Returns an error only on cancellation or store failure.
func (p *Processor) deliver(ctx context.Context, entry *store.OutboxEntry) error {
	attempts := entry.Attempts

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		confirmed, err := p.mutator.Apply(ctx, remote.Mutation{
			IdempotencyKey: entry.IdempotencyKey,
			Table:          entry.EntityType,
			ID:             entry.EntityID,
			Op:             string(entry.Op),
			Payload:        entry.Payload,
		})

		if err == nil {
			// The pass may have been cancelled while the request was in
			// flight. The entry stays pending; the idempotency key
			// deduplicates the redelivery on the next pass.
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return p.ack(ctx, entry, confirmed)
		}

		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()

		case remote.IsConflict(err):
			p.config.Logger.Printf("Conflict for %s/%s (%s): %v",
				entry.EntityType, entry.EntityID, shortKey(entry.IdempotencyKey), err)
			return p.deadLetterConflict(ctx, entry, err)

		case remote.IsPermanent(err):
			p.config.Logger.Printf("Permanent failure for %s/%s (%s): %v",
				entry.EntityType, entry.EntityID, shortKey(entry.IdempotencyKey), err)
			if dlErr := p.st.DeadLetter(ctx, entry.IdempotencyKey, err); dlErr != nil {
				return fmt.Errorf("failed to dead-letter entry: %w", dlErr)
			}
			return nil

		default:
			// Transient: burn one attempt, then either dead-letter or
			// back off and retry in place.
			p.reportNetworkError(err)
			attempts++

			if attempts >= p.config.MaxAttempts {
				p.config.Logger.Printf("Retry budget exhausted for %s/%s (%s): %v",
					entry.EntityType, entry.EntityID, shortKey(entry.IdempotencyKey), err)
				if dlErr := p.st.DeadLetter(ctx, entry.IdempotencyKey, err); dlErr != nil {
					return fmt.Errorf("failed to dead-letter entry: %w", dlErr)
				}
				return nil
			}

			if failErr := p.st.Fail(ctx, entry.IdempotencyKey, err); failErr != nil {
				return fmt.Errorf("failed to record attempt: %w", failErr)
			}

			delay := backoffDelay(p.config.BackoffBase, p.config.BackoffCap, attempts)
			p.config.Logger.Printf("Transient failure for %s/%s (%s), retry %d in %v: %v",
				entry.EntityType, entry.EntityID, shortKey(entry.IdempotencyKey),
				attempts, delay.Round(time.Millisecond), err)
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
		}
	}
}

func (p *Processor) ack(ctx context.Context, entry *store.OutboxEntry, confirmed *remote.Entity) error {
	var reconciled *store.Entity
	if confirmed != nil {
		reconciled = &store.Entity{
			Type:     entry.EntityType,
			ID:       confirmed.ID,
			Revision: confirmed.Revision,
			Payload:  confirmed.Payload,
		}
	}
	if err := p.st.Ack(ctx, entry.IdempotencyKey, reconciled); err != nil {
		return fmt.Errorf("failed to acknowledge entry: %w", err)
	}
	p.config.Logger.Printf("Acknowledged %s %s/%s (%s)",
		entry.Op, entry.EntityType, entry.EntityID, shortKey(entry.IdempotencyKey))
	return nil
}

// deadLetterConflict parks the entry and flags the entity as
// conflicted rather than errored, so the UI asks for resolution
// instead of showing a generic failure.
func (p *Processor) deadLetterConflict(ctx context.Context, entry *store.OutboxEntry, cause error) error {
	if err := p.st.DeadLetter(ctx, entry.IdempotencyKey, cause); err != nil {
		return fmt.Errorf("failed to dead-letter conflicted entry: %w", err)
	}
	if err := p.st.MarkState(ctx, entry.EntityType, entry.EntityID, store.StateConflict); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to flag conflict: %w", err)
	}
	return nil
}

// PendingCount returns the number of pending entries. Never blocks on
// network activity.
func (p *Processor) PendingCount(ctx context.Context) (int, error) {
	return p.st.PendingCount(ctx)
}

// DeadLetterEntries returns all dead-letter entries for status
// reporting and user resolution.
func (p *Processor) DeadLetterEntries(ctx context.Context) ([]*store.OutboxEntry, error) {
	return p.st.DeadLetterEntries(ctx)
}

// RetryDeadLetter returns a dead-letter entry to the pending queue.
func (p *Processor) RetryDeadLetter(ctx context.Context, idempotencyKey string) error {
	if err := p.st.RetryDeadLetter(ctx, idempotencyKey); err != nil {
		return err
	}
	p.notify()
	return nil
}

// DiscardDeadLetter permanently removes a dead-letter entry.
func (p *Processor) DiscardDeadLetter(ctx context.Context, idempotencyKey string) error {
	if err := p.st.DiscardDeadLetter(ctx, idempotencyKey); err != nil {
		return err
	}
	p.notify()
	return nil
}

func (p *Processor) notify() {
	if p.config.Notify != nil {
		p.config.Notify()
	}
}

func (p *Processor) reportNetworkError(err error) {
	if p.config.OnNetworkError == nil {
		return
	}
	var re *remote.Error
	if errors.As(err, &re) && re.Status == 0 {
		p.config.OnNetworkError()
	}
}

// groupByEntity partitions entries per entity, preserving FIFO order
// inside each group. Input arrives in seq order, so groups also come
// back ordered by their oldest entry.
func groupByEntity(entries []*store.OutboxEntry) [][]*store.OutboxEntry {
	type entityKey struct {
		typ string
		id  string
	}

	index := make(map[entityKey]int)
	var groups [][]*store.OutboxEntry

	for _, e := range entries {
		key := entityKey{typ: e.EntityType, id: e.EntityID}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}

	return groups
}

func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	ceil := base
	for i := 1; i < attempt; i++ {
		ceil *= 2
		if ceil >= cap {
			ceil = cap
			break
		}
	}
	if ceil > cap {
		ceil = cap
	}

	return time.Duration(rand.Int64N(int64(ceil)))
}

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

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
