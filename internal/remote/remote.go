// Package remote defines the sync core's view of the backend: a
// request/response mutation API with idempotency-keyed calls, and a
// change-stream subscription protocol keyed by table name and filter
// predicate.
//
// Every failure coming out of this package carries a classification
// (transient, permanent, or conflict) so callers can decide between
// retrying with backoff, dead-lettering, and flagging a conflict
// without inspecting transport details.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// Action is the kind of change delivered on a change stream.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Entity is a server-confirmed record: table, stable identifier,
// server-assigned revision, and semantic payload.
type Entity struct {
	Table    string         `json:"table"`
	ID       string         `json:"id"`
	Revision int64          `json:"revision"`
	Payload  map[string]any `json:"payload"`
}

// Event is one change delivered on a stream. Delete events carry only
// the identifying fields of Entity.
type Event struct {
	Action Action `json:"action"`
	Entity Entity `json:"entity"`
}

// Mutation is one idempotency-keyed write submitted to the mutation
// API. Resubmitting the same key is safe: the server deduplicates and
// returns the original result.
type Mutation struct {
	IdempotencyKey string
	Table          string
	ID             string
	Op             string // create, update, delete
	Payload        map[string]any
}

// Mutator is the request/response half of the backend.
type Mutator interface {
	// Apply submits one mutation and returns the server-confirmed
	// entity. For deletes the returned entity is nil. Errors are
	// *Error values carrying a classification.
	Apply(ctx context.Context, m Mutation) (*Entity, error)
}

// EventStream is one live change-stream connection. Recv blocks until
// an event arrives, the stream fails, or ctx is cancelled.
type EventStream interface {
	Recv(ctx context.Context) (*Event, error)
	Close() error
}

// StreamDialer opens change streams. One dial maps to one logical
// channel for a (table, filter) pair.
type StreamDialer interface {
	DialStream(ctx context.Context, table, filter string) (EventStream, error)
}

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	// KindTransient covers network failures, timeouts, and 5xx
	// responses. Safe to retry with backoff.
	KindTransient ErrorKind = "transient"

	// KindPermanent covers validation and other 4xx failures that no
	// retry will fix. The mutation must be dead-lettered.
	KindPermanent ErrorKind = "permanent"

	// KindConflict means the mutation was built against a stale
	// revision. Requires explicit resolution, not a blind retry.
	KindConflict ErrorKind = "conflict"
)

// Error is a classified backend failure.
type Error struct {
	Kind    ErrorKind
	Status  int // HTTP status, 0 for transport-level failures
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote: %s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("remote: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsTransient reports whether err is a retryable backend failure.
// Unclassified errors count as transient: request-level failures with
// no structured response are indistinguishable from network loss.
func IsTransient(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}
	return err != nil
}

// IsPermanent reports whether err is a non-retryable backend failure.
func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindPermanent
}

// IsConflict reports whether err is a stale-revision conflict.
func IsConflict(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindConflict
}
