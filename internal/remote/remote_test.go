package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"conflict", http.StatusConflict, `{"code":"stale_revision","message":"revision 3 is stale"}`, KindConflict},
		{"validation", http.StatusUnprocessableEntity, `{"message":"title required"}`, KindPermanent},
		{"not found", http.StatusNotFound, "", KindPermanent},
		{"unauthorized", http.StatusUnauthorized, "", KindPermanent},
		{"rate limited", http.StatusTooManyRequests, "", KindTransient},
		{"request timeout", http.StatusRequestTimeout, "", KindTransient},
		{"server error", http.StatusInternalServerError, "", KindTransient},
		{"bad gateway", http.StatusBadGateway, "", KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.status, []byte(tt.body))
			if err.Kind != tt.want {
				t.Errorf("classify(%d) kind = %s, want %s", tt.status, err.Kind, tt.want)
			}
			if err.Status != tt.status {
				t.Errorf("classify(%d) status = %d", tt.status, err.Status)
			}
		})
	}

	t.Run("structured message extracted", func(t *testing.T) {
		err := classify(http.StatusUnprocessableEntity, []byte(`{"message":"title required"}`))
		if err.Message != "title required" {
			t.Errorf("message = %q, want backend message", err.Message)
		}
	})
}

func TestErrorPredicates(t *testing.T) {
	transient := &Error{Kind: KindTransient, Message: "boom"}
	permanent := &Error{Kind: KindPermanent, Message: "bad"}
	conflict := &Error{Kind: KindConflict, Message: "stale"}

	if !IsTransient(transient) || IsTransient(permanent) || IsTransient(conflict) {
		t.Error("IsTransient misclassified")
	}
	if !IsPermanent(permanent) || IsPermanent(transient) {
		t.Error("IsPermanent misclassified")
	}
	if !IsConflict(conflict) || IsConflict(transient) {
		t.Error("IsConflict misclassified")
	}

	// Wrapped errors still classify.
	wrapped := fmt.Errorf("apply failed: %w", conflict)
	if !IsConflict(wrapped) {
		t.Error("IsConflict should see through wrapping")
	}

	// Unclassified errors default to transient: indistinguishable from
	// network loss.
	if !IsTransient(errors.New("plain")) {
		t.Error("plain errors should count as transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not an error")
	}
}

func TestClientApply(t *testing.T) {
	t.Run("create returns confirmed entity", func(t *testing.T) {
		var gotKey, gotPath, gotMethod string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotKey = r.Header.Get("Idempotency-Key")
			gotPath = r.URL.Path
			gotMethod = r.Method
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":       "t1",
				"revision": 7,
				"payload":  map[string]any{"title": "Buy milk"},
			})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, nil, nil)
		e, err := c.Apply(context.Background(), Mutation{
			IdempotencyKey: "key-123",
			Table:          "tasks",
			ID:             "t1",
			Op:             "create",
			Payload:        map[string]any{"title": "Buy milk"},
		})
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}

		if gotMethod != http.MethodPost || gotPath != "/v1/tasks" {
			t.Errorf("request = %s %s, want POST /v1/tasks", gotMethod, gotPath)
		}
		if gotKey != "key-123" {
			t.Errorf("Idempotency-Key = %q, want key-123", gotKey)
		}
		if e.Revision != 7 || e.ID != "t1" {
			t.Errorf("entity = %+v, want id t1 revision 7", e)
		}
	})

	t.Run("delete returns nil entity", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete || r.URL.Path != "/v1/tasks/t1" {
				t.Errorf("request = %s %s, want DELETE /v1/tasks/t1", r.Method, r.URL.Path)
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, nil, nil)
		e, err := c.Apply(context.Background(), Mutation{
			IdempotencyKey: "key-456", Table: "tasks", ID: "t1", Op: "delete",
		})
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if e != nil {
			t.Errorf("expected nil entity for delete, got %+v", e)
		}
	})

	t.Run("status codes map to taxonomy", func(t *testing.T) {
		tests := []struct {
			status int
			check  func(error) bool
			want   string
		}{
			{http.StatusConflict, IsConflict, "conflict"},
			{http.StatusUnprocessableEntity, IsPermanent, "permanent"},
			{http.StatusServiceUnavailable, IsTransient, "transient"},
		}
		for _, tt := range tests {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			c := NewClient(srv.URL, nil, nil)
			_, err := c.Apply(context.Background(), Mutation{
				IdempotencyKey: "k", Table: "tasks", ID: "t1", Op: "update",
			})
			srv.Close()

			if err == nil {
				t.Fatalf("status %d: expected error", tt.status)
			}
			if !tt.check(err) {
				t.Errorf("status %d: expected %s classification, got %v", tt.status, tt.want, err)
			}
		}
	})

	t.Run("unreachable backend is transient", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", nil, nil)
		_, err := c.Apply(context.Background(), Mutation{
			IdempotencyKey: "k", Table: "tasks", ID: "t1", Op: "update",
		})
		if !IsTransient(err) {
			t.Errorf("expected transient error for unreachable backend, got %v", err)
		}
		var re *Error
		if !errors.As(err, &re) || re.Status != 0 {
			t.Errorf("transport failure should carry status 0, got %v", err)
		}
	})

	t.Run("credentials attached", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "t1", "revision": 1})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, nil, func(ctx context.Context) (string, error) {
			return "tok-789", nil
		})
		if _, err := c.Apply(context.Background(), Mutation{
			IdempotencyKey: "k", Table: "tasks", ID: "t1", Op: "update",
		}); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if gotAuth != "Bearer tok-789" {
			t.Errorf("Authorization = %q, want Bearer tok-789", gotAuth)
		}
	})

	t.Run("unknown op rejected", func(t *testing.T) {
		c := NewClient("http://example.invalid", nil, nil)
		_, err := c.Apply(context.Background(), Mutation{IdempotencyKey: "k", Op: "upsert"})
		if !IsPermanent(err) {
			t.Errorf("expected permanent error for unknown op, got %v", err)
		}
	})
}
