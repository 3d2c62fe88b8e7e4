package subscription

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketpilot/syncd/internal/remote"
	"github.com/pocketpilot/syncd/internal/store"
)

// Status is the connection state of one channel.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Callbacks is one consumer's set of event handlers. Any handler may
// be nil. Handlers receive the entity's type and id; the merged
// snapshot is read from the local store.
type Callbacks struct {
	OnInsert func(entityType, id string)
	OnUpdate func(entityType, id string)
	OnDelete func(entityType, id string)
}

// ChannelStatus is a point-in-time snapshot of one channel.
type ChannelStatus struct {
	Table       string    `json:"table"`
	Filter      string    `json:"filter,omitempty"`
	State       Status    `json:"state"`
	Consumers   int       `json:"consumers"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

// Config holds configuration for the manager.
type Config struct {
	// Tables is the set of known table names. Subscribe rejects
	// anything else.
	Tables []string

	// BackoffBase is the initial reconnect delay.
	BackoffBase time.Duration

	// BackoffCap bounds the reconnect delay.
	BackoffCap time.Duration

	// Notify, if set, is invoked after every channel state change.
	// Used by the coordinator to recompute sync status. Must not
	// block.
	Notify func()

	// Logger for manager activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BackoffBase: 1 * time.Second,
		BackoffCap:  30 * time.Second,
		Logger:      log.New(os.Stderr, "[subscription] ", log.LstdFlags),
	}
}

// channelKey identifies one logical channel.
type channelKey struct {
	table  string
	filter string
}

// Manager owns all channels and consumer registrations.
type Manager struct {
	config *Config
	dialer remote.StreamDialer
	st     *store.Store
	tables map[string]bool

	mu       sync.Mutex
	channels map[channelKey]*channel
	handles  map[string]channelKey
	closed   bool
}

// New creates a manager. The dialer opens change streams and st
// receives merged events.
func New(dialer remote.StreamDialer, st *store.Store, config *Config) (*Manager, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[subscription] ", log.LstdFlags)
	}
	if config.BackoffBase == 0 {
		config.BackoffBase = 1 * time.Second
	}
	if config.BackoffCap == 0 {
		config.BackoffCap = 30 * time.Second
	}

	tables := make(map[string]bool, len(config.Tables))
	for _, t := range config.Tables {
		tables[t] = true
	}

	return &Manager{
		config:   config,
		dialer:   dialer,
		st:       st,
		tables:   tables,
		channels: make(map[channelKey]*channel),
		handles:  make(map[string]channelKey),
	}, nil
}

// Subscribe registers interest in live updates for (table, filter) and
// returns a handle for Unsubscribe. If no channel exists for the pair
// one is opened; connection establishment is asynchronous and Subscribe
// returns immediately.
func (m *Manager) Subscribe(table, filter string, cb Callbacks) (string, error) {
	if len(m.tables) > 0 && !m.tables[table] {
		return "", fmt.Errorf("unknown table %q", table)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", fmt.Errorf("subscription manager is closed")
	}

	key := channelKey{table: table, filter: filter}
	ch, ok := m.channels[key]
	if !ok {
		ch = newChannel(key, m.dialer, m.st, m.config)
		m.channels[key] = ch
		ch.start()
		m.config.Logger.Printf("Opened channel for %s", keyString(key))
	}

	handle := uuid.NewString()
	ch.addConsumer(handle, cb)
	m.handles[handle] = key

	return handle, nil
}

// Unsubscribe removes one consumer's callbacks. The underlying channel
// is closed only when its last consumer unsubscribes.
func (m *Manager) Unsubscribe(handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.handles[handle]
	if !ok {
		return fmt.Errorf("unknown subscription handle %q", handle)
	}
	delete(m.handles, handle)

	ch := m.channels[key]
	if ch == nil {
		return nil
	}

	if remaining := ch.removeConsumer(handle); remaining == 0 {
		ch.stop()
		delete(m.channels, key)
		m.config.Logger.Printf("Closed channel for %s (last consumer gone)", keyString(key))
	}
	return nil
}

// Status returns snapshots of every channel for the given table.
// Never blocks on network activity.
func (m *Manager) Status(table string) []ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var statuses []ChannelStatus
	for key, ch := range m.channels {
		if key.table == table {
			statuses = append(statuses, ch.status())
		}
	}
	return statuses
}

// AllStatuses returns snapshots of every channel.
func (m *Manager) AllStatuses() []ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]ChannelStatus, 0, len(m.channels))
	for _, ch := range m.channels {
		statuses = append(statuses, ch.status())
	}
	return statuses
}

// ConnectedCount returns the number of connected channels for the
// given table.
func (m *Manager) ConnectedCount(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, ch := range m.channels {
		if key.table == table && ch.status().State == StatusConnected {
			n++
		}
	}
	return n
}

// ReconnectAll forces every non-connected channel to retry
// immediately, skipping any backoff delay in progress. Invoked by the
// coordinator when connectivity is restored.
func (m *Manager) ReconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, ch := range m.channels {
		if ch.status().State != StatusConnected {
			m.config.Logger.Printf("Forcing reconnect for %s", keyString(key))
			ch.stop()
			ch.start()
		}
	}
}

// Suspend marks every channel disconnected and stops its connection
// loop without touching consumer registrations, so sync resumes
// automatically on the next ReconnectAll. Invoked by the coordinator
// when connectivity is lost.
func (m *Manager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.channels {
		ch.stop()
	}
}

// Close tears down every channel and registration. The manager cannot
// be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for key, ch := range m.channels {
		ch.stop()
		delete(m.channels, key)
	}
	m.handles = make(map[string]channelKey)
	m.config.Logger.Println("Subscription manager closed")
}

func keyString(key channelKey) string {
	if key.filter == "" {
		return key.table
	}
	return fmt.Sprintf("%s[%s]", key.table, key.filter)
}
