// Package connectivity observes network reachability and emits
// online/offline transitions.
//
// The monitor is pure observation: it never blocks callers and holds
// no sync state. It probes a configured endpoint on an interval and
// deduplicates results, so consumers only ever see actual transitions.
// If no probe can run (no endpoint configured), the monitor assumes
// online and relies on request-level failures reported by other
// components to detect loss.
package connectivity

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// Probe reports whether the backend is reachable right now.
type Probe func(ctx context.Context) bool

// Config holds configuration for the monitor.
type Config struct {
	// Interval between reachability probes.
	Interval time.Duration

	// ProbeTimeout bounds a single probe attempt.
	ProbeTimeout time.Duration

	// Probe overrides the default TCP-dial probe. Nil uses the
	// default against ProbeAddr; if ProbeAddr is also empty, the
	// monitor assumes online.
	Probe Probe

	// ProbeAddr is the host:port the default probe dials.
	ProbeAddr string

	// Logger for monitor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:     5 * time.Second,
		ProbeTimeout: 3 * time.Second,
		Logger:       log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor tracks reachability and fans out transitions.
type Monitor struct {
	config *Config
	probe  Probe

	mu     sync.Mutex
	online bool
	closed bool
	events chan bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. The monitor starts in the online state; call
// Start to begin probing.
func New(config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = 3 * time.Second
	}

	probe := config.Probe
	if probe == nil && config.ProbeAddr != "" {
		probe = dialProbe(config.ProbeAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		config: config,
		probe:  probe,
		online: true,
		events: make(chan bool, 16),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Online returns the current connectivity state. Never blocks.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Events returns the transition channel. Only state changes are
// delivered; repeated probes with the same result produce nothing.
func (m *Monitor) Events() <-chan bool {
	return m.events
}

// Report feeds an externally observed result into the monitor, e.g. a
// request-level failure seen by the outbox processor. It goes through
// the same dedup path as probe results.
func (m *Monitor) Report(online bool) {
	m.transition(online)
}

// Start begins periodic probing. Without a probe the monitor stays in
// its assumed-online state and only Report can change it.
func (m *Monitor) Start() {
	if m.probe == nil {
		m.config.Logger.Println("No probe configured, assuming online")
		return
	}

	m.wg.Add(1)
	go m.probeLoop()
}

// Stop cancels probing and closes the event channel. Idempotent, and
// Report calls after Stop are silently dropped.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.events)
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(m.ctx, m.config.ProbeTimeout)
			online := m.probe(probeCtx)
			cancel()
			m.transition(online)
		}
	}
}

// transition records a state observation and emits an event if it is
// an actual change.
func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	if m.closed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	// The send stays inside the critical section so it cannot race the
	// closed check against Stop closing the channel.
	dropped := false
	select {
	case m.events <- online:
	default:
		// A full buffer means the consumer is far behind; dropping is
		// safe because only the latest state matters and it is always
		// readable via Online().
		dropped = true
	}
	m.mu.Unlock()

	if online {
		m.config.Logger.Println("Connectivity restored")
	} else {
		m.config.Logger.Println("Connectivity lost")
	}
	if dropped {
		m.config.Logger.Println("Warning: event buffer full, dropping transition")
	}
}

// dialProbe returns the default probe: a TCP dial against addr.
func dialProbe(addr string) Probe {
	return func(ctx context.Context) bool {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// StateString renders a connectivity state for logs and status output.
func StateString(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
