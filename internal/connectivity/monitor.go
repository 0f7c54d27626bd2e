// Package connectivity decides whether the application is online.
//
// The monitor combines a periodic liveness probe against the server with an
// optional host signal (SetOnline). Transitions are edge-triggered and
// debounced so a flapping link does not thrash the sync engine.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rc-construcoes/rcsync/internal/bus"
)

// Config holds monitor settings.
type Config struct {
	// ProbeURL is requested with HEAD to test liveness. Usually the API
	// base URL's health endpoint.
	ProbeURL string

	// ProbeInterval is how often the liveness probe runs.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe request.
	ProbeTimeout time.Duration

	// Debounce is the minimum time between accepted transitions.
	Debounce time.Duration

	// Logger for monitor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(probeURL string) *Config {
	return &Config{
		ProbeURL:      probeURL,
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Debounce:      time.Second,
		Logger:        log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor is the single source of truth for the online/offline state.
type Monitor struct {
	bus    *bus.Bus
	config *Config
	client *http.Client

	mu       sync.Mutex
	online   bool
	lastFlip time.Time

	wg sync.WaitGroup
}

// New creates a monitor that starts offline; the first successful probe or
// host signal brings it online.
func New(b *bus.Bus, config *Config) *Monitor {
	if config.Debounce <= 0 {
		config.Debounce = time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		bus:    b,
		config: config,
		client: &http.Client{Timeout: config.ProbeTimeout},
	}
}

// Start launches the probe loop. It returns immediately; Wait blocks until
// the loop exits after ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Probe(ctx)
		ticker := time.NewTicker(m.config.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
}

// Wait blocks until the probe loop has stopped.
func (m *Monitor) Wait() { m.wg.Wait() }

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// LastTransition returns when the state last flipped, zero if it never
// has.
func (m *Monitor) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFlip
}

// SetOnline feeds an external host signal into the monitor. Subject to the
// same debounce as probe results.
func (m *Monitor) SetOnline(online bool) {
	m.transition(online)
}

// Probe runs one liveness check synchronously and applies the result.
func (m *Monitor) Probe(ctx context.Context) {
	if m.config.ProbeURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.ProbeURL, nil)
	if err != nil {
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.transition(false)
		return
	}
	_ = resp.Body.Close()
	m.transition(resp.StatusCode < http.StatusInternalServerError)
}

// transition applies an observed state, suppressing flips inside the
// debounce window. Only edges are published.
func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	if !m.lastFlip.IsZero() && now.Sub(m.lastFlip) < m.config.Debounce {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.lastFlip = now
	m.mu.Unlock()

	if online {
		m.config.Logger.Printf("connection restored")
		m.bus.Publish(bus.TopicOnline, nil)
	} else {
		m.config.Logger.Printf("connection lost")
		m.bus.Publish(bus.TopicOffline, nil)
	}
}
