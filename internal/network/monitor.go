// Package network derives the online/offline signal from platform
// connectivity and backend reachability.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/backend/internal/logging"
	"github.com/kimhsiao/fieldsync/backend/internal/models"
)

// Listener receives the network state.
type Listener func(models.NetworkState)

// Config holds monitor configuration.
type Config struct {
	ProbeInterval time.Duration // How often to re-probe (default: 30 seconds)
	ProbeTimeout  time.Duration // Upper bound of one probe (default: 5 seconds)
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Monitor tracks connectivity. Listeners fire once on subscription and then
// only when the boolean state flips.
type Monitor struct {
	prober Prober

	mu            sync.RWMutex
	online        bool
	connected     bool // last platform connectivity report
	probeInterval time.Duration
	probeTimeout  time.Duration
	listeners     map[int]Listener
	nextID        int
	running       bool
	stopCh        chan struct{}
	resetCh       chan struct{}
	wg            sync.WaitGroup

	// notifyMu orders deliveries so listeners observe transitions in order.
	notifyMu sync.Mutex
}

// NewMonitor creates a Monitor. It reports offline until the first probe.
func NewMonitor(prober Prober, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	return &Monitor{
		prober:        prober,
		connected:     true,
		probeInterval: cfg.ProbeInterval,
		probeTimeout:  cfg.ProbeTimeout,
		listeners:     make(map[int]Listener),
		resetCh:       make(chan struct{}, 1),
	}
}

// Initialize probes once and starts periodic re-probing.
func (m *Monitor) Initialize(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.CheckConnection(ctx)

	m.wg.Add(1)
	go m.probeLoop(ctx)

	logging.Info("Network monitor started", map[string]interface{}{
		"is_online":      m.IsOnline(),
		"probe_interval": m.ProbeInterval().String(),
	})
}

// Destroy stops probing and drops every listener.
func (m *Monitor) Destroy() {
	m.mu.Lock()
	if !m.running {
		m.listeners = make(map[int]Listener)
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.listeners = make(map[int]Listener)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info("Network monitor stopped", nil)
}

// IsOnline returns the current snapshot.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// AddListener registers cb, calls it with the current state, and returns a
// function that unregisters it.
func (m *Monitor) AddListener(cb Listener) func() {
	m.notifyMu.Lock()
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = cb
	state := models.NetworkState{IsOnline: m.online}
	m.mu.Unlock()
	cb(state)
	m.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// CheckConnection forces a fresh probe and returns the resulting state.
// A failed or panicking probe means offline.
func (m *Monitor) CheckConnection(ctx context.Context) bool {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()

	online := connected && m.probe(ctx) == nil
	m.setOnline(online)
	return online
}

// ReportConnectivity feeds a platform connectivity event. Losing the link
// is offline at once; regaining it still requires a successful probe.
func (m *Monitor) ReportConnectivity(ctx context.Context, connected bool) bool {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()

	if !connected {
		m.setOnline(false)
		return false
	}
	return m.CheckConnection(ctx)
}

// SetProbeInterval changes the re-probe interval of a running monitor.
func (m *Monitor) SetProbeInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.probeInterval = d
	m.mu.Unlock()

	select {
	case m.resetCh <- struct{}{}:
	default:
	}
}

// ProbeInterval returns the current re-probe interval.
func (m *Monitor) ProbeInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.probeInterval
}

func (m *Monitor) probe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	if m.prober == nil {
		return fmt.Errorf("no prober configured")
	}

	m.mu.RLock()
	timeout := m.probeTimeout
	m.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = m.prober.Probe(probeCtx)
	if err != nil {
		logging.Debug("Reachability probe failed", map[string]interface{}{"error": err.Error()})
	}
	return err
}

func (m *Monitor) setOnline(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	logging.Info("Network status changed", map[string]interface{}{"is_online": online})

	state := models.NetworkState{IsOnline: online}
	for _, l := range listeners {
		l(state)
	}
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	timer := time.NewTimer(m.ProbeInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-m.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			m.CheckConnection(ctx)
		}
		timer.Reset(m.ProbeInterval())
	}
}
