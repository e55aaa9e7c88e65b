package network

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/backend/internal/models"
)

// switchProber answers according to a flag the test flips.
type switchProber struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (p *switchProber) Probe(ctx context.Context) error {
	p.calls.Add(1)
	if p.up.Load() {
		return nil
	}
	return errors.New("unreachable")
}

type recorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *recorder) listen(s models.NetworkState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.IsOnline)
}

func (r *recorder) got() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func TestMonitor_listenerFiresOnTransitionsOnly(t *testing.T) {
	p := &switchProber{}
	m := NewMonitor(p, Config{ProbeInterval: time.Hour})
	ctx := context.Background()

	rec := &recorder{}
	unsubscribe := m.AddListener(rec.listen)

	assert.False(t, m.CheckConnection(ctx))
	assert.False(t, m.CheckConnection(ctx))

	p.up.Store(true)
	assert.True(t, m.CheckConnection(ctx))
	assert.True(t, m.CheckConnection(ctx))

	p.up.Store(false)
	assert.False(t, m.CheckConnection(ctx))

	// initial call, then online, then offline
	assert.Equal(t, []bool{false, true, false}, rec.got())

	unsubscribe()
	unsubscribe()
	p.up.Store(true)
	m.CheckConnection(ctx)
	assert.Len(t, rec.got(), 3)
}

func TestMonitor_ReportConnectivity(t *testing.T) {
	p := &switchProber{}
	p.up.Store(true)
	m := NewMonitor(p, Config{})
	ctx := context.Background()

	require.True(t, m.CheckConnection(ctx))

	before := p.calls.Load()
	assert.False(t, m.ReportConnectivity(ctx, false))
	assert.Equal(t, before, p.calls.Load(), "disconnect must not probe")
	assert.False(t, m.IsOnline())

	// While the platform reports no link, probes are not trusted.
	assert.False(t, m.CheckConnection(ctx))

	assert.True(t, m.ReportConnectivity(ctx, true))
	assert.True(t, m.IsOnline())
}

func TestMonitor_probePanicIsOffline(t *testing.T) {
	m := NewMonitor(ProberFunc(func(context.Context) error {
		panic("driver bug")
	}), Config{})

	assert.NotPanics(t, func() {
		assert.False(t, m.CheckConnection(context.Background()))
	})
}

func TestMonitor_nilProberIsOffline(t *testing.T) {
	m := NewMonitor(nil, Config{})
	assert.False(t, m.CheckConnection(context.Background()))
}

func TestMonitor_periodicProbe(t *testing.T) {
	p := &switchProber{}
	m := NewMonitor(p, Config{ProbeInterval: 10 * time.Millisecond})
	m.Initialize(context.Background())
	defer m.Destroy()

	require.False(t, m.IsOnline())
	p.up.Store(true)

	assert.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
}

func TestMonitor_SetProbeInterval(t *testing.T) {
	p := &switchProber{}
	m := NewMonitor(p, Config{ProbeInterval: time.Hour})
	m.Initialize(context.Background())
	defer m.Destroy()

	p.up.Store(true)
	m.SetProbeInterval(10 * time.Millisecond)
	m.SetProbeInterval(0)

	assert.Equal(t, 10*time.Millisecond, m.ProbeInterval())
	assert.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
}

func TestHTTPProber(t *testing.T) {
	status := atomic.Int32{}
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL+"/health", time.Second)
	ctx := context.Background()

	assert.NoError(t, p.Probe(ctx))

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, p.Probe(ctx))

	srv.Close()
	assert.Error(t, p.Probe(ctx))
}
