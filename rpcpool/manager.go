// Package rpcpool tracks the health of ledger RPC endpoints and picks the best
// one for each call.
package rpcpool

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/ageverify/core"
	"golang.org/x/sync/errgroup"
)

// Tag routes calls to endpoints
type Tag string

const (
	TagDefault Tag = "default"
	TagTx      Tag = "tx"
)

// Endpoint is a configured RPC URL. Higher weight wins.
type Endpoint struct {
	URL    string `yaml:"url"`
	Tags   []Tag  `yaml:"tags"`
	Weight int    `yaml:"weight"`
}

// Serves reports whether the endpoint may handle calls tagged tag. Untagged
// endpoints serve everything and every endpoint serves the default tag.
func (e Endpoint) Serves(tag Tag) bool {
	return tag == TagDefault || len(e.Tags) == 0 || slices.Contains(e.Tags, tag)
}

// Health is the last observed state of an endpoint
type Health struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	LastError string        `json:"last_error,omitempty"`
}

// Status pairs an endpoint with its health
type Status struct {
	Endpoint Endpoint `json:"endpoint"`
	Health   Health   `json:"health"`
}

// Prober checks a single endpoint
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, url string) error

func (f ProberFunc) Probe(ctx context.Context, url string) error {
	return f(ctx, url)
}

const (
	DefaultInterval     = 30 * time.Second
	DefaultProbeTimeout = 5 * time.Second
	maxConcurrentProbes = 8
)

type snapshot map[string]Health

// Manager owns endpoint health. Readers never block: health is published as an
// immutable snapshot and replaced wholesale by writers.
type Manager struct {
	endpoints    []Endpoint
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration
	logger       watermill.LoggerAdapter
	now          func() time.Time

	health  atomic.Pointer[snapshot]
	writeMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(m *Manager) { m.probeTimeout = d }
}

func WithLogger(logger watermill.LoggerAdapter) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager starts every endpoint as healthy with zero latency
func NewManager(endpoints []Endpoint, prober Prober, opts ...Option) *Manager {
	m := &Manager{
		endpoints:    slices.Clone(endpoints),
		prober:       prober,
		interval:     DefaultInterval,
		probeTimeout: DefaultProbeTimeout,
		logger:       watermill.NopLogger{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	initial := make(snapshot, len(m.endpoints))
	for _, e := range m.endpoints {
		initial[e.URL] = Health{Healthy: true}
	}
	m.health.Store(&initial)
	return m
}

// Endpoints returns the configured endpoints
func (m *Manager) Endpoints() []Endpoint {
	return slices.Clone(m.endpoints)
}

// Select picks the healthy endpoint serving tag with the highest weight, then
// lowest latency. Without a match it falls back to any healthy endpoint, then
// to the first configured one. It fails only when nothing is configured.
func (m *Manager) Select(tag Tag) (Endpoint, error) {
	if len(m.endpoints) == 0 {
		return Endpoint{}, fmt.Errorf("%w: no endpoints configured", core.ErrNoHealthyEndpoint)
	}
	health := *m.health.Load()

	var candidates []Endpoint
	for _, e := range m.endpoints {
		if health[e.URL].Healthy && e.Serves(tag) {
			candidates = append(candidates, e)
		}
	}

	if len(candidates) == 0 {
		for _, e := range m.endpoints {
			if health[e.URL].Healthy {
				return e, nil
			}
		}
		m.logger.Info("No healthy RPC endpoint, using first configured", watermill.LogFields{"tag": tag})
		return m.endpoints[0], nil
	}

	slices.SortStableFunc(candidates, func(a, b Endpoint) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return cmp.Compare(health[a.URL].Latency, health[b.URL].Latency)
	})
	return candidates[0], nil
}

// Snapshot returns the health of every endpoint in configuration order
func (m *Manager) Snapshot() []Status {
	health := *m.health.Load()
	out := make([]Status, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		out = append(out, Status{Endpoint: e, Health: health[e.URL]})
	}
	return out
}

// CheckAll probes every endpoint concurrently and publishes the results
func (m *Manager) CheckAll(ctx context.Context) error {
	if m.prober == nil {
		return nil
	}

	results := make([]Health, len(m.endpoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, e := range m.endpoints {
		g.Go(func() error {
			results[i] = m.probe(gctx, m.prober, e)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	next := make(snapshot, len(m.endpoints))
	for i, e := range m.endpoints {
		next[e.URL] = results[i]
	}
	m.health.Store(&next)
	return nil
}

func (m *Manager) probe(ctx context.Context, prober Prober, e Endpoint) Health {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := m.now()
	err := prober.Probe(ctx, e.URL)
	checked := m.now()
	if err != nil {
		m.logger.Info("RPC health check failed", watermill.LogFields{"url": e.URL, "error": err.Error()})
		return Health{Healthy: false, CheckedAt: checked, LastError: err.Error()}
	}
	return Health{Healthy: true, Latency: checked.Sub(start), CheckedAt: checked}
}

// MarkUnhealthy records a failure observed outside of a probe so the next
// Select fails over immediately
func (m *Manager) MarkUnhealthy(url string, cause error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current := *m.health.Load()
	if _, ok := current[url]; !ok {
		return
	}
	next := make(snapshot, len(current))
	for k, v := range current {
		next[k] = v
	}
	h := Health{Healthy: false, CheckedAt: m.now()}
	if cause != nil {
		h.LastError = cause.Error()
	}
	next[url] = h
	m.health.Store(&next)
	m.logger.Info("RPC endpoint marked unhealthy", watermill.LogFields{"url": url, "error": h.LastError})
}

// Start runs an immediate check and then one every interval until Stop or ctx ends
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			if err := m.CheckAll(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("RPC health sweep failed", err, nil)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}(m.done)
}

// Stop ends the health loop and waits for it to exit
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
