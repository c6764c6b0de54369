package rpcpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layer-3/ageverify/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setHealth(m *Manager, h map[string]Health) {
	s := snapshot(h)
	m.health.Store(&s)
}

func TestSelectPrefersWeightThenLatency(t *testing.T) {
	m := NewManager([]Endpoint{{URL: "A", Weight: 10}, {URL: "B", Weight: 10}}, nil)
	setHealth(m, map[string]Health{
		"A": {Healthy: true, Latency: 50 * time.Millisecond},
		"B": {Healthy: true, Latency: 10 * time.Millisecond},
	})

	got, err := m.Select(TagDefault)
	require.NoError(t, err)
	assert.Equal(t, "B", got.URL)

	m.MarkUnhealthy("B", errors.New("connection refused"))
	got, err = m.Select(TagDefault)
	require.NoError(t, err)
	assert.Equal(t, "A", got.URL)

	m.MarkUnhealthy("A", nil)
	got, err = m.Select(TagDefault)
	require.NoError(t, err)
	assert.Equal(t, "A", got.URL, "falls back to the first configured endpoint")
}

func TestSelectWeightBeatsLatency(t *testing.T) {
	m := NewManager([]Endpoint{{URL: "slow-heavy", Weight: 20}, {URL: "fast-light", Weight: 1}}, nil)
	setHealth(m, map[string]Health{
		"slow-heavy": {Healthy: true, Latency: time.Second},
		"fast-light": {Healthy: true, Latency: time.Millisecond},
	})
	got, err := m.Select(TagDefault)
	require.NoError(t, err)
	assert.Equal(t, "slow-heavy", got.URL)
}

func TestSelectByTag(t *testing.T) {
	m := NewManager([]Endpoint{
		{URL: "read", Tags: []Tag{TagDefault}, Weight: 50},
		{URL: "write", Tags: []Tag{TagTx}, Weight: 1},
	}, nil)

	got, err := m.Select(TagTx)
	require.NoError(t, err)
	assert.Equal(t, "write", got.URL)

	got, err = m.Select(TagDefault)
	require.NoError(t, err)
	assert.Equal(t, "read", got.URL, "default tag matches every endpoint")

	// Without a healthy tx endpoint any healthy endpoint is used
	m.MarkUnhealthy("write", nil)
	got, err = m.Select(TagTx)
	require.NoError(t, err)
	assert.Equal(t, "read", got.URL)
}

func TestSelectNoEndpoints(t *testing.T) {
	_, err := NewManager(nil, nil).Select(TagDefault)
	assert.ErrorIs(t, err, core.ErrNoHealthyEndpoint)
}

func TestInitialHealth(t *testing.T) {
	m := NewManager([]Endpoint{{URL: "A"}, {URL: "B"}}, nil)
	for _, s := range m.Snapshot() {
		assert.True(t, s.Health.Healthy)
		assert.Zero(t, s.Health.Latency)
	}
	assert.Equal(t, "A", m.Snapshot()[0].Endpoint.URL)

	// without a prober a check leaves health untouched
	require.NoError(t, m.CheckAll(context.Background()))
	assert.True(t, m.Snapshot()[1].Health.Healthy)
}

func TestCheckAllMarksFailuresAndHeals(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	prober := ProberFunc(func(ctx context.Context, url string) error {
		if url == "B" && down.Load() {
			return errors.New("timeout")
		}
		return nil
	})
	m := NewManager([]Endpoint{{URL: "A", Weight: 1}, {URL: "B", Weight: 5}}, prober)

	require.NoError(t, m.CheckAll(context.Background()))
	snap := m.Snapshot()
	assert.True(t, snap[0].Health.Healthy)
	assert.False(t, snap[1].Health.Healthy)
	assert.Equal(t, "timeout", snap[1].Health.LastError)
	assert.False(t, snap[1].Health.CheckedAt.IsZero())

	got, err := m.Select(TagDefault)
	require.NoError(t, err)
	assert.Equal(t, "A", got.URL)

	down.Store(false)
	require.NoError(t, m.CheckAll(context.Background()))
	got, err = m.Select(TagDefault)
	require.NoError(t, err)
	assert.Equal(t, "B", got.URL, "a healed endpoint is eligible again")
}

func TestCheckAllProbesConcurrently(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	release := make(chan struct{})
	prober := ProberFunc(func(ctx context.Context, url string) error {
		mu.Lock()
		active++
		maxSeen = max(maxSeen, active)
		if active == 3 {
			close(release)
		}
		mu.Unlock()

		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	m := NewManager([]Endpoint{{URL: "A"}, {URL: "B"}, {URL: "C"}}, prober, WithProbeTimeout(5*time.Second))

	require.NoError(t, m.CheckAll(context.Background()))
	assert.Equal(t, 3, maxSeen)
}

func TestStartStop(t *testing.T) {
	var probes atomic.Int32
	prober := ProberFunc(func(context.Context, string) error {
		probes.Add(1)
		return nil
	})
	m := NewManager([]Endpoint{{URL: "A"}}, prober, WithInterval(5*time.Millisecond))

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool { return probes.Load() >= 3 }, time.Second, time.Millisecond)
	m.Stop()
	m.Stop()

	after := probes.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, probes.Load())
}

func TestConcurrentSelectDuringChecks(t *testing.T) {
	prober := ProberFunc(func(context.Context, string) error { return nil })
	m := NewManager([]Endpoint{{URL: "A"}, {URL: "B"}}, prober)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			_ = m.CheckAll(ctx)
			m.MarkUnhealthy("A", nil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_, err := m.Select(TagTx)
			assert.NoError(t, err)
		}
		cancel()
	}()
	wg.Wait()
}
