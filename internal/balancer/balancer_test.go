package balancer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avalb/internal/backend"
	"github.com/vyrodovalexey/avalb/internal/circuitbreaker"
	"github.com/vyrodovalexey/avalb/internal/config"
)

func newBackends(t *testing.T, weights ...int) []*backend.Backend {
	t.Helper()
	out := make([]*backend.Backend, 0, len(weights))
	for i, w := range weights {
		id := fmt.Sprintf("b%d", i)
		cb, err := circuitbreaker.New(id, circuitbreaker.DefaultConfig())
		require.NoError(t, err)
		b, err := backend.New(config.BackendConfig{ID: id, Host: "10.0.0.1", Port: 8000 + i, Weight: w}, cb)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestNew(t *testing.T) {
	t.Parallel()

	for _, name := range config.Algorithms() {
		p, err := New(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name())
	}

	_, err := New("fastest")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestPolicies_EmptyCandidates(t *testing.T) {
	t.Parallel()

	for _, name := range config.Algorithms() {
		p, err := New(name)
		require.NoError(t, err)
		assert.Nil(t, p.Select(nil, "client"), name)
		assert.Nil(t, p.Select([]*backend.Backend{}, "client"), name)
	}
}

func TestRoundRobin_VisitsEachOncePerCycle(t *testing.T) {
	t.Parallel()

	candidates := newBackends(t, 1, 1, 1, 1, 1)
	p := NewRoundRobin()

	for cycle := 0; cycle < 3; cycle++ {
		seen := make(map[string]int)
		for i := 0; i < len(candidates); i++ {
			seen[p.Select(candidates, "").ID()]++
		}
		assert.Len(t, seen, len(candidates))
		for id, n := range seen {
			assert.Equal(t, 1, n, id)
		}
	}
}

func TestRoundRobin_Concurrent(t *testing.T) {
	t.Parallel()

	candidates := newBackends(t, 1, 1, 1, 1)
	p := NewRoundRobin()

	var mu sync.Mutex
	counts := make(map[string]int)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := p.Select(candidates, "").ID()
				mu.Lock()
				counts[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, b := range candidates {
		assert.Equal(t, 200, counts[b.ID()])
	}
}

func TestLeastConnections(t *testing.T) {
	t.Parallel()

	candidates := newBackends(t, 1, 1, 1)
	p := NewLeastConnections()

	// Tie: first seen wins.
	assert.Equal(t, "b0", p.Select(candidates, "").ID())

	candidates[0].Acquire()
	candidates[0].Acquire()
	candidates[1].Acquire()
	assert.Equal(t, "b2", p.Select(candidates, "").ID())

	candidates[2].Acquire()
	assert.Equal(t, "b1", p.Select(candidates, "").ID())
}

func TestIPHash_Deterministic(t *testing.T) {
	t.Parallel()

	candidates := newBackends(t, 1, 1, 1, 1, 1, 1, 1)
	p := NewIPHash()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("192.168.1.%d", i)
		first := p.Select(candidates, key)
		for j := 0; j < 10; j++ {
			assert.Same(t, first, p.Select(candidates, key))
		}
	}
}

func TestIPHash_Spreads(t *testing.T) {
	t.Parallel()

	candidates := newBackends(t, 1, 1, 1, 1)
	p := NewIPHash()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		seen[p.Select(candidates, fmt.Sprintf("10.1.%d.%d", i/256, i%256)).ID()] = true
	}
	assert.Len(t, seen, len(candidates))
}

func TestWeightedRandom_Walk(t *testing.T) {
	t.Parallel()

	candidates := newBackends(t, 10, 90)

	tests := []struct {
		draw int
		want string
	}{
		{draw: 0, want: "b0"},
		{draw: 9, want: "b0"},
		{draw: 10, want: "b1"},
		{draw: 99, want: "b1"},
	}

	for _, tt := range tests {
		p, err := New(config.AlgorithmWeightedRandom, WithRandSource(func(n int) int {
			assert.Equal(t, 100, n)
			return tt.draw
		}))
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.Select(candidates, "").ID(), "draw %d", tt.draw)
	}
}

func TestWeightedRandom_Converges(t *testing.T) {
	t.Parallel()

	candidates := newBackends(t, 10, 90)
	p := NewWeightedRandom()

	const draws = 100_000
	counts := make(map[string]int)
	for i := 0; i < draws; i++ {
		counts[p.Select(candidates, "").ID()]++
	}

	share := float64(counts["b0"]) / draws
	assert.InDelta(t, 0.10, share, 0.01)
	assert.Equal(t, draws, counts["b0"]+counts["b1"])
}

func TestSecureRandomInt(t *testing.T) {
	t.Parallel()

	assert.Zero(t, secureRandomInt(0))
	assert.Zero(t, secureRandomInt(-3))
	for i := 0; i < 1000; i++ {
		v := secureRandomInt(7)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 7)
	}
}
