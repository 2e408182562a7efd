// Package balancer provides the routing policies that pick one backend from
// the eligible candidate set.
package balancer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/vyrodovalexey/avalb/internal/backend"
	"github.com/vyrodovalexey/avalb/internal/config"
)

// ErrUnknownAlgorithm is returned for an unsupported algorithm name.
var ErrUnknownAlgorithm = errors.New("unknown routing algorithm")

// Policy picks one backend from candidates. It returns nil only when
// candidates is empty. Candidates are in registration order and already
// filtered for eligibility.
type Policy interface {
	Name() string
	Select(candidates []*backend.Backend, clientKey string) *backend.Backend
}

// Option configures policies that use randomness.
type Option func(*options)

type options struct {
	intn func(n int) int
}

// WithRandSource replaces the random source used by weighted random. intn
// must return a value in [0, n).
func WithRandSource(intn func(n int) int) Option {
	return func(o *options) {
		o.intn = intn
	}
}

// New creates the policy for an algorithm name.
func New(algorithm string, opts ...Option) (Policy, error) {
	o := options{intn: secureRandomInt}
	for _, opt := range opts {
		opt(&o)
	}

	switch algorithm {
	case config.AlgorithmRoundRobin:
		return NewRoundRobin(), nil
	case config.AlgorithmLeastConnections:
		return NewLeastConnections(), nil
	case config.AlgorithmIPHash:
		return NewIPHash(), nil
	case config.AlgorithmWeightedRandom:
		return &WeightedRandom{intn: o.intn}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// RoundRobin cycles through the candidate list observed at selection time.
type RoundRobin struct {
	current atomic.Uint64
}

// NewRoundRobin creates a round-robin policy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Name implements Policy.
func (p *RoundRobin) Name() string { return config.AlgorithmRoundRobin }

// Select implements Policy.
func (p *RoundRobin) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	idx := p.current.Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

// LeastConnections picks the candidate with the fewest in-flight requests.
// Ties go to the earliest candidate.
type LeastConnections struct{}

// NewLeastConnections creates a least-connections policy.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Name implements Policy.
func (p *LeastConnections) Name() string { return config.AlgorithmLeastConnections }

// Select implements Policy.
func (p *LeastConnections) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	var selected *backend.Backend
	minConns := int64(-1)

	for _, b := range candidates {
		conns := b.InFlight()
		if minConns < 0 || conns < minConns {
			minConns = conns
			selected = b
		}
	}

	return selected
}

// IPHash maps a client key to a candidate by hash modulo the candidate count.
// The mapping is stable while the candidate list is unchanged.
type IPHash struct{}

// NewIPHash creates an IP-hash policy.
func NewIPHash() *IPHash {
	return &IPHash{}
}

// Name implements Policy.
func (p *IPHash) Name() string { return config.AlgorithmIPHash }

// Select implements Policy.
func (p *IPHash) Select(candidates []*backend.Backend, clientKey string) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[xxhash.Sum64String(clientKey)%uint64(len(candidates))]
}

// WeightedRandom draws a candidate with probability proportional to its
// weight.
type WeightedRandom struct {
	intn func(n int) int
}

// NewWeightedRandom creates a weighted random policy backed by crypto/rand.
func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{intn: secureRandomInt}
}

// Name implements Policy.
func (p *WeightedRandom) Name() string { return config.AlgorithmWeightedRandom }

// Select implements Policy.
func (p *WeightedRandom) Select(candidates []*backend.Backend, _ string) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}

	totalWeight := 0
	for _, b := range candidates {
		totalWeight += b.Weight()
	}
	if totalWeight <= 0 {
		return candidates[0]
	}

	r := p.intn(totalWeight)
	for _, b := range candidates {
		r -= b.Weight()
		if r < 0 {
			return b
		}
	}

	return candidates[len(candidates)-1]
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // result is below n
}
