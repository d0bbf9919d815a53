// Package classify implements StakedNodes (component B's input) and
// PeerClassifier (component B): given a client's TLS public identity,
// decide whether the peer is staked (and by how much) or unstaked.
package classify

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Class identifies whether a connection belongs to a staked or
// unstaked peer.
type Class int

const (
	// Unstaked peers have no recorded stake, or recorded stake of zero.
	Unstaked Class = iota
	// Staked peers carry a non-zero stake weight.
	Staked
)

// Classification is the result of classifying one peer identity.
type Classification struct {
	Class      Class
	Stake      uint64
	TotalStake uint64
}

// IsStaked reports whether this classification carries non-zero stake.
func (c Classification) IsStaked() bool { return c.Class == Staked }

// StakedNodes is a read-mostly identity -> stake mapping, updated
// atomically by an external collaborator (e.g. a gossip/stake-weight
// service) and read as a consistent snapshot per classification call.
// Multi-reader/single-writer: readers never block each other.
type StakedNodes struct {
	mu         sync.RWMutex
	stakes     map[string]uint64
	totalStake uint64
}

// NewStakedNodes returns an empty StakedNodes view.
func NewStakedNodes() *StakedNodes {
	return &StakedNodes{stakes: make(map[string]uint64)}
}

// Update atomically replaces the stake map and recomputes the total.
func (s *StakedNodes) Update(stakes map[string]uint64) {
	var total uint64
	cloned := make(map[string]uint64, len(stakes))
	for id, stake := range stakes {
		cloned[id] = stake
		total += stake
	}
	s.mu.Lock()
	s.stakes = cloned
	s.totalStake = total
	s.mu.Unlock()
}

// snapshot returns a consistent (stake, totalStake) read.
func (s *StakedNodes) snapshot(identity string) (uint64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stakes[identity], s.totalStake
}

// PeerClassifier resolves a peer's TLS public-key identity to a
// Classification. Lookups are memoized for a short TTL in a
// patrickmn/go-cache instance — the same cache.New(ttl, cleanup) shape
// the teacher proxy uses for its per-IP WAF counters — since stake
// tables change on an epoch boundary (minutes) while handshakes can
// arrive in bursts far faster than the StakedNodes RWMutex would like
// to be read-locked for.
type PeerClassifier struct {
	nodes *StakedNodes
	memo  *cache.Cache
}

// NewPeerClassifier builds a classifier over nodes, memoizing results
// for ttl.
func NewPeerClassifier(nodes *StakedNodes, ttl time.Duration) *PeerClassifier {
	return &PeerClassifier{
		nodes: nodes,
		memo:  cache.New(ttl, 2*ttl),
	}
}

// Classify returns Unstaked if identity is missing or has zero stake,
// Staked{stake, totalStake} otherwise.
func (p *PeerClassifier) Classify(identity string) Classification {
	if v, ok := p.memo.Get(identity); ok {
		return v.(Classification)
	}
	stake, total := p.nodes.snapshot(identity)
	var c Classification
	if stake == 0 {
		c = Classification{Class: Unstaked, TotalStake: total}
	} else {
		c = Classification{Class: Staked, Stake: stake, TotalStake: total}
	}
	p.memo.SetDefault(identity, c)
	return c
}
