// Package contable implements ConnectionTable (component C): bounded
// staked/unstaked connection tables with per-peer caps and stake-aware
// eviction.
package contable

import (
	"sort"
	"sync"

	"github.com/cppla/tpuquic/internal/classify"
)

// Outcome is the result of a try-admit call.
type Outcome int

const (
	// Admit means the connection was inserted.
	Admit Outcome = iota
	// RejectPerPeer means the peer already holds max_connections_per_peer connections.
	RejectPerPeer
	// RejectCapacityPruning means admission succeeded only after evicting
	// another entry of the same sub-table (the lowest-stake staked entry
	// below the newcomer, or the oldest unstaked entry), counted
	// separately from a plain Admit so
	// callers/stats can distinguish pruning pressure.
	RejectCapacityPruning
	// RejectCapacity means the table is full and no eviction candidate qualifies.
	RejectCapacity
)

// ConnID uniquely names one admitted connection.
type ConnID uint64

// Meta describes a connection being offered for admission.
type Meta struct {
	Identity string // TLS public-key identity
	Class    classify.Classification
}

// entry is one admitted connection record.
type entry struct {
	id       ConnID
	identity string
	stake    uint64
	seq      uint64 // insertion sequence, for oldest-first tie-breaking
}

// subtable is a bounded, stake-ordered collection of entries.
type subtable struct {
	capacity int
	byID     map[ConnID]*entry
	ordered  []*entry // sorted ascending by (stake, seq); staked tables only
	fifo     []*entry // insertion order; unstaked table eviction uses this
	perPeer  map[string]int
}

func newSubtable(capacity int) *subtable {
	return &subtable{
		capacity: capacity,
		byID:     make(map[ConnID]*entry),
		perPeer:  make(map[string]int),
	}
}

func (t *subtable) full() bool { return len(t.byID) >= t.capacity }

func (t *subtable) insertSorted(e *entry) {
	i := sort.Search(len(t.ordered), func(i int) bool {
		if t.ordered[i].stake != e.stake {
			return t.ordered[i].stake > e.stake
		}
		return t.ordered[i].seq > e.seq
	})
	t.ordered = append(t.ordered, nil)
	copy(t.ordered[i+1:], t.ordered[i:])
	t.ordered[i] = e
}

func (t *subtable) removeSorted(e *entry) {
	for i, o := range t.ordered {
		if o == e {
			t.ordered = append(t.ordered[:i], t.ordered[i+1:]...)
			return
		}
	}
}

func (t *subtable) insert(e *entry, staked bool) {
	t.byID[e.id] = e
	t.perPeer[e.identity]++
	if staked {
		t.insertSorted(e)
	} else {
		t.fifo = append(t.fifo, e)
	}
}

func (t *subtable) remove(e *entry, staked bool) {
	delete(t.byID, e.id)
	t.perPeer[e.identity]--
	if t.perPeer[e.identity] <= 0 {
		delete(t.perPeer, e.identity)
	}
	if staked {
		t.removeSorted(e)
	} else {
		for i, o := range t.fifo {
			if o == e {
				t.fifo = append(t.fifo[:i], t.fifo[i+1:]...)
				break
			}
		}
	}
}

// minBelow returns the lowest-stake entry with stake strictly below
// newcomerStake, or nil if none exists. t.ordered is sorted ascending
// by (stake, seq), so the first entry is automatically the
// minimum-stake / oldest-admitted candidate.
func (t *subtable) minBelow(newcomerStake uint64) *entry {
	if len(t.ordered) == 0 {
		return nil
	}
	e := t.ordered[0]
	if e.stake < newcomerStake {
		return e
	}
	return nil
}

// oldestUnstaked returns the oldest-admitted unstaked entry, or nil.
func (t *subtable) oldestUnstaked() *entry {
	if len(t.fifo) == 0 {
		return nil
	}
	return t.fifo[0]
}

// Table is the full bounded connection table: staked and unstaked
// sub-tables plus a global per-peer cap shared across both.
type Table struct {
	mu sync.Mutex

	maxPerPeer int
	staked     *subtable
	unstaked   *subtable

	nextID  ConnID
	nextSeq uint64
	byID    map[ConnID]bool // true if staked, for dispatching remove
	idents  map[ConnID]string
}

// New returns an empty table bounding staked connections to
// maxStaked, unstaked to maxUnstaked, and any one identity to
// maxPerPeer connections across both sub-tables.
func New(maxStaked, maxUnstaked, maxPerPeer int) *Table {
	return &Table{
		maxPerPeer: maxPerPeer,
		staked:     newSubtable(maxStaked),
		unstaked:   newSubtable(maxUnstaked),
		byID:       make(map[ConnID]bool),
		idents:     make(map[ConnID]string),
	}
}

func (t *Table) peerCount(identity string) int {
	return t.staked.perPeer[identity] + t.unstaked.perPeer[identity]
}

// TryAdmit applies the §4.C algorithm and returns the admitted
// connection's ID on Admit/RejectCapacityPruning.
func (t *Table) TryAdmit(m Meta) (ConnID, Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.peerCount(m.Identity) >= t.maxPerPeer {
		return 0, RejectPerPeer
	}

	staked := m.Class.IsStaked()
	sub := t.unstaked
	if staked {
		sub = t.staked
	}

	if !sub.full() {
		e := t.newEntry(m, staked)
		sub.insert(e, staked)
		return e.id, Admit
	}

	if !staked {
		// Unstaked table: evict oldest, admit newcomer. An unstaked
		// newcomer never evicts a staked connection (invariant 3) —
		// it only ever touches the unstaked sub-table.
		if victim := sub.oldestUnstaked(); victim != nil {
			sub.remove(victim, false)
			delete(t.byID, victim.id)
			delete(t.idents, victim.id)
		}
		e := t.newEntry(m, false)
		sub.insert(e, false)
		return e.id, RejectCapacityPruning
	}

	// Staked table full: evict the minimum-stake entry strictly below
	// the newcomer's stake, tie-broken oldest-first by the (stake,
	// seq) ordering already maintained in sub.ordered.
	victim := sub.minBelow(m.Class.Stake)
	if victim == nil {
		return 0, RejectCapacity
	}
	sub.remove(victim, true)
	delete(t.byID, victim.id)
	delete(t.idents, victim.id)
	e := t.newEntry(m, true)
	sub.insert(e, true)
	return e.id, RejectCapacityPruning
}

func (t *Table) newEntry(m Meta, staked bool) *entry {
	t.nextID++
	t.nextSeq++
	e := &entry{id: t.nextID, identity: m.Identity, stake: m.Class.Stake, seq: t.nextSeq}
	t.byID[e.id] = staked
	t.idents[e.id] = m.Identity
	return e
}

// Remove deletes an admitted connection by ID. It is a no-op if id is
// unknown (e.g. double-remove after an eviction already removed it).
func (t *Table) Remove(id ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	staked, ok := t.byID[id]
	if !ok {
		return
	}
	sub := t.unstaked
	if staked {
		sub = t.staked
	}
	if e, ok := sub.byID[id]; ok {
		sub.remove(e, staked)
	}
	delete(t.byID, id)
	delete(t.idents, id)
}

// Sizes reports the current population of each sub-table, for tests
// and stats.
func (t *Table) Sizes() (staked, unstaked int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.staked.byID), len(t.unstaked.byID)
}

// PeerCount reports how many connections identity currently holds.
func (t *Table) PeerCount(identity string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerCount(identity)
}

// StakedIdentities returns the identities currently admitted to the
// staked sub-table, for tests (e.g. asserting final table membership).
func (t *Table) StakedIdentities() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.staked.ordered))
	for _, e := range t.staked.ordered {
		out = append(out, e.identity)
	}
	return out
}
