package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify_UnstakedWhenAbsent(t *testing.T) {
	nodes := NewStakedNodes()
	classifier := NewPeerClassifier(nodes, time.Minute)

	c := classifier.Classify("unknown")
	require.False(t, c.IsStaked())
	require.Equal(t, Unstaked, c.Class)
}

func TestClassify_StakedWhenPresent(t *testing.T) {
	nodes := NewStakedNodes()
	nodes.Update(map[string]uint64{"alice": 100, "bob": 300})
	classifier := NewPeerClassifier(nodes, time.Minute)

	c := classifier.Classify("alice")
	require.True(t, c.IsStaked())
	require.Equal(t, uint64(100), c.Stake)
	require.Equal(t, uint64(400), c.TotalStake)
}

func TestClassify_MemoizesUntilTTLExpires(t *testing.T) {
	nodes := NewStakedNodes()
	nodes.Update(map[string]uint64{"alice": 100})
	classifier := NewPeerClassifier(nodes, 20*time.Millisecond)

	first := classifier.Classify("alice")
	require.True(t, first.IsStaked())

	// Stake drops to zero, but the memoized result should still win
	// until the TTL elapses.
	nodes.Update(map[string]uint64{})
	cached := classifier.Classify("alice")
	require.Equal(t, first, cached)

	time.Sleep(40 * time.Millisecond)
	refreshed := classifier.Classify("alice")
	require.False(t, refreshed.IsStaked())
}

func TestStakedNodes_UpdateReplacesSnapshot(t *testing.T) {
	nodes := NewStakedNodes()
	nodes.Update(map[string]uint64{"alice": 100})
	stake, total := nodes.snapshot("alice")
	require.Equal(t, uint64(100), stake)
	require.Equal(t, uint64(100), total)

	nodes.Update(map[string]uint64{"bob": 50})
	stake, total = nodes.snapshot("alice")
	require.Equal(t, uint64(0), stake)
	require.Equal(t, uint64(50), total)
}
