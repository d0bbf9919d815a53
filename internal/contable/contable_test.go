package contable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cppla/tpuquic/internal/classify"
)

func stakedMeta(identity string, stake uint64) Meta {
	return Meta{Identity: identity, Class: classify.Classification{Class: classify.Staked, Stake: stake, TotalStake: 1000}}
}

func unstakedMeta(identity string) Meta {
	return Meta{Identity: identity, Class: classify.Classification{Class: classify.Unstaked}}
}

func TestTryAdmit_AdmitsUntilCapacity(t *testing.T) {
	tbl := New(2, 2, 8)

	id1, outcome1 := tbl.TryAdmit(stakedMeta("a", 10))
	require.Equal(t, Admit, outcome1)
	require.NotZero(t, id1)

	_, outcome2 := tbl.TryAdmit(stakedMeta("b", 20))
	require.Equal(t, Admit, outcome2)

	staked, unstaked := tbl.Sizes()
	require.Equal(t, 2, staked)
	require.Equal(t, 0, unstaked)
}

func TestTryAdmit_StakedEvictsLowerStake(t *testing.T) {
	tbl := New(2, 2, 8)
	_, _ = tbl.TryAdmit(stakedMeta("low", 5))
	_, _ = tbl.TryAdmit(stakedMeta("mid", 10))

	_, outcome := tbl.TryAdmit(stakedMeta("high", 50))
	require.Equal(t, RejectCapacityPruning, outcome)

	idents := tbl.StakedIdentities()
	require.NotContains(t, idents, "low")
	require.Contains(t, idents, "mid")
	require.Contains(t, idents, "high")
}

func TestTryAdmit_StakedRejectsWhenNoLowerVictim(t *testing.T) {
	tbl := New(2, 2, 8)
	_, _ = tbl.TryAdmit(stakedMeta("a", 50))
	_, _ = tbl.TryAdmit(stakedMeta("b", 60))

	_, outcome := tbl.TryAdmit(stakedMeta("newcomer", 10))
	require.Equal(t, RejectCapacity, outcome)

	staked, _ := tbl.Sizes()
	require.Equal(t, 2, staked)
}

func TestTryAdmit_UnstakedNeverEvictsStaked(t *testing.T) {
	tbl := New(1, 1, 8)
	_, _ = tbl.TryAdmit(stakedMeta("staker", 10))
	_, outcome := tbl.TryAdmit(unstakedMeta("u1"))
	require.Equal(t, Admit, outcome)

	_, outcome2 := tbl.TryAdmit(unstakedMeta("u2"))
	require.Equal(t, RejectCapacityPruning, outcome2)

	staked, unstaked := tbl.Sizes()
	require.Equal(t, 1, staked)
	require.Equal(t, 1, unstaked)
	require.Contains(t, tbl.StakedIdentities(), "staker")
}

func TestTryAdmit_PerPeerLimit(t *testing.T) {
	tbl := New(10, 10, 2)
	_, o1 := tbl.TryAdmit(unstakedMeta("peer"))
	_, o2 := tbl.TryAdmit(unstakedMeta("peer"))
	_, o3 := tbl.TryAdmit(unstakedMeta("peer"))

	require.Equal(t, Admit, o1)
	require.Equal(t, Admit, o2)
	require.Equal(t, RejectPerPeer, o3)
	require.Equal(t, 2, tbl.PeerCount("peer"))
}

func TestRemove(t *testing.T) {
	tbl := New(10, 10, 8)
	id, _ := tbl.TryAdmit(unstakedMeta("peer"))
	require.Equal(t, 1, tbl.PeerCount("peer"))

	tbl.Remove(id)
	require.Equal(t, 0, tbl.PeerCount("peer"))

	// Double-remove is a no-op, not a panic.
	tbl.Remove(id)
}
