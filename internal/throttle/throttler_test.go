package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottler_AdmitsWithinBudget(t *testing.T) {
	now := time.Now()
	th := NewThrottler(time.Second, 3)
	th.now = func() time.Time { return now }

	require.Equal(t, DecisionAdmit, th.TryOpen())
	require.Equal(t, DecisionAdmit, th.TryOpen())
	require.Equal(t, DecisionAdmit, th.TryOpen())
	require.Equal(t, DecisionThrottled, th.TryOpen())
}

func TestThrottler_WindowRollover(t *testing.T) {
	now := time.Now()
	th := NewThrottler(time.Second, 1)
	th.now = func() time.Time { return now }

	require.Equal(t, DecisionAdmit, th.TryOpen())
	require.Equal(t, DecisionThrottled, th.TryOpen())

	now = now.Add(2 * time.Second)
	require.Equal(t, DecisionAdmit, th.TryOpen())
}

func TestThrottler_SetBudgetAppliesImmediately(t *testing.T) {
	now := time.Now()
	th := NewThrottler(time.Second, 1)
	th.now = func() time.Time { return now }

	require.Equal(t, DecisionAdmit, th.TryOpen())
	require.Equal(t, DecisionThrottled, th.TryOpen())

	th.SetBudget(3)
	require.Equal(t, DecisionAdmit, th.TryOpen(), "a widened budget is honored within the current window")
	require.Equal(t, DecisionAdmit, th.TryOpen())
	require.Equal(t, DecisionThrottled, th.TryOpen())
}
