package quicsrv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cppla/tpuquic/internal/classify"
	"github.com/cppla/tpuquic/internal/contable"
	"github.com/cppla/tpuquic/internal/stats"
	"github.com/cppla/tpuquic/internal/throttle"
)

// TestRecalcBudgets_UpdatesLiveThrottler exercises the fix for
// connections whose assigned_budget must track the EMA for their
// whole lifetime, not just at handshake time.
func TestRecalcBudgets_UpdatesLiveThrottler(t *testing.T) {
	ema := throttle.NewLoadEMA(1, 10*time.Millisecond, 10, 0, stats.New())
	host := &EndpointHost{
		ema:     ema,
		table:   contable.New(10, 10, 8),
		drivers: make(map[contable.ConnID]*driver),
	}

	d := &driver{
		host:      host,
		class:     classify.Classification{Class: classify.Staked, Stake: 500, TotalStake: 1000},
		connID:    1,
		throttler: throttle.NewThrottler(time.Hour, 1),
	}
	host.registerDriver(d)

	require.Equal(t, throttle.DecisionAdmit, d.throttler.TryOpen())
	require.Equal(t, throttle.DecisionThrottled, d.throttler.TryOpen(), "starting budget of 1 is exhausted")

	host.recalcBudgets()

	for i := 0; i < 10; i++ {
		require.Equal(t, throttle.DecisionAdmit, d.throttler.TryOpen(), "recalculated budget should admit more opens in the same window")
	}
}

func TestRecalcBudgets_IgnoresUnregisteredDrivers(t *testing.T) {
	host := &EndpointHost{
		ema:     throttle.NewLoadEMA(1, 10*time.Millisecond, 10, 0, stats.New()),
		table:   contable.New(10, 10, 8),
		drivers: make(map[contable.ConnID]*driver),
	}
	// No drivers registered: recalcBudgets must be a no-op, not panic.
	host.recalcBudgets()

	d := &driver{host: host, connID: 2, throttler: throttle.NewThrottler(time.Hour, 1)}
	host.registerDriver(d)
	host.unregisterDriver(d.connID)
	host.recalcBudgets()
}
