package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cppla/tpuquic/internal/stats"
)

func TestLoadEMA_TickFoldsObservedOpens(t *testing.T) {
	ema := NewLoadEMA(0.5, 10*time.Millisecond, 1, 1, stats.New())

	ema.RecordOpen()
	ema.RecordOpen()
	ema.tick()
	require.InDelta(t, 1.0, ema.CurrentLoad(), 0.0001)

	ema.RecordOpen()
	ema.RecordOpen()
	ema.RecordOpen()
	ema.RecordOpen()
	ema.tick()
	require.InDelta(t, 2.5, ema.CurrentLoad(), 0.0001)
}

func TestLoadEMA_ContractsUnderLoad(t *testing.T) {
	ema := NewLoadEMA(1, 10*time.Millisecond, 1, 0, stats.New())
	// capacity = 1 * 10ms = 10; push the EMA well above capacity.
	for i := 0; i < 100; i++ {
		ema.RecordOpen()
	}
	ema.tick()
	require.Greater(t, ema.CurrentLoad(), ema.Capacity())

	budget := ema.StakedBudget(500, 1000)
	require.GreaterOrEqual(t, budget, 1)
	require.Less(t, float64(budget), ema.Capacity())
}

func TestLoadEMA_BudgetNeverBelowFloor(t *testing.T) {
	ema := NewLoadEMA(1, 10*time.Millisecond, 1, 1, stats.New())
	for i := 0; i < 1000; i++ {
		ema.RecordOpen()
	}
	ema.tick()

	require.Equal(t, 10, ema.StakedBudget(1, 1000000))
	require.Equal(t, 10, ema.UnstakedBudget(1000000))
}

func TestLoadEMA_StakedBudgetProportional(t *testing.T) {
	ema := NewLoadEMA(1, 10*time.Millisecond, 10, 0, stats.New())
	// No load recorded: contraction factor is 1 (capacity / max(ema,1) = 100/1 -> clamped to 1).
	half := ema.StakedBudget(500, 1000)
	quarter := ema.StakedBudget(250, 1000)
	require.Greater(t, half, quarter)
}
