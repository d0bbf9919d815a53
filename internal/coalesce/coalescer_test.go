package coalesce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cppla/tpuquic/internal/assemble"
	"github.com/cppla/tpuquic/internal/stats"
)

func TestCoalescer_FlushesOnMaxBatchSize(t *testing.T) {
	st := stats.New()
	consumer := make(ChanConsumer, 4)
	c := New(2, time.Hour, 16, consumer, st, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.True(t, c.Submit(assemble.Packet{Data: []byte("a")}))
	require.True(t, c.Submit(assemble.Packet{Data: []byte("b")}))

	select {
	case batch := <-consumer:
		require.Len(t, batch.Packets, 2)
	case <-time.After(time.Second):
		t.Fatal("expected a flushed batch on max size")
	}
}

func TestCoalescer_FlushesOnTimer(t *testing.T) {
	st := stats.New()
	consumer := make(ChanConsumer, 4)
	c := New(10, 20*time.Millisecond, 16, consumer, st, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.True(t, c.Submit(assemble.Packet{Data: []byte("a")}))

	select {
	case batch := <-consumer:
		require.Len(t, batch.Packets, 1)
	case <-time.After(time.Second):
		t.Fatal("expected a flushed batch on coalesce timer")
	}
}

func TestCoalescer_SubmitDropsWhenFull(t *testing.T) {
	st := stats.New()
	consumer := make(ChanConsumer, 1)
	c := New(10, time.Hour, 1, consumer, st, zap.NewNop())

	require.True(t, c.Submit(assemble.Packet{Data: []byte("a")}))
	require.False(t, c.Submit(assemble.Packet{Data: []byte("b")}))
	require.Equal(t, int64(1), st.HandleChunkToPacketBatcherSendErr.Load())
}
