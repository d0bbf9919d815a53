// Package coalesce implements BatchCoalescer (component G): a
// per-server background task accumulating reconstructed packets into
// batches, flushed on size or timer.
package coalesce

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/tpuquic/internal/assemble"
	"github.com/cppla/tpuquic/internal/stats"
)

// Consumer is the downstream bounded multi-producer channel's
// try-send boundary: non-blocking, returns false if the channel is full.
type Consumer interface {
	TrySend(batch assemble.Batch) bool
}

// ChanConsumer adapts a bounded channel of assemble.Batch to Consumer.
type ChanConsumer chan assemble.Batch

// TrySend attempts a non-blocking send.
func (c ChanConsumer) TrySend(batch assemble.Batch) bool {
	select {
	case c <- batch:
		return true
	default:
		return false
	}
}

// Coalescer accumulates packets arriving on a bounded channel from
// drivers into the current batch, flushing on max size, a coalesce
// timer, or shutdown.
type Coalescer struct {
	maxBatchSize int
	coalesce     time.Duration

	packets  chan assemble.Packet
	consumer Consumer
	stats    *stats.Stats
	logger   *zap.Logger
}

// New builds a Coalescer. packetBuf bounds how many finished packets
// may queue between ChunkAssemblers and the coalescer loop.
func New(maxBatchSize int, coalesce time.Duration, packetBuf int, consumer Consumer, st *stats.Stats, logger *zap.Logger) *Coalescer {
	return &Coalescer{
		maxBatchSize: maxBatchSize,
		coalesce:     coalesce,
		packets:      make(chan assemble.Packet, packetBuf),
		consumer:     consumer,
		stats:        st,
		logger:       logger,
	}
}

// Submit enqueues one reconstructed packet for batching. It never
// blocks the caller's accept path: on a full queue the packet is
// dropped and counted.
func (c *Coalescer) Submit(p assemble.Packet) bool {
	select {
	case c.packets <- p:
		c.stats.PacketsSentForBatching.Add(1)
		c.stats.BytesSentForBatching.Add(int64(len(p.Data)))
		c.stats.ChunksSentForBatching.Add(1)
		if p.Staked {
			c.stats.StakedPacketsSentForBatching.Add(1)
		} else {
			c.stats.UnstakedPacketsSentForBatching.Add(1)
		}
		return true
	default:
		c.stats.HandleChunkToPacketBatcherSendErr.Add(1)
		return false
	}
}

// Run is the coalescer's background task: it holds the current batch
// and flushes on max size, the coalesce timer, or ctx cancellation
// (shutdown). No task holds a lock across a suspension point — the
// batch lives entirely in this goroutine's stack.
func (c *Coalescer) Run(ctx context.Context) {
	var batch assemble.Batch
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch.Packets) == 0 {
			c.stats.PacketBatchEmpty.Add(1)
			return
		}
		c.stats.PacketBatchesAllocated.Add(1)
		if c.consumer.TrySend(batch) {
			c.stats.PacketBatchesSent.Add(1)
			c.stats.PacketsSentToConsumer.Add(int64(len(batch.Packets)))
			c.stats.BytesSentToConsumer.Add(int64(batch.Bytes()))
		} else {
			c.stats.PacketBatchSendError.Add(1)
		}
		batch = assemble.Batch{}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case p := <-c.packets:
			if len(batch.Packets) == 0 {
				timer = time.NewTimer(c.coalesce)
				timerC = timer.C
			}
			batch.Packets = append(batch.Packets, p)
			c.stats.ChunksProcessedByBatcher.Add(1)
			if len(batch.Packets) >= c.maxBatchSize {
				flush()
			}
		case <-timerC:
			flush()
		}
	}
}
