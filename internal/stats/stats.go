// Package stats holds the ingress server's flat counter/gauge set and
// periodic reporting, mirroring the StreamStats struct and report()
// method from the original Solana QUIC streamer's quic.rs one field at
// a time. Counters are lock-free atomics (go.uber.org/atomic, already
// pulled in transitively by zap) swapped to zero on each report; gauges
// are read without reset.
package stats

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Stats is a flat set of monotonic counters and gauges shared by every
// component in the server via a single handle.
type Stats struct {
	// Gauges, read without reset.
	ActiveConnections atomic.Int64
	ActiveStreams     atomic.Int64

	// Delta counters, swapped to zero on Report.
	NewConnections                         atomic.Int64
	NewStreams                             atomic.Int64
	Evictions                              atomic.Int64
	ConnectionAddedFromStakedPeer          atomic.Int64
	ConnectionAddedFromUnstakedPeer        atomic.Int64
	ConnectionAddFailed                    atomic.Int64
	ConnectionAddFailedInvalidStreamCount  atomic.Int64
	ConnectionAddFailedStakedNode          atomic.Int64
	ConnectionAddFailedUnstakedNode        atomic.Int64
	ConnectionAddFailedOnPruning           atomic.Int64
	ConnectionRemoved                      atomic.Int64
	ConnectionRemoveFailed                 atomic.Int64
	ConnectionSetupTimeout                 atomic.Int64
	ConnectionSetupError                   atomic.Int64
	ConnectionSetupErrorTimedOut           atomic.Int64
	ConnectionSetupErrorClosed             atomic.Int64
	ConnectionSetupErrorTransport          atomic.Int64
	ConnectionSetupErrorAppClosed          atomic.Int64
	ConnectionSetupErrorReset              atomic.Int64
	ConnectionSetupErrorLocallyClosed      atomic.Int64
	InvalidChunk                           atomic.Int64
	InvalidChunkSize                       atomic.Int64
	PacketsAllocated                       atomic.Int64
	PacketBatchesAllocated                 atomic.Int64
	PacketsSentForBatching                 atomic.Int64
	StakedPacketsSentForBatching           atomic.Int64
	UnstakedPacketsSentForBatching         atomic.Int64
	BytesSentForBatching                   atomic.Int64
	ChunksSentForBatching                  atomic.Int64
	PacketsSentToConsumer                  atomic.Int64
	BytesSentToConsumer                    atomic.Int64
	ChunksProcessedByBatcher               atomic.Int64
	ChunksReceived                         atomic.Int64
	StakedChunksReceived                   atomic.Int64
	UnstakedChunksReceived                 atomic.Int64
	HandleChunkToPacketBatcherSendErr      atomic.Int64
	PacketBatchSendError                   atomic.Int64
	PacketBatchesSent                      atomic.Int64
	PacketBatchEmpty                       atomic.Int64
	StreamReadErrors                       atomic.Int64
	StreamReadTimeouts                     atomic.Int64
	ThrottledStreams                       atomic.Int64
	ThrottledUnstakedStreams               atomic.Int64
	ThrottledStakedStreams                 atomic.Int64

	// Load-level gauges, read without reset.
	StreamLoadEMA              atomic.Int64
	StreamLoadEMAOverflow      atomic.Int64
	StreamLoadCapacityOverflow atomic.Int64
}

// New returns an empty Stats block.
func New() *Stats {
	return &Stats{}
}

// Report emits one structured log event carrying every counter/gauge,
// then swaps delta counters back to zero. name identifies the metric
// family, matching the Rust datapoint_info!(name, ...) call shape.
func (s *Stats) Report(logger *zap.Logger, name string) {
	logger.Info(name,
		zap.Int64("active_connections", s.ActiveConnections.Load()),
		zap.Int64("active_streams", s.ActiveStreams.Load()),
		zap.Int64("new_connections", s.NewConnections.Swap(0)),
		zap.Int64("new_streams", s.NewStreams.Swap(0)),
		zap.Int64("evictions", s.Evictions.Swap(0)),
		zap.Int64("connection_added_from_staked_peer", s.ConnectionAddedFromStakedPeer.Swap(0)),
		zap.Int64("connection_added_from_unstaked_peer", s.ConnectionAddedFromUnstakedPeer.Swap(0)),
		zap.Int64("connection_add_failed", s.ConnectionAddFailed.Swap(0)),
		zap.Int64("connection_add_failed_invalid_stream_count", s.ConnectionAddFailedInvalidStreamCount.Swap(0)),
		zap.Int64("connection_add_failed_staked_node", s.ConnectionAddFailedStakedNode.Swap(0)),
		zap.Int64("connection_add_failed_unstaked_node", s.ConnectionAddFailedUnstakedNode.Swap(0)),
		zap.Int64("connection_add_failed_on_pruning", s.ConnectionAddFailedOnPruning.Swap(0)),
		zap.Int64("connection_removed", s.ConnectionRemoved.Swap(0)),
		zap.Int64("connection_remove_failed", s.ConnectionRemoveFailed.Swap(0)),
		zap.Int64("connection_setup_timeout", s.ConnectionSetupTimeout.Swap(0)),
		zap.Int64("connection_setup_error", s.ConnectionSetupError.Swap(0)),
		zap.Int64("connection_setup_error_timed_out", s.ConnectionSetupErrorTimedOut.Swap(0)),
		zap.Int64("connection_setup_error_closed", s.ConnectionSetupErrorClosed.Swap(0)),
		zap.Int64("connection_setup_error_transport", s.ConnectionSetupErrorTransport.Swap(0)),
		zap.Int64("connection_setup_error_app_closed", s.ConnectionSetupErrorAppClosed.Swap(0)),
		zap.Int64("connection_setup_error_reset", s.ConnectionSetupErrorReset.Swap(0)),
		zap.Int64("connection_setup_error_locally_closed", s.ConnectionSetupErrorLocallyClosed.Swap(0)),
		zap.Int64("invalid_chunk", s.InvalidChunk.Swap(0)),
		zap.Int64("invalid_chunk_size", s.InvalidChunkSize.Swap(0)),
		zap.Int64("packets_allocated", s.PacketsAllocated.Swap(0)),
		zap.Int64("packet_batches_allocated", s.PacketBatchesAllocated.Swap(0)),
		zap.Int64("packets_sent_for_batching", s.PacketsSentForBatching.Swap(0)),
		zap.Int64("staked_packets_sent_for_batching", s.StakedPacketsSentForBatching.Swap(0)),
		zap.Int64("unstaked_packets_sent_for_batching", s.UnstakedPacketsSentForBatching.Swap(0)),
		zap.Int64("bytes_sent_for_batching", s.BytesSentForBatching.Swap(0)),
		zap.Int64("chunks_sent_for_batching", s.ChunksSentForBatching.Swap(0)),
		zap.Int64("packets_sent_to_consumer", s.PacketsSentToConsumer.Swap(0)),
		zap.Int64("bytes_sent_to_consumer", s.BytesSentToConsumer.Swap(0)),
		zap.Int64("chunks_processed_by_batcher", s.ChunksProcessedByBatcher.Swap(0)),
		zap.Int64("chunks_received", s.ChunksReceived.Swap(0)),
		zap.Int64("staked_chunks_received", s.StakedChunksReceived.Swap(0)),
		zap.Int64("unstaked_chunks_received", s.UnstakedChunksReceived.Swap(0)),
		zap.Int64("handle_chunk_to_packet_batcher_send_err", s.HandleChunkToPacketBatcherSendErr.Swap(0)),
		zap.Int64("packet_batch_send_error", s.PacketBatchSendError.Swap(0)),
		zap.Int64("packet_batches_sent", s.PacketBatchesSent.Swap(0)),
		zap.Int64("packet_batch_empty", s.PacketBatchEmpty.Swap(0)),
		zap.Int64("stream_read_errors", s.StreamReadErrors.Swap(0)),
		zap.Int64("stream_read_timeouts", s.StreamReadTimeouts.Swap(0)),
		zap.Int64("throttled_streams", s.ThrottledStreams.Swap(0)),
		zap.Int64("throttled_unstaked_streams", s.ThrottledUnstakedStreams.Swap(0)),
		zap.Int64("throttled_staked_streams", s.ThrottledStakedStreams.Swap(0)),
		zap.Int64("stream_load_ema", s.StreamLoadEMA.Load()),
		zap.Int64("stream_load_ema_overflow", s.StreamLoadEMAOverflow.Load()),
		zap.Int64("stream_load_capacity_overflow", s.StreamLoadCapacityOverflow.Load()),
	)
}

// RunReporter reports name on every tick until ctx is canceled, the
// cooperative-task shape spec.md §5 requires of the StatsReporter
// ticker.
func (s *Stats) RunReporter(ctx context.Context, logger *zap.Logger, name string, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Report(logger, name)
		}
	}
}
