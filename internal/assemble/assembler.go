package assemble

import (
	"context"
	"io"
	"time"

	"github.com/cppla/tpuquic/internal/stats"
)

// Chunk is one contiguous byte range of a uni-stream, as delivered by
// the QUIC transport. quic-go's ReceiveStream.Read only ever returns
// stream bytes in order, so production chunk sources report Offset as
// their own running byte count — but the ChunkSource abstraction below
// lets tests inject out-of-order or oversized chunks to exercise the
// failure modes spec.md §4.F names.
type Chunk struct {
	Offset int
	Data   []byte
}

// ChunkSource yields the next chunk of one stream, or io.EOF when the
// stream has been cleanly closed by the peer. SetReadDeadline bounds
// the next ReadChunk call, the same deadline idiom the teacher proxy
// uses on net.Conn in its regex-sniffing handler.
type ChunkSource interface {
	SetReadDeadline(t time.Time) error
	ReadChunk() (Chunk, error)
}

// FailKind classifies why an assembly attempt failed.
type FailKind int

const (
	FailInvalidChunk FailKind = iota
	FailInvalidChunkSize
	FailTimeout
	FailReadError
)

// Result is the terminal outcome of assembling one stream into a packet.
type Result struct {
	Packet Packet
	Failed bool
	Kind   FailKind
	Err    error
}

// deadlineReader is the subset of quic.ReceiveStream this package
// depends on.
type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// StreamReader wraps a deadlineReader (a quic.ReceiveStream in
// production) as a ChunkSource, tracking bytesSeen as its own offset —
// quic-go's Read always returns stream bytes in order, so no explicit
// wire-level offset exists to consult.
type StreamReader struct {
	r         deadlineReader
	bytesSeen int
	chunkSize int
}

// NewStreamReader wraps r, reading up to chunkSize bytes per ReadChunk call.
func NewStreamReader(r deadlineReader, chunkSize int) *StreamReader {
	if chunkSize <= 0 {
		chunkSize = PacketDataSize
	}
	return &StreamReader{r: r, chunkSize: chunkSize}
}

// SetReadDeadline forwards to the underlying stream.
func (s *StreamReader) SetReadDeadline(t time.Time) error {
	return s.r.SetReadDeadline(t)
}

// ReadChunk reads the next chunk.
func (s *StreamReader) ReadChunk() (Chunk, error) {
	buf := make([]byte, s.chunkSize)
	n, err := s.r.Read(buf)
	if n > 0 {
		c := Chunk{Offset: s.bytesSeen, Data: buf[:n]}
		s.bytesSeen += n
		if err == io.EOF {
			// Deliver the final bytes now; report EOF on the next call.
			return c, nil
		}
		return c, err
	}
	return Chunk{}, err
}

// Assembler owns a single unidirectional stream's reassembly into one
// fixed-size packet (component F). States: Reading{bytesSeen} ->
// Finished{len} -> Delivered (terminal) | Failed{kind} (terminal).
type Assembler struct {
	source   ChunkSource
	timeout  time.Duration
	stats    *stats.Stats
	staked   bool
	source_  string
}

// NewAssembler builds an Assembler reading from source, enforcing
// timeout between chunks, and tagging delivered packets with the
// connection's staked flag and remote address for metadata.
func NewAssembler(source ChunkSource, timeout time.Duration, st *stats.Stats, staked bool, remoteAddr string) *Assembler {
	return &Assembler{source: source, timeout: timeout, stats: st, staked: staked, source_: remoteAddr}
}

// Assemble runs the chunk-read loop to completion: Finished, or one of
// the Failed{kind} terminal states. ctx is checked before each chunk
// read; a ReadChunk already in flight is not interrupted by ctx and
// ends by its own per-chunk read deadline.
func (a *Assembler) Assemble(ctx context.Context) Result {
	buf := make([]byte, PacketDataSize)
	bytesSeen := 0

	for {
		select {
		case <-ctx.Done():
			return Result{Failed: true, Kind: FailReadError, Err: ctx.Err()}
		default:
		}

		chunk, err := a.readChunk()
		if err != nil {
			if err == io.EOF {
				if bytesSeen > 0 {
					return a.finish(buf, bytesSeen)
				}
				return Result{Failed: true, Kind: FailReadError, Err: err}
			}
			if isTimeout(err) {
				a.stats.StreamReadTimeouts.Add(1)
				return Result{Failed: true, Kind: FailTimeout, Err: err}
			}
			a.stats.StreamReadErrors.Add(1)
			return Result{Failed: true, Kind: FailReadError, Err: err}
		}

		if chunk.Offset != bytesSeen {
			a.stats.InvalidChunk.Add(1)
			return Result{Failed: true, Kind: FailInvalidChunk}
		}
		if chunk.Offset+len(chunk.Data) > PacketDataSize {
			a.stats.InvalidChunkSize.Add(1)
			return Result{Failed: true, Kind: FailInvalidChunkSize}
		}

		copy(buf[bytesSeen:], chunk.Data)
		bytesSeen += len(chunk.Data)
		a.stats.ChunksReceived.Add(1)
		if a.staked {
			a.stats.StakedChunksReceived.Add(1)
		} else {
			a.stats.UnstakedChunksReceived.Add(1)
		}

		if bytesSeen == PacketDataSize {
			return a.finish(buf, bytesSeen)
		}
	}
}

func (a *Assembler) finish(buf []byte, n int) Result {
	a.stats.PacketsAllocated.Add(1)
	data := make([]byte, n)
	copy(data, buf[:n])
	return Result{Packet: Packet{
		Data:       data,
		Source:     a.source_,
		ReceivedAt: time.Now(),
		Staked:     a.staked,
	}}
}

// readChunk bounds the next ReadChunk call by wait_for_chunk_timeout
// via the stream's own read deadline, matching the teacher's
// conn.SetReadDeadline idiom.
func (a *Assembler) readChunk() (Chunk, error) {
	_ = a.source.SetReadDeadline(time.Now().Add(a.timeout))
	return a.source.ReadChunk()
}

// timeoutError is satisfied by net.Error and quic-go's deadline errors.
type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	te, ok := err.(timeoutError)
	return ok && te.Timeout()
}
