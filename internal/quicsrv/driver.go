package quicsrv

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/cppla/tpuquic/internal/assemble"
	"github.com/cppla/tpuquic/internal/classify"
	"github.com/cppla/tpuquic/internal/contable"
	"github.com/cppla/tpuquic/internal/throttle"
)

var (
	errNoPeerCertificate  = errors.New("quicsrv: no peer certificate presented")
	errUnsupportedKeyType = errors.New("quicsrv: unsupported peer public key type")
)

// DriverConfig bundles the per-connection tunables a driver needs,
// threaded down from internal/config.Config.
type DriverConfig struct {
	MaxConnectionsPerPeer int
	WaitForChunkTimeout   time.Duration
	QUICMaxTimeout        time.Duration
	SamplingInterval      time.Duration

	// SemaphoreFactor (K in spec.md §4.H) bounds concurrent streams per
	// connection at assigned_budget * K, to cap memory blow-up without
	// queuing a throttled backlog.
	SemaphoreFactor int
}

// driver is ConnectionDriver (component H): per-connection
// stream-accept loop, throttling decisions, and dispatch to
// ChunkAssembler.
type driver struct {
	host *EndpointHost
	conn *quic.Conn

	identity  string
	class     classify.Classification
	connID    contable.ConnID
	throttler *throttle.Throttler
	sem       chan struct{}
	logger    *zap.Logger
}

func newDriver(host *EndpointHost, conn *quic.Conn) *driver {
	return &driver{host: host, conn: conn, logger: host.logger}
}

// run accepts unidirectional streams until the connection closes or
// the server shuts down, dispatching each to a throttling decision and
// (on admit) a bounded ChunkAssembler task.
func (d *driver) run(ctx context.Context) {
	defer d.host.stats.ActiveConnections.Add(-1)

	identity, err := peerIdentity(d.conn)
	if err != nil {
		d.host.stats.ConnectionSetupError.Add(1)
		_ = d.conn.CloseWithError(0, "bad client identity")
		return
	}
	d.identity = identity
	d.class = d.host.classifier.Classify(identity)

	connID, outcome := d.host.table.TryAdmit(contable.Meta{Identity: identity, Class: d.class})
	switch outcome {
	case contable.RejectPerPeer:
		d.host.stats.ConnectionAddFailed.Add(1)
		d.host.stats.ConnectionAddFailedInvalidStreamCount.Add(1)
		_ = d.conn.CloseWithError(1, "per-peer connection limit")
		return
	case contable.RejectCapacity:
		d.host.stats.ConnectionAddFailed.Add(1)
		if d.class.IsStaked() {
			d.host.stats.ConnectionAddFailedStakedNode.Add(1)
		} else {
			d.host.stats.ConnectionAddFailedUnstakedNode.Add(1)
		}
		_ = d.conn.CloseWithError(2, "connection table full")
		return
	case contable.RejectCapacityPruning:
		d.host.stats.Evictions.Add(1)
		d.host.stats.ConnectionAddFailedOnPruning.Add(1)
	}
	d.connID = connID
	if d.class.IsStaked() {
		d.host.stats.ConnectionAddedFromStakedPeer.Add(1)
	} else {
		d.host.stats.ConnectionAddedFromUnstakedPeer.Add(1)
	}
	defer func() {
		d.host.table.Remove(d.connID)
		d.host.stats.ConnectionRemoved.Add(1)
	}()

	budget := d.computeBudget()
	d.throttler = throttle.NewThrottler(d.host.cfg.SamplingInterval, budget)
	semSize := budget * d.host.cfg.SemaphoreFactor
	if semSize < 1 {
		semSize = 1
	}
	d.sem = make(chan struct{}, semSize)

	d.host.registerDriver(d)
	defer d.host.unregisterDriver(d.connID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if d.host.ShuttingDown() {
			return
		}

		str, err := d.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		d.host.stats.NewStreams.Add(1)
		d.host.ema.RecordOpen()

		if d.throttler.TryOpen() == throttle.DecisionThrottled {
			d.host.stats.ThrottledStreams.Add(1)
			if d.class.IsStaked() {
				d.host.stats.ThrottledStakedStreams.Add(1)
			} else {
				d.host.stats.ThrottledUnstakedStreams.Add(1)
			}
			_ = str.CancelRead(0)
			continue
		}

		select {
		case d.sem <- struct{}{}:
		default:
			// Concurrent-stream cap reached: treat like throttling
			// rather than blocking the accept loop on a backlog.
			d.host.stats.ThrottledStreams.Add(1)
			_ = str.CancelRead(0)
			continue
		}

		d.host.stats.ActiveStreams.Add(1)
		go d.handleStream(ctx, str)
	}
}

func (d *driver) handleStream(ctx context.Context, str quic.ReceiveStream) {
	defer func() {
		<-d.sem
		d.host.stats.ActiveStreams.Add(-1)
	}()

	source := assemble.NewStreamReader(str, assemble.PacketDataSize)
	asm := assemble.NewAssembler(source, d.host.cfg.WaitForChunkTimeout, d.host.stats, d.class.IsStaked(), d.conn.RemoteAddr().String())
	result := asm.Assemble(ctx)
	if result.Failed {
		return
	}
	d.host.coalescer.Submit(result.Packet)
}

// computeBudget derives this connection's current per-interval stream
// budget per spec.md §4.D: staked connections get a proportional share
// of the staked pool; unstaked share the unstaked pool equally
// (approximated by current table size). Called once at admission and
// again every sampling interval by EndpointHost.recalcBudgets, so a
// connection's budget tracks the EMA for its whole lifetime rather
// than freezing at whatever the EMA read at handshake time.
func (d *driver) computeBudget() int {
	if d.class.IsStaked() {
		return d.host.ema.StakedBudget(d.class.Stake, d.class.TotalStake)
	}
	_, unstaked := d.host.table.Sizes()
	if unstaked < 1 {
		unstaked = 1
	}
	return d.host.ema.UnstakedBudget(unstaked)
}

// peerIdentity extracts the client's TLS public-key identity from the
// completed handshake: the (non-early) listener only hands out
// connections whose handshake has finished.
func peerIdentity(conn *quic.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.TLS.PeerCertificates) == 0 {
		return "", errNoPeerCertificate
	}
	pub, ok := state.TLS.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", errUnsupportedKeyType
	}
	return identityString(pub), nil
}
