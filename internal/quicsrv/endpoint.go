// Package quicsrv wires the QUIC transport (EndpointHost, component A)
// and the per-connection driver (component H) on top of the
// admission/classification/throttling/assembly/coalescing engine in
// the sibling packages.
package quicsrv

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cppla/tpuquic/internal/assemble"
	"github.com/cppla/tpuquic/internal/classify"
	"github.com/cppla/tpuquic/internal/coalesce"
	"github.com/cppla/tpuquic/internal/contable"
	"github.com/cppla/tpuquic/internal/stats"
	"github.com/cppla/tpuquic/internal/throttle"
)

// assemblePacketDataSize mirrors assemble.PacketDataSize as a uint64
// for quic.Config's window fields.
const assemblePacketDataSize = uint64(assemble.PacketDataSize)

// QUICMaxUnstakedConcurrentStreams bounds initial_max_streams_uni
// together with PacketDataSize-sized windows, per spec.md §6.
const QUICMaxUnstakedConcurrentStreams = 128

// KeyUpdater is the sole polymorphic boundary this server exposes to
// its host process: a callback to rebuild and install new TLS
// credentials without tearing down inflight connections.
type KeyUpdater interface {
	UpdateKey(key ed25519.PrivateKey) error
}

// EndpointHost owns a single UDP socket bound to a QUIC endpoint. It
// accepts new connections and supports live TLS key rotation via an
// atomically swapped *tls.Config, resolved per-handshake through
// tls.Config.GetConfigForClient — the standard Go idiom for rotating
// server credentials without rebuilding the listener, mirroring
// set_server_config in the original Rust server.
type EndpointHost struct {
	name   string
	logger *zap.Logger

	transport *quic.Transport
	listener  *quic.Listener

	tlsConfig  atomic.Pointer[tls.Config]
	gossipHost net.IP

	table      *contable.Table
	classifier *classify.PeerClassifier
	ema        *throttle.LoadEMA
	stats      *stats.Stats
	coalescer  *coalesce.Coalescer

	cfg DriverConfig

	shutdown atomic.Bool

	// drivers tracks every live connection's driver, so its throttler's
	// assigned_budget can be recomputed each sampling interval instead
	// of staying frozen at its handshake-time value — spec.md §4.D
	// describes the budget as a continuous function of the EMA, not a
	// one-shot allocation.
	driversMu sync.Mutex
	drivers   map[contable.ConnID]*driver
}

// Options collects EndpointHost's construction-time dependencies.
type Options struct {
	Name       string
	Logger     *zap.Logger
	GossipHost net.IP
	SignKey    ed25519.PrivateKey

	Table      *contable.Table
	Classifier *classify.PeerClassifier
	EMA        *throttle.LoadEMA
	Stats      *stats.Stats
	Coalescer  *coalesce.Coalescer

	DriverConfig DriverConfig
}

// NewEndpointHost binds sock and configures a QUIC listener per
// spec.md §4.A: ALPN "solana-tpu", uni-stream windows sized to one
// packet, bidi streams and datagrams disabled, max idle timeout from
// cfg. Retry (address validation) and GSO are not configured here and
// stay at quic-go's defaults.
func NewEndpointHost(sock *net.UDPConn, opts Options) (*EndpointHost, error) {
	h := &EndpointHost{
		name:       opts.Name,
		logger:     opts.Logger,
		gossipHost: opts.GossipHost,
		table:      opts.Table,
		classifier: opts.Classifier,
		ema:        opts.EMA,
		stats:      opts.Stats,
		coalescer:  opts.Coalescer,
		cfg:        opts.DriverConfig,
		drivers:    make(map[contable.ConnID]*driver),
	}

	cert, err := buildCertificate(opts.SignKey, opts.GossipHost)
	if err != nil {
		return nil, errors.Wrap(err, "build initial certificate")
	}
	h.tlsConfig.Store(h.newTLSConfig(cert))

	h.transport = &quic.Transport{Conn: sock}
	listener, err := h.transport.Listen(h.clientFacingTLSConfig(), h.quicConfig())
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	h.listener = listener
	return h, nil
}

// clientFacingTLSConfig returns a tls.Config whose GetConfigForClient
// hook resolves the currently installed credentials per-handshake, so
// rotate_key never needs to touch the listener itself.
func (h *EndpointHost) clientFacingTLSConfig() *tls.Config {
	return &tls.Config{
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return h.tlsConfig.Load(), nil
		},
	}
}

func (h *EndpointHost) newTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
	}
}

func (h *EndpointHost) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:                 h.cfg.QUICMaxTimeout,
		MaxIncomingUniStreams:          int64(2 * QUICMaxUnstakedConcurrentStreams),
		MaxIncomingStreams:             -1, // negative disallows bidi streams; 0 would mean quic-go's default
		InitialStreamReceiveWindow:     assemblePacketDataSize,
		MaxStreamReceiveWindow:         assemblePacketDataSize,
		InitialConnectionReceiveWindow: assemblePacketDataSize,
		MaxConnectionReceiveWindow:     assemblePacketDataSize,
		EnableDatagrams:                false,
	}
}

// UpdateKey rebuilds the TLS configuration from newKey and atomically
// installs it; inflight connections continue under the old
// credentials (GetConfigForClient is consulted only at handshake
// time), new handshakes use the new credentials. On cert-generation
// failure the old configuration remains active and the error is
// returned to the caller, per spec.md §7's KeyRotationFailure policy.
func (h *EndpointHost) UpdateKey(newKey ed25519.PrivateKey) error {
	cert, err := buildCertificate(newKey, h.gossipHost)
	if err != nil {
		return errors.Wrap(err, "rebuild certificate")
	}
	h.tlsConfig.Store(h.newTLSConfig(cert))
	h.logger.Info(h.name + " rotated TLS key")
	return nil
}

// Shutdown stops accepting new connections and signals drivers via
// the shared shutdown flag.
func (h *EndpointHost) Shutdown() {
	h.shutdown.Store(true)
	_ = h.listener.Close()
}

// ShuttingDown reports whether Shutdown has been called.
func (h *EndpointHost) ShuttingDown() bool { return h.shutdown.Load() }

// Serve runs the accept loop until ctx is canceled or Shutdown is called.
func (h *EndpointHost) Serve(ctx context.Context) error {
	for {
		conn, err := h.listener.Accept(ctx)
		if err != nil {
			if h.ShuttingDown() || ctx.Err() != nil {
				return nil
			}
			h.stats.ConnectionSetupError.Add(1)
			classifyAcceptError(h.stats, err)
			continue
		}
		h.stats.NewConnections.Add(1)
		h.stats.ActiveConnections.Add(1)
		driver := newDriver(h, conn)
		go driver.run(ctx)
	}
}

func (h *EndpointHost) registerDriver(d *driver) {
	h.driversMu.Lock()
	h.drivers[d.connID] = d
	h.driversMu.Unlock()
}

func (h *EndpointHost) unregisterDriver(id contable.ConnID) {
	h.driversMu.Lock()
	delete(h.drivers, id)
	h.driversMu.Unlock()
}

// RunBudgetRecalculator recomputes every live connection's throttler
// budget once per sampling interval, the same cooperative-task shape
// stats.RunReporter uses to tick against every component. Without
// this, a connection's assigned_budget would stay frozen at whatever
// the EMA happened to read at handshake time, so adaptive throttling
// would only ever affect new connections, not long-lived ones.
func (h *EndpointHost) RunBudgetRecalculator(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SamplingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.recalcBudgets()
		}
	}
}

func (h *EndpointHost) recalcBudgets() {
	h.driversMu.Lock()
	live := make([]*driver, 0, len(h.drivers))
	for _, d := range h.drivers {
		live = append(live, d)
	}
	h.driversMu.Unlock()

	for _, d := range live {
		d.throttler.SetBudget(d.computeBudget())
	}
}

func classifyAcceptError(st *stats.Stats, err error) {
	var idleErr *quic.IdleTimeoutError
	var appErr *quic.ApplicationError
	var transportErr *quic.TransportError
	switch {
	case stderrors.As(err, &idleErr):
		st.ConnectionSetupErrorTimedOut.Add(1)
	case stderrors.As(err, &appErr):
		st.ConnectionSetupErrorAppClosed.Add(1)
	case stderrors.As(err, &transportErr):
		st.ConnectionSetupErrorTransport.Add(1)
	default:
		st.ConnectionSetupErrorClosed.Add(1)
	}
}
