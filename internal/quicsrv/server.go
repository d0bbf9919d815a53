package quicsrv

import (
	"context"
	"crypto/ed25519"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cppla/tpuquic/internal/classify"
	"github.com/cppla/tpuquic/internal/coalesce"
	"github.com/cppla/tpuquic/internal/config"
	"github.com/cppla/tpuquic/internal/contable"
	"github.com/cppla/tpuquic/internal/stats"
	"github.com/cppla/tpuquic/internal/throttle"
)

// Server is the fully-wired ingress core: ConnectionTable,
// PeerClassifier, StreamLoadEMA, BatchCoalescer and EndpointHost bound
// together the way run.go wires the teacher proxy's rules.
type Server struct {
	Name   string
	Logger *zap.Logger
	Stats  *stats.Stats

	Table         *contable.Table
	StakedNodes   *classify.StakedNodes
	Classifier    *classify.PeerClassifier
	EMA           *throttle.LoadEMA
	Coalescer     *coalesce.Coalescer
	Endpoint      *EndpointHost
	statsInterval time.Duration
}

// New builds a Server bound to sock, ready to Serve. consumer receives
// flushed packet batches; it must not block on TrySend.
func New(name string, logger *zap.Logger, cfg *config.Config, signKey ed25519.PrivateKey, sock *net.UDPConn, consumer coalesce.Consumer) (*Server, error) {
	st := stats.New()
	nodes := classify.NewStakedNodes()
	classifier := classify.NewPeerClassifier(nodes, cfg.ClassifyCacheTTL())
	ema := throttle.NewLoadEMA(cfg.EMAAlpha, cfg.SamplingInterval(), cfg.MaxStreamsPerMs, cfg.BudgetFloorPerMs, st)
	table := contable.New(cfg.MaxStakedConnections, cfg.MaxUnstakedConnections, cfg.MaxConnectionsPerPeer)
	coalescer := coalesce.New(64, cfg.Coalesce(), 4096, consumer, st, logger)

	gossipIP := net.ParseIP(cfg.GossipHost)

	host, err := NewEndpointHost(sock, Options{
		Name:       name,
		Logger:     logger,
		GossipHost: gossipIP,
		SignKey:    signKey,
		Table:      table,
		Classifier: classifier,
		EMA:        ema,
		Stats:      st,
		Coalescer:  coalescer,
		DriverConfig: DriverConfig{
			MaxConnectionsPerPeer: cfg.MaxConnectionsPerPeer,
			WaitForChunkTimeout:   cfg.WaitForChunkTimeout(),
			QUICMaxTimeout:        cfg.QUICMaxTimeout(),
			SamplingInterval:      cfg.SamplingInterval(),
			SemaphoreFactor:       4,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "new endpoint host")
	}

	return &Server{
		Name:          name,
		Logger:        logger,
		Stats:         st,
		Table:         table,
		StakedNodes:   nodes,
		Classifier:    classifier,
		EMA:           ema,
		Coalescer:     coalescer,
		Endpoint:      host,
		statsInterval: cfg.StatsInterval(),
	}, nil
}

// Run starts the coalescer, the EMA sampling ticker, the per-connection
// budget recalculator, the stats reporter, and the accept loop,
// blocking until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	go s.Coalescer.Run(ctx)
	go s.EMA.Run(ctx)
	go s.Endpoint.RunBudgetRecalculator(ctx)
	go s.Stats.RunReporter(ctx, s.Logger, s.Name+"_stats", s.statsInterval)

	s.Logger.Info(s.Name + " quic ingress started")
	err := s.Endpoint.Serve(ctx)
	s.Logger.Info(s.Name + " quic ingress stopped")
	return err
}

// Shutdown stops the endpoint's accept loop; in-flight drivers observe
// ctx cancellation from Run's caller to drain.
func (s *Server) Shutdown() {
	s.Endpoint.Shutdown()
}
