// Command tpuquic-server runs the standalone QUIC transaction-ingress
// front end: accept connections, admit/classify/throttle them, and
// forward reassembled packet batches downstream.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cppla/tpuquic/internal/assemble"
	"github.com/cppla/tpuquic/internal/coalesce"
	"github.com/cppla/tpuquic/internal/config"
	"github.com/cppla/tpuquic/internal/logging"
	"github.com/cppla/tpuquic/internal/quicsrv"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	identityPath := flag.String("identity", "", "Path to an ed25519 identity PEM; a fresh one is generated if omitted")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg := config.GlobalCfg

	logger := logging.New(cfg)
	defer logger.Sync()

	signKey, err := loadOrGenerateIdentity(*identityPath)
	if err != nil {
		logger.Sugar().Fatalf("identity: %v", err)
	}

	listen := cfg.Listen
	if listen == "" {
		listen = "0.0.0.0:8009"
	}
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		logger.Sugar().Fatalf("resolve listen address: %v", err)
	}
	sock, err := net.ListenUDP("udp", addr)
	if err != nil {
		logger.Sugar().Fatalf("bind udp socket: %v", err)
	}

	batches := make(coalesce.ChanConsumer, 1024)
	srv, err := quicsrv.New("tpuquic", logger, cfg, signKey, sock, batches)
	if err != nil {
		logger.Sugar().Fatalf("build server: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go drainBatches(ctx, batches, logger.Named("batches"))

	logger.Info("TPU QUIC ingress starting")
	if err := srv.Run(ctx); err != nil {
		logger.Sugar().Errorf("server stopped: %v", err)
	}
	logger.Info("TPU QUIC ingress stopped")
}

// drainBatches stands in for the downstream transaction-processing
// pipeline; a real deployment wires this channel into its own
// consumer instead.
func drainBatches(ctx context.Context, batches <-chan assemble.Batch, logger interface{ Sync() error }) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-batches:
		}
	}
}

func loadOrGenerateIdentity(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("identity file %s: no PEM block found", path)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file %s: unexpected key size %d", path, len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}
