package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/api"
	"github.com/dexloom/lloom/internal/config"
	"github.com/dexloom/lloom/internal/identity"
	"github.com/dexloom/lloom/internal/p2p"
	"github.com/dexloom/lloom/internal/registry"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load("validator")
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatal("create data dir", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := identity.LoadOrCreate(cfg.IdentityPath())
	if err != nil {
		log.Fatal("identity init failed", zap.Error(err))
	}
	log.Info("identity loaded",
		zap.String("peer_id", id.PeerID().String()),
		zap.String("evm_address", id.EVMAddress().Hex()),
	)

	node, err := p2p.NewNode(ctx, id, p2p.Config{
		ListenAddr:     cfg.P2P.ListenAddr,
		BootstrapPeers: cfg.P2P.BootstrapPeers,
		RequestTimeout: time.Duration(cfg.P2P.RequestTimeoutSecs) * time.Second,
	}, log)
	if err != nil {
		log.Fatal("p2p node init failed", zap.Error(err))
	}
	defer node.Close()

	// ── Executor registry: gossip consumers + staleness sweeper ──────────────
	reg := registry.NewRegistry(
		time.Duration(cfg.Validator.StalenessThresholdSecs)*time.Second,
		time.Duration(cfg.Validator.SweepIntervalSecs)*time.Second,
		log,
	)
	if err := reg.Start(ctx, node); err != nil {
		log.Fatal("registry start failed", zap.Error(err))
	}

	// ── Discovery RPC surface ─────────────────────────────────────────────────
	vh := registry.NewValidatorHandler(reg, id, log)
	node.SetRequestHandler(vh.HandleEnvelope)

	// ── Operator HTTP surface ─────────────────────────────────────────────────
	apiHandler := api.NewHandler(id, "validator", log)
	apiHandler.RegistrySize = reg.Size

	r := gin.New()
	r.Use(gin.Recovery())
	apiHandler.Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		log.Info("operator API starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("operator API error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("operator API shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
