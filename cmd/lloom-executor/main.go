package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/api"
	"github.com/dexloom/lloom/internal/chain"
	"github.com/dexloom/lloom/internal/config"
	"github.com/dexloom/lloom/internal/executor"
	"github.com/dexloom/lloom/internal/identity"
	"github.com/dexloom/lloom/internal/llm"
	"github.com/dexloom/lloom/internal/p2p"
	"github.com/dexloom/lloom/internal/registry"
	"github.com/dexloom/lloom/internal/signing"
	"github.com/dexloom/lloom/internal/store"
	"github.com/dexloom/lloom/internal/wire"
)

const drainGrace = 30 * time.Second

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load("executor")
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatal("create data dir", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Identity (one key: PeerID + EVM address) ──────────────────────────────
	id, err := identity.LoadOrCreate(cfg.IdentityPath())
	if err != nil {
		log.Fatal("identity init failed", zap.Error(err))
	}
	log.Info("identity loaded",
		zap.String("peer_id", id.PeerID().String()),
		zap.String("evm_address", id.EVMAddress().Hex()),
	)

	domain := signing.NewDomain(
		big.NewInt(cfg.Chain.ChainID),
		common.HexToAddress(cfg.Chain.VerifyingContract),
	)

	// ── P2P substrate ─────────────────────────────────────────────────────────
	node, err := p2p.NewNode(ctx, id, p2p.Config{
		ListenAddr:     cfg.P2P.ListenAddr,
		BootstrapPeers: cfg.P2P.BootstrapPeers,
		RequestTimeout: time.Duration(cfg.P2P.RequestTimeoutSecs) * time.Second,
	}, log)
	if err != nil {
		log.Fatal("p2p node init failed", zap.Error(err))
	}
	defer node.Close()

	// ── Durable queues ────────────────────────────────────────────────────────
	usage, err := store.OpenUsageQueue(cfg.UsageQueuePath())
	if err != nil {
		log.Fatal("usage queue init failed", zap.Error(err))
	}
	defer usage.Close()
	dlq, err := store.OpenDeadLetterLog(cfg.DeadLetterPath())
	if err != nil {
		log.Fatal("dead-letter log init failed", zap.Error(err))
	}
	defer dlq.Close()

	// ── Chain client + submitter ──────────────────────────────────────────────
	onchain, err := chain.NewClient(chain.Config{
		RPCURL:       cfg.Chain.RPCURL,
		ContractAddr: common.HexToAddress(cfg.Chain.VerifyingContract),
		ChainID:      big.NewInt(cfg.Chain.ChainID),
		MaxFeePerGas: parseWei(cfg.Chain.MaxFeePerGas),
		MaxTipPerGas: parseWei(cfg.Chain.MaxTipPerGas),
	}, id.ChainKey(), log)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	defer onchain.Close()

	submitter := chain.NewSubmitter(
		onchain, usage, dlq,
		int(cfg.Executor.BatchSize),
		time.Duration(cfg.Executor.BatchIntervalSecs)*time.Second,
		int(cfg.Executor.MaxRetries),
		log,
	)
	submitterDone := make(chan struct{})
	go func() {
		submitter.Run(ctx)
		close(submitterDone)
	}()

	// ── LLM backend ───────────────────────────────────────────────────────────
	backend := llm.NewOpenAIClient(
		cfg.LLM.BackendURL,
		cfg.LLM.APIKey,
		time.Duration(cfg.LLM.TimeoutSecs)*time.Second,
	)
	if err := backend.HealthCheck(ctx); err != nil {
		log.Warn("llm backend health check failed; continuing", zap.Error(err))
	}

	// ── Announcer + request handler ───────────────────────────────────────────
	heartbeat := time.Duration(cfg.Executor.HeartbeatIntervalSecs) * time.Second
	announcer := registry.NewAnnouncer(node, id, heartbeat, log)

	priceTolerance := time.Duration(cfg.Executor.PriceToleranceSecs) * time.Second
	if priceTolerance == 0 {
		priceTolerance = heartbeat
	}
	handler := executor.NewHandler(
		domain, id, announcer, backend, llm.NewEstimatingCounter(),
		usage, submitter, int(cfg.Executor.BatchSize),
		executor.Config{
			MaxQueueSize:   int(cfg.Executor.MaxQueueSize),
			MaxInFlight:    int(cfg.Executor.MaxConcurrentRequests),
			RatePerMinute:  int(cfg.Executor.RateLimitPerClientPerMinute),
			PriceTolerance: priceTolerance,
			BackendTimeout: time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
		},
		log,
	)
	node.SetRequestHandler(handler.HandleEnvelope)

	for _, mc := range cfg.Executor.Models {
		desc, err := descriptorFromConfig(mc)
		if err != nil {
			log.Fatal("model config invalid", zap.String("model", mc.ID), zap.Error(err))
		}
		if err := announcer.Announce(ctx, desc); err != nil {
			log.Error("model announce failed", zap.String("model", mc.ID), zap.Error(err))
		}
	}
	go announcer.Run(ctx)

	// ── Operator HTTP surface ─────────────────────────────────────────────────
	apiHandler := api.NewHandler(id, "executor", log)
	apiHandler.Models = announcer.Models
	apiHandler.DeadLetters = dlq.List
	apiHandler.QueueDepth = usage.Len

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

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	handler.Shutdown()          // stop admitting
	handler.DrainWait(drainGrace) // complete in-flight
	cancel()                    // announcer retracts models, submitter flushes
	<-submitterDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("operator API shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func parseWei(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

func descriptorFromConfig(mc config.ModelConfig) (wire.ModelDescriptor, error) {
	inbound, ok := new(big.Int).SetString(mc.InboundPrice, 10)
	if !ok {
		return wire.ModelDescriptor{}, fmt.Errorf("bad inbound price %q", mc.InboundPrice)
	}
	outbound, ok := new(big.Int).SetString(mc.OutboundPrice, 10)
	if !ok {
		return wire.ModelDescriptor{}, fmt.Errorf("bad outbound price %q", mc.OutboundPrice)
	}
	caps := make([]wire.Capability, 0, len(mc.Capabilities))
	for _, c := range mc.Capabilities {
		switch c {
		case "chat":
			caps = append(caps, wire.CapChat)
		case "completion":
			caps = append(caps, wire.CapCompletion)
		case "embedding":
			caps = append(caps, wire.CapEmbedding)
		case "code":
			caps = append(caps, wire.CapCode)
		case "function-calling":
			caps = append(caps, wire.CapFunctionCalling)
		default:
			return wire.ModelDescriptor{}, fmt.Errorf("unknown capability %q", c)
		}
	}
	maxConcurrent := mc.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = 10
	}
	return wire.ModelDescriptor{
		ModelID:       mc.ID,
		Name:          mc.Name,
		ContextWindow: mc.ContextWindow,
		Capabilities:  caps,
		InboundPrice:  inbound,
		OutboundPrice: outbound,
		MaxConcurrent: maxConcurrent,
	}, nil
}
