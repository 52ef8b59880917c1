package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/chain"
	lloomclient "github.com/dexloom/lloom/internal/client"
	"github.com/dexloom/lloom/internal/config"
	"github.com/dexloom/lloom/internal/identity"
	"github.com/dexloom/lloom/internal/p2p"
	"github.com/dexloom/lloom/internal/registry"
	"github.com/dexloom/lloom/internal/signing"
)

func main() {
	var (
		model       = flag.String("model", "", "model id to request")
		prompt      = flag.String("prompt", "", "user prompt")
		system      = flag.String("system", "", "optional system prompt")
		maxTokens   = flag.Uint("max-tokens", 256, "completion token budget")
		temperature = flag.Float64("temperature", 0.7, "sampling temperature [0, 2]")
		deadlineSec = flag.Int64("deadline-secs", 3600, "request deadline from now")
	)
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	if *model == "" || *prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: lloom-client -model <id> -prompt <text> [-system <text>]")
		os.Exit(2)
	}

	cfg, err := config.Load("client")
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

	contract := common.HexToAddress(cfg.Chain.VerifyingContract)
	domain := signing.NewDomain(big.NewInt(cfg.Chain.ChainID), contract)

	node, err := p2p.NewNode(ctx, id, p2p.Config{
		ListenAddr:     cfg.P2P.ListenAddr,
		BootstrapPeers: cfg.P2P.BootstrapPeers,
		RequestTimeout: time.Duration(cfg.P2P.RequestTimeoutSecs) * time.Second,
	}, log)
	if err != nil {
		log.Fatal("p2p node init failed", zap.Error(err))
	}
	defer node.Close()

	validators, err := validatorPeers(ctx, node, cfg.Client.Validators)
	if err != nil {
		log.Fatal("validator config invalid", zap.Error(err))
	}

	nonces, err := lloomclient.OpenNonceBook(cfg.NonceBookPath(), id.EVMAddress(), cfg.Chain.ChainID, contract)
	if err != nil {
		log.Fatal("nonce book init failed", zap.Error(err))
	}
	defer nonces.Close()

	// Chain RPC is the ground truth for in-doubt nonces after a crash.
	if cfg.Chain.RPCURL != "" {
		onchain, err := chain.NewClient(chain.Config{
			RPCURL:       cfg.Chain.RPCURL,
			ContractAddr: contract,
			ChainID:      big.NewInt(cfg.Chain.ChainID),
		}, id.ChainKey(), log)
		if err != nil {
			log.Warn("chain client init failed; skipping nonce reconciliation", zap.Error(err))
		} else {
			if next, err := onchain.ClientNonce(ctx, id.EVMAddress()); err != nil {
				log.Warn("nonce reconciliation failed", zap.Error(err))
			} else if err := nonces.Reconcile(next); err != nil {
				log.Warn("nonce reconcile apply failed", zap.Error(err))
			}
			onchain.Close()
		}
	}

	discovery := registry.NewDiscovery(node, validators,
		time.Duration(cfg.Client.CollectWindowSecs)*time.Second, log)
	mm := lloomclient.NewMatchmaker(node, discovery, domain, id, nonces, int(cfg.Client.MaxAttempts), log)

	params := &lloomclient.CompletionParams{
		Model:        *model,
		Prompt:       *prompt,
		SystemPrompt: *system,
		MaxTokens:    uint32(*maxTokens),
		Temperature:  *temperature,
		Deadline:     time.Now().Add(time.Duration(*deadlineSec) * time.Second),
		Strategy:     registry.Strategy(cfg.Client.Strategy),
	}
	if cfg.Client.MaxPrice != "" {
		if v, ok := new(big.Int).SetString(cfg.Client.MaxPrice, 10); ok {
			params.MaxPrice = v
		}
	}

	result, err := mm.Complete(ctx, params)
	if err != nil {
		log.Fatal("completion failed", zap.Error(err))
	}
	if !result.Success {
		log.Fatal("executor accepted the request but the backend failed",
			zap.String("executor", result.Executor.Hex()),
			zap.Uint32("billed_prompt_tokens", result.InboundTokens),
		)
	}

	log.Info("completion verified",
		zap.String("executor", result.Executor.Hex()),
		zap.String("peer", result.ExecutorPeer.String()),
		zap.Uint32("inbound_tokens", result.InboundTokens),
		zap.Uint32("outbound_tokens", result.OutboundTokens),
		zap.String("total_cost_wei", result.TotalCost.String()),
	)
	fmt.Println(result.Content)
}

// validatorPeers resolves configured validator multiaddrs (or bare peer
// ids) and pre-connects so discovery round-trips start warm.
func validatorPeers(ctx context.Context, node *p2p.Node, raw []string) ([]peer.ID, error) {
	var out []peer.ID
	for _, s := range raw {
		ai, err := peer.AddrInfoFromString(s)
		if err != nil {
			pid, perr := peer.Decode(s)
			if perr != nil {
				return nil, fmt.Errorf("parse validator %q: %w", s, err)
			}
			out = append(out, pid)
			continue
		}
		node.Host().Peerstore().AddAddrs(ai.ID, ai.Addrs, time.Hour)
		_ = node.Host().Connect(ctx, *ai)
		out = append(out, ai.ID)
	}
	return out, nil
}
