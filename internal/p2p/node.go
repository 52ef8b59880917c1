// Package p2p provides the network substrate: a libp2p host over TCP with
// noise security and yamux multiplexing, a Kademlia DHT for provider
// records, gossipsub for announcements and heartbeats, and a framed CBOR
// request-response protocol.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/identity"
)

// ReprovideInterval is how often provider records are refreshed on the DHT.
const ReprovideInterval = 5 * time.Minute

// DefaultProviderWindow bounds a get-providers collection round.
const DefaultProviderWindow = 10 * time.Second

// Config carries the substrate's tunables.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	RequestTimeout time.Duration // per request-response round-trip
}

// Node composes the host, DHT and pubsub router behind one handle. All
// behaviours share the identity's secp256k1 key.
type Node struct {
	host host.Host
	dht  *dht.IpfsDHT
	ps   *pubsub.PubSub
	log  *zap.Logger

	reqTimeout time.Duration

	mu        sync.RWMutex
	latencies map[peer.ID]time.Duration

	topics   map[string]*pubsub.Topic
	topicsMu sync.Mutex
}

// NewNode builds and starts the substrate. The DHT runs in server mode so
// every node is also a routing node.
func NewNode(ctx context.Context, id *identity.Identity, cfg Config, log *zap.Logger) (*Node, error) {
	listen, err := multiaddr.NewMultiaddr(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("p2p: parse listen addr %q: %w", cfg.ListenAddr, err)
	}

	h, err := libp2p.New(
		libp2p.Identity(id.P2PKey()),
		libp2p.ListenAddrs(listen),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: create dht: %w", err)
	}

	// Payloads carry their own EIP-191 originator signatures, so pubsub-level
	// message signing is redundant.
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
	)
	if err != nil {
		kad.Close()
		h.Close()
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}

	n := &Node{
		host:       h,
		dht:        kad,
		ps:         ps,
		log:        log,
		reqTimeout: cfg.RequestTimeout,
		latencies:  make(map[peer.ID]time.Duration),
		topics:     make(map[string]*pubsub.Topic),
	}

	if err := n.bootstrap(ctx, cfg.BootstrapPeers); err != nil {
		n.Close()
		return nil, err
	}

	log.Info("p2p node up",
		zap.String("peer_id", h.ID().String()),
		zap.Stringers("addrs", h.Addrs()),
	)
	return n, nil
}

func (n *Node) bootstrap(ctx context.Context, peers []string) error {
	for _, raw := range peers {
		ai, err := peer.AddrInfoFromString(raw)
		if err != nil {
			return fmt.Errorf("p2p: parse bootstrap peer %q: %w", raw, err)
		}
		if err := n.host.Connect(ctx, *ai); err != nil {
			// A dead bootstrap peer is not fatal; the DHT recovers once any
			// contact succeeds.
			n.log.Warn("bootstrap connect failed",
				zap.String("peer", ai.ID.String()), zap.Error(err))
			continue
		}
		n.log.Info("bootstrap peer connected", zap.String("peer", ai.ID.String()))
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("p2p: dht bootstrap: %w", err)
	}
	return nil
}

// Host exposes the underlying libp2p host.
func (n *Node) Host() host.Host { return n.host }

// ID returns this node's peer id.
func (n *Node) ID() peer.ID { return n.host.ID() }

// Addrs returns the listen multiaddrs.
func (n *Node) Addrs() []multiaddr.Multiaddr { return n.host.Addrs() }

// Close tears down pubsub topics, the DHT and the host.
func (n *Node) Close() error {
	n.topicsMu.Lock()
	for _, t := range n.topics {
		_ = t.Close()
	}
	n.topics = map[string]*pubsub.Topic{}
	n.topicsMu.Unlock()

	if err := n.dht.Close(); err != nil {
		n.log.Warn("dht close", zap.Error(err))
	}
	return n.host.Close()
}

// ── DHT keys ───────────────────────────────────────────────────────────────

// ExecutorKey is the role-wide provider key: keccak256("lloom/executor").
func ExecutorKey() cid.Cid {
	return keccakCid([]byte("lloom/executor"))
}

// ModelKey is the per-model provider key: keccak256("lloom/model/" || id).
func ModelKey(modelID string) cid.Cid {
	return keccakCid([]byte("lloom/model/" + modelID))
}

// keccakCid wraps a keccak256 digest as a raw CIDv1 so it can serve as a
// DHT provider key.
func keccakCid(data []byte) cid.Cid {
	digest := crypto.Keccak256(data)
	mh, err := multihash.Encode(digest, multihash.KECCAK_256)
	if err != nil {
		// multihash.Encode only fails on unknown codes; KECCAK_256 is known.
		panic(fmt.Sprintf("p2p: encode multihash: %v", err))
	}
	return cid.NewCidV1(cid.Raw, mh)
}

// Provide registers this node as a provider for key.
func (n *Node) Provide(ctx context.Context, key cid.Cid) error {
	if err := n.dht.Provide(ctx, key, true); err != nil {
		return fmt.Errorf("p2p: dht provide %s: %w", key, err)
	}
	return nil
}

// FindProviders collects providers for key until the window elapses or the
// context is cancelled.
func (n *Node) FindProviders(ctx context.Context, key cid.Cid, window time.Duration) ([]peer.AddrInfo, error) {
	if window <= 0 {
		window = DefaultProviderWindow
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var out []peer.AddrInfo
	for ai := range n.dht.FindProvidersAsync(ctx, key, 0) {
		if ai.ID == "" || ai.ID == n.host.ID() {
			continue
		}
		out = append(out, ai)
	}
	return out, nil
}

// RunReprovider re-provides the given keys every ReprovideInterval until
// the context is cancelled. keys is fetched per tick so the set can change.
func (n *Node) RunReprovider(ctx context.Context, keys func() []cid.Cid) {
	ticker := time.NewTicker(ReprovideInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range keys() {
				if err := n.Provide(ctx, key); err != nil {
					n.log.Warn("reprovide failed", zap.Stringer("key", key), zap.Error(err))
				}
			}
		}
	}
}

// ── latency observations ───────────────────────────────────────────────────

// ObserveLatency records a dial or round-trip latency sample for peer p.
// Last observation wins; selection only needs a coarse ordering.
func (n *Node) ObserveLatency(p peer.ID, d time.Duration) {
	n.mu.Lock()
	n.latencies[p] = d
	n.mu.Unlock()
}

// Latency returns the last observed latency for p, or (0, false).
func (n *Node) Latency(p peer.ID) (time.Duration, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	d, ok := n.latencies[p]
	return d, ok
}
