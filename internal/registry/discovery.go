package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dexloom/lloom/internal/p2p"
	"github.com/dexloom/lloom/internal/wire"
)

// DefaultCollectWindow bounds one discovery round.
const DefaultCollectWindow = 5 * time.Second

// ErrNoExecutorsAvailable is returned when the merged candidate set is
// empty after the collection window.
type ErrNoExecutorsAvailable struct {
	Model string
}

func (e *ErrNoExecutorsAvailable) Error() string {
	return fmt.Sprintf("registry: no executors available for model %q", e.Model)
}

// Candidate is one discovered executor for a model.
type Candidate struct {
	PeerID     peer.ID
	EVMAddress common.Address
	Model      wire.ModelDescriptor
	Latency    time.Duration // last observed; 0 when unmeasured
}

// Strategy names an executor selection policy.
type Strategy string

const (
	StrategyBestPrice     Strategy = "best-price"
	StrategyRoundRobin    Strategy = "round-robin"
	StrategyLowestLatency Strategy = "lowest-latency"
	StrategyExplicitPeer  Strategy = "explicit-peer"
)

// Discovery merges DHT provider lookups with validator registry queries
// and ranks the result for the matchmaker.
type Discovery struct {
	node       *p2p.Node
	validators []peer.ID
	window     time.Duration
	log        *zap.Logger

	mu      sync.Mutex
	rrIndex map[string]int // round-robin cursor per model
}

// NewDiscovery builds a discovery client. validators are the peers asked
// for registry snapshots alongside the DHT walk.
func NewDiscovery(node *p2p.Node, validators []peer.ID, window time.Duration, log *zap.Logger) *Discovery {
	if window <= 0 {
		window = DefaultCollectWindow
	}
	return &Discovery{
		node:       node,
		validators: validators,
		window:     window,
		log:        log,
		rrIndex:    make(map[string]int),
	}
}

// FindExecutors runs DHT and validator lookups concurrently, merges and
// dedupes on PeerID, and attaches latency observations.
func (d *Discovery) FindExecutors(ctx context.Context, modelID string) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, d.window)
	defer cancel()

	var (
		mu    sync.Mutex
		found = make(map[peer.ID]Candidate)
	)
	add := func(c Candidate) {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := found[c.PeerID]; ok {
			// keep the richer entry; validator replies carry descriptors
			if prev.Model.ModelID != "" {
				return
			}
		}
		found[c.PeerID] = c
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.findViaDHT(gctx, modelID, add)
		return nil
	})
	for _, v := range d.validators {
		v := v
		g.Go(func() error {
			d.askValidator(gctx, v, modelID, add)
			return nil
		})
	}
	_ = g.Wait()

	cands := make([]Candidate, 0, len(found))
	for _, c := range found {
		if c.Model.ModelID == "" {
			// provider record without a descriptor; unusable for pricing
			continue
		}
		if lat, ok := d.node.Latency(c.PeerID); ok {
			c.Latency = lat
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return nil, &ErrNoExecutorsAvailable{Model: modelID}
	}
	return cands, nil
}

// findViaDHT walks provider records for the model key, then fetches each
// provider's descriptor over GetInfo.
func (d *Discovery) findViaDHT(ctx context.Context, modelID string, add func(Candidate)) {
	providers, err := d.node.FindProviders(ctx, p2p.ModelKey(modelID), d.window)
	if err != nil {
		d.log.Debug("dht providers lookup failed", zap.String("model", modelID), zap.Error(err))
		return
	}
	for _, ai := range providers {
		ai := ai
		info, err := d.getInfo(ctx, ai.ID)
		if err != nil {
			d.log.Debug("get info failed", zap.String("peer", ai.ID.String()), zap.Error(err))
			continue
		}
		for _, m := range info.Models {
			if m.ModelID == modelID {
				add(Candidate{PeerID: ai.ID, EVMAddress: info.EVMAddress, Model: m})
				break
			}
		}
	}
}

func (d *Discovery) getInfo(ctx context.Context, p peer.ID) (*wire.InfoReply, error) {
	req, err := wire.Encode(wire.TagGetInfo, &wire.GetInfo{})
	if err != nil {
		return nil, err
	}
	raw, err := d.node.Request(ctx, p, req)
	if err != nil {
		return nil, err
	}
	tag, payload, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}
	if tag != wire.TagInfoReply {
		return nil, wire.ErrUnexpectedTag
	}
	var info wire.InfoReply
	if err := wire.DecodePayload(payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (d *Discovery) askValidator(ctx context.Context, v peer.ID, modelID string, add func(Candidate)) {
	req, err := wire.Encode(wire.TagDiscoverModel, &wire.DiscoverModel{ModelID: modelID})
	if err != nil {
		return
	}
	raw, err := d.node.Request(ctx, v, req)
	if err != nil {
		d.log.Debug("validator query failed", zap.String("validator", v.String()), zap.Error(err))
		return
	}
	tag, payload, err := wire.Decode(raw)
	if err != nil || tag != wire.TagDiscoverModelReply {
		return
	}
	var reply wire.DiscoverModelReply
	if err := wire.DecodePayload(payload, &reply); err != nil {
		return
	}
	for _, e := range reply.Executors {
		pid, err := peer.Decode(e.PeerID)
		if err != nil {
			continue
		}
		add(Candidate{PeerID: pid, EVMAddress: e.EVMAddress, Model: e.Model})
	}
}

// Rank orders candidates for the given strategy. The matchmaker walks the
// returned slice front to back when retrying across executors.
func (d *Discovery) Rank(cands []Candidate, strategy Strategy, maxPrice *big.Int, explicit peer.ID) ([]Candidate, error) {
	switch strategy {
	case StrategyExplicitPeer:
		for _, c := range cands {
			if c.PeerID == explicit {
				return []Candidate{c}, nil
			}
		}
		return nil, fmt.Errorf("registry: explicit peer %s not among candidates", explicit)

	case StrategyRoundRobin:
		sorted := append([]Candidate(nil), cands...)
		sortByPeerID(sorted)
		if len(sorted) == 0 {
			return nil, errors.New("registry: no candidates to rank")
		}
		d.mu.Lock()
		key := sorted[0].Model.ModelID
		start := d.rrIndex[key] % len(sorted)
		d.rrIndex[key]++
		d.mu.Unlock()
		return append(sorted[start:], sorted[:start]...), nil

	case StrategyLowestLatency:
		sorted := append([]Candidate(nil), cands...)
		sort.SliceStable(sorted, func(i, j int) bool {
			li, lj := sorted[i].Latency, sorted[j].Latency
			// unmeasured sorts last
			if li == 0 {
				return false
			}
			if lj == 0 {
				return true
			}
			return li < lj
		})
		return sorted, nil

	case StrategyBestPrice, "":
		eligible := make([]Candidate, 0, len(cands))
		for _, c := range cands {
			if c.Model.Load >= 1.0 {
				continue
			}
			if maxPrice != nil && c.Model.OutboundPrice.Cmp(maxPrice) > 0 {
				continue
			}
			eligible = append(eligible, c)
		}
		if len(eligible) == 0 {
			return nil, errors.New("registry: no candidate within price and load limits")
		}
		sort.SliceStable(eligible, func(i, j int) bool {
			pi, pj := eligible[i].Model.TotalPrice(), eligible[j].Model.TotalPrice()
			if cmp := pi.Cmp(pj); cmp != 0 {
				return cmp < 0
			}
			li, lj := eligible[i].Latency, eligible[j].Latency
			if li != lj {
				if li == 0 {
					return false
				}
				if lj == 0 {
					return true
				}
				return li < lj
			}
			return lessPeerID(eligible[i].PeerID, eligible[j].PeerID)
		})
		return eligible, nil

	default:
		return nil, fmt.Errorf("registry: unknown selection strategy %q", strategy)
	}
}

func sortByPeerID(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return lessPeerID(cands[i].PeerID, cands[j].PeerID)
	})
}

func lessPeerID(a, b peer.ID) bool {
	return bytes.Compare([]byte(a), []byte(b)) < 0
}
