package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/p2p"
	"github.com/dexloom/lloom/internal/wire"
)

// Sweep defaults per the protocol: records older than 60 s are evicted,
// checked every 30 s.
const (
	DefaultStalenessThreshold = 60 * time.Second
	DefaultSweepInterval      = 30 * time.Second
)

// ExecutorRecord is the validator's view of one executor.
type ExecutorRecord struct {
	PeerID        peer.ID
	EVMAddress    common.Address
	Models        []wire.ModelDescriptor
	Load          float64
	LastHeartbeat time.Time
	ObservedAddrs map[string]struct{}
}

// Registry is the validator-side executor table. Gossip handlers and the
// sweeper write; discovery queries read.
type Registry struct {
	staleness time.Duration
	sweepEach time.Duration
	log       *zap.Logger

	mu     sync.RWMutex
	byPeer map[peer.ID]*ExecutorRecord
}

// NewRegistry builds an empty registry.
func NewRegistry(staleness, sweepInterval time.Duration, log *zap.Logger) *Registry {
	if staleness <= 0 {
		staleness = DefaultStalenessThreshold
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Registry{
		staleness: staleness,
		sweepEach: sweepInterval,
		log:       log,
		byPeer:    make(map[peer.ID]*ExecutorRecord),
	}
}

// Start subscribes to the announcement and heartbeat topics and launches
// the staleness sweeper.
func (r *Registry) Start(ctx context.Context, node *p2p.Node) error {
	if err := node.Subscribe(ctx, wire.TopicAnnouncements, r.handleAnnouncementMsg); err != nil {
		return err
	}
	if err := node.Subscribe(ctx, wire.TopicHeartbeats, r.handleHeartbeatMsg); err != nil {
		return err
	}
	go r.runSweeper(ctx)
	return nil
}

// handleAnnouncementMsg dispatches the announcements topic, which carries
// both ModelAnnouncement and ModelRemoval payloads. Removal lacks the
// EVMAddress field, so decode is tried in that order.
func (r *Registry) handleAnnouncementMsg(from peer.ID, data []byte) {
	var ann wire.ModelAnnouncement
	if err := wire.Unmarshal(data, &ann); err == nil && len(ann.Models) > 0 {
		r.applyAnnouncement(&ann, from)
		return
	}
	var rem wire.ModelRemoval
	if err := wire.Unmarshal(data, &rem); err == nil && len(rem.ModelIDs) > 0 {
		r.applyRemoval(&rem)
		return
	}
	r.log.Debug("undecodable announcement gossip", zap.String("from", from.String()))
}

func (r *Registry) handleHeartbeatMsg(from peer.ID, data []byte) {
	var hb wire.Heartbeat
	if err := wire.Unmarshal(data, &hb); err != nil {
		r.log.Debug("undecodable heartbeat gossip", zap.String("from", from.String()), zap.Error(err))
		return
	}
	r.applyHeartbeat(&hb)
}

// applyAnnouncement verifies the originator signature and upserts the
// record. forwarder is recorded as an observed address source only.
func (r *Registry) applyAnnouncement(ann *wire.ModelAnnouncement, forwarder peer.ID) {
	signer, err := wire.RecoverPayload(ann, ann.Signature)
	if err != nil {
		r.log.Warn("announcement signature invalid", zap.String("peer", ann.PeerID), zap.Error(err))
		return
	}
	if signer != ann.EVMAddress {
		r.log.Warn("announcement signer mismatch",
			zap.String("peer", ann.PeerID),
			zap.String("claimed", ann.EVMAddress.Hex()),
			zap.String("recovered", signer.Hex()),
		)
		return
	}
	pid, err := peer.Decode(ann.PeerID)
	if err != nil {
		r.log.Warn("announcement carries bad peer id", zap.String("peer", ann.PeerID), zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byPeer[pid]
	if !ok {
		rec = &ExecutorRecord{
			PeerID:        pid,
			ObservedAddrs: make(map[string]struct{}),
		}
		r.byPeer[pid] = rec
	}
	rec.EVMAddress = ann.EVMAddress
	rec.Models = ann.Models
	rec.LastHeartbeat = time.Now()
	rec.ObservedAddrs[forwarder.String()] = struct{}{}

	r.log.Info("executor announced",
		zap.String("peer", pid.String()),
		zap.String("address", ann.EVMAddress.Hex()),
		zap.Int("models", len(ann.Models)),
	)
}

// applyRemoval drops the named models; the record goes entirely when its
// model list empties. Only the record's own key may retract it.
func (r *Registry) applyRemoval(rem *wire.ModelRemoval) {
	pid, err := peer.Decode(rem.PeerID)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byPeer[pid]
	if !ok {
		return
	}
	signer, err := wire.RecoverPayload(rem, rem.Signature)
	if err != nil || signer != rec.EVMAddress {
		r.log.Warn("removal signature rejected", zap.String("peer", rem.PeerID))
		return
	}

	removed := make(map[string]struct{}, len(rem.ModelIDs))
	for _, id := range rem.ModelIDs {
		removed[id] = struct{}{}
	}
	kept := rec.Models[:0]
	for _, m := range rec.Models {
		if _, gone := removed[m.ModelID]; !gone {
			kept = append(kept, m)
		}
	}
	rec.Models = kept
	if len(rec.Models) == 0 {
		delete(r.byPeer, pid)
	}
	r.log.Info("executor models removed",
		zap.String("peer", pid.String()),
		zap.Strings("models", rem.ModelIDs),
	)
}

// applyHeartbeat refreshes liveness and load for a known executor. Unknown
// peers are ignored until an announcement arrives; a heartbeat carries no
// descriptors to serve from.
func (r *Registry) applyHeartbeat(hb *wire.Heartbeat) {
	pid, err := peer.Decode(hb.PeerID)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byPeer[pid]
	if !ok {
		return
	}
	signer, err := wire.RecoverPayload(hb, hb.Signature)
	if err != nil || signer != rec.EVMAddress {
		r.log.Warn("heartbeat signature rejected", zap.String("peer", hb.PeerID))
		return
	}
	rec.LastHeartbeat = time.Now()
	rec.Load = hb.Load
	for i := range rec.Models {
		rec.Models[i].Load = hb.Load
	}
}

// runSweeper evicts records whose last heartbeat is older than the
// staleness threshold. Eviction is silent; there is no negative gossip.
func (r *Registry) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEach)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, rec := range r.byPeer {
		if now.Sub(rec.LastHeartbeat) > r.staleness {
			delete(r.byPeer, pid)
			r.log.Info("executor evicted (stale)",
				zap.String("peer", pid.String()),
				zap.Time("last_heartbeat", rec.LastHeartbeat),
			)
		}
	}
}

// QueryModel returns every live executor currently serving modelID.
func (r *Registry) QueryModel(modelID string) []wire.ExecutorEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []wire.ExecutorEntry
	for pid, rec := range r.byPeer {
		for _, m := range rec.Models {
			if m.ModelID == modelID {
				out = append(out, wire.ExecutorEntry{
					PeerID:     pid.String(),
					EVMAddress: rec.EVMAddress,
					Model:      m,
				})
				break
			}
		}
	}
	return out
}

// Size returns the number of tracked executors.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPeer)
}
