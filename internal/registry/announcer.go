package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/identity"
	"github.com/dexloom/lloom/internal/p2p"
	"github.com/dexloom/lloom/internal/wire"
)

// DefaultHeartbeatInterval matches the protocol default of 10 seconds.
const DefaultHeartbeatInterval = 10 * time.Second

type servedModel struct {
	desc  wire.ModelDescriptor
	state ModelState
}

// Announcer is the executor-side registry face: it announces models on
// gossip, provides their DHT keys, heartbeats, and retracts on shutdown.
type Announcer struct {
	node     *p2p.Node
	id       *identity.Identity
	interval time.Duration
	log      *zap.Logger

	mu     sync.RWMutex
	models map[string]*servedModel
}

// NewAnnouncer builds an announcer. Run must be started for heartbeats and
// re-provides to flow.
func NewAnnouncer(node *p2p.Node, id *identity.Identity, interval time.Duration, log *zap.Logger) *Announcer {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Announcer{
		node:     node,
		id:       id,
		interval: interval,
		log:      log,
		models:   make(map[string]*servedModel),
	}
}

// Announce registers a model, publishes a fresh announcement and provides
// its DHT key.
func (a *Announcer) Announce(ctx context.Context, desc wire.ModelDescriptor) error {
	a.mu.Lock()
	a.models[desc.ModelID] = &servedModel{desc: desc, state: StateAnnouncing}
	a.mu.Unlock()

	if err := a.publishAnnouncement(ctx); err != nil {
		return err
	}
	if err := a.node.Provide(ctx, p2p.ModelKey(desc.ModelID)); err != nil {
		a.log.Warn("provide model key", zap.String("model", desc.ModelID), zap.Error(err))
	}
	if err := a.node.Provide(ctx, p2p.ExecutorKey()); err != nil {
		a.log.Warn("provide executor key", zap.Error(err))
	}

	a.mu.Lock()
	if m, ok := a.models[desc.ModelID]; ok && m.state == StateAnnouncing {
		m.state = StateLive
	}
	a.mu.Unlock()

	a.log.Info("model announced",
		zap.String("model", desc.ModelID),
		zap.String("inbound_price", desc.InboundPrice.String()),
		zap.String("outbound_price", desc.OutboundPrice.String()),
	)
	return nil
}

// Update replaces a model's descriptor and pushes a fresh announcement.
func (a *Announcer) Update(ctx context.Context, desc wire.ModelDescriptor) error {
	a.mu.Lock()
	m, ok := a.models[desc.ModelID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("registry: update unknown model %q", desc.ModelID)
	}
	m.desc = desc
	m.state = StateUpdating
	a.mu.Unlock()

	if err := a.publishAnnouncement(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	if m, ok := a.models[desc.ModelID]; ok && m.state == StateUpdating {
		m.state = StateLive
	}
	a.mu.Unlock()
	return nil
}

// Remove retracts a model and gossips a removal.
func (a *Announcer) Remove(ctx context.Context, modelID string) error {
	a.mu.Lock()
	m, ok := a.models[modelID]
	if ok {
		m.state = StateRemoved
		delete(a.models, modelID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("registry: remove unknown model %q", modelID)
	}
	return a.publishRemoval(ctx, []string{modelID})
}

// SetLoad updates a model's load fraction. Reaching 1.0 drains the model;
// dropping back revives it.
func (a *Announcer) SetLoad(modelID string, load float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.models[modelID]
	if !ok {
		return
	}
	m.desc.Load = load
	switch {
	case load >= 1.0 && m.state == StateLive:
		m.state = StateDraining
	case load < 1.0 && m.state == StateDraining:
		m.state = StateLive
	}
}

// Accepting reports whether modelID is currently admitting new requests.
func (a *Announcer) Accepting(modelID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.models[modelID]
	return ok && m.state.Accepting()
}

// Descriptor returns the current descriptor for modelID.
func (a *Announcer) Descriptor(modelID string) (wire.ModelDescriptor, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.models[modelID]
	if !ok {
		return wire.ModelDescriptor{}, false
	}
	return m.desc, true
}

// Models returns the currently announced descriptors.
func (a *Announcer) Models() []wire.ModelDescriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]wire.ModelDescriptor, 0, len(a.models))
	for _, m := range a.models {
		out = append(out, m.desc)
	}
	return out
}

func (a *Announcer) modelIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.models))
	for id := range a.models {
		ids = append(ids, id)
	}
	return ids
}

// maxLoad is the load advertised in heartbeats: the busiest model wins.
func (a *Announcer) maxLoad() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var load float64
	for _, m := range a.models {
		if m.desc.Load > load {
			load = m.desc.Load
		}
	}
	return load
}

// ProvideKeys lists the DHT keys this executor must keep provided.
func (a *Announcer) ProvideKeys() []cid.Cid {
	keys := []cid.Cid{p2p.ExecutorKey()}
	for _, id := range a.modelIDs() {
		keys = append(keys, p2p.ModelKey(id))
	}
	return keys
}

// Run drives the heartbeat loop and the DHT re-provider until ctx is
// cancelled, then gossips removals for everything still announced.
func (a *Announcer) Run(ctx context.Context) {
	go a.node.RunReprovider(ctx, a.ProvideKeys)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.log.Info("announcer started", zap.Duration("heartbeat_interval", a.interval))
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return
		case <-ticker.C:
			if err := a.publishHeartbeat(ctx); err != nil {
				a.log.Warn("heartbeat publish failed", zap.Error(err))
			}
		}
	}
}

// shutdown emits a ModelRemoval for each still-announced model. Uses a
// fresh context: the run context is already cancelled.
func (a *Announcer) shutdown() {
	ids := a.modelIDs()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.publishRemoval(ctx, ids); err != nil {
		a.log.Warn("shutdown removal publish failed", zap.Error(err))
	}
	a.log.Info("models retracted", zap.Strings("models", ids))
}

func (a *Announcer) publishAnnouncement(ctx context.Context) error {
	ann := &wire.ModelAnnouncement{
		PeerID:     a.node.ID().String(),
		EVMAddress: a.id.EVMAddress(),
		Timestamp:  uint64(time.Now().Unix()),
		Models:     a.Models(),
	}
	sig, err := wire.SignPayload(ann, a.id)
	if err != nil {
		return err
	}
	ann.Signature = sig
	data, err := wire.Marshal(ann)
	if err != nil {
		return fmt.Errorf("registry: marshal announcement: %w", err)
	}
	return a.node.Publish(ctx, wire.TopicAnnouncements, data)
}

func (a *Announcer) publishRemoval(ctx context.Context, modelIDs []string) error {
	rem := &wire.ModelRemoval{
		PeerID:    a.node.ID().String(),
		ModelIDs:  modelIDs,
		Timestamp: uint64(time.Now().Unix()),
	}
	sig, err := wire.SignPayload(rem, a.id)
	if err != nil {
		return err
	}
	rem.Signature = sig
	data, err := wire.Marshal(rem)
	if err != nil {
		return fmt.Errorf("registry: marshal removal: %w", err)
	}
	return a.node.Publish(ctx, wire.TopicAnnouncements, data)
}

func (a *Announcer) publishHeartbeat(ctx context.Context) error {
	hb := &wire.Heartbeat{
		PeerID:     a.node.ID().String(),
		EVMAddress: a.id.EVMAddress(),
		Timestamp:  uint64(time.Now().Unix()),
		ModelIDs:   a.modelIDs(),
		Load:       a.maxLoad(),
	}
	sig, err := wire.SignPayload(hb, a.id)
	if err != nil {
		return err
	}
	hb.Signature = sig
	data, err := wire.Marshal(hb)
	if err != nil {
		return fmt.Errorf("registry: marshal heartbeat: %w", err)
	}
	return a.node.Publish(ctx, wire.TopicHeartbeats, data)
}
