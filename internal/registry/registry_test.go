package registry

import (
	"math/big"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/identity"
	"github.com/dexloom/lloom/internal/wire"
)

func testDescriptor(modelID string, outPrice int64) wire.ModelDescriptor {
	return wire.ModelDescriptor{
		ModelID:       modelID,
		Name:          modelID,
		ContextWindow: 8192,
		Capabilities:  []wire.Capability{wire.CapChat},
		InboundPrice:  big.NewInt(1000),
		OutboundPrice: big.NewInt(outPrice),
		MaxConcurrent: 10,
	}
}

func signedAnnouncement(t *testing.T, id *identity.Identity, models ...wire.ModelDescriptor) *wire.ModelAnnouncement {
	t.Helper()
	ann := &wire.ModelAnnouncement{
		PeerID:     id.PeerID().String(),
		EVMAddress: id.EVMAddress(),
		Timestamp:  uint64(time.Now().Unix()),
		Models:     models,
	}
	sig, err := wire.SignPayload(ann, id)
	if err != nil {
		t.Fatal(err)
	}
	ann.Signature = sig
	return ann
}

func signedHeartbeat(t *testing.T, id *identity.Identity, load float64, modelIDs ...string) *wire.Heartbeat {
	t.Helper()
	hb := &wire.Heartbeat{
		PeerID:     id.PeerID().String(),
		EVMAddress: id.EVMAddress(),
		Timestamp:  uint64(time.Now().Unix()),
		ModelIDs:   modelIDs,
		Load:       load,
	}
	sig, err := wire.SignPayload(hb, id)
	if err != nil {
		t.Fatal(err)
	}
	hb.Signature = sig
	return hb
}

func signedRemoval(t *testing.T, id *identity.Identity, modelIDs ...string) *wire.ModelRemoval {
	t.Helper()
	rem := &wire.ModelRemoval{
		PeerID:    id.PeerID().String(),
		ModelIDs:  modelIDs,
		Timestamp: uint64(time.Now().Unix()),
	}
	sig, err := wire.SignPayload(rem, id)
	if err != nil {
		t.Fatal(err)
	}
	rem.Signature = sig
	return rem
}

// ── announcements ──────────────────────────────────────────────────────────

func TestRegistry_AnnouncementUpsert(t *testing.T) {
	exec, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(0, 0, zap.NewNop())

	reg.applyAnnouncement(signedAnnouncement(t, exec, testDescriptor("gpt-test", 2000)), exec.PeerID())

	hits := reg.QueryModel("gpt-test")
	if len(hits) != 1 {
		t.Fatalf("%d hits, want 1", len(hits))
	}
	if hits[0].EVMAddress != exec.EVMAddress() {
		t.Fatal("record carries the wrong executor address")
	}
	if reg.Size() != 1 {
		t.Fatalf("size %d, want 1", reg.Size())
	}

	// re-announce with a new model set replaces the old one
	reg.applyAnnouncement(signedAnnouncement(t, exec, testDescriptor("other", 3000)), exec.PeerID())
	if len(reg.QueryModel("gpt-test")) != 0 {
		t.Fatal("stale model survived the upsert")
	}
	if len(reg.QueryModel("other")) != 1 {
		t.Fatal("new model missing after upsert")
	}
}

func TestRegistry_ForgedAnnouncementDropped(t *testing.T) {
	exec, _ := identity.Generate()
	forger, _ := identity.Generate()
	reg := NewRegistry(0, 0, zap.NewNop())

	// forger signs an announcement claiming the executor's address
	ann := &wire.ModelAnnouncement{
		PeerID:     exec.PeerID().String(),
		EVMAddress: exec.EVMAddress(),
		Timestamp:  uint64(time.Now().Unix()),
		Models:     []wire.ModelDescriptor{testDescriptor("gpt-test", 2000)},
	}
	sig, err := wire.SignPayload(ann, forger)
	if err != nil {
		t.Fatal(err)
	}
	ann.Signature = sig

	reg.applyAnnouncement(ann, forger.PeerID())
	if reg.Size() != 0 {
		t.Fatal("forged announcement must be dropped")
	}
}

// ── heartbeats ─────────────────────────────────────────────────────────────

func TestRegistry_HeartbeatUpdatesLoad(t *testing.T) {
	exec, _ := identity.Generate()
	reg := NewRegistry(0, 0, zap.NewNop())
	reg.applyAnnouncement(signedAnnouncement(t, exec, testDescriptor("gpt-test", 2000)), exec.PeerID())

	reg.applyHeartbeat(signedHeartbeat(t, exec, 0.75, "gpt-test"))

	hits := reg.QueryModel("gpt-test")
	if len(hits) != 1 {
		t.Fatal("record lost after heartbeat")
	}
	if hits[0].Model.Load != 0.75 {
		t.Fatalf("load %v, want 0.75", hits[0].Model.Load)
	}
}

func TestRegistry_HeartbeatForUnknownPeerIgnored(t *testing.T) {
	exec, _ := identity.Generate()
	reg := NewRegistry(0, 0, zap.NewNop())
	reg.applyHeartbeat(signedHeartbeat(t, exec, 0.5, "gpt-test"))
	if reg.Size() != 0 {
		t.Fatal("heartbeat must not create records")
	}
}

// ── removal ────────────────────────────────────────────────────────────────

func TestRegistry_Removal(t *testing.T) {
	exec, _ := identity.Generate()
	reg := NewRegistry(0, 0, zap.NewNop())
	reg.applyAnnouncement(signedAnnouncement(t, exec,
		testDescriptor("gpt-test", 2000), testDescriptor("other", 3000)), exec.PeerID())

	reg.applyRemoval(signedRemoval(t, exec, "gpt-test"))
	if len(reg.QueryModel("gpt-test")) != 0 {
		t.Fatal("removed model still queryable")
	}
	if len(reg.QueryModel("other")) != 1 {
		t.Fatal("unremoved model lost")
	}

	// removing the last model drops the record entirely
	reg.applyRemoval(signedRemoval(t, exec, "other"))
	if reg.Size() != 0 {
		t.Fatalf("size %d after full removal, want 0", reg.Size())
	}
}

func TestRegistry_RemovalRequiresOwnerKey(t *testing.T) {
	exec, _ := identity.Generate()
	attacker, _ := identity.Generate()
	reg := NewRegistry(0, 0, zap.NewNop())
	reg.applyAnnouncement(signedAnnouncement(t, exec, testDescriptor("gpt-test", 2000)), exec.PeerID())

	// attacker signs a removal naming the executor's peer id
	rem := &wire.ModelRemoval{
		PeerID:    exec.PeerID().String(),
		ModelIDs:  []string{"gpt-test"},
		Timestamp: uint64(time.Now().Unix()),
	}
	sig, err := wire.SignPayload(rem, attacker)
	if err != nil {
		t.Fatal(err)
	}
	rem.Signature = sig

	reg.applyRemoval(rem)
	if len(reg.QueryModel("gpt-test")) != 1 {
		t.Fatal("foreign-signed removal must be ignored")
	}
}

// ── staleness sweep ────────────────────────────────────────────────────────

func TestRegistry_SweepEvictsStale(t *testing.T) {
	exec, _ := identity.Generate()
	fresh, _ := identity.Generate()
	reg := NewRegistry(60*time.Second, time.Second, zap.NewNop())
	reg.applyAnnouncement(signedAnnouncement(t, exec, testDescriptor("gpt-test", 2000)), exec.PeerID())
	reg.applyAnnouncement(signedAnnouncement(t, fresh, testDescriptor("gpt-test", 3000)), fresh.PeerID())

	// age one record past the threshold
	reg.mu.Lock()
	pid, _ := peer.Decode(exec.PeerID().String())
	reg.byPeer[pid].LastHeartbeat = time.Now().Add(-2 * time.Minute)
	reg.mu.Unlock()

	reg.sweep(time.Now())

	if reg.Size() != 1 {
		t.Fatalf("size %d after sweep, want 1", reg.Size())
	}
	hits := reg.QueryModel("gpt-test")
	if len(hits) != 1 || hits[0].EVMAddress != fresh.EVMAddress() {
		t.Fatal("sweep evicted the wrong record")
	}
}

// ── model state machine ────────────────────────────────────────────────────

func TestModelState_Accepting(t *testing.T) {
	accepting := map[ModelState]bool{
		StateAnnouncing: false,
		StateLive:       true,
		StateUpdating:   true,
		StateDraining:   false,
		StateRemoved:    false,
	}
	for state, want := range accepting {
		if state.Accepting() != want {
			t.Errorf("%s.Accepting() = %v, want %v", state, state.Accepting(), want)
		}
	}
}
