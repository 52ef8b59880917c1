package registry

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/wire"
)

func candidate(pid string, addr byte, in, out int64, load float64, latency time.Duration) Candidate {
	return Candidate{
		PeerID:     peer.ID(pid),
		EVMAddress: common.BytesToAddress([]byte{addr}),
		Model: wire.ModelDescriptor{
			ModelID:       "gpt-test",
			InboundPrice:  big.NewInt(in),
			OutboundPrice: big.NewInt(out),
			Load:          load,
		},
		Latency: latency,
	}
}

func testDiscovery() *Discovery {
	return NewDiscovery(nil, nil, time.Second, zap.NewNop())
}

// ── best-price ─────────────────────────────────────────────────────────────

func TestRank_BestPrice(t *testing.T) {
	d := testDiscovery()
	cands := []Candidate{
		candidate("peer-a", 1, 1000, 2000, 0.2, 0),
		candidate("peer-b", 2, 500, 1000, 0.5, 0), // cheapest
		candidate("peer-c", 3, 2000, 4000, 0.1, 0),
	}
	ranked, err := d.Rank(cands, StrategyBestPrice, nil, "")
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if ranked[0].PeerID != peer.ID("peer-b") {
		t.Fatalf("best-price picked %s, want peer-b", ranked[0].PeerID)
	}
}

func TestRank_BestPrice_SkipsFullLoad(t *testing.T) {
	d := testDiscovery()
	cands := []Candidate{
		candidate("peer-a", 1, 500, 1000, 1.0, 0), // cheapest but saturated
		candidate("peer-b", 2, 1000, 2000, 0.5, 0),
	}
	ranked, err := d.Rank(cands, StrategyBestPrice, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 1 || ranked[0].PeerID != peer.ID("peer-b") {
		t.Fatal("saturated executor must be excluded")
	}
}

func TestRank_BestPrice_HonorsMaxPrice(t *testing.T) {
	d := testDiscovery()
	cands := []Candidate{
		candidate("peer-a", 1, 500, 5000, 0.1, 0), // outbound above cap
		candidate("peer-b", 2, 1000, 2000, 0.5, 0),
	}
	ranked, err := d.Rank(cands, StrategyBestPrice, big.NewInt(3000), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 1 || ranked[0].PeerID != peer.ID("peer-b") {
		t.Fatal("over-cap executor must be excluded")
	}
}

func TestRank_BestPrice_TieBreaks(t *testing.T) {
	d := testDiscovery()
	// equal prices: lower latency wins
	cands := []Candidate{
		candidate("peer-a", 1, 1000, 2000, 0.1, 80*time.Millisecond),
		candidate("peer-b", 2, 1000, 2000, 0.1, 20*time.Millisecond),
	}
	ranked, err := d.Rank(cands, StrategyBestPrice, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if ranked[0].PeerID != peer.ID("peer-b") {
		t.Fatal("latency tie-break failed")
	}

	// equal prices and latency: lexicographic peer id
	cands = []Candidate{
		candidate("peer-b", 2, 1000, 2000, 0.1, 0),
		candidate("peer-a", 1, 1000, 2000, 0.1, 0),
	}
	ranked, err = d.Rank(cands, StrategyBestPrice, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if ranked[0].PeerID != peer.ID("peer-a") {
		t.Fatal("peer id tie-break failed")
	}
}

func TestRank_BestPrice_NoneEligible(t *testing.T) {
	d := testDiscovery()
	cands := []Candidate{candidate("peer-a", 1, 500, 1000, 1.0, 0)}
	if _, err := d.Rank(cands, StrategyBestPrice, nil, ""); err == nil {
		t.Fatal("expected an error when no candidate is eligible")
	}
}

// ── other strategies ───────────────────────────────────────────────────────

func TestRank_RoundRobin(t *testing.T) {
	d := testDiscovery()
	cands := []Candidate{
		candidate("peer-a", 1, 1000, 2000, 0.1, 0),
		candidate("peer-b", 2, 1000, 2000, 0.1, 0),
	}
	first, err := d.Rank(cands, StrategyRoundRobin, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Rank(cands, StrategyRoundRobin, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if first[0].PeerID == second[0].PeerID {
		t.Fatal("round-robin did not rotate")
	}
}

func TestRank_LowestLatency(t *testing.T) {
	d := testDiscovery()
	cands := []Candidate{
		candidate("peer-a", 1, 1, 1, 0.1, 90*time.Millisecond),
		candidate("peer-b", 2, 9999, 9999, 0.1, 10*time.Millisecond),
		candidate("peer-c", 3, 1, 1, 0.1, 0), // unmeasured sorts last
	}
	ranked, err := d.Rank(cands, StrategyLowestLatency, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if ranked[0].PeerID != peer.ID("peer-b") {
		t.Fatal("lowest latency must win regardless of price")
	}
	if ranked[len(ranked)-1].PeerID != peer.ID("peer-c") {
		t.Fatal("unmeasured latency must sort last")
	}
}

func TestRank_ExplicitPeer(t *testing.T) {
	d := testDiscovery()
	cands := []Candidate{
		candidate("peer-a", 1, 1000, 2000, 0.1, 0),
		candidate("peer-b", 2, 500, 1000, 0.1, 0),
	}
	ranked, err := d.Rank(cands, StrategyExplicitPeer, nil, peer.ID("peer-a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 1 || ranked[0].PeerID != peer.ID("peer-a") {
		t.Fatal("explicit peer selection failed")
	}

	if _, err := d.Rank(cands, StrategyExplicitPeer, nil, peer.ID("peer-x")); err == nil {
		t.Fatal("absent explicit peer must error")
	}
}

func TestRank_UnknownStrategy(t *testing.T) {
	d := testDiscovery()
	cands := []Candidate{candidate("peer-a", 1, 1, 1, 0, 0)}
	if _, err := d.Rank(cands, Strategy("nope"), nil, ""); err == nil {
		t.Fatal("unknown strategy must error")
	}
}

func TestNoExecutorsAvailableError(t *testing.T) {
	err := &ErrNoExecutorsAvailable{Model: "gpt-test"}
	if err.Error() == "" {
		t.Fatal("error string empty")
	}
}
