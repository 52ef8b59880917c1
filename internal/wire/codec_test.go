package wire

import (
	"bytes"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dexloom/lloom/internal/signing"
)

func sampleDescriptor() ModelDescriptor {
	return ModelDescriptor{
		ModelID:       "gpt-test",
		Name:          "GPT Test",
		ContextWindow: 8192,
		Capabilities:  []Capability{CapChat, CapCode},
		InboundPrice:  big.NewInt(1000),
		OutboundPrice: big.NewInt(2000),
		Load:          0.25,
		MaxConcurrent: 10,
	}
}

// ── round-trips ────────────────────────────────────────────────────────────

func TestCommitmentRoundTrip(t *testing.T) {
	req := signing.RequestCommitment{
		Executor:         common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Model:            "gpt-test",
		PromptHash:       crypto.Keccak256Hash([]byte("hi")),
		SystemPromptHash: [32]byte{},
		MaxTokens:        16,
		Temperature:      7000,
		InboundPrice:     big.NewInt(1000),
		OutboundPrice:    big.NewInt(2000),
		Nonce:            0,
		Deadline:         1_700_000_060,
	}

	data, err := Marshal(&req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back signing.RequestCommitment
	if err := Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(req, back) {
		t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", back, req)
	}

	// deterministic: re-encoding the decoded value yields identical bytes
	again, err := Marshal(&back)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("encoding is not deterministic")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := Encode(TagDiscoverModel, &DiscoverModel{ModelID: "gpt-test"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tag, payload, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tag != TagDiscoverModel {
		t.Fatalf("tag %d, want %d", tag, TagDiscoverModel)
	}
	var q DiscoverModel
	if err := DecodePayload(payload, &q); err != nil {
		t.Fatal(err)
	}
	if q.ModelID != "gpt-test" {
		t.Fatalf("model %q, want gpt-test", q.ModelID)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	desc := sampleDescriptor()
	data, err := Marshal(&desc)
	if err != nil {
		t.Fatal(err)
	}
	var back ModelDescriptor
	if err := Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(desc, back) {
		t.Fatalf("descriptor round-trip mismatch:\n got %+v\nwant %+v", back, desc)
	}
}

// ── framing ────────────────────────────────────────────────────────────────

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame payload %q, want %q", got, payload)
	}
}

func TestReadFrame_RejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	// header announces a frame over the cap
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("oversize frame header must be rejected")
	}
}

func TestWriteFrame_RejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatal("oversize frame must be rejected before writing")
	}
}

// ── gossip signatures ──────────────────────────────────────────────────────

type gossipSigner struct {
	keyBytes []byte
	addr     common.Address
}

func newGossipSigner(t *testing.T) *gossipSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return &gossipSigner{keyBytes: crypto.FromECDSA(key), addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *gossipSigner) SignDigest(digest [32]byte) ([]byte, error) {
	key, err := crypto.ToECDSA(s.keyBytes)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (s *gossipSigner) EVMAddress() common.Address { return s.addr }

func TestGossipPayload_SignRecover(t *testing.T) {
	signer := newGossipSigner(t)
	hb := &Heartbeat{
		PeerID:     "12D3KooWtest",
		EVMAddress: signer.addr,
		Timestamp:  1_700_000_000,
		ModelIDs:   []string{"gpt-test"},
		Load:       0.5,
	}
	sig, err := SignPayload(hb, signer)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	hb.Signature = sig

	recovered, err := RecoverPayload(hb, hb.Signature)
	if err != nil {
		t.Fatalf("RecoverPayload: %v", err)
	}
	if recovered != signer.addr {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.addr.Hex())
	}
}

func TestGossipPayload_TamperDetected(t *testing.T) {
	signer := newGossipSigner(t)
	ann := &ModelAnnouncement{
		PeerID:     "12D3KooWtest",
		EVMAddress: signer.addr,
		Timestamp:  1_700_000_000,
		Models:     []ModelDescriptor{sampleDescriptor()},
	}
	sig, err := SignPayload(ann, signer)
	if err != nil {
		t.Fatal(err)
	}
	ann.Signature = sig
	ann.Models[0].OutboundPrice = big.NewInt(1) // tamper after signing

	recovered, err := RecoverPayload(ann, ann.Signature)
	if err == nil && recovered == signer.addr {
		t.Fatal("tampered payload must not recover the original signer")
	}
}

func TestGossipPayload_Unsigned(t *testing.T) {
	hb := &Heartbeat{PeerID: "x"}
	if _, err := RecoverPayload(hb, nil); err == nil {
		t.Fatal("unsigned payload must be rejected")
	}
}

// ── error codes ────────────────────────────────────────────────────────────

func TestErrorCode_Strings(t *testing.T) {
	cases := map[ErrorCode]string{
		CodeInvalidSignature:     "INVALID_SIGNATURE",
		CodeNonceViolation:       "NONCE_VIOLATION",
		CodePriceMismatch:        "PRICE_MISMATCH",
		CodeTokenCountOverflow:   "TOKEN_COUNT_OVERFLOW",
		CodeInsufficientCapacity: "INSUFFICIENT_CAPACITY",
	}
	for code, want := range cases {
		if code.String() != want {
			t.Errorf("code %d: %q, want %q", code, code.String(), want)
		}
	}
}

func TestErrorCode_Retryable(t *testing.T) {
	if CodeNonceViolation.Retryable() {
		t.Error("nonce violation must not be retryable")
	}
	if !CodeInsufficientCapacity.Retryable() {
		t.Error("insufficient capacity must be retryable")
	}
}
