package signing

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	testChainID  = big.NewInt(31337)
	testContract = common.HexToAddress("0xDeAdBeEfDeAdBeEfDeAdBeEfDeAdBeEfDeAdBeEf")
)

type testSigner struct {
	key  []byte
	addr common.Address
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return &testSigner{
		key:  crypto.FromECDSA(key),
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *testSigner) SignDigest(digest [32]byte) ([]byte, error) {
	key, err := crypto.ToECDSA(s.key)
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

func (s *testSigner) EVMAddress() common.Address { return s.addr }

func testRequest() *RequestCommitment {
	return &RequestCommitment{
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
}

func testResponse(reqHash [32]byte) *ResponseCommitment {
	return &ResponseCommitment{
		RequestHash:    reqHash,
		Client:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Model:          "gpt-test",
		ContentHash:    crypto.Keccak256Hash([]byte("hello")),
		InboundTokens:  1,
		OutboundTokens: 5,
		InboundPrice:   big.NewInt(1000),
		OutboundPrice:  big.NewInt(2000),
		Timestamp:      1_700_000_030,
		Success:        true,
	}
}

// ── struct hashing ─────────────────────────────────────────────────────────

func TestHashRequest_Deterministic(t *testing.T) {
	h1 := HashRequest(testRequest())
	h2 := HashRequest(testRequest())
	if h1 != h2 {
		t.Fatal("identical commitments must hash identically")
	}
}

func TestHashRequest_FieldSensitivity(t *testing.T) {
	base := HashRequest(testRequest())

	mutations := map[string]func(*RequestCommitment){
		"executor":      func(r *RequestCommitment) { r.Executor = common.HexToAddress("0x03") },
		"model":         func(r *RequestCommitment) { r.Model = "other-model" },
		"promptHash":    func(r *RequestCommitment) { r.PromptHash = crypto.Keccak256Hash([]byte("bye")) },
		"sysPromptHash": func(r *RequestCommitment) { r.SystemPromptHash = crypto.Keccak256Hash([]byte("sys")) },
		"maxTokens":     func(r *RequestCommitment) { r.MaxTokens = 17 },
		"temperature":   func(r *RequestCommitment) { r.Temperature = 7001 },
		"inboundPrice":  func(r *RequestCommitment) { r.InboundPrice = big.NewInt(1001) },
		"outboundPrice": func(r *RequestCommitment) { r.OutboundPrice = big.NewInt(2001) },
		"nonce":         func(r *RequestCommitment) { r.Nonce = 1 },
		"deadline":      func(r *RequestCommitment) { r.Deadline = 1_700_000_061 },
	}
	for name, mutate := range mutations {
		r := testRequest()
		mutate(r)
		if HashRequest(r) == base {
			t.Errorf("mutating %s did not change the struct hash", name)
		}
	}
}

func TestHashRequest_EmptyModelIsKeccakEmpty(t *testing.T) {
	// An empty string field hashes as keccak256(""), not as the zero hash,
	// so two commitments differing only between "" and a model whose hash
	// would be zero can never collide.
	r1 := testRequest()
	r1.Model = ""
	r2 := testRequest()
	r2.Model = "x"
	if HashRequest(r1) == HashRequest(r2) {
		t.Fatal("empty and non-empty model must hash differently")
	}
}

func TestHashResponse_SuccessBit(t *testing.T) {
	reqHash := HashRequest(testRequest())
	ok := testResponse(reqHash)
	failed := testResponse(reqHash)
	failed.Success = false
	if HashResponse(ok) == HashResponse(failed) {
		t.Fatal("success flag must be part of the struct hash")
	}
}

// ── sign / verify ──────────────────────────────────────────────────────────

func TestSignRequest_RecoverAddress(t *testing.T) {
	signer := newTestSigner(t)
	domain := NewDomain(testChainID, testContract)

	signed, err := domain.SignRequest(testRequest(), signer)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	if len(signed.Signature) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(signed.Signature))
	}

	recovered, err := domain.VerifyRequest(signed)
	if err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
	if recovered != signer.addr {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.addr.Hex())
	}
}

func TestSignResponse_RecoverAddress(t *testing.T) {
	signer := newTestSigner(t)
	domain := NewDomain(testChainID, testContract)

	resp := testResponse(HashRequest(testRequest()))
	signed, err := domain.SignResponse(resp, signer)
	if err != nil {
		t.Fatalf("SignResponse: %v", err)
	}
	recovered, err := domain.VerifyResponse(signed)
	if err != nil {
		t.Fatalf("VerifyResponse: %v", err)
	}
	if recovered != signer.addr {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.addr.Hex())
	}
}

func TestVerifyRequest_DomainSeparation(t *testing.T) {
	signer := newTestSigner(t)
	domainA := NewDomain(testChainID, testContract)
	domainB := NewDomain(big.NewInt(1), testContract)

	signed, err := domainA.SignRequest(testRequest(), signer)
	if err != nil {
		t.Fatal(err)
	}
	recovered, err := domainB.VerifyRequest(signed)
	if err == nil && recovered == signer.addr {
		t.Fatal("signature must not verify under a different chain id")
	}
}

func TestVerifyRequest_TamperedCommitment(t *testing.T) {
	signer := newTestSigner(t)
	domain := NewDomain(testChainID, testContract)

	signed, err := domain.SignRequest(testRequest(), signer)
	if err != nil {
		t.Fatal(err)
	}
	signed.Commitment.OutboundPrice = big.NewInt(1) // price manipulation
	recovered, err := domain.VerifyRequest(signed)
	if err == nil && recovered == signer.addr {
		t.Fatal("tampered commitment must not recover the original signer")
	}
}

func TestVerifyRequest_VByteNormalization(t *testing.T) {
	signer := newTestSigner(t)
	domain := NewDomain(testChainID, testContract)

	signed, err := domain.SignRequest(testRequest(), signer)
	if err != nil {
		t.Fatal(err)
	}

	// 27/28 and 0/1 encodings must both recover
	alt := make([]byte, 65)
	copy(alt, signed.Signature)
	alt[64] -= 27
	signedAlt := *signed
	signedAlt.Signature = alt

	for _, sr := range []*SignedRequest{signed, &signedAlt} {
		recovered, err := domain.VerifyRequest(sr)
		if err != nil {
			t.Fatalf("verify with v=%d: %v", sr.Signature[64], err)
		}
		if recovered != signer.addr {
			t.Errorf("v=%d recovered %s, want %s", sr.Signature[64], recovered.Hex(), signer.addr.Hex())
		}
	}
}

func TestVerifyRequest_HighSRejected(t *testing.T) {
	signer := newTestSigner(t)
	domain := NewDomain(testChainID, testContract)

	signed, err := domain.SignRequest(testRequest(), signer)
	if err != nil {
		t.Fatal(err)
	}

	// Build the malleable twin: s' = N - s, v' = v ^ 1
	mall := make([]byte, 65)
	copy(mall, signed.Signature)
	s := new(big.Int).SetBytes(mall[32:64])
	s.Sub(crypto.S256().Params().N, s)
	s.FillBytes(mall[32:64])
	if mall[64] == 27 {
		mall[64] = 28
	} else {
		mall[64] = 27
	}
	signed.Signature = mall

	if _, err := domain.VerifyRequest(signed); err == nil {
		t.Fatal("high-s signature must be rejected")
	}
}

func TestVerifyRequest_BadLength(t *testing.T) {
	domain := NewDomain(testChainID, testContract)
	sr := &SignedRequest{Commitment: *testRequest(), Signature: []byte{1, 2, 3}}
	if _, err := domain.VerifyRequest(sr); err == nil {
		t.Fatal("short signature must be rejected")
	}
}

// ── time validation ────────────────────────────────────────────────────────

func TestValidateRequestTime_Boundary(t *testing.T) {
	r := testRequest()

	// deadline == now is already expired (strict inequality)
	if err := ValidateRequestTime(r, r.Deadline); err == nil {
		t.Fatal("deadline == now must be rejected")
	}
	if err := ValidateRequestTime(r, r.Deadline-1); err != nil {
		t.Fatalf("deadline-1: %v", err)
	}
	if err := ValidateRequestTime(r, r.Deadline+1); err == nil {
		t.Fatal("past deadline must be rejected")
	}
}

func TestValidateResponseTime(t *testing.T) {
	req := testRequest()
	resp := testResponse(HashRequest(req))

	// within deadline
	if err := ValidateResponseTime(resp, req, resp.Timestamp, 0, 5); err != nil {
		t.Fatalf("in-window response rejected: %v", err)
	}
	// past the deadline
	late := *resp
	late.Timestamp = req.Deadline + 1
	if err := ValidateResponseTime(&late, req, late.Timestamp, 0, 5); err == nil {
		t.Fatal("response after deadline must be rejected")
	}
	// too far in the future
	future := *resp
	future.Timestamp = resp.Timestamp + 30
	if err := ValidateResponseTime(&future, req, resp.Timestamp, 0, 5); err == nil {
		t.Fatal("future-dated response must be rejected")
	}
}

// ── helpers ────────────────────────────────────────────────────────────────

func TestTotalCost(t *testing.T) {
	resp := testResponse([32]byte{})
	// 1*1000 + 5*2000 = 11000
	if got := resp.TotalCost(); got.Cmp(big.NewInt(11000)) != 0 {
		t.Fatalf("total cost %s, want 11000", got)
	}
}

func TestHashContent_EmptyIsKeccakEmpty(t *testing.T) {
	var zero [32]byte
	if HashContent("") == zero {
		t.Fatal("empty content must hash to keccak256(\"\"), not the zero hash")
	}
	if HashContent("") != crypto.Keccak256Hash(nil) {
		t.Fatal("empty content hash mismatch")
	}
}
