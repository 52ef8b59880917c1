package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/identity"
	"github.com/dexloom/lloom/internal/p2p"
	"github.com/dexloom/lloom/internal/registry"
	"github.com/dexloom/lloom/internal/signing"
	"github.com/dexloom/lloom/internal/wire"
)

// DefaultDeadline is applied when the caller sets none.
const DefaultDeadline = 3600 * time.Second

// DefaultMaxAttempts bounds executor fallback within one Complete call.
const DefaultMaxAttempts = 3

var (
	// ErrAttemptsExhausted is returned when every candidate failed.
	ErrAttemptsExhausted = errors.New("client: all executor attempts failed")

	// ErrResponseInvalid is returned when an executor's response fails
	// verification; the envelope is kept as evidence.
	ErrResponseInvalid = errors.New("client: response failed verification")
)

// RejectedError surfaces a signed protocol rejection from an executor.
type RejectedError struct {
	Code    wire.ErrorCode
	Message string
	Peer    peer.ID
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("client: rejected by %s: %s: %s", e.Peer, e.Code, e.Message)
}

// CompletionParams is the caller-facing request surface.
type CompletionParams struct {
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTokens    uint32
	Temperature  float64 // decoded; encoded fixed-point on the wire
	MaxPrice     *big.Int
	Deadline     time.Time // zero means now + DefaultDeadline
	Strategy     registry.Strategy
	ExplicitPeer peer.ID
}

// Completion is a verified result. Success mirrors the executor's signed
// outcome: a false value means the backend failed after the request was
// accepted, so the nonce is consumed and prompt tokens are billed.
type Completion struct {
	Content        string
	Model          string
	Success        bool
	Executor       common.Address
	ExecutorPeer   peer.ID
	InboundTokens  uint32
	OutboundTokens uint32
	TotalCost      *big.Int
	Response       signing.ResponseCommitment
}

// Matchmaker drives the client request flow: discover, select, sign,
// send, verify, commit.
type Matchmaker struct {
	node        *p2p.Node
	discovery   *registry.Discovery
	domain      *signing.Domain
	id          *identity.Identity
	nonces      *NonceBook
	maxAttempts int
	log         *zap.Logger
}

// NewMatchmaker wires the matchmaker. maxAttempts <= 0 selects the
// default of 3.
func NewMatchmaker(node *p2p.Node, discovery *registry.Discovery, domain *signing.Domain, id *identity.Identity, nonces *NonceBook, maxAttempts int, log *zap.Logger) *Matchmaker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Matchmaker{
		node:        node,
		discovery:   discovery,
		domain:      domain,
		id:          id,
		nonces:      nonces,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Complete runs one end-to-end request. On timeout or a retryable
// rejection it falls through to the next ranked candidate with the same
// nonce — the previous commitment was never accepted, so the nonce is
// still free.
func (m *Matchmaker) Complete(ctx context.Context, params *CompletionParams) (*Completion, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	cands, err := m.discovery.FindExecutors(ctx, params.Model)
	if err != nil {
		return nil, err
	}
	ranked, err := m.discovery.Rank(cands, params.Strategy, params.MaxPrice, params.ExplicitPeer)
	if err != nil {
		return nil, err
	}

	nonce, err := m.nonces.Reserve()
	if err != nil {
		return nil, err
	}

	deadline := params.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(DefaultDeadline)
	}

	attempts := m.maxAttempts
	if attempts > len(ranked) {
		attempts = len(ranked)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		cand := ranked[i]
		comp, err := m.attempt(ctx, params, cand, nonce, deadline)
		if err == nil {
			if cerr := m.nonces.Commit(nonce); cerr != nil {
				m.log.Error("nonce commit failed after verified response",
					zap.Uint64("nonce", nonce), zap.Error(cerr))
			}
			return comp, nil
		}
		lastErr = err

		var rej *RejectedError
		retryable := errors.Is(err, p2p.ErrRequestTimeout) ||
			errors.Is(err, p2p.ErrNoRouteToPeer) ||
			(errors.As(err, &rej) && rej.Code.Retryable())
		m.log.Warn("executor attempt failed",
			zap.String("peer", cand.PeerID.String()),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)
		if !retryable {
			break
		}
	}

	if rerr := m.nonces.Release(nonce); rerr != nil {
		m.log.Error("nonce release failed", zap.Uint64("nonce", nonce), zap.Error(rerr))
	}
	return nil, fmt.Errorf("%w: %v", ErrAttemptsExhausted, lastErr)
}

// attempt builds, signs and sends one commitment to one candidate and
// fully verifies whatever comes back.
func (m *Matchmaker) attempt(ctx context.Context, params *CompletionParams, cand registry.Candidate, nonce uint64, deadline time.Time) (*Completion, error) {
	var sysHash [32]byte
	if params.SystemPrompt != "" {
		sysHash = signing.HashContent(params.SystemPrompt)
	}

	commitment := signing.RequestCommitment{
		Executor:         cand.EVMAddress,
		Model:            params.Model,
		PromptHash:       signing.HashContent(params.Prompt),
		SystemPromptHash: sysHash,
		MaxTokens:        params.MaxTokens,
		Temperature:      uint32(params.Temperature * signing.TemperatureScale),
		InboundPrice:     new(big.Int).Set(cand.Model.InboundPrice),
		OutboundPrice:    new(big.Int).Set(cand.Model.OutboundPrice),
		Nonce:            nonce,
		Deadline:         uint64(deadline.Unix()),
	}

	signed, err := m.domain.SignRequest(&commitment, m.id)
	if err != nil {
		return nil, err
	}

	payload, err := wire.Encode(wire.TagSignedRequest, &wire.CompletionRequest{
		Request:      *signed,
		Prompt:       params.Prompt,
		SystemPrompt: params.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}

	sent := time.Now()
	raw, err := m.node.Request(ctx, cand.PeerID, payload)
	if err != nil {
		return nil, err
	}

	tag, body, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}
	switch tag {
	case wire.TagSignedError:
		var se wire.SignedError
		if err := wire.DecodePayload(body, &se); err != nil {
			return nil, err
		}
		// Recover the rejection signer so the envelope is usable as
		// evidence even when the claimed signer lies.
		if signer, rerr := wire.RecoverPayload(&se, se.Signature); rerr != nil || signer != cand.EVMAddress {
			m.log.Warn("rejection envelope not provably from executor",
				zap.String("peer", cand.PeerID.String()))
		}
		return nil, &RejectedError{Code: se.Code, Message: se.Message, Peer: cand.PeerID}

	case wire.TagSignedResponse:
		var reply wire.CompletionReply
		if err := wire.DecodePayload(body, &reply); err != nil {
			return nil, err
		}
		return m.verify(&commitment, &reply, cand, sent)

	default:
		return nil, wire.ErrUnexpectedTag
	}
}

// verify enforces the full response contract: signature recovery, price
// echo, request-hash binding, timestamp window and content hash.
func (m *Matchmaker) verify(req *signing.RequestCommitment, reply *wire.CompletionReply, cand registry.Candidate, sent time.Time) (*Completion, error) {
	resp := &reply.Response.Commitment

	recovered, err := m.domain.VerifyResponse(&reply.Response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}
	if recovered != cand.EVMAddress || recovered != req.Executor {
		return nil, fmt.Errorf("%w: signer %s is not executor %s", ErrResponseInvalid, recovered.Hex(), req.Executor.Hex())
	}
	if resp.Client != m.id.EVMAddress() {
		return nil, fmt.Errorf("%w: response addressed to %s", ErrResponseInvalid, resp.Client.Hex())
	}
	if resp.RequestHash != signing.HashRequest(req) {
		return nil, fmt.Errorf("%w: request hash mismatch", ErrResponseInvalid)
	}
	if resp.InboundPrice.Cmp(req.InboundPrice) != 0 || resp.OutboundPrice.Cmp(req.OutboundPrice) != 0 {
		return nil, fmt.Errorf("%w: price echo mismatch", ErrResponseInvalid)
	}
	if resp.Timestamp > req.Deadline || resp.Timestamp+1 < uint64(sent.Unix()) {
		return nil, fmt.Errorf("%w: timestamp outside request window", ErrResponseInvalid)
	}
	if resp.Success && resp.ContentHash != signing.HashContent(reply.Content) {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrResponseInvalid)
	}

	return &Completion{
		Content:        reply.Content,
		Model:          resp.Model,
		Success:        resp.Success,
		Executor:       recovered,
		ExecutorPeer:   cand.PeerID,
		InboundTokens:  resp.InboundTokens,
		OutboundTokens: resp.OutboundTokens,
		TotalCost:      resp.TotalCost(),
		Response:       *resp,
	}, nil
}

func validateParams(p *CompletionParams) error {
	if p.Model == "" {
		return errors.New("client: model is required")
	}
	if p.Prompt == "" {
		return errors.New("client: prompt is required")
	}
	if p.MaxTokens == 0 {
		return errors.New("client: max tokens must be positive")
	}
	if p.Temperature < 0 || p.Temperature*signing.TemperatureScale > signing.MaxTemperature {
		return fmt.Errorf("client: temperature %v out of range [0, 2]", p.Temperature)
	}
	return nil
}
