// Package executor implements the serving side of the protocol: the
// validation pipeline for incoming signed requests, bounded admission, the
// backend invocation and usage recording.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dexloom/lloom/internal/identity"
	"github.com/dexloom/lloom/internal/llm"
	"github.com/dexloom/lloom/internal/registry"
	"github.com/dexloom/lloom/internal/signing"
	"github.com/dexloom/lloom/internal/store"
	"github.com/dexloom/lloom/internal/wire"
)

// Version is reported in GetInfo replies.
const Version = "1.0.0"

// errTokenOverflow marks a completion whose combined token counts exceed
// the uint32 range; it surfaces on the wire as CodeTokenCountOverflow.
var errTokenOverflow = errors.New("executor: token counts exceed uint32 range")

// Config bounds the handler's resources.
type Config struct {
	MaxQueueSize    int           // waiting requests (default 100)
	MaxInFlight     int           // concurrent backend calls (default 10)
	RatePerMinute   int           // per-client token bucket (default 60)
	PriceTolerance  time.Duration // how long superseded prices stay valid
	BackendTimeout  time.Duration // per backend call (default 300 s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxQueueSize <= 0 {
		out.MaxQueueSize = 100
	}
	if out.MaxInFlight <= 0 {
		out.MaxInFlight = 10
	}
	if out.RatePerMinute <= 0 {
		out.RatePerMinute = 60
	}
	if out.PriceTolerance <= 0 {
		out.PriceTolerance = registry.DefaultHeartbeatInterval
	}
	if out.BackendTimeout <= 0 {
		out.BackendTimeout = 300 * time.Second
	}
	return out
}

// Notifier is poked when the usage queue crosses the batch threshold.
// Satisfied by *chain.Submitter.
type Notifier interface {
	Notify()
}

// ModelSource is the announcer surface the handler consults. Satisfied by
// *registry.Announcer.
type ModelSource interface {
	Descriptor(modelID string) (wire.ModelDescriptor, bool)
	Accepting(modelID string) bool
	SetLoad(modelID string, load float64)
	Models() []wire.ModelDescriptor
	Update(ctx context.Context, desc wire.ModelDescriptor) error
}

// clientSession is the per-client nonce bookkeeping. No terminal state
// during process lifetime.
type clientSession struct {
	lastNonce uint64
	seen      bool
	lastHash  [32]byte
	lastReply []byte // encoded reply for idempotent retries
}

// supersededPrice remembers a model's previous quote so clients quoting a
// just-changed price inside the tolerance window are not rejected.
type supersededPrice struct {
	inbound    string
	outbound   string
	replacedAt time.Time
}

// Handler serves the request-response protocol for an executor node.
type Handler struct {
	domain    *signing.Domain
	id        *identity.Identity
	announcer ModelSource
	backend   llm.Backend
	counter   llm.TokenCounter
	usage     *store.UsageQueue
	notifier  Notifier
	batchHint int
	cfg       Config
	log       *zap.Logger

	sessMu   sync.Mutex
	sessions map[common.Address]*clientSession

	limitMu  sync.Mutex
	limiters map[common.Address]*rate.Limiter

	priceMu   sync.Mutex
	oldPrices map[string]supersededPrice

	queueSem    chan struct{}
	inflightSem chan struct{}

	closedMu sync.RWMutex
	closed   bool
}

// NewHandler wires the executor handler.
func NewHandler(
	domain *signing.Domain,
	id *identity.Identity,
	announcer ModelSource,
	backend llm.Backend,
	counter llm.TokenCounter,
	usage *store.UsageQueue,
	notifier Notifier,
	batchHint int,
	cfg Config,
	log *zap.Logger,
) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		domain:      domain,
		id:          id,
		announcer:   announcer,
		backend:     backend,
		counter:     counter,
		usage:       usage,
		notifier:    notifier,
		batchHint:   batchHint,
		cfg:         cfg,
		log:         log,
		sessions:    make(map[common.Address]*clientSession),
		limiters:    make(map[common.Address]*rate.Limiter),
		oldPrices:   make(map[string]supersededPrice),
		queueSem:    make(chan struct{}, cfg.MaxQueueSize),
		inflightSem: make(chan struct{}, cfg.MaxInFlight),
	}
}

// UpdatePrices changes a model's advertised prices, keeping the superseded
// quote valid for the tolerance window.
func (h *Handler) UpdatePrices(ctx context.Context, modelID string, inbound, outbound string) error {
	desc, ok := h.announcer.Descriptor(modelID)
	if !ok {
		return fmt.Errorf("executor: unknown model %q", modelID)
	}
	h.priceMu.Lock()
	h.oldPrices[modelID] = supersededPrice{
		inbound:    desc.InboundPrice.String(),
		outbound:   desc.OutboundPrice.String(),
		replacedAt: time.Now(),
	}
	h.priceMu.Unlock()

	if _, ok := desc.InboundPrice.SetString(inbound, 10); !ok {
		return fmt.Errorf("executor: bad inbound price %q", inbound)
	}
	if _, ok := desc.OutboundPrice.SetString(outbound, 10); !ok {
		return fmt.Errorf("executor: bad outbound price %q", outbound)
	}
	return h.announcer.Update(ctx, desc)
}

// Shutdown stops admitting new requests; in-flight work completes.
func (h *Handler) Shutdown() {
	h.closedMu.Lock()
	h.closed = true
	h.closedMu.Unlock()
}

// DrainWait blocks until the in-flight set empties or the grace period
// elapses.
func (h *Handler) DrainWait(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if len(h.inflightSem) == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	h.log.Warn("drain grace elapsed with requests in flight",
		zap.Int("in_flight", len(h.inflightSem)))
}

// HandleEnvelope is the p2p request handler: it dispatches on the envelope
// tag and always answers — protocol rejections come back as signed error
// envelopes, never as bare stream resets.
func (h *Handler) HandleEnvelope(ctx context.Context, from peer.ID, data []byte) ([]byte, error) {
	tag, payload, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case wire.TagPing:
		var ping wire.Ping
		if err := wire.DecodePayload(payload, &ping); err != nil {
			return nil, err
		}
		return wire.Encode(wire.TagPong, &wire.Pong{Nonce: ping.Nonce})

	case wire.TagGetInfo:
		return wire.Encode(wire.TagInfoReply, &wire.InfoReply{
			PeerID:     h.id.PeerID().String(),
			EVMAddress: h.id.EVMAddress(),
			Role:       "executor",
			Models:     h.announcer.Models(),
			Version:    Version,
		})

	case wire.TagSignedRequest:
		var req wire.CompletionRequest
		if err := wire.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		return h.handleRequest(ctx, from, &req)

	default:
		return nil, wire.ErrUnexpectedTag
	}
}

// handleRequest runs the full validation pipeline and either processes the
// request or answers with a signed rejection.
func (h *Handler) handleRequest(ctx context.Context, from peer.ID, req *wire.CompletionRequest) ([]byte, error) {
	c := &req.Request.Commitment
	reqHash := signing.HashRequest(c)

	// 1. signature
	client, err := h.domain.VerifyRequest(&req.Request)
	if err != nil {
		return h.reject(wire.CodeInvalidSignature, "signature does not verify", reqHash)
	}
	if req.Request.Signer != client {
		return h.reject(wire.CodeInvalidSignature, "claimed signer does not match recovered address", reqHash)
	}

	// 2. deadline (strict: deadline == now is expired)
	now := uint64(time.Now().Unix())
	if err := signing.ValidateRequestTime(c, now); err != nil {
		return h.reject(wire.CodeDeadlineExceeded, "request deadline has passed", reqHash)
	}

	// 3. recipient
	if c.Executor != h.id.EVMAddress() {
		return h.reject(wire.CodeWrongRecipient, "commitment targets a different executor", reqHash)
	}

	// basic field sanity before anything stateful
	if c.MaxTokens == 0 {
		return h.reject(wire.CodeInvalidRequest, "max tokens must be positive", reqHash)
	}
	if c.Temperature > signing.MaxTemperature {
		return h.reject(wire.CodeInvalidRequest, "temperature above 2.0", reqHash)
	}
	if signing.HashContent(req.Prompt) != c.PromptHash {
		return h.reject(wire.CodeInvalidRequest, "prompt does not match committed hash", reqHash)
	}
	if req.SystemPrompt != "" {
		if signing.HashContent(req.SystemPrompt) != c.SystemPromptHash {
			return h.reject(wire.CodeInvalidRequest, "system prompt does not match committed hash", reqHash)
		}
	} else if c.SystemPromptHash != ([32]byte{}) {
		// absent system prompt commits to the zero hash
		return h.reject(wire.CodeInvalidRequest, "commitment names a system prompt but none was sent", reqHash)
	}

	// 4.+5. model served and prices current (or within the tolerance window)
	desc, ok := h.announcer.Descriptor(c.Model)
	if !ok {
		return h.reject(wire.CodeModelNotAvailable, "model not served here", reqHash)
	}
	if !h.priceAcceptable(c, &desc) {
		return h.reject(wire.CodePriceMismatch, "quoted prices are not currently advertised", reqHash)
	}

	// 6. nonce bookkeeping
	sess, replay := h.checkNonce(client, c.Nonce, reqHash)
	if replay != nil {
		return replay, nil
	}
	if sess == nil {
		return h.reject(wire.CodeNonceViolation, "nonce is not the successor of the last accepted one", reqHash)
	}

	// 7. rate limit
	if !h.allow(client) {
		return h.reject(wire.CodeTooManyRequests, "per-client rate limit exceeded", reqHash)
	}

	// 8. admission
	if h.isClosed() || !h.announcer.Accepting(c.Model) {
		return h.reject(wire.CodeInsufficientCapacity, "not accepting new requests", reqHash)
	}
	select {
	case h.queueSem <- struct{}{}:
	default:
		return h.reject(wire.CodeInsufficientCapacity, "queue full", reqHash)
	}
	defer func() { <-h.queueSem }()

	// 9.-12. process under the in-flight semaphore
	reply, err := h.process(ctx, client, req, reqHash, &desc)
	if err != nil {
		if errors.Is(err, errTokenOverflow) {
			return h.reject(wire.CodeTokenCountOverflow, "token counts exceed the uint32 range", reqHash)
		}
		return h.reject(wire.CodeInternalError, "processing failed", reqHash)
	}

	h.recordAccepted(client, c.Nonce, reqHash, reply)
	return reply, nil
}

// priceAcceptable checks the quote against current prices, falling back to
// the superseded quote while the tolerance window is open.
func (h *Handler) priceAcceptable(c *signing.RequestCommitment, desc *wire.ModelDescriptor) bool {
	if c.InboundPrice.Cmp(desc.InboundPrice) == 0 && c.OutboundPrice.Cmp(desc.OutboundPrice) == 0 {
		return true
	}
	h.priceMu.Lock()
	old, ok := h.oldPrices[c.Model]
	h.priceMu.Unlock()
	if !ok || time.Since(old.replacedAt) > h.cfg.PriceTolerance {
		return false
	}
	return c.InboundPrice.String() == old.inbound && c.OutboundPrice.String() == old.outbound
}

// checkNonce enforces the per-client ordering: a first-seen client may use
// any nonce; afterwards only last+1 is accepted, except an identical
// retry, which replays the cached reply. Returns (session, nil) to
// proceed, (nil, reply) for an idempotent replay, (nil, nil) for a nonce
// violation.
func (h *Handler) checkNonce(client common.Address, nonce uint64, reqHash [32]byte) (*clientSession, []byte) {
	h.sessMu.Lock()
	defer h.sessMu.Unlock()

	sess, ok := h.sessions[client]
	if !ok {
		sess = &clientSession{}
		h.sessions[client] = sess
		return sess, nil
	}
	if !sess.seen {
		return sess, nil
	}
	if nonce == sess.lastNonce && reqHash == sess.lastHash && sess.lastReply != nil {
		reply := make([]byte, len(sess.lastReply))
		copy(reply, sess.lastReply)
		return nil, reply
	}
	if nonce == sess.lastNonce+1 {
		return sess, nil
	}
	return nil, nil
}

// recordAccepted advances the per-client nonce table. P4: the table moves
// to n only once the request is fully processed and answered.
func (h *Handler) recordAccepted(client common.Address, nonce uint64, reqHash [32]byte, reply []byte) {
	h.sessMu.Lock()
	defer h.sessMu.Unlock()
	sess, ok := h.sessions[client]
	if !ok {
		sess = &clientSession{}
		h.sessions[client] = sess
	}
	sess.seen = true
	sess.lastNonce = nonce
	sess.lastHash = reqHash
	sess.lastReply = append(sess.lastReply[:0], reply...)
}

func (h *Handler) allow(client common.Address) bool {
	h.limitMu.Lock()
	lim, ok := h.limiters[client]
	if !ok {
		perSec := rate.Limit(float64(h.cfg.RatePerMinute) / 60.0)
		lim = rate.NewLimiter(perSec, h.cfg.RatePerMinute)
		h.limiters[client] = lim
	}
	h.limitMu.Unlock()
	return lim.Allow()
}

func (h *Handler) isClosed() bool {
	h.closedMu.RLock()
	defer h.closedMu.RUnlock()
	return h.closed
}

// reject builds a signed error envelope; the rejection itself is
// non-repudiable.
func (h *Handler) reject(code wire.ErrorCode, msg string, refHash [32]byte) ([]byte, error) {
	se := &wire.SignedError{Code: code, Message: msg, RefHash: refHash}
	sig, err := wire.SignPayload(se, h.id)
	if err != nil {
		return nil, fmt.Errorf("executor: sign rejection: %w", err)
	}
	se.Signature = sig
	se.Signer = h.id.EVMAddress()
	h.log.Debug("request rejected",
		zap.String("code", code.String()),
		zap.String("ref", common.Hash(refHash).Hex()),
	)
	return wire.Encode(wire.TagSignedError, se)
}

// process runs the backend call under the in-flight semaphore and builds
// the signed response plus the usage record.
func (h *Handler) process(ctx context.Context, client common.Address, req *wire.CompletionRequest, reqHash [32]byte, desc *wire.ModelDescriptor) ([]byte, error) {
	c := &req.Request.Commitment

	select {
	case h.inflightSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.updateLoad(c.Model)
	defer func() {
		<-h.inflightSem
		h.updateLoad(c.Model)
	}()

	bctx, cancel := context.WithTimeout(ctx, h.cfg.BackendTimeout)
	defer cancel()

	result, backendErr := h.backend.Complete(bctx, &llm.CompletionRequest{
		Model:        c.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    c.MaxTokens,
		Temperature:  float64(c.Temperature) / signing.TemperatureScale,
	})

	var (
		content   string
		inTokens  uint32
		outTokens uint32
		success   bool
	)
	if backendErr == nil {
		content = result.Content
		inTokens = result.PromptTokens
		outTokens = result.CompletionTokens
		success = true
		if inTokens == 0 {
			inTokens, _ = h.counter.CountTokens(bctx, c.Model, promptText(req))
		}
		if outTokens == 0 {
			outTokens, _ = h.counter.CountTokens(bctx, c.Model, content)
		}
		// u32 sum overflow: fail with the overflow code rather than settle
		// a bogus total
		if uint64(inTokens)+uint64(outTokens) > math.MaxUint32 {
			h.log.Error("token count overflow",
				zap.Uint32("inbound", inTokens), zap.Uint32("outbound", outTokens))
			return nil, errTokenOverflow
		}
	} else {
		h.log.Warn("backend call failed", zap.String("model", c.Model), zap.Error(backendErr))
		inTokens, _ = h.counter.CountTokens(ctx, c.Model, promptText(req))
		outTokens = 0
		success = false
	}

	var contentHash [32]byte
	if success {
		contentHash = signing.HashContent(content)
	}

	resp := signing.ResponseCommitment{
		RequestHash:    reqHash,
		Client:         client,
		Model:          c.Model,
		ContentHash:    contentHash,
		InboundTokens:  inTokens,
		OutboundTokens: outTokens,
		InboundPrice:   c.InboundPrice,
		OutboundPrice:  c.OutboundPrice,
		Timestamp:      uint64(time.Now().Unix()),
		Success:        success,
	}
	signed, err := h.domain.SignResponse(&resp, h.id)
	if err != nil {
		return nil, err
	}

	h.enqueueUsage(client, req, &resp, signed.Signature)

	return wire.Encode(wire.TagSignedResponse, &wire.CompletionReply{
		Response: *signed,
		Content:  content,
	})
}

func (h *Handler) enqueueUsage(client common.Address, req *wire.CompletionRequest, resp *signing.ResponseCommitment, executorSig []byte) {
	rec := store.UsageRecord{
		RequestHash:    resp.RequestHash,
		Executor:       h.id.EVMAddress(),
		Client:         client,
		Model:          resp.Model,
		InboundTokens:  resp.InboundTokens,
		OutboundTokens: resp.OutboundTokens,
		InboundPrice:   resp.InboundPrice,
		OutboundPrice:  resp.OutboundPrice,
		TotalCost:      resp.TotalCost(),
		Timestamp:      resp.Timestamp,
		Success:        resp.Success,
		Request:        req.Request.Commitment,
		Response:       *resp,
		ClientSig:      req.Request.Signature,
		ExecutorSig:    executorSig,
	}
	if _, err := h.usage.Append(rec); err != nil {
		// The response is already signed and will be returned; losing the
		// usage record means unbilled work, so shout.
		h.log.Error("usage enqueue failed", zap.Error(err))
		return
	}
	if h.notifier != nil && h.batchHint > 0 && h.usage.Len() >= h.batchHint {
		h.notifier.Notify()
	}
}

func (h *Handler) updateLoad(modelID string) {
	load := float64(len(h.inflightSem)) / float64(cap(h.inflightSem))
	h.announcer.SetLoad(modelID, load)
}

func promptText(req *wire.CompletionRequest) string {
	if req.SystemPrompt == "" {
		return req.Prompt
	}
	return req.SystemPrompt + "\n" + req.Prompt
}
