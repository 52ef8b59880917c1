package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/wire"
)

// ProtocolID is the single request-response protocol; the envelope tag
// discriminates message kinds inside it.
const ProtocolID = protocol.ID("/lloom/rpc/1.0.0")

// Dial backoff: base 100 ms doubling to a 2 s cap, 5 attempts.
const (
	dialBackoffBase = 100 * time.Millisecond
	dialBackoffMax  = 2 * time.Second
	dialAttempts    = 5
)

var (
	// ErrNoRouteToPeer is returned after dial attempts are exhausted.
	ErrNoRouteToPeer = errors.New("p2p: no route to peer")

	// ErrRequestTimeout is returned when a round-trip exceeds its deadline.
	// The caller decides whether to retry.
	ErrRequestTimeout = errors.New("p2p: request timed out")
)

// RequestHandler serves one inbound envelope and returns the reply
// envelope bytes. Returning an error aborts the stream without replying.
type RequestHandler func(ctx context.Context, from peer.ID, req []byte) ([]byte, error)

// SetRequestHandler installs the inbound stream handler. Must be called
// before the node starts serving traffic.
func (n *Node) SetRequestHandler(handler RequestHandler) {
	n.host.SetStreamHandler(ProtocolID, func(s network.Stream) {
		defer s.Close()
		remote := s.Conn().RemotePeer()

		req, err := wire.ReadFrame(s)
		if err != nil {
			n.log.Debug("read request frame", zap.String("peer", remote.String()), zap.Error(err))
			s.Reset()
			return
		}

		resp, err := handler(context.Background(), remote, req)
		if err != nil {
			n.log.Warn("request handler error", zap.String("peer", remote.String()), zap.Error(err))
			s.Reset()
			return
		}

		if err := wire.WriteFrame(s, resp); err != nil {
			n.log.Debug("write response frame", zap.String("peer", remote.String()), zap.Error(err))
			s.Reset()
		}
	})
}

// Request performs one framed round-trip to p with the node's configured
// per-request timeout.
func (n *Node) Request(ctx context.Context, p peer.ID, req []byte) ([]byte, error) {
	return n.RequestWithTimeout(ctx, p, req, n.reqTimeout)
}

// RequestWithTimeout performs one framed round-trip with an explicit
// timeout. The stream is deadline-bounded so a stalled peer cannot hold
// the caller past its budget.
func (n *Node) RequestWithTimeout(ctx context.Context, p peer.ID, req []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := n.connectWithBackoff(ctx, p); err != nil {
		return nil, err
	}

	start := time.Now()
	s, err := n.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("p2p: open stream to %s: %w", p, err)
	}
	defer s.Close()

	deadline := time.Now().Add(timeout)
	_ = s.SetDeadline(deadline)

	if err := wire.WriteFrame(s, req); err != nil {
		s.Reset()
		return nil, timeoutOr(ctx, fmt.Errorf("p2p: send request to %s: %w", p, err))
	}

	resp, err := wire.ReadFrame(s)
	if err != nil {
		s.Reset()
		return nil, timeoutOr(ctx, fmt.Errorf("p2p: read response from %s: %w", p, err))
	}

	n.ObserveLatency(p, time.Since(start))
	return resp, nil
}

// connectWithBackoff dials p with exponential backoff. Already-connected
// peers return immediately.
func (n *Node) connectWithBackoff(ctx context.Context, p peer.ID) error {
	if n.host.Network().Connectedness(p) == network.Connected {
		return nil
	}

	backoff := dialBackoffBase
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return timeoutOr(ctx, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > dialBackoffMax {
				backoff = dialBackoffMax
			}
		}

		start := time.Now()
		err := n.host.Connect(ctx, peer.AddrInfo{ID: p})
		if err == nil {
			n.ObserveLatency(p, time.Since(start))
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return timeoutOr(ctx, ctx.Err())
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrNoRouteToPeer, p, lastErr)
}

// timeoutOr maps context expiry onto ErrRequestTimeout, otherwise passes
// the underlying error through.
func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrRequestTimeout
	}
	return err
}

// Ping round-trips a wire Ping and returns the measured latency.
func (n *Node) Ping(ctx context.Context, p peer.ID, nonce uint64) (time.Duration, error) {
	req, err := wire.Encode(wire.TagPing, &wire.Ping{Nonce: nonce})
	if err != nil {
		return 0, err
	}
	start := time.Now()
	raw, err := n.Request(ctx, p, req)
	if err != nil {
		return 0, err
	}
	tag, payload, err := wire.Decode(raw)
	if err != nil {
		return 0, err
	}
	if tag != wire.TagPong {
		return 0, wire.ErrUnexpectedTag
	}
	var pong wire.Pong
	if err := wire.DecodePayload(payload, &pong); err != nil {
		return 0, err
	}
	if pong.Nonce != nonce {
		return 0, fmt.Errorf("p2p: pong nonce mismatch: sent %d got %d", nonce, pong.Nonce)
	}
	rtt := time.Since(start)
	n.ObserveLatency(p, rtt)
	return rtt, nil
}
