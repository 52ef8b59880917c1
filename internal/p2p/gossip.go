package p2p

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// joinTopic joins (or returns the already-joined) pubsub topic.
func (n *Node) joinTopic(name string) (*pubsub.Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("p2p: join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

// Publish sends data on a gossip topic. At-most-once; delivery is not
// acknowledged.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("p2p: publish on %s: %w", topic, err)
	}
	return nil
}

// GossipHandler consumes one gossip message. from is the forwarding peer,
// not necessarily the originator; originator identity comes from the
// payload signature.
type GossipHandler func(from peer.ID, data []byte)

// Subscribe joins a topic and pumps messages into handler until the
// context is cancelled. Own messages are skipped.
func (n *Node) Subscribe(ctx context.Context, topic string, handler GossipHandler) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("p2p: subscribe %s: %w", topic, err)
	}

	go func() {
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					n.log.Warn("gossip subscription closed", zap.String("topic", topic), zap.Error(err))
				}
				return
			}
			if msg.ReceivedFrom == n.host.ID() {
				continue
			}
			handler(msg.ReceivedFrom, msg.Data)
		}
	}()
	return nil
}
