package registry

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/identity"
	"github.com/dexloom/lloom/internal/wire"
)

// validatorVersion is reported in GetInfo replies.
const validatorVersion = "1.0.0"

// ValidatorHandler answers the request-response protocol on a validator:
// registry queries, info and ping.
type ValidatorHandler struct {
	reg *Registry
	id  *identity.Identity
	log *zap.Logger
}

// NewValidatorHandler wires the validator's RPC surface.
func NewValidatorHandler(reg *Registry, id *identity.Identity, log *zap.Logger) *ValidatorHandler {
	return &ValidatorHandler{reg: reg, id: id, log: log}
}

// HandleEnvelope is the p2p request handler for validators.
func (v *ValidatorHandler) HandleEnvelope(_ context.Context, from peer.ID, data []byte) ([]byte, error) {
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
			PeerID:     v.id.PeerID().String(),
			EVMAddress: v.id.EVMAddress(),
			Role:       "validator",
			Version:    validatorVersion,
		})

	case wire.TagDiscoverModel:
		var q wire.DiscoverModel
		if err := wire.DecodePayload(payload, &q); err != nil {
			return nil, err
		}
		executors := v.reg.QueryModel(q.ModelID)
		v.log.Debug("discover query served",
			zap.String("model", q.ModelID),
			zap.String("from", from.String()),
			zap.Int("hits", len(executors)),
		)
		return wire.Encode(wire.TagDiscoverModelReply, &wire.DiscoverModelReply{Executors: executors})

	default:
		return nil, wire.ErrUnexpectedTag
	}
}
