// Package wire defines the CBOR wire format: the request-response
// discriminated union, gossip payloads and the framing used on libp2p
// streams. One framing contract covers the whole protocol.
package wire

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"

	"github.com/dexloom/lloom/internal/signing"
)

// Tag discriminates the request-response union. Values are wire-stable.
type Tag uint8

const (
	TagSignedRequest      Tag = 1
	TagSignedResponse     Tag = 2
	TagDiscoverModel      Tag = 3
	TagDiscoverModelReply Tag = 4
	TagGetInfo            Tag = 5
	TagInfoReply          Tag = 6
	TagPing               Tag = 7
	TagPong               Tag = 8
	TagSignedError        Tag = 9
)

// Envelope is the outer frame on every request-response stream: a tag and
// the tag-specific CBOR payload.
type Envelope struct {
	Tag     Tag             `cbor:"1,keyasint"`
	Payload cbor.RawMessage `cbor:"2,keyasint"`
}

// CompletionRequest is the tag-1 payload: the signed request commitment
// plus the prompt bodies whose keccak256 hashes the commitment binds.
type CompletionRequest struct {
	Request      signing.SignedRequest `cbor:"1,keyasint"`
	Prompt       string                `cbor:"2,keyasint"`
	SystemPrompt string                `cbor:"3,keyasint"` // empty when absent
}

// CompletionReply is the tag-2 payload: the signed response commitment
// plus the completion content whose keccak256 the commitment binds.
type CompletionReply struct {
	Response signing.SignedResponse `cbor:"1,keyasint"`
	Content  string                 `cbor:"2,keyasint"`
}

// DiscoverModel asks a validator for its current registry filtered by model.
type DiscoverModel struct {
	ModelID string `cbor:"1,keyasint"`
}

// ExecutorEntry is one hit in a DiscoverModelReply.
type ExecutorEntry struct {
	PeerID     string          `cbor:"1,keyasint"` // canonical peer.ID string
	EVMAddress common.Address  `cbor:"2,keyasint"`
	Model      ModelDescriptor `cbor:"3,keyasint"`
}

// DiscoverModelReply lists the executors a validator currently knows for
// the requested model.
type DiscoverModelReply struct {
	Executors []ExecutorEntry `cbor:"1,keyasint"`
}

// GetInfo requests a node's identity and served models.
type GetInfo struct{}

// InfoReply describes a node.
type InfoReply struct {
	PeerID     string            `cbor:"1,keyasint"`
	EVMAddress common.Address    `cbor:"2,keyasint"`
	Role       string            `cbor:"3,keyasint"` // client | executor | validator
	Models     []ModelDescriptor `cbor:"4,keyasint"`
	Version    string            `cbor:"5,keyasint"`
}

// Ping / Pong carry an opaque nonce so callers can match round-trips and
// measure dial latency.
type Ping struct {
	Nonce uint64 `cbor:"1,keyasint"`
}

type Pong struct {
	Nonce uint64 `cbor:"1,keyasint"`
}

// SignedError is a non-repudiable rejection: the error itself is signed by
// the rejecting node so the counterparty can prove misbehavior. RefHash is
// the EIP-712 struct hash of the offending commitment, zero when the
// request could not even be hashed.
type SignedError struct {
	Code      ErrorCode      `cbor:"1,keyasint"`
	Message   string         `cbor:"2,keyasint"`
	RefHash   [32]byte       `cbor:"3,keyasint"`
	Signature []byte         `cbor:"4,keyasint"` // EIP-191 over SigningBytes
	Signer    common.Address `cbor:"5,keyasint"`
}

// SigningBytes is the canonical encoding covered by the error signature.
func (e *SignedError) SigningBytes() ([]byte, error) {
	unsigned := SignedError{Code: e.Code, Message: e.Message, RefHash: e.RefHash}
	return Marshal(&unsigned)
}
