package wire

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Gossip topics. Version suffix changes on incompatible payload changes.
const (
	TopicAnnouncements = "lloom/announcements/1.0"
	TopicHeartbeats    = "lloom/heartbeats/1.0"
)

// ErrUnsignedPayload is returned when a gossip payload arrives without a
// signature.
var ErrUnsignedPayload = errors.New("wire: gossip payload is unsigned")

// ModelAnnouncement advertises an executor's full model set. Published on
// startup and on any descriptor change.
type ModelAnnouncement struct {
	PeerID     string            `cbor:"1,keyasint"`
	EVMAddress common.Address    `cbor:"2,keyasint"`
	Timestamp  uint64            `cbor:"3,keyasint"`
	Models     []ModelDescriptor `cbor:"4,keyasint"`
	Signature  []byte            `cbor:"5,keyasint"`
}

// ModelRemoval retracts models, emitted on graceful shutdown or explicit
// removal.
type ModelRemoval struct {
	PeerID    string   `cbor:"1,keyasint"`
	ModelIDs  []string `cbor:"2,keyasint"`
	Timestamp uint64   `cbor:"3,keyasint"`
	Signature []byte   `cbor:"4,keyasint"`
}

// Heartbeat is the periodic liveness signal carrying the current model set
// and load.
type Heartbeat struct {
	PeerID     string         `cbor:"1,keyasint"`
	EVMAddress common.Address `cbor:"2,keyasint"`
	Timestamp  uint64         `cbor:"3,keyasint"`
	ModelIDs   []string       `cbor:"4,keyasint"`
	Load       float64        `cbor:"5,keyasint"`
	Signature  []byte         `cbor:"6,keyasint"`
}

func (a *ModelAnnouncement) SigningBytes() ([]byte, error) {
	u := *a
	u.Signature = nil
	return Marshal(&u)
}

func (r *ModelRemoval) SigningBytes() ([]byte, error) {
	u := *r
	u.Signature = nil
	return Marshal(&u)
}

func (h *Heartbeat) SigningBytes() ([]byte, error) {
	u := *h
	u.Signature = nil
	return Marshal(&u)
}

// GossipPayload is implemented by every signed gossip message.
type GossipPayload interface {
	SigningBytes() ([]byte, error)
}

// PayloadSigner signs digests with the node identity. Satisfied by
// *identity.Identity.
type PayloadSigner interface {
	SignDigest(digest [32]byte) ([]byte, error)
	EVMAddress() common.Address
}

// HashPersonal builds the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg).
func HashPersonal(msg []byte) [32]byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256Hash([]byte(prefix), msg)
}

// SignPayload signs p's canonical bytes with EIP-191 and returns the
// 65-byte signature to store in the payload's Signature field.
func SignPayload(p GossipPayload, signer PayloadSigner) ([]byte, error) {
	msg, err := p.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("wire: gossip signing bytes: %w", err)
	}
	sig, err := signer.SignDigest(HashPersonal(msg))
	if err != nil {
		return nil, fmt.Errorf("wire: sign gossip payload: %w", err)
	}
	return sig, nil
}

// RecoverPayload recovers the originator address of a signed gossip
// payload. sig must be 65 bytes with v in {0,1} or {27,28}.
func RecoverPayload(p GossipPayload, sig []byte) (common.Address, error) {
	if len(sig) == 0 {
		return common.Address{}, ErrUnsignedPayload
	}
	if len(sig) != 65 {
		return common.Address{}, errors.New("wire: invalid gossip signature length")
	}
	msg, err := p.SigningBytes()
	if err != nil {
		return common.Address{}, fmt.Errorf("wire: gossip signing bytes: %w", err)
	}
	hash := HashPersonal(msg)

	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pub, err := crypto.SigToPub(hash[:], norm)
	if err != nil {
		return common.Address{}, fmt.Errorf("wire: ecrecover gossip payload: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
