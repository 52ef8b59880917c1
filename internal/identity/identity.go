// Package identity derives the joint node identity from a single secp256k1
// secret: the libp2p PeerID and the EVM address come from the same key, so a
// peer cannot present a network identity that does not match its on-chain one.
package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrInvalidKey is returned when the supplied bytes are not a valid
// secp256k1 scalar.
var ErrInvalidKey = errors.New("identity: invalid secp256k1 secret")

const secretLen = 32

// Identity holds both derivations of one secp256k1 secret. The raw secret
// never leaves the package; collaborators get the typed keys they need
// (libp2p host, chain transactor) through accessors.
type Identity struct {
	ethKey *ecdsa.PrivateKey
	p2pKey p2pcrypto.PrivKey
	peerID peer.ID
	addr   common.Address
}

// Generate creates an identity from a fresh random secret.
func Generate() (*Identity, error) {
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("identity: read entropy: %w", err)
	}
	id, err := FromSecret(secret)
	if err != nil {
		// Astronomically unlikely (secret >= curve order); retry once.
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("identity: read entropy: %w", err)
		}
		return FromSecret(secret)
	}
	return id, nil
}

// FromSecret derives an identity from a 32-byte secret.
func FromSecret(secret []byte) (*Identity, error) {
	if len(secret) != secretLen {
		return nil, ErrInvalidKey
	}
	ethKey, err := crypto.ToECDSA(secret)
	if err != nil {
		return nil, ErrInvalidKey
	}
	p2pKey, err := p2pcrypto.UnmarshalSecp256k1PrivateKey(secret)
	if err != nil {
		return nil, ErrInvalidKey
	}
	pid, err := peer.IDFromPrivateKey(p2pKey)
	if err != nil {
		return nil, fmt.Errorf("identity: derive peer id: %w", err)
	}
	return &Identity{
		ethKey: ethKey,
		p2pKey: p2pKey,
		peerID: pid,
		addr:   crypto.PubkeyToAddress(ethKey.PublicKey),
	}, nil
}

// PeerID returns the libp2p peer identifier.
func (id *Identity) PeerID() peer.ID { return id.peerID }

// EVMAddress returns the 20-byte on-chain address.
func (id *Identity) EVMAddress() common.Address { return id.addr }

// P2PKey returns the libp2p private key for the host constructor.
func (id *Identity) P2PKey() p2pcrypto.PrivKey { return id.p2pKey }

// ChainKey returns the ECDSA key for the chain transactor.
func (id *Identity) ChainKey() *ecdsa.PrivateKey { return id.ethKey }

// SignDigest signs a 32-byte digest and returns a 65-byte r||s||v signature
// with v in {27,28} for Solidity ecrecover.
func (id *Identity) SignDigest(digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], id.ethKey)
	if err != nil {
		return nil, fmt.Errorf("identity: sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// Load reads a 32-byte secret from path.
func Load(path string) (*Identity, error) {
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
	id, err := FromSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("identity: %s corrupted: %w", path, err)
	}
	return id, nil
}

// Save writes the secret to path with 0600 permissions.
func (id *Identity) Save(path string) error {
	secret := crypto.FromECDSA(id.ethKey)
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}

// LoadOrCreate loads the identity at path, generating and persisting a new
// one if the file does not exist.
func LoadOrCreate(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("identity: stat %s: %w", path, err)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}
