// Package signing implements EIP-712 hashing, signing and verification for
// the request/response commitment protocol.
package signing

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInvalidSignature covers malformed, malleable (high-s) and
	// unrecoverable signatures.
	ErrInvalidSignature = errors.New("signing: invalid signature")

	// ErrDeadlineExceeded is returned by time validation when the request
	// deadline has passed.
	ErrDeadlineExceeded = errors.New("signing: deadline exceeded")

	// ErrTimestampOutOfRange is returned when a response timestamp falls
	// outside the request window.
	ErrTimestampOutOfRange = errors.New("signing: timestamp out of range")
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	requestTypeHash = crypto.Keccak256Hash([]byte(
		"LlmRequestCommitment(address executor,string model,bytes32 promptHash,bytes32 systemPromptHash,uint32 maxTokens,uint32 temperature,uint256 inboundPrice,uint256 outboundPrice,uint64 nonce,uint64 deadline)",
	))
	responseTypeHash = crypto.Keccak256Hash([]byte(
		"LlmResponseCommitment(bytes32 requestHash,address client,string model,bytes32 contentHash,uint32 inboundTokens,uint32 outboundTokens,uint256 inboundPrice,uint256 outboundPrice,uint64 timestamp,bool success)",
	))

	nameHash    = crypto.Keccak256Hash([]byte("Lloom Network"))
	versionHash = crypto.Keccak256Hash([]byte("1.0.0"))
)

// Domain pins signatures to one (chain, contract) pair. Immutable after
// construction; share one per process.
type Domain struct {
	chainID   *big.Int
	contract  common.Address
	separator [32]byte
}

// NewDomain computes the EIP-712 domain separator for the given chain and
// verifying contract.
func NewDomain(chainID *big.Int, contract common.Address) *Domain {
	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address), each element
	// in its own left-padded 32-byte slot.
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], contract.Bytes())

	return &Domain{
		chainID:   new(big.Int).Set(chainID),
		contract:  contract,
		separator: crypto.Keccak256Hash(encoded),
	}
}

// ChainID returns the domain's chain id.
func (d *Domain) ChainID() *big.Int { return new(big.Int).Set(d.chainID) }

// Contract returns the verifying contract address.
func (d *Domain) Contract() common.Address { return d.contract }

// Separator returns the 32-byte domain separator.
func (d *Domain) Separator() [32]byte { return d.separator }

// HashRequest computes the EIP-712 struct hash of a request commitment.
// Strings are replaced by their keccak hash, integers left-padded to 32
// bytes, per the ABI encoding rules for typed data.
func HashRequest(r *RequestCommitment) [32]byte {
	encoded := make([]byte, 11*32)
	copy(encoded[0:32], requestTypeHash[:])
	copy(encoded[44:64], r.Executor.Bytes())
	modelHash := crypto.Keccak256Hash([]byte(r.Model))
	copy(encoded[64:96], modelHash[:])
	copy(encoded[96:128], r.PromptHash[:])
	copy(encoded[128:160], r.SystemPromptHash[:])
	putUint64(encoded[160:192], uint64(r.MaxTokens))
	putUint64(encoded[192:224], uint64(r.Temperature))
	r.InboundPrice.FillBytes(encoded[224:256])
	r.OutboundPrice.FillBytes(encoded[256:288])
	putUint64(encoded[288:320], r.Nonce)
	putUint64(encoded[320:352], r.Deadline)
	return crypto.Keccak256Hash(encoded)
}

// HashResponse computes the EIP-712 struct hash of a response commitment.
func HashResponse(r *ResponseCommitment) [32]byte {
	encoded := make([]byte, 11*32)
	copy(encoded[0:32], responseTypeHash[:])
	copy(encoded[32:64], r.RequestHash[:])
	copy(encoded[76:96], r.Client.Bytes())
	modelHash := crypto.Keccak256Hash([]byte(r.Model))
	copy(encoded[96:128], modelHash[:])
	copy(encoded[128:160], r.ContentHash[:])
	putUint64(encoded[160:192], uint64(r.InboundTokens))
	putUint64(encoded[192:224], uint64(r.OutboundTokens))
	r.InboundPrice.FillBytes(encoded[224:256])
	r.OutboundPrice.FillBytes(encoded[256:288])
	putUint64(encoded[288:320], r.Timestamp)
	if r.Success {
		encoded[351] = 1
	}
	return crypto.Keccak256Hash(encoded)
}

func putUint64(slot []byte, v uint64) {
	// left-pad into a 32-byte slot; slot is the full slot slice
	off := len(slot) - 8
	for i := 0; i < 8; i++ {
		slot[off+i] = byte(v >> (56 - 8*i))
	}
}

// DigestSigner signs a 32-byte digest. Satisfied by *identity.Identity.
type DigestSigner interface {
	SignDigest(digest [32]byte) ([]byte, error)
	EVMAddress() common.Address
}

// RequestDigest is the final signing digest:
// keccak256(0x1901 || domainSeparator || structHash).
func (d *Domain) RequestDigest(r *RequestCommitment) [32]byte {
	return d.digest(HashRequest(r))
}

// ResponseDigest is the response counterpart of RequestDigest.
func (d *Domain) ResponseDigest(r *ResponseCommitment) [32]byte {
	return d.digest(HashResponse(r))
}

func (d *Domain) digest(structHash [32]byte) [32]byte {
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], d.separator[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// SignRequest signs a request commitment and wraps it in an envelope.
func (d *Domain) SignRequest(r *RequestCommitment, signer DigestSigner) (*SignedRequest, error) {
	sig, err := signer.SignDigest(d.RequestDigest(r))
	if err != nil {
		return nil, fmt.Errorf("signing: sign request: %w", err)
	}
	return &SignedRequest{Commitment: *r, Signature: sig, Signer: signer.EVMAddress()}, nil
}

// SignResponse signs a response commitment and wraps it in an envelope.
func (d *Domain) SignResponse(r *ResponseCommitment, signer DigestSigner) (*SignedResponse, error) {
	sig, err := signer.SignDigest(d.ResponseDigest(r))
	if err != nil {
		return nil, fmt.Errorf("signing: sign response: %w", err)
	}
	return &SignedResponse{Commitment: *r, Signature: sig, Signer: signer.EVMAddress()}, nil
}

// VerifyRequest recovers the signer of a signed request. The claimed signer
// in the envelope is advisory; the recovered address is authoritative.
func (d *Domain) VerifyRequest(sr *SignedRequest) (common.Address, error) {
	return recoverSigner(d.RequestDigest(&sr.Commitment), sr.Signature)
}

// VerifyResponse recovers the signer of a signed response.
func (d *Domain) VerifyResponse(sr *SignedResponse) (common.Address, error) {
	return recoverSigner(d.ResponseDigest(&sr.Commitment), sr.Signature)
}

// recoverSigner normalizes v (0/1/27/28 accepted), rejects high-s
// signatures, and recovers the address.
func recoverSigner(digest [32]byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrInvalidSignature
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	if norm[64] > 1 {
		return common.Address{}, ErrInvalidSignature
	}

	r := new(big.Int).SetBytes(norm[:32])
	s := new(big.Int).SetBytes(norm[32:64])
	// homestead=true rejects high-s (malleability defense)
	if !crypto.ValidateSignatureValues(norm[64], r, s, true) {
		return common.Address{}, ErrInvalidSignature
	}

	pub, err := crypto.SigToPub(digest[:], norm)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ValidateRequestTime rejects requests whose deadline has passed. The
// deadline itself is exclusive: deadline == now is already expired.
func ValidateRequestTime(r *RequestCommitment, now uint64) error {
	if r.Deadline <= now {
		return ErrDeadlineExceeded
	}
	return nil
}

// ValidateResponseTime checks a response timestamp against the request
// window, with a tolerance for clock skew on either side.
func ValidateResponseTime(resp *ResponseCommitment, req *RequestCommitment, now, tolerancePast, toleranceFuture uint64) error {
	if resp.Timestamp > req.Deadline {
		return ErrTimestampOutOfRange
	}
	if resp.Timestamp > now+toleranceFuture {
		return ErrTimestampOutOfRange
	}
	if tolerancePast > 0 && resp.Timestamp+tolerancePast < now {
		return ErrTimestampOutOfRange
	}
	return nil
}

// HashContent is the canonical content hash: keccak256 of the UTF-8 bytes.
// Empty content hashes to keccak256(""), not the zero hash.
func HashContent(content string) [32]byte {
	return crypto.Keccak256Hash([]byte(content))
}
