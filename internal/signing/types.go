package signing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Temperature is carried as fixed-point: value x 10000. 20000 == 2.0 is the
// highest the protocol accepts.
const MaxTemperature = 20000

// TemperatureScale converts between the wire fixed-point and float.
const TemperatureScale = 10000

// RequestCommitment binds a client to a specific inference request: target
// executor, content hashes, quoted prices, nonce and deadline. It is the
// EIP-712 struct the client signs.
type RequestCommitment struct {
	Executor         common.Address `cbor:"1,keyasint"`
	Model            string         `cbor:"2,keyasint"`
	PromptHash       [32]byte       `cbor:"3,keyasint"`
	SystemPromptHash [32]byte       `cbor:"4,keyasint"` // zero hash when absent
	MaxTokens        uint32         `cbor:"5,keyasint"`
	Temperature      uint32         `cbor:"6,keyasint"` // fixed-point x10000
	InboundPrice     *big.Int       `cbor:"7,keyasint"` // wei per prompt token
	OutboundPrice    *big.Int       `cbor:"8,keyasint"` // wei per completion token
	Nonce            uint64         `cbor:"9,keyasint"`
	Deadline         uint64         `cbor:"10,keyasint"` // unix seconds
}

// ResponseCommitment binds an executor to a specific result: the request it
// answers, the content hash, token counts and the echoed prices.
type ResponseCommitment struct {
	RequestHash    [32]byte       `cbor:"1,keyasint"` // EIP-712 struct hash of the request
	Client         common.Address `cbor:"2,keyasint"`
	Model          string         `cbor:"3,keyasint"` // model actually used
	ContentHash    [32]byte       `cbor:"4,keyasint"`
	InboundTokens  uint32         `cbor:"5,keyasint"`
	OutboundTokens uint32         `cbor:"6,keyasint"`
	InboundPrice   *big.Int       `cbor:"7,keyasint"` // must equal request
	OutboundPrice  *big.Int       `cbor:"8,keyasint"` // must equal request
	Timestamp      uint64         `cbor:"9,keyasint"` // execution time, unix seconds
	Success        bool           `cbor:"10,keyasint"`
}

// SignedRequest pairs a request commitment with its signature and the signer
// address the sender claims. The claimed signer allows cheap filtering; the
// receiver always recovers and compares before trusting it.
type SignedRequest struct {
	Commitment RequestCommitment `cbor:"1,keyasint"`
	Signature  []byte            `cbor:"2,keyasint"` // 65 bytes r||s||v
	Signer     common.Address    `cbor:"3,keyasint"`
}

// SignedResponse is the executor-side counterpart of SignedRequest.
type SignedResponse struct {
	Commitment ResponseCommitment `cbor:"1,keyasint"`
	Signature  []byte             `cbor:"2,keyasint"`
	Signer     common.Address     `cbor:"3,keyasint"`
}

// TotalCost computes inboundTokens*inboundPrice + outboundTokens*outboundPrice.
func (r *ResponseCommitment) TotalCost() *big.Int {
	in := new(big.Int).Mul(big.NewInt(int64(r.InboundTokens)), r.InboundPrice)
	out := new(big.Int).Mul(big.NewInt(int64(r.OutboundTokens)), r.OutboundPrice)
	return in.Add(in, out)
}
