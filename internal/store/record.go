// Package store holds the durable node state: the append-only usage queue
// feeding the on-chain submitter, the client nonce log, and the submitter's
// dead-letter file. Records survive restarts; nothing here is a cache.
package store

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dexloom/lloom/internal/signing"
)

// UsageRecord is the executor-local settlement unit: one processed request
// with its token counts, prices and derived cost. The embedded commitments
// and signatures are exactly what processRequestSigned needs on-chain.
type UsageRecord struct {
	RequestHash    [32]byte       `cbor:"1,keyasint"`
	Executor       common.Address `cbor:"2,keyasint"`
	Client         common.Address `cbor:"3,keyasint"`
	Model          string         `cbor:"4,keyasint"`
	InboundTokens  uint32         `cbor:"5,keyasint"`
	OutboundTokens uint32         `cbor:"6,keyasint"`
	InboundPrice   *big.Int       `cbor:"7,keyasint"`
	OutboundPrice  *big.Int       `cbor:"8,keyasint"`
	TotalCost      *big.Int       `cbor:"9,keyasint"`
	Timestamp      uint64         `cbor:"10,keyasint"`
	Success        bool           `cbor:"11,keyasint"`

	Request     signing.RequestCommitment  `cbor:"12,keyasint"`
	Response    signing.ResponseCommitment `cbor:"13,keyasint"`
	ClientSig   []byte                     `cbor:"14,keyasint"`
	ExecutorSig []byte                     `cbor:"15,keyasint"`
}

// Cost computes inboundTokens*inboundPrice + outboundTokens*outboundPrice.
func Cost(inTokens, outTokens uint32, inPrice, outPrice *big.Int) *big.Int {
	in := new(big.Int).Mul(big.NewInt(int64(inTokens)), inPrice)
	out := new(big.Int).Mul(big.NewInt(int64(outTokens)), outPrice)
	return in.Add(in, out)
}
