package wire

import "math/big"

// Capability tags what a model can do. Values are wire-stable.
type Capability uint8

const (
	CapChat Capability = iota + 1
	CapCompletion
	CapEmbedding
	CapCode
	CapFunctionCalling
)

func (c Capability) String() string {
	switch c {
	case CapChat:
		return "chat"
	case CapCompletion:
		return "completion"
	case CapEmbedding:
		return "embedding"
	case CapCode:
		return "code"
	case CapFunctionCalling:
		return "function-calling"
	default:
		return "unknown"
	}
}

// ModelDescriptor is an executor's advertisement for one model: identity,
// capacity and current prices in wei per token.
type ModelDescriptor struct {
	ModelID       string       `cbor:"1,keyasint"`
	Name          string       `cbor:"2,keyasint"`
	ContextWindow uint32       `cbor:"3,keyasint"`
	Capabilities  []Capability `cbor:"4,keyasint"`
	InboundPrice  *big.Int     `cbor:"5,keyasint"`
	OutboundPrice *big.Int     `cbor:"6,keyasint"`
	Load          float64      `cbor:"7,keyasint"` // 0.0 - 1.0
	MaxConcurrent uint32       `cbor:"8,keyasint"`
}

// TotalPrice is the per-token sum used by best-price selection.
func (m *ModelDescriptor) TotalPrice() *big.Int {
	return new(big.Int).Add(m.InboundPrice, m.OutboundPrice)
}

// HasCapability reports whether the descriptor lists cap.
func (m *ModelDescriptor) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
