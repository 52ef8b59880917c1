package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// settlementABI is the consumed surface of the Lloom settlement contract.
const settlementABI = `[
  {
    "type": "function",
    "name": "processRequestSigned",
    "stateMutability": "nonpayable",
    "inputs": [
      {
        "name": "request",
        "type": "tuple",
        "components": [
          {"name": "executor", "type": "address"},
          {"name": "model", "type": "string"},
          {"name": "promptHash", "type": "bytes32"},
          {"name": "systemPromptHash", "type": "bytes32"},
          {"name": "maxTokens", "type": "uint32"},
          {"name": "temperature", "type": "uint32"},
          {"name": "inboundPrice", "type": "uint256"},
          {"name": "outboundPrice", "type": "uint256"},
          {"name": "nonce", "type": "uint64"},
          {"name": "deadline", "type": "uint64"}
        ]
      },
      {
        "name": "response",
        "type": "tuple",
        "components": [
          {"name": "requestHash", "type": "bytes32"},
          {"name": "client", "type": "address"},
          {"name": "model", "type": "string"},
          {"name": "contentHash", "type": "bytes32"},
          {"name": "inboundTokens", "type": "uint32"},
          {"name": "outboundTokens", "type": "uint32"},
          {"name": "inboundPrice", "type": "uint256"},
          {"name": "outboundPrice", "type": "uint256"},
          {"name": "timestamp", "type": "uint64"},
          {"name": "success", "type": "bool"}
        ]
      },
      {"name": "clientSig", "type": "bytes"},
      {"name": "executorSig", "type": "bytes"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "clientNonces",
    "stateMutability": "view",
    "inputs": [{"name": "client", "type": "address"}],
    "outputs": [{"name": "", "type": "uint64"}]
  },
  {
    "type": "event",
    "name": "RequestProcessed",
    "inputs": [
      {"name": "requestHash", "type": "bytes32", "indexed": true},
      {"name": "client", "type": "address", "indexed": true},
      {"name": "executor", "type": "address", "indexed": true},
      {"name": "model", "type": "string", "indexed": false},
      {"name": "inboundTokens", "type": "uint32", "indexed": false},
      {"name": "outboundTokens", "type": "uint32", "indexed": false},
      {"name": "totalCost", "type": "uint256", "indexed": false},
      {"name": "success", "type": "bool", "indexed": false}
    ]
  }
]`

// LloomRequestCommitment mirrors the contract's request tuple.
type LloomRequestCommitment struct {
	Executor         common.Address
	Model            string
	PromptHash       [32]byte
	SystemPromptHash [32]byte
	MaxTokens        uint32
	Temperature      uint32
	InboundPrice     *big.Int
	OutboundPrice    *big.Int
	Nonce            uint64
	Deadline         uint64
}

// LloomResponseCommitment mirrors the contract's response tuple.
type LloomResponseCommitment struct {
	RequestHash    [32]byte
	Client         common.Address
	Model          string
	ContentHash    [32]byte
	InboundTokens  uint32
	OutboundTokens uint32
	InboundPrice   *big.Int
	OutboundPrice  *big.Int
	Timestamp      uint64
	Success        bool
}

// LloomSettlement is the bound settlement contract.
type LloomSettlement struct {
	contract *bind.BoundContract
	abi      abi.ABI
}

// NewLloomSettlement binds the contract at addr against the given backend.
func NewLloomSettlement(addr common.Address, backend bind.ContractBackend) (*LloomSettlement, error) {
	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse settlement abi: %w", err)
	}
	return &LloomSettlement{
		contract: bind.NewBoundContract(addr, parsed, backend, backend, backend),
		abi:      parsed,
	}, nil
}

// ProcessRequestSigned submits one settled request/response pair.
func (c *LloomSettlement) ProcessRequestSigned(
	opts *bind.TransactOpts,
	req LloomRequestCommitment,
	resp LloomResponseCommitment,
	clientSig, executorSig []byte,
) (*types.Transaction, error) {
	return c.contract.Transact(opts, "processRequestSigned", req, resp, clientSig, executorSig)
}

// ClientNonces reads the last consumed nonce for a client address.
func (c *LloomSettlement) ClientNonces(opts *bind.CallOpts, client common.Address) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "clientNonces", client); err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint64)).(*uint64), nil
}
