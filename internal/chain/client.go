// Package chain wraps the Ethereum RPC surface the protocol consumes: the
// settlement contract binding, an EIP-1559 transactor, and the batched
// usage submitter.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/dexloom/lloom/internal/store"
)

var (
	// ErrTxReverted is returned when a submission mined but failed.
	ErrTxReverted = errors.New("chain: transaction reverted")

	// ErrNonceConsumed marks a revert caused by the client nonce already
	// being consumed on-chain; the submitter treats it as success.
	ErrNonceConsumed = errors.New("chain: client nonce already consumed")

	// ErrRPCUnavailable wraps transport-level RPC failures.
	ErrRPCUnavailable = errors.New("chain: rpc unavailable")
)

// Config carries the chain client's tunables.
type Config struct {
	RPCURL       string
	ContractAddr common.Address
	ChainID      *big.Int
	// EIP-1559 caps; nil leaves estimation to the node. No blind
	// replacement-by-fee: a stuck transaction stays stuck until retry.
	MaxFeePerGas *big.Int
	MaxTipPerGas *big.Int
}

// Client owns the RPC connection and the bound settlement contract. One
// submitter task holds it; nothing else touches the provider.
type Client struct {
	eth          *ethclient.Client
	contract     *LloomSettlement
	contractAddr common.Address
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	maxFee       *big.Int
	maxTip       *big.Int
	log          *zap.Logger
}

// NewClient dials the RPC endpoint and binds the settlement contract.
func NewClient(cfg Config, key *ecdsa.PrivateKey, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc %s: %w", cfg.RPCURL, err)
	}
	contract, err := NewLloomSettlement(cfg.ContractAddr, eth)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return &Client{
		eth:          eth,
		contract:     contract,
		contractAddr: cfg.ContractAddr,
		chainID:      cfg.ChainID,
		key:          key,
		maxFee:       cfg.MaxFeePerGas,
		maxTip:       cfg.MaxTipPerGas,
		log:          log,
	}, nil
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// ContractAddress returns the settlement contract address.
func (c *Client) ContractAddress() common.Address { return c.contractAddr }

// Close releases the RPC connection.
func (c *Client) Close() { c.eth.Close() }

// transactOpts builds EIP-1559 transact opts signed by the node key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("chain: build transactor: %w", err)
	}
	auth.Context = ctx
	if c.maxFee != nil {
		auth.GasFeeCap = new(big.Int).Set(c.maxFee)
	}
	if c.maxTip != nil {
		auth.GasTipCap = new(big.Int).Set(c.maxTip)
	}
	return auth, nil
}

// ClientNonce reads clientNonces(client) — the ground truth for nonce
// reconciliation after restart.
func (c *Client) ClientNonce(ctx context.Context, client common.Address) (uint64, error) {
	n, err := c.contract.ClientNonces(&bind.CallOpts{Context: ctx}, client)
	if err != nil {
		return 0, fmt.Errorf("%w: clientNonces: %v", ErrRPCUnavailable, err)
	}
	return n, nil
}

// SubmitUsage posts one usage record via processRequestSigned and waits
// for the receipt. A revert caused by an already-consumed nonce comes back
// as ErrNonceConsumed so the caller can dedup.
func (c *Client) SubmitUsage(ctx context.Context, rec store.UsageRecord) (common.Hash, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	req := LloomRequestCommitment{
		Executor:         rec.Request.Executor,
		Model:            rec.Request.Model,
		PromptHash:       rec.Request.PromptHash,
		SystemPromptHash: rec.Request.SystemPromptHash,
		MaxTokens:        rec.Request.MaxTokens,
		Temperature:      rec.Request.Temperature,
		InboundPrice:     rec.Request.InboundPrice,
		OutboundPrice:    rec.Request.OutboundPrice,
		Nonce:            rec.Request.Nonce,
		Deadline:         rec.Request.Deadline,
	}
	resp := LloomResponseCommitment{
		RequestHash:    rec.Response.RequestHash,
		Client:         rec.Response.Client,
		Model:          rec.Response.Model,
		ContentHash:    rec.Response.ContentHash,
		InboundTokens:  rec.Response.InboundTokens,
		OutboundTokens: rec.Response.OutboundTokens,
		InboundPrice:   rec.Response.InboundPrice,
		OutboundPrice:  rec.Response.OutboundPrice,
		Timestamp:      rec.Response.Timestamp,
		Success:        rec.Response.Success,
	}

	tx, err := c.contract.ProcessRequestSigned(opts, req, resp, rec.ClientSig, rec.ExecutorSig)
	if err != nil {
		if isNonceRevert(err) {
			return common.Hash{}, ErrNonceConsumed
		}
		return common.Hash{}, fmt.Errorf("%w: processRequestSigned: %v", ErrRPCUnavailable, err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("%w: wait mined %s: %v", ErrRPCUnavailable, tx.Hash(), err)
	}
	if receipt.Status == 0 {
		// Distinguish nonce-consumed reverts from real failures: if the
		// chain's nonce already moved past this record, a prior submission
		// won and this record is settled.
		onchain, nerr := c.ClientNonce(ctx, rec.Client)
		if nerr == nil && onchain > rec.Request.Nonce {
			return tx.Hash(), ErrNonceConsumed
		}
		return tx.Hash(), fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash())
	}
	return tx.Hash(), nil
}

// isNonceRevert sniffs gas-estimation reverts caused by a consumed nonce.
func isNonceRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce")
}
