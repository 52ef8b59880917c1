// lloom-nonce prints the on-chain nonce state for a client address — the
// ground truth the nonce book reconciles against after a restart.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/dexloom/lloom/internal/chain"
)

func main() {
	var (
		rpcURL   = flag.String("rpc", "", "blockchain RPC url")
		contract = flag.String("contract", "", "settlement contract address")
		client   = flag.String("client", "", "client address to inspect")
	)
	flag.Parse()

	if *rpcURL == "" || *contract == "" || *client == "" {
		fmt.Fprintln(os.Stderr, "usage: lloom-nonce -rpc <url> -contract <addr> -client <addr>")
		os.Exit(2)
	}

	eth, err := ethclient.Dial(*rpcURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial rpc: %v\n", err)
		os.Exit(1)
	}
	defer eth.Close()

	settlement, err := chain.NewLloomSettlement(common.HexToAddress(*contract), eth)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bind contract: %v\n", err)
		os.Exit(1)
	}

	addr := common.HexToAddress(*client)
	nonce, err := settlement.ClientNonces(&bind.CallOpts{Context: context.Background()}, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clientNonces: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("client:      %s\n", addr.Hex())
	fmt.Printf("next nonce:  %s\n", new(big.Int).SetUint64(nonce))
}
