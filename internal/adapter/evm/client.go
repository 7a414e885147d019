package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/marko911/pulse-ledger/internal/fanout"
)

// BlockSource is the part of an execution client the adapter reads from.
// *ethclient.Client satisfies it.
type BlockSource interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockReceipts(ctx context.Context, blockNrOrHash rpc.BlockNumberOrHash) ([]*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer opens a BlockSource for one node.
type Dialer func(ctx context.Context, node fanout.Node) (BlockSource, error)

// DialRPC connects over JSON-RPC. It does not issue any request.
func DialRPC(ctx context.Context, node fanout.Node) (BlockSource, error) {
	rpcClient, err := rpc.DialContext(ctx, node.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", node.Name, err)
	}
	return ethclient.NewClient(rpcClient), nil
}

// dialAll opens one client per node. On failure already opened clients are closed.
func dialAll(ctx context.Context, nodes fanout.NodeSet, dial Dialer) (map[string]BlockSource, error) {
	clients := make(map[string]BlockSource, len(nodes))
	for _, node := range nodes {
		c, err := dial(ctx, node)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, err
		}
		clients[node.Name] = c
	}
	return clients, nil
}
