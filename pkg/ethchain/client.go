package ethchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// NearBridgeABI covers the NEAR light client contract views used for checkpoints.
const NearBridgeABI = `[
	{"inputs":[],"name":"bridgeState","outputs":[{"name":"currentHeight","type":"uint256"},{"name":"nextTimestamp","type":"uint256"},{"name":"nextValidAt","type":"uint256"},{"name":"numBlockProducers","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"","type":"uint64"}],"name":"blockHashes","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"","type":"uint64"}],"name":"blockMerkleRoots","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}
]`

// Client is the subset of ethclient.Client the Ethereum adapters use.
type Client interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// revertReason extracts the revert message of a failed eth_call or gas estimation.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if raw, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(raw); uerr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(msg[i:], "execution reverted")
		return strings.TrimSpace(strings.TrimPrefix(reason, ":")), true
	}
	return "", false
}

// rejectedByNode reports whether the node answered with a JSON-RPC error, as
// opposed to the request never reaching it or the response being lost.
func rejectedByNode(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func transient(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return bridge.Transient(fmt.Errorf("%s: %w", op, err))
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}
