package ethchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

type ReaderClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Reader exposes Ethereum to the confirmation tracker.
type Reader struct {
	client ReaderClient
}

func NewReader(client ReaderClient) *Reader {
	return &Reader{client: client}
}

func (r *Reader) HeadHeight(ctx context.Context) (uint64, error) {
	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, transient("block number", err)
	}
	return head, nil
}

func (r *Reader) Locate(ctx context.Context, txID bridge.TxID) (tracker.Location, error) {
	raw, err := hexutil.Decode(string(txID))
	if err != nil || len(raw) != common.HashLength {
		return tracker.Location{}, fmt.Errorf("%w: malformed tx hash %q", bridge.ErrTransactionNotFound, txID)
	}
	hash := common.BytesToHash(raw)
	receipt, err := r.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if isNotFound(err) {
			return tracker.Location{}, r.unmined(ctx, hash)
		}
		return tracker.Location{}, transient("receipt", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tracker.Location{}, fmt.Errorf("%w: %s reverted in block %d", bridge.ErrTransactionNotFound, txID, receipt.BlockNumber)
	}
	return tracker.Location{Height: receipt.BlockNumber.Uint64(), Hash: receipt.BlockHash.Bytes()}, nil
}

// unmined tells a transaction waiting in the mempool, or mined but not yet
// indexed by the node, from one the node does not know at all.
func (r *Reader) unmined(ctx context.Context, hash common.Hash) error {
	_, _, err := r.client.TransactionByHash(ctx, hash)
	switch {
	case err == nil:
		return tracker.ErrPending
	case isNotFound(err):
		return tracker.ErrNotFound
	default:
		return transient("transaction", err)
	}
}

func (r *Reader) BlockHashAt(ctx context.Context, height uint64) ([]byte, error) {
	header, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, transient("header", err)
	}
	return header.Hash().Bytes(), nil
}
