package ethproof

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/near/borsh-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// EthProof is the borsh argument of the NEAR connector's deposit and is_used_proof.
type EthProof struct {
	LogIndex     uint64
	LogEntryData []byte
	ReceiptIndex uint64
	ReceiptData  []byte
	HeaderData   []byte
	Proof        [][]byte
}

// Key is the connector's used-proof key.
func (p EthProof) Key() []byte {
	data := make([]byte, 16, 16+len(p.HeaderData))
	binary.LittleEndian.PutUint64(data[:8], p.LogIndex)
	binary.LittleEndian.PutUint64(data[8:], p.ReceiptIndex)
	data = append(data, p.HeaderData...)
	sum := sha256.Sum256(data)
	return sum[:]
}

func DecodeEthProof(data []byte) (EthProof, error) {
	var p EthProof
	if err := borsh.Deserialize(&p, data); err != nil {
		return EthProof{}, fmt.Errorf("failed to decode eth proof: %w", err)
	}
	return p, nil
}

// ChainClient is the subset of ethclient.Client needed to rebuild a receipts trie.
type ChainClient interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
}

type Builder struct {
	client      ChainClient
	custodian   common.Address
	concurrency int
}

func NewBuilder(client ChainClient, custodian common.Address, concurrency int) *Builder {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Builder{client: client, custodian: custodian, concurrency: concurrency}
}

func proofErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", bridge.ErrProofConstruction, fmt.Sprintf(format, args...))
}

// fetchErr classifies a failed fetch. A node that answered without the data
// cannot serve this proof; a request that never got an answer may be repeated.
func fetchErr(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	var rpcErr rpc.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ethereum.NotFound), errors.As(err, &rpcErr):
		return proofErr("%s: %v", what, err)
	default:
		return bridge.Transient(fmt.Errorf("%s: %w", what, err))
	}
}

// BuildProof proves the Deposited event of a confirmed custodian deposit.
func (b *Builder) BuildProof(ctx context.Context, confirmed bridge.ConfirmedTransaction) (*bridge.Proof, error) {
	if !isHash(string(confirmed.TxID)) {
		return nil, fmt.Errorf("%w: malformed tx hash %q", bridge.ErrTransactionNotFound, confirmed.TxID)
	}
	txHash := common.HexToHash(string(confirmed.TxID))

	receipt, err := b.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fetchErr(err, "receipt of %s", txHash)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s reverted", bridge.ErrTransactionNotFound, txHash)
	}
	if len(confirmed.BlockHash) > 0 && !bytes.Equal(receipt.BlockHash.Bytes(), confirmed.BlockHash) {
		return nil, proofErr("receipt of %s is in block %s, confirmed in %s", txHash, receipt.BlockHash, hexutil.Bytes(confirmed.BlockHash))
	}

	logIndex, event, err := b.findDeposit(receipt)
	if err != nil {
		return nil, err
	}
	deposit, err := payload.DecodeDeposit(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrTransactionNotFound, err)
	}

	block, err := b.client.BlockByHash(ctx, receipt.BlockHash)
	if err != nil {
		return nil, fetchErr(err, "block %s", receipt.BlockHash)
	}
	receipts, err := b.blockReceipts(ctx, block)
	if err != nil {
		return nil, err
	}

	header := block.Header()
	root, nodes, err := ReceiptProof(receipts, receipt.TransactionIndex)
	if err != nil {
		return nil, proofErr("%v", err)
	}
	if root != header.ReceiptHash {
		return nil, proofErr("rebuilt receipts root %s does not match header %s of block %d", root, header.ReceiptHash, header.Number)
	}
	receiptData, err := VerifyReceiptProof(root, receipt.TransactionIndex, nodes)
	if err != nil {
		return nil, proofErr("receipt proof does not verify: %v", err)
	}

	headerData, err := rlp.EncodeToBytes(header)
	if err != nil {
		return nil, proofErr("failed to encode header: %v", err)
	}
	logData, err := rlp.EncodeToBytes(event)
	if err != nil {
		return nil, proofErr("failed to encode log: %v", err)
	}
	ep := EthProof{
		LogIndex:     uint64(logIndex),
		LogEntryData: logData,
		ReceiptIndex: uint64(receipt.TransactionIndex),
		ReceiptData:  receiptData,
		HeaderData:   headerData,
		Proof:        nodes,
	}
	encoded, err := borsh.Serialize(ep)
	if err != nil {
		return nil, proofErr("failed to encode proof: %v", err)
	}

	path := make([]hexutil.Bytes, len(nodes))
	for i, n := range nodes {
		path[i] = n
	}
	proof := &bridge.Proof{
		TxID:          confirmed.TxID,
		Direction:     bridge.ToDestination,
		BlockHeight:   header.Number.Uint64(),
		HeaderData:    headerData,
		InclusionPath: path,
		Payload:       deposit.Payload(),
		ReplayKey:     ep.Key(),
		Encoded:       encoded,
	}
	if confirmed.Checkpoint != nil {
		proof.TrustedHeight = confirmed.Checkpoint.Height
	}
	log.Debug().Str("tx", txHash.Hex()).Uint64("block", proof.BlockHeight).Int("nodes", len(nodes)).
		Msg("built receipt proof")
	return proof, nil
}

func (b *Builder) findDeposit(receipt *types.Receipt) (int, *types.Log, error) {
	topic := payload.DepositedTopic()
	for i, l := range receipt.Logs {
		if l.Address == b.custodian && len(l.Topics) > 0 && l.Topics[0] == topic {
			return i, l, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: %s emitted no Deposited event from %s", bridge.ErrTransactionNotFound, receipt.TxHash, b.custodian)
}

func (b *Builder) blockReceipts(ctx context.Context, block *types.Block) (types.Receipts, error) {
	txs := block.Transactions()
	receipts := make(types.Receipts, len(txs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, tx := range txs {
		i, hash := i, tx.Hash()
		g.Go(func() error {
			r, err := b.client.TransactionReceipt(gctx, hash)
			if err != nil {
				return fetchErr(err, "receipt %d of block %s", i, block.Hash())
			}
			if r.BlockHash != block.Hash() {
				return proofErr("receipt %d of block %s belongs to block %s", i, block.Hash(), r.BlockHash)
			}
			receipts[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return receipts, nil
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
