package ethproof

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var custodian = common.HexToAddress("0x6BFaD42cFC4EfC96f529D786D643Ff4A8B89FA52")

type fakeClient struct {
	mu         sync.Mutex
	block      *types.Block
	receipts   map[common.Hash]*types.Receipt
	receiptErr error
}

func (f *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) BlockByHash(_ context.Context, hash common.Hash) (*types.Block, error) {
	if f.block.Hash() != hash {
		return nil, ethereum.NotFound
	}
	return f.block, nil
}

// newFixture builds a block with n transactions where the transaction at
// depositAt deposits 1000 with fee 10 for alice.near.
func newFixture(t *testing.T, n, depositAt int) (*fakeClient, []*types.Transaction) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	signer := types.LatestSignerForChainID(big.NewInt(1))

	txs := make([]*types.Transaction, n)
	receipts := make(types.Receipts, n)
	for i := 0; i < n; i++ {
		txs[i] = types.MustSignNewTx(key, signer, &types.LegacyTx{
			Nonce:    uint64(i),
			To:       &custodian,
			Value:    big.NewInt(1000),
			Gas:      100000,
			GasPrice: big.NewInt(1),
		})
		r := &types.Receipt{
			Type:              types.LegacyTxType,
			Status:            types.ReceiptStatusSuccessful,
			CumulativeGasUsed: uint64(50000 * (i + 1)),
			TxHash:            txs[i].Hash(),
			TransactionIndex:  uint(i),
		}
		if i == depositAt {
			l, err := payload.EncodeDeposit(custodian, payload.Deposit{
				Sender:    sender,
				Recipient: "alice.near",
				Amount:    big.NewInt(1000),
				Fee:       big.NewInt(10),
			})
			require.NoError(t, err)
			r.Logs = []*types.Log{{Address: common.HexToAddress("0x01"), Topics: []common.Hash{{1}}}, l}
		}
		r.Bloom = types.CreateBloom(types.Receipts{r})
		receipts[i] = r
	}

	header := &types.Header{
		Number:      big.NewInt(100),
		ReceiptHash: types.DeriveSha(receipts, trie.NewStackTrie(nil)),
		Difficulty:  big.NewInt(0),
		GasLimit:    30000000,
	}
	block := types.NewBlockWithHeader(header).WithBody(txs, nil)

	byHash := make(map[common.Hash]*types.Receipt, n)
	for i, r := range receipts {
		r.BlockHash = block.Hash()
		r.BlockNumber = big.NewInt(100)
		byHash[txs[i].Hash()] = r
	}
	return &fakeClient{block: block, receipts: byHash}, txs
}

func confirmedTx(c *fakeClient, tx *types.Transaction) bridge.ConfirmedTransaction {
	return bridge.ConfirmedTransaction{
		TxID:              bridge.TxID(tx.Hash().Hex()),
		BlockHeight:       100,
		BlockHash:         c.block.Hash().Bytes(),
		ConfirmationDepth: 12,
		Checkpoint:        &bridge.Checkpoint{Height: 101},
	}
}

func TestBuildProof(t *testing.T) {
	client, txs := newFixture(t, 5, 2)
	b := NewBuilder(client, custodian, 2)

	proof, err := b.BuildProof(context.Background(), confirmedTx(client, txs[2]))
	require.NoError(t, err)
	assert.Equal(t, bridge.ToDestination, proof.Direction)
	assert.Equal(t, uint64(100), proof.BlockHeight)
	assert.Equal(t, uint64(101), proof.TrustedHeight)
	assert.Equal(t, []byte("alice.near"), []byte(proof.Payload.Recipient))
	assert.Equal(t, int64(1000), proof.Payload.Amount.Int64())
	assert.Equal(t, int64(10), proof.Payload.Fee.Int64())

	ep, err := DecodeEthProof(proof.Encoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ep.LogIndex)
	assert.Equal(t, uint64(2), ep.ReceiptIndex)
	assert.Equal(t, []byte(proof.HeaderData), ep.HeaderData)
	assert.Equal(t, ep.Key(), []byte(proof.ReplayKey))

	var header types.Header
	require.NoError(t, rlp.DecodeBytes(ep.HeaderData, &header))
	assert.Equal(t, client.block.Hash(), header.Hash())

	value, err := VerifyReceiptProof(header.ReceiptHash, 2, ep.Proof)
	require.NoError(t, err)
	assert.Equal(t, ep.ReceiptData, value)

	var l types.Log
	require.NoError(t, rlp.DecodeBytes(ep.LogEntryData, &l))
	assert.Equal(t, custodian, l.Address)
	assert.Equal(t, payload.DepositedTopic(), l.Topics[0])
}

func TestBuildProofIsDeterministic(t *testing.T) {
	client, txs := newFixture(t, 9, 7)
	b := NewBuilder(client, custodian, 4)

	first, err := b.BuildProof(context.Background(), confirmedTx(client, txs[7]))
	require.NoError(t, err)
	second, err := b.BuildProof(context.Background(), confirmedTx(client, txs[7]))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuildProofWithoutDeposit(t *testing.T) {
	client, txs := newFixture(t, 3, 0)
	b := NewBuilder(client, custodian, 1)

	_, err := b.BuildProof(context.Background(), confirmedTx(client, txs[1]))
	require.ErrorIs(t, err, bridge.ErrTransactionNotFound)
}

func TestBuildProofRevertedTransaction(t *testing.T) {
	client, txs := newFixture(t, 3, 1)
	client.receipts[txs[1].Hash()].Status = types.ReceiptStatusFailed
	b := NewBuilder(client, custodian, 1)

	_, err := b.BuildProof(context.Background(), confirmedTx(client, txs[1]))
	require.ErrorIs(t, err, bridge.ErrTransactionNotFound)
}

func TestBuildProofMissingSiblingReceipt(t *testing.T) {
	client, txs := newFixture(t, 4, 1)
	delete(client.receipts, txs[3].Hash())
	b := NewBuilder(client, custodian, 2)

	_, err := b.BuildProof(context.Background(), confirmedTx(client, txs[1]))
	require.ErrorIs(t, err, bridge.ErrProofConstruction)
	assert.False(t, bridge.IsRetryable(err))
}

func TestBuildProofConnectionFailureIsTransient(t *testing.T) {
	client, txs := newFixture(t, 2, 1)
	confirmed := confirmedTx(client, txs[1])
	client.receiptErr = errors.New("connection reset by peer")
	b := NewBuilder(client, custodian, 2)

	_, err := b.BuildProof(context.Background(), confirmed)
	require.ErrorIs(t, err, bridge.ErrTransientRPC)
	assert.False(t, errors.Is(err, bridge.ErrProofConstruction))
}

func TestBuildProofInconsistentReceipts(t *testing.T) {
	client, txs := newFixture(t, 4, 1)
	client.receipts[txs[0].Hash()].CumulativeGasUsed++
	b := NewBuilder(client, custodian, 2)

	_, err := b.BuildProof(context.Background(), confirmedTx(client, txs[1]))
	require.ErrorIs(t, err, bridge.ErrProofConstruction)
}

func TestBuildProofReceiptInOtherBlock(t *testing.T) {
	client, txs := newFixture(t, 2, 1)
	b := NewBuilder(client, custodian, 2)
	confirmed := confirmedTx(client, txs[1])
	confirmed.BlockHash = common.Hash{9}.Bytes()

	_, err := b.BuildProof(context.Background(), confirmed)
	require.ErrorIs(t, err, bridge.ErrProofConstruction)
}

func TestReceiptProofSingleReceipt(t *testing.T) {
	receipts := types.Receipts{{Type: types.LegacyTxType, Status: 1, CumulativeGasUsed: 21000}}
	root, nodes, err := ReceiptProof(receipts, 0)
	require.NoError(t, err)
	assert.Equal(t, types.DeriveSha(receipts, trie.NewStackTrie(nil)), root)

	_, err = VerifyReceiptProof(root, 0, nodes)
	require.NoError(t, err)
	_, _, err = ReceiptProof(receipts, 1)
	require.Error(t, err)
}
