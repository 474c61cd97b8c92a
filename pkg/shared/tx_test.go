package shared

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu           sync.Mutex
	pending      uint64
	latest       uint64
	sent         []*types.Transaction
	sendErrs     []error
	receiptAfter int
	receiptPolls int
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(100), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, tx)
	// cancellations are mined immediately
	f.latest = tx.Nonce() + 1
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls++
	if f.receiptPolls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, BlockNumber: big.NewInt(7), Status: types.ReceiptStatusSuccessful}, nil
}

func TestCreateTransactOpts(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{pending: 42}

	opts, err := CreateTransactOpts(context.Background(), key, big.NewInt(1), backend)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), opts.From)
	assert.Equal(t, uint64(42), opts.Nonce.Uint64())
	assert.Equal(t, int64(100), opts.GasFeeCap.Int64())
	assert.Equal(t, int64(1), opts.GasTipCap.Int64())
	assert.Equal(t, uint64(3000000), opts.GasLimit)
}

func TestCancelPendingTxes(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{pending: 3, latest: 1, sendErrs: []error{errors.New("replacement transaction underpriced")}}

	require.NoError(t, CancelPendingTxes(context.Background(), key, backend, big.NewInt(1)))
	require.Len(t, backend.sent, 2)
	assert.Equal(t, uint64(1), backend.sent[0].Nonce())
	assert.Equal(t, uint64(2), backend.sent[1].Nonce())
	// the underpriced first attempt was repriced
	assert.Equal(t, int64(111), backend.sent[0].GasPrice().Int64())
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), *backend.sent[0].To())
}

func TestCancelPendingTxesNothingPending(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{pending: 5, latest: 5}

	require.NoError(t, CancelPendingTxes(context.Background(), key, backend, big.NewInt(1)))
	assert.Empty(t, backend.sent)
}

func TestWaitMined(t *testing.T) {
	backend := &fakeBackend{receiptAfter: 2}
	receipt, err := WaitMined(context.Background(), backend, common.Hash{1}, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, common.Hash{1}, receipt.TxHash)
	assert.Equal(t, 3, backend.receiptPolls)

	backend = &fakeBackend{receiptAfter: 1 << 30}
	_, err = WaitMined(context.Background(), backend, common.Hash{1}, time.Millisecond, 20*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsAlreadyKnown(t *testing.T) {
	assert.True(t, IsAlreadyKnown(errors.New("already known")))
	assert.False(t, IsAlreadyKnown(errors.New("nonce too low")))
	assert.False(t, IsAlreadyKnown(nil))
}
