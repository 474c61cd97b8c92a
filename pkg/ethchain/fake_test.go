package ethchain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeClient implements the calls the adapters make; anything else panics
// through the nil embedded interface.
type fakeClient struct {
	Client

	mu         sync.Mutex
	head       uint64
	receipts   map[common.Hash]*types.Receipt
	pool       map[common.Hash]*types.Transaction
	headers    map[uint64]*types.Header
	used       bool
	usedAfter  bool
	simulate   []error
	sendErr    error
	sent       []*types.Transaction
	mineStatus uint64
	logs       []types.Log
	calls      map[string]int

	bridgeHeight uint64
	blockHash    common.Hash
	merkleRoot   common.Hash
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		receipts:   make(map[common.Hash]*types.Receipt),
		pool:       make(map[common.Hash]*types.Transaction),
		headers:    make(map[uint64]*types.Header),
		mineStatus: types.ReceiptStatusSuccessful,
		calls:      make(map[string]int),
	}
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeClient) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.pool[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, true, nil
}

func (f *fakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if number == nil {
		return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: big.NewInt(10), Difficulty: big.NewInt(0)}, nil
	}
	h, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeClient) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return 7, nil
}

func (f *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(100), nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.sendErr != nil {
		return f.sendErr
	}
	f.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), BlockNumber: big.NewInt(int64(f.head)), Status: f.mineStatus}
	if f.usedAfter {
		f.used = true
	}
	return nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	custodian := payload.Custodian()
	switch {
	case bytes.HasPrefix(msg.Data, custodian.Methods["usedEvents_"].ID):
		f.calls["usedEvents_"]++
		return custodian.Methods["usedEvents_"].Outputs.Pack(f.used)
	case bytes.HasPrefix(msg.Data, custodian.Methods["withdraw"].ID):
		f.calls["withdraw"]++
		if len(f.simulate) > 0 {
			err := f.simulate[0]
			f.simulate = f.simulate[1:]
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	case bytes.HasPrefix(msg.Data, nearBridge.Methods["bridgeState"].ID):
		h := new(big.Int).SetUint64(f.bridgeHeight)
		return nearBridge.Methods["bridgeState"].Outputs.Pack(h, big.NewInt(0), big.NewInt(0), big.NewInt(0))
	case bytes.HasPrefix(msg.Data, nearBridge.Methods["blockHashes"].ID):
		return nearBridge.Methods["blockHashes"].Outputs.Pack([32]byte(f.blockHash))
	case bytes.HasPrefix(msg.Data, nearBridge.Methods["blockMerkleRoots"].ID):
		return nearBridge.Methods["blockMerkleRoots"].Outputs.Pack([32]byte(f.merkleRoot))
	}
	return nil, errors.New("unexpected call")
}

// revertError mimics the JSON-RPC error of a reverted eth_call.
type revertError struct {
	reason string
}

func (e revertError) Error() string {
	return "execution reverted: " + e.reason
}

func (e revertError) ErrorCode() int {
	return 3
}

func (e revertError) ErrorData() interface{} {
	strType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: strType}}.Pack(e.reason)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

// nodeError is a JSON-RPC error response without data.
type nodeError struct {
	msg string
}

func (e nodeError) Error() string {
	return e.msg
}

func (e nodeError) ErrorCode() int {
	return -32000
}
