package ethchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

var nearBridge = mustParseABI(NearBridgeABI)

// CheckpointReader reads the NEAR light client on Ethereum.
type CheckpointReader struct {
	contract *bind.BoundContract
}

func NewCheckpointReader(client bind.ContractCaller, address common.Address) *CheckpointReader {
	return &CheckpointReader{contract: bind.NewBoundContract(address, nearBridge, client, nil, nil)}
}

func (c *CheckpointReader) Checkpoint(ctx context.Context) (bridge.Checkpoint, error) {
	opts := &bind.CallOpts{Context: ctx}

	var state []interface{}
	if err := c.contract.Call(opts, &state, "bridgeState"); err != nil {
		return bridge.Checkpoint{}, transient("bridgeState", err)
	}
	if len(state) == 0 {
		return bridge.Checkpoint{}, errors.New("empty bridgeState result")
	}
	current, ok := state[0].(*big.Int)
	if !ok || !current.IsUint64() {
		return bridge.Checkpoint{}, fmt.Errorf("unexpected bridgeState height %v", state[0])
	}
	height := current.Uint64()

	hash, err := c.bytes32(opts, "blockHashes", height)
	if err != nil {
		return bridge.Checkpoint{}, err
	}
	root, err := c.bytes32(opts, "blockMerkleRoots", height)
	if err != nil {
		return bridge.Checkpoint{}, err
	}
	if hash == (common.Hash{}) || root == (common.Hash{}) {
		return bridge.Checkpoint{}, bridge.Transient(fmt.Errorf("light client has no block at height %d yet", height))
	}
	return bridge.Checkpoint{Height: height, Hash: hash.Bytes(), MerkleRoot: root.Bytes()}, nil
}

func (c *CheckpointReader) bytes32(opts *bind.CallOpts, method string, height uint64) (common.Hash, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, method, height); err != nil {
		return common.Hash{}, transient(method, err)
	}
	if len(out) == 0 {
		return common.Hash{}, fmt.Errorf("empty %s result", method)
	}
	v, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("unexpected %s result %T", method, out[0])
	}
	return common.Hash(v), nil
}
