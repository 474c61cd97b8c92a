package ethproof

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
)

// nodeList records proof nodes in the order the trie emits them, root first.
type nodeList [][]byte

func (n *nodeList) Put(_ []byte, value []byte) error {
	*n = append(*n, common.CopyBytes(value))
	return nil
}

func (n *nodeList) Delete([]byte) error {
	return errors.New("proof node list is append only")
}

// ReceiptKey is the receipts trie key of the receipt at index.
func ReceiptKey(index uint) []byte {
	key, _ := rlp.EncodeToBytes(index)
	return key
}

// ReceiptProof rebuilds the receipts trie of a block and returns its root and
// the path of nodes to the receipt at index.
func ReceiptProof(receipts types.Receipts, index uint) (common.Hash, [][]byte, error) {
	if int(index) >= len(receipts) {
		return common.Hash{}, nil, fmt.Errorf("receipt index %d out of range (%d receipts)", index, len(receipts))
	}
	tr := trie.NewEmpty(trie.NewDatabase(rawdb.NewMemoryDatabase(), nil))
	for i, r := range receipts {
		value, err := r.MarshalBinary()
		if err != nil {
			return common.Hash{}, nil, fmt.Errorf("failed to encode receipt %d: %w", i, err)
		}
		if err := tr.Update(ReceiptKey(uint(i)), value); err != nil {
			return common.Hash{}, nil, fmt.Errorf("failed to insert receipt %d: %w", i, err)
		}
	}
	root := tr.Hash()

	var nodes nodeList
	if err := tr.Prove(ReceiptKey(index), &nodes); err != nil {
		return common.Hash{}, nil, fmt.Errorf("failed to prove receipt %d: %w", index, err)
	}
	return root, nodes, nil
}

// VerifyReceiptProof checks nodes against root and returns the proven receipt encoding.
func VerifyReceiptProof(root common.Hash, index uint, nodes [][]byte) ([]byte, error) {
	db := memorydb.New()
	for _, n := range nodes {
		if err := db.Put(crypto.Keccak256(n), n); err != nil {
			return nil, err
		}
	}
	value, err := trie.VerifyProof(root, ReceiptKey(index), db)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("receipt %d is absent from trie %s", index, root)
	}
	return value, nil
}
