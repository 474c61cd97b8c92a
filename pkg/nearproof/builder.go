package nearproof

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/merkle"
	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"
	"github.com/rs/zerolog/log"
)

// LightClient fetches light client proofs of receipt outcomes.
type LightClient interface {
	LightClientProof(ctx context.Context, receiptID, receiverID, head string) (*LightClientProofView, error)
}

// Builder proves withdraw receipts executed by the connector account against the
// block Merkle root the Ethereum light client holds for the checkpoint.
type Builder struct {
	client    LightClient
	connector string
	custodian common.Address
}

func NewBuilder(client LightClient, connector string, custodian common.Address) *Builder {
	return &Builder{client: client, connector: connector, custodian: custodian}
}

func proofErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", bridge.ErrProofConstruction, fmt.Sprintf(format, args...))
}

func (b *Builder) BuildProof(ctx context.Context, confirmed bridge.ConfirmedTransaction) (*bridge.Proof, error) {
	cp := confirmed.Checkpoint
	if cp == nil || len(cp.Hash) != len(merkle.Hash{}) {
		return nil, proofErr("receipt %s confirmed without a light client checkpoint", confirmed.TxID)
	}
	receiptID, err := ParseCryptoHash(string(confirmed.TxID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrTransactionNotFound, err)
	}

	view, err := b.client.LightClientProof(ctx, string(confirmed.TxID), b.connector, base58.Encode(cp.Hash))
	if err != nil {
		if errors.Is(err, bridge.ErrTransientRPC) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// the receipt was located already, a node that does not know it has pruned it
		return nil, proofErr("light client proof of %s: %v", confirmed.TxID, err)
	}
	full, err := view.Decode()
	if err != nil {
		return nil, proofErr("malformed light client proof of %s: %v", confirmed.TxID, err)
	}

	outcome := full.OutcomeProof.OutcomeWithID
	if outcome.ID != merkle.Hash(receiptID) {
		return nil, proofErr("proof is for outcome %s, want %s", CryptoHash(outcome.ID), confirmed.TxID)
	}
	if outcome.Outcome.ExecutorID != b.connector {
		return nil, fmt.Errorf("%w: receipt %s was executed by %s, not %s",
			bridge.ErrTransactionNotFound, confirmed.TxID, outcome.Outcome.ExecutorID, b.connector)
	}
	value, ok := outcome.Outcome.Status.Value()
	if !ok {
		return nil, fmt.Errorf("%w: receipt %s finished with %s", bridge.ErrTransactionNotFound, confirmed.TxID, outcome.Outcome.Status)
	}
	result, err := payload.DecodeWithdrawResult(value)
	if err != nil {
		return nil, fmt.Errorf("%w: receipt %s: %v", bridge.ErrTransactionNotFound, confirmed.TxID, err)
	}
	if b.custodian != (common.Address{}) && common.Address(result.Custodian) != b.custodian {
		return nil, fmt.Errorf("%w: receipt %s withdraws through custodian %s",
			bridge.ErrTransactionNotFound, confirmed.TxID, common.Address(result.Custodian))
	}
	if len(outcome.Outcome.ReceiptIDs) == 0 {
		return nil, proofErr("outcome of %s has no receipt ids", confirmed.TxID)
	}

	header := full.BlockHeaderLite
	if header.InnerLite.Height != confirmed.BlockHeight {
		return nil, proofErr("outcome block %d differs from confirmed block %d", header.InnerLite.Height, confirmed.BlockHeight)
	}
	if err := Verify(full, cp.MerkleRoot); err != nil {
		return nil, proofErr("receipt %s: %v", confirmed.TxID, err)
	}

	encoded, err := borsh.Serialize(full)
	if err != nil {
		return nil, proofErr("failed to encode proof: %v", err)
	}
	headerData, err := borsh.Serialize(header)
	if err != nil {
		return nil, proofErr("failed to encode header: %v", err)
	}
	var path []hexutil.Bytes
	for _, p := range []merkle.Path{full.OutcomeProof.Proof, full.OutcomeRootProof, full.BlockProof} {
		raw, err := borsh.Serialize(p)
		if err != nil {
			return nil, proofErr("failed to encode path: %v", err)
		}
		path = append(path, raw)
	}

	replayKey := outcome.Outcome.ReceiptIDs[0]
	log.Debug().Str("receipt", string(confirmed.TxID)).Uint64("block", header.InnerLite.Height).
		Uint64("checkpoint", cp.Height).Msg("built outcome proof")
	return &bridge.Proof{
		TxID:          confirmed.TxID,
		Direction:     bridge.ToSource,
		BlockHeight:   header.InnerLite.Height,
		HeaderData:    headerData,
		InclusionPath: path,
		Payload:       result.Payload(),
		ReplayKey:     replayKey[:],
		TrustedHeight: cp.Height,
		Encoded:       encoded,
	}, nil
}

// Verify recomputes the outcome, block and block Merkle roots of p. An empty
// blockMerkleRoot skips the last check.
func Verify(p FullOutcomeProof, blockMerkleRoot []byte) error {
	leaf, err := p.OutcomeProof.OutcomeWithID.LeafHash()
	if err != nil {
		return err
	}
	chunkRoot := merkle.ComputeRoot(p.OutcomeProof.Proof, leaf)
	chunkLeaf, err := hashBorsh(chunkRoot)
	if err != nil {
		return err
	}
	outcomeRoot := merkle.ComputeRoot(p.OutcomeRootProof, chunkLeaf)
	if outcomeRoot != p.BlockHeaderLite.InnerLite.OutcomeRoot {
		return fmt.Errorf("outcome root %s does not match block outcome root %s",
			CryptoHash(outcomeRoot), CryptoHash(p.BlockHeaderLite.InnerLite.OutcomeRoot))
	}

	blockHash, err := p.BlockHeaderLite.Hash()
	if err != nil {
		return err
	}
	if blockHash != p.OutcomeProof.BlockHash {
		return fmt.Errorf("lite header hashes to %s, outcome is in %s", CryptoHash(blockHash), CryptoHash(p.OutcomeProof.BlockHash))
	}
	if len(blockMerkleRoot) == 0 {
		return nil
	}
	root := merkle.ComputeRoot(p.BlockProof, blockHash)
	if !bytes.Equal(root[:], blockMerkleRoot) {
		return fmt.Errorf("block proof root %s does not match checkpoint root %s", CryptoHash(root), hexutil.Bytes(blockMerkleRoot))
	}
	return nil
}
