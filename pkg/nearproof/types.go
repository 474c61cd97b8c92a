package nearproof

import (
	"crypto/sha256"
	"fmt"

	"github.com/aurora-is-near/eth-connector/pkg/merkle"
	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/near/borsh-go"
)

// ExecutionStatus is the borsh enum of an outcome's status.
type ExecutionStatus struct {
	Enum             borsh.Enum `borsh_enum:"true"`
	Unknown          StatusUnknown
	Failure          StatusFailure
	SuccessValue     StatusSuccessValue
	SuccessReceiptID StatusSuccessReceiptID
}

type StatusUnknown struct{}

type StatusFailure struct{}

type StatusSuccessValue struct {
	Value []byte
}

type StatusSuccessReceiptID struct {
	ID merkle.Hash
}

const (
	statusUnknown borsh.Enum = iota
	statusFailure
	statusSuccessValue
	statusSuccessReceiptID
)

func SuccessValue(v []byte) ExecutionStatus {
	return ExecutionStatus{Enum: statusSuccessValue, SuccessValue: StatusSuccessValue{Value: v}}
}

func SuccessReceiptID(id merkle.Hash) ExecutionStatus {
	return ExecutionStatus{Enum: statusSuccessReceiptID, SuccessReceiptID: StatusSuccessReceiptID{ID: id}}
}

func Failure() ExecutionStatus {
	return ExecutionStatus{Enum: statusFailure}
}

func (s ExecutionStatus) Value() ([]byte, bool) {
	if s.Enum != statusSuccessValue {
		return nil, false
	}
	return s.SuccessValue.Value, true
}

func (s ExecutionStatus) String() string {
	switch s.Enum {
	case statusUnknown:
		return "Unknown"
	case statusFailure:
		return "Failure"
	case statusSuccessValue:
		return "SuccessValue"
	case statusSuccessReceiptID:
		return "SuccessReceiptId"
	default:
		return fmt.Sprintf("Status(%d)", s.Enum)
	}
}

type ExecutionOutcome struct {
	Logs        []string
	ReceiptIDs  []merkle.Hash
	GasBurnt    uint64
	TokensBurnt payload.U128
	ExecutorID  string
	Status      ExecutionStatus
}

// partialOutcome is the part of an outcome committed to in the outcome root.
type partialOutcome struct {
	ReceiptIDs  []merkle.Hash
	GasBurnt    uint64
	TokensBurnt payload.U128
	ExecutorID  string
	Status      ExecutionStatus
}

type OutcomeWithID struct {
	ID      merkle.Hash
	Outcome ExecutionOutcome
}

// Hashes are the values merklized into the chunk outcome root.
func (o OutcomeWithID) Hashes() ([]merkle.Hash, error) {
	partial, err := borsh.Serialize(partialOutcome{
		ReceiptIDs:  o.Outcome.ReceiptIDs,
		GasBurnt:    o.Outcome.GasBurnt,
		TokensBurnt: o.Outcome.TokensBurnt,
		ExecutorID:  o.Outcome.ExecutorID,
		Status:      o.Outcome.Status,
	})
	if err != nil {
		return nil, err
	}
	hashes := make([]merkle.Hash, 0, len(o.Outcome.Logs)+2)
	hashes = append(hashes, o.ID, sha256.Sum256(partial))
	for _, l := range o.Outcome.Logs {
		hashes = append(hashes, sha256.Sum256([]byte(l)))
	}
	return hashes, nil
}

// LeafHash is the hash of the outcome as a leaf of the chunk outcome tree.
func (o OutcomeWithID) LeafHash() (merkle.Hash, error) {
	hashes, err := o.Hashes()
	if err != nil {
		return merkle.Hash{}, err
	}
	return hashBorsh(hashes)
}

type OutcomeProof struct {
	Proof         merkle.Path
	BlockHash     merkle.Hash
	OutcomeWithID OutcomeWithID
}

type InnerLite struct {
	Height          uint64
	EpochID         merkle.Hash
	NextEpochID     merkle.Hash
	PrevStateRoot   merkle.Hash
	OutcomeRoot     merkle.Hash
	Timestamp       uint64
	NextBpHash      merkle.Hash
	BlockMerkleRoot merkle.Hash
}

type BlockHeaderLite struct {
	PrevBlockHash merkle.Hash
	InnerRestHash merkle.Hash
	InnerLite     InnerLite
}

// Hash recomputes the block hash from the lite header.
func (h BlockHeaderLite) Hash() (merkle.Hash, error) {
	inner, err := hashBorsh(h.InnerLite)
	if err != nil {
		return merkle.Hash{}, err
	}
	return merkle.CombineHash(merkle.CombineHash(inner, h.InnerRestHash), h.PrevBlockHash), nil
}

// FullOutcomeProof is the proof NearProver verifies on Ethereum.
type FullOutcomeProof struct {
	OutcomeProof     OutcomeProof
	OutcomeRootProof merkle.Path
	BlockHeaderLite  BlockHeaderLite
	BlockProof       merkle.Path
}

func DecodeFullOutcomeProof(data []byte) (FullOutcomeProof, error) {
	var p FullOutcomeProof
	if err := borsh.Deserialize(&p, data); err != nil {
		return FullOutcomeProof{}, fmt.Errorf("failed to decode outcome proof: %w", err)
	}
	return p, nil
}

func hashBorsh(v any) (merkle.Hash, error) {
	data, err := borsh.Serialize(v)
	if err != nil {
		return merkle.Hash{}, err
	}
	return sha256.Sum256(data), nil
}
