package nearproof

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/aurora-is-near/eth-connector/pkg/merkle"
	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/mr-tron/base58"
)

// CryptoHash is a 32 byte hash in its base58 JSON form.
type CryptoHash merkle.Hash

func ParseCryptoHash(s string) (CryptoHash, error) {
	var h CryptoHash
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("invalid base58 hash %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("hash %q has %d bytes", s, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func (h CryptoHash) String() string {
	return base58.Encode(h[:])
}

func (h CryptoHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *CryptoHash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseCryptoHash(s)
	if err != nil {
		return err
	}
	*h = v
	return nil
}

type MerklePathItemView struct {
	Hash      CryptoHash `json:"hash"`
	Direction string     `json:"direction"`
}

type MerklePathView []MerklePathItemView

func (p MerklePathView) Path() (merkle.Path, error) {
	path := make(merkle.Path, len(p))
	for i, item := range p {
		switch item.Direction {
		case "Left":
			path[i].Direction = merkle.Left
		case "Right":
			path[i].Direction = merkle.Right
		default:
			return nil, fmt.Errorf("unknown merkle direction %q", item.Direction)
		}
		path[i].Hash = merkle.Hash(item.Hash)
	}
	return path, nil
}

// StatusView is the JSON execution status: "Unknown", {"Failure": ...},
// {"SuccessValue": base64} or {"SuccessReceiptId": base58}.
type StatusView struct {
	Kind             string
	SuccessValue     []byte
	SuccessReceiptID CryptoHash
	Failure          json.RawMessage
}

func (s *StatusView) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		s.Kind = name
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid execution status: %w", err)
	}
	if len(obj) != 1 {
		return errors.New("execution status must have exactly one variant")
	}
	for kind, raw := range obj {
		s.Kind = kind
		switch kind {
		case "SuccessValue":
			var b64 string
			if err := json.Unmarshal(raw, &b64); err != nil {
				return err
			}
			v, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return fmt.Errorf("invalid SuccessValue: %w", err)
			}
			s.SuccessValue = v
		case "SuccessReceiptId":
			if err := json.Unmarshal(raw, &s.SuccessReceiptID); err != nil {
				return err
			}
		case "Failure":
			s.Failure = raw
		}
	}
	return nil
}

func (s StatusView) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case "SuccessValue":
		return json.Marshal(map[string]string{"SuccessValue": base64.StdEncoding.EncodeToString(s.SuccessValue)})
	case "SuccessReceiptId":
		return json.Marshal(map[string]CryptoHash{"SuccessReceiptId": s.SuccessReceiptID})
	case "Failure":
		failure := s.Failure
		if failure == nil {
			failure = json.RawMessage("{}")
		}
		return json.Marshal(map[string]json.RawMessage{"Failure": failure})
	default:
		return json.Marshal(s.Kind)
	}
}

func (s StatusView) status() (ExecutionStatus, error) {
	switch s.Kind {
	case "Unknown":
		return ExecutionStatus{Enum: statusUnknown}, nil
	case "Failure":
		return Failure(), nil
	case "SuccessValue":
		return SuccessValue(s.SuccessValue), nil
	case "SuccessReceiptId":
		return SuccessReceiptID(merkle.Hash(s.SuccessReceiptID)), nil
	default:
		return ExecutionStatus{}, fmt.Errorf("unknown execution status %q", s.Kind)
	}
}

type OutcomeView struct {
	Logs        []string     `json:"logs"`
	ReceiptIDs  []CryptoHash `json:"receipt_ids"`
	GasBurnt    uint64       `json:"gas_burnt"`
	TokensBurnt string       `json:"tokens_burnt"`
	ExecutorID  string       `json:"executor_id"`
	Status      StatusView   `json:"status"`
}

type OutcomeWithIDView struct {
	Proof     MerklePathView `json:"proof"`
	BlockHash CryptoHash     `json:"block_hash"`
	ID        CryptoHash     `json:"id"`
	Outcome   OutcomeView    `json:"outcome"`
}

type InnerLiteView struct {
	Height           uint64     `json:"height"`
	EpochID          CryptoHash `json:"epoch_id"`
	NextEpochID      CryptoHash `json:"next_epoch_id"`
	PrevStateRoot    CryptoHash `json:"prev_state_root"`
	OutcomeRoot      CryptoHash `json:"outcome_root"`
	Timestamp        uint64     `json:"timestamp"`
	TimestampNanosec string     `json:"timestamp_nanosec,omitempty"`
	NextBpHash       CryptoHash `json:"next_bp_hash"`
	BlockMerkleRoot  CryptoHash `json:"block_merkle_root"`
}

type BlockHeaderLiteView struct {
	PrevBlockHash CryptoHash    `json:"prev_block_hash"`
	InnerRestHash CryptoHash    `json:"inner_rest_hash"`
	InnerLite     InnerLiteView `json:"inner_lite"`
}

// LightClientProofView is the result of the light_client_proof RPC method.
type LightClientProofView struct {
	OutcomeProof     OutcomeWithIDView   `json:"outcome_proof"`
	OutcomeRootProof MerklePathView      `json:"outcome_root_proof"`
	BlockHeaderLite  BlockHeaderLiteView `json:"block_header_lite"`
	BlockProof       MerklePathView      `json:"block_proof"`
}

// Decode converts the RPC view into the borsh proof.
func (v *LightClientProofView) Decode() (FullOutcomeProof, error) {
	var full FullOutcomeProof

	outcome := v.OutcomeProof.Outcome
	status, err := outcome.Status.status()
	if err != nil {
		return full, err
	}
	burnt, ok := new(big.Int).SetString(outcome.TokensBurnt, 10)
	if !ok {
		return full, fmt.Errorf("invalid tokens_burnt %q", outcome.TokensBurnt)
	}
	tokensBurnt, err := payload.NewU128(burnt)
	if err != nil {
		return full, err
	}
	receiptIDs := make([]merkle.Hash, len(outcome.ReceiptIDs))
	for i, id := range outcome.ReceiptIDs {
		receiptIDs[i] = merkle.Hash(id)
	}
	logs := outcome.Logs
	if logs == nil {
		logs = []string{}
	}

	outcomePath, err := v.OutcomeProof.Proof.Path()
	if err != nil {
		return full, err
	}
	outcomeRootPath, err := v.OutcomeRootProof.Path()
	if err != nil {
		return full, err
	}
	blockPath, err := v.BlockProof.Path()
	if err != nil {
		return full, err
	}

	inner := v.BlockHeaderLite.InnerLite
	timestamp := inner.Timestamp
	if inner.TimestampNanosec != "" {
		ts, ok := new(big.Int).SetString(inner.TimestampNanosec, 10)
		if !ok || !ts.IsUint64() {
			return full, fmt.Errorf("invalid timestamp_nanosec %q", inner.TimestampNanosec)
		}
		timestamp = ts.Uint64()
	}

	full = FullOutcomeProof{
		OutcomeProof: OutcomeProof{
			Proof:     outcomePath,
			BlockHash: merkle.Hash(v.OutcomeProof.BlockHash),
			OutcomeWithID: OutcomeWithID{
				ID: merkle.Hash(v.OutcomeProof.ID),
				Outcome: ExecutionOutcome{
					Logs:        logs,
					ReceiptIDs:  receiptIDs,
					GasBurnt:    outcome.GasBurnt,
					TokensBurnt: tokensBurnt,
					ExecutorID:  outcome.ExecutorID,
					Status:      status,
				},
			},
		},
		OutcomeRootProof: outcomeRootPath,
		BlockHeaderLite: BlockHeaderLite{
			PrevBlockHash: merkle.Hash(v.BlockHeaderLite.PrevBlockHash),
			InnerRestHash: merkle.Hash(v.BlockHeaderLite.InnerRestHash),
			InnerLite: InnerLite{
				Height:          inner.Height,
				EpochID:         merkle.Hash(inner.EpochID),
				NextEpochID:     merkle.Hash(inner.NextEpochID),
				PrevStateRoot:   merkle.Hash(inner.PrevStateRoot),
				OutcomeRoot:     merkle.Hash(inner.OutcomeRoot),
				Timestamp:       timestamp,
				NextBpHash:      merkle.Hash(inner.NextBpHash),
				BlockMerkleRoot: merkle.Hash(inner.BlockMerkleRoot),
			},
		},
		BlockProof: blockPath,
	}
	return full, nil
}
