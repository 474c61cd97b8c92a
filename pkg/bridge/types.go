package bridge

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Direction selects which chain is the source of a transfer.
type Direction int

const (
	// ToDestination locks ETH in the Ethereum custodian and mints it on NEAR.
	ToDestination Direction = iota
	// ToSource burns bridged ETH on NEAR and releases it from the custodian.
	ToSource
)

func (d Direction) String() string {
	switch d {
	case ToDestination:
		return "deposit"
	case ToSource:
		return "withdrawal"
	default:
		return "unknown"
	}
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "deposit", "to-destination":
		return ToDestination, nil
	case "withdrawal", "to-source":
		return ToSource, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	if d != ToDestination && d != ToSource {
		return nil, fmt.Errorf("unknown direction %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	v, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// TxID identifies a source chain transaction: a 0x hash on Ethereum, a
// base58 receipt id on NEAR.
type TxID string

// Transfer is one logical cross-chain movement of value.
type Transfer struct {
	// ID is the request identifier the transfer is persisted under.
	ID         string
	Direction  Direction
	Amount     *big.Int
	Fee        *big.Int
	Recipient  []byte
	SourceTxID TxID
}

// Validate checks amount > 0 and fee <= amount.
func (t Transfer) Validate() error {
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0", ErrInvalidAmount)
	}
	if t.Fee == nil || t.Fee.Sign() < 0 {
		return fmt.Errorf("%w: fee must not be negative", ErrInvalidAmount)
	}
	if t.Fee.Cmp(t.Amount) > 0 {
		return fmt.Errorf("%w: fee %s exceeds amount %s", ErrInvalidAmount, t.Fee, t.Amount)
	}
	if len(t.Recipient) == 0 {
		return fmt.Errorf("%w: recipient is required", ErrInvalidTransfer)
	}
	return nil
}

// Payload is the transfer instruction as encoded in the source transaction.
type Payload struct {
	Recipient hexutil.Bytes `json:"recipient"`
	Amount    *big.Int      `json:"amount"`
	Fee       *big.Int      `json:"fee"`
}

func (p Payload) Equal(o Payload) bool {
	return bytes.Equal(p.Recipient, o.Recipient) && bigEqual(p.Amount, o.Amount) && bigEqual(p.Fee, o.Fee)
}

// Matches reports whether the payload carries exactly the transfer's instruction.
func (p Payload) Matches(t Transfer) bool {
	return p.Equal(Payload{Recipient: t.Recipient, Amount: t.Amount, Fee: t.Fee})
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}

// Checkpoint is the most recent source block the destination light client trusts.
type Checkpoint struct {
	Height     uint64        `json:"height"`
	Hash       hexutil.Bytes `json:"hash,omitempty"`
	MerkleRoot hexutil.Bytes `json:"merkle_root,omitempty"`
}

// ConfirmedTransaction is a source transaction together with evidence of its finality.
type ConfirmedTransaction struct {
	TxID              TxID          `json:"tx_id"`
	BlockHeight       uint64        `json:"block_height"`
	BlockHash         hexutil.Bytes `json:"block_hash"`
	ConfirmationDepth uint64        `json:"confirmation_depth"`
	// Checkpoint is set when the route gates provability on the destination light client.
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// Proof is immutable once built. Encoded holds the exact bytes passed to the
// destination verifier.
type Proof struct {
	TxID          TxID            `json:"tx_id"`
	Direction     Direction       `json:"direction"`
	BlockHeight   uint64          `json:"block_height"`
	HeaderData    hexutil.Bytes   `json:"header_data"`
	InclusionPath []hexutil.Bytes `json:"inclusion_path"`
	Payload       Payload         `json:"payload"`
	// ReplayKey is the destination's finalization record key when it is not
	// derived from Encoded itself.
	ReplayKey     hexutil.Bytes `json:"replay_key,omitempty"`
	TrustedHeight uint64        `json:"trusted_height,omitempty"`
	Encoded       hexutil.Bytes `json:"encoded"`
}

type OutcomeStatus int

const (
	Finalized OutcomeStatus = iota + 1
	AlreadyFinalized
	Rejected
)

func (s OutcomeStatus) String() string {
	switch s {
	case Finalized:
		return "finalized"
	case AlreadyFinalized:
		return "already_finalized"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of submitting a proof to the destination.
type Outcome struct {
	Status   OutcomeStatus
	Reason   string
	DestTxID string
}

// Success reports whether the destination holds a finalization record for the proof.
func (o Outcome) Success() bool {
	return o.Status == Finalized || o.Status == AlreadyFinalized
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Status.String()
	}
	return fmt.Sprintf("%s (%s)", o.Status, o.Reason)
}
