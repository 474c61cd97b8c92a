package nearchain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/nearproof"
	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/aurora-is-near/eth-connector/pkg/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultGas is the prepaid gas of connector calls, 300 TGas.
	DefaultGas uint64 = 300_000_000_000_000
	// proofExists is the connector's panic message for an already used proof.
	proofExists = "ERR_PROOF_EXIST"
)

// oneYocto is the deposit the connector requires on withdraw.
var oneYocto = big.NewInt(1)

// RPC is the part of Client the NEAR adapters use.
type RPC interface {
	FinalBlock(ctx context.Context) (*BlockView, error)
	Block(ctx context.Context, blockID any) (*BlockView, error)
	LightClientProof(ctx context.Context, receiptID, receiverID, head string) (*nearproof.LightClientProofView, error)
	ViewCall(ctx context.Context, account, method string, args []byte) ([]byte, error)
	ViewAccessKey(ctx context.Context, account, publicKey string) (*AccessKeyView, error)
	BroadcastTxCommit(ctx context.Context, signedTx []byte) (*FinalOutcomeView, error)
	TxStatus(ctx context.Context, txHash, signerID string) (*FinalOutcomeView, error)
}

func transient(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return bridge.Transient(fmt.Errorf("%s: %w", op, err))
}

// Reader exposes NEAR to the confirmation tracker. Transactions are identified by
// the id of the receipt the connector executed.
type Reader struct {
	client    RPC
	connector string
}

func NewReader(client RPC, connector string) *Reader {
	return &Reader{client: client, connector: connector}
}

func (r *Reader) HeadHeight(ctx context.Context) (uint64, error) {
	b, err := r.client.FinalBlock(ctx)
	if err != nil {
		return 0, transient("final block", err)
	}
	return b.Header.Height, nil
}

func (r *Reader) Locate(ctx context.Context, txID bridge.TxID) (tracker.Location, error) {
	if _, err := nearproof.ParseCryptoHash(string(txID)); err != nil {
		return tracker.Location{}, fmt.Errorf("%w: %v", bridge.ErrTransactionNotFound, err)
	}
	head, err := r.client.FinalBlock(ctx)
	if err != nil {
		return tracker.Location{}, transient("final block", err)
	}
	view, err := r.client.LightClientProof(ctx, string(txID), r.connector, head.Header.Hash.String())
	switch {
	case errors.Is(err, ErrUnknown):
		return tracker.Location{}, tracker.ErrNotFound
	case errors.Is(err, ErrNotConfirmed):
		return tracker.Location{}, tracker.ErrPending
	case err != nil:
		return tracker.Location{}, fmt.Errorf("light client proof: %w", err)
	}
	outcome := view.OutcomeProof.Outcome
	if outcome.Status.Kind == "Failure" {
		return tracker.Location{}, fmt.Errorf("%w: receipt %s failed", bridge.ErrTransactionNotFound, txID)
	}
	block, err := r.client.Block(ctx, view.OutcomeProof.BlockHash.String())
	if err != nil {
		return tracker.Location{}, transient("outcome block", err)
	}
	return tracker.Location{Height: block.Header.Height, Hash: block.Header.Hash[:]}, nil
}

func (r *Reader) BlockHashAt(ctx context.Context, height uint64) ([]byte, error) {
	b, err := r.client.Block(ctx, height)
	if err != nil {
		return nil, transient("block", err)
	}
	return b.Header.Hash[:], nil
}

// CheckpointReader reads the latest Ethereum block known to the NEAR eth client.
type CheckpointReader struct {
	client    RPC
	ethClient string
}

func NewCheckpointReader(client RPC, ethClientAccount string) *CheckpointReader {
	return &CheckpointReader{client: client, ethClient: ethClientAccount}
}

func (c *CheckpointReader) Checkpoint(ctx context.Context) (bridge.Checkpoint, error) {
	out, err := c.client.ViewCall(ctx, c.ethClient, "last_block_number", nil)
	if err != nil {
		return bridge.Checkpoint{}, transient("last_block_number", err)
	}
	if len(out) != 8 {
		return bridge.Checkpoint{}, fmt.Errorf("unexpected last_block_number result of %d bytes", len(out))
	}
	return bridge.Checkpoint{Height: binary.LittleEndian.Uint64(out)}, nil
}

// Initiator burns bridged ETH through the connector's withdraw method.
type Initiator struct {
	sender    *sender
	connector string
}

func NewInitiator(client RPC, signer *Signer, connector string) *Initiator {
	return &Initiator{sender: newSender(client, signer), connector: connector}
}

// Initiate returns the id of the withdraw receipt, which is what gets proven.
func (i *Initiator) Initiate(ctx context.Context, t bridge.Transfer) (bridge.TxID, error) {
	if len(t.Recipient) != common.AddressLength {
		return "", fmt.Errorf("%w: recipient must be a 20 byte ethereum address", bridge.ErrInvalidTransfer)
	}
	args, err := payload.EncodeWithdrawArgs(common.BytesToAddress(t.Recipient), t.Amount, t.Fee)
	if err != nil {
		return "", fmt.Errorf("%w: %v", bridge.ErrInvalidAmount, err)
	}

	outcome, txHash, err := i.sender.functionCall(ctx, i.connector, "withdraw", args, DefaultGas, oneYocto)
	switch {
	case errors.Is(err, errBroadcastUnknown):
		return "", fmt.Errorf("%w: withdraw tx %s: %w", bridge.ErrInitiationUnknown, txHash, err)
	case err != nil && isInvalidTx(err):
		return "", fmt.Errorf("withdraw tx rejected by node: %w", err)
	case err != nil:
		// nothing reached the node
		return "", transient("withdraw", err)
	}
	receiptID, err := WithdrawReceipt(outcome, i.connector)
	if err != nil {
		return "", fmt.Errorf("withdraw tx %s: %w", txHash, err)
	}
	log.Info().Str("tx", txHash).Str("receipt", receiptID).Str("amount", t.Amount.String()).
		Str("recipient", common.BytesToAddress(t.Recipient).Hex()).Msg("bridged eth burnt")
	return bridge.TxID(receiptID), nil
}

// WithdrawReceipt finds the connector receipt carrying the withdraw result.
func WithdrawReceipt(outcome *FinalOutcomeView, connector string) (string, error) {
	status := outcome.TransactionOutcome.Outcome.Status
	if status.Kind != "SuccessReceiptId" {
		return "", fmt.Errorf("transaction finished with %s", status.Kind)
	}
	id := status.SuccessReceiptID
	for _, r := range outcome.ReceiptsOutcome {
		if r.ID != id {
			continue
		}
		if r.Outcome.ExecutorID != connector {
			return "", fmt.Errorf("receipt %s was executed by %s", id, r.Outcome.ExecutorID)
		}
		if r.Outcome.Status.Kind != "SuccessValue" {
			return "", fmt.Errorf("withdraw receipt %s failed: %s", id, failureText(r.Outcome.Status))
		}
		return id.String(), nil
	}
	return "", fmt.Errorf("receipt %s missing from transaction outcome", id)
}

// Submitter finalizes deposits through the connector's deposit method.
type Submitter struct {
	client    RPC
	sender    *sender
	connector string
}

func NewSubmitter(client RPC, signer *Signer, connector string) *Submitter {
	return &Submitter{client: client, sender: newSender(client, signer), connector: connector}
}

// IsFinalized asks the connector whether the proof has been used.
func (s *Submitter) IsFinalized(ctx context.Context, proof *bridge.Proof) (bool, error) {
	out, err := s.client.ViewCall(ctx, s.connector, "is_used_proof", proof.Encoded)
	if err != nil {
		return false, transient("is_used_proof", err)
	}
	if len(out) != 1 || out[0] > 1 {
		return false, fmt.Errorf("unexpected is_used_proof result %x", out)
	}
	return out[0] == 1, nil
}

func (s *Submitter) Submit(ctx context.Context, proof *bridge.Proof) (bridge.Outcome, error) {
	outcome, txHash, err := s.sender.functionCall(ctx, s.connector, "deposit", proof.Encoded, DefaultGas, new(big.Int))
	if err != nil {
		// a retry checks is_used_proof first, so resubmitting is safe
		return bridge.Outcome{}, transient("deposit", err)
	}
	switch outcome.Status.Kind {
	case "SuccessValue", "SuccessReceiptId":
		return bridge.Outcome{Status: bridge.Finalized, DestTxID: txHash}, nil
	case "Failure":
		reason := failureText(outcome.Status)
		if strings.Contains(reason, proofExists) {
			return bridge.Outcome{Status: bridge.AlreadyFinalized, Reason: proofExists, DestTxID: txHash}, nil
		}
		log.Warn().Str("tx", txHash).Str("source", string(proof.TxID)).Str("reason", reason).
			Msg("connector rejected deposit proof")
		return bridge.Outcome{Status: bridge.Rejected, Reason: reason, DestTxID: txHash}, nil
	default:
		return bridge.Outcome{}, bridge.Transient(fmt.Errorf("deposit tx %s still %s", txHash, outcome.Status.Kind))
	}
}

func failureText(s nearproof.StatusView) string {
	if len(s.Failure) == 0 {
		return s.Kind
	}
	return string(s.Failure)
}

// ReceiptFromTx resolves the withdraw receipt of an already sent transaction.
func ReceiptFromTx(ctx context.Context, client RPC, txHash, signerID, connector string) (bridge.TxID, error) {
	if _, err := base58.Decode(txHash); err != nil {
		return "", fmt.Errorf("invalid tx hash %q: %w", txHash, err)
	}
	outcome, err := client.TxStatus(ctx, txHash, signerID)
	if err != nil {
		return "", err
	}
	id, err := WithdrawReceipt(outcome, connector)
	if err != nil {
		return "", err
	}
	return bridge.TxID(id), nil
}
