package bridge

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned before any chain interaction when amount <= 0 or fee > amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidTransfer covers other malformed transfer requests.
	ErrInvalidTransfer = errors.New("invalid transfer")
	// ErrTransactionNotFound means the source transaction is not (or no longer)
	// part of the canonical chain, or did not lock any value. The transfer has to
	// be initiated again.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransientRPC wraps timeouts and connection failures.
	ErrTransientRPC = errors.New("transient rpc failure")
	// ErrProofConstruction means raw chain data needed for the proof could not be
	// retrieved or was inconsistent. Only another data source can help, see
	// FallbackBuilder.
	ErrProofConstruction = errors.New("proof construction failed")
	// ErrRejected means the destination verifier refused the proof.
	ErrRejected = errors.New("proof rejected by destination")
	// ErrPayloadMismatch means the proven payload differs from the requested transfer.
	ErrPayloadMismatch = errors.New("proven payload does not match transfer")
	// ErrInitiationUnknown means an earlier run may have broadcast the locking
	// transaction; resume with its source tx id instead of initiating again.
	ErrInitiationUnknown = errors.New("initiation outcome unknown")
	ErrNoRoute           = errors.New("no route for direction")
	ErrRequestConflict   = errors.New("request id already used for a different transfer")
	ErrUnknownTransfer   = errors.New("unknown transfer")

	errPersist = errors.New("failed to persist transfer record")
)

// Transient marks err as a retryable RPC failure.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientRPC) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientRPC, err)
}

// IsRetryable reports whether the coordinator may retry the failed step.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTransientRPC)
}

// Step names the component a failure originated from.
type Step string

const (
	StepInitiate     Step = "initiate"
	StepConfirmation Step = "await_confirmation"
	StepBuildProof   Step = "build_proof"
	StepSubmit       Step = "submit"
	StepPersist      Step = "persist"
)

// StepError carries enough context to resume a transfer manually.
type StepError struct {
	TransferID string
	TxID       TxID
	Step       Step
	Err        error
}

func (e *StepError) Error() string {
	tx := string(e.TxID)
	if tx == "" {
		tx = "<none>"
	}
	return fmt.Sprintf("%s failed (transfer %s, source tx %s): %v", e.Step, e.TransferID, tx, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
