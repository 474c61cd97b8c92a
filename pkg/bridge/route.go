package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Initiator submits the locking/burning transaction on the source chain.
// A transient error must only be returned when nothing was broadcast.
type Initiator interface {
	Initiate(ctx context.Context, t Transfer) (TxID, error)
}

// ConfirmationAwaiter blocks until a source transaction is final enough to prove.
type ConfirmationAwaiter interface {
	AwaitConfirmation(ctx context.Context, txID TxID, required uint64) (ConfirmedTransaction, error)
}

// ProofBuilder assembles the inclusion proof of a confirmed transaction. It must be
// deterministic: the same ConfirmedTransaction always yields a byte-identical Proof.
type ProofBuilder interface {
	BuildProof(ctx context.Context, confirmed ConfirmedTransaction) (*Proof, error)
}

// Submitter hands a proof to the destination's finalize entry point.
type Submitter interface {
	// IsFinalized queries the destination for an existing finalization record.
	IsFinalized(ctx context.Context, proof *Proof) (bool, error)
	Submit(ctx context.Context, proof *Proof) (Outcome, error)
}

// Route is the set of chain specific components serving one direction.
type Route struct {
	Direction             Direction
	Initiator             Initiator
	Tracker               ConfirmationAwaiter
	Builder               ProofBuilder
	Submitter             Submitter
	RequiredConfirmations uint64
}

func (r Route) validate() error {
	switch {
	case r.Initiator == nil:
		return fmt.Errorf("%s route: initiator is required", r.Direction)
	case r.Tracker == nil:
		return fmt.Errorf("%s route: tracker is required", r.Direction)
	case r.Builder == nil:
		return fmt.Errorf("%s route: proof builder is required", r.Direction)
	case r.Submitter == nil:
		return fmt.Errorf("%s route: submitter is required", r.Direction)
	}
	return nil
}

// FallbackBuilder tries each builder in order while they fail with
// ErrProofConstruction, so a pruned node can be backed by an archive node.
type FallbackBuilder []ProofBuilder

func (f FallbackBuilder) BuildProof(ctx context.Context, confirmed ConfirmedTransaction) (*Proof, error) {
	if len(f) == 0 {
		return nil, fmt.Errorf("%w: no data source configured", ErrProofConstruction)
	}
	var errs []error
	for i, b := range f {
		proof, err := b.BuildProof(ctx, confirmed)
		if err == nil {
			return proof, nil
		}
		if !errors.Is(err, ErrProofConstruction) {
			return nil, err
		}
		log.Warn().Err(err).Int("source", i).Str("tx", string(confirmed.TxID)).
			Msg("proof data source failed, trying next one")
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
