package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned by ChainReader.Locate while a transaction is unknown
	// to the node.
	ErrNotFound = errors.New("transaction not located")
	// ErrPending is returned by ChainReader.Locate while the node knows the
	// transaction but it is not in a canonical block, e.g. back in the mempool
	// after a reorg.
	ErrPending = errors.New("transaction pending")
)

// Location is the block a transaction was included in.
type Location struct {
	Height uint64
	Hash   []byte
}

type ChainReader interface {
	HeadHeight(ctx context.Context) (uint64, error)
	Locate(ctx context.Context, txID bridge.TxID) (Location, error)
	// BlockHashAt returns the canonical block hash at height.
	BlockHashAt(ctx context.Context, height uint64) ([]byte, error)
}

// CheckpointReader reads the destination's light client view of the source chain.
type CheckpointReader interface {
	Checkpoint(ctx context.Context) (bridge.Checkpoint, error)
}

type Config struct {
	PollInterval time.Duration
	// MissingTolerance is the number of consecutive polls a previously located
	// transaction may be unknown to the node before it is considered dropped.
	// Polls that find it pending again do not count.
	MissingTolerance int
	// MaxPendingPolls bounds how long a transaction that was never located is
	// waited for. Zero waits until the context is done.
	MaxPendingPolls int
	MaxRPCErrors    int
	// CheckpointMargin is how many blocks the checkpoint must be past the
	// transaction block.
	CheckpointMargin uint64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MissingTolerance <= 0 {
		c.MissingTolerance = 3
	}
	if c.MaxRPCErrors <= 0 {
		c.MaxRPCErrors = 10
	}
	return c
}

// Tracker waits until a source transaction is buried deep enough and, when a
// CheckpointReader is set, known to the destination light client.
type Tracker struct {
	name        string
	chain       ChainReader
	checkpoints CheckpointReader
	cfg         Config
}

func New(name string, chain ChainReader, checkpoints CheckpointReader, cfg Config) *Tracker {
	return &Tracker{name: name, chain: chain, checkpoints: checkpoints, cfg: cfg.withDefaults()}
}

type pollState struct {
	seen      bool
	missing   int
	pending   int
	rpcErrors int
	last      *Location
}

func (t *Tracker) AwaitConfirmation(ctx context.Context, txID bridge.TxID, required uint64) (bridge.ConfirmedTransaction, error) {
	st := &pollState{}
	for {
		confirmed, done, err := t.poll(ctx, txID, required, st)
		if err != nil {
			return bridge.ConfirmedTransaction{}, err
		}
		if done {
			log.Info().Str("chain", t.name).Str("tx", string(txID)).Uint64("height", confirmed.BlockHeight).
				Uint64("depth", confirmed.ConfirmationDepth).Msg("transaction confirmed")
			return confirmed, nil
		}
		select {
		case <-ctx.Done():
			return bridge.ConfirmedTransaction{}, ctx.Err()
		case <-time.After(t.cfg.PollInterval):
		}
	}
}

func (t *Tracker) poll(ctx context.Context, txID bridge.TxID, required uint64, st *pollState) (bridge.ConfirmedTransaction, bool, error) {
	var none bridge.ConfirmedTransaction

	loc, err := t.chain.Locate(ctx, txID)
	if errors.Is(err, ErrPending) {
		st.rpcErrors = 0
		st.missing = 0
		if st.seen {
			log.Warn().Str("chain", t.name).Str("tx", string(txID)).
				Msg("transaction left its block and is pending again")
		}
		return none, false, nil
	}
	if errors.Is(err, ErrNotFound) {
		st.rpcErrors = 0
		if st.seen {
			st.missing++
			log.Warn().Str("chain", t.name).Str("tx", string(txID)).Int("polls", st.missing).
				Msg("transaction no longer on the canonical chain")
			if st.missing > t.cfg.MissingTolerance {
				return none, false, fmt.Errorf("%w: %s was dropped from the canonical chain", bridge.ErrTransactionNotFound, txID)
			}
			return none, false, nil
		}
		st.pending++
		if t.cfg.MaxPendingPolls > 0 && st.pending > t.cfg.MaxPendingPolls {
			return none, false, fmt.Errorf("%w: %s not included after %d polls", bridge.ErrTransactionNotFound, txID, st.pending)
		}
		return none, false, nil
	}
	if err != nil {
		return none, false, t.rpcFailure(st, txID, "locate", err)
	}
	st.seen = true
	st.missing = 0
	if st.last != nil && !bytes.Equal(st.last.Hash, loc.Hash) {
		log.Warn().Str("chain", t.name).Str("tx", string(txID)).Uint64("height", loc.Height).
			Msg("transaction moved to another block")
	}
	st.last = &loc

	head, err := t.chain.HeadHeight(ctx)
	if err != nil {
		return none, false, t.rpcFailure(st, txID, "head", err)
	}
	var depth uint64
	if head > loc.Height {
		depth = head - loc.Height
	}
	if depth < required {
		log.Debug().Str("chain", t.name).Str("tx", string(txID)).Uint64("depth", depth).
			Uint64("required", required).Msg("waiting for confirmations")
		st.rpcErrors = 0
		return none, false, nil
	}

	canonical, err := t.chain.BlockHashAt(ctx, loc.Height)
	if err != nil {
		return none, false, t.rpcFailure(st, txID, "block hash", err)
	}
	if !bytes.Equal(canonical, loc.Hash) {
		log.Warn().Str("chain", t.name).Str("tx", string(txID)).Uint64("height", loc.Height).
			Msg("receipt block is not canonical, waiting for the node to catch up")
		st.rpcErrors = 0
		return none, false, nil
	}

	confirmed := bridge.ConfirmedTransaction{
		TxID:              txID,
		BlockHeight:       loc.Height,
		BlockHash:         loc.Hash,
		ConfirmationDepth: depth,
	}
	if t.checkpoints != nil {
		cp, err := t.checkpoints.Checkpoint(ctx)
		if err != nil {
			return none, false, t.rpcFailure(st, txID, "checkpoint", err)
		}
		if cp.Height < loc.Height+t.cfg.CheckpointMargin {
			log.Debug().Str("chain", t.name).Str("tx", string(txID)).Uint64("checkpoint", cp.Height).
				Uint64("height", loc.Height).Msg("waiting for the destination light client")
			st.rpcErrors = 0
			return none, false, nil
		}
		confirmed.Checkpoint = &cp
	}
	return confirmed, true, nil
}

// rpcFailure tolerates up to MaxRPCErrors consecutive transient failures. Any
// other error ends tracking as is.
func (t *Tracker) rpcFailure(st *pollState, txID bridge.TxID, op string, err error) error {
	if !errors.Is(err, bridge.ErrTransientRPC) {
		return err
	}
	st.rpcErrors++
	log.Warn().Err(err).Str("chain", t.name).Str("tx", string(txID)).Str("op", op).
		Int("consecutive", st.rpcErrors).Msg("rpc failure while tracking transaction")
	if st.rpcErrors > t.cfg.MaxRPCErrors {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
