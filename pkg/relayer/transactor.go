package relayer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/ethchain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var requestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/aurora-is-near/eth-connector"))

// RequestID is the deterministic request id of relaying txHash in direction d,
// so a restarted relayer picks up the same record.
func RequestID(d bridge.Direction, txHash string) string {
	return uuid.NewSHA1(requestNamespace, []byte(d.String()+":"+txHash)).String()
}

type Coordinator interface {
	Relay(ctx context.Context, id string, d bridge.Direction, txID bridge.TxID) (bridge.Outcome, error)
	Resume(ctx context.Context, id string) (bridge.Outcome, error)
}

type PendingLister interface {
	Pending() ([]*bridge.Record, error)
}

// Transactor relays every deposit seen by the watcher and periodically resumes
// transfers that were left unfinished.
type Transactor struct {
	coordinator    Coordinator
	store          PendingLister
	eventChan      <-chan ethchain.DepositEvent
	concurrency    int
	resumeInterval time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewTransactor(
	coordinator Coordinator,
	store PendingLister,
	eventChan <-chan ethchain.DepositEvent,
	concurrency int,
	resumeInterval time.Duration,
) *Transactor {
	if concurrency <= 0 {
		concurrency = 1
	}
	if resumeInterval <= 0 {
		resumeInterval = time.Minute
	}
	return &Transactor{
		coordinator:    coordinator,
		store:          store,
		eventChan:      eventChan,
		concurrency:    concurrency,
		resumeInterval: resumeInterval,
		inflight:       make(map[string]struct{}),
	}
}

func (t *Transactor) Start(ctx context.Context) <-chan struct{} {
	doneChan := make(chan struct{})

	go func() {
		defer close(doneChan)

		var g errgroup.Group
		g.SetLimit(t.concurrency)
		defer func() {
			_ = g.Wait()
		}()

		t.resumePending(ctx, &g)
		ticker := time.NewTicker(t.resumeInterval)
		defer ticker.Stop()

		events := t.eventChan
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Transactor shutting down")
				return
			case event, ok := <-events:
				if !ok {
					log.Info().Msg("Chan to transactor was closed")
					events = nil
					continue
				}
				id := RequestID(bridge.ToDestination, event.TxHash.Hex())
				log.Debug().Str("transfer", id).Str("tx", event.TxHash.Hex()).Str("recipient", event.Deposit.Recipient).
					Str("amount", event.Deposit.Amount.String()).Msg("Received deposit from watcher")
				if !t.claim(id) {
					continue
				}
				g.Go(func() error {
					defer t.release(id)
					outcome, err := t.coordinator.Relay(ctx, id, bridge.ToDestination, bridge.TxID(event.TxHash.Hex()))
					logResult(id, outcome, err)
					return nil
				})
			case <-ticker.C:
				t.resumePending(ctx, &g)
			}
		}
	}()
	return doneChan
}

// resumePending starts as many pending transfers as there are free slots;
// the rest are picked up on a later tick.
func (t *Transactor) resumePending(ctx context.Context, g *errgroup.Group) {
	pending, err := t.store.Pending()
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending transfers")
		return
	}
	for _, rec := range pending {
		id := rec.Transfer.ID
		// not initiated yet: only the requester may lock funds
		if rec.State == bridge.StateCreated {
			continue
		}
		if !t.claim(id) {
			continue
		}
		started := g.TryGo(func() error {
			defer t.release(id)
			outcome, err := t.coordinator.Resume(ctx, id)
			logResult(id, outcome, err)
			return nil
		})
		if !started {
			t.release(id)
			return
		}
	}
}

func (t *Transactor) claim(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inflight[id]; busy {
		return false
	}
	t.inflight[id] = struct{}{}
	return true
}

func (t *Transactor) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
}

func logResult(id string, outcome bridge.Outcome, err error) {
	if err == nil {
		log.Info().Str("transfer", id).Str("outcome", outcome.String()).Str("dest_tx", outcome.DestTxID).
			Msg("transfer finalized")
		return
	}
	var stepErr *bridge.StepError
	if errors.As(err, &stepErr) && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("transfer", id).Str("step", string(stepErr.Step)).Msg("transfer not finalized")
		return
	}
	log.Debug().Err(err).Str("transfer", id).Msg("transfer interrupted")
}
