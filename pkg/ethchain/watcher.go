package ethchain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

type WatcherClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// DepositEvent is a Deposited event seen on the custodian.
type DepositEvent struct {
	TxHash      common.Hash
	BlockNumber uint64
	Deposit     payload.Deposit
}

// DepositWatcher polls the custodian for Deposited events.
type DepositWatcher struct {
	rawClient    WatcherClient
	custodian    common.Address
	startBlock   *uint64
	lookback     uint64
	pollInterval time.Duration
	maxRange     uint64
	DoneChan     chan struct{}
	EventChan    chan DepositEvent
}

// NewDepositWatcher scans from startBlock, or from lookback blocks below the
// head seen on the first poll when startBlock is nil.
func NewDepositWatcher(client WatcherClient, custodian common.Address, startBlock *uint64, lookback uint64,
	pollInterval time.Duration) *DepositWatcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &DepositWatcher{
		rawClient:    client,
		custodian:    custodian,
		startBlock:   startBlock,
		lookback:     lookback,
		pollInterval: pollInterval,
		maxRange:     5000,
	}
}

func (w *DepositWatcher) Start(ctx context.Context) (<-chan struct{}, <-chan DepositEvent) {
	w.DoneChan = make(chan struct{})
	w.EventChan = make(chan DepositEvent, 10) // Buffer up to 10 events

	go func() {
		defer close(w.DoneChan)
		defer close(w.EventChan)

		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		// Blocks up to this value have been handled
		var blockNumHandled uint64
		resolved := w.startBlock != nil
		if resolved && *w.startBlock > 0 {
			blockNumHandled = *w.startBlock - 1
		}

		for {
			currentBlockNum, err := w.rawClient.BlockNumber(ctx)
			if err != nil {
				log.Error().Err(err).Msg("failed to obtain block number, retrying on next tick")
			} else {
				if !resolved {
					blockNumHandled = handledBelow(currentBlockNum, w.lookback)
					resolved = true
					log.Info().Uint64("from", blockNumHandled+1).Uint64("head", currentBlockNum).
						Msg("no start block configured, watching recent blocks")
				}
				for blockNumHandled < currentBlockNum {
					end := currentBlockNum
					if end-blockNumHandled > w.maxRange {
						end = blockNumHandled + w.maxRange
					}
					events, err := w.fetch(ctx, blockNumHandled+1, end)
					if err != nil {
						log.Error().Err(err).Msgf("failed to fetch deposit events from block %d to %d, retrying on next tick",
							blockNumHandled+1, end)
						break
					}
					log.Debug().Msgf("Fetched %d deposit events from block %d to %d", len(events), blockNumHandled+1, end)
					for _, event := range events {
						log.Info().Str("tx", event.TxHash.Hex()).Str("recipient", event.Deposit.Recipient).
							Str("amount", event.Deposit.Amount.String()).Msg("deposit seen by watcher")
						select {
						case w.EventChan <- event:
						case <-ctx.Done():
							return
						}
					}
					blockNumHandled = end
				}
			}

			select {
			case <-ctx.Done():
				log.Info().Msg("Deposit watcher shutting down")
				return
			case <-ticker.C:
			}
		}
	}()
	return w.DoneChan, w.EventChan
}

// handledBelow returns the last block treated as handled when scanning starts
// lookback blocks below head.
func handledBelow(head, lookback uint64) uint64 {
	if head <= lookback {
		return 0
	}
	return head - lookback - 1
}

func (w *DepositWatcher) fetch(ctx context.Context, from, to uint64) ([]DepositEvent, error) {
	logs, err := w.rawClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.custodian},
		Topics:    [][]common.Hash{{payload.DepositedTopic()}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}
	events := make([]DepositEvent, 0, len(logs))
	for i := range logs {
		l := logs[i]
		if l.Removed {
			continue
		}
		deposit, err := payload.DecodeDeposit(&l)
		if err != nil {
			log.Warn().Err(err).Str("tx", l.TxHash.Hex()).Msg("skipping malformed deposit log")
			continue
		}
		events = append(events, DepositEvent{TxHash: l.TxHash, BlockNumber: l.BlockNumber, Deposit: deposit})
	}
	return events, nil
}
