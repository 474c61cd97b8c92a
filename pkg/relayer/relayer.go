package relayer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/config"
	"github.com/aurora-is-near/eth-connector/pkg/ethchain"
	"github.com/aurora-is-near/eth-connector/pkg/shared"
	"github.com/aurora-is-near/eth-connector/pkg/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Config config.Config
}

type Relayer struct {
	// Closes ctx's Done channel and waits for all goroutines to close.
	waitOnCloseRoutines func()
	bridge              *transfer.Bridge
	server              *http.Server
}

func NewRelayer(opts *Options) (*Relayer, error) {
	cfg := opts.Config

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, cancel := context.WithCancel(context.Background())
	b, err := transfer.Setup(ctx, cfg, registry)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to set up bridge: %w", err)
	}
	r := &Relayer{bridge: b}

	if err := shared.CancelPendingTxes(ctx, b.Deps.EthKey, b.Deps.Eth, b.Deps.EthChainID); err != nil {
		cancel()
		return nil, errors.Join(fmt.Errorf("failed to cancel pending txes: %w", err), b.Close())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	watcher := ethchain.NewDepositWatcher(b.Deps.Eth, common.HexToAddress(cfg.EthCustodianAddr),
		cfg.EthWatchStartBlock, cfg.EthConfirmations(), cfg.PollInterval)
	watcherClosed, events := watcher.Start(ctx)
	transactor := NewTransactor(b.Coordinator, b.Store, events, cfg.ResumeConcurrency, cfg.ResumeInterval)
	transactorClosed := transactor.Start(ctx)

	r.waitOnCloseRoutines = func() {
		// Close ctx's Done channel
		cancel()

		shutdownCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
		defer stop()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down metrics server")
		}

		<-watcherClosed
		<-transactorClosed
	}
	return r, nil
}

// TryCloseAll attempts to close all workers and the database.
func (r *Relayer) TryCloseAll() (err error) {
	log.Debug().Msg("closing all workers and db connection")
	defer func() {
		if err2 := r.bridge.Close(); err2 != nil {
			err = errors.Join(err, err2)
		}
	}()

	workersClosed := make(chan struct{})
	go func() {
		defer close(workersClosed)
		r.waitOnCloseRoutines()
	}()

	select {
	case <-workersClosed:
		log.Info().Msg("all workers closed")
		return nil
	case <-time.After(10 * time.Second):
		msg := "failed to close all workers in 10 sec"
		log.Error().Msg(msg)
		return errors.New(msg)
	}
}
