package main

import (
	"context"
	"crypto/rand"
	"math/big"
	mathrand "math/rand"
	"os"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/config"
	"github.com/aurora-is-near/eth-connector/pkg/metrics"
	"github.com/aurora-is-near/eth-connector/pkg/transfer"
	"github.com/ethereum/go-ethereum/params"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func main() {
	configFilePath := os.Getenv("EMULATOR_CONFIG")
	if configFilePath == "" {
		log.Fatal().Msg("EMULATOR_CONFIG env var is required")
	}
	var cfg config.Config
	if err := config.LoadFile(&cfg, configFilePath); err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := config.Check(&cfg); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	if cfg.DatadogAPIKey == "" {
		cfg.DatadogAPIKey, cfg.DatadogAppKey = os.Getenv("DD_API_KEY"), os.Getenv("DD_APP_KEY")
	}

	ctx := context.Background()
	b, err := transfer.Setup(ctx, cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up bridge")
	}
	defer b.Close()

	reporter := metrics.NewDatadogReporter(cfg.DatadogAPIKey, cfg.DatadogAppKey)
	ethAccount := transfer.SigningAddress(b.Deps.EthKey)
	nearAccount := b.Deps.NearSigner.AccountID

	for {
		// Generate a random amount of wei in [0.01, 10] ETH
		maxWei := new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))
		randWeiValue, err := rand.Int(rand.Reader, maxWei)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate random value")
		}
		if randWeiValue.Cmp(big.NewInt(params.Ether/100)) < 0 {
			// Enforce minimum value of 0.01 ETH
			randWeiValue = big.NewInt(params.Ether / 100)
		}

		run(ctx, b, reporter, bridge.Transfer{
			ID:        uuid.New().String(),
			Direction: bridge.ToDestination,
			Amount:    randWeiValue,
			Fee:       big.NewInt(0),
			Recipient: []byte(nearAccount),
		}, []string{"environment:test", "account:" + nearAccount})

		// Sleep for random interval between 0 and 5 seconds
		time.Sleep(time.Duration(mathrand.Intn(6)) * time.Second)

		// Bridge back same amount minus 0.009 ETH for fees
		pZZNineEth := big.NewInt(9 * params.Ether / 1000)
		amountBack := new(big.Int).Sub(randWeiValue, pZZNineEth)

		run(ctx, b, reporter, bridge.Transfer{
			ID:        uuid.New().String(),
			Direction: bridge.ToSource,
			Amount:    amountBack,
			Fee:       big.NewInt(0),
			Recipient: ethAccount.Bytes(),
		}, []string{"environment:test", "account_addr:" + ethAccount.Hex()})

		// Sleep for random interval between 0 and 5 seconds
		time.Sleep(time.Duration(mathrand.Intn(6)) * time.Second)
	}
}

// run executes t and reports its duration as bridging.success or bridging.failure.
func run(ctx context.Context, b *transfer.Bridge, reporter metrics.Reporter, t bridge.Transfer, tags []string) {
	start := time.Now()
	outcome, err := b.Coordinator.Execute(ctx, t)
	elapsed := time.Since(start).Seconds()
	tags = append(tags, "direction:"+t.Direction.String())

	metricName := "bridging.success"
	if err != nil || !outcome.Success() {
		metricName = "bridging.failure"
		log.Error().Err(err).Str("request_id", t.ID).Str("outcome", outcome.String()).Msg("Transfer did not finalize")
	} else {
		log.Info().Str("request_id", t.ID).Str("outcome", outcome.String()).Float64("seconds", elapsed).
			Msg("Transfer finalized")
	}
	if err := reporter.Report(ctx, metricName, elapsed, tags); err != nil {
		log.Error().Err(err).Msg("Failed to post metric to datadog")
	}
}
