package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/config"
	"github.com/aurora-is-near/eth-connector/pkg/nearchain"
	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/aurora-is-near/eth-connector/pkg/relayer"
	"github.com/aurora-is-near/eth-connector/pkg/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

var (
	optionConfig = &cli.StringFlag{
		Name:     "config",
		Usage:    "path to CLI config file",
		Required: true,
		EnvVars:  []string{"ETH_CONNECTOR_CLI_CONFIG"},
	}
	optionAmount = &cli.StringFlag{
		Name:     "amount",
		Usage:    "Amount of ether to bridge in wei",
		Required: true,
	}
	optionFee = &cli.StringFlag{
		Name:  "fee",
		Usage: "Relayer fee in wei, taken from the amount",
		Value: "0",
	}
	optionRequestID = &cli.StringFlag{
		Name:  "request-id",
		Usage: "Identifier the transfer is stored under, reuse it to retry safely",
	}
	optionTxHash = &cli.StringFlag{
		Name:  "tx-hash",
		Usage: "Hash of the source transaction",
	}
	optionReceiptID = &cli.StringFlag{
		Name:  "receipt-id",
		Usage: "Id of the NEAR withdraw receipt",
	}
)

func main() {
	app := &cli.App{
		Name:  "bridge-cli",
		Usage: "CLI for bridging ether between Ethereum and NEAR through the eth connector",
		Commands: []*cli.Command{
			{
				Name:  "eth-deposit-to-near",
				Usage: "Lock ether in the custodian and mint it to a NEAR account",
				Flags: []cli.Flag{
					optionAmount, optionFee, optionRequestID, optionConfig,
					&cli.StringFlag{Name: "recipient", Usage: "NEAR account id", Required: true},
				},
				Action: func(c *cli.Context) error {
					return execute(c, bridge.ToDestination, c.String("recipient"))
				},
			},
			{
				Name:  "eth-deposit-to-evm",
				Usage: "Lock ether in the custodian and mint it to an address in the NEAR EVM",
				Flags: []cli.Flag{
					optionAmount, optionFee, optionRequestID, optionConfig,
					&cli.StringFlag{Name: "recipient", Usage: "EVM address", Required: true},
				},
				Action: func(c *cli.Context) error {
					return execute(c, bridge.ToDestination, c.String("recipient"))
				},
			},
			{
				Name:  "near-withdraw-bridged-eth",
				Usage: "Burn bridged ether on NEAR and release it from the custodian",
				Flags: []cli.Flag{
					optionAmount, optionFee, optionRequestID, optionConfig,
					&cli.StringFlag{Name: "recipient", Usage: "Ethereum address", Required: true},
				},
				Action: func(c *cli.Context) error {
					return execute(c, bridge.ToSource, c.String("recipient"))
				},
			},
			{
				Name:  "eth-generate-deposit-proof",
				Usage: "Print the proof of a confirmed deposit transaction",
				Flags: []cli.Flag{optionTxHash, optionConfig},
				Action: func(c *cli.Context) error {
					return prove(c, bridge.ToDestination)
				},
			},
			{
				Name:  "near-generate-withdraw-proof",
				Usage: "Print the proof of a withdraw receipt once the light client reached it",
				Flags: []cli.Flag{optionReceiptID, optionTxHash, optionConfig},
				Action: func(c *cli.Context) error {
					return prove(c, bridge.ToSource)
				},
			},
			{
				Name:  "near-finalise-deposit-from-eth",
				Usage: "Relay an already sent deposit transaction to NEAR",
				Flags: []cli.Flag{optionTxHash, optionRequestID, optionConfig},
				Action: func(c *cli.Context) error {
					return relay(c, bridge.ToDestination)
				},
			},
			{
				Name:  "eth-finalise-withdraw-from-near",
				Usage: "Relay an already executed withdraw to Ethereum",
				Flags: []cli.Flag{optionReceiptID, optionTxHash, optionRequestID, optionConfig},
				Action: func(c *cli.Context) error {
					return relay(c, bridge.ToSource)
				},
			},
			{
				Name:  "submit-proof",
				Usage: "Submit a proof printed by one of the generate commands",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Usage: "Proof JSON file", Required: true},
					optionConfig,
				},
				Action: submitProof,
			},
			{
				Name:  "resume",
				Usage: "Continue an interrupted transfer",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "request-id", Required: true},
					optionConfig,
				},
				Action: resume,
			},
			{
				Name:  "status",
				Usage: "Show stored transfers",
				Flags: []cli.Flag{optionRequestID, optionConfig},
				Action: status,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.Writer, "Exited with error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) config.Config {
	configFilePath := c.String(optionConfig.Name)

	var cfg config.Config
	if err := config.LoadFile(&cfg, configFilePath); err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := config.Check(&cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse log level")
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return cfg
}

// withBridge runs fn with a set up bridge; an interrupt cancels fn's context and
// leaves the transfer resumable.
func withBridge(c *cli.Context, cfg config.Config, fn func(ctx context.Context, b *transfer.Bridge) error) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := transfer.Setup(ctx, cfg, nil)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, b), b.Close())
}

func parseWei(c *cli.Context, name string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(c.String(name), 10)
	if !ok {
		return nil, fmt.Errorf("%s must be an integer amount of wei", name)
	}
	return v, nil
}

func preTransfer(c *cli.Context, cfg config.Config, d bridge.Direction, recipient string) (bridge.Transfer, error) {
	amount, err := parseWei(c, optionAmount.Name)
	if err != nil {
		return bridge.Transfer{}, err
	}
	fee, err := parseWei(c, optionFee.Name)
	if err != nil {
		return bridge.Transfer{}, err
	}
	t := bridge.Transfer{
		ID:        c.String(optionRequestID.Name),
		Direction: d,
		Amount:    amount,
		Fee:       fee,
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	switch {
	case d == bridge.ToSource, c.Command.Name == "eth-deposit-to-evm":
		if !common.IsHexAddress(recipient) {
			return bridge.Transfer{}, fmt.Errorf("recipient must be a valid hex address")
		}
		addr := common.HexToAddress(recipient)
		t.Recipient = addr.Bytes()
		if d == bridge.ToDestination {
			t.Recipient = []byte(payload.EVMRecipient(cfg.NearEVMAccount, addr))
		}
	default:
		t.Recipient = []byte(recipient)
	}
	return t, t.Validate()
}

func execute(c *cli.Context, d bridge.Direction, recipient string) error {
	cfg := loadConfig(c)
	t, err := preTransfer(c, cfg, d, recipient)
	if err != nil {
		return err
	}
	log.Info().Str("request_id", t.ID).Str("direction", d.String()).Msg("starting transfer, use the request id to resume it")
	return withBridge(c, cfg, func(ctx context.Context, b *transfer.Bridge) error {
		outcome, err := b.Coordinator.Execute(ctx, t)
		if err != nil {
			return err
		}
		return printJSON(c, map[string]any{"request_id": t.ID, "outcome": outcome.String(), "dest_tx": outcome.DestTxID})
	})
}

// sourceTx returns the transaction to relay in direction d. Withdrawals are
// identified by their receipt id, which is looked up from --tx-hash if needed.
func sourceTx(ctx context.Context, c *cli.Context, cfg config.Config, b *transfer.Bridge, d bridge.Direction) (bridge.TxID, error) {
	if d == bridge.ToDestination {
		if c.String(optionTxHash.Name) == "" {
			return "", errors.New("--tx-hash is required")
		}
		return bridge.TxID(c.String(optionTxHash.Name)), nil
	}
	if id := c.String(optionReceiptID.Name); id != "" {
		return bridge.TxID(id), nil
	}
	if c.String(optionTxHash.Name) == "" {
		return "", errors.New("either --receipt-id or --tx-hash is required")
	}
	return nearchain.ReceiptFromTx(ctx, b.Deps.Near, c.String(optionTxHash.Name),
		b.Deps.NearSigner.AccountID, cfg.NearConnectorAccount)
}

func prove(c *cli.Context, d bridge.Direction) error {
	cfg := loadConfig(c)
	return withBridge(c, cfg, func(ctx context.Context, b *transfer.Bridge) error {
		txID, err := sourceTx(ctx, c, cfg, b, d)
		if err != nil {
			return err
		}
		proof, err := b.Coordinator.Prove(ctx, d, txID)
		if err != nil {
			return err
		}
		return printJSON(c, proof)
	})
}

func relay(c *cli.Context, d bridge.Direction) error {
	cfg := loadConfig(c)
	return withBridge(c, cfg, func(ctx context.Context, b *transfer.Bridge) error {
		txID, err := sourceTx(ctx, c, cfg, b, d)
		if err != nil {
			return err
		}
		id := c.String(optionRequestID.Name)
		if id == "" {
			id = relayer.RequestID(d, string(txID))
		}
		outcome, err := b.Coordinator.Relay(ctx, id, d, txID)
		if err != nil {
			return err
		}
		return printJSON(c, map[string]any{"request_id": id, "outcome": outcome.String(), "dest_tx": outcome.DestTxID})
	})
}

func submitProof(c *cli.Context) error {
	cfg := loadConfig(c)
	raw, err := os.ReadFile(c.String("file"))
	if err != nil {
		return fmt.Errorf("failed to read proof: %w", err)
	}
	var proof bridge.Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return fmt.Errorf("failed to parse proof: %w", err)
	}
	return withBridge(c, cfg, func(ctx context.Context, b *transfer.Bridge) error {
		outcome, err := b.Coordinator.SubmitProof(ctx, &proof)
		if err != nil {
			return err
		}
		return printJSON(c, map[string]any{"outcome": outcome.String(), "dest_tx": outcome.DestTxID})
	})
}

func resume(c *cli.Context) error {
	cfg := loadConfig(c)
	return withBridge(c, cfg, func(ctx context.Context, b *transfer.Bridge) error {
		outcome, err := b.Coordinator.Resume(ctx, c.String("request-id"))
		if err != nil {
			return err
		}
		return printJSON(c, map[string]any{"outcome": outcome.String(), "dest_tx": outcome.DestTxID})
	})
}

func status(c *cli.Context) error {
	cfg := loadConfig(c)
	return withBridge(c, cfg, func(_ context.Context, b *transfer.Bridge) error {
		if id := c.String(optionRequestID.Name); id != "" {
			rec, ok, err := b.Store.Get(id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", bridge.ErrUnknownTransfer, id)
			}
			return printJSON(c, summary(rec))
		}
		recs, err := b.Store.All()
		if err != nil {
			return err
		}
		out := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			out = append(out, summary(rec))
		}
		return printJSON(c, out)
	})
}

func summary(rec *bridge.Record) map[string]any {
	s := map[string]any{
		"request_id": rec.Transfer.ID,
		"direction":  rec.Transfer.Direction.String(),
		"state":      rec.State.String(),
		"source_tx":  rec.Transfer.SourceTxID,
		"updated_at": rec.UpdatedAt,
	}
	if rec.Transfer.Amount != nil {
		s["amount"] = rec.Transfer.Amount.String()
	}
	if rec.Outcome != nil {
		s["outcome"] = rec.Outcome.String()
		s["dest_tx"] = rec.Outcome.DestTxID
	}
	if rec.LastError != "" {
		s["last_error"] = rec.LastError
	}
	return s
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
