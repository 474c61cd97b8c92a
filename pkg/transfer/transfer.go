package transfer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/config"
	"github.com/aurora-is-near/eth-connector/pkg/ethchain"
	"github.com/aurora-is-near/eth-connector/pkg/ethproof"
	"github.com/aurora-is-near/eth-connector/pkg/metrics"
	"github.com/aurora-is-near/eth-connector/pkg/nearchain"
	"github.com/aurora-is-near/eth-connector/pkg/nearproof"
	"github.com/aurora-is-near/eth-connector/pkg/store"
	"github.com/aurora-is-near/eth-connector/pkg/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/sha3"
)

// Deps are the dialed clients and keys both routes share.
type Deps struct {
	Eth        ethchain.Client
	EthArchive ethchain.Client
	EthKey     *ecdsa.PrivateKey
	EthChainID *big.Int

	Near        nearchain.RPC
	NearArchive nearchain.RPC
	NearSigner  *nearchain.Signer
}

// NewDepositRoute wires Ethereum -> NEAR: lock in the custodian, wait for the
// eth client on NEAR to reach the block, prove the receipt, call deposit.
func NewDepositRoute(cfg config.Config, d Deps) bridge.Route {
	custodian := common.HexToAddress(cfg.EthCustodianAddr)
	builders := bridge.FallbackBuilder{ethproof.NewBuilder(d.Eth, custodian, cfg.EthReceiptsConcurrency)}
	if d.EthArchive != nil {
		builders = append(builders, ethproof.NewBuilder(d.EthArchive, custodian, cfg.EthReceiptsConcurrency))
	}
	return bridge.Route{
		Direction: bridge.ToDestination,
		Initiator: ethchain.NewInitiator(d.Eth, d.EthKey, d.EthChainID, custodian, cfg.NearEVMAccount),
		Tracker: tracker.New("ethereum",
			ethchain.NewReader(d.Eth),
			nearchain.NewCheckpointReader(d.Near, cfg.NearEthClientAccount),
			tracker.Config{PollInterval: cfg.PollInterval}),
		Builder:               builders,
		Submitter:             nearchain.NewSubmitter(d.Near, d.NearSigner, cfg.NearConnectorAccount),
		RequiredConfirmations: cfg.EthConfirmations(),
	}
}

// NewWithdrawRoute wires NEAR -> Ethereum: burn through the connector, wait for
// the NEAR light client on Ethereum to pass the outcome block, prove the
// receipt outcome, call the custodian's withdraw.
func NewWithdrawRoute(cfg config.Config, d Deps) bridge.Route {
	custodian := common.HexToAddress(cfg.EthCustodianAddr)
	builders := bridge.FallbackBuilder{nearproof.NewBuilder(d.Near, cfg.NearConnectorAccount, custodian)}
	if d.NearArchive != nil {
		builders = append(builders, nearproof.NewBuilder(d.NearArchive, cfg.NearConnectorAccount, custodian))
	}
	return bridge.Route{
		Direction: bridge.ToSource,
		Initiator: nearchain.NewInitiator(d.Near, d.NearSigner, cfg.NearConnectorAccount),
		Tracker: tracker.New("near",
			nearchain.NewReader(d.Near, cfg.NearConnectorAccount),
			ethchain.NewCheckpointReader(d.Eth, common.HexToAddress(cfg.EthNearBridgeAddr)),
			// the light client head must be past the outcome block
			tracker.Config{PollInterval: cfg.PollInterval, CheckpointMargin: 1}),
		Builder:               builders,
		Submitter:             ethchain.NewSubmitter(d.Eth, d.EthKey, d.EthChainID, custodian),
		RequiredConfirmations: cfg.NearRequiredConfs,
	}
}

func retryConfig(cfg config.Config) bridge.RetryConfig {
	retry := bridge.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryInitialInterval > 0 {
		retry.InitialInterval = cfg.RetryInitialInterval
	}
	if cfg.RetryMaxInterval > 0 {
		retry.MaxInterval = cfg.RetryMaxInterval
	}
	return retry
}

// Bridge is a ready to use coordinator with both routes and its resources.
type Bridge struct {
	Coordinator *bridge.Coordinator
	Store       *store.BoltStore
	Metrics     *metrics.Metrics
	Deps        Deps

	ethClients []*ethclient.Client
}

// Setup dials both chains once and builds the coordinator. reg may be nil.
func Setup(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*Bridge, error) {
	b := &Bridge{}
	if err := b.commonSetup(ctx, cfg); err != nil {
		return nil, errors.Join(err, b.Close())
	}

	dbPath, err := config.ExpandHome(cfg.DBPath)
	if err != nil {
		return nil, errors.Join(err, b.Close())
	}
	if b.Store, err = store.NewBoltStore(dbPath); err != nil {
		return nil, errors.Join(err, b.Close())
	}

	if reg != nil {
		var reporter metrics.Reporter
		if cfg.DatadogAPIKey != "" {
			reporter = metrics.NewDatadogReporter(cfg.DatadogAPIKey, cfg.DatadogAppKey)
		}
		if b.Metrics, err = metrics.New(reg, reporter); err != nil {
			return nil, errors.Join(err, b.Close())
		}
	}

	routes := []bridge.Route{NewDepositRoute(cfg, b.Deps), NewWithdrawRoute(cfg, b.Deps)}
	b.Coordinator, err = bridge.NewCoordinator(b.Store, routes,
		bridge.WithRetry(retryConfig(cfg)), bridge.WithMetrics(b.Metrics))
	if err != nil {
		return nil, errors.Join(err, b.Close())
	}
	return b, nil
}

func (b *Bridge) commonSetup(ctx context.Context, cfg config.Config) error {
	privateKey, err := config.LoadEthKey(cfg.EthPrivKeyFile)
	if err != nil {
		return err
	}
	log.Info().Msg("Signing address used for transactions on Ethereum: " + SigningAddress(privateKey).Hex())

	ethClient, err := ethclient.DialContext(ctx, cfg.EthRPCUrl)
	if err != nil {
		return fmt.Errorf("failed to dial eth rpc: %w", err)
	}
	b.ethClients = append(b.ethClients, ethClient)
	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get eth chain id: %w", err)
	}
	log.Debug().Msg("Eth chain id: " + chainID.String())

	b.Deps = Deps{Eth: ethClient, EthKey: privateKey, EthChainID: chainID}
	if cfg.EthArchiveRPCUrl != "" {
		archive, err := ethclient.DialContext(ctx, cfg.EthArchiveRPCUrl)
		if err != nil {
			return fmt.Errorf("failed to dial eth archive rpc: %w", err)
		}
		b.ethClients = append(b.ethClients, archive)
		b.Deps.EthArchive = archive
	}

	credentials, err := config.ExpandHome(cfg.NearCredentialsFile)
	if err != nil {
		return err
	}
	if b.Deps.NearSigner, err = nearchain.LoadSigner(credentials); err != nil {
		return err
	}
	log.Info().Str("account", b.Deps.NearSigner.AccountID).Str("public_key", b.Deps.NearSigner.PublicKey()).
		Msg("Signing account used for transactions on NEAR")
	b.Deps.Near = nearchain.Dial(cfg.NearRPCUrl, 0)
	if cfg.NearArchiveRPCUrl != "" {
		b.Deps.NearArchive = nearchain.Dial(cfg.NearArchiveRPCUrl, 0)
	}
	return nil
}

// SigningAddress derives the Ethereum address of privateKey.
func SigningAddress(privateKey *ecdsa.PrivateKey) common.Address {
	pubKeyBytes := crypto.FromECDSAPub(&privateKey.PublicKey)
	hash := sha3.NewLegacyKeccak256()
	hash.Write(pubKeyBytes[1:])
	return common.BytesToAddress(hash.Sum(nil)[12:])
}

func (b *Bridge) Close() error {
	var errs []error
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	for _, c := range b.ethClients {
		c.Close()
	}
	return errors.Join(errs...)
}
