package shared

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// TxBackend is the part of ethclient.Client needed to sign and track transactions.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

func CreateTransactOpts(
	ctx context.Context,
	privateKey *ecdsa.PrivateKey,
	srcChainID *big.Int,
	srcClient TxBackend,
) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, srcChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx

	fromAddress := auth.From
	nonce, err := srcClient.PendingNonceAt(ctx, fromAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce: %w", err)
	}
	auth.Nonce = new(big.Int).SetUint64(nonce)

	// Returns priority fee per gas
	gasTip, err := srcClient.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	// Returns priority fee per gas + base fee per gas
	gasPrice, err := srcClient.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	auth.GasFeeCap = gasPrice
	auth.GasTipCap = gasTip
	auth.GasLimit = uint64(3000000)
	return auth, nil
}

// IsAlreadyKnown reports whether a broadcast failed only because the node
// already holds the transaction.
func IsAlreadyKnown(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already known")
}

// WaitMined polls for the receipt of hash until it is available, ctx is done or
// timeout elapses.
func WaitMined(ctx context.Context, client TxBackend, hash common.Hash, interval, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			log.Info().Str("tx", hash.Hex()).Uint64("block", receipt.BlockNumber.Uint64()).
				Msg("transaction included in block")
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Warn().Err(err).Str("tx", hash.Hex()).Msg("failed to get transaction receipt")
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s not included in a block: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func CancelPendingTxes(ctx context.Context, privateKey *ecdsa.PrivateKey, rawClient TxBackend, chainID *big.Int) error {
	if err := cancelAllPendingTransactions(ctx, privateKey, rawClient, chainID); err != nil {
		return err
	}
	idx := 0
	timeoutSec := 60
	for {
		if idx >= timeoutSec {
			return fmt.Errorf("timeout: failed to cancel all pending transactions")
		}
		exist, err := PendingTransactionsExist(ctx, privateKey, rawClient)
		if err != nil {
			return fmt.Errorf("failed to check pending transactions: %w", err)
		}
		if !exist {
			log.Info().Msg("All pending transactions for signing account have been cancelled")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		idx++
	}
}

func cancelAllPendingTransactions(
	ctx context.Context,
	privateKey *ecdsa.PrivateKey,
	rawClient TxBackend,
	chainID *big.Int,
) error {
	fromAddress := crypto.PubkeyToAddress(privateKey.PublicKey)
	currentNonce, err := rawClient.PendingNonceAt(ctx, fromAddress)
	if err != nil {
		return fmt.Errorf("failed to get current pending nonce: %w", err)
	}
	log.Debug().Msgf("Current pending nonce: %d", currentNonce)

	latestNonce, err := rawClient.NonceAt(ctx, fromAddress, nil)
	if err != nil {
		return fmt.Errorf("failed to get latest nonce: %w", err)
	}
	log.Debug().Msgf("Latest nonce: %d", latestNonce)

	if currentNonce <= latestNonce {
		log.Info().Msg("No pending transactions to cancel")
		return nil
	}

	suggestedGasPrice, err := rawClient.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get suggested gas price: %w", err)
	}
	log.Debug().Msgf("Suggested gas price: %s wei", suggestedGasPrice.String())

	for nonce := latestNonce; nonce < currentNonce; nonce++ {
		gasPrice := new(big.Int).Set(suggestedGasPrice)
		const maxRetries = 5
		for retry := 0; retry < maxRetries; retry++ {
			if retry > 0 {
				increase := new(big.Int).Div(gasPrice, big.NewInt(10))
				gasPrice = gasPrice.Add(gasPrice, increase)
				gasPrice = gasPrice.Add(gasPrice, big.NewInt(1))
				log.Debug().Msgf("Increased gas price for retry %d: %s wei", retry, gasPrice.String())
			}

			tx := types.NewTransaction(nonce, fromAddress, big.NewInt(0), 21000, gasPrice, nil)
			signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), privateKey)
			if err != nil {
				return fmt.Errorf("failed to sign cancellation transaction for nonce %d: %w", nonce, err)
			}

			err = rawClient.SendTransaction(ctx, signedTx)
			if err != nil {
				if err.Error() == "replacement transaction underpriced" || IsAlreadyKnown(err) {
					log.Warn().Err(err).Msgf("Retry %d: cancellation for nonce %d not accepted, increasing gas price", retry+1, nonce)
					continue
				}
				return fmt.Errorf("failed to send cancellation transaction for nonce %d: %w", nonce, err)
			}
			log.Info().Msgf("Sent cancel transaction for nonce %d with tx hash: %s, gas price: %s wei", nonce, signedTx.Hash().Hex(), gasPrice.String())
			break
		}
	}
	return nil
}

func PendingTransactionsExist(ctx context.Context, privateKey *ecdsa.PrivateKey, rawClient TxBackend) (bool, error) {
	fromAddress := crypto.PubkeyToAddress(privateKey.PublicKey)
	currentNonce, err := rawClient.PendingNonceAt(ctx, fromAddress)
	if err != nil {
		return false, fmt.Errorf("failed to get current pending nonce: %w", err)
	}

	latestNonce, err := rawClient.NonceAt(ctx, fromAddress, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get latest nonce: %w", err)
	}

	return currentNonce > latestNonce, nil
}
