package ethchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/aurora-is-near/eth-connector/pkg/shared"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Initiator locks ETH in the custodian for a deposit to NEAR or to the NEAR EVM.
type Initiator struct {
	client     Client
	privateKey *ecdsa.PrivateKey
	chainID    *big.Int
	custodian  *bind.BoundContract
	evmAccount string
}

// NewInitiator returns an Initiator. Recipients of the form
// "<evmAccount>:<hex address>" are deposited to the EVM.
func NewInitiator(client Client, privateKey *ecdsa.PrivateKey, chainID *big.Int, custodian common.Address, evmAccount string) *Initiator {
	return &Initiator{
		client:     client,
		privateKey: privateKey,
		chainID:    chainID,
		custodian:  bind.NewBoundContract(custodian, payload.Custodian(), client, client, client),
		evmAccount: evmAccount,
	}
}

func (i *Initiator) Initiate(ctx context.Context, t bridge.Transfer) (bridge.TxID, error) {
	recipient := string(t.Recipient)
	method, arg := "depositToNear", recipient
	if hex, ok := payload.SplitEVMRecipient(i.evmAccount, recipient); ok {
		method, arg = "depositToEVM", hex
	}

	opts, err := shared.CreateTransactOpts(ctx, i.privateKey, i.chainID, i.client)
	if err != nil {
		return "", transient("transact opts", err)
	}
	// Important: tx value must match amount in transfer!
	opts.Value = t.Amount
	opts.NoSend = true

	tx, err := i.custodian.Transact(opts, method, arg, t.Fee)
	if err != nil {
		return "", fmt.Errorf("failed to build %s tx: %w", method, err)
	}
	txID := bridge.TxID(tx.Hash().Hex())
	log.Info().Str("tx", tx.Hash().Hex()).Str("method", method).Str("recipient", recipient).
		Str("amount", t.Amount.String()).Str("fee", t.Fee.String()).Msg("deposit tx signed, broadcasting")

	err = i.client.SendTransaction(ctx, tx)
	switch {
	case err == nil, shared.IsAlreadyKnown(err):
	case rejectedByNode(err):
		return "", fmt.Errorf("deposit tx %s rejected by node: %w", txID, err)
	default:
		// the node may have received it; the tracker decides
		log.Warn().Err(err).Str("tx", string(txID)).Msg("deposit broadcast outcome unknown")
	}
	return txID, nil
}
