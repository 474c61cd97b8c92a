package ethchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/aurora-is-near/eth-connector/pkg/shared"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// reusedProof is the custodian's revert message for an already used receipt.
const reusedProof = "cannot be reused"

// Submitter finalizes withdrawals through the custodian's withdraw entry point.
type Submitter struct {
	client       Client
	privateKey   *ecdsa.PrivateKey
	chainID      *big.Int
	address      common.Address
	custodian    *bind.BoundContract
	pollInterval time.Duration
	mineTimeout  time.Duration
}

func NewSubmitter(client Client, privateKey *ecdsa.PrivateKey, chainID *big.Int, custodian common.Address) *Submitter {
	return &Submitter{
		client:       client,
		privateKey:   privateKey,
		chainID:      chainID,
		address:      custodian,
		custodian:    bind.NewBoundContract(custodian, payload.Custodian(), client, client, client),
		pollInterval: 5 * time.Second,
		mineTimeout:  5 * time.Minute,
	}
}

// IsFinalized reads the custodian's used-events record for the proof's receipt id.
func (s *Submitter) IsFinalized(ctx context.Context, proof *bridge.Proof) (bool, error) {
	if len(proof.ReplayKey) != 32 {
		return false, fmt.Errorf("%w: proof of %s has no replay key", bridge.ErrRejected, proof.TxID)
	}
	var key [32]byte
	copy(key[:], proof.ReplayKey)

	var out []interface{}
	if err := s.custodian.Call(&bind.CallOpts{Context: ctx}, &out, "usedEvents_", key); err != nil {
		return false, transient("usedEvents_", err)
	}
	if len(out) == 0 {
		return false, errors.New("empty usedEvents_ result")
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected usedEvents_ result %T", out[0])
	}
	return used, nil
}

func (s *Submitter) Submit(ctx context.Context, proof *bridge.Proof) (bridge.Outcome, error) {
	if outcome, done, err := s.simulate(ctx, proof); err != nil || done {
		return outcome, err
	}

	opts, err := shared.CreateTransactOpts(ctx, s.privateKey, s.chainID, s.client)
	if err != nil {
		return bridge.Outcome{}, transient("transact opts", err)
	}
	opts.NoSend = true
	tx, err := s.custodian.Transact(opts, "withdraw", []byte(proof.Encoded), proof.TrustedHeight)
	if err != nil {
		return bridge.Outcome{}, transient("build withdraw tx", err)
	}
	log.Info().Str("tx", tx.Hash().Hex()).Str("receipt", string(proof.TxID)).
		Uint64("proof_height", proof.TrustedHeight).Msg("withdraw tx signed, broadcasting")

	if err := s.client.SendTransaction(ctx, tx); err != nil && !shared.IsAlreadyKnown(err) {
		if rejectedByNode(err) {
			return bridge.Outcome{}, transient("send withdraw tx", err)
		}
		log.Warn().Err(err).Str("tx", tx.Hash().Hex()).Msg("withdraw broadcast outcome unknown, waiting for it")
	}

	receipt, err := shared.WaitMined(ctx, s.client, tx.Hash(), s.pollInterval, s.mineTimeout)
	if err != nil {
		return bridge.Outcome{}, transient("wait for withdraw tx", err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return bridge.Outcome{Status: bridge.Finalized, DestTxID: tx.Hash().Hex()}, nil
	}

	// mined but reverted: another relayer may have won the race
	used, err := s.IsFinalized(ctx, proof)
	if err != nil {
		return bridge.Outcome{}, err
	}
	if used {
		return bridge.Outcome{Status: bridge.AlreadyFinalized, DestTxID: tx.Hash().Hex()}, nil
	}
	if outcome, done, err := s.simulate(ctx, proof); err != nil || done {
		return outcome, err
	}
	return bridge.Outcome{
		Status:   bridge.Rejected,
		Reason:   fmt.Sprintf("withdraw tx %s reverted", tx.Hash().Hex()),
		DestTxID: tx.Hash().Hex(),
	}, nil
}

// simulate runs withdraw as a call. done is set when the call reverts, which
// decides the outcome without spending gas.
func (s *Submitter) simulate(ctx context.Context, proof *bridge.Proof) (bridge.Outcome, bool, error) {
	data, err := payload.Custodian().Pack("withdraw", []byte(proof.Encoded), proof.TrustedHeight)
	if err != nil {
		return bridge.Outcome{}, false, fmt.Errorf("failed to pack withdraw: %w", err)
	}
	msg := ethereum.CallMsg{
		From: crypto.PubkeyToAddress(s.privateKey.PublicKey),
		To:   &s.address,
		Data: data,
	}
	if _, err := s.client.CallContract(ctx, msg, nil); err != nil {
		reason, reverted := revertReason(err)
		if !reverted {
			return bridge.Outcome{}, false, transient("simulate withdraw", err)
		}
		if strings.Contains(reason, reusedProof) {
			return bridge.Outcome{Status: bridge.AlreadyFinalized, Reason: reason}, true, nil
		}
		log.Warn().Str("receipt", string(proof.TxID)).Str("reason", reason).Msg("custodian rejected withdraw proof")
		return bridge.Outcome{Status: bridge.Rejected, Reason: reason}, true, nil
	}
	return bridge.Outcome{}, false, nil
}
