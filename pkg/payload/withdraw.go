package payload

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/ethereum/go-ethereum/common"
	"github.com/near/borsh-go"
)

// U128 is a little endian borsh u128.
type U128 [16]byte

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

func NewU128(v *big.Int) (U128, error) {
	var u U128
	if v == nil || v.Sign() < 0 || v.Cmp(maxU128) > 0 {
		return u, fmt.Errorf("value %v does not fit u128", v)
	}
	be := v.FillBytes(make([]byte, 16))
	for i := range be {
		u[15-i] = be[i]
	}
	return u, nil
}

func (u U128) Big() *big.Int {
	be := make([]byte, 16)
	for i := range u {
		be[15-i] = u[i]
	}
	return new(big.Int).SetBytes(be)
}

// WithdrawArgs are the borsh arguments of the connector's withdraw call.
type WithdrawArgs struct {
	Recipient [20]byte
	Amount    U128
	Fee       U128
}

// WithdrawResult is the SuccessValue of the withdraw receipt that the custodian
// verifies on Ethereum.
type WithdrawResult struct {
	Amount    U128
	Fee       U128
	Recipient [20]byte
	Custodian [20]byte
}

func (r WithdrawResult) Payload() bridge.Payload {
	return bridge.Payload{Recipient: r.Recipient[:], Amount: r.Amount.Big(), Fee: r.Fee.Big()}
}

func EncodeWithdrawArgs(recipient common.Address, amount, fee *big.Int) ([]byte, error) {
	a, err := NewU128(amount)
	if err != nil {
		return nil, err
	}
	f, err := NewU128(fee)
	if err != nil {
		return nil, err
	}
	return borsh.Serialize(WithdrawArgs{Recipient: recipient, Amount: a, Fee: f})
}

func DecodeWithdrawArgs(data []byte) (WithdrawArgs, error) {
	var args WithdrawArgs
	if err := borsh.Deserialize(&args, data); err != nil {
		return WithdrawArgs{}, fmt.Errorf("failed to decode withdraw args: %w", err)
	}
	return args, nil
}

func EncodeWithdrawResult(r WithdrawResult) ([]byte, error) {
	return borsh.Serialize(r)
}

func DecodeWithdrawResult(data []byte) (WithdrawResult, error) {
	var r WithdrawResult
	if len(data) != 16+16+20+20 {
		return r, errors.New("withdraw result has unexpected length")
	}
	if err := borsh.Deserialize(&r, data); err != nil {
		return r, fmt.Errorf("failed to decode withdraw result: %w", err)
	}
	return r, nil
}
