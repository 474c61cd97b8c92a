package payload

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CustodianABI covers the EthCustodian entry points and events used by the relayer.
const CustodianABI = `[
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"recipient","type":"string"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"fee","type":"uint256"}],"name":"Deposited","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"recipient","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"fee","type":"uint256"}],"name":"Withdrawn","type":"event"},
	{"inputs":[{"name":"nearRecipientAccountId","type":"string"},{"name":"fee","type":"uint256"}],"name":"depositToNear","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"ethRecipientOnNear","type":"string"},{"name":"fee","type":"uint256"}],"name":"depositToEVM","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"proofData","type":"bytes"},{"name":"proofBlockHeight","type":"uint64"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"","type":"bytes32"}],"name":"usedEvents_","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"nearEvmAccount_","outputs":[{"name":"","type":"bytes"}],"stateMutability":"view","type":"function"}
]`

// EVMSeparator joins the NEAR EVM account and the hex address in the
// recipient of a deposit to the EVM.
const EVMSeparator = ":"

var (
	ErrNotDeposit = errors.New("log is not a Deposited event")

	custodian abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(CustodianABI))
	if err != nil {
		panic(fmt.Sprintf("invalid custodian abi: %v", err))
	}
	custodian = parsed
}

func Custodian() abi.ABI {
	return custodian
}

func DepositedTopic() common.Hash {
	return custodian.Events["Deposited"].ID
}

// Deposit is a decoded Deposited event.
type Deposit struct {
	Sender    common.Address
	Recipient string
	Amount    *big.Int
	Fee       *big.Int
}

func (d Deposit) Payload() bridge.Payload {
	return bridge.Payload{Recipient: []byte(d.Recipient), Amount: d.Amount, Fee: d.Fee}
}

// EVMRecipient is the recipient string the custodian records for a deposit to
// addr inside the NEAR EVM account.
func EVMRecipient(evmAccount string, addr common.Address) string {
	return evmAccount + EVMSeparator + strings.TrimPrefix(strings.ToLower(addr.Hex()), "0x")
}

// SplitEVMRecipient reverses EVMRecipient.
func SplitEVMRecipient(evmAccount, recipient string) (string, bool) {
	prefix := evmAccount + EVMSeparator
	if evmAccount == "" || !strings.HasPrefix(recipient, prefix) {
		return "", false
	}
	hex := strings.TrimPrefix(recipient, prefix)
	if !common.IsHexAddress(hex) {
		return "", false
	}
	return hex, true
}

func DecodeDeposit(l *types.Log) (Deposit, error) {
	ev := custodian.Events["Deposited"]
	if len(l.Topics) != 2 || l.Topics[0] != ev.ID {
		return Deposit{}, ErrNotDeposit
	}
	values, err := ev.Inputs.Unpack(l.Data)
	if err != nil {
		return Deposit{}, fmt.Errorf("failed to unpack Deposited data: %w", err)
	}
	if len(values) != 3 {
		return Deposit{}, fmt.Errorf("unexpected Deposited field count %d", len(values))
	}
	recipient, ok1 := values[0].(string)
	amount, ok2 := values[1].(*big.Int)
	fee, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return Deposit{}, errors.New("unexpected Deposited field types")
	}
	return Deposit{
		Sender:    common.BytesToAddress(l.Topics[1].Bytes()),
		Recipient: recipient,
		Amount:    amount,
		Fee:       fee,
	}, nil
}

// EncodeDeposit builds the log the custodian at addr emits for d.
func EncodeDeposit(addr common.Address, d Deposit) (*types.Log, error) {
	ev := custodian.Events["Deposited"]
	data, err := ev.Inputs.NonIndexed().Pack(d.Recipient, d.Amount, d.Fee)
	if err != nil {
		return nil, fmt.Errorf("failed to pack Deposited data: %w", err)
	}
	return &types.Log{
		Address: addr,
		Topics:  []common.Hash{ev.ID, common.BytesToHash(d.Sender.Bytes())},
		Data:    data,
	}, nil
}
