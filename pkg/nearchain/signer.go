package nearchain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/payload"
	"github.com/cenkalti/backoff/v4"
	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"
	"github.com/rs/zerolog/log"
)

const ed25519Prefix = "ed25519:"

// errBroadcastUnknown means a transaction may or may not have been executed.
var errBroadcastUnknown = errors.New("transaction outcome unknown")

type PublicKey struct {
	KeyType uint8
	Data    [32]byte
}

type Signature struct {
	KeyType uint8
	Data    [64]byte
}

type Action struct {
	Enum           borsh.Enum `borsh_enum:"true"`
	CreateAccount  CreateAccount
	DeployContract DeployContract
	FunctionCall   FunctionCall
}

type CreateAccount struct{}

type DeployContract struct {
	Code []byte
}

type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    payload.U128
}

const actionFunctionCall borsh.Enum = 2

type Transaction struct {
	SignerID   string
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

type SignedTransaction struct {
	Transaction Transaction
	Signature   Signature
}

// Signer holds a NEAR full access key.
type Signer struct {
	AccountID  string
	privateKey ed25519.PrivateKey
}

type credentials struct {
	AccountID  string `json:"account_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	SecretKey  string `json:"secret_key"`
}

func NewSigner(accountID string, privateKey ed25519.PrivateKey) *Signer {
	return &Signer{AccountID: accountID, privateKey: privateKey}
}

// LoadSigner reads a near-cli credentials file.
func LoadSigner(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read near credentials: %w", err)
	}
	var creds credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse near credentials %s: %w", path, err)
	}
	secret := creds.PrivateKey
	if secret == "" {
		secret = creds.SecretKey
	}
	key, err := ParsePrivateKey(secret)
	if err != nil {
		return nil, fmt.Errorf("near credentials %s: %w", path, err)
	}
	if creds.AccountID == "" {
		return nil, fmt.Errorf("near credentials %s: account_id is missing", path)
	}
	s := NewSigner(creds.AccountID, key)
	if creds.PublicKey != "" && creds.PublicKey != s.PublicKey() {
		return nil, fmt.Errorf("near credentials %s: public key does not match private key", path)
	}
	return s, nil
}

func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	if !strings.HasPrefix(s, ed25519Prefix) {
		return nil, fmt.Errorf("unsupported key type in %q", strings.SplitN(s, ":", 2)[0])
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, ed25519Prefix))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("invalid private key length %d", len(raw))
	}
}

func (s *Signer) publicKey() PublicKey {
	var pk PublicKey
	copy(pk.Data[:], s.privateKey.Public().(ed25519.PublicKey))
	return pk
}

// PublicKey returns the key in its "ed25519:<base58>" form.
func (s *Signer) PublicKey() string {
	pk := s.publicKey()
	return ed25519Prefix + base58.Encode(pk.Data[:])
}

// SignFunctionCall returns the borsh encoded signed transaction and its hash.
func (s *Signer) SignFunctionCall(receiver string, call FunctionCall, nonce uint64, blockHash [32]byte) ([]byte, [32]byte, error) {
	tx := Transaction{
		SignerID:   s.AccountID,
		PublicKey:  s.publicKey(),
		Nonce:      nonce,
		ReceiverID: receiver,
		BlockHash:  blockHash,
		Actions:    []Action{{Enum: actionFunctionCall, FunctionCall: call}},
	}
	data, err := borsh.Serialize(tx)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	hash := sha256.Sum256(data)

	signed := SignedTransaction{Transaction: tx}
	copy(signed.Signature.Data[:], ed25519.Sign(s.privateKey, hash[:]))
	out, err := borsh.Serialize(signed)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("failed to serialize signed transaction: %w", err)
	}
	return out, hash, nil
}

// sender serializes the transactions of one signer so nonces never collide.
type sender struct {
	client RPC
	signer *Signer

	mu             sync.Mutex
	statusRetries  uint64
	statusInterval time.Duration
}

func newSender(client RPC, signer *Signer) *sender {
	return &sender{client: client, signer: signer, statusRetries: 5, statusInterval: 2 * time.Second}
}

// functionCall signs and executes a single function call. On an ambiguous
// broadcast the transaction is looked up by hash before errBroadcastUnknown is
// returned together with the hash.
func (s *sender) functionCall(ctx context.Context, receiver, method string, args []byte, gas uint64, deposit *big.Int) (*FinalOutcomeView, string, error) {
	amount, err := payload.NewU128(deposit)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.client.ViewAccessKey(ctx, s.signer.AccountID, s.signer.PublicKey())
	if err != nil {
		return nil, "", err
	}
	signed, hash, err := s.signer.SignFunctionCall(receiver,
		FunctionCall{MethodName: method, Args: args, Gas: gas, Deposit: amount},
		key.Nonce+1, key.BlockHash)
	if err != nil {
		return nil, "", err
	}
	txHash := base58.Encode(hash[:])
	log.Info().Str("tx", txHash).Str("receiver", receiver).Str("method", method).
		Uint64("nonce", key.Nonce+1).Msg("near tx signed, broadcasting")

	outcome, err := s.client.BroadcastTxCommit(ctx, signed)
	if err == nil {
		return outcome, txHash, nil
	}
	if isInvalidTx(err) || ctx.Err() != nil {
		return nil, txHash, err
	}
	log.Warn().Err(err).Str("tx", txHash).Msg("near broadcast outcome unknown, looking transaction up")

	lookup := func() error {
		outcome, err = s.client.TxStatus(ctx, txHash, s.signer.AccountID)
		if err != nil && !errors.Is(err, ErrUnknown) && !bridge.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.statusInterval), s.statusRetries), ctx)
	if lerr := backoff.Retry(lookup, b); lerr != nil {
		return nil, txHash, fmt.Errorf("%w: tx %s: %w", errBroadcastUnknown, txHash, lerr)
	}
	return outcome, txHash, nil
}
