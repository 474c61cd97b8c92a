package nearchain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/aurora-is-near/eth-connector/pkg/nearproof"
)

var (
	// ErrUnknown is returned when the node does not know the requested block,
	// transaction or receipt.
	ErrUnknown = errors.New("unknown to near node")
	// ErrNotConfirmed is returned while a known transaction or receipt is not
	// in a final block yet.
	ErrNotConfirmed = errors.New("not confirmed by near node")
)

// RPCError is the error object of a NEAR JSON-RPC response.
type RPCError struct {
	Name    string          `json:"name"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Cause   struct {
		Name string          `json:"name"`
		Info json.RawMessage `json:"info"`
	} `json:"cause"`
}

func (e *RPCError) Error() string {
	if e.Cause.Name != "" {
		return fmt.Sprintf("near rpc %s: %s (%s)", e.Name, e.Cause.Name, e.Message)
	}
	return fmt.Sprintf("near rpc error %d: %s %s", e.Code, e.Message, string(e.Data))
}

func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrUnknown:
		switch e.Cause.Name {
		case "UNKNOWN_BLOCK", "UNKNOWN_TRANSACTION", "UNKNOWN_RECEIPT", "UNKNOWN_CHUNK", "UNKNOWN_ACCESS_KEY":
			return true
		}
	case ErrNotConfirmed:
		return e.Cause.Name == "NOT_CONFIRMED"
	}
	return false
}

// transientRPC reports whether the node failed to answer rather than rejected the request.
func (e *RPCError) transientRPC() bool {
	if e.Name == "INTERNAL_ERROR" {
		return true
	}
	switch e.Cause.Name {
	case "TIMEOUT_ERROR", "NO_SYNCED_BLOCKS", "NOT_SYNCED_YET":
		return true
	}
	return false
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client is a NEAR JSON-RPC client. It is safe for concurrent use.
type Client struct {
	url    string
	http   *http.Client
	nextID atomic.Uint64
}

func Dial(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

// call sends method with params. Transport failures and node side hiccups are
// wrapped as transient; other RPC errors are returned as *RPCError.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return bridge.Transient(fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return bridge.Transient(fmt.Errorf("%s: failed to read response: %w", method, err))
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		if resp.StatusCode != http.StatusOK {
			return bridge.Transient(fmt.Errorf("%s: http status %d", method, resp.StatusCode))
		}
		return fmt.Errorf("%s: malformed response: %w", method, err)
	}
	if r.Error != nil {
		if r.Error.transientRPC() {
			return bridge.Transient(fmt.Errorf("%s: %w", method, r.Error))
		}
		return fmt.Errorf("%s: %w", method, r.Error)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}

type BlockHeaderView struct {
	Height   uint64               `json:"height"`
	Hash     nearproof.CryptoHash `json:"hash"`
	PrevHash nearproof.CryptoHash `json:"prev_hash"`
}

type BlockView struct {
	Author string          `json:"author"`
	Header BlockHeaderView `json:"header"`
}

// FinalBlock returns the latest final block.
func (c *Client) FinalBlock(ctx context.Context) (*BlockView, error) {
	var b BlockView
	if err := c.call(ctx, "block", map[string]any{"finality": "final"}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Block returns the block with the given height (uint64) or base58 hash (string).
func (c *Client) Block(ctx context.Context, blockID any) (*BlockView, error) {
	var b BlockView
	if err := c.call(ctx, "block", map[string]any{"block_id": blockID}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) LightClientProof(ctx context.Context, receiptID, receiverID, head string) (*nearproof.LightClientProofView, error) {
	params := map[string]any{
		"type":              "receipt",
		"receipt_id":        receiptID,
		"receiver_id":       receiverID,
		"light_client_head": head,
	}
	var v nearproof.LightClientProofView
	if err := c.call(ctx, "light_client_proof", params, &v); err != nil {
		if errors.Is(err, ErrUnknown) {
			return nil, fmt.Errorf("%w: receipt %s: %w", bridge.ErrTransactionNotFound, receiptID, err)
		}
		return nil, err
	}
	return &v, nil
}

// ViewCall runs a view method of account on the final block.
func (c *Client) ViewCall(ctx context.Context, account, method string, args []byte) ([]byte, error) {
	params := map[string]any{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   account,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(args),
	}
	var r struct {
		Result []int    `json:"result"`
		Logs   []string `json:"logs"`
		Error  string   `json:"error"`
	}
	if err := c.call(ctx, "query", params, &r); err != nil {
		return nil, err
	}
	if r.Error != "" {
		return nil, fmt.Errorf("view %s.%s failed: %s", account, method, r.Error)
	}
	out := make([]byte, len(r.Result))
	for i, v := range r.Result {
		out[i] = byte(v)
	}
	return out, nil
}

type AccessKeyView struct {
	Nonce       uint64               `json:"nonce"`
	BlockHeight uint64               `json:"block_height"`
	BlockHash   nearproof.CryptoHash `json:"block_hash"`
	Error       string               `json:"error"`
}

func (c *Client) ViewAccessKey(ctx context.Context, account, publicKey string) (*AccessKeyView, error) {
	params := map[string]any{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   account,
		"public_key":   publicKey,
	}
	var v AccessKeyView
	if err := c.call(ctx, "query", params, &v); err != nil {
		return nil, err
	}
	if v.Error != "" {
		return nil, fmt.Errorf("access key %s of %s: %s", publicKey, account, v.Error)
	}
	return &v, nil
}

type ExecutionOutcomeView struct {
	ID      nearproof.CryptoHash  `json:"id"`
	Outcome nearproof.OutcomeView `json:"outcome"`
}

// FinalOutcomeView is the result of broadcast_tx_commit and tx.
type FinalOutcomeView struct {
	Status      nearproof.StatusView `json:"status"`
	Transaction struct {
		Hash     nearproof.CryptoHash `json:"hash"`
		SignerID string               `json:"signer_id"`
	} `json:"transaction"`
	TransactionOutcome ExecutionOutcomeView   `json:"transaction_outcome"`
	ReceiptsOutcome    []ExecutionOutcomeView `json:"receipts_outcome"`
}

// BroadcastTxCommit sends a signed transaction and waits for its execution.
func (c *Client) BroadcastTxCommit(ctx context.Context, signedTx []byte) (*FinalOutcomeView, error) {
	var v FinalOutcomeView
	if err := c.call(ctx, "broadcast_tx_commit", []string{base64.StdEncoding.EncodeToString(signedTx)}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// TxStatus looks up a transaction by hash and signer.
func (c *Client) TxStatus(ctx context.Context, txHash, signerID string) (*FinalOutcomeView, error) {
	var v FinalOutcomeView
	if err := c.call(ctx, "tx", []string{txHash, signerID}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// isInvalidTx reports whether the node refused the transaction before execution.
func isInvalidTx(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Cause.Name == "INVALID_TRANSACTION" || strings.Contains(string(rpcErr.Data), "InvalidTxError")
}
