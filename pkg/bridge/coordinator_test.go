package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	records map[string][]byte
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]byte)}
}

func (s *memStore) Get(id string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (s *memStore) Put(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.records[rec.Transfer.ID] = raw
	return nil
}

func (s *memStore) Pending() ([]*Record, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	var out []*Record
	for _, id := range ids {
		rec, _, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if !rec.State.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) state(t *testing.T, id string) State {
	rec, ok, err := s.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	return rec.State
}

// chain simulates both ends of one route.
type chain struct {
	mu sync.Mutex

	initiated   int
	initiateErr []error
	lastTx      TxID
	payloads    map[TxID]Payload

	confirmErr []error
	proofErr   []error
	submitErr  []error
	rejectWith string

	submissions int
	finalized   map[TxID]bool
}

func newChain() *chain {
	return &chain{payloads: make(map[TxID]Payload), finalized: make(map[TxID]bool)}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (c *chain) Initiate(_ context.Context, t Transfer) (TxID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.initiateErr); err != nil {
		return "", err
	}
	c.initiated++
	tx := TxID(fmt.Sprintf("0x%02x", c.initiated))
	c.payloads[tx] = Payload{Recipient: t.Recipient, Amount: t.Amount, Fee: t.Fee}
	c.lastTx = tx
	return tx, nil
}

func (c *chain) AwaitConfirmation(_ context.Context, tx TxID, required uint64) (ConfirmedTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.confirmErr); err != nil {
		return ConfirmedTransaction{}, err
	}
	if _, ok := c.payloads[tx]; !ok {
		return ConfirmedTransaction{}, ErrTransactionNotFound
	}
	return ConfirmedTransaction{TxID: tx, BlockHeight: 100, BlockHash: []byte{1}, ConfirmationDepth: required}, nil
}

func (c *chain) BuildProof(_ context.Context, confirmed ConfirmedTransaction) (*Proof, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.proofErr); err != nil {
		return nil, err
	}
	p := c.payloads[confirmed.TxID]
	return &Proof{
		TxID:        confirmed.TxID,
		BlockHeight: confirmed.BlockHeight,
		Payload:     p,
		Encoded:     []byte(confirmed.TxID),
	}, nil
}

func (c *chain) IsFinalized(_ context.Context, proof *Proof) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized[proof.TxID], nil
}

func (c *chain) Submit(_ context.Context, proof *Proof) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := pop(&c.submitErr); err != nil {
		return Outcome{}, err
	}
	c.submissions++
	if c.rejectWith != "" {
		return Outcome{Status: Rejected, Reason: c.rejectWith}, nil
	}
	if c.finalized[proof.TxID] {
		return Outcome{Status: AlreadyFinalized}, nil
	}
	c.finalized[proof.TxID] = true
	return Outcome{Status: Finalized, DestTxID: "dest-" + string(proof.TxID)}, nil
}

func newTestCoordinator(t *testing.T, store Store, c *chain) *Coordinator {
	t.Helper()
	coord, err := NewCoordinator(store, []Route{{
		Direction:             ToDestination,
		Initiator:             c,
		Tracker:               c,
		Builder:               c,
		Submitter:             c,
		RequiredConfirmations: 12,
	}}, WithRetry(RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}))
	require.NoError(t, err)
	return coord
}

func deposit(id string, amount, fee int64) Transfer {
	return Transfer{
		ID:        id,
		Direction: ToDestination,
		Amount:    big.NewInt(amount),
		Fee:       big.NewInt(fee),
		Recipient: []byte("alice.near"),
	}
}

func TestExecuteInvalidAmount(t *testing.T) {
	store := newMemStore()
	c := newChain()
	coord := newTestCoordinator(t, store, c)

	for _, tr := range []Transfer{deposit("a", 0, 0), deposit("b", 10, 11), deposit("c", -1, 0)} {
		_, err := coord.Execute(context.Background(), tr)
		require.ErrorIs(t, err, ErrInvalidAmount)
	}
	assert.Zero(t, c.initiated)
	assert.Empty(t, store.records)
}

func TestExecuteFinalizesAndResubmitIsAlreadyFinalized(t *testing.T) {
	store := newMemStore()
	c := newChain()
	coord := newTestCoordinator(t, store, c)

	out, err := coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)
	assert.Equal(t, StateFinalized, store.state(t, "req-1"))
	assert.Equal(t, 1, c.initiated)

	rec, _, err := store.Get("req-1")
	require.NoError(t, err)
	require.NotNil(t, rec.Proof)
	assert.Equal(t, int64(1000), rec.Proof.Payload.Amount.Int64())
	assert.Equal(t, int64(10), rec.Proof.Payload.Fee.Int64())

	again, err := coord.SubmitProof(context.Background(), rec.Proof)
	require.NoError(t, err)
	assert.Equal(t, AlreadyFinalized, again.Status)
	assert.Equal(t, 1, c.submissions)
}

func TestExecuteSameRequestIsIdempotent(t *testing.T) {
	store := newMemStore()
	c := newChain()
	coord := newTestCoordinator(t, store, c)

	_, err := coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.NoError(t, err)
	out, err := coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)
	assert.Equal(t, 1, c.initiated)

	_, err = coord.Execute(context.Background(), deposit("req-1", 999, 10))
	require.ErrorIs(t, err, ErrRequestConflict)
}

func TestResumeFromStoredSourceTx(t *testing.T) {
	store := newMemStore()
	c := newChain()
	c.confirmErr = []error{context.DeadlineExceeded}
	coord := newTestCoordinator(t, store, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := coord.Execute(ctx, deposit("req-1", 1000, 10))
	require.Error(t, err)
	assert.Equal(t, StateInitiated, store.state(t, "req-1"))

	rec, _, err := store.Get("req-1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Transfer.SourceTxID)
	assert.NotEmpty(t, rec.LastError)

	out, err := coord.Resume(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)
	assert.Equal(t, 1, c.initiated)
}

func TestResumeUnknownTransfer(t *testing.T) {
	coord := newTestCoordinator(t, newMemStore(), newChain())
	_, err := coord.Resume(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestRejectedIsNotRetried(t *testing.T) {
	store := newMemStore()
	c := newChain()
	c.rejectWith = "ERR_VERIFY_PROOF"
	coord := newTestCoordinator(t, store, c)

	out, err := coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, Rejected, out.Status)
	assert.Equal(t, 1, c.submissions)
	assert.Equal(t, StateFailed, store.state(t, "req-1"))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepSubmit, stepErr.Step)
	assert.Equal(t, TxID("0x01"), stepErr.TxID)

	_, err = coord.Resume(context.Background(), "req-1")
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, c.submissions)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	store := newMemStore()
	c := newChain()
	rpcErr := Transient(errors.New("connection reset"))
	c.initiateErr = []error{rpcErr}
	c.confirmErr = []error{rpcErr, rpcErr}
	c.proofErr = []error{rpcErr}
	c.submitErr = []error{rpcErr}
	coord := newTestCoordinator(t, store, c)

	out, err := coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)
	assert.Equal(t, 1, c.initiated)
	assert.Equal(t, 1, c.submissions)
}

func TestExhaustedRetriesLeaveTransferResumable(t *testing.T) {
	store := newMemStore()
	c := newChain()
	rpcErr := Transient(errors.New("503"))
	c.submitErr = []error{rpcErr, rpcErr, rpcErr, rpcErr}
	coord := newTestCoordinator(t, store, c)

	_, err := coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.ErrorIs(t, err, ErrTransientRPC)
	assert.Equal(t, StateProven, store.state(t, "req-1"))

	out, err := coord.Resume(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)
}

func TestTransactionNotFoundFails(t *testing.T) {
	store := newMemStore()
	c := newChain()
	c.confirmErr = []error{fmt.Errorf("%w: reorged out", ErrTransactionNotFound)}
	coord := newTestCoordinator(t, store, c)

	_, err := coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Equal(t, StateFailed, store.state(t, "req-1"))
}

type countingBuilder struct {
	calls int
	err   error
	next  ProofBuilder
}

func (b *countingBuilder) BuildProof(ctx context.Context, confirmed ConfirmedTransaction) (*Proof, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return b.next.BuildProof(ctx, confirmed)
}

func newFallbackCoordinator(t *testing.T, store Store, c *chain, builders ...ProofBuilder) *Coordinator {
	t.Helper()
	coord, err := NewCoordinator(store, []Route{{
		Direction: ToDestination, Initiator: c, Tracker: c, Builder: FallbackBuilder(builders), Submitter: c,
	}}, WithRetry(RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}))
	require.NoError(t, err)
	return coord
}

func TestProofConstructionIsNotRetriedAgainstSameSource(t *testing.T) {
	store := newMemStore()
	c := newChain()
	pruned := &countingBuilder{err: fmt.Errorf("%w: receipt pruned", ErrProofConstruction)}
	coord := newFallbackCoordinator(t, store, c, pruned)

	_, err := coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.ErrorIs(t, err, ErrProofConstruction)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepBuildProof, stepErr.Step)
	assert.Equal(t, 1, pruned.calls)
	assert.Zero(t, c.submissions)

	// the locked funds stay recoverable once an archive source is available
	assert.Equal(t, StateConfirmed, store.state(t, "req-1"))
	archive := &countingBuilder{next: c}
	coord = newFallbackCoordinator(t, store, c, pruned, archive)
	out, err := coord.Resume(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)
	assert.Equal(t, 2, pruned.calls)
	assert.Equal(t, 1, archive.calls)
	assert.Equal(t, 1, c.initiated)
}

func TestTransientProofFailureIsRetried(t *testing.T) {
	store := newMemStore()
	c := newChain()
	c.proofErr = []error{Transient(errors.New("connection reset")), Transient(errors.New("connection reset"))}
	primary := &countingBuilder{next: c}
	coord := newFallbackCoordinator(t, store, c, primary)

	out, err := coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)
	assert.Equal(t, 3, primary.calls)
}

type mismatchBuilder struct{ *chain }

func (m mismatchBuilder) BuildProof(ctx context.Context, confirmed ConfirmedTransaction) (*Proof, error) {
	p, err := m.chain.BuildProof(ctx, confirmed)
	if err != nil {
		return nil, err
	}
	p.Payload.Amount = big.NewInt(1)
	return p, nil
}

func TestPayloadMismatchFails(t *testing.T) {
	store := newMemStore()
	c := newChain()
	coord, err := NewCoordinator(store, []Route{{
		Direction: ToDestination, Initiator: c, Tracker: c, Builder: mismatchBuilder{c}, Submitter: c,
	}})
	require.NoError(t, err)

	_, err = coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.ErrorIs(t, err, ErrPayloadMismatch)
	assert.Equal(t, StateFailed, store.state(t, "req-1"))
	assert.Zero(t, c.submissions)
}

func TestInterruptedInitiationIsNotRepeated(t *testing.T) {
	store := newMemStore()
	c := newChain()
	coord := newTestCoordinator(t, store, c)

	// a crash after the intent was stored but before the tx id was
	require.NoError(t, store.Put(&Record{Transfer: deposit("req-1", 1000, 10), State: StateCreated, InitiateAttempted: true}))

	_, err := coord.Resume(context.Background(), "req-1")
	require.ErrorIs(t, err, ErrInitiationUnknown)
	assert.Zero(t, c.initiated)
	assert.Equal(t, StateCreated, store.state(t, "req-1"))

	// the operator found the broadcast transaction
	c.payloads["0xabc"] = Payload{Recipient: []byte("alice.near"), Amount: big.NewInt(1000), Fee: big.NewInt(10)}
	out, err := coord.Relay(context.Background(), "req-1", ToDestination, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)
	assert.Zero(t, c.initiated)
}

func TestTransientInitiationCanBeRepeated(t *testing.T) {
	store := newMemStore()
	c := newChain()
	rpcErr := Transient(errors.New("dial tcp: refused"))
	c.initiateErr = []error{rpcErr, rpcErr, rpcErr, rpcErr}
	coord := newTestCoordinator(t, store, c)

	_, err := coord.Execute(context.Background(), deposit("req-1", 1000, 10))
	require.ErrorIs(t, err, ErrTransientRPC)

	rec, _, err := store.Get("req-1")
	require.NoError(t, err)
	assert.False(t, rec.InitiateAttempted)

	out, err := coord.Resume(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)
	assert.Equal(t, 1, c.initiated)
}

func TestRelayLearnsPayloadFromProof(t *testing.T) {
	store := newMemStore()
	c := newChain()
	c.payloads["0xfeed"] = Payload{Recipient: []byte("bob.near"), Amount: big.NewInt(500), Fee: big.NewInt(5)}
	coord := newTestCoordinator(t, store, c)

	out, err := coord.Relay(context.Background(), "relay-1", ToDestination, "0xfeed")
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)

	rec, _, err := store.Get("relay-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), rec.Transfer.Amount.Int64())
	assert.Equal(t, []byte("bob.near"), rec.Transfer.Recipient)

	_, err = coord.Relay(context.Background(), "relay-1", ToDestination, "0xother")
	require.ErrorIs(t, err, ErrRequestConflict)
}

func TestProveThenSubmit(t *testing.T) {
	c := newChain()
	c.payloads["0x01"] = Payload{Recipient: []byte("alice.near"), Amount: big.NewInt(1), Fee: big.NewInt(0)}
	coord := newTestCoordinator(t, newMemStore(), c)

	proof, err := coord.Prove(context.Background(), ToDestination, "0x01")
	require.NoError(t, err)
	again, err := coord.Prove(context.Background(), ToDestination, "0x01")
	require.NoError(t, err)
	assert.Equal(t, proof, again)

	out, err := coord.SubmitProof(context.Background(), proof)
	require.NoError(t, err)
	assert.Equal(t, Finalized, out.Status)

	_, err = coord.Prove(context.Background(), ToSource, "0x01")
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestPersistFailureKeepsState(t *testing.T) {
	store := newMemStore()
	c := newChain()
	coord := newTestCoordinator(t, store, c)
	require.NoError(t, store.Put(&Record{Transfer: deposit("req-1", 1000, 10), State: StateCreated}))
	store.putErr = errors.New("disk full")

	_, err := coord.Resume(context.Background(), "req-1")
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepPersist, stepErr.Step)

	store.putErr = nil
	assert.Equal(t, StateCreated, store.state(t, "req-1"))
}

func TestNewCoordinatorValidatesRoutes(t *testing.T) {
	c := newChain()
	_, err := NewCoordinator(nil, nil)
	require.Error(t, err)

	_, err = NewCoordinator(newMemStore(), []Route{{Direction: ToSource, Initiator: c, Tracker: c, Builder: c}})
	require.Error(t, err)

	r := Route{Direction: ToSource, Initiator: c, Tracker: c, Builder: c, Submitter: c}
	_, err = NewCoordinator(newMemStore(), []Route{r, r})
	require.Error(t, err)
}
