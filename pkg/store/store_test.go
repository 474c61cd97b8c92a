package store

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *BoltStore {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "db", "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func record(id string, state bridge.State) *bridge.Record {
	return &bridge.Record{
		Transfer: bridge.Transfer{
			ID:         id,
			Direction:  bridge.ToSource,
			Amount:     new(big.Int).Lsh(big.NewInt(1), 100),
			Fee:        big.NewInt(10),
			Recipient:  []byte("alice.near"),
			SourceTxID: "0xabc",
		},
		State: state,
		Confirmed: &bridge.ConfirmedTransaction{
			TxID:              "0xabc",
			BlockHeight:       100,
			BlockHash:         hexutil.Bytes{1, 2},
			ConfirmationDepth: 12,
			Checkpoint:        &bridge.Checkpoint{Height: 101, Hash: hexutil.Bytes{3}},
		},
		Proof: &bridge.Proof{
			TxID:          "0xabc",
			Direction:     bridge.ToSource,
			InclusionPath: []hexutil.Bytes{{4}, {5}},
			Payload:       bridge.Payload{Recipient: hexutil.Bytes("alice.near"), Amount: big.NewInt(990), Fee: big.NewInt(10)},
			Encoded:       hexutil.Bytes{6, 7},
		},
		Outcome:           &bridge.Outcome{Status: bridge.Finalized, DestTxID: "0xdef"},
		InitiateAttempted: true,
		LastError:         "boom",
		UpdatedAt:         time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
	}
}

func TestPutGet(t *testing.T) {
	s := newStore(t)

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	want := record("a", bridge.StateProven)
	require.NoError(t, s.Put(want))
	got, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, want.Transfer.Amount.Cmp(got.Transfer.Amount))
	require.Equal(t, want.State, got.State)
	require.Equal(t, want.Confirmed, got.Confirmed)
	require.Equal(t, want.Proof.Encoded, got.Proof.Encoded)
	require.Equal(t, want.Proof.InclusionPath, got.Proof.InclusionPath)
	require.Equal(t, *want.Outcome, *got.Outcome)
	require.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
	require.True(t, got.InitiateAttempted)
	require.Equal(t, "boom", got.LastError)
}

func TestPutOverwrites(t *testing.T) {
	s := newStore(t)
	rec := record("a", bridge.StateCreated)
	require.NoError(t, s.Put(rec))
	rec.State = bridge.StateInitiated
	require.NoError(t, s.Put(rec))

	got, _, err := s.Get("a")
	require.NoError(t, err)
	require.Equal(t, bridge.StateInitiated, got.State)
}

func TestPending(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put(record("a", bridge.StateCreated)))
	require.NoError(t, s.Put(record("b", bridge.StateFinalized)))
	require.NoError(t, s.Put(record("c", bridge.StateConfirmed)))
	require.NoError(t, s.Put(record("d", bridge.StateFailed)))

	pending, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "a", pending[0].Transfer.ID)
	require.Equal(t, "c", pending[1].Transfer.ID)

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfers.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(record("a", bridge.StateInitiated)))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bridge.TxID("0xabc"), got.Transfer.SourceTxID)
}

func TestPutRequiresID(t *testing.T) {
	s := newStore(t)
	require.Error(t, s.Put(&bridge.Record{}))
}
