package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aurora-is-near/eth-connector/pkg/bridge"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var bucketTransfers = []byte("transfers")

// BoltStore keeps transfer records in a bbolt file, cbor encoded.
type BoltStore struct {
	db  *bolt.DB
	enc cbor.EncMode
}

func NewBoltStore(dbFile string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbFile), 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt DB %s: %w", dbFile, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTransfers)
		return err
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create db buckets: %w", err), db.Close())
	}
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return &BoltStore{db: db, enc: enc}, nil
}

func (s *BoltStore) Get(id string) (*bridge.Record, bool, error) {
	var rec *bridge.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTransfers).Get([]byte(id))
		if data == nil {
			return nil
		}
		rec = &bridge.Record{}
		if err := cbor.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("failed to decode transfer %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, rec != nil, nil
}

func (s *BoltStore) Put(rec *bridge.Record) error {
	if rec.Transfer.ID == "" {
		return errors.New("transfer record without id")
	}
	data, err := s.enc.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode transfer %s: %w", rec.Transfer.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransfers).Put([]byte(rec.Transfer.ID), data)
	})
}

func (s *BoltStore) Pending() ([]*bridge.Record, error) {
	return s.list(func(r *bridge.Record) bool { return !r.State.Terminal() })
}

// All returns every stored record ordered by id.
func (s *BoltStore) All() ([]*bridge.Record, error) {
	return s.list(func(*bridge.Record) bool { return true })
}

func (s *BoltStore) list(keep func(*bridge.Record) bool) ([]*bridge.Record, error) {
	var recs []*bridge.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransfers).ForEach(func(k, v []byte) error {
			rec := &bridge.Record{}
			if err := cbor.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("failed to decode transfer %s: %w", k, err)
			}
			if keep(rec) {
				recs = append(recs, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
