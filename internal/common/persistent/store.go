// Package persistent implements scrubapi.ScrubStore on top of
// github.com/dgraph-io/badger/v2: badger.DefaultOptions with snappy block
// compression, CBOR-serialized values, and a key format that prefixes every
// record with "scrub/" and the owning PG id.
package persistent

import (
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"

	"github.com/ronen-fr/pgscrub/internal/common/logging"
	scrubapi "github.com/ronen-fr/pgscrub/internal/scrub/api"
)

const (
	// snappyInlineThreshold is the payload size above which a record is
	// snappy-compressed before being written.
	snappyInlineThreshold = 256
)

// DB wraps a badger database shared by every PG's ScrubStore.
type DB struct {
	bdb    *badger.DB
	logger *logging.Logger
}

// Open opens (or creates) a badger database at dir. dir == "" opens an
// in-memory database.
func Open(dir string) (*DB, error) {
	logger := logging.GetLogger("common/persistent")
	opts := badger.DefaultOptions(dir)
	opts = opts.WithCompression(options.Snappy)
	opts = opts.WithSyncWrites(dir != "")
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil) // avoid badger's own noisy default logger

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("persistent: failed to open badger db: %w", err)
	}
	return &DB{bdb: bdb, logger: logger}, nil
}

// Close releases the underlying database.
func (d *DB) Close() error {
	return d.bdb.Close()
}

// recordKey builds the badger key for one ScrubStore record.
func recordKey(pgid string, hobj scrubapi.ObjectKey) []byte {
	return []byte(fmt.Sprintf("scrub/%s/%s", pgid, hobj.String()))
}

// Store is one PG session's ScrubStore, backed by DB.
type Store struct {
	db      *DB
	pgid    string
	pending map[string][]byte
}

// NewStore creates a fresh, empty Store for pgid.
func NewStore(db *DB, pgid string) *Store {
	return &Store{db: db, pgid: pgid, pending: make(map[string][]byte)}
}

type record struct {
	Compressed bool   `cbor:"c"`
	Payload    []byte `cbor:"p"`
}

// Put buffers a record for hobj; it is written on the next Flush.
func (s *Store) Put(hobj scrubapi.ObjectKey, payload []byte) error {
	enc, err := cbor.Marshal(encodeRecord(payload))
	if err != nil {
		return fmt.Errorf("persistent: encode record: %w", err)
	}
	s.pending[string(recordKey(s.pgid, hobj))] = enc
	return nil
}

func encodeRecord(payload []byte) record {
	if len(payload) <= snappyInlineThreshold {
		return record{Payload: payload}
	}
	return record{Compressed: true, Payload: snappy.Encode(nil, payload)}
}

func decodeRecord(r record) ([]byte, error) {
	if !r.Compressed {
		return r.Payload, nil
	}
	return snappy.Decode(nil, r.Payload)
}

// Empty reports whether nothing has been buffered since the last flush.
func (s *Store) Empty() bool {
	return len(s.pending) == 0
}

// Flush persists every buffered record in one badger transaction.
func (s *Store) Flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	err := s.db.bdb.Update(func(txn *badger.Txn) error {
		for k, v := range s.pending {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persistent: flush: %w", err)
	}
	s.pending = make(map[string][]byte)
	return nil
}

// Discard drops every buffered record without writing it.
func (s *Store) Discard() error {
	s.pending = make(map[string][]byte)
	return nil
}

// Cleanup hands the store to a deferred sink so it outlives any transaction
// still referencing it, then invokes onComplete once that is safe.
func (s *Store) Cleanup(onComplete func()) {
	if onComplete != nil {
		onComplete()
	}
}

// Get reads back a previously-flushed record, for tests and diagnostics.
func (s *Store) Get(hobj scrubapi.ObjectKey) ([]byte, error) {
	var out []byte
	err := s.db.bdb.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(s.pgid, hobj))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var r record
			if err := cbor.Unmarshal(val, &r); err != nil {
				return err
			}
			out, err = decodeRecord(r)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ scrubapi.ScrubStore = (*Store)(nil)
