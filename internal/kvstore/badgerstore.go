package kvstore

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/distsys-edu/atomicdrive/internal/bytesize"
)

// BadgerStore is an alternate Store backend built on an embedded
// badger.DB. Badger already guarantees crash-atomic, fsynced writes via
// its own value-log + WAL, so Put here is a single transaction rather than
// the manual tmpfile dance FileStore performs by hand.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (creating if absent) a badger database rooted at
// dir. memTableSize overrides badger's default in-memory table size when
// non-zero, letting a deployment trade memory for fewer value-log flushes
// on a register process holding many sectors.
func NewBadgerStore(dir string, memTableSize bytesize.ByteSize) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if memTableSize > 0 {
		opts = opts.WithMemTableSize(int64(memTableSize))
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Put durably stores value under key.
func (s *BadgerStore) Put(key string, value []byte) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("kvstore: key exceeds %d bytes", MaxKeySize)
	}
	if len(value) > MaxValueSize {
		return fmt.Errorf("kvstore: value exceeds %d bytes", MaxValueSize)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get returns the value stored under key, or ok=false if absent.
func (s *BadgerStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: badger get %s: %w", key, err)
	}
	return value, true, nil
}

// Remove deletes the value stored under key, reporting whether a value was
// actually present.
func (s *BadgerStore) Remove(key string) (bool, error) {
	_, present, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return true, fmt.Errorf("kvstore: badger delete %s: %w", key, err)
	}
	return true, nil
}
