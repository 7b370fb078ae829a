// ABOUTME: Local badger-backed KV store with the same surface as charm cloud KV
// ABOUTME: Used for offline settings and for isolated tests

package charm

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v3"
)

type localKV struct {
	db *badger.DB
}

func (t *localKV) Get(key []byte) ([]byte, error) {
	var result []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		result, err = item.ValueCopy(nil)
		return err
	})
	return result, err
}

func (t *localKV) Set(key, value []byte) error {
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (t *localKV) Delete(key []byte) error {
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (t *localKV) Keys() ([][]byte, error) {
	var keys [][]byte
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (t *localKV) Sync() error { return nil }

func (t *localKV) Reset() error { return t.db.DropAll() }

// OpenLocal opens a badger store in dir. Writes never leave the machine.
func OpenLocal(dir string) (*Client, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create local kv dir: %w", err)
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open local kv: %w", err)
	}
	return &Client{
		kv:     &localKV{db: db},
		config: &Config{Host: LocalHost},
		local:  true,
		closer: db.Close,
	}, nil
}
