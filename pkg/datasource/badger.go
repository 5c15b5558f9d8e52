package datasource

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerSource serves a job from a Badger database opened read-only.
// Keys are the database keys; values are read at assignment time so
// very large corpora never sit in coordinator memory.
type BadgerSource struct {
	db *badger.DB
}

// OpenBadger opens path as a read-only datasource.
func OpenBadger(path string) (*BadgerSource, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("datasource: open badger %s: %w", path, err)
	}
	return &BadgerSource{db: db}, nil
}

// Keys iterates the whole keyspace. Values are not prefetched.
func (b *BadgerSource) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("datasource: badger key scan: %w", err)
	}
	return keys, nil
}

// Read fetches one value.
func (b *BadgerSource) Read(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("datasource: badger read %q: %w", key, err)
	}
	return value, nil
}

// Close releases the database.
func (b *BadgerSource) Close() error {
	return b.db.Close()
}
