package blockcrypt

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// OpenBadgerStore opens a Store backed by a Badger database in dir. With
// inMemory set dir is ignored and nothing touches the disk.
func OpenBadgerStore(dir string, inMemory bool, log logrus.FieldLogger) (Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(log.WithField("component", "badger"))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open key store %q: %w", dir, err)
	}
	return &kvStore{kv: &badgerKV{db: db}}, nil
}

type badgerKV struct {
	db *badger.DB
}

func (b *badgerKV) view(fn func(kvTxn) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn: txn})
	})
}

func (b *badgerKV) update(fn func(kvTxn) error) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn: txn})
	})
}

func (b *badgerKV) close() error {
	return b.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t badgerTxn) set(key, value []byte) error {
	return t.txn.Set(append([]byte(nil), key...), append([]byte(nil), value...))
}

func (t badgerTxn) del(key []byte) error {
	return t.txn.Delete(append([]byte(nil), key...))
}

func (t badgerTxn) scan(prefix []byte) ([][2][]byte, error) {
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out [][2][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out = append(out, [2][]byte{item.KeyCopy(nil), value})
	}
	return out, nil
}
