package store

import (
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/imamik/metalconductor/internal/errdefs"
)

// maxConflictRetries bounds how often a conflicting transaction is replayed.
const maxConflictRetries = 10

// BadgerOptions configures the Badger backed store.
type BadgerOptions struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives Badger's own log output. The zero logger discards it.
	Logger logr.Logger
	Clock  clock.PassiveClock
}

// NewBadgerStore opens a persistent store backed by Badger.
func NewBadgerStore(opts BadgerOptions) (*KVStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").
			WithInMemory(true).
			WithMemTableSize(8 << 20).
			WithBlockCacheSize(16 << 20)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("badger data directory is required")
		}
		bopts = badger.DefaultOptions(filepath.Clean(opts.Dir)).WithSyncWrites(opts.SyncWrites)
	}
	if opts.Logger.GetSink() != nil {
		bopts = bopts.WithLogger(badgerLogger{log: opts.Logger.WithName("badger")})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return newKVStore(&badgerBackend{db: db}, opts.Clock), nil
}

type badgerBackend struct {
	db *badger.DB
}

// update replays fn when Badger detects a conflicting concurrent commit, so
// mutations always run against the latest committed record.
func (b *badgerBackend) update(fn func(txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = b.db.Update(func(t *badger.Txn) error {
			return fn(badgerTxn{t})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction kept conflicting after %d attempts: %w", maxConflictRetries, errdefs.ErrConflict)
}

func (b *badgerBackend) view(fn func(txn) error) error {
	return b.db.View(func(t *badger.Txn) error {
		return fn(badgerTxn{t})
	})
}

func (b *badgerBackend) close() error {
	return b.db.Close()
}

type badgerTxn struct {
	t *badger.Txn
}

func (bt badgerTxn) get(key string) ([]byte, error) {
	item, err := bt.t.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, errdefs.ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (bt badgerTxn) set(key string, val []byte) error {
	return bt.t.Set([]byte(key), val)
}

func (bt badgerTxn) del(key string) error {
	return bt.t.Delete([]byte(key))
}

func (bt badgerTxn) scan(prefix string, fn func(key string, val []byte) error) error {
	it := bt.t.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(string(item.KeyCopy(nil)), val); err != nil {
			return err
		}
	}
	return nil
}

// badgerLogger adapts logr to Badger's logger interface.
type badgerLogger struct {
	log logr.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(nil, fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...), "level", "warning")
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.V(1).Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.V(2).Info(fmt.Sprintf(format, args...))
}
