package kv

import (
	"context"
	"errors"
	"iter"
	"log"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is the production Store: one BadgerDB holding every namespace's
// vector points and graph edges.
type Badger struct {
	db   *badger.DB
	opts *Options
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Options carries the key encoding settings.
	Options *Options

	// Dir is the BadgerDB data directory. Required unless InMemory is
	// set, ignored when it is.
	Dir string

	// InMemory runs the real badger engine without disk persistence.
	InMemory bool

	// SyncWrites makes every write wait for the value log fsync. The
	// durable task queue fsyncs its own files, so this guards only the
	// memory payloads.
	SyncWrites bool

	// Logger receives badger's log output. Defaults to a logger that
	// passes only warnings and errors through.
	Logger badger.Logger
}

// NewBadger opens, creating if needed, the database described by bopts.
func NewBadger(bopts BadgerOptions) (*Badger, error) {
	if !bopts.InMemory && bopts.Dir == "" {
		return nil, errors.New("kv: BadgerOptions.Dir is required for on-disk mode")
	}

	dbOpts := badger.DefaultOptions(bopts.Dir)
	if bopts.InMemory {
		// Badger rejects InMemory with a directory set.
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	logger := bopts.Logger
	if logger == nil {
		logger = quietLogger{}
	}
	dbOpts = dbOpts.WithSyncWrites(bopts.SyncWrites).WithLogger(logger)

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, opts: bopts.Options}, nil
}

func (b *Badger) Get(_ context.Context, key Key) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.opts.encode(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (b *Badger) Set(_ context.Context, key Key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.opts.encode(key), value)
	})
}

func (b *Badger) Delete(_ context.Context, key Key) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.opts.encode(key))
	})
}

func (b *Badger) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	scan := b.opts.scanPrefix(prefix)
	return func(yield func(Entry, error) bool) {
		stopped := false
		err := b.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = scan
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(scan); it.ValidForPrefix(scan); it.Next() {
				item := it.Item()
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				e := Entry{Key: b.opts.decode(item.KeyCopy(nil)), Value: val}
				if !yield(e, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(Entry{}, err)
		}
	}
}

func (b *Badger) BatchSet(_ context.Context, entries []Entry) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := wb.Set(b.opts.encode(e.Key), e.Value); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *Badger) BatchDelete(_ context.Context, keys []Key) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(b.opts.encode(key)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// RunGC runs one round of badger value-log garbage collection. It returns
// badger.ErrNoRewrite when there was nothing to collect; callers looping
// on a timer should treat that as done for the round.
func (b *Badger) RunGC(discardRatio float64) error {
	return b.db.RunValueLogGC(discardRatio)
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// quietLogger drops badger's info and debug chatter.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...interface{})   { log.Printf("[badger] ERROR: "+f, v...) }
func (quietLogger) Warningf(f string, v ...interface{}) { log.Printf("[badger] WARN: "+f, v...) }
func (quietLogger) Infof(string, ...interface{})        {}
func (quietLogger) Debugf(string, ...interface{})       {}

var _ Store = (*Badger)(nil)
