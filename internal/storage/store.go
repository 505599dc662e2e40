// Package storage wraps BadgerDB as the engine's transactional KV boundary.
//
// Index structures live under composite keys (kind, field, term/value, doc).
// MVCC comes from badger's snapshot isolation: a reader pins a read-only
// transaction and keeps seeing the generation that was current when it was
// opened, while a build pass stages all writes in one write transaction and
// publishes atomically by committing it together with the manifest bump.
// At most one build transaction may be in flight per store.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	badgeropts "github.com/dgraph-io/badger/v4/options"

	"github.com/quarrydb/quarry/model"
)

var (
	// ErrNotFound is returned when a key is absent.
	ErrNotFound = errors.New("storage: not found")

	// ErrBuildInFlight is returned when a second build transaction is opened
	// before the first one finished.
	ErrBuildInFlight = errors.New("storage: build pass already in flight")
)

// Store owns the badger instance.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	buildMu  sync.Mutex
	building bool
}

// badgerLogAdapter adapts slog.Logger to badger.Logger.
type badgerLogAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogAdapter)(nil)

func (l *badgerLogAdapter) Errorf(msg string, items ...any) {
	l.logger.Error(fmt.Sprintf(msg, items...))
}

func (l *badgerLogAdapter) Warningf(msg string, items ...any) {
	l.logger.Warn(fmt.Sprintf(msg, items...))
}

func (l *badgerLogAdapter) Infof(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

func (l *badgerLogAdapter) Debugf(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens (or creates) a store at path. An empty path opens an in-memory
// store, used by tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		info, err := os.Stat(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			if err := os.MkdirAll(path, 0o755); err != nil {
				return nil, err
			}
		} else if !info.IsDir() {
			return nil, fmt.Errorf("storage: %s is not a directory", path)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLogAdapter{logger: logger}
	opts.Compression = badgeropts.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot pins a read-only view of the currently published generation.
// The caller must Close it to release the underlying transaction.
func (s *Store) Snapshot() (*Snapshot, error) {
	txn := s.db.NewTransaction(false)
	m, err := readManifest(txn)
	if err != nil && !errors.Is(err, ErrNotFound) {
		txn.Discard()
		return nil, err
	}
	return &Snapshot{txn: txn, manifest: m}, nil
}

// BeginBuild opens the single write transaction of one build pass, against
// the published manifest. Exactly one may be in flight.
func (s *Store) BeginBuild() (*BuildTxn, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.building {
		return nil, ErrBuildInFlight
	}
	s.building = true

	txn := s.db.NewTransaction(true)
	m, err := readManifest(txn)
	if err != nil && !errors.Is(err, ErrNotFound) {
		txn.Discard()
		s.building = false
		return nil, err
	}
	return &BuildTxn{store: s, txn: txn, manifest: m}, nil
}

func (s *Store) endBuild() {
	s.buildMu.Lock()
	s.building = false
	s.buildMu.Unlock()
}

// Snapshot is a read-only view bound to one generation.
type Snapshot struct {
	txn      *badger.Txn
	manifest Manifest
}

// Generation returns the generation this snapshot is bound to.
func (sn *Snapshot) Generation() model.Generation { return sn.manifest.Generation }

// Manifest returns the manifest of the pinned generation.
func (sn *Snapshot) Manifest() Manifest { return sn.manifest }

// Get returns a copy of the value for key, or ErrNotFound.
func (sn *Snapshot) Get(key []byte) ([]byte, error) {
	item, err := sn.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Iterate walks all keys under a prefix in key order. The callback receives
// the full key and a stable value copy; returning false stops early.
func (sn *Snapshot) Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := sn.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cont, err := fn(item.KeyCopy(nil), value)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// Close releases the pinned transaction. The snapshot's view stays valid
// until then even if newer generations are published meanwhile.
func (sn *Snapshot) Close() error {
	sn.txn.Discard()
	return nil
}

// BuildTxn is the single write transaction of one build pass.
type BuildTxn struct {
	store    *Store
	txn      *badger.Txn
	manifest Manifest
	done     bool
}

// Manifest returns the manifest as of the start of the pass.
func (b *BuildTxn) Manifest() Manifest { return b.manifest }

// Set stages a write.
func (b *BuildTxn) Set(key, value []byte) error {
	return b.txn.Set(key, value)
}

// Delete stages a deletion.
func (b *BuildTxn) Delete(key []byte) error {
	return b.txn.Delete(key)
}

// Get reads within the transaction (read-your-writes).
func (b *BuildTxn) Get(key []byte) ([]byte, error) {
	item, err := b.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Iterate walks keys under a prefix within the transaction.
func (b *BuildTxn) Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := b.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cont, err := fn(item.KeyCopy(nil), value)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// Publish bumps the manifest to the new generation and commits everything
// staged in this pass as one atomic unit. Readers holding snapshots keep
// their view; new snapshots observe the new generation.
func (b *BuildTxn) Publish(m Manifest) error {
	if b.done {
		return errors.New("storage: build transaction already finished")
	}
	if err := b.txn.Set(manifestKey(), m.marshal()); err != nil {
		return err
	}
	if err := b.txn.Commit(); err != nil {
		return err
	}
	b.done = true
	b.store.endBuild()
	return nil
}

// Discard aborts the pass. The previously published generation is untouched.
func (b *BuildTxn) Discard() {
	if b.done {
		return
	}
	b.done = true
	b.txn.Discard()
	b.store.endBuild()
}

func readManifest(txn *badger.Txn) (Manifest, error) {
	item, err := txn.Get(manifestKey())
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Manifest{}, ErrNotFound
	}
	if err != nil {
		return Manifest{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return Manifest{}, err
	}
	return unmarshalManifest(raw)
}
