package backend

import (
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
)

// ldbBackend wraps a goleveldb store. goleveldb creates the directory
// itself and offers native snapshots and write batches, so the
// adapter is a thin veneer.
type ldbBackend struct {
	db   *leveldb.DB
	path string
}

func openLevelDB(path string) (Backend, error) {
	l := &ldbBackend{path: path}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ldbBackend) open() error {
	db, err := leveldb.OpenFile(l.path, nil)
	if err != nil {
		return fmt.Errorf("backend: open leveldb at %s: %w", l.path, err)
	}
	l.db = db
	return nil
}

func (l *ldbBackend) Get(key []byte) ([]byte, bool, error) {
	if l.db == nil {
		return nil, false, ErrClosed
	}
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (l *ldbBackend) NewSnapshot() (Snapshot, error) {
	if l.db == nil {
		return nil, ErrClosed
	}
	s, err := l.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("backend: snapshot: %w", err)
	}
	return &ldbSnapshot{snap: s}, nil
}

func (l *ldbBackend) Write() (Batch, error) {
	if l.db == nil {
		return nil, ErrClosed
	}
	return &ldbBatch{db: l.db, batch: new(leveldb.Batch)}, nil
}

func (l *ldbBackend) Count() (int, error) {
	if l.db == nil {
		return 0, ErrClosed
	}
	it := l.db.NewIterator(nil, nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (l *ldbBackend) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func (l *ldbBackend) Destroy() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.path)
}

func (l *ldbBackend) Rebuild() error {
	if err := l.Destroy(); err != nil {
		return err
	}
	return l.open()
}

func (l *ldbBackend) Path() string { return l.path }
func (l *ldbBackend) Kind() Kind   { return LevelDB }

type ldbSnapshot struct {
	snap *leveldb.Snapshot
}

func (s *ldbSnapshot) Get(key []byte) ([]byte, bool, error) {
	if s.snap == nil {
		return nil, false, ErrClosed
	}
	v, err := s.snap.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *ldbSnapshot) Iter(fn func(key, value []byte) error) error {
	if s.snap == nil {
		return ErrClosed
	}
	it := s.snap.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *ldbSnapshot) Release() error {
	if s.snap == nil {
		return ErrClosed
	}
	s.snap.Release()
	s.snap = nil
	return nil
}

type ldbBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (w *ldbBatch) Put(key, value []byte) error {
	if w.batch == nil {
		return ErrClosed
	}
	w.batch.Put(key, value)
	return nil
}

func (w *ldbBatch) Delete(key []byte) error {
	if w.batch == nil {
		return ErrClosed
	}
	w.batch.Delete(key)
	return nil
}

func (w *ldbBatch) Commit() error {
	if w.batch == nil {
		return ErrClosed
	}
	err := w.db.Write(w.batch, nil)
	w.batch = nil
	return err
}

func (w *ldbBatch) Discard() {
	w.batch = nil
}
