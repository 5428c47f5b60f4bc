package backend

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// boltBackend stores every pair in a single bucket of one bbolt file.
type boltBackend struct {
	db      *bolt.DB
	path    string
	mapSize int64
}

func openBolt(path string, opts *Options) (Backend, error) {
	b := &boltBackend{path: path, mapSize: opts.MapSize}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *boltBackend) open() error {
	if err := os.MkdirAll(b.path, 0o755); err != nil {
		return fmt.Errorf("backend: create %s: %w", b.path, err)
	}
	boltOpts := &bolt.Options{}
	if b.mapSize > 0 {
		boltOpts.InitialMmapSize = int(b.mapSize)
	}
	db, err := bolt.Open(filepath.Join(b.path, "flaxkv.db"), 0o600, boltOpts)
	if err != nil {
		return fmt.Errorf("backend: open bolt at %s: %w", b.path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("backend: create bucket: %w", err)
	}
	b.db = db
	return nil
}

func (b *boltBackend) Get(key []byte) ([]byte, bool, error) {
	if b.db == nil {
		return nil, false, ErrClosed
	}
	var value []byte
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get(key)
		if v != nil {
			// bbolt data is only valid during the transaction
			value = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return value, found, err
}

func (b *boltBackend) NewSnapshot() (Snapshot, error) {
	if b.db == nil {
		return nil, ErrClosed
	}
	tx, err := b.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("backend: begin read tx: %w", err)
	}
	return &boltSnapshot{tx: tx}, nil
}

func (b *boltBackend) Write() (Batch, error) {
	if b.db == nil {
		return nil, ErrClosed
	}
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("backend: begin write tx: %w", err)
	}
	return &boltBatch{tx: tx}, nil
}

func (b *boltBackend) Count() (int, error) {
	if b.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketKV).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *boltBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *boltBackend) Destroy() error {
	if err := b.Close(); err != nil {
		return err
	}
	return os.RemoveAll(b.path)
}

func (b *boltBackend) Rebuild() error {
	if err := b.Destroy(); err != nil {
		return err
	}
	return b.open()
}

func (b *boltBackend) Path() string { return b.path }
func (b *boltBackend) Kind() Kind   { return Bolt }

// boltSnapshot pins a read transaction until Release.
type boltSnapshot struct {
	tx *bolt.Tx
}

func (s *boltSnapshot) Get(key []byte) ([]byte, bool, error) {
	if s.tx == nil {
		return nil, false, ErrClosed
	}
	v := s.tx.Bucket(bucketKV).Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *boltSnapshot) Iter(fn func(key, value []byte) error) error {
	if s.tx == nil {
		return ErrClosed
	}
	c := s.tx.Bucket(bucketKV).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(append([]byte(nil), k...), append([]byte(nil), v...)); err != nil {
			return err
		}
	}
	return nil
}

func (s *boltSnapshot) Release() error {
	if s.tx == nil {
		return ErrClosed
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

// boltBatch is a single update transaction.
type boltBatch struct {
	tx *bolt.Tx
}

func (w *boltBatch) Put(key, value []byte) error {
	if w.tx == nil {
		return ErrClosed
	}
	return w.tx.Bucket(bucketKV).Put(key, value)
}

func (w *boltBatch) Delete(key []byte) error {
	if w.tx == nil {
		return ErrClosed
	}
	return w.tx.Bucket(bucketKV).Delete(key)
}

func (w *boltBatch) Commit() error {
	if w.tx == nil {
		return ErrClosed
	}
	err := w.tx.Commit()
	w.tx = nil
	return err
}

func (w *boltBatch) Discard() {
	if w.tx != nil {
		_ = w.tx.Rollback()
		w.tx = nil
	}
}
