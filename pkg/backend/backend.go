package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Kind selects one of the closed set of storage engines.
type Kind string

const (
	// LevelDB is the log-structured merge store.
	LevelDB Kind = "leveldb"
	// Bolt is the memory-mapped B+-tree store.
	Bolt Kind = "bolt"
	// Remote maps the adapter onto a server across the network.
	Remote Kind = "remote"
)

var (
	// ErrClosed reports use of a backend, snapshot or batch after it
	// was released.
	ErrClosed = errors.New("backend: closed")
	// ErrUnsupportedBackend reports an unknown Kind string.
	ErrUnsupportedBackend = errors.New("backend: unsupported backend")
)

// Options configures Open.
type Options struct {
	// MapSize sets the initial memory map size of the B+-tree store;
	// the map still grows past it. Ignored by the other kinds.
	MapSize int64

	// Rebuild deletes any existing store before opening.
	Rebuild bool

	// Transport carries the remote connection for Kind Remote.
	Transport RemoteTransport
}

// Backend is the uniform contract over the storage engines: byte keys
// and values, point-in-time snapshots, atomic batches, ordered
// iteration.
type Backend interface {
	// Get reads the committed value for key. found is false when the
	// key is absent.
	Get(key []byte) (value []byte, found bool, err error)

	// NewSnapshot pins a point-in-time read-only view.
	NewSnapshot() (Snapshot, error)

	// Write begins an atomic batch. Commit applies every queued
	// operation or none of them.
	Write() (Batch, error)

	// Count reports the number of committed keys.
	Count() (int, error)

	Close() error

	// Destroy closes the store and removes its files.
	Destroy() error

	// Rebuild closes, destroys and reopens an empty store in place.
	Rebuild() error

	Path() string
	Kind() Kind
}

// Snapshot is a released-explicitly point-in-time view, iterable in
// key order.
type Snapshot interface {
	Get(key []byte) (value []byte, found bool, err error)
	// Iter calls fn for each pair in ascending key order. Returning a
	// non-nil error from fn stops the walk and is passed through.
	Iter(fn func(key, value []byte) error) error
	Release() error
}

// Batch queues mutations for one atomic commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	Discard()
}

// Open opens the store of the given kind rooted at path, creating the
// directory when absent.
func Open(kind Kind, path string, opts *Options) (Backend, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Rebuild && kind != Remote {
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("backend: rebuild %s: %w", path, err)
		}
	}
	switch kind {
	case Bolt:
		return openBolt(path, opts)
	case LevelDB:
		return openLevelDB(path)
	case Remote:
		return openRemote(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, kind)
	}
}

// DBPath is the on-disk layout for a named database:
// <root>/<name>-<backend>/.
func DBPath(root, name string, kind Kind) string {
	return filepath.Join(root, name+"-"+string(kind))
}
