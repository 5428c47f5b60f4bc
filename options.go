package flaxkv

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/KenyonY/flaxkv/pkg/backend"
	"github.com/KenyonY/flaxkv/pkg/client"
)

// Option configures New.
type Option func(*config)

type config struct {
	backend        backend.Kind
	rebuild        bool
	mapSize        int64
	cacheAll       bool
	memoizeReads   bool
	maxBufferSize  int
	commitInterval time.Duration
	raw            bool
	logger         zerolog.Logger
	clientOpts     client.Options
}

func defaultConfig() config {
	return config{
		backend: backend.LevelDB,
		logger:  zerolog.Nop(),
	}
}

// WithBackend selects the storage engine: "leveldb" (default) or
// "bolt". URL roots always use the remote engine locally and send this
// name to the server, which opens the database with that backend.
func WithBackend(kind string) Option {
	return func(c *config) { c.backend = backend.Kind(kind) }
}

// WithRebuild deletes any existing store before opening.
func WithRebuild() Option {
	return func(c *config) { c.rebuild = true }
}

// WithMapSize sets the initial size of the B+-tree memory map. It is
// not an upper bound: the map still grows as the store grows. Other
// backends ignore it.
func WithMapSize(n int64) Option {
	return func(c *config) { c.mapSize = n }
}

// WithCacheAll keeps a complete in-memory mirror of committed state.
// Remote handles enable this implicitly; it is what the notification
// stream keeps current.
func WithCacheAll() Option {
	return func(c *config) { c.cacheAll = true }
}

// WithMemoizeReads writes read results back into the put-buffer. Off
// by default because it makes reads observable through iteration.
// DBDict.GetDefault does not store its default on a miss.
func WithMemoizeReads() Option {
	return func(c *config) { c.memoizeReads = true }
}

// WithMaxBufferSize overrides the flush-triggering mutation count.
func WithMaxBufferSize(n int) Option {
	return func(c *config) { c.maxBufferSize = n }
}

// WithCommitInterval overrides the flusher's periodic wakeup bound.
func WithCommitInterval(d time.Duration) Option {
	return func(c *config) { c.commitInterval = d }
}

// WithRawMode bypasses the codec: keys and values cross the façade
// as byte strings, as they do in the server's hosted engines.
func WithRawMode() Option {
	return func(c *config) { c.raw = true }
}

// WithLogger routes engine and transport logs somewhere visible.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClientOptions tunes the remote transport (timeouts, retry
// policy).
func WithClientOptions(opts client.Options) Option {
	return func(c *config) { c.clientOpts = opts }
}
