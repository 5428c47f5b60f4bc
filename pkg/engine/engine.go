package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KenyonY/flaxkv/pkg/backend"
	"github.com/KenyonY/flaxkv/pkg/pack"
)

var (
	// ErrKeyNotFound reports a delete of a key that is not visible.
	ErrKeyNotFound = errors.New("engine: key not found")
	// ErrClosed reports an operation on a closed engine.
	ErrClosed = errors.New("engine: closed")
	// ErrSnapshotsOpen reports a Clear while user snapshots are still
	// held; they must be released so the rebuild cannot delete files
	// under a reader.
	ErrSnapshotsOpen = errors.New("engine: snapshots still open")
)

// Options configures an Engine. Zero values fall back to the
// defaults below.
type Options struct {
	// MaxBufferSize is the mutation count that triggers a flush.
	MaxBufferSize int
	// CommitInterval is the flusher's periodic wakeup upper bound.
	CommitInterval time.Duration
	// IdleFlush is how long the buffers may sit idle before the
	// watchdog forces a flush.
	IdleFlush time.Duration
	// WatchdogTick is the watchdog poll period.
	WatchdogTick time.Duration
	// CacheAll keeps a complete in-memory mirror of committed state.
	CacheAll bool
	// MemoizeReads writes read results (and read defaults) back into
	// the put-buffer so repeat reads become pure memory hits. Off by
	// default: it makes a read observable through later iteration.
	MemoizeReads bool
	// Logger receives flush and lifecycle events.
	Logger zerolog.Logger
}

func (o *Options) withDefaults() {
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = 200
	}
	if o.CommitInterval <= 0 {
		o.CommitInterval = 24 * time.Hour
	}
	if o.IdleFlush <= 0 {
		o.IdleFlush = 600 * time.Millisecond
	}
	if o.WatchdogTick <= 0 {
		o.WatchdogTick = 200 * time.Millisecond
	}
}

// closeGrace bounds how long Close waits for the flusher to drain.
const closeGrace = 15 * time.Second

// Engine interposes a write buffer between callers and a backend
// store. Keys and values are opaque bytes here; buffer maps are keyed
// by string(key). All operations are safe for concurrent use.
type Engine struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	b         backend.Backend
	putBuf    map[string][]byte
	delBuf    map[string]struct{}
	count     int
	lastSet   time.Time
	view      backend.Snapshot
	cache     map[string][]byte
	seq       uint64
	flushes   uint64
	closed    bool
	stopping  bool
	openSnaps map[backend.Snapshot]struct{}

	writeNow  *signalQueue
	flushDone *signalQueue

	flusherDone  chan struct{}
	watchdogStop chan struct{}
}

// New wraps b in a write-buffer engine, hydrates the cache when
// cache-all is enabled, and starts the flusher and watchdog.
func New(b backend.Backend, opts Options) (*Engine, error) {
	opts.withDefaults()
	e := &Engine{
		opts:      opts,
		log:       opts.Logger,
		b:         b,
		putBuf:    make(map[string][]byte),
		delBuf:    make(map[string]struct{}),
		openSnaps: make(map[backend.Snapshot]struct{}),
		writeNow:  newSignalQueue(),
		flushDone: newSignalQueue(),
	}
	view, err := b.NewSnapshot()
	if err != nil {
		return nil, err
	}
	e.view = view

	if opts.CacheAll {
		cache := make(map[string][]byte)
		if err := view.Iter(func(k, v []byte) error {
			cache[string(k)] = v
			return nil
		}); err != nil {
			view.Release()
			return nil, fmt.Errorf("engine: hydrate cache: %w", err)
		}
		e.cache = cache
	}

	e.start()
	return e, nil
}

func (e *Engine) start() {
	e.flusherDone = make(chan struct{})
	e.watchdogStop = make(chan struct{})
	go e.flusher(e.writeNow, e.flushDone, e.flusherDone)
	go e.watchdog(e.watchdogStop, e.writeNow)
}

// Backend exposes the wrapped store to the façade (stat, identity).
func (e *Engine) Backend() backend.Backend { return e.b }

// Get returns the visible value for key: put-buffer first, then
// delete-buffer absence, then cache or live snapshot.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	k := string(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, ErrClosed
	}
	if _, del := e.delBuf[k]; del {
		return nil, false, nil
	}
	if v, ok := e.putBuf[k]; ok {
		return v, true, nil
	}
	if e.cache != nil {
		v, ok := e.cache[k]
		if ok && e.opts.MemoizeReads {
			e.putBuf[k] = v
		}
		return v, ok, nil
	}
	v, found, err := e.view.Get(key)
	if err != nil {
		return nil, false, err
	}
	if found && e.opts.MemoizeReads {
		e.putBuf[k] = v
	}
	return v, found, nil
}

// GetDefault returns def when key is not visible. With MemoizeReads
// the default is written into the put-buffer so the next read is a
// memory hit; a key marked deleted is resurrected with def, matching
// the memoizing read policy.
func (e *Engine) GetDefault(key, def []byte) ([]byte, error) {
	k := string(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, del := e.delBuf[k]; del {
		if e.opts.MemoizeReads {
			delete(e.delBuf, k)
			e.putBuf[k] = def
		}
		return def, nil
	}
	if v, ok := e.putBuf[k]; ok {
		return v, nil
	}
	var v []byte
	var found bool
	var err error
	if e.cache != nil {
		v, found = e.cache[k]
	} else {
		v, found, err = e.view.Get(key)
		if err != nil {
			return nil, err
		}
	}
	if !found {
		if e.opts.MemoizeReads {
			e.putBuf[k] = def
		}
		return def, nil
	}
	if e.opts.MemoizeReads {
		e.putBuf[k] = v
	}
	return v, nil
}

// SetDefault returns the visible value, storing def first when the
// key is absent.
func (e *Engine) SetDefault(key, def []byte) ([]byte, error) {
	k := string(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if _, del := e.delBuf[k]; !del {
		if v, ok := e.putBuf[k]; ok {
			return v, nil
		}
		var v []byte
		var found bool
		var err error
		if e.cache != nil {
			v, found = e.cache[k]
		} else {
			v, found, err = e.view.Get(key)
			if err != nil {
				return nil, err
			}
		}
		if found {
			return v, nil
		}
	}
	e.setLocked(k, def)
	return def, nil
}

// Set buffers a write. Crossing MaxBufferSize requests an immediate
// flush.
func (e *Engine) Set(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.setLocked(string(key), value)
	return nil
}

func (e *Engine) setLocked(k string, v []byte) {
	e.putBuf[k] = v
	delete(e.delBuf, k)
	e.count++
	e.lastSet = time.Now()
	if e.count >= e.opts.MaxBufferSize {
		e.log.Debug().Int("count", e.count).Msg("buffer full, trigger immediate write")
		e.count = 0
		e.seq++
		e.writeNow.Put(true)
	}
}

// Update applies every entry of m atomically with respect to the
// engine lock.
func (e *Engine) Update(m map[string][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	for k, v := range m {
		e.setLocked(k, v)
	}
	return nil
}

// Delete marks a visible key deleted. Deleting an absent key reports
// ErrKeyNotFound.
func (e *Engine) Delete(key []byte) error {
	k := string(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	visible, err := e.containsLocked(key)
	if err != nil {
		return err
	}
	if !visible {
		return ErrKeyNotFound
	}
	e.delBuf[k] = struct{}{}
	delete(e.putBuf, k)
	e.count++
	e.lastSet = time.Now()
	return nil
}

// Pop removes the key and returns its prior value. A missing key is
// reported with found=false and no error.
func (e *Engine) Pop(key []byte) ([]byte, bool, error) {
	k := string(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, ErrClosed
	}
	visible, err := e.containsLocked(key)
	if err != nil {
		return nil, false, err
	}
	if !visible {
		return nil, false, nil
	}
	e.delBuf[k] = struct{}{}
	e.count++
	e.lastSet = time.Now()
	if v, ok := e.putBuf[k]; ok {
		delete(e.putBuf, k)
		return v, true, nil
	}
	if e.cache != nil {
		return e.cache[k], true, nil
	}
	v, _, err := e.view.Get(key)
	return v, true, err
}

// Contains reports visibility under the same rule as Get.
func (e *Engine) Contains(key []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, ErrClosed
	}
	return e.containsLocked(key)
}

func (e *Engine) containsLocked(key []byte) (bool, error) {
	k := string(key)
	if _, ok := e.putBuf[k]; ok {
		return true, nil
	}
	if _, del := e.delBuf[k]; del {
		return false, nil
	}
	if e.cache != nil {
		_, ok := e.cache[k]
		return ok, nil
	}
	_, found, err := e.view.Get(key)
	return found, err
}

// GetDBValue reads the committed (encoded) value straight from the
// live snapshot, bypassing the overlays.
func (e *Engine) GetDBValue(key []byte) ([]byte, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, ErrClosed
	}
	return e.view.Get(key)
}

// GetBatch resolves several keys at once; misses come back nil.
func (e *Engine) GetBatch(keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		v, found, err := e.Get(key)
		if err != nil {
			return nil, err
		}
		if found {
			out[i] = v
		}
	}
	return out, nil
}

// snapshotState pins a fresh backend view together with copies of the
// overlays, the pattern every iteration-shaped read uses.
func (e *Engine) snapshotState() (backend.Snapshot, map[string][]byte, map[string]struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, nil, ErrClosed
	}
	view, err := e.b.NewSnapshot()
	if err != nil {
		return nil, nil, nil, err
	}
	puts := make(map[string][]byte, len(e.putBuf))
	for k, v := range e.putBuf {
		puts[k] = v
	}
	dels := make(map[string]struct{}, len(e.delBuf))
	for k := range e.delBuf {
		dels[k] = struct{}{}
	}
	return view, puts, dels, nil
}

// Keys lists every visible key (committed union buffered, minus
// deletes).
func (e *Engine) Keys() ([][]byte, error) {
	view, puts, dels, err := e.snapshotState()
	if err != nil {
		return nil, err
	}
	defer view.Release()

	var keys [][]byte
	err = view.Iter(func(k, v []byte) error {
		ks := string(k)
		if _, del := dels[ks]; del {
			return nil
		}
		if _, buffered := puts[ks]; buffered {
			return nil
		}
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for k := range puts {
		keys = append(keys, []byte(k))
	}
	return keys, nil
}

// Items walks every visible pair: committed pairs in key order with
// put-buffer entries taking precedence, then buffered-only pairs.
func (e *Engine) Items(fn func(key, value []byte) error) error {
	view, puts, dels, err := e.snapshotState()
	if err != nil {
		return err
	}
	defer view.Release()

	seen := make(map[string]struct{}, len(puts))
	err = view.Iter(func(k, v []byte) error {
		ks := string(k)
		if _, del := dels[ks]; del {
			return nil
		}
		if bv, buffered := puts[ks]; buffered {
			seen[ks] = struct{}{}
			return fn(k, bv)
		}
		return fn(k, v)
	})
	if err != nil {
		return err
	}
	for k, v := range puts {
		if _, done := seen[k]; done {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Stat reports the count bookkeeping: committed keys, buffered keys,
// marked deletes and the overall visible count.
func (e *Engine) Stat() (pack.Stat, error) {
	view, puts, dels, err := e.snapshotState()
	if err != nil {
		return pack.Stat{}, err
	}
	defer view.Release()

	dbCount := 0
	valid := 0
	overlap := 0
	err = view.Iter(func(k, v []byte) error {
		dbCount++
		ks := string(k)
		if _, del := dels[ks]; del {
			return nil
		}
		valid++
		if _, buffered := puts[ks]; buffered {
			overlap++
		}
		return nil
	})
	if err != nil {
		return pack.Stat{}, err
	}
	return pack.Stat{
		Count:        valid + len(puts) - overlap,
		Buffer:       len(puts),
		DB:           dbCount,
		MarkedDelete: len(dels),
		Type:         string(e.b.Kind()),
	}, nil
}

// Len is the visible key count.
func (e *Engine) Len() (int, error) {
	st, err := e.Stat()
	if err != nil {
		return 0, err
	}
	return st.Count, nil
}

// Flushes reports how many flush batches have committed.
func (e *Engine) Flushes() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushes
}

// Seq reports the flush sequence number.
func (e *Engine) Seq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// NewSnapshot hands out a user-owned point-in-time view. It must be
// released through ReleaseSnapshot before Clear can rebuild the
// store.
func (e *Engine) NewSnapshot() (backend.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	s, err := e.b.NewSnapshot()
	if err != nil {
		return nil, err
	}
	e.openSnaps[s] = struct{}{}
	return s, nil
}

// ReleaseSnapshot releases a view obtained from NewSnapshot.
func (e *Engine) ReleaseSnapshot(s backend.Snapshot) error {
	e.mu.Lock()
	delete(e.openSnaps, s)
	e.mu.Unlock()
	return s.Release()
}

// WriteImmediately requests a flush now. write=false asks the
// flusher to exit instead; block waits for the flush-complete signal.
func (e *Engine) WriteImmediately(write, block bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.seq++
	e.mu.Unlock()
	if block {
		e.flushDone.Clear()
	}
	e.writeNow.Put(write)
	if block {
		e.flushDone.GetBlock()
	}
}

// ApplyPutBatch folds a remote delta into the cache mirror. Only the
// notification consumer calls it; local state (buffers, snapshot) is
// untouched because the server already committed the change.
func (e *Engine) ApplyPutBatch(m map[string][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache == nil {
		return
	}
	for k, v := range m {
		e.cache[k] = v
	}
}

// ApplyDeleteBatch folds a remote delete delta into the cache mirror.
func (e *Engine) ApplyDeleteBatch(keys [][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache == nil {
		return
	}
	for _, k := range keys {
		delete(e.cache, string(k))
	}
}

// flusher drains the buffers on demand, bounded by CommitInterval.
func (e *Engine) flusher(writeNow, flushDone *signalQueue, done chan struct{}) {
	defer close(done)
	for {
		v, ok := writeNow.Get(e.opts.CommitInterval)
		if ok && !v {
			flushDone.Put(true)
			return
		}
		if err := e.flush(); err != nil {
			// Buffers stay intact; the next trigger retries.
			e.log.Error().Err(err).Msg("flush failed, buffers retained")
		}
		flushDone.Put(true)

		e.mu.Lock()
		stopping := e.stopping
		e.mu.Unlock()
		if stopping && writeNow.Empty() {
			return
		}
	}
}

// flush commits the drained overlays as one batch and rotates the
// live snapshot. Entries written concurrently during the commit stay
// buffered: the diff keeps every put whose value differs from what
// was shipped.
func (e *Engine) flush() error {
	e.mu.Lock()
	if len(e.putBuf) == 0 && len(e.delBuf) == 0 {
		e.mu.Unlock()
		return nil
	}
	puts := make(map[string][]byte, len(e.putBuf))
	for k, v := range e.putBuf {
		puts[k] = v
	}
	dels := make(map[string]struct{}, len(e.delBuf))
	for k := range e.delBuf {
		dels[k] = struct{}{}
	}
	var cache map[string][]byte
	if e.cache != nil {
		cache = make(map[string][]byte, len(e.cache)+len(puts))
		for k, v := range e.cache {
			cache[k] = v
		}
	}
	seq := e.seq
	e.mu.Unlock()

	w, err := e.b.Write()
	if err != nil {
		return err
	}
	for k := range dels {
		if err := w.Delete([]byte(k)); err != nil {
			w.Discard()
			return err
		}
		if cache != nil {
			delete(cache, k)
		}
	}
	for k, v := range puts {
		if err := w.Put([]byte(k), v); err != nil {
			w.Discard()
			return err
		}
		if cache != nil {
			cache[k] = v
		}
	}
	if err := w.Commit(); err != nil {
		w.Discard()
		return err
	}

	e.mu.Lock()
	for k := range dels {
		delete(e.delBuf, k)
	}
	for k, v := range puts {
		if cur, ok := e.putBuf[k]; ok && bytes.Equal(cur, v) {
			delete(e.putBuf, k)
		}
	}
	if cache != nil {
		e.cache = cache
	}
	e.flushes++
	old := e.view
	view, err := e.b.NewSnapshot()
	if err == nil {
		e.view = view
	}
	e.mu.Unlock()
	if old != nil {
		old.Release()
	}
	if err != nil {
		return fmt.Errorf("engine: rotate snapshot: %w", err)
	}
	e.log.Debug().Uint64("seq", seq).Int("puts", len(puts)).Int("deletes", len(dels)).
		Msg("flush complete")
	return nil
}

// watchdog coalesces bursty writes: once the buffers have been idle
// for IdleFlush, it requests a flush without waiting for the size
// trigger.
func (e *Engine) watchdog(stop chan struct{}, writeNow *signalQueue) {
	ticker := time.NewTicker(e.opts.WatchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			idle := !e.lastSet.IsZero() &&
				time.Since(e.lastSet) >= e.opts.IdleFlush &&
				(len(e.putBuf) > 0 || len(e.delBuf) > 0)
			if idle {
				e.lastSet = time.Time{}
				e.seq++
			}
			e.mu.Unlock()
			if idle {
				e.log.Debug().Msg("idle buffers, watchdog flush")
				writeNow.Put(true)
			}
		case <-stop:
			return
		}
	}
}

// Close stops the background tasks and the backend. write flushes the
// buffers first; wait blocks until the final flush acknowledges. The
// flusher is joined with a grace period and abandoned with a warning
// if it overruns.
func (e *Engine) Close(write, wait bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.stopping = true
	e.seq++
	e.mu.Unlock()

	close(e.watchdogStop)
	if wait && write {
		e.flushDone.Clear()
	}
	e.writeNow.Put(write)
	if wait && write {
		e.flushDone.GetBlock()
	}

	select {
	case <-e.flusherDone:
	case <-time.After(closeGrace):
		e.log.Warn().Msg("flusher did not finish in time, some data may not be saved")
	}

	e.mu.Lock()
	view := e.view
	e.view = nil
	e.mu.Unlock()
	if view != nil {
		view.Release()
	}
	return e.b.Close()
}

// Clear rebuilds the backend empty and reinitializes all engine
// state. It refuses while user snapshots are open.
func (e *Engine) Clear() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if len(e.openSnaps) > 0 {
		e.mu.Unlock()
		return ErrSnapshotsOpen
	}
	e.stopping = true
	e.mu.Unlock()

	close(e.watchdogStop)
	e.writeNow.Put(false)
	select {
	case <-e.flusherDone:
	case <-time.After(closeGrace):
		e.log.Warn().Msg("flusher did not finish in time during clear")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.view != nil {
		e.view.Release()
	}
	if err := e.b.Rebuild(); err != nil {
		return err
	}
	view, err := e.b.NewSnapshot()
	if err != nil {
		return err
	}
	e.view = view
	e.putBuf = make(map[string][]byte)
	e.delBuf = make(map[string]struct{})
	if e.opts.CacheAll {
		e.cache = make(map[string][]byte)
	}
	e.count = 0
	e.lastSet = time.Time{}
	e.seq = 0
	e.stopping = false
	e.writeNow = newSignalQueue()
	e.flushDone = newSignalQueue()
	e.start()
	return nil
}

// Destroy closes without flushing and removes the backend files.
func (e *Engine) Destroy() error {
	if err := e.Close(false, true); err != nil {
		return err
	}
	return e.b.Destroy()
}
