package flaxkv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/KenyonY/flaxkv/pkg/backend"
	"github.com/KenyonY/flaxkv/pkg/client"
	"github.com/KenyonY/flaxkv/pkg/engine"
	"github.com/KenyonY/flaxkv/pkg/pack"
)

// Error kinds surfaced by the façade.
var (
	// ErrNotFound reports bracketed access to an absent key.
	ErrNotFound = engine.ErrKeyNotFound
	// ErrClosed reports an operation on a closed handle.
	ErrClosed = engine.ErrClosed
	// ErrUnsupportedBackend reports an unknown backend name.
	ErrUnsupportedBackend = backend.ErrUnsupportedBackend
	// ErrSnapshotsOpen reports a Clear while snapshots are held.
	ErrSnapshotsOpen = engine.ErrSnapshotsOpen
)

// handle identity: one live handle per (name, root) in a process.
var (
	regMu    sync.Mutex
	registry = make(map[string]*DBDict)
)

// DBDict is a dictionary-style handle bound to one named database.
// Writes buffer in memory and flush in the background; reads always
// see this handle's own writes.
type DBDict struct {
	name   string
	root   string
	raw    bool
	remote bool
	regKey string

	eng       *engine.Engine
	transport *client.Transport
}

// New opens (or creates) the named database under rootOrURL. A local
// root is a directory; an http(s) URL attaches to a flaxkv server.
// Two local opens with the same (name, root) return the same handle.
func New(name, rootOrURL string, opts ...Option) (*DBDict, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if strings.HasPrefix(rootOrURL, "http://") || strings.HasPrefix(rootOrURL, "https://") {
		return newRemote(name, rootOrURL, cfg)
	}
	return newLocal(name, rootOrURL, cfg)
}

func newLocal(name, root string, cfg config) (*DBDict, error) {
	switch cfg.backend {
	case backend.LevelDB, backend.Bolt:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.backend)
	}

	regKey := root + "\x00" + name
	regMu.Lock()
	defer regMu.Unlock()
	if d, ok := registry[regKey]; ok && !cfg.rebuild {
		return d, nil
	}

	b, err := backend.Open(cfg.backend, backend.DBPath(root, name, cfg.backend), &backend.Options{
		MapSize: cfg.mapSize,
		Rebuild: cfg.rebuild,
	})
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(b, engine.Options{
		MaxBufferSize:  cfg.maxBufferSize,
		CommitInterval: cfg.commitInterval,
		CacheAll:       cfg.cacheAll,
		MemoizeReads:   cfg.memoizeReads,
		Logger:         cfg.logger.With().Str("db", name).Logger(),
	})
	if err != nil {
		b.Close()
		return nil, err
	}

	d := &DBDict{name: name, root: root, raw: cfg.raw, regKey: regKey, eng: eng}
	registry[regKey] = d
	return d, nil
}

func newRemote(name, url string, cfg config) (*DBDict, error) {
	cfg.clientOpts.Logger = cfg.logger.With().Str("db", name).Logger()
	t := client.New(url, name, cfg.clientOpts)

	// The consumer can outrun construction, so it dereferences the
	// engine through an atomic slot set below.
	var engRef atomic.Pointer[engine.Engine]
	err := t.Connect(context.Background(), string(cfg.backend), cfg.rebuild,
		func(m map[string][]byte) {
			if e := engRef.Load(); e != nil {
				e.ApplyPutBatch(m)
			}
		},
		func(keys [][]byte) {
			if e := engRef.Load(); e != nil {
				e.ApplyDeleteBatch(keys)
			}
		})
	if err != nil {
		return nil, err
	}

	b, err := backend.Open(backend.Remote, "", &backend.Options{Transport: t})
	if err != nil {
		t.Disconnect()
		return nil, err
	}
	// Remote handles always mirror the database locally; hydration
	// pulls the full mapping and the notification stream keeps it
	// current.
	eng, err := engine.New(b, engine.Options{
		MaxBufferSize:  cfg.maxBufferSize,
		CommitInterval: cfg.commitInterval,
		CacheAll:       true,
		MemoizeReads:   cfg.memoizeReads,
		Logger:         cfg.clientOpts.Logger,
	})
	if err != nil {
		t.Disconnect()
		return nil, err
	}
	engRef.Store(eng)

	return &DBDict{name: name, root: url, raw: cfg.raw, remote: true, eng: eng, transport: t}, nil
}

func (d *DBDict) encodeKey(key any) ([]byte, error) {
	if d.raw {
		b, ok := key.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: raw mode requires []byte keys", pack.ErrEncode)
		}
		return b, nil
	}
	return pack.Encode(key)
}

func (d *DBDict) encodeValue(value any) ([]byte, error) {
	if d.raw {
		b, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: raw mode requires []byte values", pack.ErrEncode)
		}
		return b, nil
	}
	return pack.Encode(value)
}

func (d *DBDict) decodeValue(b []byte) (any, error) {
	if d.raw {
		return b, nil
	}
	return pack.Decode(b)
}

// Get returns the value for key; an absent key is ErrNotFound.
func (d *DBDict) Get(key any) (any, error) {
	k, err := d.encodeKey(key)
	if err != nil {
		return nil, err
	}
	v, found, err := d.eng.Get(k)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	return d.decodeValue(v)
}

// GetDefault returns def when key is absent; it never fails on a
// miss.
func (d *DBDict) GetDefault(key, def any) (any, error) {
	k, err := d.encodeKey(key)
	if err != nil {
		return nil, err
	}
	v, found, err := d.eng.Get(k)
	if err != nil {
		return nil, err
	}
	if !found {
		return def, nil
	}
	return d.decodeValue(v)
}

// SetDefault returns the stored value, first storing def when the
// key is absent.
func (d *DBDict) SetDefault(key, def any) (any, error) {
	k, err := d.encodeKey(key)
	if err != nil {
		return nil, err
	}
	dv, err := d.encodeValue(def)
	if err != nil {
		return nil, err
	}
	v, err := d.eng.SetDefault(k, dv)
	if err != nil {
		return nil, err
	}
	return d.decodeValue(v)
}

// Set stores value under key.
func (d *DBDict) Set(key, value any) error {
	k, err := d.encodeKey(key)
	if err != nil {
		return err
	}
	v, err := d.encodeValue(value)
	if err != nil {
		return err
	}
	return d.eng.Set(k, v)
}

// Update stores every entry of m as one locked batch.
func (d *DBDict) Update(m map[any]any) error {
	enc := make(map[string][]byte, len(m))
	for key, value := range m {
		k, err := d.encodeKey(key)
		if err != nil {
			return err
		}
		v, err := d.encodeValue(value)
		if err != nil {
			return err
		}
		enc[string(k)] = v
	}
	return d.eng.Update(enc)
}

// Delete removes key; deleting an absent key is ErrNotFound.
func (d *DBDict) Delete(key any) error {
	k, err := d.encodeKey(key)
	if err != nil {
		return err
	}
	return d.eng.Delete(k)
}

// Pop removes key and returns its prior value, or def when absent.
func (d *DBDict) Pop(key, def any) (any, error) {
	k, err := d.encodeKey(key)
	if err != nil {
		return nil, err
	}
	v, found, err := d.eng.Pop(k)
	if err != nil {
		return nil, err
	}
	if !found {
		return def, nil
	}
	return d.decodeValue(v)
}

// GetBatch resolves several keys at once; absent keys come back nil.
func (d *DBDict) GetBatch(keys []any) ([]any, error) {
	enc := make([][]byte, len(keys))
	for i, key := range keys {
		k, err := d.encodeKey(key)
		if err != nil {
			return nil, err
		}
		enc[i] = k
	}
	raw, err := d.eng.GetBatch(enc)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(raw))
	for i, v := range raw {
		if v == nil {
			continue
		}
		if values[i], err = d.decodeValue(v); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// GetDBValue returns the committed encoded value for key, bypassing
// the write buffers.
func (d *DBDict) GetDBValue(key any) ([]byte, error) {
	k, err := d.encodeKey(key)
	if err != nil {
		return nil, err
	}
	v, found, err := d.eng.GetDBValue(k)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	return v, nil
}

// Contains reports whether key is visible.
func (d *DBDict) Contains(key any) (bool, error) {
	k, err := d.encodeKey(key)
	if err != nil {
		return false, err
	}
	return d.eng.Contains(k)
}

// Keys lists every visible key, decoded (tuples for composite keys)
// even in raw mode.
func (d *DBDict) Keys() ([]any, error) {
	raw, err := d.eng.Keys()
	if err != nil {
		return nil, err
	}
	keys := make([]any, 0, len(raw))
	for _, rk := range raw {
		k, err := pack.DecodeKey(rk)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Values lists every visible value.
func (d *DBDict) Values() ([]any, error) {
	var values []any
	err := d.eng.Items(func(k, v []byte) error {
		val, err := d.decodeValue(v)
		if err != nil {
			return err
		}
		values = append(values, val)
		return nil
	})
	return values, err
}

// Items walks every visible pair with decoded keys and values.
func (d *DBDict) Items(fn func(key, value any) error) error {
	return d.eng.Items(func(k, v []byte) error {
		key, err := pack.DecodeKey(k)
		if err != nil {
			return err
		}
		value, err := d.decodeValue(v)
		if err != nil {
			return err
		}
		return fn(key, value)
	})
}

// Len is the visible key count.
func (d *DBDict) Len() (int, error) {
	return d.eng.Len()
}

// Stat reports count bookkeeping for this database.
func (d *DBDict) Stat() (pack.Stat, error) {
	return d.eng.Stat()
}

// Write triggers an immediate flush; block waits for it to complete.
func (d *DBDict) Write(block bool) {
	d.eng.WriteImmediately(true, block)
}

// Clear empties the database. Snapshots must be released first and
// remote handles cannot clear in place.
func (d *DBDict) Clear() error {
	return d.eng.Clear()
}

// Close stops the background tasks. write flushes the buffers first;
// wait blocks until the final flush acknowledges.
func (d *DBDict) Close(write, wait bool) error {
	d.unregister()
	return d.eng.Close(write, wait)
}

// Destroy closes without flushing and removes the store. The at-exit
// flushing close is cancelled by the same unregistration.
func (d *DBDict) Destroy() error {
	d.unregister()
	return d.eng.Destroy()
}

func (d *DBDict) unregister() {
	if d.regKey == "" {
		return
	}
	regMu.Lock()
	if registry[d.regKey] == d {
		delete(registry, d.regKey)
	}
	regMu.Unlock()
}

// String renders the visible contents dictionary-style.
func (d *DBDict) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	first := true
	_ = d.Items(func(k, v any) error {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%v: %v", k, v)
		return nil
	})
	sb.WriteString("}")
	return sb.String()
}

// CloseAll performs a flushing close of every registered handle. Go
// has no at-exit hook a library can rely on, so binaries call this
// from their shutdown path; Destroy and Close cancel a handle's
// participation by unregistering it.
func CloseAll() {
	regMu.Lock()
	handles := make([]*DBDict, 0, len(registry))
	for _, d := range registry {
		handles = append(handles, d)
	}
	registry = make(map[string]*DBDict)
	regMu.Unlock()

	for _, d := range handles {
		d.regKey = ""
		_ = d.eng.Close(true, true)
	}
}
