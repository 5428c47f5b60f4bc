package server

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/KenyonY/flaxkv/pkg/backend"
	"github.com/KenyonY/flaxkv/pkg/engine"
	"github.com/KenyonY/flaxkv/pkg/metrics"
	"github.com/KenyonY/flaxkv/pkg/pack"
)

// subscriberBuffer bounds each client's pending-delta queue. A slow
// consumer drops deltas rather than stalling the appliers.
const subscriberBuffer = 50

// Manager hosts the named databases and the subscriber table. Every
// hosted engine runs raw: keys and values stay encoded bytes and the
// codec is only consulted when a route returns decoded views.
type Manager struct {
	root string
	log  zerolog.Logger

	mu   sync.Mutex
	dbs  map[string]*dbEntry
	subs map[string]*subscriber
}

// dbEntry pairs an engine with the mutex that makes
// apply-then-fan-out one critical section, so every subscriber
// observes deltas in exactly the order the server committed them.
type dbEntry struct {
	mu   sync.Mutex
	eng  *engine.Engine
	kind backend.Kind
}

type subscriber struct {
	clientID string
	db       string
	deltas   chan pack.Delta
	done     chan struct{}
	once     sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// NewManager creates the database table rooted at root.
func NewManager(root string, logger zerolog.Logger) *Manager {
	return &Manager{
		root: root,
		log:  logger,
		dbs:  make(map[string]*dbEntry),
		subs: make(map[string]*subscriber),
	}
}

func parseKind(s string) (backend.Kind, error) {
	switch backend.Kind(s) {
	case backend.LevelDB, backend.Bolt:
		return backend.Kind(s), nil
	case "":
		return backend.LevelDB, nil
	default:
		return "", fmt.Errorf("%w: %q", backend.ErrUnsupportedBackend, s)
	}
}

// Attach opens the named database, creating it when absent. With
// rebuild, an already-attached database is destroyed and reopened
// empty.
func (m *Manager) Attach(name, kindStr string, rebuild bool) error {
	kind, err := parseKind(kindStr)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.dbs[name]; ok {
		if !rebuild {
			return nil
		}
		if err := entry.eng.Destroy(); err != nil {
			return fmt.Errorf("rebuild %s: %w", name, err)
		}
		delete(m.dbs, name)
	}

	b, err := backend.Open(kind, backend.DBPath(m.root, name, kind), &backend.Options{Rebuild: rebuild})
	if err != nil {
		return err
	}
	eng, err := engine.New(b, engine.Options{Logger: m.log.With().Str("db", name).Logger()})
	if err != nil {
		b.Close()
		return err
	}
	m.dbs[name] = &dbEntry{eng: eng, kind: kind}
	metrics.DatabasesAttached.Set(float64(len(m.dbs)))
	m.log.Info().Str("db", name).Str("backend", string(kind)).Bool("rebuild", rebuild).Msg("database attached")
	return nil
}

// Get looks up an attached database.
func (m *Manager) Get(name string) (*dbEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dbs[name]
	return e, ok
}

// Detach flushes, closes and forgets the named database.
func (m *Manager) Detach(name string) bool {
	m.mu.Lock()
	entry, ok := m.dbs[name]
	if ok {
		delete(m.dbs, name)
	}
	metrics.DatabasesAttached.Set(float64(len(m.dbs)))
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := entry.eng.Close(true, true); err != nil {
		m.log.Error().Err(err).Str("db", name).Msg("close on detach failed")
	}
	return true
}

// Subscribe registers a client for change notifications on db,
// replacing any previous registration under the same id.
func (m *Manager) Subscribe(clientID, db string) *subscriber {
	sub := &subscriber{
		clientID: clientID,
		db:       db,
		deltas:   make(chan pack.Delta, subscriberBuffer),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	if prev, ok := m.subs[clientID]; ok {
		prev.close()
	}
	m.subs[clientID] = sub
	metrics.SubscribersTotal.Set(float64(len(m.subs)))
	m.mu.Unlock()
	return sub
}

// Unsubscribe removes the client and signals its stream to end.
func (m *Manager) Unsubscribe(clientID string) bool {
	m.mu.Lock()
	sub, ok := m.subs[clientID]
	if ok {
		delete(m.subs, clientID)
	}
	metrics.SubscribersTotal.Set(float64(len(m.subs)))
	m.mu.Unlock()
	if ok {
		sub.close()
	}
	return ok
}

// validateSource checks the mutating client is a subscriber of db.
func (m *Manager) validateSource(clientID, db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[clientID]
	if !ok || sub.db != db {
		return fmt.Errorf("client %s is not subscribed to %s", clientID, db)
	}
	return nil
}

// ApplyPut applies a put batch to the server engine and fans the
// delta out to the other subscribers of the same database. The entry
// mutex makes apply and fan-out one critical section: deltas reach
// every subscriber in commit order.
func (m *Manager) ApplyPut(db string, data map[string][]byte, sourceID string, ts float64) error {
	entry, ok := m.Get(db)
	if !ok {
		return errDBNotFound
	}
	if err := m.validateSource(sourceID, db); err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	for k, v := range data {
		if err := entry.eng.Set([]byte(k), v); err != nil {
			return err
		}
	}
	payload, err := msgpack.Marshal(data)
	if err != nil {
		return err
	}
	m.fanout(db, sourceID, pack.Delta{Type: pack.DeltaBufferDict, Data: payload, Time: ts})
	return nil
}

// ApplyDelete applies a delete batch; keys already absent are
// ignored, mirroring pop semantics.
func (m *Manager) ApplyDelete(db string, keys [][]byte, sourceID string, ts float64) error {
	entry, ok := m.Get(db)
	if !ok {
		return errDBNotFound
	}
	if err := m.validateSource(sourceID, db); err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	for _, k := range keys {
		if _, _, err := entry.eng.Pop(k); err != nil {
			return err
		}
	}
	payload, err := msgpack.Marshal(keys)
	if err != nil {
		return err
	}
	m.fanout(db, sourceID, pack.Delta{Type: pack.DeltaDeleteKeys, Data: payload, Time: ts})
	return nil
}

// fanout enqueues the delta on every other subscriber of db. The
// originating client never sees its own change back.
func (m *Manager) fanout(db, sourceID string, d pack.Delta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subs {
		if id == sourceID || sub.db != db {
			continue
		}
		select {
		case sub.deltas <- d:
			metrics.DeltasFannedOut.Inc()
		default:
			metrics.DeltasDropped.Inc()
			m.log.Warn().Str("client_id", id).Msg("subscriber queue full, delta dropped")
		}
	}
}

// Names lists the attached databases.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.dbs))
	for name := range m.dbs {
		names = append(names, name)
	}
	return names
}

// CloseAll flushes and closes every attached database; used at
// shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make(map[string]*dbEntry, len(m.dbs))
	for name, e := range m.dbs {
		entries[name] = e
	}
	m.dbs = make(map[string]*dbEntry)
	subs := m.subs
	m.subs = make(map[string]*subscriber)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	for name, entry := range entries {
		if err := entry.eng.Close(true, true); err != nil {
			m.log.Error().Err(err).Str("db", name).Msg("close failed")
		}
	}
}

// collect refreshes the per-database gauges; the collector loop in
// server.go calls it periodically.
func (m *Manager) collect() {
	m.mu.Lock()
	entries := make(map[string]*dbEntry, len(m.dbs))
	for name, e := range m.dbs {
		entries[name] = e
	}
	m.mu.Unlock()

	for name, entry := range entries {
		st, err := entry.eng.Stat()
		if err != nil {
			continue
		}
		metrics.KeysTotal.WithLabelValues(name).Set(float64(st.Count))
		metrics.BufferedKeys.WithLabelValues(name).Set(float64(st.Buffer))
		metrics.MarkedDeletes.WithLabelValues(name).Set(float64(st.MarkedDelete))
		metrics.FlushSeq.WithLabelValues(name).Set(float64(entry.eng.Flushes()))
	}
}
