package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/KenyonY/flaxkv/pkg/metrics"
	"github.com/KenyonY/flaxkv/pkg/pack"
)

var errDBNotFound = errors.New("db not found")

// streamChunkSize is the chunking unit of the *_stream routes.
const streamChunkSize = 1 << 20

// collectInterval paces the metrics gauges refresh.
const collectInterval = 15 * time.Second

// Server exposes the HTTP API over a Manager.
type Server struct {
	mgr *Manager
	mux *http.ServeMux
	log zerolog.Logger

	httpSrv     *http.Server
	collectStop chan struct{}
}

// NewServer wires the routes over a database table rooted at root.
func NewServer(root string, logger zerolog.Logger) *Server {
	s := &Server{
		mgr:         NewManager(root, logger),
		mux:         http.NewServeMux(),
		log:         logger,
		collectStop: make(chan struct{}),
	}
	s.routes()
	return s
}

// Manager exposes the database table (tests, embedding).
func (s *Server) Manager() *Manager { return s.mgr }

// Handler returns the routed handler; httptest mounts it directly.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.handle("/healthz", s.handleHealthz)
	s.handle("/check_db", s.handleCheckDB)
	s.handle("/connect", s.handleConnect)
	s.handle("/disconnect", s.handleDisconnect)
	s.handle("/detach", s.handleDetach)
	s.handle("/set", s.handleSet)
	s.handle("/set_batch_stream", s.handleSetBatchStream)
	s.handle("/get", s.handleGet)
	s.handle("/get_batch_stream", s.handleGetBatchStream)
	s.handle("/delete_batch", s.handleDeleteBatch)
	s.handle("/keys", s.handleKeys)
	s.handle("/keys_stream", s.handleKeysStream)
	s.handle("/dict", s.handleDict)
	s.handle("/dict_stream", s.handleDictStream)
	s.handle("/stat", s.handleStat)
	s.mux.Handle("/metrics", metrics.Handler())
}

// statusRecorder captures the status code for the request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handle(route string, h http.HandlerFunc) {
	s.mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

// db resolves the db_name query parameter; a miss writes the 500 the
// protocol promises for unattached databases.
func (s *Server) db(w http.ResponseWriter, r *http.Request) (*dbEntry, bool) {
	name := r.URL.Query().Get("db_name")
	entry, ok := s.mgr.Get(name)
	if !ok {
		http.Error(w, errDBNotFound.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return entry, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "OK")
}

func (s *Server) handleCheckDB(w http.ResponseWriter, r *http.Request) {
	_, ok := s.mgr.Get(r.URL.Query().Get("db_name"))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ok)
}

// handleConnect attaches (or rebuilds) the database, registers the
// client as a subscriber and holds the response open as the
// notification stream: each queued delta is written encoded, followed
// by the framing token.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req pack.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}
	if err := s.mgr.Attach(req.DBName, req.Backend, req.Rebuild); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.mgr.Subscribe(req.ClientID, req.DBName)
	s.log.Info().Str("client_id", req.ClientID).Str("db", req.DBName).Msg("client connected")

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case d := <-sub.deltas:
			frame, err := msgpack.Marshal(d)
			if err != nil {
				s.log.Error().Err(err).Msg("delta encode failed")
				continue
			}
			if _, err := w.Write(frame); err != nil {
				s.mgr.Unsubscribe(req.ClientID)
				return
			}
			if _, err := w.Write(pack.StreamDelimiter); err != nil {
				s.mgr.Unsubscribe(req.ClientID)
				return
			}
			flusher.Flush()
		case <-sub.done:
			s.log.Info().Str("client_id", req.ClientID).Msg("client disconnected")
			return
		case <-r.Context().Done():
			s.mgr.Unsubscribe(req.ClientID)
			s.log.Info().Str("client_id", req.ClientID).Msg("client connection lost")
			return
		}
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ok := s.mgr.Unsubscribe(r.URL.Query().Get("client_id"))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": ok})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	var req pack.DetachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok := s.mgr.Detach(req.DBName)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": ok})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.db(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var data pack.SetData
	if err := msgpack.Unmarshal(body, &data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := entry.eng.Set(data.Key, data.Value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetBatchStream ingests a shipped put-buffer: one multipart
// file whose filename names the database.
func (s *Server) handleSetBatchStream(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	part, err := mr.NextPart()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dbName := part.FileName()
	content, err := io.ReadAll(part)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var batch pack.SetBatch
	if err := msgpack.Unmarshal(content, &batch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.mgr.ApplyPut(dbName, batch.Data, batch.ClientID, batch.Time); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.db(w, r)
	if !ok {
		return
	}
	key, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	value, found, err := entry.eng.Get(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if !found {
		w.Write(pack.NullSentinel)
		return
	}
	w.Write(value)
}

func (s *Server) handleGetBatchStream(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.db(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var req pack.GetBatch
	if err := msgpack.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	values, err := entry.eng.GetBatch(req.Keys)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out, err := msgpack.Marshal(values)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeChunked(w, out)
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("db_name")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var batch pack.DeleteBatch
	if err := msgpack.Unmarshal(body, &batch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.mgr.ApplyDelete(name, batch.Keys, batch.ClientID, batch.Time); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// keysPayload decodes every raw key so clients that asked for decoded
// views get them even though the hosted engines run raw.
func (s *Server) keysPayload(entry *dbEntry) ([]byte, error) {
	rawKeys, err := entry.eng.Keys()
	if err != nil {
		return nil, err
	}
	keys := make([]any, 0, len(rawKeys))
	for _, rk := range rawKeys {
		k, err := pack.DecodeKey(rk)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return pack.Encode(keys)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.db(w, r)
	if !ok {
		return
	}
	out, err := s.keysPayload(entry)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(out)
}

func (s *Server) handleKeysStream(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.db(w, r)
	if !ok {
		return
	}
	out, err := s.keysPayload(entry)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeChunked(w, out)
}

// dictPayload renders the full mapping of encoded key to encoded
// value.
func (s *Server) dictPayload(entry *dbEntry) ([]byte, error) {
	m := make(map[string][]byte)
	err := entry.eng.Items(func(k, v []byte) error {
		m[string(k)] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(m)
}

func (s *Server) handleDict(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.db(w, r)
	if !ok {
		return
	}
	out, err := s.dictPayload(entry)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(out)
}

func (s *Server) handleDictStream(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.db(w, r)
	if !ok {
		return
	}
	out, err := s.dictPayload(entry)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeChunked(w, out)
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.db(w, r)
	if !ok {
		return
	}
	st, err := entry.eng.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out, err := msgpack.Marshal(st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(out)
}

// writeChunked flushes the payload in 1 MiB chunks.
func (s *Server) writeChunked(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	flusher, _ := w.(http.Flusher)
	for len(data) > 0 {
		n := streamChunkSize
		if n > len(data) {
			n = len(data)
		}
		if _, err := w.Write(data[:n]); err != nil {
			return
		}
		data = data[n:]
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Start serves the API on addr until Stop.
func (s *Server) Start(addr string) error {
	go s.collectLoop()
	s.httpSrv = &http.Server{Addr: addr, Handler: s.mux}
	s.log.Info().Str("addr", addr).Msg("flaxkv server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully and flushes every attached
// database.
func (s *Server) Stop(ctx context.Context) error {
	close(s.collectStop)
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.mgr.CloseAll()
	return err
}

func (s *Server) collectLoop() {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mgr.collect()
		case <-s.collectStop:
			return
		}
	}
}
