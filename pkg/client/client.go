package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/KenyonY/flaxkv/pkg/pack"
)

var (
	// ErrTransport reports a network or server failure that survived
	// the retry policy.
	ErrTransport = errors.New("client: transport failure")
	// ErrDBNotFound reports a server that does not have the database
	// attached.
	ErrDBNotFound = errors.New("client: database not attached")
)

// Options configures a Transport. Zero values fall back to the
// defaults below.
type Options struct {
	// ConnectTimeout bounds dialing; responses have no read deadline
	// (the notification stream is long-lived).
	ConnectTimeout time.Duration
	// MaxRetries caps the attempts per RPC, the first one included.
	MaxRetries uint64
	// UnaryRetryBase seeds the backoff for unary RPCs.
	UnaryRetryBase time.Duration
	// BatchRetryBase seeds the backoff for batch RPCs.
	BatchRetryBase time.Duration
	Logger         zerolog.Logger
}

func (o *Options) withDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.UnaryRetryBase <= 0 {
		o.UnaryRetryBase = 200 * time.Millisecond
	}
	if o.BatchRetryBase <= 0 {
		o.BatchRetryBase = 500 * time.Millisecond
	}
}

// Transport is the client half of the remote protocol: it buffers
// writes, ships them as batches, answers point reads with unary RPCs
// and feeds server-side change notifications to the owner's cache.
type Transport struct {
	base     string
	db       string
	clientID string
	hc       *http.Client
	opts     Options
	log      zerolog.Logger

	mu     sync.Mutex
	putBuf map[string][]byte
	delBuf map[string]struct{}

	connMu     sync.Mutex
	cancel     context.CancelFunc
	streamDone chan struct{}
}

// New builds a transport for one named database behind baseURL. The
// client id is generated here and identifies this transport to the
// server for the lifetime of the connection.
func New(baseURL, dbName string, opts Options) *Transport {
	opts.withDefaults()
	return &Transport{
		base:     strings.TrimRight(baseURL, "/"),
		db:       dbName,
		clientID: uuid.New().String(),
		hc: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: opts.ConnectTimeout,
				}).DialContext,
			},
		},
		opts:   opts,
		log:    opts.Logger,
		putBuf: make(map[string][]byte),
		delBuf: make(map[string]struct{}),
	}
}

// ClientID returns the id the server knows this transport by.
func (t *Transport) ClientID() string { return t.clientID }

// Addr identifies the remote database for display purposes.
func (t *Transport) Addr() string { return t.base + "/" + t.db }

func (t *Transport) retry(base time.Duration, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	err := backoff.Retry(op, backoff.WithMaxRetries(bo, t.opts.MaxRetries-1))
	if err != nil {
		if errors.Is(err, ErrDBNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (t *Transport) do(method, path string, query url.Values, contentType string, body []byte) ([]byte, error) {
	u := t.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := t.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if strings.Contains(msg, "db not found") {
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrDBNotFound, t.db))
		}
		return nil, fmt.Errorf("server %s: %s", resp.Status, msg)
	}
	return data, nil
}

func (t *Transport) dbQuery() url.Values {
	return url.Values{"db_name": []string{t.db}}
}

// Healthz probes the server.
func (t *Transport) Healthz() error {
	return t.retry(t.opts.UnaryRetryBase, func() error {
		_, err := t.do(http.MethodGet, "/healthz", nil, "", nil)
		return err
	})
}

// CheckDB asks whether the named database is attached.
func (t *Transport) CheckDB() (bool, error) {
	var attached bool
	err := t.retry(t.opts.UnaryRetryBase, func() error {
		data, err := t.do(http.MethodGet, "/check_db", t.dbQuery(), "", nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &attached)
	})
	return attached, err
}

// Connect opens or rebuilds the database server-side, registers this
// client for notifications, and starts the stream consumer. onPut and
// onDelete receive decoded deltas from other clients; either may be
// nil. Connect returns once the server accepted the registration.
func (t *Transport) Connect(ctx context.Context, backendKind string, rebuild bool,
	onPut func(map[string][]byte), onDelete func([][]byte)) error {

	body, err := json.Marshal(pack.ConnectRequest{
		DBName:   t.db,
		Backend:  backendKind,
		Rebuild:  rebuild,
		ClientID: t.clientID,
	})
	if err != nil {
		return err
	}

	return t.retry(t.opts.UnaryRetryBase, func() error {
		streamCtx, cancel := context.WithCancel(ctx)
		req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, t.base+"/connect", bytes.NewReader(body))
		if err != nil {
			cancel()
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.hc.Do(req)
		if err != nil {
			cancel()
			return err
		}
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			return fmt.Errorf("connect rejected: %s: %s", resp.Status, strings.TrimSpace(string(data)))
		}

		t.connMu.Lock()
		t.cancel = cancel
		t.streamDone = make(chan struct{})
		done := t.streamDone
		t.connMu.Unlock()

		go t.consumeStream(resp.Body, done, onPut, onDelete)
		return nil
	})
}

// consumeStream reassembles notification frames at the stream
// delimiter and applies them in arrival order.
func (t *Transport) consumeStream(body io.ReadCloser, done chan struct{},
	onPut func(map[string][]byte), onDelete func([][]byte)) {

	defer close(done)
	defer body.Close()

	var acc []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			acc = append(acc, chunk[:n]...)
			for {
				idx := bytes.Index(acc, pack.StreamDelimiter)
				if idx < 0 {
					break
				}
				frame := acc[:idx]
				acc = acc[idx+len(pack.StreamDelimiter):]
				t.applyDelta(frame, onPut, onDelete)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				t.log.Debug().Err(err).Msg("notification stream ended")
			}
			return
		}
	}
}

func (t *Transport) applyDelta(frame []byte, onPut func(map[string][]byte), onDelete func([][]byte)) {
	var d pack.Delta
	if err := msgpack.Unmarshal(frame, &d); err != nil {
		t.log.Warn().Err(err).Msg("undecodable notification frame")
		return
	}
	switch d.Type {
	case pack.DeltaBufferDict:
		if onPut == nil {
			return
		}
		var m map[string][]byte
		if err := msgpack.Unmarshal(d.Data, &m); err != nil {
			t.log.Warn().Err(err).Msg("undecodable put delta")
			return
		}
		onPut(m)
	case pack.DeltaDeleteKeys:
		if onDelete == nil {
			return
		}
		var keys [][]byte
		if err := msgpack.Unmarshal(d.Data, &keys); err != nil {
			t.log.Warn().Err(err).Msg("undecodable delete delta")
			return
		}
		onDelete(keys)
	default:
		t.log.Warn().Str("type", d.Type).Msg("unknown delta type")
	}
}

// Disconnect tells the server to stop the notification stream and
// tears down the consumer.
func (t *Transport) Disconnect() error {
	err := t.retry(t.opts.UnaryRetryBase, func() error {
		_, err := t.do(http.MethodGet, "/disconnect",
			url.Values{"client_id": []string{t.clientID}}, "", nil)
		return err
	})

	t.connMu.Lock()
	cancel := t.cancel
	done := t.streamDone
	t.cancel = nil
	t.streamDone = nil
	t.connMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	return err
}

// Detach drops the database from the server's table.
func (t *Transport) Detach() error {
	body, err := json.Marshal(pack.DetachRequest{DBName: t.db})
	if err != nil {
		return err
	}
	return t.retry(t.opts.UnaryRetryBase, func() error {
		_, err := t.do(http.MethodPost, "/detach", nil, "application/json", body)
		return err
	})
}

// BufferPut queues a write; nothing goes on the wire until Flush.
func (t *Transport) BufferPut(key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.putBuf[string(key)] = value
	delete(t.delBuf, string(key))
}

// BufferDelete queues a deletion.
func (t *Transport) BufferDelete(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delBuf[string(key)] = struct{}{}
	delete(t.putBuf, string(key))
}

// DiscardBuffers drops everything queued since the last Flush.
func (t *Transport) DiscardBuffers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.putBuf = make(map[string][]byte)
	t.delBuf = make(map[string]struct{})
}

// Flush ships one request per non-empty buffer. Shipped entries are
// cleared only on success; entries buffered concurrently stay queued
// for the next Flush.
func (t *Transport) Flush() error {
	t.mu.Lock()
	puts := make(map[string][]byte, len(t.putBuf))
	for k, v := range t.putBuf {
		puts[k] = v
	}
	dels := make([][]byte, 0, len(t.delBuf))
	for k := range t.delBuf {
		dels = append(dels, []byte(k))
	}
	t.mu.Unlock()

	now := float64(time.Now().UnixNano()) / 1e9

	if len(puts) > 0 {
		if err := t.shipPuts(puts, now); err != nil {
			return err
		}
		t.mu.Lock()
		for k, v := range puts {
			if cur, ok := t.putBuf[k]; ok && bytes.Equal(cur, v) {
				delete(t.putBuf, k)
			}
		}
		t.mu.Unlock()
	}

	if len(dels) > 0 {
		if err := t.shipDeletes(dels, now); err != nil {
			return err
		}
		t.mu.Lock()
		for _, k := range dels {
			delete(t.delBuf, string(k))
		}
		t.mu.Unlock()
	}
	return nil
}

// shipPuts sends the put batch as one multipart file whose filename
// names the database.
func (t *Transport) shipPuts(puts map[string][]byte, now float64) error {
	payload, err := msgpack.Marshal(pack.SetBatch{
		Data:     puts,
		ClientID: t.clientID,
		Time:     now,
	})
	if err != nil {
		return err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", t.db)
	if err != nil {
		return err
	}
	if _, err := fw.Write(payload); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return t.retry(t.opts.BatchRetryBase, func() error {
		_, err := t.do(http.MethodPost, "/set_batch_stream", nil,
			mw.FormDataContentType(), body.Bytes())
		return err
	})
}

func (t *Transport) shipDeletes(keys [][]byte, now float64) error {
	payload, err := msgpack.Marshal(pack.DeleteBatch{
		Keys:     keys,
		ClientID: t.clientID,
		Time:     now,
	})
	if err != nil {
		return err
	}
	return t.retry(t.opts.BatchRetryBase, func() error {
		_, err := t.do(http.MethodPost, "/delete_batch", t.dbQuery(),
			"application/octet-stream", payload)
		return err
	})
}

// Get is a single round-trip point read. Absence comes back as the
// null sentinel and is reported with found=false.
func (t *Transport) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := t.retry(t.opts.UnaryRetryBase, func() error {
		data, err := t.do(http.MethodPost, "/get", t.dbQuery(),
			"application/octet-stream", key)
		if err != nil {
			return err
		}
		value = data
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if bytes.Equal(value, pack.NullSentinel) {
		return nil, false, nil
	}
	return value, true, nil
}

// Set writes one pair without touching the buffers.
func (t *Transport) Set(key, value []byte) error {
	payload, err := msgpack.Marshal(pack.SetData{Key: key, Value: value})
	if err != nil {
		return err
	}
	return t.retry(t.opts.UnaryRetryBase, func() error {
		_, err := t.do(http.MethodPost, "/set", t.dbQuery(),
			"application/octet-stream", payload)
		return err
	})
}

// GetBatch resolves several keys in one chunked response; misses come
// back nil.
func (t *Transport) GetBatch(keys [][]byte) ([][]byte, error) {
	payload, err := msgpack.Marshal(pack.GetBatch{Keys: keys})
	if err != nil {
		return nil, err
	}
	var values [][]byte
	err = t.retry(t.opts.UnaryRetryBase, func() error {
		data, err := t.do(http.MethodPost, "/get_batch_stream", t.dbQuery(),
			"application/octet-stream", payload)
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(data, &values)
	})
	return values, err
}

// Keys lists the decoded keys of the remote database.
func (t *Transport) Keys() ([]any, error) {
	var keys []any
	err := t.retry(t.opts.UnaryRetryBase, func() error {
		data, err := t.do(http.MethodGet, "/keys_stream", t.dbQuery(), "", nil)
		if err != nil {
			return err
		}
		v, err := pack.DecodeKey(data)
		if err != nil {
			return err
		}
		seq, ok := v.(pack.Tuple)
		if !ok {
			return fmt.Errorf("keys response is %T", v)
		}
		keys = []any(seq)
		return nil
	})
	return keys, err
}

// PullAll streams the full database down as one encoded mapping of
// encoded-key to encoded-value; cache-all hydration uses it.
func (t *Transport) PullAll() (map[string][]byte, error) {
	var m map[string][]byte
	err := t.retry(t.opts.BatchRetryBase, func() error {
		data, err := t.do(http.MethodGet, "/dict_stream", t.dbQuery(), "", nil)
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(data, &m)
	})
	if m == nil {
		m = map[string][]byte{}
	}
	return m, err
}

// Stat fetches the server-side statistics mapping.
func (t *Transport) Stat() (pack.Stat, error) {
	var st pack.Stat
	err := t.retry(t.opts.UnaryRetryBase, func() error {
		data, err := t.do(http.MethodGet, "/stat", t.dbQuery(), "", nil)
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(data, &st)
	})
	return st, err
}

// Count reports the committed key count server-side.
func (t *Transport) Count() (int, error) {
	st, err := t.Stat()
	if err != nil {
		return 0, err
	}
	return st.DB, nil
}
