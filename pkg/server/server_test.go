package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KenyonY/flaxkv/pkg/client"
	"github.com/KenyonY/flaxkv/pkg/pack"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(t.TempDir(), zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.mgr.CloseAll()
		ts.Close()
	})
	return srv, ts
}

func newTransport(t *testing.T, ts *httptest.Server, db string) *client.Transport {
	t.Helper()
	return client.New(ts.URL, db, client.Options{
		UnaryRetryBase: 10 * time.Millisecond,
		BatchRetryBase: 10 * time.Millisecond,
	})
}

func connect(t *testing.T, tr *client.Transport, onPut func(map[string][]byte), onDelete func([][]byte)) {
	t.Helper()
	require.NoError(t, tr.Connect(context.Background(), "leveldb", true, onPut, onDelete))
	t.Cleanup(func() { _ = tr.Disconnect() })
}

func enc(t *testing.T, v any) []byte {
	t.Helper()
	b, err := pack.Encode(v)
	require.NoError(t, err)
	return b
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestCheckDB(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTransport(t, ts, "mydb")

	attached, err := tr.CheckDB()
	require.NoError(t, err)
	assert.False(t, attached)

	connect(t, tr, nil, nil)

	attached, err = tr.CheckDB()
	require.NoError(t, err)
	assert.True(t, attached)
}

func TestUnattachedDBIs500(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/get?db_name=nope", "application/octet-stream",
		strings.NewReader("k"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "db not found")
}

func TestGetSentinelAndRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTransport(t, ts, "db1")
	connect(t, tr, nil, nil)

	key := enc(t, "k")

	_, found, err := tr.Get(key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tr.Set(key, enc(t, "v")))

	value, found, err := tr.Get(key)
	require.NoError(t, err)
	assert.True(t, found)
	decoded, err := pack.Decode(value)
	require.NoError(t, err)
	assert.Equal(t, "v", decoded)
}

func TestBatchShipAndPull(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTransport(t, ts, "db2")
	connect(t, tr, nil, nil)

	tr.BufferPut(enc(t, "a"), enc(t, int64(1)))
	tr.BufferPut(enc(t, "b"), enc(t, int64(2)))
	require.NoError(t, tr.Flush())

	m, err := tr.PullAll()
	require.NoError(t, err)
	assert.Len(t, m, 2)

	st, err := tr.Stat()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, "leveldb", st.Type)
}

func TestUnsubscribedClientRejected(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTransport(t, ts, "db3")
	connect(t, tr, nil, nil)

	// a different transport that never connected
	rogue := newTransport(t, ts, "db3")
	rogue.BufferPut(enc(t, "x"), enc(t, "y"))
	assert.Error(t, rogue.Flush())
}

func TestKeysDecoded(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTransport(t, ts, "db4")
	connect(t, tr, nil, nil)

	tr.BufferPut(enc(t, pack.Tuple{int64(1), int64(2)}), enc(t, "v"))
	require.NoError(t, tr.Flush())

	keys, err := tr.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	// raw engines still hand decoded tuples back to clients
	assert.Equal(t, pack.Tuple{int64(1), int64(2)}, keys[0])
}

func TestGetBatchStream(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTransport(t, ts, "db5")
	connect(t, tr, nil, nil)

	tr.BufferPut(enc(t, "a"), enc(t, int64(1)))
	require.NoError(t, tr.Flush())

	values, err := tr.GetBatch([][]byte{enc(t, "a"), enc(t, "missing")})
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.NotNil(t, values[0])
	assert.Nil(t, values[1])
}

func TestFanOutExclusion(t *testing.T) {
	_, ts := newTestServer(t)

	type received struct {
		mu   sync.Mutex
		puts []map[string][]byte
	}
	collect := func(r *received) func(map[string][]byte) {
		return func(m map[string][]byte) {
			r.mu.Lock()
			r.puts = append(r.puts, m)
			r.mu.Unlock()
		}
	}
	count := func(r *received) int {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.puts)
	}

	var recvA, recvB received
	trA := newTransport(t, ts, "shared")
	trB := newTransport(t, ts, "shared")
	require.NoError(t, trA.Connect(context.Background(), "leveldb", true, collect(&recvA), nil))
	t.Cleanup(func() { _ = trA.Disconnect() })
	require.NoError(t, trB.Connect(context.Background(), "leveldb", false, collect(&recvB), nil))
	t.Cleanup(func() { _ = trB.Disconnect() })

	trA.BufferPut(enc(t, "a"), enc(t, int64(1)))
	require.NoError(t, trA.Flush())

	// B hears about A's change shortly after the commit
	require.Eventually(t, func() bool {
		return count(&recvB) == 1
	}, 2*time.Second, 20*time.Millisecond)

	// A never receives its own delta
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, count(&recvA))
}

func TestDeleteFanOut(t *testing.T) {
	_, ts := newTestServer(t)

	var mu sync.Mutex
	var deleted [][]byte
	trA := newTransport(t, ts, "deldb")
	trB := newTransport(t, ts, "deldb")
	require.NoError(t, trA.Connect(context.Background(), "leveldb", true, nil, nil))
	t.Cleanup(func() { _ = trA.Disconnect() })
	require.NoError(t, trB.Connect(context.Background(), "leveldb", false, nil, func(keys [][]byte) {
		mu.Lock()
		deleted = append(deleted, keys...)
		mu.Unlock()
	}))
	t.Cleanup(func() { _ = trB.Disconnect() })

	key := enc(t, "gone")
	trA.BufferPut(key, enc(t, "v"))
	require.NoError(t, trA.Flush())
	trA.BufferDelete(key)
	require.NoError(t, trA.Flush())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deleted) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDetach(t *testing.T) {
	_, ts := newTestServer(t)
	tr := newTransport(t, ts, "db6")
	connect(t, tr, nil, nil)

	require.NoError(t, tr.Detach())

	attached, err := tr.CheckDB()
	require.NoError(t, err)
	assert.False(t, attached)
}

func TestDisconnectEndsStream(t *testing.T) {
	srv, ts := newTestServer(t)
	tr := newTransport(t, ts, "db7")
	require.NoError(t, tr.Connect(context.Background(), "leveldb", true, nil, nil))

	require.NoError(t, tr.Disconnect())

	srv.mgr.mu.Lock()
	n := len(srv.mgr.subs)
	srv.mgr.mu.Unlock()
	assert.Equal(t, 0, n)
}
