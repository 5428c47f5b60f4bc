package flaxkv

import (
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KenyonY/flaxkv/pkg/pack"
	"github.com/KenyonY/flaxkv/pkg/server"
)

func openTemp(t *testing.T, name string, opts ...Option) (*DBDict, string) {
	t.Helper()
	root := t.TempDir()
	db, err := New(name, root, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(false, true) })
	return db, root
}

func TestHandleIdentity(t *testing.T) {
	db, root := openTemp(t, "same")

	again, err := New("same", root)
	require.NoError(t, err)
	assert.Same(t, db, again)

	other, err := New("other", root)
	require.NoError(t, err)
	defer other.Close(false, true)
	assert.NotSame(t, db, other)

	require.NoError(t, db.Close(true, true))
	fresh, err := New("same", root)
	require.NoError(t, err)
	defer fresh.Close(false, true)
	assert.NotSame(t, db, fresh)
}

func TestSetGetReopen(t *testing.T) {
	root := t.TempDir()
	db, err := New("scratch", root, WithBackend("leveldb"), WithRebuild())
	require.NoError(t, err)

	require.NoError(t, db.Set("k", "v"))
	v, err := db.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	db.Write(true)
	require.NoError(t, db.Close(true, true))

	db, err = New("scratch", root, WithBackend("leveldb"))
	require.NoError(t, err)
	defer db.Close(false, true)

	v, err = db.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestTupleKeysRoundTripAsTuples(t *testing.T) {
	db, _ := openTemp(t, "tuples")

	key := pack.Tuple{int64(1), pack.Tuple{int64(2), int64(3)}}
	require.NoError(t, db.Set(key, []any{int64(1), int64(2), int64(3)}))

	keys, err := db.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])

	v, err := db.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, v)
}

func TestNDArrayPersistence(t *testing.T) {
	root := t.TempDir()
	db, err := New("arrays", root, WithBackend("leveldb"), WithRebuild())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	values := make([]float64, 100*100)
	for i := range values {
		values[i] = rng.Float64()
	}
	arr, err := pack.NewFloat64Array([]int{100, 100}, values)
	require.NoError(t, err)

	require.NoError(t, db.Set("arr", arr))
	db.Write(true)
	require.NoError(t, db.Close(true, true))

	db, err = New("arrays", root, WithBackend("leveldb"))
	require.NoError(t, err)
	defer db.Close(false, true)

	v, err := db.Get("arr")
	require.NoError(t, err)
	got, ok := v.(*pack.NDArray)
	require.True(t, ok)
	assert.True(t, arr.Equal(got))
}

func TestBracketSemantics(t *testing.T) {
	db, _ := openTemp(t, "brackets")

	_, err := db.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = db.Delete("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	v, err := db.Pop("missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	v, err = db.GetDefault("missing", int64(9))
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)
}

func TestUpdateAndLen(t *testing.T) {
	db, _ := openTemp(t, "bulk")

	require.NoError(t, db.Update(map[any]any{
		"a": int64(1),
		"b": int64(2),
		"c": int64(3),
	}))
	n, err := db.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, db.Delete("b"))
	n, err = db.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestValuesAndItems(t *testing.T) {
	db, _ := openTemp(t, "iter")

	require.NoError(t, db.Set("x", int64(1)))
	require.NoError(t, db.Set("y", int64(2)))

	items := map[any]any{}
	require.NoError(t, db.Items(func(k, v any) error {
		items[k] = v
		return nil
	}))
	assert.Equal(t, map[any]any{"x": int64(1), "y": int64(2)}, items)

	values, err := db.Values()
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{int64(1), int64(2)}, values)
}

func TestGetBatchAndDBValue(t *testing.T) {
	db, _ := openTemp(t, "batch")

	require.NoError(t, db.Set("a", int64(1)))
	db.Write(true)
	require.NoError(t, db.Set("b", int64(2)))

	values, err := db.GetBatch([]any{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), nil}, values)

	// committed value only: "b" is still buffered
	raw, err := db.GetDBValue("a")
	require.NoError(t, err)
	decoded, err := pack.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1), decoded)

	_, err = db.GetDBValue("b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltBackend(t *testing.T) {
	db, _ := openTemp(t, "btree", WithBackend("bolt"))

	require.NoError(t, db.Set(int64(7), "seven"))
	db.Write(true)

	v, err := db.Get(int64(7))
	require.NoError(t, err)
	assert.Equal(t, "seven", v)
}

func TestUnsupportedBackendName(t *testing.T) {
	_, err := New("bad", t.TempDir(), WithBackend("cassandra"))
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}

func TestStatShape(t *testing.T) {
	db, _ := openTemp(t, "stats", WithMaxBufferSize(1000), WithCommitInterval(time.Hour))

	require.NoError(t, db.Set("a", int64(1)))
	st, err := db.Stat()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, 1, st.Buffer)
	assert.Equal(t, 0, st.DB)
	assert.Equal(t, "leveldb", st.Type)
}

func TestRemoteTwoClients(t *testing.T) {
	srv := server.NewServer(t.TempDir(), zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	a, err := New("shared", ts.URL, WithRebuild())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(false, true) })

	b, err := New("shared", ts.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(false, true) })

	require.NoError(t, a.Set("a", int64(1)))

	// read-your-writes on the writer before any flush
	v, err := a.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	a.Write(true)

	// the other client converges through the notification stream
	require.Eventually(t, func() bool {
		v, err := b.GetDefault("a", nil)
		return err == nil && v == int64(1)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRemoteReadThrough(t *testing.T) {
	srv := server.NewServer(t.TempDir(), zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	a, err := New("hydra", ts.URL, WithRebuild())
	require.NoError(t, err)
	require.NoError(t, a.Set("seed", "value"))
	a.Write(true)
	require.NoError(t, a.Close(false, true))

	// a later client hydrates the committed state on connect
	b, err := New("hydra", ts.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(false, true) })

	v, err := b.Get("seed")
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}
