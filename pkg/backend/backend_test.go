package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localKinds() []Kind {
	return []Kind{Bolt, LevelDB}
}

func openTemp(t *testing.T, kind Kind) Backend {
	t.Helper()
	b, err := Open(kind, filepath.Join(t.TempDir(), "db-"+string(kind)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func put(t *testing.T, b Backend, pairs map[string]string) {
	t.Helper()
	w, err := b.Write()
	require.NoError(t, err)
	for k, v := range pairs {
		require.NoError(t, w.Put([]byte(k), []byte(v)))
	}
	require.NoError(t, w.Commit())
}

func TestPutGetDelete(t *testing.T) {
	for _, kind := range localKinds() {
		t.Run(string(kind), func(t *testing.T) {
			b := openTemp(t, kind)

			put(t, b, map[string]string{"k": "v"})
			v, found, err := b.Get([]byte("k"))
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("v"), v)

			w, err := b.Write()
			require.NoError(t, err)
			require.NoError(t, w.Delete([]byte("k")))
			require.NoError(t, w.Commit())

			_, found, err = b.Get([]byte("k"))
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestOrderedIteration(t *testing.T) {
	for _, kind := range localKinds() {
		t.Run(string(kind), func(t *testing.T) {
			b := openTemp(t, kind)
			put(t, b, map[string]string{"b": "2", "a": "1", "c": "3"})

			s, err := b.NewSnapshot()
			require.NoError(t, err)
			defer s.Release()

			var keys []string
			require.NoError(t, s.Iter(func(k, v []byte) error {
				keys = append(keys, string(k))
				return nil
			}))
			assert.Equal(t, []string{"a", "b", "c"}, keys)
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	for _, kind := range localKinds() {
		t.Run(string(kind), func(t *testing.T) {
			b := openTemp(t, kind)
			put(t, b, map[string]string{"k": "old"})

			s, err := b.NewSnapshot()
			require.NoError(t, err)
			defer s.Release()

			put(t, b, map[string]string{"k": "new", "extra": "x"})

			v, found, err := s.Get([]byte("k"))
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("old"), v)

			_, found, err = s.Get([]byte("extra"))
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestSnapshotUseAfterRelease(t *testing.T) {
	for _, kind := range localKinds() {
		t.Run(string(kind), func(t *testing.T) {
			b := openTemp(t, kind)
			s, err := b.NewSnapshot()
			require.NoError(t, err)
			require.NoError(t, s.Release())

			_, _, err = s.Get([]byte("k"))
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, s.Iter(func(k, v []byte) error { return nil }), ErrClosed)
		})
	}
}

func TestBatchDiscard(t *testing.T) {
	for _, kind := range localKinds() {
		t.Run(string(kind), func(t *testing.T) {
			b := openTemp(t, kind)

			w, err := b.Write()
			require.NoError(t, err)
			require.NoError(t, w.Put([]byte("k"), []byte("v")))
			w.Discard()

			_, found, err := b.Get([]byte("k"))
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestCount(t *testing.T) {
	for _, kind := range localKinds() {
		t.Run(string(kind), func(t *testing.T) {
			b := openTemp(t, kind)
			pairs := map[string]string{}
			for i := 0; i < 10; i++ {
				pairs[fmt.Sprintf("k%02d", i)] = "v"
			}
			put(t, b, pairs)

			n, err := b.Count()
			require.NoError(t, err)
			assert.Equal(t, 10, n)
		})
	}
}

func TestRebuildEmptiesStore(t *testing.T) {
	for _, kind := range localKinds() {
		t.Run(string(kind), func(t *testing.T) {
			b := openTemp(t, kind)
			put(t, b, map[string]string{"k": "v"})

			require.NoError(t, b.Rebuild())

			n, err := b.Count()
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestDestroyRemovesFiles(t *testing.T) {
	for _, kind := range localKinds() {
		t.Run(string(kind), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gone")
			b, err := Open(kind, path, nil)
			require.NoError(t, err)
			put(t, b, map[string]string{"k": "v"})

			require.NoError(t, b.Destroy())
			_, err = os.Stat(path)
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestOpenRebuildOption(t *testing.T) {
	for _, kind := range localKinds() {
		t.Run(string(kind), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "db")
			b, err := Open(kind, path, nil)
			require.NoError(t, err)
			put(t, b, map[string]string{"k": "v"})
			require.NoError(t, b.Close())

			b, err = Open(kind, path, &Options{Rebuild: true})
			require.NoError(t, err)
			defer b.Close()

			_, found, err := b.Get([]byte("k"))
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestUnsupportedKind(t *testing.T) {
	_, err := Open(Kind("cassandra"), t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}

func TestDBPathLayout(t *testing.T) {
	assert.Equal(t, filepath.Join("/data", "vectors-leveldb"), DBPath("/data", "vectors", LevelDB))
}
