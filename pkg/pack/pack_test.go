package pack

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := Encode(v)
	require.NoError(t, err)
	out, err := Decode(b)
	require.NoError(t, err)
	return out
}

func TestRoundTripScalars(t *testing.T) {
	assert.Equal(t, nil, roundTrip(t, nil))
	assert.Equal(t, true, roundTrip(t, true))
	assert.Equal(t, false, roundTrip(t, false))
	assert.Equal(t, int64(42), roundTrip(t, 42))
	assert.Equal(t, int64(-7), roundTrip(t, int64(-7)))
	assert.Equal(t, uint64(1<<63), roundTrip(t, uint64(1<<63)))
	assert.Equal(t, 3.25, roundTrip(t, 3.25))
	assert.Equal(t, "hello", roundTrip(t, "hello"))
	assert.Equal(t, []byte{0x00, 0xff}, roundTrip(t, []byte{0x00, 0xff}))
}

func TestRoundTripContainers(t *testing.T) {
	v := []any{int64(1), "two", []any{3.0, nil}}
	assert.Equal(t, v, roundTrip(t, v))

	m := map[any]any{
		"a":      int64(1),
		int64(2): []any{"b", "c"},
	}
	assert.Equal(t, m, roundTrip(t, m))

	nested := map[any]any{"outer": map[any]any{"inner": []any{int64(1)}}}
	assert.Equal(t, nested, roundTrip(t, nested))
}

func TestTupleKeyRoundTrip(t *testing.T) {
	key := Tuple{int64(1), Tuple{int64(2), int64(3)}}
	b, err := Encode(key)
	require.NoError(t, err)

	out, err := DecodeKey(b)
	require.NoError(t, err)

	// Sequence-shaped keys come back as tuples at every depth, so a
	// key of (1, (2, 3)) is (1, (2, 3)) again, not a list.
	assert.Equal(t, key, out)
	assert.IsType(t, Tuple{}, out)
	assert.IsType(t, Tuple{}, out.(Tuple)[1])
}

func TestScalarKeyRoundTrip(t *testing.T) {
	b, err := Encode("plain")
	require.NoError(t, err)
	out, err := DecodeKey(b)
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestNDArrayRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	values := make([]float64, 100*100)
	for i := range values {
		values[i] = rng.Float64()
	}
	arr, err := NewFloat64Array([]int{100, 100}, values)
	require.NoError(t, err)

	out := roundTrip(t, arr)
	got, ok := out.(*NDArray)
	require.True(t, ok)
	assert.True(t, arr.Equal(got))

	floats, err := got.Float64s()
	require.NoError(t, err)
	assert.Equal(t, values, floats)
}

func TestNDArrayInsideContainer(t *testing.T) {
	arr, err := NewInt64Array([]int{3}, []int64{1, 2, 3})
	require.NoError(t, err)

	out := roundTrip(t, []any{"tag", arr})
	seq := out.([]any)
	got := seq[1].(*NDArray)
	assert.True(t, arr.Equal(got))

	ints, err := got.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ints)
}

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{Payload: []byte("opaque-table-bytes")}
	out := roundTrip(t, f)
	got, ok := out.(*Frame)
	require.True(t, ok)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestUnknownExtDecodesToRaw(t *testing.T) {
	// ext8, type 99, payload "xyz"
	raw := []byte{0xc7, 0x03, 99, 'x', 'y', 'z'}
	out, derr := Decode(raw)
	require.NoError(t, derr)
	assert.Equal(t, Raw("xyz"), out)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0xc1})
	assert.ErrorIs(t, err, ErrDecode)

	// truncated array
	_, err = Decode([]byte{0x92, 0x01})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestEncodeUnsupported(t *testing.T) {
	_, err := Encode(make(chan int))
	assert.ErrorIs(t, err, ErrEncode)
}

func TestMapWithCompositeKeyRejected(t *testing.T) {
	// msgpack map {[1]: 2} — legal on the wire, unhashable here.
	raw := []byte{0x81, 0x91, 0x01, 0x02}
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestWireMessages(t *testing.T) {
	sb := SetBatch{
		Data:     map[string][]byte{"k": []byte("v")},
		ClientID: "c1",
		Time:     12.5,
	}
	b, err := msgpack.Marshal(sb)
	require.NoError(t, err)
	var out SetBatch
	require.NoError(t, msgpack.Unmarshal(b, &out))
	assert.Equal(t, sb, out)

	inner, err := msgpack.Marshal(sb.Data)
	require.NoError(t, err)
	d := Delta{Type: DeltaBufferDict, Data: inner, Time: 1}
	b, err = msgpack.Marshal(d)
	require.NoError(t, err)
	var dd Delta
	require.NoError(t, msgpack.Unmarshal(b, &dd))
	assert.Equal(t, DeltaBufferDict, dd.Type)
	var m map[string][]byte
	require.NoError(t, msgpack.Unmarshal(dd.Data, &m))
	assert.Equal(t, sb.Data, m)
}
