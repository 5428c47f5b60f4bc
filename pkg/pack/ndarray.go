package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// NDArray is an n-dimensional numeric array carried across the codec
// boundary as {dtype, shape, contiguous buffer}. The buffer layout is
// C order, little endian for the multi-byte dtypes.
type NDArray struct {
	Dtype string
	Shape []int
	Data  []byte
}

// Frame is a tabular payload in an opaque serialized form. The codec
// never interprets it; decode hands the payload back as-is.
type Frame struct {
	Payload []byte
}

// NewFloat64Array builds an f8 array from values in C order.
func NewFloat64Array(shape []int, values []float64) (*NDArray, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(values) {
		return nil, fmt.Errorf("pack: shape %v does not hold %d values", shape, len(values))
	}
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return &NDArray{Dtype: "<f8", Shape: append([]int(nil), shape...), Data: data}, nil
}

// NewInt64Array builds an i8 array from values in C order.
func NewInt64Array(shape []int, values []int64) (*NDArray, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(values) {
		return nil, fmt.Errorf("pack: shape %v does not hold %d values", shape, len(values))
	}
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v))
	}
	return &NDArray{Dtype: "<i8", Shape: append([]int(nil), shape...), Data: data}, nil
}

// Len reports the element count implied by the shape.
func (a *NDArray) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Float64s reinterprets the buffer as f8 elements.
func (a *NDArray) Float64s() ([]float64, error) {
	if a.Dtype != "<f8" && a.Dtype != "f8" {
		return nil, fmt.Errorf("pack: dtype %q is not f8", a.Dtype)
	}
	if len(a.Data)%8 != 0 {
		return nil, fmt.Errorf("pack: buffer length %d not a multiple of 8", len(a.Data))
	}
	out := make([]float64, len(a.Data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.Data[8*i:]))
	}
	return out, nil
}

// Int64s reinterprets the buffer as i8 elements.
func (a *NDArray) Int64s() ([]int64, error) {
	if a.Dtype != "<i8" && a.Dtype != "i8" {
		return nil, fmt.Errorf("pack: dtype %q is not i8", a.Dtype)
	}
	if len(a.Data)%8 != 0 {
		return nil, fmt.Errorf("pack: buffer length %d not a multiple of 8", len(a.Data))
	}
	out := make([]int64, len(a.Data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(a.Data[8*i:]))
	}
	return out, nil
}

// Equal reports element-wise equality.
func (a *NDArray) Equal(b *NDArray) bool {
	if b == nil {
		return false
	}
	if a.Dtype != b.Dtype || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return bytes.Equal(a.Data, b.Data)
}

// payload renders the extension body: the msgpack array
// [dtype, shape, data], mirroring the array-like struct layout the
// wire format inherited.
func (a *NDArray) payload() []byte {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	_ = enc.EncodeArrayLen(3)
	_ = enc.EncodeString(a.Dtype)
	_ = enc.EncodeArrayLen(len(a.Shape))
	for _, d := range a.Shape {
		_ = enc.EncodeInt(int64(d))
	}
	_ = enc.EncodeBytes(a.Data)
	return buf.Bytes()
}

func decodeNDArray(payload []byte) (*NDArray, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n != 3 {
		return nil, fmt.Errorf("ndarray frame has %d fields", n)
	}
	dtype, err := dec.DecodeString()
	if err != nil {
		return nil, err
	}
	dims, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	shape := make([]int, dims)
	for i := 0; i < dims; i++ {
		d, err := dec.DecodeInt64()
		if err != nil {
			return nil, err
		}
		shape[i] = int(d)
	}
	data, err := dec.DecodeBytes()
	if err != nil {
		return nil, err
	}
	return &NDArray{Dtype: dtype, Shape: shape, Data: data}, nil
}
