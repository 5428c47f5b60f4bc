package pack

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

var (
	// ErrEncode reports a value the codec cannot represent.
	ErrEncode = errors.New("pack: unsupported value")
	// ErrDecode reports malformed or unrepresentable input.
	ErrDecode = errors.New("pack: malformed input")
)

// Tuple is an ordered sequence that survives a round-trip as a tuple
// rather than a list. Keys decoded through DecodeKey use it so that
// composite keys compare equal after encode/decode.
type Tuple []any

// Raw holds the payload of an extension tag the codec does not know.
type Raw []byte

const (
	extNDArray = 1
	extFrame   = 2
)

// Encode serializes a typed value to msgpack bytes.
//
// Supported: nil, bool, all int/uint widths, float32/64, string,
// []byte, []any, Tuple, map[any]any, map[string]any, *NDArray, *Frame,
// Raw, nested to any depth.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeValue(enc, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes msgpack bytes produced by Encode.
func Decode(b []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	v, err := decodeValue(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return v, nil
}

// DecodeKey deserializes a key. Sequence-shaped keys come back as
// Tuple, recursively, so they stay comparable across a round-trip.
func DecodeKey(b []byte) (any, error) {
	v, err := Decode(b)
	if err != nil {
		return nil, err
	}
	return toTuple(v), nil
}

func toTuple(v any) any {
	switch s := v.(type) {
	case []any:
		t := make(Tuple, len(s))
		for i, e := range s {
			t[i] = toTuple(e)
		}
		return t
	case Tuple:
		for i, e := range s {
			s[i] = toTuple(e)
		}
		return s
	default:
		return v
	}
}

func encodeValue(enc *msgpack.Encoder, v any) error {
	switch x := v.(type) {
	case nil:
		return enc.EncodeNil()
	case bool:
		return enc.EncodeBool(x)
	case int:
		return enc.EncodeInt(int64(x))
	case int8:
		return enc.EncodeInt(int64(x))
	case int16:
		return enc.EncodeInt(int64(x))
	case int32:
		return enc.EncodeInt(int64(x))
	case int64:
		return enc.EncodeInt(x)
	case uint:
		return enc.EncodeUint(uint64(x))
	case uint8:
		return enc.EncodeUint(uint64(x))
	case uint16:
		return enc.EncodeUint(uint64(x))
	case uint32:
		return enc.EncodeUint(uint64(x))
	case uint64:
		return enc.EncodeUint(x)
	case float32:
		return enc.EncodeFloat32(x)
	case float64:
		return enc.EncodeFloat64(x)
	case string:
		return enc.EncodeString(x)
	case Raw:
		return enc.EncodeBytes(x)
	case []byte:
		return enc.EncodeBytes(x)
	case Tuple:
		return encodeSeq(enc, x)
	case []any:
		return encodeSeq(enc, x)
	case map[any]any:
		if err := enc.EncodeMapLen(len(x)); err != nil {
			return err
		}
		for k, val := range x {
			if err := encodeValue(enc, k); err != nil {
				return err
			}
			if err := encodeValue(enc, val); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		if err := enc.EncodeMapLen(len(x)); err != nil {
			return err
		}
		for k, val := range x {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := encodeValue(enc, val); err != nil {
				return err
			}
		}
		return nil
	case *NDArray:
		return encodeExt(enc, extNDArray, x.payload())
	case *Frame:
		return encodeExt(enc, extFrame, x.Payload)
	default:
		return fmt.Errorf("%w: %T", ErrEncode, v)
	}
}

func encodeSeq(enc *msgpack.Encoder, s []any) error {
	if err := enc.EncodeArrayLen(len(s)); err != nil {
		return err
	}
	for _, e := range s {
		if err := encodeValue(enc, e); err != nil {
			return err
		}
	}
	return nil
}

func encodeExt(enc *msgpack.Encoder, id int8, payload []byte) error {
	if err := enc.EncodeExtHeader(id, len(payload)); err != nil {
		return err
	}
	_, err := enc.Writer().Write(payload)
	return err
}

func decodeValue(dec *msgpack.Decoder) (any, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	switch {
	case c == msgpcode.Nil:
		return nil, dec.DecodeNil()
	case c == msgpcode.True || c == msgpcode.False:
		return dec.DecodeBool()
	case msgpcode.IsFixedNum(c),
		c == msgpcode.Int8, c == msgpcode.Int16,
		c == msgpcode.Int32, c == msgpcode.Int64,
		c == msgpcode.Uint8, c == msgpcode.Uint16,
		c == msgpcode.Uint32:
		return dec.DecodeInt64()
	case c == msgpcode.Uint64:
		return dec.DecodeUint64()
	case c == msgpcode.Float:
		f, err := dec.DecodeFloat32()
		return float64(f), err
	case c == msgpcode.Double:
		return dec.DecodeFloat64()
	case msgpcode.IsString(c):
		return dec.DecodeString()
	case c == msgpcode.Bin8 || c == msgpcode.Bin16 || c == msgpcode.Bin32:
		return dec.DecodeBytes()
	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		s := make([]any, n)
		for i := 0; i < n; i++ {
			if s[i], err = decodeValue(dec); err != nil {
				return nil, err
			}
		}
		return s, nil
	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		m := make(map[any]any, n)
		for i := 0; i < n; i++ {
			k, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			if !hashable(k) {
				return nil, fmt.Errorf("map key %T is not comparable", k)
			}
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil
	case msgpcode.IsExt(c):
		return decodeExt(dec)
	default:
		return nil, fmt.Errorf("unexpected code %x", c)
	}
}

func hashable(k any) bool {
	switch k.(type) {
	case nil, bool, int64, uint64, float64, string:
		return true
	default:
		return false
	}
}

func decodeExt(dec *msgpack.Decoder) (any, error) {
	id, n, err := dec.DecodeExtHeader()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(dec.Buffered(), payload); err != nil {
		return nil, err
	}
	switch id {
	case extNDArray:
		return decodeNDArray(payload)
	case extFrame:
		return &Frame{Payload: payload}, nil
	default:
		return Raw(payload), nil
	}
}
