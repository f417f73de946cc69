// Package transcoder converts typed Go values to cache payloads and back.
// A payload is a byte slice plus a 32-bit flags value; the flags carry the
// type tag so that the original type can be reconstructed on retrieval.
package transcoder

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"time"

	"github.com/dropbox/godropbox/errors"
)

// Type tags stored in an item's flags field.  The numeric tags form a
// fixed table; tags are part of the stored data and must never be
// renumbered.
const (
	FlagString  uint32 = 1
	FlagBytes   uint32 = 2
	FlagBool    uint32 = 3
	FlagInt8    uint32 = 4
	FlagUint8   uint32 = 5
	FlagInt16   uint32 = 6
	FlagUint16  uint32 = 7
	FlagInt32   uint32 = 8
	FlagUint32  uint32 = 9
	FlagInt64   uint32 = 10
	FlagUint64  uint32 = 11
	FlagInt     uint32 = 12
	FlagUint    uint32 = 13
	FlagTime    uint32 = 16
	FlagDuration uint32 = 17
	FlagComplex64  uint32 = 18
	FlagComplex128 uint32 = 19
	FlagFloat32 uint32 = 20
	FlagFloat64 uint32 = 21

	// Composite values are serialized with gob.
	FlagGob uint32 = 1 << 8
)

// Converts typed values to (flags, data) payloads and back.
// Implementations must be stateless and safe for concurrent use.
type Transcoder interface {
	// This serializes a value into a payload plus its type tag.
	Encode(value interface{}) (flags uint32, data []byte, err error)

	// This reconstructs the value stored in a payload.  Decoding a payload
	// whose flags do not match a known tag fails with a *MismatchError
	// (the raw payload remains accessible through the error).
	Decode(flags uint32, data []byte) (interface{}, error)
}

// Returned when a payload cannot be decoded as the type its flags claim,
// or when the flags are unknown.  Raw holds the unmodified payload so
// callers can still get at the stored bytes.
type MismatchError struct {
	Flags uint32
	Raw   []byte
	cause string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf(
		"Cannot decode payload with flags 0x%x: %s",
		e.Flags,
		e.cause)
}

func newMismatchError(flags uint32, raw []byte, cause string) error {
	return &MismatchError{Flags: flags, Raw: raw, cause: cause}
}

// The default transcoder.  Primitive types are stored in big-endian
// binary form under their own type tags; everything else goes through
// gob.
type defaultTranscoder struct {
}

func NewDefaultTranscoder() Transcoder {
	return &defaultTranscoder{}
}

// See Transcoder for documentation.
func (t *defaultTranscoder) Encode(
	value interface{}) (uint32, []byte, error) {

	switch v := value.(type) {
	case string:
		return FlagString, []byte(v), nil
	case []byte:
		return FlagBytes, v, nil
	case bool:
		if v {
			return FlagBool, []byte{1}, nil
		}
		return FlagBool, []byte{0}, nil
	case int8:
		return FlagInt8, []byte{byte(v)}, nil
	case uint8:
		return FlagUint8, []byte{v}, nil
	case int16:
		return FlagInt16, encodeUint(uint64(uint16(v)), 2), nil
	case uint16:
		return FlagUint16, encodeUint(uint64(v), 2), nil
	case int32:
		return FlagInt32, encodeUint(uint64(uint32(v)), 4), nil
	case uint32:
		return FlagUint32, encodeUint(uint64(v), 4), nil
	case int64:
		return FlagInt64, encodeUint(uint64(v), 8), nil
	case uint64:
		return FlagUint64, encodeUint(v, 8), nil
	case int:
		return FlagInt, encodeUint(uint64(int64(v)), 8), nil
	case uint:
		return FlagUint, encodeUint(uint64(v), 8), nil
	case time.Time:
		data, err := v.MarshalBinary()
		if err != nil {
			return 0, nil, errors.Wrap(err, "Failed to encode time value")
		}
		return FlagTime, data, nil
	case time.Duration:
		return FlagDuration, encodeUint(uint64(v), 8), nil
	case complex64:
		data := make([]byte, 8)
		binary.BigEndian.PutUint32(data[0:4], math.Float32bits(real(v)))
		binary.BigEndian.PutUint32(data[4:8], math.Float32bits(imag(v)))
		return FlagComplex64, data, nil
	case complex128:
		data := make([]byte, 16)
		binary.BigEndian.PutUint64(data[0:8], math.Float64bits(real(v)))
		binary.BigEndian.PutUint64(data[8:16], math.Float64bits(imag(v)))
		return FlagComplex128, data, nil
	case float32:
		return FlagFloat32, encodeUint(uint64(math.Float32bits(v)), 4), nil
	case float64:
		return FlagFloat64, encodeUint(math.Float64bits(v), 8), nil
	default:
		buf := new(bytes.Buffer)
		if err := gob.NewEncoder(buf).Encode(value); err != nil {
			return 0, nil, errors.Wrapf(
				err,
				"Failed to gob-encode value of type %T",
				value)
		}
		return FlagGob, buf.Bytes(), nil
	}
}

// See Transcoder for documentation.
func (t *defaultTranscoder) Decode(
	flags uint32,
	data []byte) (interface{}, error) {

	switch flags {
	case FlagString:
		return string(data), nil
	case FlagBytes:
		return data, nil
	case FlagBool:
		if len(data) != 1 || data[0] > 1 {
			return nil, newMismatchError(flags, data, "not a bool payload")
		}
		return data[0] == 1, nil
	case FlagInt8:
		if len(data) != 1 {
			return nil, newMismatchError(flags, data, "not an int8 payload")
		}
		return int8(data[0]), nil
	case FlagUint8:
		if len(data) != 1 {
			return nil, newMismatchError(flags, data, "not a uint8 payload")
		}
		return data[0], nil
	case FlagInt16:
		u, err := decodeUint(flags, data, 2)
		if err != nil {
			return nil, err
		}
		return int16(u), nil
	case FlagUint16:
		u, err := decodeUint(flags, data, 2)
		if err != nil {
			return nil, err
		}
		return uint16(u), nil
	case FlagInt32:
		u, err := decodeUint(flags, data, 4)
		if err != nil {
			return nil, err
		}
		return int32(u), nil
	case FlagUint32:
		u, err := decodeUint(flags, data, 4)
		if err != nil {
			return nil, err
		}
		return uint32(u), nil
	case FlagInt64:
		u, err := decodeUint(flags, data, 8)
		if err != nil {
			return nil, err
		}
		return int64(u), nil
	case FlagUint64:
		return decodeUint(flags, data, 8)
	case FlagInt:
		u, err := decodeUint(flags, data, 8)
		if err != nil {
			return nil, err
		}
		return int(int64(u)), nil
	case FlagUint:
		u, err := decodeUint(flags, data, 8)
		if err != nil {
			return nil, err
		}
		return uint(u), nil
	case FlagTime:
		var when time.Time
		if err := when.UnmarshalBinary(data); err != nil {
			return nil, newMismatchError(flags, data, "not a time payload")
		}
		return when, nil
	case FlagDuration:
		u, err := decodeUint(flags, data, 8)
		if err != nil {
			return nil, err
		}
		return time.Duration(u), nil
	case FlagComplex64:
		if len(data) != 8 {
			return nil, newMismatchError(
				flags, data, "not a complex64 payload")
		}
		return complex(
			math.Float32frombits(binary.BigEndian.Uint32(data[0:4])),
			math.Float32frombits(binary.BigEndian.Uint32(data[4:8]))), nil
	case FlagComplex128:
		if len(data) != 16 {
			return nil, newMismatchError(
				flags, data, "not a complex128 payload")
		}
		return complex(
			math.Float64frombits(binary.BigEndian.Uint64(data[0:8])),
			math.Float64frombits(binary.BigEndian.Uint64(data[8:16]))), nil
	case FlagFloat32:
		u, err := decodeUint(flags, data, 4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(uint32(u)), nil
	case FlagFloat64:
		u, err := decodeUint(flags, data, 8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(u), nil
	default:
		return nil, newMismatchError(flags, data, "unknown type tag")
	}
}

// DecodeInto gob-decodes a composite payload into the given pointer.
// Composite payloads cannot be decoded without knowing the destination
// type, so they take this separate path instead of Decode.
func DecodeInto(flags uint32, data []byte, dest interface{}) error {
	if flags != FlagGob {
		return newMismatchError(flags, data, "not a gob payload")
	}
	if err := gob.NewDecoder(
		bytes.NewReader(data)).Decode(dest); err != nil {

		return newMismatchError(flags, data, "gob decoding failed")
	}
	return nil
}

func encodeUint(v uint64, size int) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, v)
	return data[8-size:]
}

func decodeUint(flags uint32, data []byte, size int) (uint64, error) {
	if len(data) != size {
		return 0, newMismatchError(flags, data, "wrong payload size")
	}
	padded := make([]byte, 8)
	copy(padded[8-size:], data)
	return binary.BigEndian.Uint64(padded), nil
}
