// Package scalar converts between raw process memory and fixed width integers.
//
// Every function is generic over Integer, so the same search code runs for
// any width. Bytes are always in the host's native byte order, which is also
// the byte order of any process running on the same machine.
package scalar

import (
	"encoding/binary"
	"strconv"
	"unsafe"

	"github.com/pkg/errors"
)

// ErrInvalidLength is returned by Decode when the byte slice length does not
// match the width of the requested type.
var ErrInvalidLength = errors.New("invalid byte length for type")

// Integer is the set of scalar kinds the trainer can search for.
type Integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint | ~uintptr
}

// Size returns the width of T in bytes.
func Size[T Integer]() int {
	var v T
	return int(unsafe.Sizeof(v))
}

// Signed reports whether T is a signed integer type.
func Signed[T Integer]() bool {
	var v T
	v = ^v
	return v < 0
}

// Decode converts exactly Size[T]() native-endian bytes into a T.
func Decode[T Integer](b []byte) (T, error) {
	var v T
	if len(b) != Size[T]() {
		return v, errors.Wrapf(ErrInvalidLength, "got %d bytes, want %d", len(b), Size[T]())
	}

	switch len(b) {
	case 1:
		v = T(b[0])
	case 2:
		v = T(binary.NativeEndian.Uint16(b))
	case 4:
		v = T(binary.NativeEndian.Uint32(b))
	case 8:
		v = T(binary.NativeEndian.Uint64(b))
	}
	return v, nil
}

// MustDecode is Decode for callers that already bounds checked b.
func MustDecode[T Integer](b []byte) T {
	v, err := Decode[T](b)
	if err != nil {
		panic(err)
	}
	return v
}

// Encode returns the native-endian representation of v.
func Encode[T Integer](v T) []byte {
	b := make([]byte, Size[T]())
	switch len(b) {
	case 1:
		b[0] = uint8(v)
	case 2:
		binary.NativeEndian.PutUint16(b, uint16(v))
	case 4:
		binary.NativeEndian.PutUint32(b, uint32(v))
	case 8:
		binary.NativeEndian.PutUint64(b, uint64(v))
	}
	return b
}

// DecodeAll decodes every aligned slot of b. Trailing bytes that do not
// fill a whole slot are ignored.
func DecodeAll[T Integer](b []byte) []T {
	size := Size[T]()
	out := make([]T, len(b)/size)
	for i := range out {
		out[i] = MustDecode[T](b[i*size : (i+1)*size])
	}
	return out
}

// Parse converts a decimal (or 0x prefixed) string into a T, failing if the
// value does not fit.
func Parse[T Integer](s string) (T, error) {
	bits := Size[T]() * 8
	if Signed[T]() {
		n, err := strconv.ParseInt(s, 0, bits)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to parse %q as a %d-bit signed integer", s, bits)
		}
		return T(n), nil
	}

	n, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse %q as a %d-bit unsigned integer", s, bits)
	}
	return T(n), nil
}
