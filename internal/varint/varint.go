// Package varint holds the fixed-width integer encode/decode helpers used
// throughout the on-disk record formats, grounded on the serializeUint64/
// serializeUint32/serializeUint16 family in the reference repo. Big-endian
// is used instead of the reference's little-endian so offsets sort the
// same as their byte representation.
package varint

import (
	"encoding/binary"
	"errors"
)

var ErrBadLength = errors.New("varint: wrong byte length for target width")

func PutUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func Uint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, ErrBadLength
	}
	return binary.BigEndian.Uint64(b), nil
}

func PutUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func Uint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, ErrBadLength
	}
	return binary.BigEndian.Uint32(b), nil
}

func PutUint16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

func Uint16(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, ErrBadLength
	}
	return binary.BigEndian.Uint16(b), nil
}
