package util

import (
	"encoding/binary"
	"fmt"
)

// WriteVarInt encodes n as a Bitcoin compact-size integer.
func WriteVarInt(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n <= 0xffff:
		b := make([]byte, 3)
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return b
	case n <= 0xffffffff:
		b := make([]byte, 5)
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		return b
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		return b
	}
}

// ReadVarInt decodes a compact-size integer from the start of data.
// Returns the value and the number of bytes consumed.
func ReadVarInt(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("empty buffer")
	}
	switch data[0] {
	case 0xfd:
		if len(data) < 3 {
			return 0, 0, fmt.Errorf("short varint (want 3 bytes, have %d)", len(data))
		}
		return uint64(binary.LittleEndian.Uint16(data[1:3])), 3, nil
	case 0xfe:
		if len(data) < 5 {
			return 0, 0, fmt.Errorf("short varint (want 5 bytes, have %d)", len(data))
		}
		return uint64(binary.LittleEndian.Uint32(data[1:5])), 5, nil
	case 0xff:
		if len(data) < 9 {
			return 0, 0, fmt.Errorf("short varint (want 9 bytes, have %d)", len(data))
		}
		return binary.LittleEndian.Uint64(data[1:9]), 9, nil
	default:
		return uint64(data[0]), 1, nil
	}
}

// WriteVarString encodes a length-prefixed byte string.
func WriteVarString(s []byte) []byte {
	out := WriteVarInt(uint64(len(s)))
	return append(out, s...)
}

// ReadVarString decodes a length-prefixed byte string from the start of data.
// Returns the string and the number of bytes consumed.
func ReadVarString(data []byte) ([]byte, int, error) {
	n, consumed, err := ReadVarInt(data)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(data)-consumed) < n {
		return nil, 0, fmt.Errorf("short varstring (want %d bytes, have %d)", n, len(data)-consumed)
	}
	s := make([]byte, n)
	copy(s, data[consumed:consumed+int(n)])
	return s, consumed + int(n), nil
}
