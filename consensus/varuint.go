package consensus

import (
	"encoding/binary"
	"fmt"
)

// var_uint is the bitcoin-style compact length prefix used throughout the
// wire protocol (§6.1): values below 0xFD encode as a single byte; 0xFD/0xFE/0xFF
// introduce a following u16/u32/u64 little-endian value.
const (
	varUint16Prefix = 0xFD
	varUint32Prefix = 0xFE
	varUint64Prefix = 0xFF
)

func EncodeVarUint(n uint64) []byte {
	switch {
	case n < varUint16Prefix:
		return []byte{byte(n)}
	case n <= 0xFFFF:
		out := make([]byte, 3)
		out[0] = varUint16Prefix
		binary.LittleEndian.PutUint16(out[1:], uint16(n))
		return out
	case n <= 0xFFFFFFFF:
		out := make([]byte, 5)
		out[0] = varUint32Prefix
		binary.LittleEndian.PutUint32(out[1:], uint32(n))
		return out
	default:
		out := make([]byte, 9)
		out[0] = varUint64Prefix
		binary.LittleEndian.PutUint64(out[1:], n)
		return out
	}
}

// DecodeVarUint returns the decoded value and the number of bytes consumed.
func DecodeVarUint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("consensus: var_uint: empty input")
	}
	switch b[0] {
	case varUint16Prefix:
		if len(b) < 3 {
			return 0, 0, fmt.Errorf("consensus: var_uint: truncated u16")
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3, nil
	case varUint32Prefix:
		if len(b) < 5 {
			return 0, 0, fmt.Errorf("consensus: var_uint: truncated u32")
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5, nil
	case varUint64Prefix:
		if len(b) < 9 {
			return 0, 0, fmt.Errorf("consensus: var_uint: truncated u64")
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9, nil
	default:
		return uint64(b[0]), 1, nil
	}
}

func EncodeVarBytes(b []byte) []byte {
	out := make([]byte, 0, len(EncodeVarUint(uint64(len(b))))+len(b))
	out = append(out, EncodeVarUint(uint64(len(b)))...)
	out = append(out, b...)
	return out
}

func DecodeVarBytes(b []byte, maxLen uint64) ([]byte, int, error) {
	n, used, err := DecodeVarUint(b)
	if err != nil {
		return nil, 0, err
	}
	if n > maxLen {
		return nil, 0, fmt.Errorf("consensus: var_bytes: length %d exceeds max %d", n, maxLen)
	}
	if uint64(len(b)-used) < n {
		return nil, 0, fmt.Errorf("consensus: var_bytes: truncated")
	}
	out := make([]byte, n)
	copy(out, b[used:used+int(n)])
	return out, used + int(n), nil
}
