package consensus

import "encoding/hex"

// Hash160 is a RIPEMD160-sized digest used for script hashes (next_consensus,
// validator script hashes). The zero value is the distinguished sentinel.
type Hash160 [20]byte

// Hash256 is a SHA-256-sized digest used for block/header/transaction/payload
// hashes. The zero value is the distinguished sentinel.
type Hash256 [32]byte

var (
	ZeroHash160 = Hash160{}
	ZeroHash256 = Hash256{}
)

func (h Hash160) IsZero() bool { return h == ZeroHash160 }
func (h Hash256) IsZero() bool { return h == ZeroHash256 }

func (h Hash160) String() string { return hex.EncodeToString(h[:]) }
func (h Hash256) String() string { return hex.EncodeToString(h[:]) }

func (h Hash160) Bytes() []byte { b := make([]byte, 20); copy(b, h[:]); return b }
func (h Hash256) Bytes() []byte { b := make([]byte, 32); copy(b, h[:]); return b }

func Hash256FromBytes(b []byte) (Hash256, bool) {
	var h Hash256
	if len(b) != 32 {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

func Hash160FromBytes(b []byte) (Hash160, bool) {
	var h Hash160
	if len(b) != 20 {
		return h, false
	}
	copy(h[:], b)
	return h, true
}
