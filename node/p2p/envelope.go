package p2p

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"neonode.dev/node/consensus"
)

// MaxMessageSize is MAX_MESSAGE_SIZE (§4.1): the payload size ceiling
// enforced before any deserialization is attempted.
const MaxMessageSize = 16 << 20 // 16 MiB

// Envelope is the bit-exact wire frame from §6.1:
//
//	magic:u32_le | command:u8 | flags:u8 | payload_len:var_uint |
//	payload:bytes | checksum:u32_le
//
// checksum is the first 4 bytes of SHA256(SHA256(payload)), verified before
// the payload is ever handed to a command-specific decoder (§8 invariant 7:
// "no message with a mismatched checksum is ever dispatched past C1").
type Envelope struct {
	Magic   uint32
	Command Command
	Flags   byte
	Payload []byte
}

func checksum(payload []byte) [4]byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	var out [4]byte
	copy(out[:], second[:4])
	return out
}

// WriteEnvelope serializes and writes one frame.
func WriteEnvelope(w io.Writer, magic uint32, cmd Command, flags byte, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("p2p: envelope: payload exceeds MAX_MESSAGE_SIZE")
	}
	out := make([]byte, 0, 4+1+1+9+len(payload)+4)
	var magicBuf [4]byte
	binary.LittleEndian.PutUint32(magicBuf[:], magic)
	out = append(out, magicBuf[:]...)
	out = append(out, byte(cmd), flags)
	out = append(out, consensus.EncodeVarUint(uint64(len(payload)))...)
	out = append(out, payload...)
	cksum := checksum(payload)
	out = append(out, cksum[:]...)
	_, err := w.Write(out)
	return err
}

// ReadEnvelope reads exactly one frame from r, verifying magic, size bound
// and checksum before returning. Any failure here is fatal to the session
// (§4.1 "closes on protocol violation"); the caller closes the connection.
func ReadEnvelope(r io.Reader, expectedMagic uint32) (*Envelope, error) {
	var prefix [6]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("p2p: envelope: read prefix: %w", err)
	}
	magic := binary.LittleEndian.Uint32(prefix[0:4])
	if magic != expectedMagic {
		return nil, fmt.Errorf("p2p: envelope: magic mismatch")
	}
	cmd := Command(prefix[4])
	flags := prefix[5]

	var firstLenByte [1]byte
	if _, err := io.ReadFull(r, firstLenByte[:]); err != nil {
		return nil, fmt.Errorf("p2p: envelope: read length prefix: %w", err)
	}
	lenPrefix := make([]byte, 1+varUintExtraBytes(firstLenByte[0]))
	lenPrefix[0] = firstLenByte[0]
	if len(lenPrefix) > 1 {
		if _, err := io.ReadFull(r, lenPrefix[1:]); err != nil {
			return nil, fmt.Errorf("p2p: envelope: read length prefix: %w", err)
		}
	}
	payloadLen, _, err := consensus.DecodeVarUint(lenPrefix)
	if err != nil {
		return nil, fmt.Errorf("p2p: envelope: length prefix: %w", err)
	}
	if payloadLen > MaxMessageSize {
		return nil, fmt.Errorf("p2p: envelope: payload exceeds MAX_MESSAGE_SIZE")
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("p2p: envelope: read payload: %w", err)
		}
	}

	var wantChecksum [4]byte
	if _, err := io.ReadFull(r, wantChecksum[:]); err != nil {
		return nil, fmt.Errorf("p2p: envelope: read checksum: %w", err)
	}
	if got := checksum(payload); !bytes.Equal(got[:], wantChecksum[:]) {
		return nil, fmt.Errorf("p2p: envelope: checksum mismatch")
	}

	return &Envelope{Magic: magic, Command: cmd, Flags: flags, Payload: payload}, nil
}

// varUintExtraBytes returns how many more bytes follow the prefix byte b in
// the var_uint encoding (§6.1, consensus.EncodeVarUint).
func varUintExtraBytes(b byte) int {
	switch b {
	case 0xFD:
		return 2
	case 0xFE:
		return 4
	case 0xFF:
		return 8
	default:
		return 0
	}
}
