package p2p

import (
	"encoding/binary"
	"fmt"
	"net"

	"neonode.dev/node/consensus"
)

// MaxAddrEntries bounds an Addr container (§4.1, §6.2: "≤1000 addrs").
const MaxAddrEntries = 1000

// NetAddr is one gossiped peer address (§4.2 address gossip, §6.2: "each
// port≠0").
type NetAddr struct {
	TimestampMS uint64
	Services    uint64
	IP          [16]byte // IPv4-mapped IPv6, matching the wider ecosystem's wire convention.
	Port        uint16
}

func (a NetAddr) Addr() net.IP { return net.IP(a.IP[:]) }

// EncodeNetAddr and DecodeNetAddr expose the single-entry wire codec for
// callers (the address book store) that persist one NetAddr at a time
// rather than a whole AddrPayload.
func EncodeNetAddr(a NetAddr) []byte          { return encodeNetAddr(a) }
func DecodeNetAddr(b []byte) (NetAddr, error) { return decodeNetAddr(b) }

func encodeNetAddr(a NetAddr) []byte {
	out := make([]byte, 0, 8+8+16+2)
	out = appendU64(out, a.TimestampMS)
	out = appendU64(out, a.Services)
	out = append(out, a.IP[:]...)
	var portBuf [2]byte
	binary.LittleEndian.PutUint16(portBuf[:], a.Port)
	out = append(out, portBuf[:]...)
	return out
}

func decodeNetAddr(b []byte) (NetAddr, error) {
	if len(b) != 34 {
		return NetAddr{}, fmt.Errorf("p2p: addr: bad entry length")
	}
	var a NetAddr
	off := 0
	a.TimestampMS, off = readU64LE(b, off)
	a.Services, off = readU64LE(b, off)
	copy(a.IP[:], b[off:off+16])
	off += 16
	a.Port = binary.LittleEndian.Uint16(b[off : off+2])
	if a.Port == 0 {
		return NetAddr{}, fmt.Errorf("p2p: addr: port must be non-zero")
	}
	return a, nil
}

// AddrPayload is the reply to GetAddr (§4.2, §6.2).
type AddrPayload struct {
	Addrs []NetAddr
}

func EncodeAddrPayload(p AddrPayload) ([]byte, error) {
	if len(p.Addrs) > MaxAddrEntries {
		return nil, fmt.Errorf("p2p: addr: too many entries")
	}
	out := make([]byte, 0, 9+len(p.Addrs)*34)
	out = append(out, consensus.EncodeVarUint(uint64(len(p.Addrs)))...)
	for _, a := range p.Addrs {
		if a.Port == 0 {
			return nil, fmt.Errorf("p2p: addr: port must be non-zero")
		}
		out = append(out, encodeNetAddr(a)...)
	}
	return out, nil
}

func DecodeAddrPayload(b []byte) (AddrPayload, error) {
	count, used, err := consensus.DecodeVarUint(b)
	if err != nil {
		return AddrPayload{}, fmt.Errorf("p2p: addr: %w", err)
	}
	if count > MaxAddrEntries {
		return AddrPayload{}, fmt.Errorf("p2p: addr: count exceeds %d", MaxAddrEntries)
	}
	off := used
	need := off + int(count)*34
	if len(b) != need {
		return AddrPayload{}, fmt.Errorf("p2p: addr: length mismatch")
	}
	addrs := make([]NetAddr, count)
	for i := range addrs {
		a, err := decodeNetAddr(b[off : off+34])
		if err != nil {
			return AddrPayload{}, err
		}
		addrs[i] = a
		off += 34
	}
	return AddrPayload{Addrs: addrs}, nil
}

// IsRoutable reports whether ip is suitable for gossip on a public network:
// not loopback, not unspecified, not a private (RFC1918/RFC4193) address
// (§4.2: "reject loopback/private on mainnet magic").
func IsRoutable(ip net.IP) bool {
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return false
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return false
		case ip4[0] == 192 && ip4[1] == 168:
			return false
		}
		return true
	}
	if len(ip) == 16 && ip[0]&0xfe == 0xfc {
		return false // unique local (fc00::/7)
	}
	return true
}
