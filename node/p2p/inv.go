package p2p

import (
	"fmt"

	"neonode.dev/node/consensus"
)

// MaxInventoryItems bounds Inv/GetData/NotFound containers (§4.1, §6.2:
// "≤1000 inventory items").
const MaxInventoryItems = 1000

// InvType tags what an InvVector's hash refers to.
type InvType byte

const (
	InvTypeTx InvType = iota + 1
	InvTypeBlock
	InvTypeConsensus
)

func (t InvType) Valid() bool { return t >= InvTypeTx && t <= InvTypeConsensus }

// InvVector is one inventory item shared by Inv, GetData and NotFound
// (§6.2: "group by type").
type InvVector struct {
	Type InvType
	Hash consensus.Hash256
}

// InvPayload is the shared wire shape for Inv, GetData and NotFound.
type InvPayload struct {
	Items []InvVector
}

func EncodeInvPayload(p InvPayload) ([]byte, error) {
	if len(p.Items) > MaxInventoryItems {
		return nil, fmt.Errorf("p2p: inv: too many items")
	}
	out := make([]byte, 0, 9+len(p.Items)*33)
	out = append(out, consensus.EncodeVarUint(uint64(len(p.Items)))...)
	for _, it := range p.Items {
		if !it.Type.Valid() {
			return nil, fmt.Errorf("p2p: inv: invalid type %d", it.Type)
		}
		if it.Hash.IsZero() {
			return nil, fmt.Errorf("p2p: inv: zero hash")
		}
		out = append(out, byte(it.Type))
		out = append(out, it.Hash[:]...)
	}
	return out, nil
}

func DecodeInvPayload(b []byte) (InvPayload, error) {
	count, used, err := consensus.DecodeVarUint(b)
	if err != nil {
		return InvPayload{}, fmt.Errorf("p2p: inv: %w", err)
	}
	if count > MaxInventoryItems {
		return InvPayload{}, fmt.Errorf("p2p: inv: count exceeds %d", MaxInventoryItems)
	}
	off := used
	need := off + int(count)*33
	if len(b) != need {
		return InvPayload{}, fmt.Errorf("p2p: inv: length mismatch")
	}
	items := make([]InvVector, count)
	for i := range items {
		t := InvType(b[off])
		if !t.Valid() {
			return InvPayload{}, fmt.Errorf("p2p: inv: invalid type %d", t)
		}
		off++
		var h consensus.Hash256
		copy(h[:], b[off:off+32])
		off += 32
		if h.IsZero() {
			return InvPayload{}, fmt.Errorf("p2p: inv: zero hash")
		}
		items[i] = InvVector{Type: t, Hash: h}
	}
	return InvPayload{Items: items}, nil
}

// GroupByType buckets inventory items by type for per-message broadcast
// (§4.2 broadcast_inv: "groups by type; caps to MAX_INVENTORY_ITEMS per
// message").
func GroupByType(items []InvVector) map[InvType][]InvVector {
	out := make(map[InvType][]InvVector)
	for _, it := range items {
		out[it.Type] = append(out[it.Type], it)
	}
	return out
}
