package consensus

import "fmt"

// Validator is one member of a ValidatorSet: a fixed index, its secp256r1
// public key (33-byte compressed form), and the script hash derived from it.
type Validator struct {
	Index     uint8
	PubKey    []byte // 33-byte compressed secp256r1 point.
	ScriptHash Hash160
}

// ValidatorSet is the ordered committee for a consensus round. N is fixed
// for the lifetime of the set; a new set only takes effect at a block
// boundary (§4.4.10).
type ValidatorSet struct {
	validators []Validator
}

func NewValidatorSet(validators []Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, fmt.Errorf("consensus: validator set: empty")
	}
	if len(validators) > 255 {
		return nil, fmt.Errorf("consensus: validator set: too large")
	}
	cp := make([]Validator, len(validators))
	for i, v := range validators {
		if int(v.Index) != i {
			return nil, fmt.Errorf("consensus: validator set: index %d out of order", v.Index)
		}
		if len(v.PubKey) != 33 {
			return nil, fmt.Errorf("consensus: validator set: pubkey must be 33 bytes (index %d)", i)
		}
		cp[i] = v
	}
	return &ValidatorSet{validators: cp}, nil
}

// N is the committee size.
func (vs *ValidatorSet) N() int { return len(vs.validators) }

// F is the maximum tolerated Byzantine count: (N-1)/3.
func (vs *ValidatorSet) F() int { return (vs.N() - 1) / 3 }

// M is the quorum size: N - F.
func (vs *ValidatorSet) M() int { return vs.N() - vs.F() }

func (vs *ValidatorSet) At(index uint8) (Validator, bool) {
	if int(index) >= len(vs.validators) {
		return Validator{}, false
	}
	return vs.validators[index], true
}

func (vs *ValidatorSet) All() []Validator {
	out := make([]Validator, len(vs.validators))
	copy(out, vs.validators)
	return out
}

// Primary returns the proposer index for round (H, V): (H - V) mod N, using
// saturating subtraction when V > H (§4.4.10).
func Primary(blockIndex uint32, view uint8, n int) uint8 {
	if n <= 0 {
		return 0
	}
	var diff int64
	if uint32(view) > blockIndex {
		diff = 0
	} else {
		diff = int64(blockIndex) - int64(view)
	}
	m := diff % int64(n)
	if m < 0 {
		m += int64(n)
	}
	return uint8(m)
}
