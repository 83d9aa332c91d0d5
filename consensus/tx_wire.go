package consensus

import "fmt"

// MaxSigners, MaxConflicts and MaxWitnesses bound the container counts in a
// decoded Tx so a malicious peer cannot force an unbounded allocation from a
// single MaxTxSize-capped blob.
const (
	MaxSigners   = 16
	MaxConflicts = 64
	MaxWitnesses = 16
)

// EncodeTx renders the canonical transaction wire shape: the signable
// fields (everything §3 names except witnesses) followed by the witness
// list. ComputeTxHash hashes only the signable prefix, matching the
// Neo-N3 convention that a transaction's hash is independent of its
// witnesses.
func EncodeTx(t Tx) []byte {
	out := append([]byte{}, signablePortion(t)...)
	out = append(out, EncodeVarUint(uint64(len(t.Witnesses)))...)
	for _, w := range t.Witnesses {
		out = append(out, EncodeVarBytes(w.InvocationScript)...)
		out = append(out, EncodeVarBytes(w.VerificationScript)...)
	}
	return out
}

func signablePortion(t Tx) []byte {
	out := make([]byte, 0, 32+len(t.Script))
	out = append(out, t.Version)
	out = appendU64(out, uint64(t.SystemFee))
	out = appendU64(out, uint64(t.NetworkFee))
	out = appendU32(out, t.ValidUntilBlock)
	out = append(out, EncodeVarBytes(t.Script)...)
	out = append(out, EncodeVarUint(uint64(len(t.Signers)))...)
	for _, s := range t.Signers {
		out = append(out, s.Account[:]...)
		out = append(out, s.Scopes)
	}
	out = append(out, EncodeVarUint(uint64(len(t.Conflicts)))...)
	for _, c := range t.Conflicts {
		out = append(out, c.Hash[:]...)
	}
	return out
}

// ComputeTxHash is double-SHA256 over the signable portion (§3 "hash()").
func ComputeTxHash(t Tx) Hash256 {
	return doubleSHA256(signablePortion(t))
}

// DecodeTx parses a transaction blob produced by EncodeTx, filling Hash and
// Size as a side effect: consensus always needs both alongside the
// structural fields (§3).
func DecodeTx(b []byte) (Tx, int, error) {
	var t Tx
	if len(b) < 1+8+8+4 {
		return Tx{}, 0, Protocolf("tx: truncated")
	}
	off := 0
	t.Version = b[off]
	off++
	var sf, nf uint64
	sf, off = readU64(b, off)
	nf, off = readU64(b, off)
	t.SystemFee = int64(sf)
	t.NetworkFee = int64(nf)
	t.ValidUntilBlock, off = readU32(b, off)

	script, used, err := DecodeVarBytes(b[off:], MaxTxSize)
	if err != nil {
		return Tx{}, 0, fmt.Errorf("tx: script: %w", err)
	}
	off += used
	t.Script = script

	signerCount, used, err := DecodeVarUint(b[off:])
	if err != nil {
		return Tx{}, 0, fmt.Errorf("tx: signers: %w", err)
	}
	if signerCount > MaxSigners {
		return Tx{}, 0, Protocolf("tx: too many signers")
	}
	off += used
	t.Signers = make([]Signer, signerCount)
	for i := range t.Signers {
		if len(b)-off < 21 {
			return Tx{}, 0, Protocolf("tx: signer: truncated")
		}
		copy(t.Signers[i].Account[:], b[off:off+20])
		off += 20
		t.Signers[i].Scopes = b[off]
		off++
	}

	conflictCount, used, err := DecodeVarUint(b[off:])
	if err != nil {
		return Tx{}, 0, fmt.Errorf("tx: conflicts: %w", err)
	}
	if conflictCount > MaxConflicts {
		return Tx{}, 0, Protocolf("tx: too many conflicts")
	}
	off += used
	t.Conflicts = make([]ConflictAttribute, conflictCount)
	for i := range t.Conflicts {
		if len(b)-off < 32 {
			return Tx{}, 0, Protocolf("tx: conflict: truncated")
		}
		copy(t.Conflicts[i].Hash[:], b[off:off+32])
		off += 32
	}

	hashEnd := off
	witnessCount, used, err := DecodeVarUint(b[off:])
	if err != nil {
		return Tx{}, 0, fmt.Errorf("tx: witnesses: %w", err)
	}
	if witnessCount > MaxWitnesses {
		return Tx{}, 0, Protocolf("tx: too many witnesses")
	}
	off += used
	t.Witnesses = make([]Witness, witnessCount)
	for i := range t.Witnesses {
		inv, used, err := DecodeVarBytes(b[off:], MaxTxSize)
		if err != nil {
			return Tx{}, 0, fmt.Errorf("tx: witness %d: %w", i, err)
		}
		off += used
		ver, used, err := DecodeVarBytes(b[off:], MaxTxSize)
		if err != nil {
			return Tx{}, 0, fmt.Errorf("tx: witness %d: %w", i, err)
		}
		off += used
		t.Witnesses[i] = Witness{InvocationScript: inv, VerificationScript: ver}
	}

	t.Size = uint32(off)
	t.Hash = doubleSHA256(b[:hashEnd])
	return t, off, nil
}
