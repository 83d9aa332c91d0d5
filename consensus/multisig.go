package consensus

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // script-hash derivation needs this exact digest.
)

// Neo VM opcodes used by the multi-sig verification script (§4.4.5). Only
// the handful needed to build/recognize the fixed-shape script are named;
// consensus never executes a VM.
const (
	opPushInt = 0x11 // base for PUSH1..PUSH16 small-int pushes (PUSHn = opPushInt-1+n).
	opPushData1 = 0x0C
	sysCallCheckMultisig = 0x41 // SYSCALL opcode prefix.
)

// sysCallCheckMultisigHash is the fixed 4-byte interop hash for
// System.Crypto.CheckMultisig in the Neo-N3 interop table.
var sysCallCheckMultisigHash = [4]byte{0x9e, 0xd0, 0xdc, 0x3a}

func pushInt(n int) []byte {
	if n >= 1 && n <= 16 {
		return []byte{byte(opPushInt - 1 + n)}
	}
	// Values outside 1..16 (e.g. committees of 17..255 validators) fall
	// back to a one-byte PUSHDATA1 of n.
	return []byte{opPushData1, 1, byte(n)}
}

// MultiSigScript builds the verification script that authorizes a block
// signed by m-of-(len(sortedPubKeys)) validators: PUSH(m), PUSHDATA(pubkey)
// for each sorted pubkey, PUSH(n), SYSCALL CheckMultisig (§4.4.5).
func MultiSigScript(m int, sortedPubKeys [][]byte) ([]byte, error) {
	n := len(sortedPubKeys)
	if m <= 0 || m > n {
		return nil, fmt.Errorf("consensus: multisig: invalid m=%d for n=%d", m, n)
	}
	out := append([]byte{}, pushInt(m)...)
	for _, pk := range sortedPubKeys {
		if len(pk) != 33 {
			return nil, fmt.Errorf("consensus: multisig: pubkey must be 33 bytes")
		}
		out = append(out, opPushData1, byte(len(pk)))
		out = append(out, pk...)
	}
	out = append(out, pushInt(n)...)
	out = append(out, sysCallCheckMultisig)
	out = append(out, sysCallCheckMultisigHash[:]...)
	return out, nil
}

// SortPubKeys returns pubkeys in the canonical ascending byte order the
// multi-sig script requires.
func SortPubKeys(pubKeys [][]byte) [][]byte {
	out := make([][]byte, len(pubKeys))
	copy(out, pubKeys)
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < len(out[i]) && k < len(out[j]); k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return len(out[i]) < len(out[j])
	})
	return out
}

// ScriptHash160 is RIPEMD160(SHA256(script)), the standard Neo script-hash
// derivation, used to compute next_consensus from the committee's multi-sig
// verification script.
func ScriptHash160(script []byte) Hash160 {
	sum := sha256.Sum256(script)
	r := ripemd160.New()
	_, _ = r.Write(sum[:])
	var out Hash160
	copy(out[:], r.Sum(nil))
	return out
}

// NextConsensus computes next_consensus for a validator set: the script
// hash of the M-of-N multi-sig verification script over sorted pubkeys.
func NextConsensus(vs *ValidatorSet) (Hash160, error) {
	validators := vs.All()
	pubKeys := make([][]byte, len(validators))
	for i, v := range validators {
		pubKeys[i] = v.PubKey
	}
	sorted := SortPubKeys(pubKeys)
	script, err := MultiSigScript(vs.M(), sorted)
	if err != nil {
		return Hash160{}, err
	}
	return ScriptHash160(script), nil
}
