package consensus

import "testing"

func pubKeyWithPrefix(b byte) []byte {
	pk := make([]byte, 33)
	pk[0] = 0x02
	pk[1] = b
	return pk
}

func TestSortPubKeysDeterministic(t *testing.T) {
	keys := [][]byte{pubKeyWithPrefix(3), pubKeyWithPrefix(1), pubKeyWithPrefix(2)}
	sorted := SortPubKeys(keys)
	if sorted[0][1] != 1 || sorted[1][1] != 2 || sorted[2][1] != 3 {
		t.Fatalf("pubkeys not sorted ascending: %v", sorted)
	}
	// original slice untouched
	if keys[0][1] != 3 {
		t.Fatalf("SortPubKeys must not mutate its input")
	}
}

func TestMultiSigScriptShape(t *testing.T) {
	keys := SortPubKeys([][]byte{pubKeyWithPrefix(1), pubKeyWithPrefix(2), pubKeyWithPrefix(3), pubKeyWithPrefix(4)})
	script, err := MultiSigScript(3, keys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(script) == 0 {
		t.Fatalf("script must be non-empty")
	}
	if script[len(script)-5] != sysCallCheckMultisig {
		t.Fatalf("script must end with SYSCALL CheckMultisig")
	}
}

func TestMultiSigScriptRejectsBadM(t *testing.T) {
	keys := [][]byte{pubKeyWithPrefix(1)}
	if _, err := MultiSigScript(0, keys); err == nil {
		t.Fatalf("m=0 should be rejected")
	}
	if _, err := MultiSigScript(2, keys); err == nil {
		t.Fatalf("m>n should be rejected")
	}
}

func TestNextConsensusDeterministic(t *testing.T) {
	vs, err := NewValidatorSet([]Validator{
		{Index: 0, PubKey: pubKeyWithPrefix(1)},
		{Index: 1, PubKey: pubKeyWithPrefix(2)},
		{Index: 2, PubKey: pubKeyWithPrefix(3)},
		{Index: 3, PubKey: pubKeyWithPrefix(4)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h1, err := NextConsensus(vs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := NextConsensus(vs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("next_consensus must be deterministic")
	}
	if h1.IsZero() {
		t.Fatalf("next_consensus must not be zero")
	}
}
