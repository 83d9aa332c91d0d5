package consensus

import "crypto/sha256"

// doubleSHA256 is SHA256(SHA256(x)), the inner hash used for both the
// merkle tree (§4.4.5) and the wire checksum (§6.1).
func doubleSHA256(b []byte) Hash256 {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second
}

// MerkleRoot computes the Neo-style merkle root over transaction hashes:
// duplicate the last node at odd levels, double-SHA256 as the inner node
// hash (§4.4.5). Unlike a tagged-leaf scheme, leaves are the hashes
// themselves; only interior nodes are re-hashed.
func MerkleRoot(hashes []Hash256) (Hash256, error) {
	if len(hashes) == 0 {
		return Hash256{}, Protocolf("merkle: empty hash list")
	}
	level := make([]Hash256, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash256, len(level)/2)
		buf := make([]byte, 64)
		for i := 0; i < len(level); i += 2 {
			copy(buf[:32], level[i][:])
			copy(buf[32:], level[i+1][:])
			next[i/2] = doubleSHA256(buf)
		}
		level = next
	}
	return level[0], nil
}
