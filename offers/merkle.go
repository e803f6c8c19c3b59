package offers

import (
	"bytes"
	"crypto/sha256"
	"sort"
)

// signatureTLVThreshold is the type above which records are signatures and
// therefore excluded from the merkle root they sign.
const signatureTLVThreshold = 240

// taggedHash computes SHA256(SHA256(tag) || SHA256(tag) || msg), the BIP 340
// style tagged hash the offers signature scheme is built on.
func taggedHash(tag string, msg []byte) [32]byte {
	tagHash := sha256.Sum256([]byte(tag))

	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	h.Write(msg)

	var out [32]byte
	copy(out[:], h.Sum(nil))

	return out
}

// rawRecord is one serialized TLV record of an offer, request or invoice.
type rawRecord struct {
	// Type is the TLV type.
	Type uint64

	// Encoded is the full serialized record: type, length, value.
	Encoded []byte
}

// MerkleRoot computes the signature root of a TLV stream: each non-signature
// record becomes a leaf pair (LnLeaf of the record, LnNonce keyed by the
// first record), and the pairs are folded with ordered LnBranch hashes.
func MerkleRoot(records []rawRecord) [32]byte {
	var leaves [][32]byte

	var nonceKey []byte
	for _, record := range records {
		if record.Type >= signatureTLVThreshold {
			continue
		}
		if nonceKey == nil {
			nonceKey = record.Encoded
		}

		leaf := taggedHash("LnLeaf", record.Encoded)

		nonceTag := "LnNonce" + string(nonceKey)
		nonce := taggedHash(nonceTag, record.Encoded)

		leaves = append(leaves, branchHash(leaf, nonce))
	}

	if len(leaves) == 0 {
		return [32]byte{}
	}

	// Fold pairwise until a single root remains; odd nodes carry over.
	for len(leaves) > 1 {
		var next [][32]byte
		for i := 0; i+1 < len(leaves); i += 2 {
			next = append(next, branchHash(leaves[i], leaves[i+1]))
		}
		if len(leaves)%2 == 1 {
			next = append(next, leaves[len(leaves)-1])
		}
		leaves = next
	}

	return leaves[0]
}

// branchHash combines two nodes in lexicographic order, so verifiers need no
// position information.
func branchHash(a, b [32]byte) [32]byte {
	nodes := [][]byte{a[:], b[:]}
	sort.Slice(nodes, func(i, j int) bool {
		return bytes.Compare(nodes[i], nodes[j]) < 0
	})

	var msg bytes.Buffer
	msg.Write(nodes[0])
	msg.Write(nodes[1])

	return taggedHash("LnBranch", msg.Bytes())
}

// SignatureHash computes the message a signature record commits to:
// tagged by "lightning" || messageName || fieldName over the merkle root.
func SignatureHash(messageName, fieldName string, root [32]byte) [32]byte {
	return taggedHash("lightning"+messageName+fieldName, root[:])
}
