// Package merkle builds the batch Merkle tree over invoice CIDs. Leaf and
// pair hashing follow OpenZeppelin's MerkleProof conventions (Keccak-256,
// byte-wise sorted pair concatenation) so proofs verify on-chain unchanged.
package merkle

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
)

// Tree is the result of building a batch tree.
type Tree struct {
	Root         string
	SortedLeaves []string
	// Proofs maps each original leaf string to its sibling path, bottom-up,
	// each element "0x" + lowercase hex.
	Proofs map[string][]string
	Depth  int
}

// Build constructs the tree over the given leaf strings (invoice CIDs).
//
// Leaves are sorted lexicographically first, so the root is independent of
// insertion order. Odd levels duplicate their last node.
func Build(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, apperr.New(apperr.ErrCodeInvalidInput, "merkle tree requires at least one leaf")
	}

	sorted := make([]string, len(leaves))
	copy(sorted, leaves)
	sort.Strings(sorted)

	level := make([][]byte, len(sorted))
	for i, leaf := range sorted {
		level[i] = crypto.Keccak256([]byte(leaf))
	}

	proofs := make(map[string][]string, len(sorted))
	positions := make([]int, len(sorted))
	for i := range positions {
		positions[i] = i
	}

	depth := 0
	for len(level) > 1 {
		depth++

		// Record siblings for every tracked leaf at this level. A lone odd
		// node is paired with its own duplicate, so its sibling is itself.
		for leafIdx, pos := range positions {
			sibling := pos ^ 1
			if sibling >= len(level) {
				sibling = pos
			}
			leaf := sorted[leafIdx]
			proofs[leaf] = append(proofs[leaf], hexHash(level[sibling]))
			positions[leafIdx] = pos / 2
		}

		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// Odd count: duplicate the last node.
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	// Ensure single-leaf trees still expose (empty) proofs.
	for _, leaf := range sorted {
		if _, ok := proofs[leaf]; !ok {
			proofs[leaf] = []string{}
		}
	}

	return &Tree{
		Root:         hexHash(level[0]),
		SortedLeaves: sorted,
		Proofs:       proofs,
		Depth:        depth,
	}, nil
}

// Verify recomputes the root from a leaf and its proof and compares it to
// the expected root, case-insensitively.
func Verify(leaf string, proof []string, root string) bool {
	current := crypto.Keccak256([]byte(leaf))
	for _, siblingHex := range proof {
		sibling, err := decodeHash(siblingHex)
		if err != nil {
			return false
		}
		current = hashPair(current, sibling)
	}
	return strings.EqualFold(hexHash(current), normalizeHex(root))
}

// hashPair hashes two nodes with the smaller byte sequence first.
func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256(a, b)
}

func hexHash(h []byte) string {
	return "0x" + hex.EncodeToString(h)
}

func normalizeHex(s string) string {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "0x" + strings.ToLower(s)
	}
	return "0x" + strings.ToLower(s[2:])
}

func decodeHash(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// ProofBytes converts a hex proof to the 32-byte words the contract ABI
// expects.
func ProofBytes(proof []string) ([][32]byte, error) {
	out := make([][32]byte, len(proof))
	for i, p := range proof {
		raw, err := decodeHash(p)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInvalidInput, "invalid proof element")
		}
		if len(raw) != 32 {
			return nil, apperr.Newf(apperr.ErrCodeInvalidInput, "proof element %d is %d bytes, want 32", i, len(raw))
		}
		copy(out[i][:], raw)
	}
	return out, nil
}

// RootBytes converts a hex root to its 32-byte form.
func RootBytes(root string) ([32]byte, error) {
	var out [32]byte
	raw, err := decodeHash(root)
	if err != nil {
		return out, apperr.Wrap(err, apperr.ErrCodeInvalidInput, "invalid merkle root")
	}
	if len(raw) != 32 {
		return out, apperr.Newf(apperr.ErrCodeInvalidInput, "merkle root is %d bytes, want 32", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
