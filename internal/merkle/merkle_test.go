package merkle

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
)

func TestBuildEmptyInput(t *testing.T) {
	_, err := Build(nil)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.ErrCodeInvalidInput))
}

func TestBuildSingleLeaf(t *testing.T) {
	tree, err := Build([]string{"QmA"})
	require.NoError(t, err)

	assert.Equal(t, 0, tree.Depth)
	assert.Len(t, tree.Root, 66)
	assert.Empty(t, tree.Proofs["QmA"])

	// Root equals the leaf hash; the empty proof verifies.
	assert.True(t, Verify("QmA", tree.Proofs["QmA"], tree.Root))
	assert.False(t, Verify("QmB", nil, tree.Root))
}

func TestBuildDeterministicAcrossOrder(t *testing.T) {
	orders := [][]string{
		{"QmA", "QmB", "QmC"},
		{"QmC", "QmA", "QmB"},
		{"QmB", "QmC", "QmA"},
	}

	var root string
	var proofA []string
	for i, leaves := range orders {
		tree, err := Build(leaves)
		require.NoError(t, err)
		if i == 0 {
			root = tree.Root
			proofA = tree.Proofs["QmA"]
			continue
		}
		assert.Equal(t, root, tree.Root, "order %d", i)
		assert.Equal(t, proofA, tree.Proofs["QmA"], "order %d", i)
	}
}

func TestProofSwapDoesNotVerify(t *testing.T) {
	tree, err := Build([]string{"QmA", "QmB", "QmC"})
	require.NoError(t, err)

	assert.True(t, Verify("QmA", tree.Proofs["QmA"], tree.Root))
	assert.False(t, Verify("QmA", tree.Proofs["QmB"], tree.Root))
}

func TestThreeLeafDepth(t *testing.T) {
	tree, err := Build([]string{"QmA", "QmB", "QmC"})
	require.NoError(t, err)

	assert.Equal(t, 2, tree.Depth)
	for _, leaf := range tree.SortedLeaves {
		assert.Len(t, tree.Proofs[leaf], 2)
	}
}

func TestVerifyCaseInsensitiveRoot(t *testing.T) {
	tree, err := Build([]string{"QmA", "QmB"})
	require.NoError(t, err)

	upper := "0x" + toUpper(tree.Root[2:])
	assert.True(t, Verify("QmA", tree.Proofs["QmA"], upper))
	assert.True(t, Verify("QmA", tree.Proofs["QmA"], tree.Root[2:]))
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func TestRootBytesRoundTrip(t *testing.T) {
	tree, err := Build([]string{"QmA", "QmB"})
	require.NoError(t, err)

	root, err := RootBytes(tree.Root)
	require.NoError(t, err)
	assert.Equal(t, tree.Root, "0x"+fmt.Sprintf("%x", root))

	proof, err := ProofBytes(tree.Proofs["QmA"])
	require.NoError(t, err)
	assert.Len(t, proof, 1)

	_, err = RootBytes("0x1234")
	require.Error(t, err)
}

// Every leaf's proof verifies, and a leaf outside the set never does, for
// random leaf sets of size 1..33.
func TestPropAllProofsVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	genLeaves := gen.IntRange(1, 33).FlatMap(func(v interface{}) gopter.Gen {
		return gen.SliceOfN(v.(int), gen.Identifier())
	}, reflect.TypeOf([]string(nil)))

	properties.Property("round-trip", prop.ForAll(
		func(raw []string) bool {
			leaves := uniquePrefixed(raw)
			tree, err := Build(leaves)
			if err != nil {
				return false
			}
			for _, leaf := range leaves {
				if !Verify(leaf, tree.Proofs[leaf], tree.Root) {
					return false
				}
			}
			return !Verify("not-a-member", tree.Proofs[leaves[0]], tree.Root)
		},
		genLeaves,
	))

	properties.Property("permutation invariance", prop.ForAll(
		func(raw []string, seed int64) bool {
			leaves := uniquePrefixed(raw)
			tree1, err := Build(leaves)
			if err != nil {
				return false
			}

			shuffled := make([]string, len(leaves))
			copy(shuffled, leaves)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			tree2, err := Build(shuffled)
			if err != nil {
				return false
			}
			if tree1.Root != tree2.Root {
				return false
			}
			for _, leaf := range leaves {
				if len(tree1.Proofs[leaf]) != len(tree2.Proofs[leaf]) {
					return false
				}
				for i := range tree1.Proofs[leaf] {
					if tree1.Proofs[leaf][i] != tree2.Proofs[leaf][i] {
						return false
					}
				}
			}
			return true
		},
		genLeaves,
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// uniquePrefixed makes generated identifiers unique and CID-shaped.
func uniquePrefixed(raw []string) []string {
	out := make([]string, len(raw))
	for i, s := range raw {
		out[i] = fmt.Sprintf("Qm%03d%s", i, s)
	}
	return out
}
