package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTreeWellFormed covers invariant 3: for every leaf count from 1 to
// 32, the tree has the expected width, every leaf's direct path reaches
// the root, and copath/dirpath stay the same length.
func TestTreeWellFormed(t *testing.T) {
	for size := leafCount(1); size <= 32; size++ {
		w := nodeWidth(size)
		require.Equal(t, 2*uint32(size)-1, w)

		r := root(size)
		require.True(t, uint32(r) < w || size == 1)

		for l := leafIndex(0); l < leafIndex(size); l++ {
			n := toNodeIndex(l)
			require.True(t, isLeaf(n))
			require.Equal(t, l, toLeafIndex(n))

			dp := dirpath(n, size)
			cp := copath(n, size)
			require.Equal(t, len(dp), len(cp))

			if size == 1 {
				require.Empty(t, dp)
				continue
			}
			require.NotEmpty(t, dp)
			require.Equal(t, r, dp[len(dp)-1])

			for _, p := range dp {
				require.False(t, isLeaf(p))
			}
		}
	}
}

// TestSiblingInvolution checks that sibling(sibling(n)) == n for every
// non-root node, which the copath construction depends on.
func TestSiblingInvolution(t *testing.T) {
	size := leafCount(11)
	r := root(size)
	for n := nodeIndex(0); n < nodeIndex(nodeWidth(size)); n++ {
		if n == r {
			continue
		}
		s := sibling(n, size)
		require.Equal(t, n, sibling(s, size))
	}
}

// TestParentMonotonic checks that walking parent() from any node reaches
// the root in a number of steps bounded by the tree's depth.
func TestParentMonotonic(t *testing.T) {
	size := leafCount(19)
	r := root(size)
	depth := log2(nodeWidth(size)) + 1
	for n := nodeIndex(0); n < nodeIndex(nodeWidth(size)); n++ {
		cur := n
		steps := uint32(0)
		for cur != r {
			cur = parent(cur, size)
			steps++
			require.LessOrEqual(t, steps, depth+1)
		}
	}
}

// TestRootSingleLeaf covers the degenerate one-member tree.
func TestRootSingleLeaf(t *testing.T) {
	require.Equal(t, nodeIndex(0), root(leafCount(1)))
	require.Empty(t, dirpath(0, 1))
	require.Empty(t, copath(0, 1))
}
