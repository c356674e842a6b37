package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLeaf(t *testing.T, crypto CryptoProvider, name string, groupID GroupID, idx leafIndex) (*LeafNode, HPKEPrivateKey) {
	t.Helper()
	_, sigPub, err := crypto.SigKeygen()
	require.NoError(t, err)
	ikm, err := crypto.Rand(32)
	require.NoError(t, err)
	encPriv, encPub, err := crypto.HPKEDeriveKeyPair(ikm)
	require.NoError(t, err)
	leaf := &LeafNode{
		EncryptionKey: encPub,
		SignatureKey:  sigPub,
		Credential:    NewBasicCredential([]byte(name)),
		Capabilities:  defaultCapabilities(),
		Source:        leafNodeSourceCommit,
	}
	sigPriv, _, err := crypto.SigKeygen()
	require.NoError(t, err)
	require.NoError(t, leaf.sign(crypto, sigPriv, leafNodeTBSContext{GroupID: groupID, LeafIndex: idx}))
	return leaf, encPriv
}

// TestRatchetTreeAddUpdateRemove exercises the basic tree-shape
// invariants: adding grows the tree only when full, update/remove blank
// the direct path, and the tree hash changes whenever a leaf changes.
func TestRatchetTreeAddUpdateRemove(t *testing.T) {
	crypto, err := NewDefaultCryptoProvider()
	require.NoError(t, err)
	groupID := GroupID("tree-shape")

	alice, _ := newTestLeaf(t, crypto, "alice", groupID, 0)
	tree := newRatchetTree(SuiteX25519ChaCha20Ed25519, alice)
	require.Equal(t, leafCount(1), tree.size())

	h0 := tree.treeHash()

	bob, _ := newTestLeaf(t, crypto, "bob", groupID, 1)
	idx := tree.add(bob)
	require.Equal(t, leafIndex(1), idx)
	require.Equal(t, leafCount(2), tree.size())

	h1 := tree.treeHash()
	require.NotEqual(t, h0, h1)

	carol, _ := newTestLeaf(t, crypto, "carol", groupID, 2)
	cIdx := tree.add(carol)
	require.Equal(t, leafIndex(2), cIdx)
	require.Equal(t, leafCount(4), tree.size())
	require.Nil(t, tree.leafAt(3))

	// Blank carol's neighbor slot should be reused before growing again.
	dave, _ := newTestLeaf(t, crypto, "dave", groupID, 3)
	dIdx := tree.add(dave)
	require.Equal(t, leafIndex(3), dIdx)
	require.Equal(t, leafCount(4), tree.size())

	tree.remove(cIdx)
	require.Nil(t, tree.leafAt(cIdx))
	for _, n := range dirpath(toNodeIndex(cIdx), tree.size()) {
		require.Nil(t, tree.parentAt(n))
	}

	newCarol, _ := newTestLeaf(t, crypto, "carol2", groupID, 2)
	reIdx := tree.add(newCarol)
	require.Equal(t, cIdx, reIdx)

	carolLeaf2, _ := newTestLeaf(t, crypto, "carol3", groupID, 2)
	tree.update(reIdx, carolLeaf2)
	require.Equal(t, carolLeaf2, tree.leafAt(reIdx))
	for _, n := range dirpath(toNodeIndex(reIdx), tree.size()) {
		require.Nil(t, tree.parentAt(n))
	}
}

// TestRatchetTreeResolutionBlankLeaf checks that a blank leaf resolves to
// nothing and a populated one resolves to itself.
func TestRatchetTreeResolutionBlankLeaf(t *testing.T) {
	crypto, err := NewDefaultCryptoProvider()
	require.NoError(t, err)
	groupID := GroupID("resolution")

	alice, _ := newTestLeaf(t, crypto, "alice", groupID, 0)
	tree := newRatchetTree(SuiteX25519ChaCha20Ed25519, alice)
	bob, _ := newTestLeaf(t, crypto, "bob", groupID, 1)
	tree.add(bob)

	require.Equal(t, []nodeIndex{0}, tree.resolution(0))
	require.Equal(t, []nodeIndex{2}, tree.resolution(2))

	tree.remove(1)
	require.Empty(t, tree.resolution(2))
}

// TestEncryptDecryptPathRoundTrip exercises the core TreeKEM operation:
// a committer's encrypt_path must be openable by another member holding
// the right private keys, yielding the same commit secret and an
// accepted parent-hash chain (spec.md §4.3/§4.4).
func TestEncryptDecryptPathRoundTrip(t *testing.T) {
	crypto, err := NewDefaultCryptoProvider()
	require.NoError(t, err)
	groupID := GroupID("path-roundtrip")

	alice, _ := newTestLeaf(t, crypto, "alice", groupID, 0)
	tree := newRatchetTree(SuiteX25519ChaCha20Ed25519, alice)
	bob, bobLeafPriv := newTestLeaf(t, crypto, "bob", groupID, 1)
	tree.add(bob)
	carol, _ := newTestLeaf(t, crypto, "carol", groupID, 2)
	tree.add(carol)

	bobTree := cloneRatchetTree(tree)

	sigPriv, _, err := crypto.SigKeygen()
	require.NoError(t, err)
	groupContext := []byte("gc")

	leafTemplate := *tree.leafAt(0)
	up, commitSecret, _, _, err := tree.encryptPath(crypto, groupID, 0, leafTemplate, sigPriv, groupContext)
	require.NoError(t, err)
	require.NotEmpty(t, commitSecret)
	require.Len(t, up.Nodes, len(dirpath(toNodeIndex(0), tree.size())))

	bobPriv := map[nodeIndex][]byte{toNodeIndex(1): bobLeafPriv}
	gotSecret, _, err := bobTree.decryptPath(crypto, groupID, &up, 0, 1, bobPriv, groupContext)
	require.NoError(t, err)
	require.Equal(t, commitSecret, gotSecret)
}
