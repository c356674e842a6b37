package mls

import (
	"bytes"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// parentNode is the non-leaf half of the ratchet tree's node union
// (spec.md §4.3): a public HPKE key plus the bookkeeping (unmerged_leaves)
// that lets resolution() route around members who haven't yet merged this
// node's secret into their private-key store.
type parentNode struct {
	EncryptionKey  HPKEPublicKey
	ParentHash     []byte
	UnmergedLeaves []leafIndex
}

func (p *parentNode) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec16(b, p.EncryptionKey)
	writeOpaqueVec(b, p.ParentHash)
	writeVector(b, len(p.UnmergedLeaves), func(b *cryptobyte.Builder, i int) {
		b.AddUint32(uint32(p.UnmergedLeaves[i]))
	})
}

func (p *parentNode) unmarshal(s *cryptobyte.String) error {
	*p = parentNode{}
	if !readOpaqueVec16(s, (*[]byte)(&p.EncryptionKey)) || !readOpaqueVec(s, &p.ParentHash) {
		return io.ErrUnexpectedEOF
	}
	return readVector(s, func(s *cryptobyte.String) error {
		var l uint32
		if !s.ReadUint32(&l) {
			return io.ErrUnexpectedEOF
		}
		p.UnmergedLeaves = append(p.UnmergedLeaves, leafIndex(l))
		return nil
	})
}

func (p *parentNode) addUnmergedLeaf(l leafIndex) {
	for _, existing := range p.UnmergedLeaves {
		if existing == l {
			return
		}
	}
	p.UnmergedLeaves = append(p.UnmergedLeaves, l)
}

// ratchetTree is the left-balanced binary tree of spec.md §4.3, stored as
// two parallel slices in left-to-right order: leaves[i] is the i-th leaf,
// parents[j] is the j-th parent node. Because a left-balanced tree's
// flattened node indices interleave leaf, parent, leaf, parent, ..., a
// node at flattened index n maps to leaves[n/2] when n is even and
// parents[(n-1)/2] when n is odd; toLeafIndex/parentAt below encode that.
type ratchetTree struct {
	suite   CipherSuite
	leaves  []*LeafNode
	parents []*parentNode
}

func newRatchetTree(suite CipherSuite, first *LeafNode) *ratchetTree {
	return &ratchetTree{suite: suite, leaves: []*LeafNode{first}}
}

func (t *ratchetTree) size() leafCount { return leafCount(len(t.leaves)) }

func (t *ratchetTree) leafAt(l leafIndex) *LeafNode {
	if int(l) >= len(t.leaves) {
		return nil
	}
	return t.leaves[l]
}

func (t *ratchetTree) parentAt(n nodeIndex) *parentNode {
	idx := (n - 1) / 2
	if isLeaf(n) || int(idx) >= len(t.parents) {
		return nil
	}
	return t.parents[idx]
}

func (t *ratchetTree) setParentAt(n nodeIndex, p *parentNode) {
	t.parents[(n-1)/2] = p
}

// resolution returns the effective set of public-key-bearing nodes that
// cover n's subtree: {} for a blank leaf, {n} for a non-blank leaf, the
// union of both children's resolutions for a blank parent, and {n} plus
// n's own unmerged leaves for a non-blank parent (spec.md §4.3: unmerged
// leaves don't derive from the parent's secret and must be reached
// directly in path encryption).
func (t *ratchetTree) resolution(n nodeIndex) []nodeIndex {
	if isLeaf(n) {
		if t.leafAt(toLeafIndex(n)) == nil {
			return nil
		}
		return []nodeIndex{n}
	}
	p := t.parentAt(n)
	if p == nil {
		out := t.resolution(left(n))
		out = append(out, t.resolution(right(n, t.size()))...)
		return out
	}
	out := []nodeIndex{n}
	for _, l := range p.UnmergedLeaves {
		out = append(out, toNodeIndex(l))
	}
	return out
}

// effectiveKey returns the HPKE public key a resolution entry is reached
// under: the leaf's own encryption key, or the covering parent's.
func (t *ratchetTree) effectiveKey(n nodeIndex) HPKEPublicKey {
	if isLeaf(n) {
		return t.leafAt(toLeafIndex(n)).EncryptionKey
	}
	return t.parentAt(n).EncryptionKey
}

// add inserts leaf into the leftmost blank leaf slot, extending the tree
// by one level first if the tree is full (spec.md §4.3, add()). It
// returns the index the leaf was placed at and records the new leaf as
// unmerged on every non-blank ancestor along its direct path.
func (t *ratchetTree) add(leaf *LeafNode) leafIndex {
	idx := leafIndex(0)
	found := false
	for i, l := range t.leaves {
		if l == nil {
			idx = leafIndex(i)
			found = true
			break
		}
	}
	if !found {
		oldSize := len(t.leaves)
		newSize := oldSize * 2
		if newSize == 0 {
			newSize = 1
		}
		for len(t.leaves) < newSize {
			t.leaves = append(t.leaves, nil)
		}
		for len(t.parents) < newSize-1 {
			t.parents = append(t.parents, nil)
		}
		idx = leafIndex(oldSize)
	}
	t.leaves[idx] = leaf
	for _, n := range dirpath(toNodeIndex(idx), t.size()) {
		if p := t.parentAt(n); p != nil {
			p.addUnmergedLeaf(idx)
		}
	}
	return idx
}

// update installs newLeaf at idx and blanks the direct path, since none
// of the old path secrets remain derivable from the new leaf key
// (spec.md §4.3, update()).
func (t *ratchetTree) update(idx leafIndex, newLeaf *LeafNode) {
	t.leaves[idx] = newLeaf
	for _, n := range dirpath(toNodeIndex(idx), t.size()) {
		t.setParentAt(n, nil)
	}
}

// remove blanks idx's leaf and direct path (spec.md §4.3, remove()).
func (t *ratchetTree) remove(idx leafIndex) {
	t.leaves[idx] = nil
	for _, n := range dirpath(toNodeIndex(idx), t.size()) {
		t.setParentAt(n, nil)
	}
}

// marshal serializes the full tree (every leaf and parent slot, blank or
// not) for inclusion in a GroupInfo or export_ratchet_tree() (spec.md
// §4.9, §6).
func (t *ratchetTree) marshal(b *cryptobyte.Builder) {
	b.AddUint32(uint32(t.size()))
	for _, l := range t.leaves {
		writeOptional(b, l != nil)
		if l != nil {
			l.marshal(b)
		}
	}
	for _, p := range t.parents {
		writeOptional(b, p != nil)
		if p != nil {
			p.marshal(b)
		}
	}
}

func (t *ratchetTree) unmarshal(s *cryptobyte.String) error {
	var size uint32
	if !s.ReadUint32(&size) {
		return io.ErrUnexpectedEOF
	}
	*t = ratchetTree{suite: t.suite, leaves: make([]*LeafNode, size), parents: make([]*parentNode, 0)}
	if size > 0 {
		t.parents = make([]*parentNode, size-1)
	}
	for i := range t.leaves {
		var present bool
		if !readOptional(s, &present) {
			return io.ErrUnexpectedEOF
		}
		if present {
			l := &LeafNode{}
			if err := l.unmarshal(s); err != nil {
				return err
			}
			t.leaves[i] = l
		}
	}
	for i := range t.parents {
		var present bool
		if !readOptional(s, &present) {
			return io.ErrUnexpectedEOF
		}
		if present {
			p := &parentNode{}
			if err := p.unmarshal(s); err != nil {
				return err
			}
			t.parents[i] = p
		}
	}
	return nil
}

// nodeHash is the Merkle-style content hash used for GroupContext's
// tree_hash (spec.md §4.3): every blank or populated node folds in both
// children so a single byte anywhere in the tree changes the root hash.
func (t *ratchetTree) nodeHash(n nodeIndex) []byte {
	if isLeaf(n) {
		l := t.leafAt(toLeafIndex(n))
		if l == nil {
			return t.suite.hash([]byte("mls-blank-leaf"))
		}
		data, err := marshal(l)
		if err != nil {
			panic(err)
		}
		return t.suite.hash(concatBytes([]byte("mls-leaf-node"), data))
	}
	lh := t.nodeHash(left(n))
	rh := t.nodeHash(right(n, t.size()))
	p := t.parentAt(n)
	if p == nil {
		return t.suite.hash(concatBytes([]byte("mls-blank-parent"), lh, rh))
	}
	data, err := marshal(p)
	if err != nil {
		panic(err)
	}
	return t.suite.hash(concatBytes([]byte("mls-parent-node"), data, lh, rh))
}

// treeHash returns the whole tree's root hash.
func (t *ratchetTree) treeHash() []byte {
	return t.nodeHash(root(t.size()))
}

// updateParentHashesAlongPath recomputes the ParentHash field of every
// node on from's direct path, top-down from the root, and returns the
// value the leaf itself must carry (spec.md §4.3, parent-hash chain). It
// is called once per path update: only the updated path's nodes ever get
// a fresh ParentHash, matching the invariant that other members' already
// signed LeafNodes are never retroactively invalidated.
func (t *ratchetTree) updateParentHashesAlongPath(from leafIndex) []byte {
	size := t.size()
	df := dirpath(toNodeIndex(from), size)
	if len(df) == 0 {
		return t.suite.hash(nil)
	}

	var aboveKey HPKEPublicKey
	var aboveHash []byte
	r := root(size)
	for i := len(df) - 1; i >= 0; i-- {
		n := df[i]
		p := t.parentAt(n)
		if n == r {
			p.ParentHash = nil
			aboveKey = p.EncryptionKey
			aboveHash = nil
			continue
		}
		sibHash := t.nodeHash(sibling(n, size))
		p.ParentHash = t.suite.hash(concatBytes(aboveKey, aboveHash, sibHash))
		aboveKey = p.EncryptionKey
		aboveHash = p.ParentHash
	}

	leafSibHash := t.nodeHash(sibling(toNodeIndex(from), size))
	return t.suite.hash(concatBytes(aboveKey, aboveHash, leafSibHash))
}

// updatePathNode is one hop of a UpdatePath: the new public key installed
// at that ancestor, plus the path secret re-encrypted to everyone who
// needs it to derive that key and everything above it (spec.md §4.3).
type updatePathNode struct {
	EncryptionKey        HPKEPublicKey
	EncryptedPathSecrets []HPKECiphertext
}

func (n *updatePathNode) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec16(b, n.EncryptionKey)
	writeVector(b, len(n.EncryptedPathSecrets), func(b *cryptobyte.Builder, i int) {
		n.EncryptedPathSecrets[i].marshal(b)
	})
}

func (n *updatePathNode) unmarshal(s *cryptobyte.String) error {
	*n = updatePathNode{}
	if !readOpaqueVec16(s, (*[]byte)(&n.EncryptionKey)) {
		return io.ErrUnexpectedEOF
	}
	return readVector(s, func(s *cryptobyte.String) error {
		var ct HPKECiphertext
		if err := ct.unmarshal(s); err != nil {
			return err
		}
		n.EncryptedPathSecrets = append(n.EncryptedPathSecrets, ct)
		return nil
	})
}

// UpdatePath carries a committer's freshly signed leaf plus the
// encrypted secrets needed to install the rest of its direct path
// (spec.md §4.3, encrypt_path / §4.7 Commit.path).
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []updatePathNode
}

func (up *UpdatePath) marshal(b *cryptobyte.Builder) {
	up.LeafNode.marshal(b)
	writeVector(b, len(up.Nodes), func(b *cryptobyte.Builder, i int) {
		up.Nodes[i].marshal(b)
	})
}

func (up *UpdatePath) unmarshal(s *cryptobyte.String) error {
	*up = UpdatePath{}
	if err := up.LeafNode.unmarshal(s); err != nil {
		return err
	}
	return readVector(s, func(s *cryptobyte.String) error {
		var n updatePathNode
		if err := n.unmarshal(s); err != nil {
			return err
		}
		up.Nodes = append(up.Nodes, n)
		return nil
	})
}

// encryptPath generates a fresh path secret chain from from's leaf up to
// the root, installs the resulting public keys into the tree, signs the
// new leaf, and returns the UpdatePath to broadcast plus the commit
// secret fed into the key schedule (spec.md §4.3 encrypt_path, §4.4
// commit_secret). leafTemplate supplies the credential/capabilities of
// the new leaf; its Source must be Update or Commit. The returned
// pathSecrets map holds, for from's own leaf node and every node on its
// direct path, the raw KDF chain value at that node (pre-HPKE keygen) so
// a newly welcomed member sharing an ancestor with from can resume the
// chain from their lowest common ancestor (spec.md §4.9, path_secret).
func (t *ratchetTree) encryptPath(crypto CryptoProvider, groupID GroupID, from leafIndex, leafTemplate LeafNode, sigPriv SignaturePrivateKey, groupContext []byte) (UpdatePath, []byte, map[nodeIndex][]byte, map[nodeIndex][]byte, error) {
	size := t.size()
	df := dirpath(toNodeIndex(from), size)
	cp := copath(toNodeIndex(from), size)

	leafSecret, err := crypto.Rand(t.suite.constants().SecretSize)
	if err != nil {
		return UpdatePath{}, nil, nil, nil, err
	}
	leafPriv, leafPub, err := crypto.HPKEDeriveKeyPair(leafSecret)
	if err != nil {
		return UpdatePath{}, nil, nil, nil, err
	}

	newPriv := map[nodeIndex][]byte{toNodeIndex(from): leafPriv}
	pathSecrets := map[nodeIndex][]byte{toNodeIndex(from): dup(leafSecret)}

	var nodes []updatePathNode
	var commitSecret []byte

	if len(df) == 0 {
		commitSecret = t.suite.deriveSecret(leafSecret, "path")
	} else {
		cur := leafSecret
		pathSecret := make([]byte, len(cur))
		copy(pathSecret, cur)
		for i, n := range df {
			pathSecret = t.suite.deriveSecret(pathSecret, "path")
			pathSecrets[n] = dup(pathSecret)
			priv, pub, err := crypto.HPKEDeriveKeyPair(pathSecret)
			if err != nil {
				return UpdatePath{}, nil, nil, nil, err
			}
			newPriv[n] = priv

			res := t.resolution(cp[i])
			cts := make([]HPKECiphertext, len(res))
			for j, r := range res {
				ct, err := crypto.HPKESeal(t.effectiveKey(r), "UpdatePathNode", groupContext, nil, pathSecret)
				if err != nil {
					return UpdatePath{}, nil, nil, nil, err
				}
				cts[j] = ct
			}
			nodes = append(nodes, updatePathNode{EncryptionKey: pub, EncryptedPathSecrets: cts})

			t.setParentAt(n, &parentNode{EncryptionKey: pub})
		}
		commitSecret = t.suite.deriveSecret(pathSecret, "path")
	}

	newLeaf := leafTemplate
	newLeaf.EncryptionKey = leafPub
	t.leaves[from] = &newLeaf
	newLeaf.ParentHash = t.updateParentHashesAlongPath(from)
	if err := newLeaf.sign(crypto, sigPriv, leafNodeTBSContext{GroupID: groupID, LeafIndex: from}); err != nil {
		return UpdatePath{}, nil, nil, nil, err
	}
	t.leaves[from] = &newLeaf

	return UpdatePath{LeafNode: newLeaf, Nodes: nodes}, commitSecret, newPriv, pathSecrets, nil
}

// leafIndexOf returns the tree position of the leaf carrying kp's
// signature key, used by buildWelcome to locate a just-added member
// without threading index bookkeeping through the commit path.
func (t *ratchetTree) leafIndexOf(kp KeyPackage) (leafIndex, bool) {
	for i, l := range t.leaves {
		if l != nil && string(l.SignatureKey) == string(kp.LeafNode.SignatureKey) {
			return leafIndex(i), true
		}
	}
	return 0, false
}

// inSubtree reports whether n lies within ancestor's subtree, i.e. n ==
// ancestor or ancestor appears on n's direct path.
func inSubtree(ancestor, n nodeIndex, size leafCount) bool {
	if ancestor == n {
		return true
	}
	for _, a := range dirpath(n, size) {
		if a == ancestor {
			return true
		}
	}
	return false
}

// decryptPath applies a received UpdatePath: it finds the one ciphertext
// myLeaf's held private keys can open, re-derives the rest of the path
// toward the root, installs the new public keys, and verifies the
// committer's transmitted parent hash against the freshly recomputed one
// (spec.md §4.3 decrypt_path). privTree supplies myLeaf's currently held
// private keys, keyed by node index, and is returned updated with the
// newly learned ones.
func (t *ratchetTree) decryptPath(crypto CryptoProvider, groupID GroupID, up *UpdatePath, from, myLeaf leafIndex, privTree map[nodeIndex][]byte, groupContext []byte) ([]byte, map[nodeIndex][]byte, error) {
	size := t.size()
	df := dirpath(toNodeIndex(from), size)
	cp := copath(toNodeIndex(from), size)
	if len(df) != len(up.Nodes) {
		return nil, nil, ErrMalformed
	}

	newPriv := make(map[nodeIndex][]byte, len(privTree))
	for k, v := range privTree {
		newPriv[k] = v
	}

	expectedParentHash := dup(up.LeafNode.ParentHash)

	foundLevel := -1
	var pathSecret []byte
	for i, c := range cp {
		res := t.resolution(c)
		for j, r := range res {
			priv, ok := privTree[r]
			if !ok {
				continue
			}
			pt, err := crypto.HPKEOpen(priv, "UpdatePathNode", groupContext, nil, up.Nodes[i].EncryptedPathSecrets[j])
			if err != nil {
				return nil, nil, err
			}
			pathSecret = pt
			foundLevel = i
			break
		}
		if foundLevel >= 0 {
			break
		}
	}
	if foundLevel < 0 {
		return nil, nil, ErrPathSecretMismatch
	}

	for j := foundLevel; j < len(df); j++ {
		priv, pub, err := crypto.HPKEDeriveKeyPair(pathSecret)
		if err != nil {
			return nil, nil, err
		}
		if !bytes.Equal(pub, up.Nodes[j].EncryptionKey) {
			return nil, nil, ErrPathSecretMismatch
		}
		newPriv[df[j]] = priv
		t.setParentAt(df[j], &parentNode{EncryptionKey: pub})
		if j+1 < len(df) {
			pathSecret = t.suite.deriveSecret(pathSecret, "path")
		}
	}
	commitSecret := t.suite.deriveSecret(pathSecret, "path")

	t.leaves[from] = &up.LeafNode
	gotParentHash := t.updateParentHashesAlongPath(from)
	if !bytes.Equal(gotParentHash, expectedParentHash) {
		return nil, nil, ErrParentHashMismatch
	}

	return commitSecret, newPriv, nil
}
