package mls

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// pathSecretAt walks idx's direct path from leaf to root looking for the
// first node encryptPath recorded a raw chain secret for, i.e. idx's
// lowest common ancestor with whoever ran encryptPath. Returns nil if
// idx doesn't share any ancestor with the recorded chain (the new
// member's own leaf is the root, a one-member group).
func pathSecretAt(tree *ratchetTree, pathSecrets map[nodeIndex][]byte, idx leafIndex) []byte {
	for _, n := range dirpath(toNodeIndex(idx), tree.size()) {
		if ps, ok := pathSecrets[n]; ok {
			return dup(ps)
		}
	}
	return nil
}

// GroupInfo advertises a group's current epoch to prospective joiners,
// signed by whichever member produced it (spec.md §4.9). It travels
// either inside a Welcome or standalone, for join_by_external_commit.
type GroupInfo struct {
	GroupContext    GroupContext
	Extensions      []Extension
	ConfirmationTag []byte
	Signer          leafIndex
	Signature       []byte

	// RatchetTree is the serialized tree, included inline only when the
	// producer opts into it (IncludeRatchetTreeInGroupInfo for commits, the
	// includeTree argument for ExportGroupInfo) rather than requiring
	// joiners to already have it (spec.md §4.9,
	// "reconstructs or receives the ratchet tree").
	RatchetTree []byte
}

func (gi *GroupInfo) marshalTBS(b *cryptobyte.Builder) {
	gi.GroupContext.marshal(b)
	marshalExtensionVec(b, gi.Extensions)
	writeOpaqueVec(b, gi.ConfirmationTag)
	b.AddUint32(uint32(gi.Signer))
}

func (gi *GroupInfo) marshal(b *cryptobyte.Builder) {
	gi.marshalTBS(b)
	writeOpaqueVec16(b, gi.Signature)
	writeOptional(b, gi.RatchetTree != nil)
	if gi.RatchetTree != nil {
		writeOpaqueVec16(b, gi.RatchetTree)
	}
}

func (gi *GroupInfo) unmarshal(s *cryptobyte.String) error {
	*gi = GroupInfo{}
	if err := gi.GroupContext.unmarshal(s); err != nil {
		return err
	}
	exts, err := unmarshalExtensionVec(s)
	if err != nil {
		return err
	}
	gi.Extensions = exts
	if !readOpaqueVec(s, &gi.ConfirmationTag) {
		return io.ErrUnexpectedEOF
	}
	var signer uint32
	if !s.ReadUint32(&signer) {
		return io.ErrUnexpectedEOF
	}
	gi.Signer = leafIndex(signer)
	if !readOpaqueVec16(s, &gi.Signature) {
		return io.ErrUnexpectedEOF
	}
	var hasTree bool
	if !readOptional(s, &hasTree) {
		return io.ErrUnexpectedEOF
	}
	if hasTree {
		if !readOpaqueVec16(s, &gi.RatchetTree) {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

func (gi *GroupInfo) sign(crypto CryptoProvider, sigPriv SignaturePrivateKey) error {
	var b cryptobyte.Builder
	gi.marshalTBS(&b)
	tbs, err := b.Bytes()
	if err != nil {
		return err
	}
	sig, err := crypto.SignatureSign(sigPriv, "GroupInfoTBS", tbs)
	if err != nil {
		return err
	}
	gi.Signature = sig
	return nil
}

func (gi *GroupInfo) verify(crypto CryptoProvider, sigPub SignaturePublicKey) error {
	var b cryptobyte.Builder
	gi.marshalTBS(&b)
	tbs, err := b.Bytes()
	if err != nil {
		return err
	}
	if !crypto.SignatureVerify(sigPub, "GroupInfoTBS", tbs, gi.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// GroupSecrets is what a Welcome encrypts, per new member, under that
// member's KeyPackage init key (spec.md §4.9).
type GroupSecrets struct {
	JoinerSecret []byte
	PathSecret   []byte // chain secret at this member's lowest common ancestor with the committer, absent for a one-member group
	PSKs         [][]byte
}

func (gs *GroupSecrets) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, gs.JoinerSecret)
	writeOptional(b, gs.PathSecret != nil)
	if gs.PathSecret != nil {
		writeOpaqueVec(b, gs.PathSecret)
	}
	writeVector(b, len(gs.PSKs), func(b *cryptobyte.Builder, i int) {
		writeOpaqueVec(b, gs.PSKs[i])
	})
}

func (gs *GroupSecrets) unmarshal(s *cryptobyte.String) error {
	*gs = GroupSecrets{}
	if !readOpaqueVec(s, &gs.JoinerSecret) {
		return io.ErrUnexpectedEOF
	}
	var hasPath bool
	if !readOptional(s, &hasPath) {
		return io.ErrUnexpectedEOF
	}
	if hasPath {
		if !readOpaqueVec(s, &gs.PathSecret) {
			return io.ErrUnexpectedEOF
		}
	}
	return readVector(s, func(s *cryptobyte.String) error {
		var psk []byte
		if !readOpaqueVec(s, &psk) {
			return io.ErrUnexpectedEOF
		}
		gs.PSKs = append(gs.PSKs, psk)
		return nil
	})
}

// encryptedGroupSecrets is one new member's addressed, HPKE-sealed
// GroupSecrets entry within a Welcome.
type encryptedGroupSecrets struct {
	NewMember KeyPackageRef
	Secrets   HPKECiphertext
}

func (e *encryptedGroupSecrets) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, e.NewMember)
	e.Secrets.marshal(b)
}

func (e *encryptedGroupSecrets) unmarshal(s *cryptobyte.String) error {
	*e = encryptedGroupSecrets{}
	if !readOpaqueVec(s, (*[]byte)(&e.NewMember)) {
		return io.ErrUnexpectedEOF
	}
	return e.Secrets.unmarshal(s)
}

// Welcome carries a committed Add's group secrets to every newly added
// member, plus the GroupInfo they need to reconstruct epoch state
// (spec.md §4.9).
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []encryptedGroupSecrets
	EncryptedGroupInfo []byte
}

func (w *Welcome) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(w.CipherSuite))
	writeVector(b, len(w.Secrets), func(b *cryptobyte.Builder, i int) {
		w.Secrets[i].marshal(b)
	})
	writeOpaqueVec16(b, w.EncryptedGroupInfo)
}

func (w *Welcome) unmarshal(s *cryptobyte.String) error {
	*w = Welcome{}
	if !s.ReadUint16((*uint16)(&w.CipherSuite)) {
		return io.ErrUnexpectedEOF
	}
	if err := readVector(s, func(s *cryptobyte.String) error {
		var e encryptedGroupSecrets
		if err := e.unmarshal(s); err != nil {
			return err
		}
		w.Secrets = append(w.Secrets, e)
		return nil
	}); err != nil {
		return err
	}
	if !readOpaqueVec16(s, &w.EncryptedGroupInfo) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// buildWelcome produces a Welcome for every newly added member plus the
// GroupInfo it references, called once per commit that contains an Add or
// whose group includes the ratchet tree in its GroupInfo (spec.md §4.9).
func buildWelcome(crypto CryptoProvider, tree *ratchetTree, gc GroupContext, joinerSecret, welcomeSecret, confirmationTag []byte, committer leafIndex, committerSigPriv SignaturePrivateKey, newMembers []KeyPackage, pathSecrets map[nodeIndex][]byte, includeTree bool) (*Welcome, *GroupInfo, error) {
	gi := &GroupInfo{
		GroupContext:    gc,
		ConfirmationTag: confirmationTag,
		Signer:          committer,
	}
	if includeTree {
		treeBytes, err := marshal(tree)
		if err != nil {
			return nil, nil, err
		}
		gi.RatchetTree = treeBytes
	}
	if err := gi.sign(crypto, committerSigPriv); err != nil {
		return nil, nil, err
	}

	giBytes, err := marshal(gi)
	if err != nil {
		return nil, nil, err
	}
	key, nonce := deriveWelcomeKeyNonce(tree.suite, welcomeSecret)
	encGI, err := crypto.AEADSeal(key, nonce, nil, giBytes)
	if err != nil {
		return nil, nil, err
	}

	w := &Welcome{CipherSuite: tree.suite, EncryptedGroupInfo: encGI}
	for _, kp := range newMembers {
		ref, err := kp.ref(crypto)
		if err != nil {
			return nil, nil, err
		}
		gs := GroupSecrets{JoinerSecret: joinerSecret}
		if idx, ok := tree.leafIndexOf(kp); ok {
			gs.PathSecret = pathSecretAt(tree, pathSecrets, idx)
		}
		gsBytes, err := marshal(&gs)
		if err != nil {
			return nil, nil, err
		}
		ct, err := crypto.HPKESeal(kp.InitKey, "Welcome", nil, nil, gsBytes)
		if err != nil {
			return nil, nil, err
		}
		w.Secrets = append(w.Secrets, encryptedGroupSecrets{NewMember: ref, Secrets: ct})
	}

	return w, gi, nil
}

// processWelcome is the receiving side of new_from_welcome (spec.md
// §4.9): it locates the caller's entry by KeyPackage reference,
// HPKE-decrypts the joiner_secret, decrypts and verifies GroupInfo, and
// reconstructs the tree and key schedule. externalTree supplies the
// ratchet tree out-of-band when the GroupInfo doesn't carry one. The
// returned []byte is gs.PathSecret, left for the caller to resolve into
// path private keys once it knows its own leaf index.
func processWelcome(crypto CryptoProvider, suite CipherSuite, w *Welcome, kp KeyPackagePrivate, externalTree *ratchetTree) (*GroupInfo, *ratchetTree, *keyScheduleEpoch, []byte, error) {
	if w.CipherSuite != suite {
		return nil, nil, nil, nil, ErrUnsupportedCiphersuite
	}
	myRef, err := kp.Public.ref(crypto)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var mine *encryptedGroupSecrets
	for i := range w.Secrets {
		if w.Secrets[i].NewMember.Equal(myRef) {
			mine = &w.Secrets[i]
			break
		}
	}
	if mine == nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: no GroupSecrets entry addressed to this key package", ErrUnknownMember)
	}

	gsBytes, err := crypto.HPKEOpen(kp.InitPrivate, "Welcome", nil, nil, mine.Secrets)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	var gs GroupSecrets
	if err := unmarshal(gsBytes, &gs); err != nil {
		return nil, nil, nil, nil, err
	}

	welcomeSecret := suite.deriveSecret(gs.JoinerSecret, "welcome")
	key, nonce := deriveWelcomeKeyNonce(suite, welcomeSecret)
	giBytes, err := crypto.AEADOpen(key, nonce, nil, w.EncryptedGroupInfo)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	var gi GroupInfo
	if err := unmarshal(giBytes, &gi); err != nil {
		return nil, nil, nil, nil, err
	}

	tree := externalTree
	if tree == nil {
		if gi.RatchetTree == nil {
			return nil, nil, nil, nil, fmt.Errorf("%w: no ratchet tree available", ErrMalformed)
		}
		tree = &ratchetTree{suite: suite}
		if err := unmarshal(gi.RatchetTree, tree); err != nil {
			return nil, nil, nil, nil, err
		}
	}

	signerLeaf := tree.leafAt(gi.Signer)
	if signerLeaf == nil {
		return nil, nil, nil, nil, ErrUnknownMember
	}
	if err := gi.verify(crypto, signerLeaf.SignatureKey); err != nil {
		return nil, nil, nil, nil, err
	}
	if !bytes.Equal(tree.treeHash(), gi.GroupContext.TreeHash) {
		return nil, nil, nil, nil, ErrTreeHashMismatch
	}

	gcBytes, err := marshal(&gi.GroupContext)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ks := newKeyScheduleEpochFromJoinerSecret(suite, gs.JoinerSecret, pskSecretFrom(gs.PSKs, suite), gcBytes)

	confirmed := crypto.MAC(ks.confirmationKey, gi.GroupContext.ConfirmedTranscriptHash)
	if !bytes.Equal(confirmed, gi.ConfirmationTag) {
		return nil, nil, nil, nil, ErrMacMismatch
	}

	return &gi, tree, ks, gs.PathSecret, nil
}

// pathPrivFromGroupSecrets resumes the committer's path-secret chain from
// gs.PathSecret, deriving private keys for every node from myLeaf's
// lowest common ancestor with the committer up to the root. It verifies
// each derived public key against what's already installed in tree, so a
// corrupted or mismatched path secret is rejected rather than silently
// leaving the new member unable to decrypt a future commit.
func pathPrivFromGroupSecrets(crypto CryptoProvider, suite CipherSuite, tree *ratchetTree, committer, myLeaf leafIndex, pathSecret []byte) (map[nodeIndex][]byte, error) {
	if pathSecret == nil {
		return nil, nil
	}
	myDF := dirpath(toNodeIndex(myLeaf), tree.size())
	lcaLevel := -1
	for i, n := range myDF {
		if inSubtree(n, toNodeIndex(committer), tree.size()) {
			lcaLevel = i
			break
		}
	}
	if lcaLevel < 0 {
		return nil, ErrPathSecretMismatch
	}

	out := make(map[nodeIndex][]byte, len(myDF)-lcaLevel)
	cur := dup(pathSecret)
	for j := lcaLevel; j < len(myDF); j++ {
		priv, pub, err := crypto.HPKEDeriveKeyPair(cur)
		if err != nil {
			return nil, err
		}
		parent := tree.parentAt(myDF[j])
		if parent == nil || !bytes.Equal(pub, parent.EncryptionKey) {
			return nil, ErrPathSecretMismatch
		}
		out[myDF[j]] = priv
		if j+1 < len(myDF) {
			cur = suite.deriveSecret(cur, "path")
		}
	}
	return out, nil
}

func pskSecretFrom(psks [][]byte, suite CipherSuite) []byte {
	if len(psks) == 0 {
		return nil
	}
	acc := make([]byte, suite.constants().SecretSize)
	for _, psk := range psks {
		acc = suite.hkdfExtract(acc, psk)
	}
	return acc
}
