package mls

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

// leafNodeSource distinguishes the three contexts a LeafNode can be
// produced in (spec.md §3); the signature label depends on which.
type leafNodeSource uint8

const (
	leafNodeSourceKeyPackage leafNodeSource = 1
	leafNodeSourceUpdate     leafNodeSource = 2
	leafNodeSourceCommit     leafNodeSource = 3
)

func (s leafNodeSource) label() string {
	switch s {
	case leafNodeSourceKeyPackage:
		return "KeyPackageTBS"
	case leafNodeSourceUpdate, leafNodeSourceCommit:
		return "LeafNodeTBS"
	default:
		return ""
	}
}

// Lifetime bounds the validity window of a LeafNode minted from a
// KeyPackage (spec.md §4.2, "lifetime (if present) covers current time").
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

func (l Lifetime) coversNow(now time.Time) bool {
	ts := uint64(now.Unix())
	return ts >= l.NotBefore && ts <= l.NotAfter
}

// LeafNode is a member's current public-key material in the ratchet tree
// (spec.md §3).
type LeafNode struct {
	EncryptionKey HPKEPublicKey
	SignatureKey  SignaturePublicKey
	Credential    Credential
	Capabilities  Capabilities
	Source        leafNodeSource
	Lifetime      *Lifetime // present only when Source == leafNodeSourceKeyPackage
	ParentHash    []byte    // present only when Source == leafNodeSourceCommit
	Extensions    []Extension
	Signature     []byte
}

// leafNodeTBSContext carries the fields that sit outside the LeafNode itself but
// are covered by its signature per source (group_id/leaf_index for
// Update/Commit sources). Passing zero values is correct for KeyPackage
// source, which covers none of them.
type leafNodeTBSContext struct {
	GroupID   GroupID
	LeafIndex leafIndex
}

func (n *LeafNode) marshalTBS(b *cryptobyte.Builder, ctx leafNodeTBSContext) {
	n.marshalContent(b)
	if n.Source != leafNodeSourceKeyPackage {
		writeOpaqueVec(b, ctx.GroupID)
		b.AddUint32(uint32(ctx.LeafIndex))
	}
}

// marshalContent writes the LeafNode's own fields, without the signature
// and without the signature-only context.
func (n *LeafNode) marshalContent(b *cryptobyte.Builder) {
	writeOpaqueVec16(b, n.EncryptionKey)
	writeOpaqueVec16(b, n.SignatureKey)
	n.Credential.marshal(b)
	n.Capabilities.marshal(b)
	b.AddUint8(uint8(n.Source))
	switch n.Source {
	case leafNodeSourceKeyPackage:
		b.AddUint64(n.Lifetime.NotBefore)
		b.AddUint64(n.Lifetime.NotAfter)
	case leafNodeSourceUpdate:
		// no extra TBS fields
	case leafNodeSourceCommit:
		writeOpaqueVec(b, n.ParentHash)
	}
	marshalExtensionVec(b, n.Extensions)
}

func (n *LeafNode) marshal(b *cryptobyte.Builder) {
	n.marshalContent(b)
	writeOpaqueVec16(b, n.Signature)
}

func (n *LeafNode) unmarshal(s *cryptobyte.String) error {
	*n = LeafNode{}
	if !readOpaqueVec16(s, (*[]byte)(&n.EncryptionKey)) || !readOpaqueVec16(s, (*[]byte)(&n.SignatureKey)) {
		return io.ErrUnexpectedEOF
	}
	if err := n.Credential.unmarshal(s); err != nil {
		return err
	}
	if err := n.Capabilities.unmarshal(s); err != nil {
		return err
	}
	var source uint8
	if !s.ReadUint8(&source) {
		return io.ErrUnexpectedEOF
	}
	n.Source = leafNodeSource(source)
	switch n.Source {
	case leafNodeSourceKeyPackage:
		n.Lifetime = &Lifetime{}
		if !s.ReadUint64(&n.Lifetime.NotBefore) || !s.ReadUint64(&n.Lifetime.NotAfter) {
			return io.ErrUnexpectedEOF
		}
	case leafNodeSourceUpdate:
	case leafNodeSourceCommit:
		if !readOpaqueVec(s, &n.ParentHash) {
			return io.ErrUnexpectedEOF
		}
	default:
		return fmt.Errorf("%w: leaf node source %d", ErrInvalidLeafNodeSource, n.Source)
	}
	exts, err := unmarshalExtensionVec(s)
	if err != nil {
		return err
	}
	n.Extensions = exts
	if !readOpaqueVec16(s, &n.Signature) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// sign computes the LeafNode's signature under the label its Source
// dictates (spec.md §3 LeafNode invariant).
func (n *LeafNode) sign(crypto CryptoProvider, skS SignaturePrivateKey, ctx leafNodeTBSContext) error {
	var b cryptobyte.Builder
	n.marshalTBS(&b, ctx)
	tbs, err := b.Bytes()
	if err != nil {
		return err
	}
	sig, err := crypto.SignatureSign(skS, n.Source.label(), tbs)
	if err != nil {
		return err
	}
	n.Signature = sig
	return nil
}

// verify checks the LeafNode's signature and, for KeyPackage-sourced
// nodes, its lifetime (spec.md §4.2).
func (n *LeafNode) verify(crypto CryptoProvider, ctx leafNodeTBSContext, now time.Time) error {
	var b cryptobyte.Builder
	n.marshalTBS(&b, ctx)
	tbs, err := b.Bytes()
	if err != nil {
		return err
	}
	if !crypto.SignatureVerify(n.SignatureKey, n.Source.label(), tbs, n.Signature) {
		return ErrInvalidSignature
	}
	if n.Source == leafNodeSourceKeyPackage && n.Lifetime != nil && !n.Lifetime.coversNow(now) {
		return fmt.Errorf("%w: leaf node lifetime does not cover current time", ErrInvalidLeafNodeSource)
	}
	return nil
}
