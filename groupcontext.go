package mls

import (
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// GroupID is an opaque byte string, immutable for the group's life
// (spec.md §3).
type GroupID []byte

// Epoch is a 64-bit monotonic counter starting at 0 (spec.md §3).
type Epoch uint64

// GroupContext is used as associated data in every per-epoch
// cryptographic derivation (spec.md §3).
type GroupContext struct {
	GroupID                 GroupID
	Epoch                   Epoch
	TreeHash                []byte
	ConfirmedTranscriptHash []byte
	Extensions              []Extension
}

func (gc *GroupContext) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, gc.GroupID)
	b.AddUint64(uint64(gc.Epoch))
	writeOpaqueVec(b, gc.TreeHash)
	writeOpaqueVec(b, gc.ConfirmedTranscriptHash)
	marshalExtensionVec(b, gc.Extensions)
}

func (gc *GroupContext) unmarshal(s *cryptobyte.String) error {
	*gc = GroupContext{}
	if !readOpaqueVec(s, (*[]byte)(&gc.GroupID)) {
		return io.ErrUnexpectedEOF
	}
	if !s.ReadUint64((*uint64)(&gc.Epoch)) {
		return io.ErrUnexpectedEOF
	}
	if !readOpaqueVec(s, &gc.TreeHash) || !readOpaqueVec(s, &gc.ConfirmedTranscriptHash) {
		return io.ErrUnexpectedEOF
	}
	exts, err := unmarshalExtensionVec(s)
	if err != nil {
		return err
	}
	gc.Extensions = exts
	return nil
}

func (gc *GroupContext) clone() GroupContext {
	out := *gc
	out.GroupID = dup(gc.GroupID)
	out.TreeHash = dup(gc.TreeHash)
	out.ConfirmedTranscriptHash = dup(gc.ConfirmedTranscriptHash)
	out.Extensions = append([]Extension(nil), gc.Extensions...)
	return out
}
