package mls

import (
	"bytes"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// CredentialType distinguishes the two credential shapes spec.md §3
// names; only Basic is validated today (X.509-chain round-trips but its
// chain-validation policy is explicitly an external collaborator per
// spec.md §1).
type CredentialType uint16

const (
	CredentialTypeBasic CredentialType = 0x0001
	CredentialTypeX509  CredentialType = 0x0002
)

// Credential identifies a member's long-term identity. Equality is
// byte-equal over (Type, Identity): spec.md §3, "Equality = byte-equal."
type Credential struct {
	Type     CredentialType
	Identity []byte // BasicCredential identity, or the leaf X.509 cert for X509
}

func NewBasicCredential(identity []byte) Credential {
	return Credential{Type: CredentialTypeBasic, Identity: dup(identity)}
}

func (c Credential) Equal(other Credential) bool {
	return c.Type == other.Type && bytes.Equal(c.Identity, other.Identity)
}

func (c *Credential) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(c.Type))
	writeOpaqueVec16(b, c.Identity)
}

func (c *Credential) unmarshal(s *cryptobyte.String) error {
	*c = Credential{}
	if !s.ReadUint16((*uint16)(&c.Type)) {
		return io.ErrUnexpectedEOF
	}
	switch c.Type {
	case CredentialTypeBasic, CredentialTypeX509:
	default:
		return ErrMalformed
	}
	if !readOpaqueVec16(s, &c.Identity) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// DuplicateIdentityPolicy decides whether a candidate Add's credential may
// coexist with an existing member's credential. Left as an injected
// policy rather than a hardcoded protocol rule (spec.md §9, Open Question
// (b)): the protocol itself has no opinion on identity uniqueness.
type DuplicateIdentityPolicy func(existing, candidate Credential) (allowed bool)

// RejectDuplicateIdentities is the default DuplicateIdentityPolicy: two
// members may never share identity bytes.
func RejectDuplicateIdentities(existing, candidate Credential) bool {
	return !existing.Equal(candidate)
}

// AllowDuplicateIdentities permits multiple members under the same
// identity (e.g. multi-device accounts that mint distinct credentials per
// device but share a human-facing identity string upstream).
func AllowDuplicateIdentities(existing, candidate Credential) bool {
	return true
}
