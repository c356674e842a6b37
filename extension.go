package mls

import (
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// ExtensionType is a closed, numerically-registered extension tag per
// RFC 9420 §17. Unrecognized types round-trip as opaque data; whether an
// unrecognized extension blocks processing is a capability-negotiation
// policy question the spec places outside the core (spec.md §4.2,
// "capabilities advertise every required extension/proposal type").
type ExtensionType uint16

const (
	ExtensionApplicationID    ExtensionType = 0x0001
	ExtensionRatchetTree      ExtensionType = 0x0002
	ExtensionRequiredCapabilities ExtensionType = 0x0003
	ExtensionExternalPub      ExtensionType = 0x0004
	ExtensionExternalSenders  ExtensionType = 0x0005
)

type Extension struct {
	Type ExtensionType
	Data []byte
}

func (e *Extension) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(e.Type))
	writeOpaqueVec16(b, e.Data)
}

func (e *Extension) unmarshal(s *cryptobyte.String) error {
	*e = Extension{}
	if !s.ReadUint16((*uint16)(&e.Type)) {
		return io.ErrUnexpectedEOF
	}
	if !readOpaqueVec16(s, &e.Data) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// findExtension returns the first extension of the given type, or nil.
func findExtension(exts []Extension, t ExtensionType) *Extension {
	for i := range exts {
		if exts[i].Type == t {
			return &exts[i]
		}
	}
	return nil
}

func marshalExtensionVec(b *cryptobyte.Builder, exts []Extension) {
	writeVector(b, len(exts), func(b *cryptobyte.Builder, i int) {
		exts[i].marshal(b)
	})
}

func unmarshalExtensionVec(s *cryptobyte.String) ([]Extension, error) {
	var exts []Extension
	err := readVector(s, func(s *cryptobyte.String) error {
		var e Extension
		if err := e.unmarshal(s); err != nil {
			return err
		}
		exts = append(exts, e)
		return nil
	})
	return exts, err
}

// Capabilities advertises the protocol versions, ciphersuites,
// extensions, proposal types, and credential types a member's client
// understands (spec.md §3, LeafNode).
type Capabilities struct {
	Versions     []uint16
	Ciphersuites []CipherSuite
	Extensions   []ExtensionType
	Proposals    []proposalType
	Credentials  []CredentialType
}

func defaultCapabilities() Capabilities {
	return Capabilities{
		Versions:     []uint16{1},
		Ciphersuites: []CipherSuite{SuiteX25519ChaCha20Ed25519},
		Extensions:   nil,
		Proposals: []proposalType{
			proposalTypeAdd, proposalTypeUpdate, proposalTypeRemove,
			proposalTypePreSharedKey, proposalTypeReInit, proposalTypeExternalInit,
			proposalTypeGroupContextExtensions,
		},
		Credentials: []CredentialType{CredentialTypeBasic},
	}
}

func (c *Capabilities) marshal(b *cryptobyte.Builder) {
	writeVector(b, len(c.Versions), func(b *cryptobyte.Builder, i int) { b.AddUint16(c.Versions[i]) })
	writeVector(b, len(c.Ciphersuites), func(b *cryptobyte.Builder, i int) { b.AddUint16(uint16(c.Ciphersuites[i])) })
	writeVector(b, len(c.Extensions), func(b *cryptobyte.Builder, i int) { b.AddUint16(uint16(c.Extensions[i])) })
	writeVector(b, len(c.Proposals), func(b *cryptobyte.Builder, i int) { b.AddUint16(uint16(c.Proposals[i])) })
	writeVector(b, len(c.Credentials), func(b *cryptobyte.Builder, i int) { b.AddUint16(uint16(c.Credentials[i])) })
}

func (c *Capabilities) unmarshal(s *cryptobyte.String) error {
	*c = Capabilities{}
	if err := readVector(s, func(s *cryptobyte.String) error {
		var v uint16
		if !s.ReadUint16(&v) {
			return io.ErrUnexpectedEOF
		}
		c.Versions = append(c.Versions, v)
		return nil
	}); err != nil {
		return err
	}
	if err := readVector(s, func(s *cryptobyte.String) error {
		var v uint16
		if !s.ReadUint16(&v) {
			return io.ErrUnexpectedEOF
		}
		c.Ciphersuites = append(c.Ciphersuites, CipherSuite(v))
		return nil
	}); err != nil {
		return err
	}
	if err := readVector(s, func(s *cryptobyte.String) error {
		var v uint16
		if !s.ReadUint16(&v) {
			return io.ErrUnexpectedEOF
		}
		c.Extensions = append(c.Extensions, ExtensionType(v))
		return nil
	}); err != nil {
		return err
	}
	if err := readVector(s, func(s *cryptobyte.String) error {
		var v uint16
		if !s.ReadUint16(&v) {
			return io.ErrUnexpectedEOF
		}
		c.Proposals = append(c.Proposals, proposalType(v))
		return nil
	}); err != nil {
		return err
	}
	return readVector(s, func(s *cryptobyte.String) error {
		var v uint16
		if !s.ReadUint16(&v) {
			return io.ErrUnexpectedEOF
		}
		c.Credentials = append(c.Credentials, CredentialType(v))
		return nil
	})
}

func (c Capabilities) supportsProposal(t proposalType) bool {
	for _, p := range c.Proposals {
		if p == t {
			return true
		}
	}
	return false
}
