package mls

import (
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// marshaler/unmarshaler mirror the shape used throughout the reference
// fragments (matjam-go-mls, stsch9-go-mls): every wire structure owns a
// marshal(*cryptobyte.Builder) and unmarshal(*cryptobyte.String) error
// method pair.
type marshaler interface {
	marshal(b *cryptobyte.Builder)
}

type unmarshaler interface {
	unmarshal(s *cryptobyte.String) error
}

func marshal(m marshaler) ([]byte, error) {
	var b cryptobyte.Builder
	m.marshal(&b)
	return b.Bytes()
}

func unmarshal(data []byte, u unmarshaler) error {
	s := cryptobyte.String(data)
	if err := u.unmarshal(&s); err != nil {
		return err
	}
	if !s.Empty() {
		return fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return nil
}

// writeOpaqueVec writes a <0..255>-length-prefixed opaque byte vector.
func writeOpaqueVec(b *cryptobyte.Builder, data []byte) {
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(data)
	})
}

func readOpaqueVec(s *cryptobyte.String, out *[]byte) bool {
	return s.ReadUint8LengthPrefixed((*cryptobyte.String)(out))
}

// writeOpaqueVec16 writes a <0..65535>-length-prefixed opaque byte vector,
// used for fields that may carry ciphertexts or serialized trees.
func writeOpaqueVec16(b *cryptobyte.Builder, data []byte) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(data)
	})
}

func readOpaqueVec16(s *cryptobyte.String, out *[]byte) bool {
	return s.ReadUint16LengthPrefixed((*cryptobyte.String)(out))
}

// writeVector writes a 4-byte-length-prefixed vector of n elements,
// invoking write for each element index in order.
func writeVector(b *cryptobyte.Builder, n int, write func(b *cryptobyte.Builder, i int)) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		for i := 0; i < n; i++ {
			write(b, i)
		}
	})
}

// readVector reads a length-prefixed vector, invoking read once per
// element until the inner string is exhausted.
func readVector(s *cryptobyte.String, read func(s *cryptobyte.String) error) error {
	var inner cryptobyte.String
	if !s.ReadUint32LengthPrefixed(&inner) {
		return io.ErrUnexpectedEOF
	}
	for !inner.Empty() {
		if err := read(&inner); err != nil {
			return err
		}
	}
	return nil
}

// writeOptional encodes the RFC 9420 `select` presence idiom as a single
// byte: 0 for absent, 1 for present.
func writeOptional(b *cryptobyte.Builder, present bool) {
	if present {
		b.AddUint8(1)
	} else {
		b.AddUint8(0)
	}
}

func readOptional(s *cryptobyte.String, present *bool) bool {
	var v uint8
	if !s.ReadUint8(&v) {
		return false
	}
	switch v {
	case 0:
		*present = false
	case 1:
		*present = true
	default:
		return false
	}
	return true
}

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// concatBytes joins byte slices into one freshly allocated buffer, used by
// the hash-chain constructions (parent hash, tree hash) that feed several
// fields into a single digest.
func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
