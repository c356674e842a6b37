package mls

import (
	"crypto/sha256"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CipherSuite identifies the KEM/KDF/AEAD/signature/hash combination fixed
// for a group's life (spec.md §3). Only one suite is wired in this core;
// additional IANA-registered suites are a straightforward enum extension.
type CipherSuite uint16

const (
	// MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519 is the sole
	// wired ciphersuite, assembled from cisco/go-hpke's X25519-HKDF-SHA256
	// KEM, golang.org/x/crypto/chacha20poly1305, and circl's Ed25519.
	SuiteX25519ChaCha20Ed25519 CipherSuite = 0x0003
)

type suiteConstants struct {
	HashSize   int
	KeySize    int
	NonceSize  int
	SecretSize int
}

func (cs CipherSuite) constants() suiteConstants {
	switch cs {
	case SuiteX25519ChaCha20Ed25519:
		return suiteConstants{
			HashSize:   sha256.Size,
			KeySize:    chacha20poly1305.KeySize,
			NonceSize:  chacha20poly1305.NonceSize,
			SecretSize: sha256.Size,
		}
	default:
		panic("mls: unsupported ciphersuite")
	}
}

func (cs CipherSuite) valid() bool {
	switch cs {
	case SuiteX25519ChaCha20Ed25519:
		return true
	default:
		return false
	}
}

// hkdfExtract implements the RFC 5869 extract step under this suite's
// hash, mirroring the teacher's suite.hkdfExtract(salt, ikm) call shape.
func (cs CipherSuite) hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// hkdfExpand implements the RFC 5869 expand step, mirroring the teacher's
// suite.hkdfExpand(secret, info, size) call shape.
func (cs CipherSuite) hkdfExpand(secret, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.Expand(sha256.New, secret, info)
	if _, err := r.Read(out); err != nil {
		panic("mls: hkdf expand failed: " + err.Error())
	}
	return out
}

// mlsLabel builds the RFC 9420 "MLS 1.0 " + label wire structure consumed
// by ExpandWithLabel: uint16 length || "MLS 1.0 <label>" || context.
func mlsLabel(label string, context []byte, length int) []byte {
	full := "MLS 1.0 " + label
	buf := make([]byte, 0, 2+len(full)+2+len(context))
	buf = append(buf, byte(length>>8), byte(length))
	buf = append(buf, byte(len(full)>>8), byte(len(full)))
	buf = append(buf, full...)
	buf = append(buf, byte(len(context)>>8), byte(len(context)))
	buf = append(buf, context...)
	return buf
}

// expandWithLabel implements RFC 9420 §8's ExpandWithLabel.
func (cs CipherSuite) expandWithLabel(secret []byte, label string, context []byte, length int) []byte {
	return cs.hkdfExpand(secret, mlsLabel(label, context, length), length)
}

// deriveSecret implements RFC 9420 §8's DeriveSecret: ExpandWithLabel with
// an empty context and the suite's native secret size, matching the
// teacher's suite.deriveSecret(secret, label) call shape.
func (cs CipherSuite) deriveSecret(secret []byte, label string) []byte {
	return cs.expandWithLabel(secret, label, nil, cs.constants().SecretSize)
}

// deriveAppSecret mirrors the teacher's suite.deriveAppSecret(secret,
// label, node, generation, length) used by the hash ratchet: it folds the
// tree node and ratchet generation into the label context, as RFC 9420's
// secret tree key/nonce/secret derivation requires.
func (cs CipherSuite) deriveAppSecret(secret []byte, label string, node nodeIndex, generation uint32, length int) []byte {
	context := make([]byte, 8)
	context[0] = byte(node >> 24)
	context[1] = byte(node >> 16)
	context[2] = byte(node >> 8)
	context[3] = byte(node)
	context[4] = byte(generation >> 24)
	context[5] = byte(generation >> 16)
	context[6] = byte(generation >> 8)
	context[7] = byte(generation)
	return cs.expandWithLabel(secret, label, context, length)
}

func (cs CipherSuite) hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
