package mls

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cisco/go-hpke"
	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
)

// HPKEPublicKey and HPKEPrivateKey are opaque serialized HPKE key
// material; the concrete KEM point/scalar encoding is an implementation
// detail of the wired CryptoProvider.
type HPKEPublicKey []byte
type HPKEPrivateKey []byte
type SignaturePublicKey []byte
type SignaturePrivateKey []byte

// HPKECiphertext is the output of a labeled HPKE seal: a fresh
// encapsulated KEM key plus the AEAD ciphertext sealed under it.
type HPKECiphertext struct {
	KEMOutput  []byte
	Ciphertext []byte
}

func (ct *HPKECiphertext) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec16(b, ct.KEMOutput)
	writeOpaqueVec16(b, ct.Ciphertext)
}

func (ct *HPKECiphertext) unmarshal(s *cryptobyte.String) error {
	*ct = HPKECiphertext{}
	if !readOpaqueVec16(s, &ct.KEMOutput) || !readOpaqueVec16(s, &ct.Ciphertext) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// CryptoProvider is the external collaborator spec.md §6 describes: AEAD,
// HKDF, HPKE, signatures, and RNG. The group state machine never reaches
// for a concrete crypto library directly; it only calls through this
// interface, so a caller may substitute an HSM-backed or FIPS-validated
// provider without touching the core.
type CryptoProvider interface {
	Suite() CipherSuite

	HKDFExtract(salt, ikm []byte) []byte
	HKDFExpand(secret, info []byte, length int) []byte

	Hash(data []byte) []byte
	MAC(key, data []byte) []byte

	AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error)
	AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error)

	// HPKESeal performs a one-shot labeled HPKE encryption: a fresh HPKE
	// context is established to pkR and used to seal exactly one
	// plaintext, matching RFC 9420's EncryptWithLabel.
	HPKESeal(pkR HPKEPublicKey, label string, context, aad, plaintext []byte) (HPKECiphertext, error)
	// HPKEOpen is the DecryptWithLabel counterpart.
	HPKEOpen(skR HPKEPrivateKey, label string, context, aad []byte, ct HPKECiphertext) ([]byte, error)

	SignatureSign(skS SignaturePrivateKey, label string, content []byte) ([]byte, error)
	SignatureVerify(pkS SignaturePublicKey, label string, content, signature []byte) bool

	SigKeygen() (SignaturePrivateKey, SignaturePublicKey, error)
	HPKEKeygen() (HPKEPrivateKey, HPKEPublicKey, error)
	// HPKEDeriveKeyPair derives an HPKE keypair deterministically from ikm,
	// mirroring go-hpke's KEMScheme.DeriveKeyPair. The ratchet tree's path
	// update uses this to turn a path secret directly into the keypair
	// installed at that tree node (spec.md §4.3).
	HPKEDeriveKeyPair(ikm []byte) (HPKEPrivateKey, HPKEPublicKey, error)

	Rand(n int) ([]byte, error)
}

// defaultCryptoProvider wires SuiteX25519ChaCha20Ed25519 to
// github.com/cisco/go-hpke for the KEM/HPKE layer, golang.org/x/crypto for
// AEAD and HKDF, and circl's Ed25519 for signatures.
type defaultCryptoProvider struct {
	suite  CipherSuite
	hpke   hpke.CipherSuite
	random io.Reader
}

// NewDefaultCryptoProvider builds the reference CryptoProvider for the one
// wired ciphersuite, backed by the libraries named in DESIGN.md.
func NewDefaultCryptoProvider() (CryptoProvider, error) {
	suite, err := hpke.AssembleCipherSuite(hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)
	if err != nil {
		return nil, fmt.Errorf("mls: assemble hpke ciphersuite: %w", err)
	}
	return &defaultCryptoProvider{
		suite:  SuiteX25519ChaCha20Ed25519,
		hpke:   suite,
		random: rand.Reader,
	}, nil
}

func (p *defaultCryptoProvider) Suite() CipherSuite { return p.suite }

func (p *defaultCryptoProvider) HKDFExtract(salt, ikm []byte) []byte {
	return p.suite.hkdfExtract(salt, ikm)
}

func (p *defaultCryptoProvider) HKDFExpand(secret, info []byte, length int) []byte {
	return p.suite.hkdfExpand(secret, info, length)
}

func (p *defaultCryptoProvider) Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func (p *defaultCryptoProvider) MAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

func (p *defaultCryptoProvider) AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (p *defaultCryptoProvider) AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return pt, nil
}

// hpkeInfo builds the RFC 9420 EncryptWithLabel "info" input: the
// MLS-labeled context used as HPKE's application info string.
func hpkeInfo(label string, context []byte) []byte {
	return mlsLabel(label, context, 0)[2:] // drop the length-of-output prefix; info has no length field
}

func (p *defaultCryptoProvider) HPKESeal(pkR HPKEPublicKey, label string, context, aad, plaintext []byte) (HPKECiphertext, error) {
	pub, err := p.hpke.KEM.Deserialize(pkR)
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	enc, ctx, err := hpke.SetupBaseS(p.hpke, p.random, pub, hpkeInfo(label, context))
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	ct := ctx.Seal(aad, plaintext)
	return HPKECiphertext{KEMOutput: enc, Ciphertext: ct}, nil
}

func (p *defaultCryptoProvider) HPKEOpen(skR HPKEPrivateKey, label string, context, aad []byte, ct HPKECiphertext) ([]byte, error) {
	priv, err := p.hpke.KEM.DeserializePrivate(skR)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	ctx, err := hpke.SetupBaseR(p.hpke, priv, ct.KEMOutput, hpkeInfo(label, context))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	pt, err := ctx.Open(aad, ct.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return pt, nil
}

func (p *defaultCryptoProvider) SignatureSign(skS SignaturePrivateKey, label string, content []byte) ([]byte, error) {
	if len(skS) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: bad signature key size", ErrCryptoBackend)
	}
	tbs := signatureContent(label, content)
	sig := ed25519.Sign(ed25519.PrivateKey(skS), tbs)
	return sig, nil
}

func (p *defaultCryptoProvider) SignatureVerify(pkS SignaturePublicKey, label string, content, signature []byte) bool {
	if len(pkS) != ed25519.PublicKeySize {
		return false
	}
	tbs := signatureContent(label, content)
	return ed25519.Verify(ed25519.PublicKey(pkS), tbs, signature)
}

// signatureContent implements RFC 9420 §5.1's SignWithLabel content
// framing: the label domain-separates every signature context in the
// protocol (LeafNodeTBS, FramedContentTBS, GroupInfoTBS, ...).
func signatureContent(label string, content []byte) []byte {
	full := "MLS 1.0 " + label
	buf := make([]byte, 0, 2+len(full)+len(content))
	buf = append(buf, byte(len(full)>>8), byte(len(full)))
	buf = append(buf, full...)
	buf = append(buf, content...)
	return buf
}

func (p *defaultCryptoProvider) SigKeygen() (SignaturePrivateKey, SignaturePublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(p.random)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	return SignaturePrivateKey(priv), SignaturePublicKey(pub), nil
}

func (p *defaultCryptoProvider) HPKEKeygen() (HPKEPrivateKey, HPKEPublicKey, error) {
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(p.random, ikm); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	return p.HPKEDeriveKeyPair(ikm)
}

func (p *defaultCryptoProvider) HPKEDeriveKeyPair(ikm []byte) (HPKEPrivateKey, HPKEPublicKey, error) {
	priv, pub, err := p.hpke.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	return HPKEPrivateKey(p.hpke.KEM.SerializePrivate(priv)), HPKEPublicKey(p.hpke.KEM.Serialize(pub)), nil
}

func (p *defaultCryptoProvider) Rand(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.random, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoBackend, err)
	}
	return buf, nil
}
