package mls

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

// KeyPackage is a signed advertisement of a prospective member's identity
// and init key (spec.md §3). It is used exactly once to join: the
// committer consumes InitKey to encrypt a Welcome to the new member.
type KeyPackage struct {
	ProtocolVersion uint16
	CipherSuite     CipherSuite
	InitKey         HPKEPublicKey
	LeafNode        LeafNode
	Extensions      []Extension
	Signature       []byte
}

const protocolVersionMLS10 = 1

func (kp *KeyPackage) marshalTBS(b *cryptobyte.Builder) {
	b.AddUint16(kp.ProtocolVersion)
	b.AddUint16(uint16(kp.CipherSuite))
	writeOpaqueVec16(b, kp.InitKey)
	kp.LeafNode.marshal(b)
	marshalExtensionVec(b, kp.Extensions)
}

func (kp *KeyPackage) marshal(b *cryptobyte.Builder) {
	kp.marshalTBS(b)
	writeOpaqueVec16(b, kp.Signature)
}

func (kp *KeyPackage) unmarshal(s *cryptobyte.String) error {
	*kp = KeyPackage{}
	if !s.ReadUint16(&kp.ProtocolVersion) || !s.ReadUint16((*uint16)(&kp.CipherSuite)) {
		return io.ErrUnexpectedEOF
	}
	if !readOpaqueVec16(s, (*[]byte)(&kp.InitKey)) {
		return io.ErrUnexpectedEOF
	}
	if err := kp.LeafNode.unmarshal(s); err != nil {
		return fmt.Errorf("key package leaf node: %w", err)
	}
	exts, err := unmarshalExtensionVec(s)
	if err != nil {
		return err
	}
	kp.Extensions = exts
	if !readOpaqueVec16(s, &kp.Signature) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// Ref returns the KeyPackage's reference: a hash used to address a
// Welcome's per-member GroupSecrets entry (spec.md §4.9) and to detect
// duplicate init keys at Add-validation time.
type KeyPackageRef []byte

func (kp *KeyPackage) ref(crypto CryptoProvider) (KeyPackageRef, error) {
	data, err := marshal(kp)
	if err != nil {
		return nil, err
	}
	return KeyPackageRef(crypto.Hash(append([]byte("MLS 1.0 KeyPackage Reference"), data...))), nil
}

func (r KeyPackageRef) Equal(other KeyPackageRef) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

// KeyPackagePrivate bundles a KeyPackage with the private key material a
// prospective member must retain to use it: its init HPKE private key and
// its leaf encryption/signature private keys. It is a plain value, the
// unit the public API's new()/new_from_welcome() calls operate on;
// NewGroupFromWelcome copies its signature and leaf private keys into the
// Group's own state rather than resolving them through a KeyStore.
type KeyPackagePrivate struct {
	Public         KeyPackage
	InitPrivate    HPKEPrivateKey
	LeafPrivate    HPKEPrivateKey
	SignaturePriv  SignaturePrivateKey
}

// GenerateKeyPackage builds a fresh KeyPackage for the given credential,
// signing both the LeafNode and the KeyPackage itself (spec.md §4.2,
// KeyPackage.build).
func GenerateKeyPackage(crypto CryptoProvider, cred Credential) (KeyPackagePrivate, error) {
	sigPriv, sigPub, err := crypto.SigKeygen()
	if err != nil {
		return KeyPackagePrivate{}, err
	}
	initPriv, initPub, err := crypto.HPKEKeygen()
	if err != nil {
		return KeyPackagePrivate{}, err
	}
	leafPriv, leafPub, err := crypto.HPKEKeygen()
	if err != nil {
		return KeyPackagePrivate{}, err
	}

	now := time.Now()
	leaf := LeafNode{
		EncryptionKey: leafPub,
		SignatureKey:  sigPub,
		Credential:    cred,
		Capabilities:  defaultCapabilities(),
		Source:        leafNodeSourceKeyPackage,
		Lifetime: &Lifetime{
			NotBefore: uint64(now.Add(-time.Hour).Unix()),
			NotAfter:  uint64(now.Add(365 * 24 * time.Hour).Unix()),
		},
	}
	if err := leaf.sign(crypto, sigPriv, leafNodeTBSContext{}); err != nil {
		return KeyPackagePrivate{}, err
	}

	kp := KeyPackage{
		ProtocolVersion: protocolVersionMLS10,
		CipherSuite:     crypto.Suite(),
		InitKey:         initPub,
		LeafNode:        leaf,
	}

	var b cryptobyte.Builder
	kp.marshalTBS(&b)
	tbs, err := b.Bytes()
	if err != nil {
		return KeyPackagePrivate{}, err
	}
	sig, err := crypto.SignatureSign(sigPriv, "KeyPackageTBS", tbs)
	if err != nil {
		return KeyPackagePrivate{}, err
	}
	kp.Signature = sig

	return KeyPackagePrivate{
		Public:        kp,
		InitPrivate:   initPriv,
		LeafPrivate:   leafPriv,
		SignaturePriv: sigPriv,
	}, nil
}

// validate checks a received KeyPackage against spec.md §4.2's rules.
func (kp *KeyPackage) validate(crypto CryptoProvider, now time.Time) error {
	if kp.CipherSuite != crypto.Suite() {
		return ErrUnsupportedCiphersuite
	}
	if kp.ProtocolVersion != protocolVersionMLS10 {
		return ErrUnsupportedVersion
	}
	if kp.LeafNode.Source != leafNodeSourceKeyPackage {
		return ErrInvalidLeafNodeSource
	}
	if err := kp.LeafNode.verify(crypto, leafNodeTBSContext{}, now); err != nil {
		return err
	}

	var b cryptobyte.Builder
	kp.marshalTBS(&b)
	tbs, err := b.Bytes()
	if err != nil {
		return err
	}
	if !crypto.SignatureVerify(kp.LeafNode.SignatureKey, "KeyPackageTBS", tbs, kp.Signature) {
		return ErrInvalidSignature
	}

	if string(kp.InitKey) == string(kp.LeafNode.EncryptionKey) {
		return fmt.Errorf("%w: init key equals leaf encryption key", ErrInvalidLeafNodeSource)
	}

	for _, req := range defaultCapabilities().Proposals {
		if !kp.LeafNode.Capabilities.supportsProposal(req) {
			return fmt.Errorf("%w: key package does not advertise required proposal type %d", ErrUnsupportedProposalType, req)
		}
	}

	return nil
}
