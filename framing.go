package mls

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// wireFormat distinguishes the two message envelopes a FramedContent can
// travel in (spec.md §4.6).
type wireFormat uint8

const (
	wireFormatPublicMessage  wireFormat = 1
	wireFormatPrivateMessage wireFormat = 2
)

// WirePolicy fixes which wire format a group requires for each content
// kind (spec.md §4.6): pure_plaintext, pure_ciphertext, or mixed
// (handshake either, application always private).
type WirePolicy uint8

const (
	WirePolicyPurePlaintext WirePolicy = iota
	WirePolicyPureCiphertext
	WirePolicyMixed
)

func (w WirePolicy) allows(ct contentType, wf wireFormat) bool {
	switch w {
	case WirePolicyPurePlaintext:
		return wf == wireFormatPublicMessage
	case WirePolicyPureCiphertext:
		return wf == wireFormatPrivateMessage
	case WirePolicyMixed:
		if ct == contentTypeApplication {
			return wf == wireFormatPrivateMessage
		}
		return true
	default:
		return false
	}
}

// contentType tags a FramedContent's payload (spec.md §4.6).
type contentType uint8

const (
	contentTypeApplication contentType = 1
	contentTypeProposal    contentType = 2
	contentTypeCommit      contentType = 3
)

// senderType tags the four sender shapes spec.md §4.6 recognizes.
type senderType uint8

const (
	senderTypeMember            senderType = 1
	senderTypeExternal          senderType = 2
	senderTypeNewMemberProposal senderType = 3
	senderTypeNewMemberCommit   senderType = 4
)

// Sender identifies who authored a FramedContent.
type Sender struct {
	Type          senderType
	LeafIndex     leafIndex // Member
	ExternalIndex uint32    // External
}

func (s *Sender) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(s.Type))
	switch s.Type {
	case senderTypeMember:
		b.AddUint32(uint32(s.LeafIndex))
	case senderTypeExternal:
		b.AddUint32(s.ExternalIndex)
	}
}

func (s *Sender) unmarshal(str *cryptobyte.String) error {
	*s = Sender{}
	var t uint8
	if !str.ReadUint8(&t) {
		return io.ErrUnexpectedEOF
	}
	s.Type = senderType(t)
	switch s.Type {
	case senderTypeMember:
		var v uint32
		if !str.ReadUint32(&v) {
			return io.ErrUnexpectedEOF
		}
		s.LeafIndex = leafIndex(v)
	case senderTypeExternal:
		if !str.ReadUint32(&s.ExternalIndex) {
			return io.ErrUnexpectedEOF
		}
	case senderTypeNewMemberProposal, senderTypeNewMemberCommit:
	default:
		return fmt.Errorf("%w: sender type %d", ErrMalformed, s.Type)
	}
	return nil
}

// FramedContent is the signed payload common to every handshake and
// application message (spec.md §4.6).
type FramedContent struct {
	GroupID           GroupID
	Epoch             Epoch
	Sender            Sender
	AuthenticatedData []byte
	ContentType       contentType

	Application []byte
	ProposalMsg *Proposal
	CommitMsg   *Commit
}

func (fc *FramedContent) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, fc.GroupID)
	b.AddUint64(uint64(fc.Epoch))
	fc.Sender.marshal(b)
	writeOpaqueVec(b, fc.AuthenticatedData)
	b.AddUint8(uint8(fc.ContentType))
	switch fc.ContentType {
	case contentTypeApplication:
		writeOpaqueVec16(b, fc.Application)
	case contentTypeProposal:
		fc.ProposalMsg.marshal(b)
	case contentTypeCommit:
		fc.CommitMsg.marshal(b)
	}
}

func (fc *FramedContent) unmarshal(s *cryptobyte.String) error {
	*fc = FramedContent{}
	if !readOpaqueVec(s, (*[]byte)(&fc.GroupID)) {
		return io.ErrUnexpectedEOF
	}
	if !s.ReadUint64((*uint64)(&fc.Epoch)) {
		return io.ErrUnexpectedEOF
	}
	if err := fc.Sender.unmarshal(s); err != nil {
		return err
	}
	if !readOpaqueVec(s, &fc.AuthenticatedData) {
		return io.ErrUnexpectedEOF
	}
	var ct uint8
	if !s.ReadUint8(&ct) {
		return io.ErrUnexpectedEOF
	}
	fc.ContentType = contentType(ct)
	switch fc.ContentType {
	case contentTypeApplication:
		if !readOpaqueVec16(s, &fc.Application) {
			return io.ErrUnexpectedEOF
		}
	case contentTypeProposal:
		fc.ProposalMsg = &Proposal{}
		if err := fc.ProposalMsg.unmarshal(s); err != nil {
			return err
		}
	case contentTypeCommit:
		fc.CommitMsg = &Commit{}
		if err := fc.CommitMsg.unmarshal(s); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: content type %d", ErrMalformed, fc.ContentType)
	}
	return nil
}

// contentTBS builds the bytes a FramedContent's signature covers:
// group_context || framed_content || wire_format_tag (spec.md §4.6).
func contentTBS(groupContext []byte, fc *FramedContent, wf wireFormat) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddBytes(groupContext)
	fc.marshal(&b)
	b.AddUint8(uint8(wf))
	return b.Bytes()
}

// PublicMessage is a FramedContent sent unencrypted, authenticated by a
// signature plus a membership tag for member senders (spec.md §4.6).
type PublicMessage struct {
	Content         FramedContent
	Signature       []byte
	ConfirmationTag []byte // present only when ContentType == Commit
	MembershipTag   []byte // present only for Sender.Type == Member
}

func (pm *PublicMessage) marshal(b *cryptobyte.Builder) {
	pm.Content.marshal(b)
	writeOpaqueVec16(b, pm.Signature)
	writeOptional(b, pm.Content.ContentType == contentTypeCommit)
	if pm.Content.ContentType == contentTypeCommit {
		writeOpaqueVec(b, pm.ConfirmationTag)
	}
	writeOptional(b, pm.Content.Sender.Type == senderTypeMember)
	if pm.Content.Sender.Type == senderTypeMember {
		writeOpaqueVec(b, pm.MembershipTag)
	}
}

func (pm *PublicMessage) unmarshal(s *cryptobyte.String) error {
	*pm = PublicMessage{}
	if err := pm.Content.unmarshal(s); err != nil {
		return err
	}
	if !readOpaqueVec16(s, &pm.Signature) {
		return io.ErrUnexpectedEOF
	}
	var hasConfirm, hasMembership bool
	if !readOptional(s, &hasConfirm) {
		return io.ErrUnexpectedEOF
	}
	if hasConfirm {
		if !readOpaqueVec(s, &pm.ConfirmationTag) {
			return io.ErrUnexpectedEOF
		}
	}
	if !readOptional(s, &hasMembership) {
		return io.ErrUnexpectedEOF
	}
	if hasMembership {
		if !readOpaqueVec(s, &pm.MembershipTag) {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// membershipTagInput mirrors spec.md §4.6's membership_tag = MAC(
// membership_key, content_tbs || signature || confirmation_tag?).
func membershipTagInput(contentTBS, signature, confirmationTag []byte) []byte {
	return concatBytes(contentTBS, signature, confirmationTag)
}

// signPublicMessage signs content, and for member senders computes the
// membership tag, producing a wire-ready PublicMessage (spec.md §4.6).
func signPublicMessage(crypto CryptoProvider, groupContext []byte, fc FramedContent, sigPriv SignaturePrivateKey, membershipKey, confirmationTag []byte) (*PublicMessage, error) {
	tbs, err := contentTBS(groupContext, &fc, wireFormatPublicMessage)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.SignatureSign(sigPriv, "FramedContentTBS", tbs)
	if err != nil {
		return nil, err
	}
	pm := &PublicMessage{Content: fc, Signature: sig}
	if fc.ContentType == contentTypeCommit {
		pm.ConfirmationTag = confirmationTag
	}
	if fc.Sender.Type == senderTypeMember {
		pm.MembershipTag = crypto.MAC(membershipKey, membershipTagInput(tbs, sig, pm.ConfirmationTag))
	}
	return pm, nil
}

// verifyPublicMessage checks a PublicMessage's signature and (for member
// senders) its membership tag (spec.md §4.6, §4.8 process_message step 3).
func verifyPublicMessage(crypto CryptoProvider, groupContext []byte, pm *PublicMessage, sigPub SignaturePublicKey, membershipKey []byte) error {
	tbs, err := contentTBS(groupContext, &pm.Content, wireFormatPublicMessage)
	if err != nil {
		return err
	}
	if !crypto.SignatureVerify(sigPub, "FramedContentTBS", tbs, pm.Signature) {
		return ErrInvalidSignature
	}
	if pm.Content.Sender.Type == senderTypeMember {
		if pm.MembershipTag == nil {
			return ErrMissingMembershipTag
		}
		want := crypto.MAC(membershipKey, membershipTagInput(tbs, pm.Signature, pm.ConfirmationTag))
		if !bytes.Equal(want, pm.MembershipTag) {
			return ErrMacMismatch
		}
	}
	return nil
}

// senderData is encrypted separately from the message body, under a key
// derived from sender_data_secret plus a ciphertext sample, so it can be
// read before the per-sender ratchet generation is known (spec.md §4.5,
// RFC 9420 §6.3.2).
type senderData struct {
	LeafIndex  leafIndex
	Generation uint32
	ReuseGuard [4]byte
}

func (sd *senderData) marshal(b *cryptobyte.Builder) {
	b.AddUint32(uint32(sd.LeafIndex))
	b.AddUint32(sd.Generation)
	b.AddBytes(sd.ReuseGuard[:])
}

func (sd *senderData) unmarshal(s *cryptobyte.String) error {
	*sd = senderData{}
	if !s.ReadUint32((*uint32)(&sd.LeafIndex)) || !s.ReadUint32(&sd.Generation) {
		return io.ErrUnexpectedEOF
	}
	var guard []byte
	if !s.ReadBytes(&guard, 4) {
		return io.ErrUnexpectedEOF
	}
	copy(sd.ReuseGuard[:], guard)
	return nil
}

func senderDataAAD(groupID GroupID, epoch Epoch, ct contentType) []byte {
	var b cryptobyte.Builder
	writeOpaqueVec(&b, groupID)
	b.AddUint64(uint64(epoch))
	b.AddUint8(uint8(ct))
	buf, _ := b.Bytes()
	return buf
}

func senderDataKeyNonce(suite CipherSuite, senderDataSecret, ciphertext []byte) ([]byte, []byte) {
	c := suite.constants()
	sample := ciphertext
	if len(sample) > c.HashSize {
		sample = sample[:c.HashSize]
	}
	key := suite.expandWithLabel(senderDataSecret, "key", sample, c.KeySize)
	nonce := suite.expandWithLabel(senderDataSecret, "nonce", sample, c.NonceSize)
	return key, nonce
}

// PrivateMessage is a FramedContent sealed under the secret-tree-derived
// per-sender ratchet (spec.md §4.5, §4.6).
type PrivateMessage struct {
	GroupID             GroupID
	Epoch               Epoch
	ContentType         contentType
	AuthenticatedData   []byte
	EncryptedSenderData []byte
	Ciphertext          []byte
}

func (pm *PrivateMessage) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, pm.GroupID)
	b.AddUint64(uint64(pm.Epoch))
	b.AddUint8(uint8(pm.ContentType))
	writeOpaqueVec(b, pm.AuthenticatedData)
	writeOpaqueVec16(b, pm.EncryptedSenderData)
	writeOpaqueVec16(b, pm.Ciphertext)
}

func (pm *PrivateMessage) unmarshal(s *cryptobyte.String) error {
	*pm = PrivateMessage{}
	if !readOpaqueVec(s, (*[]byte)(&pm.GroupID)) {
		return io.ErrUnexpectedEOF
	}
	if !s.ReadUint64((*uint64)(&pm.Epoch)) {
		return io.ErrUnexpectedEOF
	}
	var ct uint8
	if !s.ReadUint8(&ct) {
		return io.ErrUnexpectedEOF
	}
	pm.ContentType = contentType(ct)
	if !readOpaqueVec(s, &pm.AuthenticatedData) {
		return io.ErrUnexpectedEOF
	}
	if !readOpaqueVec16(s, &pm.EncryptedSenderData) || !readOpaqueVec16(s, &pm.Ciphertext) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// privateContentPlaintext is what gets AEAD-sealed inside a
// PrivateMessage: the content-specific payload plus its signature and,
// for a Commit, its confirmation tag (spec.md §4.6).
type privateContentPlaintext struct {
	fc              FramedContent
	signature       []byte
	confirmationTag []byte
}

func (p *privateContentPlaintext) marshal(b *cryptobyte.Builder) {
	switch p.fc.ContentType {
	case contentTypeApplication:
		writeOpaqueVec16(b, p.fc.Application)
	case contentTypeProposal:
		p.fc.ProposalMsg.marshal(b)
	case contentTypeCommit:
		p.fc.CommitMsg.marshal(b)
	}
	writeOpaqueVec16(b, p.signature)
	writeOptional(b, p.fc.ContentType == contentTypeCommit)
	if p.fc.ContentType == contentTypeCommit {
		writeOpaqueVec(b, p.confirmationTag)
	}
}

func (p *privateContentPlaintext) unmarshal(s *cryptobyte.String, ct contentType) error {
	*p = privateContentPlaintext{}
	p.fc.ContentType = ct
	switch ct {
	case contentTypeApplication:
		if !readOpaqueVec16(s, &p.fc.Application) {
			return io.ErrUnexpectedEOF
		}
	case contentTypeProposal:
		p.fc.ProposalMsg = &Proposal{}
		if err := p.fc.ProposalMsg.unmarshal(s); err != nil {
			return err
		}
	case contentTypeCommit:
		p.fc.CommitMsg = &Commit{}
		if err := p.fc.CommitMsg.unmarshal(s); err != nil {
			return err
		}
	}
	if !readOpaqueVec16(s, &p.signature) {
		return io.ErrUnexpectedEOF
	}
	var hasConfirm bool
	if !readOptional(s, &hasConfirm) {
		return io.ErrUnexpectedEOF
	}
	if hasConfirm {
		if !readOpaqueVec(s, &p.confirmationTag) {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// encryptPrivateMessage seals fc for the wire, deriving its per-sender,
// per-content-type generation from gks (spec.md §4.5, §4.6).
func encryptPrivateMessage(crypto CryptoProvider, suite CipherSuite, gks *groupKeySource, senderDataSecret []byte, groupContext []byte, fc FramedContent, sigPriv SignaturePrivateKey, confirmationTag []byte) (*PrivateMessage, error) {
	tbs, err := contentTBS(groupContext, &fc, wireFormatPrivateMessage)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.SignatureSign(sigPriv, "FramedContentTBS", tbs)
	if err != nil {
		return nil, err
	}
	inner := privateContentPlaintext{fc: fc, signature: sig}
	if fc.ContentType == contentTypeCommit {
		inner.confirmationTag = confirmationTag
	}
	plaintext, err := marshal(&inner)
	if err != nil {
		return nil, err
	}

	kind := ratchetApplication
	if fc.ContentType != contentTypeApplication {
		kind = ratchetHandshake
	}
	generation, kn := gks.next(fc.Sender.LeafIndex, kind)

	reuseGuard, err := crypto.Rand(4)
	if err != nil {
		return nil, err
	}
	nonce := dup(kn.Nonce)
	for i := 0; i < 4 && i < len(nonce); i++ {
		nonce[i] ^= reuseGuard[i]
	}

	aad := senderDataAAD(fc.GroupID, fc.Epoch, fc.ContentType)
	ciphertext, err := crypto.AEADSeal(kn.Key, nonce, aad, plaintext)
	if err != nil {
		return nil, err
	}

	sd := senderData{LeafIndex: fc.Sender.LeafIndex, Generation: generation}
	copy(sd.ReuseGuard[:], reuseGuard)
	sdPlain, err := marshal(&sd)
	if err != nil {
		return nil, err
	}
	sdKey, sdNonce := senderDataKeyNonce(suite, senderDataSecret, ciphertext)
	encSenderData, err := crypto.AEADSeal(sdKey, sdNonce, aad, sdPlain)
	if err != nil {
		return nil, err
	}

	return &PrivateMessage{
		GroupID:             fc.GroupID,
		Epoch:               fc.Epoch,
		ContentType:         fc.ContentType,
		AuthenticatedData:   fc.AuthenticatedData,
		EncryptedSenderData: encSenderData,
		Ciphertext:          ciphertext,
	}, nil
}

// decryptPrivateMessage reverses encryptPrivateMessage and verifies the
// inner FramedContent's signature against sigPub (spec.md §4.6).
func decryptPrivateMessage(crypto CryptoProvider, suite CipherSuite, gks *groupKeySource, senderDataSecret []byte, groupContext []byte, pm *PrivateMessage, sigPubOf func(leafIndex) SignaturePublicKey) (*FramedContent, []byte, []byte, error) {
	aad := senderDataAAD(pm.GroupID, pm.Epoch, pm.ContentType)
	sdKey, sdNonce := senderDataKeyNonce(suite, senderDataSecret, pm.Ciphertext)
	sdPlain, err := crypto.AEADOpen(sdKey, sdNonce, aad, pm.EncryptedSenderData)
	if err != nil {
		return nil, nil, nil, err
	}
	var sd senderData
	if err := unmarshal(sdPlain, &sd); err != nil {
		return nil, nil, nil, err
	}

	kind := ratchetApplication
	if pm.ContentType != contentTypeApplication {
		kind = ratchetHandshake
	}
	kn, err := gks.get(sd.LeafIndex, kind, sd.Generation)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce := dup(kn.Nonce)
	for i := 0; i < 4 && i < len(nonce); i++ {
		nonce[i] ^= sd.ReuseGuard[i]
	}

	plaintext, err := crypto.AEADOpen(kn.Key, nonce, aad, pm.Ciphertext)
	if err != nil {
		return nil, nil, nil, err
	}

	var inner privateContentPlaintext
	s := cryptobyte.String(plaintext)
	if err := inner.unmarshal(&s, pm.ContentType); err != nil {
		return nil, nil, nil, err
	}

	fc := inner.fc
	fc.GroupID = pm.GroupID
	fc.Epoch = pm.Epoch
	fc.AuthenticatedData = pm.AuthenticatedData
	fc.Sender = Sender{Type: senderTypeMember, LeafIndex: sd.LeafIndex}

	tbs, err := contentTBS(groupContext, &fc, wireFormatPrivateMessage)
	if err != nil {
		return nil, nil, nil, err
	}
	if !crypto.SignatureVerify(sigPubOf(sd.LeafIndex), "FramedContentTBS", tbs, inner.signature) {
		return nil, nil, nil, ErrInvalidSignature
	}

	return &fc, inner.confirmationTag, inner.signature, nil
}
