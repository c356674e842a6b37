package mls

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

// proposalType tags the Proposal union (spec.md §4.7).
type proposalType uint16

const (
	proposalTypeAdd                    proposalType = 1
	proposalTypeUpdate                 proposalType = 2
	proposalTypeRemove                 proposalType = 3
	proposalTypePreSharedKey           proposalType = 4
	proposalTypeReInit                 proposalType = 5
	proposalTypeExternalInit           proposalType = 6
	proposalTypeGroupContextExtensions proposalType = 7
)

type addProposal struct{ KeyPackage KeyPackage }
type updateProposal struct{ LeafNode LeafNode }
type removeProposal struct{ Removed leafIndex }
type preSharedKeyProposal struct{ PSKID []byte }
type reInitProposal struct {
	GroupID     GroupID
	Version     uint16
	CipherSuite CipherSuite
	Extensions  []Extension
}
// externalInitProposal carries the HPKE encapsulation a prospective member
// sealed to the group's external_pub in order to join via
// join_by_external_commit (spec.md §4.9): KEMOutput is the encapsulated KEM
// key and Ciphertext is the sealed fresh init secret, together forming the
// HPKECiphertext existing members open against their own derived
// external-keypair to recover that secret.
type externalInitProposal struct {
	KEMOutput  []byte
	Ciphertext []byte
}
type groupContextExtensionsProposal struct{ Extensions []Extension }

// Proposal is a closed tagged union over the seven proposal kinds
// spec.md §4.7 recognizes; only the field matching Type is populated.
type Proposal struct {
	Type                   proposalType
	Add                    *addProposal
	Update                 *updateProposal
	Remove                 *removeProposal
	PSK                    *preSharedKeyProposal
	ReInit                 *reInitProposal
	ExternalInit           *externalInitProposal
	GroupContextExtensions *groupContextExtensionsProposal
}

func (p *Proposal) marshal(b *cryptobyte.Builder) {
	b.AddUint16(uint16(p.Type))
	switch p.Type {
	case proposalTypeAdd:
		p.Add.KeyPackage.marshal(b)
	case proposalTypeUpdate:
		p.Update.LeafNode.marshal(b)
	case proposalTypeRemove:
		b.AddUint32(uint32(p.Remove.Removed))
	case proposalTypePreSharedKey:
		writeOpaqueVec16(b, p.PSK.PSKID)
	case proposalTypeReInit:
		writeOpaqueVec(b, p.ReInit.GroupID)
		b.AddUint16(p.ReInit.Version)
		b.AddUint16(uint16(p.ReInit.CipherSuite))
		marshalExtensionVec(b, p.ReInit.Extensions)
	case proposalTypeExternalInit:
		writeOpaqueVec16(b, p.ExternalInit.KEMOutput)
		writeOpaqueVec16(b, p.ExternalInit.Ciphertext)
	case proposalTypeGroupContextExtensions:
		marshalExtensionVec(b, p.GroupContextExtensions.Extensions)
	}
}

func (p *Proposal) unmarshal(s *cryptobyte.String) error {
	*p = Proposal{}
	var t uint16
	if !s.ReadUint16(&t) {
		return io.ErrUnexpectedEOF
	}
	p.Type = proposalType(t)
	switch p.Type {
	case proposalTypeAdd:
		p.Add = &addProposal{}
		if err := p.Add.KeyPackage.unmarshal(s); err != nil {
			return err
		}
	case proposalTypeUpdate:
		p.Update = &updateProposal{}
		if err := p.Update.LeafNode.unmarshal(s); err != nil {
			return err
		}
	case proposalTypeRemove:
		p.Remove = &removeProposal{}
		var idx uint32
		if !s.ReadUint32(&idx) {
			return io.ErrUnexpectedEOF
		}
		p.Remove.Removed = leafIndex(idx)
	case proposalTypePreSharedKey:
		p.PSK = &preSharedKeyProposal{}
		if !readOpaqueVec16(s, &p.PSK.PSKID) {
			return io.ErrUnexpectedEOF
		}
	case proposalTypeReInit:
		p.ReInit = &reInitProposal{}
		if !readOpaqueVec(s, (*[]byte)(&p.ReInit.GroupID)) {
			return io.ErrUnexpectedEOF
		}
		if !s.ReadUint16(&p.ReInit.Version) || !s.ReadUint16((*uint16)(&p.ReInit.CipherSuite)) {
			return io.ErrUnexpectedEOF
		}
		exts, err := unmarshalExtensionVec(s)
		if err != nil {
			return err
		}
		p.ReInit.Extensions = exts
	case proposalTypeExternalInit:
		p.ExternalInit = &externalInitProposal{}
		if !readOpaqueVec16(s, &p.ExternalInit.KEMOutput) || !readOpaqueVec16(s, &p.ExternalInit.Ciphertext) {
			return io.ErrUnexpectedEOF
		}
	case proposalTypeGroupContextExtensions:
		p.GroupContextExtensions = &groupContextExtensionsProposal{}
		exts, err := unmarshalExtensionVec(s)
		if err != nil {
			return err
		}
		p.GroupContextExtensions.Extensions = exts
	default:
		return fmt.Errorf("%w: proposal type %d", ErrUnsupportedProposalType, p.Type)
	}
	return nil
}

// ProposalRef addresses a proposal received standalone and stored
// pending, the way a Commit references it by hash rather than inlining
// it (spec.md §4.7).
type ProposalRef []byte

func proposalRef(crypto CryptoProvider, p *Proposal) (ProposalRef, error) {
	data, err := marshal(p)
	if err != nil {
		return nil, err
	}
	return ProposalRef(crypto.Hash(append([]byte("MLS 1.0 Proposal Reference"), data...))), nil
}

// resolvedProposal pairs a proposal with the leaf that actually sent it.
// A proposal's sender matters for validation independent of who ends up
// building or processing the commit that applies it: an Update proposal
// must be attributed to its own author's leaf, not to the committer
// (spec.md §4.7, §4.8).
type resolvedProposal struct {
	proposal *Proposal
	sender   leafIndex
}

// proposalStore holds proposals received standalone, in reception order,
// until they're either committed or discarded (spec.md §4.7, §4.8
// "PendingCommit discards proposals not referenced by the merged
// commit"). Each entry retains the leaf that sent it.
type proposalStore struct {
	byRef map[string]resolvedProposal
	order []string
}

func newProposalStore() *proposalStore {
	return &proposalStore{byRef: map[string]resolvedProposal{}}
}

func (s *proposalStore) add(ref ProposalRef, p *Proposal, sender leafIndex) {
	key := string(ref)
	if _, exists := s.byRef[key]; !exists {
		s.order = append(s.order, key)
	}
	s.byRef[key] = resolvedProposal{proposal: p, sender: sender}
}

func (s *proposalStore) get(ref ProposalRef) (resolvedProposal, bool) {
	rp, ok := s.byRef[string(ref)]
	return rp, ok
}

func (s *proposalStore) inReceptionOrder() []resolvedProposal {
	out := make([]resolvedProposal, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.byRef[k])
	}
	return out
}

func (s *proposalStore) clear() {
	s.byRef = map[string]resolvedProposal{}
	s.order = nil
}

// proposalOrRef is a Commit's per-proposal entry: either a reference to
// something already received and stored, or a proposal inlined directly
// in the commit (spec.md §4.7).
type proposalOrRef struct {
	IsReference bool
	Reference   ProposalRef
	Inline      Proposal
}

func (r *proposalOrRef) marshal(b *cryptobyte.Builder) {
	writeOptional(b, r.IsReference)
	if r.IsReference {
		writeOpaqueVec(b, r.Reference)
	} else {
		r.Inline.marshal(b)
	}
}

func (r *proposalOrRef) unmarshal(s *cryptobyte.String) error {
	*r = proposalOrRef{}
	if !readOptional(s, &r.IsReference) {
		return io.ErrUnexpectedEOF
	}
	if r.IsReference {
		if !readOpaqueVec(s, (*[]byte)(&r.Reference)) {
			return io.ErrUnexpectedEOF
		}
		return nil
	}
	return r.Inline.unmarshal(s)
}

// Commit bundles a batch of proposals, applied in the order: reference
// proposals first (in reception order), then inline proposals in their
// listed order (spec.md §4.7).
type Commit struct {
	Proposals []proposalOrRef
	Path      *UpdatePath
}

func (c *Commit) marshal(b *cryptobyte.Builder) {
	writeVector(b, len(c.Proposals), func(b *cryptobyte.Builder, i int) {
		c.Proposals[i].marshal(b)
	})
	writeOptional(b, c.Path != nil)
	if c.Path != nil {
		c.Path.marshal(b)
	}
}

func (c *Commit) unmarshal(s *cryptobyte.String) error {
	*c = Commit{}
	if err := readVector(s, func(s *cryptobyte.String) error {
		var r proposalOrRef
		if err := r.unmarshal(s); err != nil {
			return err
		}
		c.Proposals = append(c.Proposals, r)
		return nil
	}); err != nil {
		return err
	}
	var hasPath bool
	if !readOptional(s, &hasPath) {
		return io.ErrUnexpectedEOF
	}
	if hasPath {
		c.Path = &UpdatePath{}
		if err := c.Path.unmarshal(s); err != nil {
			return err
		}
	}
	return nil
}

// resolvedProposals dereferences a Commit's proposal list against the
// pending store, in the ordering spec.md §4.7 requires: references
// first, in reception order, then inline proposals as listed. Ordering
// note: pending only supplies those reference-proposals the commit
// actually cites, not every stored proposal. Inline proposals carry no
// independent sender record, so they're attributed to committer, the
// leaf sending this Commit.
func resolvedProposals(commit *Commit, pending *proposalStore, committer leafIndex) ([]resolvedProposal, error) {
	var refs, inline []resolvedProposal
	for _, entry := range commit.Proposals {
		if entry.IsReference {
			rp, ok := pending.get(entry.Reference)
			if !ok {
				return nil, fmt.Errorf("%w: unknown proposal reference", ErrMalformed)
			}
			refs = append(refs, rp)
		} else {
			entry := entry
			inline = append(inline, resolvedProposal{proposal: &entry.Inline, sender: committer})
		}
	}
	return append(refs, inline...), nil
}

// validatedCommit is the result of checking a resolved proposal list
// against spec.md §4.7's rules: which leaves are added/updated/removed,
// whether a path is required, and whether the external-commit shape
// (ExternalInit + self-Add) is satisfied.
type validatedCommit struct {
	adds         []*addProposal
	updates      map[leafIndex]*updateProposal
	removes      map[leafIndex]bool
	psks         []*preSharedKeyProposal
	externalInit *externalInitProposal
	gcExtensions *groupContextExtensionsProposal
	requiresPath bool
}

// validateProposalSet implements spec.md §4.7's validation rules over an
// already-ordered, resolved proposal list. committer is the leaf index
// applying the commit; for a NewMemberCommit sender, who isn't yet in the
// tree, isNewMember is true and callers pass leaf index 0 as committer.
// keyStore is consulted for PreSharedKey proposals.
func validateProposalSet(tree *ratchetTree, crypto CryptoProvider, committer leafIndex, isNewMember bool, proposals []resolvedProposal, dup DuplicateIdentityPolicy, keyStore KeyStore, now time.Time) (*validatedCommit, error) {
	out := &validatedCommit{updates: map[leafIndex]*updateProposal{}, removes: map[leafIndex]bool{}}
	addedIdentities := map[string]bool{}

	for _, rp := range proposals {
		p, sender := rp.proposal, rp.sender
		switch p.Type {
		case proposalTypeAdd:
			kp := p.Add.KeyPackage
			if kp.CipherSuite != crypto.Suite() {
				return nil, ErrUnsupportedCiphersuite
			}
			if err := kp.validate(crypto, now); err != nil {
				return nil, err
			}
			for _, leaf := range tree.leaves {
				if leaf != nil && string(leaf.EncryptionKey) == string(kp.InitKey) {
					return nil, ErrDuplicateInitKey
				}
			}
			for _, leaf := range tree.leaves {
				if leaf == nil {
					continue
				}
				if !dup(leaf.Credential, kp.LeafNode.Credential) {
					return nil, fmt.Errorf("%w: duplicate identity", ErrInvalidLeafNodeSource)
				}
			}
			if addedIdentities[string(kp.LeafNode.Credential.Identity)] {
				return nil, fmt.Errorf("%w: duplicate identity within commit", ErrInvalidLeafNodeSource)
			}
			addedIdentities[string(kp.LeafNode.Credential.Identity)] = true
			out.adds = append(out.adds, p.Add)

		case proposalTypeUpdate:
			if isNewMember {
				return nil, fmt.Errorf("%w: update not permitted from external sender", ErrInvalidLeafNodeSource)
			}
			if p.Update.LeafNode.Source != leafNodeSourceUpdate {
				return nil, ErrInvalidLeafNodeSource
			}
			current := tree.leafAt(sender)
			if current != nil && string(current.EncryptionKey) == string(p.Update.LeafNode.EncryptionKey) {
				return nil, fmt.Errorf("%w: update does not change encryption key", ErrInvalidLeafNodeSource)
			}
			out.updates[sender] = p.Update
			out.requiresPath = true

		case proposalTypeRemove:
			target := p.Remove.Removed
			if tree.leafAt(target) == nil {
				return nil, ErrUnknownMember
			}
			if target == committer {
				return nil, ErrCannotRemoveSelf
			}
			if out.updates[target] != nil {
				return nil, ErrConflictingProposals
			}
			out.removes[target] = true
			out.requiresPath = true

		case proposalTypePreSharedKey:
			if keyStore != nil {
				if _, err := keyStore.Read(string(p.PSK.PSKID)); err != nil {
					return nil, err
				}
			}
			out.psks = append(out.psks, p.PSK)
			out.requiresPath = true

		case proposalTypeExternalInit:
			if out.externalInit != nil {
				return nil, fmt.Errorf("%w: more than one ExternalInit proposal", ErrConflictingProposals)
			}
			if !isNewMember {
				return nil, fmt.Errorf("%w: ExternalInit requires a NewMemberCommit sender", ErrInvalidLeafNodeSource)
			}
			out.externalInit = p.ExternalInit
			out.requiresPath = true

		case proposalTypeGroupContextExtensions:
			out.gcExtensions = p.GroupContextExtensions
			out.requiresPath = true

		default:
			return nil, ErrUnsupportedProposalType
		}
	}

	if isNewMember {
		if out.externalInit == nil {
			return nil, fmt.Errorf("%w: NewMemberCommit requires exactly one ExternalInit proposal", ErrInvalidLeafNodeSource)
		}
		if len(out.adds) != 1 {
			return nil, fmt.Errorf("%w: NewMemberCommit must add exactly the committer", ErrInvalidLeafNodeSource)
		}
	}

	return out, nil
}
