package mls

import (
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// mlsMessageKind tags which of MlsMessage's payloads is populated, mirroring
// the wire-level MLSMessage union (spec.md §4.6, §4.9).
type mlsMessageKind uint8

const (
	mlsMessagePublic mlsMessageKind = iota
	mlsMessagePrivate
	mlsMessageWelcome
	mlsMessageGroupInfo
	mlsMessageKeyPackage
)

// MlsMessage is the single wire envelope every exported or received message
// travels in: a PublicMessage or PrivateMessage for in-group traffic, or a
// standalone Welcome/GroupInfo/KeyPackage for bootstrapping (spec.md §4.6).
type MlsMessage struct {
	Kind       mlsMessageKind
	Public     *PublicMessage
	Private    *PrivateMessage
	Welcome    *Welcome
	GroupInfo  *GroupInfo
	KeyPackage *KeyPackage
}

func (m *MlsMessage) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(m.Kind))
	switch m.Kind {
	case mlsMessagePublic:
		m.Public.marshal(b)
	case mlsMessagePrivate:
		m.Private.marshal(b)
	case mlsMessageWelcome:
		m.Welcome.marshal(b)
	case mlsMessageGroupInfo:
		m.GroupInfo.marshal(b)
	case mlsMessageKeyPackage:
		m.KeyPackage.marshal(b)
	}
}

func (m *MlsMessage) unmarshal(s *cryptobyte.String) error {
	*m = MlsMessage{}
	var k uint8
	if !s.ReadUint8(&k) {
		return io.ErrUnexpectedEOF
	}
	m.Kind = mlsMessageKind(k)
	switch m.Kind {
	case mlsMessagePublic:
		m.Public = &PublicMessage{}
		return m.Public.unmarshal(s)
	case mlsMessagePrivate:
		m.Private = &PrivateMessage{}
		return m.Private.unmarshal(s)
	case mlsMessageWelcome:
		m.Welcome = &Welcome{}
		return m.Welcome.unmarshal(s)
	case mlsMessageGroupInfo:
		m.GroupInfo = &GroupInfo{}
		return m.GroupInfo.unmarshal(s)
	case mlsMessageKeyPackage:
		m.KeyPackage = &KeyPackage{}
		return m.KeyPackage.unmarshal(s)
	default:
		return ErrMalformed
	}
}

// Marshal/Unmarshal expose the wire codec for MlsMessage to callers that
// transport it verbatim (spec.md §6, create_message/process_message).
func (m *MlsMessage) Marshal() ([]byte, error) { return marshal(m) }

func UnmarshalMlsMessage(data []byte) (*MlsMessage, error) {
	m := &MlsMessage{}
	if err := unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// processedKind tags what process_message actually produced, since an
// incoming FramedContent can resolve to application data, a stored
// proposal, or a commit awaiting an explicit merge (spec.md §4.8).
type processedKind uint8

const (
	ProcessedApplication processedKind = iota
	ProcessedProposal
	ProcessedCommit
)

// ProcessedMessage is process_message's result (spec.md §6): exactly one of
// Application/Proposal/StagedCommit is populated, matching processedKind.
type ProcessedMessage struct {
	Kind         processedKind
	SenderLeaf   leafIndex
	Application  []byte
	Proposal     *Proposal
	ProposalRef  ProposalRef
	StagedCommit *StagedCommit
}

// StagedCommit is a validated, but not yet applied, epoch transition — the
// result of processing an inbound Commit, or of the group's own
// commitInternal call. Nothing observable changes until it is passed to
// MergeStagedCommit or MergePendingCommit (spec.md §4.8: "merge_staged_commit / merge_pending_commit
// are the only operations that advance group state").
type StagedCommit struct {
	committer       leafIndex
	isNewMember     bool
	tree            *ratchetTree
	groupContext    GroupContext
	keySchedule     *keyScheduleEpoch
	interimTranscriptHash []byte
	confirmationTag []byte
	pathPriv        map[nodeIndex][]byte
	selfRemoved     bool
	consumedRefs    []ProposalRef
	welcome         *Welcome
	groupInfo       *GroupInfo
}

// SelfRemoved reports whether this staged commit removes the local
// member, in which case merging it moves the group to Inactive (spec.md
// §4.8).
func (sc *StagedCommit) SelfRemoved() bool { return sc.selfRemoved }

// Epoch returns the epoch this staged commit advances the group to.
func (sc *StagedCommit) Epoch() Epoch { return sc.groupContext.Epoch }

// Welcome returns the Welcome this group produced for members added by its
// own commit. It is nil when the commit added no one, and for every commit
// received through ProcessMessage.
func (sc *StagedCommit) Welcome() *Welcome { return sc.welcome }

// GroupInfo returns the GroupInfo produced alongside this group's own
// commit, which exists when the commit added members or the group includes
// the ratchet tree in its GroupInfo. It is nil otherwise, and for every
// commit received through ProcessMessage.
func (sc *StagedCommit) GroupInfo() *GroupInfo { return sc.groupInfo }
