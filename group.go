package mls

import (
	"io"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

// groupState is the three-state lifecycle spec.md §4.8 assigns a Group:
// Active accepts new operations, PendingCommit has produced a commit that
// hasn't been merged yet, and Inactive means a merged commit removed the
// local member. ReInit proposals are rejected as unsupported, so no ReInit
// ever leads to Inactive.
type groupState uint8

const (
	groupStateActive groupState = iota
	groupStatePendingCommit
	groupStateInactive
)

// GroupConfig bundles the external collaborators and policy knobs spec.md
// §6 lists as inputs to new()/new_from_welcome(): the CryptoProvider and
// KeyStore every group delegates to, the WirePolicy it enforces on both
// sent and received messages, and whether its own GroupInfo/Welcome ship
// the ratchet tree inline (spec.md §4.9) or expect it out-of-band.
type GroupConfig struct {
	Crypto                        CryptoProvider
	KeyStore                      KeyStore
	WirePolicy                    WirePolicy
	DuplicateIdentity             DuplicateIdentityPolicy
	IncludeRatchetTreeInGroupInfo bool

	// OutOfOrderTolerance and MaxForwardDistance bound each member's
	// per-epoch hash ratchets (spec.md §4.5). Zero means use the package
	// default.
	OutOfOrderTolerance uint32
	MaxForwardDistance  uint32
}

func (c GroupConfig) dup() DuplicateIdentityPolicy {
	if c.DuplicateIdentity != nil {
		return c.DuplicateIdentity
	}
	return RejectDuplicateIdentities
}

func (c GroupConfig) newGroupKeySource(suite CipherSuite, encryptionSecret []byte, size leafCount) *groupKeySource {
	return newGroupKeySource(suite, encryptionSecret, size, c.OutOfOrderTolerance, c.MaxForwardDistance)
}

// Member is one entry of Group.Members(): a snapshot of a leaf's public
// identity, not a live handle (spec.md §6).
type Member struct {
	Index         leafIndex
	Credential    Credential
	SignatureKey  SignaturePublicKey
	EncryptionKey HPKEPublicKey
}

// Group is the state machine spec.md §4.8 describes: it owns the ratchet
// tree, the current epoch's key schedule, and every private key material
// the local member needs to keep participating. All mutating operations
// either stage a commit (Active -> PendingCommit) or apply one the caller
// already merged (-> Active), except a commit that removes the local
// member, which moves straight to Inactive.
type Group struct {
	config GroupConfig

	groupID GroupID
	myLeaf  leafIndex
	tree    *ratchetTree

	groupContext          GroupContext
	keySchedule           *keyScheduleEpoch
	interimTranscriptHash []byte

	sigPriv  SignaturePrivateKey
	pathPriv map[nodeIndex][]byte

	gks *groupKeySource

	pending *proposalStore

	state  groupState
	staged *StagedCommit

	prevEpoch *retainedEpoch
}

// retainedEpoch keeps exactly one prior epoch's decryption material around
// so a PrivateMessage delayed across a commit can still be opened (spec.md
// §9, Open Question (a): "retain at least the immediately preceding
// epoch's keys").
type retainedEpoch struct {
	epoch             Epoch
	gks               *groupKeySource
	senderDataSecret  []byte
	groupContextBytes []byte
	sigPubOf          func(leafIndex) SignaturePublicKey
}

// NewGroup creates a brand new group at epoch 0 with the caller as its
// only member (spec.md §6, new()).
func NewGroup(config GroupConfig, groupID GroupID, cred Credential) (*Group, error) {
	crypto := config.Crypto
	sigPriv, sigPub, err := crypto.SigKeygen()
	if err != nil {
		return nil, err
	}
	encPriv, encPub, err := crypto.HPKEKeygen()
	if err != nil {
		return nil, err
	}

	leaf := &LeafNode{
		EncryptionKey: encPub,
		SignatureKey:  sigPub,
		Credential:    cred,
		Capabilities:  defaultCapabilities(),
		Source:        leafNodeSourceCommit,
	}
	if err := leaf.sign(crypto, sigPriv, leafNodeTBSContext{GroupID: groupID, LeafIndex: 0}); err != nil {
		return nil, err
	}

	tree := newRatchetTree(crypto.Suite(), leaf)
	gc := GroupContext{GroupID: dup(groupID), Epoch: 0, TreeHash: tree.treeHash()}
	gcBytes, err := marshal(&gc)
	if err != nil {
		return nil, err
	}

	initSecret, err := crypto.Rand(crypto.Suite().constants().SecretSize)
	if err != nil {
		return nil, err
	}
	commitSecret := make([]byte, crypto.Suite().constants().SecretSize)
	ks := newKeyScheduleEpoch(crypto.Suite(), initSecret, commitSecret, nil, gcBytes)

	g := &Group{
		config:       config,
		groupID:      dup(groupID),
		myLeaf:       0,
		tree:         tree,
		groupContext: gc,
		keySchedule:  ks,
		sigPriv:      sigPriv,
		pathPriv:     map[nodeIndex][]byte{toNodeIndex(0): encPriv},
		gks:          config.newGroupKeySource(crypto.Suite(), ks.encryptionSecret, tree.size()),
		pending:      newProposalStore(),
		state:        groupStateActive,
	}
	// Epoch 0's interim transcript hash folds in its confirmation tag the
	// same way a joiner derives it from a GroupInfo.
	g.interimTranscriptHash = crypto.Hash(concatBytes(gc.ConfirmedTranscriptHash, crypto.MAC(ks.confirmationKey, gc.ConfirmedTranscriptHash)))
	return g, nil
}

// NewGroupFromWelcome implements new_from_welcome (spec.md §6, §4.9):
// it HPKE-decrypts the GroupSecrets addressed to kp, reconstructs the
// ratchet tree (from the Welcome's GroupInfo or externalTree), and resumes
// the key schedule from the joiner_secret it recovered.
func NewGroupFromWelcome(config GroupConfig, w *Welcome, kp KeyPackagePrivate, externalTree *ratchetTree) (*Group, error) {
	crypto := config.Crypto
	gi, tree, ks, pathSecret, err := processWelcome(crypto, crypto.Suite(), w, kp, externalTree)
	if err != nil {
		return nil, err
	}

	myIdx, myLeaf := -1, (*LeafNode)(nil)
	for i, l := range tree.leaves {
		if l != nil && string(l.SignatureKey) == string(kp.Public.LeafNode.SignatureKey) {
			myIdx, myLeaf = i, l
			break
		}
	}
	if myIdx < 0 || myLeaf == nil {
		return nil, ErrUnknownMember
	}

	pathPriv := map[nodeIndex][]byte{toNodeIndex(leafIndex(myIdx)): kp.LeafPrivate}
	if fromSecret, err := pathPrivFromGroupSecrets(crypto, crypto.Suite(), tree, gi.Signer, leafIndex(myIdx), pathSecret); err != nil {
		return nil, err
	} else {
		for k, v := range fromSecret {
			pathPriv[k] = v
		}
	}

	interim := crypto.Hash(concatBytes(nil, gi.GroupContext.ConfirmedTranscriptHash, gi.ConfirmationTag))

	g := &Group{
		config:                config,
		groupID:               dup(gi.GroupContext.GroupID),
		myLeaf:                leafIndex(myIdx),
		tree:                  tree,
		groupContext:          gi.GroupContext,
		keySchedule:           ks,
		interimTranscriptHash: interim,
		sigPriv:               kp.SignaturePriv,
		pathPriv:              pathPriv,
		gks:                   config.newGroupKeySource(crypto.Suite(), ks.encryptionSecret, tree.size()),
		pending:               newProposalStore(),
		state:                 groupStateActive,
	}
	return g, nil
}

// JoinByExternalCommit implements join_by_external_commit (spec.md §6,
// §4.9): it joins a running group without a Welcome, using only a
// standalone GroupInfo, by sealing a fresh init secret to the group's
// published external_pub and committing an Add(self)+ExternalInit in the
// same breath. Returns the new Group in PendingCommit state plus the
// commit message to broadcast; call MergePendingCommit once it's sent.
func JoinByExternalCommit(config GroupConfig, gi *GroupInfo, tree *ratchetTree, cred Credential) (*Group, *MlsMessage, error) {
	crypto := config.Crypto
	ext := findExtension(gi.Extensions, ExtensionExternalPub)
	if ext == nil {
		return nil, nil, ErrNoExternalPub
	}
	externalPub := HPKEPublicKey(ext.Data)

	signerLeaf := tree.leafAt(gi.Signer)
	if signerLeaf == nil {
		return nil, nil, ErrUnknownMember
	}
	if err := gi.verify(crypto, signerLeaf.SignatureKey); err != nil {
		return nil, nil, err
	}

	myKP, err := GenerateKeyPackage(crypto, cred)
	if err != nil {
		return nil, nil, err
	}

	initSecretNew, err := crypto.Rand(crypto.Suite().constants().SecretSize)
	if err != nil {
		return nil, nil, err
	}
	gcBytes, err := marshal(&gi.GroupContext)
	if err != nil {
		return nil, nil, err
	}
	sealed, err := crypto.HPKESeal(externalPub, "MLS External Init", gcBytes, nil, initSecretNew)
	if err != nil {
		return nil, nil, err
	}

	interim := crypto.Hash(concatBytes(gi.GroupContext.ConfirmedTranscriptHash, gi.ConfirmationTag))

	g := &Group{
		config:                config,
		groupID:               dup(gi.GroupContext.GroupID),
		tree:                  tree,
		groupContext:          gi.GroupContext,
		interimTranscriptHash: interim,
		sigPriv:               myKP.SignaturePriv,
		pathPriv:              map[nodeIndex][]byte{},
		pending:               newProposalStore(),
		state:                 groupStateActive,
	}

	addProp := Proposal{Type: proposalTypeAdd, Add: &addProposal{KeyPackage: myKP.Public}}
	extInitProp := Proposal{Type: proposalTypeExternalInit, ExternalInit: &externalInitProposal{
		KEMOutput:  sealed.KEMOutput,
		Ciphertext: sealed.Ciphertext,
	}}

	msg, _, _, err := g.commitInternal([]Proposal{addProp, extInitProp}, myKP.LeafPrivate, initSecretNew)
	if err != nil {
		return nil, nil, err
	}
	return g, msg, nil
}

// externalKeyPair derives the HPKE keypair every member of an epoch can
// independently compute from that epoch's external_secret (spec.md §4.9):
// it is what makes join_by_external_commit's sealed init secret openable
// by any current member without an out-of-band key exchange.
func externalKeyPair(crypto CryptoProvider, externalSecret []byte) (HPKEPrivateKey, HPKEPublicKey, error) {
	return crypto.HPKEDeriveKeyPair(externalSecret)
}

// externalPubExtension publishes the current epoch's external_pub so a
// prospective member can join_by_external_commit (spec.md §4.9).
func externalPubExtension(pub HPKEPublicKey) Extension {
	return Extension{Type: ExtensionExternalPub, Data: dup(pub)}
}

func (g *Group) requireActive() error {
	switch g.state {
	case groupStateInactive:
		return ErrGroupInactive
	case groupStatePendingCommit:
		return ErrPendingCommitExists
	default:
		return nil
	}
}

func (g *Group) oldGroupContextBytes() ([]byte, error) { return marshal(&g.groupContext) }

func (g *Group) sigPubOf(idx leafIndex) SignaturePublicKey {
	l := g.tree.leafAt(idx)
	if l == nil {
		return nil
	}
	return l.SignatureKey
}

// AddMembers proposes and immediately commits Add proposals for each
// keyPackage, returning the commit to broadcast to current members and the
// Welcome to send to the new ones (spec.md §6, add_members()).
func (g *Group) AddMembers(keyPackages []KeyPackage) (*MlsMessage, *Welcome, error) {
	if len(keyPackages) == 0 {
		return nil, nil, ErrEmptyAddMembers
	}
	var proposals []Proposal
	for _, kp := range keyPackages {
		kp := kp
		proposals = append(proposals, Proposal{Type: proposalTypeAdd, Add: &addProposal{KeyPackage: kp}})
	}
	msg, welcome, _, err := g.commitInternal(proposals, nil, nil)
	return msg, welcome, err
}

// RemoveMembers proposes and commits Remove proposals for each index
// (spec.md §6, remove_members()).
func (g *Group) RemoveMembers(indices []leafIndex) (*MlsMessage, error) {
	if len(indices) == 0 {
		return nil, ErrEmptyRemoveMembers
	}
	var proposals []Proposal
	for _, idx := range indices {
		proposals = append(proposals, Proposal{Type: proposalTypeRemove, Remove: &removeProposal{Removed: idx}})
	}
	msg, _, _, err := g.commitInternal(proposals, nil, nil)
	return msg, err
}

// standaloneProposal wraps p as a FramedContent signed (and, per the
// group's WirePolicy, possibly encrypted) for the wire, and stores it in
// the local pending set so a later commit_to_pending_proposals picks it up
// (spec.md §4.7, §6 propose_*()).
func (g *Group) standaloneProposal(p Proposal) (*MlsMessage, error) {
	if err := g.requireActive(); err != nil {
		return nil, err
	}
	ref, err := proposalRef(g.config.Crypto, &p)
	if err != nil {
		return nil, err
	}
	g.pending.add(ref, &p, g.myLeaf)

	fc := FramedContent{
		GroupID:     dup(g.groupID),
		Epoch:       g.groupContext.Epoch,
		Sender:      Sender{Type: senderTypeMember, LeafIndex: g.myLeaf},
		ContentType: contentTypeProposal,
		ProposalMsg: &p,
	}
	gcBytes, err := g.oldGroupContextBytes()
	if err != nil {
		return nil, err
	}

	wf := wireFormatPublicMessage
	if !g.config.WirePolicy.allows(contentTypeProposal, wireFormatPublicMessage) {
		wf = wireFormatPrivateMessage
	}
	if wf == wireFormatPrivateMessage {
		pm, err := encryptPrivateMessage(g.config.Crypto, g.config.Crypto.Suite(), g.gks, g.keySchedule.senderDataSecret, gcBytes, fc, g.sigPriv, nil)
		if err != nil {
			return nil, err
		}
		return &MlsMessage{Kind: mlsMessagePrivate, Private: pm}, nil
	}
	pm, err := signPublicMessage(g.config.Crypto, gcBytes, fc, g.sigPriv, g.keySchedule.membershipKey, nil)
	if err != nil {
		return nil, err
	}
	return &MlsMessage{Kind: mlsMessagePublic, Public: pm}, nil
}

func (g *Group) ProposeAdd(kp KeyPackage) (*MlsMessage, error) {
	return g.standaloneProposal(Proposal{Type: proposalTypeAdd, Add: &addProposal{KeyPackage: kp}})
}

func (g *Group) ProposeRemove(idx leafIndex) (*MlsMessage, error) {
	return g.standaloneProposal(Proposal{Type: proposalTypeRemove, Remove: &removeProposal{Removed: idx}})
}

// ProposeUpdate proposes a fresh leaf key for the caller's own leaf,
// without yet committing it (spec.md §6, propose_update()).
func (g *Group) ProposeUpdate() (*MlsMessage, error) {
	current := g.tree.leafAt(g.myLeaf)
	leafPriv, leafPub, err := g.config.Crypto.HPKEKeygen()
	if err != nil {
		return nil, err
	}
	newLeaf := *current
	newLeaf.EncryptionKey = leafPub
	newLeaf.Source = leafNodeSourceUpdate
	newLeaf.ParentHash = nil
	if err := newLeaf.sign(g.config.Crypto, g.sigPriv, leafNodeTBSContext{GroupID: g.groupID, LeafIndex: g.myLeaf}); err != nil {
		return nil, err
	}
	g.pathPriv[toNodeIndex(g.myLeaf)] = leafPriv
	return g.standaloneProposal(Proposal{Type: proposalTypeUpdate, Update: &updateProposal{LeafNode: newLeaf}})
}

// NewJoinProposal builds a standalone Add(self) proposal that a
// prospective member outside the group sends to request admission
// (spec.md §4.7, §6), sender type NewMemberProposal. groupContext is the
// group's current-epoch GroupContext, learned out-of-band (for instance
// from an exported GroupInfo); a member who later processes and commits
// this proposal rejects it with ErrNotAnExternalAddProposal unless its
// single proposal is exactly this Add, and rejects it with
// ErrInvalidSignature unless kp really owns the signature key the
// message is signed with.
func NewJoinProposal(crypto CryptoProvider, groupContext GroupContext, kp KeyPackagePrivate) (*MlsMessage, error) {
	fc := FramedContent{
		GroupID:     dup(groupContext.GroupID),
		Epoch:       groupContext.Epoch,
		Sender:      Sender{Type: senderTypeNewMemberProposal},
		ContentType: contentTypeProposal,
		ProposalMsg: &Proposal{Type: proposalTypeAdd, Add: &addProposal{KeyPackage: kp.Public}},
	}
	gcBytes, err := marshal(&groupContext)
	if err != nil {
		return nil, err
	}
	pm, err := signPublicMessage(crypto, gcBytes, fc, kp.SignaturePriv, nil, nil)
	if err != nil {
		return nil, err
	}
	return &MlsMessage{Kind: mlsMessagePublic, Public: pm}, nil
}

// CommitToPendingProposals commits every proposal currently in the pending
// store (spec.md §6, commit_to_pending_proposals()).
func (g *Group) CommitToPendingProposals() (*MlsMessage, *Welcome, error) {
	msg, welcome, _, err := g.commitInternal(nil, nil, nil)
	return msg, welcome, err
}

// SelfUpdate commits a fresh path for the caller's own leaf, refreshing its
// encryption key and every ancestor's (spec.md §6, self_update()).
func (g *Group) SelfUpdate() (*MlsMessage, error) {
	msg, _, _, err := g.commitInternal(nil, nil, nil)
	return msg, err
}

// LeaveGroup returns a standalone Remove(self) proposal for some other
// member to commit; a committer may never remove itself in its own commit
// (spec.md §6 leave_group(), §4.7 ErrCannotRemoveSelf).
func (g *Group) LeaveGroup() (*MlsMessage, error) {
	return g.standaloneProposal(Proposal{Type: proposalTypeRemove, Remove: &removeProposal{Removed: g.myLeaf}})
}

// ClearPendingProposals discards every standalone proposal received so far
// without committing them (spec.md §6).
func (g *Group) ClearPendingProposals() {
	g.pending.clear()
}

// commitInternal is the shared core of every committing operation: it
// resolves pending-plus-inline proposals, validates them, applies them to
// a cloned tree, always generates a fresh path (a conservative superset of
// spec.md §4.7's "path required" cases), advances the key schedule, and
// stages the result without touching live state (spec.md §4.7, §4.8).
// overrideLeafPriv/overrideInitSecret are set only by
// JoinByExternalCommit, whose committer isn't in the tree yet and whose
// init_secret comes from the sealed ExternalInit value rather than the
// (nonexistent) local keySchedule.
func (g *Group) commitInternal(inline []Proposal, overrideLeafPriv HPKEPrivateKey, overrideInitSecret []byte) (*MlsMessage, *Welcome, *GroupInfo, error) {
	isNewMember := overrideInitSecret != nil
	if !isNewMember {
		if err := g.requireActive(); err != nil {
			return nil, nil, nil, err
		}
	}
	crypto := g.config.Crypto
	suite := crypto.Suite()

	committerForValidation := g.myLeaf
	all := g.pending.inReceptionOrder()
	for i := range inline {
		all = append(all, resolvedProposal{proposal: &inline[i], sender: committerForValidation})
	}

	validated, err := validateProposalSet(g.tree, crypto, committerForValidation, isNewMember, all, g.config.dup(), g.config.KeyStore, time.Now())
	if err != nil {
		return nil, nil, nil, err
	}

	tree2 := cloneRatchetTree(g.tree)
	var newMemberKPs []KeyPackage
	for _, a := range validated.adds {
		newMemberKPs = append(newMemberKPs, a.KeyPackage)
		tree2.add(&a.KeyPackage.LeafNode)
	}
	for idx := range validated.removes {
		tree2.remove(idx)
	}
	for idx, u := range validated.updates {
		tree2.update(idx, &u.LeafNode)
	}

	committer := g.myLeaf
	if isNewMember {
		for i := len(tree2.leaves) - 1; i >= 0; i-- {
			if tree2.leaves[i] != nil && len(newMemberKPs) > 0 && string(tree2.leaves[i].SignatureKey) == string(newMemberKPs[0].LeafNode.SignatureKey) {
				committer = leafIndex(i)
				break
			}
		}
	}

	current := tree2.leafAt(committer)
	leafTemplate := *current
	leafTemplate.Source = leafNodeSourceCommit
	leafTemplate.ParentHash = nil

	oldGC, err := g.oldGroupContextBytes()
	if err != nil {
		return nil, nil, nil, err
	}

	up, pathCommitSecret, newPriv, pathSecrets, err := tree2.encryptPath(crypto, g.groupID, committer, leafTemplate, g.sigPriv, oldGC)
	if err != nil {
		return nil, nil, nil, err
	}
	if overrideLeafPriv != nil {
		newPriv[toNodeIndex(committer)] = overrideLeafPriv
	}

	var proposalEntries []proposalOrRef
	for _, k := range g.pending.order {
		for _, entry := range all {
			if entry.proposal == g.pending.byRef[k].proposal {
				proposalEntries = append(proposalEntries, proposalOrRef{IsReference: true, Reference: ProposalRef(k)})
				break
			}
		}
	}
	for _, p := range inline {
		proposalEntries = append(proposalEntries, proposalOrRef{IsReference: false, Inline: p})
	}

	fc := FramedContent{
		GroupID:     dup(g.groupID),
		Epoch:       g.groupContext.Epoch,
		Sender:      Sender{Type: senderTypeMember, LeafIndex: committer},
		ContentType: contentTypeCommit,
		CommitMsg:   &Commit{Proposals: proposalEntries, Path: &up},
	}
	if isNewMember {
		fc.Sender = Sender{Type: senderTypeNewMemberCommit}
	}

	tbs, err := contentTBS(oldGC, &fc, wireFormatPublicMessage)
	if err != nil {
		return nil, nil, nil, err
	}
	sig, err := crypto.SignatureSign(g.sigPriv, "FramedContentTBS", tbs)
	if err != nil {
		return nil, nil, nil, err
	}

	newGC := GroupContext{
		GroupID:  dup(g.groupID),
		Epoch:    g.groupContext.Epoch + 1,
		TreeHash: tree2.treeHash(),
	}
	if validated.gcExtensions != nil {
		newGC.Extensions = validated.gcExtensions.Extensions
	} else {
		newGC.Extensions = g.groupContext.Extensions
	}
	newGC.ConfirmedTranscriptHash = crypto.Hash(concatBytes(g.interimTranscriptHash, tbs, sig))

	newGCBytes, err := marshal(&newGC)
	if err != nil {
		return nil, nil, nil, err
	}

	pskSecret := pskSecretFromKeyStore(g.config.KeyStore, validated.psks, suite)

	var initSecretPrev []byte
	if overrideInitSecret != nil {
		initSecretPrev = overrideInitSecret
	} else {
		initSecretPrev = g.keySchedule.initSecret
	}
	newKS := newKeyScheduleEpoch(suite, initSecretPrev, pathCommitSecret, pskSecret, newGCBytes)

	confirmationTag := crypto.MAC(newKS.confirmationKey, newGC.ConfirmedTranscriptHash)
	newInterim := crypto.Hash(concatBytes(newGC.ConfirmedTranscriptHash, confirmationTag))

	pm := &PublicMessage{Content: fc, Signature: sig, ConfirmationTag: confirmationTag}
	if fc.Sender.Type == senderTypeMember {
		pm.MembershipTag = crypto.MAC(g.keySchedule.membershipKeyOrZero(), membershipTagInput(tbs, sig, confirmationTag))
	}

	mergedPriv := make(map[nodeIndex][]byte, len(g.pathPriv)+len(newPriv))
	for k, v := range g.pathPriv {
		mergedPriv[k] = v
	}
	for k, v := range newPriv {
		mergedPriv[k] = v
	}

	var consumed []ProposalRef
	for _, entry := range proposalEntries {
		if entry.IsReference {
			consumed = append(consumed, entry.Reference)
		}
	}

	sc := &StagedCommit{
		committer:             committer,
		isNewMember:           isNewMember,
		tree:                  tree2,
		groupContext:          newGC,
		keySchedule:           newKS,
		interimTranscriptHash: newInterim,
		confirmationTag:       confirmationTag,
		pathPriv:              mergedPriv,
		selfRemoved:           validated.removes[g.myLeaf],
		consumedRefs:          consumed,
	}

	var welcome *Welcome
	var gi *GroupInfo
	if len(newMemberKPs) > 0 || g.config.IncludeRatchetTreeInGroupInfo {
		w, g2, err := buildWelcome(crypto, tree2, newGC, newKS.joinerSecret, newKS.welcomeSecret, confirmationTag, committer, g.sigPriv, newMemberKPs, pathSecrets, g.config.IncludeRatchetTreeInGroupInfo)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(newMemberKPs) > 0 {
			welcome = w
		}
		gi = g2
	}
	sc.welcome = welcome
	sc.groupInfo = gi

	g.staged = sc
	g.state = groupStatePendingCommit

	msg := &MlsMessage{Kind: mlsMessagePublic, Public: pm}
	return msg, welcome, gi, nil
}

// membershipKeyOrZero returns the epoch's membership_key, or a zero key
// when the Group has no key schedule yet (an external-join Group before its
// own commit is merged). commitInternal calls it only for Member senders;
// a NewMemberCommit sender never carries a membership tag (spec.md §4.6).
func (ks *keyScheduleEpoch) membershipKeyOrZero() []byte {
	if ks == nil {
		return make([]byte, 32)
	}
	return ks.membershipKey
}

// MergePendingCommit applies the commit this Group itself staged via one
// of the commit-producing operations above (spec.md §6,
// merge_pending_commit()).
func (g *Group) MergePendingCommit() error {
	if g.staged == nil {
		return ErrNoPendingCommit
	}
	return g.applyStagedCommit(g.staged)
}

// MergeStagedCommit applies a StagedCommit obtained from ProcessMessage,
// i.e. a commit some other member produced (spec.md §6,
// merge_staged_commit()).
func (g *Group) MergeStagedCommit(sc *StagedCommit) error {
	return g.applyStagedCommit(sc)
}

func (g *Group) applyStagedCommit(sc *StagedCommit) error {
	g.retirePreviousEpoch()

	g.tree = sc.tree
	g.groupContext = sc.groupContext
	g.keySchedule = sc.keySchedule
	g.interimTranscriptHash = sc.interimTranscriptHash
	g.pathPriv = sc.pathPriv
	g.gks = g.config.newGroupKeySource(g.config.Crypto.Suite(), sc.keySchedule.encryptionSecret, sc.tree.size())
	if sc.isNewMember {
		g.myLeaf = sc.committer
	}

	g.pending.clear()

	g.staged = nil
	if sc.selfRemoved {
		g.state = groupStateInactive
	} else {
		g.state = groupStateActive
	}
	return nil
}

// retirePreviousEpoch snapshots the current epoch's decryption material
// before it's overwritten, so a PrivateMessage sent just before this
// commit can still be opened after it lands (spec.md §9, Open Question
// (a)).
func (g *Group) retirePreviousEpoch() {
	if g.keySchedule == nil {
		return
	}
	gcBytes, err := g.oldGroupContextBytes()
	if err != nil {
		return
	}
	tree := g.tree
	g.prevEpoch = &retainedEpoch{
		epoch:             g.groupContext.Epoch,
		gks:               g.gks,
		senderDataSecret:  g.keySchedule.senderDataSecret,
		groupContextBytes: gcBytes,
		sigPubOf: func(idx leafIndex) SignaturePublicKey {
			l := tree.leafAt(idx)
			if l == nil {
				return nil
			}
			return l.SignatureKey
		},
	}
}

// ProcessMessage implements process_message (spec.md §6, §4.8): it
// verifies wire-policy conformance and authentication, then dispatches on
// content type. Commits are validated and returned as a StagedCommit but
// never auto-merged; the caller decides when to call MergeStagedCommit.
func (g *Group) ProcessMessage(msg *MlsMessage) (*ProcessedMessage, error) {
	if err := g.requireActiveForProcessing(); err != nil {
		return nil, err
	}

	var fc *FramedContent
	var confirmationTag, signature []byte
	var wf wireFormat

	switch msg.Kind {
	case mlsMessagePublic:
		wf = wireFormatPublicMessage
		pm := msg.Public
		if !g.config.WirePolicy.allows(pm.Content.ContentType, wf) {
			return nil, ErrIncompatibleWireFormat
		}
		gcBytes, epochMismatch, err := g.groupContextForEpoch(pm.Content.Epoch)
		if err != nil {
			return nil, err
		}
		if epochMismatch {
			return nil, ErrWrongEpoch
		}
		if pm.Content.Sender.Type == senderTypeNewMemberProposal {
			p := pm.Content.ProposalMsg
			if pm.Content.ContentType != contentTypeProposal || p == nil || p.Type != proposalTypeAdd || p.Add == nil {
				return nil, ErrNotAnExternalAddProposal
			}
		}
		sigPub := g.sigPubForSender(pm.Content.Sender, &pm.Content)
		if err := verifyPublicMessage(g.config.Crypto, gcBytes, pm, sigPub, g.keySchedule.membershipKeyOrZero()); err != nil {
			return nil, err
		}
		fc, confirmationTag, signature = &pm.Content, pm.ConfirmationTag, pm.Signature

	case mlsMessagePrivate:
		wf = wireFormatPrivateMessage
		pmsg := msg.Private
		if !g.config.WirePolicy.allows(pmsg.ContentType, wf) {
			return nil, ErrIncompatibleWireFormat
		}
		gks, senderDataSecret, gcBytes, sigPubOf, err := g.decryptionMaterialFor(pmsg.Epoch)
		if err != nil {
			return nil, err
		}
		decoded, ctag, sig, err := decryptPrivateMessage(g.config.Crypto, g.config.Crypto.Suite(), gks, senderDataSecret, gcBytes, pmsg, sigPubOf)
		if err != nil {
			return nil, err
		}
		fc, confirmationTag, signature = decoded, ctag, sig

	default:
		return nil, ErrMalformed
	}

	if string(fc.GroupID) != string(g.groupID) {
		return nil, ErrWrongGroupID
	}

	switch fc.ContentType {
	case contentTypeApplication:
		return &ProcessedMessage{Kind: ProcessedApplication, SenderLeaf: fc.Sender.LeafIndex, Application: fc.Application}, nil

	case contentTypeProposal:
		if fc.Sender.Type == senderTypeNewMemberProposal {
			if fc.ProposalMsg.Type != proposalTypeAdd || fc.ProposalMsg.Add == nil {
				return nil, ErrNotAnExternalAddProposal
			}
		}
		ref, err := proposalRef(g.config.Crypto, fc.ProposalMsg)
		if err != nil {
			return nil, err
		}
		g.pending.add(ref, fc.ProposalMsg, fc.Sender.LeafIndex)
		return &ProcessedMessage{Kind: ProcessedProposal, SenderLeaf: fc.Sender.LeafIndex, Proposal: fc.ProposalMsg, ProposalRef: ref}, nil

	case contentTypeCommit:
		return g.processCommit(fc, confirmationTag, signature, wf)

	default:
		return nil, ErrMalformed
	}
}

func (g *Group) requireActiveForProcessing() error {
	if g.state == groupStateInactive {
		return ErrGroupInactive
	}
	return nil
}

// groupContextForEpoch returns the marshaled GroupContext to verify a
// PublicMessage's signature under: the current epoch's, unless the message
// claims the immediately preceding epoch and it's still retained.
func (g *Group) groupContextForEpoch(epoch Epoch) ([]byte, bool, error) {
	if epoch == g.groupContext.Epoch {
		b, err := g.oldGroupContextBytes()
		return b, false, err
	}
	if g.prevEpoch != nil && epoch == g.prevEpoch.epoch {
		return g.prevEpoch.groupContextBytes, false, nil
	}
	return nil, true, nil
}

func (g *Group) decryptionMaterialFor(epoch Epoch) (*groupKeySource, []byte, []byte, func(leafIndex) SignaturePublicKey, error) {
	if epoch == g.groupContext.Epoch {
		gcBytes, err := g.oldGroupContextBytes()
		return g.gks, g.keySchedule.senderDataSecret, gcBytes, g.sigPubOf, err
	}
	if g.prevEpoch != nil && epoch == g.prevEpoch.epoch {
		return g.prevEpoch.gks, g.prevEpoch.senderDataSecret, g.prevEpoch.groupContextBytes, g.prevEpoch.sigPubOf, nil
	}
	return nil, nil, nil, nil, ErrWrongEpoch
}

func (g *Group) sigPubForSender(s Sender, fc *FramedContent) SignaturePublicKey {
	switch s.Type {
	case senderTypeMember:
		return g.sigPubOf(s.LeafIndex)
	case senderTypeNewMemberCommit, senderTypeNewMemberProposal:
		if fc.ContentType == contentTypeCommit && fc.CommitMsg != nil && fc.CommitMsg.Path != nil {
			return fc.CommitMsg.Path.LeafNode.SignatureKey
		}
		if fc.ContentType == contentTypeProposal && fc.ProposalMsg != nil && fc.ProposalMsg.Add != nil {
			return fc.ProposalMsg.Add.KeyPackage.LeafNode.SignatureKey
		}
		return nil
	default:
		return nil
	}
}

// processCommit validates an inbound Commit and stages the resulting epoch
// without applying it (spec.md §4.8).
func (g *Group) processCommit(fc *FramedContent, transmittedConfirmationTag, signature []byte, wf wireFormat) (*ProcessedMessage, error) {
	crypto := g.config.Crypto
	suite := crypto.Suite()
	isNewMember := fc.Sender.Type == senderTypeNewMemberCommit

	committerForValidation := fc.Sender.LeafIndex
	all, err := resolvedProposals(fc.CommitMsg, g.pending, committerForValidation)
	if err != nil {
		return nil, err
	}

	validated, err := validateProposalSet(g.tree, crypto, committerForValidation, isNewMember, all, g.config.dup(), g.config.KeyStore, time.Now())
	if err != nil {
		return nil, err
	}

	tree2 := cloneRatchetTree(g.tree)
	for _, a := range validated.adds {
		tree2.add(&a.KeyPackage.LeafNode)
	}
	for idx := range validated.removes {
		tree2.remove(idx)
	}
	for idx, u := range validated.updates {
		tree2.update(idx, &u.LeafNode)
	}

	committer := fc.Sender.LeafIndex
	if isNewMember {
		committer = leafIndex(len(tree2.leaves) - 1)
		for i, l := range tree2.leaves {
			if l != nil && fc.CommitMsg.Path != nil && string(l.SignatureKey) == string(fc.CommitMsg.Path.LeafNode.SignatureKey) {
				committer = leafIndex(i)
				break
			}
		}
	}

	oldGC, err := g.oldGroupContextBytes()
	if err != nil {
		return nil, err
	}

	var pathCommitSecret []byte
	var newPriv map[nodeIndex][]byte
	if fc.CommitMsg.Path == nil {
		if validated.requiresPath {
			return nil, ErrPathRequired
		}
		pathCommitSecret = make([]byte, suite.constants().SecretSize)
		newPriv = g.pathPriv
	} else if committer == g.myLeaf {
		pathCommitSecret = make([]byte, suite.constants().SecretSize)
		newPriv = g.pathPriv
		tree2.leaves[committer] = &fc.CommitMsg.Path.LeafNode
	} else {
		pathCommitSecret, newPriv, err = tree2.decryptPath(crypto, g.groupID, fc.CommitMsg.Path, committer, g.myLeaf, g.pathPriv, oldGC)
		if err != nil {
			return nil, err
		}
	}

	newGC := GroupContext{
		GroupID:  dup(g.groupID),
		Epoch:    g.groupContext.Epoch + 1,
		TreeHash: tree2.treeHash(),
	}
	if validated.gcExtensions != nil {
		newGC.Extensions = validated.gcExtensions.Extensions
	} else {
		newGC.Extensions = g.groupContext.Extensions
	}
	newGC.ConfirmedTranscriptHash = crypto.Hash(concatBytes(g.interimTranscriptHash, mustTBS(oldGC, fc, wf), signature))

	newGCBytes, err := marshal(&newGC)
	if err != nil {
		return nil, err
	}

	pskSecret := pskSecretFromKeyStore(g.config.KeyStore, validated.psks, suite)

	initSecretPrev := g.keySchedule.initSecret
	if validated.externalInit != nil {
		extPriv, _, err := externalKeyPair(crypto, g.keySchedule.externalSecret)
		if err != nil {
			return nil, err
		}
		opened, err := crypto.HPKEOpen(extPriv, "MLS External Init", oldGC, nil, HPKECiphertext{
			KEMOutput:  validated.externalInit.KEMOutput,
			Ciphertext: validated.externalInit.Ciphertext,
		})
		if err != nil {
			return nil, err
		}
		initSecretPrev = opened
	}

	newKS := newKeyScheduleEpoch(suite, initSecretPrev, pathCommitSecret, pskSecret, newGCBytes)

	wantConfirm := crypto.MAC(newKS.confirmationKey, newGC.ConfirmedTranscriptHash)
	if !bytesEq(wantConfirm, transmittedConfirmationTag) {
		return nil, ErrMacMismatch
	}
	newInterim := crypto.Hash(concatBytes(newGC.ConfirmedTranscriptHash, transmittedConfirmationTag))

	mergedPriv := make(map[nodeIndex][]byte, len(g.pathPriv)+len(newPriv))
	for k, v := range g.pathPriv {
		mergedPriv[k] = v
	}
	for k, v := range newPriv {
		mergedPriv[k] = v
	}

	var consumed []ProposalRef
	for _, entry := range fc.CommitMsg.Proposals {
		if entry.IsReference {
			consumed = append(consumed, entry.Reference)
		}
	}

	sc := &StagedCommit{
		committer:             committer,
		isNewMember:           isNewMember,
		tree:                  tree2,
		groupContext:          newGC,
		keySchedule:           newKS,
		interimTranscriptHash: newInterim,
		confirmationTag:       transmittedConfirmationTag,
		pathPriv:              mergedPriv,
		selfRemoved:           validated.removes[g.myLeaf],
		consumedRefs:          consumed,
	}

	return &ProcessedMessage{Kind: ProcessedCommit, SenderLeaf: fc.Sender.LeafIndex, StagedCommit: sc}, nil
}

func mustTBS(groupContext []byte, fc *FramedContent, wf wireFormat) []byte {
	tbs, err := contentTBS(groupContext, fc, wf)
	if err != nil {
		panic(err)
	}
	return tbs
}

func bytesEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// pskSecretFromKeyStore resolves each PreSharedKey proposal's id against
// store and folds the results into a single secret (spec.md §4.4, §4.7).
func pskSecretFromKeyStore(store KeyStore, psks []*preSharedKeyProposal, suite CipherSuite) []byte {
	if len(psks) == 0 || store == nil {
		return nil
	}
	var values [][]byte
	for _, p := range psks {
		v, err := store.Read(string(p.PSKID))
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return pskSecretFrom(values, suite)
}

// CreateMessage seals application data for the current epoch (spec.md §6,
// create_message()). Per the protocol, application data always travels as
// a PrivateMessage regardless of WirePolicy.
func (g *Group) CreateMessage(data []byte) (*MlsMessage, error) {
	if err := g.requireActive(); err != nil {
		return nil, err
	}
	fc := FramedContent{
		GroupID:     dup(g.groupID),
		Epoch:       g.groupContext.Epoch,
		Sender:      Sender{Type: senderTypeMember, LeafIndex: g.myLeaf},
		ContentType: contentTypeApplication,
		Application: data,
	}
	gcBytes, err := g.oldGroupContextBytes()
	if err != nil {
		return nil, err
	}
	pm, err := encryptPrivateMessage(g.config.Crypto, g.config.Crypto.Suite(), g.gks, g.keySchedule.senderDataSecret, gcBytes, fc, g.sigPriv, nil)
	if err != nil {
		return nil, err
	}
	return &MlsMessage{Kind: mlsMessagePrivate, Private: pm}, nil
}

// ExportSecret implements export_secret() (spec.md §6, §4.4).
func (g *Group) ExportSecret(label string, context []byte, length int) []byte {
	return g.keySchedule.exportSecret(label, context, length)
}

// EpochAuthenticator returns the current epoch's authenticator, a value
// every member of the epoch computes identically and can compare
// out-of-band to confirm they're in the same group state (spec.md §6).
func (g *Group) EpochAuthenticator() []byte {
	return dup(g.keySchedule.epochAuthenticator)
}

// ExportRatchetTree serializes the current ratchet tree (spec.md §6).
func (g *Group) ExportRatchetTree() ([]byte, error) {
	return marshal(g.tree)
}

// ExportGroupInfo produces a standalone, signed GroupInfo for the current
// epoch, for use with join_by_external_commit (spec.md §6, §4.9).
// includeTree overrides the group's own IncludeRatchetTreeInGroupInfo
// default for this one export.
func (g *Group) ExportGroupInfo(includeTree bool) (*GroupInfo, error) {
	_, extPub, err := externalKeyPair(g.config.Crypto, g.keySchedule.externalSecret)
	if err != nil {
		return nil, err
	}
	gi := &GroupInfo{
		GroupContext:    g.groupContext,
		Extensions:      []Extension{externalPubExtension(extPub)},
		ConfirmationTag: g.currentConfirmationTag(),
		Signer:          g.myLeaf,
	}
	if includeTree {
		treeBytes, err := marshal(g.tree)
		if err != nil {
			return nil, err
		}
		gi.RatchetTree = treeBytes
	}
	if err := gi.sign(g.config.Crypto, g.sigPriv); err != nil {
		return nil, err
	}
	return gi, nil
}

// currentConfirmationTag recomputes the tag for the epoch the group is
// currently in, from its retained confirmation_key and
// confirmed_transcript_hash (spec.md §4.4).
func (g *Group) currentConfirmationTag() []byte {
	return g.config.Crypto.MAC(g.keySchedule.confirmationKey, g.groupContext.ConfirmedTranscriptHash)
}

// Epoch returns the epoch the group is currently in.
func (g *Group) Epoch() Epoch { return g.groupContext.Epoch }

// MyLeaf returns the caller's own leaf index in the current tree.
func (g *Group) MyLeaf() leafIndex { return g.myLeaf }

// Members lists the current epoch's non-blank leaves (spec.md §6).
func (g *Group) Members() []Member {
	var out []Member
	for i, l := range g.tree.leaves {
		if l == nil {
			continue
		}
		out = append(out, Member{
			Index:         leafIndex(i),
			Credential:    l.Credential,
			SignatureKey:  l.SignatureKey,
			EncryptionKey: l.EncryptionKey,
		})
	}
	return out
}

// cloneRatchetTree deep-copies t so commitInternal/processCommit can try a
// candidate epoch transition without mutating live state until it's merged
// (spec.md §4.8).
func cloneRatchetTree(t *ratchetTree) *ratchetTree {
	out := &ratchetTree{suite: t.suite, leaves: make([]*LeafNode, len(t.leaves)), parents: make([]*parentNode, len(t.parents))}
	for i, l := range t.leaves {
		if l == nil {
			continue
		}
		cp := *l
		out.leaves[i] = &cp
	}
	for i, p := range t.parents {
		if p == nil {
			continue
		}
		cp := *p
		cp.UnmergedLeaves = append([]leafIndex(nil), p.UnmergedLeaves...)
		out.parents[i] = &cp
	}
	return out
}

// Save persists enough state to resume the group later via LoadGroup
// (spec.md §6, save()): the current tree, GroupContext, epoch_secret
// (every other per-epoch secret is a deterministic function of it), the
// caller's own private keys, and the lifecycle state. The ratchet tree's
// suite field is threaded through out-of-band via config, since
// CryptoProvider isn't itself serializable.
func (g *Group) Save(w io.Writer) error {
	var b cryptobyte.Builder
	writeOpaqueVec(&b, g.groupID)
	b.AddUint32(uint32(g.myLeaf))
	g.tree.marshal(&b)
	g.groupContext.marshal(&b)
	writeOpaqueVec(&b, g.keySchedule.epochSecret)
	writeOpaqueVec(&b, g.interimTranscriptHash)
	writeOpaqueVec16(&b, g.sigPriv)
	b.AddUint32(uint32(len(g.pathPriv)))
	for n, priv := range g.pathPriv {
		b.AddUint32(uint32(n))
		writeOpaqueVec16(&b, priv)
	}
	b.AddUint8(uint8(g.state))
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// LoadGroup reverses Save, resuming operation under config (spec.md §6,
// load()).
func LoadGroup(config GroupConfig, data []byte) (*Group, error) {
	s := cryptobyte.String(data)
	var groupID GroupID
	if !readOpaqueVec(&s, (*[]byte)(&groupID)) {
		return nil, io.ErrUnexpectedEOF
	}
	var leaf uint32
	if !s.ReadUint32(&leaf) {
		return nil, io.ErrUnexpectedEOF
	}
	tree := &ratchetTree{suite: config.Crypto.Suite()}
	if err := tree.unmarshal(&s); err != nil {
		return nil, err
	}
	var gc GroupContext
	if err := gc.unmarshal(&s); err != nil {
		return nil, err
	}
	var epochSecret, interim, sigPriv []byte
	if !readOpaqueVec(&s, &epochSecret) || !readOpaqueVec(&s, &interim) {
		return nil, io.ErrUnexpectedEOF
	}
	if !readOpaqueVec16(&s, &sigPriv) {
		return nil, io.ErrUnexpectedEOF
	}

	var pathPrivCount uint32
	if !s.ReadUint32(&pathPrivCount) {
		return nil, io.ErrUnexpectedEOF
	}
	pathPriv := make(map[nodeIndex][]byte, pathPrivCount)
	for i := uint32(0); i < pathPrivCount; i++ {
		var node uint32
		if !s.ReadUint32(&node) {
			return nil, io.ErrUnexpectedEOF
		}
		var priv []byte
		if !readOpaqueVec16(&s, &priv) {
			return nil, io.ErrUnexpectedEOF
		}
		pathPriv[nodeIndex(node)] = priv
	}

	var state uint8
	if !s.ReadUint8(&state) {
		return nil, io.ErrUnexpectedEOF
	}

	ks := keyScheduleEpochFromEpochSecret(config.Crypto.Suite(), epochSecret)
	g := &Group{
		config:                config,
		groupID:               groupID,
		myLeaf:                leafIndex(leaf),
		tree:                  tree,
		groupContext:          gc,
		keySchedule:           ks,
		interimTranscriptHash: interim,
		sigPriv:               SignaturePrivateKey(sigPriv),
		pathPriv:              pathPriv,
		gks:                   config.newGroupKeySource(config.Crypto.Suite(), ks.encryptionSecret, tree.size()),
		pending:               newProposalStore(),
		state:                 groupState(state),
	}
	return g, nil
}
