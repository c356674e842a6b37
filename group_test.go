package mls

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) GroupConfig {
	t.Helper()
	crypto, err := NewDefaultCryptoProvider()
	require.NoError(t, err)
	return GroupConfig{
		Crypto:                        crypto,
		KeyStore:                      NewMemoryKeyStore(),
		WirePolicy:                    WirePolicyMixed,
		IncludeRatchetTreeInGroupInfo: true,
	}
}

func newTestKeyPackage(t *testing.T, crypto CryptoProvider, name string) KeyPackagePrivate {
	t.Helper()
	kp, err := GenerateKeyPackage(crypto, NewBasicCredential([]byte(name)))
	require.NoError(t, err)
	return kp
}

// TestAddThenProcess covers S1: Alice creates a group, adds Bob via
// commit, and Bob (joining from the Welcome) derives the same
// epoch_authenticator as Alice after both merge.
func TestAddThenProcess(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("s1-group"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)

	bobKP := newTestKeyPackage(t, config.Crypto, "bob")

	commit, welcome, err := alice.AddMembers([]KeyPackage{bobKP.Public})
	require.NoError(t, err)
	require.NotNil(t, welcome)

	require.NoError(t, alice.MergePendingCommit())
	require.Equal(t, Epoch(1), alice.Epoch())
	require.Len(t, alice.Members(), 2)

	bob, err := NewGroupFromWelcome(config, welcome, bobKP, nil)
	require.NoError(t, err)
	require.Equal(t, Epoch(1), bob.Epoch())
	require.Equal(t, alice.EpochAuthenticator(), bob.EpochAuthenticator())

	// Alice's own commit message must also marshal cleanly for delivery to
	// other members.
	_, err = commit.Marshal()
	require.NoError(t, err)
}

// TestApplicationMessageRoundTrip exercises CreateMessage/ProcessMessage
// across a two-member group, including the PrivateMessage signature and
// sender data encryption paths.
func TestApplicationMessageRoundTrip(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("app-roundtrip"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)
	bobKP := newTestKeyPackage(t, config.Crypto, "bob")

	_, welcome, err := alice.AddMembers([]KeyPackage{bobKP.Public})
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())

	bob, err := NewGroupFromWelcome(config, welcome, bobKP, nil)
	require.NoError(t, err)

	msg, err := alice.CreateMessage([]byte("hello bob"))
	require.NoError(t, err)

	data, err := msg.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalMlsMessage(data)
	require.NoError(t, err)

	processed, err := bob.ProcessMessage(decoded)
	require.NoError(t, err)
	require.Equal(t, ProcessedApplication, processed.Kind)
	require.Equal(t, []byte("hello bob"), processed.Application)
}

// TestSelfUpdate exercises a no-op-proposal, path-only commit (invariant
// 7, idempotence: clear_pending_proposals then commit_to_pending_proposals
// still advances the epoch with only a path).
func TestSelfUpdate(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("self-update"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)

	oldKey := alice.tree.leafAt(alice.myLeaf).EncryptionKey

	_, err = alice.SelfUpdate()
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())

	require.Equal(t, Epoch(1), alice.Epoch())
	newKey := alice.tree.leafAt(alice.myLeaf).EncryptionKey
	require.False(t, bytes.Equal(oldKey, newKey))
}

// TestCrossMemberUpdateCommit covers the case TestSelfUpdate doesn't: Bob
// commits an Update proposal Alice sent standalone. Alice's own leaf must
// pick up her proposed key material, not Bob's, and Bob's leaf must still
// advance via his own fresh commit path.
func TestCrossMemberUpdateCommit(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("cross-update"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)
	bobKP := newTestKeyPackage(t, config.Crypto, "bob")

	_, welcome, err := alice.AddMembers([]KeyPackage{bobKP.Public})
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())

	bob, err := NewGroupFromWelcome(config, welcome, bobKP, nil)
	require.NoError(t, err)

	aliceOldKey := dup(alice.tree.leafAt(alice.myLeaf).EncryptionKey)
	bobOldKey := dup(bob.tree.leafAt(bob.myLeaf).EncryptionKey)

	proposeMsg, err := alice.ProposeUpdate()
	require.NoError(t, err)

	proposeData, err := proposeMsg.Marshal()
	require.NoError(t, err)
	decodedPropose, err := UnmarshalMlsMessage(proposeData)
	require.NoError(t, err)
	_, err = bob.ProcessMessage(decodedPropose)
	require.NoError(t, err)

	commitMsg, _, err := bob.CommitToPendingProposals()
	require.NoError(t, err)
	require.NoError(t, bob.MergePendingCommit())

	commitData, err := commitMsg.Marshal()
	require.NoError(t, err)
	decodedCommit, err := UnmarshalMlsMessage(commitData)
	require.NoError(t, err)
	processed, err := alice.ProcessMessage(decodedCommit)
	require.NoError(t, err)
	require.Equal(t, ProcessedCommit, processed.Kind)
	require.NoError(t, alice.MergeStagedCommit(processed.StagedCommit))

	require.Equal(t, bob.Epoch(), alice.Epoch())
	require.Equal(t, alice.EpochAuthenticator(), bob.EpochAuthenticator())

	aliceKeyOnBobTree := bob.tree.leafAt(alice.myLeaf).EncryptionKey
	aliceKeyOnAliceTree := alice.tree.leafAt(alice.myLeaf).EncryptionKey
	require.False(t, bytes.Equal(aliceOldKey, aliceKeyOnBobTree))
	require.Equal(t, aliceKeyOnBobTree, aliceKeyOnAliceTree)

	bobNewKey := bob.tree.leafAt(bob.myLeaf).EncryptionKey
	require.False(t, bytes.Equal(bobOldKey, bobNewKey))
	require.NotEqual(t, aliceKeyOnBobTree, bobNewKey)
}

// TestClearPendingThenCommit covers invariant 7: after queuing a
// proposal and clearing it, committing still advances the epoch via a
// path-only commit.
func TestClearPendingThenCommit(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("idempotence"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)
	bobKP := newTestKeyPackage(t, config.Crypto, "bob")

	_, err = alice.ProposeAdd(bobKP.Public)
	require.NoError(t, err)
	require.Len(t, alice.pending.inReceptionOrder(), 1)

	alice.ClearPendingProposals()
	require.Len(t, alice.pending.inReceptionOrder(), 0)

	_, welcome, err := alice.CommitToPendingProposals()
	require.NoError(t, err)
	require.Nil(t, welcome)
	require.NoError(t, alice.MergePendingCommit())
	require.Equal(t, Epoch(1), alice.Epoch())
	require.Len(t, alice.Members(), 1)
}

// TestRemoveMembers covers a 3-member group shrinking back to 2.
func TestRemoveMembers(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("remove-members"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)
	bobKP := newTestKeyPackage(t, config.Crypto, "bob")
	carolKP := newTestKeyPackage(t, config.Crypto, "carol")

	_, _, err = alice.AddMembers([]KeyPackage{bobKP.Public, carolKP.Public})
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())
	require.Len(t, alice.Members(), 3)

	_, err = alice.RemoveMembers([]leafIndex{2})
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())
	require.Len(t, alice.Members(), 2)
}

// TestSelfRemoveRejectedInOwnCommit and TestLeaveGroup cover S5: a
// member cannot remove itself in a commit it produces, but can send a
// standalone leave proposal that another member commits, after which
// the leaving member's processed StagedCommit reports self_removed.
func TestSelfRemoveRejectedInOwnCommit(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("self-remove"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)
	bobKP := newTestKeyPackage(t, config.Crypto, "bob")
	_, _, err = alice.AddMembers([]KeyPackage{bobKP.Public})
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())

	_, err = alice.RemoveMembers([]leafIndex{alice.myLeaf})
	require.ErrorIs(t, err, ErrCannotRemoveSelf)
}

func TestLeaveGroup(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("leave-group"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)
	bobKP := newTestKeyPackage(t, config.Crypto, "bob")
	_, welcome, err := alice.AddMembers([]KeyPackage{bobKP.Public})
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())

	bob, err := NewGroupFromWelcome(config, welcome, bobKP, nil)
	require.NoError(t, err)

	leaveMsg, err := bob.LeaveGroup()
	require.NoError(t, err)

	leaveData, err := leaveMsg.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalMlsMessage(leaveData)
	require.NoError(t, err)

	processed, err := alice.ProcessMessage(decoded)
	require.NoError(t, err)
	require.Equal(t, ProcessedProposal, processed.Kind)

	commit, _, err := alice.CommitToPendingProposals()
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())
	require.Len(t, alice.Members(), 1)

	commitData, err := commit.Marshal()
	require.NoError(t, err)
	decodedCommit, err := UnmarshalMlsMessage(commitData)
	require.NoError(t, err)

	bobProcessed, err := bob.ProcessMessage(decodedCommit)
	require.NoError(t, err)
	require.Equal(t, ProcessedCommit, bobProcessed.Kind)
	require.True(t, bobProcessed.StagedCommit.SelfRemoved())

	require.NoError(t, bob.MergeStagedCommit(bobProcessed.StagedCommit))
	_, err = bob.CreateMessage([]byte("too late"))
	require.ErrorIs(t, err, ErrGroupInactive)
}

// TestEmptyAddRemoveRejected covers S6.
func TestEmptyAddRemoveRejected(t *testing.T) {
	config := newTestConfig(t)
	alice, err := NewGroup(config, GroupID("empty-input"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)

	_, _, err = alice.AddMembers(nil)
	require.ErrorIs(t, err, ErrEmptyAddMembers)

	_, err = alice.RemoveMembers(nil)
	require.ErrorIs(t, err, ErrEmptyRemoveMembers)
}

// TestSaveLoadExportsMatch covers S7: persisting and loading a group
// preserves its exported secrets.
func TestSaveLoadExportsMatch(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("save-load"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)
	bobKP := newTestKeyPackage(t, config.Crypto, "bob")
	_, welcome, err := alice.AddMembers([]KeyPackage{bobKP.Public})
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())

	bob, err := NewGroupFromWelcome(config, welcome, bobKP, nil)
	require.NoError(t, err)

	before := bob.ExportSecret("x", nil, 32)
	aliceExport := alice.ExportSecret("x", nil, 32)
	require.Equal(t, aliceExport, before)

	var buf bytes.Buffer
	require.NoError(t, bob.Save(&buf))

	restored, err := LoadGroup(config, buf.Bytes())
	require.NoError(t, err)

	after := restored.ExportSecret("x", nil, 32)
	require.Equal(t, before, after)
	require.Equal(t, aliceExport, after)
	require.Equal(t, bob.Epoch(), restored.Epoch())
}

// TestExternalJoinProposal covers S2: a non-member sends a JoinProposal,
// the group commits it by reference, and every member ends up with
// identical ratchet trees.
func TestExternalJoinProposal(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("external-join"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)
	bobKP := newTestKeyPackage(t, config.Crypto, "bob")
	_, welcome, err := alice.AddMembers([]KeyPackage{bobKP.Public})
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())
	bob, err := NewGroupFromWelcome(config, welcome, bobKP, nil)
	require.NoError(t, err)

	charlieKP := newTestKeyPackage(t, config.Crypto, "charlie")
	joinMsg, err := NewJoinProposal(config.Crypto, alice.groupContext, charlieKP)
	require.NoError(t, err)

	processed, err := alice.ProcessMessage(joinMsg)
	require.NoError(t, err)
	require.Equal(t, ProcessedProposal, processed.Kind)
	bobProposal, err := bob.ProcessMessage(joinMsg)
	require.NoError(t, err)
	require.Equal(t, ProcessedProposal, bobProposal.Kind)

	commit, charlieWelcome, err := alice.CommitToPendingProposals()
	require.NoError(t, err)
	require.NotNil(t, charlieWelcome)
	require.NoError(t, alice.MergePendingCommit())
	require.Len(t, alice.Members(), 3)

	commitData, err := commit.Marshal()
	require.NoError(t, err)
	decodedCommit, err := UnmarshalMlsMessage(commitData)
	require.NoError(t, err)
	bobProcessed, err := bob.ProcessMessage(decodedCommit)
	require.NoError(t, err)
	require.NoError(t, bob.MergeStagedCommit(bobProcessed.StagedCommit))

	charlie, err := NewGroupFromWelcome(config, charlieWelcome, charlieKP, nil)
	require.NoError(t, err)

	aliceTree, err := alice.ExportRatchetTree()
	require.NoError(t, err)
	bobTree, err := bob.ExportRatchetTree()
	require.NoError(t, err)
	charlieTree, err := charlie.ExportRatchetTree()
	require.NoError(t, err)
	require.Equal(t, aliceTree, bobTree)
	require.Equal(t, aliceTree, charlieTree)
	require.Equal(t, alice.EpochAuthenticator(), charlie.EpochAuthenticator())
}

// TestExternalJoinProposalSignatureMismatch covers S3: an outer
// signature from a different key than the one the inner KeyPackage
// names must fail verification.
func TestExternalJoinProposalSignatureMismatch(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("sig-mismatch"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)

	charlieKP := newTestKeyPackage(t, config.Crypto, "charlie")
	attackerKP := newTestKeyPackage(t, config.Crypto, "attacker")

	// Build the join proposal, then splice in the attacker's signature
	// over the same content so the inner KeyPackage (Charlie's) no
	// longer matches the outer signer.
	forged, err := NewJoinProposal(config.Crypto, alice.groupContext, charlieKP)
	require.NoError(t, err)
	gcBytes, err := marshal(&alice.groupContext)
	require.NoError(t, err)
	tbs, err := contentTBS(gcBytes, &forged.Public.Content, wireFormatPublicMessage)
	require.NoError(t, err)
	forgedSig, err := config.Crypto.SignatureSign(attackerKP.SignaturePriv, "FramedContentTBS", tbs)
	require.NoError(t, err)
	forged.Public.Signature = forgedSig

	_, err = alice.ProcessMessage(forged)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

// TestSenderKindAbuseRejected covers S4: a Remove proposal wearing the
// NewMemberProposal sender tag must be rejected, not silently accepted
// as an external join.
func TestSenderKindAbuseRejected(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("sender-abuse"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)
	bobKP := newTestKeyPackage(t, config.Crypto, "bob")
	_, welcome, err := alice.AddMembers([]KeyPackage{bobKP.Public})
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())
	bob, err := NewGroupFromWelcome(config, welcome, bobKP, nil)
	require.NoError(t, err)

	fc := FramedContent{
		GroupID:     dup(alice.groupID),
		Epoch:       alice.groupContext.Epoch,
		Sender:      Sender{Type: senderTypeNewMemberProposal},
		ContentType: contentTypeProposal,
		ProposalMsg: &Proposal{Type: proposalTypeRemove, Remove: &removeProposal{Removed: 0}},
	}
	gcBytes, err := alice.oldGroupContextBytes()
	require.NoError(t, err)
	pm, err := signPublicMessage(config.Crypto, gcBytes, fc, alice.sigPriv, nil, nil)
	require.NoError(t, err)
	msg := &MlsMessage{Kind: mlsMessagePublic, Public: pm}

	_, err = bob.ProcessMessage(msg)
	require.ErrorIs(t, err, ErrNotAnExternalAddProposal)
}

// TestJoinByExternalCommit exercises the external-commit join path: a
// prospective member joins straight from an exported GroupInfo, without
// ever receiving a Welcome.
func TestJoinByExternalCommit(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("external-commit"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)

	gi, err := alice.ExportGroupInfo(true)
	require.NoError(t, err)

	tree := cloneRatchetTree(alice.tree)
	dave, commitMsg, err := JoinByExternalCommit(config, gi, tree, NewBasicCredential([]byte("dave")))
	require.NoError(t, err)

	commitData, err := commitMsg.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalMlsMessage(commitData)
	require.NoError(t, err)

	processed, err := alice.ProcessMessage(decoded)
	require.NoError(t, err)
	require.Equal(t, ProcessedCommit, processed.Kind)
	require.NoError(t, alice.MergeStagedCommit(processed.StagedCommit))
	require.NoError(t, dave.MergePendingCommit())

	require.Equal(t, alice.Epoch(), dave.Epoch())
	require.Equal(t, alice.EpochAuthenticator(), dave.EpochAuthenticator())
	require.Len(t, alice.Members(), 2)
}
