package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestKeyPackageRoundTrip covers invariant 6 (round-trip codec) for the
// bootstrapping wire type members publish to be invited.
func TestKeyPackageRoundTrip(t *testing.T) {
	crypto, err := NewDefaultCryptoProvider()
	require.NoError(t, err)

	kpPriv, err := GenerateKeyPackage(crypto, NewBasicCredential([]byte("alice")))
	require.NoError(t, err)

	data, err := marshal(&kpPriv.Public)
	require.NoError(t, err)

	var got KeyPackage
	require.NoError(t, unmarshal(data, &got))
	require.Equal(t, kpPriv.Public, got)
}

// TestGroupContextRoundTrip covers invariant 6 for the struct that is
// authenticated on every framed message.
func TestGroupContextRoundTrip(t *testing.T) {
	gc := GroupContext{
		GroupID:                 GroupID("ctx-roundtrip"),
		Epoch:                   7,
		TreeHash:                []byte{1, 2, 3},
		ConfirmedTranscriptHash: []byte{4, 5, 6},
		Extensions:              []Extension{{Type: ExtensionApplicationID, Data: []byte("app")}},
	}

	data, err := marshal(&gc)
	require.NoError(t, err)

	var got GroupContext
	require.NoError(t, unmarshal(data, &got))
	require.Equal(t, gc, got)
}

// TestMlsMessageApplicationRoundTrip covers invariant 6 end-to-end
// through the outer MlsMessage envelope for a PrivateMessage.
func TestMlsMessageApplicationRoundTrip(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("codec-app"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)

	msg, err := alice.CreateMessage([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, mlsMessagePrivate, msg.Kind)

	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMlsMessage(data)
	require.NoError(t, err)
	require.Equal(t, msg.Kind, got.Kind)
	require.Equal(t, msg.Private.GroupID, got.Private.GroupID)
	require.Equal(t, msg.Private.Epoch, got.Private.Epoch)
	require.Equal(t, msg.Private.Ciphertext, got.Private.Ciphertext)
}

// TestMlsMessageWelcomeRoundTrip covers invariant 6 for the Welcome
// envelope a new member bootstraps a group from.
func TestMlsMessageWelcomeRoundTrip(t *testing.T) {
	config := newTestConfig(t)

	alice, err := NewGroup(config, GroupID("codec-welcome"), NewBasicCredential([]byte("alice")))
	require.NoError(t, err)
	bobKP, err := GenerateKeyPackage(config.Crypto, NewBasicCredential([]byte("bob")))
	require.NoError(t, err)

	_, welcome, err := alice.AddMembers([]KeyPackage{bobKP.Public})
	require.NoError(t, err)
	require.NoError(t, alice.MergePendingCommit())

	msg := &MlsMessage{Kind: mlsMessageWelcome, Welcome: welcome}
	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMlsMessage(data)
	require.NoError(t, err)
	require.Equal(t, mlsMessageWelcome, got.Kind)

	bob, err := NewGroupFromWelcome(config, got.Welcome, bobKP, nil)
	require.NoError(t, err)
	require.Equal(t, alice.EpochAuthenticator(), bob.EpochAuthenticator())
}

// TestUnmarshalMlsMessageRejectsGarbage covers S6-adjacent defensive
// decoding: malformed or empty input must fail, not panic.
func TestUnmarshalMlsMessageRejectsGarbage(t *testing.T) {
	_, err := UnmarshalMlsMessage(nil)
	require.Error(t, err)

	_, err = UnmarshalMlsMessage([]byte{0xff, 0x00, 0x01})
	require.Error(t, err)
}
