package mls

// keyScheduleEpoch holds every secret derived for one epoch (spec.md
// §4.4), grown from the commit_secret a tree path update produces into
// the full set consumed by framing, export, and the next epoch's
// transition. Naming and the advance-by-chaining shape follow the
// teacher's keyScheduleEpoch/(*keyScheduleEpoch).Next, generalized from
// its draft-era two-ratchet split into the nine RFC 9420 epoch secrets.
type keyScheduleEpoch struct {
	suite CipherSuite

	joinerSecret []byte
	welcomeSecret []byte
	epochSecret  []byte

	senderDataSecret     []byte
	encryptionSecret     []byte
	exporterSecret       []byte
	externalSecret       []byte
	confirmationKey      []byte
	membershipKey        []byte
	resumptionPSK        []byte
	epochAuthenticator   []byte
	initSecret           []byte
}

// newKeyScheduleEpoch runs one full epoch transition (spec.md §4.4): it
// mixes the previous epoch's init_secret, this commit's commit_secret,
// and any PSK material into joiner_secret/member_secret/epoch_secret,
// then fans epoch_secret out into the nine labeled per-epoch secrets.
func newKeyScheduleEpoch(suite CipherSuite, initSecretPrev, commitSecret, pskSecret, groupContext []byte) *keyScheduleEpoch {
	joinerSecret := suite.hkdfExtract(initSecretPrev, commitSecret)
	return newKeyScheduleEpochFromJoinerSecret(suite, joinerSecret, pskSecret, groupContext)
}

// newKeyScheduleEpochFromJoinerSecret runs the tail of the key schedule
// starting from joiner_secret, the entry point a Welcome recipient uses
// (spec.md §4.9): it never sees commit_secret or the previous epoch's
// init_secret, only the joiner_secret the committer encrypted to it.
func newKeyScheduleEpochFromJoinerSecret(suite CipherSuite, joinerSecret, pskSecret, groupContext []byte) *keyScheduleEpoch {
	if pskSecret == nil {
		pskSecret = make([]byte, suite.constants().SecretSize)
	}
	memberSecret := suite.hkdfExtract(joinerSecret, pskSecret)
	welcomeSecret := suite.deriveSecret(joinerSecret, "welcome")
	epochSecret := suite.expandWithLabel(memberSecret, "epoch", groupContext, suite.constants().SecretSize)

	ks := &keyScheduleEpoch{
		suite:         suite,
		joinerSecret:  joinerSecret,
		welcomeSecret: welcomeSecret,
		epochSecret:   epochSecret,
	}
	ks.enableEpochSecrets()
	return ks
}

// keyScheduleEpochFromEpochSecret reconstructs a keyScheduleEpoch purely
// from its epoch_secret, used by LoadGroup to resume an epoch without
// replaying the commit that produced it: every other per-epoch secret is a
// deterministic function of epoch_secret alone (spec.md §4.4).
func keyScheduleEpochFromEpochSecret(suite CipherSuite, epochSecret []byte) *keyScheduleEpoch {
	ks := &keyScheduleEpoch{suite: suite, epochSecret: dup(epochSecret)}
	ks.enableEpochSecrets()
	return ks
}

// deriveWelcomeKeyNonce derives the AEAD key/nonce that seals a Welcome's
// GroupInfo, directly from welcome_secret (spec.md §4.9).
func deriveWelcomeKeyNonce(suite CipherSuite, welcomeSecret []byte) ([]byte, []byte) {
	c := suite.constants()
	key := suite.expandWithLabel(welcomeSecret, "key", nil, c.KeySize)
	nonce := suite.expandWithLabel(welcomeSecret, "nonce", nil, c.NonceSize)
	return key, nonce
}

// enableEpochSecrets derives the nine labeled secrets epoch_secret fans
// out into (spec.md §4.4).
func (ks *keyScheduleEpoch) enableEpochSecrets() {
	ks.senderDataSecret = ks.suite.deriveSecret(ks.epochSecret, "sender data")
	ks.encryptionSecret = ks.suite.deriveSecret(ks.epochSecret, "encryption")
	ks.exporterSecret = ks.suite.deriveSecret(ks.epochSecret, "exporter")
	ks.externalSecret = ks.suite.deriveSecret(ks.epochSecret, "external")
	ks.confirmationKey = ks.suite.deriveSecret(ks.epochSecret, "confirm")
	ks.membershipKey = ks.suite.deriveSecret(ks.epochSecret, "membership")
	ks.resumptionPSK = ks.suite.deriveSecret(ks.epochSecret, "resumption")
	ks.epochAuthenticator = ks.suite.deriveSecret(ks.epochSecret, "authentication")
	ks.initSecret = ks.suite.deriveSecret(ks.epochSecret, "init")
}

// next advances the key schedule to the following epoch in place of
// constructing a fresh keyScheduleEpoch by hand, mirroring the teacher's
// (*keyScheduleEpoch).Next call shape.
func (ks *keyScheduleEpoch) next(suite CipherSuite, commitSecret, pskSecret, groupContext []byte) *keyScheduleEpoch {
	return newKeyScheduleEpoch(suite, ks.initSecret, commitSecret, pskSecret, groupContext)
}

// exportSecret implements the exported application API's export_secret:
// a context-bound value derived from exporter_secret, distinct from any
// epoch secret an attacker who only sees exported values could use to
// recover group traffic keys (spec.md §4.4, §6).
func (ks *keyScheduleEpoch) exportSecret(label string, context []byte, length int) []byte {
	derived := ks.suite.deriveSecret(ks.exporterSecret, label)
	return ks.suite.expandWithLabel(derived, "exported", ks.suite.hash(context), length)
}

func (ks *keyScheduleEpoch) zeroize() {
	for _, s := range [][]byte{
		ks.joinerSecret, ks.welcomeSecret, ks.epochSecret,
		ks.senderDataSecret, ks.encryptionSecret, ks.exporterSecret,
		ks.externalSecret, ks.confirmationKey, ks.membershipKey,
		ks.resumptionPSK, ks.epochAuthenticator, ks.initSecret,
	} {
		zeroize(s)
	}
}
