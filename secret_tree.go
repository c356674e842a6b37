package mls

import "fmt"

// keyAndNonce is one generation's worth of AEAD key material.
type keyAndNonce struct {
	Key   []byte
	Nonce []byte
}

func (kn keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{Key: dup(kn.Key), Nonce: dup(kn.Nonce)}
}

func (kn keyAndNonce) zeroize() {
	zeroize(kn.Key)
	zeroize(kn.Nonce)
}

// hashRatchet derives an unbounded sequence of (key, nonce) pairs from a
// chaining secret (spec.md §4.5). Each generation is meant to be consumed
// once: Get erases the generation from the cache so a compromised later
// state can't replay an earlier ciphertext's key. Two knobs bound how far
// the ratchet will reach to satisfy an out-of-order Get: outOfOrderWindow
// caps how far behind the current generation a cached-but-unconsumed
// entry may still be retrieved from, and maxForwardDistance caps how many
// generations Get will fast-forward through to reach a future request.
type hashRatchet struct {
	suite      CipherSuite
	node       nodeIndex
	secret     []byte
	generation uint32
	cache      map[uint32]keyAndNonce

	outOfOrderWindow  uint32
	maxForwardDistance uint32
}

const (
	defaultOutOfOrderWindow   = 32
	defaultMaxForwardDistance = 1000
)

func newHashRatchet(suite CipherSuite, node nodeIndex, initialSecret []byte, outOfOrderWindow, maxForwardDistance uint32) *hashRatchet {
	return &hashRatchet{
		suite:              suite,
		node:               node,
		secret:             dup(initialSecret),
		cache:              map[uint32]keyAndNonce{},
		outOfOrderWindow:   outOfOrderWindow,
		maxForwardDistance: maxForwardDistance,
	}
}

// next derives and caches the key/nonce for the current generation, then
// advances the chaining secret (spec.md §4.5, RatchetForward).
func (r *hashRatchet) next() (uint32, keyAndNonce) {
	c := r.suite.constants()
	kn := keyAndNonce{
		Key:   r.suite.deriveAppSecret(r.secret, "key", r.node, r.generation, c.KeySize),
		Nonce: r.suite.deriveAppSecret(r.secret, "nonce", r.node, r.generation, c.NonceSize),
	}
	gen := r.generation
	r.cache[gen] = kn
	nextSecret := r.suite.deriveAppSecret(r.secret, "secret", r.node, r.generation, c.SecretSize)
	zeroize(r.secret)
	r.secret = nextSecret
	r.generation++
	return gen, kn.clone()
}

// get returns the key/nonce for generation, fast-forwarding the ratchet
// if generation is ahead of it (within maxForwardDistance) or pulling
// from the cache if it was already derived and kept within
// outOfOrderWindow of the current generation. The returned entry is
// erased from the cache, enforcing single use.
func (r *hashRatchet) get(generation uint32) (keyAndNonce, error) {
	if kn, ok := r.cache[generation]; ok {
		delete(r.cache, generation)
		defer kn.zeroize()
		return kn.clone(), nil
	}
	if generation < r.generation {
		if r.generation-generation > r.outOfOrderWindow {
			return keyAndNonce{}, fmt.Errorf("%w: generation %d is more than %d behind current generation %d", ErrTooOld, generation, r.outOfOrderWindow, r.generation)
		}
		return keyAndNonce{}, fmt.Errorf("%w: generation %d already consumed", ErrTooOld, generation)
	}
	if generation-r.generation > r.maxForwardDistance {
		return keyAndNonce{}, fmt.Errorf("%w: generation %d is more than %d ahead of current generation %d", ErrTooFarInTheFuture, generation, r.maxForwardDistance, r.generation)
	}
	var found keyAndNonce
	for r.generation <= generation {
		gen, kn := r.next()
		if gen == generation {
			found = kn
		}
	}
	delete(r.cache, generation)
	// evict anything that has fallen outside the out-of-order window, so
	// the cache can't grow without bound across a long-lived ratchet.
	for gen, kn := range r.cache {
		if r.generation-gen > r.outOfOrderWindow {
			kn.zeroize()
			delete(r.cache, gen)
		}
	}
	return found, nil
}

// secretTree derives the per-leaf encryption secret from a single
// group-wide encryption_secret by walking the ratchet tree's shape
// top-down, labeling each left/right step (spec.md §4.5, RFC 9420 §9).
// Unlike the ratchet tree itself it carries no public keys: it exists
// purely to fan one secret out into per-member secrets.
type secretTree struct {
	suite   CipherSuite
	size    leafCount
	secrets map[nodeIndex][]byte
}

func newSecretTree(suite CipherSuite, encryptionSecret []byte, size leafCount) *secretTree {
	st := &secretTree{suite: suite, size: size, secrets: map[nodeIndex][]byte{}}
	st.secrets[root(size)] = dup(encryptionSecret)
	return st
}

func (st *secretTree) nodeSecret(n nodeIndex) []byte {
	if s, ok := st.secrets[n]; ok {
		return s
	}
	p := parent(n, st.size)
	ps := st.nodeSecret(p)
	label := "tree-right"
	if n == left(p) {
		label = "tree-left"
	}
	s := st.suite.expandWithLabel(ps, label, nil, st.suite.constants().SecretSize)
	st.secrets[n] = s
	return s
}

func (st *secretTree) leafSecret(l leafIndex) []byte {
	return st.nodeSecret(toNodeIndex(l))
}

// ratchetKind distinguishes the two per-leaf ratchets the secret tree
// seeds: one for HandshakeContent, one for ApplicationData (spec.md
// §4.5).
type ratchetKind string

const (
	ratchetHandshake  ratchetKind = "handshake"
	ratchetApplication ratchetKind = "application"
)

// groupKeySource is the per-epoch collection of per-leaf, per-content-type
// hash ratchets, lazily seeded from the secret tree (spec.md §4.5,
// mirroring the groupKeySource{Base, Ratchets} shape this module grew
// out of, generalized to carry an eviction window per ratchet).
type groupKeySource struct {
	suite    CipherSuite
	tree     *secretTree
	ratchets map[leafIndex]map[ratchetKind]*hashRatchet

	outOfOrderWindow   uint32
	maxForwardDistance uint32
}

// newGroupKeySource seeds a per-epoch key source. A zero outOfOrderWindow
// or maxForwardDistance falls back to the package defaults, so existing
// callers that don't care about the tolerance knobs can pass zeros.
func newGroupKeySource(suite CipherSuite, encryptionSecret []byte, size leafCount, outOfOrderWindow, maxForwardDistance uint32) *groupKeySource {
	if outOfOrderWindow == 0 {
		outOfOrderWindow = defaultOutOfOrderWindow
	}
	if maxForwardDistance == 0 {
		maxForwardDistance = defaultMaxForwardDistance
	}
	return &groupKeySource{
		suite:              suite,
		tree:               newSecretTree(suite, encryptionSecret, size),
		ratchets:           map[leafIndex]map[ratchetKind]*hashRatchet{},
		outOfOrderWindow:   outOfOrderWindow,
		maxForwardDistance: maxForwardDistance,
	}
}

func (g *groupKeySource) ratchetFor(leaf leafIndex, kind ratchetKind) *hashRatchet {
	byKind, ok := g.ratchets[leaf]
	if !ok {
		byKind = map[ratchetKind]*hashRatchet{}
		g.ratchets[leaf] = byKind
	}
	r, ok := byKind[kind]
	if !ok {
		leafSecret := g.tree.leafSecret(leaf)
		seed := g.suite.expandWithLabel(leafSecret, string(kind), nil, g.suite.constants().SecretSize)
		r = newHashRatchet(g.suite, toNodeIndex(leaf), seed, g.outOfOrderWindow, g.maxForwardDistance)
		byKind[kind] = r
	}
	return r
}

// next derives the sender's key/nonce for its next generation. The sender
// never looks that generation up again, so it is not left in the cache.
func (g *groupKeySource) next(leaf leafIndex, kind ratchetKind) (uint32, keyAndNonce) {
	r := g.ratchetFor(leaf, kind)
	gen, kn := r.next()
	r.cache[gen].zeroize()
	delete(r.cache, gen)
	return gen, kn
}

func (g *groupKeySource) get(leaf leafIndex, kind ratchetKind, generation uint32) (keyAndNonce, error) {
	return g.ratchetFor(leaf, kind).get(generation)
}
