// Package merkle aggregates per-shard result digests of one plan into an
// RFC 6962 hash tree.
package merkle

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"

	"github.com/animus-labs/hypershard/internal/domain"
)

var (
	ErrFrozen        = errors.New("merkle tree is finalized")
	ErrNotFinalized  = errors.New("merkle tree is not finalized")
	ErrDuplicateLeaf = errors.New("leaf already appended")
	ErrUnknownLeaf   = errors.New("leaf not in tree")
)

var hasher = rfc6962.DefaultHasher

// Leaf is one DONE shard's contribution to a plan's tree.
type Leaf struct {
	CasID        string
	OutputDigest string
	Attempt      int
	Hash         []byte
}

// LeafHash is H(0x00 || cas_id "|" output_digest "|" attempt). Including the
// attempt keeps a retried unit distinguishable from its earlier result.
func LeafHash(casID, outputDigest string, attempt int) []byte {
	data := casID + "|" + outputDigest + "|" + strconv.Itoa(attempt)
	return hasher.HashLeaf([]byte(data))
}

// Tree is append-only until Finalize, then frozen. Leaves keep completion
// order. Safe for concurrent use.
type Tree struct {
	mu        sync.RWMutex
	leaves    []Leaf
	index     map[string]int
	root      []byte
	finalized bool
}

func New() *Tree {
	return &Tree{index: make(map[string]int)}
}

// Append adds a leaf and returns its index. A nil Hash is computed from the
// other fields; a restored leaf keeps its persisted hash.
func (t *Tree) Append(leaf Leaf) (uint64, error) {
	if leaf.CasID == "" {
		return 0, errors.New("leaf cas id is required")
	}
	if leaf.Hash == nil {
		leaf.Hash = LeafHash(leaf.CasID, leaf.OutputDigest, leaf.Attempt)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return 0, ErrFrozen
	}
	if _, ok := t.index[leaf.CasID]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateLeaf, leaf.CasID)
	}
	t.index[leaf.CasID] = len(t.leaves)
	t.leaves = append(t.leaves, leaf)
	return uint64(len(t.leaves) - 1), nil
}

// Contains reports whether casID already has a leaf.
func (t *Tree) Contains(casID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index[casID]
	return ok
}

func (t *Tree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.leaves)
}

// Finalize computes and freezes the root. Calling it again returns the same
// root.
func (t *Tree) Finalize() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finalized {
		t.root = RootFromLeaves(t.hashesLocked())
		t.finalized = true
	}
	return append([]byte(nil), t.root...)
}

// Root is defined only after Finalize.
func (t *Tree) Root() ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.finalized {
		return nil, false
	}
	return append([]byte(nil), t.root...), true
}

func (t *Tree) Finalized() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finalized
}

// Leaves returns the leaves in completion order.
func (t *Tree) Leaves() []Leaf {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Leaf(nil), t.leaves...)
}

// Proof returns the inclusion proof of casID in the finalized tree.
func (t *Tree) Proof(casID string) (domain.MerkleProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.finalized {
		return domain.MerkleProof{}, ErrNotFinalized
	}
	idx, ok := t.index[casID]
	if !ok {
		return domain.MerkleProof{}, fmt.Errorf("%w: %s", ErrUnknownLeaf, casID)
	}
	return t.proofLocked(idx), nil
}

// SampleProofs returns proofs for up to n distinct leaves chosen by rng, in
// leaf order. A nil rng uses the package source.
func (t *Tree) SampleProofs(n int, rng *rand.Rand) ([]domain.MerkleProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.finalized {
		return nil, ErrNotFinalized
	}
	size := len(t.leaves)
	if n <= 0 || size == 0 {
		return nil, nil
	}
	if n > size {
		n = size
	}
	var perm []int
	if rng != nil {
		perm = rng.Perm(size)
	} else {
		perm = rand.Perm(size)
	}
	picked := make([]bool, size)
	for _, idx := range perm[:n] {
		picked[idx] = true
	}
	out := make([]domain.MerkleProof, 0, n)
	for idx, ok := range picked {
		if ok {
			out = append(out, t.proofLocked(idx))
		}
	}
	return out, nil
}

func (t *Tree) hashesLocked() [][]byte {
	out := make([][]byte, len(t.leaves))
	for i, leaf := range t.leaves {
		out[i] = leaf.Hash
	}
	return out
}

func (t *Tree) proofLocked(idx int) domain.MerkleProof {
	hashes := t.hashesLocked()
	path := inclusionPath(idx, hashes)
	encoded := make([]string, len(path))
	for i, node := range path {
		encoded[i] = hex.EncodeToString(node)
	}
	return domain.MerkleProof{
		LeafCasID: t.leaves[idx].CasID,
		LeafIndex: uint64(idx),
		TreeSize:  uint64(len(hashes)),
		LeafHash:  hex.EncodeToString(hashes[idx]),
		Path:      encoded,
		RootHash:  hex.EncodeToString(t.root),
	}
}

// RootFromLeaves computes the RFC 6962 tree head over ordered leaf hashes.
// The empty tree has the hash of the empty string as its root.
func RootFromLeaves(leafHashes [][]byte) []byte {
	if len(leafHashes) == 0 {
		return hasher.EmptyRoot()
	}
	return subtreeRoot(leafHashes)
}

// Verify checks an inclusion proof against its own root hash.
func Verify(p domain.MerkleProof) error {
	leaf, err := hex.DecodeString(p.LeafHash)
	if err != nil {
		return fmt.Errorf("decode leaf hash: %w", err)
	}
	root, err := hex.DecodeString(p.RootHash)
	if err != nil {
		return fmt.Errorf("decode root hash: %w", err)
	}
	path := make([][]byte, len(p.Path))
	for i, node := range p.Path {
		if path[i], err = hex.DecodeString(node); err != nil {
			return fmt.Errorf("decode path[%d]: %w", i, err)
		}
	}
	return proof.VerifyInclusion(hasher, p.LeafIndex, p.TreeSize, leaf, path, root)
}

func subtreeRoot(hashes [][]byte) []byte {
	if len(hashes) == 1 {
		return hashes[0]
	}
	k := splitPoint(len(hashes))
	return hasher.HashChildren(subtreeRoot(hashes[:k]), subtreeRoot(hashes[k:]))
}

// inclusionPath is PATH(m, D[n]) from RFC 6962 section 2.1.1, leaf first.
func inclusionPath(m int, hashes [][]byte) [][]byte {
	if len(hashes) <= 1 {
		return nil
	}
	k := splitPoint(len(hashes))
	if m < k {
		return append(inclusionPath(m, hashes[:k]), subtreeRoot(hashes[k:]))
	}
	return append(inclusionPath(m-k, hashes[k:]), subtreeRoot(hashes[:k]))
}

// splitPoint is the largest power of two strictly less than n, for n > 1.
func splitPoint(n int) int {
	return 1 << (bits.Len(uint(n-1)) - 1)
}
