// Package hashtree implements the binary Merkle trees used for block,
// share and crypttext-segment hashes.
//
// A tree over N leaves is stored as a flat array of 2*P-1 nodes, where P is
// N rounded up to a power of two. Node 0 is the root, the parent of node i
// is (i-1)/2, and the leaves occupy the last P slots. Leaves past N are
// filled with EmptyLeafHash(i).
package hashtree

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// Hash is one tree node.
type Hash = [model.HashSize]byte

var (
	// ErrBadHash wraps model.ErrBadHash so callers can test either.
	ErrBadHash         = fmt.Errorf("hashtree: %w", model.ErrBadHash)
	ErrNotEnoughHashes = errors.New("hashtree: not enough hashes to validate")
	ErrIndexOutOfRange = errors.New("hashtree: index out of range")
)

// NextPowerOfTwo returns the smallest power of two >= n (and 1 for n <= 1).
func NextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// NodeCount is the size of the flat array for a tree with n leaves.
func NodeCount(n int) int {
	return 2*NextPowerOfTwo(n) - 1
}

func parent(i int) int  { return (i - 1) / 2 }
func depthOf(i int) int { return bits.Len(uint(i+1)) - 1 }

func sibling(i int) int {
	if i%2 == 1 {
		return i + 1
	}
	return i - 1
}

// neededFor lists the siblings on the path from node i up to the root.
func neededFor(i int) []int {
	var needed []int
	for i != 0 {
		needed = append(needed, sibling(i))
		i = parent(i)
	}
	return needed
}

func firstLeafOf(numLeaves int) int {
	return NextPowerOfTwo(numLeaves) - 1
}

// Tree is a complete tree built from all of its leaves.
type Tree struct {
	nodes     []Hash
	numLeaves int
	firstLeaf int
}

// New builds a complete tree. An empty leaf list yields a single padded leaf.
func New(leaves []Hash) *Tree {
	width := NextPowerOfTwo(len(leaves))
	t := &Tree{
		nodes:     make([]Hash, 2*width-1),
		numLeaves: len(leaves),
		firstLeaf: width - 1,
	}
	for i := 0; i < width; i++ {
		if i < len(leaves) {
			t.nodes[t.firstLeaf+i] = leaves[i]
		} else {
			t.nodes[t.firstLeaf+i] = hashutil.EmptyLeafHash(i)
		}
	}
	for i := t.firstLeaf - 1; i >= 0; i-- {
		t.nodes[i] = hashutil.HashTreeNode(t.nodes[2*i+1], t.nodes[2*i+2])
	}
	return t
}

// Root returns node 0.
func (t *Tree) Root() Hash { return t.nodes[0] }

// Len is the number of nodes, including padding.
func (t *Tree) Len() int { return len(t.nodes) }

// NumLeaves is the number of real leaves the tree was built from.
func (t *Tree) NumLeaves() int { return t.numLeaves }

// Node returns node i.
func (t *Tree) Node(i int) Hash { return t.nodes[i] }

// Leaf returns leaf i.
func (t *Tree) Leaf(i int) Hash { return t.nodes[t.firstLeaf+i] }

// Nodes returns a copy of the flat node array.
func (t *Tree) Nodes() []Hash {
	out := make([]Hash, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// NeededHashes returns, in ascending order, the node indices a verifier
// needs to check leaf against the root. With includeLeaf the leaf's own
// index is part of the set.
func (t *Tree) NeededHashes(leaf int, includeLeaf bool) []int {
	return neededIndices(t.firstLeaf+leaf, includeLeaf, nil)
}

func neededIndices(node int, includeLeaf bool, known func(int) bool) []int {
	var out []int
	if includeLeaf && (known == nil || !known(node)) {
		out = append(out, node)
	}
	for _, i := range neededFor(node) {
		if known == nil || !known(i) {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// IncompleteTree holds partial knowledge of a tree and validates every
// hash it is given against what it already knows.
type IncompleteTree struct {
	nodes     []Hash
	known     []bool
	numLeaves int
	firstLeaf int
}

// NewIncomplete creates an empty tree sized for numLeaves leaves.
func NewIncomplete(numLeaves int) *IncompleteTree {
	n := NodeCount(numLeaves)
	return &IncompleteTree{
		nodes:     make([]Hash, n),
		known:     make([]bool, n),
		numLeaves: numLeaves,
		firstLeaf: firstLeafOf(numLeaves),
	}
}

// Len is the number of nodes.
func (t *IncompleteTree) Len() int { return len(t.nodes) }

// NumLeaves is the number of real leaves.
func (t *IncompleteTree) NumLeaves() int { return t.numLeaves }

// FirstLeaf is the node index of leaf 0.
func (t *IncompleteTree) FirstLeaf() int { return t.firstLeaf }

// Get returns node i if it is known.
func (t *IncompleteTree) Get(i int) (Hash, bool) {
	if i < 0 || i >= len(t.nodes) {
		return Hash{}, false
	}
	return t.nodes[i], t.known[i]
}

// Root returns the root if known.
func (t *IncompleteTree) Root() (Hash, bool) { return t.Get(0) }

// Leaf returns leaf i if known.
func (t *IncompleteTree) Leaf(i int) (Hash, bool) { return t.Get(t.firstLeaf + i) }

// NeededHashes returns the indices still missing to validate leaf.
func (t *IncompleteTree) NeededHashes(leaf int, includeLeaf bool) []int {
	return neededIndices(t.firstLeaf+leaf, includeLeaf, func(i int) bool { return t.known[i] })
}

// SetHashes adds interior hashes (by node index) and leaf hashes (by leaf
// number). Every new node must chain up to something already known, which
// in practice means the root must be set first from a trusted source.
// On failure nothing is added.
func (t *IncompleteTree) SetHashes(hashes map[int]Hash, leaves map[int]Hash) error {
	fresh := make(map[int]Hash, len(hashes)+len(leaves))
	for i, h := range hashes {
		if i < 0 || i >= len(t.nodes) {
			return fmt.Errorf("%w: node %d of %d", ErrIndexOutOfRange, i, len(t.nodes))
		}
		fresh[i] = h
	}
	for leaf, h := range leaves {
		if leaf < 0 || leaf >= NextPowerOfTwo(t.numLeaves) {
			return fmt.Errorf("%w: leaf %d of %d", ErrIndexOutOfRange, leaf, t.numLeaves)
		}
		i := t.firstLeaf + leaf
		if prev, ok := fresh[i]; ok && prev != h {
			return fmt.Errorf("%w: leaf %d conflicts with node %d in the same call", ErrBadHash, leaf, i)
		}
		fresh[i] = h
	}

	var added []int
	rollback := func() {
		for _, i := range added {
			t.known[i] = false
			t.nodes[i] = Hash{}
		}
	}

	levels := make([]map[int]struct{}, depthOf(len(t.nodes)-1)+1)
	for i := range levels {
		levels[i] = map[int]struct{}{}
	}
	for i, h := range fresh {
		if t.known[i] {
			if t.nodes[i] != h {
				rollback()
				return fmt.Errorf("%w: new hash for node %d does not match existing hash", ErrBadHash, i)
			}
			continue
		}
		t.nodes[i] = h
		t.known[i] = true
		added = append(added, i)
		levels[depthOf(i)][i] = struct{}{}
	}

	for level := len(levels) - 1; level > 0; level-- {
		pending := levels[level]
		for len(pending) > 0 {
			i := popAny(pending)
			sib := sibling(i)
			if !t.known[sib] {
				rollback()
				return fmt.Errorf("%w: node %d has no sibling", ErrNotEnoughHashes, i)
			}
			left, right := i, sib
			if sib < i {
				left, right = sib, i
			}
			p := parent(i)
			computed := hashutil.HashTreeNode(t.nodes[left], t.nodes[right])
			if t.known[p] {
				if t.nodes[p] != computed {
					rollback()
					return fmt.Errorf("%w: h(%d,%d) != node %d", ErrBadHash, left, right, p)
				}
			} else {
				t.nodes[p] = computed
				t.known[p] = true
				added = append(added, p)
				levels[level-1][p] = struct{}{}
			}
			delete(pending, sib)
		}
	}
	return nil
}

func popAny(m map[int]struct{}) int {
	for k := range m {
		delete(m, k)
		return k
	}
	panic("hashtree: pop from empty set")
}
