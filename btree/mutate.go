/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package btree

import (
	"github.com/vosdb/vosengine/algo"
	"github.com/vosdb/vosengine/vos/errs"
)

// Upsert inserts a new record or overwrites the value of an existing one
// (§4.E update/upsert), splitting nodes top-down as needed.
func (t *Tree) Upsert(key Key, valOff uint64) error {
	if t.embedAllowed() && t.root.IsEmpty() {
		t.root.Embedded = true
		t.root.EmbKey = key
		t.root.EmbVal = valOff
		return nil
	}
	if t.root.Embedded {
		if Cmp(t.root.EmbKey, key) == 0 {
			t.root.EmbVal = valOff
			return nil
		}
		if err := t.demote(); err != nil {
			return err
		}
	}
	if t.root.NodeOff == 0 {
		leaf, err := t.newNode(true)
		if err != nil {
			return err
		}
		leaf.keys = []Key{key}
		leaf.vals = []uint64{valOff}
		if err := t.save(leaf); err != nil {
			return err
		}
		t.root.NodeOff = leaf.offset
		t.root.Depth = 1
		return nil
	}
	leaf, path := t.descend(key)
	idx, ok := algo.BinarySearch(len(leaf.keys), algo.LeastUpperEqual, func(i int) int { return Cmp(leaf.keys[i], key) })
	if !ok {
		idx = len(leaf.keys)
	}
	if ok && idx < len(leaf.keys) && Cmp(leaf.keys[idx], key) == 0 {
		leaf.vals[idx] = valOff
		return t.save(leaf)
	}
	insertAt(leaf, idx, key, valOff)
	if len(leaf.keys) <= t.order {
		return t.save(leaf)
	}
	return t.splitUp(leaf, path)
}

// Update overwrites the value of an existing record only (§4.E update:
// unlike Upsert, a missing key is an error).
func (t *Tree) Update(key Key, valOff uint64) error {
	if t.root.Embedded {
		if Cmp(t.root.EmbKey, key) != 0 {
			return errs.New("btree.Update", errs.NotFound, nil)
		}
		t.root.EmbVal = valOff
		return nil
	}
	leaf, _ := t.descend(key)
	if leaf == nil {
		return errs.New("btree.Update", errs.NotFound, nil)
	}
	idx, ok := algo.BinarySearch(len(leaf.keys), algo.Exact, func(i int) int { return Cmp(leaf.keys[i], key) })
	if !ok {
		return errs.New("btree.Update", errs.NotFound, nil)
	}
	leaf.vals[idx] = valOff
	return t.save(leaf)
}

func insertAt(n *node, idx int, key Key, valOff uint64) {
	n.keys = append(n.keys, Key{})
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key
	n.vals = append(n.vals, 0)
	copy(n.vals[idx+1:], n.vals[idx:])
	n.vals[idx] = valOff
}

// splitUp splits an overflowing leaf and propagates a separator insertion
// up the recorded descent path, splitting internal nodes in turn and
// growing the tree by one level when the root itself splits.
func (t *Tree) splitUp(leaf *node, path []pathStep) error {
	mid := len(leaf.keys) / 2
	sibling, err := t.newNode(true)
	if err != nil {
		return err
	}
	sibling.keys = append([]Key(nil), leaf.keys[mid:]...)
	sibling.vals = append([]uint64(nil), leaf.vals[mid:]...)
	sibling.next = leaf.next
	leaf.keys = leaf.keys[:mid]
	leaf.vals = leaf.vals[:mid]
	leaf.next = sibling.offset
	if err := t.save(sibling); err != nil {
		return err
	}
	if err := t.save(leaf); err != nil {
		return err
	}
	promoted := sibling.keys[0]
	childOff := sibling.offset
	for i := len(path) - 1; i >= 0; i-- {
		parent := path[i].n
		ci := path[i].childIdx
		insertInternal(parent, ci, promoted, childOff)
		if len(parent.kids) <= t.order+1 {
			return t.save(parent)
		}
		var sib *node
		sib, promoted, err = t.splitInternal(parent)
		if err != nil {
			return err
		}
		childOff = sib.offset
	}
	// root itself split (or there was no parent at all): grow the tree.
	return t.growRoot(path, promoted, childOff)
}

func insertInternal(n *node, childIdx int, sepKey Key, newChildOff uint64) {
	// newChildOff becomes kids[childIdx+1]; sepKey is inserted at keys[childIdx].
	n.keys = append(n.keys, Key{})
	copy(n.keys[childIdx+1:], n.keys[childIdx:])
	n.keys[childIdx] = sepKey
	n.kids = append(n.kids, 0)
	copy(n.kids[childIdx+2:], n.kids[childIdx+1:])
	n.kids[childIdx+1] = newChildOff
}

func (t *Tree) splitInternal(n *node) (*node, Key, error) {
	mid := len(n.keys) / 2
	promoted := n.keys[mid]
	sib, err := t.newNode(false)
	if err != nil {
		return nil, Key{}, err
	}
	sib.keys = append([]Key(nil), n.keys[mid+1:]...)
	sib.kids = append([]uint64(nil), n.kids[mid+1:]...)
	n.keys = n.keys[:mid]
	n.kids = n.kids[:mid+1]
	if err := t.save(sib); err != nil {
		return nil, Key{}, err
	}
	if err := t.save(n); err != nil {
		return nil, Key{}, err
	}
	return sib, promoted, nil
}

// growRoot installs a new internal root over the old root plus its new
// sibling, called only when the previous top-level split reached the root.
func (t *Tree) growRoot(path []pathStep, sepKey Key, newChildOff uint64) error {
	oldRootOff := t.root.NodeOff
	if len(path) > 0 {
		oldRootOff = path[0].n.offset
	}
	newRoot, err := t.newNode(false)
	if err != nil {
		return err
	}
	newRoot.keys = []Key{sepKey}
	newRoot.kids = []uint64{oldRootOff, newChildOff}
	if err := t.save(newRoot); err != nil {
		return err
	}
	t.root.NodeOff = newRoot.offset
	t.root.Depth++
	return nil
}

// demote converts an embedded single-record root into a one-leaf tree,
// needed before a second distinct key can be inserted (§4.E embedded-root
// optimization, inverse of promotion-to-embedded on the last delete).
func (t *Tree) demote() error {
	leaf, err := t.newNode(true)
	if err != nil {
		return err
	}
	leaf.keys = []Key{t.root.EmbKey}
	leaf.vals = []uint64{t.root.EmbVal}
	if err := t.save(leaf); err != nil {
		return err
	}
	t.root.Embedded = false
	t.root.EmbKey = Key{}
	t.root.EmbVal = 0
	t.root.NodeOff = leaf.offset
	t.root.Depth = 1
	return nil
}

// Delete removes the record matching key (§4.E delete). Underflowing leaves
// are merged with a sibling unless FeatSkipLeafRebalance is set, in which
// case the leaf is left underfull (a documented performance trade-off: the
// tree stays correct, just not maximally compact, per §4.E).
func (t *Tree) Delete(key Key) error {
	if t.root.Embedded {
		if Cmp(t.root.EmbKey, key) != 0 {
			return errs.New("btree.Delete", errs.NotFound, nil)
		}
		t.root = Root{ClassID: t.root.ClassID, Feat: t.root.Feat, Order: t.root.Order}
		return nil
	}
	leaf, path := t.descend(key)
	if leaf == nil {
		return errs.New("btree.Delete", errs.NotFound, nil)
	}
	idx, ok := algo.BinarySearch(len(leaf.keys), algo.Exact, func(i int) int { return Cmp(leaf.keys[i], key) })
	if !ok {
		return errs.New("btree.Delete", errs.NotFound, nil)
	}
	leaf.keys = append(leaf.keys[:idx], leaf.keys[idx+1:]...)
	leaf.vals = append(leaf.vals[:idx], leaf.vals[idx+1:]...)

	if len(path) == 0 {
		if len(leaf.keys) == 0 {
			t.root.NodeOff = 0
			t.root.Depth = 0
			if t.embedAllowed() {
				// tree is now empty; next Upsert will re-embed.
			}
			return nil
		}
		return t.save(leaf)
	}

	min := (t.order + 1) / 2
	if len(leaf.keys) >= min || t.feat.has(FeatSkipLeafRebalance) {
		return t.save(leaf)
	}
	return t.rebalanceUp(leaf, path)
}

// rebalanceUp borrows from or merges with a sibling leaf/internal node at
// each level where occupancy dropped below the minimum, per the classic
// B+tree deletion algorithm.
func (t *Tree) rebalanceUp(child *node, path []pathStep) error {
	var top *node
	for i := len(path) - 1; i >= 0; i-- {
		parent := path[i].n
		ci := path[i].childIdx
		if borrowOrMergeLeaf(t, parent, ci, child) {
			if err := t.save(parent); err != nil {
				return err
			}
			if child != nil {
				if err := t.save(child); err != nil {
					return err
				}
			}
		}
		top = parent
		min := (t.order+1)/2 + 1
		if len(parent.kids) >= min || i == 0 {
			if err := t.save(parent); err != nil {
				return err
			}
			break
		}
		child = parent
	}
	if top != nil && top.offset == t.root.NodeOff && len(top.kids) == 1 {
		t.root.NodeOff = top.kids[0]
		t.root.Depth--
	}
	return nil
}

// borrowOrMergeLeaf fixes up an underflowed child of parent at index ci,
// borrowing a record from a sibling when possible, else merging the child
// into a sibling and removing the separator from parent. Returns true if
// parent was structurally modified.
func borrowOrMergeLeaf(t *Tree, parent *node, ci int, child *node) bool {
	if child == nil || !child.leaf {
		// internal-node underflow: same merge shape, different payload (kids).
		return mergeInternal(t, parent, ci)
	}
	if ci > 0 {
		left := t.loadNode(parent.kids[ci-1])
		min := (t.order + 1) / 2
		if len(left.keys) > min {
			borrowed := left.keys[len(left.keys)-1]
			borrowedVal := left.vals[len(left.vals)-1]
			left.keys = left.keys[:len(left.keys)-1]
			left.vals = left.vals[:len(left.vals)-1]
			insertAt(child, 0, borrowed, borrowedVal)
			parent.keys[ci-1] = child.keys[0]
			_ = t.save(left)
			return true
		}
	}
	if ci < len(parent.kids)-1 {
		right := t.loadNode(parent.kids[ci+1])
		min := (t.order + 1) / 2
		if len(right.keys) > min {
			borrowed := right.keys[0]
			borrowedVal := right.vals[0]
			right.keys = right.keys[1:]
			right.vals = right.vals[1:]
			insertAt(child, len(child.keys), borrowed, borrowedVal)
			parent.keys[ci] = right.keys[0]
			_ = t.save(right)
			return true
		}
	}
	// merge with a sibling (prefer left).
	if ci > 0 {
		left := t.loadNode(parent.kids[ci-1])
		left.keys = append(left.keys, child.keys...)
		left.vals = append(left.vals, child.vals...)
		left.next = child.next
		_ = t.save(left)
		removeInternal(parent, ci-1)
		return true
	}
	right := t.loadNode(parent.kids[ci+1])
	child.keys = append(child.keys, right.keys...)
	child.vals = append(child.vals, right.vals...)
	child.next = right.next
	removeInternal(parent, ci)
	return true
}

func mergeInternal(t *Tree, parent *node, ci int) bool {
	child := t.loadNode(parent.kids[ci])
	min := (t.order+1)/2 - 1
	if ci > 0 {
		left := t.loadNode(parent.kids[ci-1])
		if len(left.kids) > min+1 {
			return false
		}
		left.keys = append(left.keys, parent.keys[ci-1])
		left.keys = append(left.keys, child.keys...)
		left.kids = append(left.kids, child.kids...)
		_ = t.save(left)
		removeInternal(parent, ci-1)
		return true
	}
	if ci < len(parent.kids)-1 {
		right := t.loadNode(parent.kids[ci+1])
		child.keys = append(child.keys, parent.keys[ci])
		child.keys = append(child.keys, right.keys...)
		child.kids = append(child.kids, right.kids...)
		_ = t.save(child)
		removeInternal(parent, ci)
		return true
	}
	return false
}

func removeInternal(n *node, sepIdx int) {
	n.keys = append(n.keys[:sepIdx], n.keys[sepIdx+1:]...)
	n.kids = append(n.kids[:sepIdx+1], n.kids[sepIdx+2:]...)
}
