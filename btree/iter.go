/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package btree

import (
	"github.com/vosdb/vosengine/vos/errs"
)

// Iterator walks records in key order (§4.E iter_prepare/probe/next/prev/
// fetch/delete/finish). An Iterator is not valid after an intervening
// Upsert/Delete; re-open it with IterPrepare (for example from an Anchor)
// to continue. It does not pin
// any heap node in memory between calls since every step re-loads nodes by
// offset.
type Iterator struct {
	t    *Tree
	leaf *node
	idx  int
	done bool
}

// IterPrepare opens an iterator positioned at the first record satisfying
// op relative to key (ProbeFirst/ProbeLast ignore key).
func (t *Tree) IterPrepare(op ProbeOp, key Key) (*Iterator, error) {
	if t.root.Embedded {
		if _, err := t.lookupEmbedded(op, key); err != nil {
			return &Iterator{t: t, done: true}, nil
		}
		return &Iterator{t: t, idx: -1}, nil // -1 marks "the embedded record"
	}
	leaf, _ := t.descend(key)
	if leaf == nil {
		return &Iterator{t: t, done: true}, nil
	}
	switch op {
	case ProbeFirst:
		n := t.firstLeaf()
		if n == nil || len(n.keys) == 0 {
			return &Iterator{t: t, done: true}, nil
		}
		return &Iterator{t: t, leaf: n, idx: 0}, nil
	case ProbeLast:
		n := t.lastLeaf()
		if n == nil || len(n.keys) == 0 {
			return &Iterator{t: t, done: true}, nil
		}
		return &Iterator{t: t, leaf: n, idx: len(n.keys) - 1}, nil
	}
	idx, ok := positionInLeaf(leaf, op, key)
	for !ok {
		if leaf.next == 0 {
			return &Iterator{t: t, done: true}, nil
		}
		leaf = t.loadNode(leaf.next)
		idx, ok = positionInLeaf(leaf, op, key)
	}
	return &Iterator{t: t, leaf: leaf, idx: idx}, nil
}

func positionInLeaf(n *node, op ProbeOp, key Key) (int, bool) {
	rec, err := searchLeaf(n, op, key)
	if err != nil {
		return 0, false
	}
	for i, k := range n.keys {
		if Cmp(k, rec.Key) == 0 {
			return i, true
		}
	}
	return 0, false
}

func (t *Tree) firstLeaf() *node {
	n := t.root0()
	if n == nil {
		return nil
	}
	for !n.leaf {
		if len(n.kids) == 0 {
			return nil
		}
		n = t.loadNode(n.kids[0])
	}
	return n
}

func (t *Tree) lastLeaf() *node {
	n := t.root0()
	if n == nil {
		return nil
	}
	for !n.leaf {
		if len(n.kids) == 0 {
			return nil
		}
		n = t.loadNode(n.kids[len(n.kids)-1])
	}
	return n
}

// Fetch returns the record the iterator is currently positioned on.
func (it *Iterator) Fetch() (Record, error) {
	if it.done {
		return Record{}, errs.New("btree.Iterator.Fetch", errs.NotFound, nil)
	}
	if it.idx == -1 {
		return Record{Key: it.t.root.EmbKey, ValOff: it.t.root.EmbVal}, nil
	}
	if it.leaf == nil || it.idx >= len(it.leaf.keys) {
		return Record{}, errs.New("btree.Iterator.Fetch", errs.NotFound, nil)
	}
	return Record{Key: it.leaf.keys[it.idx], ValOff: it.leaf.vals[it.idx]}, nil
}

// Next advances the iterator; returns false once past the last record.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.idx == -1 {
		it.done = true
		return false
	}
	it.idx++
	for it.leaf != nil && it.idx >= len(it.leaf.keys) {
		if it.leaf.next == 0 {
			it.done = true
			return false
		}
		it.leaf = it.t.loadNode(it.leaf.next)
		it.idx = 0
	}
	return !it.done
}

// Prev moves to the record preceding the current one. Because leaves only
// carry a forward sibling link, this re-descends from the root using the
// current key, a small cost traded for not needing doubly-linked leaves.
func (it *Iterator) Prev() bool {
	if it.done || it.idx == -1 {
		return false
	}
	rec, err := it.Fetch()
	if err != nil {
		return false
	}
	prev, err := it.t.Lookup(ProbeLT, rec.Key)
	if err != nil {
		it.done = true
		return false
	}
	nit, err := it.t.IterPrepare(ProbeEq, prev.Key)
	if err != nil {
		it.done = true
		return false
	}
	*it = *nit
	return true
}

// Delete removes the record the iterator is positioned on. It does not
// advance: the removal invalidates this iterator's leaf pointer (§4.E iter
// delete); callers should re-probe via Anchor to resume.
func (it *Iterator) Delete() error {
	rec, err := it.Fetch()
	if err != nil {
		return err
	}
	return it.t.Delete(rec.Key)
}

// Finish releases the iterator. It holds no external resources beyond Go
// garbage-collected memory, so this is a documentation no-op.
func (it *Iterator) Finish() {}

// Anchor serializes the iterator's current key so a caller can persist it
// and later resume iteration near the same point via Tree.IterPrepare with
// ProbeGE (§4.E anchor round-trip: an anchor survives intervening
// insertions/deletions elsewhere in the tree).
func (it *Iterator) Anchor() ([]byte, error) {
	rec, err := it.Fetch()
	if err != nil {
		return nil, err
	}
	b := make([]byte, keySlotSize)
	encodeKey(rec.Key, b)
	return b, nil
}

// ResumeFromAnchor reopens an iterator at the first record >= the key
// encoded in anchor.
func (t *Tree) ResumeFromAnchor(anchor []byte) (*Iterator, error) {
	key := decodeKey(anchor)
	return t.IterPrepare(ProbeGE, key)
}
