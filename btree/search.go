/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package btree

import (
	"github.com/vosdb/vosengine/algo"
	"github.com/vosdb/vosengine/vos/errs"
)

// ProbeOp selects which record a search should land on relative to the
// given key (§4.E probe opcodes).
type ProbeOp uint8

const (
	ProbeEq ProbeOp = iota
	ProbeGE
	ProbeGT
	ProbeLE
	ProbeLT
	ProbeFirst
	ProbeLast
	ProbeBypass // not handled by the search paths: a probe with it fails with invalid_argument
)

// findChild returns the index of the child to descend into for key within
// an internal node: the first child whose separator is > key, using the
// standard B+tree convention that kids[i] covers keys in [keys[i-1], keys[i]).
func findChild(n *node, key Key) int {
	idx, ok := algo.BinarySearch(len(n.keys), algo.LeastUpperEqual, func(i int) int {
		return Cmp(n.keys[i], key)
	})
	if !ok {
		return len(n.keys)
	}
	if Cmp(n.keys[idx], key) == 0 {
		idx++
	}
	return idx
}

// descend walks from root to the leaf that would contain key, recording the
// path of (node, childIndex) pairs taken for callers that need to walk back
// up (split/merge propagation).
func (t *Tree) descend(key Key) (leaf *node, path []pathStep) {
	n := t.root0()
	if n == nil {
		return nil, nil
	}
	for !n.leaf {
		ci := findChild(n, key)
		if ci >= len(n.kids) {
			ci = len(n.kids) - 1
		}
		path = append(path, pathStep{n: n, childIdx: ci})
		n = t.loadNode(n.kids[ci])
	}
	return n, path
}

type pathStep struct {
	n        *node
	childIdx int
}

// Lookup finds the record matching op relative to key (§4.E search). For
// ProbeFirst/ProbeLast, key is ignored.
func (t *Tree) Lookup(op ProbeOp, key Key) (Record, error) {
	if t.root.Embedded {
		return t.lookupEmbedded(op, key)
	}
	leaf, _ := t.descend(key)
	if leaf == nil {
		return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
	}
	switch op {
	case ProbeFirst:
		n := leaf
		for n.next != 0 && len(n.keys) == 0 {
			n = t.loadNode(n.next)
		}
		if len(n.keys) == 0 {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
		return Record{Key: n.keys[0], ValOff: n.vals[0]}, nil
	case ProbeLast:
		return t.lookupLast()
	}
	return searchLeaf(leaf, op, key)
}

func (t *Tree) lookupEmbedded(op ProbeOp, key Key) (Record, error) {
	if !t.root.Embedded {
		return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
	}
	switch op {
	case ProbeEq:
		if Cmp(t.root.EmbKey, key) != 0 {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
	case ProbeGE:
		if Cmp(t.root.EmbKey, key) < 0 {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
	case ProbeGT:
		if Cmp(t.root.EmbKey, key) <= 0 {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
	case ProbeLE:
		if Cmp(t.root.EmbKey, key) > 0 {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
	case ProbeLT:
		if Cmp(t.root.EmbKey, key) >= 0 {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
	}
	return Record{Key: t.root.EmbKey, ValOff: t.root.EmbVal}, nil
}

func (t *Tree) lookupLast() (Record, error) {
	n := t.root0()
	if n == nil {
		return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
	}
	for !n.leaf {
		if len(n.kids) == 0 {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
		n = t.loadNode(n.kids[len(n.kids)-1])
	}
	if len(n.keys) == 0 {
		return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
	}
	last := len(n.keys) - 1
	return Record{Key: n.keys[last], ValOff: n.vals[last]}, nil
}

func searchLeaf(n *node, op ProbeOp, key Key) (Record, error) {
	cmp := func(i int) int { return Cmp(n.keys[i], key) }
	switch op {
	case ProbeEq:
		idx, ok := algo.BinarySearch(len(n.keys), algo.Exact, cmp)
		if !ok {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
		return Record{Key: n.keys[idx], ValOff: n.vals[idx]}, nil
	case ProbeGE:
		idx, ok := algo.BinarySearch(len(n.keys), algo.LeastUpperEqual, cmp)
		if !ok {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
		return Record{Key: n.keys[idx], ValOff: n.vals[idx]}, nil
	case ProbeGT:
		idx, ok := algo.BinarySearch(len(n.keys), algo.LeastUpperEqual, cmp)
		if ok && Cmp(n.keys[idx], key) == 0 {
			idx++
			ok = idx < len(n.keys)
		}
		if !ok {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
		return Record{Key: n.keys[idx], ValOff: n.vals[idx]}, nil
	case ProbeLE:
		idx, ok := algo.BinarySearch(len(n.keys), algo.GreatestLowerEqual, cmp)
		if !ok {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
		return Record{Key: n.keys[idx], ValOff: n.vals[idx]}, nil
	case ProbeLT:
		idx, ok := algo.BinarySearch(len(n.keys), algo.GreatestLowerEqual, cmp)
		if ok && Cmp(n.keys[idx], key) == 0 {
			idx--
			ok = idx >= 0
		}
		if !ok {
			return Record{}, errs.New("btree.Lookup", errs.NotFound, nil)
		}
		return Record{Key: n.keys[idx], ValOff: n.vals[idx]}, nil
	}
	return Record{}, errs.New("btree.Lookup", errs.InvalidArgument, nil)
}
