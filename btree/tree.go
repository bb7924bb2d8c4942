/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package btree

import (
	"encoding/binary"

	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/vos/errs"
)

// Root is the small, persistable handle a caller embeds in its own record
// to reference a tree (§4.E): {class, feats, order, depth, node_off}. It is
// the only state a Tree needs to be reopened.
type Root struct {
	ClassID  uint16
	Feat     Feature
	Order    uint16
	Depth    uint32
	NodeOff  uint64
	Embedded bool   // true: the tree holds exactly one record, inlined below
	EmbKey   Key    // valid iff Embedded
	EmbVal   uint64 // valid iff Embedded
}

const rootEncSize = 2 + 4 + 2 + 4 + 8 + 1 + keySlotSize + 8

// Encode serializes a Root for embedding in a caller's own on-disk record.
func (r Root) Encode() []byte {
	b := make([]byte, rootEncSize)
	binary.LittleEndian.PutUint16(b[0:2], r.ClassID)
	binary.LittleEndian.PutUint32(b[2:6], uint32(r.Feat))
	binary.LittleEndian.PutUint16(b[6:8], r.Order)
	binary.LittleEndian.PutUint32(b[8:12], r.Depth)
	binary.LittleEndian.PutUint64(b[12:20], r.NodeOff)
	if r.Embedded {
		b[20] = 1
		encodeKey(r.EmbKey, b[21:21+keySlotSize])
		binary.LittleEndian.PutUint64(b[21+keySlotSize:], r.EmbVal)
	}
	return b
}

// DecodeRoot is the inverse of Root.Encode.
func DecodeRoot(b []byte) Root {
	r := Root{
		ClassID: binary.LittleEndian.Uint16(b[0:2]),
		Feat:    Feature(binary.LittleEndian.Uint32(b[2:6])),
		Order:   binary.LittleEndian.Uint16(b[6:8]),
		Depth:   binary.LittleEndian.Uint32(b[8:12]),
		NodeOff: binary.LittleEndian.Uint64(b[12:20]),
	}
	if b[20] == 1 {
		r.Embedded = true
		r.EmbKey = decodeKey(b[21 : 21+keySlotSize])
		r.EmbVal = binary.LittleEndian.Uint64(b[21+keySlotSize:])
	}
	return r
}

// IsEmpty reports whether the tree referenced by Root has no records.
func (r Root) IsEmpty() bool { return !r.Embedded && r.NodeOff == 0 }

// Tree is an open handle onto a B+tree embedded in a heap.Pool (§4.E). Key
// classes are a tagged union (Key) compared by Cmp, not an interface: there
// is no dynamic dispatch between classes (design note §9).
type Tree struct {
	pool    *heap.Pool
	classID uint16 // heap allocation class backing this tree's nodes
	order   int
	feat    Feature
	root    Root
}

// NodeSize returns the fixed on-disk size of a node for the given order,
// for callers sizing a dedicated heap.Class to back a tree's nodes.
func NodeSize(order int) uint64 { return nodeSize(order) }

// NodeHeapClass builds the heap.Class a tree of the given order needs;
// callers register it with pool.RegisterClass before calling Create.
func NodeHeapClass(id uint16, order int) heap.Class {
	return heap.Class{
		ID:            id,
		UnitSize:      uint32(nodeSize(order)),
		NallocsPerRun: 64,
		Alignment:     8,
		Header:        heap.HeaderCompact,
	}
}

// Create allocates a fresh, empty tree. heapClassID must already be
// registered on pool with UnitSize >= nodeSize(order) (callers typically
// size a dedicated run class per tree order via pool.RegisterClass, e.g.
// using NodeHeapClass).
func Create(pool *heap.Pool, heapClassID uint16, feat Feature, order int) (*Tree, error) {
	if order < 3 || order > 63 {
		return nil, errs.New("btree.Create", errs.InvalidArgument, nil)
	}
	t := &Tree{pool: pool, classID: heapClassID, order: order, feat: feat}
	t.root = Root{ClassID: heapClassID, Feat: feat, Order: uint16(order)}
	return t, nil
}

// Open reopens a tree from a previously persisted Root.
func Open(pool *heap.Pool, root Root) *Tree {
	return &Tree{pool: pool, classID: root.ClassID, order: int(root.Order), feat: root.Feat, root: root}
}

// RootSnapshot returns the current persistable handle; the caller is
// responsible for storing these bytes wherever it anchors the tree.
func (t *Tree) RootSnapshot() Root { return t.root }

func (t *Tree) embedAllowed() bool { return t.feat.has(FeatEmbedFirst) || t.feat.has(FeatEmbedded) }

func (t *Tree) root0() *node {
	if t.root.NodeOff == 0 {
		return nil
	}
	return t.loadNode(t.root.NodeOff)
}
