/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package btree

import (
	"encoding/binary"

	"github.com/vosdb/vosengine/heap"
)

const (
	keySlotSize    = 40
	recSlotSize    = keySlotSize + 8 // + value offset
	nodeHeaderSize = 11              // isLeaf(1) + nUsed(2) + next-leaf-offset(8)
)

// Record is a {offset, key} pair (§3): a leaf holds up to `order` of these.
type Record struct {
	Key    Key
	ValOff uint64
}

func encodeKey(k Key, b []byte) {
	b[0] = byte(k.Kind)
	if k.Hashed {
		b[1] = 1
	}
	binary.LittleEndian.PutUint64(b[2:10], k.UintV)
	if k.Hashed {
		b[10] = 16
		copy(b[11:27], k.Hash[:])
	} else {
		n := len(k.Raw)
		if n > 24 {
			n = 24
		}
		b[10] = byte(n)
		copy(b[11:11+n], k.Raw[:n])
	}
}

func decodeKey(b []byte) Key {
	k := Key{Kind: KeyKind(b[0])}
	k.Hashed = b[1] == 1
	k.UintV = binary.LittleEndian.Uint64(b[2:10])
	n := int(b[10])
	if k.Hashed {
		copy(k.Hash[:], b[11:27])
	} else {
		k.Raw = append([]byte(nil), b[11:11+n]...)
	}
	return k
}

// node is the in-memory decoded view of a persisted B+tree node. It is
// loaded from, and re-encoded back to, its heap.Pool offset on every
// mutation: the offset is the node's only durable identity (design note §9
// — offset-based ownership, no raw pointers).
type node struct {
	offset uint64
	leaf   bool
	next   uint64 // sibling leaf offset, for in-order iteration; 0 for internal
	keys   []Key
	vals   []uint64 // leaf: value offsets, parallel to keys
	kids   []uint64 // internal: order+1 child offsets
}

func nodeSize(order int) uint64 {
	return uint64(nodeHeaderSize) + uint64(order)*recSlotSize + uint64(order+1)*8
}

func (t *Tree) newNode(leaf bool) (*node, error) {
	tok, err := t.pool.Reserve(nodeSize(t.order), t.classID, nil)
	if err != nil {
		return nil, err
	}
	n := &node{offset: tok.DataOff(), leaf: leaf}
	if err := t.publishNode(n, tok); err != nil {
		return nil, err
	}
	return n, nil
}

func (t *Tree) publishNode(n *node, tok heap.ActionToken) error {
	buf := make([]byte, nodeSize(t.order))
	n.encodeInto(buf, t.order)
	tx := t.pool.Begin()
	if err := t.pool.SetValue(tok, buf, tx); err != nil {
		return err
	}
	if err := t.pool.Publish([]heap.ActionToken{tok}, tx, nil); err != nil {
		return err
	}
	return tx.End(true)
}

// save re-encodes and writes n back to its existing offset, going through
// the heap's transactional SET path (a single-entry WAL transaction).
func (t *Tree) save(n *node) error {
	buf := make([]byte, nodeSize(t.order))
	n.encodeInto(buf, t.order)
	tx := t.pool.Begin()
	tx.LogSet(n.offset, buf)
	return tx.End(true)
}

func (n *node) encodeInto(b []byte, order int) {
	if n.leaf {
		b[0] = 1
	}
	binary.LittleEndian.PutUint16(b[1:3], uint16(len(n.keys)))
	binary.LittleEndian.PutUint64(b[3:11], n.next)
	off := nodeHeaderSize
	for i := 0; i < order; i++ {
		slot := b[off : off+recSlotSize]
		if i < len(n.keys) {
			encodeKey(n.keys[i], slot[:keySlotSize])
			if n.leaf {
				binary.LittleEndian.PutUint64(slot[keySlotSize:], n.vals[i])
			}
		}
		off += recSlotSize
	}
	if !n.leaf {
		for i := 0; i <= order; i++ {
			if i < len(n.kids) {
				binary.LittleEndian.PutUint64(b[off:off+8], n.kids[i])
			}
			off += 8
		}
	}
}

func decodeNode(b []byte, order int, offset uint64) *node {
	n := &node{offset: offset}
	n.leaf = b[0] == 1
	count := int(binary.LittleEndian.Uint16(b[1:3]))
	n.next = binary.LittleEndian.Uint64(b[3:11])
	off := nodeHeaderSize
	n.keys = make([]Key, 0, count)
	if n.leaf {
		n.vals = make([]uint64, 0, count)
	}
	for i := 0; i < order; i++ {
		slot := b[off : off+recSlotSize]
		if i < count {
			n.keys = append(n.keys, decodeKey(slot[:keySlotSize]))
			if n.leaf {
				n.vals = append(n.vals, binary.LittleEndian.Uint64(slot[keySlotSize:]))
			}
		}
		off += recSlotSize
	}
	if !n.leaf {
		n.kids = make([]uint64, 0, order+1)
		for i := 0; i <= order; i++ {
			v := binary.LittleEndian.Uint64(b[off : off+8])
			if i <= count {
				n.kids = append(n.kids, v)
			}
			off += 8
		}
	}
	return n
}

func (t *Tree) loadNode(offset uint64) *node {
	b := t.pool.Bytes()[offset : offset+nodeSize(t.order)]
	return decodeNode(b, t.order, offset)
}
