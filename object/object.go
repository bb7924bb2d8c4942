// Package object implements the pool/container/object/dkey/akey
// composition (§4.H): a four-level key hierarchy where every level owns an
// incarnation log (for epoch-scoped existence) and, except for akeys, a
// child index (a btree.Tree keyed by the next level down).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package object

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/vosdb/vosengine/btree"
	"github.com/vosdb/vosengine/gc"
	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/ilog"
	"github.com/vosdb/vosengine/vos/errs"
)

// Heap allocation classes used throughout the hierarchy. All index trees
// below the container level (object->dkey, dkey->akey) share one node
// class: they hold the same record shape and order, so there is no benefit
// to a per-level class the way there is for nodes of genuinely different
// size (§9 offset-based ownership still holds — each tree instance gets
// its own node offsets regardless of sharing a class).
const (
	ClassContainerIdx uint16 = 20 // container id -> ObjectID btree, one per pool
	ClassChildIdx     uint16 = 21 // object->dkey and dkey->akey btrees
	ClassRecord       uint16 = 22 // ContainerRecord/ObjectRecord/KeyRecord blobs
)

const treeOrder = 8

// ContainerID, ObjectID, and the dkey/akey Key type (btree.Key) together
// identify any key in the hierarchy.
type ContainerID uuid.UUID

func (c ContainerID) key() btree.Key { return btree.HashedKey(c[:]) }

// ObjectID is the spec's oid: caller-assigned, unsigned.
type ObjectID uint64

func (o ObjectID) key() btree.Key { return btree.UintKey(uint64(o)) }

// RecFlags mark what a key record's value slot holds (§4.H key record
// bits).
type RecFlags uint8

const (
	RecHasChildren RecFlags = 1 << iota // dkey/object/container has a non-empty child index
	RecValueBtr                         // akey value lives in a single-value btree
	RecValueEvt                         // akey value lives in an array evtree
	RecDkey                             // role marker: record is a dkey
	RecAkey                             // role marker: record is an akey
)

func (f RecFlags) has(b RecFlags) bool { return f&b != 0 }

// keyRecord is the on-disk shape shared by container/object/dkey/akey
// records (the set of fields actually used varies: akeys have no
// ChildRoot, leaves above akey have no value offsets).
type keyRecord struct {
	Flags     RecFlags
	IlogOff   uint64
	AggUpper  hlc.Timestamp
	ChildRoot btree.Root // valid when Flags.RecHasChildren
	EvtOff    uint64     // valid when Flags.RecValueEvt
}

// rootEncSize is the fixed width of an encoded btree.Root; computed once
// from a zero-value sample rather than duplicating btree's internal layout
// constant here.
var rootEncSize = len(btree.Root{}.Encode())

var keyRecordEncSize = uint64(1 + 8 + 8 + rootEncSize + 8)

func encodeKeyRecord(r keyRecord) []byte {
	b := make([]byte, keyRecordEncSize)
	b[0] = byte(r.Flags)
	binary.LittleEndian.PutUint64(b[1:9], r.IlogOff)
	binary.LittleEndian.PutUint64(b[9:17], uint64(r.AggUpper))
	copy(b[17:17+rootEncSize], r.ChildRoot.Encode())
	binary.LittleEndian.PutUint64(b[17+rootEncSize:17+rootEncSize+8], r.EvtOff)
	return b
}

func decodeKeyRecord(b []byte) keyRecord {
	return keyRecord{
		Flags:     RecFlags(b[0]),
		IlogOff:   binary.LittleEndian.Uint64(b[1:9]),
		AggUpper:  hlc.Timestamp(binary.LittleEndian.Uint64(b[9:17])),
		ChildRoot: btree.DecodeRoot(b[17 : 17+rootEncSize]),
		EvtOff:    binary.LittleEndian.Uint64(b[17+rootEncSize : 17+rootEncSize+8]),
	}
}

func recordHeapClass() heap.Class {
	return heap.Class{ID: ClassRecord, UnitSize: uint32(keyRecordEncSize), NallocsPerRun: 128, Alignment: 8, Header: heap.HeaderCompact}
}

// Engine is an open handle on one pool's worth of containers (§4.H): the
// storage-engine-local view of a single target's object space.
type Engine struct {
	pool       *heap.Pool
	containers *btree.Tree   // ContainerID -> ValOff(keyRecord)
	cache      *Cache        // optional volatile object cache, see AttachCache
	gcc        *gc.Collector // optional tiered collector, see AttachGC
}

// Create initializes a fresh, empty Engine over pool, registering the heap
// classes the object hierarchy needs.
func Create(pool *heap.Pool) (*Engine, error) {
	pool.RegisterClass(btree.NodeHeapClass(ClassContainerIdx, treeOrder))
	pool.RegisterClass(btree.NodeHeapClass(ClassChildIdx, treeOrder))
	pool.RegisterClass(recordHeapClass())
	ensureAkeyValueClass(pool)
	tr, err := btree.Create(pool, ClassContainerIdx, 0, treeOrder)
	if err != nil {
		return nil, err
	}
	return &Engine{pool: pool, containers: tr}, nil
}

// Open reopens an Engine from a previously persisted containers-tree Root
// (a caller, e.g. the pool superblock, is responsible for storing these
// bytes). The heap classes registered here must be re-registered on every
// reopen: heap.Pool's class table is in-memory only (§4.D), not part of
// the durable pool image.
func Open(pool *heap.Pool, containersRoot btree.Root) *Engine {
	pool.RegisterClass(btree.NodeHeapClass(ClassContainerIdx, treeOrder))
	pool.RegisterClass(btree.NodeHeapClass(ClassChildIdx, treeOrder))
	pool.RegisterClass(recordHeapClass())
	ensureAkeyValueClass(pool)
	return &Engine{pool: pool, containers: btree.Open(pool, containersRoot)}
}

// ContainersRoot returns the persistable handle for this engine's
// container index.
func (e *Engine) ContainersRoot() btree.Root { return e.containers.RootSnapshot() }

func newRecord(pool *heap.Pool, r keyRecord) (uint64, error) {
	tok, err := pool.Reserve(keyRecordEncSize, ClassRecord, nil)
	if err != nil {
		return 0, err
	}
	tx := pool.Begin()
	if err := pool.SetValue(tok, encodeKeyRecord(r), tx); err != nil {
		return 0, err
	}
	if err := pool.Publish([]heap.ActionToken{tok}, tx, nil); err != nil {
		return 0, err
	}
	if err := tx.End(true); err != nil {
		return 0, err
	}
	return tok.DataOff(), nil
}

func loadRecord(pool *heap.Pool, off uint64) keyRecord {
	return decodeKeyRecord(pool.Bytes()[off : off+keyRecordEncSize])
}

func saveRecord(pool *heap.Pool, off uint64, r keyRecord) error {
	tx := pool.Begin()
	tx.LogSet(off, encodeKeyRecord(r))
	return tx.End(true)
}

// fetchOrCreateChild looks up key in parent's child tree; if missing and
// create is true, it allocates a fresh keyRecord, appends a create event to
// its incarnation log, and inserts it. Returns the record's heap offset.
func fetchOrCreateChild(pool *heap.Pool, tree *btree.Tree, key btree.Key, epoch hlc.Timestamp, create bool) (uint64, error) {
	rec, err := tree.Lookup(btree.ProbeEq, key)
	if err == nil {
		return rec.ValOff, nil
	}
	if !create {
		return 0, errs.New("object.fetchOrCreateChild", errs.NotFound, nil)
	}
	il := ilog.Create(pool, heap.ClassHuge)
	if err := il.Append(epoch, 0, ilog.KindCreate); err != nil {
		return 0, err
	}
	off, err := newRecord(pool, keyRecord{IlogOff: il.Offset()})
	if err != nil {
		return 0, err
	}
	if err := tree.Upsert(key, off); err != nil {
		return 0, err
	}
	return off, nil
}
