/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package object

import (
	"encoding/binary"

	"github.com/vosdb/vosengine/btree"
	"github.com/vosdb/vosengine/gc"
	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/vos/errs"
)

// PunchFlags modify punch behavior (§4.H).
type PunchFlags uint8

const (
	// PunchReplay marks a punch re-applied from a replay stream; replayed
	// punches never propagate upward.
	PunchReplay PunchFlags = 1 << iota
)

func (f PunchFlags) has(b PunchFlags) bool { return f&b != 0 }

// AttachGC wires the tiered collector into the engine: punches enqueue
// their dead records through it for deferred reclamation.
func (e *Engine) AttachGC(col *gc.Collector) { e.gcc = col }

func (c ContainerID) binKey() uint64 { return binary.LittleEndian.Uint64(c[:8]) }

// subtreeEmpty reports whether no child record under root is visible at
// epoch.
func subtreeEmpty(pool *heap.Pool, root btree.Root, epoch hlc.Timestamp) bool {
	if root.IsEmpty() {
		return true
	}
	it, err := btree.Open(pool, root).IterPrepare(btree.ProbeFirst, btree.Key{})
	if err != nil {
		return false
	}
	for {
		rec, ferr := it.Fetch()
		if ferr != nil {
			break
		}
		child := loadRecord(pool, rec.ValOff)
		if ok, _ := openOrNewIlog(pool, child.IlogOff).Check(epoch); ok {
			return false
		}
		if !it.Next() {
			break
		}
	}
	return true
}

// enqueueReclaim defers a punched key's storage reclamation to the
// attached collector. With no collector the punched records stay in place;
// nothing is lost, only unreclaimed.
func (e *Engine) enqueueReclaim(tier gc.Tier, cid ContainerID, parentOff uint64, key btree.Key, recOff uint64, epoch hlc.Timestamp) {
	if e.gcc == nil {
		return
	}
	e.gcc.Enqueue(gc.Task{
		Tier:        tier,
		ContainerID: cid.binKey(),
		Reclaim: func() error {
			return e.reclaimKey(cid, tier, parentOff, key, recOff, epoch)
		},
	})
}

// reclaimKey aggregates the punched key's incarnation log at the punch
// epoch. If a newer create survives the aggregation the record stays with
// an advanced boundary; otherwise the key is unlinked from its parent's
// child tree and its heap storage freed. An object-tier reclaim that
// leaves the container's object tree empty migrates the container's
// residual GC bags up to the pool bin (§4.J).
func (e *Engine) reclaimKey(cid ContainerID, tier gc.Tier, parentOff uint64, key btree.Key, recOff uint64, epoch hlc.Timestamp) error {
	rec := loadRecord(e.pool, recOff)
	il := openOrNewIlog(e.pool, rec.IlogOff)
	empty, err := il.Aggregate(epoch)
	if err != nil {
		return err
	}
	rec.IlogOff = il.Offset()
	rec.AggUpper = il.AggUpper()
	if !empty {
		return saveRecord(e.pool, recOff, rec)
	}
	parent := loadRecord(e.pool, parentOff)
	tree := btree.Open(e.pool, parent.ChildRoot)
	if err := tree.Delete(key); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	parent.ChildRoot = tree.RootSnapshot()
	if err := saveRecord(e.pool, parentOff, parent); err != nil {
		return err
	}
	if err := e.freeKeyStorage(rec, recOff); err != nil {
		return err
	}
	if tier == gc.TierObject && subtreeEmpty(e.pool, parent.ChildRoot, epoch) {
		e.gcc.MigrateContainer(cid.binKey())
	}
	return nil
}

// freeKeyStorage defer-frees everything a dead key record owns: its ilog
// block, its extent tree, every single-value version blob plus the value
// tree's root node, and the record itself — published in one transaction.
func (e *Engine) freeKeyStorage(rec keyRecord, recOff uint64) error {
	var toks []heap.ActionToken
	add := func(off uint64, class uint16) {
		if off == 0 {
			return
		}
		if t, err := e.pool.DeferFree(off, class); err == nil {
			toks = append(toks, t)
		}
	}
	add(rec.IlogOff, heap.ClassHuge)
	add(rec.EvtOff, heap.ClassHuge)
	if rec.Flags.has(RecValueBtr) && !rec.ChildRoot.IsEmpty() {
		if it, err := btree.Open(e.pool, rec.ChildRoot).IterPrepare(btree.ProbeFirst, btree.Key{}); err == nil {
			for {
				r, ferr := it.Fetch()
				if ferr != nil {
					break
				}
				add(r.ValOff, heap.ClassHuge)
				if !it.Next() {
					break
				}
			}
		}
	}
	if !rec.ChildRoot.Embedded && rec.ChildRoot.NodeOff != 0 {
		nodeClass := ClassChildIdx
		if rec.Flags.has(RecValueBtr) {
			nodeClass = ClassAkeyValue
		}
		add(rec.ChildRoot.NodeOff, nodeClass)
	}
	add(recOff, ClassRecord)
	if len(toks) == 0 {
		return nil
	}
	tx := e.pool.Begin()
	if err := e.pool.Publish(toks, tx, nil); err != nil {
		return err
	}
	return tx.End(true)
}
