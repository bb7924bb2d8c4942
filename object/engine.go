/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package object

import (
	"encoding/binary"

	"github.com/vosdb/vosengine/btree"
	"github.com/vosdb/vosengine/evtree"
	"github.com/vosdb/vosengine/gc"
	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/ilog"
	"github.com/vosdb/vosengine/vos/errs"
)

// ClassAkeyValue backs single-value akeys' own tiny btrees (order 3: a
// single-value akey's btree only ever holds the one current value per
// punch epoch, so a minimal order keeps the node small).
const ClassAkeyValue uint16 = 23
const akeyValueOrder = 3

func ensureAkeyValueClass(pool *heap.Pool) {
	pool.RegisterClass(btree.NodeHeapClass(ClassAkeyValue, akeyValueOrder))
}

func checkExists(il *ilog.Log, epoch hlc.Timestamp, op string) error {
	ok, err := il.Check(epoch)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(op, errs.NotFound, nil)
	}
	return nil
}

// ensureVisible checks a level's existence at epoch. When create is true a
// punched level is re-created in place: a write above the punch epoch
// opens a new incarnation rather than failing (a write below it restarts,
// same as any other stale-epoch append).
func ensureVisible(pool *heap.Pool, recOff uint64, rec *keyRecord, epoch hlc.Timestamp, create bool, op string) error {
	il := openOrNewIlog(pool, rec.IlogOff)
	ok, err := il.Check(epoch)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if !create {
		return errs.New(op, errs.NotFound, nil)
	}
	if err := il.Append(epoch, 0, ilog.KindCreate); err != nil {
		return err
	}
	rec.IlogOff = il.Offset()
	return saveRecord(pool, recOff, *rec)
}

// resolve walks container -> object -> dkey -> akey, creating any missing
// intermediate levels when create is true, and returns the akey record's
// heap offset plus the ilog-checked path so callers can update value
// storage or flags.
func (e *Engine) resolve(cid ContainerID, oid ObjectID, dkey, akey btree.Key, epoch hlc.Timestamp, create bool) (akeyOff uint64, akeyTree *btree.Tree, err error) {
	contOff, err := fetchOrCreateChild(e.pool, e.containers, cid.key(), epoch, create)
	if err != nil {
		return 0, nil, err
	}
	contRec := loadRecord(e.pool, contOff)
	if err := ensureVisible(e.pool, contOff, &contRec, epoch, create, "object.resolve:container"); err != nil {
		return 0, nil, err
	}

	objTree := childTree(e.pool, contRec, create)
	objOff, err := fetchOrCreateChild(e.pool, objTree, oid.key(), epoch, create)
	if err != nil {
		return 0, nil, err
	}
	contRec.Flags |= RecHasChildren
	contRec.ChildRoot = objTree.RootSnapshot()
	if err := saveRecord(e.pool, contOff, contRec); err != nil {
		return 0, nil, err
	}

	objRec := loadRecord(e.pool, objOff)
	if err := ensureVisible(e.pool, objOff, &objRec, epoch, create, "object.resolve:object"); err != nil {
		return 0, nil, err
	}

	dkeyTree := childTree(e.pool, objRec, create)
	dkeyOff, err := fetchOrCreateChild(e.pool, dkeyTree, dkey, epoch, create)
	if err != nil {
		return 0, nil, err
	}
	objRec.Flags |= RecHasChildren
	objRec.ChildRoot = dkeyTree.RootSnapshot()
	if err := saveRecord(e.pool, objOff, objRec); err != nil {
		return 0, nil, err
	}

	dkeyRec := loadRecord(e.pool, dkeyOff)
	if err := ensureVisible(e.pool, dkeyOff, &dkeyRec, epoch, create, "object.resolve:dkey"); err != nil {
		return 0, nil, err
	}

	akeyTree = childTree(e.pool, dkeyRec, create)
	akeyOff, err = fetchOrCreateChild(e.pool, akeyTree, akey, epoch, create)
	if err != nil {
		return 0, nil, err
	}
	dkeyRec.Flags |= RecHasChildren | RecDkey
	dkeyRec.ChildRoot = akeyTree.RootSnapshot()
	if err := saveRecord(e.pool, dkeyOff, dkeyRec); err != nil {
		return 0, nil, err
	}
	return akeyOff, akeyTree, nil
}

func openOrNewIlog(pool *heap.Pool, off uint64) *ilog.Log {
	if off == 0 {
		return ilog.Create(pool, heap.ClassHuge)
	}
	return ilog.Open(pool, heap.ClassHuge, off, 0)
}

func childTree(pool *heap.Pool, rec keyRecord, create bool) *btree.Tree {
	if rec.Flags.has(RecHasChildren) {
		return btree.Open(pool, rec.ChildRoot)
	}
	tr, _ := btree.Create(pool, ClassChildIdx, 0, treeOrder)
	return tr
}

// UpdateSingle writes (or overwrites) a single-value akey (§4.H: the akey
// record's value lives in a tiny order-3 btree keyed by nothing but its own
// presence — one record per punch epoch generation).
func (e *Engine) UpdateSingle(cid ContainerID, oid ObjectID, dkey, akey btree.Key, epoch hlc.Timestamp, value []byte) error {
	ensureAkeyValueClass(e.pool)
	akeyOff, _, err := e.resolve(cid, oid, dkey, akey, epoch, true)
	if err != nil {
		return err
	}
	akeyRec := loadRecord(e.pool, akeyOff)
	if akeyRec.Flags.has(RecValueEvt) {
		return errs.New("object.UpdateSingle", errs.InvalidArgument, nil)
	}
	if err := ensureVisible(e.pool, akeyOff, &akeyRec, epoch, true, "object.UpdateSingle"); err != nil {
		return err
	}
	if err := stampUpdate(e.pool, &akeyRec, epoch); err != nil {
		return err
	}
	valOff, err := writeSingleValue(e.pool, value)
	if err != nil {
		return err
	}
	var vt *btree.Tree
	if akeyRec.Flags.has(RecValueBtr) {
		vt = btree.Open(e.pool, akeyRec.ChildRoot)
	} else {
		vt, err = btree.Create(e.pool, ClassAkeyValue, btree.FeatEmbedFirst, akeyValueOrder)
		if err != nil {
			return err
		}
	}
	if err := vt.Upsert(btree.UintKey(uint64(epoch)), valOff); err != nil {
		return err
	}
	akeyRec.Flags |= RecValueBtr | RecAkey
	akeyRec.ChildRoot = vt.RootSnapshot()
	return saveRecord(e.pool, akeyOff, akeyRec)
}

// FetchSingle reads the latest single-value akey version visible at epoch.
func (e *Engine) FetchSingle(cid ContainerID, oid ObjectID, dkey, akey btree.Key, epoch hlc.Timestamp) ([]byte, error) {
	akeyOff, _, err := e.resolve(cid, oid, dkey, akey, epoch, false)
	if err != nil {
		return nil, err
	}
	akeyRec := loadRecord(e.pool, akeyOff)
	if err := checkExists(openOrNewIlog(e.pool, akeyRec.IlogOff), epoch, "object.FetchSingle"); err != nil {
		return nil, err
	}
	if !akeyRec.Flags.has(RecValueBtr) {
		return nil, errs.New("object.FetchSingle", errs.NotFound, nil)
	}
	vt := btree.Open(e.pool, akeyRec.ChildRoot)
	rec, err := vt.Lookup(btree.ProbeLE, btree.UintKey(uint64(epoch)))
	if err != nil {
		return nil, errs.New("object.FetchSingle", errs.NotFound, nil)
	}
	return readSingleValue(e.pool, rec.ValOff), nil
}

// Single values are length-prefixed in their heap block: the value btree
// only records the block offset, so the length has to live with the bytes.
func writeSingleValue(pool *heap.Pool, value []byte) (uint64, error) {
	buf := make([]byte, 4+len(value))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(value)))
	copy(buf[4:], value)
	tok, err := pool.Reserve(uint64(len(buf)), heap.ClassHuge, nil)
	if err != nil {
		return 0, err
	}
	tx := pool.Begin()
	if err := pool.SetValue(tok, buf, tx); err != nil {
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

func readSingleValue(pool *heap.Pool, off uint64) []byte {
	mem := pool.Bytes()
	n := binary.LittleEndian.Uint32(mem[off : off+4])
	out := make([]byte, n)
	copy(out, mem[off+4:off+4+uint64(n)])
	return out
}

// UpdateArray writes extent-indexed bytes into an array-valued akey (§4.H,
// backed by evtree rather than btree).
func (e *Engine) UpdateArray(cid ContainerID, oid ObjectID, dkey, akey btree.Key, epoch hlc.Timestamp, extent evtree.Extent, value []byte) error {
	akeyOff, _, err := e.resolve(cid, oid, dkey, akey, epoch, true)
	if err != nil {
		return err
	}
	akeyRec := loadRecord(e.pool, akeyOff)
	if akeyRec.Flags.has(RecValueBtr) {
		return errs.New("object.UpdateArray", errs.InvalidArgument, nil)
	}
	if err := ensureVisible(e.pool, akeyOff, &akeyRec, epoch, true, "object.UpdateArray"); err != nil {
		return err
	}
	if err := stampUpdate(e.pool, &akeyRec, epoch); err != nil {
		return err
	}
	tok, err := e.pool.Reserve(uint64(len(value)), heap.ClassHuge, nil)
	if err != nil {
		return err
	}
	tx := e.pool.Begin()
	if err := e.pool.SetValue(tok, value, tx); err != nil {
		return err
	}
	if err := e.pool.Publish([]heap.ActionToken{tok}, tx, nil); err != nil {
		return err
	}
	if err := tx.End(true); err != nil {
		return err
	}
	var et *evtree.Tree
	if akeyRec.Flags.has(RecValueEvt) {
		et = evtree.Open(e.pool, heap.ClassHuge, akeyRec.EvtOff)
	} else {
		et = evtree.Create(e.pool, heap.ClassHuge)
	}
	if err := et.Insert(evtree.Entry{Extent: extent, Epoch: epoch, ValOff: tok.DataOff()}); err != nil {
		return err
	}
	akeyRec.Flags |= RecValueEvt | RecAkey
	akeyRec.EvtOff = et.Offset()
	return saveRecord(e.pool, akeyOff, akeyRec)
}

// FetchArray returns the visible entries of an array-valued akey within
// extent as of epoch.
func (e *Engine) FetchArray(cid ContainerID, oid ObjectID, dkey, akey btree.Key, epoch hlc.Timestamp, extent evtree.Extent) ([]evtree.Visible, error) {
	akeyOff, _, err := e.resolve(cid, oid, dkey, akey, epoch, false)
	if err != nil {
		return nil, err
	}
	akeyRec := loadRecord(e.pool, akeyOff)
	if err := checkExists(openOrNewIlog(e.pool, akeyRec.IlogOff), epoch, "object.FetchArray"); err != nil {
		return nil, err
	}
	if !akeyRec.Flags.has(RecValueEvt) {
		return nil, errs.New("object.FetchArray", errs.NotFound, nil)
	}
	et := evtree.Open(e.pool, heap.ClassHuge, akeyRec.EvtOff)
	return et.Fetch(evtree.Filter{Extent: extent, EpochHi: epoch}), nil
}

// stampUpdate appends an update event to the akey's incarnation log so
// readers can resolve the incarnation's last-modified epoch. The event
// uses minor epoch 1: the create that opened the incarnation sits at minor
// 0 of the same HLC value, and the log's ordering rules demand strict
// (epoch, minor_epc) growth. The caller's in-memory record is updated and
// persisted by the caller's own final save.
func stampUpdate(pool *heap.Pool, rec *keyRecord, epoch hlc.Timestamp) error {
	il := openOrNewIlog(pool, rec.IlogOff)
	if err := il.Update(epoch, 1); err != nil {
		return err
	}
	rec.IlogOff = il.Offset()
	return nil
}

// punchLevel appends a punch event to a key's incarnation log. Callers run
// punchAncestors first: every level a punch touches, directly or by
// propagation, owes its ancestors a conflict check (§4.H).
func punchLevel(pool *heap.Pool, recOff uint64, epoch hlc.Timestamp) error {
	rec := loadRecord(pool, recOff)
	il := openOrNewIlog(pool, rec.IlogOff)
	if err := il.Punch(epoch, 0); err != nil {
		return err
	}
	rec.IlogOff = il.Offset()
	return saveRecord(pool, recOff, rec)
}

// ancestorConflict reports whether recOff's own incarnation log has been
// touched (created or punched) at an epoch strictly after epoch. epoch is
// the caller's read bound for the punch it's about to perform; an ancestor
// moved past that bound since means a concurrent writer raced it, and the
// punch decision can no longer be trusted (§4.H propagation conflict
// check).
func ancestorConflict(pool *heap.Pool, recOff uint64, epoch hlc.Timestamp) bool {
	rec := loadRecord(pool, recOff)
	if rec.IlogOff == 0 {
		return false
	}
	il := openOrNewIlog(pool, rec.IlogOff)
	latest, ok := il.Latest()
	if !ok {
		return false
	}
	return epoch.Less(latest.Epoch)
}

// punchAncestors runs the ancestor-timestamp conflict check (§4.H) against
// every offset in ancestors, in propagation order, before a punch is
// allowed to proceed: if any of them was touched more recently than epoch,
// the caller restarts.
func punchAncestors(pool *heap.Pool, epoch hlc.Timestamp, op string, ancestors ...uint64) error {
	for _, off := range ancestors {
		if ancestorConflict(pool, off, epoch) {
			return errs.New(op, errs.TXRestart, nil)
		}
	}
	return nil
}

// resolveContainerObject walks container -> object without creating
// anything, returning both offsets so a punch can run its ancestor
// conflict check before mutating anything further down the hierarchy.
func (e *Engine) resolveContainerObject(cid ContainerID, oid ObjectID, epoch hlc.Timestamp) (contOff, objOff uint64, err error) {
	contOff, err = fetchOrCreateChild(e.pool, e.containers, cid.key(), epoch, false)
	if err != nil {
		return 0, 0, err
	}
	contRec := loadRecord(e.pool, contOff)
	objTree := childTree(e.pool, contRec, false)
	objOff, err = fetchOrCreateChild(e.pool, objTree, oid.key(), epoch, false)
	if err != nil {
		return 0, 0, err
	}
	return contOff, objOff, nil
}

// PunchAkey removes a single akey as of epoch. If the punch leaves the
// dkey with no visible akey, the punch propagates upward — dkey, then
// object — stopping at the first level with a live sibling (§4.H; at most
// three levels). PunchReplay suppresses propagation.
func (e *Engine) PunchAkey(cid ContainerID, oid ObjectID, dkey, akey btree.Key, epoch hlc.Timestamp, flags PunchFlags) error {
	akeyOff, _, err := e.resolve(cid, oid, dkey, akey, epoch, false)
	if err != nil {
		return err
	}
	contOff, objOff, err := e.resolveContainerObject(cid, oid, epoch)
	if err != nil {
		return err
	}
	objRec := loadRecord(e.pool, objOff)
	dkeyTree := childTree(e.pool, objRec, false)
	dkeyOff, err := fetchOrCreateChild(e.pool, dkeyTree, dkey, epoch, false)
	if err != nil {
		return err
	}
	if err := punchAncestors(e.pool, epoch, "object.PunchAkey", contOff, objOff, dkeyOff); err != nil {
		return err
	}
	if err := punchLevel(e.pool, akeyOff, epoch); err != nil {
		return err
	}
	e.enqueueReclaim(gc.TierAkey, cid, dkeyOff, akey, akeyOff, epoch)
	if flags.has(PunchReplay) {
		return nil
	}
	dkeyRec := loadRecord(e.pool, dkeyOff)
	if !subtreeEmpty(e.pool, dkeyRec.ChildRoot, epoch) {
		return nil
	}
	if err := punchLevel(e.pool, dkeyOff, epoch); err != nil {
		return err
	}
	e.enqueueReclaim(gc.TierDkey, cid, objOff, dkey, dkeyOff, epoch)
	objRec = loadRecord(e.pool, objOff)
	if !subtreeEmpty(e.pool, objRec.ChildRoot, epoch) {
		return nil
	}
	return e.punchObjectLevel(cid, oid, contOff, objOff, epoch)
}

// PunchDkey removes a dkey (and, transitively, every akey beneath it: a
// read checking the dkey's ilog will already see it as punched without
// needing to touch each akey) as of epoch. An object left with no visible
// dkey is punched in turn, unless PunchReplay is set.
func (e *Engine) PunchDkey(cid ContainerID, oid ObjectID, dkey btree.Key, epoch hlc.Timestamp, flags PunchFlags) error {
	contOff, objOff, err := e.resolveContainerObject(cid, oid, epoch)
	if err != nil {
		return err
	}
	objRec := loadRecord(e.pool, objOff)
	dkeyTree := childTree(e.pool, objRec, false)
	dkeyOff, err := fetchOrCreateChild(e.pool, dkeyTree, dkey, epoch, false)
	if err != nil {
		return err
	}
	if err := punchAncestors(e.pool, epoch, "object.PunchDkey", contOff, objOff); err != nil {
		return err
	}
	if err := punchLevel(e.pool, dkeyOff, epoch); err != nil {
		return err
	}
	e.enqueueReclaim(gc.TierDkey, cid, objOff, dkey, dkeyOff, epoch)
	if flags.has(PunchReplay) {
		return nil
	}
	objRec = loadRecord(e.pool, objOff)
	if !subtreeEmpty(e.pool, objRec.ChildRoot, epoch) {
		return nil
	}
	return e.punchObjectLevel(cid, oid, contOff, objOff, epoch)
}

// PunchObject removes an entire object as of epoch: subsequent accesses to
// any of its dkeys/akeys see it as nonexistent via the object-level ilog.
func (e *Engine) PunchObject(cid ContainerID, oid ObjectID, epoch hlc.Timestamp) error {
	contOff, objOff, err := e.resolveContainerObject(cid, oid, epoch)
	if err != nil {
		return err
	}
	if err := punchAncestors(e.pool, epoch, "object.PunchObject", contOff); err != nil {
		return err
	}
	return e.punchObjectLevel(cid, oid, contOff, objOff, epoch)
}

// punchObjectLevel is the shared tail of a direct object punch and of
// akey/dkey punch propagation: punch the object's ilog, drop its cache
// entry, and hand its record to the collector.
func (e *Engine) punchObjectLevel(cid ContainerID, oid ObjectID, contOff, objOff uint64, epoch hlc.Timestamp) error {
	if err := punchLevel(e.pool, objOff, epoch); err != nil {
		return err
	}
	if e.cache != nil {
		e.cache.evictOID(oid)
	}
	e.enqueueReclaim(gc.TierObject, cid, contOff, oid.key(), objOff, epoch)
	return nil
}
