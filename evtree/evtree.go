// Package evtree implements the extent (interval) tree family (§4.F): an
// epoch-versioned index over byte ranges within a single akey, supporting
// MVCC visibility classification and epoch-scoped punch.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package evtree

import (
	"encoding/binary"
	"sort"

	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/vos/errs"
)

// Extent is a half-open byte range [Lo, Hi).
type Extent struct {
	Lo, Hi uint64
}

func (e Extent) Overlaps(o Extent) bool { return e.Lo < o.Hi && o.Lo < e.Hi }
func (e Extent) Contains(o Extent) bool { return e.Lo <= o.Lo && o.Hi <= e.Hi }
func (e Extent) Empty() bool            { return e.Lo >= e.Hi }

// VisState classifies an entry relative to a read Filter (§4.F visibility).
type VisState uint8

const (
	VisVisible VisState = iota
	VisCovered
	VisPartial
	VisPunched
)

// Entry is one versioned extent record.
type Entry struct {
	Extent     Extent
	Epoch      hlc.Timestamp
	MinorEpc   uint16
	PunchEpoch hlc.Timestamp
	PunchMinor uint16
	ValOff     uint64
	Punched    bool
}

func (e Entry) visibleAt(epochHi hlc.Timestamp) bool {
	if e.Epoch.Physical() > epochHi.Physical() || (e.Epoch.Physical() == epochHi.Physical() && e.Epoch.Logical() > epochHi.Logical()) {
		return false
	}
	return true
}

// Filter bounds a search/iteration (§4.F).
type Filter struct {
	Extent        Extent
	EpochLo       hlc.Timestamp
	EpochHi       hlc.Timestamp
	PunchEpoch    hlc.Timestamp
	PunchMinorEpc uint16
}

const entryEncSize = 8 + 8 + 8 + 2 + 8 + 2 + 8 + 1 // lo,hi,epoch,minor,punchEpoch,punchMinor,valoff,punched
const headerSize = 4                               // count

// Tree is an evtree embedded in a heap.Pool. Unlike btree's node-split
// design, entries here are kept in one contiguous, epoch-sorted record
// array that is reallocated (not split) when it grows — interval trees in
// this engine hold orders of magnitude fewer live entries per akey than a
// B+tree holds keys, so the simpler single-block layout is the pragmatic
// choice (documented simplification, see DESIGN.md).
type Tree struct {
	pool    *heap.Pool
	classID uint16
	off     uint64 // 0 if empty
	cap     uint32
}

// Create allocates an empty evtree. heapClassID should be a huge-class
// registration (UnitSize 0) so the backing block can grow by reallocation.
func Create(pool *heap.Pool, heapClassID uint16) *Tree {
	return &Tree{pool: pool, classID: heapClassID}
}

// Open reopens a tree from its persisted block offset.
func Open(pool *heap.Pool, heapClassID uint16, off uint64) *Tree {
	return &Tree{pool: pool, classID: heapClassID, off: off}
}

// Offset returns the handle a caller should persist to reopen this tree.
func (t *Tree) Offset() uint64 { return t.off }

func (t *Tree) load() []Entry {
	if t.off == 0 {
		return nil
	}
	mem := t.pool.Bytes()
	count := binary.LittleEndian.Uint32(mem[t.off : t.off+headerSize])
	out := make([]Entry, 0, count)
	base := t.off + headerSize
	for i := uint32(0); i < count; i++ {
		b := mem[base+uint64(i)*entryEncSize:]
		var e Entry
		e.Extent.Lo = binary.LittleEndian.Uint64(b[0:8])
		e.Extent.Hi = binary.LittleEndian.Uint64(b[8:16])
		e.Epoch = hlc.Timestamp(binary.LittleEndian.Uint64(b[16:24]))
		e.MinorEpc = binary.LittleEndian.Uint16(b[24:26])
		e.PunchEpoch = hlc.Timestamp(binary.LittleEndian.Uint64(b[26:34]))
		e.PunchMinor = binary.LittleEndian.Uint16(b[34:36])
		e.ValOff = binary.LittleEndian.Uint64(b[36:44])
		e.Punched = b[44] == 1
		out = append(out, e)
	}
	return out
}

func encodeEntry(e Entry, b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], e.Extent.Lo)
	binary.LittleEndian.PutUint64(b[8:16], e.Extent.Hi)
	binary.LittleEndian.PutUint64(b[16:24], uint64(e.Epoch))
	binary.LittleEndian.PutUint16(b[24:26], e.MinorEpc)
	binary.LittleEndian.PutUint64(b[26:34], uint64(e.PunchEpoch))
	binary.LittleEndian.PutUint16(b[34:36], e.PunchMinor)
	binary.LittleEndian.PutUint64(b[36:44], e.ValOff)
	if e.Punched {
		b[44] = 1
	}
}

func (t *Tree) store(entries []Entry) error {
	size := uint64(headerSize) + uint64(len(entries))*entryEncSize
	if size == 0 {
		size = headerSize
	}
	tok, err := t.pool.Reserve(size, t.classID, nil)
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	for i, e := range entries {
		encodeEntry(e, buf[headerSize+uint64(i)*entryEncSize:])
	}
	tx := t.pool.Begin()
	if err := t.pool.SetValue(tok, buf, tx); err != nil {
		return err
	}
	if err := t.pool.Publish([]heap.ActionToken{tok}, tx, nil); err != nil {
		return err
	}
	if err := tx.End(true); err != nil {
		return err
	}
	if t.off != 0 {
		free, err := t.pool.DeferFree(t.off, t.classID)
		if err == nil {
			ftx := t.pool.Begin()
			_ = t.pool.Publish([]heap.ActionToken{free}, ftx, nil)
			_ = ftx.End(true)
		}
	}
	t.off = tok.DataOff()
	return nil
}

// Insert adds a new versioned extent, merging with an existing entry of the
// exact same (epoch, minor epoch) whose extent overlaps it (§4.F
// "merge-on-same-epoch insertion"). Extents that only touch end to end,
// such as [0, 50) and [50, 100), do not overlap and stay separate entries.
func (t *Tree) Insert(e Entry) error {
	entries := t.load()
	merged := false
	for i := range entries {
		if entries[i].Epoch == e.Epoch && entries[i].MinorEpc == e.MinorEpc && entries[i].Extent.Overlaps(e.Extent) {
			lo, hi := entries[i].Extent.Lo, entries[i].Extent.Hi
			if e.Extent.Lo < lo {
				lo = e.Extent.Lo
			}
			if e.Extent.Hi > hi {
				hi = e.Extent.Hi
			}
			entries[i].Extent = Extent{Lo: lo, Hi: hi}
			entries[i].ValOff = e.ValOff
			merged = true
			break
		}
	}
	if !merged {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Extent.Lo < entries[j].Extent.Lo })
	return t.store(entries)
}

// Punch marks every entry overlapping extent, with epoch <= at the given
// punch epoch, as punched (§4.F punch).
func (t *Tree) Punch(extent Extent, epoch hlc.Timestamp, minorEpc uint16) error {
	entries := t.load()
	changed := false
	for i := range entries {
		if !entries[i].Extent.Overlaps(extent) {
			continue
		}
		if entries[i].Epoch.Less(epoch) || entries[i].Epoch == epoch {
			entries[i].Punched = true
			entries[i].PunchEpoch = epoch
			entries[i].PunchMinor = minorEpc
			changed = true
		}
	}
	if !changed {
		return errs.New("evtree.Punch", errs.NotFound, nil)
	}
	return t.store(entries)
}

// Visible pairs an Entry with its classification relative to a Filter.
type Visible struct {
	Entry Entry
	State VisState
}

// Fetch returns every entry overlapping filter.Extent, classified relative
// to filter.EpochHi (§4.F visibility classification): Visible (newest
// surviving version of its range), Covered (fully shadowed by a later
// entry), Partial (only part of its range is shadowed), or Punched.
func (t *Tree) Fetch(filter Filter) []Visible {
	all := t.load()
	var inRange []Entry
	for _, e := range all {
		if !e.Extent.Overlaps(filter.Extent) {
			continue
		}
		if !e.visibleAt(filter.EpochHi) {
			continue
		}
		inRange = append(inRange, e)
	}
	sort.Slice(inRange, func(i, j int) bool {
		if inRange[i].Extent.Lo != inRange[j].Extent.Lo {
			return inRange[i].Extent.Lo < inRange[j].Extent.Lo
		}
		return inRange[i].Epoch.Physical() > inRange[j].Epoch.Physical()
	})
	out := make([]Visible, 0, len(inRange))
	for i, e := range inRange {
		if e.Punched && !filter.EpochHi.Less(e.PunchEpoch) {
			out = append(out, Visible{Entry: e, State: VisPunched})
			continue
		}
		covered, partial := false, false
		for j, o := range inRange {
			if j == i || !newer(o, e) || !o.Extent.Overlaps(e.Extent) {
				continue
			}
			if o.Extent.Contains(e.Extent) {
				covered = true
				break
			}
			partial = true
		}
		switch {
		case covered:
			out = append(out, Visible{Entry: e, State: VisCovered})
		case partial:
			out = append(out, Visible{Entry: e, State: VisPartial})
		default:
			out = append(out, Visible{Entry: e, State: VisVisible})
		}
	}
	return out
}

func newer(a, b Entry) bool {
	if a.Epoch.Physical() != b.Epoch.Physical() {
		return a.Epoch.Physical() > b.Epoch.Physical()
	}
	return a.Epoch.Logical() > b.Epoch.Logical()
}
