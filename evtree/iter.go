/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package evtree

import "github.com/vosdb/vosengine/hlc"

// IterFlags controls iteration order and which entries an iterator visits
// (§4.F iterator flags).
type IterFlags uint8

const (
	IterSkipHoles IterFlags = 1 << iota
	IterReverse
	IterForPurge     // only punched/covered entries, for space reclamation
	IterForDiscard   // accepted, but IterPrepare applies no filtering for it
	IterForMigration // only entries needed to rebuild a replica
)

func (f IterFlags) has(bit IterFlags) bool { return f&bit != 0 }

// Iterator walks a Fetch result set honoring IterFlags.
type Iterator struct {
	items []Visible
	idx   int
}

// IterPrepare materializes the entries matching filter and flags as an
// iterator. Because a single evtree block is small enough to hold
// in-memory wholesale (see Tree doc comment), there is no incremental
// descent to manage here the way btree.Iterator has to.
func (t *Tree) IterPrepare(filter Filter, flags IterFlags) *Iterator {
	all := t.Fetch(filter)
	var items []Visible
	for _, v := range all {
		if flags.has(IterForPurge) && v.State != VisCovered && v.State != VisPunched {
			continue
		}
		if flags.has(IterSkipHoles) && v.Entry.Extent.Empty() {
			continue
		}
		if flags.has(IterForMigration) && v.State != VisVisible {
			continue
		}
		items = append(items, v)
	}
	if flags.has(IterReverse) {
		for l, r := 0, len(items)-1; l < r; l, r = l+1, r-1 {
			items[l], items[r] = items[r], items[l]
		}
	}
	return &Iterator{items: items}
}

// Fetch returns the current entry.
func (it *Iterator) Fetch() (Visible, bool) {
	if it.idx >= len(it.items) {
		return Visible{}, false
	}
	return it.items[it.idx], true
}

// Next advances the iterator.
func (it *Iterator) Next() bool {
	it.idx++
	return it.idx < len(it.items)
}

// Finish releases the iterator (no external resources held).
func (it *Iterator) Finish() {}

// Drain removes up to credits punched/covered entries (§4.F/§4.J GC
// interaction: the garbage collector calls Drain to reclaim space held by
// extent versions no one can see any more). If empty is true, the whole
// tree is cleared regardless of credits (used when an akey itself is being
// punched). Returns how many entries were actually removed and whether the
// tree is now fully drained.
func (t *Tree) Drain(credits int, empty bool) (int, bool, error) {
	entries := t.load()
	if empty {
		n := len(entries)
		if err := t.store(nil); err != nil {
			return 0, false, err
		}
		return n, true, nil
	}
	filter := Filter{Extent: Extent{Lo: 0, Hi: ^uint64(0)}, EpochHi: hlc.Timestamp(^uint64(0))}
	vis := t.Fetch(filter)
	reclaimable := make(map[Entry]bool)
	for _, v := range vis {
		if v.State == VisCovered || v.State == VisPunched {
			reclaimable[v.Entry] = true
		}
	}
	kept := make([]Entry, 0, len(entries))
	removed := 0
	for _, e := range entries {
		if removed < credits && reclaimable[e] {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed > 0 {
		if err := t.store(kept); err != nil {
			return 0, false, err
		}
	}
	return removed, removed == len(reclaimable), nil
}
