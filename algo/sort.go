// Package algo provides the generic combsort and three-mode binary search
// used to order and probe opaque, caller-owned arrays throughout the engine
// (§4.B). Neither function allocates or knows the element type: callers
// supply Cmp/Swap closures, the same "class callback table" shape the
// B+tree family (package btree) uses for its own records.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package algo

import "github.com/vosdb/vosengine/vos/errs"

// Ops is the callback table an opaque array exposes to CombSort: Cmp(i, j)
// follows the usual <0/0/>0 convention, Swap(i, j) exchanges elements.
type Ops struct {
	Len  int
	Cmp  func(i, j int) int
	Swap func(i, j int)
}

const (
	combGapNum = 10
	combGapDen = 13
	combGapMin = 1
)

// CombSort orders n elements in place via the gap-10/13 comb sort (the
// "avoiding 9/10" variant: a computed gap of 9 or 10 is nudged to 11, which
// comb sort folklore treats as empirically faster than leaving it at 9 or
// 10). When unique is true, a duplicate detected mid-sort aborts with
// invalid_argument rather than silently completing.
func CombSort(ops Ops, unique bool) error {
	n := ops.Len
	if n < 2 {
		return nil
	}
	gap := n
	swapped := true
	for gap != 1 || swapped {
		gap = nextGap(gap)
		swapped = false
		for i := 0; i+gap < n; i++ {
			c := ops.Cmp(i, i+gap)
			if c == 0 && unique {
				return errs.New("algo.CombSort", errs.InvalidArgument, nil)
			}
			if c > 0 {
				ops.Swap(i, i+gap)
				swapped = true
			}
		}
	}
	return nil
}

func nextGap(gap int) int {
	gap = (gap * combGapNum) / combGapDen
	if gap == 9 || gap == 10 {
		gap = 11
	}
	if gap < combGapMin {
		gap = combGapMin
	}
	return gap
}
