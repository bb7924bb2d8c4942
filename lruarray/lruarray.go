// Package lruarray implements the fixed-capacity, handle-indexed LRU array
// (§4.C): a logical array of N = 2^k entries partitioned into M = 2^j
// equally-sized sub-arrays, addressed by a 32-bit index decomposing as
// (sub_array_index << shift) | ent_index. It is the substrate shared by the
// object cache (package object) and the DTX cache (package dtx), the same
// role the teacher's lru package plays for on-disk object eviction.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package lruarray

import (
	"container/list"
	"math/bits"

	"github.com/vosdb/vosengine/vos/errs"
)

// Flags configure eviction behavior at Alloc time.
type Flags struct {
	ReuseUnique bool // silently-evicted slots still differ only by Key
	EvictManual bool // caller drives eviction; forced on when SubCount > 1
}

// Index is the 32-bit handle: (subArrayIdx << shift) | entIdx.
type Index uint32

// Slot is the caller-visible record stored at an Index: a 64-bit identity
// key plus an opaque payload. The Key field is what lets a caller detect
// that a handle was silently reused after an auto-eviction (§4.C invariant).
type Slot[T any] struct {
	Key     uint64
	Payload T
}

type entry[T any] struct {
	slot   Slot[T]
	used   bool
	freeEl *list.Element // membership in subArray.free
	lruEl  *list.Element // membership in subArray.lru (single-sub auto mode only)
}

type subArray[T any] struct {
	entries []entry[T]
	free    *list.List // of local index (int)
	lru     *list.List // MRU at Back, LRU at Front; single-sub-array mode only
	allocd  bool
}

// Array is the LRU array itself. T is the payload type each slot carries.
type Array[T any] struct {
	capacity uint32
	subCount uint32
	perSub   uint32
	shift    uint32
	subMask  uint32

	flags Flags
	subs  []*subArray[T]

	freeSub   *list.List // sub-array indices known to hold a free entry
	unusedSub *list.List // sub-array indices never yet allocated
}

// Alloc constructs an Array. capacity and subCount must be powers of two;
// subCount > 1 forces EvictManual on, matching §4.C.
func Alloc[T any](capacity, subCount uint32, flags Flags) (*Array[T], error) {
	if capacity == 0 || subCount == 0 || !isPow2(capacity) || !isPow2(subCount) || subCount > capacity {
		return nil, errs.New("lruarray.Alloc", errs.InvalidArgument, nil)
	}
	if subCount > 1 {
		flags.EvictManual = true
	}
	perSub := capacity / subCount
	shift := uint32(bits.TrailingZeros32(perSub))

	a := &Array[T]{
		capacity:  capacity,
		subCount:  subCount,
		perSub:    perSub,
		shift:     shift,
		subMask:   perSub - 1,
		flags:     flags,
		subs:      make([]*subArray[T], subCount),
		freeSub:   list.New(),
		unusedSub: list.New(),
	}
	for i := uint32(0); i < subCount; i++ {
		a.unusedSub.PushBack(i)
	}
	// eagerly materialize the first sub-array so find_free has somewhere to
	// go before any lazy growth.
	a.growSub(0)
	return a, nil
}

func isPow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

func (a *Array[T]) growSub(idx uint32) *subArray[T] {
	sa := &subArray[T]{
		entries: make([]entry[T], a.perSub),
		free:    list.New(),
		lru:     list.New(),
		allocd:  true,
	}
	for i := uint32(0); i < a.perSub; i++ {
		sa.entries[i].freeEl = sa.free.PushBack(int(i))
	}
	a.subs[idx] = sa
	a.freeSub.PushBack(idx)
	removeFromList(a.unusedSub, idx)
	return sa
}

func removeFromList(l *list.List, v uint32) {
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(uint32) == v {
			l.Remove(e)
			return
		}
	}
}

func (a *Array[T]) makeIndex(sub uint32, ent int) Index {
	return Index((sub << a.shift) | (uint32(ent) & a.subMask))
}

func (a *Array[T]) split(idx Index) (sub uint32, ent uint32) {
	u := uint32(idx)
	return u >> a.shift, u & a.subMask
}

// FindFree returns a free slot, stamping key on it. Under single-sub-array
// auto-eviction (SubCount == 1, EvictManual false) it may silently evict the
// coldest (LRU) entry when none is free.
func (a *Array[T]) FindFree(key uint64) (Index, *Slot[T], error) {
	subIdx, ok := a.pickFreeSub()
	if !ok {
		if !a.flags.EvictManual && a.subCount == 1 {
			subIdx = 0
			if evicted := a.evictColdest(0); !evicted {
				return 0, nil, errs.New("lruarray.FindFree", errs.Busy, nil)
			}
		} else {
			return 0, nil, errs.New("lruarray.FindFree", errs.Busy, nil)
		}
	}
	sa := a.subs[subIdx]
	fe := sa.free.Front()
	if fe == nil {
		return 0, nil, errs.New("lruarray.FindFree", errs.Busy, nil)
	}
	ent := fe.Value.(int)
	sa.free.Remove(fe)
	if sa.free.Len() == 0 {
		removeFromList(a.freeSub, subIdx)
	}
	e := &sa.entries[ent]
	e.used = true
	e.freeEl = nil
	e.slot = Slot[T]{Key: key}
	if !a.flags.EvictManual {
		e.lruEl = sa.lru.PushBack(ent)
	}
	return a.makeIndex(subIdx, ent), &e.slot, nil
}

func (a *Array[T]) pickFreeSub() (uint32, bool) {
	if fe := a.freeSub.Front(); fe != nil {
		return fe.Value.(uint32), true
	}
	if ue := a.unusedSub.Front(); ue != nil {
		idx := ue.Value.(uint32)
		a.growSub(idx)
		return idx, true
	}
	return 0, false
}

func (a *Array[T]) evictColdest(subIdx uint32) bool {
	sa := a.subs[subIdx]
	if sa == nil {
		return false
	}
	fe := sa.lru.Front()
	if fe == nil {
		return false
	}
	ent := fe.Value.(int)
	sa.lru.Remove(fe)
	e := &sa.entries[ent]
	e.used = false
	e.lruEl = nil
	e.freeEl = sa.free.PushBack(ent)
	if sa.free.Len() == 1 {
		a.freeSub.PushBack(subIdx)
	}
	return true
}

// Lookup returns the slot at idx iff its Key still matches. Under
// auto-eviction, a hit promotes the entry to MRU.
func (a *Array[T]) Lookup(idx Index, key uint64) *Slot[T] {
	e := a.entryAt(idx)
	if e == nil || !e.used || e.slot.Key != key {
		return nil
	}
	if !a.flags.EvictManual && e.lruEl != nil {
		sub, _ := a.split(idx)
		sa := a.subs[sub]
		sa.lru.MoveToBack(e.lruEl)
	}
	return &e.slot
}

// Peek is Lookup without MRU promotion.
func (a *Array[T]) Peek(idx Index, key uint64) *Slot[T] {
	e := a.entryAt(idx)
	if e == nil || !e.used || e.slot.Key != key {
		return nil
	}
	return &e.slot
}

// Evict removes the slot at idx iff its Key still matches; a no-op
// otherwise.
func (a *Array[T]) Evict(idx Index, key uint64) {
	e := a.entryAt(idx)
	if e == nil || !e.used || e.slot.Key != key {
		return
	}
	sub, ent := a.split(idx)
	sa := a.subs[sub]
	if e.lruEl != nil {
		sa.lru.Remove(e.lruEl)
		e.lruEl = nil
	}
	e.used = false
	e.slot = Slot[T]{}
	e.freeEl = sa.free.PushBack(int(ent))
	if sa.free.Len() == 1 {
		a.freeSub.PushBack(sub)
	}
}

func (a *Array[T]) entryAt(idx Index) *entry[T] {
	sub, ent := a.split(idx)
	if sub >= a.subCount {
		return nil
	}
	sa := a.subs[sub]
	if sa == nil || ent >= uint32(len(sa.entries)) {
		return nil
	}
	return &sa.entries[ent]
}

// Aggregate frees fully-empty sub-arrays after the first, reclaiming their
// backing storage; only meaningful in manual-eviction (multi-sub-array)
// mode.
func (a *Array[T]) Aggregate() {
	if !a.flags.EvictManual {
		return
	}
	for i := uint32(1); i < a.subCount; i++ {
		sa := a.subs[i]
		if sa == nil || !sa.allocd {
			continue
		}
		if sa.free.Len() != int(a.perSub) {
			continue
		}
		removeFromList(a.freeSub, i)
		a.subs[i] = nil
		a.unusedSub.PushBack(i)
	}
}

// Capacity returns N, the total logical entry count.
func (a *Array[T]) Capacity() uint32 { return a.capacity }
