/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package object

import (
	"github.com/vosdb/vosengine/lruarray"
	"github.com/vosdb/vosengine/vos/errs"
)

// HoldFlags state the caller's intent when taking an object-cache hold
// (§4.H cache).
type HoldFlags uint8

const (
	// HoldVisible requires the object to already be cached; a miss is
	// not_found rather than an implicit insert.
	HoldVisible HoldFlags = 1 << iota
	// HoldCreate inserts the object on a miss.
	HoldCreate
	// HoldKillDkey marks the hold as part of a dkey removal.
	HoldKillDkey
	// HoldDiscard marks the hold as a discard pass; mutually exclusive
	// with a concurrent aggregation hold on the same object.
	HoldDiscard
	// HoldAggregate marks the hold as an aggregation pass; mutually
	// exclusive with a concurrent discard hold on the same object.
	HoldAggregate
)

func (f HoldFlags) has(b HoldFlags) bool { return f&b != 0 }

const holdExclusive = HoldDiscard | HoldAggregate

// Handle is a reference-counted hold on one cached object. Handles from
// the same Cache for the same ObjectID share the underlying entry.
type Handle struct {
	OID   ObjectID
	idx   lruarray.Index
	cache *Cache
}

type cacheEntry struct {
	oid   ObjectID
	refs  int
	kill  bool
	flags HoldFlags // exclusive-pass bits currently held
}

// Cache is the volatile per-engine object cache (§4.H): an LRU-array-backed
// map from ObjectID to a refcounted handle. It holds no persistent state;
// eviction only drops the volatile entry, never the object itself.
type Cache struct {
	arr     *lruarray.Array[cacheEntry]
	handles map[ObjectID]lruarray.Index
}

// NewCache builds a Cache of the given capacity. A single sub-array keeps
// auto-eviction on, so the coldest entry is silently reclaimed under
// pressure whether or not it is still held (a stale handle then misses on
// its Key check).
func NewCache(capacity uint32) (*Cache, error) {
	arr, err := lruarray.Alloc[cacheEntry](capacity, 1, lruarray.Flags{})
	if err != nil {
		return nil, err
	}
	return &Cache{arr: arr, handles: make(map[ObjectID]lruarray.Index)}, nil
}

// Hold takes (or adds) a reference on oid's cache entry. With HoldVisible
// and no HoldCreate a miss returns not_found. Holding HoldDiscard while an
// aggregation hold is live (or vice versa) returns busy; the caller retries
// after the conflicting pass releases.
func (c *Cache) Hold(oid ObjectID, flags HoldFlags) (*Handle, error) {
	key := uint64(oid)
	if idx, ok := c.handles[oid]; ok {
		if slot := c.arr.Lookup(idx, key); slot != nil {
			if flags.has(holdExclusive) && slot.Payload.flags.has(holdExclusive) {
				return nil, errs.New("object.Cache.Hold", errs.Busy, nil)
			}
			if slot.Payload.kill {
				return nil, errs.New("object.Cache.Hold", errs.Busy, nil)
			}
			slot.Payload.refs++
			slot.Payload.flags |= flags & holdExclusive
			return &Handle{OID: oid, idx: idx, cache: c}, nil
		}
		// silently evicted under us
		delete(c.handles, oid)
	}
	if !flags.has(HoldCreate) {
		return nil, errs.New("object.Cache.Hold", errs.NotFound, nil)
	}
	idx, slot, err := c.arr.FindFree(key)
	if err != nil {
		return nil, err
	}
	if prev, ok := c.handles[slot.Payload.oid]; ok && prev == idx {
		// FindFree recycled another object's cold slot
		delete(c.handles, slot.Payload.oid)
	}
	slot.Payload = cacheEntry{oid: oid, refs: 1, flags: flags & holdExclusive}
	c.handles[oid] = idx
	return &Handle{OID: oid, idx: idx, cache: c}, nil
}

// Release drops one reference. evict marks the entry for removal on last
// release (§4.H kill); further Holds on a kill-marked entry fail with busy
// until it is gone.
func (c *Cache) Release(h *Handle, flags HoldFlags, evict bool) {
	if h == nil || h.cache != c {
		return
	}
	key := uint64(h.OID)
	slot := c.arr.Peek(h.idx, key)
	if slot == nil {
		return
	}
	slot.Payload.flags &^= flags & holdExclusive
	if evict {
		slot.Payload.kill = true
	}
	if slot.Payload.refs > 0 {
		slot.Payload.refs--
	}
	if slot.Payload.refs == 0 && slot.Payload.kill {
		c.arr.Evict(h.idx, key)
		delete(c.handles, h.OID)
	}
}

// Refs reports the live reference count for oid, zero when not cached.
func (c *Cache) Refs(oid ObjectID) int {
	idx, ok := c.handles[oid]
	if !ok {
		return 0
	}
	slot := c.arr.Peek(idx, uint64(oid))
	if slot == nil {
		return 0
	}
	return slot.Payload.refs
}

// evictOID force-drops oid's entry regardless of holders; used by object
// punch, which invalidates the cached view outright (§4.H).
func (c *Cache) evictOID(oid ObjectID) {
	idx, ok := c.handles[oid]
	if !ok {
		return
	}
	c.arr.Evict(idx, uint64(oid))
	delete(c.handles, oid)
}

// AttachCache wires a volatile object cache into the engine; PunchObject
// evicts the punched object's entry through it.
func (e *Engine) AttachCache(c *Cache) { e.cache = c }
