/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/vosdb/vosengine/vos/errs"
)

// Zone is a fixed, <=16 GiB heap region: a 64-byte header followed by an
// array of ChunkHeader slots and the matching chunk bodies (§3/§6).
type Zone struct {
	pool      *Pool
	base      uint64 // offset of zone header within the pool
	nChunks   uint32
	chunkSize uint64

	chunkHdrBase uint64
	chunkBase    uint64

	// reservedChunks/reservedUnits are volatile, in-process-only bookkeeping
	// for candidates a Reserve has picked but a matching Publish/Cancel has
	// not yet resolved (§4.D). Nothing here is ever WAL-logged or read back
	// after a restart: a crash before Publish simply loses the reservation,
	// which is correct since nothing durable was ever promised for it.
	reservedChunks map[uint32]bool
	reservedUnits  map[uint32]map[uint32]bool
}

func newZone(p *Pool, base uint64, nChunks uint32, chunkSize uint64) *Zone {
	return &Zone{
		pool: p, base: base, nChunks: nChunks, chunkSize: chunkSize,
		chunkHdrBase:   base + ZoneHeaderSize,
		chunkBase:      base + ZoneHeaderSize + uint64(nChunks)*ChunkHeaderSize,
		reservedChunks: make(map[uint32]bool),
		reservedUnits:  make(map[uint32]map[uint32]bool),
	}
}

func (z *Zone) reserveChunkRange(start, n uint32) {
	for i := start; i < start+n; i++ {
		z.reservedChunks[i] = true
	}
}

func (z *Zone) releaseChunkRange(start, n uint32) {
	for i := start; i < start+n; i++ {
		delete(z.reservedChunks, i)
	}
}

func (z *Zone) reserveUnit(chunkIdx, bit uint32) {
	m := z.reservedUnits[chunkIdx]
	if m == nil {
		m = make(map[uint32]bool)
		z.reservedUnits[chunkIdx] = m
	}
	m[bit] = true
}

func (z *Zone) releaseUnit(chunkIdx, bit uint32) {
	if m := z.reservedUnits[chunkIdx]; m != nil {
		delete(m, bit)
	}
}

func (z *Zone) mem() []byte { return z.pool.mem }

func (z *Zone) initHeader() {
	b := z.mem()[z.base : z.base+ZoneHeaderSize]
	binary.LittleEndian.PutUint64(b[0:8], zoneMagic)
	binary.LittleEndian.PutUint32(b[8:12], z.nChunks)
	binary.LittleEndian.PutUint32(b[12:16], 0)
	for i := uint32(0); i < z.nChunks; i++ {
		z.setHeader(i, ChunkHeader{Type: ChunkFree})
	}
}

func (z *Zone) validate() error {
	b := z.mem()[z.base : z.base+ZoneHeaderSize]
	magic := binary.LittleEndian.Uint64(b[0:8])
	if magic != zoneMagic {
		return errs.New("heap.Zone.validate", errs.Corrupt, fmt.Errorf("bad zone magic"))
	}
	return nil
}

func (z *Zone) headerOff(idx uint32) uint64 { return z.chunkHdrBase + uint64(idx)*ChunkHeaderSize }

func (z *Zone) header(idx uint32) ChunkHeader {
	off := z.headerOff(idx)
	w := binary.LittleEndian.Uint64(z.mem()[off : off+8])
	return decodeChunkHeader(w)
}

func (z *Zone) setHeader(idx uint32, h ChunkHeader) {
	off := z.headerOff(idx)
	binary.LittleEndian.PutUint64(z.mem()[off:off+8], h.encode())
}

func (z *Zone) chunkOff(idx uint32) uint64 { return z.chunkBase + uint64(idx)*z.chunkSize }

// findFreeHuge returns the first free chunk index with size_idx capacity
// covering nChunksReq contiguous free slots (first-fit, §4.D). A chunk held
// by another not-yet-published reservation is treated as unavailable so two
// Reserves in flight at once never pick the same candidate.
func (z *Zone) findFreeHuge(nChunksReq uint32) (uint32, bool) {
	var run uint32
	var start uint32
	for i := uint32(0); i < z.nChunks; i++ {
		if z.header(i).Type == ChunkFree && !z.reservedChunks[i] {
			if run == 0 {
				start = i
			}
			run++
			if run >= nChunksReq {
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// headerWrite is a (offset, header) pair describing a chunk-header mutation
// that has been computed but not yet applied to mem; Publish queues these
// through the WAL so the mutation only lands via wal.apply at tx.End (§4.D,
// §8 invariant 1).
type headerWrite struct {
	off uint64
	hdr ChunkHeader
}

// hugeAllocHeaders computes the header writes a [start, start+n) huge
// allocation needs: a used header at start carrying size_idx=n, run_data
// headers for the interior, and a footer at start+n-1 mirroring it (the
// coalescing invariant of §4.D). It does not touch mem.
func (z *Zone) hugeAllocHeaders(start, n uint32) []headerWrite {
	ws := []headerWrite{{off: z.headerOff(start), hdr: ChunkHeader{Type: ChunkUsed, SizeIdx: n}}}
	for i := uint32(1); i < n; i++ {
		ws = append(ws, headerWrite{off: z.headerOff(start + i), hdr: ChunkHeader{Type: ChunkRunData, SizeIdx: n}})
	}
	if n > 1 {
		ws = append(ws, headerWrite{off: z.headerOff(start + n - 1), hdr: ChunkHeader{Type: ChunkFooter, SizeIdx: n}})
	}
	return ws
}

// hugeFreeHeaders computes the header writes that release [start, start+n)
// back to free. Free chunks carry no size_idx of their own (only
// used/run/footer headers do, per §3), so coalescing with free neighbors
// falls out of findFreeHuge's linear scan rather than needing an explicit
// merge step here.
func (z *Zone) hugeFreeHeaders(start, n uint32) []headerWrite {
	ws := make([]headerWrite, 0, n)
	for i := start; i < start+n; i++ {
		ws = append(ws, headerWrite{off: z.headerOff(i), hdr: ChunkHeader{Type: ChunkFree}})
	}
	return ws
}

// rebuildFooters re-derives every huge block's footer header from its
// leading header at heap boot (the "cheaper recovery" resolution of Open
// Question 1 in §9): footers need not be redo-logged.
func (z *Zone) rebuildFooters() {
	i := uint32(0)
	for i < z.nChunks {
		h := z.header(i)
		switch h.Type {
		case ChunkUsed:
			if h.SizeIdx > 1 {
				z.setHeader(i+h.SizeIdx-1, ChunkHeader{Type: ChunkFooter, SizeIdx: h.SizeIdx})
			}
			i += h.SizeIdx
		case ChunkRun:
			i++
			for i < z.nChunks && z.header(i).Type == ChunkRunData {
				i++
			}
		default:
			i++
		}
	}
}

func (z *Zone) stats() (freeBytes uint64, usedChunks uint64) {
	i := uint32(0)
	for i < z.nChunks {
		h := z.header(i)
		switch h.Type {
		case ChunkFree:
			freeBytes += z.chunkSize
			i++
		case ChunkUsed:
			usedChunks += uint64(h.SizeIdx)
			i += h.SizeIdx
		case ChunkRun:
			usedChunks++
			i++
		default:
			i++
		}
	}
	return
}
