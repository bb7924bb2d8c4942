/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package heap

import (
	"encoding/binary"

	"github.com/vosdb/vosengine/vos/errs"
)

const runHeaderSize = 24

// cacheLine is the alignment flex bitmaps round up to so that usable unit
// data starts cacheline-aligned after an integer number of bitmap words
// (§4.D "Run bitmap").
const cacheLine = 64

// defaultBitmapBytes is the fixed bitmap size used by "default" (non-flex)
// runs: small, tree-friendly, sized for the common small-class run.
const defaultBitmapBytes = 32 // 256 bits, enough for typical small-object runs

// RunHeader describes a run chunk: the unit size it subdivides into, the
// alignment, and how many units it holds (§3).
type RunHeader struct {
	UnitSize  uint32
	Alignment uint32
	NUnits    uint32
	Flex      bool
}

func (h RunHeader) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.UnitSize)
	binary.LittleEndian.PutUint32(b[4:8], h.Alignment)
	binary.LittleEndian.PutUint32(b[8:12], h.NUnits)
	flex := uint32(0)
	if h.Flex {
		flex = 1
	}
	binary.LittleEndian.PutUint32(b[12:16], flex)
}

func decodeRunHeader(b []byte) RunHeader {
	return RunHeader{
		UnitSize:  binary.LittleEndian.Uint32(b[0:4]),
		Alignment: binary.LittleEndian.Uint32(b[4:8]),
		NUnits:    binary.LittleEndian.Uint32(b[8:12]),
		Flex:      binary.LittleEndian.Uint32(b[12:16]) != 0,
	}
}

func bitmapBytesFor(nUnits uint32, flex bool) uint32 {
	need := (nUnits + 7) / 8
	if !flex {
		if need > defaultBitmapBytes {
			return need
		}
		return defaultBitmapBytes
	}
	// round up to a cacheline so unit data starts cacheline-aligned after an
	// integer number of bitmap words.
	if need%cacheLine != 0 {
		need += cacheLine - (need % cacheLine)
	}
	if need == 0 {
		need = cacheLine
	}
	return need
}

// run is a runtime view over a run chunk's header+bitmap+units region,
// rooted at a byte offset within the pool.
type run struct {
	z       *Zone
	off     uint64 // offset of RunHeader
	hdr     RunHeader
	bmOff   uint64
	bmBytes uint32
	dataOff uint64
}

// planRun computes the layout a new run chunk would have without writing
// anything to mem: it solves for nUnits such that bitmap+units fit in the
// chunk. The caller (Reserve) uses the returned view to pick a candidate
// unit; Publish is the only place that turns the plan into WAL entries.
func (z *Zone) planRun(chunkIdx uint32, unitSize, alignment uint32, flex bool) *run {
	off := z.chunkOff(chunkIdx)
	avail := z.chunkSize - runHeaderSize
	nUnits := uint32(0)
	for {
		bm := bitmapBytesFor(nUnits+1, flex)
		if uint64(bm)+uint64(nUnits+1)*uint64(unitSize) > avail {
			break
		}
		nUnits++
	}
	hdr := RunHeader{UnitSize: unitSize, Alignment: alignment, NUnits: nUnits, Flex: flex}
	bm := bitmapBytesFor(nUnits, flex)
	return &run{
		z: z, off: off, hdr: hdr,
		bmOff: off + runHeaderSize, bmBytes: bm,
		dataOff: off + runHeaderSize + uint64(bm),
	}
}

// bitmapInit returns the fully-initialized bitmap bytes for a freshly
// planned run: zeroed, with unused trailing bits (beyond NUnits) set to one
// per §3's invariant, and the bits in allocated marked set. It builds the
// buffer locally rather than touching mem so Publish can stage it as a
// single WAL SET entry.
func (r *run) bitmapInit(allocated ...uint32) []byte {
	b := make([]byte, r.bmBytes)
	for bit := r.hdr.NUnits; bit < r.bmBytes*8; bit++ {
		b[bit/8] |= 1 << (bit % 8)
	}
	for _, bit := range allocated {
		b[bit/8] |= 1 << (bit % 8)
	}
	return b
}

func (z *Zone) openRun(chunkIdx uint32) *run {
	off := z.chunkOff(chunkIdx)
	hdr := decodeRunHeader(z.mem()[off : off+runHeaderSize])
	bm := bitmapBytesFor(hdr.NUnits, hdr.Flex)
	return &run{
		z: z, off: off, hdr: hdr,
		bmOff: off + runHeaderSize, bmBytes: bm,
		dataOff: off + runHeaderSize + uint64(bm),
	}
}

func (r *run) bitmap() []byte {
	return r.z.mem()[r.bmOff : r.bmOff+uint64(r.bmBytes)]
}

// findFreeUnit returns the first bit clear in the committed bitmap and not
// already claimed by another in-flight reservation, without mutating
// anything; the caller (Reserve) stages the bit in the token and leaves the
// actual SET_BITS write for Publish.
func (r *run) findFreeUnit(reserved map[uint32]bool) (uint32, bool) {
	bm := r.bitmap()
	for bit := uint32(0); bit < r.hdr.NUnits; bit++ {
		if bm[bit/8]&(1<<(bit%8)) == 0 && !reserved[bit] {
			return bit, true
		}
	}
	return 0, false
}

func (r *run) unitOffset(bit uint32) uint64 {
	return r.dataOff + uint64(bit)*uint64(r.hdr.UnitSize)
}

func (r *run) unitIndex(dataOff uint64) (uint32, error) {
	if dataOff < r.dataOff {
		return 0, errs.New("heap.run.unitIndex", errs.InvalidArgument, nil)
	}
	rel := dataOff - r.dataOff
	if rel%uint64(r.hdr.UnitSize) != 0 {
		return 0, errs.New("heap.run.unitIndex", errs.InvalidArgument, nil)
	}
	idx := uint32(rel / uint64(r.hdr.UnitSize))
	if idx >= r.hdr.NUnits {
		return 0, errs.New("heap.run.unitIndex", errs.InvalidArgument, nil)
	}
	return idx, nil
}

// allUnitsFree reports whether every real (non-padding) bit is clear, i.e.
// the run can revert to a free chunk (§4.D chunk-header state machine).
func (r *run) allUnitsFree() bool {
	bm := r.bitmap()
	for bit := uint32(0); bit < r.hdr.NUnits; bit++ {
		if bm[bit/8]&(1<<(bit%8)) != 0 {
			return false
		}
	}
	return true
}

// allOtherUnitsFree reports whether every real bit other than excludeBit is
// clear, i.e. whether clearing excludeBit would empty the run. It does not
// mutate the bitmap; Publish uses it to decide whether to also stage the
// chunk header flip back to free, before the bit itself has actually been
// cleared by wal.apply.
func (r *run) allOtherUnitsFree(excludeBit uint32) bool {
	bm := r.bitmap()
	for bit := uint32(0); bit < r.hdr.NUnits; bit++ {
		if bit == excludeBit {
			continue
		}
		if bm[bit/8]&(1<<(bit%8)) != 0 {
			return false
		}
	}
	return true
}

// popcountPlusFreeInvariantHolds is the §8 invariant 3 check:
// popcount(bitmap) + free_units == nbits, with padding bits always set.
func (r *run) popcountPlusFreeInvariantHolds() bool {
	bm := r.bitmap()
	nbits := r.bmBytes * 8
	pop := 0
	for _, b := range bm {
		pop += popcount8(b)
	}
	free := 0
	for bit := uint32(0); bit < r.hdr.NUnits; bit++ {
		if bm[bit/8]&(1<<(bit%8)) == 0 {
			free++
		}
	}
	return uint32(pop)+uint32(free) == nbits
}

func popcount8(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}
