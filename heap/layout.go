// Package heap implements the persistent heap: a zone/chunk/run allocator
// over a memory-mapped backing file, with write-ahead-log-backed
// transactions (§4.D). Every cross-structure reference is a 64-bit offset
// from the pool base (design note §9) — never a raw pointer — so the file
// may be mapped at any address, in any process, across restarts.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package heap

import "encoding/binary"

// On-disk layout (§6), byte-exact save for the zone/chunk-count parameters
// which this implementation takes from internal/config rather than the
// spec's fixed 16 GiB/65528-slot defaults, so that tests need not allocate
// real multi-gigabyte files. Endianness is little-endian throughout, per §6.
const (
	PoolHeaderSize  = 4 << 10
	HeapHeaderSize  = 1 << 10
	ZoneHeaderSize  = 64
	ChunkHeaderSize = 8

	poolMagic = 0x564f53504f4f4c00 // "VOSPOOL\0"-ish
	heapMagic = 0x564f534845415000 // "VOSHEAP\0"-ish
	zoneMagic = 0x565a4f4e45000000 // "VZONE\0\0\0"
)

// PoolHeader is the pool file's leading 4 KiB block.
type PoolHeader struct {
	Magic    uint64
	Version  uint32
	Size     uint64
	RootOff  uint64
	StatsOff uint64
}

func (h PoolHeader) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], h.Magic)
	binary.LittleEndian.PutUint32(b[8:12], h.Version)
	binary.LittleEndian.PutUint64(b[12:20], h.Size)
	binary.LittleEndian.PutUint64(b[20:28], h.RootOff)
	binary.LittleEndian.PutUint64(b[28:36], h.StatsOff)
}

func decodePoolHeader(b []byte) PoolHeader {
	return PoolHeader{
		Magic:    binary.LittleEndian.Uint64(b[0:8]),
		Version:  binary.LittleEndian.Uint32(b[8:12]),
		Size:     binary.LittleEndian.Uint64(b[12:20]),
		RootOff:  binary.LittleEndian.Uint64(b[20:28]),
		StatsOff: binary.LittleEndian.Uint64(b[28:36]),
	}
}

// HeapHeader is the 1 KiB block immediately following PoolHeader.
type HeapHeader struct {
	Magic     uint64
	Size      uint64
	NZones    uint32
	ZoneSize  uint64
	ChunkSize uint64
	NChunks   uint32 // chunk slots per zone
}

func (h HeapHeader) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], h.Magic)
	binary.LittleEndian.PutUint64(b[8:16], h.Size)
	binary.LittleEndian.PutUint32(b[16:20], h.NZones)
	binary.LittleEndian.PutUint64(b[20:28], h.ZoneSize)
	binary.LittleEndian.PutUint64(b[28:36], h.ChunkSize)
	binary.LittleEndian.PutUint32(b[36:40], h.NChunks)
}

func decodeHeapHeader(b []byte) HeapHeader {
	return HeapHeader{
		Magic:     binary.LittleEndian.Uint64(b[0:8]),
		Size:      binary.LittleEndian.Uint64(b[8:16]),
		NZones:    binary.LittleEndian.Uint32(b[16:20]),
		ZoneSize:  binary.LittleEndian.Uint64(b[20:28]),
		ChunkSize: binary.LittleEndian.Uint64(b[28:36]),
		NChunks:   binary.LittleEndian.Uint32(b[36:40]),
	}
}

// ChunkType is the low 8 bits of a ChunkHeader.
type ChunkType uint8

const (
	ChunkFree ChunkType = iota
	ChunkUsed
	ChunkRun
	ChunkRunData
	ChunkFooter
)

// ChunkFlags is the 16-bit flags field of a ChunkHeader.
type ChunkFlags uint16

const (
	FlagCompactHeader ChunkFlags = 1 << iota
	FlagHeaderNone
	FlagAligned
	FlagFlexBitmap
)

// ChunkHeader is the packed 8-byte slot: type(8) | flags(16) | size_idx(32)
// | reserved(8).
type ChunkHeader struct {
	Type     ChunkType
	Flags    ChunkFlags
	SizeIdx  uint32
	Reserved uint8
}

func (c ChunkHeader) encode() uint64 {
	return uint64(c.Type) |
		uint64(c.Flags)<<8 |
		uint64(c.SizeIdx)<<24 |
		uint64(c.Reserved)<<56
}

func decodeChunkHeader(w uint64) ChunkHeader {
	return ChunkHeader{
		Type:     ChunkType(w & 0xff),
		Flags:    ChunkFlags((w >> 8) & 0xffff),
		SizeIdx:  uint32((w >> 24) & 0xffffffff),
		Reserved: uint8((w >> 56) & 0xff),
	}
}
