/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package heap

import (
	"github.com/vosdb/vosengine/vos/errs"
)

// ReserveFlags mirror the caller intents named in §4.D.
type ReserveFlags struct {
	DeferFree bool // the reservation represents a free, not an alloc
}

// TokenKind distinguishes what an ActionToken will commit at Publish time.
type TokenKind uint8

const (
	TokenAllocHuge TokenKind = iota
	TokenAllocRun
	// TokenAllocRunNew is a run-class allocation that also carves a fresh
	// run out of a previously free chunk: Publish must stage the chunk
	// header, the RunHeader bytes, and the initialized bitmap together, not
	// just the one allocated bit.
	TokenAllocRunNew
	TokenFreeHuge
	TokenFreeRun
)

// ActionToken is the handle returned by Reserve: a deferred-commit intent
// that Publish makes durable or Cancel discards (§4.D).
//
// Reserve only ever picks a candidate and marks it held in the zone's
// volatile (non-WAL, in-process) reservation bookkeeping; it never writes to
// the mapped region. The chunk-header and bitmap state transition exists
// nowhere durable until Publish stages it as WAL SET/SET_BITS/CLR_BITS
// entries and tx.End's wal.apply actually copies bytes into mem (§4.D,
// §8 invariant 1: a crash between Reserve and Publish must leave no trace).
// Cancel undoes a Reserve that never got Published by dropping the volatile
// hold; nothing durable needs unwinding because nothing durable happened.
type ActionToken struct {
	kind     TokenKind
	zone     *Zone
	chunkIdx uint32
	nChunks  uint32
	classID  uint16
	dataOff  uint64
	size     uint64
	run      *run
	unitBit  uint32
	ctorBuf  []byte
}

// DataOff is the offset of the reserved/freed payload.
func (t ActionToken) DataOff() uint64 { return t.dataOff }

func chunksNeeded(size, chunkSize uint64) uint32 {
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return uint32(n)
}

// Reserve selects a free chunk (huge request) or free unit (run-class
// request) of sufficient capacity and returns a token describing the
// pending allocation. The candidate is only marked held in the zone's
// volatile bookkeeping (see ActionToken doc); no byte of the mapped region
// changes until a matching Publish runs.
//
// ctor, when non-nil, is invoked against a scratch buffer sized to the
// reservation rather than against mem directly, so that its output can be
// staged as an ordinary WAL SET entry at Publish time alongside everything
// else — it never sees the live mapping before the transaction commits.
func (p *Pool) Reserve(size uint64, classID uint16, ctor func([]byte)) (ActionToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	class, ok := p.class(classID)
	if !ok {
		return ActionToken{}, errs.New("heap.Reserve", errs.InvalidArgument, nil)
	}

	var (
		tok ActionToken
		err error
	)
	if class.UnitSize == 0 {
		tok, err = p.reserveHuge(size)
	} else {
		tok, err = p.reserveRun(size, class)
	}
	if err != nil {
		return ActionToken{}, err
	}
	tok.classID = classID
	if ctor != nil {
		buf := make([]byte, tok.size)
		ctor(buf)
		tok.ctorBuf = buf
	}
	return tok, nil
}

func (p *Pool) reserveHuge(size uint64) (ActionToken, error) {
	for _, z := range p.zones {
		n := chunksNeeded(size+ /* legacy header allowance */ 0, z.chunkSize)
		start, ok := z.findFreeHuge(n)
		if !ok {
			continue
		}
		z.reserveChunkRange(start, n)
		off := z.chunkOff(start)
		return ActionToken{kind: TokenAllocHuge, zone: z, chunkIdx: start, nChunks: n, dataOff: off, size: size}, nil
	}
	return ActionToken{}, errs.New("heap.Reserve", errs.NoSpace, nil)
}

func (p *Pool) reserveRun(size uint64, class *Class) (ActionToken, error) {
	if size > uint64(class.UnitSize) {
		return ActionToken{}, errs.New("heap.Reserve", errs.InvalidArgument, nil)
	}
	for _, z := range p.zones {
		// try an existing run chunk of this class first
		i := uint32(0)
		for i < z.nChunks {
			h := z.header(i)
			if h.Type == ChunkRun {
				r := z.openRun(i)
				if r.hdr.UnitSize == class.UnitSize {
					if bit, ok := r.findFreeUnit(z.reservedUnits[i]); ok {
						z.reserveUnit(i, bit)
						off := r.unitOffset(bit)
						return ActionToken{kind: TokenAllocRun, zone: z, chunkIdx: i, dataOff: off, size: size, run: r, unitBit: bit}, nil
					}
				}
				i++
				continue
			}
			i++
		}
		// no run with free capacity; carve a new one out of a free chunk.
		start, ok := z.findFreeHuge(1)
		if !ok {
			continue
		}
		r := z.planRun(start, class.UnitSize, class.Alignment, class.Flex)
		if r.hdr.NUnits == 0 {
			continue
		}
		z.reserveChunkRange(start, 1)
		off := r.unitOffset(0)
		return ActionToken{kind: TokenAllocRunNew, zone: z, chunkIdx: start, dataOff: off, size: size, run: r, unitBit: 0}, nil
	}
	return ActionToken{}, errs.New("heap.Reserve", errs.NoSpace, nil)
}

// DeferFree prepares a free-on-publish token for an already-allocated
// offset, without releasing it yet (§4.D defer_free).
func (p *Pool) DeferFree(off uint64, classID uint16) (ActionToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	class, ok := p.class(classID)
	if !ok {
		return ActionToken{}, errs.New("heap.DeferFree", errs.InvalidArgument, nil)
	}
	for _, z := range p.zones {
		if off < z.chunkBase || off >= z.chunkBase+uint64(z.nChunks)*z.chunkSize {
			continue
		}
		if class.UnitSize == 0 {
			chunkIdx := uint32((off - z.chunkBase) / z.chunkSize)
			h := z.header(chunkIdx)
			return ActionToken{kind: TokenFreeHuge, zone: z, chunkIdx: chunkIdx, nChunks: h.SizeIdx, dataOff: off}, nil
		}
		chunkIdx := uint32((off - z.chunkBase) / z.chunkSize)
		r := z.openRun(chunkIdx)
		idx, err := r.unitIndex(off)
		if err != nil {
			return ActionToken{}, err
		}
		return ActionToken{kind: TokenFreeRun, zone: z, chunkIdx: chunkIdx, dataOff: off, run: r, unitBit: idx}, nil
	}
	return ActionToken{}, errs.New("heap.DeferFree", errs.InvalidArgument, nil)
}

// Cancel releases reservations without persisting them. Since Reserve never
// touched mem (only the zone's volatile bookkeeping), canceling an Alloc*
// token is just dropping that hold; a deferred free was never staged at all,
// so canceling it is a no-op either way.
func (p *Pool) Cancel(tokens []ActionToken) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tokens {
		switch t.kind {
		case TokenAllocHuge:
			t.zone.releaseChunkRange(t.chunkIdx, t.nChunks)
		case TokenAllocRun:
			t.zone.releaseUnit(t.chunkIdx, t.unitBit)
		case TokenAllocRunNew:
			t.zone.releaseChunkRange(t.chunkIdx, 1)
		case TokenFreeHuge, TokenFreeRun:
			// nothing was mutated yet for a deferred free; canceling it is a
			// no-op.
		}
	}
}

// Publish atomically applies a batch of tokens under a single write-ahead
// log transaction (§4.D). Every header/bitmap/data mutation the tokens imply
// is staged as a WAL entry here; nothing touches p.mem directly until
// tx.End's wal.apply replays the log, so a crash before commit leaves the
// mapped region exactly as it was before Reserve (§8 invariant 1).
func (p *Pool) Publish(tokens []ActionToken, tx *Tx, ctor func(ActionToken)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tokens {
		switch t.kind {
		case TokenAllocHuge:
			for _, w := range t.zone.hugeAllocHeaders(t.chunkIdx, t.nChunks) {
				tx.log.set(w.off, encodeHeaderWord(w.hdr))
			}
			if len(t.ctorBuf) > 0 {
				tx.log.set(t.dataOff, t.ctorBuf)
			}
			if ctor != nil {
				ctor(t)
			}
			t.zone.releaseChunkRange(t.chunkIdx, t.nChunks)
		case TokenAllocRun:
			tx.log.setBits(t.run.bmOff, t.unitBit, 1)
			if len(t.ctorBuf) > 0 {
				tx.log.set(t.dataOff, t.ctorBuf)
			}
			if ctor != nil {
				ctor(t)
			}
			t.zone.releaseUnit(t.chunkIdx, t.unitBit)
		case TokenAllocRunNew:
			tx.log.set(t.zone.headerOff(t.chunkIdx), encodeHeaderWord(ChunkHeader{Type: ChunkRun, SizeIdx: 1}))
			hdrBuf := make([]byte, runHeaderSize)
			t.run.hdr.encode(hdrBuf)
			tx.log.set(t.run.off, hdrBuf)
			tx.log.set(t.run.bmOff, t.run.bitmapInit(t.unitBit))
			if len(t.ctorBuf) > 0 {
				tx.log.set(t.dataOff, t.ctorBuf)
			}
			if ctor != nil {
				ctor(t)
			}
			t.zone.releaseChunkRange(t.chunkIdx, 1)
		case TokenFreeHuge:
			for _, w := range t.zone.hugeFreeHeaders(t.chunkIdx, t.nChunks) {
				tx.log.set(w.off, encodeHeaderWord(w.hdr))
			}
		case TokenFreeRun:
			tx.log.clrBits(t.run.bmOff, t.unitBit, 1)
			if t.run.allOtherUnitsFree(t.unitBit) {
				tx.log.set(t.zone.headerOff(t.chunkIdx), encodeHeaderWord(ChunkHeader{Type: ChunkFree}))
			}
		}
	}
	return nil
}

func encodeHeaderWord(h ChunkHeader) []byte {
	w := h.encode()
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(w >> (8 * i))
	}
	return b
}

// SetValue writes a value into the reserved payload region as part of the
// pending transaction, to be applied at Publish time (§4.D set_value).
func (p *Pool) SetValue(t ActionToken, value []byte, tx *Tx) error {
	if uint64(len(value)) > t.size && t.size != 0 {
		return errs.New("heap.SetValue", errs.InvalidArgument, nil)
	}
	tx.log.set(t.dataOff, value)
	return nil
}
