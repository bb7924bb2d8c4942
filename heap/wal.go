/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package heap

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/vosdb/vosengine/internal/config"
	"github.com/vosdb/vosengine/internal/xlog"
	"github.com/vosdb/vosengine/vos/errs"
)

// EntryType enumerates the write-ahead-log entry kinds of §6/§9.
type EntryType uint8

const (
	EntrySet EntryType = iota
	EntrySetBits
	EntryClrBits
	EntryPersist
	EntryCommit
)

// walEntry is {type:u8, target_off:u64, start_bit:u32, run_length:u32,
// payload_len:u32, payload[]} plus a trailing xxhash64 checksum, per §6
// ("entries are crc-verified").
type walEntry struct {
	Type      EntryType
	TargetOff uint64
	Payload   []byte
	// only meaningful for SET_BITS/CLR_BITS: (start_bit, run_length)
	StartBit  uint32
	RunLength uint32
}

func (e walEntry) marshal() []byte {
	hdr := make([]byte, 1+8+4+4+4)
	hdr[0] = byte(e.Type)
	binary.LittleEndian.PutUint64(hdr[1:9], e.TargetOff)
	binary.LittleEndian.PutUint32(hdr[9:13], e.StartBit)
	binary.LittleEndian.PutUint32(hdr[13:17], e.RunLength)
	binary.LittleEndian.PutUint32(hdr[17:21], uint32(len(e.Payload)))
	buf := append(hdr, e.Payload...)
	sum := xxhash.Sum64(buf)
	out := make([]byte, len(buf)+8)
	copy(out, buf)
	binary.LittleEndian.PutUint64(out[len(buf):], sum)
	return out
}

func unmarshalEntry(b []byte) (walEntry, int, bool) {
	const hdrLen = 1 + 8 + 4 + 4 + 4
	if len(b) < hdrLen+8 {
		return walEntry{}, 0, false
	}
	plen := int(binary.LittleEndian.Uint32(b[17:21]))
	total := hdrLen + plen + 8
	if len(b) < total {
		return walEntry{}, 0, false
	}
	body := b[:hdrLen+plen]
	wantSum := binary.LittleEndian.Uint64(b[hdrLen+plen : total])
	if xxhash.Sum64(body) != wantSum {
		return walEntry{}, 0, false
	}
	e := walEntry{
		Type:      EntryType(b[0]),
		TargetOff: binary.LittleEndian.Uint64(b[1:9]),
		StartBit:  binary.LittleEndian.Uint32(b[9:13]),
		RunLength: binary.LittleEndian.Uint32(b[13:17]),
	}
	if plen > 0 {
		e.Payload = append([]byte(nil), b[hdrLen:hdrLen+plen]...)
	}
	return e, total, true
}

// wal is an in-memory append log for a single in-flight transaction. It is
// not durable until Tx.End appends it, followed by a commit entry, to the
// pool's separate log file; tx_end(err) simply discards it.
type wal struct {
	entries []walEntry
	cfg     config.WALBitOpsMode
}

func newWAL(cfg config.WALBitOpsMode) *wal {
	return &wal{cfg: cfg}
}

func (w *wal) set(off uint64, val []byte) {
	w.entries = append(w.entries, walEntry{Type: EntrySet, TargetOff: off, Payload: append([]byte(nil), val...)})
}

// setBits / clrBits emit SET_BITS/CLR_BITS entries describing an (offset,
// start-bit, run-length) region (design note §9's "alternative
// operations"). They do so in every WALBitOps mode: the mode is stored on
// the wal but not consulted, no AND/OR entries exist, and apply treats
// these entries the same way whatever the mode.
func (w *wal) setBits(off uint64, startBit, runLen uint32) {
	w.entries = append(w.entries, walEntry{Type: EntrySetBits, TargetOff: off, StartBit: startBit, RunLength: runLen})
}

func (w *wal) clrBits(off uint64, startBit, runLen uint32) {
	w.entries = append(w.entries, walEntry{Type: EntryClrBits, TargetOff: off, StartBit: startBit, RunLength: runLen})
}

func (w *wal) persist(off uint64, length uint32) {
	w.entries = append(w.entries, walEntry{Type: EntryPersist, TargetOff: off, RunLength: length})
}

// apply replays entries against the mapped region in order. commit applies
// SET/SET_BITS/CLR_BITS idempotently: re-applying a SET is trivially
// idempotent; SET_BITS/CLR_BITS are idempotent by construction (OR/AND of
// the same mask twice is a no-op change the second time).
func (w *wal) apply(mem []byte) {
	for _, e := range w.entries {
		switch e.Type {
		case EntrySet:
			copy(mem[e.TargetOff:], e.Payload)
		case EntrySetBits:
			applyBitRun(mem, e.TargetOff, e.StartBit, e.RunLength, true)
		case EntryClrBits:
			applyBitRun(mem, e.TargetOff, e.StartBit, e.RunLength, false)
		case EntryPersist:
			// in-process mmap is already coherent; PERSIST only matters for
			// msync-on-real-hardware durability, a no-op here.
		}
	}
}

func applyBitRun(mem []byte, off uint64, startBit, runLen uint32, set bool) {
	base := mem[off:]
	for i := uint32(0); i < runLen; i++ {
		bit := startBit + i
		byteIdx := bit / 8
		bitIdx := bit % 8
		if set {
			base[byteIdx] |= 1 << bitIdx
		} else {
			base[byteIdx] &^= 1 << bitIdx
		}
	}
}

// Tx represents an in-flight transaction against a Pool: tx_begin/tx_end of
// §4.D. Yield points (bio-flush equivalents) are modeled by the Yield
// method; the engine is cooperatively single-threaded (§5) so no locking is
// required here beyond what Pool itself serializes.
type Tx struct {
	pool *Pool
	log  *wal
	done bool
}

// Begin opens a transaction against the pool.
func (p *Pool) Begin() *Tx {
	return &Tx{pool: p, log: newWAL(p.cfg.WALBitOps)}
}

// LogSet queues a raw SET entry against an already-owned offset (used by
// callers, such as btree, that re-encode a whole record in place rather
// than going through Reserve/Publish).
func (tx *Tx) LogSet(off uint64, val []byte) {
	tx.log.set(off, val)
}

// Yield is the designated suspension point inside a transaction (§5): in
// this cooperative single-ULT-per-engine model it is a function call, not a
// real scheduler handoff.
func (tx *Tx) Yield() {}

// End commits (ok == true) or discards (ok == false) the transaction. A
// commit writes a COMMIT entry before applying anything to the mapped
// region, so a crash between entries and the commit record leaves the heap
// unchanged on replay (§8 invariant 1).
func (tx *Tx) End(ok bool) error {
	if tx.done {
		return errs.New("heap.Tx.End", errs.InvalidArgument, nil)
	}
	tx.done = true
	if !ok || len(tx.log.entries) == 0 {
		return nil
	}
	tx.log.entries = append(tx.log.entries, walEntry{Type: EntryCommit})
	if err := tx.pool.appendLog(tx.log); err != nil {
		return err
	}
	tx.log.apply(tx.pool.mem)
	xlog.Debugf("heap: tx committed %d entries", len(tx.log.entries))
	return nil
}
