// Package ilog implements the incarnation log (§4.G): a tiny per-key
// history of create/punch events used to resolve an object, dkey, or akey's
// existence as of a given epoch under MVCC.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package ilog

import (
	"encoding/binary"
	"sort"

	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/vos/errs"
)

// Kind distinguishes a creation from an in-place update and a punch
// (removal) event. Updates never change existence; they only advance the
// incarnation's update_epoch for readers that need the last-modified time.
type Kind uint8

const (
	KindCreate Kind = iota
	KindPunch
	KindUpdate
)

// Record is one incarnation-log entry.
type Record struct {
	Epoch    hlc.Timestamp
	MinorEpc uint16
	Kind     Kind
}

const recEncSize = 8 + 2 + 1

// recLess orders records by the (epoch, minor_epc) pair §8 invariant 6
// requires to be strictly increasing: epoch is the primary key, minor_epc
// the tie-breaker S3's conflict-restart mechanism relies on (§5).
func recLess(a, b Record) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch.Less(b.Epoch)
	}
	return a.MinorEpc < b.MinorEpc
}

// Log is an incarnation log embedded in a heap.Pool, persisted as a single
// growable, epoch-sorted record block (the same "reallocate rather than
// split" simplification as evtree.Tree — an ilog rarely holds more than a
// handful of live records once aggregated).
type Log struct {
	pool     *heap.Pool
	classID  uint16
	off      uint64
	aggUpper hlc.Timestamp // records at/below this epoch have been aggregated away
}

// Create allocates an empty incarnation log.
func Create(pool *heap.Pool, heapClassID uint16) *Log {
	return &Log{pool: pool, classID: heapClassID}
}

// Open reopens a log from its persisted offset and last known aggregation
// boundary (both of which the caller must have stored alongside it).
func Open(pool *heap.Pool, heapClassID uint16, off uint64, aggUpper hlc.Timestamp) *Log {
	return &Log{pool: pool, classID: heapClassID, off: off, aggUpper: aggUpper}
}

// Offset is the persisted handle for reopening this log.
func (l *Log) Offset() uint64 { return l.off }

// AggUpper is the current aggregation boundary.
func (l *Log) AggUpper() hlc.Timestamp { return l.aggUpper }

func (l *Log) load() []Record {
	if l.off == 0 {
		return nil
	}
	mem := l.pool.Bytes()
	count := binary.LittleEndian.Uint32(mem[l.off : l.off+4])
	out := make([]Record, 0, count)
	base := l.off + 4
	for i := uint32(0); i < count; i++ {
		b := mem[base+uint64(i)*recEncSize:]
		out = append(out, Record{
			Epoch:    hlc.Timestamp(binary.LittleEndian.Uint64(b[0:8])),
			MinorEpc: binary.LittleEndian.Uint16(b[8:10]),
			Kind:     Kind(b[10]),
		})
	}
	return out
}

func (l *Log) store(recs []Record) error {
	size := uint64(4) + uint64(len(recs))*recEncSize
	if size < 4 {
		size = 4
	}
	tok, err := l.pool.Reserve(size, l.classID, nil)
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(recs)))
	for i, r := range recs {
		b := buf[4+uint64(i)*recEncSize:]
		binary.LittleEndian.PutUint64(b[0:8], uint64(r.Epoch))
		binary.LittleEndian.PutUint16(b[8:10], r.MinorEpc)
		b[10] = byte(r.Kind)
	}
	tx := l.pool.Begin()
	if err := l.pool.SetValue(tok, buf, tx); err != nil {
		return err
	}
	if err := l.pool.Publish([]heap.ActionToken{tok}, tx, nil); err != nil {
		return err
	}
	if err := tx.End(true); err != nil {
		return err
	}
	if l.off != 0 {
		if free, ferr := l.pool.DeferFree(l.off, l.classID); ferr == nil {
			ftx := l.pool.Begin()
			_ = l.pool.Publish([]heap.ActionToken{free}, ftx, nil)
			_ = ftx.End(true)
		}
	}
	l.off = tok.DataOff()
	return nil
}

// Append records an event of the given kind at (epoch, minorEpc). An epoch
// below a later record already present (or at or below the aggregation
// boundary)
// indicates the caller raced a concurrent transaction that has since
// progressed the log past this point; the caller must restart (§4.G,
// mirroring heap Tx semantics — vos/errs.TXRestart).
func (l *Log) Append(epoch hlc.Timestamp, minorEpc uint16, kind Kind) error {
	if epoch.Physical() < l.aggUpper.Physical() || (epoch.Physical() == l.aggUpper.Physical() && epoch.Logical() <= l.aggUpper.Logical()) {
		return errs.New("ilog.Append", errs.TXRestart, nil)
	}
	recs := l.load()
	incoming := Record{Epoch: epoch, MinorEpc: minorEpc}
	for _, r := range recs {
		if r.Epoch == epoch && r.MinorEpc == minorEpc {
			if r.Kind == kind {
				return nil // idempotent replay
			}
			return errs.New("ilog.Append", errs.TXRestart, nil)
		}
		if recLess(incoming, r) {
			return errs.New("ilog.Append", errs.TXRestart, nil)
		}
	}
	recs = append(recs, Record{Epoch: epoch, MinorEpc: minorEpc, Kind: kind})
	sort.Slice(recs, func(i, j int) bool { return recLess(recs[i], recs[j]) })
	return l.store(recs)
}

// Punch appends a removal event; same ordering rules as Append.
func (l *Log) Punch(epoch hlc.Timestamp, minorEpc uint16) error {
	return l.Append(epoch, minorEpc, KindPunch)
}

// Update appends an in-place-modification event; same ordering rules as
// Append.
func (l *Log) Update(epoch hlc.Timestamp, minorEpc uint16) error {
	return l.Append(epoch, minorEpc, KindUpdate)
}

// Fetch returns the record governing existence as of epoch: the latest
// create or punch with Epoch <= epoch, if any. Updates are skipped — they
// never flip existence.
func (l *Log) Fetch(epoch hlc.Timestamp) (Record, bool) {
	recs := l.load()
	var best Record
	found := false
	for _, r := range recs {
		if r.Kind == KindUpdate {
			continue
		}
		if r.Epoch.Less(epoch) || r.Epoch == epoch {
			if !found || recLess(best, r) {
				best = r
				found = true
			}
		}
	}
	return best, found
}

// Visibility is the structured fetch result (§4.G): the create governing
// the read epoch (if still visible), the latest update within that
// incarnation, the punch bracketing it from below, the next punch above
// the read epoch, and whether an unresolved record inside the caller's
// bound window makes the whole answer uncertain.
type Visibility struct {
	CreateEpoch hlc.Timestamp
	UpdateEpoch hlc.Timestamp
	PriorPunch  hlc.Timestamp
	NextPunch   hlc.Timestamp
	HasCreate   bool
	HasUpdate   bool
	HasPrior    bool
	HasNext     bool
	Uncertain   bool
}

// FetchVisibility resolves the log against a read at epoch whose
// uncertainty window extends to bound: any record in (epoch, bound] was
// prepared by a transaction whose outcome this reader cannot yet order
// against itself, so the result is flagged uncertain and the caller is
// expected to restart (§4.G). bound == 0 disables the window.
func (l *Log) FetchVisibility(epoch, bound hlc.Timestamp) Visibility {
	var v Visibility
	for _, r := range l.load() { // records are epoch-sorted
		if !epoch.Less(r.Epoch) {
			switch r.Kind {
			case KindCreate:
				v.CreateEpoch, v.HasCreate = r.Epoch, true
			case KindPunch:
				// a punch masks every earlier create and its updates
				v.PriorPunch, v.HasPrior = r.Epoch, true
				v.HasCreate = false
				v.HasUpdate = false
			case KindUpdate:
				if v.HasCreate {
					v.UpdateEpoch, v.HasUpdate = r.Epoch, true
				}
			}
			continue
		}
		if r.Kind == KindPunch && !v.HasNext {
			v.NextPunch, v.HasNext = r.Epoch, true
		}
		if bound != 0 && !bound.Less(r.Epoch) {
			v.Uncertain = true
		}
	}
	return v
}

// Status classifies a ranged existence check (§4.G check).
type Status uint8

const (
	StatusVisible Status = iota
	StatusCovered
	StatusNonexistent
	StatusUncertain
)

// CheckRange classifies the key over [lo, hi]: visible when a create
// governs hi, covered when a punch at or above lo masks it, nonexistent
// when the log has nothing for the range, uncertain when an unresolved
// record sits inside the bound window.
func (l *Log) CheckRange(lo, hi, bound hlc.Timestamp) Status {
	v := l.FetchVisibility(hi, bound)
	switch {
	case v.Uncertain:
		return StatusUncertain
	case v.HasCreate:
		return StatusVisible
	case v.HasPrior && !v.PriorPunch.Less(lo):
		return StatusCovered
	default:
		return StatusNonexistent
	}
}

// Latest returns the single most-recently-ordered record by (epoch,
// minor_epc), regardless of any read bound — used by callers that need to
// know the last time this key was touched at all, such as an
// ancestor-timestamp conflict check during punch propagation (§4.H).
func (l *Log) Latest() (Record, bool) {
	recs := l.load()
	var best Record
	found := false
	for _, r := range recs {
		if !found || recLess(best, r) {
			best = r
			found = true
		}
	}
	return best, found
}

// Check reports whether the key this log describes exists as of epoch
// (§4.G check): the latest governing record, if any, must be a create.
func (l *Log) Check(epoch hlc.Timestamp) (bool, error) {
	rec, ok := l.Fetch(epoch)
	if !ok {
		return false, nil
	}
	return rec.Kind == KindCreate, nil
}

// Aggregate discards every record at or below upperBound, keeping only the
// governing record at upperBound itself when that record is a create (a
// governing punch is discarded with everything it masks), and advances the log's aggregation boundary to upperBound (§4.G
// aggregate). Reads at or below the new boundary are no longer
// resolvable and must be rejected by the caller (the dtx package enforces
// this guard using AggUpper). Returns true when the log came out empty,
// meaning no reader can ever see this key again and it can be dropped.
func (l *Log) Aggregate(upperBound hlc.Timestamp) (bool, error) {
	recs := l.load()
	governing, ok := l.Fetch(upperBound)
	var kept []Record
	for _, r := range recs {
		if upperBound.Less(r.Epoch) {
			kept = append(kept, r)
		}
	}
	if ok && (governing.Kind == KindCreate) {
		kept = append([]Record{governing}, kept...)
	}
	l.aggUpper = upperBound
	if err := l.store(kept); err != nil {
		return false, err
	}
	return len(kept) == 0, nil
}
