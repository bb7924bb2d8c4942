/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package heap

import (
	"fmt"
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/vosdb/vosengine/internal/config"
	"github.com/vosdb/vosengine/internal/metrics"
	"github.com/vosdb/vosengine/internal/xlog"
	"github.com/vosdb/vosengine/vos/errs"
)

// Pool is a file-backed heap: PoolHeader | HeapHeader | Zone0 | Zone1 | ...
// (§6), memory-mapped so that every offset dereferences via base+offset
// without caring where the kernel chose to place the mapping.
type Pool struct {
	mu  sync.Mutex
	mem mmap.MMap
	f   *os.File

	walPath string

	cfg   config.Config
	zones []*Zone

	classes map[uint16]*Class
}

// Create allocates a new pool file of the given total size (bytes), with
// nzones zones, and memory-maps it.
func Create(path string, size uint64, nzones uint32, cfg config.Config) (*Pool, error) {
	if size <= uint64(PoolHeaderSize+HeapHeaderSize) || nzones == 0 {
		return nil, errs.New("heap.Create", errs.InvalidArgument, nil)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.New("heap.Create", errs.IO, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, errs.New("heap.Create", errs.IO, err)
	}
	mem, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errs.New("heap.Create", errs.IO, err)
	}

	zoneSize := (size - PoolHeaderSize - HeapHeaderSize) / uint64(nzones)
	nChunks := uint32((zoneSize - ZoneHeaderSize) / (ChunkHeaderSize + cfg.ChunkSize))
	if nChunks == 0 {
		mem.Unmap()
		f.Close()
		return nil, errs.New("heap.Create", errs.InvalidArgument, nil)
	}

	ph := PoolHeader{Magic: poolMagic, Version: 1, Size: size}
	ph.encode(mem[0:PoolHeaderSize])

	hh := HeapHeader{
		Magic: heapMagic, Size: size - PoolHeaderSize, NZones: nzones,
		ZoneSize: zoneSize, ChunkSize: cfg.ChunkSize, NChunks: nChunks,
	}
	hh.encode(mem[PoolHeaderSize : PoolHeaderSize+HeapHeaderSize])

	p := &Pool{
		mem: mem, f: f, walPath: path + ".wal",
		cfg: cfg, classes: defaultClasses(),
	}
	base := uint64(PoolHeaderSize + HeapHeaderSize)
	for i := uint32(0); i < nzones; i++ {
		z := newZone(p, base, nChunks, cfg.ChunkSize)
		z.initHeader()
		p.zones = append(p.zones, z)
		base += zoneSize
	}
	xlog.Infof("heap: created pool %s size=%d zones=%d chunks/zone=%d", path, size, nzones, nChunks)
	return p, nil
}

// Open maps an existing pool file and replays its write-ahead log: committed
// entries are applied idempotently, an uncommitted tail is discarded (§4.D).
func Open(path string, cfg config.Config) (*Pool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.New("heap.Open", errs.IO, err)
	}
	mem, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errs.New("heap.Open", errs.IO, err)
	}
	ph := decodePoolHeader(mem[0:PoolHeaderSize])
	if ph.Magic != poolMagic {
		mem.Unmap()
		f.Close()
		return nil, errs.New("heap.Open", errs.Corrupt, fmt.Errorf("bad pool magic"))
	}
	hh := decodeHeapHeader(mem[PoolHeaderSize : PoolHeaderSize+HeapHeaderSize])
	if hh.Magic != heapMagic {
		mem.Unmap()
		f.Close()
		return nil, errs.New("heap.Open", errs.Corrupt, fmt.Errorf("bad heap magic"))
	}

	p := &Pool{
		mem: mem, f: f, walPath: path + ".wal",
		cfg: cfg, classes: defaultClasses(),
	}
	base := uint64(PoolHeaderSize + HeapHeaderSize)
	for i := uint32(0); i < hh.NZones; i++ {
		z := newZone(p, base, hh.NChunks, hh.ChunkSize)
		if err := z.validate(); err != nil {
			mem.Unmap()
			f.Close()
			return nil, err
		}
		p.zones = append(p.zones, z)
		base += hh.ZoneSize
	}
	if err := p.replayLog(); err != nil {
		mem.Unmap()
		f.Close()
		return nil, err
	}
	for _, z := range p.zones {
		z.rebuildFooters()
	}
	xlog.Infof("heap: opened pool %s zones=%d", path, hh.NZones)
	return p, nil
}

// Close flushes and unmaps the pool. Every volatile handle derived from the
// pool must be torn down before or during Close (§3 lifecycle).
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.mem.Flush(); err != nil {
		return errs.New("heap.Close", errs.IO, err)
	}
	if err := p.mem.Unmap(); err != nil {
		return errs.New("heap.Close", errs.IO, err)
	}
	return p.f.Close()
}

// Bytes returns the raw mapped region; offsets are indices into this slice.
// Exposed for the index packages (btree, evtree) which store offsets, not
// pointers, and dereference via Pool.Bytes()[off:].
func (p *Pool) Bytes() []byte { return p.mem }

func (p *Pool) appendLog(w *wal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.walPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return errs.New("heap.appendLog", errs.IO, err)
	}
	defer f.Close()
	for _, e := range w.entries {
		if _, err := f.Write(e.marshal()); err != nil {
			return errs.New("heap.appendLog", errs.IO, err)
		}
	}
	return nil
}

// replayLog re-applies committed-but-unapplied WAL entries and discards any
// uncommitted tail, per §4.D / §6 ("an unterminated tail is discarded").
func (p *Pool) replayLog() error {
	data, err := os.ReadFile(p.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New("heap.replayLog", errs.IO, err)
	}
	var pending []walEntry
	var committed [][]walEntry
	off := 0
	for off < len(data) {
		e, n, ok := unmarshalEntry(data[off:])
		if !ok {
			break // unterminated/corrupt tail: discard
		}
		off += n
		if e.Type == EntryCommit {
			committed = append(committed, pending)
			pending = nil
			continue
		}
		pending = append(pending, e)
	}
	for _, txEntries := range committed {
		w := &wal{entries: txEntries}
		w.apply(p.mem)
	}
	// empty the log once its committed transactions are applied, so a
	// second boot doesn't re-replay already-applied (but still idempotent)
	// entries forever.
	return os.WriteFile(p.walPath, nil, 0o644)
}

func (p *Pool) stats() (freeBytes uint64, usedChunks uint64) {
	for _, z := range p.zones {
		fb, uc := z.stats()
		freeBytes += fb
		usedChunks += uc
	}
	metrics.HeapFreeBytes.Set(float64(freeBytes))
	metrics.HeapUsedChunks.Set(float64(usedChunks))
	return
}

// Stats reports current free-byte and used-chunk totals across all zones,
// also publishing them to the prometheus gauges in internal/metrics.
func (p *Pool) Stats() (freeBytes, usedChunks uint64) { return p.stats() }
