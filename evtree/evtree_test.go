/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package evtree_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vosdb/vosengine/evtree"
	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/internal/config"
)

func newTestPool(t *testing.T) *heap.Pool {
	t.Helper()
	cfg := config.Default()
	cfg.ChunkSize = 4096
	path := filepath.Join(t.TempDir(), "pool.bin")
	zoneSize := uint64(heap.ZoneHeaderSize) + 64*uint64(heap.ChunkHeaderSize+int(cfg.ChunkSize))
	total := uint64(heap.PoolHeaderSize+heap.HeapHeaderSize) + zoneSize
	p, err := heap.Create(path, total, 1, cfg)
	require.NoError(t, err)
	return p
}

func ts(n uint64) hlc.Timestamp { return hlc.Timestamp(n << 18) }

func TestInsertFetchNonOverlapping(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()
	tr := evtree.Create(p, heap.ClassHuge)

	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 0, Hi: 100}, Epoch: ts(1), ValOff: 1000}))
	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 100, Hi: 200}, Epoch: ts(1), ValOff: 2000}))

	vis := tr.Fetch(evtree.Filter{Extent: evtree.Extent{Lo: 0, Hi: 200}, EpochHi: ts(10)})
	require.Len(t, vis, 2)
	for _, v := range vis {
		require.Equal(t, evtree.VisVisible, v.State)
	}
}

func TestOverwriteAtLaterEpochCovers(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()
	tr := evtree.Create(p, heap.ClassHuge)

	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 0, Hi: 100}, Epoch: ts(1), ValOff: 1}))
	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 0, Hi: 100}, Epoch: ts(2), ValOff: 2}))

	vis := tr.Fetch(evtree.Filter{Extent: evtree.Extent{Lo: 0, Hi: 100}, EpochHi: ts(10)})
	require.Len(t, vis, 2)
	var sawVisible, sawCovered bool
	for _, v := range vis {
		switch v.State {
		case evtree.VisVisible:
			sawVisible = true
			require.Equal(t, ts(2), v.Entry.Epoch)
		case evtree.VisCovered:
			sawCovered = true
			require.Equal(t, ts(1), v.Entry.Epoch)
		}
	}
	require.True(t, sawVisible)
	require.True(t, sawCovered)
}

func TestReadAtEarlierEpochSeesOnlyEarlierVersion(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()
	tr := evtree.Create(p, heap.ClassHuge)

	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 0, Hi: 100}, Epoch: ts(1), ValOff: 1}))
	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 0, Hi: 100}, Epoch: ts(5), ValOff: 2}))

	vis := tr.Fetch(evtree.Filter{Extent: evtree.Extent{Lo: 0, Hi: 100}, EpochHi: ts(3)})
	require.Len(t, vis, 1)
	require.Equal(t, ts(1), vis[0].Entry.Epoch)
	require.Equal(t, evtree.VisVisible, vis[0].State)
}

func TestPunchMarksOverlappingEntries(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()
	tr := evtree.Create(p, heap.ClassHuge)

	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 0, Hi: 100}, Epoch: ts(1), ValOff: 1}))
	require.NoError(t, tr.Punch(evtree.Extent{Lo: 0, Hi: 100}, ts(5), 0))

	vis := tr.Fetch(evtree.Filter{Extent: evtree.Extent{Lo: 0, Hi: 100}, EpochHi: ts(10)})
	require.Len(t, vis, 1)
	require.Equal(t, evtree.VisPunched, vis[0].State)
}

func TestMergeOnSameEpochInsertion(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()
	tr := evtree.Create(p, heap.ClassHuge)

	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 0, Hi: 50}, Epoch: ts(1), ValOff: 1}))
	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 40, Hi: 100}, Epoch: ts(1), ValOff: 2}))

	vis := tr.Fetch(evtree.Filter{Extent: evtree.Extent{Lo: 0, Hi: 100}, EpochHi: ts(10)})
	require.Len(t, vis, 1, "overlapping writes at the same epoch must merge into one entry")
	require.Equal(t, evtree.Extent{Lo: 0, Hi: 100}, vis[0].Entry.Extent)
}

func TestDrainReclaimsCoveredEntriesUpToCredits(t *testing.T) {
	p := newTestPool(t)
	defer p.Close()
	tr := evtree.Create(p, heap.ClassHuge)

	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 0, Hi: 100}, Epoch: ts(1), ValOff: 1}))
	require.NoError(t, tr.Insert(evtree.Entry{Extent: evtree.Extent{Lo: 0, Hi: 100}, Epoch: ts(2), ValOff: 2}))

	removed, done, err := tr.Drain(1, false)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.True(t, done)

	vis := tr.Fetch(evtree.Filter{Extent: evtree.Extent{Lo: 0, Hi: 100}, EpochHi: ts(10)})
	require.Len(t, vis, 1)
	require.Equal(t, evtree.VisVisible, vis[0].State)
}
