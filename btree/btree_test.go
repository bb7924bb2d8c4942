/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package btree_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vosdb/vosengine/btree"
	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/internal/config"
)

const testHeapClass uint16 = 16

func newTestTree(t *testing.T, order int, feat btree.Feature) (*btree.Tree, *heap.Pool) {
	t.Helper()
	cfg := config.Default()
	cfg.ChunkSize = 4096
	path := filepath.Join(t.TempDir(), "pool.bin")
	zoneSize := uint64(heap.ZoneHeaderSize) + 256*uint64(heap.ChunkHeaderSize+int(cfg.ChunkSize))
	total := uint64(heap.PoolHeaderSize+heap.HeapHeaderSize) + zoneSize
	p, err := heap.Create(path, total, 1, cfg)
	require.NoError(t, err)
	p.RegisterClass(btree.NodeHeapClass(testHeapClass, order))
	tr, err := btree.Create(p, testHeapClass, feat, order)
	require.NoError(t, err)
	return tr, p
}

func TestUpsertLookupDeleteRoundTrip(t *testing.T) {
	tr, p := newTestTree(t, 8, 0)
	defer p.Close()

	require.NoError(t, tr.Upsert(btree.UintKey(1), 100))
	require.NoError(t, tr.Upsert(btree.UintKey(2), 200))
	require.NoError(t, tr.Upsert(btree.UintKey(3), 300))

	rec, err := tr.Lookup(btree.ProbeEq, btree.UintKey(2))
	require.NoError(t, err)
	require.Equal(t, uint64(200), rec.ValOff)

	require.NoError(t, tr.Delete(btree.UintKey(2)))
	_, err = tr.Lookup(btree.ProbeEq, btree.UintKey(2))
	require.Error(t, err)
}

func TestEmbeddedRootSingleRecord(t *testing.T) {
	tr, p := newTestTree(t, 8, btree.FeatEmbedFirst)
	defer p.Close()

	require.NoError(t, tr.Upsert(btree.UintKey(42), 4242))
	require.True(t, tr.RootSnapshot().Embedded)

	rec, err := tr.Lookup(btree.ProbeEq, btree.UintKey(42))
	require.NoError(t, err)
	require.Equal(t, uint64(4242), rec.ValOff)

	require.NoError(t, tr.Upsert(btree.UintKey(7), 77))
	require.False(t, tr.RootSnapshot().Embedded, "second distinct key must demote out of embedded form")

	require.NoError(t, tr.Delete(btree.UintKey(42)))
	require.NoError(t, tr.Delete(btree.UintKey(7)))
	require.True(t, tr.RootSnapshot().IsEmpty())
}

// TestOrderThreeInsertThenReverseDeleteStaysWellFormed matches the spec's
// explicit boundary scenario: with the smallest legal order (3), insert
// 1..N in order then delete in reverse order, checking every key's
// reachability after every single mutation.
func TestOrderThreeInsertThenReverseDeleteStaysWellFormed(t *testing.T) {
	tr, p := newTestTree(t, 3, 0)
	defer p.Close()

	const n = 60
	for i := 1; i <= n; i++ {
		require.NoError(t, tr.Upsert(btree.UintKey(uint64(i)), uint64(i*10)))
		for j := 1; j <= i; j++ {
			rec, err := tr.Lookup(btree.ProbeEq, btree.UintKey(uint64(j)))
			require.NoErrorf(t, err, "key %d missing after inserting %d", j, i)
			require.Equal(t, uint64(j*10), rec.ValOff)
		}
	}
	for i := n; i >= 1; i-- {
		require.NoError(t, tr.Delete(btree.UintKey(uint64(i))))
		for j := 1; j < i; j++ {
			rec, err := tr.Lookup(btree.ProbeEq, btree.UintKey(uint64(j)))
			require.NoErrorf(t, err, "key %d missing after deleting down to %d", j, i)
			require.Equal(t, uint64(j*10), rec.ValOff)
		}
		_, err := tr.Lookup(btree.ProbeEq, btree.UintKey(uint64(i)))
		require.Error(t, err, "deleted key %d must be gone", i)
	}
	require.True(t, tr.RootSnapshot().IsEmpty())
}

// TestAnchorSurvivesResume matches scenario S5: insert 1000 keys, fetch 500,
// record an anchor, reopen a fresh iterator from that anchor, and fetch one
// more record — it must equal key 501.
func TestAnchorSurvivesResume(t *testing.T) {
	tr, p := newTestTree(t, 16, 0)
	defer p.Close()

	const total = 1000
	for i := 1; i <= total; i++ {
		require.NoError(t, tr.Upsert(btree.UintKey(uint64(i)), uint64(i)))
	}

	it, err := tr.IterPrepare(btree.ProbeFirst, btree.Key{})
	require.NoError(t, err)
	var anchor []byte
	for i := 1; i <= 500; i++ {
		rec, ferr := it.Fetch()
		require.NoError(t, ferr)
		require.Equal(t, uint64(i), rec.Key.UintV)
		anchor, err = it.Anchor()
		require.NoError(t, err)
		it.Next()
	}

	it2, err := tr.ResumeFromAnchor(anchor)
	require.NoError(t, err)
	rec, err := it2.Fetch()
	require.NoError(t, err)
	require.Equal(t, uint64(500), rec.Key.UintV)
	require.True(t, it2.Next())
	rec, err = it2.Fetch()
	require.NoError(t, err)
	require.Equal(t, uint64(501), rec.Key.UintV, "resuming from the anchor then advancing once must land on key 501")
}

func TestIteratorForwardOrderMatchesSortedKeys(t *testing.T) {
	tr, p := newTestTree(t, 4, 0)
	defer p.Close()

	keys := []uint64{5, 3, 9, 1, 7, 2, 8, 4, 6}
	for _, k := range keys {
		require.NoError(t, tr.Upsert(btree.UintKey(k), k*100))
	}
	it, err := tr.IterPrepare(btree.ProbeFirst, btree.Key{})
	require.NoError(t, err)
	var got []uint64
	for {
		rec, ferr := it.Fetch()
		if ferr != nil {
			break
		}
		got = append(got, rec.Key.UintV)
		if !it.Next() {
			break
		}
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}
