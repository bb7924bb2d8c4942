/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package object_test

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/vosdb/vosengine/btree"
	"github.com/vosdb/vosengine/evtree"
	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/internal/config"
	"github.com/vosdb/vosengine/object"
	"github.com/vosdb/vosengine/vos/errs"
)

func newPool() (*heap.Pool, string, config.Config) {
	cfg := config.Default()
	cfg.ChunkSize = 4096
	dir, err := os.MkdirTemp("", "vos-object-test-")
	Expect(err).NotTo(HaveOccurred())
	path := filepath.Join(dir, "pool.bin")
	zoneSize := uint64(heap.ZoneHeaderSize) + 512*uint64(heap.ChunkHeaderSize+int(cfg.ChunkSize))
	total := uint64(heap.PoolHeaderSize+heap.HeapHeaderSize) + zoneSize
	p, err := heap.Create(path, total, 1, cfg)
	Expect(err).NotTo(HaveOccurred())
	return p, path, cfg
}

func ts(n uint64) hlc.Timestamp { return hlc.Timestamp(n << 18) }

var _ = Describe("Engine", func() {
	var p *heap.Pool
	var poolPath string
	var poolCfg config.Config
	var eng *object.Engine
	var cid object.ContainerID
	var dkey, akey btree.Key

	BeforeEach(func() {
		p, poolPath, poolCfg = newPool()
		var err error
		eng, err = object.Create(p)
		Expect(err).NotTo(HaveOccurred())
		cid = object.ContainerID(uuid.New())
		dkey = btree.HashedKey([]byte("d"))
		akey = btree.HashedKey([]byte("a"))
	})

	AfterEach(func() {
		p.Close()
	})

	It("writes and reads back a single-value akey across versions", func() {
		Expect(eng.UpdateSingle(cid, 1, dkey, akey, ts(1), []byte("hello"))).To(Succeed())
		got, err := eng.FetchSingle(cid, 1, dkey, akey, ts(5))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("hello"))

		Expect(eng.UpdateSingle(cid, 1, dkey, akey, ts(2), []byte("world!"))).To(Succeed())
		got, err = eng.FetchSingle(cid, 1, dkey, akey, ts(5))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("world!"))

		got, err = eng.FetchSingle(cid, 1, dkey, akey, ts(1))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("hello"))
	})

	It("hides a punched akey's value at a later epoch but not an earlier one", func() {
		Expect(eng.UpdateSingle(cid, 1, dkey, akey, ts(1), []byte("v1"))).To(Succeed())
		Expect(eng.PunchAkey(cid, 1, dkey, akey, ts(5), 0)).To(Succeed())

		_, err := eng.FetchSingle(cid, 1, dkey, akey, ts(10))
		Expect(err).To(HaveOccurred())
		Expect(errs.Is(err, errs.NotFound)).To(BeTrue())

		got, err := eng.FetchSingle(cid, 1, dkey, akey, ts(2))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("v1"), "a read before the punch epoch must still see the value")
	})

	It("hides every dkey beneath a punched object", func() {
		Expect(eng.UpdateSingle(cid, 7, dkey, akey, ts(1), []byte("v"))).To(Succeed())
		Expect(eng.PunchObject(cid, 7, ts(3))).To(Succeed())

		_, err := eng.FetchSingle(cid, 7, dkey, akey, ts(10))
		Expect(err).To(HaveOccurred())
	})

	It("restarts a dkey punch whose parent object was touched more recently than its read bound", func() {
		Expect(eng.UpdateSingle(cid, 9, dkey, akey, ts(1), []byte("v"))).To(Succeed())
		Expect(eng.PunchObject(cid, 9, ts(5))).To(Succeed())

		err := eng.PunchDkey(cid, 9, dkey, ts(3), 0)
		Expect(err).To(HaveOccurred())
		Expect(errs.Is(err, errs.TXRestart)).To(BeTrue(), "a concurrent object-level touch after the caller's read bound must force a restart")
	})

	It("merges overlapping same-epoch writes to an array-valued akey", func() {
		arr := btree.HashedKey([]byte("arr"))
		Expect(eng.UpdateArray(cid, 1, dkey, arr, ts(1), evtree.Extent{Lo: 0, Hi: 4}, []byte("abcd"))).To(Succeed())
		Expect(eng.UpdateArray(cid, 1, dkey, arr, ts(1), evtree.Extent{Lo: 2, Hi: 8}, []byte("cdefgh"))).To(Succeed())

		vis, err := eng.FetchArray(cid, 1, dkey, arr, ts(10), evtree.Extent{Lo: 0, Hi: 8})
		Expect(err).NotTo(HaveOccurred())
		Expect(vis).To(HaveLen(1), "overlapping same-epoch writes must merge")
		Expect(vis[0].Entry.Extent).To(Equal(evtree.Extent{Lo: 0, Hi: 8}))
	})

	It("preserves data across a pool close and reopen", func() {
		Expect(eng.UpdateSingle(cid, 1, dkey, akey, ts(1), []byte("persisted"))).To(Succeed())
		root := eng.ContainersRoot()
		Expect(p.Close()).To(Succeed())

		p2, err := heap.Open(poolPath, poolCfg)
		Expect(err).NotTo(HaveOccurred())
		defer p2.Close()
		eng2 := object.Open(p2, root)
		got, err := eng2.FetchSingle(cid, 1, dkey, akey, ts(5))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("persisted"))

		// prevent the outer AfterEach from double-closing p
		p = p2
	})
})
