/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package object_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/vosdb/vosengine/btree"
	"github.com/vosdb/vosengine/gc"
	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/internal/config"
	"github.com/vosdb/vosengine/object"
	"github.com/vosdb/vosengine/vos/errs"
)

var _ = Describe("Punch propagation", func() {
	var p *heap.Pool
	var eng *object.Engine
	var cid object.ContainerID

	dkey := btree.HashedKey([]byte("d"))
	akey := btree.HashedKey([]byte("a"))

	BeforeEach(func() {
		p, _, _ = newPool()
		var err error
		eng, err = object.Create(p)
		Expect(err).NotTo(HaveOccurred())
		cid = object.ContainerID{0xaa, 1, 2, 3, 4, 5, 6, 7}
	})

	AfterEach(func() {
		p.Close()
	})

	It("promotes an akey punch through an otherwise-empty dkey and object", func() {
		Expect(eng.UpdateSingle(cid, 1, dkey, akey, ts(1), []byte("v"))).To(Succeed())
		Expect(eng.PunchAkey(cid, 1, dkey, akey, ts(5), 0)).To(Succeed())

		// the object-level ilog now carries the propagated punch at ts(5),
		// so an older object punch races it and restarts
		err := eng.PunchObject(cid, 1, ts(3))
		Expect(err).To(HaveOccurred())
		Expect(errs.Is(err, errs.TXRestart)).To(BeTrue())
	})

	It("stops propagating at the first live sibling", func() {
		d2 := btree.HashedKey([]byte("d2"))
		Expect(eng.UpdateSingle(cid, 1, dkey, akey, ts(1), []byte("v1"))).To(Succeed())
		Expect(eng.UpdateSingle(cid, 1, d2, akey, ts(1), []byte("v2"))).To(Succeed())

		Expect(eng.PunchAkey(cid, 1, dkey, akey, ts(5), 0)).To(Succeed())

		// d2 is untouched and the object stays visible through it
		got, err := eng.FetchSingle(cid, 1, d2, akey, ts(10))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("v2"))

		// the object itself was never punched, so a direct object punch
		// still goes through
		Expect(eng.PunchObject(cid, 1, ts(6))).To(Succeed())
	})

	It("does not propagate a replayed punch", func() {
		Expect(eng.UpdateSingle(cid, 1, dkey, akey, ts(1), []byte("v"))).To(Succeed())
		Expect(eng.PunchAkey(cid, 1, dkey, akey, ts(5), object.PunchReplay)).To(Succeed())

		// with no propagated object-level punch, an object punch at a
		// lower epoch has nothing to race
		Expect(eng.PunchObject(cid, 1, ts(3))).To(Succeed())
	})
})

var _ = Describe("Punch reclamation", func() {
	var p *heap.Pool
	var eng *object.Engine
	var col *gc.Collector
	var cid object.ContainerID

	dkey := btree.HashedKey([]byte("d"))
	akey := btree.HashedKey([]byte("a"))

	BeforeEach(func() {
		p, _, _ = newPool()
		var err error
		eng, err = object.Create(p)
		Expect(err).NotTo(HaveOccurred())
		col = gc.NewCollector(config.Default())
		eng.AttachGC(col)
		cid = object.ContainerID{0xbb, 1, 2, 3, 4, 5, 6, 7}
	})

	AfterEach(func() {
		p.Close()
	})

	It("drains a fully punched hierarchy out of the heap", func() {
		Expect(eng.UpdateSingle(cid, 1, dkey, akey, ts(1), []byte("doomed"))).To(Succeed())
		Expect(eng.PunchAkey(cid, 1, dkey, akey, ts(5), 0)).To(Succeed())

		// the punch propagated, so one task per tier sits queued
		Expect(col.Pending()).To(Equal(3))

		_, usedBefore := p.Stats()
		n, err := col.Drain(32, true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(3))
		Expect(col.Pending()).To(BeZero())

		// the records are gone outright: even a pre-punch read misses now
		_, err = eng.FetchSingle(cid, 1, dkey, akey, ts(2))
		Expect(errs.Is(err, errs.NotFound)).To(BeTrue())
		_, err = eng.FetchSingle(cid, 1, dkey, akey, ts(10))
		Expect(errs.Is(err, errs.NotFound)).To(BeTrue())

		_, usedAfter := p.Stats()
		Expect(usedAfter).To(BeNumerically("<=", usedBefore))
	})

	It("keeps a key whose aggregation leaves a live create", func() {
		Expect(eng.UpdateSingle(cid, 1, dkey, akey, ts(1), []byte("old"))).To(Succeed())
		Expect(eng.PunchAkey(cid, 1, dkey, akey, ts(3), 0)).To(Succeed())
		// recreated after the punch: the reclaim must not drop it
		Expect(eng.UpdateSingle(cid, 1, dkey, akey, ts(6), []byte("new"))).To(Succeed())

		_, err := col.Drain(32, true, nil)
		Expect(err).NotTo(HaveOccurred())

		got, err := eng.FetchSingle(cid, 1, dkey, akey, ts(10))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(got)).To(Equal("new"))
	})
})
