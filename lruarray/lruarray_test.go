/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package lruarray_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/vosdb/vosengine/lruarray"
)

var _ = Describe("Array", func() {
	It("round-trips FindFree/Lookup/Evict", func() {
		a, err := lruarray.Alloc[int](8, 1, lruarray.Flags{})
		Expect(err).NotTo(HaveOccurred())

		idx, slot, err := a.FindFree(42)
		Expect(err).NotTo(HaveOccurred())
		slot.Payload = 100

		got := a.Lookup(idx, 42)
		Expect(got).NotTo(BeNil())
		Expect(got.Payload).To(Equal(100))

		a.Evict(idx, 42)
		Expect(a.Lookup(idx, 42)).To(BeNil())
	})

	It("returns busy once a manual-eviction array is exhausted", func() {
		a, err := lruarray.Alloc[int](4, 2, lruarray.Flags{})
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 4; i++ {
			_, _, err := a.FindFree(uint64(i + 1))
			Expect(err).NotTo(HaveOccurred())
		}
		_, _, err = a.FindFree(999)
		Expect(err).To(HaveOccurred())
	})

	It("auto-evicts the coldest entry in single-sub-array mode", func() {
		a, err := lruarray.Alloc[int](2, 1, lruarray.Flags{})
		Expect(err).NotTo(HaveOccurred())

		idx1, _, err := a.FindFree(1)
		Expect(err).NotTo(HaveOccurred())
		_, _, err = a.FindFree(2)
		Expect(err).NotTo(HaveOccurred())

		// idx1 (key 1) is coldest; a third FindFree must silently evict it.
		_, _, err = a.FindFree(3)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Lookup(idx1, 1)).To(BeNil(), "coldest entry should have been silently evicted")
	})

	It("promotes a looked-up entry to MRU", func() {
		a, err := lruarray.Alloc[int](2, 1, lruarray.Flags{})
		Expect(err).NotTo(HaveOccurred())

		idx1, _, err := a.FindFree(1)
		Expect(err).NotTo(HaveOccurred())
		idx2, _, err := a.FindFree(2)
		Expect(err).NotTo(HaveOccurred())

		// touch idx1 so idx2 becomes coldest instead
		Expect(a.Lookup(idx1, 1)).NotTo(BeNil())

		_, _, err = a.FindFree(3)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Lookup(idx2, 2)).To(BeNil(), "idx2 should now be coldest and evicted")
		Expect(a.Lookup(idx1, 1)).NotTo(BeNil(), "idx1 was promoted and should survive")
	})

	It("frees empty sub-arrays on aggregate without reclaiming sub-array zero", func() {
		a, err := lruarray.Alloc[int](8, 4, lruarray.Flags{})
		Expect(err).NotTo(HaveOccurred())

		idx, _, err := a.FindFree(7)
		Expect(err).NotTo(HaveOccurred())
		a.Evict(idx, 7)
		Expect(func() { a.Aggregate() }).NotTo(Panic())
	})
})
