/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package object_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/vosdb/vosengine/object"
	"github.com/vosdb/vosengine/vos/errs"
)

var _ = Describe("Cache", func() {
	var c *object.Cache

	BeforeEach(func() {
		var err error
		c, err = object.NewCache(16)
		Expect(err).NotTo(HaveOccurred())
	})

	It("misses with HoldVisible only", func() {
		_, err := c.Hold(object.ObjectID(7), object.HoldVisible)
		Expect(errs.Is(err, errs.NotFound)).To(BeTrue())
	})

	It("creates and refcounts holds", func() {
		h1, err := c.Hold(object.ObjectID(7), object.HoldCreate)
		Expect(err).NotTo(HaveOccurred())
		h2, err := c.Hold(object.ObjectID(7), object.HoldVisible)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Refs(object.ObjectID(7))).To(Equal(2))

		c.Release(h1, 0, false)
		Expect(c.Refs(object.ObjectID(7))).To(Equal(1))
		c.Release(h2, 0, false)
		Expect(c.Refs(object.ObjectID(7))).To(Equal(0))

		// entry survives release without evict; a visible hold still hits
		_, err = c.Hold(object.ObjectID(7), object.HoldVisible)
		Expect(err).NotTo(HaveOccurred())
	})

	It("evicts on last release when killed", func() {
		h1, err := c.Hold(object.ObjectID(9), object.HoldCreate)
		Expect(err).NotTo(HaveOccurred())
		h2, err := c.Hold(object.ObjectID(9), object.HoldVisible)
		Expect(err).NotTo(HaveOccurred())

		c.Release(h1, 0, true)
		// kill-marked but still held: new holds are refused
		_, err = c.Hold(object.ObjectID(9), object.HoldVisible)
		Expect(errs.Is(err, errs.Busy)).To(BeTrue())

		c.Release(h2, 0, false)
		_, err = c.Hold(object.ObjectID(9), object.HoldVisible)
		Expect(errs.Is(err, errs.NotFound)).To(BeTrue())
	})

	It("serializes discard against aggregation", func() {
		h, err := c.Hold(object.ObjectID(3), object.HoldCreate|object.HoldDiscard)
		Expect(err).NotTo(HaveOccurred())

		_, err = c.Hold(object.ObjectID(3), object.HoldVisible|object.HoldAggregate)
		Expect(errs.Is(err, errs.Busy)).To(BeTrue())

		c.Release(h, object.HoldDiscard, false)
		h2, err := c.Hold(object.ObjectID(3), object.HoldVisible|object.HoldAggregate)
		Expect(err).NotTo(HaveOccurred())
		c.Release(h2, object.HoldAggregate, false)
	})
})
