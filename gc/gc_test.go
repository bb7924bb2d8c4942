/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package gc_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/vosdb/vosengine/gc"
	"github.com/vosdb/vosengine/internal/config"
)

var _ = Describe("Collector", func() {
	It("drains finer tiers before coarser ones", func() {
		c := gc.NewCollector(config.Default())

		var order []string
		c.Enqueue(gc.Task{Tier: gc.TierContainer, Reclaim: func() error { order = append(order, "container"); return nil }})
		c.Enqueue(gc.Task{Tier: gc.TierAkey, Reclaim: func() error { order = append(order, "akey"); return nil }})
		c.Enqueue(gc.Task{Tier: gc.TierObject, Reclaim: func() error { order = append(order, "object"); return nil }})
		c.Enqueue(gc.Task{Tier: gc.TierDkey, Reclaim: func() error { order = append(order, "dkey"); return nil }})

		n, err := c.Drain(4, true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(4))
		Expect(order).To(Equal([]string{"akey", "dkey", "object", "container"}))
	})

	It("respects the credit budget of a single drain call", func() {
		c := gc.NewCollector(config.Default())
		for i := 0; i < 10; i++ {
			c.Enqueue(gc.Task{Tier: gc.TierAkey, Reclaim: func() error { return nil }})
		}
		n, err := c.Drain(3, true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(3))
		Expect(c.Pending()).To(Equal(7))
	})

	It("aborts the pass early when the yield hook returns true", func() {
		c := gc.NewCollector(config.Default())
		for i := 0; i < 5; i++ {
			c.Enqueue(gc.Task{Tier: gc.TierAkey, Reclaim: func() error { return nil }})
		}
		calls := 0
		n, err := c.Drain(10, true, func() bool {
			calls++
			return calls > 2
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
	})

	It("reassigns a container's pending tasks to the pool bin on migration", func() {
		c := gc.NewCollector(config.Default())
		c.Enqueue(gc.Task{Tier: gc.TierContainer, ContainerID: 42, Reclaim: func() error { return nil }})
		c.Enqueue(gc.Task{Tier: gc.TierAkey, ContainerID: 42, Reclaim: func() error { return nil }})

		moved := c.MigrateContainer(42)
		Expect(moved).To(Equal(2))
		Expect(c.MigrateContainer(42)).To(Equal(0), "a second migration of the same container finds nothing left")
	})

	It("caps container-tier drains at one per pass regardless of the slice budget", func() {
		cfg := config.Default()
		c := gc.NewCollector(cfg)
		for i := 0; i < 5; i++ {
			c.Enqueue(gc.Task{Tier: gc.TierContainer, Reclaim: func() error { return nil }})
		}
		n, err := c.Drain(100, true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(cfg.GCCreditsContainer))
		Expect(c.Pending()).To(Equal(4))
	})

	It("caps object-tier drains at GCCreditsObject per pass while still draining the finer dkey tier", func() {
		cfg := config.Default()
		c := gc.NewCollector(cfg)
		for i := 0; i < cfg.GCCreditsObject+5; i++ {
			c.Enqueue(gc.Task{Tier: gc.TierObject, Reclaim: func() error { return nil }})
		}
		c.Enqueue(gc.Task{Tier: gc.TierDkey, Reclaim: func() error { return nil }})

		n, err := c.Drain(100, true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(cfg.GCCreditsObject + 1))
		Expect(c.Pending()).To(Equal(5))
	})

	It("drains more tasks per credit in slack mode than tight mode", func() {
		cfg := config.Default()
		cfg.GCCreditsSlack = 4

		c := gc.NewCollector(cfg)
		for i := 0; i < 40; i++ {
			c.Enqueue(gc.Task{Tier: gc.TierAkey, Reclaim: func() error { return nil }})
		}
		n, err := c.Drain(8, false, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(8*cfg.GCCreditsSlack), "slack mode multiplies the requested credits by GCCreditsSlack before spending them one task per credit")

		cTight := gc.NewCollector(cfg)
		for i := 0; i < 40; i++ {
			cTight.Enqueue(gc.Task{Tier: gc.TierAkey, Reclaim: func() error { return nil }})
		}
		nTight, err := cTight.Drain(8, true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(nTight).To(Equal(8), "tight mode spends exactly the requested credits")
	})

	It("flushes the storage backend after a full slice", func() {
		c := gc.NewCollector(config.Default())
		c.Enqueue(gc.Task{Tier: gc.TierAkey, Reclaim: func() error { return nil }})

		var flushCap uint32
		flushes := 0
		c.SetFlusher(func(maxExtents uint32) int {
			flushCap = maxExtents
			flushes++
			return 0
		})

		_, err := c.Drain(4, true, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(flushes).To(Equal(1))
		Expect(flushCap).To(Equal(uint32(0xffffffff)))
	})
})
