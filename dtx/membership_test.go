/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dtx_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/google/uuid"

	"github.com/vosdb/vosengine/dtx"
	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/internal/config"
)

func newManagerWithClock() (*dtx.Manager, *hlc.Clock) {
	cfg := config.Default()
	cfg.LRUCapacity = 64
	cfg.LRUSubArrays = 4
	clock := hlc.New(0)
	m, err := dtx.NewManager(cfg, clock)
	Expect(err).NotTo(HaveOccurred())
	return m, clock
}

var _ = Describe("Membership", func() {
	It("bounds the inline leader-candidate list", func() {
		var m dtx.Membership
		for i := 0; i < dtx.MaxLeaderCandidates; i++ {
			Expect(m.AddLeaderCandidate(dtx.Target{Rank: uint32(i)})).To(Succeed())
		}
		Expect(m.AddLeaderCandidate(dtx.Target{Rank: 99})).NotTo(Succeed())
		Expect(m.LeaderCandidates()).To(HaveLen(dtx.MaxLeaderCandidates))
	})

	It("answers Includes from the collective bitmap and rank range", func() {
		bm := dtx.NewTargetBitmap(128)
		bm.Set(5)
		bm.Set(70)
		m := dtx.Membership{
			Bitmap: bm,
			Ranks:  &dtx.RankRange{Lo: 2, Hi: 8},
		}
		Expect(m.Includes(dtx.Target{Rank: 3, Index: 5})).To(BeTrue())
		Expect(m.Includes(dtx.Target{Rank: 3, Index: 6})).To(BeFalse())
		Expect(m.Includes(dtx.Target{Rank: 9, Index: 5})).To(BeFalse())
		Expect(bm.Count()).To(Equal(2))
	})

	It("falls back to the flat participant list", func() {
		m := dtx.Membership{
			Participants: []dtx.Target{{Rank: 1, Index: 0}, {Rank: 2, Index: 1}},
		}
		Expect(m.Includes(dtx.Target{Rank: 2, Index: 1})).To(BeTrue())
		Expect(m.Includes(dtx.Target{Rank: 2, Index: 2})).To(BeFalse())
	})

	It("rederives participants only when the leader epoch moves", func() {
		mgr, clock := newManagerWithClock()
		leader := uuid.New()
		id, err := mgr.Begin(leader, true)
		Expect(err).NotTo(HaveOccurred())

		calls := 0
		layout := func() []dtx.Target {
			calls++
			return []dtx.Target{{Rank: uint32(calls)}}
		}

		Expect(mgr.SetMembership(id, &dtx.Membership{})).To(Succeed())

		e1, err := clock.Now()
		Expect(err).NotTo(HaveOccurred())
		mgr.NoteLeaderEpoch(leader, e1)

		p, err := mgr.Participants(id, layout)
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(HaveLen(1))
		Expect(calls).To(Equal(1))

		// same leader epoch: the cached list is reused
		_, err = mgr.Participants(id, layout)
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(1))

		// leader moved: rederive
		var e2 hlc.Timestamp
		e2, err = clock.Now()
		Expect(err).NotTo(HaveOccurred())
		mgr.NoteLeaderEpoch(leader, e2)
		_, err = mgr.Participants(id, layout)
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(2))
	})
})
