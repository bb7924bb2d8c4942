/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dtx_test

import (
	"github.com/google/uuid"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/vosdb/vosengine/dtx"
	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/internal/config"
	"github.com/vosdb/vosengine/vos/errs"
)

func newManager() *dtx.Manager {
	cfg := config.Default()
	cfg.LRUCapacity = 64
	cfg.LRUSubArrays = 4
	m, err := dtx.NewManager(cfg, hlc.New(0))
	Expect(err).NotTo(HaveOccurred())
	return m
}

var _ = Describe("Manager", func() {
	It("runs the begin/prepare/commit lifecycle and batches the commit", func() {
		m := newManager()
		leader := uuid.New()

		id, err := m.Begin(leader, true)
		Expect(err).NotTo(HaveOccurred())

		Expect(m.Prepare(id)).To(Succeed())
		state, err := m.Refresh(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(dtx.StatePrepared))

		Expect(m.Commit(id)).To(Succeed())
		state, err = m.Refresh(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(dtx.StateCommitted))

		batch := m.CommitBatch()
		Expect(batch).To(Equal([]dtx.ID{id}))
		Expect(m.CommitBatch()).To(BeEmpty())
	})

	It("aborts from prepared", func() {
		m := newManager()
		id, err := m.Begin(uuid.New(), false)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Prepare(id)).To(Succeed())
		Expect(m.Abort(id)).To(Succeed())
		state, err := m.Refresh(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(dtx.StateAborted))
	})

	It("rejects an invalid state transition", func() {
		m := newManager()
		id, err := m.Begin(uuid.New(), false)
		Expect(err).NotTo(HaveOccurred())
		// cannot commit directly from Inited without preparing first.
		Expect(m.Commit(id)).To(HaveOccurred())
	})

	It("commits a resync when every participant reports prepared", func() {
		m := newManager()
		oldLeader := uuid.New()
		id, err := m.Begin(oldLeader, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Prepare(id)).To(Succeed())

		changed, err := m.ResyncOne(id, oldLeader, []dtx.ParticipantStatus{dtx.ParticipantPrepared, dtx.ParticipantPrepared})
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeTrue())

		state, err := m.Refresh(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(dtx.StateCommitted))
		Expect(m.CommitBatch()).To(Equal([]dtx.ID{id}), "a leader DTX committed via resync still joins the batch")
	})

	It("aborts a resync when any participant reports aborted", func() {
		m := newManager()
		oldLeader := uuid.New()
		id, err := m.Begin(oldLeader, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Prepare(id)).To(Succeed())

		changed, err := m.ResyncOne(id, oldLeader, []dtx.ParticipantStatus{dtx.ParticipantPrepared, dtx.ParticipantAborted})
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeTrue())

		state, err := m.Refresh(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(dtx.StateAborted))
	})

	It("marks a resync corrupted when the vote is inconclusive", func() {
		m := newManager()
		oldLeader := uuid.New()
		id, err := m.Begin(oldLeader, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Prepare(id)).To(Succeed())

		changed, err := m.ResyncOne(id, oldLeader, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeTrue())

		state, err := m.Refresh(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(dtx.StateCorrupted))
	})

	It("leaves a committed DTX alone on resync", func() {
		m := newManager()
		leader := uuid.New()
		id, err := m.Begin(leader, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Prepare(id)).To(Succeed())
		Expect(m.Commit(id)).To(Succeed())

		changed, err := m.ResyncOne(id, leader, []dtx.ParticipantStatus{dtx.ParticipantPrepared})
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeFalse())
	})

	It("rejects a check at or below the aggregation boundary with tx_restart", func() {
		m := newManager()
		id := dtx.ID{Epoch: hlc.Timestamp(5 << 18)}
		err := m.Check(id, hlc.Timestamp(10<<18))
		Expect(err).To(HaveOccurred())
		Expect(errs.Is(err, errs.TXRestart)).To(BeTrue())

		Expect(m.Check(id, hlc.Timestamp(1<<18))).To(Succeed())
	})

	It("caches and retrieves a leader's epoch", func() {
		m := newManager()
		leader := uuid.New()
		_, ok := m.LeaderEpoch(leader)
		Expect(ok).To(BeFalse())

		m.NoteLeaderEpoch(leader, hlc.Timestamp(7<<18))
		got, ok := m.LeaderEpoch(leader)
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(hlc.Timestamp(7 << 18)))
	})
})
