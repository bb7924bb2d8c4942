/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dtx

import (
	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/vos/errs"
)

// Target identifies one participant engine: a fabric rank plus the target
// index within that rank's engine.
type Target struct {
	Rank  uint32
	Index uint32
}

// RedundancyGroup is one replication/redundancy group's worth of
// participants; the resync decision procedure treats a whole-group loss as
// an unrecoverable corruption of the DTX (§4.I).
type RedundancyGroup struct {
	Targets []Target
}

// RankRange optionally bounds the ranks a collective DTX spans.
type RankRange struct {
	Lo, Hi uint32
}

func (r RankRange) contains(rank uint32) bool { return r.Lo <= rank && rank <= r.Hi }

// TargetBitmap is the optional per-engine collective target set: bit i set
// means target index i participates.
type TargetBitmap []uint64

// NewTargetBitmap sizes a bitmap for n target indices.
func NewTargetBitmap(n uint32) TargetBitmap {
	return make(TargetBitmap, (n+63)/64)
}

func (b TargetBitmap) Set(i uint32) {
	if int(i/64) < len(b) {
		b[i/64] |= 1 << (i % 64)
	}
}

func (b TargetBitmap) Has(i uint32) bool {
	if int(i/64) >= len(b) {
		return false
	}
	return b[i/64]&(1<<(i%64)) != 0
}

// Count returns the number of participating target indices.
func (b TargetBitmap) Count() int {
	n := 0
	for _, w := range b {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

// MaxLeaderCandidates bounds the inline leader-candidate list a collective
// DTX carries (§4.I collective DTX).
const MaxLeaderCandidates = 4

// Membership records which targets take part in a DTX (§3.I): the flat
// participant list, its redundancy-group structure, and — for collective
// transactions — an optional per-engine target bitmap, an optional rank
// range, and up to MaxLeaderCandidates inline leader candidates.
type Membership struct {
	Participants []Target
	Groups       []RedundancyGroup
	Bitmap       TargetBitmap
	Ranks        *RankRange

	candidates  [MaxLeaderCandidates]Target
	ncandidates int

	// epoch of the leader this membership was derived under; a later
	// leader epoch invalidates the cached participant list.
	derivedAt hlc.Timestamp
}

// AddLeaderCandidate appends a leader-candidate target, up to the inline
// maximum.
func (m *Membership) AddLeaderCandidate(t Target) error {
	if m.ncandidates == MaxLeaderCandidates {
		return errs.New("dtx.AddLeaderCandidate", errs.Overflow, nil)
	}
	m.candidates[m.ncandidates] = t
	m.ncandidates++
	return nil
}

// LeaderCandidates returns the inline candidate list in insertion order.
func (m *Membership) LeaderCandidates() []Target {
	return m.candidates[:m.ncandidates]
}

// Includes reports whether t participates, honoring the rank range and the
// collective bitmap when present, and falling back to the flat list.
func (m *Membership) Includes(t Target) bool {
	if m.Ranks != nil && !m.Ranks.contains(t.Rank) {
		return false
	}
	if m.Bitmap != nil {
		return m.Bitmap.Has(t.Index)
	}
	for _, p := range m.Participants {
		if p == t {
			return true
		}
	}
	return false
}

// Rederive rebuilds the participant list from the object layout under a
// new leader epoch. The layout walk is expensive; callers consult the
// manager's per-leader epoch cache first and only rederive when the leader
// actually moved (§4.I: re-derivation is rare, its cost acceptable).
func (m *Membership) Rederive(leaderEpoch hlc.Timestamp, layout func() []Target) {
	if !m.derivedAt.Less(leaderEpoch) {
		return
	}
	m.Participants = layout()
	m.derivedAt = leaderEpoch
}

// SetMembership attaches a membership record to a tracked DTX.
func (m *Manager) SetMembership(id ID, member *Membership) error {
	e, ok := m.find(id)
	if !ok {
		return errs.New("dtx.SetMembership", errs.NotFound, nil)
	}
	e.Member = member
	return m.store(e)
}

// MembershipOf returns the membership attached to id, if any.
func (m *Manager) MembershipOf(id ID) (*Membership, bool) {
	e, ok := m.find(id)
	if !ok || e.Member == nil {
		return nil, false
	}
	return e.Member, true
}

// Participants resolves id's participant list under the leader's current
// epoch: if the cached list was derived at or after the epoch this manager
// last observed for the leader (NoteLeaderEpoch), it is reused as-is;
// otherwise it is re-derived from layout and stamped with that epoch. The
// manager's per-leader epoch cache itself is not changed here. With no
// observed epoch for the leader, layout is consulted only while the list is
// still empty.
func (m *Manager) Participants(id ID, layout func() []Target) ([]Target, error) {
	e, ok := m.find(id)
	if !ok {
		return nil, errs.New("dtx.Participants", errs.NotFound, nil)
	}
	if e.Member == nil {
		return nil, errs.New("dtx.Participants", errs.NoHandle, nil)
	}
	if epoch, ok := m.leaders[e.Leader]; ok {
		e.Member.Rederive(epoch, layout)
	} else if len(e.Member.Participants) == 0 {
		e.Member.Participants = layout()
	}
	return e.Member.Participants, nil
}
