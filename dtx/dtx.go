// Package dtx implements the distributed-transaction cache (§4.I): the
// volatile, LRU-array-backed tracking of in-flight and recently-resolved
// DTXs on a single target, plus the batched-commit and leader-resync
// protocols layered over it.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dtx

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/vosdb/vosengine/hlc"
	"github.com/vosdb/vosengine/internal/config"
	"github.com/vosdb/vosengine/internal/metrics"
	"github.com/vosdb/vosengine/lruarray"
	"github.com/vosdb/vosengine/vos/errs"
)

// ID uniquely names a DTX: a random uuid plus the HLC timestamp it
// originated at (§4.I).
type ID struct {
	UUID  uuid.UUID
	Epoch hlc.Timestamp
}

func (id ID) cacheKey() uint64 { return binary.LittleEndian.Uint64(id.UUID[:8]) }

// State is a DTX's position in its commit/abort state machine (§4.I).
type State uint8

const (
	StateInited State = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommittable
	StateCommitted
	StateAborting
	StateAborted
	StateCorrupted
)

var validTransitions = map[State][]State{
	StateInited:      {StatePreparing, StateAborting},
	StatePreparing:   {StatePrepared, StateAborting, StateCorrupted},
	StatePrepared:    {StateCommitting, StateCommittable, StateAborting},
	StateCommitting:  {StateCommitted, StateCorrupted},
	StateCommittable: {StateCommitted, StateCommitting},
	StateAborting:    {StateAborted, StateCorrupted},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Entry is one tracked DTX: identity, state-machine position, leadership,
// the membership record (nil for non-collective transactions), and the
// minor epoch breaking ties among operations at the same HLC value.
type Entry struct {
	ID       ID
	State    State
	Leader   uuid.UUID
	IsLeader bool
	Member   *Membership
	MinorEpc uint16
}

// Manager owns the active-DTX cache for one target (§4.I). The cache is
// purely volatile: durability of a DTX's outcome lives in the ilog/object
// records it touched, not here (restarting an engine with in-flight DTXs
// relies on §4.I's resync, not on replaying this cache).
type Manager struct {
	cache   *lruarray.Array[Entry]
	handles map[uint64]lruarray.Index // cacheKey -> slot handle, since lruarray hands back an opaque Index at FindFree time rather than supporting reverse lookup by key
	cfg     config.Config
	clock   *hlc.Clock
	pending []ID                        // committed DTXs awaiting CommitBatch flush
	leaders map[uuid.UUID]hlc.Timestamp // per-leader epoch cache for collective DTX membership
}

// NewManager builds a Manager sized per cfg.
func NewManager(cfg config.Config, clock *hlc.Clock) (*Manager, error) {
	arr, err := lruarray.Alloc[Entry](cfg.LRUCapacity, cfg.LRUSubArrays, lruarray.Flags{})
	if err != nil {
		return nil, err
	}
	return &Manager{
		cache:   arr,
		handles: make(map[uint64]lruarray.Index),
		cfg:     cfg,
		clock:   clock,
		leaders: make(map[uuid.UUID]hlc.Timestamp),
	}, nil
}

// Begin starts a new DTX, returning its ID (§4.I begin).
func (m *Manager) Begin(leader uuid.UUID, isLeader bool) (ID, error) {
	now, err := m.clock.Now()
	if err != nil {
		return ID{}, err
	}
	id := ID{UUID: uuid.New(), Epoch: now}
	key := id.cacheKey()
	idx, slot, err := m.cache.FindFree(key)
	if err != nil {
		return ID{}, err
	}
	slot.Payload = Entry{ID: id, State: StateInited, Leader: leader, IsLeader: isLeader}
	m.handles[key] = idx
	metrics.DTXCacheSize.Set(float64(len(m.handles)))
	return id, nil
}

func (m *Manager) find(id ID) (Entry, bool) {
	key := id.cacheKey()
	idx, ok := m.handles[key]
	if !ok {
		return Entry{}, false
	}
	slot := m.cache.Peek(idx, key)
	if slot == nil {
		delete(m.handles, key)
		return Entry{}, false
	}
	return slot.Payload, true
}

func (m *Manager) store(e Entry) error {
	key := e.ID.cacheKey()
	if idx, ok := m.handles[key]; ok {
		if slot := m.cache.Lookup(idx, key); slot != nil {
			slot.Payload = e
			return nil
		}
	}
	idx, slot, err := m.cache.FindFree(key)
	if err != nil {
		return err
	}
	slot.Payload = e
	m.handles[key] = idx
	return nil
}

func (m *Manager) transition(id ID, to State) error {
	e, ok := m.find(id)
	if !ok {
		return errs.New("dtx.transition", errs.NotFound, nil)
	}
	if !canTransition(e.State, to) {
		return errs.New("dtx.transition", errs.InvalidArgument, nil)
	}
	e.State = to
	return m.store(e)
}

// Prepare moves a DTX from Inited to Preparing then Prepared once its
// participant has durably logged the pending change (§4.I prepare).
func (m *Manager) Prepare(id ID) error {
	if err := m.transition(id, StatePreparing); err != nil {
		return err
	}
	return m.transition(id, StatePrepared)
}

// Commit marks a DTX committed and, for the leader, queues it for the next
// batched flush (§4.I commit/commit_batch).
func (m *Manager) Commit(id ID) error {
	e, ok := m.find(id)
	if !ok {
		return errs.New("dtx.Commit", errs.NotFound, nil)
	}
	if err := m.transition(id, StateCommitting); err != nil {
		return err
	}
	if err := m.transition(id, StateCommitted); err != nil {
		return err
	}
	if e.IsLeader {
		m.pending = append(m.pending, id)
	}
	return nil
}

// ShouldFlush reports whether the pending batch has crossed the count
// threshold from config, or the caller-supplied age predicate says the
// oldest pending entry has crossed the age threshold (§4.I: batched commit
// triggers on whichever of count or age comes first).
func (m *Manager) ShouldFlush(oldestIsStale func(ID) bool) bool {
	if len(m.pending) >= m.cfg.DTXBatchCount {
		return true
	}
	return len(m.pending) > 0 && oldestIsStale(m.pending[0])
}

// CommitBatch drains and returns the pending commit queue.
func (m *Manager) CommitBatch() []ID {
	out := m.pending
	m.pending = nil
	return out
}

// Abort transitions a DTX to Aborted (§4.I abort).
func (m *Manager) Abort(id ID) error {
	if err := m.transition(id, StateAborting); err != nil {
		return err
	}
	return m.transition(id, StateAborted)
}

// Refresh returns the current state of id, for a participant resyncing
// against the leader's view (§4.I refresh).
func (m *Manager) Refresh(id ID) (State, error) {
	e, ok := m.find(id)
	if !ok {
		return 0, errs.New("dtx.Refresh", errs.NotFound, nil)
	}
	return e.State, nil
}

// Check enforces the aggregation-interaction guard (§4.I/§4.G): a DTX
// whose origin epoch is at or below a key's ilog aggregation boundary can
// no longer be resolved against that key's history, since the very records
// that would prove its outcome have been aggregated away. The caller must
// restart.
func (m *Manager) Check(id ID, aggUpper hlc.Timestamp) error {
	if id.Epoch.Physical() < aggUpper.Physical() ||
		(id.Epoch.Physical() == aggUpper.Physical() && id.Epoch.Logical() <= aggUpper.Logical()) {
		return errs.New("dtx.Check", errs.TXRestart, nil)
	}
	return nil
}

// ParticipantStatus is one participant's last-reported status for a DTX
// being resynced. Gathering these is the RPC round §1 excludes from this
// package's scope; ResyncOne only tallies whatever the caller already
// collected.
type ParticipantStatus uint8

const (
	ParticipantUnknown ParticipantStatus = iota
	ParticipantPrepared
	ParticipantAborted
	// ParticipantCorrupted marks a redundancy group reporting unrecoverable
	// loss for its share of the DTX.
	ParticipantCorrupted
)

// decideResync applies §4.I's resync decision procedure: commit only if
// every alive participant reports prepared and no redundancy group shows a
// corrupted loss; abort only if at least one reports aborted; otherwise the
// DTX's fate can't be determined and it is marked corrupted.
func decideResync(participants []ParticipantStatus) State {
	if len(participants) == 0 {
		return StateCorrupted
	}
	allPrepared := true
	anyAborted := false
	anyCorrupted := false
	for _, p := range participants {
		switch p {
		case ParticipantPrepared:
		case ParticipantAborted:
			anyAborted = true
			allPrepared = false
		case ParticipantCorrupted:
			anyCorrupted = true
			allPrepared = false
		default:
			allPrepared = false
		}
	}
	switch {
	case anyAborted:
		return StateAborted
	case allPrepared && !anyCorrupted:
		return StateCommitted
	default:
		return StateCorrupted
	}
}

// ResyncOne implements leader re-election for a single DTX (§4.I resync): if
// id is still tracked as owned by oldLeader and hasn't reached a terminal
// state, its fate is decided from the participant statuses the caller
// gathered against the new leader's view, per decideResync, rather than
// blindly rewinding it to retry.
func (m *Manager) ResyncOne(id ID, oldLeader uuid.UUID, participants []ParticipantStatus) (bool, error) {
	e, ok := m.find(id)
	if !ok {
		return false, nil
	}
	if e.Leader != oldLeader || e.State == StateCommitted || e.State == StateAborted {
		return false, nil
	}
	next := decideResync(participants)
	if next == e.State {
		return false, nil
	}
	e.State = next
	if next == StateCommitted && e.IsLeader {
		m.pending = append(m.pending, id)
	}
	return true, m.store(e)
}

// LeaderEpoch returns the epoch this manager last observed for leader,
// letting repeated collective-DTX participants from the same leader skip a
// full membership re-check within its current epoch (§4.I collective DTX
// membership with leader-epoch caching).
func (m *Manager) LeaderEpoch(leader uuid.UUID) (hlc.Timestamp, bool) {
	e, ok := m.leaders[leader]
	return e, ok
}

// NoteLeaderEpoch records the epoch a leader is currently operating at.
func (m *Manager) NoteLeaderEpoch(leader uuid.UUID, epoch hlc.Timestamp) {
	m.leaders[leader] = epoch
}
