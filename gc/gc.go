// Package gc implements the tiered garbage collector (§4.J): a four-tier
// (akey, dkey, object, container) bin of deferred reclamation work, drained
// credit-by-credit so a single GC pass never blocks the engine's ULT for
// longer than its credit budget allows.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package gc

import (
	"math"

	"github.com/vosdb/vosengine/internal/config"
	"github.com/vosdb/vosengine/internal/metrics"
)

// Tier names the four reclamation priorities (§4.J): akeys are reclaimed
// before the dkeys that contained them, then objects, then containers —
// finer-grained garbage is always cleared before the coarser structure
// that held it is considered for removal.
type Tier uint8

const (
	TierAkey Tier = iota
	TierDkey
	TierObject
	TierContainer
	numTiers
)

func (t Tier) String() string {
	switch t {
	case TierAkey:
		return "akey"
	case TierDkey:
		return "dkey"
	case TierObject:
		return "object"
	case TierContainer:
		return "container"
	default:
		return "unknown"
	}
}

// Task is one deferred unit of reclamation work. Reclaim is called at most
// once, when the task's credit comes due; a non-nil error aborts the
// current drain pass (the task is not re-enqueued — callers that need
// retry semantics should re-enqueue from the error path themselves).
type Task struct {
	Tier        Tier
	ContainerID uint64 // 0 for pool-scoped (migrated) tasks
	Reclaim     func() error
}

const bagCapacity = 64

// bag is a fixed-size chunk of tasks, chained into a singly linked list so
// a bin can grow without ever reallocating or moving already-queued tasks
// (§4.J "fixed-size bag chaining").
type bag struct {
	tasks [bagCapacity]Task
	n     int
	next  *bag
}

type bin struct {
	head, tail *bag
	count      int
}

func (b *bin) push(t Task) {
	if b.tail == nil || b.tail.n == bagCapacity {
		nb := &bag{}
		if b.tail != nil {
			b.tail.next = nb
		} else {
			b.head = nb
		}
		b.tail = nb
	}
	b.tail.tasks[b.tail.n] = t
	b.tail.n++
	b.count++
}

func (b *bin) pop() (Task, bool) {
	if b.head == nil {
		return Task{}, false
	}
	for b.head.n == 0 {
		b.head = b.head.next
		if b.head == nil {
			b.tail = nil
			return Task{}, false
		}
	}
	// tasks are popped from the front of the oldest bag in FIFO order.
	t := b.head.tasks[0]
	copy(b.head.tasks[:b.head.n-1], b.head.tasks[1:b.head.n])
	b.head.n--
	b.count--
	if b.head.n == 0 && b.head.next != nil {
		b.head = b.head.next
	}
	return t, true
}

// Flusher hands reclaimed extents back to the storage backend after a GC
// slice; maxExtents caps how many it may flush in one call. It returns the
// number actually flushed.
type Flusher func(maxExtents uint32) int

// Collector owns the four tiered bins for one pool (§4.J).
type Collector struct {
	bins  [numTiers]*bin
	cfg   config.Config
	flush Flusher
	// pending per-container tiers, so MigrateContainer can find every task
	// still tagged with a container once that container's own bin empties.
	containers map[uint64]bool
}

// NewCollector builds an empty Collector.
func NewCollector(cfg config.Config) *Collector {
	c := &Collector{cfg: cfg, containers: make(map[uint64]bool)}
	for i := range c.bins {
		c.bins[i] = &bin{}
	}
	return c
}

// SetFlusher wires the storage-backend flush hook called at the end of
// every full Drain slice.
func (c *Collector) SetFlusher(f Flusher) { c.flush = f }

// Enqueue adds a deferred reclamation task to its tier's bin.
func (c *Collector) Enqueue(t Task) {
	c.bins[t.Tier].push(t)
	if t.ContainerID != 0 {
		c.containers[t.ContainerID] = true
	}
}

// Pending returns the total queued task count across all tiers.
func (c *Collector) Pending() int {
	n := 0
	for _, b := range c.bins {
		n += b.count
	}
	return n
}

// effectiveCredits scales the caller's requested credits by the configured
// slack multiplier when not under the tight budget (§4.J tight/slack
// credit modes): tight mode spends exactly what was asked, one task per
// credit; slack mode lets an otherwise-idle engine catch up faster by
// buying cfg.GCCreditsSlack tasks per requested credit.
func (c *Collector) effectiveCredits(requested int, tight bool) int {
	if tight || c.cfg.GCCreditsSlack <= 1 {
		return requested
	}
	return requested * c.cfg.GCCreditsSlack
}

// Drain runs the classic credit-bounded GC loop (§4.J): while credits
// remain and any bin has work, pop the highest-priority non-empty tier's
// oldest task and reclaim it. yield is polled between tasks and, if it
// returns true, aborts the pass early (cooperative abort hook, §5). Drain
// returns the number of tasks actually reclaimed.
//
// Beyond the overall slice budget (tight/slack, via effectiveCredits), each
// tier other than akey carries its own per-drain ceiling (§4.J): dkey,
// object, and container never spend more than cfg.GCCreditsDkey/Object/
// Container credits in a single pass even when the slice has more to give,
// so one drain call can't starve akey/dkey reclamation behind an unbounded
// run of coarser-tier work.
func (c *Collector) Drain(credits int, tight bool, yield func() bool) (int, error) {
	if credits <= 0 {
		credits = c.cfg.GCCreditsTight
	}
	remaining := c.effectiveCredits(credits, tight)
	tierBudget := [numTiers]int{
		TierAkey:      remaining,
		TierDkey:      minInt(remaining, c.cfg.GCCreditsDkey),
		TierObject:    minInt(remaining, c.cfg.GCCreditsObject),
		TierContainer: minInt(remaining, c.cfg.GCCreditsContainer),
	}
	drained := 0
	for remaining > 0 {
		if yield != nil && yield() {
			break
		}
		task, tier, ok := c.popHighestPriority(tierBudget)
		if !ok {
			break
		}
		if task.Reclaim != nil {
			if err := task.Reclaim(); err != nil {
				return drained, err
			}
		}
		drained++
		remaining--
		tierBudget[tier]--
		metrics.GCDrainTotal.WithLabelValues(tier.String()).Inc()
	}
	if c.flush != nil {
		c.flush(math.MaxUint32)
	}
	return drained, nil
}

func (c *Collector) popHighestPriority(tierBudget [numTiers]int) (Task, Tier, bool) {
	for tier := TierAkey; tier < numTiers; tier++ {
		if tierBudget[tier] <= 0 {
			continue
		}
		if t, ok := c.bins[tier].pop(); ok {
			return t, tier, true
		}
	}
	return Task{}, 0, false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MigrateContainer moves any still-queued task tagged with containerID out
// of its per-container home and into the pool-wide (ContainerID == 0)
// queue at the same tier, once the container's own higher-priority bins
// have fully drained (§4.J container-to-pool bin migration after drain):
// a container whose object/dkey/akey garbage is gone but whose own
// container-tier record remains pending shouldn't block on a per-container
// structure that's about to disappear.
func (c *Collector) MigrateContainer(containerID uint64) int {
	if !c.containers[containerID] {
		return 0
	}
	moved := 0
	for tier := TierAkey; tier < numTiers; tier++ {
		b := c.bins[tier]
		var remaining []Task
		for {
			t, ok := b.pop()
			if !ok {
				break
			}
			if t.ContainerID == containerID {
				t.ContainerID = 0
				moved++
			}
			remaining = append(remaining, t)
		}
		for _, t := range remaining {
			b.push(t)
		}
	}
	delete(c.containers, containerID)
	return moved
}
