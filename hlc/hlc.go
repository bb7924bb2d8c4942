// Package hlc implements the engine's hybrid logical clock: a monotone
// 64-bit timestamp encoding a 46-bit physical component and an 18-bit
// logical counter, advanced via compare-and-swap (§4.A).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package hlc

import (
	"time"

	"go.uber.org/atomic"

	"github.com/vosdb/vosengine/vos/errs"
)

const (
	logicalBits = 18
	logicalMask = (uint64(1) << logicalBits) - 1
	physShift   = logicalBits

	// physical time is multiplied by physUnit before being masked into the
	// upper 46 bits, matching the source design's "*16" scaling.
	physUnit = 16

	// maxPhysical is the largest value the 46-bit physical field can hold;
	// exceeding it is the ~36-year overflow named in design note §9.
	maxPhysical = (uint64(1) << (64 - logicalBits)) - 1

	// nanosPerPhys is the span of one physical step: nanoseconds scaled by
	// physUnit with the low logicalBits bits dropped, i.e. 2^18/16 = 16384ns.
	nanosPerPhys = (uint64(1) << physShift) / physUnit
)

// epoch2021 is the HLC's zero point: 2021-01-01T00:00:00Z.
var epoch2021 = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

// Timestamp is an opaque, strictly-orderable HLC value. Equal physical
// components are ordered by their logical counters.
type Timestamp uint64

func (t Timestamp) Physical() uint64 { return uint64(t) >> physShift }
func (t Timestamp) Logical() uint64  { return uint64(t) & logicalMask }

func (t Timestamp) Less(o Timestamp) bool { return t < o }

func make(physical, logical uint64) Timestamp {
	return Timestamp((physical << physShift) | (logical & logicalMask))
}

// Clock is a process-global monotone HLC generator. The zero value is ready
// to use; all mutation goes through a CAS loop on a single atomic word so
// concurrent callers (simulated ULTs, or real goroutines during testing)
// observe distinct, strictly increasing timestamps (§8 invariant 4).
type Clock struct {
	word    atomic.Uint64
	epsilon time.Duration
}

// New constructs a Clock with the given remote-skew epsilon (recv rejects
// offsets beyond it). A zero epsilon defaults to one second per §4.A.
func New(epsilon time.Duration) *Clock {
	if epsilon <= 0 {
		epsilon = time.Second
	}
	return &Clock{epsilon: epsilon}
}

// physicalNow returns the current physical component: nanoseconds since
// epoch2021 scaled by physUnit, with the low logicalBits bits dropped.
func physicalNow() uint64 {
	d := time.Since(epoch2021)
	return uint64(d.Nanoseconds()) / nanosPerPhys
}

// Now advances and returns the clock's next timestamp: if wall-clock time
// exceeds the stored physical component, the physical component replaces
// it (logical resets to 0); otherwise the logical counter increments.
func (c *Clock) Now() (Timestamp, error) {
	for {
		old := Timestamp(c.word.Load())
		phys := physicalNow()
		if phys > maxPhysical {
			return 0, errs.New("hlc.Now", errs.Overflow, nil)
		}
		var next Timestamp
		if phys > old.Physical() {
			next = make(phys, 0)
		} else {
			nextLogical := old.Logical() + 1
			if nextLogical > logicalMask {
				// logical counter saturated within the same physical tick;
				// borrow the next physical tick instead of wrapping silently.
				next = make(old.Physical()+1, 0)
			} else {
				next = make(old.Physical(), nextLogical)
			}
		}
		if c.word.CAS(uint64(old), uint64(next)) {
			return next, nil
		}
	}
}

// Recv merges a remote timestamp into the clock (the message-received
// variant): it rejects with ERR_HLC_SYNC when the remote's physical
// component is ahead of local wall-clock time by more than epsilon.
func (c *Clock) Recv(remote Timestamp) (Timestamp, error) {
	phys := physicalNow()
	if remote.Physical() > phys {
		skew := time.Duration((remote.Physical() - phys) * nanosPerPhys)
		if skew > c.epsilon {
			return 0, errs.New("hlc.Recv", errs.HLCSync, nil)
		}
	}
	for {
		old := Timestamp(c.word.Load())
		maxPhys := old.Physical()
		if remote.Physical() > maxPhys {
			maxPhys = remote.Physical()
		}
		if phys > maxPhys {
			maxPhys = phys
		}
		var next Timestamp
		switch maxPhys {
		case old.Physical():
			next = make(maxPhys, old.Logical()+1)
		case remote.Physical():
			next = make(maxPhys, remote.Logical()+1)
		default:
			next = make(maxPhys, 0)
		}
		if c.word.CAS(uint64(old), uint64(next)) {
			return next, nil
		}
	}
}

// ToUnixNanos converts an HLC timestamp to Unix-epoch nanoseconds by
// dividing the whole 64-bit value by physUnit, so the bits below the
// physical field contribute the sub-16384ns remainder.
func ToUnixNanos(t Timestamp) int64 {
	nanosSince2021 := int64(uint64(t) / physUnit)
	return epoch2021.UnixNano() + nanosSince2021
}

// FromTimespec builds an HLC timestamp from a (seconds, nanos) pair: the
// nanoseconds since epoch2021 scaled by physUnit, so the physical field
// holds the 16384ns-granular part and the logical bits the remainder.
// Round-trips exactly with ToTimespec per §8.
func FromTimespec(sec, nsec int64) Timestamp {
	t := time.Unix(sec, nsec).UTC()
	nanosSince2021 := uint64(t.Sub(epoch2021).Nanoseconds())
	return Timestamp(nanosSince2021 * physUnit)
}

// ToTimespec returns the (seconds, nanos) pair for t, as ToUnixNanos
// converts it.
func ToTimespec(t Timestamp) (sec, nsec int64) {
	nanos := ToUnixNanos(t)
	return nanos / int64(time.Second), nanos % int64(time.Second)
}
