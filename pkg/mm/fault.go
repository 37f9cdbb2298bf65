// Copyright 2024 The Breenix Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mm

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ryanbreen/breenix-sub006/pkg/pagetables"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

// CowStats counts copy-on-write fault activity machine-wide. Initialized at
// boot, incremented by the fault path, and reset only by an explicit test
// hook.
type CowStats struct {
	// TotalFaults counts write faults entering the resolver.
	TotalFaults atomic.Uint64

	// ManagerPath counts faults resolved with the process registry lock
	// held (acquired by try-lock).
	ManagerPath atomic.Uint64

	// DirectPath counts faults resolved without the registry, against
	// the currently loaded translation root.
	DirectPath atomic.Uint64

	// PagesCopied counts faults that duplicated a shared frame.
	PagesCopied atomic.Uint64

	// SoleOwnerOpt counts faults resolved by reclaiming a sole-owned
	// frame in place, copying nothing.
	SoleOwnerOpt atomic.Uint64
}

// CowStatsSnapshot is the fixed-width export of CowStats, as returned by the
// diagnostic syscall.
type CowStatsSnapshot struct {
	TotalFaults  uint64
	ManagerPath  uint64
	DirectPath   uint64
	PagesCopied  uint64
	SoleOwnerOpt uint64
}

// Snapshot reads all counters. The counters are independently atomic; the
// snapshot is not a consistent cut across them.
func (s *CowStats) Snapshot() CowStatsSnapshot {
	return CowStatsSnapshot{
		TotalFaults:  s.TotalFaults.Load(),
		ManagerPath:  s.ManagerPath.Load(),
		DirectPath:   s.DirectPath.Load(),
		PagesCopied:  s.PagesCopied.Load(),
		SoleOwnerOpt: s.SoleOwnerOpt.Load(),
	}
}

// Reset zeroes all counters. Test hook only.
func (s *CowStats) Reset() {
	s.TotalFaults.Store(0)
	s.ManagerPath.Store(0)
	s.DirectPath.Store(0)
	s.PagesCopied.Store(0)
	s.SoleOwnerOpt.Store(0)
}

// FaultOutcome is the result of attempting to resolve a write fault.
type FaultOutcome int

const (
	// FaultResolved means the mapping was fixed up; the faulting access
	// will succeed when retried.
	FaultResolved FaultOutcome = iota

	// FaultBadAccess means the fault is a genuine protection violation;
	// the faulting process should receive a fatal memory-access signal.
	FaultBadAccess

	// FaultOutOfMemory means no frame was available for the copy; the
	// faulting process should be terminated as if for a fatal
	// memory-access fault. The kernel itself continues normally.
	FaultOutOfMemory
)

// String implements fmt.Stringer.
func (o FaultOutcome) String() string {
	switch o {
	case FaultResolved:
		return "resolved"
	case FaultBadAccess:
		return "bad access"
	case FaultOutOfMemory:
		return "out of memory"
	default:
		return fmt.Sprintf("FaultOutcome(%d)", int(o))
	}
}

// ResolveWriteFault resolves a write fault on a present page at va.
//
// The resolution semantics are identical no matter how the caller located
// this address space (registry lookup or the active translation root): only
// the lookup mechanism differs between the two fault paths.
//
// The entire state machine runs under one lock acquisition with no
// suspension points. The frame directory's lock is never held across frame
// allocation.
func (as *AddressSpace) ResolveWriteFault(va usermem.Addr, stats *CowStats) FaultOutcome {
	as.mu.Lock()
	defer as.mu.Unlock()

	page := va.RoundDown()
	frame, opts, ok := as.pt.Lookup(page)
	if !ok || opts.Kind != pagetables.UserWritable {
		return FaultBadAccess
	}
	if opts.Writable() {
		// Already writable: the fault raced with an earlier resolution
		// and only the cached translation is stale. Evict it and let
		// the access retry.
		delete(as.tlb, page)
		return FaultResolved
	}
	// opts.Kind == UserWritable and not writable implies the CoW marker.
	// A missing marker here would mean the entry was corrupted between
	// classification and now.
	if !opts.CopyOnWrite {
		panic(fmt.Sprintf("non-writable UserWritable page at %#x without CoW marker: %+v", uint64(page), opts))
	}

	if as.frames.IsSoleOwner(frame) {
		// Every other owner is gone; reclaim the frame in place. No
		// byte is copied.
		as.pt.Update(page, frame, pagetables.MapOpts{Kind: pagetables.UserWritable})
		delete(as.tlb, page)
		stats.SoleOwnerOpt.Add(1)
		return FaultResolved
	}

	if as.failNextAlloc.CompareAndSwap(true, false) {
		return FaultOutOfMemory
	}
	newFrame, err := as.pool.Allocate()
	if err != nil {
		// Do not copy, do not panic: the faulting process dies, the
		// kernel and the frame's other owners are untouched.
		logrus.WithFields(logrus.Fields{
			"va":    fmt.Sprintf("%#x", uint64(page)),
			"frame": frame,
		}).Warn("no frame for CoW copy")
		return FaultOutOfMemory
	}

	copy(as.pool.FrameBytes(newFrame), as.pool.FrameBytes(frame))
	as.pt.Update(page, newFrame, pagetables.MapOpts{Kind: pagetables.UserWritable})
	if as.frames.Decrement(frame) == 0 {
		// The other owners released the frame while we were copying;
		// ours was the last reference.
		as.pool.Free(frame)
	}
	delete(as.tlb, page)
	stats.PagesCopied.Add(1)
	return FaultResolved
}
