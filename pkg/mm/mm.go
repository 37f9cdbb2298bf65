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

// Package mm implements per-process address spaces: the translation tree,
// heap bounds, usage accounting, copy-on-write forking, and write-fault
// resolution.
//
// An AddressSpace owns its page tables exclusively. The data frames its
// leaves reference are shared ownership, mediated by the frame directory:
// every leaf mapping holds one reference, and the last reference to drop
// returns the frame to the pool.
package mm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ryanbreen/breenix-sub006/pkg/framedir"
	"github.com/ryanbreen/breenix-sub006/pkg/pagetables"
	"github.com/ryanbreen/breenix-sub006/pkg/pgalloc"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

// tlbEntry is one cached translation.
type tlbEntry struct {
	frame pgalloc.FrameAddr
	opts  pagetables.MapOpts
}

// AddressSpace is one process's view of memory.
type AddressSpace struct {
	// mu serializes all mutation of the address space. The fault resolver
	// completes under a single acquisition; there are no suspension
	// points between the CoW-marker check and retirement of the fault.
	mu sync.Mutex

	// pt is the translation tree. Owned exclusively by this AddressSpace.
	pt *pagetables.PageTables

	// pool and frames are the machine-wide physical allocator and frame
	// directory. Immutable.
	pool   *pgalloc.Pool
	frames *framedir.Directory

	// tlb is the software translation cache, standing in for the
	// hardware TLB: lookups consult it first, and resolved faults must
	// evict the single affected page for the retried access to see the
	// new entry. Protected by mu.
	tlb map[usermem.Addr]tlbEntry

	// heapStart and heapEnd bound the bump-pointer heap region. heapEnd
	// only grows. Protected by mu.
	heapStart usermem.Addr
	heapEnd   usermem.Addr

	// rssPages counts user pages mapped in this address space. Protected
	// by mu.
	rssPages uint64

	// failNextAlloc forces the next frame allocation attempted by the
	// fault resolver's copy path to fail. Process-local test hook, armed
	// by a privileged syscall.
	failNextAlloc atomic.Bool
}

// NewAddressSpace returns an empty AddressSpace for the given architecture.
func NewAddressSpace(pool *pgalloc.Pool, frames *framedir.Directory, arch pagetables.Arch) (*AddressSpace, error) {
	pt, err := pagetables.New(pagetables.NewPoolAllocator(pool), arch)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{
		pt:     pt,
		pool:   pool,
		frames: frames,
		tlb:    make(map[usermem.Addr]tlbEntry),
	}, nil
}

// TranslationRoot returns the frame of the top-level page table: the value
// loaded into the CPU's translation-root register when this address space is
// active.
func (as *AddressSpace) TranslationRoot() pgalloc.FrameAddr {
	return as.pt.Root()
}

// Arch returns the address space's architecture codec.
func (as *AddressSpace) Arch() pagetables.Arch {
	return as.pt.Arch()
}

// MapRegion maps ar with freshly allocated, zeroed frames of the given kind.
// On allocation failure everything already mapped by this call is unwound and
// ErrNoMemory is returned.
func (as *AddressSpace) MapRegion(ar usermem.AddrRange, kind pagetables.RegionKind) error {
	if !ar.WellFormed() || !ar.Start.IsPageAligned() || !ar.End.IsPageAligned() {
		panic(fmt.Sprintf("invalid region [%#x, %#x)", uint64(ar.Start), uint64(ar.End)))
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	for va := ar.Start; va < ar.End; va += usermem.PageSize {
		frame, err := as.pool.Allocate()
		if err == nil {
			err = as.pt.Map(va, frame, pagetables.MapOpts{Kind: kind})
			if err != nil {
				as.pool.Free(frame)
			}
		}
		if err != nil {
			as.unmapLocked(usermem.AddrRange{Start: ar.Start, End: va})
			return err
		}
		// Credited per page so the unwind above sees consistent
		// accounting for the pages mapped so far.
		as.rssPages++
	}
	return nil
}

// unmapLocked removes all mappings in ar, dropping each frame's reference.
//
// Preconditions: as.mu is locked.
func (as *AddressSpace) unmapLocked(ar usermem.AddrRange) {
	pages := ar.Length() >> usermem.PageShift
	if pages == 0 {
		return
	}
	removed := uint64(0)
	as.pt.Unmap(ar.Start, pages, func(va usermem.Addr, frame pgalloc.FrameAddr, opts pagetables.MapOpts) {
		delete(as.tlb, va)
		if as.frames.Decrement(frame) == 0 {
			as.pool.Free(frame)
		}
		removed++
	})
	if removed > as.rssPages {
		panic(fmt.Sprintf("unmapped %d pages with rss %d", removed, as.rssPages))
	}
	as.rssPages -= removed
	if removed > 0 {
		as.pt.Prune()
	}
}

// Unmap removes all mappings in ar.
func (as *AddressSpace) Unmap(ar usermem.AddrRange) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.unmapLocked(ar)
}

// SetHeap establishes the heap's starting break. start must be page-aligned.
func (as *AddressSpace) SetHeap(start usermem.Addr) {
	if !start.IsPageAligned() {
		panic(fmt.Sprintf("unaligned heap start %#x", uint64(start)))
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.heapStart = start
	as.heapEnd = start
}

// Brk grows the heap to newEnd, mapping fresh writable pages, and returns the
// resulting break. The heap never shrinks: a newEnd at or below the current
// break returns the current break unchanged. On allocation failure the break
// is unchanged and ErrNoMemory is returned.
func (as *AddressSpace) Brk(newEnd usermem.Addr) (usermem.Addr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if newEnd <= as.heapEnd {
		return as.heapEnd, nil
	}
	oldTop := as.heapEnd.MustRoundUp()
	newTop := newEnd.MustRoundUp()

	for va := oldTop; va < newTop; va += usermem.PageSize {
		frame, err := as.pool.Allocate()
		if err == nil {
			err = as.pt.Map(va, frame, pagetables.MapOpts{Kind: pagetables.UserWritable})
			if err != nil {
				as.pool.Free(frame)
			}
		}
		if err != nil {
			as.unmapLocked(usermem.AddrRange{Start: oldTop, End: va})
			return as.heapEnd, err
		}
		as.rssPages++
	}
	as.heapEnd = newEnd
	return as.heapEnd, nil
}

// HeapBounds returns the heap's current bounds.
func (as *AddressSpace) HeapBounds() usermem.AddrRange {
	as.mu.Lock()
	defer as.mu.Unlock()
	return usermem.AddrRange{Start: as.heapStart, End: as.heapEnd}
}

// RSSPages returns the number of user pages currently mapped.
func (as *AddressSpace) RSSPages() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.rssPages
}

// InjectAllocFailure arms the process-local one-shot allocation failure used
// to exercise the fault resolver's out-of-memory path deterministically.
func (as *AddressSpace) InjectAllocFailure() {
	as.failNextAlloc.Store(true)
}

// FlushTLB drops every cached translation.
func (as *AddressSpace) FlushTLB() {
	as.mu.Lock()
	defer as.mu.Unlock()
	clear(as.tlb)
}

// Mapping returns the frame and options mapped at the page containing va,
// bypassing the translation cache. Diagnostic and test use.
func (as *AddressSpace) Mapping(va usermem.Addr) (pgalloc.FrameAddr, pagetables.MapOpts, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.Lookup(va.RoundDown())
}

// Release tears down the address space: every mapped frame's reference is
// dropped (freeing frames whose count reaches zero) and the page-table nodes
// themselves are returned to the pool. The AddressSpace must not be used
// afterwards.
func (as *AddressSpace) Release() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pt.Release(func(va usermem.Addr, frame pgalloc.FrameAddr, opts pagetables.MapOpts) {
		if as.frames.Decrement(frame) == 0 {
			as.pool.Free(frame)
		}
	})
	as.tlb = nil
	as.rssPages = 0
}
