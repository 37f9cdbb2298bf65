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

// Package pgalloc implements the physical frame allocator, which manages the
// pool of memory that may be mapped into application address spaces.
//
// The pool owns a single anonymous mapping obtained from the host. Frames are
// fixed-size slices of that mapping, identified by their offset from its
// base; the offset plays the role of a physical address. Free frames are kept
// as coalesced ranges so that allocation is a bounded search and release is
// O(log n).
//
// The pool hands out frame lifetime only. Whether a frame may be released is
// decided by its reference count, which is owned by the frame directory, not
// by the pool.
package pgalloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

// FrameAddr is the physical base address of a frame: its byte offset from the
// start of the pool's backing mapping. FrameAddrs are always page-aligned.
type FrameAddr uint64

// String implements fmt.Stringer.
func (f FrameAddr) String() string {
	return fmt.Sprintf("%#x", uint64(f))
}

// ErrNoMemory is returned when no physical frame is available. Allocation
// never blocks waiting for memory to be freed; callers must treat this as a
// terminal condition for the requesting process.
var ErrNoMemory = errors.New("out of physical memory")

// frameRange is a maximal run of free frames, [start, end).
type frameRange struct {
	start FrameAddr
	end   FrameAddr
}

func frameRangeLess(a, b frameRange) bool {
	return a.start < b.start
}

// Pool is a fixed-size physical memory pool.
type Pool struct {
	mu sync.Mutex

	// mem is the backing mapping. The slice header is immutable; the bytes
	// are owned by whichever subsystem holds each frame.
	mem []byte

	// free holds all free frames as coalesced ranges, keyed by start
	// address. Protected by mu.
	free *btree.BTreeG[frameRange]

	// allocated counts frames currently handed out. Protected by mu.
	allocated uint64

	// injectFailure forces the next Allocate to fail with ErrNoMemory.
	// Test hook only. Protected by mu.
	injectFailure bool
}

// NewPool creates a Pool backed by size bytes of anonymous memory. size is
// rounded up to a whole number of frames.
func NewPool(size uint64) (*Pool, error) {
	if size == 0 {
		return nil, fmt.Errorf("invalid pool size %d", size)
	}
	size = uint64(usermem.Addr(size).MustRoundUp())
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d-byte pool failed: %w", size, err)
	}
	p := &Pool{
		mem:  mem,
		free: btree.NewG(16, frameRangeLess),
	}
	p.free.ReplaceOrInsert(frameRange{0, FrameAddr(size)})
	return p, nil
}

// Destroy releases the backing mapping. No Pool methods may be called after
// Destroy.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem != nil {
		unix.Munmap(p.mem)
		p.mem = nil
	}
}

// Allocate returns a zeroed frame, or ErrNoMemory if the pool is exhausted.
// Allocate never blocks on anything other than the pool lock.
func (p *Pool) Allocate() (FrameAddr, error) {
	p.mu.Lock()
	if p.injectFailure {
		p.injectFailure = false
		p.mu.Unlock()
		return 0, ErrNoMemory
	}
	var r frameRange
	found := false
	p.free.Ascend(func(fr frameRange) bool {
		r = fr
		found = true
		return false
	})
	if !found {
		p.mu.Unlock()
		return 0, ErrNoMemory
	}
	frame := r.start
	p.free.Delete(r)
	if r.start+usermem.PageSize < r.end {
		p.free.ReplaceOrInsert(frameRange{r.start + usermem.PageSize, r.end})
	}
	p.allocated++
	p.mu.Unlock()

	clear(p.frameBytes(frame))
	return frame, nil
}

// Free returns frame to the pool. The caller asserts that no mapping
// references the frame; the frame directory's count for it must have reached
// zero.
func (p *Pool) Free(frame FrameAddr) {
	p.checkFrame(frame)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocated == 0 {
		panic(fmt.Sprintf("Free(%v) with no outstanding frames", frame))
	}
	r := frameRange{frame, frame + usermem.PageSize}
	// Coalesce with the predecessor and successor ranges, if adjacent.
	p.free.DescendLessOrEqual(frameRange{start: frame}, func(fr frameRange) bool {
		if fr.end > frame {
			panic(fmt.Sprintf("Free(%v): frame is already free in %v-%v", frame, fr.start, fr.end))
		}
		if fr.end == frame {
			p.free.Delete(fr)
			r.start = fr.start
		}
		return false
	})
	p.free.AscendGreaterOrEqual(frameRange{start: r.end}, func(fr frameRange) bool {
		if fr.start == r.end {
			p.free.Delete(fr)
			r.end = fr.end
		}
		return false
	})
	p.free.ReplaceOrInsert(r)
	p.allocated--
}

// FrameBytes returns the backing bytes of frame. The returned slice aliases
// the pool's mapping and remains valid until the frame is freed.
func (p *Pool) FrameBytes(frame FrameAddr) []byte {
	p.checkFrame(frame)
	return p.frameBytes(frame)
}

func (p *Pool) frameBytes(frame FrameAddr) []byte {
	return p.mem[frame : frame+usermem.PageSize : frame+usermem.PageSize]
}

func (p *Pool) checkFrame(frame FrameAddr) {
	if uint64(frame)&usermem.PageMask != 0 || uint64(frame) >= uint64(len(p.mem)) {
		panic(fmt.Sprintf("invalid frame address %v (pool size %#x)", frame, len(p.mem)))
	}
}

// TotalFrames returns the pool's capacity in frames.
func (p *Pool) TotalFrames() uint64 {
	return uint64(len(p.mem)) >> usermem.PageShift
}

// AllocatedFrames returns the number of frames currently handed out.
func (p *Pool) AllocatedFrames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// FreeFrames returns the number of allocatable frames.
func (p *Pool) FreeFrames() uint64 {
	return p.TotalFrames() - p.AllocatedFrames()
}

// InjectAllocFailure arms a one-shot allocation failure: the next call to
// Allocate fails with ErrNoMemory. Test hook only.
func (p *Pool) InjectAllocFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injectFailure = true
}
