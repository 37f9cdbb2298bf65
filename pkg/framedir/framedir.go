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

// Package framedir implements the frame directory, the single authority on
// how many address spaces reference each physical frame.
//
// A frame's notional reference count is 1 from the moment its first owner
// maps it. The directory materializes an entry only when a frame becomes
// shared (at fork); a frame with no entry is sole-owned. The entry is removed
// when the count would return to zero, at which point the frame must be
// returned to the physical allocator by the caller.
//
// All operations are O(1) and take only the directory's own lock. In
// particular the directory never acquires the process registry lock, so it is
// safe to use from the fault resolver's direct path.
package framedir

import (
	"fmt"
	"sync"

	"github.com/ryanbreen/breenix-sub006/pkg/pgalloc"
)

// Directory tracks reference counts for shared frames.
type Directory struct {
	mu sync.Mutex

	// refs maps shared frames to their owner counts. Frames absent from
	// refs have exactly one owner, so a stored count is always >= 2; a
	// stored count below that indicates corruption of the directory
	// itself. Protected by mu.
	refs map[pgalloc.FrameAddr]uint64
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{
		refs: make(map[pgalloc.FrameAddr]uint64),
	}
}

// Increment registers one more owner of frame. A frame with no entry has an
// implicit count of 1 (its original owner from allocation), so the first
// Increment materializes the entry at 2.
func (d *Directory) Increment(frame pgalloc.FrameAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.refs[frame]
	if !ok {
		c = 1
	} else if c < 2 {
		panic(fmt.Sprintf("frame %v has corrupt refcount %d", frame, c))
	}
	d.refs[frame] = c + 1
}

// Decrement drops one owner of frame and returns the new count. When it
// returns 0, the caller owns the frame's fate and must return it to the
// physical allocator. A frame that drops back to a single owner reverts to
// its implicit representation and its entry is removed.
func (d *Directory) Decrement(frame pgalloc.FrameAddr) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.refs[frame]
	if !ok {
		// Implicit count of 1: the last owner is dropping the frame.
		return 0
	}
	if c < 2 {
		panic(fmt.Sprintf("frame %v has corrupt refcount %d", frame, c))
	}
	c--
	if c < 2 {
		delete(d.refs, frame)
	} else {
		d.refs[frame] = c
	}
	return c
}

// IsSoleOwner returns true if frame has exactly one owner.
func (d *Directory) IsSoleOwner(frame pgalloc.FrameAddr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.refs[frame]
	if ok && c < 2 {
		panic(fmt.Sprintf("frame %v has corrupt refcount %d", frame, c))
	}
	return !ok
}

// Count returns frame's owner count.
func (d *Directory) Count(frame pgalloc.FrameAddr) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.refs[frame]
	if !ok {
		return 1
	}
	return c
}

// SharedFrames returns the number of frames with more than one owner.
// Diagnostic only.
func (d *Directory) SharedFrames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.refs)
}
