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

package pagetables

import (
	"unsafe"

	"github.com/ryanbreen/breenix-sub006/pkg/pgalloc"
)

// PoolAllocator allocates table nodes from a physical memory pool, storing
// each node inside the frame that identifies it, as hardware tables are.
type PoolAllocator struct {
	// Pool is the backing pool. Immutable.
	Pool *pgalloc.Pool
}

// NewPoolAllocator returns a PoolAllocator backed by pool.
func NewPoolAllocator(pool *pgalloc.Pool) *PoolAllocator {
	return &PoolAllocator{Pool: pool}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *PoolAllocator) NewPTEs() (*PTEs, pgalloc.FrameAddr, error) {
	frame, err := a.Pool.Allocate()
	if err != nil {
		return nil, 0, err
	}
	return a.LookupPTEs(frame), frame, nil
}

// LookupPTEs implements Allocator.LookupPTEs.
//
// The frame's bytes are reinterpreted in place as entries; a frame and its
// node alias the same storage.
func (a *PoolAllocator) LookupPTEs(frame pgalloc.FrameAddr) *PTEs {
	b := a.Pool.FrameBytes(frame)
	return (*PTEs)(unsafe.Pointer(&b[0]))
}

// FreePTEs implements Allocator.FreePTEs.
func (a *PoolAllocator) FreePTEs(frame pgalloc.FrameAddr) {
	a.Pool.Free(frame)
}
