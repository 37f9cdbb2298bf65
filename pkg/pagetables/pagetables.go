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

// Package pagetables provides a four-level page-table implementation for the
// x86_64 and AArch64 4 KiB translation granules.
//
// Table nodes live inside physical frames obtained from an Allocator, and
// entries use the genuine descriptor bit layout of the selected architecture.
// The two layouts are encapsulated behind the Arch codec so that everything
// above the entry encoding is architecture-independent: both architectures
// resolve a 48-bit virtual address through four levels of 512 entries.
package pagetables

import (
	"fmt"

	"github.com/ryanbreen/breenix-sub006/pkg/pgalloc"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

const (
	// entriesPerPage is the number of entries in one table node.
	entriesPerPage = 512

	// numLevels is the depth of the translation tree. Leaves are at the
	// deepest level; no block/super mappings are used.
	numLevels = 4

	// MaxUserAddress is the exclusive upper bound of the user half of the
	// address space on both architectures.
	MaxUserAddress usermem.Addr = 1 << 47
)

// PTE is a raw page-table entry in the selected architecture's bit layout.
type PTE uint64

// PTEs is one table node: a frame's worth of entries.
type PTEs [entriesPerPage]PTE

// Allocator provides frames for table nodes.
type Allocator interface {
	// NewPTEs returns a zeroed node and the frame holding it. It fails
	// with pgalloc.ErrNoMemory when no frame is available; it never
	// blocks waiting for memory.
	NewPTEs() (*PTEs, pgalloc.FrameAddr, error)

	// LookupPTEs returns the node stored in the given frame.
	LookupPTEs(frame pgalloc.FrameAddr) *PTEs

	// FreePTEs returns a node's frame to the allocator.
	FreePTEs(frame pgalloc.FrameAddr)
}

// PageTables is one process's translation tree.
type PageTables struct {
	// Allocator is used to allocate and look up table nodes. Immutable.
	Allocator Allocator

	// arch encodes and decodes entries. Immutable.
	arch Arch

	// root is the top-level node.
	root *PTEs

	// rootFrame is the frame holding root: the value this tree's owner
	// loads into the CPU's translation-root register.
	rootFrame pgalloc.FrameAddr
}

// New returns an empty translation tree.
func New(a Allocator, arch Arch) (*PageTables, error) {
	root, rootFrame, err := a.NewPTEs()
	if err != nil {
		return nil, err
	}
	return &PageTables{
		Allocator: a,
		arch:      arch,
		root:      root,
		rootFrame: rootFrame,
	}, nil
}

// Arch returns the architecture codec.
func (p *PageTables) Arch() Arch {
	return p.arch
}

// Root returns the translation root: the frame holding the top-level node.
func (p *PageTables) Root() pgalloc.FrameAddr {
	return p.rootFrame
}

// pteIndex returns va's entry index at the given level (0 is the root).
func pteIndex(va usermem.Addr, level int) int {
	shift := usermem.PageShift + 9*(numLevels-1-level)
	return int((uint64(va) >> shift) & (entriesPerPage - 1))
}

func checkVA(va usermem.Addr) {
	if !va.IsPageAligned() || va >= MaxUserAddress {
		panic(fmt.Sprintf("invalid user virtual address %#x", uint64(va)))
	}
}

// Map installs a leaf mapping from va to frame. The intermediate nodes on the
// path are allocated as needed; they are always private to this tree. Map
// fails with pgalloc.ErrNoMemory if a node cannot be allocated, leaving any
// nodes already allocated in place (they are reclaimed by Prune or Release).
//
// Preconditions: va is page-aligned, below MaxUserAddress, and not already
// mapped.
func (p *PageTables) Map(va usermem.Addr, frame pgalloc.FrameAddr, opts MapOpts) error {
	checkVA(va)
	ptes := p.root
	for level := 0; level < numLevels-1; level++ {
		idx := pteIndex(va, level)
		entry := ptes[idx]
		if !p.arch.Valid(entry) {
			next, nodeFrame, err := p.Allocator.NewPTEs()
			if err != nil {
				return err
			}
			ptes[idx] = p.arch.MakeTable(nodeFrame)
			ptes = next
		} else {
			ptes = p.Allocator.LookupPTEs(p.arch.Address(entry))
		}
	}
	idx := pteIndex(va, numLevels-1)
	if p.arch.Valid(ptes[idx]) {
		panic(fmt.Sprintf("va %#x is already mapped", uint64(va)))
	}
	ptes[idx] = p.arch.MakeLeaf(frame, opts)
	return nil
}

// leafSlot returns a pointer to the leaf entry for va, or nil if any level on
// the path is not present.
func (p *PageTables) leafSlot(va usermem.Addr) *PTE {
	ptes := p.root
	for level := 0; level < numLevels-1; level++ {
		entry := ptes[pteIndex(va, level)]
		if !p.arch.Valid(entry) {
			return nil
		}
		ptes = p.Allocator.LookupPTEs(p.arch.Address(entry))
	}
	return &ptes[pteIndex(va, numLevels-1)]
}

// Lookup returns the frame and options mapped at va. ok is false if va is not
// mapped.
func (p *PageTables) Lookup(va usermem.Addr) (frame pgalloc.FrameAddr, opts MapOpts, ok bool) {
	checkVA(va)
	slot := p.leafSlot(va)
	if slot == nil || !p.arch.Valid(*slot) {
		return 0, MapOpts{}, false
	}
	return p.arch.Address(*slot), p.arch.LeafOpts(*slot), true
}

// Update rewrites the existing leaf mapping at va. It allocates nothing.
//
// Preconditions: va is mapped.
func (p *PageTables) Update(va usermem.Addr, frame pgalloc.FrameAddr, opts MapOpts) {
	checkVA(va)
	slot := p.leafSlot(va)
	if slot == nil || !p.arch.Valid(*slot) {
		panic(fmt.Sprintf("updating unmapped va %#x", uint64(va)))
	}
	*slot = p.arch.MakeLeaf(frame, opts)
}

// Unmap removes the leaf mappings for numPages pages starting at va, calling
// f for each mapping removed. Intermediate nodes left empty are reclaimed by
// Prune or Release.
func (p *PageTables) Unmap(va usermem.Addr, numPages uint64, f func(va usermem.Addr, frame pgalloc.FrameAddr, opts MapOpts)) {
	checkVA(va)
	for i := uint64(0); i < numPages; i++ {
		cur := va.AddPages(i)
		slot := p.leafSlot(cur)
		if slot == nil || !p.arch.Valid(*slot) {
			continue
		}
		if f != nil {
			f(cur, p.arch.Address(*slot), p.arch.LeafOpts(*slot))
		}
		*slot = 0
	}
}

// Prune returns every intermediate node that no longer holds a valid entry
// to the allocator, clearing the parent entries that pointed at it. The root
// is never pruned. Together with Unmap this gives full reclamation of a
// region's table frames without tearing down the tree.
func (p *PageTables) Prune() {
	p.pruneLevel(p.root, 0)
}

// pruneLevel prunes the subtree rooted at ptes and reports whether the node
// ended up with no valid entries.
func (p *PageTables) pruneLevel(ptes *PTEs, level int) bool {
	empty := true
	for idx := 0; idx < entriesPerPage; idx++ {
		entry := ptes[idx]
		if !p.arch.Valid(entry) {
			continue
		}
		if level == numLevels-1 {
			empty = false
			continue
		}
		child := p.arch.Address(entry)
		if p.pruneLevel(p.Allocator.LookupPTEs(child), level+1) {
			p.Allocator.FreePTEs(child)
			ptes[idx] = 0
		} else {
			empty = false
		}
	}
	return empty
}

// Walk calls f for every present leaf mapping in [start, end), in address
// order. Returning a non-nil error stops the walk.
//
// f must not map or unmap addresses; it may call Update.
func (p *PageTables) Walk(start, end usermem.Addr, f func(va usermem.Addr, frame pgalloc.FrameAddr, opts MapOpts) error) error {
	if !start.IsPageAligned() || start > end || end > MaxUserAddress {
		panic(fmt.Sprintf("invalid walk range [%#x, %#x)", uint64(start), uint64(end)))
	}
	return p.walkLevel(p.root, 0, 0, start, end, f)
}

// walkLevel visits the subtree rooted at ptes, which covers the region
// beginning at base.
func (p *PageTables) walkLevel(ptes *PTEs, level int, base usermem.Addr, start, end usermem.Addr, f func(va usermem.Addr, frame pgalloc.FrameAddr, opts MapOpts) error) error {
	span := usermem.Addr(1) << (usermem.PageShift + 9*(numLevels-1-level))
	for idx := 0; idx < entriesPerPage; idx++ {
		entryStart := base + span*usermem.Addr(idx)
		if entryStart >= end || entryStart+span <= start {
			continue
		}
		entry := ptes[idx]
		if !p.arch.Valid(entry) {
			continue
		}
		if level == numLevels-1 {
			if err := f(entryStart, p.arch.Address(entry), p.arch.LeafOpts(entry)); err != nil {
				return err
			}
			continue
		}
		next := p.Allocator.LookupPTEs(p.arch.Address(entry))
		if err := p.walkLevel(next, level+1, entryStart, start, end, f); err != nil {
			return err
		}
	}
	return nil
}

// Release tears down the whole tree: f is called for every present leaf
// mapping, then every table node's frame, including the root, is returned to
// the allocator. The tree must not be used afterwards.
func (p *PageTables) Release(f func(va usermem.Addr, frame pgalloc.FrameAddr, opts MapOpts)) {
	p.releaseLevel(p.root, p.rootFrame, 0, 0, f)
	p.root = nil
	p.rootFrame = 0
}

func (p *PageTables) releaseLevel(ptes *PTEs, nodeFrame pgalloc.FrameAddr, level int, base usermem.Addr, f func(va usermem.Addr, frame pgalloc.FrameAddr, opts MapOpts)) {
	span := usermem.Addr(1) << (usermem.PageShift + 9*(numLevels-1-level))
	for idx := 0; idx < entriesPerPage; idx++ {
		entry := ptes[idx]
		if !p.arch.Valid(entry) {
			continue
		}
		if level == numLevels-1 {
			if f != nil {
				f(base+span*usermem.Addr(idx), p.arch.Address(entry), p.arch.LeafOpts(entry))
			}
			continue
		}
		child := p.arch.Address(entry)
		p.releaseLevel(p.Allocator.LookupPTEs(child), child, level+1, base+span*usermem.Addr(idx), f)
	}
	p.Allocator.FreePTEs(nodeFrame)
}
