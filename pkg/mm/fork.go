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
	"github.com/sirupsen/logrus"

	"github.com/ryanbreen/breenix-sub006/pkg/pagetables"
	"github.com/ryanbreen/breenix-sub006/pkg/pgalloc"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

// Fork produces a child address space sharing this one's frames.
//
// Writable pages become copy-on-write in both parent and child: the writable
// bit is cleared and the CoW marker set on both sides, and the frame gains
// the child as an owner. No data is copied. Read-only pages (code) are shared
// permanently with no CoW marker; they gain an owner but can never fault.
// Page-table nodes are never shared: the child gets a freshly allocated tree
// whose leaves point at the shared frames.
//
// On allocation failure the partially built child is unwound completely -
// every reference the child gained is dropped and its tree is freed - and
// ErrNoMemory is returned. Parent pages already marked CoW stay CoW; with the
// child's references gone they are sole-owned again, so the parent's next
// write to one resolves in place without a copy.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	child, err := NewAddressSpace(as.pool, as.frames, as.pt.Arch())
	if err != nil {
		return nil, err
	}

	err = as.pt.Walk(0, pagetables.MaxUserAddress, func(va usermem.Addr, frame pgalloc.FrameAddr, opts pagetables.MapOpts) error {
		childOpts := opts
		if opts.Kind == pagetables.UserWritable {
			childOpts.CopyOnWrite = true
			if !opts.CopyOnWrite {
				// Demote the parent's mapping and flush its
				// cached translation so the parent's next
				// write faults.
				as.pt.Update(va, frame, childOpts)
				delete(as.tlb, va)
			}
		}
		if err := child.pt.Map(va, frame, childOpts); err != nil {
			return err
		}
		as.frames.Increment(frame)
		return nil
	})
	if err != nil {
		// Unwind: drop every reference the child took, then the
		// child's page-table nodes. Frames stay alive through the
		// parent's references.
		child.pt.Release(func(va usermem.Addr, frame pgalloc.FrameAddr, opts pagetables.MapOpts) {
			if as.frames.Decrement(frame) == 0 {
				as.pool.Free(frame)
			}
		})
		logrus.WithError(err).Debug("fork aborted, child unwound")
		return nil, err
	}

	child.heapStart = as.heapStart
	child.heapEnd = as.heapEnd
	child.rssPages = as.rssPages
	return child, nil
}
