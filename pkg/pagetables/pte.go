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
	"fmt"

	"github.com/ryanbreen/breenix-sub006/pkg/pgalloc"
)

// RegionKind classifies the permission shape of a mapping. It is an enum
// rather than independent permission booleans because the two are not
// independent in hardware: AArch64 denies kernel execution of any
// user-writable page (PXN is forced), so an interface exposing free-form
// writable/executable flags could request encodings that do not exist.
type RegionKind int

const (
	// KernelOnly is memory inaccessible to userspace, writable and
	// executable by the kernel.
	KernelOnly RegionKind = iota

	// UserExecutable is user code: readable and executable by userspace,
	// never writable by anyone. Pages of this kind need no copy-on-write
	// tracking, ever.
	UserExecutable

	// UserWritable is user data, stack, or heap: readable and writable by
	// userspace, never executable.
	UserWritable
)

// String implements fmt.Stringer.
func (k RegionKind) String() string {
	switch k {
	case KernelOnly:
		return "KernelOnly"
	case UserExecutable:
		return "UserExecutable"
	case UserWritable:
		return "UserWritable"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// MapOpts are the logical attributes of a leaf mapping.
type MapOpts struct {
	// Kind is the mapping's permission shape.
	Kind RegionKind

	// CopyOnWrite marks a UserWritable mapping whose frame is, or may be,
	// shared with another address space. The hardware writable bit is
	// clear while CopyOnWrite is set; the software CoW bit distinguishes
	// this state from genuinely read-only memory.
	CopyOnWrite bool
}

// Writable returns true if userspace may write through this mapping without
// faulting.
func (o MapOpts) Writable() bool {
	return o.Kind == UserWritable && !o.CopyOnWrite
}

func (o MapOpts) check() {
	if o.CopyOnWrite && o.Kind != UserWritable {
		panic(fmt.Sprintf("CopyOnWrite is meaningless for %v mappings", o.Kind))
	}
}

// Arch encodes and decodes page-table entries for one architecture. All
// layouts share the convention that a zero entry is not valid.
type Arch interface {
	// Name returns the architecture's canonical name.
	Name() string

	// MakeLeaf encodes a leaf entry mapping frame with the given options.
	MakeLeaf(frame pgalloc.FrameAddr, opts MapOpts) PTE

	// LeafOpts decodes a leaf entry's options.
	LeafOpts(pte PTE) MapOpts

	// MakeTable encodes an intermediate entry pointing at the next-level
	// node held in frame.
	MakeTable(frame pgalloc.FrameAddr) PTE

	// Valid returns true if the entry is present.
	Valid(pte PTE) bool

	// Address returns the frame an entry points at.
	Address(pte PTE) pgalloc.FrameAddr
}

// ArchByName returns the Arch for a canonical architecture name.
func ArchByName(name string) (Arch, error) {
	switch name {
	case "x86_64", "amd64":
		return X86_64(), nil
	case "aarch64", "arm64":
		return ARM64(), nil
	default:
		return nil, fmt.Errorf("unknown architecture %q", name)
	}
}
