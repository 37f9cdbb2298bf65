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

// Package usermem defines the virtual address type and page geometry shared
// by the memory management subsystem.
package usermem

import "fmt"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the system page size. Both supported architectures use a
	// 4 KiB translation granule.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1
)

// Addr represents a generic virtual address in a user address space.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("usermem.Addr(%#x).RoundUp() wraps", uint64(v)))
	}
	return addr
}

// IsPageAligned returns true if v is page-aligned.
func (v Addr) IsPageAligned() bool {
	return v&PageMask == 0
}

// PageOffset returns the offset of v within its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// AddPages returns v advanced by n pages.
func (v Addr) AddPages(n uint64) Addr {
	return v + Addr(n<<PageShift)
}

// AddrRange is a range of virtual addresses, [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// WellFormed returns true if ar.Start <= ar.End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Contains returns true if ar contains addr.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// AccessType specifies the memory access attempted by the faulting
// instruction, as reported by the architecture's fault error code.
type AccessType struct {
	// Read is the read bit.
	Read bool

	// Write is the write bit.
	Write bool

	// Execute is the instruction-fetch bit.
	Execute bool
}

// String implements fmt.Stringer.
func (a AccessType) String() string {
	return fmt.Sprintf("%s%s%s",
		accessBit(a.Read, "r"),
		accessBit(a.Write, "w"),
		accessBit(a.Execute, "x"))
}

func accessBit(set bool, bit string) string {
	if set {
		return bit
	}
	return "-"
}
