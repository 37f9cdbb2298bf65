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

// x86_64 long-mode entry bits.
const (
	x86Present  PTE = 1 << 0
	x86Writable PTE = 1 << 1
	x86User     PTE = 1 << 2
	x86Accessed PTE = 1 << 5
	x86Dirty    PTE = 1 << 6
	x86Global   PTE = 1 << 8
	x86NoExec   PTE = 1 << 63

	// x86CoW is the software copy-on-write marker. Bits 9-11 are ignored
	// by the MMU for all entry types in long mode.
	x86CoW PTE = 1 << 9

	x86AddrMask PTE = 0x000ffffffffff000
)

type x86Arch struct{}

// X86_64 returns the x86_64 entry codec.
func X86_64() Arch {
	return x86Arch{}
}

// Name implements Arch.Name.
func (x86Arch) Name() string {
	return "x86_64"
}

// MakeLeaf implements Arch.MakeLeaf.
func (x86Arch) MakeLeaf(frame pgalloc.FrameAddr, opts MapOpts) PTE {
	opts.check()
	pte := PTE(frame)&x86AddrMask | x86Present | x86Accessed
	switch opts.Kind {
	case KernelOnly:
		pte |= x86Writable | x86Global
	case UserExecutable:
		pte |= x86User
	case UserWritable:
		pte |= x86User | x86NoExec
		if opts.CopyOnWrite {
			pte |= x86CoW
		} else {
			pte |= x86Writable | x86Dirty
		}
	default:
		panic(fmt.Sprintf("unknown region kind %v", opts.Kind))
	}
	return pte
}

// LeafOpts implements Arch.LeafOpts.
func (x86Arch) LeafOpts(pte PTE) MapOpts {
	var opts MapOpts
	switch {
	case pte&x86User == 0:
		opts.Kind = KernelOnly
	case pte&x86NoExec == 0:
		opts.Kind = UserExecutable
	default:
		opts.Kind = UserWritable
		opts.CopyOnWrite = pte&x86CoW != 0
	}
	return opts
}

// MakeTable implements Arch.MakeTable. Intermediate entries carry the most
// permissive attributes; restriction happens at the leaves.
func (x86Arch) MakeTable(frame pgalloc.FrameAddr) PTE {
	return PTE(frame)&x86AddrMask | x86Present | x86Writable | x86User
}

// Valid implements Arch.Valid.
func (x86Arch) Valid(pte PTE) bool {
	return pte&x86Present != 0
}

// Address implements Arch.Address.
func (x86Arch) Address(pte PTE) pgalloc.FrameAddr {
	return pgalloc.FrameAddr(pte & x86AddrMask)
}
