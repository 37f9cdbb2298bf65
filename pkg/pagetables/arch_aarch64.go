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

// AArch64 stage-1 descriptor bits, 4 KiB granule. A level-3 page descriptor
// and a table descriptor both set bit 1; the distinction is positional here
// since block mappings are not used.
const (
	arm64Valid PTE = 1 << 0
	arm64Table PTE = 1 << 1
	arm64Page  PTE = 1 << 1

	// AP[2:1]: EL0 access and write protection.
	arm64User     PTE = 1 << 6 // AP[1]: accessible from EL0
	arm64ReadOnly PTE = 1 << 7 // AP[2]: writes denied at all ELs

	arm64AF PTE = 1 << 10 // access flag

	arm64PXN PTE = 1 << 53 // privileged execute-never
	arm64UXN PTE = 1 << 54 // user execute-never

	// arm64CoW is the software copy-on-write marker. Bits 55-58 are
	// reserved for software use in all stage-1 descriptors.
	arm64CoW PTE = 1 << 55

	arm64AddrMask PTE = 0x0000fffffffff000
)

type arm64Arch struct{}

// ARM64 returns the AArch64 entry codec.
func ARM64() Arch {
	return arm64Arch{}
}

// Name implements Arch.Name.
func (arm64Arch) Name() string {
	return "aarch64"
}

// MakeLeaf implements Arch.MakeLeaf.
//
// The hardware couples permissions here in a way x86_64 does not: any page
// accessible from EL0 for writing takes PXN implicitly, so a user-writable
// page can never be kernel-executable. The RegionKind shapes are exactly the
// encodings that exist.
func (arm64Arch) MakeLeaf(frame pgalloc.FrameAddr, opts MapOpts) PTE {
	opts.check()
	pte := PTE(frame)&arm64AddrMask | arm64Valid | arm64Page | arm64AF
	switch opts.Kind {
	case KernelOnly:
		pte |= arm64UXN
	case UserExecutable:
		pte |= arm64User | arm64ReadOnly | arm64PXN
	case UserWritable:
		pte |= arm64User | arm64UXN | arm64PXN
		if opts.CopyOnWrite {
			pte |= arm64ReadOnly | arm64CoW
		}
	default:
		panic(fmt.Sprintf("unknown region kind %v", opts.Kind))
	}
	return pte
}

// LeafOpts implements Arch.LeafOpts.
func (arm64Arch) LeafOpts(pte PTE) MapOpts {
	var opts MapOpts
	switch {
	case pte&arm64User == 0:
		opts.Kind = KernelOnly
	case pte&arm64UXN == 0:
		opts.Kind = UserExecutable
	default:
		opts.Kind = UserWritable
		opts.CopyOnWrite = pte&arm64CoW != 0
	}
	return opts
}

// MakeTable implements Arch.MakeTable.
func (arm64Arch) MakeTable(frame pgalloc.FrameAddr) PTE {
	return PTE(frame)&arm64AddrMask | arm64Valid | arm64Table
}

// Valid implements Arch.Valid.
func (arm64Arch) Valid(pte PTE) bool {
	return pte&arm64Valid != 0
}

// Address implements Arch.Address.
func (arm64Arch) Address(pte PTE) pgalloc.FrameAddr {
	return pgalloc.FrameAddr(pte & arm64AddrMask)
}
