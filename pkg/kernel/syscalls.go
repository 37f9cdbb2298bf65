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

package kernel

import (
	"fmt"

	"github.com/ryanbreen/breenix-sub006/pkg/mm"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

// SysBrk grows the current task's heap to newEnd and returns the resulting
// break. A newEnd at or below the current break is a query: the break is
// returned unchanged.
func (k *Kernel) SysBrk(cpu *CPU, newEnd usermem.Addr) (usermem.Addr, error) {
	return cpu.ActiveAddressSpace().Brk(newEnd)
}

// SysCowStats fills out with the machine-wide CoW counters. It always
// succeeds given a valid buffer.
func (k *Kernel) SysCowStats(out *mm.CowStatsSnapshot) error {
	if out == nil {
		return fmt.Errorf("cow_stats: nil output buffer")
	}
	*out = k.stats.Snapshot()
	return nil
}

// SysInjectAllocFailure arms the one-shot allocation failure for the current
// task's next CoW copy. Privileged test hook; it has no production caller.
func (k *Kernel) SysInjectAllocFailure(cpu *CPU) {
	cpu.ActiveAddressSpace().InjectAllocFailure()
}
