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
	"github.com/ryanbreen/breenix-sub006/pkg/pgalloc"
)

// CPU models one processor's context: the task it is executing and the
// address space whose translation root is loaded. The fault path's direct
// path operates on this state alone, so the active address space is threaded
// here explicitly rather than inferred from a global.
//
// A CPU is driven by one goroutine at a time; it is not self-synchronizing.
type CPU struct {
	current *Task
	active  *mm.AddressSpace
}

// NewCPU returns an idle CPU.
func NewCPU() *CPU {
	return &CPU{}
}

// Switch makes t the CPU's current task and loads its translation root.
//
// Preconditions: t is running.
func (c *CPU) Switch(t *Task) {
	as := t.AddressSpace()
	if as == nil {
		panic(fmt.Sprintf("switch to exited task %d", t.id))
	}
	c.current = t
	c.active = as
}

// Current returns the task this CPU is executing, or nil if idle.
func (c *CPU) Current() *Task {
	return c.current
}

// ActiveAddressSpace returns the address space whose translation root is
// loaded on this CPU.
func (c *CPU) ActiveAddressSpace() *mm.AddressSpace {
	return c.active
}

// TranslationRoot returns the loaded translation-root register value.
func (c *CPU) TranslationRoot() pgalloc.FrameAddr {
	return c.active.TranslationRoot()
}
