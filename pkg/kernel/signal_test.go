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
	"errors"
	"testing"
)

// TestSignalToSelfOnCoWStack is the canonical reentrancy case: delivery
// holds the registry lock while pushing the signal frame, the target's stack
// page is copy-on-write after fork, and the resulting write fault must
// resolve on the direct path without ever retaking the registry.
func TestSignalToSelfOnCoWStack(t *testing.T) {
	k := newTestKernel(t, "x86_64")
	parent, err := k.CreateTask(testImage)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	cpu := NewCPU()
	cpu.Switch(parent)
	child, err := k.Fork(cpu)
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	cpu.Switch(child)

	// If the fault entry ever blocked on the registry here, this call
	// would deadlock rather than return.
	sp, err := k.SendSignal(cpu, child.ID(), SIGUSR1)
	if err != nil {
		t.Fatalf("SendSignal failed: %v", err)
	}

	snap := k.Stats()
	if snap.DirectPath != 1 {
		t.Errorf("DirectPath = %d, want 1", snap.DirectPath)
	}
	if snap.ManagerPath != 0 {
		t.Errorf("ManagerPath = %d, want 0", snap.ManagerPath)
	}
	if snap.PagesCopied != 1 {
		t.Errorf("PagesCopied = %d, want 1 (stack page shared with parent)", snap.PagesCopied)
	}

	buf := make([]byte, sigFrameSize)
	if err := k.ReadUser(cpu, sp, buf); err != nil {
		t.Fatalf("ReadUser(frame) failed: %v", err)
	}
	frame, err := DecodeSignalFrame(buf)
	if err != nil {
		t.Fatalf("DecodeSignalFrame failed: %v", err)
	}
	if frame.Signal != SIGUSR1 {
		t.Errorf("frame signal = %v, want SIGUSR1", frame.Signal)
	}
	if frame.OldSP != StackTop {
		t.Errorf("frame old sp = %#x, want %#x", uint64(frame.OldSP), uint64(StackTop))
	}

	// The parent's copy of the stack page is untouched by the delivery.
	cpu.Switch(parent)
	parentBuf := make([]byte, sigFrameSize)
	if err := k.ReadUser(cpu, sp, parentBuf); err != nil {
		t.Fatalf("parent ReadUser failed: %v", err)
	}
	if _, err := DecodeSignalFrame(parentBuf); err == nil {
		t.Errorf("signal frame visible in parent's address space")
	}
	k.Exit(child, 0)
	k.Exit(parent, 0)
}

func TestSendSignalUnknownTask(t *testing.T) {
	k := newTestKernel(t, "x86_64")
	task, err := k.CreateTask(testImage)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	cpu := NewCPU()
	cpu.Switch(task)
	if _, err := k.SendSignal(cpu, 9999, SIGUSR1); !errors.Is(err, ErrNoSuchTask) {
		t.Errorf("SendSignal to unknown task = %v, want ErrNoSuchTask", err)
	}
	k.Exit(task, 0)
}

func TestSendSignalOOMKillsTarget(t *testing.T) {
	k := newTestKernel(t, "x86_64")
	parent, err := k.CreateTask(testImage)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	cpu := NewCPU()
	cpu.Switch(parent)
	child, err := k.Fork(cpu)
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	cpu.Switch(child)
	k.SysInjectAllocFailure(cpu)

	// The frame push faults, the copy cannot be satisfied, and the kill
	// runs while the registry lock is still held by the delivery.
	if _, err := k.SendSignal(cpu, child.ID(), SIGUSR1); !errors.Is(err, ErrTaskKilled) {
		t.Fatalf("SendSignal with injected OOM = %v, want ErrTaskKilled", err)
	}
	id, status, err := k.Wait(parent)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if id != child.ID() || !status.Signaled || status.Signal != SIGSEGV {
		t.Errorf("Wait = (%d, %+v), want child killed by SIGSEGV", id, status)
	}
	k.Exit(parent, 0)
}
