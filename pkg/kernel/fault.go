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
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ryanbreen/breenix-sub006/pkg/mm"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

// FaultFlags is the decoded fault-cause code delivered by the trap entry.
type FaultFlags struct {
	// Present is true if the fault hit a present mapping (a protection
	// fault rather than a missing translation).
	Present bool

	// Write is true for a store, false for a load or instruction fetch.
	Write bool

	// User is true if the access originated in user mode.
	User bool
}

// HandlePageFault is the page-fault entry point. It classifies the fault,
// locates the faulting address space, and resolves copy-on-write faults.
// It returns true if the fault was resolved and the faulting access should
// be retried, and false if the faulting task was terminated.
//
// Lookup discipline: the registry lock is acquired by try-lock only. If it
// is available, the faulting task is looked up in the registry (manager
// path). If it is not - the canonical case being a fault taken while this
// same context holds the lock for signal delivery - the resolver runs
// against the CPU's loaded translation root (direct path), which belongs to
// the faulting context by construction. The two paths share one resolution
// routine; only the lookup differs.
func (k *Kernel) HandlePageFault(cpu *CPU, va usermem.Addr, flags FaultFlags) bool {
	k.stats.TotalFaults.Add(1)
	t := cpu.Current()
	if t == nil {
		panic(fmt.Sprintf("page fault at %#x on idle CPU", uint64(va)))
	}

	if !flags.Write || !flags.Present {
		// Only a store to a present page can be a CoW fault. Anything
		// else is a genuine bad access.
		k.killTask(t, SIGSEGV, va)
		return false
	}

	var outcome mm.FaultOutcome
	if k.registryMu.TryLock() {
		k.stats.ManagerPath.Add(1)
		reg, err := k.taskByID(t.id)
		if err != nil || reg != t {
			k.registryMu.Unlock()
			panic(fmt.Sprintf("faulting task %d not in registry: %v", t.id, err))
		}
		as := reg.AddressSpace()
		if as == nil {
			k.registryMu.Unlock()
			panic(fmt.Sprintf("page fault in exited task %d", t.id))
		}
		outcome = as.ResolveWriteFault(va, &k.stats)
		k.registryMu.Unlock()
	} else {
		// The registry is held, possibly by this very context. The
		// loaded translation root is the faulting context's own, so
		// resolve against it without the registry.
		k.stats.DirectPath.Add(1)
		outcome = cpu.ActiveAddressSpace().ResolveWriteFault(va, &k.stats)
	}

	switch outcome {
	case mm.FaultResolved:
		return true
	case mm.FaultBadAccess:
		k.killTask(t, SIGSEGV, va)
		return false
	case mm.FaultOutOfMemory:
		logrus.WithFields(logrus.Fields{
			"task": t.id,
			"va":   fmt.Sprintf("%#x", uint64(va)),
		}).Warn("out of memory resolving CoW fault, killing task")
		k.killTask(t, SIGSEGV, va)
		return false
	default:
		panic(fmt.Sprintf("unhandled fault outcome %v", outcome))
	}
}

// killTask terminates t with a fatal signal. It never touches the registry
// lock, so it is reachable from both fault paths.
func (k *Kernel) killTask(t *Task, sig Signal, va usermem.Addr) {
	logrus.WithFields(logrus.Fields{
		"task":   t.id,
		"signal": sig,
		"va":     fmt.Sprintf("%#x", uint64(va)),
	}).Info("fatal fault")
	t.terminate(WaitStatus{Signaled: true, Signal: sig})
}

// WriteUser performs a user-mode store of b at va on cpu, taking and
// resolving faults the way the hardware would: the store runs until it
// faults, the fault entry runs, and the store resumes. Returns ErrTaskKilled
// (wrapped) if resolution terminated the task; no partial page write is
// visible in that case.
func (k *Kernel) WriteUser(cpu *CPU, va usermem.Addr, b []byte) error {
	as := cpu.ActiveAddressSpace()
	done := 0
	for done < len(b) {
		n, err := as.CopyOut(va+usermem.Addr(done), b[done:])
		done += n
		if err == nil {
			continue
		}
		var fe *mm.FaultError
		if !errors.As(err, &fe) {
			return err
		}
		if !k.HandlePageFault(cpu, fe.Addr, FaultFlags{Present: fe.Present, Write: true, User: true}) {
			return fmt.Errorf("store at %#x: %w", uint64(fe.Addr), ErrTaskKilled)
		}
	}
	return nil
}

// ReadUser performs a user-mode load of len(b) bytes at va on cpu. Load
// faults are never CoW-resolvable, so any fault terminates the task.
func (k *Kernel) ReadUser(cpu *CPU, va usermem.Addr, b []byte) error {
	as := cpu.ActiveAddressSpace()
	done := 0
	for done < len(b) {
		n, err := as.CopyIn(va+usermem.Addr(done), b[done:])
		done += n
		if err == nil {
			continue
		}
		var fe *mm.FaultError
		if !errors.As(err, &fe) {
			return err
		}
		if !k.HandlePageFault(cpu, fe.Addr, FaultFlags{Present: fe.Present, Write: false, User: true}) {
			return fmt.Errorf("load at %#x: %w", uint64(fe.Addr), ErrTaskKilled)
		}
	}
	return nil
}
