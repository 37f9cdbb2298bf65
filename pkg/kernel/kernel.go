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

// Package kernel implements the process layer above the memory manager: the
// task registry, per-CPU state, the page-fault entry point and its locking
// discipline, and the syscalls the memory subsystem exposes (fork, brk, wait,
// cow_stats, signal delivery).
package kernel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ryanbreen/breenix-sub006/pkg/framedir"
	"github.com/ryanbreen/breenix-sub006/pkg/mm"
	"github.com/ryanbreen/breenix-sub006/pkg/pagetables"
	"github.com/ryanbreen/breenix-sub006/pkg/pgalloc"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

var (
	// ErrNoSuchTask is returned for operations naming an unknown task.
	ErrNoSuchTask = errors.New("no such task")

	// ErrNoChildren is returned by Wait when the task has no exited
	// children to reap.
	ErrNoChildren = errors.New("no exited children")

	// ErrTaskKilled is returned by user-memory accessors when fault
	// resolution terminated the faulting task instead of fixing the
	// mapping.
	ErrTaskKilled = errors.New("task killed by fatal fault")
)

// User address-space layout for tasks. The code image is loaded at CodeBase,
// the stack occupies StackPages pages ending at StackTop, and the heap grows
// up from HeapBase via brk.
const (
	CodeBase   = usermem.Addr(0x400000)
	HeapBase   = usermem.Addr(0x10000000)
	StackTop   = usermem.Addr(0x7ffffffff000)
	StackPages = 8
)

// Kernel owns the machine: the physical memory pool, the frame directory,
// the task registry, and the machine-wide CoW statistics.
//
// registryMu is the process registry lock of the fault path's locking
// discipline: HandlePageFault acquires it by try-lock only, and falls back to
// the CPU's active address space when the faulting context already holds it.
type Kernel struct {
	pool   *pgalloc.Pool
	frames *framedir.Directory
	arch   pagetables.Arch

	// stats is incremented only by the fault path, and read by the
	// cow_stats syscall.
	stats mm.CowStats

	// registryMu guards tasks and nextID. It is never acquired while an
	// AddressSpace or frame-directory lock is held.
	registryMu sync.Mutex
	tasks      map[TaskID]*Task
	nextID     TaskID
}

// New builds a Kernel with memoryBytes of simulated physical memory for the
// given architecture ("x86_64" or "aarch64", with their common aliases).
func New(memoryBytes uint64, archName string) (*Kernel, error) {
	arch, err := pagetables.ArchByName(archName)
	if err != nil {
		return nil, err
	}
	pool, err := pgalloc.NewPool(memoryBytes)
	if err != nil {
		return nil, fmt.Errorf("creating physical pool: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"frames": pool.TotalFrames(),
		"arch":   arch.Name(),
	}).Info("machine memory initialized")
	return &Kernel{
		pool:   pool,
		frames: framedir.New(),
		arch:   arch,
		tasks:  make(map[TaskID]*Task),
		nextID: 1,
	}, nil
}

// Destroy tears down all tasks and releases the physical pool. The Kernel
// must not be used afterwards.
func (k *Kernel) Destroy() {
	k.registryMu.Lock()
	for id, t := range k.tasks {
		t.mu.Lock()
		if t.state == TaskRunning {
			t.as.Release()
		}
		t.mu.Unlock()
		delete(k.tasks, id)
	}
	k.registryMu.Unlock()
	k.pool.Destroy()
}

// Stats returns a snapshot of the machine-wide CoW counters. The cow_stats
// syscall is a thin wrapper over this.
func (k *Kernel) Stats() mm.CowStatsSnapshot {
	return k.stats.Snapshot()
}

// ResetStats zeroes the CoW counters. Test hook only.
func (k *Kernel) ResetStats() {
	k.stats.Reset()
}

// AllocatedFrames reports the pool's allocated-frame count.
func (k *Kernel) AllocatedFrames() uint64 {
	return k.pool.AllocatedFrames()
}

// CreateTask builds a task with the standard layout: image loaded read-only
// executable at CodeBase, StackPages of writable stack below StackTop, and an
// empty heap at HeapBase.
func (k *Kernel) CreateTask(image []byte) (*Task, error) {
	as, err := mm.NewAddressSpace(k.pool, k.frames, k.arch)
	if err != nil {
		return nil, fmt.Errorf("creating address space: %w", err)
	}
	codeEnd := (CodeBase + usermem.Addr(len(image))).MustRoundUp()
	if err := as.MapRegion(usermem.AddrRange{Start: CodeBase, End: codeEnd}, pagetables.UserExecutable); err != nil {
		as.Release()
		return nil, fmt.Errorf("mapping code: %w", err)
	}
	if _, err := as.CopyOutPrivileged(CodeBase, image); err != nil {
		as.Release()
		return nil, fmt.Errorf("loading image: %w", err)
	}
	stackBase := StackTop - usermem.Addr(StackPages*usermem.PageSize)
	if err := as.MapRegion(usermem.AddrRange{Start: stackBase, End: StackTop}, pagetables.UserWritable); err != nil {
		as.Release()
		return nil, fmt.Errorf("mapping stack: %w", err)
	}
	as.SetHeap(HeapBase)

	k.registryMu.Lock()
	defer k.registryMu.Unlock()
	t := &Task{
		id:    k.nextID,
		k:     k,
		as:    as,
		state: TaskRunning,
		sp:    StackTop,
	}
	k.nextID++
	k.tasks[t.id] = t
	logrus.WithFields(logrus.Fields{
		"task": t.id,
		"rss":  as.RSSPages(),
	}).Info("task created")
	return t, nil
}

// Fork clones the current task's address space copy-on-write and registers
// the child. Returns pgalloc.ErrNoMemory (wrapped) if the clone cannot be
// built, or ErrTaskKilled if the current task was terminated; the parent is
// unchanged in either case.
func (k *Kernel) Fork(cpu *CPU) (*Task, error) {
	parent := cpu.Current()
	parentAS := parent.AddressSpace()
	if parentAS == nil {
		return nil, fmt.Errorf("fork of task %d: %w", parent.id, ErrTaskKilled)
	}
	childAS, err := parentAS.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork of task %d: %w", parent.id, err)
	}

	k.registryMu.Lock()
	defer k.registryMu.Unlock()
	child := &Task{
		id:     k.nextID,
		k:      k,
		as:     childAS,
		parent: parent,
		state:  TaskRunning,
		sp:     parent.sp,
	}
	k.nextID++
	k.tasks[child.id] = child
	logrus.WithFields(logrus.Fields{
		"parent": parent.id,
		"child":  child.id,
	}).Info("fork")
	return child, nil
}

// Exit terminates t voluntarily with the given code. Its address space is
// released immediately; the registry entry stays until the parent reaps it.
func (k *Kernel) Exit(t *Task, code int) {
	t.terminate(WaitStatus{ExitCode: code})
}

// Kill terminates the task with the given id as if it had received sig.
// Like Exit, the address space is released immediately; the parent still
// observes the signal through Wait.
func (k *Kernel) Kill(id TaskID, sig Signal) error {
	k.registryMu.Lock()
	t, err := k.taskByID(id)
	k.registryMu.Unlock()
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"task":   t.id,
		"signal": sig,
	}).Info("kill")
	t.terminate(WaitStatus{Signaled: true, Signal: sig})
	return nil
}

// Wait reaps one exited child of parent, returning its id and exit status,
// or ErrNoChildren if no child has exited.
func (k *Kernel) Wait(parent *Task) (TaskID, WaitStatus, error) {
	k.registryMu.Lock()
	defer k.registryMu.Unlock()
	for id, t := range k.tasks {
		t.mu.Lock()
		exited := t.parent == parent && t.state == TaskExited
		status := t.exit
		t.mu.Unlock()
		if exited {
			delete(k.tasks, id)
			return id, status, nil
		}
	}
	return 0, WaitStatus{}, ErrNoChildren
}

// taskByID returns the registered task with the given id.
//
// Preconditions: k.registryMu is locked.
func (k *Kernel) taskByID(id TaskID) (*Task, error) {
	t, ok := k.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, ErrNoSuchTask)
	}
	return t, nil
}
