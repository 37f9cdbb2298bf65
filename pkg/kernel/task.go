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
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ryanbreen/breenix-sub006/pkg/mm"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

// TaskID identifies a task for the lifetime of the machine. IDs are never
// reused.
type TaskID uint32

// Signal is a POSIX-style signal number.
type Signal int

const (
	SIGKILL Signal = 9
	SIGUSR1 Signal = 10
	SIGSEGV Signal = 11
)

// String implements fmt.Stringer.
func (s Signal) String() string {
	switch s {
	case SIGKILL:
		return "SIGKILL"
	case SIGUSR1:
		return "SIGUSR1"
	case SIGSEGV:
		return "SIGSEGV"
	default:
		return fmt.Sprintf("signal %d", int(s))
	}
}

// TaskState is a task's lifecycle state.
type TaskState int

const (
	// TaskRunning means the task is alive and owns its address space.
	TaskRunning TaskState = iota

	// TaskExited means the task has terminated and released its address
	// space, and is waiting to be reaped.
	TaskExited
)

// WaitStatus is a child's exit status as observed by wait.
type WaitStatus struct {
	// Signaled is true if the task was terminated by a signal rather
	// than exiting voluntarily.
	Signaled bool

	// Signal is the terminating signal if Signaled.
	Signal Signal

	// ExitCode is the voluntary exit code if !Signaled.
	ExitCode int
}

// Task is one process: an id, an address space, and lifecycle state. The
// scheduler proper is out of scope; tests and the CLI drive tasks directly
// through a CPU.
type Task struct {
	id     TaskID
	k      *Kernel
	parent *Task

	// as is the task's address space, exclusively owned. nil once the
	// task has exited.
	as *mm.AddressSpace

	// sp is the next free stack address, growing down. Signal frames are
	// pushed here.
	sp usermem.Addr

	// mu guards state and exit. It is independent of the registry lock
	// so that a fatal fault can terminate the task from either fault
	// path.
	mu    sync.Mutex
	state TaskState
	exit  WaitStatus
}

// ID returns the task's id.
func (t *Task) ID() TaskID {
	return t.id
}

// AddressSpace returns the task's address space, or nil if it has exited.
func (t *Task) AddressSpace() *mm.AddressSpace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.as
}

// State returns the task's lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// terminate moves t to TaskExited with the given status and releases its
// address space. Idempotent: a task already exited keeps its first status.
//
// This takes only t.mu, never the registry lock, so the fault path can kill
// a task regardless of which lookup path resolved the fault.
func (t *Task) terminate(status WaitStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskExited {
		return
	}
	t.state = TaskExited
	t.exit = status
	t.as.Release()
	t.as = nil
	logrus.WithFields(logrus.Fields{
		"task":     t.id,
		"signaled": status.Signaled,
		"signal":   status.Signal,
		"code":     status.ExitCode,
	}).Info("task exited")
}
