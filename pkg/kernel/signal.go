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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ryanbreen/breenix-sub006/pkg/mm"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

// Signal frame layout, little-endian: magic, signal number, previous stack
// pointer, reserved. Handler selection and masking are the signal policy
// layer's business; only the stack write happens here.
const (
	sigFrameMagic = uint64(0x454d415246474953) // "SIGFRAME"
	sigFrameSize  = 32
)

// SignalFrame is the decoded form of a delivered signal frame.
type SignalFrame struct {
	Signal Signal
	OldSP  usermem.Addr
}

func encodeSignalFrame(sig Signal, oldSP usermem.Addr) []byte {
	b := make([]byte, sigFrameSize)
	binary.LittleEndian.PutUint64(b[0:], sigFrameMagic)
	binary.LittleEndian.PutUint64(b[8:], uint64(sig))
	binary.LittleEndian.PutUint64(b[16:], uint64(oldSP))
	return b
}

// DecodeSignalFrame parses a signal frame previously pushed by SendSignal.
func DecodeSignalFrame(b []byte) (SignalFrame, error) {
	if len(b) < sigFrameSize {
		return SignalFrame{}, fmt.Errorf("short signal frame: %d bytes", len(b))
	}
	if got := binary.LittleEndian.Uint64(b[0:]); got != sigFrameMagic {
		return SignalFrame{}, fmt.Errorf("bad signal frame magic %#x", got)
	}
	return SignalFrame{
		Signal: Signal(binary.LittleEndian.Uint64(b[8:])),
		OldSP:  usermem.Addr(binary.LittleEndian.Uint64(b[16:])),
	}, nil
}

// SendSignal delivers sig to the target task by pushing a signal frame onto
// its user stack, and returns the frame's address. The registry lock is held
// for the whole delivery, including the stack write - so if that write
// faults (the stack page is typically copy-on-write after a fork), the fault
// entry cannot retake the registry and must resolve via the direct path.
//
// Delivery runs in the target's execution context: cpu must have the
// target's translation root loaded, exactly as a hardware kernel delivers a
// signal on the target's own return to user mode.
func (k *Kernel) SendSignal(cpu *CPU, target TaskID, sig Signal) (usermem.Addr, error) {
	k.registryMu.Lock()
	defer k.registryMu.Unlock()
	t, err := k.taskByID(target)
	if err != nil {
		return 0, err
	}
	as := t.AddressSpace()
	if as == nil {
		return 0, fmt.Errorf("task %d: %w", target, ErrNoSuchTask)
	}
	if cpu.ActiveAddressSpace() != as {
		panic(fmt.Sprintf("signal delivery to task %d on a CPU running another translation root", target))
	}

	oldSP := t.sp
	sp := (t.sp - sigFrameSize) &^ 15
	frame := encodeSignalFrame(sig, oldSP)
	done := 0
	for done < len(frame) {
		n, err := as.CopyOut(sp+usermem.Addr(done), frame[done:])
		done += n
		if err == nil {
			continue
		}
		var fe *mm.FaultError
		if !errors.As(err, &fe) {
			return 0, err
		}
		if !k.HandlePageFault(cpu, fe.Addr, FaultFlags{Present: fe.Present, Write: true, User: false}) {
			return 0, fmt.Errorf("signal frame push at %#x: %w", uint64(fe.Addr), ErrTaskKilled)
		}
	}
	t.sp = sp
	return sp, nil
}
