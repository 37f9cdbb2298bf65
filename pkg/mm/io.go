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

package mm

import (
	"fmt"

	"github.com/ryanbreen/breenix-sub006/pkg/pagetables"
	"github.com/ryanbreen/breenix-sub006/pkg/pgalloc"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

// FaultError reports a memory access that could not be translated. It plays
// the role of the hardware fault: the accessing "instruction" stops at the
// faulting page, the fault entry point decides whether it is resolvable, and
// if so the access is retried from where it stopped.
type FaultError struct {
	// Addr is the page-aligned faulting address.
	Addr usermem.Addr

	// Access is the attempted access type.
	Access usermem.AccessType

	// Present is true if a mapping exists but denies the access.
	Present bool
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	return fmt.Sprintf("fault at %#x (access %v, present %t)", uint64(e.Addr), e.Access, e.Present)
}

// translateLocked resolves the page containing va for the given access,
// consulting the translation cache first.
//
// Preconditions: as.mu is locked. page is page-aligned.
func (as *AddressSpace) translateLocked(page usermem.Addr, at usermem.AccessType) (pgalloc.FrameAddr, *FaultError) {
	if e, ok := as.tlb[page]; ok {
		if !at.Write || e.opts.Writable() {
			return e.frame, nil
		}
		// The cached entry denies the access; fall through to the
		// tables, which may have been updated since the fill.
	}
	frame, opts, ok := as.pt.Lookup(page)
	if !ok {
		return 0, &FaultError{Addr: page, Access: at, Present: false}
	}
	if opts.Kind == pagetables.KernelOnly {
		return 0, &FaultError{Addr: page, Access: at, Present: true}
	}
	if at.Write && !opts.Writable() {
		return 0, &FaultError{Addr: page, Access: at, Present: true}
	}
	as.tlb[page] = tlbEntry{frame: frame, opts: opts}
	return frame, nil
}

// CopyOut writes src to user memory at va, faulting like a user-mode store.
// It returns the number of bytes written; on fault the error is a
// *FaultError and the write stops exactly at the faulting page, so a caller
// that resolves the fault can resume from the returned offset. Bytes within
// a page are written all-or-nothing.
func (as *AddressSpace) CopyOut(va usermem.Addr, src []byte) (int, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	done := 0
	for done < len(src) {
		cur := va + usermem.Addr(done)
		page := cur.RoundDown()
		frame, ferr := as.translateLocked(page, usermem.AccessType{Write: true})
		if ferr != nil {
			return done, ferr
		}
		b := as.pool.FrameBytes(frame)
		done += copy(b[cur.PageOffset():], src[done:])
	}
	return done, nil
}

// CopyIn reads user memory at va into dst, faulting like a user-mode load.
// Reads from copy-on-write pages do not fault; they see the shared frame.
func (as *AddressSpace) CopyIn(va usermem.Addr, dst []byte) (int, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	done := 0
	for done < len(dst) {
		cur := va + usermem.Addr(done)
		page := cur.RoundDown()
		frame, ferr := as.translateLocked(page, usermem.AccessType{Read: true})
		if ferr != nil {
			return done, ferr
		}
		b := as.pool.FrameBytes(frame)
		done += copy(dst[done:], b[cur.PageOffset():])
	}
	return done, nil
}

// CopyOutPrivileged writes src at va ignoring write protection, faulting only
// on unmapped pages. This is the loader's path for populating read-only code
// regions; it must never be used on behalf of user code, since writing a
// CoW-shared frame in place would corrupt the other owners.
func (as *AddressSpace) CopyOutPrivileged(va usermem.Addr, src []byte) (int, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	done := 0
	for done < len(src) {
		cur := va + usermem.Addr(done)
		page := cur.RoundDown()
		frame, _, ok := as.pt.Lookup(page)
		if !ok {
			return done, &FaultError{Addr: page, Access: usermem.AccessType{Write: true}, Present: false}
		}
		b := as.pool.FrameBytes(frame)
		done += copy(b[cur.PageOffset():], src[done:])
	}
	return done, nil
}
