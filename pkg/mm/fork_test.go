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
	"bytes"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/ryanbreen/breenix-sub006/pkg/pagetables"
	"github.com/ryanbreen/breenix-sub006/pkg/pgalloc"
	"github.com/ryanbreen/breenix-sub006/pkg/usermem"
)

func TestForkSharesFramesCopyOnWrite(t *testing.T) {
	forEachArch(t, func(t *testing.T, archName string) {
		pool, frames := newTestMachine(t, testPoolPages)
		as := newTestAddressSpace(t, pool, frames, archName)
		stats := &CowStats{}

		ar := usermem.AddrRange{Start: testDataBase, End: testDataBase.AddPages(2)}
		if err := as.MapRegion(ar, pagetables.UserWritable); err != nil {
			t.Fatalf("MapRegion failed: %v", err)
		}
		writeUser(t, as, stats, ar.Start, []byte("before fork"))

		allocatedBefore := pool.AllocatedFrames()
		child, err := as.Fork()
		if err != nil {
			t.Fatalf("Fork failed: %v", err)
		}
		defer child.Release()
		defer as.Release()

		// Forking allocates page-table nodes for the child but no data
		// frames: four levels of tables, nothing else.
		if got := pool.AllocatedFrames() - allocatedBefore; got != 4 {
			t.Errorf("fork allocated %d frames, want 4 table nodes", got)
		}
		for va := ar.Start; va < ar.End; va = va.AddPages(1) {
			pf, popts, ok := as.Mapping(va)
			if !ok {
				t.Fatalf("parent lost mapping at %#x", uint64(va))
			}
			cf, copts, ok := child.Mapping(va)
			if !ok {
				t.Fatalf("child missing mapping at %#x", uint64(va))
			}
			if pf != cf {
				t.Errorf("page %#x: parent frame %v, child frame %v, want shared", uint64(va), pf, cf)
			}
			if !popts.CopyOnWrite || !copts.CopyOnWrite {
				t.Errorf("page %#x: CoW markers parent=%t child=%t, want both", uint64(va), popts.CopyOnWrite, copts.CopyOnWrite)
			}
			if popts.Writable() || copts.Writable() {
				t.Errorf("page %#x still writable after fork", uint64(va))
			}
			if got := frames.Count(pf); got != 2 {
				t.Errorf("frame %v count = %d, want 2", pf, got)
			}
		}
		if got, want := child.RSSPages(), as.RSSPages(); got != want {
			t.Errorf("child RSSPages() = %d, want %d", got, want)
		}
		got := make([]byte, 11)
		readUser(t, child, ar.Start, got)
		if string(got) != "before fork" {
			t.Errorf("child read %q, want %q", got, "before fork")
		}
	})
}

func TestForkWriteIsolation(t *testing.T) {
	pool, frames := newTestMachine(t, testPoolPages)
	as := newTestAddressSpace(t, pool, frames, "x86_64")
	stats := &CowStats{}

	ar := usermem.AddrRange{Start: testDataBase, End: testDataBase.AddPages(1)}
	if err := as.MapRegion(ar, pagetables.UserWritable); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	writeUser(t, as, stats, ar.Start, []byte("original"))

	child, err := as.Fork()
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	defer child.Release()
	defer as.Release()

	// Parent writes first: its fault copies the frame, the child keeps
	// the original.
	writeUser(t, as, stats, ar.Start, []byte("parent!!"))
	got := make([]byte, 8)
	readUser(t, child, ar.Start, got)
	if string(got) != "original" {
		t.Errorf("child read %q after parent write, want %q", got, "original")
	}

	// The child is now that frame's sole owner; its write reclaims in
	// place without copying.
	writeUser(t, child, stats, ar.Start, []byte("child!!!"))
	readUser(t, as, ar.Start, got)
	if string(got) != "parent!!" {
		t.Errorf("parent read %q after child write, want %q", got, "parent!!")
	}

	snap := stats.Snapshot()
	if snap.PagesCopied != 1 {
		t.Errorf("PagesCopied = %d, want 1", snap.PagesCopied)
	}
	if snap.SoleOwnerOpt != 1 {
		t.Errorf("SoleOwnerOpt = %d, want 1", snap.SoleOwnerOpt)
	}
}

func TestForkSoleOwnerAfterChildExit(t *testing.T) {
	pool, frames := newTestMachine(t, testPoolPages)
	as := newTestAddressSpace(t, pool, frames, "x86_64")
	stats := &CowStats{}

	ar := usermem.AddrRange{Start: testDataBase, End: testDataBase.AddPages(1)}
	if err := as.MapRegion(ar, pagetables.UserWritable); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	frame, _, _ := as.Mapping(ar.Start)

	child, err := as.Fork()
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	// The child exits without writing; the parent's page stays
	// CoW-marked but is sole-owned again.
	child.Release()

	writeUser(t, as, stats, ar.Start, []byte("after"))
	snap := stats.Snapshot()
	if snap.SoleOwnerOpt != 1 || snap.PagesCopied != 0 {
		t.Errorf("SoleOwnerOpt = %d, PagesCopied = %d, want in-place reclaim", snap.SoleOwnerOpt, snap.PagesCopied)
	}
	if got, _, _ := as.Mapping(ar.Start); got != frame {
		t.Errorf("frame changed %v -> %v on sole-owner reclaim", frame, got)
	}
}

func TestForkSharesReadOnlyCodeWithoutCoW(t *testing.T) {
	forEachArch(t, func(t *testing.T, archName string) {
		pool, frames := newTestMachine(t, testPoolPages)
		as := newTestAddressSpace(t, pool, frames, archName)
		stats := &CowStats{}

		ar := usermem.AddrRange{Start: testCodeBase, End: testCodeBase.AddPages(2)}
		if err := as.MapRegion(ar, pagetables.UserExecutable); err != nil {
			t.Fatalf("MapRegion failed: %v", err)
		}
		text := bytes.Repeat([]byte{0x90}, int(2*usermem.PageSize))
		if _, err := as.CopyOutPrivileged(ar.Start, text); err != nil {
			t.Fatalf("CopyOutPrivileged failed: %v", err)
		}

		child, err := as.Fork()
		if err != nil {
			t.Fatalf("Fork failed: %v", err)
		}
		defer child.Release()
		defer as.Release()

		for va := ar.Start; va < ar.End; va = va.AddPages(1) {
			pf, popts, _ := as.Mapping(va)
			cf, copts, _ := child.Mapping(va)
			if pf != cf {
				t.Errorf("code page %#x not shared", uint64(va))
			}
			if popts.CopyOnWrite || copts.CopyOnWrite {
				t.Errorf("code page %#x carries CoW marker", uint64(va))
			}
		}
		got := make([]byte, len(text))
		readUser(t, child, ar.Start, got)
		if !bytes.Equal(got, text) {
			t.Errorf("child code differs from parent")
		}
		// A write attempt to code is a protection violation, never a
		// CoW fault.
		if o := as.ResolveWriteFault(ar.Start, stats); o != FaultBadAccess {
			t.Errorf("ResolveWriteFault on code = %v, want bad access", o)
		}
		if snap := stats.Snapshot(); snap.PagesCopied != 0 || snap.SoleOwnerOpt != 0 {
			t.Errorf("code sharing produced CoW activity: %+v", snap)
		}
	})
}

func TestForkManyPages(t *testing.T) {
	const pages = 128
	pool, frames := newTestMachine(t, 1024)
	as := newTestAddressSpace(t, pool, frames, "x86_64")
	stats := &CowStats{}

	ar := usermem.AddrRange{Start: testDataBase, End: testDataBase.AddPages(pages)}
	if err := as.MapRegion(ar, pagetables.UserWritable); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	for i := 0; i < pages; i++ {
		writeUser(t, as, stats, ar.Start.AddPages(uint64(i)), []byte{byte(i)})
	}

	child, err := as.Fork()
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	defer as.Release()

	// The child rewrites every page; each write copies exactly one frame.
	for i := 0; i < pages; i++ {
		writeUser(t, child, stats, ar.Start.AddPages(uint64(i)), []byte{byte(i) ^ 0xff})
	}
	if got := stats.Snapshot().PagesCopied; got != pages {
		t.Errorf("PagesCopied = %d, want %d", got, pages)
	}
	b := make([]byte, 1)
	for i := 0; i < pages; i++ {
		readUser(t, as, ar.Start.AddPages(uint64(i)), b)
		if b[0] != byte(i) {
			t.Errorf("parent page %d = %#x, want %#x", i, b[0], byte(i))
		}
		readUser(t, child, ar.Start.AddPages(uint64(i)), b)
		if b[0] != byte(i)^0xff {
			t.Errorf("child page %d = %#x, want %#x", i, b[0], byte(i)^0xff)
		}
	}
	// With every page copied, no frame is shared any longer.
	if got := frames.SharedFrames(); got != 0 {
		t.Errorf("SharedFrames() = %d after full divergence, want 0", got)
	}
	child.Release()
}

func TestForkAllocFailureUnwinds(t *testing.T) {
	pool, frames := newTestMachine(t, testPoolPages)
	as := newTestAddressSpace(t, pool, frames, "x86_64")
	stats := &CowStats{}

	ar := usermem.AddrRange{Start: testDataBase, End: testDataBase.AddPages(4)}
	if err := as.MapRegion(ar, pagetables.UserWritable); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	frame, _, _ := as.Mapping(ar.Start)
	allocatedBefore := pool.AllocatedFrames()

	// Leave too few frames for the child's page-table nodes.
	var held []pgalloc.FrameAddr
	for pool.FreeFrames() > 2 {
		f, err := pool.Allocate()
		if err != nil {
			t.Fatalf("draining pool: %v", err)
		}
		held = append(held, f)
	}

	if _, err := as.Fork(); !errors.Is(err, pgalloc.ErrNoMemory) {
		t.Fatalf("Fork with exhausted pool = %v, want ErrNoMemory", err)
	}
	for _, f := range held {
		pool.Free(f)
	}
	if got := pool.AllocatedFrames(); got != allocatedBefore {
		t.Errorf("AllocatedFrames() = %d after unwound fork, want %d", got, allocatedBefore)
	}
	if got := frames.SharedFrames(); got != 0 {
		t.Errorf("SharedFrames() = %d after unwound fork, want 0", got)
	}

	// The parent keeps working. Pages the aborted fork already demoted
	// are sole-owned, so this write reclaims in place.
	writeUser(t, as, stats, ar.Start, []byte("still here"))
	if got, _, _ := as.Mapping(ar.Start); got != frame {
		t.Errorf("frame changed %v -> %v after unwound fork", frame, got)
	}
	if snap := stats.Snapshot(); snap.PagesCopied != 0 {
		t.Errorf("PagesCopied = %d after unwound fork, want 0", snap.PagesCopied)
	}
}

func TestForkCopiesHeapBounds(t *testing.T) {
	pool, frames := newTestMachine(t, testPoolPages)
	as := newTestAddressSpace(t, pool, frames, "x86_64")
	as.SetHeap(testHeapBase)
	if _, err := as.Brk(testHeapBase + 100); err != nil {
		t.Fatalf("Brk failed: %v", err)
	}

	child, err := as.Fork()
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	defer child.Release()

	if got, want := child.HeapBounds(), as.HeapBounds(); got != want {
		t.Errorf("child heap bounds = %+v, want %+v", got, want)
	}
	// The child's heap grows independently.
	if _, err := child.Brk(testHeapBase.AddPages(4)); err != nil {
		t.Fatalf("child Brk failed: %v", err)
	}
	if got := as.HeapBounds().End; got != testHeapBase+100 {
		t.Errorf("parent break moved to %#x after child Brk", uint64(got))
	}
}

func TestConcurrentChildWrites(t *testing.T) {
	const (
		children = 8
		pages    = 16
	)
	pool, frames := newTestMachine(t, 4096)
	as := newTestAddressSpace(t, pool, frames, "x86_64")
	stats := &CowStats{}

	ar := usermem.AddrRange{Start: testDataBase, End: testDataBase.AddPages(pages)}
	if err := as.MapRegion(ar, pagetables.UserWritable); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	for i := 0; i < pages; i++ {
		writeUser(t, as, stats, ar.Start.AddPages(uint64(i)), []byte{0xee})
	}

	kids := make([]*AddressSpace, children)
	for i := range kids {
		child, err := as.Fork()
		if err != nil {
			t.Fatalf("Fork %d failed: %v", i, err)
		}
		kids[i] = child
	}

	var g errgroup.Group
	for i, child := range kids {
		i, child := i, child
		g.Go(func() error {
			for p := 0; p < pages; p++ {
				va := ar.Start.AddPages(uint64(p))
				want := []byte{byte(i), byte(p)}
				done := 0
				for done < len(want) {
					n, err := child.CopyOut(va+usermem.Addr(done), want[done:])
					done += n
					if err == nil {
						continue
					}
					var fe *FaultError
					if !errors.As(err, &fe) {
						return err
					}
					if o := child.ResolveWriteFault(fe.Addr, stats); o != FaultResolved {
						return fmt.Errorf("child %d: fault at %#x: %v", i, uint64(fe.Addr), o)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	b := make([]byte, 2)
	for i, child := range kids {
		for p := 0; p < pages; p++ {
			readUser(t, child, ar.Start.AddPages(uint64(p)), b)
			if b[0] != byte(i) || b[1] != byte(p) {
				t.Errorf("child %d page %d = %x, want [%#x %#x]", i, p, b, byte(i), byte(p))
			}
		}
		child.Release()
	}
	for p := 0; p < pages; p++ {
		readUser(t, as, ar.Start.AddPages(uint64(p)), b[:1])
		if b[0] != 0xee {
			t.Errorf("parent page %d = %#x, want 0xee", p, b[0])
		}
	}
}
