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

package usermem

import "testing"

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr    Addr
		down    Addr
		up      Addr
		upOK    bool
		aligned bool
		pageOff uint64
	}{
		{addr: 0, down: 0, up: 0, upOK: true, aligned: true, pageOff: 0},
		{addr: 1, down: 0, up: PageSize, upOK: true, aligned: false, pageOff: 1},
		{addr: PageSize - 1, down: 0, up: PageSize, upOK: true, aligned: false, pageOff: PageSize - 1},
		{addr: PageSize, down: PageSize, up: PageSize, upOK: true, aligned: true, pageOff: 0},
		{addr: 0x7fff12345678, down: 0x7fff12345000, up: 0x7fff12346000, upOK: true, aligned: false, pageOff: 0x678},
		{addr: ^Addr(0) - 1, down: ^Addr(0) &^ PageMask, upOK: false},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("Addr(%#x).RoundDown() = %#x, want %#x", uint64(tc.addr), uint64(got), uint64(tc.down))
		}
		got, ok := tc.addr.RoundUp()
		if ok != tc.upOK {
			t.Errorf("Addr(%#x).RoundUp() ok = %t, want %t", uint64(tc.addr), ok, tc.upOK)
		}
		if ok && got != tc.up {
			t.Errorf("Addr(%#x).RoundUp() = %#x, want %#x", uint64(tc.addr), uint64(got), uint64(tc.up))
		}
		if !tc.upOK {
			continue
		}
		if got := tc.addr.IsPageAligned(); got != tc.aligned {
			t.Errorf("Addr(%#x).IsPageAligned() = %t, want %t", uint64(tc.addr), got, tc.aligned)
		}
		if got := tc.addr.PageOffset(); got != tc.pageOff {
			t.Errorf("Addr(%#x).PageOffset() = %#x, want %#x", uint64(tc.addr), got, tc.pageOff)
		}
	}
}

func TestMustRoundUpPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("MustRoundUp on a wrapping address did not panic")
		}
	}()
	Addr(^uint64(0)).MustRoundUp()
}

func TestAddPages(t *testing.T) {
	if got := Addr(0x1000).AddPages(3); got != 0x4000 {
		t.Errorf("AddPages(3) = %#x, want 0x4000", uint64(got))
	}
	if got := Addr(0x1008).AddPages(1); got != 0x2008 {
		t.Errorf("AddPages preserves page offset: got %#x, want 0x2008", uint64(got))
	}
}

func TestAddrRange(t *testing.T) {
	ar := AddrRange{Start: 0x1000, End: 0x4000}
	if !ar.WellFormed() {
		t.Errorf("%+v not well-formed", ar)
	}
	if got := ar.Length(); got != 0x3000 {
		t.Errorf("Length() = %#x, want 0x3000", got)
	}
	for _, tc := range []struct {
		addr Addr
		want bool
	}{
		{0xfff, false},
		{0x1000, true},
		{0x3fff, true},
		{0x4000, false},
	} {
		if got := ar.Contains(tc.addr); got != tc.want {
			t.Errorf("Contains(%#x) = %t, want %t", uint64(tc.addr), got, tc.want)
		}
	}
	if (AddrRange{Start: 2, End: 1}).WellFormed() {
		t.Errorf("inverted range reported well-formed")
	}
}

func TestAccessTypeString(t *testing.T) {
	for _, tc := range []struct {
		at   AccessType
		want string
	}{
		{AccessType{}, "---"},
		{AccessType{Read: true}, "r--"},
		{AccessType{Write: true}, "-w-"},
		{AccessType{Read: true, Write: true, Execute: true}, "rwx"},
	} {
		if got := tc.at.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.at, got, tc.want)
		}
	}
}
