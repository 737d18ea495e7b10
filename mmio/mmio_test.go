// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
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

package mmio

import (
	"testing"
	"unsafe"
)

func newWindow(t *testing.T, size int) (Window, []uint32) {
	t.Helper()
	mem := make([]uint32, size/4)
	return Window{Base: uintptr(unsafe.Pointer(&mem[0]))}, mem
}

func TestWindowAccess(t *testing.T) {
	w, mem := newWindow(t, 64)

	w.Write32(0x10, 0xdeadbeef)
	if got := mem[4]; got != 0xdeadbeef {
		t.Fatalf("backing word = %#x, want 0xdeadbeef", got)
	}

	// Registers are little endian, as on every platform carrying a SDHCI.
	if got := w.Read8(0x10); got != 0xef {
		t.Errorf("Read8 = %#x, want 0xef", got)
	}
	if got := w.Read16(0x12); got != 0xdead {
		t.Errorf("Read16 = %#x, want 0xdead", got)
	}

	w.Write8(0x13, 0x12)
	w.Write16(0x10, 0x3456)
	if got := w.Read32(0x10); got != 0x12ad3456 {
		t.Errorf("Read32 = %#x, want 0x12ad3456", got)
	}
}

func TestWait(t *testing.T) {
	w, _ := newWindow(t, 16)

	w.Write32(0x4, 1<<16|1<<3)

	delays := 0
	if !Wait(w, 0x4, 1<<16, 1<<16, 3, func() { delays++ }) {
		t.Errorf("Wait did not observe set bit")
	}
	if delays != 0 {
		t.Errorf("Wait delayed %d times, want 0", delays)
	}

	if Wait(w, 0x4, 1<<16, 0, 3, func() { delays++ }) {
		t.Errorf("Wait observed a bit that was never cleared")
	}
	if delays != 3 {
		t.Errorf("Wait delayed %d times, want 3", delays)
	}
}
