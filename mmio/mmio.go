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

// Package mmio provides access to memory mapped device register windows,
// such as the ones decoded from PCI memory BARs.
package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Port is a register window addressed by byte offsets.
type Port interface {
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, val uint8)
	Write16(off uint32, val uint16)
	Write32(off uint32, val uint32)
}

// Window is a Port backed by a directly addressable register window
// starting at Base.
//
// It is only meaningful where Base is accessible by the running program, such
// as on bare metal or over a mapped device resource.
type Window struct {
	Base uintptr
}

func (w Window) addr(off uint32) unsafe.Pointer {
	return unsafe.Pointer(w.Base + uintptr(off))
}

// Read8 reads a byte register.
func (w Window) Read8(off uint32) uint8 {
	return *(*uint8)(w.addr(off))
}

// Read16 reads a 16-bit register.
func (w Window) Read16(off uint32) uint16 {
	return *(*uint16)(w.addr(off))
}

// Read32 reads a 32-bit register.
func (w Window) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(w.addr(off)))
}

// Write8 writes a byte register.
func (w Window) Write8(off uint32, val uint8) {
	*(*uint8)(w.addr(off)) = val
}

// Write16 writes a 16-bit register.
func (w Window) Write16(off uint32, val uint16) {
	*(*uint16)(w.addr(off)) = val
}

// Write32 writes a 32-bit register.
func (w Window) Write32(off uint32, val uint32) {
	atomic.StoreUint32((*uint32)(w.addr(off)), val)
}

// Wait polls the 32-bit register at off until the bits selected by mask
// equal val, up to n reads, calling delay between reads. It returns whether
// the condition was met.
func Wait(p Port, off uint32, mask uint32, val uint32, n int, delay func()) bool {
	for i := 0; i < n; i++ {
		if p.Read32(off)&mask == val {
			return true
		}

		if delay != nil {
			delay()
		}
	}

	return false
}
