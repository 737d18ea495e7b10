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

package pci

// MemConfig is an in-memory configuration space, absent functions read as
// all ones.
type MemConfig map[BDF]*[64]uint32

// Add populates a type 0 header for a function.
func (m MemConfig) Add(bdf BDF, vendor uint16, device uint16, class uint16, progIf uint8, bar0 uint32) {
	space := &[64]uint32{}

	space[VendorID/4] = uint32(device)<<16 | uint32(vendor)
	space[ClassRevision/4] = uint32(class)<<16 | uint32(progIf)<<8
	space[BAR0/4] = bar0

	if bdf.Fn() != 0 {
		// function 0 must exist and advertise additional functions
		root := NewBDF(bdf.Bus(), bdf.Dev(), 0)

		if _, ok := m[root]; !ok {
			m.Add(root, vendor, 0, 0x0600, 0, 0)
		}

		m[root][HeaderType/4] |= multiFunction << 16
	}

	m[bdf] = space
}

func (m MemConfig) Read32(bdf BDF, off uint8) uint32 {
	space, ok := m[bdf]

	if !ok {
		return 0xffffffff
	}

	return space[off/4]
}

func (m MemConfig) Write32(bdf BDF, off uint8, val uint32) {
	if space, ok := m[bdf]; ok {
		space[off/4] = val
	}
}
