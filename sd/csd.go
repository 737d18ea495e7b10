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

package sd

import (
	"k8s.io/klog/v2"
)

// CSD structure versions
const (
	CSDVersion1 = 0
	CSDVersion2 = 1
)

// Time and transfer rate field decoding tables
var (
	csdExp  = [8]uint32{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000}
	csdMant = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}
)

// Supply current tables in µA
var (
	csdCurMin = [8]uint32{500, 1000, 5000, 10000, 25000, 35000, 60000, 100000}
	csdCurMax = [8]uint32{1000, 5000, 10000, 25000, 35000, 45000, 80000, 200000}
)

// CSD represents the decoded Card Specific Data register.
type CSD struct {
	Structure int

	// data read access time in ns
	TAAC uint32
	// data read access time in clock cycles
	NSAC uint32
	// max transfer rate in bit/s
	TranSpeed uint32
	// card command classes
	CCC uint32

	ReadBlockLen       uint32
	ReadBlockPartial   bool
	WriteBlockMisalign bool
	ReadBlockMisalign  bool
	DSRImplemented     bool

	// supply currents in µA, only reported by version 1 registers
	VddReadCurrMin  uint32
	VddReadCurrMax  uint32
	VddWriteCurrMin uint32
	VddWriteCurrMax uint32

	// Capacity is the card capacity in bytes.
	Capacity uint64

	EraseBlockEnable  bool
	EraseSector       uint32
	WPGroupSize       uint32
	WPGroupEnable     bool
	R2WFactor         uint32
	WriteBlockLen     uint32
	WriteBlockPartial bool
}

// DecodeCSD decodes a CSD register, unknown structure versions decode to an
// empty result.
func DecodeCSD(r Register) (csd CSD) {
	csd.Structure = int(r.Bits(126, 2))

	if csd.Structure != CSDVersion1 && csd.Structure != CSDVersion2 {
		klog.Warningf("SD: unrecognized CSD structure version %d", csd.Structure)
		return
	}

	m := r.Bits(115, 4)
	e := r.Bits(112, 3)
	csd.TAAC = (csdExp[e]*csdMant[m] + 9) / 10
	csd.NSAC = r.Bits(104, 8) * 100

	m = r.Bits(99, 4)
	e = r.Bits(96, 3)
	csd.TranSpeed = csdExp[e] * 10000 * csdMant[m]

	csd.CCC = r.Bits(84, 12)
	csd.ReadBlockLen = 1 << r.Bits(80, 4)
	csd.ReadBlockPartial = r.Bits(79, 1) == 1
	csd.WriteBlockMisalign = r.Bits(78, 1) == 1
	csd.ReadBlockMisalign = r.Bits(77, 1) == 1
	csd.DSRImplemented = r.Bits(76, 1) == 1

	if csd.Structure == CSDVersion1 {
		csd.VddReadCurrMin = csdCurMin[r.Bits(59, 3)]
		csd.VddReadCurrMax = csdCurMax[r.Bits(56, 3)]
		csd.VddWriteCurrMin = csdCurMin[r.Bits(53, 3)]
		csd.VddWriteCurrMax = csdCurMax[r.Bits(50, 3)]

		cSize := uint64(r.Bits(62, 12))
		mult := r.Bits(47, 3)
		csd.Capacity = ((cSize + 1) << (mult + 2)) * uint64(csd.ReadBlockLen)
	} else {
		cSize := uint64(r.Bits(48, 22))
		csd.Capacity = (cSize + 1) * 512 * 1024
	}

	csd.EraseBlockEnable = r.Bits(46, 1) == 1
	csd.EraseSector = r.Bits(39, 7) + 1
	csd.WPGroupSize = r.Bits(32, 7)
	csd.WPGroupEnable = r.Bits(31, 1) == 1
	csd.R2WFactor = 1 << r.Bits(26, 3)
	csd.WriteBlockLen = 1 << r.Bits(22, 4)
	csd.WriteBlockPartial = r.Bits(21, 1) == 1

	return
}

// Sectors returns the card capacity in 512 byte blocks.
func (csd CSD) Sectors() uint64 {
	return csd.Capacity >> 9
}
