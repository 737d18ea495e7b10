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

package sim

import (
	"github.com/transparency-dev/armored-sdboot/sd"
)

// CIDImage encodes a CID register image.
func CIDImage(cid sd.CID) (buf [16]byte) {
	var r sd.Register

	r.SetBits(120, 8, uint32(cid.MID))
	r.SetBits(104, 16, uint32(cid.OID))

	for i := 0; i < 5 && i < len(cid.PNM); i++ {
		r.SetBits(96-i*8, 8, uint32(cid.PNM[i]))
	}

	r.SetBits(56, 8, uint32(cid.PRV))
	r.SetBits(24, 32, cid.PSN)
	r.SetBits(12, 8, uint32(cid.Year-2000))
	r.SetBits(8, 4, uint32(cid.Month))

	buf = r.Bytes()
	sd.Seal(&buf)

	return
}

func csdCommon(r *sd.Register, readBlLen uint32) {
	// TAAC 1.5ms, NSAC 0
	r.SetBits(112, 8, 0x26)
	// TRAN_SPEED 25 Mbit/s
	r.SetBits(96, 8, 0x32)
	// classes 0, 2, 4, 5, 7, 8, 10
	r.SetBits(84, 12, 0x5b5)
	r.SetBits(80, 4, readBlLen)
	r.SetBits(46, 1, 1)
	r.SetBits(39, 7, 0x7f)
	r.SetBits(26, 3, 2)
	r.SetBits(22, 4, readBlLen)
}

// CSDv1Image encodes a version 1.0 (standard capacity) CSD register image,
// the capacity is (cSize+1) << (mult+2) << readBlLen bytes.
func CSDv1Image(cSize uint32, mult uint32, readBlLen uint32) (buf [16]byte) {
	var r sd.Register

	r.SetBits(126, 2, sd.CSDVersion1)
	csdCommon(&r, readBlLen)

	r.SetBits(62, 12, cSize)
	// VDD_R_CURR_MIN 100mA, VDD_R_CURR_MAX 80mA
	r.SetBits(59, 3, 7)
	r.SetBits(56, 3, 6)
	// VDD_W_CURR_MIN 60mA, VDD_W_CURR_MAX 45mA
	r.SetBits(53, 3, 6)
	r.SetBits(50, 3, 5)
	r.SetBits(47, 3, mult)

	buf = r.Bytes()
	sd.Seal(&buf)

	return
}

// CSDv2Image encodes a version 2.0 (high capacity) CSD register image, the
// capacity is (cSize+1) * 512KiB.
func CSDv2Image(cSize uint32) (buf [16]byte) {
	var r sd.Register

	r.SetBits(126, 2, sd.CSDVersion2)
	csdCommon(&r, 9)
	// TAAC is fixed to 1ms in version 2.0 registers
	r.SetBits(112, 8, 0x0e)
	r.SetBits(48, 22, cSize)

	buf = r.Bytes()
	sd.Seal(&buf)

	return
}

// longResponse packs a register image into the response registers as laid
// out by a SDHCI controller: register bits 127:8 in response bits 119:0,
// response word 0 holding the least significant bits.
func longResponse(img []byte) (resp [4]uint32) {
	var v [16]byte

	// shift right by one byte, dropping the CRC
	copy(v[1:], img[:15])

	for i := range resp {
		off := 12 - i*4
		resp[i] = uint32(v[off])<<24 | uint32(v[off+1])<<16 | uint32(v[off+2])<<8 | uint32(v[off+3])
	}

	return
}
