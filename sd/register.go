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
	"encoding/binary"

	"github.com/sigurn/crc8"
	"github.com/usbarmory/tamago/bits"
)

// Register represents a 128-bit card register (CID or CSD), word 0 holds
// bits 127:96.
type Register [4]uint32

// GetBits extracts size bits starting at bit start from a bitLen wide value
// stored most significant word first. Fields may straddle a word boundary.
func GetBits(words []uint32, bitLen int, start int, size int) uint32 {
	i := bitLen/32 - start/32 - 1
	shift := start % 32

	val := uint64(words[i] >> shift)

	if size+shift > 32 {
		val |= uint64(words[i-1]) << (32 - shift)
	}

	return uint32(val & (1<<size - 1))
}

// Bits returns the register field at [start+size-1:start].
func (r *Register) Bits(start int, size int) uint32 {
	return GetBits(r[:], 128, start, size)
}

// SetBits sets the register field at [start+size-1:start] to val.
func (r *Register) SetBits(start int, size int, val uint32) {
	for k := 0; k < size; k++ {
		pos := start + k
		w := &r[3-pos/32]

		if (val>>k)&1 == 1 {
			bits.Set(w, pos%32)
		} else {
			bits.Clear(w, pos%32)
		}
	}
}

// Bytes returns the register in transmission (big endian) order.
func (r *Register) Bytes() (buf [16]byte) {
	for i, w := range r {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}

	return
}

// RegisterFromBytes returns the register for its transmission order image.
func RegisterFromBytes(buf [16]byte) (r Register) {
	for i := range r {
		r[i] = binary.BigEndian.Uint32(buf[i*4:])
	}

	return
}

// ResponseToRegister converts raw long response registers, which carry
// register bits 127:8 in bits 119:0 with response word 0 holding the least
// significant bits, to a register with the CRC byte cleared.
func ResponseToRegister(resp [4]uint32) (r Register) {
	r[0] = resp[3]<<8 | resp[2]>>24
	r[1] = resp[2]<<8 | resp[1]>>24
	r[2] = resp[1]<<8 | resp[0]>>24
	r[3] = resp[0] << 8

	return
}

// CRC-7/MMC (x^7 + x^3 + 1), computed as a CRC-8 over the polynomial shifted
// left by one.
var crc7Table = crc8.MakeTable(crc8.Params{
	Poly:   0x12,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xea,
	Name:   "CRC-7/MMC",
})

// CRC7 returns the 7-bit CRC used by card registers and command frames.
func CRC7(buf []byte) uint8 {
	return crc8.Checksum(buf, crc7Table) >> 1
}

// Seal sets the CRC7 and end bit byte of a register image.
func Seal(buf *[16]byte) {
	buf[15] = CRC7(buf[:15])<<1 | 1
}

// Valid reports whether a register image carries a correct CRC7 and end bit.
func Valid(buf [16]byte) bool {
	return buf[15] == CRC7(buf[:15])<<1|1
}
