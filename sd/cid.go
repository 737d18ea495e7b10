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
	"fmt"
	"strings"
)

// CID represents the decoded Card Identification register.
type CID struct {
	// Manufacturer ID
	MID uint8
	// OEM/Application ID
	OID uint16
	// Product name
	PNM string
	// Product revision
	PRV uint8
	// Product serial number
	PSN uint32
	// Manufacturing date
	Year  int
	Month int
}

// DecodeCID decodes a CID register.
func DecodeCID(r Register) (cid CID) {
	var pnm [5]byte

	for i := range pnm {
		pnm[i] = byte(r.Bits(96-i*8, 8))
	}

	cid.MID = uint8(r.Bits(120, 8))
	cid.OID = uint16(r.Bits(104, 16))
	cid.PNM = strings.TrimRight(string(pnm[:]), "\x00")
	cid.PRV = uint8(r.Bits(56, 8))
	cid.PSN = r.Bits(24, 32)
	cid.Year = int(r.Bits(12, 8)) + 2000
	cid.Month = int(r.Bits(8, 4))

	return
}

// Revision returns the product revision in n.m format.
func (cid CID) Revision() string {
	return fmt.Sprintf("%d.%d", cid.PRV>>4, cid.PRV&0xf)
}

func (cid CID) String() string {
	return fmt.Sprintf("MID:%#02x OID:%#04x PNM:%q PRV:%s PSN:%#08x MDT:%d/%02d",
		cid.MID, cid.OID, cid.PNM, cid.Revision(), cid.PSN, cid.Year, cid.Month)
}
