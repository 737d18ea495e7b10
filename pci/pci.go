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

// Package pci implements the configuration space enumeration needed to find
// SD host controllers.
package pci

import (
	"fmt"
)

// Configuration space offsets
const (
	VendorID      = 0x00
	Command       = 0x04
	ClassRevision = 0x08
	HeaderType    = 0x0c
	BAR0          = 0x10
)

const (
	// ClassSDHCI is the base class and subclass of SD host controllers.
	ClassSDHCI = 0x0805
	// ProgIfSDHCI is the programming interface of standard SDHCI
	// controllers with DMA support.
	ProgIfSDHCI = 1

	// BARMask selects the register window base address from BAR0.
	BARMask = 0xffffff00

	multiFunction = 0x80
	absent        = 0xffff
)

// BDF identifies a PCI function by bus, device and function number.
type BDF uint16

// NewBDF returns the BDF for the given bus, device and function.
func NewBDF(bus int, dev int, fn int) BDF {
	return BDF((bus&0xff)<<8 | (dev&0x1f)<<3 | fn&0x7)
}

func (b BDF) Bus() int { return int(b >> 8) }
func (b BDF) Dev() int { return int(b>>3) & 0x1f }
func (b BDF) Fn() int  { return int(b) & 0x7 }

func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.Bus(), b.Dev(), b.Fn())
}

// Config represents the platform configuration space access mechanism.
type Config interface {
	Read32(bdf BDF, off uint8) uint32
	Write32(bdf BDF, off uint8, val uint32)
}

// Device represents an enumerated PCI function.
type Device struct {
	BDF      BDF
	Vendor   uint16
	Device   uint16
	Class    uint16
	ProgIf   uint8
	Revision uint8
}

func (d *Device) String() string {
	return fmt.Sprintf("%s %04x:%04x class %04x prog-if %02x", d.BDF, d.Vendor, d.Device, d.Class, d.ProgIf)
}

// BAR0 returns the register window base address of the device.
func (d *Device) BAR0(c Config) uint32 {
	return c.Read32(d.BDF, BAR0) & BARMask
}

func probe(c Config, bdf BDF) (d *Device, ok bool) {
	id := c.Read32(bdf, VendorID)

	if id&0xffff == absent {
		return
	}

	cr := c.Read32(bdf, ClassRevision)

	d = &Device{
		BDF:      bdf,
		Vendor:   uint16(id),
		Device:   uint16(id >> 16),
		Class:    uint16(cr >> 16),
		ProgIf:   uint8(cr >> 8),
		Revision: uint8(cr),
	}

	return d, true
}

// Scan enumerates all functions present on the first buses, in bus, device
// and function order.
func Scan(c Config, buses int) (devs []*Device) {
	for bus := 0; bus < buses; bus++ {
		for dev := 0; dev < 32; dev++ {
			d, ok := probe(c, NewBDF(bus, dev, 0))

			if !ok {
				continue
			}

			devs = append(devs, d)

			if (c.Read32(d.BDF, HeaderType)>>16)&multiFunction == 0 {
				continue
			}

			for fn := 1; fn < 8; fn++ {
				if d, ok := probe(c, NewBDF(bus, dev, fn)); ok {
					devs = append(devs, d)
				}
			}
		}
	}

	return
}

// Find returns all enumerated functions matching class and prog-if.
func Find(c Config, buses int, class uint16, progIf uint8) (devs []*Device) {
	for _, d := range Scan(c, buses) {
		if d.Class == class && d.ProgIf == progIf {
			devs = append(devs, d)
		}
	}

	return
}
