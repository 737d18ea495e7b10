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

// Package api provides the textual status report of the SD boot drive.
package api

import (
	"bytes"
	"fmt"

	"github.com/transparency-dev/armored-sdboot/disk"
	"github.com/transparency-dev/armored-sdboot/sd"
)

// Status represents the SD boot drive status.
type Status struct {
	Controller   string
	Spec         string
	Vendor       uint8
	BaseClock    uint32
	Clock        uint32
	Voltage      string
	RCA          uint16
	OCR          uint32
	HighCapacity bool
	CID          sd.CID
	CSDVersion   int
	Capacity     uint64
	Sectors      uint64
	Priority     int
	Description  string
}

// NewStatus collects the status of an initialized drive.
func NewStatus(d *disk.SD) *Status {
	s := &Status{
		Spec:         d.Host.SpecVersion().String(),
		Vendor:       d.Host.Vendor(),
		BaseClock:    d.Host.BaseClock(),
		Clock:        d.Host.Clock(),
		Voltage:      d.Host.Voltage().String(),
		RCA:          d.Card.RCA,
		OCR:          d.Card.OCR,
		HighCapacity: d.Card.HighCapacity,
		CID:          d.Card.CID,
		CSDVersion:   d.Card.CSD.Structure + 1,
		Capacity:     d.Card.CSD.Capacity,
		Sectors:      d.Drive.Sectors,
		Priority:     d.Priority,
		Description:  d.Description,
	}

	if d.PCI != nil {
		s.Controller = d.PCI.BDF.String()
	}

	return s
}

// Print returns the drive status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("----------------------------------------------------------- SD boot ----\n")
	status.WriteString(fmt.Sprintf("Controller .............: %s (SDHCI %s, vendor %d)\n", p.Controller, p.Spec, p.Vendor))
	status.WriteString(fmt.Sprintf("Clock ..................: %d Hz (base %d Hz)\n", p.Clock, p.BaseClock))
	status.WriteString(fmt.Sprintf("Voltage ................: %s\n", p.Voltage))
	status.WriteString(fmt.Sprintf("Card ...................: %s rev %s\n", p.CID.PNM, p.CID.Revision()))
	status.WriteString(fmt.Sprintf("Manufacturer ...........: %#02x/%#04x\n", p.CID.MID, p.CID.OID))
	status.WriteString(fmt.Sprintf("Serial number ..........: %#08x\n", p.CID.PSN))
	status.WriteString(fmt.Sprintf("Manufactured ...........: %d/%02d\n", p.CID.Year, p.CID.Month))
	status.WriteString(fmt.Sprintf("RCA ....................: %#04x\n", p.RCA))
	status.WriteString(fmt.Sprintf("OCR ....................: %#08x (high capacity: %v)\n", p.OCR, p.HighCapacity))
	status.WriteString(fmt.Sprintf("CSD version ............: %d\n", p.CSDVersion))
	status.WriteString(fmt.Sprintf("Capacity ...............: %d bytes (%d sectors)\n", p.Capacity, p.Sectors))
	status.WriteString(fmt.Sprintf("Boot priority ..........: %d (%s)", p.Priority, p.Description))

	return status.String()
}
