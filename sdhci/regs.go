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

package sdhci

// SDHCI register offsets
const (
	RegDMAAddress     = 0x00
	RegBlockSize      = 0x04
	RegBlockCount     = 0x06
	RegArgument       = 0x08
	RegTransferMode   = 0x0c
	RegCommandFlags   = 0x0e
	RegCommand        = 0x0f
	RegResponse       = 0x10
	RegBuffer         = 0x20
	RegPresentState   = 0x24
	RegHostControl    = 0x28
	RegPowerControl   = 0x29
	RegClockControl   = 0x2c
	RegTimeoutControl = 0x2e
	RegSoftwareReset  = 0x2f
	RegIntStatus      = 0x30
	RegIntEnable      = 0x34
	RegSignalEnable   = 0x38
	RegCapabilities   = 0x40
	RegCapabilities1  = 0x44
	RegHostVersion    = 0xfe
)

// Transfer mode register bits
const (
	TransferDMA   = 0
	TransferRead  = 4
	TransferMulti = 5
)

// Command flags register fields
const (
	CommandResponse = 0
	CommandCRC      = 3
	CommandIndex    = 4
	CommandData     = 5
	CommandType     = 6
)

// Present state register bits
const (
	PresentCmdInhibit      = 1 << 0
	PresentDatInhibit      = 1 << 1
	PresentBufferReadable  = 1 << 11
	PresentCardInserted    = 1 << 16
	PresentCardStable      = 1 << 17
	PresentWriteProtectOff = 1 << 19
)

// Power control register values
const (
	PowerOn = 0x01
)

// Clock control register fields
const (
	ClockInternalEnable = 0
	ClockInternalStable = 1
	ClockCardEnable     = 2
	ClockDivider        = 8

	// MaxDivisor is the largest SD clock divisor of a version 2 host.
	MaxDivisor = 256
)

// Software reset register values
const (
	ResetAll  = 0x01
	ResetCmd  = 0x02
	ResetData = 0x04
)

// Interrupt status and enable register bits
const (
	IntResponse      = 0x00000001
	IntDataEnd       = 0x00000002
	IntDMAEnd        = 0x00000008
	IntSpaceAvail    = 0x00000010
	IntDataAvail     = 0x00000020
	IntCardInsert    = 0x00000040
	IntCardRemove    = 0x00000080
	IntError         = 0x00008000
	IntTimeout       = 0x00010000
	IntCRC           = 0x00020000
	IntEndBit        = 0x00040000
	IntIndex         = 0x00080000
	IntDataTimeout   = 0x00100000
	IntDataCRC       = 0x00200000
	IntDataEndBit    = 0x00400000
	IntBusPower      = 0x00800000
	IntAutoCMD12     = 0x01000000
	IntErrorMask     = 0xffff8000
	IntDefaultEnable = IntBusPower | IntDataEndBit | IntDataCRC | IntDataTimeout |
		IntIndex | IntEndBit | IntCRC | IntTimeout | IntCardRemove | IntCardInsert |
		IntDataAvail | IntSpaceAvail | IntDMAEnd | IntDataEnd | IntResponse | IntAutoCMD12
)

// Capabilities register fields
const (
	CapTimeoutClock     = 0
	CapTimeoutClockMask = 0x3f
	CapTimeoutUnitMHz   = 7
	CapBaseClock        = 8
	CapBaseClockMask    = 0x3f
	CapBaseClockMaskV3  = 0xff
	Cap330              = 24
	Cap300              = 25
	Cap180              = 26
)

const (
	// BlockSize is the only block length supported by the driver.
	BlockSize = 512
	// BlockSizeMask selects the transfer block size field.
	BlockSizeMask = 0xfff

	// DataTimeout is the data timeout counter value programmed at init
	// (TMCLK * 2^27).
	DataTimeout = 0x0e
)

// Host controller specification versions
const (
	Version100 = 0
	Version200 = 1
	Version300 = 2
	Version400 = 3
	Version410 = 4
	Version420 = 5
)
