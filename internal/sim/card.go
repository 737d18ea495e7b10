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

// Package sim models a SDHCI controller register window and a SD card
// attached to it, for use in tests and host side tooling.
package sim

import (
	"github.com/transparency-dev/armored-sdboot/sd"
)

// R1 status bits set by the card model
const (
	statusAppCmd       = 1 << sd.STATUS_APP_CMD
	statusReadyForData = 1 << 8
	statusOutOfRange   = 1 << 31
	ocrBusy            = 1 << sd.OCR_BUSY
	ocrCCS             = 1 << sd.OCR_CCS
)

// BlockDevice represents the card media.
type BlockDevice interface {
	NumBlocks() uint
	ReadBlocks(lba uint, b []byte) error
}

// Card models the SD card command state machine.
type Card struct {
	// CID and CSD are register images in transmission order, including
	// the CRC byte.
	CID [16]byte
	CSD [16]byte

	// OCR is returned once power up completes, the busy bit is forced.
	OCR uint32
	// Busy is the number of ACMD41 commands answered before power up
	// completes.
	Busy int
	// FirstRCA is the first published relative card address.
	FirstRCA uint16

	// Media backs READ_SINGLE_BLOCK.
	Media BlockDevice

	// DropIfCond is the number of SEND_IF_COND commands left unanswered.
	DropIfCond int
	// IfCondFlags is OR-ed into SEND_IF_COND responses.
	IfCondFlags uint32
	// RCAErrors is the number of SEND_RELATIVE_ADDR responses flagged with
	// an error status.
	RCAErrors int
	// CSDPowerLoss is the number of SEND_CSD commands on which the card
	// loses power, it drops back to idle state without answering.
	CSDPowerLoss int

	state   sd.State
	rca     uint16
	nextRCA uint16
	app     bool
}

// reply represents a card response.
type reply struct {
	ok bool
	// short response
	r uint32
	// long response, in transmission order
	long []byte
	// read data block
	data []byte
}

// State returns the current card state.
func (c *Card) State() sd.State {
	return c.state
}

// RCA returns the current relative card address.
func (c *Card) RCA() uint16 {
	return c.rca
}

func (c *Card) status() uint32 {
	return uint32(c.state) << sd.STATUS_CURRENT_STATE
}

func (c *Card) addressed(arg uint32) bool {
	return uint16(arg>>16) == c.rca
}

func (c *Card) execute(index uint8, arg uint32) (res reply) {
	if c.app {
		c.app = false

		if index == sd.ACMD_SD_SEND_OP_COND {
			return c.sendOpCond(arg)
		}
	}

	switch index {
	case sd.GO_IDLE_STATE:
		c.state = sd.StateIdle
		c.rca = 0
		c.nextRCA = c.FirstRCA
		return reply{ok: true}
	case sd.SEND_IF_COND:
		if c.DropIfCond > 0 {
			c.DropIfCond--
			return
		}

		if c.state != sd.StateIdle {
			return
		}

		return reply{ok: true, r: arg&0xfff | c.IfCondFlags}
	case sd.APP_CMD:
		if c.state != sd.StateIdle && c.state != sd.StateReady && !c.addressed(arg) {
			return
		}

		c.app = true
		return reply{ok: true, r: c.status() | statusAppCmd}
	case sd.ALL_SEND_CID:
		if c.state != sd.StateReady {
			return
		}

		c.state = sd.StateIdent
		return reply{ok: true, long: c.CID[:]}
	case sd.SEND_RELATIVE_ADDR:
		if c.state != sd.StateIdent && c.state != sd.StateStandby {
			return
		}

		res = reply{ok: true, r: c.status()}

		if c.nextRCA == 0 {
			c.nextRCA = 1
		}

		c.state = sd.StateStandby
		c.rca = c.nextRCA
		c.nextRCA++

		res.r |= uint32(c.rca) << 16

		if c.RCAErrors > 0 {
			c.RCAErrors--
			res.r |= sd.RCAErrorMask
		}

		return
	case sd.SEND_CSD:
		if c.state != sd.StateStandby || !c.addressed(arg) {
			return
		}

		if c.CSDPowerLoss > 0 {
			c.CSDPowerLoss--
			c.state = sd.StateIdle
			c.rca = 0
			return
		}

		return reply{ok: true, long: c.CSD[:]}
	case sd.SELECT_CARD:
		res = reply{ok: true, r: c.status()}

		switch {
		case c.addressed(arg) && c.state == sd.StateStandby:
			c.state = sd.StateTransfer
		case c.addressed(arg) && c.state == sd.StateTransfer:
		case c.state == sd.StateTransfer:
			c.state = sd.StateStandby
			// deselected cards do not respond
			return reply{ok: true}
		default:
			return reply{}
		}

		return
	case sd.SEND_STATUS:
		if !c.addressed(arg) || c.state < sd.StateStandby {
			return
		}

		return reply{ok: true, r: c.status() | statusReadyForData}
	case sd.SET_BLOCKLEN:
		if c.state != sd.StateTransfer {
			return
		}

		return reply{ok: true, r: c.status()}
	case sd.READ_SINGLE_BLOCK:
		if c.state != sd.StateTransfer {
			return
		}

		return c.read(arg)
	}

	return
}

func (c *Card) sendOpCond(arg uint32) reply {
	if c.state != sd.StateIdle {
		return reply{}
	}

	if c.Busy > 0 {
		c.Busy--
		return reply{ok: true, r: c.OCR &^ (ocrBusy | ocrCCS)}
	}

	c.state = sd.StateReady

	ocr := c.OCR | ocrBusy

	if arg&ocrCCS == 0 {
		ocr &^= ocrCCS
	}

	return reply{ok: true, r: ocr}
}

func (c *Card) read(arg uint32) reply {
	res := reply{ok: true, r: c.status()}
	lba := uint(arg)

	if c.OCR&ocrCCS == 0 {
		if arg%sd.BlockSize != 0 {
			res.r |= statusOutOfRange
			return res
		}

		lba /= sd.BlockSize
	}

	if c.Media == nil || lba >= c.Media.NumBlocks() {
		res.r |= statusOutOfRange
		return res
	}

	data := make([]byte, sd.BlockSize)

	if err := c.Media.ReadBlocks(lba, data); err != nil {
		res.r |= statusOutOfRange
		return res
	}

	res.data = data

	return res
}
