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
	"encoding/binary"
	"sync"

	"github.com/transparency-dev/armored-sdboot/sdhci"
)

// Command records a command issued to the controller.
type Command struct {
	Index uint8
	Arg   uint32
}

// Controller models the register window of a SDHCI controller, it implements
// mmio.Port.
//
// Commands execute synchronously when the command register is written, their
// completion is reported through the interrupt status register.
type Controller struct {
	sync.Mutex

	// Card is the inserted card, nil when the slot is empty.
	Card *Card

	// Caps holds the capabilities registers.
	Caps [2]uint32
	// Version holds the host controller version register.
	Version uint16

	// ResetReads is the number of software reset register reads before
	// requested resets complete, negative values never complete.
	ResetReads int
	// ClockReads is the number of clock control register reads before the
	// internal clock is reported stable, negative values never stabilize.
	ClockReads int
	// Busy keeps the command and data lines inhibited.
	Busy bool
	// Silent suppresses all command completion and error reporting.
	Silent bool
	// Inject is OR-ed into the interrupt status of the next completed
	// command.
	Inject uint32
	// Latency is the number of interrupt status or present state reads
	// after which an issued command completes, the command line is
	// inhibited meanwhile.
	Latency int

	// Commands logs all issued commands.
	Commands []Command
	// Reads counts register reads by offset.
	Reads map[uint32]int

	regs         [256]byte
	resetPending int
	clockPending int
	intStatus    uint32
	resp         [4]uint32
	fifo         []byte

	pending      *completion
	pendingReads int
}

// completion holds the effects of a command, applied once it completes.
type completion struct {
	status uint32
	resp   *[4]uint32
	fifo   []byte
}

func (c *Controller) complete() {
	p := c.pending

	if p == nil {
		return
	}

	c.pending = nil

	if p.resp != nil {
		c.resp = *p.resp
	}

	if p.fifo != nil {
		c.fifo = p.fifo
	}

	c.intStatus |= p.status
}

// tick accounts for a status read while a command is in flight.
func (c *Controller) tick() {
	if c.pending == nil {
		return
	}

	if c.pendingReads > 0 {
		c.pendingReads--
		return
	}

	c.complete()
}

// Capabilities advertised by NewController: 3.3V and 1.8V, 50MHz base clock,
// 1MHz timeout clock.
const (
	DefaultCaps0   = 1<<sdhci.Cap330 | 1<<sdhci.Cap180 | 50<<sdhci.CapBaseClock | 1<<sdhci.CapTimeoutUnitMHz | 1
	DefaultVersion = 0x1001
)

// NewController returns a version 2.00 controller with card inserted.
func NewController(card *Card) *Controller {
	return &Controller{
		Card:    card,
		Caps:    [2]uint32{DefaultCaps0, 0},
		Version: DefaultVersion,
		Reads:   make(map[uint32]int),
	}
}

// IntStatus returns the pending interrupt status.
func (c *Controller) IntStatus() uint32 {
	c.Lock()
	defer c.Unlock()

	return c.intStatus
}

// Register returns the stored value of a plain register.
func (c *Controller) Register(off uint32) uint32 {
	c.Lock()
	defer c.Unlock()

	return binary.LittleEndian.Uint32(c.regs[off:])
}

func (c *Controller) presentState() (val uint32) {
	c.tick()

	if c.pending != nil {
		val |= sdhci.PresentCmdInhibit
	}

	if c.Card != nil {
		val |= sdhci.PresentCardInserted | sdhci.PresentCardStable | sdhci.PresentWriteProtectOff
	}

	if len(c.fifo) > 0 {
		val |= sdhci.PresentBufferReadable
	}

	if c.Busy {
		val |= sdhci.PresentCmdInhibit | sdhci.PresentDatInhibit
	}

	return
}

func (c *Controller) read(off uint32, size int) (val uint32) {
	if c.Reads != nil {
		c.Reads[off]++
	}

	switch {
	case off == sdhci.RegSoftwareReset:
		if c.regs[off] != 0 && c.ResetReads >= 0 {
			if c.resetPending > 0 {
				c.resetPending--
			} else {
				c.regs[off] = 0
			}
		}

		return uint32(c.regs[off])
	case off == sdhci.RegClockControl:
		clk := binary.LittleEndian.Uint16(c.regs[off:])

		if clk&(1<<sdhci.ClockInternalEnable) != 0 && c.ClockReads >= 0 {
			if c.clockPending > 0 {
				c.clockPending--
			} else {
				clk |= 1 << sdhci.ClockInternalStable
				binary.LittleEndian.PutUint16(c.regs[off:], clk)
			}
		}

		return uint32(clk)
	case off == sdhci.RegIntStatus:
		c.tick()
		return c.intStatus
	case off == sdhci.RegPresentState:
		return c.presentState()
	case off >= sdhci.RegResponse && off < sdhci.RegResponse+16:
		return c.resp[(off-sdhci.RegResponse)/4]
	case off == sdhci.RegBuffer:
		var b [4]byte
		n := copy(b[:], c.fifo)
		c.fifo = c.fifo[n:]

		if len(c.fifo) == 0 {
			c.intStatus |= sdhci.IntDataEnd
		}

		return binary.LittleEndian.Uint32(b[:])
	case off == sdhci.RegCapabilities:
		return c.Caps[0]
	case off == sdhci.RegCapabilities1:
		return c.Caps[1]
	case off == sdhci.RegHostVersion:
		return uint32(c.Version)
	}

	switch size {
	case 1:
		return uint32(c.regs[off])
	case 2:
		return uint32(binary.LittleEndian.Uint16(c.regs[off:]))
	default:
		return binary.LittleEndian.Uint32(c.regs[off:])
	}
}

func (c *Controller) write(off uint32, val uint32, size int) {
	switch off {
	case sdhci.RegIntStatus:
		c.intStatus &^= val
		return
	case sdhci.RegSoftwareReset:
		c.softwareReset(uint8(val))
		return
	case sdhci.RegClockControl:
		c.clockPending = c.ClockReads
		val &^= 1 << sdhci.ClockInternalStable
	}

	switch size {
	case 1:
		c.regs[off] = uint8(val)
	case 2:
		binary.LittleEndian.PutUint16(c.regs[off:], uint16(val))
	default:
		binary.LittleEndian.PutUint32(c.regs[off:], val)
	}

	switch {
	case off == sdhci.RegCommand && size == 1:
		c.execute()
	case off == sdhci.RegCommandFlags && size >= 2:
		c.execute()
	case off == sdhci.RegTransferMode && size == 4:
		c.execute()
	}
}

func (c *Controller) softwareReset(mask uint8) {
	c.regs[sdhci.RegSoftwareReset] = mask
	c.resetPending = c.ResetReads

	if mask&sdhci.ResetAll != 0 {
		c.regs = [256]byte{}
		c.regs[sdhci.RegSoftwareReset] = mask
		c.intStatus = 0
	}

	if mask&(sdhci.ResetAll|sdhci.ResetCmd) != 0 {
		c.pending = nil
		c.resp = [4]uint32{}
		c.intStatus &^= sdhci.IntResponse
	}

	if mask&(sdhci.ResetAll|sdhci.ResetData) != 0 {
		c.fifo = nil
		c.intStatus &^= sdhci.IntDataEnd | sdhci.IntDataAvail | sdhci.IntSpaceAvail
	}

	if c.ResetReads < 0 {
		return
	}

	if c.resetPending == 0 && c.ResetReads == 0 {
		c.regs[sdhci.RegSoftwareReset] = 0
	}
}

func (c *Controller) execute() {
	flags := uint32(c.regs[sdhci.RegCommandFlags])
	index := c.regs[sdhci.RegCommand] & 0x3f
	arg := binary.LittleEndian.Uint32(c.regs[sdhci.RegArgument:])
	mode := binary.LittleEndian.Uint16(c.regs[sdhci.RegTransferMode:])
	rt := sdhci.ResponseType(flags >> sdhci.CommandResponse & 0b11)

	c.Commands = append(c.Commands, Command{Index: index, Arg: arg})

	// a command issued on a busy line completes the previous one first
	c.complete()

	if c.Silent {
		return
	}

	var res reply

	if c.Card != nil {
		res = c.Card.execute(index, arg)
	}

	p := &completion{}

	switch {
	case rt == sdhci.ResponseNone:
		// the host reports completion as soon as the command is sent
		p.status |= sdhci.IntResponse
	case !res.ok:
		p.status |= sdhci.IntError | sdhci.IntTimeout
	default:
		resp := [4]uint32{res.r}

		if rt == sdhci.ResponseLong {
			resp = longResponse(res.long)
		}

		p.resp = &resp
		p.status |= sdhci.IntResponse

		if flags&(1<<sdhci.CommandData) != 0 && mode&(1<<sdhci.TransferRead) != 0 && res.data != nil {
			p.fifo = res.data
			p.status |= sdhci.IntDataAvail
		}
	}

	if res.ok || rt == sdhci.ResponseNone {
		p.status |= c.Inject
		c.Inject = 0
	}

	c.pending = p
	c.pendingReads = c.Latency

	if c.Latency <= 0 {
		c.complete()
	}
}

func (c *Controller) Read8(off uint32) uint8 {
	c.Lock()
	defer c.Unlock()

	return uint8(c.read(off, 1))
}

func (c *Controller) Read16(off uint32) uint16 {
	c.Lock()
	defer c.Unlock()

	return uint16(c.read(off, 2))
}

func (c *Controller) Read32(off uint32) uint32 {
	c.Lock()
	defer c.Unlock()

	return c.read(off, 4)
}

func (c *Controller) Write8(off uint32, val uint8) {
	c.Lock()
	defer c.Unlock()

	c.write(off, uint32(val), 1)
}

func (c *Controller) Write16(off uint32, val uint16) {
	c.Lock()
	defer c.Unlock()

	c.write(off, uint32(val), 2)
}

func (c *Controller) Write32(off uint32, val uint32) {
	c.Lock()
	defer c.Unlock()

	c.write(off, val, 4)
}
