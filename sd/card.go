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

// Package sd implements the SD card bus protocol on top of a SD host
// controller, adopting the following specifications:
//   - SD Specifications Part 1 Physical Layer Simplified Specification - Version 6.00
//
// Only the identification sequence and single block reads are implemented.
package sd

import (
	"errors"
	"fmt"
	"time"

	"github.com/usbarmory/tamago/bits"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sdboot/sdhci"
)

// Commands
const (
	GO_IDLE_STATE        = 0
	ALL_SEND_CID         = 2
	SEND_RELATIVE_ADDR   = 3
	SELECT_CARD          = 7
	SEND_IF_COND         = 8
	SEND_CSD             = 9
	SEND_STATUS          = 13
	SET_BLOCKLEN         = 16
	READ_SINGLE_BLOCK    = 17
	APP_CMD              = 55
	ACMD_SD_SEND_OP_COND = 41
)

// SEND_IF_COND argument fields
const (
	IfCondVoltage = 0x100
	IfCondPattern = 0xaa
)

// Operation Conditions Register (OCR) fields
const (
	OCR_BUSY   = 31
	OCR_CCS    = 30
	OCR_S18R   = 24
	OCR_VDD_30 = 18
	OCR_VDD_27 = 15
)

// OCR voltage windows
const (
	vdd27to30 = 0b111 << OCR_VDD_27
	vdd30to33 = 0b111 << OCR_VDD_30
)

// Card status fields
const (
	STATUS_CURRENT_STATE = 9
	STATUS_APP_CMD       = 5
	// COM_CRC_ERROR, ILLEGAL_COMMAND and ERROR bits of the published RCA
	// response
	RCAErrorMask = 0b111 << 13
)

// Retry budgets
const (
	IfCondAttempts  = 1
	OpCondAttempts  = 1000
	OpCondDelay     = 100 * time.Microsecond
	IfCondDelay     = 100 * time.Microsecond
	CommandAttempts = 10
	InitAttempts    = 2
)

// BlockSize is the data block size used for all transfers.
const BlockSize = 512

const traceLevel = 6

var (
	ErrIfCond        = errors.New("card not present or not supported in the present operating conditions")
	ErrOpCond        = errors.New("card did not complete power up")
	ErrNoCID         = errors.New("card did not send CID")
	ErrNoRCA         = errors.New("card did not publish a relative address")
	ErrNoCSD         = errors.New("card did not send CSD")
	ErrNotReady      = errors.New("card not initialized")
	ErrShortBuffer   = errors.New("buffer shorter than block size")
	ErrUnaddressable = errors.New("block address out of range")
)

// State represents the card state machine state.
type State uint8

// Card states
const (
	StateIdle State = iota
	StateReady
	StateIdent
	StateStandby
	StateTransfer
	StateData
	StateReceive
	StateProgram
	StateDisconnect
)

var stateNames = []string{"idle", "ready", "ident", "stby", "tran", "data", "rcv", "prg", "dis"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("reserved(%d)", uint8(s))
}

// Bus represents the host controller primitives used to drive a card.
type Bus interface {
	Command(t *sdhci.Transfer) error
	Supports(v sdhci.Voltage) bool
	Delay(d time.Duration)
}

// Card represents an identified SD card.
type Card struct {
	bus Bus

	// RawCID and RawCSD hold the register contents with the CRC byte
	// cleared.
	RawCID Register
	RawCSD Register

	CID CID
	CSD CSD

	// RCA is the relative card address.
	RCA uint16
	// OCR is the operation conditions register at power up completion.
	OCR uint32
	// HighCapacity is set for SDHC/SDXC cards, which use block addressing.
	HighCapacity bool

	Selected    bool
	Initialized bool
}

// xfer issues a command on the card bus and traces its response.
func (c *Card) xfer(t *sdhci.Transfer) (err error) {
	if err = c.bus.Command(t); err != nil {
		return
	}

	if t.ResponseValid {
		klog.V(traceLevel).Infof("SD: %s response:%#08x %#08x %#08x %#08x", t, t.Response[0], t.Response[1], t.Response[2], t.Response[3])
	}

	return
}

func (c *Card) appCommand(t *sdhci.Transfer) (err error) {
	app := &sdhci.Transfer{
		Index:        APP_CMD,
		Arg:          uint32(c.RCA) << 16,
		ResponseType: sdhci.ResponseShort,
	}

	if err = c.xfer(app); err != nil {
		return
	}

	return c.xfer(t)
}

func (c *Card) goIdle() error {
	return c.xfer(&sdhci.Transfer{
		Index:        GO_IDLE_STATE,
		ResponseType: sdhci.ResponseNone,
	})
}

// sendIfCond verifies the card operating voltage, SD version 1.x cards and
// absent cards do not answer.
func (c *Card) sendIfCond() (err error) {
	t := &sdhci.Transfer{
		Index:        SEND_IF_COND,
		Arg:          IfCondVoltage | IfCondPattern,
		ResponseType: sdhci.ResponseShort,
	}

	for i := 0; i < IfCondAttempts; i++ {
		if err = c.xfer(t); err != nil {
			continue
		}

		if t.Response[0] == t.Arg {
			return nil
		}

		c.bus.Delay(IfCondDelay)
	}

	klog.V(traceLevel).Infof("SD: interface condition not acknowledged (%v)", err)

	return ErrIfCond
}

// sendOpCond negotiates the operating voltage window and waits for the card
// power up to complete.
func (c *Card) sendOpCond() (err error) {
	arg := uint32(1 << OCR_CCS)

	if c.bus.Supports(sdhci.Voltage180) {
		bits.Set(&arg, OCR_S18R)
	}

	if c.bus.Supports(sdhci.Voltage300) {
		arg |= vdd27to30
	}

	if c.bus.Supports(sdhci.Voltage330) {
		arg |= vdd30to33
	}

	for i := 0; i < OpCondAttempts; i++ {
		t := &sdhci.Transfer{
			Index:        ACMD_SD_SEND_OP_COND,
			Arg:          arg,
			ResponseType: sdhci.ResponseShort,
		}

		if err = c.appCommand(t); err != nil {
			continue
		}

		ocr := t.Response[0]

		if bits.Get(&ocr, OCR_BUSY, 1) == 1 {
			c.OCR = ocr
			c.HighCapacity = bits.Get(&ocr, OCR_CCS, 1) == 1
			return nil
		}

		c.bus.Delay(OpCondDelay)
	}

	if err != nil {
		return fmt.Errorf("%w (%v)", ErrOpCond, err)
	}

	return ErrOpCond
}

func (c *Card) allSendCID() (err error) {
	for i := 0; i < CommandAttempts; i++ {
		t := &sdhci.Transfer{
			Index:        ALL_SEND_CID,
			ResponseType: sdhci.ResponseLong,
		}

		if err = c.xfer(t); err != nil {
			continue
		}

		c.RawCID = ResponseToRegister(t.Response)
		c.CID = DecodeCID(c.RawCID)

		return nil
	}

	return fmt.Errorf("%w (%v)", ErrNoCID, err)
}

// sendRelativeAddr requests a new relative card address, until the card
// reports the stand-by state without errors.
func (c *Card) sendRelativeAddr() (err error) {
	for i := 0; i < CommandAttempts; i++ {
		t := &sdhci.Transfer{
			Index:        SEND_RELATIVE_ADDR,
			ResponseType: sdhci.ResponseShort,
		}

		if err = c.xfer(t); err != nil {
			continue
		}

		r6 := t.Response[0]
		c.RCA = uint16(r6 >> 16)

		if r6&RCAErrorMask != 0 {
			err = fmt.Errorf("error status %#04x", r6&0xffff)
			continue
		}

		if state := State(bits.Get(&r6, STATUS_CURRENT_STATE, 0xf)); state != StateStandby {
			err = fmt.Errorf("card in %s state", state)
			continue
		}

		return nil
	}

	return fmt.Errorf("%w (%v)", ErrNoRCA, err)
}

func (c *Card) sendCSD() (err error) {
	for i := 0; i < CommandAttempts; i++ {
		t := &sdhci.Transfer{
			Index:        SEND_CSD,
			Arg:          uint32(c.RCA) << 16,
			ResponseType: sdhci.ResponseLong,
		}

		if err = c.xfer(t); err != nil {
			continue
		}

		c.RawCSD = ResponseToRegister(t.Response)
		c.CSD = DecodeCSD(c.RawCSD)

		return nil
	}

	return fmt.Errorf("%w (%v)", ErrNoCSD, err)
}

func (c *Card) identificationMode() (err error) {
	if err = c.sendIfCond(); err != nil {
		return
	}

	if err = c.sendOpCond(); err != nil {
		return
	}

	if err = c.allSendCID(); err != nil {
		return
	}

	if err = c.sendRelativeAddr(); err != nil {
		return
	}

	return c.sendCSD()
}

// Init resets all cards on the bus and runs the identification sequence,
// restarting it once on failure. The returned card is in stand-by state.
func Init(bus Bus) (card *Card, err error) {
	card = &Card{bus: bus}

	if err = card.goIdle(); err != nil {
		return nil, fmt.Errorf("could not reset card (%v)", err)
	}

	for i := 0; i < InitAttempts; i++ {
		attempt := &Card{bus: bus}

		if err = attempt.identificationMode(); err != nil {
			klog.V(traceLevel).Infof("SD: identification attempt %d failed (%v)", i+1, err)
			continue
		}

		attempt.Initialized = true
		card = attempt

		klog.Infof("SD: card initialized, RCA:%#04x OCR:%#08x high capacity:%v", card.RCA, card.OCR, card.HighCapacity)
		klog.Infof("SD: CID %s", card.CID)
		klog.Infof("SD: CSD version:%d capacity:%d transfer speed:%d", card.CSD.Structure+1, card.CSD.Capacity, card.CSD.TranSpeed)

		return
	}

	klog.Warningf("SD: card initialization failed, check card")

	return nil, err
}

// Sectors returns the card capacity in 512 byte blocks.
func (c *Card) Sectors() uint64 {
	return c.CSD.Sectors()
}
