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

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/usbarmory/tamago/bits"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sdboot/mmio"
)

// ResponseType represents the command response length and busy signalling.
type ResponseType uint8

// Response types, as encoded in the command register
const (
	ResponseNone      ResponseType = 0
	ResponseLong      ResponseType = 1
	ResponseShort     ResponseType = 2
	ResponseShortBusy ResponseType = 3
)

// CommandKind represents the command type field.
type CommandKind uint8

// Command types
const (
	KindNormal  CommandKind = 0
	KindSuspend CommandKind = 1
	KindResume  CommandKind = 2
	KindAbort   CommandKind = 3
)

// Direction represents the data transfer direction.
type Direction uint8

const (
	DataWrite Direction = iota
	DataRead
)

// Transfer represents a single command, with its optional data phase, and
// its response.
type Transfer struct {
	// Index is the command index (0-63).
	Index uint8
	// Arg is the command argument.
	Arg          uint32
	Kind         CommandKind
	ResponseType ResponseType
	Direction    Direction
	// Data, when not nil, receives one block for DataRead transfers.
	Data []byte

	// Response holds the raw response registers, valid when ResponseValid
	// is set.
	Response      [4]uint32
	ResponseValid bool
}

func (t *Transfer) String() string {
	return fmt.Sprintf("CMD%d arg:%#08x", t.Index, t.Arg)
}

func (t *Transfer) dataRead() bool {
	return t.Data != nil && t.Direction == DataRead
}

// readResponse captures the response registers according to the response
// type.
func (h *Host) readResponse(t *Transfer) {
	t.Response = [4]uint32{}
	t.ResponseValid = false

	switch t.ResponseType {
	case ResponseLong:
		for i := range t.Response {
			t.Response[i] = h.port.Read32(RegResponse + uint32(i)*4)
		}
	case ResponseShort, ResponseShortBusy:
		t.Response[0] = h.port.Read32(RegResponse)
	default:
		return
	}

	t.ResponseValid = true
}

// pollInterrupt polls the interrupt status up to n times for all bits in
// mask. Error interrupts take precedence over requested bits, they trigger a
// command and data line reset and are reported as *InterruptError.
func (h *Host) pollInterrupt(t *Transfer, mask uint32, n int, d time.Duration) (err error) {
	if n <= 0 {
		n = 1
	}

	for ; n > 0; n-- {
		status := h.port.Read32(RegIntStatus)

		if status&IntErrorMask != 0 {
			if status&IntTimeout != 0 {
				klog.V(traceLevel).Infof("SD: %s timeout, status:%#08x", t, status)
			} else {
				klog.Warningf("SD: %s error interrupt, status:%#08x", t, status)
			}

			h.port.Write32(RegIntStatus, status&IntErrorMask)

			if err := h.reset(ResetCmd | ResetData); err != nil {
				klog.Warningf("SD: could not reset command and data lines (%v)", err)
			}

			return &InterruptError{Status: status}
		}

		if status&mask == mask {
			if mask&IntResponse != 0 {
				h.readResponse(t)
			}

			h.port.Write32(RegIntStatus, mask)
			return
		}

		h.sleep(d)
	}

	return ErrNoResponse
}

// readBlock drains count bytes from the data port into buf, the buffer must
// already be readable.
func (h *Host) readBlock(buf []byte, count int) error {
	if h.port.Read32(RegPresentState)&PresentBufferReadable == 0 {
		return ErrBufferEmpty
	}

	p := buf[:count]

	for ; len(p) >= 4; p = p[4:] {
		binary.LittleEndian.PutUint32(p, h.port.Read32(RegBuffer))
	}

	if len(p) > 0 {
		val := h.port.Read32(RegBuffer)

		for i := range p {
			p[i] = byte(val)
			val >>= 8
		}
	}

	return nil
}

// Command issues a command, waits for its completion and, for read
// transfers, drains one data block into t.Data.
func (h *Host) Command(t *Transfer) (err error) {
	h.Lock()
	defer h.Unlock()

	if !h.initialized {
		return ErrNotInitialized
	}

	read := t.dataRead()

	if read && len(t.Data) < int(h.blockSize) {
		return ErrShortBuffer
	}

	inhibit := uint32(PresentCmdInhibit)

	if t.ResponseType == ResponseShortBusy {
		inhibit |= PresentDatInhibit
	}

	if !mmio.Wait(h.port, RegPresentState, inhibit, 0, InhibitRetries, func() { h.sleep(InhibitDelay) }) {
		klog.Warningf("SD: %s not issued, command line always busy", t)
		return ErrInhibit
	}

	// Commands without response, and drained data transfers, leave their
	// completion status pending.
	h.port.Write32(RegIntStatus, IntResponse|IntDataEnd|IntDataAvail)

	h.port.Write32(RegArgument, t.Arg)

	mode := uint32(h.port.Read16(RegTransferMode))
	bits.Clear(&mode, TransferDMA)
	bits.Clear(&mode, TransferMulti)

	if read {
		bits.Set(&mode, TransferRead)
	} else {
		bits.Clear(&mode, TransferRead)
	}

	h.port.Write16(RegTransferMode, uint16(mode))

	var flags uint32

	bits.SetN(&flags, CommandResponse, 0b11, uint32(t.ResponseType))
	bits.SetN(&flags, CommandType, 0b11, uint32(t.Kind))

	if h.crcCheck {
		bits.Set(&flags, CommandCRC)
	}

	if h.indexCheck {
		bits.Set(&flags, CommandIndex)
	}

	if t.Data != nil {
		bits.Set(&flags, CommandData)
	}

	h.port.Write8(RegCommandFlags, uint8(flags))
	// writing the index starts the command
	h.port.Write8(RegCommand, t.Index&0x3f)

	if t.ResponseType == ResponseNone {
		return
	}

	mask := uint32(IntResponse)

	if read {
		mask |= IntDataAvail
	}

	var ierr error

	for i := 0; i < CommandRetries; i++ {
		if err = h.pollInterrupt(t, mask, PollIterations, PollDelay); err == nil {
			break
		}

		if _, ok := err.(*InterruptError); ok && ierr == nil {
			ierr = err
		}
	}

	if err != nil {
		// report the error interrupt over later silent polls
		if ierr != nil {
			err = ierr
		}

		klog.V(traceLevel).Infof("SD: %s failed (%v)", t, err)
		return fmt.Errorf("%s: %w", t, err)
	}

	if read {
		if err = h.readBlock(t.Data, int(h.blockSize)); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}

	return
}
