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

// Package sdhci implements a driver for SD Host Controller Interface
// compliant controllers, adopting the following specification:
//   - SD Host Controller Simplified Specification - Version 3.00
//
// The driver operates in PIO mode with polled interrupt status, it is meant
// for firmware boot paths where a single card is enumerated and read.
package sdhci

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/usbarmory/tamago/bits"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sdboot/mmio"
)

// Polling budgets, each wait is bounded by a fixed number of register reads
// spaced by a fixed delay.
const (
	ResetRetries = 10
	ResetDelay   = 100 * time.Microsecond

	ClockStableRetries = 10
	ClockStableDelay   = 1 * time.Millisecond

	InhibitRetries = 10
	InhibitDelay   = 1 * time.Millisecond

	CommandRetries = 10
	PollIterations = 100
	PollDelay      = 1 * time.Millisecond
)

// Clock frequencies
const (
	InitClock = 400000
	BootClock = 25000000
)

// Trace verbosity for register level logging.
const traceLevel = 6

var (
	ErrResetTimeout   = errors.New("software reset did not complete")
	ErrClockUnstable  = errors.New("internal clock did not stabilize")
	ErrInhibit        = errors.New("command line busy")
	ErrNoResponse     = errors.New("no response")
	ErrNotInitialized = errors.New("host controller not initialized")
	ErrShortBuffer    = errors.New("data buffer shorter than block size")
	ErrBufferEmpty    = errors.New("data buffer not readable")
)

// InterruptError is returned when the controller reports an error interrupt.
type InterruptError struct {
	Status uint32
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("error interrupt, status:%#08x", e.Status)
}

// Timeout reports whether the error is a command timeout.
func (e *InterruptError) Timeout() bool {
	return e.Status&IntTimeout != 0
}

// Voltage represents a bus power voltage selection.
type Voltage uint8

// Bus voltages, expressed as power control register values
const (
	VoltageOff Voltage = 0x00
	Voltage180 Voltage = 0x0a
	Voltage300 Voltage = 0x0c
	Voltage330 Voltage = 0x0e
)

func (v Voltage) String() string {
	switch v {
	case Voltage180:
		return "1.8V"
	case Voltage300:
		return "3.0V"
	case Voltage330:
		return "3.3V"
	default:
		return "off"
	}
}

// Sleeper waits for the given duration, it is the only source of time used
// by the driver.
type Sleeper func(time.Duration)

// Options represents host controller driver options.
type Options struct {
	// Sleep overrides time.Sleep for all polling delays.
	Sleep Sleeper
	// CRCCheck enables command response CRC checking.
	CRCCheck bool
	// IndexCheck enables command response index checking.
	IndexCheck bool
}

// Host represents a SD host controller instance.
type Host struct {
	sync.Mutex

	port  mmio.Port
	sleep Sleeper

	crcCheck   bool
	indexCheck bool

	caps         [2]uint32
	vendor       uint8
	version      uint8
	baseClock    uint32
	timeoutClock uint32
	clock        uint32
	voltage      Voltage
	blockSize    uint32

	initialized bool
}

// New returns a host controller driver for the register window at port.
func New(port mmio.Port, opts *Options) *Host {
	h := &Host{
		port:  port,
		sleep: time.Sleep,
	}

	if opts != nil {
		if opts.Sleep != nil {
			h.sleep = opts.Sleep
		}

		h.crcCheck = opts.CRCCheck
		h.indexCheck = opts.IndexCheck
	}

	return h
}

// waitFor evaluates cond up to n times, sleeping d after each failed
// evaluation.
func (h *Host) waitFor(n int, d time.Duration, cond func() bool) bool {
	for i := 0; i < n; i++ {
		if cond() {
			return true
		}

		h.sleep(d)
	}

	return false
}

// Delay waits for the given duration using the host sleeper.
func (h *Host) Delay(d time.Duration) {
	h.sleep(d)
}

// CardPresent reports the card detect status.
func (h *Host) CardPresent() bool {
	return h.port.Read32(RegPresentState)&PresentCardInserted != 0
}

func (h *Host) reset(mask uint8) (err error) {
	h.port.Write8(RegSoftwareReset, mask)

	if !h.waitFor(ResetRetries, ResetDelay, func() bool {
		return h.port.Read8(RegSoftwareReset)&mask == 0
	}) {
		klog.Warningf("SD: reset %#x timed out", mask)
		return ErrResetTimeout
	}

	klog.V(traceLevel).Infof("SD: reset %#x complete", mask)

	return
}

// Reset issues a software reset of the lines selected by mask and waits for
// its completion.
func (h *Host) Reset(mask uint8) error {
	h.Lock()
	defer h.Unlock()

	return h.reset(mask)
}

func (h *Host) setPower(v Voltage) {
	h.port.Write8(RegPowerControl, 0)
	h.voltage = VoltageOff

	if v == VoltageOff {
		return
	}

	h.port.Write8(RegPowerControl, uint8(v))
	h.port.Write8(RegPowerControl, uint8(v)|PowerOn)
	h.voltage = v

	klog.V(traceLevel).Infof("SD: bus power set to %s", v)
}

// ClockDivisor returns the smallest power of two divisor, up to MaxDivisor,
// bringing base at or below target.
func ClockDivisor(base uint32, target uint32) (d uint32) {
	res := base

	for d = 1; d < MaxDivisor; d <<= 1 {
		if res <= target {
			break
		}

		res >>= 1
	}

	return
}

func (h *Host) setClock(hz uint32) (err error) {
	h.clock = hz
	h.port.Write16(RegClockControl, 0)

	d := ClockDivisor(h.baseClock, hz)
	clk := (d >> 1) << ClockDivider
	bits.Set(&clk, ClockInternalEnable)

	h.port.Write16(RegClockControl, uint16(clk))

	if !h.waitFor(ClockStableRetries, ClockStableDelay, func() bool {
		reg := uint32(h.port.Read16(RegClockControl))
		return bits.Get(&reg, ClockInternalStable, 1) == 1
	}) {
		klog.Warningf("SD: internal clock never stabilized")
		return ErrClockUnstable
	}

	bits.Set(&clk, ClockCardEnable)
	h.port.Write16(RegClockControl, uint16(clk))

	klog.V(traceLevel).Infof("SD: clock set to %d Hz (base:%d divisor:%d)", hz, h.baseClock, d)

	return
}

// SetClock programs the SD clock to the highest frequency not exceeding hz.
func (h *Host) SetClock(hz uint32) error {
	h.Lock()
	defer h.Unlock()

	return h.setClock(hz)
}

// Supports reports whether the controller advertises support for bus
// voltage v.
func (h *Host) Supports(v Voltage) bool {
	h.Lock()
	defer h.Unlock()

	return h.supports(v)
}

func (h *Host) supports(v Voltage) bool {
	switch v {
	case Voltage180:
		return bits.Get(&h.caps[0], Cap180, 1) == 1
	case Voltage300:
		return bits.Get(&h.caps[0], Cap300, 1) == 1
	case Voltage330:
		return bits.Get(&h.caps[0], Cap330, 1) == 1
	}

	return false
}

func (h *Host) maxVoltage() Voltage {
	for _, v := range []Voltage{Voltage330, Voltage300, Voltage180} {
		if h.supports(v) {
			return v
		}
	}

	return VoltageOff
}

// Init performs the host controller programming sequence: reset, power,
// clock, timeout, block size and interrupt configuration.
func (h *Host) Init() (err error) {
	h.Lock()
	defer h.Unlock()

	h.initialized = false

	if err = h.reset(ResetAll); err != nil {
		return fmt.Errorf("could not reset host controller (%v)", err)
	}

	h.caps[0] = h.port.Read32(RegCapabilities)
	h.caps[1] = h.port.Read32(RegCapabilities1)

	ver := uint32(h.port.Read16(RegHostVersion))
	h.version = uint8(bits.Get(&ver, 0, 0xff))
	h.vendor = uint8(bits.Get(&ver, 8, 0xff))

	klog.V(traceLevel).Infof("SD: capabilities:%#08x %#08x version:%d vendor:%#x", h.caps[0], h.caps[1], h.version, h.vendor)
	klog.V(traceLevel).Infof("SD: host control:%#02x", h.port.Read8(RegHostControl))

	if pwr := h.port.Read8(RegPowerControl); pwr&PowerOn == 0 {
		v := h.maxVoltage()

		if v == VoltageOff {
			klog.Warningf("SD: no supported bus voltage advertised")
		}

		h.setPower(v)
	} else {
		h.voltage = Voltage(pwr &^ PowerOn)
		klog.V(traceLevel).Infof("SD: bus already powered at %s", h.voltage)
	}

	mask := CapBaseClockMask

	if h.version >= Version300 {
		mask = CapBaseClockMaskV3
	}

	h.baseClock = bits.Get(&h.caps[0], CapBaseClock, mask) * 1000000

	if h.baseClock == 0 {
		klog.Warningf("SD: base clock frequency not advertised")
	}

	if err := h.setClock(InitClock); err != nil {
		klog.Warningf("SD: could not set %d Hz clock (%v)", InitClock, err)
	}

	h.timeoutClock = bits.Get(&h.caps[0], CapTimeoutClock, CapTimeoutClockMask)

	if bits.Get(&h.caps[0], CapTimeoutUnitMHz, 1) == 1 {
		h.timeoutClock *= 1000000
	} else {
		h.timeoutClock *= 1000
	}

	if h.timeoutClock != 0 {
		h.port.Write8(RegTimeoutControl, DataTimeout)
	}

	bs := h.port.Read32(RegBlockSize)

	if bs&BlockSizeMask != BlockSize {
		bits.SetN(&bs, 0, BlockSizeMask, BlockSize)
		h.port.Write32(RegBlockSize, bs)

		if h.port.Read32(RegBlockSize)&BlockSizeMask != BlockSize {
			klog.Warningf("SD: could not set %d bytes block size", BlockSize)
		}
	}

	h.blockSize = BlockSize

	if err := h.reset(ResetCmd | ResetData); err != nil {
		klog.Warningf("SD: could not reset command and data lines (%v)", err)
	}

	h.port.Write32(RegIntEnable, IntDefaultEnable)
	h.port.Write32(RegSignalEnable, IntDefaultEnable)

	klog.V(traceLevel).Infof("SD: int enable:%#08x int status:%#08x present state:%#08x",
		h.port.Read32(RegIntEnable), h.port.Read32(RegIntStatus), h.port.Read32(RegPresentState))

	h.initialized = true

	return
}

// PrepBoot raises the SD clock to the boot transfer frequency.
func (h *Host) PrepBoot() error {
	return h.SetClock(BootClock)
}

// Initialized reports whether Init completed.
func (h *Host) Initialized() bool {
	h.Lock()
	defer h.Unlock()

	return h.initialized
}

// Capabilities returns the controller capabilities registers.
func (h *Host) Capabilities() (uint32, uint32) {
	return h.caps[0], h.caps[1]
}

// BaseClock returns the controller base clock frequency in Hz.
func (h *Host) BaseClock() uint32 {
	return h.baseClock
}

// TimeoutClock returns the controller timeout clock frequency in Hz.
func (h *Host) TimeoutClock() uint32 {
	return h.timeoutClock
}

// Clock returns the last requested SD clock frequency in Hz.
func (h *Host) Clock() uint32 {
	h.Lock()
	defer h.Unlock()

	return h.clock
}

// Voltage returns the current bus voltage.
func (h *Host) Voltage() Voltage {
	return h.voltage
}

// BlockSize returns the negotiated transfer block size.
func (h *Host) BlockSize() uint32 {
	return h.blockSize
}

// Vendor returns the vendor specific version number.
func (h *Host) Vendor() uint8 {
	return h.vendor
}

// SpecVersion returns the host controller specification version.
func (h *Host) SpecVersion() *semver.Version {
	switch h.version {
	case Version100:
		return semver.New("1.0.0")
	case Version200:
		return semver.New("2.0.0")
	case Version300:
		return semver.New("3.0.0")
	case Version400:
		return semver.New("4.0.0")
	case Version410:
		return semver.New("4.1.0")
	case Version420:
		return semver.New("4.2.0")
	}

	return &semver.Version{}
}
