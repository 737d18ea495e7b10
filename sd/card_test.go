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

package sd_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-sdboot/internal/sim"
	"github.com/transparency-dev/armored-sdboot/internal/testonly"
	"github.com/transparency-dev/armored-sdboot/sd"
	"github.com/transparency-dev/armored-sdboot/sdhci"
)

var testCID = sd.CID{MID: 0x1b, OID: 0x534d, PNM: "EB1QT", PRV: 0x30, PSN: 0x9c2a1f07, Year: 2021, Month: 11}

func newCard(t *testing.T, ocr uint32, csd [16]byte) *sim.Card {
	t.Helper()

	media := testonly.NewMemDev(t, 8192)
	media.Pattern(t, 0, 32)

	return &sim.Card{
		CID:      sim.CIDImage(testCID),
		CSD:      csd,
		OCR:      ocr,
		FirstRCA: 0x1234,
		Media:    media,
	}
}

func newHost(t *testing.T, card *sim.Card) (*sdhci.Host, *sim.Controller) {
	t.Helper()

	ctl := sim.NewController(card)
	host := sdhci.New(ctl, &sdhci.Options{Sleep: func(time.Duration) {}})

	if err := host.Init(); err != nil {
		t.Fatalf("host Init: %v", err)
	}

	return host, ctl
}

func count(cmds []sim.Command, index uint8) (n int) {
	for _, c := range cmds {
		if c.Index == index {
			n++
		}
	}

	return
}

func TestInit(t *testing.T) {
	card := newCard(t, 0x80ff8000, sim.CSDv2Image(4000))
	host, ctl := newHost(t, card)

	c, err := sd.Init(host)

	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if !c.Initialized {
		t.Errorf("card not marked initialized")
	}

	if got, want := c.Sectors(), uint64(4001*1024); got != want {
		t.Errorf("Sectors() = %d, want %d", got, want)
	}

	if diff := cmp.Diff(testCID, c.CID); diff != "" {
		t.Errorf("CID diff (-want +got):\n%s", diff)
	}

	if c.RCA != card.RCA() || c.RCA == 0 {
		t.Errorf("RCA = %#x, card published %#x", c.RCA, card.RCA())
	}

	if c.OCR != 0x80ff8000 {
		t.Errorf("OCR = %#x, want 0x80ff8000", c.OCR)
	}

	if c.HighCapacity {
		t.Errorf("card without CCS reported as high capacity")
	}

	if got := card.State(); got != sd.StateStandby {
		t.Errorf("card state %s, want stby", got)
	}

	want := []uint8{
		sd.GO_IDLE_STATE,
		sd.SEND_IF_COND,
		sd.APP_CMD, sd.ACMD_SD_SEND_OP_COND,
		sd.ALL_SEND_CID,
		// the first response reports the ident state
		sd.SEND_RELATIVE_ADDR, sd.SEND_RELATIVE_ADDR,
		sd.SEND_CSD,
	}

	var got []uint8

	for _, c := range ctl.Commands {
		got = append(got, c.Index)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("command sequence diff (-want +got):\n%s", diff)
	}
}

func TestInitArguments(t *testing.T) {
	card := newCard(t, 0xc0ff8000, sim.CSDv2Image(4000))
	host, ctl := newHost(t, card)

	c, err := sd.Init(host)

	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if !c.HighCapacity {
		t.Errorf("card with CCS not reported as high capacity")
	}

	for _, cmd := range ctl.Commands {
		switch cmd.Index {
		case sd.SEND_IF_COND:
			if cmd.Arg != 0x1aa {
				t.Errorf("SEND_IF_COND arg %#x, want 0x1aa", cmd.Arg)
			}
		case sd.ACMD_SD_SEND_OP_COND:
			// HCS, S18R and both voltage windows of a 3.3V/1.8V host
			if want := uint32(1<<30 | 1<<24 | 0b111<<18); cmd.Arg != want {
				t.Errorf("SD_SEND_OP_COND arg %#x, want %#x", cmd.Arg, want)
			}
		case sd.SEND_CSD:
			if cmd.Arg != uint32(c.RCA)<<16 {
				t.Errorf("SEND_CSD arg %#x, want RCA %#x", cmd.Arg, c.RCA)
			}
		}
	}
}

func TestInitRestart(t *testing.T) {
	card := newCard(t, 0xc0ff8000, sim.CSDv2Image(4000))
	card.DropIfCond = 1

	host, ctl := newHost(t, card)

	c, err := sd.Init(host)

	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if got := count(ctl.Commands, sd.GO_IDLE_STATE); got != 1 {
		t.Errorf("GO_IDLE_STATE issued %d times, want 1", got)
	}

	if got := count(ctl.Commands, sd.SEND_IF_COND); got != 2 {
		t.Errorf("SEND_IF_COND issued %d times, want 2", got)
	}

	if got, want := c.Sectors(), uint64(4001*1024); got != want {
		t.Errorf("Sectors() = %d, want %d", got, want)
	}
}

func TestInitRestartAfterAddress(t *testing.T) {
	card := newCard(t, 0xc0ff8000, sim.CSDv2Image(4000))
	// the first attempt publishes an address, then the card drops back to
	// idle state
	card.CSDPowerLoss = 1

	host, ctl := newHost(t, card)

	c, err := sd.Init(host)

	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if got := count(ctl.Commands, sd.SEND_RELATIVE_ADDR); got != 2 {
		t.Errorf("SEND_RELATIVE_ADDR issued %d times, want 2", got)
	}

	if got, want := count(ctl.Commands, sd.SEND_CSD), sd.CommandAttempts+1; got != want {
		t.Errorf("SEND_CSD issued %d times, want %d", got, want)
	}

	if got, want := c.RCA, uint16(0x1235); got != want || card.RCA() != want {
		t.Errorf("RCA = %#x (card %#x), want %#x", got, card.RCA(), want)
	}

	cid := sim.CIDImage(testCID)
	cid[15] = 0

	if diff := cmp.Diff(sd.RegisterFromBytes(cid), c.RawCID); diff != "" {
		t.Errorf("CID register diff (-want +got):\n%s", diff)
	}

	csd := sim.CSDv2Image(4000)
	csd[15] = 0

	if diff := cmp.Diff(sd.RegisterFromBytes(csd), c.RawCSD); diff != "" {
		t.Errorf("CSD register diff (-want +got):\n%s", diff)
	}

	if got, want := c.Sectors(), uint64(4001*1024); got != want {
		t.Errorf("Sectors() = %d, want %d", got, want)
	}
}

func TestInitCompletionLatency(t *testing.T) {
	card := newCard(t, 0xc0ff8000, sim.CSDv2Image(4000))
	host, ctl := newHost(t, card)

	// completion is reported a few status reads after each command, also
	// for commands without response
	ctl.Latency = 3

	c, err := sd.Init(host)

	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if diff := cmp.Diff(testCID, c.CID); diff != "" {
		t.Errorf("CID diff (-want +got):\n%s", diff)
	}

	if c.RCA != 0x1234 {
		t.Errorf("RCA = %#x, want 0x1234", c.RCA)
	}

	buf := make([]byte, sd.BlockSize)

	if err := c.ReadSingleBlock(3, buf); err != nil {
		t.Fatalf("ReadSingleBlock: %v", err)
	}

	want := make([]byte, sd.BlockSize)

	if err := card.Media.ReadBlocks(3, want); err != nil {
		t.Fatalf("media ReadBlocks: %v", err)
	}

	if !bytes.Equal(buf, want) {
		t.Errorf("block content mismatch")
	}

	if err := c.Deselect(); err != nil {
		t.Fatalf("Deselect: %v", err)
	}

	status, state, err := c.Status()

	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	if state != sd.StateStandby || status>>16 != 0 {
		t.Errorf("status %#08x state %s after deselect, want stby", status, state)
	}
}

func TestInitFailures(t *testing.T) {
	for _, test := range []struct {
		desc  string
		setup func(c *sim.Card)
		want  error
	}{
		{
			desc:  "no interface condition",
			setup: func(c *sim.Card) { c.DropIfCond = 2 },
			want:  sd.ErrIfCond,
		},
		{
			desc:  "interface condition with reserved bits",
			setup: func(c *sim.Card) { c.IfCondFlags = 1 << 13 },
			want:  sd.ErrIfCond,
		},
		{
			desc:  "power up never completes",
			setup: func(c *sim.Card) { c.Busy = 2 * sd.OpCondAttempts },
			want:  sd.ErrOpCond,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			card := newCard(t, 0xc0ff8000, sim.CSDv2Image(4000))
			test.setup(card)

			host, _ := newHost(t, card)

			c, err := sd.Init(host)

			if !errors.Is(err, test.want) {
				t.Fatalf("Init() error = %v, want %v", err, test.want)
			}

			if c != nil {
				t.Errorf("Init() returned a card on failure")
			}
		})
	}
}

func TestInitPowerUpPolling(t *testing.T) {
	card := newCard(t, 0xc0ff8000, sim.CSDv2Image(4000))
	card.Busy = 5

	ctl := sim.NewController(card)

	var delays []time.Duration

	host := sdhci.New(ctl, &sdhci.Options{Sleep: func(d time.Duration) { delays = append(delays, d) }})

	if err := host.Init(); err != nil {
		t.Fatalf("host Init: %v", err)
	}

	delays = nil

	if _, err := sd.Init(host); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if got := count(ctl.Commands, sd.ACMD_SD_SEND_OP_COND); got != 6 {
		t.Errorf("SD_SEND_OP_COND issued %d times, want 6", got)
	}

	n := 0

	for _, d := range delays {
		if d == sd.OpCondDelay {
			n++
		}
	}

	if n != 5 {
		t.Errorf("%d power up delays, want 5", n)
	}
}

func TestInitRCAError(t *testing.T) {
	card := newCard(t, 0xc0ff8000, sim.CSDv2Image(4000))
	card.RCAErrors = 3

	host, ctl := newHost(t, card)

	c, err := sd.Init(host)

	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if got := count(ctl.Commands, sd.SEND_RELATIVE_ADDR); got != 4 {
		t.Errorf("SEND_RELATIVE_ADDR issued %d times, want 4", got)
	}

	if c.RCA != card.RCA() {
		t.Errorf("RCA = %#x, card published %#x", c.RCA, card.RCA())
	}
}

func TestReadSingleBlock(t *testing.T) {
	for _, test := range []struct {
		desc    string
		ocr     uint32
		csd     [16]byte
		lba     uint32
		wantArg uint32
	}{
		{desc: "high capacity", ocr: 0xc0ff8000, csd: sim.CSDv2Image(15), lba: 7, wantArg: 7},
		{desc: "standard capacity", ocr: 0x80ff8000, csd: sim.CSDv1Image(2047, 0, 9), lba: 7, wantArg: 7 * 512},
	} {
		t.Run(test.desc, func(t *testing.T) {
			card := newCard(t, test.ocr, test.csd)
			host, ctl := newHost(t, card)

			c, err := sd.Init(host)

			if err != nil {
				t.Fatalf("Init: %v", err)
			}

			buf := make([]byte, sd.BlockSize)

			if err := c.ReadSingleBlock(test.lba, buf); err != nil {
				t.Fatalf("ReadSingleBlock: %v", err)
			}

			want := make([]byte, sd.BlockSize)

			if err := card.Media.ReadBlocks(uint(test.lba), want); err != nil {
				t.Fatalf("media ReadBlocks: %v", err)
			}

			if !bytes.Equal(buf, want) {
				t.Errorf("block %d content mismatch", test.lba)
			}

			if !c.Selected || card.State() != sd.StateTransfer {
				t.Errorf("card not selected after read, state %s", card.State())
			}

			last := ctl.Commands[len(ctl.Commands)-1]

			if last.Index != sd.READ_SINGLE_BLOCK || last.Arg != test.wantArg {
				t.Errorf("last command CMD%d arg %#x, want CMD17 arg %#x", last.Index, last.Arg, test.wantArg)
			}

			// a second read does not select again
			if err := c.ReadSingleBlock(test.lba+1, buf); err != nil {
				t.Fatalf("ReadSingleBlock: %v", err)
			}

			if got := count(ctl.Commands, sd.SELECT_CARD); got != 1 {
				t.Errorf("SELECT_CARD issued %d times, want 1", got)
			}
		})
	}
}

func TestReadSingleBlockErrors(t *testing.T) {
	card := newCard(t, 0xc0ff8000, sim.CSDv2Image(7))
	host, _ := newHost(t, card)

	c, err := sd.Init(host)

	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := c.ReadSingleBlock(0, make([]byte, 100)); !errors.Is(err, sd.ErrShortBuffer) {
		t.Errorf("short buffer read error = %v", err)
	}

	// out of range reads get no data phase
	if err := c.ReadSingleBlock(9000, make([]byte, sd.BlockSize)); err == nil {
		t.Errorf("out of range read succeeded")
	}

	if err := (&sd.Card{}).ReadSingleBlock(0, make([]byte, sd.BlockSize)); !errors.Is(err, sd.ErrNotReady) {
		t.Errorf("uninitialized card read error = %v", err)
	}
}

func TestStatusAndSelection(t *testing.T) {
	card := newCard(t, 0xc0ff8000, sim.CSDv2Image(15))
	host, _ := newHost(t, card)

	c, err := sd.Init(host)

	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	for _, step := range []struct {
		op       func() error
		want     sd.State
		selected bool
	}{
		{op: func() error { return nil }, want: sd.StateStandby},
		{op: c.Select, want: sd.StateTransfer, selected: true},
		{op: c.Select, want: sd.StateTransfer, selected: true},
		{op: func() error { return c.SetBlockLen(sd.BlockSize) }, want: sd.StateTransfer, selected: true},
		{op: c.Deselect, want: sd.StateStandby},
		{op: c.Deselect, want: sd.StateStandby},
		{op: c.Select, want: sd.StateTransfer, selected: true},
	} {
		if err := step.op(); err != nil {
			t.Fatalf("operation failed: %v", err)
		}

		if c.Selected != step.selected {
			t.Errorf("Selected = %v, want %v", c.Selected, step.selected)
		}

		_, state, err := c.Status()

		if err != nil {
			t.Fatalf("Status: %v", err)
		}

		if state != step.want {
			t.Errorf("state %s, want %s", state, step.want)
		}
	}
}
