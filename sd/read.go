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

	"github.com/usbarmory/tamago/bits"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sdboot/sdhci"
)

// selectCard issues SELECT_CARD, addressing the card selects it while any
// other address deselects it.
func (c *Card) selectCard(rca uint16) (err error) {
	t := &sdhci.Transfer{
		Index:        SELECT_CARD,
		Arg:          uint32(rca) << 16,
		ResponseType: sdhci.ResponseShortBusy,
	}

	if rca != c.RCA {
		// deselected cards do not respond
		t.ResponseType = sdhci.ResponseNone
	}

	if err = c.xfer(t); err != nil {
		return fmt.Errorf("could not change card selection (%v)", err)
	}

	c.Selected = rca == c.RCA

	return
}

// Select moves the card to transfer state, if not already selected.
func (c *Card) Select() error {
	if c.Selected {
		return nil
	}

	return c.selectCard(c.RCA)
}

// Deselect moves the card back to stand-by state, if selected.
func (c *Card) Deselect() error {
	if !c.Selected {
		return nil
	}

	return c.selectCard(0)
}

// Status returns the card status register and its current state.
func (c *Card) Status() (status uint32, state State, err error) {
	t := &sdhci.Transfer{
		Index:        SEND_STATUS,
		Arg:          uint32(c.RCA) << 16,
		ResponseType: sdhci.ResponseShort,
	}

	if err = c.xfer(t); err != nil {
		return
	}

	status = t.Response[0]
	state = State(bits.Get(&status, STATUS_CURRENT_STATE, 0xf))

	return
}

// SetBlockLen sets the block length used by standard capacity cards.
func (c *Card) SetBlockLen(n uint32) error {
	return c.xfer(&sdhci.Transfer{
		Index:        SET_BLOCKLEN,
		Arg:          n,
		ResponseType: sdhci.ResponseShort,
	})
}

// ReadSingleBlock reads the block at lba into buf, selecting the card first
// if required.
func (c *Card) ReadSingleBlock(lba uint32, buf []byte) (err error) {
	if !c.Initialized {
		return ErrNotReady
	}

	if len(buf) < BlockSize {
		return ErrShortBuffer
	}

	if err = c.Select(); err != nil {
		return
	}

	addr := lba

	if !c.HighCapacity {
		// standard capacity cards are byte addressed
		if uint64(lba)*BlockSize > 0xffffffff {
			return ErrUnaddressable
		}

		addr = lba * BlockSize
	}

	t := &sdhci.Transfer{
		Index:        READ_SINGLE_BLOCK,
		Arg:          addr,
		ResponseType: sdhci.ResponseShort,
		Direction:    sdhci.DataRead,
		Data:         buf[:BlockSize],
	}

	if err = c.xfer(t); err != nil {
		klog.V(traceLevel).Infof("SD: block %d read failed (%v)", lba, err)
	}

	return
}
