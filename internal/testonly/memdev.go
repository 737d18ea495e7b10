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

// Package testonly provides in-memory media for card and disk tests.
package testonly

import (
	"fmt"
	"testing"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// MemDev is an in-memory block device.
//
// Rather than allocating the entire device, it associates written blocks
// with their address so that large cards can be modelled cheaply. Unwritten
// blocks read as zeroes.
type MemDev struct {
	mem    map[uint][]byte
	blocks uint

	// OnBlockRead is called just after a block has been read.
	OnBlockRead func(lba uint)
}

// BlockSize returns the block size of the underlying storage system.
func (md *MemDev) BlockSize() uint {
	return MemBlockSize
}

// NumBlocks returns the claimed size of the storage in blocks.
func (md *MemDev) NumBlocks() uint {
	return md.blocks
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
// at the given block address.
// b must be an integer multiple of the device's block size.
func (md *MemDev) ReadBlocks(lba uint, b []byte) error {
	if lba >= md.blocks {
		return fmt.Errorf("lba (%d) >= device blocks (%d)", lba, md.blocks)
	}

	bl := uint(len(b)) / MemBlockSize

	if lba+bl > md.blocks {
		bl = md.blocks - lba
	}

	for i := uint(0); i < bl; i++ {
		blk := b[i*MemBlockSize : (i+1)*MemBlockSize]

		if data, ok := md.mem[lba+i]; ok {
			copy(blk, data)
		} else {
			clear(blk)
		}

		if md.OnBlockRead != nil {
			md.OnBlockRead(lba + i)
		}
	}

	return nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
// at the given block address.
//
// Returns the number of blocks written, or an error.
func (md *MemDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	if lba >= md.blocks {
		return 0, fmt.Errorf("lba (%d) >= device blocks (%d)", lba, md.blocks)
	}

	// If the data isn't a multiple of the blocksize, pad it up
	// so that it is.
	if r := len(b) % MemBlockSize; r != 0 {
		b = append(b, make([]byte, MemBlockSize-r)...)
	}

	bl := uint(len(b)) / MemBlockSize

	if lba+bl > md.blocks {
		bl = md.blocks - lba
	}

	for i := uint(0); i < bl; i++ {
		buf := make([]byte, MemBlockSize)
		copy(buf, b[i*MemBlockSize:])
		md.mem[lba+i] = buf
	}

	return bl, nil
}

// Pattern fills blocks [lba, lba+n) with content derived from each block
// address, so that misplaced reads are detectable.
func (md *MemDev) Pattern(t *testing.T, lba uint, n uint) {
	t.Helper()

	for i := lba; i < lba+n; i++ {
		blk := make([]byte, MemBlockSize)

		for j := range blk {
			blk[j] = byte(i*7 + uint(j)*13 + uint(j>>8))
		}

		if _, err := md.WriteBlocks(i, blk); err != nil {
			t.Fatalf("WriteBlocks(%d): %v", i, err)
		}
	}
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(t *testing.T, numBlocks uint) *MemDev {
	t.Helper()
	return &MemDev{
		mem:    make(map[uint][]byte),
		blocks: numBlocks,
	}
}
