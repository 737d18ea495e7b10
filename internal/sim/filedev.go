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
	"fmt"
	"io"

	"github.com/transparency-dev/armored-sdboot/sd"
)

// FileDev is a read-only BlockDevice backed by a disk image.
type FileDev struct {
	r      io.ReaderAt
	blocks uint
}

// NewFileDev returns a block device over the first size bytes of r, a
// trailing partial block is ignored.
func NewFileDev(r io.ReaderAt, size int64) *FileDev {
	return &FileDev{
		r:      r,
		blocks: uint(size / sd.BlockSize),
	}
}

func (f *FileDev) NumBlocks() uint {
	return f.blocks
}

func (f *FileDev) ReadBlocks(lba uint, b []byte) error {
	if lba >= f.blocks {
		return fmt.Errorf("lba (%d) >= device blocks (%d)", lba, f.blocks)
	}

	if _, err := f.r.ReadAt(b, int64(lba)*sd.BlockSize); err != nil && err != io.EOF {
		return err
	}

	return nil
}

// NewCard returns a powered off high capacity card over media, with
// registers describing its size.
func NewCard(media BlockDevice, cid sd.CID) *Card {
	// capacity is a multiple of 512KiB
	units := uint32(media.NumBlocks() / 1024)

	if units == 0 {
		units = 1
	}

	return &Card{
		CID:      CIDImage(cid),
		CSD:      CSDv2Image(units - 1),
		OCR:      0xc0ff8000,
		FirstRCA: 0xb368,
		Media:    media,
	}
}
