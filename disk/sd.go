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

package disk

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"unsafe"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sdboot/pci"
	"github.com/transparency-dev/armored-sdboot/sd"
	"github.com/transparency-dev/armored-sdboot/sdhci"
)

// BlockSize is the SD drive block size.
const BlockSize = sd.BlockSize

const traceLevel = 6

// BlockReader represents single block card access.
type BlockReader interface {
	ReadSingleBlock(lba uint32, buf []byte) error
}

// SD binds an identified card and its host controller to the disk contract.
type SD struct {
	sync.Mutex

	Drive       Drive
	Description string
	Priority    int

	PCI  *pci.Device
	Host *sdhci.Host
	Card *sd.Card

	reader BlockReader
	bounce []byte
}

// NewSD returns the drive for a card in stand-by or transfer state.
func NewSD(dev *pci.Device, host *sdhci.Host, card *sd.Card, prio int) (d *SD, err error) {
	if card == nil || !card.Initialized {
		return nil, errors.New("card not initialized")
	}

	d = &SD{
		Drive: Drive{
			Type:        TypeSD,
			BlockSize:   uint16(host.BlockSize()),
			Sectors:     card.Sectors(),
			Translation: TranslationLBA,
		},
		Description: fmt.Sprintf("SD Card Vendor ID: %d", host.Vendor()),
		Priority:    prio,
		PCI:         dev,
		Host:        host,
		Card:        card,
		reader:      card,
		bounce:      make([]byte, BlockSize),
	}

	if d.Drive.Sectors == 0 {
		return nil, errors.New("card reports no capacity")
	}

	klog.V(traceLevel).Infof("SD: num sectors: %d", d.Drive.Sectors)

	return
}

// Register adds the drive to the boot registry.
func (d *SD) Register(r Registry) {
	klog.V(traceLevel).Infof("SD: card boot priority: %#08x", d.Priority)
	r.AddHD(&d.Drive, d, d.Description, d.Priority)
}

// Process executes a disk operation. Only reads are performed, writes are
// rejected and the remaining commands complete without effect.
func (d *SD) Process(op *Op) (status Status) {
	d.Lock()
	defer d.Unlock()

	klog.V(traceLevel).Infof("SD: %s lba:%#x count:%d", op.Command, op.LBA, op.Count)

	switch op.Command {
	case CmdRead:
		return d.read(op)
	case CmdWrite:
		return EParam
	case CmdReset, CmdIsReady, CmdFormat, CmdVerify, CmdSeek:
		return Success
	default:
		op.Count = 0
		return EParam
	}
}

func aligned(buf []byte) bool {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))&1 == 0
}

func (d *SD) read(op *Op) (status Status) {
	n := uint64(op.Count)

	// the range is checked without summing lba and count, which may wrap
	if op.LBA > d.Drive.Sectors || n > d.Drive.Sectors-op.LBA || op.LBA+n > 1<<32 || uint64(len(op.Buf)) < n*BlockSize {
		klog.V(traceLevel).Infof("SD: invalid read lba:%#x count:%d buf:%d", op.LBA, op.Count, len(op.Buf))
		op.Count = 0
		return EParam
	}

	if n == 0 {
		return Success
	}

	var done uint16

	if aligned(op.Buf) {
		done, status = d.readAligned(uint32(op.LBA), op.Count, op.Buf)
	} else {
		klog.V(traceLevel).Infof("SD: unaligned buffer, performing bounce buffer read")

		for done < op.Count {
			if _, status = d.readAligned(uint32(op.LBA)+uint32(done), 1, d.bounce); status != Success {
				break
			}

			copy(op.Buf[uint64(done)*BlockSize:], d.bounce)
			done++
		}
	}

	op.Count = done

	return
}

func (d *SD) readAligned(lba uint32, count uint16, buf []byte) (done uint16, status Status) {
	for ; done < count; done++ {
		off := uint64(done) * BlockSize

		if err := d.reader.ReadSingleBlock(lba+uint32(done), buf[off:off+BlockSize]); err != nil {
			klog.V(traceLevel).Infof("SD: read failed at lba:%#x (%v)", lba+uint32(done), err)
			return done, EParam
		}
	}

	return done, Success
}

// ReadAt implements io.ReaderAt over the drive.
func (d *SD) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}

	size := int64(d.Drive.Sectors) * BlockSize
	blk := make([]byte, BlockSize)

	for n < len(p) {
		pos := off + int64(n)

		if pos >= size {
			return n, io.EOF
		}

		lba := uint64(pos / BlockSize)
		skip := int(pos % BlockSize)

		if skip == 0 && len(p)-n >= BlockSize {
			count := (len(p) - n) / BlockSize

			if count > 0xffff {
				count = 0xffff
			}

			if rem := d.Drive.Sectors - lba; uint64(count) > rem {
				count = int(rem)
			}

			op := &Op{Command: CmdRead, LBA: lba, Count: uint16(count), Buf: p[n : n+count*BlockSize]}

			status := d.Process(op)
			n += int(op.Count) * BlockSize

			if status != Success {
				return n, status
			}

			continue
		}

		op := &Op{Command: CmdRead, LBA: lba, Count: 1, Buf: blk}

		if status := d.Process(op); status != Success {
			return n, status
		}

		n += copy(p[n:], blk[skip:])
	}

	return
}
