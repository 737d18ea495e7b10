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

package boot

import (
	"errors"
	"fmt"
	"io"

	"github.com/diskfs/go-diskfs/partition/mbr"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sdboot/disk"
)

var ErrNoBootPartition = errors.New("no bootable partition")

// Partition represents a primary partition of the boot volume.
type Partition struct {
	Index    int
	Bootable bool
	Type     byte
	// Start and Size are expressed in 512 byte sectors.
	Start uint32
	Size  uint32
}

// Offset returns the partition start in bytes.
func (p *Partition) Offset() int64 {
	return int64(p.Start) * disk.BlockSize
}

// Length returns the partition size in bytes.
func (p *Partition) Length() int64 {
	return int64(p.Size) * disk.BlockSize
}

// volume adapts a read-only drive to the file abstraction used by the
// partition table parser.
type volume struct {
	d   *disk.SD
	pos int64
}

func (v *volume) ReadAt(p []byte, off int64) (int, error) {
	return v.d.ReadAt(p, off)
}

func (v *volume) WriteAt(p []byte, off int64) (int, error) {
	return 0, errors.New("read-only volume")
}

func (v *volume) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		v.pos = offset
	case io.SeekCurrent:
		v.pos += offset
	case io.SeekEnd:
		v.pos = int64(v.d.Drive.Sectors)*disk.BlockSize + offset
	default:
		return 0, errors.New("invalid whence")
	}

	return v.pos, nil
}

// Partitions returns the non-empty primary partitions of the drive MBR.
func Partitions(d *disk.SD) (parts []*Partition, err error) {
	table, err := mbr.Read(&volume{d: d}, disk.BlockSize, disk.BlockSize)

	if err != nil {
		return nil, fmt.Errorf("could not read partition table (%v)", err)
	}

	for i, p := range table.Partitions {
		if p == nil || p.Type == mbr.Empty || p.Size == 0 {
			continue
		}

		parts = append(parts, &Partition{
			Index:    i + 1,
			Bootable: p.Bootable,
			Type:     byte(p.Type),
			Start:    p.Start,
			Size:     p.Size,
		})
	}

	return
}

// FindBootPartition returns the first active partition of the drive.
func FindBootPartition(d *disk.SD) (*Partition, error) {
	parts, err := Partitions(d)

	if err != nil {
		return nil, err
	}

	for _, p := range parts {
		klog.V(3).Infof("boot: partition %d type:%#02x start:%d size:%d active:%v", p.Index, p.Type, p.Start, p.Size, p.Bootable)

		if p.Bootable {
			if uint64(p.Start)+uint64(p.Size) > d.Drive.Sectors {
				return nil, fmt.Errorf("partition %d exceeds drive size", p.Index)
			}

			return p, nil
		}
	}

	return nil, ErrNoBootPartition
}
