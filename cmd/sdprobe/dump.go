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

package main

import (
	"os"

	"github.com/cheggaaa/pb/v3"

	"github.com/transparency-dev/armored-sdboot/disk"
)

// dump reads n blocks starting at lba through the disk contract, one
// operation per block, and writes them to path.
func dump(d *disk.SD, path string, lba uint64, n uint) (err error) {
	f, err := os.Create(path)

	if err != nil {
		return
	}

	defer f.Close()

	bar := pb.StartNew(int(n))
	defer bar.Finish()

	buf := make([]byte, disk.BlockSize)

	for i := uint64(0); i < uint64(n); i++ {
		op := &disk.Op{
			Command: disk.CmdRead,
			LBA:     lba + i,
			Count:   1,
			Buf:     buf,
		}

		if status := d.Process(op); status != disk.Success {
			return status
		}

		if _, err = f.Write(buf); err != nil {
			return
		}

		bar.Increment()
	}

	return
}
