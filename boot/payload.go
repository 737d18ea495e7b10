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
	"fmt"
	"io"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sdboot/disk"
	"github.com/transparency-dev/armored-sdboot/internal/ft"
)

// LoadPayload reads the payload bundle stored at the start of partition p
// and returns its payload once verified. The manifest version must not be
// older than min, when set.
func LoadPayload(d *disk.SD, p *Partition, verifier note.Verifier, min *semver.Version) (payload []byte, m *ft.Manifest, err error) {
	r := io.NewSectionReader(d, p.Offset(), p.Length())

	hdr := make([]byte, ft.HeaderSize)

	if _, err = io.ReadFull(r, hdr); err != nil {
		return nil, nil, fmt.Errorf("could not read bundle header (%v)", err)
	}

	length, err := ft.ManifestLength(hdr)

	if err != nil {
		return
	}

	signed := make([]byte, length)

	if _, err = io.ReadFull(r, signed); err != nil {
		return nil, nil, fmt.Errorf("could not read manifest (%v)", err)
	}

	if m, err = ft.Open(signed, verifier, min); err != nil {
		return nil, nil, err
	}

	if m.Size > p.Length()-ft.HeaderSize-int64(length) {
		return nil, nil, fmt.Errorf("payload size %d exceeds partition", m.Size)
	}

	klog.Infof("boot: loading payload %s (%d bytes)", m.Version, m.Size)

	payload = make([]byte, m.Size)

	if _, err = io.ReadFull(r, payload); err != nil {
		return nil, nil, fmt.Errorf("could not read payload (%v)", err)
	}

	if err = m.Check(payload); err != nil {
		return nil, nil, err
	}

	return
}
