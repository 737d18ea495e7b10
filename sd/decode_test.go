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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-sdboot/internal/sim"
	"github.com/transparency-dev/armored-sdboot/sd"
)

func TestDecodeCID(t *testing.T) {
	want := sd.CID{
		MID:   0x03,
		OID:   0x5344,
		PNM:   "SU08G",
		PRV:   0x80,
		PSN:   0x1234abcd,
		Year:  2013,
		Month: 7,
	}

	img := sim.CIDImage(want)

	if !sd.Valid(img) {
		t.Fatalf("CID image CRC invalid")
	}

	got := sd.DecodeCID(sd.RegisterFromBytes(img))

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DecodeCID() diff (-want +got):\n%s", diff)
	}

	if got.Revision() != "8.0" {
		t.Errorf("Revision() = %q, want 8.0", got.Revision())
	}
}

func TestDecodeCSD(t *testing.T) {
	for _, test := range []struct {
		desc string
		img  [16]byte
		want sd.CSD
	}{
		{
			desc: "version 1.0",
			img:  sim.CSDv1Image(1000, 4, 9),
			want: sd.CSD{
				Structure:        sd.CSDVersion1,
				TAAC:             1500000,
				TranSpeed:        25000000,
				CCC:              0x5b5,
				ReadBlockLen:     512,
				VddReadCurrMin:   100000,
				VddReadCurrMax:   80000,
				VddWriteCurrMin:  60000,
				VddWriteCurrMax:  45000,
				Capacity:         (1001 << 6) * 512,
				EraseBlockEnable: true,
				EraseSector:      128,
				R2WFactor:        4,
				WriteBlockLen:    512,
			},
		},
		{
			desc: "version 2.0",
			img:  sim.CSDv2Image(1000),
			want: sd.CSD{
				Structure:        sd.CSDVersion2,
				TAAC:             1000000,
				TranSpeed:        25000000,
				CCC:              0x5b5,
				ReadBlockLen:     512,
				Capacity:         1001 * 512 * 1024,
				EraseBlockEnable: true,
				EraseSector:      128,
				R2WFactor:        4,
				WriteBlockLen:    512,
			},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got := sd.DecodeCSD(sd.RegisterFromBytes(test.img))

			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("DecodeCSD() diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeCSDCapacity(t *testing.T) {
	for _, test := range []struct {
		desc    string
		img     [16]byte
		sectors uint64
	}{
		{desc: "1GB SDSC", img: sim.CSDv1Image(0xf13, 7, 9), sectors: (0xf13 + 1) << 9},
		{desc: "2GB SDSC, 1KiB blocks", img: sim.CSDv1Image(0xf13, 7, 10), sectors: (0xf13 + 1) << 10},
		{desc: "2GB SDHC", img: sim.CSDv2Image(4000), sectors: 4001 * 1024},
		{desc: "largest SDXC", img: sim.CSDv2Image(0x3fffff), sectors: 0x400000 * 1024},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if got := sd.DecodeCSD(sd.RegisterFromBytes(test.img)).Sectors(); got != test.sectors {
				t.Errorf("Sectors() = %d, want %d", got, test.sectors)
			}
		})
	}
}

func TestDecodeCSDUnknownVersion(t *testing.T) {
	for _, v := range []uint32{2, 3} {
		r := sd.RegisterFromBytes(sim.CSDv2Image(1000))
		r.SetBits(126, 2, v)

		got := sd.DecodeCSD(r)

		if diff := cmp.Diff(sd.CSD{Structure: int(v)}, got); diff != "" {
			t.Errorf("DecodeCSD() version %d diff (-want +got):\n%s", v, diff)
		}
	}
}
