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

// The sdprobe tool runs the SD boot path against a disk image attached to a
// simulated SDHCI controller: it enumerates the card, reports its status and
// optionally verifies the boot payload or dumps blocks through the driver.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sdboot/api"
	"github.com/transparency-dev/armored-sdboot/boot"
	"github.com/transparency-dev/armored-sdboot/disk"
	"github.com/transparency-dev/armored-sdboot/internal/console"
	"github.com/transparency-dev/armored-sdboot/internal/sim"
	"github.com/transparency-dev/armored-sdboot/pci"
	"github.com/transparency-dev/armored-sdboot/sd"
)

// controller location and register window of the simulated platform
const (
	sdhciBus  = 0
	sdhciDev  = 0x14
	sdhciFn   = 7
	sdhciBAR0 = 0xfeb00000
)

type Config struct {
	image string

	status bool
	parts  bool

	pubKey     string
	minVersion string
	payloadOut string

	dumpOut    string
	dumpLBA    uint64
	dumpBlocks uint
}

var conf *Config

func init() {
	klog.InitFlags(nil)

	conf = &Config{}

	flag.StringVar(&conf.image, "i", "", "disk image backing the simulated card")
	flag.BoolVar(&conf.status, "s", false, "print SD boot drive status")
	flag.BoolVar(&conf.parts, "p", false, "list partitions")
	flag.StringVar(&conf.pubKey, "k", "", "payload manifest verifier key file, loads the boot payload when set")
	flag.StringVar(&conf.minVersion, "m", "", "minimum payload version")
	flag.StringVar(&conf.payloadOut, "o", "", "write the verified payload to file")
	flag.StringVar(&conf.dumpOut, "d", "", "dump blocks to file")
	flag.Uint64Var(&conf.dumpLBA, "l", 0, "first block to dump")
	flag.UintVar(&conf.dumpBlocks, "n", 1, "number of blocks to dump")
}

func setup(image string) (d *disk.SD, err error) {
	f, err := os.Open(image)

	if err != nil {
		return
	}

	fi, err := f.Stat()

	if err != nil {
		return
	}

	cid := sd.CID{MID: 0x03, OID: 0x5344, PNM: "SDSIM", PRV: 0x10, PSN: 0x5d0b007, Year: 2024, Month: 1}
	media := sim.NewFileDev(f, fi.Size())

	platform := sim.NewPlatform()
	platform.Attach(pci.NewBDF(sdhciBus, sdhciDev, sdhciFn), sdhciBAR0, sim.NewController(sim.NewCard(media, cid)))

	return boot.Setup(&boot.Config{
		Enabled:  true,
		PCI:      platform.Config,
		Buses:    1,
		Map:      platform.Map,
		Priority: func(*pci.Device) int { return 1 },
		Registry: &disk.BootList{},
	})
}

func loadPayload(d *disk.SD) (err error) {
	key, err := os.ReadFile(conf.pubKey)

	if err != nil {
		return
	}

	v, err := note.NewVerifier(string(key))

	if err != nil {
		return fmt.Errorf("invalid verifier key (%v)", err)
	}

	var min *semver.Version

	if len(conf.minVersion) > 0 {
		if min, err = semver.NewVersion(conf.minVersion); err != nil {
			return
		}
	}

	p, err := boot.FindBootPartition(d)

	if err != nil {
		return
	}

	payload, m, err := boot.LoadPayload(d, p, v, min)

	if err != nil {
		return
	}

	klog.Infof("verified payload %s, %d bytes", m.Version, m.Size)

	if len(conf.payloadOut) > 0 {
		err = os.WriteFile(conf.payloadOut, payload, 0o644)
	}

	return
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			klog.Exitf("fatal error, %s", err)
		}

		klog.Flush()
	}()

	flag.Parse()

	out := console.NewWriter(os.Stdout)
	defer out.Flush()

	klog.LogToStderr(false)
	klog.SetOutput(out)

	if len(conf.image) == 0 {
		err = errors.New("missing disk image")
		return
	}

	d, err := setup(conf.image)

	if err != nil {
		return
	}

	if conf.status {
		fmt.Fprintln(out, api.NewStatus(d).Print())
	}

	if conf.parts {
		var parts []*boot.Partition

		if parts, err = boot.Partitions(d); err != nil {
			return
		}

		for _, p := range parts {
			fmt.Fprintf(out, "%d: type:%#02x start:%d size:%d active:%v\n", p.Index, p.Type, p.Start, p.Size, p.Bootable)
		}
	}

	if len(conf.pubKey) > 0 {
		if err = loadPayload(d); err != nil {
			return
		}
	}

	if len(conf.dumpOut) > 0 {
		err = dump(d, conf.dumpOut, conf.dumpLBA, conf.dumpBlocks)
	}
}
