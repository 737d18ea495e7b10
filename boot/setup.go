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

// Package boot discovers SD host controllers, brings up the first inserted
// card and registers it as a boot drive.
package boot

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sdboot/disk"
	"github.com/transparency-dev/armored-sdboot/mmio"
	"github.com/transparency-dev/armored-sdboot/pci"
	"github.com/transparency-dev/armored-sdboot/sd"
	"github.com/transparency-dev/armored-sdboot/sdhci"
)

// DefaultBuses is the number of PCI buses scanned when not configured.
const DefaultBuses = 256

var (
	ErrDisabled     = errors.New("SD boot support disabled")
	ErrNoController = errors.New("no SD host controller found")
	ErrNoCard       = errors.New("no SD card detected")
)

// Config represents the platform hooks used by Setup.
type Config struct {
	// Enabled gates SD boot support.
	Enabled bool

	// PCI is the configuration space access mechanism.
	PCI pci.Config
	// Buses is the number of buses to scan.
	Buses int
	// Map returns the register window decoded at a BAR0 address.
	Map func(bar uint32) (mmio.Port, error)
	// Priority returns the boot priority of a controller.
	Priority func(dev *pci.Device) int
	// Registry receives the initialized drive.
	Registry disk.Registry

	// Host holds the host controller driver options.
	Host *sdhci.Options
}

// Setup scans for SDHCI controllers and returns the drive for the first
// controller with an inserted card that completes initialization.
func Setup(cfg *Config) (d *disk.SD, err error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	klog.V(3).Info("init SD drives")

	buses := cfg.Buses

	if buses <= 0 {
		buses = DefaultBuses
	}

	devs := pci.Find(cfg.PCI, buses, pci.ClassSDHCI, pci.ProgIfSDHCI)

	if len(devs) == 0 {
		return nil, ErrNoController
	}

	err = ErrNoCard

	for _, dev := range devs {
		klog.V(6).Infof("SD: found PCI SDHCI controller %s", dev)

		if d, err = configSetup(cfg, dev); err == nil {
			return
		}

		klog.V(6).Infof("SD: controller %s not usable (%v)", dev.BDF, err)
	}

	return nil, err
}

func configSetup(cfg *Config, dev *pci.Device) (d *disk.SD, err error) {
	bar := dev.BAR0(cfg.PCI)

	port, err := cfg.Map(bar)

	if err != nil {
		return nil, fmt.Errorf("could not map BAR0 %#08x (%v)", bar, err)
	}

	host := sdhci.New(port, cfg.Host)

	if !host.CardPresent() {
		klog.V(6).Info("No SD card detected")
		return nil, ErrNoCard
	}

	klog.V(6).Info("SD card is inserted")

	return hostSetup(cfg, dev, host)
}

func hostSetup(cfg *Config, dev *pci.Device, host *sdhci.Host) (d *disk.SD, err error) {
	if err = host.Init(); err != nil {
		return
	}

	card, err := sd.Init(host)

	if err != nil {
		return
	}

	prio := -1

	if cfg.Priority != nil {
		prio = cfg.Priority(dev)
	}

	if d, err = disk.NewSD(dev, host, card, prio); err != nil {
		return nil, err
	}

	if cfg.Registry != nil {
		d.Register(cfg.Registry)
	}

	if err = host.PrepBoot(); err != nil {
		klog.Warningf("SD: could not raise clock for boot (%v)", err)
		err = nil
	}

	return
}
