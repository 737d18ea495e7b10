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

	"github.com/transparency-dev/armored-sdboot/mmio"
	"github.com/transparency-dev/armored-sdboot/pci"
)

// Platform wires simulated controllers into a PCI configuration space.
type Platform struct {
	Config pci.MemConfig

	windows map[uint32]*Controller
}

// NewPlatform returns a platform with an empty bus.
func NewPlatform() *Platform {
	return &Platform{
		Config:  pci.MemConfig{},
		windows: make(map[uint32]*Controller),
	}
}

// Attach exposes c as a SDHCI function at bdf with its registers at bar.
func (p *Platform) Attach(bdf pci.BDF, bar uint32, c *Controller) {
	p.Config.Add(bdf, 0x1022, 0x7813, pci.ClassSDHCI, pci.ProgIfSDHCI, bar)
	p.windows[bar&pci.BARMask] = c
}

// Map returns the register window decoded at bar.
func (p *Platform) Map(bar uint32) (mmio.Port, error) {
	c, ok := p.windows[bar]

	if !ok {
		return nil, fmt.Errorf("no register window at %#08x", bar)
	}

	return c, nil
}
