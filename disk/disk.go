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

// Package disk defines the block device contract between boot media drivers
// and the firmware disk services, along with the boot device registry.
package disk

import (
	"fmt"
	"sort"
	"sync"

	"k8s.io/klog/v2"
)

// Command represents a disk operation.
type Command uint8

// Disk operations
const (
	CmdReset   Command = 0x00
	CmdRead    Command = 0x02
	CmdWrite   Command = 0x03
	CmdVerify  Command = 0x04
	CmdFormat  Command = 0x05
	CmdSeek    Command = 0x07
	CmdIsReady Command = 0x10
)

func (c Command) String() string {
	switch c {
	case CmdReset:
		return "reset"
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdVerify:
		return "verify"
	case CmdFormat:
		return "format"
	case CmdSeek:
		return "seek"
	case CmdIsReady:
		return "isready"
	}

	return fmt.Sprintf("command(%#02x)", uint8(c))
}

// Status represents a disk operation completion status.
type Status uint8

// Disk operation status codes
const (
	Success       Status = 0x00
	EParam        Status = 0x01
	EAddrNotFound Status = 0x02
	EWriteProtect Status = 0x03
	EChanged      Status = 0x06
	EBoundary     Status = 0x09
	EController   Status = 0x20
	ETimeout      Status = 0x80
	ENotReady     Status = 0xaa
)

var statusNames = map[Status]string{
	Success:       "success",
	EParam:        "invalid parameter",
	EAddrNotFound: "address not found",
	EWriteProtect: "write protected",
	EChanged:      "media changed",
	EBoundary:     "boundary error",
	EController:   "controller error",
	ETimeout:      "timeout",
	ENotReady:     "not ready",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}

	return fmt.Sprintf("status(%#02x)", uint8(s))
}

func (s Status) Error() string {
	return "disk: " + s.String()
}

// Type represents the drive type.
type Type uint8

const (
	TypeSD Type = 0x70
)

// Translation represents the drive geometry translation.
type Translation uint8

const (
	TranslationNone Translation = iota
	TranslationLBA
)

// Op represents a disk operation request.
type Op struct {
	Command Command
	LBA     uint64
	// Count is the number of blocks requested, on return it holds the
	// number of blocks processed.
	Count uint16
	Buf   []byte
}

// Drive represents the parameters of a registered drive.
type Drive struct {
	Type         Type
	BlockSize    uint16
	Sectors      uint64
	ControllerID int
	Removable    bool
	Translation  Translation
}

// Device processes disk operations.
type Device interface {
	Process(op *Op) Status
}

// Registry receives drives to be considered for boot.
type Registry interface {
	AddHD(d *Drive, dev Device, desc string, prio int)
}

// Entry is a registered boot drive.
type Entry struct {
	Drive       *Drive
	Device      Device
	Description string
	Priority    int
}

// BootList is a Registry ordering drives by ascending priority, drives of
// equal priority keep their registration order.
type BootList struct {
	sync.Mutex
	entries []*Entry
}

// AddHD registers a hard drive.
func (b *BootList) AddHD(d *Drive, dev Device, desc string, prio int) {
	b.Lock()
	defer b.Unlock()

	klog.V(1).Infof("boot: registering %q priority:%d sectors:%d", desc, prio, d.Sectors)

	b.entries = append(b.entries, &Entry{
		Drive:       d,
		Device:      dev,
		Description: desc,
		Priority:    prio,
	})

	sort.SliceStable(b.entries, func(i, j int) bool {
		return b.entries[i].Priority < b.entries[j].Priority
	})
}

// Entries returns the registered drives in boot order.
func (b *BootList) Entries() []*Entry {
	b.Lock()
	defer b.Unlock()

	return append([]*Entry(nil), b.entries...)
}
