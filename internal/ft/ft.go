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

// Package ft implements the payload bundle format stored on boot volumes: a
// length prefixed signed manifest followed by the payload it describes.
package ft

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the size of the manifest length prefix.
const HeaderSize = 4

// MaxManifestSize bounds the signed manifest length.
const MaxManifestSize = 64 * 1024

// ManifestLength returns the signed manifest length encoded in a bundle
// header.
func ManifestLength(hdr []byte) (length uint32, err error) {
	if len(hdr) < HeaderSize {
		return 0, errors.New("invalid length")
	}

	length = binary.BigEndian.Uint32(hdr[0:HeaderSize])

	if length == 0 || length > MaxManifestSize {
		return 0, errors.New("invalid manifest length")
	}

	return
}

// Extract splits a bundle into its signed manifest and payload.
func Extract(buf []byte) (manifest []byte, payload []byte, err error) {
	length, err := ManifestLength(buf)

	if err != nil {
		return
	}

	if uint64(len(buf)) < HeaderSize+uint64(length) {
		err = errors.New("truncated manifest")
		return
	}

	manifest = buf[HeaderSize : HeaderSize+length]
	payload = buf[HeaderSize+length:]

	return
}

// Bundle serializes a signed manifest and its payload.
func Bundle(manifest []byte, payload []byte) (buf []byte) {
	buf = make([]byte, HeaderSize, HeaderSize+len(manifest)+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(manifest)))

	buf = append(buf, manifest...)
	buf = append(buf, payload...)

	return
}
