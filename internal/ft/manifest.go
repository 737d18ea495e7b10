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

package ft

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
)

// Origin is the first line of every payload manifest.
const Origin = "armored-sdboot payload v1"

var (
	ErrRollback = errors.New("payload version rollback")
	ErrDigest   = errors.New("payload digest mismatch")
)

// Manifest describes a boot payload.
type Manifest struct {
	Version *semver.Version
	Size    int64
	SHA256  [32]byte
}

// Marshal returns the manifest note text.
func (m *Manifest) Marshal() []byte {
	var b bytes.Buffer

	b.WriteString(Origin + "\n")
	b.WriteString(fmt.Sprintf("version %s\n", m.Version))
	b.WriteString(fmt.Sprintf("size %d\n", m.Size))
	b.WriteString(fmt.Sprintf("sha256 %s\n", hex.EncodeToString(m.SHA256[:])))

	return b.Bytes()
}

// Unmarshal parses manifest note text.
func (m *Manifest) Unmarshal(text []byte) (err error) {
	lines := strings.Split(strings.TrimSuffix(string(text), "\n"), "\n")

	if len(lines) != 4 {
		return fmt.Errorf("invalid manifest, %d lines", len(lines))
	}

	if lines[0] != Origin {
		return fmt.Errorf("invalid manifest origin %q", lines[0])
	}

	fields := make(map[string]string)

	for _, l := range lines[1:] {
		k, v, ok := strings.Cut(l, " ")

		if !ok {
			return fmt.Errorf("invalid manifest line %q", l)
		}

		fields[k] = v
	}

	if m.Version, err = semver.NewVersion(fields["version"]); err != nil {
		return fmt.Errorf("invalid manifest version (%v)", err)
	}

	if m.Size, err = strconv.ParseInt(fields["size"], 10, 64); err != nil || m.Size < 0 {
		return fmt.Errorf("invalid manifest size %q", fields["size"])
	}

	sum, err := hex.DecodeString(fields["sha256"])

	if err != nil || len(sum) != sha256.Size {
		return fmt.Errorf("invalid manifest digest %q", fields["sha256"])
	}

	copy(m.SHA256[:], sum)

	return nil
}

// Sign returns a signed manifest.
func Sign(m *Manifest, signer note.Signer) ([]byte, error) {
	return note.Sign(&note.Note{Text: string(m.Marshal())}, signer)
}

// Open verifies a signed manifest and enforces that its version is not
// older than min, when set.
func Open(signed []byte, verifier note.Verifier, min *semver.Version) (m *Manifest, err error) {
	if len(signed) == 0 {
		return nil, errors.New("missing manifest")
	}

	n, err := note.Open(signed, note.VerifierList(verifier))

	if err != nil {
		return nil, fmt.Errorf("could not verify manifest (%v)", err)
	}

	m = &Manifest{}

	if err = m.Unmarshal([]byte(n.Text)); err != nil {
		return nil, err
	}

	if min != nil && m.Version.LessThan(*min) {
		return nil, fmt.Errorf("%w, %s < %s", ErrRollback, m.Version, min)
	}

	return
}

// Check verifies a payload against its manifest.
func (m *Manifest) Check(payload []byte) error {
	if int64(len(payload)) != m.Size {
		return fmt.Errorf("payload size %d, expected %d", len(payload), m.Size)
	}

	if sha256.Sum256(payload) != m.SHA256 {
		return ErrDigest
	}

	return nil
}

// Verify extracts and verifies a bundle, returning its payload.
func Verify(bundle []byte, verifier note.Verifier, min *semver.Version) (payload []byte, m *Manifest, err error) {
	signed, payload, err := Extract(bundle)

	if err != nil {
		return
	}

	if m, err = Open(signed, verifier, min); err != nil {
		return nil, nil, err
	}

	if int64(len(payload)) > m.Size {
		payload = payload[:m.Size]
	}

	if err = m.Check(payload); err != nil {
		return nil, nil, err
	}

	return
}
