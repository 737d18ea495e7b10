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
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/mod/sumdb/note"
)

func newKeys(t *testing.T, name string) (note.Signer, note.Verifier) {
	t.Helper()

	skey, vkey, err := note.GenerateKey(rand.Reader, name)

	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	s, err := note.NewSigner(skey)

	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	v, err := note.NewVerifier(vkey)

	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	return s, v
}

func newBundle(t *testing.T, s note.Signer, version string, payload []byte) []byte {
	t.Helper()

	m := &Manifest{
		Version: semver.New(version),
		Size:    int64(len(payload)),
		SHA256:  sha256.Sum256(payload),
	}

	signed, err := Sign(m, s)

	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	return Bundle(signed, payload)
}

func TestExtract(t *testing.T) {
	for _, test := range []struct {
		desc     string
		buf      []byte
		manifest []byte
		payload  []byte
		wantErr  bool
	}{
		{
			desc:     "valid",
			buf:      Bundle([]byte("manifest"), []byte("payload")),
			manifest: []byte("manifest"),
			payload:  []byte("payload"),
		},
		{
			desc:     "empty payload",
			buf:      Bundle([]byte("m"), nil),
			manifest: []byte("m"),
			payload:  []byte{},
		},
		{desc: "short header", buf: []byte{0, 0, 1}, wantErr: true},
		{desc: "empty manifest", buf: []byte{0, 0, 0, 0, 1}, wantErr: true},
		{desc: "truncated manifest", buf: []byte{0, 0, 0, 9, 'a', 'b'}, wantErr: true},
		{desc: "oversized manifest", buf: []byte{0, 1, 0, 1, 'a'}, wantErr: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			m, p, err := Extract(test.buf)

			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Extract() err = %v, wantErr %v", err, test.wantErr)
			}

			if test.wantErr {
				return
			}

			if !bytes.Equal(m, test.manifest) || !bytes.Equal(p, test.payload) {
				t.Errorf("Extract() = %q, %q", m, p)
			}
		})
	}
}

func TestManifestText(t *testing.T) {
	m := &Manifest{
		Version: semver.New("1.2.3"),
		Size:    42,
		SHA256:  sha256.Sum256([]byte("payload")),
	}

	got := &Manifest{}

	if err := got.Unmarshal(m.Marshal()); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.Version.String() != "1.2.3" || got.Size != 42 || got.SHA256 != m.SHA256 {
		t.Errorf("Unmarshal(Marshal()) = %+v", got)
	}

	for _, bad := range []string{
		"",
		"other origin\nversion 1.0.0\nsize 1\nsha256 00\n",
		Origin + "\nversion one\nsize 1\nsha256 " + string(bytes.Repeat([]byte("00"), 32)) + "\n",
		Origin + "\nversion 1.0.0\nsize -1\nsha256 " + string(bytes.Repeat([]byte("00"), 32)) + "\n",
		Origin + "\nversion 1.0.0\nsize 1\nsha256 00\n",
		Origin + "\nversion 1.0.0\nsize 1\n",
	} {
		if err := (&Manifest{}).Unmarshal([]byte(bad)); err == nil {
			t.Errorf("Unmarshal(%q) succeeded", bad)
		}
	}
}

func TestVerify(t *testing.T) {
	s, v := newKeys(t, "sdboot-test")
	_, other := newKeys(t, "sdboot-other")

	payload := bytes.Repeat([]byte{0xea}, 3000)
	bundle := newBundle(t, s, "1.4.0", payload)

	tampered := append([]byte(nil), bundle...)
	tampered[len(tampered)-1] ^= 1

	for _, test := range []struct {
		desc     string
		bundle   []byte
		verifier note.Verifier
		min      *semver.Version
		wantErr  error
	}{
		{desc: "valid", bundle: bundle, verifier: v},
		{desc: "same version", bundle: bundle, verifier: v, min: semver.New("1.4.0")},
		{desc: "newer version", bundle: bundle, verifier: v, min: semver.New("1.3.9")},
		{desc: "rollback", bundle: bundle, verifier: v, min: semver.New("1.4.1"), wantErr: ErrRollback},
		{desc: "tampered payload", bundle: tampered, verifier: v, wantErr: ErrDigest},
		{desc: "unknown key", bundle: bundle, verifier: other, wantErr: errAny},
		{desc: "trailing padding", bundle: append(append([]byte(nil), bundle...), make([]byte, 512)...), verifier: v},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got, m, err := Verify(test.bundle, test.verifier, test.min)

			switch {
			case test.wantErr == errAny:
				if err == nil {
					t.Fatalf("Verify() succeeded")
				}
				return
			case test.wantErr != nil:
				if !errors.Is(err, test.wantErr) {
					t.Fatalf("Verify() = %v, want %v", err, test.wantErr)
				}
				return
			case err != nil:
				t.Fatalf("Verify: %v", err)
			}

			if diff := cmp.Diff(payload, got); diff != "" {
				t.Errorf("payload diff (-want +got):\n%s", diff)
			}

			if m.Version.String() != "1.4.0" {
				t.Errorf("manifest version %s", m.Version)
			}
		})
	}
}

var errAny = errors.New("any error")
