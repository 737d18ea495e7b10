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

// The mkbundle tool builds signed payload bundles for SD boot volumes, and
// generates the manifest signing keys.
package main

import (
	"crypto/rand"
	"crypto/sha256"
	"flag"
	"os"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-sdboot/internal/ft"
)

var (
	keyName     = flag.String("generate_key", "", "Generate a signer/verifier key pair with this name and exit.")
	signerFile  = flag.String("signer_key_file", "", "File containing the note signer key.")
	payloadFile = flag.String("payload_file", "", "Payload to bundle.")
	version     = flag.String("version", "", "Payload semantic version.")
	outputFile  = flag.String("output_file", "", "File to write the bundle to.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if len(*keyName) > 0 {
		skey, vkey, err := note.GenerateKey(rand.Reader, *keyName)
		if err != nil {
			klog.Exitf("GenerateKey: %v", err)
		}

		if err := os.WriteFile(*keyName+".sec", []byte(skey), 0o600); err != nil {
			klog.Exitf("WriteFile: %v", err)
		}

		if err := os.WriteFile(*keyName+".pub", []byte(vkey), 0o644); err != nil {
			klog.Exitf("WriteFile: %v", err)
		}

		klog.Infof("Wrote key pair %s.sec/%s.pub", *keyName, *keyName)
		return
	}

	skey, err := os.ReadFile(*signerFile)
	if err != nil {
		klog.Exitf("Failed to read signer key %q: %v", *signerFile, err)
	}

	signer, err := note.NewSigner(string(skey))
	if err != nil {
		klog.Exitf("NewSigner: %v", err)
	}

	v, err := semver.NewVersion(*version)
	if err != nil {
		klog.Exitf("Invalid version %q: %v", *version, err)
	}

	payload, err := os.ReadFile(*payloadFile)
	if err != nil {
		klog.Exitf("Failed to read payload %q: %v", *payloadFile, err)
	}

	m := &ft.Manifest{
		Version: v,
		Size:    int64(len(payload)),
		SHA256:  sha256.Sum256(payload),
	}

	signed, err := ft.Sign(m, signer)
	if err != nil {
		klog.Exitf("Failed to sign manifest: %v", err)
	}

	bundle := ft.Bundle(signed, payload)

	if err := os.WriteFile(*outputFile, bundle, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	klog.Infof("Wrote %d bytes of payload bundle to %q", len(bundle), *outputFile)
}
