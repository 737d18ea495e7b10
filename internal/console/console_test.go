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

package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	writes []string
}

func (r *recorder) Write(p []byte) (int, error) {
	r.writes = append(r.writes, string(p))
	return len(p), nil
}

func TestLineBuffering(t *testing.T) {
	rec := &recorder{}
	w := NewWriter(rec)

	if _, err := w.Write([]byte("SD: card ")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if len(rec.writes) != 0 {
		t.Fatalf("partial line flushed: %q", rec.writes)
	}

	if _, err := w.Write([]byte("inserted\nSD: num")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	want := []string{"SD: card inserted\n", "SD: num"}

	if diff := cmp.Diff(want, rec.writes); diff != "" {
		t.Errorf("writes diff (-want +got):\n%s", diff)
	}
}

func TestOutputLimit(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)

	long := strings.Repeat("x", outputLimit+1)

	n, err := w.Write([]byte(long))

	if err != nil || n != len(long) {
		t.Fatalf("Write() = %d, %v", n, err)
	}

	if got := out.Len(); got != outputLimit+1 {
		t.Errorf("flushed %d bytes, want %d", got, outputLimit+1)
	}

	if err := w.WriteByte('y'); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}

	if got := out.Len(); got != outputLimit+1 {
		t.Errorf("single byte flushed early, %d bytes", got)
	}
}
