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

// Package console implements the line buffered firmware console sink used as
// the log output destination.
package console

import (
	"bytes"
	"io"
	"sync"
)

const (
	outputLimit = 1024
	flushChr    = 0x0a // \n
)

// Writer buffers output until a line is complete or the buffer limit is
// exceeded.
type Writer struct {
	sync.Mutex

	buf bytes.Buffer
	out io.Writer
}

// NewWriter returns a console writer flushing to out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

func (w *Writer) writeByte(c byte) (err error) {
	w.buf.WriteByte(c)

	if c == flushChr || w.buf.Len() > outputLimit {
		err = w.flush()
	}

	return
}

func (w *Writer) flush() (err error) {
	if w.buf.Len() == 0 {
		return
	}

	_, err = w.out.Write(w.buf.Bytes())
	w.buf.Reset()

	return
}

// WriteByte buffers a single byte.
func (w *Writer) WriteByte(c byte) error {
	w.Lock()
	defer w.Unlock()

	return w.writeByte(c)
}

// Write buffers p, flushing complete lines.
func (w *Writer) Write(p []byte) (n int, err error) {
	w.Lock()
	defer w.Unlock()

	for _, c := range p {
		if err = w.writeByte(c); err != nil {
			return
		}

		n++
	}

	return
}

// Flush writes any pending partial line.
func (w *Writer) Flush() error {
	w.Lock()
	defer w.Unlock()

	return w.flush()
}
