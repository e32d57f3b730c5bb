// Copyright 2025 Patrick J. Scruggs
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

// Package jsondevice applies a resolved field mapping to raw log records and
// writes the resulting JSON documents to an io.Writer.
package jsondevice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrNoWriter is returned by Write when the device has no destination.
var ErrNoWriter = errors.New("jsondevice: no writer configured")

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// Device serializes records through a Mapping. A single Device may be shared
// by many goroutines; writes to the underlying writer are serialized.
type Device struct {
	mu      sync.Mutex
	w       io.Writer
	mapping *Mapping
	pretty  bool
	logger  *slog.Logger
}

// New returns a Device writing to w. Pretty output is indented over several
// lines; compact output is exactly one line per record. logger receives
// diagnostics about degraded records and may be nil.
func New(w io.Writer, mapping *Mapping, pretty bool, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Device{
		w:       w,
		mapping: mapping,
		pretty:  pretty,
		logger:  logger,
	}
}

// Mapping returns the table the device applies.
func (d *Device) Mapping() *Mapping {
	return d.mapping
}

// Pretty reports whether output is indented.
func (d *Device) Pretty() bool {
	return d.pretty
}

// Document applies the mapping to rec without writing it.
func (d *Device) Document(rec Record) map[string]any {
	return d.mapping.Apply(rec)
}

// Write renders rec and writes it followed by a newline. Values that cannot
// be encoded are replaced by their text form rather than failing the record;
// only writer errors are returned.
func (d *Device) Write(rec Record) error {
	if d.w == nil {
		return ErrNoWriter
	}

	doc := d.mapping.Apply(rec)

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	if err := d.encode(buf, doc); err != nil {
		d.logger.LogAttrs(context.Background(), slog.LevelWarn, "degrading unencodable log record", slog.Any("error", err))
		buf.Reset()
		if err := d.encode(buf, sanitizeMap(doc)); err != nil {
			d.logger.LogAttrs(context.Background(), slog.LevelError, "failed to render JSON log entry", slog.Any("error", err))
			return err
		}
	}

	d.mu.Lock()
	_, err := buf.WriteTo(d.w)
	d.mu.Unlock()
	if err != nil {
		d.logger.LogAttrs(context.Background(), slog.LevelError, "failed to write JSON log entry", slog.Any("error", err))
		return err
	}
	return nil
}

// encode writes doc into buf using the device's layout.
func (d *Device) encode(buf *bytes.Buffer, doc map[string]any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if d.pretty {
		enc.SetIndent("", "  ")
	}
	// Encode appends the trailing newline.
	return enc.Encode(doc)
}
