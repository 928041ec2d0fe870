// Copyright 2023 Tetrate
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

// Package api declares the stable surface magicscan exposes to callers: the
// compiled rule set, the scan result record, the plugin hook surface and the
// engine that ties them together. Everything here is implemented inside
// magicscan; the interfaces exist for decoupling, not for third-party
// implementations.
package api

import (
	"context"
	"time"

	"github.com/tetratelabs/magicscan/internal"
)

// RuleSet is a compiled, read-only signature set produced by loading one or
// more signature files.
//
// # Notes
//
//   - This is an interface for decoupling, not third-party implementations.
//     All implementations are in magicscan.
type RuleSet interface {
	internal.MagicscanOnly

	// Len returns the number of compiled signatures.
	Len() int
}

// Result is one match emitted by a scan. Offset is absolute within the
// logical target (the base address, if any, is added at display time by the
// caller).
//
// Plugin hooks and built-in plugins may mutate Valid, Display, Extract,
// Jump, Size and Description before the result reaches the sink.
type Result struct {
	// Offset is the absolute byte offset of the match within the target.
	Offset int64
	// Size is the number of matched/consumed bytes, as refined by any
	// {size} tag.
	Size int64
	// Description is the formatted, tag-stripped description string.
	Description string
	// ID is the dense signature id assigned at parse time.
	ID int
	// Module is a human label for the signature's originating module; left
	// empty unless a plugin sets it.
	Module string
	// File is the path of the target this result was found in.
	File string

	// Jump, when positive, is the absolute offset the scanner should skip
	// forward to after reporting this result.
	Jump int64
	// Adjust is a signed delta applied to Offset after interpretation.
	Adjust int64
	// Valid is false when the result failed a plugin/format validator.
	Valid bool
	// Display controls whether the result reaches the sink at all.
	Display bool
	// Extract marks the result as eligible for carving by the extraction
	// controller.
	Extract bool
	// Overlap allows this signature's level-0 pattern to self-overlap.
	Overlap bool
	// Once caps this signature's title to a single displayed result per
	// file.
	Once bool
	// Many marks this result as one of a repetitive family; only the first
	// is normally displayed.
	Many bool
	// End, when true, tells the scanner to advance to EOF after this
	// result.
	End bool
	// Strlen is the length of the last wildcard string read in the
	// signature. A {strlen} tag does not change the length of later
	// wildcard string reads.
	Strlen int
	// Name, if set by a {name} tag, overrides the carved file's base name
	// (the extractor otherwise names it <hex-offset>.<extension>).
	Name string
}

// ReadFile is a per-file callback type. No magicscan package invokes it:
// matryoshka recursion in the extraction controller rescans carved and
// tool-produced paths directly and does not walk directories.
//
// # Parameters
//
// The parameters correspond with fs.FileInfo fields.
type ReadFile func(name string, size int64, modTime time.Time) error

// Engine loads signatures, registers plugins, and scans targets.
//
// # Notes
//
//   - This is an interface for decoupling, not third-party implementations.
//     All implementations are in magicscan.
type Engine interface {
	internal.MagicscanOnly

	// Scan applies the loaded rule set to the target at path, delivering
	// results to sink in non-decreasing offset order per spec §4.6.
	//
	// # Errors
	//
	//   - the target cannot be opened,
	//   - a load_file plugin hook requests the file be ignored returns a
	//     nil error (the file is silently skipped, not an error to the
	//     caller),
	//   - ctx is canceled.
	Scan(ctx context.Context, path string) error
}

// ResultSink receives results in the order the scanner driver emits them.
type ResultSink func(r *Result) error
