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

// Package plugin provides the scanner's compiled-in capability hooks (spec
// §4.7, C7): this is not a dynamic-loading ABI, just an ordered set of Go
// interfaces a built-in or caller-supplied Plugin can implement a subset of.
package plugin

import (
	"errors"
	"time"

	"github.com/tetratelabs/magicscan/api"
)

// ErrIgnoreFile, returned from LoadFile, tells the scanner driver to skip
// the current file without treating it as an error (spec §4.7/Engine.Scan
// doc).
var ErrIgnoreFile = errors.New("plugin: ignore this file")

// ReadAtFunc reads up to n bytes of the target file at an absolute offset.
// Implementations may return fewer bytes than n near EOF.
type ReadAtFunc func(offset int64, n int) ([]byte, error)

// Plugin is the full hook surface, mirrored on binwalk's plugin.py hook
// names. Bus calls every method of every registered plugin; a plugin that
// needs only some hooks embeds NopPlugin for the rest.
type Plugin interface {
	// PreScan runs at the start of each Scanner.Scan call, before LoadFile.
	PreScan() error
	// LoadFile runs once per candidate file, before any block is read;
	// returning ErrIgnoreFile skips the file silently.
	LoadFile(path string, size int64, modTime time.Time) error
	// NewFile runs once a file has been opened and the first block is
	// about to be read.
	NewFile(path string) error
	// ScanBlock runs once per block, before candidate search.
	ScanBlock(path string, blockOffset int64, block []byte) error
	// Scan runs once per confirmed candidate match, with the opportunity
	// to mutate the result before it reaches the sink. readAt reads up to
	// n bytes of the target file starting at an absolute offset, for
	// plugins that need to inspect bytes beyond the signature's own
	// matched window (e.g. to validate a container format's trailer).
	Scan(path string, readAt ReadAtFunc, result *api.Result) error
	// PostScan runs once after a file's scan completes, successfully or
	// not.
	PostScan(path string, scanErr error) error
}

// NopPlugin can be embedded to implement the subset of Plugin a built-in
// cares about, leaving the rest as no-ops.
type NopPlugin struct{}

func (NopPlugin) PreScan() error                                           { return nil }
func (NopPlugin) LoadFile(string, int64, time.Time) error                  { return nil }
func (NopPlugin) NewFile(string) error                                     { return nil }
func (NopPlugin) ScanBlock(string, int64, []byte) error                   { return nil }
func (NopPlugin) Scan(string, ReadAtFunc, *api.Result) error              { return nil }
func (NopPlugin) PostScan(string, error) error                            { return nil }

// Bus dispatches hooks to every registered plugin in registration order.
// Per spec §4.7, a hook's own error is downgraded to a logged warning,
// except ErrIgnoreFile from LoadFile, which is returned to end the file.
// No other hook error is returned, context cancellation included; the
// scanner checks its context itself between blocks and candidates.
type Bus struct {
	plugins []Plugin
	onWarn  func(plugin string, err error)
}

// NewBus constructs a Bus. onWarn, if nil, discards warnings.
func NewBus(onWarn func(plugin string, err error)) *Bus {
	if onWarn == nil {
		onWarn = func(string, error) {}
	}
	return &Bus{onWarn: onWarn}
}

// Register appends a plugin to the dispatch order.
func (b *Bus) Register(p Plugin) {
	b.plugins = append(b.plugins, p)
}

func (b *Bus) PreScan() error {
	for _, p := range b.plugins {
		if err := p.PreScan(); err != nil {
			b.downgrade(err)
		}
	}
	return nil
}

func (b *Bus) LoadFile(path string, size int64, modTime time.Time) error {
	for _, p := range b.plugins {
		if err := p.LoadFile(path, size, modTime); err != nil {
			if errors.Is(err, ErrIgnoreFile) {
				return err
			}
			b.downgrade(err)
		}
	}
	return nil
}

func (b *Bus) NewFile(path string) error {
	for _, p := range b.plugins {
		if err := p.NewFile(path); err != nil {
			b.downgrade(err)
		}
	}
	return nil
}

func (b *Bus) ScanBlock(path string, blockOffset int64, block []byte) error {
	for _, p := range b.plugins {
		if err := p.ScanBlock(path, blockOffset, block); err != nil {
			b.downgrade(err)
		}
	}
	return nil
}

// ScanResult runs every plugin's Scan hook over result, in order, letting
// each mutate it in place.
func (b *Bus) ScanResult(path string, readAt ReadAtFunc, result *api.Result) {
	for _, p := range b.plugins {
		if err := p.Scan(path, readAt, result); err != nil {
			b.downgrade(err)
		}
	}
}

func (b *Bus) PostScan(path string, scanErr error) {
	for _, p := range b.plugins {
		if err := p.PostScan(path, scanErr); err != nil {
			b.downgrade(err)
		}
	}
}

func (b *Bus) downgrade(err error) {
	b.onWarn("plugin", err)
}
