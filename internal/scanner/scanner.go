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

// Package scanner implements the main scan driver (spec §4.6, C6): it ties
// the block stream (C1), match kernel (C4), rule interpreter (C5) and
// plugin bus (C7) together, in binwalk's own module.py hook order:
// pre_scan -> load_file -> new_file -> scan* -> post_scan.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tetratelabs/magicscan/api"
	"github.com/tetratelabs/magicscan/internal"
	"github.com/tetratelabs/magicscan/internal/blockstream"
	"github.com/tetratelabs/magicscan/internal/interpreter"
	"github.com/tetratelabs/magicscan/internal/matchkernel"
	"github.com/tetratelabs/magicscan/internal/plugin"
	"github.com/tetratelabs/magicscan/internal/sigparse"
)

// Options configures a Scanner's block stream and reporting behavior.
type Options struct {
	Offset      int64
	Length      int64
	Swap        int
	BlockSize   int
	PeekSize    int
	ShowInvalid bool
}

// Scanner is the api.Engine implementation.
type Scanner struct {
	internal.MagicscanOnly

	rules *sigparse.RuleSet
	bus   *plugin.Bus
	sink  api.ResultSink
	opts  Options
}

// New builds a Scanner. bus may be nil, meaning no plugins are registered.
func New(rules *sigparse.RuleSet, bus *plugin.Bus, sink api.ResultSink, opts Options) *Scanner {
	if bus == nil {
		bus = plugin.NewBus(nil)
	}
	return &Scanner{rules: rules, bus: bus, sink: sink, opts: opts}
}

// Scan implements api.Engine.
func (s *Scanner) Scan(ctx context.Context, path string) error {
	if err := s.bus.PreScan(); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("scanner: stat %s: %w", path, err)
	}

	if err := s.bus.LoadFile(path, info.Size(), info.ModTime()); err != nil {
		if errors.Is(err, plugin.ErrIgnoreFile) {
			return nil
		}
		return err
	}

	src, err := blockstream.Open(path, blockstream.Options{
		Offset: s.opts.Offset,
		Length: s.opts.Length,
		Swap:   s.opts.Swap,
		Block:  s.opts.BlockSize,
		Peek:   s.opts.PeekSize,
	})
	if err != nil {
		return err
	}
	defer src.Close() //nolint

	if err := s.bus.NewFile(path); err != nil {
		return err
	}

	scanErr := s.scanBlocks(ctx, path, src)
	s.bus.PostScan(path, scanErr)
	return scanErr
}

func (s *Scanner) scanBlocks(ctx context.Context, path string, src *blockstream.Source) error {
	sigs := s.rules.Signatures()
	matchedOffsets := map[int64]bool{}
	displayedOnce := map[string]bool{}
	readAt := plugin.ReadAtFunc(src.ReadAt)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		blockStart := src.Tell()
		window, bodyLen, err := src.ReadBlock()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.bus.ScanBlock(path, blockStart, window[:bodyLen]); err != nil {
			return err
		}

		candidates := matchkernel.Find(window, bodyLen, sigs)
		end, err := s.reportCandidates(ctx, path, src, blockStart, window, candidates, matchedOffsets, displayedOnce, readAt)
		if err != nil {
			return err
		}
		if end {
			return nil
		}
	}
}

// reportCandidates evaluates each candidate in ascending-offset order
// (matchkernel.Find already sorts them) and delivers confirmed results to
// the sink. It returns end=true when a result tagged {end} was reported.
func (s *Scanner) reportCandidates(
	ctx context.Context,
	path string,
	src *blockstream.Source,
	blockStart int64,
	window []byte,
	candidates []matchkernel.Candidate,
	matchedOffsets map[int64]bool,
	displayedOnce map[string]bool,
	readAt plugin.ReadAtFunc,
) (end bool, err error) {
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		res, ok := interpreter.Evaluate(window, blockStart, cand.Start, cand.Signature)
		if !ok {
			continue
		}
		res.File = path

		if matchedOffsets[res.Offset] {
			continue
		}
		if res.Once && displayedOnce[cand.Signature.Title] {
			continue
		}
		if res.Many && displayedOnce[cand.Signature.Title] {
			res.Display = false
		}

		s.bus.ScanResult(path, readAt, res)

		if !res.Display {
			matchedOffsets[res.Offset] = true
			continue
		}
		if !res.Valid && !s.opts.ShowInvalid {
			continue
		}

		matchedOffsets[res.Offset] = true
		if res.Once || res.Many {
			displayedOnce[cand.Signature.Title] = true
		}

		if err := s.sink(res); err != nil {
			return false, err
		}

		if res.Jump > 0 {
			if _, serr := src.Seek(res.Jump, io.SeekStart); serr != nil {
				return false, serr
			}
			return false, nil
		}
		if res.End {
			return true, nil
		}
	}
	return false, nil
}
