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

// Package main is magicscan's primary command: it loads signature files,
// wires the built-in plugin validators and the extraction controller, and
// scans each target argument, in binwalk's own CLI idiom.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tetratelabs/magicscan/api"
	"github.com/tetratelabs/magicscan/internal/archivesink"
	"github.com/tetratelabs/magicscan/internal/config"
	"github.com/tetratelabs/magicscan/internal/extractor"
	"github.com/tetratelabs/magicscan/internal/logging"
	"github.com/tetratelabs/magicscan/internal/plugin"
	"github.com/tetratelabs/magicscan/internal/scanner"
	"github.com/tetratelabs/magicscan/internal/sigparse"
)

// validationError marks a usage/argument validation failure vs. a scan
// execution error.
type validationError struct {
	string
}

// Error implements the error interface.
func (e *validationError) Error() string {
	return e.string
}

// Run handles all error logging and exit coding so main stays a one-liner.
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	app := newApp(stdout, stderr)
	app.Writer = stdout
	app.ErrWriter = stderr
	if err := app.RunContext(ctx, args); err != nil {
		if _, ok := err.(*validationError); ok {
			fmt.Fprintln(stderr, err) //nolint
			fmt.Fprintln(stderr, "show usage with:", app.Name, "help") //nolint
		} else {
			fmt.Fprintln(stderr, "error:", err) //nolint
		}
		return 1
	}
	return 0
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "magicscan",
		Usage:     "scans firmware images and other binary blobs for embedded file types and structures",
		ArgsUsage: "target [target...]",
		Flags:     flags(),
		HideHelp:  true,
		OnUsageError: func(c *cli.Context, err error, isSub bool) error {
			return &validationError{err.Error()}
		},
		Action: func(c *cli.Context) error {
			if c.Bool(flagGenerateMan) {
				man, err := c.App.ToMan()
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, man) //nolint
				return nil
			}
			if c.Args().Len() == 0 {
				return &validationError{"at least one target is required"}
			}
			return runScan(c, stdout, stderr)
		},
	}
}

func runScan(c *cli.Context, stdout, stderr io.Writer) error {
	logger := logging.New(logging.Options{Debug: c.Bool(flagDebug), Writer: stderr})

	var cfg *config.Config
	if path := c.String(flagConfig); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return &validationError{err.Error()}
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}

	includePatterns := c.StringSlice(flagInclude)
	if len(includePatterns) == 0 {
		includePatterns = cfg.Signature.Include
	}
	include, err := compileRegexps(includePatterns)
	if err != nil {
		return err
	}
	excludePatterns := c.StringSlice(flagExclude)
	if len(excludePatterns) == 0 {
		excludePatterns = cfg.Signature.Exclude
	}
	exclude, err := compileRegexps(excludePatterns)
	if err != nil {
		return err
	}

	magicFiles := c.StringSlice(flagMagicFile)
	if len(magicFiles) == 0 {
		magicFiles = cfg.Signature.Files
	}
	if len(magicFiles) == 0 {
		return &validationError{fmt.Sprintf("no signature files given; pass --%s or set [signature] in --%s", flagMagicFile, flagConfig)}
	}

	loadOpts := sigparse.LoadOptions{
		Include: include,
		Exclude: exclude,
		OnWarning: func(msg string) {
			logger.Warn(msg)
		},
	}

	rules, err := loadRuleSets(magicFiles, loadOpts)
	if err != nil {
		return err
	}

	var cred *extractor.Credential
	if chown := c.String(flagChown); chown != "" {
		cred, err = extractor.ParseCredential(chown)
		if err != nil {
			return &validationError{err.Error()}
		}
	}

	bus := plugin.NewBus(func(name string, err error) {
		logger.Warn("plugin hook warning", "plugin", name, "error", err)
	})
	bus.Register(plugin.GzipValidator{})
	bus.Register(plugin.ZlibValidator{})
	bus.Register(plugin.LzmaValidator{})
	bus.Register(&plugin.CpioValidator{})
	bus.Register(plugin.Jffs2Validator{})
	bus.Register(plugin.ZipValidator{})

	quiet := c.Bool(flagQuiet)
	verbose := c.Bool(flagVerbose)

	maxSize := c.Int64(flagMaxSize)
	if maxSize == 0 {
		maxSize = cfg.Extract.MaxSize
	}
	maxCount := c.Int(flagMaxCount)
	if maxCount == 0 {
		maxCount = cfg.Extract.MaxCount
	}
	blockSize := c.Int(flagBlockSize)
	if blockSize == 0 {
		blockSize = cfg.Scan.BlockSize
	}
	showInvalid := c.Bool(flagShowInvalid) || cfg.Scan.ShowInvalid
	remove := c.Bool(flagRemove) || cfg.Extract.Remove
	matryoshka := c.Bool(flagMatryoshka) || cfg.Extract.Matryoshka
	maxDepth := c.Int(flagMaxDepth)
	if !c.IsSet(flagMaxDepth) && cfg.Extract.MaxDepth > 0 {
		maxDepth = cfg.Extract.MaxDepth
	}
	if cred == nil && cfg.Extract.Chown != "" {
		cred, err = extractor.ParseCredential(cfg.Extract.Chown)
		if err != nil {
			return &validationError{err.Error()}
		}
	}

	extractRules, err := loadExtractRules(c.String(flagExtractConf), cfg.Extract)
	if err != nil {
		return &validationError{err.Error()}
	}

	publishRef := c.String(flagPublishRef)
	if publishRef != "" {
		if _, err := archivesink.ValidateName(publishRef); err != nil {
			return &validationError{err.Error()}
		}
	}

	for _, target := range c.Args().Slice() {
		outDir := c.String(flagDirectory)
		if outDir == "" {
			outDir = cfg.Extract.OutputDir
		}
		if outDir == "" {
			outDir = target + ".extracted"
		}

		ex := extractor.New(extractor.Options{
			OutputDir:  outDir,
			Rules:      extractRules,
			Chown:      cred,
			MaxSize:    maxSize,
			MaxCount:   maxCount,
			Remove:     remove,
			Matryoshka: matryoshka,
			MaxDepth:   maxDepth,
		})

		var eng *scanner.Scanner
		sink := func(res *api.Result) error {
			if !res.Display {
				return nil
			}
			if !res.Valid && !showInvalid {
				return nil
			}
			if !quiet {
				printResult(stdout, res, verbose)
			}
			if c.Bool(flagExtract) && res.Extract {
				if err := carveResult(ex, target, res); err != nil {
					logger.Warn("extraction failed", "offset", res.Offset, "error", err)
				}
			}
			return nil
		}

		eng = scanner.New(rules, bus, sink, scanner.Options{
			Offset:      c.Int64(flagOffset),
			Length:      c.Int64(flagLength),
			Swap:        c.Int(flagSwap),
			BlockSize:   blockSize,
			PeekSize:    cfg.Scan.PeekSize,
			ShowInvalid: showInvalid,
		})
		ex.SetRescan(func(path string, depth int) error {
			return eng.Scan(c.Context, path)
		})

		if err := eng.Scan(c.Context, target); err != nil {
			return fmt.Errorf("scanning %s: %w", target, err)
		}

		if publishRef != "" && c.Bool(flagExtract) {
			desc, err := publishOutputDir(outDir, publishRef)
			if err != nil {
				return fmt.Errorf("publishing %s: %w", outDir, err)
			}
			logger.Info("published extraction archive", "ref", desc.Name, "digest", desc.Digest, "size", desc.Size)
		}
	}
	return nil
}

// loadExtractRules builds the extraction controller's rule set from an
// extract.conf file (--extract-conf or [extract].rule_file) layered with
// any inline [[extract.rule]] TOML entries, in that order so the
// extract.conf's more specific rules are tried first.
func loadExtractRules(confPath string, cfg config.ExtractConfig) ([]extractor.Rule, error) {
	if confPath == "" {
		confPath = cfg.RuleFile
	}

	var rules []extractor.Rule
	if confPath != "" {
		fileRules, err := extractor.LoadRuleFile(confPath)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	for _, rc := range cfg.Rules {
		match := rc.Match
		rules = append(rules, extractor.Rule{
			Match:     func(description string) bool { return strings.Contains(description, match) },
			Extension: rc.Extension,
			Command:   rc.Command,
		})
	}
	return rules, nil
}

// publishOutputDir packs outDir into a gzip-compressed tar layer named
// outDir+".tar.gz", the archival counterpart to --extract for handing an
// extraction tree to another OCI-aware tool without re-walking it.
func publishOutputDir(outDir, ref string) (archivesink.Descriptor, error) {
	archivePath := outDir + ".tar.gz"
	f, err := os.Create(archivePath)
	if err != nil {
		return archivesink.Descriptor{}, err
	}
	defer f.Close() //nolint

	desc, err := archivesink.Pack(f, outDir)
	if err != nil {
		return archivesink.Descriptor{}, err
	}
	desc.Name = ref
	return desc, nil
}

func loadRuleSets(paths []string, opts sigparse.LoadOptions) (*sigparse.RuleSet, error) {
	if len(paths) == 1 {
		rs, err := sigparse.LoadFile(paths[0], opts)
		if err != nil {
			return nil, err
		}
		return rs, nil
	}

	// Concatenate multiple signature files before compiling, the way
	// binwalk's own -m flag merges several magic files into one pass.
	var buf []byte
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	return sigparse.Load(bytes.NewReader(buf), "merged signature files", opts)
}

func printResult(w io.Writer, res *api.Result, verbose bool) {
	if verbose {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", res.Offset, filepath.Base(res.File), res.Module, res.Description) //nolint
		return
	}
	fmt.Fprintf(w, "%d\t%s\n", res.Offset, res.Description) //nolint
}

func carveResult(ex *extractor.Extractor, target string, res *api.Result) error {
	f, err := os.Open(target)
	if err != nil {
		return err
	}
	defer f.Close() //nolint

	info, err := f.Stat()
	if err != nil {
		return err
	}

	path, err := ex.Carve(f, info.Size(), res, 0)
	if err != nil || path == "" {
		return err
	}
	return nil
}
