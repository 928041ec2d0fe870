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

package main

import (
	"fmt"
	"regexp"

	"github.com/urfave/cli/v2"
)

const (
	flagConfig      = "config"
	flagMagicFile   = "magic-file"
	flagInclude     = "include"
	flagExclude     = "exclude"
	flagOffset      = "offset"
	flagLength      = "length"
	flagSwap        = "swap"
	flagBlockSize   = "block-size"
	flagShowInvalid = "show-invalid"
	flagExtract     = "extract"
	flagDirectory   = "directory"
	flagMatryoshka  = "matryoshka"
	flagMaxDepth    = "depth"
	flagMaxSize     = "max-size"
	flagMaxCount    = "max-count"
	flagRemove      = "rm"
	flagChown       = "chown"
	flagExtractConf = "extract-conf"
	flagPublishRef  = "publish-ref"
	flagQuiet       = "quiet"
	flagVerbose     = "verbose"
	flagDebug       = "debug"
	flagGenerateMan = "generate-man"
)

// flags is a function instead of a var so unit tests don't taint each
// other (cli.Flag holds state once parsed).
func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  flagConfig,
			Usage: "Path to a magicscan.toml configuration file.",
		},
		&cli.StringSliceFlag{
			Name:    flagMagicFile,
			Aliases: []string{"m"},
			Usage:   "Signature file to load. May be repeated; required unless [signature] files are set in --config.",
		},
		&cli.StringSliceFlag{
			Name:  flagInclude,
			Usage: "Only load signatures whose title matches this regular expression. May be repeated.",
		},
		&cli.StringSliceFlag{
			Name:  flagExclude,
			Usage: "Drop signatures whose title matches this regular expression. May be repeated.",
		},
		&cli.Int64Flag{
			Name:  flagOffset,
			Usage: "Skip this many bytes at the start of each target before scanning.",
		},
		&cli.Int64Flag{
			Name:  flagLength,
			Usage: "Scan at most this many bytes per target; 0 scans to EOF.",
		},
		&cli.IntFlag{
			Name:  flagSwap,
			Usage: "Reverse every N-byte run on read, for bit-swapped NOR flash dumps.",
		},
		&cli.IntFlag{
			Name:  flagBlockSize,
			Usage: "Block size used by the streaming reader; 0 uses the default.",
		},
		&cli.BoolFlag{
			Name:  flagShowInvalid,
			Usage: "Include results that failed plugin validation in the output.",
		},
		&cli.BoolFlag{
			Name:    flagExtract,
			Aliases: []string{"e"},
			Usage:   "Carve matched results to the output directory.",
		},
		&cli.StringFlag{
			Name:        flagDirectory,
			Aliases:     []string{"C"},
			DefaultText: "<target>.extracted",
			Usage:       fmt.Sprintf("Write carved files under [%s].", flagDirectory),
		},
		&cli.BoolFlag{
			Name:  flagMatryoshka,
			Usage: "Recursively scan extracted files.",
		},
		&cli.IntFlag{
			Name:  flagMaxDepth,
			Value: 8,
			Usage: "Maximum matryoshka recursion depth.",
		},
		&cli.Int64Flag{
			Name:  flagMaxSize,
			Usage: "Maximum bytes to carve per result; 0 is unlimited.",
		},
		&cli.IntFlag{
			Name:  flagMaxCount,
			Usage: "Maximum number of files to carve per target; 0 is unlimited.",
		},
		&cli.BoolFlag{
			Name:  flagRemove,
			Usage: "Delete a carved file once its post-extraction command materially changes it.",
		},
		&cli.StringFlag{
			Name:  flagChown,
			Usage: "uid:gid applied to the output directory and carved files.",
		},
		&cli.StringFlag{
			Name:  flagExtractConf,
			Usage: "Path to an extract.conf rule file (regex:extension[:cmd[:codes[:recurse]]] per line).",
		},
		&cli.StringFlag{
			Name:  flagPublishRef,
			Usage: "Pack each target's output directory into a gzip-compressed tar layer named by this OCI-style reference.",
		},
		&cli.BoolFlag{
			Name:    flagQuiet,
			Aliases: []string{"q"},
			Usage:   "Suppress per-result output; useful with --extract alone.",
		},
		&cli.BoolFlag{
			Name:    flagVerbose,
			Aliases: []string{"v"},
			Usage:   "Print the module and file alongside each result.",
		},
		&cli.BoolFlag{
			Name:  flagDebug,
			Usage: "Enable debug logging.",
		},
		&cli.BoolFlag{
			Name:   flagGenerateMan,
			Hidden: true,
			Usage:  "Print a troff man page to stdout and exit.",
		},
	}
}

func compileRegexps(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &validationError{fmt.Sprintf("invalid regular expression %q: %s", p, err)}
		}
		res = append(res, re)
	}
	return res, nil
}
