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

// Command sigcheck lints one or more magic signature files: it loads them
// through the same compiler magicscan itself uses and reports parse errors
// and self-overlap/unmatched-include warnings, without scanning any target.
// It takes the pflag-based CLI convention, diversifying from magicscan's
// own urfave/cli front end.
package main

import (
	"fmt"
	"io"
	"os"
	"regexp"

	flag "github.com/ogier/pflag"

	"github.com/tetratelabs/magicscan/internal/sigparse"
)

func main() {
	os.Exit(doMain(os.Args[1:], os.Stdout, os.Stderr))
}

// doMain is separated out for unit testing.
func doMain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sigcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var include, exclude string
	fs.StringVarP(&include, "include", "i", "", "only report signatures whose title matches this regular expression")
	fs.StringVarP(&exclude, "exclude", "x", "", "drop signatures whose title matches this regular expression")
	var quiet bool
	fs.BoolVarP(&quiet, "quiet", "q", false, "suppress the per-file signature count on success")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: sigcheck [flags] file [file...]") //nolint
		fs.PrintDefaults()
		return 2
	}

	opts, err := buildLoadOptions(include, exclude, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err) //nolint
		return 2
	}

	exit := 0
	for _, path := range fs.Args() {
		rules, err := sigparse.LoadFile(path, opts)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", path, err) //nolint
			exit = 1
			continue
		}
		if !quiet {
			fmt.Fprintf(stdout, "%s: %d signatures\n", path, rules.Len()) //nolint
		}
	}
	return exit
}

func buildLoadOptions(include, exclude string, stderr io.Writer) (sigparse.LoadOptions, error) {
	opts := sigparse.LoadOptions{
		OnWarning: func(msg string) {
			fmt.Fprintln(stderr, "warning:", msg) //nolint
		},
	}
	if include != "" {
		re, err := regexp.Compile(include)
		if err != nil {
			return opts, fmt.Errorf("invalid --include pattern: %w", err)
		}
		opts.Include = []*regexp.Regexp{re}
	}
	if exclude != "" {
		re, err := regexp.Compile(exclude)
		if err != nil {
			return opts, fmt.Errorf("invalid --exclude pattern: %w", err)
		}
		opts.Exclude = []*regexp.Regexp{re}
	}
	return opts, nil
}
