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

// Package logging builds the slog.Logger shared across magicscan's
// scanner, plugin bus, and extraction controller.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Options configures the shared logger.
type Options struct {
	// Debug enables slog.LevelDebug; otherwise the logger is set to
	// slog.LevelInfo.
	Debug bool

	// Writer overrides the log destination. Defaults to os.Stderr.
	Writer io.Writer
}

// New builds a text-handler slog.Logger, debug-gated the way tooling that
// scans untrusted input wants it: terse by default, verbose on request.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// Discard returns a logger that drops everything, for tests and library
// callers that haven't opted into logging.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError + 1,
	}))
}
