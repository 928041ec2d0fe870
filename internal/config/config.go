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

// Package config loads magicscan's optional TOML configuration file,
// covering the settings that are awkward to repeat as CLI flags on every
// invocation: signature search paths, extraction rules, and default scan
// limits.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is magicscan's on-disk configuration shape.
type Config struct {
	Scan      ScanConfig      `toml:"scan"`
	Extract   ExtractConfig   `toml:"extract"`
	Signature SignatureConfig `toml:"signature"`
}

// ScanConfig controls default block-stream and reporting behavior.
type ScanConfig struct {
	BlockSize   int  `toml:"block_size"`
	PeekSize    int  `toml:"peek_size"`
	ShowInvalid bool `toml:"show_invalid"`
}

// ExtractConfig controls the extraction controller's defaults.
type ExtractConfig struct {
	OutputDir  string `toml:"output_dir"`
	MaxSize    int64  `toml:"max_size"`
	MaxCount   int    `toml:"max_count"`
	Remove     bool   `toml:"remove"`
	Matryoshka bool   `toml:"matryoshka"`
	MaxDepth   int    `toml:"max_depth"`
	Chown      string `toml:"chown"`

	// RuleFile points at an extract.conf-format rule file (spec §6),
	// parsed by internal/extractor.LoadRuleFile.
	RuleFile string `toml:"rule_file"`

	// Rules are inline [[extract.rule]] entries, layered on top of
	// RuleFile's rules.
	Rules []RuleConfig `toml:"rule"`
}

// RuleConfig is one [[extract.rule]] entry: a description substring to
// match and what to do once it does.
type RuleConfig struct {
	Match     string `toml:"match"`
	Extension string `toml:"extension"`
	Command   string `toml:"command"`
}

// SignatureConfig controls which signature files load and how they're
// filtered.
type SignatureConfig struct {
	Files   []string `toml:"files"`
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

// Load decodes a TOML configuration file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s: unknown keys %v", path, undecoded)
	}
	return &cfg, nil
}
