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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DecodesAllSections(t *testing.T) {
	path := writeConfig(t, `
[scan]
block_size = 65536
peek_size = 512
show_invalid = true

[extract]
output_dir = "_out"
max_size = 1048576
max_count = 10
remove = true
matryoshka = true
max_depth = 4
chown = "1000:1000"

[signature]
files = ["/etc/magicscan/binwalk.magic"]
include = ["zip"]
exclude = ["jffs2"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 65536, cfg.Scan.BlockSize)
	require.True(t, cfg.Scan.ShowInvalid)
	require.Equal(t, int64(1048576), cfg.Extract.MaxSize)
	require.True(t, cfg.Extract.Matryoshka)
	require.Equal(t, []string{"/etc/magicscan/binwalk.magic"}, cfg.Signature.Files)
	require.Equal(t, []string{"zip"}, cfg.Signature.Include)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[scan]
bogus_key = 1
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "magicscan.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
