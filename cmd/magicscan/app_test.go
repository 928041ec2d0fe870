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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun_ScansTargetAndPrintsResults(t *testing.T) {
	target := filepath.Join(t.TempDir(), "target.bin")
	require.NoError(t, os.WriteFile(target, []byte("xxxxHELLOxxxx"), 0o644))

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	status := Run(context.Background(), stdout, stderr, []string{
		"magicscan",
		"--magic-file", filepath.Join("testdata", "test.magic"),
		target,
	})

	require.Equal(t, 0, status)
	require.Empty(t, stderr.String())
	require.Contains(t, stdout.String(), "a greeting string")
}

func TestRun_MissingTargetIsValidationError(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	status := Run(context.Background(), stdout, stderr, []string{
		"magicscan",
		"--magic-file", filepath.Join("testdata", "test.magic"),
	})

	require.Equal(t, 1, status)
	require.Contains(t, stderr.String(), "at least one target is required")
}

func TestRun_MissingMagicFileIsValidationError(t *testing.T) {
	target := filepath.Join(t.TempDir(), "target.bin")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	status := Run(context.Background(), stdout, stderr, []string{"magicscan", target})

	require.Equal(t, 1, status)
	require.Contains(t, stderr.String(), "no signature files given")
}

func TestRun_ExtractConfRuleAppliesExtension(t *testing.T) {
	target := filepath.Join(t.TempDir(), "target.bin")
	require.NoError(t, os.WriteFile(target, []byte("xxxxHELLOxxxx"), 0o644))
	outDir := filepath.Join(t.TempDir(), "out")

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	status := Run(context.Background(), stdout, stderr, []string{
		"magicscan",
		"--magic-file", filepath.Join("testdata", "extract.magic"),
		"--extract",
		"--extract-conf", filepath.Join("testdata", "extract.conf"),
		"--directory", outDir,
		target,
	})

	require.Equal(t, 0, status, stderr.String())
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Contains(t, names, "4.txt")
}

func TestRun_ExtractConfMissingFileIsValidationError(t *testing.T) {
	target := filepath.Join(t.TempDir(), "target.bin")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	status := Run(context.Background(), stdout, stderr, []string{
		"magicscan",
		"--magic-file", filepath.Join("testdata", "test.magic"),
		"--extract-conf", filepath.Join("testdata", "does-not-exist.conf"),
		target,
	})

	require.Equal(t, 1, status)
}

func TestRun_PublishRefPacksOutputDirectory(t *testing.T) {
	target := filepath.Join(t.TempDir(), "target.bin")
	require.NoError(t, os.WriteFile(target, []byte("xxxxHELLOxxxx"), 0o644))
	outDir := filepath.Join(t.TempDir(), "out")

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	status := Run(context.Background(), stdout, stderr, []string{
		"magicscan",
		"--magic-file", filepath.Join("testdata", "extract.magic"),
		"--extract",
		"--directory", outDir,
		"--publish-ref", "example.com/magicscan/fixture",
		target,
	})

	require.Equal(t, 0, status, stderr.String())
	info, err := os.Stat(outDir + ".tar.gz")
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestRun_PublishRefInvalidNameIsValidationError(t *testing.T) {
	target := filepath.Join(t.TempDir(), "target.bin")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	status := Run(context.Background(), stdout, stderr, []string{
		"magicscan",
		"--magic-file", filepath.Join("testdata", "test.magic"),
		"--publish-ref", "Not A Valid Ref!!",
		target,
	})

	require.Equal(t, 1, status)
}

func TestRun_UnknownTargetErrors(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	status := Run(context.Background(), stdout, stderr, []string{
		"magicscan",
		"--magic-file", filepath.Join("testdata", "test.magic"),
		filepath.Join(t.TempDir(), "does-not-exist"),
	})

	require.Equal(t, 1, status)
	require.Contains(t, stderr.String(), "error:")
}
