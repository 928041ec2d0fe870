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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoMain_ReportsSignatureCount(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	status := doMain([]string{filepath.Join("testdata", "ok.magic")}, stdout, stderr)

	require.Equal(t, 0, status)
	require.Contains(t, stdout.String(), "2 signatures")
	require.Empty(t, stderr.String())
}

func TestDoMain_ReportsParseErrors(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	status := doMain([]string{filepath.Join("testdata", "bad.magic")}, stdout, stderr)

	require.Equal(t, 1, status)
	require.Contains(t, stderr.String(), "bad.magic")
}

func TestDoMain_IncludeFilterNarrowsCount(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	status := doMain([]string{"--include", "greeting", filepath.Join("testdata", "ok.magic")}, stdout, stderr)

	require.Equal(t, 0, status)
	require.Contains(t, stdout.String(), "1 signatures")
}

func TestDoMain_NoArgsPrintsUsage(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	status := doMain(nil, stdout, stderr)

	require.Equal(t, 2, status)
	require.Contains(t, stderr.String(), "usage:")
}

func TestDoMain_QuietSuppressesSuccessOutput(t *testing.T) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	status := doMain([]string{"--quiet", filepath.Join("testdata", "ok.magic")}, stdout, stderr)

	require.Equal(t, 0, status)
	require.Empty(t, stdout.String())
}
