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

package extractor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRules_BasicFields(t *testing.T) {
	rules, err := ParseRules(strings.NewReader("^Zip archive:zip:unzip %e\n"))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "zip", rules[0].Extension)
	require.Equal(t, "unzip %e", rules[0].Command)
	require.True(t, rules[0].Match("Zip archive data"))
	require.False(t, rules[0].Match("gzip compressed data"))
}

func TestParseRules_CodesAndRecurse(t *testing.T) {
	rules, err := ParseRules(strings.NewReader("gzip:gz:gunzip %e:0,0x1:true\n"))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, []int{0, 1}, rules[0].Codes)
	require.True(t, rules[0].Recurse)
}

func TestParseRules_SkipsBlankAndCommentLines(t *testing.T) {
	rules, err := ParseRules(strings.NewReader("# a comment\n\ngzip:gz\n"))
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestParseRules_ArSentinelPassesThroughAsCommand(t *testing.T) {
	rules, err := ParseRules(strings.NewReader("ar archive:a:!:ar:\n"))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, arSentinel, rules[0].Command)
}

func TestParseRules_InvalidRegexErrors(t *testing.T) {
	_, err := ParseRules(strings.NewReader("(unterminated:bin\n"))
	require.Error(t, err)
}

func TestParseRules_InvalidRecurseErrors(t *testing.T) {
	_, err := ParseRules(strings.NewReader("x:bin:cmd:0:maybe\n"))
	require.Error(t, err)
}
