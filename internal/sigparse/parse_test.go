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

package sigparse

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_SimpleSignature(t *testing.T) {
	src := "0\tstring\t\\x7fELF\tELF image\n" +
		">4\tbyte\t1\t32-bit\n" +
		">4\tbyte\t2\t64-bit\n"

	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())

	sig := rs.Signatures()[0]
	require.Equal(t, "ELF image", sig.Title)
	require.Len(t, sig.Lines, 3)
	require.Equal(t, 0, sig.Lines[0].Level)
	require.Equal(t, 1, sig.Lines[1].Level)
	require.Equal(t, []byte("\x7fELF"), sig.Lines[0].StrValue)
	require.False(t, sig.IsUserRegex)
	require.True(t, sig.SearchPattern.MatchString("\x7fELF"))
}

func TestLoad_ConfidenceTagOverridesSize(t *testing.T) {
	src := "0\tstring\tAB\tshort magic\t{confidence:200}\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 200, rs.Signatures()[0].Confidence)
}

func TestLoad_DefaultConfidenceIsLevel0Size(t *testing.T) {
	src := "0\tlong\t0x12345678\tmagic long\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 4, rs.Signatures()[0].Confidence)
}

func TestLoad_SortsByConfidenceDescending(t *testing.T) {
	src := "0\tbyte\t1\tlow\n" +
		"0\tstring\tABCDEFGH\thigh\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, "high", rs.Signatures()[0].Title)
	require.Equal(t, "low", rs.Signatures()[1].Title)
}

func TestLoad_RegexValue(t *testing.T) {
	src := "0\tregex\tfoo[0-9]+\tregex magic\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	sig := rs.Signatures()[0]
	require.True(t, sig.IsUserRegex)
	require.True(t, sig.SearchPattern.MatchString("foo123"))
}

func TestLoad_WildcardValueRejectedAtLevel0(t *testing.T) {
	src := "0\tbyte\tx\tbad\n"
	_, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestLoad_OrphanNestedLineErrors(t *testing.T) {
	src := ">4\tbyte\t1\tno parent\n"
	_, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.Error(t, err)
}

func TestLoad_OffsetExpressionAtLevel0Errors(t *testing.T) {
	src := "&+4\tbyte\t1\tbad offset\n"
	_, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.Error(t, err)
}

func TestLoad_NestedOffsetExpressionAllowed(t *testing.T) {
	src := "0\tstring\tAB\tcontainer\n" +
		">&+4\tbyte\t1\tnested\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	require.False(t, rs.Signatures()[0].Lines[1].Offset.IsLiteral())
}

func TestLoad_OperatorParsedFromTypeToken(t *testing.T) {
	src := "0\tstring\tAB\tcontainer\n" +
		">4\tbyte&0x0f\t1\tmasked\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	line := rs.Signatures()[0].Lines[1]
	require.True(t, line.HasOperator)
	require.Equal(t, byte('&'), line.Operator)
	require.Equal(t, int64(0x0f), line.OpValue.Int())
}

func TestLoad_UnsignedLittleEndianPrefixes(t *testing.T) {
	src := "0\tulelong\t0x2a\tprefixed\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	line := rs.Signatures()[0].Lines[0]
	require.False(t, line.Signed)
	require.False(t, line.BigEndian)
	require.Equal(t, Long, line.Type)
}

func TestLoad_ConditionCharacterStripped(t *testing.T) {
	src := "0\tbyte\t>5\tgreater\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	line := rs.Signatures()[0].Lines[0]
	require.Equal(t, byte('>'), line.Condition)
	require.Equal(t, int64(5), line.IntValue)
}

func TestLoad_FormatTagsExtracted(t *testing.T) {
	src := "0\tstring\tAB\tmagic file {jump:16}{extract}\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	sig := rs.Signatures()[0]
	require.Equal(t, "magic file", sig.Title)
	require.Equal(t, "16", sig.Lines[0].Tags["jump"])
	require.Equal(t, "true", sig.Lines[0].Tags["extract"])
}

func TestLoad_OverlapTagSuppressesWarning(t *testing.T) {
	var warnings []string
	src := "0\tstring\tABAB\trepeating {overlap}\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{OnWarning: func(s string) {
		warnings = append(warnings, s)
	}})
	require.NoError(t, err)
	require.True(t, rs.Signatures()[0].Overlap)
	for _, w := range warnings {
		require.NotContains(t, w, "self-overlapping")
	}
}

func TestLoad_SelfOverlapWarns(t *testing.T) {
	var warnings []string
	src := "0\tstring\tABAB\trepeating\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{OnWarning: func(s string) {
		warnings = append(warnings, s)
	}})
	require.NoError(t, err)
	require.True(t, rs.Signatures()[0].SelfOverlapWarning)
	require.NotEmpty(t, warnings)
}

func TestLoad_IncludeFilterDropsUnmatched(t *testing.T) {
	src := "0\tstring\tAB\tkeep me\n" +
		"0\tstring\tCD\tdrop me\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{
		Include: []*regexp.Regexp{regexp.MustCompile("keep")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	require.Equal(t, "keep me", rs.Signatures()[0].Title)
}

func TestLoad_ExcludeFilterOverridesInclude(t *testing.T) {
	src := "0\tstring\tAB\tkeep me please\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{
		Include: []*regexp.Regexp{regexp.MustCompile("keep")},
		Exclude: []*regexp.Regexp{regexp.MustCompile("please")},
	})
	require.NoError(t, err)
	require.Equal(t, 0, rs.Len())
}

func TestLoad_UnmatchedIncludePatternWarns(t *testing.T) {
	var warnings []string
	src := "0\tstring\tAB\tkeep me\n"
	_, err := Load(strings.NewReader(src), "test", LoadOptions{
		Include: []*regexp.Regexp{regexp.MustCompile("keep"), regexp.MustCompile("nomatch")},
		OnWarning: func(s string) {
			warnings = append(warnings, s)
		},
	})
	require.NoError(t, err)
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "nomatch") {
			found = true
		}
	}
	require.True(t, found)
}

func TestLoad_CommentsAndDirectivesSkipped(t *testing.T) {
	src := "# a comment\n" +
		"!mime\tapplication/octet-stream\n" +
		"0\tstring\tAB\tsignature\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
}

func TestLoad_MultiplicationExpandsBeforeEscapeDecode(t *testing.T) {
	src := "0\tstring\t\\x00*4\tzero run\n"
	rs, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, rs.Signatures()[0].Lines[0].StrValue)
}

func TestLoad_MalformedLineReturnsParseError(t *testing.T) {
	src := "0\tbyte\n"
	_, err := Load(strings.NewReader(src), "test.magic", LoadOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "test.magic:1")
}

func TestLoad_UnknownDataTypeErrors(t *testing.T) {
	src := "0\tfloat\t1\tbad type\n"
	_, err := Load(strings.NewReader(src), "test", LoadOptions{})
	require.Error(t, err)
}
