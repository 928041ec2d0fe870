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

// Package interpreter walks a compiled signature's rule hierarchy against a
// candidate offset and produces a Result (spec §4.5, C5). The walk is
// iterative, not recursive: max_level and prev_line_end are threaded through
// a single pass over sig.Lines, mirroring binwalk's own Magic._analyze.
package interpreter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tetratelabs/magicscan/api"
	"github.com/tetratelabs/magicscan/internal/sigparse"
)

// windowCtx adapts a byte window into an expr.EvalContext. All coordinates
// it exchanges with expr (PrevEnd's return value, ReadAt's off parameter)
// are relative to the candidate's nominal start, not to the window or the
// file; base translates that into a window index at read time.
type windowCtx struct {
	window  []byte
	base    int64
	prevEnd int64
}

func (c *windowCtx) PrevEnd() int64 { return c.prevEnd }

func (c *windowCtx) ReadAt(off int64, width int, signed, bigEndian bool) int64 {
	idx := c.base + off
	if idx < 0 || int(idx)+width > len(c.window) {
		return 0
	}
	b := c.window[idx : int(idx)+width]
	var u uint64
	if bigEndian {
		for _, x := range b {
			u = u<<8 | uint64(x)
		}
	} else {
		for i := len(b) - 1; i >= 0; i-- {
			u = u<<8 | uint64(b[i])
		}
	}
	if !signed {
		return int64(u)
	}
	switch width {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	default:
		return int64(u)
	}
}

// Evaluate walks sig's rule hierarchy starting at candidateStart, a
// window-relative offset already confirmed by the match kernel. It returns
// ok=false only when the level-0 line's own condition fails to confirm:
// the match kernel's literal/regex search locates candidates, but a
// level-0 line can carry a comparison other than plain equality.
func Evaluate(window []byte, blockStartAbs int64, candidateStart int, sig *sigparse.Signature) (*api.Result, bool) {
	ctx := &windowCtx{window: window, base: int64(candidateStart)}

	maxLevel := 0
	tags := map[string]string{}
	var descParts []string
	strlen := 0

	for i := range sig.Lines {
		line := &sig.Lines[i]
		if line.Level > maxLevel {
			continue
		}

		var offsetRel int64
		if line.Offset.IsLiteral() {
			offsetRel = line.Offset.Int()
		} else {
			offsetRel = line.Offset.Eval(ctx)
		}

		value, raw, n := readValue(ctx, offsetRel, line)
		if line.HasOperator {
			opValue := line.OpValue.Eval(ctx)
			value = applyOperator(line.Operator, value, opValue)
		}

		matched := testCondition(line, value, raw)
		if !matched {
			if line.Level == 0 {
				return nil, false
			}
			continue
		}

		maxLevel = line.Level + 1
		end := offsetRel + int64(n)
		ctx.prevEnd = end

		if line.Type == String && line.Wildcard {
			strlen = n
		}

		for k, v := range line.Tags {
			if strings.Contains(v, "%") {
				v = applyFormat(v, line, value, raw)
			}
			tags[k] = v
		}
		if frag := formatLine(line, value, raw); frag != "" {
			descParts = append(descParts, frag)
		}
	}

	desc := stripBackspaces(strings.Join(descParts, " "))

	res := &api.Result{
		Offset:      blockStartAbs + int64(candidateStart),
		Size:        ctx.prevEnd,
		Description: desc,
		ID:          sig.ID,
		Overlap:     sig.Overlap,
		Strlen:      strlen,
		Display:     true,
		Valid:       isPrintable(desc),
	}
	if desc == "" {
		res.Display = false
		res.Valid = false
	}

	applyTags(res, tags)

	return res, true
}

// applyTags overwrites res's fields per the known-tag table (spec §4.5
// step 2): most tags are boolean presence markers, but several — name,
// size, offset, description, display, valid — carry a value that replaces
// the corresponding field outright.
func applyTags(res *api.Result, tags map[string]string) {
	if v, ok := tags["name"]; ok {
		res.Name = v
	}
	if v, ok := tags["size"]; ok {
		if n, err := strconv.ParseInt(v, 0, 64); err == nil {
			res.Size = n
		}
	}
	if v, ok := tags["offset"]; ok {
		if n, err := strconv.ParseInt(v, 0, 64); err == nil {
			res.Offset = n
		}
	}
	if v, ok := tags["description"]; ok {
		res.Description = v
	}
	if _, ok := tags["invalid"]; ok {
		res.Valid = false
	}
	if v, ok := tags["valid"]; ok {
		res.Valid = parseTagBool(v)
	}
	if v, ok := tags["display"]; ok {
		res.Display = parseTagBool(v)
	}
	if _, ok := tags["extract"]; ok {
		res.Extract = true
	}
	if _, ok := tags["once"]; ok {
		res.Once = true
	}
	if _, ok := tags["many"]; ok {
		res.Many = true
	}
	if _, ok := tags["end"]; ok {
		res.End = true
	}
	if v, ok := tags["jump"]; ok {
		if n, err := strconv.ParseInt(v, 0, 64); err == nil {
			res.Jump = n
		}
	}
	if v, ok := tags["adjust"]; ok {
		if n, err := strconv.ParseInt(v, 0, 64); err == nil {
			res.Adjust = n
			res.Offset += n
		}
	}
}

// parseTagBool interprets a {tag:value} payload the way extractTags leaves
// it for a bare {tag} (the literal string "true"), falling back to true for
// anything that doesn't parse as a Go bool so a bare tag still reads as set.
func parseTagBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// readValue reads line's datum from window at offsetRel (candidate-
// relative) and returns the comparison value (after type-specific decode),
// the raw bytes read (for string/regex/date formatting), and the number of
// bytes consumed.
func readValue(ctx *windowCtx, offsetRel int64, line *sigparse.Line) (value int64, raw []byte, n int) {
	switch line.Type {
	case sigparse.String:
		size := line.Size
		idx := ctx.base + offsetRel
		if idx < 0 || idx > int64(len(ctx.window)) {
			return 0, nil, 0
		}
		if line.Wildcard || line.StrMaxSize {
			end := int(idx) + size
			if end > len(ctx.window) {
				end = len(ctx.window)
			}
			segment := ctx.window[idx:end]
			if z := indexByte(segment, 0); z >= 0 {
				segment = segment[:z]
			}
			return 0, segment, len(segment)
		}
		end := int(idx) + size
		if end > len(ctx.window) {
			end = len(ctx.window)
		}
		segment := ctx.window[idx:end]
		return 0, segment, len(segment)
	case sigparse.Regex:
		idx := ctx.base + offsetRel
		if idx < 0 || idx > int64(len(ctx.window)) {
			return 0, nil, 0
		}
		segment := ctx.window[idx:]
		loc := line.RegexValue.FindIndex(segment)
		if loc == nil {
			return 0, nil, 0
		}
		return 0, segment[loc[0]:loc[1]], loc[1] - loc[0]
	default:
		v := ctx.ReadAt(offsetRel, line.Size, line.Signed, line.BigEndian)
		return v, nil, line.Size
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// applyOperator implements the arithmetic the type token's trailing
// operator applies to the read value before the condition test (spec §3).
// '~' assigns the bitwise complement of opValue, discarding the datum read
// from the file, matching binwalk's own quirk rather than a literal unary
// complement of value.
func applyOperator(op byte, value, opValue int64) int64 {
	switch op {
	case '*':
		return value * opValue
	case '<':
		return value << uint(opValue)
	case '>':
		return value >> uint(opValue)
	case '&':
		return value & opValue
	case '|':
		return value | opValue
	case '+':
		return value + opValue
	case '-':
		return value - opValue
	case '/':
		if opValue == 0 {
			return 0
		}
		return value / opValue
	case '~':
		return ^opValue
	case '^':
		return value ^ opValue
	default:
		return value
	}
}

func testCondition(line *sigparse.Line, value int64, raw []byte) bool {
	if line.Wildcard {
		return raw != nil || line.Type != sigparse.String
	}
	switch line.Type {
	case sigparse.String:
		return compareStringCondition(line.Condition, raw, line.StrValue)
	case sigparse.Regex:
		return raw != nil
	default:
		return compareIntCondition(line.Condition, value, line.IntValue)
	}
}

func compareStringCondition(cond byte, got, want []byte) bool {
	eq := string(got) == string(want)
	switch cond {
	case '!':
		return !eq
	default:
		return eq
	}
}

func compareIntCondition(cond byte, value, want int64) bool {
	switch cond {
	case '!':
		return value != want
	case '>':
		return value > want
	case '<':
		return value < want
	case '&':
		return value&want == want
	case '|':
		return value&want != 0
	case '^':
		return value&want != want
	case '~':
		return value&want == 0
	default:
		return value == want
	}
}

// formatLine renders a matched line's format fragment, substituting the
// first printf-style verb with this line's value.
func formatLine(line *sigparse.Line, value int64, raw []byte) string {
	return applyFormat(line.Format, line, value, raw)
}

// applyFormat substitutes the first printf-style verb in format with the
// matched datum (value/raw), the same substitution a line's own format
// string gets, reused for {tag} payloads that contain a "%" spec (spec
// §4.5 step 2: "if its template contains %, format it with the datum").
func applyFormat(format string, line *sigparse.Line, value int64, raw []byte) string {
	if format == "" {
		return ""
	}
	if !strings.Contains(format, "%") {
		return format
	}
	verb := formatVerb(format)
	switch verb {
	case 's':
		var s string
		if line.Type == sigparse.Date {
			s = formatDate(value)
		} else if raw != nil {
			s = string(raw)
		} else {
			s = strconv.FormatInt(value, 10)
		}
		return fmt.Sprintf(strings.Replace(format, "%s", "%s", 1), s)
	case 'c':
		return fmt.Sprintf(format, rune(value))
	default:
		if line.Type == sigparse.Date {
			return fmt.Sprintf(strings.Replace(format, string(verb), "s", 1), formatDate(value))
		}
		return fmt.Sprintf(format, value)
	}
}

var verbRe = regexp.MustCompile(`%-?[0-9]*([sdxXoc])`)

func formatVerb(format string) byte {
	m := verbRe.FindStringSubmatch(format)
	if m == nil {
		return 0
	}
	return m[1][0]
}

func formatDate(v int64) string {
	t := time.Unix(v, 0).UTC()
	if t.Year() < 1970 || t.Year() > 2106 {
		return "invalid timestamp"
	}
	return t.Format("2006-01-02 15:04:05")
}

// stripBackspaces emulates terminal backspace editing some descriptions
// embed (a literal char followed by \x08 erases the preceding char),
// matching binwalk's own post-processing pass.
func stripBackspaces(s string) string {
	for {
		i := strings.IndexByte(s, 0x08)
		if i <= 0 {
			return strings.ReplaceAll(s, "\x08", "")
		}
		s = s[:i-1] + s[i+1:]
	}
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r == '\n' || r == '\t' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
