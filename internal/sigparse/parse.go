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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tetratelabs/magicscan/internal/expr"
)

// operators lists the recognized operators in match-priority order: "**"
// must be tested before "*", etc (spec §4.2 step 5).
var operators = []string{"**", "<<", ">>", "&", "|", "*", "+", "-", "/", "~", "^"}

const conditionChars = "=!><&|^~"

// LoadOptions controls signature filtering at load time.
type LoadOptions struct {
	// Include, if non-empty, keeps only signatures whose title matches at
	// least one pattern (spec §4.2). Patterns are matched as given against
	// the lowercased title.
	Include []*regexp.Regexp
	// Exclude drops any signature whose title matches any pattern.
	Exclude []*regexp.Regexp
	// OnWarning, if set, receives non-fatal diagnostics: self-overlap
	// warnings (spec §4.2) and include patterns that matched nothing.
	OnWarning func(string)
}

func (o LoadOptions) warn(format string, args ...interface{}) {
	if o.OnWarning != nil {
		o.OnWarning(fmt.Sprintf(format, args...))
	}
}

// LoadFile loads and compiles a signature file from disk.
func LoadFile(path string, opts LoadOptions) (*RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sigparse: opening %s: %w", path, err)
	}
	defer f.Close() //nolint
	return Load(f, path, opts)
}

// Load compiles a signature file's contents. name is used only for
// diagnostics.
func Load(r io.Reader, name string, opts LoadOptions) (*RuleSet, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var sigs []*Signature
	var cur *Signature
	includeHits := make([]bool, len(opts.Include))

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "!") {
			continue
		}

		line, err := parseLine(raw, lineNo)
		if err != nil {
			return nil, &ParseError{File: name, Line: lineNo, Text: raw, Err: err}
		}

		if line.Level == 0 {
			if cur != nil {
				finishSignature(cur, opts)
			}
			if line.Wildcard {
				return nil, &ParseError{File: name, Line: lineNo, Text: raw,
					Err: fmt.Errorf("first element of a signature must have a non-wildcard value")}
			}
			if !line.Offset.IsLiteral() {
				return nil, &ParseError{File: name, Line: lineNo, Text: raw,
					Err: fmt.Errorf("level-0 offset must be a literal integer")}
			}
			cur = &Signature{ID: len(sigs), Lines: []Line{line}}
			sigs = append(sigs, cur)
		} else {
			if cur == nil {
				return nil, &ParseError{File: name, Line: lineNo, Text: raw,
					Err: fmt.Errorf("level-%d line has no preceding level-0 signature", line.Level)}
			}
			cur.Lines = append(cur.Lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sigparse: reading %s: %w", name, err)
	}
	if cur != nil {
		finishSignature(cur, opts)
	}

	kept := make([]*Signature, 0, len(sigs))
	for _, s := range sigs {
		if filtered(s.Title, opts, includeHits) {
			continue
		}
		kept = append(kept, s)
	}
	for i, hit := range includeHits {
		if !hit {
			opts.warn("include pattern %q matched no signature", opts.Include[i].String())
		}
	}

	return newRuleSet(kept), nil
}

// filtered reports whether a signature should be dropped, per spec §4.2 /
// binwalk's Magic._filtered: include-then-exclude, with each pattern
// matched against the lowercased title.
func filtered(title string, opts LoadOptions, includeHits []bool) bool {
	text := strings.ToLower(title)

	matched := len(opts.Include) == 0
	for i, inc := range opts.Include {
		if inc.MatchString(text) {
			matched = true
			includeHits[i] = true
		}
	}
	if !matched {
		return true
	}
	for _, exc := range opts.Exclude {
		if exc.MatchString(text) {
			return true
		}
	}
	return false
}

func finishSignature(sig *Signature, opts LoadOptions) {
	first := sig.Lines[0]
	sig.Title = first.Format
	sig.OffsetField = first.Offset.Int()

	if v, ok := first.Tags["confidence"]; ok {
		if n, err := strconv.ParseInt(v, 0, 64); err == nil {
			sig.Confidence = int(n)
		} else {
			sig.Confidence = first.Size
		}
	} else {
		sig.Confidence = first.Size
	}
	if _, ok := first.Tags["overlap"]; ok {
		sig.Overlap = true
	}

	sig.SearchPattern, sig.IsUserRegex = buildSearchPattern(first)
	if !sig.IsUserRegex && !sig.Overlap {
		checkSelfOverlap(sig, first, opts)
	}
}

// buildSearchPattern compiles the level-0 line into the regex the match
// kernel (C4) searches blocks with.
func buildSearchPattern(first Line) (*regexp.Regexp, bool) {
	if first.Type == Regex {
		return first.RegexValue, true
	}
	lit := signatureLiteral(first)
	return regexp.MustCompile(regexp.QuoteMeta(string(lit))), false
}

// signatureLiteral returns the exact byte pattern a level-0 line matches:
// the string value as-is, or the encoded bytes of an integer value.
func signatureLiteral(l Line) []byte {
	if l.Type == String {
		return l.StrValue
	}
	return encodeInt(l.IntValue, l.Size, l.BigEndian)
}

func encodeInt(v int64, size int, bigEndian bool) []byte {
	buf := make([]byte, size)
	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		if bigEndian {
			binary.BigEndian.PutUint16(buf, uint16(v))
		} else {
			binary.LittleEndian.PutUint16(buf, uint16(v))
		}
	case 4:
		if bigEndian {
			binary.BigEndian.PutUint32(buf, uint32(v))
		} else {
			binary.LittleEndian.PutUint32(buf, uint32(v))
		}
	case 8:
		if bigEndian {
			binary.BigEndian.PutUint64(buf, uint64(v))
		} else {
			binary.LittleEndian.PutUint64(buf, uint64(v))
		}
	}
	return buf
}

// checkSelfOverlap warns (doesn't fail) when a level-0 pattern's proper
// prefix equals its own suffix, per spec §4.2.
func checkSelfOverlap(sig *Signature, first Line, opts LoadOptions) {
	pattern := signatureLiteral(first)
	n := len(pattern)
	for i := 1; i < n; i++ {
		if string(pattern[i:]) == string(pattern[:n-i]) {
			sig.SelfOverlapWarning = true
			opts.warn("signature %q is self-overlapping", first.Text)
			return
		}
	}
}

// parseLine tokenizes and compiles a single non-comment, non-directive
// signature line (spec §4.2).
func parseLine(raw string, lineNo int) (Line, error) {
	escaped := strings.ReplaceAll(raw, `\ `, `\x20`)
	parts := splitFields(escaped, 4)
	if len(parts) != 3 && len(parts) != 4 {
		return Line{}, fmt.Errorf("expected 3 or 4 fields, got %d", len(parts))
	}

	level := 0
	offsetTok := parts[0]
	for strings.HasPrefix(offsetTok, ">") {
		level++
		offsetTok = offsetTok[1:]
	}

	offset, err := parseIntOrExpr(offsetTok)
	if err != nil {
		return Line{}, fmt.Errorf("bad offset %q: %w", offsetTok, err)
	}

	typeTok := parts[1]
	var operator byte
	var hasOperator bool
	var opValueTok string
	for _, op := range operators {
		if idx := strings.Index(typeTok, op); idx >= 0 {
			opValueTok = typeTok[idx+len(op):]
			typeTok = typeTok[:idx]
			operator = op[0]
			if len(op) > 1 {
				operator = encodeMultiCharOperator(op)
			}
			hasOperator = true
			break
		}
	}
	var opValue IntExpr
	if hasOperator {
		opValue, err = parseIntOrExpr(opValueTok)
		if err != nil {
			return Line{}, fmt.Errorf("bad operator value %q: %w", opValueTok, err)
		}
	}

	signed := true
	if strings.HasPrefix(typeTok, "u") {
		signed = false
		typeTok = typeTok[1:]
	}
	bigEndian := true
	switch {
	case strings.HasPrefix(typeTok, "be"):
		typeTok = typeTok[2:]
		bigEndian = true
	case strings.HasPrefix(typeTok, "le"):
		typeTok = typeTok[2:]
		bigEndian = false
	}

	dataType, size, err := typeAndSize(typeTok)
	if err != nil {
		return Line{}, err
	}

	valueTok := parts[2]
	condition := byte('=')
	if len(valueTok) > 0 && strings.IndexByte(conditionChars, valueTok[0]) >= 0 {
		condition = valueTok[0]
		valueTok = valueTok[1:]
	}

	line := Line{
		Level:       level,
		Offset:      offset,
		Type:        dataType,
		Signed:      signed,
		BigEndian:   bigEndian,
		HasOperator: hasOperator,
		Operator:    operator,
		OpValue:     opValue,
		Condition:   condition,
		Text:        raw,
		LineNo:      lineNo,
	}

	if valueTok == "x" {
		line.Wildcard = true
		if dataType == String {
			line.Size = 128
			line.StrMaxSize = true
		} else if dataType == Regex {
			line.Size = 128
		} else {
			line.Size = size
		}
	} else {
		switch dataType {
		case String:
			expanded, err := expandMultiplication(valueTok)
			if err != nil {
				return Line{}, err
			}
			decoded, err := decodeEscapes(expanded)
			if err != nil {
				return Line{}, err
			}
			line.StrValue = decoded
			line.Size = len(decoded)
			if line.Size == 0 {
				line.Size = 128
				line.StrMaxSize = true
			}
		case Regex:
			re, err := regexp.Compile(valueTok)
			if err != nil {
				return Line{}, fmt.Errorf("bad regex %q: %w", valueTok, err)
			}
			line.RegexValue = re
			line.Size = 128
		default:
			n, err := strconv.ParseInt(valueTok, 0, 64)
			if err != nil {
				return Line{}, fmt.Errorf("bad integer value %q: %w", valueTok, err)
			}
			line.IntValue = n
			line.Size = size
		}
	}

	if len(parts) == 4 {
		format, tags := extractTags(strings.ReplaceAll(parts[3], "%ll", "%l"))
		line.Format = format
		line.Tags = tags
	} else {
		line.Tags = map[string]string{}
	}

	return line, nil
}

// encodeMultiCharOperator maps a two-character operator token to a single
// byte id used internally (interpreter switches on these).
func encodeMultiCharOperator(op string) byte {
	switch op {
	case "**":
		return '*'
	case "<<":
		return '<'
	case ">>":
		return '>'
	default:
		return op[0]
	}
}

func typeAndSize(t string) (DataType, int, error) {
	switch t {
	case "byte":
		return Byte, 1, nil
	case "short":
		return Short, 2, nil
	case "long":
		return Long, 4, nil
	case "date":
		return Date, 4, nil
	case "quad":
		return Quad, 8, nil
	case "string":
		return String, 0, nil
	case "regex":
		return Regex, 128, nil
	default:
		return 0, 0, fmt.Errorf("unknown data type %q", t)
	}
}

// parseIntOrExpr tries a literal integer first, falling back to compiling
// an expr.Expr.
func parseIntOrExpr(s string) (IntExpr, error) {
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return Lit(n), nil
	}
	e, err := expr.Parse(s)
	if err != nil {
		return IntExpr{}, err
	}
	return Compiled(e), nil
}

// splitFields splits on whitespace runs like Python's str.split(None, n-1):
// at most n fields, with the last field containing any remaining text
// (including embedded whitespace) verbatim.
func splitFields(s string, n int) []string {
	var fields []string
	i := 0
	for len(fields) < n-1 {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			return fields
		}
		start := i
		for i < len(s) && !isSpace(s[i]) {
			i++
		}
		fields = append(fields, s[start:i])
	}
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	if i < len(s) {
		fields = append(fields, s[i:])
	}
	return fields
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}
