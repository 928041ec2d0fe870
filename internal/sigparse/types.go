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

// Package sigparse compiles textual signature files into an in-memory rule
// set (spec §4.2, C2). See binwalk's core/magic.py SignatureLine/Signature
// for the semantics this mirrors.
package sigparse

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/tetratelabs/magicscan/internal"
	"github.com/tetratelabs/magicscan/internal/expr"
)

// DataType is the type of a signature line's comparison datum.
type DataType int

const (
	Byte DataType = iota
	Short
	Long
	Quad
	String
	Regex
	Date
)

func (t DataType) String() string {
	switch t {
	case Byte:
		return "byte"
	case Short:
		return "short"
	case Long:
		return "long"
	case Quad:
		return "quad"
	case String:
		return "string"
	case Regex:
		return "regex"
	case Date:
		return "date"
	default:
		return "unknown"
	}
}

// IntExpr is either a resolved integer or an unevaluated expr.Expr,
// depending on whether the signature text used a dereference/arithmetic
// form. See spec §3's offset/opvalue fields.
type IntExpr struct {
	lit      int64
	evalFunc expr.Expr
}

// Lit wraps a resolved integer.
func Lit(v int64) IntExpr { return IntExpr{lit: v} }

// Compiled wraps an unevaluated expression.
func Compiled(e expr.Expr) IntExpr { return IntExpr{evalFunc: e} }

// IsLiteral reports whether this value needs no evaluation context.
func (x IntExpr) IsLiteral() bool { return x.evalFunc == nil }

// Int returns the literal value; only meaningful when IsLiteral is true.
func (x IntExpr) Int() int64 { return x.lit }

// Eval resolves the value, evaluating the expression against ctx if
// needed.
func (x IntExpr) Eval(ctx expr.EvalContext) int64 {
	if x.evalFunc != nil {
		return x.evalFunc(ctx)
	}
	return x.lit
}

// Line is a single compiled signature-line record (spec §3).
type Line struct {
	Level int

	Offset IntExpr

	Type       DataType
	Signed     bool
	BigEndian  bool
	Size       int
	StrMaxSize bool // true when a wildcard string's size is the 128-byte read buffer, not a fixed length

	HasOperator bool
	Operator    byte // one of ** << >> & | * + - / ~ ^
	OpValue     IntExpr

	Condition byte // one of = ! > < & | ^ ~, default '='

	Wildcard   bool // true when value is 'x'
	IntValue   int64
	StrValue   []byte
	RegexValue *regexp.Regexp

	Format string
	Tags   map[string]string // raw, pre-substitution template tags

	Text   string // original source line, for diagnostics
	LineNo int
}

// Signature is a fully parsed, ordered rule (spec §3).
type Signature struct {
	internal.MagicscanOnly

	ID    int
	Lines []Line

	// Title is the level-0 format string, used as the dedup key for
	// {once}.
	Title string
	// Confidence is the {confidence:N} tag value if present, else the
	// level-0 line's Size.
	Confidence int
	// OffsetField is the level-0 line's literal offset, used by the match
	// kernel to back-compute a candidate's nominal start.
	OffsetField int64

	// SearchPattern is the compiled regex used by the match kernel (C4) to
	// find candidate offsets: either the user's own {regex} pattern or an
	// escaped literal built from the level-0 line's encoded bytes.
	SearchPattern *regexp.Regexp
	IsUserRegex   bool

	Overlap            bool
	SelfOverlapWarning bool
}

// RuleSet is a compiled, read-only, confidence-sorted signature set.
type RuleSet struct {
	internal.MagicscanOnly

	sigs []*Signature
}

// Len implements api.RuleSet.
func (rs *RuleSet) Len() int { return len(rs.sigs) }

// Signatures returns the confidence-sorted signature list. The returned
// slice must not be mutated.
func (rs *RuleSet) Signatures() []*Signature { return rs.sigs }

func newRuleSet(sigs []*Signature) *RuleSet {
	sort.SliceStable(sigs, func(i, j int) bool {
		return sigs[i].Confidence > sigs[j].Confidence
	})
	return &RuleSet{sigs: sigs}
}

// ParseError is returned for any malformed signature line; parsing aborts
// the file on the first one (spec §4.2, §7).
type ParseError struct {
	File string
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	where := e.File
	if where == "" {
		where = "<signature>"
	}
	return fmt.Sprintf("%s:%d: %v (in %q)", where, e.Line, e.Err, e.Text)
}

func (e *ParseError) Unwrap() error { return e.Err }
