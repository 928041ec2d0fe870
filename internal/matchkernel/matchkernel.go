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

// Package matchkernel finds candidate signature starts within a block/peek
// window (spec §4.4, C4).
package matchkernel

import (
	"regexp"
	"sort"

	"github.com/tetratelabs/magicscan/internal/sigparse"
)

// Candidate is one potential signature match within a window.
type Candidate struct {
	Signature *sigparse.Signature
	// MatchStart is where the signature's pattern itself matched, relative
	// to the start of the window.
	MatchStart int
	// Start is the nominal beginning of the signature, i.e. where its
	// level-0 line's offset field says the match should read from. It can
	// precede MatchStart when the level-0 offset is non-zero.
	Start int
}

// Find searches window (the block body concatenated with its peek, as
// produced by blockstream.Source.ReadBlock) for every signature's pattern,
// discarding matches whose nominal start falls outside [0, bodyLen) —
// those belong to the next block, once its own peek prefix of this data
// advances body forward (spec §4.1/§4.4 boundary invariant).
func Find(window []byte, bodyLen int, sigs []*sigparse.Signature) []Candidate {
	var out []Candidate
	for _, sig := range sigs {
		for _, loc := range findMatches(sig.SearchPattern, window, sig.Overlap) {
			start := loc[0] - int(sig.OffsetField)
			if start < 0 || start >= bodyLen {
				continue
			}
			out = append(out, Candidate{Signature: sig, MatchStart: loc[0], Start: start})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// findMatches returns every match location in window. Non-overlapping
// signatures use Go's native FindAllIndex; signatures tagged {overlap}
// advance one byte at a time so overlapping occurrences are not skipped.
func findMatches(re *regexp.Regexp, window []byte, overlap bool) [][]int {
	if !overlap {
		return re.FindAllIndex(window, -1)
	}
	var out [][]int
	pos := 0
	for pos <= len(window) {
		loc := re.FindIndex(window[pos:])
		if loc == nil {
			break
		}
		start := pos + loc[0]
		end := pos + loc[1]
		out = append(out, []int{start, end})
		pos = start + 1
	}
	return out
}
