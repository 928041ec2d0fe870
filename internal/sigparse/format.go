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
)

var tagRe = regexp.MustCompile(`\{.*?\}`)

// extractTags pulls {name} / {name:value} markers out of a format string,
// returning the stripped template and a map of tag name to literal/template
// value ("" value with a present key means a bare {flag}-style tag, stored
// as "true").
func extractTags(format string) (stripped string, tags map[string]string) {
	tags = map[string]string{}
	for _, m := range tagRe.FindAllString(format, -1) {
		inner := strings.TrimSuffix(strings.TrimPrefix(m, "{"), "}")
		if idx := strings.Index(inner, ":"); idx >= 0 {
			tags[inner[:idx]] = inner[idx+1:]
		} else {
			tags[inner] = "true"
		}
	}
	stripped = strings.TrimSpace(tagRe.ReplaceAllString(format, ""))
	return stripped, tags
}
