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

package plugin

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/surma/gocpio"

	"github.com/tetratelabs/magicscan/api"
)

// cpioHeaderSize is the fixed "070701"-magic newc header size gocpio parses
// before the variable-length name field.
const cpioHeaderSize = 110

// CpioValidator confirms a "cpio archive" candidate's entry header parses,
// appends the entry name to the description, and tracks archive boundaries
// across consecutive entries of the same file: only the first entry of a
// run is marked extractable, and the "TRAILER!!!" entry closes the run
// (scenario S3).
type CpioValidator struct {
	NopPlugin
	foundArchive bool
	file         string
}

func (v *CpioValidator) NewFile(path string) error {
	v.foundArchive = false
	v.file = ""
	return nil
}

func (v *CpioValidator) Scan(path string, readAt ReadAtFunc, result *api.Result) error {
	if !strings.Contains(result.Description, "cpio archive") {
		return nil
	}
	head, err := readAt(result.Offset, 4096)
	if err != nil {
		return nil
	}
	r := cpio.NewReader(bytes.NewReader(head))
	hdr, err := r.Next()
	if err != nil {
		result.Valid = false
		return nil
	}
	result.Description = fmt.Sprintf("%s, first entry: %q", result.Description, hdr.Name)
	result.Jump = result.Offset + cpioHeaderSize + int64(len(hdr.Name)) + hdr.Size

	switch {
	case strings.Contains(hdr.Name, "TRAILER!!!"):
		v.foundArchive = false
		result.Extract = false
	case !v.foundArchive || v.file != path:
		v.foundArchive = true
		v.file = path
		result.Extract = true
	default:
		result.Extract = false
	}
	return nil
}
