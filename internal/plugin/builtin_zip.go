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
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tetratelabs/magicscan/api"
)

// ZipValidator sanity-checks a "Zip archive" candidate's local file header
// (PK\x03\x04) fields without pulling in archive/zip, which needs an
// io.ReaderAt over the whole file to locate the central directory; this
// only needs the 30-byte local header the signature already matched
// against, plus the variable-length name field right after it. The entry
// name is appended to the description (scenario S4).
type ZipValidator struct{ NopPlugin }

func (ZipValidator) Scan(path string, readAt ReadAtFunc, result *api.Result) error {
	if !strings.HasPrefix(result.Description, "Zip archive data") {
		return nil
	}
	head, err := readAt(result.Offset, 30)
	if err != nil || len(head) < 30 {
		result.Valid = false
		return nil
	}
	method := binary.LittleEndian.Uint16(head[8:10])
	nameLen := binary.LittleEndian.Uint16(head[26:28])
	extraLen := binary.LittleEndian.Uint16(head[28:30])
	if method != 0 && method != 8 && nameLen == 0 && extraLen == 0 {
		// Not conclusive on its own, but a zero-length stored name alongside
		// an unrecognized compression method is unusual enough to flag.
		result.Valid = false
		return nil
	}
	if nameLen == 0 {
		return nil
	}
	name, err := readAt(result.Offset+30, int(nameLen))
	if err != nil || len(name) < int(nameLen) {
		return nil
	}
	result.Description = fmt.Sprintf("%s, name: %s", result.Description, string(name))
	return nil
}
