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

// jffs2 node types, from the Linux kernel's jffs2 on-disk format.
const (
	jffs2NodetypeDirent = 0xe001
	jffs2NodetypeInode  = 0xe002
)

// Jffs2Validator confirms a "JFFS2 filesystem" candidate's first node has a
// plausible node type and length, and reports the node type found
// (scenario S5).
type Jffs2Validator struct{ NopPlugin }

func (Jffs2Validator) Scan(path string, readAt ReadAtFunc, result *api.Result) error {
	if !strings.Contains(result.Description, "JFFS2 filesystem") {
		return nil
	}
	head, err := readAt(result.Offset, 12)
	if err != nil || len(head) < 12 {
		result.Valid = false
		return nil
	}
	nodeType := binary.LittleEndian.Uint16(head[2:4])
	totLen := binary.LittleEndian.Uint32(head[4:8])
	if totLen < 12 || totLen > 1<<24 {
		result.Valid = false
		return nil
	}
	var kind string
	switch nodeType {
	case jffs2NodetypeDirent:
		kind = "dirent"
	case jffs2NodetypeInode:
		kind = "inode"
	default:
		kind = fmt.Sprintf("0x%04x", nodeType)
	}
	result.Description = fmt.Sprintf("%s, first node: %s, length: %d", result.Description, kind, totLen)
	return nil
}
