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
	"compress/gzip"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tetratelabs/magicscan/api"
)

// GzipValidator confirms a "gzip compressed data" candidate really opens as
// a gzip stream, setting result.Valid=false otherwise (spec §4.7: a
// validator plugin can veto a structurally-matched but corrupt candidate).
type GzipValidator struct{ NopPlugin }

func (GzipValidator) Scan(path string, readAt ReadAtFunc, result *api.Result) error {
	if !strings.Contains(result.Description, "gzip compressed data") {
		return nil
	}
	head, err := readAt(result.Offset, 512)
	if err != nil {
		return nil
	}
	r, err := gzip.NewReader(bytes.NewReader(head))
	if err != nil {
		result.Valid = false
		return nil
	}
	defer r.Close() //nolint
	var buf [64]byte
	if _, err := r.Read(buf[:]); err != nil && err.Error() != "EOF" {
		result.Valid = false
	}
	return nil
}

// ZlibValidator confirms a "zlib compressed data" candidate's 2-byte CMF/FLG
// header checksums correctly (RFC 1950 §2.2: (CMF*256+FLG) % 31 == 0).
type ZlibValidator struct{ NopPlugin }

func (ZlibValidator) Scan(path string, readAt ReadAtFunc, result *api.Result) error {
	if !strings.Contains(result.Description, "zlib compressed data") {
		return nil
	}
	head, err := readAt(result.Offset, 2)
	if err != nil || len(head) < 2 {
		result.Valid = false
		return nil
	}
	if (int(head[0])*256+int(head[1]))%31 != 0 {
		result.Valid = false
		return nil
	}
	if _, err := zlib.NewReader(bytes.NewReader(head)); err != nil && err.Error() != "unexpected EOF" {
		result.Valid = false
	}
	return nil
}

// LzmaValidator decodes an LZMA stream's 5-byte properties header (1 byte
// lc/lp/pb-encoded, 4 bytes little-endian dictionary size) and appends the
// dictionary size to the description. The pack has no third-party LZMA
// decompressor, so this validates only the header, not the compressed
// payload (see DESIGN.md).
type LzmaValidator struct{ NopPlugin }

func (LzmaValidator) Scan(path string, readAt ReadAtFunc, result *api.Result) error {
	if !strings.Contains(result.Description, "LZMA compressed data") {
		return nil
	}
	head, err := readAt(result.Offset, 13)
	if err != nil || len(head) < 5 {
		result.Valid = false
		return nil
	}
	props := head[0]
	if props > (4*5+4)*9+8 { // lc<=8, lp<=4, pb<=4 per the LZMA SDK's valid range
		result.Valid = false
		return nil
	}
	dictSize := binary.LittleEndian.Uint32(head[1:5])
	result.Description = fmt.Sprintf("%s, dictionary size: %d bytes", result.Description, dictSize)
	return nil
}
