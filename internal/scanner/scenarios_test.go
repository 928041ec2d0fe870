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

// These tests exercise the acceptance scenarios against the core signature
// set in testdata/magic, end to end through the real block stream, match
// kernel, interpreter and plugin bus (no mocks).
package scanner

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/magicscan/api"
	"github.com/tetratelabs/magicscan/internal/plugin"
	"github.com/tetratelabs/magicscan/internal/sigparse"
)

// newcEntry builds a minimal SVR4 "070701" cpio newc header+name+data entry,
// 4-byte aligned, mirroring internal/plugin's own test helper of the same
// shape (unexported, so duplicated rather than imported across packages).
func newcEntry(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	field := func(v int) string { return fmt.Sprintf("%08X", v) }
	hdr := "070701" +
		field(0) + // ino
		field(0o100644) + // mode
		field(0) + // uid
		field(0) + // gid
		field(1) + // nlink
		field(0) + // mtime
		field(len(data)) + // filesize
		field(0) + field(0) + field(0) + field(0) + // dev/rdev major/minor
		field(len(name)+1) + // namesize, +1 for the NUL
		field(0) // check

	buf := append([]byte(hdr), []byte(name)...)
	buf = append(buf, 0) // NUL-terminate the name
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, data...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

const coreMagic = "../../testdata/magic/core.magic"

// allResultsPlugin records every result the bus delivers, before the
// scanner's Display/Valid filtering, the way a real observer plugin would.
type allResultsPlugin struct {
	plugin.NopPlugin
	seen []api.Result
}

func (p *allResultsPlugin) Scan(path string, readAt plugin.ReadAtFunc, result *api.Result) error {
	p.seen = append(p.seen, *result)
	return nil
}

func newScenarioBus(extra ...plugin.Plugin) *plugin.Bus {
	bus := plugin.NewBus(nil)
	bus.Register(plugin.GzipValidator{})
	bus.Register(plugin.ZlibValidator{})
	bus.Register(plugin.LzmaValidator{})
	bus.Register(&plugin.CpioValidator{})
	bus.Register(plugin.Jffs2Validator{})
	bus.Register(plugin.ZipValidator{})
	for _, p := range extra {
		bus.Register(p)
	}
	return bus
}

func scanFile(t *testing.T, path string, bus *plugin.Bus) []*api.Result {
	t.Helper()
	rules, err := sigparse.LoadFile(coreMagic, sigparse.LoadOptions{})
	require.NoError(t, err)

	var results []*api.Result
	sink := func(r *api.Result) error {
		cp := *r
		results = append(results, &cp)
		return nil
	}

	s := New(rules, bus, sink, Options{ShowInvalid: false})
	require.NoError(t, s.Scan(context.Background(), path))
	return results
}

func writeFixture(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// S1 (LZMA): a single result at offset 0 whose description starts with the
// properties byte and dictionary size.
func TestScenario_LZMA(t *testing.T) {
	data := make([]byte, 64)
	data[0] = 0x5D
	binary.LittleEndian.PutUint32(data[1:5], 8388608) // 8 MiB dictionary
	path := writeFixture(t, data)

	results := scanFile(t, path, newScenarioBus())
	require.Len(t, results, 1)
	require.Equal(t, int64(0), results[0].Offset)
	require.Contains(t, results[0].Description, "LZMA compressed data, properties: 0x5D")
	require.Contains(t, results[0].Description, "dictionary size: 8388608 bytes")
}

// S2 (SquashFS): exactly one result at offset 0. No pack repo or
// original_source file ships a squashfs parser, so this is covered at the
// signature level only, with no enriching plugin (see DESIGN.md).
func TestScenario_SquashFS(t *testing.T) {
	data := append([]byte("hsqs"), make([]byte, 60)...)
	path := writeFixture(t, data)

	results := scanFile(t, path, newScenarioBus())
	require.Len(t, results, 1)
	require.Equal(t, int64(0), results[0].Offset)
	require.Contains(t, results[0].Description, "Squashfs filesystem")
}

// S3 (CPIO): N>=1 results, all starting "ASCII cpio archive", first at
// offset 0, last containing "TRAILER!!!"; only the first is extractable.
func TestScenario_CPIO(t *testing.T) {
	first := newcEntry(t, "bin", []byte("x"))
	trailer := newcEntry(t, "TRAILER!!!", nil)
	data := append(append([]byte{}, first...), trailer...)
	path := writeFixture(t, data)

	results := scanFile(t, path, newScenarioBus())
	require.GreaterOrEqual(t, len(results), 1)
	require.Equal(t, int64(0), results[0].Offset)
	for _, r := range results {
		require.Contains(t, r.Description, "ASCII cpio archive")
	}
	last := results[len(results)-1]
	require.Contains(t, last.Description, "TRAILER!!!")
	require.True(t, results[0].Extract)
	require.False(t, last.Extract)
}

// S4 (ZIP): a local file header result carrying the entry name, followed by
// an end-of-archive result.
func TestScenario_ZIP(t *testing.T) {
	name := "dir655_revB_FW_203NA/"
	header := make([]byte, 30)
	copy(header[0:4], "PK\x03\x04")
	binary.LittleEndian.PutUint16(header[26:28], uint16(len(name)))
	entry := append(header, []byte(name)...)
	entry = append(entry, []byte("payload")...)

	eocd := make([]byte, 22)
	copy(eocd[0:4], "PK\x05\x06")

	data := append(entry, eocd...)
	path := writeFixture(t, data)

	results := scanFile(t, path, newScenarioBus())
	require.Len(t, results, 2)
	require.Equal(t, int64(0), results[0].Offset)
	require.Contains(t, results[0].Description, "Zip archive data, at least v1.0 to extract")
	require.Contains(t, results[0].Description, fmt.Sprintf("name: %s", name))
	require.Equal(t, int64(len(entry)), results[1].Offset)
	require.Contains(t, results[1].Description, "End of Zip archive, footer length: 22")
}

// S5 (JFFS2): >=2 results, all starting "JFFS2 filesystem"; only the first
// has Display=true.
func TestScenario_JFFS2(t *testing.T) {
	node := func(nodeType uint16, totLen uint32) []byte {
		n := make([]byte, totLen)
		binary.LittleEndian.PutUint16(n[0:2], 0x1985)
		binary.LittleEndian.PutUint16(n[2:4], nodeType)
		binary.LittleEndian.PutUint32(n[4:8], totLen)
		return n
	}
	data := append(node(0xe001, 64), node(0xe002, 64)...)
	path := writeFixture(t, data)

	observer := &allResultsPlugin{}
	results := scanFile(t, path, newScenarioBus(observer))

	require.GreaterOrEqual(t, len(observer.seen), 2)
	for _, r := range observer.seen {
		require.Contains(t, r.Description, "JFFS2 filesystem")
	}
	require.True(t, observer.seen[0].Display)
	for _, r := range observer.seen[1:] {
		require.False(t, r.Display)
	}
	require.Len(t, results, 1)
}
