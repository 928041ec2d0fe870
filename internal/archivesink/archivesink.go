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

// Package archivesink packages an extraction output directory as a single
// OCI-style gzip-compressed tar layer, the write-side counterpart of the
// tar.gz filesystem layers a registry serves (spec's extraction-archival
// supplement; not part of the distilled scan/carve core). A named,
// digest-addressed archive lets a matryoshka-recursed extraction tree be
// handed off to another OCI-aware tool without re-walking the filesystem.
package archivesink

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docker/distribution/reference"
	digest "github.com/opencontainers/go-digest"
)

// Descriptor identifies a packaged layer the way an OCI image manifest
// does: a content digest, compressed size, and media type.
type Descriptor struct {
	Name      string
	Digest    digest.Digest
	Size      int64
	MediaType string
}

const MediaTypeLayer = "application/vnd.oci.image.layer.v1.tar+gzip"

// ValidateName parses name as a normalized OCI image reference, rejecting
// anything the rest of the OCI ecosystem wouldn't accept as a repository
// name (spec supplement; grounded on the teacher's own reference-parsing
// gate before any registry call).
func ValidateName(name string) (reference.Named, error) {
	ref, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return nil, fmt.Errorf("archivesink: invalid archive name %q: %w", name, err)
	}
	return ref, nil
}

// Pack walks root and writes a gzip-compressed tar of its regular files and
// directories to w, returning a Descriptor computed over the compressed
// bytes actually written.
func Pack(w io.Writer, root string) (Descriptor, error) {
	name, err := ValidateName(filepath.Base(root))
	if err != nil {
		name = filepath.Base(root)
	} else {
		name = name.Name()
	}

	counter := &countingWriter{w: w}
	dig := digest.Canonical.Digester()
	mw := io.MultiWriter(counter, dig.Hash())

	gz := gzip.NewWriter(mw)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close() //nolint
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("archivesink: packing %s: %w", root, err)
	}

	if err := tw.Close(); err != nil {
		return Descriptor{}, fmt.Errorf("archivesink: closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return Descriptor{}, fmt.Errorf("archivesink: closing gzip writer: %w", err)
	}

	return Descriptor{
		Name:      name,
		Digest:    dig.Digest(),
		Size:      counter.n,
		MediaType: MediaTypeLayer,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
