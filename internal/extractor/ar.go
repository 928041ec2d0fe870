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

package extractor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/blakesmith/ar"
)

// ExtractAr unpacks a Unix ar archive (the format .deb/.a files use) at
// carvedPath into outDir, one member per entry, in place of shelling out to
// an external "ar" binary the way the rest of the command-template rules
// do. This is the one format with a ready-made in-process Go reader in the
// dependency set, so it gets a built-in rather than an external command.
func ExtractAr(carvedPath, outDir string) error {
	f, err := os.Open(carvedPath)
	if err != nil {
		return fmt.Errorf("extractor: opening %s: %w", carvedPath, err)
	}
	defer f.Close() //nolint

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("extractor: creating %s: %w", outDir, err)
	}

	r := ar.NewReader(f)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("extractor: reading ar member: %w", err)
		}

		memberPath := filepath.Join(outDir, filepath.Base(hdr.Name))
		out, err := os.OpenFile(memberPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777|0o600)
		if err != nil {
			return fmt.Errorf("extractor: creating member %s: %w", memberPath, err)
		}
		if _, err := io.CopyN(out, r, hdr.Size); err != nil && err != io.EOF {
			out.Close() //nolint
			return fmt.Errorf("extractor: writing member %s: %w", memberPath, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("extractor: closing member %s: %w", memberPath, err)
		}
	}
}
