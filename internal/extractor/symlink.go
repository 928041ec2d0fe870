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
	"os"
	"path/filepath"
	"strings"
)

// SanitizeSymlinks walks root after an extraction and relinks any symlink
// whose target resolves outside root to the OS null device, matching
// binwalk's symlink_sanitizer: a crafted archive (e.g. a tar/cpio entry
// with "../../etc/passwd" as a link target) must not let later tooling
// follow it out of the extraction tree.
func SanitizeSymlinks(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("extractor: resolving root %s: %w", root, err)
	}

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("extractor: reading link %s: %w", path, err)
		}

		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(path), resolved)
		}
		resolved, err = filepath.Abs(resolved)
		if err != nil {
			return err
		}
		if real, rerr := filepath.EvalSymlinks(resolved); rerr == nil {
			resolved = real
		}

		if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("extractor: removing unsafe link %s: %w", path, err)
			}
			if err := os.Symlink(os.DevNull, path); err != nil {
				return fmt.Errorf("extractor: relinking %s to null device: %w", path, err)
			}
		}
		return nil
	})
}
