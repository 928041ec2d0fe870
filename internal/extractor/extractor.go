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

// Package extractor carves matched regions out of a target and, optionally,
// runs an external tool over the carved file (spec §4.8, C8). It mirrors
// binwalk's modules/extractor.py: build_output_directory, the dd-style
// carve, privilege-dropped command execution, symlink sanitization and the
// MD5 pre/post-tool hash compare that gates --rm.
package extractor

import (
	"crypto/md5" //nolint:gosec // spec-mandated: matches the original tool's own --rm hash comparison, not used for security
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	digest "github.com/opencontainers/go-digest"

	"github.com/tetratelabs/magicscan/api"
)

// arSentinel is the extract.conf cmd value that selects the in-process ar
// extractor (ExtractAr) instead of shelling out, per the ar rule's !:ar:
// carve target.
const arSentinel = "!:ar:"

// Rule maps a result's description to a file extension and, optionally, an
// external command template to run over the carved file. %e in Command is
// replaced with the carved file's basename, %%name%% with a unique sibling
// path generated for the command's own output. Command may also be the
// arSentinel value, which dispatches to the in-process ar extractor.
//
// Command may chain sub-commands with &&; each is run in turn and all must
// succeed (per Codes) for the rule to be considered successful.
type Rule struct {
	Match     func(description string) bool
	Extension string
	Command   string

	// Codes lists the exit codes that count as success. Empty means any
	// exit code is accepted (spec's default {0, any}).
	Codes []int

	// Recurse gates matryoshka rescanning of this rule's output; it only
	// narrows the Extractor's own Matryoshka option, never widens it.
	Recurse bool
}

// ExtractionRecord tracks what a single carve produced under the output
// directory: the carved file's own post-command siblings (spec §3
// extracted[offset].files) and the command that produced them, if any.
type ExtractionRecord struct {
	Files   []string
	Command string
}

// Options configures an Extractor.
type Options struct {
	OutputDir string
	Rules     []Rule

	// Chown, if set, is applied to OutputDir and every carved file.
	Chown *Credential

	MaxSize  int64
	MaxCount int

	// Remove deletes a carved file once its external command has run and
	// produced materially different output (spec §4.8 --rm).
	Remove bool

	// Matryoshka recurses into extracted output. Rescan, if set, is
	// invoked on every carved (or command-produced) file while depth <
	// MaxDepth; the caller wires this back to the scan engine to avoid an
	// import cycle.
	Matryoshka bool
	MaxDepth   int
	Rescan     func(path string, depth int) error
}

// Credential identifies the uid/gid an external command should drop
// privileges to before exec, mirroring binwalk's fork+setuid/setgid model
// via os/exec's SysProcAttr.
type Credential struct {
	UID uint32
	GID uint32
}

// Extractor carves and, optionally, post-processes matches.
type Extractor struct {
	opts      Options
	count     int
	seen      map[digest.Digest]bool
	extracted map[int64]*ExtractionRecord
}

// New builds an Extractor.
func New(opts Options) *Extractor {
	return &Extractor{opts: opts, seen: map[digest.Digest]bool{}, extracted: map[int64]*ExtractionRecord{}}
}

// SetRescan wires the matryoshka recursion callback after construction, for
// callers that need a reference to the scan engine the Extractor itself is
// feeding results from (avoiding an import cycle between the two packages).
func (e *Extractor) SetRescan(rescan func(path string, depth int) error) {
	e.opts.Rescan = rescan
}

// Extracted returns the extraction record built up per matched offset, for
// callers that want to report what a carve's post-processing command
// actually produced.
func (e *Extractor) Extracted() map[int64]*ExtractionRecord {
	return e.extracted
}

// rulesFor returns every rule whose Match accepts description, in
// declaration order, so Carve can fall through from one to the next on
// command failure (spec §4.8 Failure semantics).
func (e *Extractor) rulesFor(description string) []Rule {
	var out []Rule
	for _, r := range e.opts.Rules {
		if r.Match(description) {
			out = append(out, r)
		}
	}
	return out
}

// Carve extracts the bytes of a matched result from src, starting at
// res.Offset, into OutputDir/<hex-offset>.<ext>, honoring MaxSize/MaxCount,
// and runs the rule's external command if one applies. depth is the
// matryoshka recursion depth this carve occurs at (0 for a top-level scan).
func (e *Extractor) Carve(src io.ReaderAt, srcLen int64, res *api.Result, depth int) (string, error) {
	if e.opts.MaxCount > 0 && e.count >= e.opts.MaxCount {
		return "", nil
	}
	matching := e.rulesFor(res.Description)
	ext := "bin"
	if len(matching) > 0 && matching[0].Extension != "" {
		ext = matching[0].Extension
	}

	if err := e.buildOutputDir(); err != nil {
		return "", err
	}

	size := srcLen - res.Offset
	if res.Size > 0 && res.Size < size {
		size = res.Size
	}
	if e.opts.MaxSize > 0 && size > e.opts.MaxSize {
		size = e.opts.MaxSize
	}
	if size < 0 {
		size = 0
	}

	name := fmt.Sprintf("%X.%s", res.Offset, ext)
	if res.Name != "" {
		name = res.Name
	}
	path := uniquify(filepath.Join(e.opts.OutputDir, name))

	if err := carveFile(src, res.Offset, size, path); err != nil {
		return "", err
	}
	if err := e.chown(path); err != nil {
		return "", err
	}
	e.count++

	var ranRule *Rule
	var newFiles []string
	if needsExec(matching) {
		if err := checkNotRoot(os.Geteuid(), e.opts.Chown); err != nil {
			return path, err
		}

		before := snapshotDir(e.opts.OutputDir)
		for i := range matching {
			r := &matching[i]
			if r.Command == "" {
				ranRule = r
				break
			}
			ok, err := e.runRule(r, path)
			if err != nil {
				return path, err
			}
			if ok {
				ranRule = r
				break
			}
		}
		newFiles = diffDirs(before, snapshotDir(e.opts.OutputDir))
		e.recordExtraction(res.Offset, newFiles, ranRule)
	}

	// Symlink sanitization runs unconditionally (spec §4.8 step 6): an
	// external tool run by any carve so far may have dropped an escaping
	// symlink anywhere under OutputDir, not just under this carve's own
	// new files.
	if err := SanitizeSymlinks(e.opts.OutputDir); err != nil {
		return path, err
	}

	recurse := e.opts.Matryoshka
	if ranRule != nil {
		recurse = recurse && ranRule.Recurse
	}
	if recurse && e.opts.Rescan != nil && depth < e.opts.MaxDepth {
		targets := []string{path}
		if len(newFiles) > 0 {
			targets = nil
			for _, f := range newFiles {
				targets = append(targets, filepath.Join(e.opts.OutputDir, f))
			}
		}
		for _, t := range targets {
			d, derr := digestFile(t)
			if derr != nil || e.seen[d] {
				continue
			}
			e.seen[d] = true
			if err := e.opts.Rescan(t, depth+1); err != nil {
				return path, err
			}
		}
	}

	return path, nil
}

// checkNotRoot enforces spec §9's safety invariant: an extraction command
// never runs as root unless a run-as uid/gid has been configured, so a
// malicious carved file's post-processing can't compromise the host
// outright. This is not a configuration choice the operator can disable.
func checkNotRoot(euid int, chown *Credential) error {
	if euid == 0 && chown == nil {
		return errors.New("extractor: refusing to run extraction commands as root without a run-as user (--chown)")
	}
	return nil
}

// needsExec reports whether any of matching has a post-carve action to run,
// so Carve can skip the snapshot/command/sanitize dance entirely when
// there's nothing to do.
func needsExec(matching []Rule) bool {
	for _, r := range matching {
		if r.Command != "" {
			return true
		}
	}
	return false
}

func (e *Extractor) recordExtraction(offset int64, files []string, rule *Rule) {
	if len(files) == 0 && rule == nil {
		return
	}
	rec := &ExtractionRecord{Files: files}
	if rule != nil {
		rec.Command = rule.Command
	}
	e.extracted[offset] = rec
}

// runRule dispatches rule's post-carve action: the ar sentinel runs
// in-process, everything else shells out via runCommandAndMaybeRemove.
func (e *Extractor) runRule(rule *Rule, path string) (bool, error) {
	if rule.Command == arSentinel {
		outDir := path + ".extracted"
		if err := ExtractAr(path, outDir); err != nil {
			return false, nil
		}
		return true, nil
	}
	return e.runCommandAndMaybeRemove(rule, path)
}

// snapshotDir lists dir's current entry names, tolerating a missing or
// unreadable directory as empty (the output directory may not exist yet on
// the very first carve).
func snapshotDir(dir string) map[string]bool {
	out := map[string]bool{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, ent := range entries {
		out[ent.Name()] = true
	}
	return out
}

// diffDirs returns the names present in after but not before, sorted for
// deterministic output.
func diffDirs(before, after map[string]bool) []string {
	var out []string
	for name := range after {
		if !before[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// buildOutputDir creates OutputDir (and applies Chown), mirroring
// build_output_directory's mkdir-then-chown.
func (e *Extractor) buildOutputDir() error {
	if e.opts.OutputDir == "" {
		return errors.New("extractor: OutputDir is required")
	}
	if err := os.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("extractor: creating output directory: %w", err)
	}
	return e.chown(e.opts.OutputDir)
}

func (e *Extractor) chown(path string) error {
	if e.opts.Chown == nil {
		return nil
	}
	if err := os.Chown(path, int(e.opts.Chown.UID), int(e.opts.Chown.GID)); err != nil {
		return fmt.Errorf("extractor: chown %s: %w", path, err)
	}
	return nil
}

// carveFile copies size bytes from src at offset into a new file at path.
func carveFile(src io.ReaderAt, offset, size int64, path string) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("extractor: creating %s: %w", path, err)
	}
	defer out.Close() //nolint

	if _, err := io.Copy(out, io.NewSectionReader(src, offset, size)); err != nil {
		return fmt.Errorf("extractor: carving %s: %w", path, err)
	}
	return nil
}

// uniquify appends -1, -2, ... before path's extension until it names a
// file that doesn't exist yet, so repeated matches at the same offset (a
// signature re-matched via include filters, say) don't clobber each other.
func uniquify(path string) string {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

// runCommandAndMaybeRemove runs rule.Command's sub-commands (split on &&)
// in sequence in path's directory, dropping privileges to Chown's
// credential if set. %e is substituted with path's basename, %%name%% with
// a unique sibling path generated for the command's own output. It returns
// ok=false, nil (not an error) when a sub-command's exit code isn't among
// rule.Codes, so Carve falls through to the next matching rule per spec
// §4.8's Failure semantics. On success, it removes the carved file if
// Remove is set and the command materially changed path's content (spec
// §4.8's MD5 pre/post-tool compare: an unchanged hash means the tool
// didn't actually do anything, so the raw carve is kept rather than
// silently discarded).
func (e *Extractor) runCommandAndMaybeRemove(rule *Rule, path string) (bool, error) {
	preHash, err := hashFile(path)
	if err != nil {
		return false, err
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	unique := filepath.Base(uniquify(filepath.Join(dir, strings.TrimSuffix(base, ext)+".extracted")))
	replacer := strings.NewReplacer("%e", base, "%%name%%", unique)

	for _, sub := range strings.Split(rule.Command, "&&") {
		cmdline := replacer.Replace(strings.TrimSpace(sub))
		fields := strings.Fields(cmdline)
		if len(fields) == 0 {
			continue
		}

		cmd := exec.Command(fields[0], fields[1:]...) //nolint:gosec // cmdline is operator-supplied configuration, not attacker input
		cmd.Dir = dir
		if e.opts.Chown != nil {
			cmd.SysProcAttr = &syscall.SysProcAttr{
				Credential: &syscall.Credential{Uid: e.opts.Chown.UID, Gid: e.opts.Chown.GID},
			}
		}
		runErr := cmd.Run()
		if !codeAccepted(rule.Codes, exitCode(runErr)) {
			return false, nil
		}
	}

	if !e.opts.Remove {
		return true, nil
	}
	postHash, err := hashFile(path)
	if err != nil {
		// The tool may have consumed/renamed the carved file itself.
		return true, nil
	}
	if postHash != preHash {
		_ = os.Remove(path)
	}
	return true, nil
}

// exitCode extracts a command's exit status, returning 0 for a nil error
// (success) and -1 for a failure that never produced an exit code at all
// (the binary wasn't found, say).
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// codeAccepted reports whether code counts as success for rule. An empty
// Codes list is the spec's default {0, any}: every exit code passes.
func codeAccepted(codes []int, code int) bool {
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint
	return digest.FromReader(f)
}

// ParseCredential parses a "uid:gid" string, as accepted by the CLI's
// --chown flag.
func ParseCredential(s string) (*Credential, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("extractor: invalid credential %q, want uid:gid", s)
	}
	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("extractor: invalid uid %q: %w", parts[0], err)
	}
	gid, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("extractor: invalid gid %q: %w", parts[1], err)
	}
	return &Credential{UID: uint32(uid), GID: uint32(gid)}, nil
}
