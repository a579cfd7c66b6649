package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/asaproj/asa/internal/faults"
)

// BackupDirName is the directory under the workspace root that holds
// pre-edit copies, mirroring each file's relative path.
const BackupDirName = ".backups"

// defaultPreviewContext is the number of unchanged lines Preview shows
// around each edit.
const defaultPreviewContext = 3

// Applicator applies patch sets to a repository working tree. Each file is
// backed up before its first modification so a failed apply can be rolled
// back. An Applicator tracks one apply session and is not safe for
// concurrent use.
type Applicator struct {
	root string

	// PreviewContext is the number of unchanged lines shown around each
	// edit in Preview output.
	PreviewContext int

	// applied records files modified this session, in order.
	applied []backupRecord

	// now is replaceable for tests.
	now func() time.Time
}

type backupRecord struct {
	path   string // absolute path of the modified file
	backup string // absolute path of its backup copy
}

// NewApplicator creates an applicator rooted at the given working tree.
func NewApplicator(root string) *Applicator {
	return &Applicator{root: root, PreviewContext: defaultPreviewContext, now: time.Now}
}

// Apply applies every patch in the set. Patches are grouped per file and
// applied bottom-up so earlier edits do not shift the line numbers of later
// ones. On any failure the tree is left as-is; call Rollback to restore.
func (a *Applicator) Apply(set *Set) error {
	if err := set.Validate(); err != nil {
		return err
	}

	for _, file := range set.Files() {
		patches := patchesFor(set, file)
		sort.SliceStable(patches, func(i, j int) bool {
			return patches[i].StartLine > patches[j].StartLine
		})

		abs, err := a.resolve(file)
		if err != nil {
			return err
		}
		lines, err := readLines(abs)
		if err != nil {
			return faults.Wrap(faults.KindFileNotFound, err)
		}

		if err := a.backup(file, abs); err != nil {
			return err
		}

		for _, p := range patches {
			lines, err = splice(lines, p)
			if err != nil {
				return fmt.Errorf("apply %s: %w", file, err)
			}
		}

		if err := writeAtomic(abs, lines); err != nil {
			return fmt.Errorf("write %s: %w", file, err)
		}
	}
	return nil
}

// Rollback restores every file modified this session from its backup, most
// recent first, and forgets the session.
func (a *Applicator) Rollback() error {
	var firstErr error
	for i := len(a.applied) - 1; i >= 0; i-- {
		rec := a.applied[i]
		data, err := os.ReadFile(rec.backup)
		if err == nil {
			err = os.WriteFile(rec.path, data, 0o644)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restore %s: %w", rec.path, err)
		}
	}
	a.applied = nil
	return firstErr
}

// AppliedFiles returns the relative paths modified this session.
func (a *Applicator) AppliedFiles() []string {
	var files []string
	for _, rec := range a.applied {
		if rel, err := filepath.Rel(a.root, rec.path); err == nil {
			files = append(files, filepath.ToSlash(rel))
		}
	}
	return files
}

// Preview renders the set as a diff-like summary without touching the tree.
// Edits are shown with surrounding lines from the current file contents when
// the file is readable. The result is appended to the task log before
// application.
func (a *Applicator) Preview(set *Set) string {
	var b strings.Builder
	if set.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", set.Summary)
	}
	for _, p := range set.Patches {
		switch p.Operation {
		case OpInsert:
			fmt.Fprintf(&b, "--- %s: insert before line %d\n", p.FilePath, p.StartLine)
		case OpDelete:
			fmt.Fprintf(&b, "--- %s: delete lines %d-%d\n", p.FilePath, p.StartLine, p.EndLine)
		default:
			fmt.Fprintf(&b, "--- %s: replace lines %d-%d\n", p.FilePath, p.StartLine, p.EndLine)
		}
		if p.Reason != "" {
			fmt.Fprintf(&b, "    reason: %s\n", p.Reason)
		}
		a.previewPatch(&b, p)
	}
	return b.String()
}

// previewPatch writes one edit with context. A file that cannot be read
// previews as bare added lines.
func (a *Applicator) previewPatch(b *strings.Builder, p Patch) {
	var lines []string
	if abs, err := a.resolve(p.FilePath); err == nil {
		lines, _ = readLines(abs)
	}

	start, end := p.StartLine, p.EndLine
	if p.Operation == OpInsert {
		end = start - 1 // inserts remove nothing
	}

	from := start - 1 - a.PreviewContext
	if from < 0 {
		from = 0
	}
	for i := from; i < start-1 && i < len(lines); i++ {
		fmt.Fprintf(b, "  %s\n", lines[i])
	}
	if p.Operation != OpInsert {
		for i := start - 1; i < end && i < len(lines); i++ {
			fmt.Fprintf(b, "- %s\n", lines[i])
		}
	}
	if p.Operation != OpDelete {
		for _, line := range splitContent(p.NewContent) {
			fmt.Fprintf(b, "+ %s\n", line)
		}
	}
	for i := end; i < end+a.PreviewContext && i < len(lines); i++ {
		fmt.Fprintf(b, "  %s\n", lines[i])
	}
}

// resolve joins a validated relative path against the root and rejects
// anything that escapes it.
func (a *Applicator) resolve(rel string) (string, error) {
	abs := filepath.Join(a.root, filepath.FromSlash(rel))
	rootAbs, err := filepath.Abs(a.root)
	if err != nil {
		return "", err
	}
	absClean, err := filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	if absClean != rootAbs && !strings.HasPrefix(absClean, rootAbs+string(os.PathSeparator)) {
		return "", faults.Newf(faults.KindLLMInvalidResponse, "path escapes the repository: %s", rel)
	}
	return absClean, nil
}

// backup copies the file into the backup directory, mirroring its relative
// location, before the first edit of the session touches it.
func (a *Applicator) backup(rel, abs string) error {
	for _, rec := range a.applied {
		if rec.path == abs {
			return nil
		}
	}

	base := filepath.Base(rel)
	dir := filepath.Join(a.root, BackupDirName, filepath.Dir(filepath.FromSlash(rel)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	stamp := a.now().UTC().Format("20060102T150405")
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.%s.bak", base, stamp))

	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read for backup: %w", err)
	}
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	a.applied = append(a.applied, backupRecord{path: abs, backup: backupPath})
	return nil
}

// splice performs one edit on the file's lines. Bounds are checked against
// the current length so stale line numbers fail instead of corrupting.
func splice(lines []string, p Patch) ([]string, error) {
	n := len(lines)
	switch p.Operation {
	case OpInsert:
		// Inserting after the last line is allowed.
		if p.StartLine > n+1 {
			return nil, faults.Newf(faults.KindLLMInvalidResponse, "insert at line %d beyond end of %d-line file", p.StartLine, n)
		}
		at := p.StartLine - 1
		content := splitContent(p.NewContent)
		out := make([]string, 0, n+len(content))
		out = append(out, lines[:at]...)
		out = append(out, content...)
		out = append(out, lines[at:]...)
		return out, nil

	case OpReplace, OpDelete:
		if p.StartLine > n || p.EndLine > n {
			return nil, faults.Newf(faults.KindLLMInvalidResponse, "lines %d-%d beyond end of %d-line file", p.StartLine, p.EndLine, n)
		}
		var content []string
		if p.Operation == OpReplace {
			content = splitContent(p.NewContent)
		}
		out := make([]string, 0, n)
		out = append(out, lines[:p.StartLine-1]...)
		out = append(out, content...)
		out = append(out, lines[p.EndLine:]...)
		return out, nil
	}
	return nil, faults.Newf(faults.KindLLMInvalidResponse, "unknown operation: %q", p.Operation)
}

// splitContent normalizes patch content into lines without a trailing blank.
func splitContent(content string) []string {
	return strings.Split(strings.TrimRight(content, "\n"), "\n")
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return []string{}, nil
	}
	return strings.Split(text, "\n"), nil
}

// writeAtomic writes lines through a temp file and rename so a crash never
// leaves a half-written source file.
func writeAtomic(path string, lines []string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".asa-patch-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func patchesFor(set *Set, file string) []Patch {
	var out []Patch
	for _, p := range set.Patches {
		if p.FilePath == file {
			out = append(out, p)
		}
	}
	return out
}
