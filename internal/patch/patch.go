// Package patch defines the structured edit format produced by fix
// generation and the applicator that applies it to a working tree.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/asaproj/asa/internal/faults"
)

// Operation is the kind of edit a patch performs.
type Operation string

const (
	// OpReplace replaces the lines [StartLine, EndLine] with NewContent.
	OpReplace Operation = "replace"

	// OpInsert inserts NewContent before StartLine.
	OpInsert Operation = "insert"

	// OpDelete removes the lines [StartLine, EndLine].
	OpDelete Operation = "delete"
)

// Patch is a single structured edit to one file. Line numbers are 1-based
// and inclusive.
type Patch struct {
	FilePath   string    `json:"file_path"`
	Operation  Operation `json:"operation"`
	StartLine  int       `json:"start_line"`
	EndLine    int       `json:"end_line,omitempty"`
	NewContent string    `json:"new_content,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Set is an ordered group of patches forming one candidate fix.
type Set struct {
	Patches    []Patch `json:"patches"`
	Summary    string  `json:"summary,omitempty"`
	RootCause  string  `json:"root_cause,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Parse decodes a patch set from model output and validates it. Every
// problem in the set is reported, so a regenerated response can address
// them all at once.
func Parse(data []byte) (*Set, error) {
	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, faults.Wrap(faults.KindParseError, fmt.Errorf("decode patch set: %w", err))
	}
	if err := set.ValidateAll(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Validate checks the set and every patch in it, stopping at the first
// problem.
func (s *Set) Validate() error {
	if len(s.Patches) == 0 {
		return faults.New(faults.KindLLMInvalidResponse, "patch set contains no patches")
	}
	for i := range s.Patches {
		if err := s.Patches[i].Validate(); err != nil {
			return fmt.Errorf("patch %d: %w", i, err)
		}
	}
	return nil
}

// ValidateAll checks every patch and reports all problems together.
func (s *Set) ValidateAll() error {
	if len(s.Patches) == 0 {
		return faults.New(faults.KindLLMInvalidResponse, "patch set contains no patches")
	}
	var errs []error
	for i := range s.Patches {
		if err := s.Patches[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("patch %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks a single patch for structural soundness. Whether the
// referenced file and lines exist is checked at apply time.
func (p *Patch) Validate() error {
	if p.FilePath == "" {
		return faults.New(faults.KindLLMInvalidResponse, "file_path is required")
	}
	if filepath.IsAbs(p.FilePath) {
		return faults.Newf(faults.KindLLMInvalidResponse, "file_path must be relative: %s", p.FilePath)
	}
	clean := filepath.ToSlash(filepath.Clean(p.FilePath))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return faults.Newf(faults.KindLLMInvalidResponse, "file_path escapes the repository: %s", p.FilePath)
	}

	switch p.Operation {
	case OpReplace, OpInsert, OpDelete:
	default:
		return faults.Newf(faults.KindLLMInvalidResponse, "unknown operation: %q", p.Operation)
	}

	if p.StartLine < 1 {
		return faults.Newf(faults.KindLLMInvalidResponse, "start_line must be >= 1, got %d", p.StartLine)
	}
	if p.Operation != OpInsert {
		if p.EndLine < p.StartLine {
			return faults.Newf(faults.KindLLMInvalidResponse, "end_line %d precedes start_line %d", p.EndLine, p.StartLine)
		}
	}
	if p.Operation != OpDelete && p.NewContent == "" {
		return faults.Newf(faults.KindLLMInvalidResponse, "new_content is required for %s", p.Operation)
	}
	return nil
}

// Files returns the distinct file paths the set touches, in first-seen order.
func (s *Set) Files() []string {
	seen := make(map[string]bool)
	var files []string
	for _, p := range s.Patches {
		if !seen[p.FilePath] {
			seen[p.FilePath] = true
			files = append(files, p.FilePath)
		}
	}
	return files
}
