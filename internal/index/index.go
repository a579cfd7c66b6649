// Package index builds a searchable view of a cloned repository so fix
// generation can pull relevant code into its prompt context.
package index

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Hit is one search result: a file and the excerpt that matched.
type Hit struct {
	Path    string
	Score   float64
	Excerpt string
}

// Index answers relevance queries over a repository snapshot.
type Index interface {
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
	// Degraded reports whether this index is a reduced-quality fallback.
	Degraded() bool
}

// maxFileSize skips generated bundles and vendored blobs.
const maxFileSize = 512 * 1024

var skipDirs = map[string]bool{
	".git":         true,
	".backups":     true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"dist":         true,
	"build":        true,
}

var sourceExts = map[string]bool{
	".py": true, ".go": true, ".js": true, ".ts": true, ".tsx": true,
	".jsx": true, ".java": true, ".rb": true, ".rs": true, ".c": true,
	".h": true, ".cpp": true, ".cs": true, ".php": true, ".sh": true,
	".yaml": true, ".yml": true, ".toml": true, ".md": true, ".txt": true,
}

// document is one indexed file.
type document struct {
	path  string
	lines []string
	terms map[string]int
}

// Lexical is a term-frequency index over repository files. It is the
// fallback when no embedding backend is available and is always marked
// degraded so task logs note the reduced retrieval quality.
type Lexical struct {
	docs     []document
	degraded bool
}

// loadDocuments walks the repository and reads every indexable source
// file. Unreadable or oversized files are skipped, not errors.
func loadDocuments(root string) ([]document, error) {
	var docs []document
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileSize {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		text := string(data)
		docs = append(docs, document{
			path:  filepath.ToSlash(rel),
			lines: strings.Split(text, "\n"),
			terms: termCounts(text),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// BuildLexical walks the repository and indexes source files.
func BuildLexical(root string) (*Lexical, error) {
	docs, err := loadDocuments(root)
	if err != nil {
		return nil, err
	}
	return &Lexical{docs: docs, degraded: true}, nil
}

// Degraded always reports true for the lexical fallback.
func (l *Lexical) Degraded() bool {
	return l.degraded
}

// Search scores documents by query term frequency and returns excerpts
// around the best-matching lines.
func (l *Lexical) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 5
	}
	queryTerms := termCounts(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	var hits []Hit
	for _, doc := range l.docs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		score := 0.0
		for term := range queryTerms {
			if n, ok := doc.terms[term]; ok {
				score += float64(n)
			}
		}
		if score == 0 {
			continue
		}
		hits = append(hits, Hit{
			Path:    doc.path,
			Score:   score,
			Excerpt: excerpt(doc.lines, queryTerms),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// excerpt returns a window of lines around the first line containing a
// query term.
func excerpt(lines []string, queryTerms map[string]int) string {
	const window = 6

	match := 0
	for i, line := range lines {
		lower := strings.ToLower(line)
		for term := range queryTerms {
			if strings.Contains(lower, term) {
				match = i
				goto found
			}
		}
	}
found:
	start := match - window/2
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n")
}

// termCounts lowercases and splits text into identifier-ish terms.
func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	var sb strings.Builder
	flush := func() {
		if sb.Len() >= 3 {
			counts[strings.ToLower(sb.String())]++
		}
		sb.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return counts
}
