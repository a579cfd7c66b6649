package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Embedder produces vector representations of text. The gateway's
// embeddings client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// chunkLines is the size of one embedded chunk. Chunks cut on line
// boundaries so excerpts stay readable as code.
const chunkLines = 40

// embedBatch bounds how many chunks go into one embeddings request.
const embedBatch = 64

type chunk struct {
	path      string
	startLine int
	text      string
	vector    []float32
}

// Semantic is the embedding-backed index tier: every chunk vector is held
// in memory and queries score by cosine similarity.
type Semantic struct {
	emb    Embedder
	chunks []chunk
}

// BuildSemantic walks the repository, chunks source files, and embeds
// every chunk. An embedding failure fails the whole build; callers fall
// back to the lexical tier.
func BuildSemantic(ctx context.Context, root string, emb Embedder) (*Semantic, error) {
	docs, err := loadDocuments(root)
	if err != nil {
		return nil, err
	}

	idx := &Semantic{emb: emb}
	var texts []string
	for _, doc := range docs {
		for start := 0; start < len(doc.lines); start += chunkLines {
			end := start + chunkLines
			if end > len(doc.lines) {
				end = len(doc.lines)
			}
			text := strings.Join(doc.lines[start:end], "\n")
			if strings.TrimSpace(text) == "" {
				continue
			}
			idx.chunks = append(idx.chunks, chunk{path: doc.path, startLine: start + 1, text: text})
			texts = append(texts, text)
		}
	}

	for start := 0; start < len(texts); start += embedBatch {
		end := start + embedBatch
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := emb.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
		}
		for i, v := range vectors {
			idx.chunks[start+i].vector = v
		}
	}
	return idx, nil
}

// Degraded reports false: this is the full-quality tier.
func (s *Semantic) Degraded() bool {
	return false
}

// Search embeds the query and returns the most similar chunks.
func (s *Semantic) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 5
	}
	if len(s.chunks) == 0 {
		return nil, nil
	}

	vectors, err := s.emb.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	q := vectors[0]

	hits := make([]Hit, 0, len(s.chunks))
	for _, c := range s.chunks {
		score := cosine(q, c.vector)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{
			Path:    fmt.Sprintf("%s:%d", c.path, c.startLine),
			Score:   score,
			Excerpt: c.text,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
