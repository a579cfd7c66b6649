// Package prompt manages the versioned prompt catalog. Prompts are JSON
// records embedded in the binary; each carries a system prompt, a user
// template, the fields the template requires, an output schema for the
// response, and version strings recorded alongside LLM usage.
package prompt

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"text/template"

	"github.com/asaproj/asa/internal/faults"
)

//go:embed catalog/*.json
var catalogFS embed.FS

// OutputSchema describes the JSON object a prompt expects back. An empty
// Required list means the response is free text.
type OutputSchema struct {
	Required []string `json:"required,omitempty"`
}

// ModelOverrides narrows the pinned model settings for calls made with one
// prompt. Nil fields leave the purpose's pin untouched.
type ModelOverrides struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Prompt is one versioned entry in the catalog. Records are immutable:
// changing wording or schema means bumping a version, never editing in
// place, so usage rows keep pointing at the text that produced them.
type Prompt struct {
	Name           string       `json:"name"`
	Version        string       `json:"version"`
	SchemaVersion  string       `json:"schema_version"`
	Purpose        string       `json:"purpose"`
	Description    string       `json:"description,omitempty"`
	System         string       `json:"system"`
	Template       string       `json:"template"`
	RequiredFields []string     `json:"required_fields"`
	OutputSchema   OutputSchema `json:"output_schema,omitempty"`

	// ModelOverrides optionally adjusts the purpose's pinned model
	// configuration when this prompt is used.
	ModelOverrides *ModelOverrides `json:"model_overrides,omitempty"`

	// Checksum is the sha256 of the system prompt and template text,
	// computed at load time.
	Checksum string `json:"-"`

	tmpl *template.Template
}

// WantsJSON reports whether the prompt declares a structured response.
func (p *Prompt) WantsJSON() bool {
	return len(p.OutputSchema.Required) > 0
}

// Loader reads prompts from the embedded catalog and caches parsed
// templates. Safe for concurrent use.
type Loader struct {
	mu    sync.Mutex
	cache map[string]*Prompt
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{cache: make(map[string]*Prompt)}
}

// Load returns the named prompt, parsing and caching it on first use.
func (l *Loader) Load(name string) (*Prompt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.cache[name]; ok {
		return p, nil
	}

	data, err := catalogFS.ReadFile("catalog/" + name + ".json")
	if err != nil {
		return nil, faults.Newf(faults.KindFileNotFound, "prompt %q not in catalog", name)
	}

	var p Prompt
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse prompt %q: %w", name, err)
	}
	if p.Name != name {
		return nil, fmt.Errorf("prompt %q declares name %q", name, p.Name)
	}
	if p.Version == "" || p.SchemaVersion == "" || p.Template == "" {
		return nil, fmt.Errorf("prompt %q missing version, schema_version, or template", name)
	}
	if p.System == "" {
		return nil, fmt.Errorf("prompt %q missing system prompt", name)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(p.Template)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}
	p.tmpl = tmpl

	sum := sha256.Sum256([]byte(p.System + "\x00" + p.Template))
	p.Checksum = hex.EncodeToString(sum[:])

	l.cache[name] = &p
	return &p, nil
}

// Names lists every prompt in the embedded catalog.
func (l *Loader) Names() ([]string, error) {
	entries, err := catalogFS.ReadDir("catalog")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		names = append(names, name[:len(name)-len(".json")])
	}
	sort.Strings(names)
	return names, nil
}

// Render fills the user template with fields, rejecting calls that omit
// any required field.
func (p *Prompt) Render(fields map[string]any) (string, error) {
	var missing []string
	for _, f := range p.RequiredFields {
		if _, ok := fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return "", faults.Newf(faults.KindInvalidInput, "prompt %q missing fields: %v", p.Name, missing)
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, fields); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", p.Name, err)
	}
	return buf.String(), nil
}

// ValidateResponse checks a parsed response against the output schema.
// Failures are llm_invalid_response: the model spoke, but not in the
// shape this prompt version promised.
func (p *Prompt) ValidateResponse(obj map[string]any) error {
	var missing []string
	for _, key := range p.OutputSchema.Required {
		if _, ok := obj[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return faults.Newf(faults.KindLLMInvalidResponse,
			"response missing required keys %v (prompt %s schema %s)", missing, p.Name, p.SchemaVersion)
	}
	return nil
}
