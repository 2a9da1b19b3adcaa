package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"gopkg.in/yaml.v3"
)

// DefaultTemplate is the analysis template used when none is configured.
const DefaultTemplate = "weekly_funnel_v1"

//go:embed templates/*.prompt
var builtin embed.FS

// PromptConfig holds metadata from the YAML frontmatter.
type PromptConfig struct {
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	// ResponseMIMEType asks the backend for a given payload type
	// ("application/json").
	ResponseMIMEType string `yaml:"response_mime_type"`
	MaxOutputTokens  int32  `yaml:"max_output_tokens"`
}

// Prompt represents a loaded prompt with config and template.
type Prompt struct {
	ID       string
	Config   PromptConfig
	Template *template.Template
}

// Data is what analysis templates are rendered with.
type Data struct {
	BatchID string
	// Table is the CSV serialization of the (possibly windowed) table.
	Table     string
	Columns   []string
	Rows      int
	TotalRows int
	Truncated bool
	Summary   any
}

// Parse reads a prompt document: YAML frontmatter between "---" lines,
// then a text/template body.
func Parse(id string, data []byte) (*Prompt, error) {
	parts := strings.SplitN(string(data), "---", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("prompt %s: missing frontmatter delimiters", id)
	}

	var config PromptConfig
	if err := yaml.Unmarshal([]byte(parts[1]), &config); err != nil {
		return nil, fmt.Errorf("prompt %s: failed to parse frontmatter: %w", id, err)
	}

	tmpl, err := template.New(id).Option("missingkey=error").Parse(strings.TrimSpace(parts[2]))
	if err != nil {
		return nil, fmt.Errorf("prompt %s: failed to parse template body: %w", id, err)
	}
	return &Prompt{ID: id, Config: config, Template: tmpl}, nil
}

// LoadPrompt reads a .prompt file. The file name without extension is
// the template id.
func LoadPrompt(path string) (*Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}
	return Parse(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), data)
}

// Execute applies data to the template and returns the result string.
func (p *Prompt) Execute(data any) (string, error) {
	var buf bytes.Buffer
	if err := p.Template.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", p.ID, err)
	}
	return buf.String(), nil
}

// Registry holds prompts by template id.
type Registry struct {
	prompts map[string]*Prompt
}

// NewRegistry loads the built-in prompts, then any *.prompt files in dir
// (which override built-ins of the same id). An empty dir loads only the
// built-ins.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{prompts: make(map[string]*Prompt)}

	entries, err := fs.Glob(builtin, "templates/*.prompt")
	if err != nil {
		return nil, err
	}
	for _, name := range entries {
		data, err := builtin.ReadFile(name)
		if err != nil {
			return nil, err
		}
		p, err := Parse(strings.TrimSuffix(filepath.Base(name), ".prompt"), data)
		if err != nil {
			return nil, err
		}
		r.prompts[p.ID] = p
	}

	if dir == "" {
		return r, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.prompt"))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		p, err := LoadPrompt(path)
		if err != nil {
			return nil, err
		}
		r.prompts[p.ID] = p
	}
	return r, nil
}

// Get returns the prompt for a template id.
func (r *Registry) Get(id string) (*Prompt, error) {
	p, ok := r.prompts[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown prompt template %q", apperrors.ErrInvalidInput, id)
	}
	return p, nil
}

// IDs lists the registered template ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.prompts))
	for id := range r.prompts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
