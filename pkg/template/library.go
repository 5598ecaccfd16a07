// Package template holds the parameterized prompt templates rendered into
// per-spawn instruction files. Templates are embedded markdown documents with
// a small front-matter header declaring the task type and keywords used for
// selection.
package template

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	texttemplate "text/template"

	"github.com/gpt153/supervisor/pkg/models"
	"gopkg.in/yaml.v3"
)

//go:embed templates
var templatesFS embed.FS

var (
	// ErrTemplateNotFound is returned when no template matches a selection.
	ErrTemplateNotFound = errors.New("no template found")

	// ErrTemplateRender is returned when placeholder substitution fails.
	ErrTemplateRender = errors.New("template render failed")
)

// frontMatter is the YAML header of an embedded template file.
type frontMatter struct {
	ID       string   `yaml:"id"`
	TaskType string   `yaml:"task_type"`
	Keywords []string `yaml:"keywords"`
}

// Template is one loaded prompt template.
type Template struct {
	ID       string
	TaskType models.TaskType
	Keywords []string
	Body     string
}

// Data carries the placeholder values substituted into a template.
type Data struct {
	TASK_DESCRIPTION string
	TASK_TYPE        string
	PROJECT_PATH     string
	PROJECT_NAME     string
	CONTEXT_JSON     string
	AGENT_ID         string
}

// Library is the in-memory template registry keyed by template ID.
type Library struct {
	templates map[string]*Template
}

// Load parses every embedded template. Front-matter errors fail loading: the
// template set ships with the binary, so a malformed file is a build defect.
func Load() (*Library, error) {
	lib := &Library{templates: make(map[string]*Template)}

	err := fs.WalkDir(templatesFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		raw, err := templatesFS.ReadFile(path)
		if err != nil {
			return err
		}
		tmpl, err := parseTemplate(path, raw)
		if err != nil {
			return err
		}
		if _, exists := lib.templates[tmpl.ID]; exists {
			return fmt.Errorf("duplicate template id %q in %s", tmpl.ID, path)
		}
		lib.templates[tmpl.ID] = tmpl
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	if len(lib.templates) == 0 {
		return nil, fmt.Errorf("no templates embedded")
	}

	return lib, nil
}

// parseTemplate splits "---\n<yaml>\n---\n<body>" and validates the header.
func parseTemplate(path string, raw []byte) (*Template, error) {
	content := string(raw)
	if !strings.HasPrefix(content, "---\n") {
		return nil, fmt.Errorf("template %s: missing front matter", path)
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return nil, fmt.Errorf("template %s: unterminated front matter", path)
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, fmt.Errorf("template %s: invalid front matter: %w", path, err)
	}
	if fm.ID == "" {
		return nil, fmt.Errorf("template %s: front matter missing id", path)
	}

	keywords := make([]string, 0, len(fm.Keywords))
	for _, kw := range fm.Keywords {
		keywords = append(keywords, strings.ToLower(kw))
	}

	return &Template{
		ID:       fm.ID,
		TaskType: models.TaskType(fm.TaskType),
		Keywords: keywords,
		Body:     strings.TrimPrefix(rest[end+len("\n---\n"):], "\n"),
	}, nil
}

// Get returns a template by ID.
func (l *Library) Get(id string) (*Template, error) {
	tmpl, ok := l.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return tmpl, nil
}

// Select scores every template on (task_type match, keyword overlap with the
// description) and returns the best. Ties break lexicographically by template
// ID so selection is reproducible.
func (l *Library) Select(taskType models.TaskType, description string) (*Template, error) {
	words := descriptionWords(description)

	var (
		best      *Template
		bestScore int
	)
	for _, id := range l.sortedIDs() {
		tmpl := l.templates[id]
		score := 0
		if tmpl.TaskType == taskType {
			score += 100
		} else if tmpl.TaskType != "" {
			// A template bound to a different task type never wins over the
			// generic fallback.
			continue
		}
		for _, kw := range tmpl.Keywords {
			if words[kw] {
				score++
			}
		}
		// Strict > keeps the lexicographically-first template on ties.
		if best == nil || score > bestScore {
			best = tmpl
			bestScore = score
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: task_type=%s", ErrTemplateNotFound, taskType)
	}
	return best, nil
}

// Render substitutes placeholders into the template body.
func (t *Template) Render(data Data) (string, error) {
	tmpl, err := texttemplate.New(t.ID).Option("missingkey=error").Parse(t.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTemplateRender, t.ID, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTemplateRender, t.ID, err)
	}
	return buf.String(), nil
}

// IDs returns all template IDs sorted.
func (l *Library) IDs() []string {
	return l.sortedIDs()
}

func (l *Library) sortedIDs() []string {
	ids := make([]string, 0, len(l.templates))
	for id := range l.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// descriptionWords tokenizes a description into a lowercase word set.
func descriptionWords(description string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		words[w] = true
	}
	return words
}
