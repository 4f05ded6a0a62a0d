package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/template"

	"github.com/phrazzld/jobfit/internal/generation"
)

// promptData is what prompt templates are executed with.
type promptData struct {
	TemplateID string
	Locale     string
	Variables  map[string]any
}

// PromptSet holds the parsed prompt templates.
type PromptSet struct {
	tmpl *template.Template
}

// LoadPrompts parses every *.tmpl file in dir. A missing or empty directory
// yields a set that only uses the fallback rendering.
func LoadPrompts(dir string) (*PromptSet, error) {
	if dir == "" {
		return &PromptSet{}, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmpl"))
	if err != nil {
		return nil, fmt.Errorf("%w: list prompt templates: %v", generation.ErrInvalidConfig, err)
	}
	if len(matches) == 0 {
		return &PromptSet{}, nil
	}
	tmpl, err := template.New("prompts").Option("missingkey=zero").ParseFiles(matches...)
	if err != nil {
		return nil, fmt.Errorf("%w: parse prompt templates: %v", generation.ErrInvalidConfig, err)
	}
	return &PromptSet{tmpl: tmpl}, nil
}

// Render builds the prompt text for req.
func (p *PromptSet) Render(req generation.Request) (string, error) {
	data := promptData{
		TemplateID: req.TemplateID,
		Locale:     req.Locale,
		Variables:  req.Variables,
	}

	if p.tmpl != nil {
		if t := p.tmpl.Lookup(req.TemplateID + ".tmpl"); t != nil {
			var buf bytes.Buffer
			if err := t.Execute(&buf, data); err != nil {
				return "", fmt.Errorf("%w: execute prompt %s: %v", generation.ErrInvalidConfig, req.TemplateID, err)
			}
			return buf.String(), nil
		}
	}

	vars, err := json.MarshalIndent(req.Variables, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encode variables: %v", generation.ErrUnsupportedInput, err)
	}
	return fmt.Sprintf("Task: %s\nLocale: %s\nInput:\n%s\n", req.TemplateID, req.Locale, vars), nil
}
