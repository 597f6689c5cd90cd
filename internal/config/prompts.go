package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"text/template"

	"github.com/BurntSushi/toml"
)

//go:embed prompts.toml
var defaultPromptsTOML []byte

// Prompt is a named prompt template with its generation limits.
type Prompt struct {
	Template    string  `toml:"template"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float32 `toml:"temperature"`

	tmpl *template.Template
}

// Prompts holds the prompt catalog keyed by purpose.
type Prompts map[string]*Prompt

// LoadPrompts parses the built-in catalog and applies overrides from path, if any.
func LoadPrompts(path string) (Prompts, error) {
	prompts := Prompts{}
	if _, err := toml.Decode(string(defaultPromptsTOML), &prompts); err != nil {
		return nil, fmt.Errorf("parsing built-in prompts: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading prompts: %w", err)
		}
		overrides := Prompts{}
		if _, err := toml.Decode(string(data), &overrides); err != nil {
			return nil, fmt.Errorf("parsing prompts %s: %w", path, err)
		}
		for name, p := range overrides {
			base, ok := prompts[name]
			if !ok {
				prompts[name] = p
				continue
			}
			if p.Template != "" {
				base.Template = p.Template
			}
			if p.MaxTokens > 0 {
				base.MaxTokens = p.MaxTokens
			}
			if p.Temperature > 0 {
				base.Temperature = p.Temperature
			}
		}
	}

	for name, p := range prompts {
		t, err := template.New(name).Option("missingkey=error").Parse(p.Template)
		if err != nil {
			return nil, fmt.Errorf("prompt %s: %w", name, err)
		}
		p.tmpl = t
	}
	return prompts, nil
}

// Render executes the named prompt with data.
func (ps Prompts) Render(name string, data any) (string, *Prompt, error) {
	p, ok := ps[name]
	if !ok || p.tmpl == nil {
		return "", nil, fmt.Errorf("unknown prompt %q", name)
	}
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", nil, fmt.Errorf("rendering prompt %s: %w", name, err)
	}
	return buf.String(), p, nil
}
