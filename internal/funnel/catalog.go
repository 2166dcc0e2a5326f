package funnel

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sawai-singh/rankmybrand.ai-sub001/internal/model"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// TypeSpec describes one extraction type.
type TypeSpec struct {
	ID          model.ExtractionType `yaml:"id"`
	Label       string               `yaml:"label"`
	Instruction string               `yaml:"instruction"`
}

// StagePrompts are the prompt templates of the four stages. Placeholders
// look like {{name}}.
type StagePrompts struct {
	Batch     string `yaml:"batch"`
	Category  string `yaml:"category"`
	Strategic string `yaml:"strategic"`
	Summary   string `yaml:"summary"`
}

// Catalog is the extraction catalog.
type Catalog struct {
	System string       `yaml:"system"`
	Types  []TypeSpec   `yaml:"types"`
	Stages StagePrompts `yaml:"stages"`
}

// DefaultCatalog parses the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// ParseCatalog parses and checks a catalog document. Every known extraction
// type must be present exactly once.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "funnel: parse catalog")
	}
	seen := make(map[model.ExtractionType]bool, len(c.Types))
	for _, t := range c.Types {
		if seen[t.ID] {
			return nil, eris.Errorf("funnel: catalog: duplicate type %q", t.ID)
		}
		seen[t.ID] = true
	}
	for _, want := range model.ExtractionTypes {
		if !seen[want] {
			return nil, eris.Errorf("funnel: catalog: missing type %q", want)
		}
	}
	if len(c.Types) != len(model.ExtractionTypes) {
		return nil, eris.Errorf("funnel: catalog: %d types, want %d", len(c.Types), len(model.ExtractionTypes))
	}
	if c.Stages.Batch == "" || c.Stages.Category == "" || c.Stages.Strategic == "" || c.Stages.Summary == "" {
		return nil, eris.New("funnel: catalog: every stage needs a prompt")
	}
	return &c, nil
}

// Spec returns the TypeSpec for id.
func (c *Catalog) Spec(id model.ExtractionType) TypeSpec {
	for _, t := range c.Types {
		if t.ID == id {
			return t
		}
	}
	return TypeSpec{ID: id, Label: string(id)}
}

// render substitutes {{key}} placeholders. Unknown placeholders stay.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
