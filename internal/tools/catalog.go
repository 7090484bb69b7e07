package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fyrsmithlabs/gatewayd/internal/provider"
	"github.com/kaptinlin/jsonschema"
)

var toolIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

// ToolSpec describes one allow-listed tool.
type ToolSpec struct {
	ID          string `toml:"id" json:"id"`
	Description string `toml:"description" json:"description"`
	Impact      Impact `toml:"impact" json:"impact"`
	AutoApprove bool   `toml:"auto_approve" json:"auto_approve"`
	// Schema is a JSON Schema for the params object. Empty accepts any object.
	Schema string `toml:"schema" json:"schema,omitempty"`
	// Endpoint, when set, receives the params as a JSON POST on execution.
	Endpoint string `toml:"endpoint" json:"endpoint,omitempty"`
}

type compiledSpec struct {
	ToolSpec
	schema *jsonschema.Schema
}

// Catalog holds validated tool specs.
type Catalog struct {
	specs map[string]*compiledSpec
	ids   []string
}

// NewCatalog validates specs and compiles their schemas.
func NewCatalog(specs ...ToolSpec) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]*compiledSpec, len(specs))}
	compiler := jsonschema.NewCompiler()
	for i, s := range specs {
		if !toolIDPattern.MatchString(s.ID) {
			return nil, fmt.Errorf("tool[%d]: invalid id %q", i, s.ID)
		}
		if _, dup := c.specs[s.ID]; dup {
			return nil, fmt.Errorf("tool %s: duplicate id", s.ID)
		}
		switch s.Impact {
		case ImpactLow:
		case ImpactHigh:
			if s.AutoApprove {
				return nil, fmt.Errorf("tool %s: high-impact tools cannot auto-approve", s.ID)
			}
		case "":
			s.Impact = ImpactHigh
			if s.AutoApprove {
				return nil, fmt.Errorf("tool %s: auto_approve requires impact = \"low\"", s.ID)
			}
		default:
			return nil, fmt.Errorf("tool %s: impact must be low or high, got %q", s.ID, s.Impact)
		}
		cs := &compiledSpec{ToolSpec: s}
		if strings.TrimSpace(s.Schema) != "" {
			schema, err := compiler.Compile([]byte(s.Schema))
			if err != nil {
				return nil, fmt.Errorf("tool %s: compile schema: %w", s.ID, err)
			}
			cs.schema = schema
		}
		c.specs[s.ID] = cs
		c.ids = append(c.ids, s.ID)
	}
	sort.Strings(c.ids)
	return c, nil
}

// LoadCatalog reads a TOML file of [[tool]] tables.
func LoadCatalog(path string) (*Catalog, error) {
	var file struct {
		Tools []ToolSpec `toml:"tool"`
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decoding tool catalog %s: %w", path, err)
	}
	return NewCatalog(file.Tools...)
}

// Get returns the spec for id.
func (c *Catalog) Get(id string) (ToolSpec, bool) {
	s, ok := c.specs[id]
	if !ok {
		return ToolSpec{}, false
	}
	return s.ToolSpec, true
}

// List returns all specs sorted by ID.
func (c *Catalog) List() []ToolSpec {
	out := make([]ToolSpec, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.specs[id].ToolSpec)
	}
	return out
}

// Validate checks params against the tool's schema.
func (c *Catalog) Validate(toolID string, params json.RawMessage) error {
	s, ok := c.specs[toolID]
	if !ok {
		return &ValidationError{ToolID: toolID, Reason: "unknown tool"}
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var obj map[string]any
	if err := json.Unmarshal(params, &obj); err != nil {
		return &ValidationError{ToolID: toolID, Reason: "params must be a JSON object"}
	}
	if s.schema == nil {
		return nil
	}
	res := s.schema.ValidateJSON(params)
	if res.IsValid() {
		return nil
	}
	// fmt prints map keys sorted, so the reason is stable
	return &ValidationError{ToolID: toolID, Reason: fmt.Sprintf("schema: %v", res.Errors)}
}

// Definitions returns provider tool definitions for ids present in the
// catalog, in the order given.
func (c *Catalog) Definitions(ids []string) []provider.ToolDefinition {
	var out []provider.ToolDefinition
	for _, id := range ids {
		s, ok := c.specs[id]
		if !ok {
			continue
		}
		def := provider.ToolDefinition{Name: s.ID, Description: s.Description}
		if s.Schema != "" {
			def.InputSchema = json.RawMessage(s.Schema)
		}
		out = append(out, def)
	}
	return out
}
