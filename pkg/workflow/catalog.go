package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Catalog is a read-only set of validated workflow definitions. The
// runtime never mutates it; authoring happens upstream.
type Catalog struct {
	defs map[string]*Definition
}

// LoadCatalog reads every *.yaml definition under dir, validates each
// document against the embedded schema and the handler set, and returns
// the resulting catalog. One file per definition.
func LoadCatalog(dir string, handlers HandlerSet) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("workflow: read catalog dir: %w", err)
	}

	c := &Catalog{defs: make(map[string]*Definition)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, e.Name()), handlers)
		if err != nil {
			return nil, err
		}
		if _, dup := c.defs[def.ID]; dup {
			return nil, fmt.Errorf("workflow: duplicate definition id %q", def.ID)
		}
		c.defs[def.ID] = def
	}
	return c, nil
}

// LoadDefinition reads, schema-checks and validates a single definition
// document.
func LoadDefinition(path string, handlers HandlerSet) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: load definition %q: %w", path, err)
	}
	return ParseDefinition(data, handlers)
}

// ParseDefinition decodes a YAML definition document. The document is
// first checked against the JSON schema, then decoded into a Definition
// and validated against the runtime's static rules.
func ParseDefinition(data []byte, handlers HandlerSet) (*Definition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("workflow: parse definition: %w", err)
	}
	// Round-trip through JSON so the schema validator sees json-decoded
	// types (yaml decodes numbers as int).
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("workflow: definition is not JSON-representable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("workflow: definition round-trip failed: %w", err)
	}
	if err := definitionSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("workflow: definition rejected by schema: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("workflow: decode definition: %w", err)
	}
	if err := def.Validate(handlers); err != nil {
		return nil, err
	}
	return &def, nil
}

// Get returns the definition with the given id.
func (c *Catalog) Get(id string) (*Definition, bool) {
	def, ok := c.defs[id]
	return def, ok
}

// List returns all definitions ordered by id.
func (c *Catalog) List() []*Definition {
	out := make([]*Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add inserts a programmatically built definition after validating it.
// Intended for tests and embedded deployments without a catalog dir.
func (c *Catalog) Add(def *Definition, handlers HandlerSet) error {
	if err := def.Validate(handlers); err != nil {
		return err
	}
	if c.defs == nil {
		c.defs = make(map[string]*Definition)
	}
	if _, dup := c.defs[def.ID]; dup {
		return fmt.Errorf("workflow: duplicate definition id %q", def.ID)
	}
	c.defs[def.ID] = def
	return nil
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]*Definition)}
}

var definitionSchema = jsonschema.MustCompileString("workflow.schema.json", definitionSchemaDoc)

const definitionSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "spec_version", "handler", "trigger", "consensus", "target"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "spec_version": {"type": "string", "minLength": 1},
    "handler": {"type": "string", "minLength": 1},
    "trigger": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"enum": ["cron", "evm-log"]},
        "cron": {
          "type": "object",
          "required": ["schedule"],
          "properties": {"schedule": {"type": "string", "minLength": 1}}
        },
        "evm_log": {
          "type": "object",
          "required": ["chain_selector", "contract_address", "event_signature"],
          "properties": {
            "chain_selector": {"type": "integer", "minimum": 1},
            "contract_address": {"type": "string", "minLength": 1},
            "event_signature": {"type": "string", "minLength": 1},
            "filter": {"type": "string"}
          }
        }
      }
    },
    "consensus": {
      "type": "object",
      "required": ["fields", "report_id", "strategy", "quorum", "round_timeout"],
      "properties": {
        "fields": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "report_id": {"type": "string", "minLength": 1},
        "strategy": {"enum": ["identical", "median"]},
        "quorum": {"type": "integer", "minimum": 1},
        "round_timeout": {"type": "string", "minLength": 1}
      }
    },
    "target": {
      "type": "object",
      "required": ["chain_selector", "contract_address"],
      "properties": {
        "chain_selector": {"type": "integer", "minimum": 1},
        "contract_address": {"type": "string", "minLength": 1}
      }
    }
  }
}`
