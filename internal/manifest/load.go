package manifest

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/precog-cx/connector-harness/internal/engerr"
)

//go:embed schema.json
var schemaFS embed.FS

type rawManifest struct {
	ID           string          `json:"id"`
	ConfigSchema json.RawMessage `json:"configSchema"`
	Transformers []Transformer   `json:"transformers,omitempty"`
	Reqs         []Request       `json:"reqs"`
	Deps         []Dependency    `json:"deps,omitempty"`
	Datasets     []Dataset       `json:"datasets"`
}

// Load reads and validates a manifest file. ManifestError is returned
// for every structural violation found; load does not abort on the
// first violation if more can be detected cheaply.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engerr.NewIOError("read manifest", err)
	}

	var violations []string

	if err := validateSchema(data); err != nil {
		violations = append(violations, err.Error())
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, engerr.NewManifestError("invalid JSON: %v", err)
	}

	if raw.ID == "" {
		violations = append(violations, "missing required field: id")
	}
	if len(raw.Reqs) == 0 {
		violations = append(violations, "missing required field: reqs (must be non-empty)")
	}
	if len(raw.Datasets) == 0 {
		violations = append(violations, "missing required field: datasets (must be non-empty)")
	}

	fields, err := parseConfigSchemaOrdered(raw.ConfigSchema)
	if err != nil {
		violations = append(violations, err.Error())
	}

	m := &Manifest{
		ID:           raw.ID,
		ConfigSchema: fields,
		Transformers: raw.Transformers,
		Reqs:         raw.Reqs,
		Deps:         raw.Deps,
		Datasets:     raw.Datasets,
	}

	violations = append(violations, validateSelections(m)...)
	violations = append(violations, validateReferences(m)...)

	if len(violations) > 0 {
		return nil, engerr.NewManifestError("%s", strings.Join(violations, "; "))
	}

	return m, nil
}

// parseConfigSchemaOrdered decodes configSchema (a JSON object) while
// preserving the declaration order of its keys, which a plain
// map[string]T decode would lose.
func parseConfigSchemaOrdered(raw json.RawMessage) ([]FieldSpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("configSchema: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("configSchema must be an object")
	}

	var fields []FieldSpec
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("configSchema: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("configSchema: non-string key")
		}
		var spec FieldSpec
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("configSchema[%s]: %w", key, err)
		}
		spec.Name = key
		fields = append(fields, spec)
	}
	return fields, nil
}

func validateSchema(data []byte) error {
	schemaData, err := schemaFS.ReadFile("schema.json")
	if err != nil {
		return nil // embedded schema missing is a packaging defect, not a manifest defect
	}
	schemaLoader := gojsonschema.NewBytesLoader(schemaData)
	docLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed to run: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("schema violations: %s", strings.Join(msgs, "; "))
}

// validateSelections enforces the Selection invariant of §3: at least
// one of path, expr, a type implying a derived value (status,
// full-body), or a nested select list must be present. Only each
// dependency's top-level selects are checked; nested selects are not.
func validateSelections(m *Manifest) []string {
	var out []string
	check := func(context string, sels []Select) {
		for _, s := range sels {
			if s.Path == "" && s.Expr == "" && s.Type != "status" && s.Type != "full-body" && len(s.Select) == 0 {
				out = append(out, fmt.Sprintf("%s: select %q has none of path/expr/derived-type/nested-select", context, s.Name))
			}
		}
	}
	for i, d := range m.Deps {
		check(fmt.Sprintf("deps[%d]", i), d.Select)
	}
	return out
}

// validateReferences checks the name-reference closure: every
// deps[].from/to and datasets[].data entry must name a declared
// reqs[].name.
func validateReferences(m *Manifest) []string {
	names := map[string]bool{}
	for _, r := range m.Reqs {
		names[r.Name] = true
	}
	names["env"] = true // synonymous with the oauth2 authorization request, §4.7.1/§9

	var out []string
	for i, d := range m.Deps {
		for _, n := range d.From {
			if !names[n] {
				out = append(out, fmt.Sprintf("deps[%d].from: unknown request %q", i, n))
			}
		}
		for _, n := range d.To {
			if !names[n] {
				out = append(out, fmt.Sprintf("deps[%d].to: unknown request %q", i, n))
			}
		}
	}
	for i, ds := range m.Datasets {
		for _, n := range ds.Data {
			if !names[n] {
				out = append(out, fmt.Sprintf("datasets[%d].data: unknown request %q", i, n))
			}
		}
	}
	return out
}
