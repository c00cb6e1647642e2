// Package schema maps country codes to the set of fields extractable from
// that country's vehicle-registration document. Schemas are static data
// loaded once at startup; adding a country means adding a YAML entry, not
// touching pipeline code.
package schema

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed schemas.yaml
var embeddedSchemas []byte

// ErrUnsupportedCountry is returned when no schema exists for a country code.
var ErrUnsupportedCountry = eris.New("schema: unsupported country code")

// Field is a single extractable field with its human-readable description.
// Every field is optional: a document may simply not carry it.
type Field struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// FieldSchema is the ordered field set for one country's document variant.
type FieldSchema struct {
	CountryCode string  `yaml:"code"`
	Document    string  `yaml:"document"`
	Fields      []Field `yaml:"fields"`
}

// FieldNames returns the schema's field names in declaration order.
func (s *FieldSchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Registry resolves country codes to field schemas. Read-only after New.
type Registry struct {
	schemas map[string]*FieldSchema
	order   []string
}

type schemaFile struct {
	Countries []FieldSchema `yaml:"countries"`
}

// New loads the embedded schema definitions.
func New() (*Registry, error) {
	return Parse(embeddedSchemas)
}

// Parse builds a registry from raw YAML. Exposed for tests and for loading
// an operator-supplied schema file instead of the embedded one.
func Parse(raw []byte) (*Registry, error) {
	var file schemaFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrap(err, "schema: parse yaml")
	}
	if len(file.Countries) == 0 {
		return nil, eris.New("schema: no countries defined")
	}

	r := &Registry{schemas: make(map[string]*FieldSchema, len(file.Countries))}
	for i := range file.Countries {
		s := &file.Countries[i]
		code := strings.ToUpper(strings.TrimSpace(s.CountryCode))
		if code == "" {
			return nil, eris.New("schema: country entry missing code")
		}
		if len(s.Fields) == 0 {
			return nil, eris.Errorf("schema: country %s has no fields", code)
		}
		if _, dup := r.schemas[code]; dup {
			return nil, eris.Errorf("schema: duplicate country %s", code)
		}
		s.CountryCode = code
		r.schemas[code] = s
		r.order = append(r.order, code)
	}
	return r, nil
}

// SchemaFor returns the field schema for a country code. Lookup is
// case-insensitive. Unknown codes return ErrUnsupportedCountry.
func (r *Registry) SchemaFor(countryCode string) (*FieldSchema, error) {
	s, ok := r.schemas[strings.ToUpper(strings.TrimSpace(countryCode))]
	if !ok {
		return nil, eris.Wrapf(ErrUnsupportedCountry, "no schema for country code: %s", countryCode)
	}
	return s, nil
}

// Countries returns the registered country codes in definition order.
func (r *Registry) Countries() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
