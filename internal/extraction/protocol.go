// Package extraction isolates the contract between the pipeline and the
// vision model: it builds the outbound chat request for a country's document
// schema and parses the model's JSON reply into a flat field map.
package extraction

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/atlasreg/carte-extractor/internal/model"
	"github.com/atlasreg/carte-extractor/internal/schema"
	"github.com/atlasreg/carte-extractor/pkg/mistral"
)

// ErrParse is returned when the model reply is not a well-formed JSON object.
var ErrParse = eris.New("extraction: malformed model response")

// Protocol builds requests against a schema registry. The registry is
// read-only, so a single Protocol is safe for concurrent use.
type Protocol struct {
	registry *schema.Registry
}

// NewProtocol creates a Protocol backed by the given registry.
func NewProtocol(registry *schema.Registry) *Protocol {
	return &Protocol{registry: registry}
}

// BuildRequest assembles the chat request for one document image. It fails
// with schema.ErrUnsupportedCountry before any network cost is incurred when
// the country has no registered schema.
func (p *Protocol) BuildRequest(countryCode, imageBase64 string) (mistral.ChatRequest, error) {
	s, err := p.registry.SchemaFor(countryCode)
	if err != nil {
		return mistral.ChatRequest{}, err
	}

	return mistral.ChatRequest{
		Messages: []mistral.Message{
			{
				Role: "user",
				Content: []mistral.ContentPart{
					mistral.TextPart(BuildPrompt(s)),
					mistral.ImagePart("data:image/jpeg;base64," + imageBase64),
				},
			},
		},
		ResponseFormat: &mistral.ResponseFormat{Type: "json_object"},
	}, nil
}

// BuildPrompt renders the extraction instructions for one schema: the exact
// field list the model must populate, with unknown fields forced to null.
func BuildPrompt(s *schema.FieldSchema) string {
	var b strings.Builder
	b.WriteString("You are an expert in vehicle registration documents: ")
	b.WriteString(s.Document)
	b.WriteString(".\n")
	b.WriteString("Extract the following fields from the provided image and return them ")
	b.WriteString("as a single JSON object. Use exactly these keys:\n\n")
	for _, f := range s.Fields {
		b.WriteString("- ")
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Description)
		b.WriteString("\n")
	}
	b.WriteString("\nIf a field is not found or not applicable, set its value to null. ")
	b.WriteString("Dates must use the YYYY-MM-DD format. ")
	b.WriteString("Ensure the JSON output is strictly valid and directly parsable, ")
	b.WriteString("with no commentary outside the JSON object.")
	return b.String()
}

// ParseResponse decodes the model reply into a flat field map. Values may be
// strings, numbers, or booleans in the raw payload; everything non-null is
// normalized to a string. Nested objects or arrays, and payloads that are
// not JSON objects at all, yield ErrParse.
func ParseResponse(raw []byte) (model.Fields, error) {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, eris.Wrapf(ErrParse, "decode json: %v", err)
	}
	// json.Unmarshal accepts a literal null into a map without error; a
	// completed job must always carry a real field mapping.
	if decoded == nil {
		return nil, eris.Wrap(ErrParse, "reply is null, not an object")
	}

	fields := make(model.Fields, len(decoded))
	for name, value := range decoded {
		switch v := value.(type) {
		case nil:
			fields[name] = nil
		case string:
			s := v
			fields[name] = &s
		case float64:
			s := strconv.FormatFloat(v, 'f', -1, 64)
			fields[name] = &s
		case bool:
			s := strconv.FormatBool(v)
			fields[name] = &s
		default:
			return nil, eris.Wrapf(ErrParse, "field %s has non-scalar value", name)
		}
	}
	return fields, nil
}
