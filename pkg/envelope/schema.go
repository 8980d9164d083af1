package envelope

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const wireSchema = `{
  "type": "object",
  "properties": {
    "job":        {"type": ["string", "null"]},
    "message_id": {"type": ["string", "null"]},
    "data":       {"type": ["object", "null"]},
    "complete":   {"type": ["array", "null"], "items": {"type": "string"}},
    "frozen":     {"type": ["boolean", "null"]},
    "status":     {"type": ["string", "null"]},
    "error":      {"type": ["object", "null"]},
    "formatters": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

var envelopeSchema = mustSchema(wireSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("envelope: invalid wire schema: %v", err))
	}
	return schema
}

func validate(body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}
	result, err := envelopeSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("JSON schema validation error: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("JSON schema validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
