package gateway

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const questionSchema = `{
  "type": "object",
  "properties": {
    "pergunta": {"type": ["string", "null"]},
    "sessionId": {"type": ["string", "null"]}
  }
}`

var questionSchemaCompiled = mustSchema(questionSchema)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("gateway: invalid schema: %v", err))
	}
	return schema
}

// validateQuestion checks a raw request body or websocket frame
func validateQuestion(body []byte) error {
	result, err := questionSchemaCompiled.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
