package jsonx

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/paritoshk/LLM-document-judge/internal/common"
)

// ValidateAgainstSchema validates data against schemaMap (a draft 2020-12
// subset built as a generic map). A schema violation is a malformed-output
// error: repaired payloads that fail validation are reported, not coerced
// into empty results.
func ValidateAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return common.Malformed("jsonx", "payload is not valid JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return common.Malformed("jsonx", "payload does not match schema", err)
	}
	return nil
}
