package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaCache memoizes compiled schemas by their canonical JSON text so a
// tool/template whose schema never changes (the common case — schemas are
// read-only for the lifetime of a session, §5) only pays compilation cost
// once.
var schemaCache sync.Map // string(canonical schema JSON) -> *jsonschema.Schema

// ValidateInput validates input against schema, a JSON Schema document in
// the same shape Definition.Schema/AgentTemplate.InputSchema/OutputSchema
// carry (§4.2: "input validation against the schema fails with
// ToolInputInvalid"; §4.5 step 2: "validate prompt and params against the
// template's input schema"; §4.5 output shaping: "validated against
// outputSchema"). A nil/empty schema matches anything.
func ValidateInput(schema map[string]any, input any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	// jsonschema validates decoded-JSON-shaped values (map[string]any,
	// []any, string, float64, bool, nil) — round-trip through JSON so a
	// Go-native map or struct value normalizes to what a wire payload would
	// have decoded to.
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encoding input: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decoding input: %w", err)
	}

	return compiled.Validate(doc)
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString(key, key)
	if err != nil {
		return nil, err
	}
	actual, _ := schemaCache.LoadOrStore(key, compiled)
	return actual.(*jsonschema.Schema), nil
}
