package httpapi

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchemaSource is the JSON Schema for the manifest wire contract.
// additionalProperties is false at the top level so an SDK/server drift in
// field names is a 400, not silently ignored input; the free-form
// parameters object accepts any keys.
const manifestSchemaSource = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agent", "action", "justification", "environment"],
  "additionalProperties": false,
  "properties": {
    "agent": {
      "type": "object",
      "required": ["agent_id", "org_id"],
      "additionalProperties": false,
      "properties": {
        "agent_id": {"type": "string", "minLength": 1},
        "org_id": {"type": "string", "minLength": 1},
        "user_id": {"type": "string"}
      }
    },
    "action": {
      "type": "object",
      "required": ["provider", "method", "parameters"],
      "additionalProperties": false,
      "properties": {
        "provider": {"type": "string", "minLength": 1},
        "method": {"type": "string", "minLength": 1},
        "parameters": {"type": "object"}
      }
    },
    "justification": {
      "type": "object",
      "required": ["reasoning"],
      "additionalProperties": false,
      "properties": {
        "reasoning": {"type": "string"},
        "confidence_score": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "environment": {"type": "string", "minLength": 1},
    "dry_run": {"type": "boolean"}
  }
}`

const manifestSchemaURL = "https://authgate.dev/schemas/manifest.schema.json"

func compileManifestSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchemaSource)); err != nil {
		return nil, fmt.Errorf("httpapi: load manifest schema: %w", err)
	}
	schema, err := c.Compile(manifestSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("httpapi: compile manifest schema: %w", err)
	}
	return schema, nil
}
