package parser

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// submissionSchemaJSON is the structural schema for job submissions. Semantic
// rules (timeout caps, method names, variable references) are checked by the
// parser itself after the structure is known to be sound.
const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["actions"],
  "properties": {
    "name": {"type": "string"},
    "device_type": {"type": "string"},
    "device": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "restriction": {"type": "string"},
    "priority": {"type": "string", "enum": ["low", "medium", "high"]},
    "visibility": {"type": "string", "enum": ["public", "group", "personal"]},
    "timeout": {"type": "string"},
    "metadata": {"type": "object", "additionalProperties": {"type": "string"}},
    "actions": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/action"}
    },
    "multinode": {
      "type": "object",
      "required": ["roles"],
      "properties": {
        "roles": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["role"],
            "properties": {
              "role": {"type": "string"},
              "count": {"type": "integer", "minimum": 1},
              "device_type": {"type": "string"},
              "tags": {"type": "array", "items": {"type": "string"}},
              "restriction": {"type": "string"},
              "actions": {"type": "array", "items": {"$ref": "#/$defs/action"}}
            }
          }
        }
      }
    }
  },
  "$defs": {
    "action": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "name": {"type": "string"},
        "kind": {"type": "string", "enum": ["deploy", "boot", "test", "finalize"]},
        "method": {"type": "string"},
        "timeout": {"type": "string"},
        "always_run": {"type": "boolean"},
        "parameters": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    }
  }
}`

var submissionSchema = jsonschema.MustCompileString("submission.json", submissionSchemaJSON)

// validateStructure runs schema validation over the decoded submission.
func validateStructure(doc any) error {
	err := submissionSchema.Validate(doc)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &MalformedJobError{Field: "$", Reason: err.Error()}
	}
	leaf := leafError(verr)
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if field == "" {
		field = "$"
	}
	return &MalformedJobError{
		Field:  field,
		Reason: fmt.Sprintf("%v", leaf.Message),
	}
}

// leafError digs to the most specific validation failure.
func leafError(verr *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return verr
}
