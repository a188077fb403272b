package catalog

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "courses"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "courses": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "name", "levels"],
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "name": {"type": "string", "minLength": 1},
          "levels": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["key", "name", "subjects"],
              "properties": {
                "key": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
                "name": {"type": "string", "minLength": 1},
                "subjects": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["key", "label", "target_hours"],
                    "properties": {
                      "key": {"type": "string", "pattern": "^[A-Z0-9_]{1,16}$"},
                      "label": {"type": "string", "minLength": 1},
                      "target_hours": {"type": "number", "minimum": 0},
                      "color": {"type": "string", "pattern": "^#[0-9A-Fa-f]{6}$"},
                      "topics": {
                        "type": "array",
                        "items": {"type": "string", "minLength": 1}
                      }
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// validateSchema checks a decoded YAML document against the catalog schema.
func validateSchema(doc any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validating catalog schema: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("catalog does not match schema: %s", strings.Join(msgs, "; "))
}
