package relaysync

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://relaysync.local/schemas/"

// Minimal shapes: each kind needs its project reference and the attributes the handlers key on.
var payloadSchemas = map[EventKind]string{
	KindPush: `{
		"type": "object",
		"required": ["ref", "after"],
		"anyOf": [
			{"required": ["project_id"]},
			{"required": ["project"], "properties": {"project": {"required": ["id"]}}}
		],
		"properties": {
			"ref": {"type": "string"},
			"after": {"type": "string"},
			"project_id": {"type": "integer"},
			"project": {"type": "object", "properties": {"id": {"type": "integer"}}},
			"commits": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {"id": {"type": "string"}, "message": {"type": "string"}}
				}
			}
		}
	}`,
	KindChangeRequest: `{
		"type": "object",
		"required": ["project", "object_attributes"],
		"properties": {
			"project": {"type": "object", "required": ["id"], "properties": {"id": {"type": "integer"}}},
			"object_attributes": {
				"type": "object",
				"required": ["iid"],
				"properties": {
					"iid": {"type": "integer"},
					"title": {"type": "string"},
					"state": {"type": "string"},
					"action": {"type": "string"}
				}
			}
		}
	}`,
	KindTicket: `{
		"type": "object",
		"required": ["project", "object_attributes"],
		"properties": {
			"project": {"type": "object", "required": ["id"], "properties": {"id": {"type": "integer"}}},
			"object_attributes": {
				"type": "object",
				"required": ["iid"],
				"properties": {
					"iid": {"type": "integer"},
					"title": {"type": "string"},
					"state": {"type": "string"}
				}
			},
			"labels": {"type": "array", "items": {"type": "object"}}
		}
	}`,
	KindPipeline: `{
		"type": "object",
		"required": ["project", "object_attributes"],
		"properties": {
			"project": {"type": "object", "required": ["id"], "properties": {"id": {"type": "integer"}}},
			"object_attributes": {
				"type": "object",
				"required": ["id", "status"],
				"properties": {
					"id": {"type": "integer"},
					"status": {"type": "string"},
					"ref": {"type": "string"}
				}
			}
		}
	}`,
}

type schemaSet struct {
	once    sync.Once
	err     error
	schemas map[EventKind]*jsonschema.Schema
}

var payloadSchemaSet schemaSet

func (s *schemaSet) load() error {
	s.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		for kind, text := range payloadSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
			if err != nil {
				s.err = fmt.Errorf("parse %s schema: %w", kind, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+kind.String()+".json", doc); err != nil {
				s.err = fmt.Errorf("add %s schema: %w", kind, err)
				return
			}
		}
		compiled := make(map[EventKind]*jsonschema.Schema, len(payloadSchemas))
		for kind := range payloadSchemas {
			sch, err := compiler.Compile(schemaBaseURL + kind.String() + ".json")
			if err != nil {
				s.err = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			compiled[kind] = sch
		}
		s.schemas = compiled
	})
	return s.err
}

// ValidatePayload checks raw against the shape registered for kind. A violation is permanent.
func ValidatePayload(kind EventKind, raw []byte) error {
	if err := payloadSchemaSet.load(); err != nil {
		return err
	}
	sch, ok := payloadSchemaSet.schemas[kind]
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, kind))
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Permanent(fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	if err := sch.Validate(inst); err != nil {
		return Permanent(fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, kind, err))
	}
	return nil
}
