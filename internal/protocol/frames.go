package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// frameEnvelope extracts just the type discriminator every inbound
// frame carries; the remaining fields are validated against that type's
// own schema.
type frameEnvelope struct {
	Type string `json:"type"`
}

type schemaRegistry struct {
	once    sync.Once
	initErr error
	byType  map[string]*jsonschema.Schema
}

var inboundSchemas schemaRegistry

func initInboundSchemas() error {
	inboundSchemas.once.Do(func() {
		byType := map[string]string{
			"create-task":    createTaskSchema,
			"command-result": commandResultSchema,
			"cancel-task":    cancelTaskSchema,
			"ping":           pingSchema,
			"user-answer":    userAnswerSchema,
		}
		inboundSchemas.byType = make(map[string]*jsonschema.Schema, len(byType))
		for name, schema := range byType {
			compiled, err := jsonschema.CompileString("inbound_"+name, schema)
			if err != nil {
				inboundSchemas.initErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			inboundSchemas.byType[name] = compiled
		}
	})
	return inboundSchemas.initErr
}

// validateInboundFrame parses raw's type discriminator and validates the
// whole payload against that type's schema. It returns the recognized
// type name, or ok=false for an unknown type (callers log and ignore
// per §6's "unknown types are logged and ignored").
func validateInboundFrame(raw []byte) (frameType string, ok bool, err error) {
	if err := initInboundSchemas(); err != nil {
		return "", false, err
	}

	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", false, fmt.Errorf("decode frame: %w", err)
	}

	schema, known := inboundSchemas.byType[env.Type]
	if !known {
		return env.Type, false, nil
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return env.Type, false, fmt.Errorf("decode frame: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return env.Type, true, fmt.Errorf("frame %q failed validation: %w", env.Type, err)
	}
	return env.Type, true, nil
}

const createTaskSchema = `{
  "type": "object",
  "required": ["type", "request_id", "task_kind", "prompt"],
  "properties": {
    "type": { "const": "create-task" },
    "request_id": { "type": "string", "minLength": 1 },
    "task_kind": { "type": "string", "minLength": 1 },
    "client_id": { "type": "string" },
    "prompt": { "type": "string", "minLength": 1 },
    "context": {},
    "allowed_tools": {
      "type": "array",
      "items": { "type": "string" }
    }
  },
  "additionalProperties": true
}`

const commandResultSchema = `{
  "type": "object",
  "required": ["type", "task_id", "call_id", "ok"],
  "properties": {
    "type": { "const": "command-result" },
    "task_id": { "type": "string", "minLength": 1 },
    "call_id": { "type": "string", "minLength": 1 },
    "ok": { "type": "boolean" },
    "result": {},
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`

const cancelTaskSchema = `{
  "type": "object",
  "required": ["type", "task_id"],
  "properties": {
    "type": { "const": "cancel-task" },
    "task_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const pingSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "const": "ping" }
  },
  "additionalProperties": true
}`

const userAnswerSchema = `{
  "type": "object",
  "required": ["type", "task_id", "call_id", "answer"],
  "properties": {
    "type": { "const": "user-answer" },
    "task_id": { "type": "string", "minLength": 1 },
    "call_id": { "type": "string", "minLength": 1 },
    "answer": { "type": "string" }
  },
  "additionalProperties": true
}`
