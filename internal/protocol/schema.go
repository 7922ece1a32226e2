package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// questionPattern requires at least one half- or full-width question mark.
const questionPattern = ".*[？?].*"

func commandResultItemSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"command", "result"},
		"properties": map[string]any{
			"command": map[string]any{"type": "string"},
			"result":  map[string]any{"type": "string"},
		},
	}
}

func stringListSchema() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}

func nextQuestionSchema() map[string]any {
	return map[string]any{"type": "string", "minLength": 1, "pattern": questionPattern}
}

// BuildAgentOutputSchema returns the JSON Schema document for one role's
// output payload. The same document is rendered into prompts and repair
// prompts, so the shapes here are the single source of truth.
func BuildAgentOutputSchema(role Role) map[string]any {
	switch role {
	case RoleReview:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required": []any{
				"schema_version",
				"status",
				"acceptance",
				"verification",
				"root_cause",
				"issues",
				"gate",
				"next_question",
				"warnings",
				"errors",
			},
			"properties": map[string]any{
				"schema_version": map[string]any{"type": "string", "enum": []any{ReviewSchemaVersion}},
				"status":         map[string]any{"type": "string", "enum": toAnyList(AllowedStatus)},
				"acceptance":     map[string]any{"type": "string", "enum": toAnyList(AllowedAcceptance)},
				"verification": map[string]any{
					"type":     "array",
					"minItems": 2,
					"items":    commandResultItemSchema(),
				},
				"root_cause": stringListSchema(),
				"issues": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"required":             []any{"severity", "summary"},
						"properties": map[string]any{
							"id":       map[string]any{"type": "string"},
							"severity": map[string]any{"type": "string", "enum": toAnyList(AllowedSeverity)},
							"summary":  map[string]any{"type": "string"},
						},
					},
				},
				"gate": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []any{"decision", "conditions"},
					"properties": map[string]any{
						"decision":   map[string]any{"type": "string", "enum": toAnyList(AllowedGateDecision)},
						"conditions": stringListSchema(),
					},
				},
				"next_question": nextQuestionSchema(),
				"warnings":      stringListSchema(),
				"errors":        stringListSchema(),
			},
		}
	case RolePlan:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required": []any{
				"schema_version",
				"status",
				"result",
				"next_question",
				"warnings",
				"errors",
			},
			"properties": map[string]any{
				"schema_version": map[string]any{"type": "string", "enum": []any{PlanSchemaVersion}},
				"status":         map[string]any{"type": "string", "enum": toAnyList(AllowedStatus)},
				"result": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required": []any{
						"requirement_breakdown",
						"implementation_scope",
						"acceptance_criteria",
						"handoff_notes",
					},
					"properties": map[string]any{
						"requirement_breakdown": map[string]any{
							"type":     "array",
							"minItems": 1,
							"items":    map[string]any{"type": "string"},
						},
						"implementation_scope": map[string]any{"type": "string"},
						"acceptance_criteria": map[string]any{
							"type":     "array",
							"minItems": 1,
							"items":    map[string]any{"type": "string"},
						},
						"handoff_notes": map[string]any{"type": "string"},
					},
				},
				"next_question": nextQuestionSchema(),
				"warnings":      stringListSchema(),
				"errors":        stringListSchema(),
			},
		}
	default:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required": []any{
				"schema_version",
				"status",
				"result",
				"next_question",
				"warnings",
				"errors",
			},
			"properties": map[string]any{
				"schema_version": map[string]any{"type": "string", "enum": []any{DeliverySchemaVersion}},
				"status":         map[string]any{"type": "string", "enum": toAnyList(AllowedStatus)},
				"result": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required": []any{
						"task_understanding",
						"implementation_plan",
						"execution_evidence",
						"risks_and_rollback",
					},
					"properties": map[string]any{
						"task_understanding":  map[string]any{"type": "string"},
						"implementation_plan": map[string]any{"type": "string"},
						"execution_evidence": map[string]any{
							"type":  "array",
							"items": commandResultItemSchema(),
						},
						"risks_and_rollback": map[string]any{"type": "string"},
						"deliverables": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type":                 "object",
								"additionalProperties": false,
								"required":             []any{"path", "kind", "summary"},
								"properties": map[string]any{
									"path":    map[string]any{"type": "string"},
									"kind":    map[string]any{"type": "string", "enum": []any{"dir", "file"}},
									"summary": map[string]any{"type": "string"},
								},
							},
						},
					},
				},
				"next_question": nextQuestionSchema(),
				"warnings":      stringListSchema(),
				"errors":        stringListSchema(),
			},
		}
	}
}

// RenderSchema returns the indented JSON rendering of a role schema without
// HTML escaping, for embedding into prompts.
func RenderSchema(role Role) string {
	return renderJSON(BuildAgentOutputSchema(role))
}

func renderJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

var (
	compiledMu      sync.Mutex
	compiledSchemas = map[Role]*jsonschema.Schema{}
)

// compiledSchema compiles (once per role) the role schema for use as the
// structural backstop behind the hand-written diagnostics.
func compiledSchema(role Role) (*jsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if s, ok := compiledSchemas[role]; ok {
		return s, nil
	}
	b, err := json.Marshal(BuildAgentOutputSchema(role))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	compiledSchemas[role] = s
	return s, nil
}
