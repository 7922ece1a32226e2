// Package protocol defines the message envelope, the role payload schemas,
// and the validator for agent outputs.
package protocol

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strongdm/friendsbar/internal/agent"
)

// Schema version tags. These are immutable identifiers of payload shapes;
// bumping one means introducing a new shape, never mutating an old one.
const (
	EnvelopeSchemaVersion = "friendsbar.envelope.v1"
	TaskSchemaVersion     = "friendsbar.task.v1"
	PlanSchemaVersion     = "friendsbar.plan.v1"
	DeliverySchemaVersion = "friendsbar.delivery.v1"
	ReviewSchemaVersion   = "friendsbar.review.v1"
)

// Role identifies which payload shape an agent is expected to produce.
type Role string

const (
	RolePlan     Role = "plan"
	RoleDelivery Role = "delivery"
	RoleReview   Role = "review"
)

// SchemaVersion returns the version tag for the role's payload shape.
func (r Role) SchemaVersion() string {
	switch r {
	case RolePlan:
		return PlanSchemaVersion
	case RoleReview:
		return ReviewSchemaVersion
	default:
		return DeliverySchemaVersion
	}
}

// RoleForAgent maps an agent ID to the payload role it must produce.
func RoleForAgent(agentID string) Role {
	switch agentID {
	case agent.Duffy:
		return RolePlan
	case agent.Stella:
		return RoleReview
	default:
		return RoleDelivery
	}
}

// Allowed enum values.
var (
	AllowedEnvelopeRoles = []string{"task", "review", "final", "error", "observation"}
	AllowedStatus        = []string{"failed", "ok", "partial"}
	AllowedAcceptance    = []string{"conditional", "fail", "pass"}
	AllowedGateDecision  = []string{"allow", "block", "conditional"}
	AllowedSeverity      = []string{"P0", "P1", "P2"}
)

func inEnum(v any, allowed []string) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// Envelope is the orchestrator->agent hand-off record. It is constructed once
// per run and written to the audit trail; it never travels on the provider
// wire.
type Envelope struct {
	MessageID     string         `json:"message_id"`
	TraceID       string         `json:"trace_id"`
	SchemaVersion string         `json:"schema_version"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Role          string         `json:"role"`
	Timestamp     string         `json:"timestamp"`
	Content       map[string]any `json:"content"`
	Attachments   []any          `json:"attachments"`
	Meta          map[string]any `json:"meta"`
}

// UTCNowISO returns the current UTC time in ISO 8601.
func UTCNowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// TaskEnvelopeSpec carries the inputs for BuildTaskEnvelope.
type TaskEnvelopeSpec struct {
	TraceID               string
	Sender                string
	Recipient             string
	Intent                string
	UserRequest           string
	Workdir               string
	TimeoutLevel          string
	ExpectedSchemaVersion string
}

// BuildTaskEnvelope creates one task envelope for orchestrator -> agent.
func BuildTaskEnvelope(spec TaskEnvelopeSpec) Envelope {
	return Envelope{
		MessageID:     newMessageID(),
		TraceID:       spec.TraceID,
		SchemaVersion: EnvelopeSchemaVersion,
		Sender:        spec.Sender,
		Recipient:     spec.Recipient,
		Role:          "task",
		Timestamp:     UTCNowISO(),
		Content: map[string]any{
			"schema_version": TaskSchemaVersion,
			"intent":         spec.Intent,
			"inputs": map[string]any{
				"user_request": spec.UserRequest,
				"workdir":      spec.Workdir,
			},
			"constraints": map[string]any{
				"timeout_level": spec.TimeoutLevel,
			},
			"expected_outputs": map[string]any{
				"schema_version": spec.ExpectedSchemaVersion,
			},
		},
		Attachments: []any{},
		Meta:        map[string]any{},
	}
}

// newMessageID returns a UUIDv4 without dashes.
func newMessageID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// BuildPlanContent creates normalized plan content.
func BuildPlanContent(requirementBreakdown []string, implementationScope string, acceptanceCriteria []string, handoffNotes string, nextQuestion string) map[string]any {
	status := "ok"
	if len(requirementBreakdown) == 0 || len(acceptanceCriteria) == 0 {
		status = "partial"
	}
	return map[string]any{
		"schema_version": PlanSchemaVersion,
		"status":         status,
		"result": map[string]any{
			"requirement_breakdown": toAnyList(requirementBreakdown),
			"implementation_scope":  implementationScope,
			"acceptance_criteria":   toAnyList(acceptanceCriteria),
			"handoff_notes":         handoffNotes,
		},
		"warnings":      []any{},
		"errors":        []any{},
		"next_question": nextQuestion,
	}
}

// BuildDeliveryContent creates normalized delivery content. Status is ok only
// when execution evidence is present.
func BuildDeliveryContent(taskUnderstanding, implementationPlan string, executionEvidence []map[string]any, risksAndRollback string, deliverables []map[string]any, nextQuestion string) map[string]any {
	status := "partial"
	if len(executionEvidence) > 0 {
		status = "ok"
	}
	result := map[string]any{
		"task_understanding":  taskUnderstanding,
		"implementation_plan": implementationPlan,
		"execution_evidence":  toAnyMapList(executionEvidence),
		"risks_and_rollback":  risksAndRollback,
	}
	if deliverables != nil {
		result["deliverables"] = toAnyMapList(deliverables)
	}
	return map[string]any{
		"schema_version": DeliverySchemaVersion,
		"status":         status,
		"result":         result,
		"warnings":       []any{},
		"errors":         []any{},
		"next_question":  nextQuestion,
	}
}

// ReviewContentSpec carries the inputs for BuildReviewContent.
type ReviewContentSpec struct {
	Status       string
	Acceptance   string
	Verification []map[string]any
	RootCause    []string
	Issues       []map[string]any
	Gate         map[string]any
	NextQuestion string
	Warnings     []string
	Errors       []string
}

// BuildReviewContent creates normalized review content.
func BuildReviewContent(spec ReviewContentSpec) map[string]any {
	gate := spec.Gate
	if gate == nil {
		gate = map[string]any{"decision": "block", "conditions": []any{}}
	}
	return map[string]any{
		"schema_version": ReviewSchemaVersion,
		"status":         spec.Status,
		"acceptance":     spec.Acceptance,
		"verification":   toAnyMapList(spec.Verification),
		"root_cause":     toAnyList(spec.RootCause),
		"issues":         toAnyMapList(spec.Issues),
		"gate":           gate,
		"next_question":  spec.NextQuestion,
		"warnings":       toAnyList(spec.Warnings),
		"errors":         toAnyList(spec.Errors),
	}
}

func toAnyList(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

func toAnyMapList(in []map[string]any) []any {
	out := make([]any, 0, len(in))
	for _, m := range in {
		out = append(out, m)
	}
	return out
}
