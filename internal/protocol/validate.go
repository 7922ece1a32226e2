package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// Error codes for protocol and safety diagnostics. Validation codes come from
// the validator; safety codes are appended by the orchestrator's gate before
// a repair attempt.
const (
	CodeSchemaInvalidFormat    = "E_SCHEMA_INVALID_FORMAT"
	CodeSchemaMissingField     = "E_SCHEMA_MISSING_FIELD"
	CodeSchemaInvalidEnum      = "E_SCHEMA_INVALID_ENUM"
	CodeReviewEvidenceMissing  = "E_REVIEW_EVIDENCE_MISSING"
	CodeReviewGateInconsistent = "E_REVIEW_GATE_INCONSISTENT"

	CodeSafetyCommandDenied     = "E_SAFETY_COMMAND_DENIED"
	CodeSafetyCommandNotAllowed = "E_SAFETY_COMMAND_NOT_ALLOWED"
	CodeWorkdirCommandOutside   = "E_WORKDIR_COMMAND_OUTSIDE"

	CodeDeliveryOutsideWorkdir     = "E_DELIVERY_OUTSIDE_WORKDIR"
	CodeDeliveryMissingDeliverable = "E_DELIVERY_MISSING_DELIVERABLE"
	CodeDeliveryExpectFile         = "E_DELIVERY_EXPECT_FILE"
	CodeDeliveryExpectDir          = "E_DELIVERY_EXPECT_DIR"
	CodeDeliveryProtectedPath      = "E_DELIVERY_PROTECTED_PATH"
)

// Issue is one validation diagnostic.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Code + ": " + i.Message
}

// IssueStrings renders issues as "CODE: message" strings.
func IssueStrings(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.String())
	}
	return out
}

// ValidationResult carries the outcome of validating one agent output.
// Content is the normalized payload and is meaningful even when OK is false
// (best-effort normalization for diagnostics and history).
type ValidationResult struct {
	OK       bool
	Errors   []Issue
	Warnings []string
	Content  map[string]any
}

func (r *ValidationResult) appendError(code, message string) {
	r.Errors = append(r.Errors, Issue{Code: code, Message: message})
}

// ValidateEnvelope checks the core envelope shape.
func ValidateEnvelope(env Envelope) []Issue {
	var issues []Issue
	type field struct {
		name  string
		value string
	}
	for _, f := range []field{
		{"message_id", env.MessageID},
		{"trace_id", env.TraceID},
		{"schema_version", env.SchemaVersion},
		{"sender", env.Sender},
		{"recipient", env.Recipient},
		{"role", env.Role},
		{"timestamp", env.Timestamp},
	} {
		if strings.TrimSpace(f.value) == "" {
			issues = append(issues, Issue{Code: CodeSchemaMissingField, Message: "envelope missing field: " + f.name})
		}
	}
	if env.SchemaVersion != "" && env.SchemaVersion != EnvelopeSchemaVersion {
		issues = append(issues, Issue{Code: CodeSchemaInvalidEnum, Message: "invalid envelope schema_version"})
	}
	if !inEnum(env.Role, AllowedEnvelopeRoles) {
		issues = append(issues, Issue{Code: CodeSchemaInvalidEnum, Message: "invalid envelope role"})
	}
	if env.Content == nil {
		issues = append(issues, Issue{Code: CodeSchemaMissingField, Message: "envelope missing field: content"})
	}
	return issues
}

// Validate checks one decoded agent payload against the role's schema and
// semantic rules. It never touches the filesystem.
func Validate(role Role, payload map[string]any) ValidationResult {
	res := ValidationResult{}
	if payload == nil {
		res.appendError(CodeSchemaInvalidFormat, "payload must be a JSON object")
		return res
	}

	nextQuestion := checkNextQuestion(&res, payload)

	switch role {
	case RoleReview:
		res.Content = validateReview(&res, payload, nextQuestion)
	case RolePlan:
		res.Content = validatePlan(&res, payload, nextQuestion)
	default:
		res.Content = validateDelivery(&res, payload, nextQuestion)
	}

	// Structural backstop: when the hand-written checks found nothing, the
	// compiled schema catches residual shape errors (wrong item types in
	// warnings, stray nulls) with the library's message.
	if len(res.Errors) == 0 {
		if s, err := compiledSchema(role); err == nil {
			if verr := s.Validate(payload); verr != nil {
				res.appendError(CodeSchemaInvalidFormat, strings.TrimSpace(verr.Error()))
			}
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

func checkTopLevelKeys(res *ValidationResult, payload map[string]any, required []string) {
	allowed := map[string]struct{}{}
	for _, k := range required {
		allowed[k] = struct{}{}
	}
	var unknown []string
	for k := range payload {
		if _, ok := allowed[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		res.appendError(CodeSchemaInvalidFormat, "unexpected field: "+k)
	}
	var missing []string
	for _, k := range required {
		if _, ok := payload[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	for _, k := range missing {
		res.appendError(CodeSchemaMissingField, "missing field: "+k)
	}
}

func checkResultKeys(res *ValidationResult, result map[string]any, required []string, optional []string) {
	allowed := map[string]struct{}{}
	for _, k := range required {
		allowed[k] = struct{}{}
	}
	for _, k := range optional {
		allowed[k] = struct{}{}
	}
	var unknown []string
	for k := range result {
		if _, ok := allowed[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		res.appendError(CodeSchemaInvalidFormat, "unexpected result field: "+k)
	}
	var missing []string
	for _, k := range required {
		if _, ok := result[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	for _, k := range missing {
		res.appendError(CodeSchemaMissingField, "missing result field: "+k)
	}
}

// checkNextQuestion validates the mandatory trailing question and returns it
// trimmed. Both ASCII and fullwidth question marks count.
func checkNextQuestion(res *ValidationResult, payload map[string]any) string {
	nextQuestion, _ := payload["next_question"].(string)
	if strings.TrimSpace(nextQuestion) == "" {
		res.appendError(CodeSchemaMissingField, "missing next_question")
		return ""
	}
	if !strings.ContainsAny(nextQuestion, "?？") {
		res.appendError(CodeSchemaInvalidFormat, "next_question must contain question mark")
	}
	return strings.TrimSpace(nextQuestion)
}

// normalizeCommandResultList validates a list of {command,result} items and
// returns the well-formed entries.
func normalizeCommandResultList(res *ValidationResult, value any, field string) []map[string]any {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	var normalized []map[string]any
	for idx, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			res.appendError(CodeSchemaInvalidFormat, fmt.Sprintf("invalid %s format at index %d", field, idx+1))
			continue
		}
		var unknown []string
		for k := range entry {
			if k != "command" && k != "result" {
				unknown = append(unknown, k)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			res.appendError(CodeSchemaInvalidFormat,
				fmt.Sprintf("%s item %d has unexpected field(s): %s", field, idx+1, strings.Join(unknown, ", ")))
		}
		cmd, cmdOK := entry["command"].(string)
		result, resOK := entry["result"].(string)
		if cmdOK && resOK {
			normalized = append(normalized, map[string]any{"command": cmd, "result": result})
			continue
		}
		res.appendError(CodeSchemaInvalidFormat,
			fmt.Sprintf("%s item %d must include string command/result", field, idx+1))
	}
	return normalized
}

func stringList(value any) []string {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func validateReview(res *ValidationResult, payload map[string]any, nextQuestion string) map[string]any {
	checkTopLevelKeys(res, payload, []string{
		"schema_version", "status", "acceptance", "verification", "root_cause",
		"issues", "gate", "next_question", "warnings", "errors",
	})

	if payload["schema_version"] != ReviewSchemaVersion {
		res.appendError(CodeSchemaInvalidEnum, "invalid review schema_version")
	}
	acceptance, _ := payload["acceptance"].(string)
	if !inEnum(payload["acceptance"], AllowedAcceptance) {
		res.appendError(CodeSchemaInvalidEnum, "invalid acceptance enum")
	}
	status, _ := payload["status"].(string)
	if !inEnum(payload["status"], AllowedStatus) {
		res.appendError(CodeSchemaInvalidEnum, "invalid status enum")
	}

	if _, ok := payload["verification"].([]any); !ok {
		res.appendError(CodeSchemaMissingField, "verification must be list")
	}
	verification := normalizeCommandResultList(res, payload["verification"], "verification")
	if len(verification) < 2 {
		res.appendError(CodeReviewEvidenceMissing, "review requires at least two command/result verification entries")
	}

	rawIssues, ok := payload["issues"].([]any)
	if !ok {
		res.appendError(CodeSchemaMissingField, "issues must be list")
	}
	var issues []map[string]any
	for idx, item := range rawIssues {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		severity, _ := entry["severity"].(string)
		summary, sumOK := entry["summary"].(string)
		if !inEnum(entry["severity"], AllowedSeverity) || !sumOK {
			res.appendError(CodeSchemaInvalidFormat, fmt.Sprintf("invalid issue format at index %d", idx+1))
			continue
		}
		id, _ := entry["id"].(string)
		if strings.TrimSpace(id) == "" {
			id = fmt.Sprintf("ISSUE-%03d", idx+1)
		}
		issues = append(issues, map[string]any{"id": id, "severity": severity, "summary": summary})
	}

	gate, ok := payload["gate"].(map[string]any)
	if !ok {
		gate = map[string]any{}
		res.appendError(CodeSchemaMissingField, "gate must be object")
	}
	gateDecision, _ := gate["decision"].(string)
	if !inEnum(gate["decision"], AllowedGateDecision) {
		res.appendError(CodeSchemaInvalidEnum, "invalid gate decision enum")
	}
	gateConditions := gate["conditions"]
	if _, ok := gateConditions.([]any); !ok {
		res.appendError(CodeSchemaInvalidFormat, "gate.conditions must be list")
	}

	if acceptance == "pass" {
		for _, issue := range issues {
			sev, _ := issue["severity"].(string)
			if sev == "P0" || sev == "P1" {
				res.appendError(CodeReviewGateInconsistent, "acceptance=pass is inconsistent with P0/P1 issues")
				break
			}
		}
	}

	if status == "" {
		status = "failed"
	}
	if acceptance == "" {
		acceptance = "fail"
	}
	if gateDecision == "" {
		gateDecision = "block"
	}
	return BuildReviewContent(ReviewContentSpec{
		Status:       status,
		Acceptance:   acceptance,
		Verification: verification,
		RootCause:    stringList(payload["root_cause"]),
		Issues:       issues,
		Gate: map[string]any{
			"decision":   gateDecision,
			"conditions": toAnyList(stringList(gateConditions)),
		},
		NextQuestion: nextQuestion,
		Warnings:     stringList(payload["warnings"]),
		Errors:       stringList(payload["errors"]),
	})
}

func validatePlan(res *ValidationResult, payload map[string]any, nextQuestion string) map[string]any {
	checkTopLevelKeys(res, payload, []string{
		"schema_version", "status", "result", "next_question", "warnings", "errors",
	})

	if payload["schema_version"] != PlanSchemaVersion {
		res.appendError(CodeSchemaInvalidEnum, "invalid plan schema_version")
	}
	status, _ := payload["status"].(string)
	if !inEnum(payload["status"], AllowedStatus) {
		res.appendError(CodeSchemaInvalidEnum, "invalid status enum")
	}

	result, ok := payload["result"].(map[string]any)
	if !ok {
		result = map[string]any{}
		res.appendError(CodeSchemaMissingField, "result must be object")
	} else {
		checkResultKeys(res, result, []string{
			"requirement_breakdown", "implementation_scope", "acceptance_criteria", "handoff_notes",
		}, nil)
	}

	breakdown := stringList(result["requirement_breakdown"])
	if len(breakdown) == 0 {
		res.appendError(CodeSchemaInvalidFormat, "result.requirement_breakdown must be non-empty list")
	}
	criteria := stringList(result["acceptance_criteria"])
	if len(criteria) == 0 {
		res.appendError(CodeSchemaInvalidFormat, "result.acceptance_criteria must be non-empty list")
	}

	scope, _ := result["implementation_scope"].(string)
	notes, _ := result["handoff_notes"].(string)
	content := BuildPlanContent(breakdown, scope, criteria, notes, nextQuestion)
	if status != "" {
		content["status"] = status
	}
	content["warnings"] = toAnyList(stringList(payload["warnings"]))
	content["errors"] = toAnyList(stringList(payload["errors"]))
	return content
}

func validateDelivery(res *ValidationResult, payload map[string]any, nextQuestion string) map[string]any {
	checkTopLevelKeys(res, payload, []string{
		"schema_version", "status", "result", "next_question", "warnings", "errors",
	})

	if payload["schema_version"] != DeliverySchemaVersion {
		res.appendError(CodeSchemaInvalidEnum, "invalid delivery schema_version")
	}
	status, _ := payload["status"].(string)
	if !inEnum(payload["status"], AllowedStatus) {
		res.appendError(CodeSchemaInvalidEnum, "invalid status enum")
	}

	result, ok := payload["result"].(map[string]any)
	if !ok {
		result = map[string]any{}
		res.appendError(CodeSchemaMissingField, "result must be object")
	} else {
		checkResultKeys(res, result, []string{
			"task_understanding", "implementation_plan", "execution_evidence", "risks_and_rollback",
		}, []string{"deliverables"})
	}

	if _, ok := result["execution_evidence"].([]any); !ok {
		res.appendError(CodeSchemaInvalidFormat, "result.execution_evidence must be list")
	}
	evidence := normalizeCommandResultList(res, result["execution_evidence"], "execution_evidence")
	deliverables := normalizeDeliverables(res, result["deliverables"])

	understanding, _ := result["task_understanding"].(string)
	plan, _ := result["implementation_plan"].(string)
	risks, _ := result["risks_and_rollback"].(string)
	content := BuildDeliveryContent(understanding, plan, evidence, risks, deliverables, nextQuestion)
	if status != "" {
		content["status"] = status
	}
	content["warnings"] = toAnyList(stringList(payload["warnings"]))
	content["errors"] = toAnyList(stringList(payload["errors"]))
	return content
}

// normalizeDeliverables validates the optional deliverables list and returns
// the well-formed entries. A missing list is fine; a non-list is flagged.
func normalizeDeliverables(res *ValidationResult, value any) []map[string]any {
	if value == nil {
		return nil
	}
	list, ok := value.([]any)
	if !ok {
		res.appendError(CodeSchemaInvalidFormat, "result.deliverables must be list")
		return nil
	}
	deliverables := []map[string]any{}
	for idx, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			res.appendError(CodeSchemaInvalidFormat, fmt.Sprintf("invalid deliverable format at index %d", idx+1))
			continue
		}
		path, pathOK := entry["path"].(string)
		kind, _ := entry["kind"].(string)
		summary, summaryOK := entry["summary"].(string)
		if !pathOK || strings.TrimSpace(path) == "" {
			res.appendError(CodeSchemaInvalidFormat, fmt.Sprintf("deliverable %d must include a path", idx+1))
			continue
		}
		if kind != "file" && kind != "dir" {
			res.appendError(CodeSchemaInvalidEnum, fmt.Sprintf("deliverable %d kind must be file or dir", idx+1))
			continue
		}
		if !summaryOK {
			res.appendError(CodeSchemaInvalidFormat, fmt.Sprintf("deliverable %d must include a string summary", idx+1))
			continue
		}
		deliverables = append(deliverables, map[string]any{"path": path, "kind": kind, "summary": summary})
	}
	return deliverables
}
