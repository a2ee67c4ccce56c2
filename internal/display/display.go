// Package display provides human-readable names for machine codes.
//
// Rule: code is for machines, words are for humans.
// Use these functions in CLI output, markdown reports and logs.
// Keep raw codes for JSON fields, map keys, and equality comparisons.
package display

import "strings"

// --- GAMP 5 software categories ---

var categories = map[string]string{
	"cat1": "Infrastructure Software",
	"cat3": "Non-configured Product",
	"cat4": "Configured Product",
	"cat5": "Custom Application",
}

// Category returns the human-readable name for a GAMP category code.
// Unknown codes are returned as-is.
func Category(code string) string {
	if name, ok := categories[code]; ok {
		return name
	}
	return code
}

// CategoryWithCode returns "Configured Product (cat4)" format.
func CategoryWithCode(code string) string {
	if name, ok := categories[code]; ok {
		return name + " (" + code + ")"
	}
	return code
}

// --- Workflow stages ---

var stages = map[string]string{
	"ingest":           "Ingest",
	"categorize":       "Categorize",
	"classify":         "Categorize",
	"consult_category": "Category Review",
	"dispatch":         "Dispatch",
	"collect":          "Collect",
	"assemble":         "Assemble",
	"consult_quality":  "Quality Review",
	"complete":         "Complete",
	"harness":          "Evaluation Harness",
}

// Stage returns the human-readable name for a workflow stage. Sub-agent
// stages (their capability id) are title-cased.
func Stage(code string) string {
	if name, ok := stages[code]; ok {
		return name
	}
	return titleWords(code)
}

// StagePath renders a stage sequence as "Categorize → Dispatch → Assemble".
func StagePath(codes []string) string {
	names := make([]string, len(codes))
	for i, c := range codes {
		names[i] = Stage(c)
	}
	return strings.Join(names, " → ")
}

// --- Failure kinds ---

var kinds = map[string]string{
	"transport":       "Transport Error",
	"timeout":         "Timeout",
	"ambiguity":       "Ambiguous Classification",
	"quality_gate":    "Quality Gate",
	"state_invariant": "State Invariant Violation",
	"cancelled":       "Cancelled",
	"internal":        "Internal Error",
}

// FailureKind returns the human-readable name for a failure kind.
func FailureKind(code string) string {
	if name, ok := kinds[code]; ok {
		return name
	}
	return code
}

// --- Consultation sources ---

// Source names who resolved a consultation.
func Source(code string) string {
	switch code {
	case "human":
		return "Reviewer"
	case "timeout-default":
		return "Conservative Default (timeout)"
	case "scripted":
		return "Scripted"
	}
	return code
}

func titleWords(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' })
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
