package reflection

import (
	"fmt"
	"strings"
	"time"
)

// Outcomes of a task or cluster.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomePartial = "partial"
)

// IsFailureOutcome reports whether outcome calls for failure analysis.
func IsFailureOutcome(outcome string) bool {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case OutcomeFailure, OutcomeError, OutcomeTimeout, OutcomePartial:
		return true
	}
	return false
}

var failureMarkers = []string{"fail", "error", "timeout", "timed out", "exception", "crash", "panic", "refused", "rollback", "rolled back"}

// LooksLikeFailure reports whether text mentions a failure.
func LooksLikeFailure(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range failureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Event is one step of a task execution.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	Error     string    `json:"error,omitempty"`

	// ItemID is the stored memory this event was recorded as. Events of a
	// context without source items that leave it zero are stored by the
	// pipeline and become the reflection's sources.
	ItemID int64 `json:"item_id,omitempty"`
}

// FailureContext is an explicit task execution to reflect on. Despite the
// name it may describe a success; Outcome selects the prompt.
type FailureContext struct {
	TaskGoal        string  `json:"task_goal"`
	TaskDescription string  `json:"task_description,omitempty"`
	Outcome         string  `json:"outcome"`
	Events          []Event `json:"events,omitempty"`
	ErrorCategory   string  `json:"error_category,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	ErrorContext    string  `json:"error_context,omitempty"`
	SessionID       string  `json:"session_id,omitempty"`

	// SourceItemIDs are the stored memories the context was built from.
	// The reflection derives from each of them.
	SourceItemIDs []int64 `json:"source_item_ids,omitempty"`
}

// Failed reports whether the context needs failure analysis.
func (fc *FailureContext) Failed() bool {
	return IsFailureOutcome(fc.Outcome)
}

// FormatEvents renders events as numbered lines:
//
//	1. [14:02:11] tool_call: run migration
//	   Tool: psql
//	   Error: connection reset
func FormatEvents(events []Event) string {
	var b strings.Builder
	for i, e := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. [%s] %s: %s", i+1, e.Timestamp.Format("15:04:05"), e.Type, e.Content)
		if e.ToolName != "" {
			fmt.Fprintf(&b, "\n   Tool: %s", e.ToolName)
		}
		if e.Error != "" {
			fmt.Fprintf(&b, "\n   Error: %s", e.Error)
		}
	}
	return b.String()
}

const systemPrompt = "You are a reflective reasoning engine. You analyze task executions and recurring memories and distill lessons that help next time. Respond with a single JSON object."

const failurePrompt = `Analyze the following task execution that resulted in an error or failure:

Task Goal: %s
Task Description: %s

Execution Events:
%s

Error Information:
- Category: %s
- Message: %s
- Context: %s

Your task:
1. Identify the root cause of the failure
2. Explain what went wrong and why
3. Generate a concise lesson learned that can prevent similar issues
4. If possible, suggest a specific strategy or rule for handling this scenario
`

const successPrompt = `Analyze the following task execution that resulted in success:

Task Goal: %s
Task Description: %s

Execution Events:
%s

Outcome: SUCCESS

Your task:
1. Identify what strategies or approaches led to success
2. Determine if this is a reusable pattern worth remembering
3. Generate a concise insight about effective approaches
`

const outputContract = `
Return JSON with:
- reflection: a clear explanation (2-3 sentences)
- strategy: a specific actionable rule (1-2 sentences), or "" when none applies
- importance: how important the lesson is, 0.0-1.0
- confidence: how confident you are in the analysis, 0.0-1.0
- tags: a list of short lowercase tags, e.g. ["sql", "timeout", "performance"]`

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// BuildPrompt renders the failure or success prompt for fc. Both share the
// same output contract.
func BuildPrompt(fc *FailureContext) string {
	events := FormatEvents(fc.Events)
	if events == "" {
		events = "(no events recorded)"
	}
	var body string
	if fc.Failed() {
		body = fmt.Sprintf(failurePrompt,
			orNone(fc.TaskGoal), orNone(fc.TaskDescription), events,
			orNone(fc.ErrorCategory), orNone(fc.ErrorMessage), orNone(fc.ErrorContext))
	} else {
		body = fmt.Sprintf(successPrompt, orNone(fc.TaskGoal), orNone(fc.TaskDescription), events)
	}
	return body + outputContract
}
