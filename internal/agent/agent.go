// Package agent defines the task types, their instructions and the schema
// each provider response must satisfy.
package agent

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	Triage    = "triage"
	Finance   = "finance"
	Statement = "statement"
)

// MaxInputChars bounds the document text sent to a provider.
const MaxInputChars = 3000

// Spec describes one task type.
type Spec struct {
	TaskType string
	// System is the fixed instruction for the task.
	System string
	// Verb prefixes the document in the user prompt.
	Verb     string
	validate func(map[string]any) (map[string]any, error)
}

var specs = map[string]Spec{
	Triage: {
		TaskType: Triage,
		System: `You are an Executive Assistant triaging emails.
Return JSON: {"category": "<Urgent/Finance/Work/Newsletter/Spam/Personal/Other>", "urgency_score": <1-10>, "summary": "<one sentence>", "action_required": <boolean>}`,
		Verb:     "Analyze",
		validate: validateTriage,
	},
	Finance: {
		TaskType: Finance,
		System: `You are a Financial Analyst. Extract transaction details.
Return JSON: {"amount": <float>, "currency": "<INR/USD>", "vendor": "<name>", "category": "<Food/Transport/Shopping/Bills/Other>", "transaction_type": "<debit/credit>", "date": "<YYYY-MM-DD or null>", "account_name": "<bank or card name or null>", "account_last4": "<4 digits or null>", "is_subscription": <boolean>}`,
		Verb:     "Extract from",
		validate: validateFinance,
	},
	Statement: {
		TaskType: Statement,
		System: `You are a Financial Analyst reading a bank or card statement.
Return JSON: {"account_name": "<name or null>", "account_last4": "<4 digits or null>", "currency": "<INR/USD>", "period_start": "<YYYY-MM-DD or null>", "period_end": "<YYYY-MM-DD or null>", "opening_balance": <float or null>, "closing_balance": <float>, "transactions": [{"date": "<YYYY-MM-DD or null>", "description": "<text>", "amount": <float>, "transaction_type": "<debit/credit>"}]}`,
		Verb:     "Extract from",
		validate: validateStatement,
	},
}

// Lookup returns the spec for taskType.
func Lookup(taskType string) (Spec, bool) {
	s, ok := specs[taskType]
	return s, ok
}

// Known returns every supported task type, sorted.
func Known() []string {
	out := make([]string, 0, len(specs))
	for t := range specs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Output is a schema-valid agent result.
type Output struct {
	TaskType string         `json:"task_type"`
	Fields   map[string]any `json:"fields"`
}

// Prompt is the provider-facing rendering of one task.
type Prompt struct {
	System string
	User   string
	Input  string
}

// BuildPrompt combines the task instruction, the retrieved context block and
// the document. An empty context block is left out entirely.
func (s Spec) BuildPrompt(contextBlock, text string) Prompt {
	input := Truncate(text)
	system := s.System
	if contextBlock != "" {
		system += "\n\n" + contextBlock
	}
	return Prompt{
		System: system,
		User:   s.Verb + ":\n" + input,
		Input:  input,
	}
}

// Parse extracts and validates the JSON object in a raw provider response.
func (s Spec) Parse(raw string) (Output, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return Output{}, &SchemaValidationError{TaskType: s.TaskType, Reason: err.Error()}
	}
	fields, err := s.validate(obj)
	if err != nil {
		return Output{}, err
	}
	return Output{TaskType: s.TaskType, Fields: fields}, nil
}

// Truncate cuts text to MaxInputChars runes.
func Truncate(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= MaxInputChars {
		return text
	}
	return string([]rune(text)[:MaxInputChars])
}

// SchemaValidationError means a provider answered but the answer does not
// satisfy the task's schema.
type SchemaValidationError struct {
	TaskType string
	Field    string
	Reason   string
}

func (e *SchemaValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s output invalid: %s", e.TaskType, e.Reason)
	}
	return fmt.Sprintf("%s output invalid: field %q: %s", e.TaskType, e.Field, e.Reason)
}
