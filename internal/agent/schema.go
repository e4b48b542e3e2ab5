package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// extractJSON returns the first JSON object embedded in s. Models wrap
// answers in code fences or prose often enough that a strict Unmarshal of
// the whole response is not an option.
func extractJSON(s string) (map[string]any, error) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > 0 {
			var obj map[string]any
			if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
				return obj, nil
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return nil, errors.New("no JSON object in response")
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// reader pulls typed fields out of a decoded object, keeping the first
// violation.
type reader struct {
	task string
	in   map[string]any
	err  error
}

func (r *reader) fail(field, format string, args ...any) {
	if r.err == nil {
		r.err = &SchemaValidationError{TaskType: r.task, Field: field, Reason: fmt.Sprintf(format, args...)}
	}
}

func (r *reader) present(field string) (any, bool) {
	v, ok := r.in[field]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "", "null", "none", "n/a":
			return nil, false
		}
	}
	return v, true
}

func (r *reader) number(field string, required bool) (float64, bool) {
	v, ok := r.present(field)
	if !ok {
		if required {
			r.fail(field, "required number missing")
		}
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", ""), 64)
		if err != nil {
			r.fail(field, "not a number: %q", n)
			return 0, false
		}
		f = parsed
	default:
		r.fail(field, "not a number: %v", v)
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		r.fail(field, "not a finite number")
		return 0, false
	}
	return f, true
}

func (r *reader) str(field, def string) string {
	v, ok := r.present(field)
	if !ok {
		return def
	}
	s, isStr := v.(string)
	if !isStr {
		r.fail(field, "not a string: %v", v)
		return def
	}
	return strings.TrimSpace(s)
}

func (r *reader) optionalStr(field string) any {
	if s := r.str(field, ""); s != "" {
		return s
	}
	return nil
}

// enum matches case-insensitively and returns the canonical spelling.
func (r *reader) enum(field string, allowed []string, def string) string {
	s := r.str(field, "")
	if s == "" {
		if def == "" {
			r.fail(field, "required, one of %s", strings.Join(allowed, "|"))
		}
		return def
	}
	for _, a := range allowed {
		if strings.EqualFold(a, s) {
			return a
		}
	}
	r.fail(field, "%q is not one of %s", s, strings.Join(allowed, "|"))
	return def
}

func (r *reader) boolean(field string) bool {
	v, ok := r.present(field)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			r.fail(field, "not a boolean: %q", b)
		}
		return parsed
	}
	r.fail(field, "not a boolean: %v", v)
	return false
}

func (r *reader) date(field string) any {
	s := r.str(field, "")
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		r.fail(field, "%q is not YYYY-MM-DD", s)
		return nil
	}
	return s
}

var last4Re = regexp.MustCompile(`^\d{4}$`)

func (r *reader) last4(field string) any {
	v, ok := r.present(field)
	if !ok {
		return nil
	}
	var s string
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
	case float64:
		s = fmt.Sprintf("%04.0f", x)
	}
	if !last4Re.MatchString(s) {
		r.fail(field, "%v is not 4 digits", v)
		return nil
	}
	return s
}

var (
	triageCategories  = []string{"Urgent", "Finance", "Work", "Newsletter", "Spam", "Personal", "Other"}
	transactionTypes  = []string{"debit", "credit"}
	financeCategories = []string{"Food", "Transport", "Shopping", "Bills", "Other", "Uncategorized"}
)

func validateTriage(in map[string]any) (map[string]any, error) {
	r := &reader{task: Triage, in: in}
	out := map[string]any{
		"category":        r.enum("category", triageCategories, ""),
		"summary":         r.str("summary", ""),
		"action_required": r.boolean("action_required"),
	}
	if score, ok := r.number("urgency_score", true); ok {
		if score != math.Trunc(score) || score < 1 || score > 10 {
			r.fail("urgency_score", "%v is not an integer in 1..10", score)
		}
		out["urgency_score"] = int(score)
	}
	return out, r.err
}

func validateFinance(in map[string]any) (map[string]any, error) {
	r := &reader{task: Finance, in: in}
	vendor := r.str("vendor", "")
	if vendor == "" {
		vendor = r.str("merchant", "Unknown")
	}
	out := map[string]any{
		"currency":         strings.ToUpper(r.str("currency", "INR")),
		"vendor":           vendor,
		"category":         r.enum("category", financeCategories, "Other"),
		"transaction_type": r.enum("transaction_type", transactionTypes, ""),
		"date":             r.date("date"),
		"account_name":     r.optionalStr("account_name"),
		"account_last4":    r.last4("account_last4"),
		"is_subscription":  r.boolean("is_subscription"),
	}
	if amount, ok := r.number("amount", true); ok {
		if amount < 0 {
			r.fail("amount", "negative amount %v", amount)
		}
		out["amount"] = amount
	}
	return out, r.err
}

func validateStatement(in map[string]any) (map[string]any, error) {
	r := &reader{task: Statement, in: in}
	out := map[string]any{
		"account_name":  r.optionalStr("account_name"),
		"account_last4": r.last4("account_last4"),
		"currency":      strings.ToUpper(r.str("currency", "INR")),
		"period_start":  r.date("period_start"),
		"period_end":    r.date("period_end"),
	}
	if v, ok := r.number("opening_balance", false); ok {
		out["opening_balance"] = v
	} else {
		out["opening_balance"] = nil
	}
	if v, ok := r.number("closing_balance", true); ok {
		out["closing_balance"] = v
	}

	txns := []any{}
	if raw, ok := r.present("transactions"); ok {
		list, isList := raw.([]any)
		if !isList {
			r.fail("transactions", "not a list")
		}
		for i, item := range list {
			obj, isObj := item.(map[string]any)
			if !isObj {
				r.fail("transactions", "entry %d is not an object", i)
				break
			}
			tr := &reader{task: Statement, in: obj}
			t := map[string]any{
				"date":             tr.date("date"),
				"description":      tr.str("description", ""),
				"transaction_type": tr.enum("transaction_type", transactionTypes, ""),
			}
			if amount, ok := tr.number("amount", true); ok {
				t["amount"] = amount
			}
			if tr.err != nil {
				var sve *SchemaValidationError
				errors.As(tr.err, &sve)
				r.fail(fmt.Sprintf("transactions[%d].%s", i, sve.Field), "%s", sve.Reason)
				break
			}
			txns = append(txns, t)
		}
	}
	out["transactions"] = txns
	out["transaction_count"] = len(txns)
	return out, r.err
}
