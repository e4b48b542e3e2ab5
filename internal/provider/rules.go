package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Rules is a deterministic, offline provider that extracts bank transaction
// fields with regular expressions. It only understands the finance task and
// is meant as the last entry of a fallback chain.
type Rules struct {
	name string
}

func NewRules(name string) *Rules { return &Rules{name: name} }

func (r *Rules) Name() string { return r.name }

var (
	amountRe   = regexp.MustCompile(`(?:\brs\.?|\binr|₹)\s*(\d[\d,]*(?:\.\d+)?)`)
	merchantRe = []*regexp.Regexp{
		regexp.MustCompile(`\bat\s+([a-z\s]+?)(?:\s+on|\s+for|[.,]|$)`),
		regexp.MustCompile(`\bfrom\s+([a-z\s]+?)(?:\s+on|\s+for|[.,]|$)`),
		regexp.MustCompile(`\bto\s+([a-z\s]+?)(?:\s+on|\s+for|[.,]|$)`),
	}
	accountRe = []*regexp.Regexp{
		regexp.MustCompile(`(\w+\s+(?:credit|debit)\s+card)\s+(?:xx)?(\d{4})`),
		regexp.MustCompile(`(\w+\s+bank)\s+(?:a/c|account)\s+(?:xx)?(\d{4})`),
		regexp.MustCompile(`(?:card|a/c|account|ac)\s+(?:no\.?\s*)?(?:xx|ending\s+in\s+)?(\d{4})`),
	}
	last4Re = regexp.MustCompile(`(?:xx|ending\s+in\s+|last\s+4\s+digits?\s+)(\d{4})`)
)

var debitWords = []string{"debited", "debit", "paid", "payment", "spent", "withdrawn"}

// categoryWords is checked in order; the first category with a hit wins.
var categoryWords = []struct {
	category string
	words    []string
}{
	{"Shopping", []string{"shopping", "amazon", "flipkart"}},
	{"Food", []string{"food", "restaurant", "zomato", "swiggy"}},
	{"Transport", []string{"uber", "ola", "transport", "taxi"}},
	{"Bills", []string{"bill", "electricity", "water", "gas"}},
}

// Complete ignores the prompt and model and parses req.Input (falling back to
// req.Prompt when Input is empty).
func (r *Rules) Complete(ctx context.Context, req Request) (string, error) {
	if req.TaskType != "finance" {
		return "", &Error{Provider: r.name, Kind: KindUnavailable, Err: fmt.Errorf("task type %q not supported", req.TaskType)}
	}
	if err := ctx.Err(); err != nil {
		return "", classify(r.name, ctx, err)
	}
	text := req.Input
	if text == "" {
		text = req.Prompt
	}

	out, err := json.Marshal(ExtractTransaction(text))
	if err != nil {
		return "", fmt.Errorf("marshaling transaction: %w", err)
	}
	return string(out), nil
}

// ExtractTransaction pulls amount, vendor, direction, category and account
// hints out of a transaction alert. Amount is nil when no amount is found.
func ExtractTransaction(text string) map[string]any {
	lower := strings.ToLower(text)
	out := map[string]any{
		"amount":           nil,
		"currency":         "INR",
		"vendor":           "Unknown",
		"category":         "Uncategorized",
		"transaction_type": "credit",
		"date":             nil,
		"account_name":     nil,
		"account_last4":    nil,
		"is_subscription":  false,
	}

	if m := amountRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			out["amount"] = v
		}
	}
	for _, re := range merchantRe {
		if m := re.FindStringSubmatch(lower); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				out["vendor"] = titleCase(v)
				break
			}
		}
	}
	for _, w := range debitWords {
		if strings.Contains(lower, w) {
			out["transaction_type"] = "debit"
			break
		}
	}
categories:
	for _, c := range categoryWords {
		for _, w := range c.words {
			if strings.Contains(lower, w) {
				out["category"] = c.category
				break categories
			}
		}
	}

	for _, re := range accountRe {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		if len(m) == 3 {
			out["account_name"] = titleCase(strings.TrimSpace(m[1]))
			out["account_last4"] = m[2]
		} else {
			out["account_last4"] = m[1]
		}
		break
	}
	if out["account_last4"] == nil {
		if m := last4Re.FindStringSubmatch(lower); m != nil {
			out["account_last4"] = m[1]
		}
	}
	return out
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
