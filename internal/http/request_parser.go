// This file implements utilities for parsing and validating HTTP request
// data shared by the HTMX handlers and the JSON API.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"flatmates/internal/core"
)

// maxBodyBytes caps request bodies. A full expense table edited in the
// browser stays far below it.
const maxBodyBytes = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

// RequestBodyParser handles different content types for request body parsing.
// It supports both JSON and form-encoded data, commonly used with HTMX.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]interface{}
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser reads the body once, up to maxBodyBytes, and stores it
// for subsequent parsing.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}
	if r.Body == nil {
		return p
	}
	p.body, p.err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if p.err == nil && len(p.body) > maxBodyBytes {
		p.err = errBodyTooLarge
	}
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	if len(p.body) == 0 {
		p.formData = url.Values{}
		return nil
	}

	if p.body[0] == '{' {
		p.jsonData = make(map[string]interface{})
		if err := json.Unmarshal(p.body, &p.jsonData); err != nil {
			p.err = err
			return err
		}
		return nil
	}

	p.formData, p.err = url.ParseQuery(string(p.body))
	return p.err
}

// Get returns a string value from the parsed data (JSON or form).
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return strings.TrimSpace(sanitizeInput(stringValue(val)))
		}
		return ""
	}
	if p.formData != nil {
		return strings.TrimSpace(sanitizeInput(p.formData.Get(key)))
	}
	return ""
}

// Values returns every value for key: a JSON array of strings or repeated
// form fields. Values are sanitized but not trimmed.
func (p *RequestBodyParser) Values(key string) []string {
	if p.jsonData != nil {
		arr, _ := p.jsonData[key].([]interface{})
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			out = append(out, sanitizeInput(stringValue(v)))
		}
		return out
	}
	out := make([]string, 0, len(p.formData[key]))
	for _, v := range p.formData[key] {
		out = append(out, sanitizeInput(v))
	}
	return out
}

// Form exposes the parsed form values; nil for JSON bodies.
func (p *RequestBodyParser) Form() url.Values {
	return p.formData
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

// Decode unmarshals the raw body into v.
func (p *RequestBodyParser) Decode(v any) error {
	if p.err != nil {
		return p.err
	}
	return json.Unmarshal(p.body, v)
}

// Empty reports whether the request carried no body at all.
func (p *RequestBodyParser) Empty() bool {
	return len(strings.TrimSpace(string(p.body))) == 0
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// ParseAmountInput reads a user-typed amount. Unlike stored values, a typo
// is an error rather than zero.
func ParseAmountInput(s string) (decimal.Decimal, error) {
	p := core.ParseAmount(s)
	if p.Coerced {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", core.ErrInvalidAmount, strings.TrimSpace(s))
	}
	return p.Value, nil
}

// rowFields are the editor inputs that carry a row's data. settled_i is left
// out because browsers omit unchecked boxes.
var rowFields = []string{"timestamp", "paid_by", "description", "category", "amount"}

// ParseExpenseTable rebuilds the edited table posted by the expense editor.
// Row i is carried by the fields timestamp_i, paid_by_i, description_i,
// category_i, amount_i and settled_i; "rows" holds the row count. Rows with
// delete_i set, and indexes with none of the row fields posted, are dropped.
// Amounts follow the stored-value rules, so a blank amount becomes zero.
func ParseExpenseTable(form url.Values) ([]core.Expense, error) {
	n, err := strconv.Atoi(strings.TrimSpace(form.Get("rows")))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: missing row count", core.ErrValidation)
	}
	claimed := n
	// Every real row posts at least one key.
	n = min(n, len(form))

	out := make([]core.Expense, 0, n)
	seen := 0
	for i := 0; i < n; i++ {
		suffix := "_" + strconv.Itoa(i)
		field := func(name string) string {
			return sanitizeInput(form.Get(name + suffix))
		}
		if !hasAny(form, suffix) {
			continue
		}
		seen++
		if field("delete") != "" {
			continue
		}
		cat, _ := core.ParseCategory(field("category"))
		out = append(out, core.Expense{
			Timestamp:   strings.TrimSpace(field("timestamp")),
			PaidBy:      strings.TrimSpace(field("paid_by")),
			Description: strings.TrimSpace(field("description")),
			Category:    cat,
			Amount:      core.ParseAmount(field("amount")).Value,
			Settled:     core.ParseSettled(normalizeCheckbox(field("settled"))).Value,
		})
	}
	if claimed > 0 && seen == 0 {
		return nil, fmt.Errorf("%w: %d rows announced but none posted", core.ErrValidation, claimed)
	}
	return out, nil
}

func hasAny(form url.Values, suffix string) bool {
	for _, name := range rowFields {
		if form.Has(name + suffix) {
			return true
		}
	}
	return false
}

// normalizeCheckbox maps the browser's "on" to a truthy stored value.
func normalizeCheckbox(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), "on") {
		return "true"
	}
	return v
}

// RequireMethod checks if the request method matches the expected method(s).
// Returns an error response builder if the method doesn't match.
func RequireMethod(r *http.Request, methods ...string) *HTMXResponseBuilder {
	for _, m := range methods {
		if r.Method == m {
			return nil
		}
	}
	return MethodNotAllowedError(strings.Join(methods, ", "))
}

// RequirePOST is a convenience function for POST-only handlers.
func RequirePOST(r *http.Request) *HTMXResponseBuilder {
	return RequireMethod(r, http.MethodPost)
}
