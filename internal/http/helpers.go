package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"flatmates/internal/core"
	"flatmates/internal/log"
)

const currencySymbol = "£"

// formatMoney renders an amount as "£12.50" or "-£3.33".
func formatMoney(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-" + currencySymbol + d.Neg().StringFixed(2)
	}
	return currencySymbol + d.StringFixed(2)
}

// sanitizeInput removes control characters except tab, newline and carriage
// return, and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// parseLimit reads a positive "limit" query parameter; anything else yields
// def.
func parseLimit(r *http.Request, def int) int {
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// errorKind classifies err for status codes, metrics and log levels.
func errorKind(err error) string {
	switch {
	case core.IsValidation(err):
		return log.ErrorTypeValidation
	case errors.Is(err, core.ErrStorageUnavailable):
		return log.ErrorTypeStorage
	default:
		return log.ErrorTypeInternal
	}
}

// statusFor maps validation errors to 422 and storage failures to 503.
func statusFor(err error) int {
	switch errorKind(err) {
	case log.ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case log.ErrorTypeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// userMessage never leaks storage or internal details; validation messages
// are shown as is.
func userMessage(err error) string {
	switch errorKind(err) {
	case log.ErrorTypeValidation:
		return err.Error()
	case log.ErrorTypeStorage:
		return "The ledger storage is unavailable, please try again shortly"
	default:
		return "Something went wrong"
	}
}

type apiError struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
