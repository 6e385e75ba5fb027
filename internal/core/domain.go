package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the fixed wall-clock format of every stored record.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	Groceries Category = "Groceries"
	Bills     Category = "Bills"
	Transport Category = "Transport"
	Fun       Category = "Fun"
	Other     Category = "Other"
)

type (
	Category string

	Expense struct {
		Timestamp   string
		PaidBy      string
		Description string
		Category    Category
		Amount      decimal.Decimal
		Settled     bool
	}

	Announcement struct {
		Timestamp string
		Author    string
		Message   string
	}

	// BalanceRow is derived from unsettled expenses and never persisted.
	BalanceRow struct {
		Name    string
		Paid    decimal.Decimal
		Share   decimal.Decimal
		Balance decimal.Decimal // positive = owed money, negative = owes money
	}

	// Transfer is a suggested payment that would clear part of the balances.
	Transfer struct {
		From   string
		To     string
		Amount decimal.Decimal
	}
)

var (
	// ErrValidation is the root of every recoverable input rejection.
	ErrValidation = errors.New("validation failed")

	ErrInvalidExpense    = fmt.Errorf("%w: invalid expense", ErrValidation)
	ErrInvalidAmount     = fmt.Errorf("%w: amount must be greater than zero", ErrInvalidExpense)
	ErrEmptyDescription  = fmt.Errorf("%w: empty description", ErrInvalidExpense)
	ErrInvalidCategory   = fmt.Errorf("%w: unknown category", ErrInvalidExpense)
	ErrEmptyRoster       = fmt.Errorf("%w: at least one flatmate is required", ErrValidation)
	ErrEmptyMessage      = fmt.Errorf("%w: message cannot be empty", ErrValidation)
	ErrDescriptionLength = fmt.Errorf("%w: description too long (max 200 characters)", ErrInvalidExpense)

	// ErrStorageUnavailable marks failures of the backing store. They abort
	// the current operation and are never retried.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsValidation reports whether err is a user-facing validation rejection.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// Categories returns the selectable categories in display order.
func Categories() []Category {
	return []Category{Groceries, Bills, Transport, Fun, Other}
}

// ParseCategory matches s case-insensitively against the known categories.
func ParseCategory(s string) (Category, bool) {
	s = strings.TrimSpace(s)
	for _, c := range Categories() {
		if strings.EqualFold(string(c), s) {
			return c, true
		}
	}
	return Category(s), false
}

func (c Category) String() string {
	return string(c)
}

// Validate checks the fields a user supplies when creating an expense.
// Bulk edits are stored verbatim and never pass through here.
func (e Expense) Validate() error {
	if len(strings.TrimSpace(e.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(e.Description) > 200 {
		return ErrDescriptionLength
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if _, ok := ParseCategory(string(e.Category)); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, e.Category)
	}
	return nil
}

func (a Announcement) Validate() error {
	if strings.TrimSpace(a.Message) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// CleanRoster trims names and drops blank entries, preserving order.
// Duplicates are kept: the roster is a free-text list.
func CleanRoster(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, ErrEmptyRoster
	}
	return out, nil
}
