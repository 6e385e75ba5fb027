package sheets

import (
	"strings"

	"flatmates/internal/core"
)

// Coercion records a stored cell that could not be read and was replaced by
// its safe default.
type Coercion struct {
	Column string
	Raw    string
}

// EncodeExpense renders e in expenses/archive column order.
func EncodeExpense(e core.Expense) Row {
	settled := "FALSE"
	if e.Settled {
		settled = "TRUE"
	}
	return Row{
		e.Timestamp,
		e.PaidBy,
		e.Description,
		string(e.Category),
		core.FormatAmount(e.Amount),
		settled,
	}
}

// DecodeExpense reads an expenses/archive row. Unreadable amounts and
// settled flags fall back to zero and false and are reported as coercions.
func DecodeExpense(r Row) (core.Expense, []Coercion) {
	r = Normalize(r, len(expenseHeaders))

	amount := core.ParseAmount(r[4])
	settled := core.ParseSettled(r[5])

	var coerced []Coercion
	if amount.Coerced {
		coerced = append(coerced, Coercion{Column: "amount", Raw: amount.Raw})
	}
	if settled.Coerced {
		coerced = append(coerced, Coercion{Column: "settled", Raw: settled.Raw})
	}

	category := core.Category(strings.TrimSpace(r[3]))
	if c, ok := core.ParseCategory(r[3]); ok {
		category = c
	}

	return core.Expense{
		Timestamp:   r[0],
		PaidBy:      r[1],
		Description: r[2],
		Category:    category,
		Amount:      amount.Value,
		Settled:     settled.Value,
	}, coerced
}

func EncodeAnnouncement(a core.Announcement) Row {
	return Row{a.Timestamp, a.Author, a.Message}
}

func DecodeAnnouncement(r Row) core.Announcement {
	r = Normalize(r, len(announcementHeaders))
	return core.Announcement{Timestamp: r[0], Author: r[1], Message: r[2]}
}

// DecodeFlatmates returns the roster in stored order. Blank rows are skipped.
func DecodeFlatmates(rows []Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if len(r) == 0 {
			continue
		}
		name := strings.TrimSpace(r[0])
		if name == "" {
			continue
		}
		out = append(out, name)
	}
	return out
}

func EncodeFlatmates(names []string) []Row {
	rows := make([]Row, 0, len(names))
	for _, n := range names {
		rows = append(rows, Row{n})
	}
	return rows
}
