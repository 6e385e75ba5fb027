package sheets

import (
	"context"
)

// Table names a ledger table. Each backend maps it to its own unit of
// storage: a worksheet, an SQL table or a slice in memory.
type Table string

const (
	Expenses      Table = "expenses"
	Announcements Table = "announcements"
	Flatmates     Table = "flatmates"
	Archive       Table = "archive"
)

// Row is one stored record, cells in header order. Blank cells are "".
type Row []string

var (
	expenseHeaders      = []string{"timestamp", "paid_by", "description", "category", "amount", "settled"}
	announcementHeaders = []string{"timestamp", "author", "message"}
	flatmateHeaders     = []string{"name"}
)

// Tables returns every ledger table in setup order.
func Tables() []Table {
	return []Table{Expenses, Announcements, Flatmates, Archive}
}

// Headers returns the fixed column order of t. The archive shares the
// expenses schema.
func (t Table) Headers() []string {
	var h []string
	switch t {
	case Expenses, Archive:
		h = expenseHeaders
	case Announcements:
		h = announcementHeaders
	case Flatmates:
		h = flatmateHeaders
	}
	return append([]string(nil), h...)
}

func (t Table) Valid() bool {
	return len(t.Headers()) > 0
}

func (t Table) String() string { return string(t) }

// Ports for outbound adapters.
type (
	TableReader interface {
		// ReadTable returns every data row of t, without headers, each
		// normalized to the header width. An empty table yields no rows.
		ReadTable(ctx context.Context, t Table) ([]Row, error)
	}

	RowAppender interface {
		AppendRow(ctx context.Context, t Table, r Row) error
	}

	// TableOverwriter clears t and rewrites it, headers first, then rows in
	// the given order. Overwriting with no rows clears the table.
	TableOverwriter interface {
		OverwriteTable(ctx context.Context, t Table, headers []string, rows []Row) error
	}

	// Initializer creates missing tables with their headers and seeds the
	// roster when it is empty.
	Initializer interface {
		Setup(ctx context.Context) error
	}

	Store interface {
		TableReader
		RowAppender
		TableOverwriter
	}
)

// Normalize pads or truncates r to width cells.
func Normalize(r Row, width int) Row {
	out := make(Row, width)
	copy(out, r)
	return out
}
