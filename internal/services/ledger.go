package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"flatmates/internal/amqp"
	"flatmates/internal/core"
	"flatmates/internal/log"
	"flatmates/internal/sheets"
)

// Publisher announces ledger changes. Failures never fail the write that
// triggered them.
type Publisher interface {
	PublishLedgerEvent(ctx context.Context, ev *amqp.LedgerEvent) error
}

// Ledger is the only write path into the store. Every operation is a plain
// read-modify-write: there is no locking and no version check, so the last
// writer of a table wins.
type Ledger struct {
	store     sheets.Store
	publisher Publisher
	logger    *log.Logger
	now       func() time.Time
}

type Option func(*Ledger)

func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

func WithLogger(logger *log.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store sheets.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: log.FromContext(context.Background()).WithComponent(log.ComponentLedger),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dashboard is the read model of the home page.
type Dashboard struct {
	Participants        []string
	Balances            []core.BalanceRow
	Transfers           []core.Transfer
	TotalUnsettled      decimal.Decimal
	RecentExpenses      []core.Expense
	RecentAnnouncements []core.Announcement
}

// CreateExpense validates the input, stamps it and appends it unsettled.
// Nothing is written when validation fails.
func (l *Ledger) CreateExpense(ctx context.Context, paidBy, description, category string, amount decimal.Decimal) (core.Expense, error) {
	cat, _ := core.ParseCategory(category)
	e := core.Expense{
		PaidBy:      strings.TrimSpace(paidBy),
		Description: strings.TrimSpace(description),
		Category:    cat,
		Amount:      amount,
	}
	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}
	e.Timestamp = core.FormatTimestamp(l.now())

	if err := l.store.AppendRow(ctx, sheets.Expenses, sheets.EncodeExpense(e)); err != nil {
		return core.Expense{}, storageErr("append expense", err)
	}

	l.logger.InfoContext(ctx, "Expense created", log.NewFields().
		WithExpense(e.PaidBy, e.Description, string(e.Category), core.FormatAmount(e.Amount)).
		WithOperation(log.OpCreate).ToSlice()...)
	l.publish(ctx, amqp.ExpenseCreated, 1)
	return e, nil
}

// BulkUpdate replaces the active expenses with edited, verbatim.
func (l *Ledger) BulkUpdate(ctx context.Context, edited []core.Expense) error {
	if err := l.writeExpenses(ctx, edited); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "Expenses updated", log.FieldOperation, log.OpBulkUpdate, log.FieldRows, len(edited))
	l.publish(ctx, amqp.ExpensesUpdated, len(edited))
	return nil
}

// ArchiveSettled appends the settled rows of edited to the archive, in order,
// then rewrites the active table with the rest. The rewrite happens even when
// nothing was settled.
func (l *Ledger) ArchiveSettled(ctx context.Context, edited []core.Expense) (int, error) {
	var settled, active []core.Expense
	for _, e := range edited {
		if e.Settled {
			settled = append(settled, e)
		} else {
			active = append(active, e)
		}
	}

	for i, e := range settled {
		if err := l.store.AppendRow(ctx, sheets.Archive, sheets.EncodeExpense(e)); err != nil {
			return i, storageErr("append to archive", err)
		}
	}
	if err := l.writeExpenses(ctx, active); err != nil {
		return len(settled), err
	}

	l.logger.InfoContext(ctx, "Settled expenses archived", log.FieldOperation, log.OpArchive, log.FieldCount, len(settled), log.FieldRows, len(active))
	l.publish(ctx, amqp.ExpensesArchived, len(settled))
	return len(settled), nil
}

// MarkAllSettled flags every row settled and stores the result. It does not
// archive anything.
func (l *Ledger) MarkAllSettled(ctx context.Context, edited []core.Expense) ([]core.Expense, error) {
	out := make([]core.Expense, len(edited))
	for i, e := range edited {
		e.Settled = true
		out[i] = e
	}
	if err := l.writeExpenses(ctx, out); err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "All expenses marked settled", log.FieldOperation, log.OpSettleAll, log.FieldRows, len(out))
	l.publish(ctx, amqp.ExpensesSettled, len(out))
	return out, nil
}

func (l *Ledger) writeExpenses(ctx context.Context, expenses []core.Expense) error {
	rows := make([]sheets.Row, 0, len(expenses))
	for _, e := range expenses {
		rows = append(rows, sheets.EncodeExpense(e))
	}
	if err := l.store.OverwriteTable(ctx, sheets.Expenses, sheets.Expenses.Headers(), rows); err != nil {
		return storageErr("overwrite expenses", err)
	}
	return nil
}

// SaveParticipants trims the roster, drops blank names and overwrites the
// stored roster. An all-blank roster is rejected without writing.
func (l *Ledger) SaveParticipants(ctx context.Context, edited []string) ([]string, error) {
	names, err := core.CleanRoster(edited)
	if err != nil {
		return nil, err
	}
	if err := l.store.OverwriteTable(ctx, sheets.Flatmates, sheets.Flatmates.Headers(), sheets.EncodeFlatmates(names)); err != nil {
		return nil, storageErr("overwrite flatmates", err)
	}
	l.logger.WithComponent(log.ComponentRoster).InfoContext(ctx, "Roster saved", log.FieldOperation, log.OpSaveRoster, log.FieldCount, len(names))
	l.publish(ctx, amqp.FlatmatesSaved, len(names))
	return names, nil
}

// PostAnnouncement appends a message. Blank messages are rejected.
func (l *Ledger) PostAnnouncement(ctx context.Context, author, message string) (core.Announcement, error) {
	a := core.Announcement{
		Author:  strings.TrimSpace(author),
		Message: strings.TrimSpace(message),
	}
	if err := a.Validate(); err != nil {
		return core.Announcement{}, err
	}
	a.Timestamp = core.FormatTimestamp(l.now())

	if err := l.store.AppendRow(ctx, sheets.Announcements, sheets.EncodeAnnouncement(a)); err != nil {
		return core.Announcement{}, storageErr("append announcement", err)
	}
	l.logger.InfoContext(ctx, "Announcement posted", log.FieldOperation, log.OpAnnounce, log.FieldAuthor, a.Author)
	l.publish(ctx, amqp.AnnouncementPosted, 1)
	return a, nil
}

// ListExpenses returns the active expenses in stored order.
func (l *Ledger) ListExpenses(ctx context.Context) ([]core.Expense, error) {
	return l.readExpenses(ctx, sheets.Expenses)
}

// ListArchive returns archived expenses in archive order.
func (l *Ledger) ListArchive(ctx context.Context) ([]core.Expense, error) {
	return l.readExpenses(ctx, sheets.Archive)
}

// ListRecentExpenses returns up to n active expenses, newest first. n <= 0
// returns all of them.
func (l *Ledger) ListRecentExpenses(ctx context.Context, n int) ([]core.Expense, error) {
	all, err := l.ListExpenses(ctx)
	if err != nil {
		return nil, err
	}
	return recent(all, n, func(e core.Expense) string { return e.Timestamp }), nil
}

// ListRecentAnnouncements returns up to n announcements, newest first.
func (l *Ledger) ListRecentAnnouncements(ctx context.Context, n int) ([]core.Announcement, error) {
	rows, err := l.store.ReadTable(ctx, sheets.Announcements)
	if err != nil {
		return nil, storageErr("read announcements", err)
	}
	all := make([]core.Announcement, 0, len(rows))
	for _, r := range rows {
		all = append(all, sheets.DecodeAnnouncement(r))
	}
	return recent(all, n, func(a core.Announcement) string { return a.Timestamp }), nil
}

// Participants returns the stored roster.
func (l *Ledger) Participants(ctx context.Context) ([]string, error) {
	rows, err := l.store.ReadTable(ctx, sheets.Flatmates)
	if err != nil {
		return nil, storageErr("read flatmates", err)
	}
	return sheets.DecodeFlatmates(rows), nil
}

// Balances computes the balance sheet from the stored expenses and roster.
func (l *Ledger) Balances(ctx context.Context) ([]core.BalanceRow, error) {
	var (
		expenses []core.Expense
		names    []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		expenses, err = l.ListExpenses(gctx)
		return err
	})
	g.Go(func() (err error) {
		names, err = l.Participants(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return core.ComputeBalances(expenses, names), nil
}

// Dashboard gathers balances, suggested transfers and the recent items.
// The three tables are read concurrently.
func (l *Ledger) Dashboard(ctx context.Context, recentExpenses, recentAnnouncements int) (Dashboard, error) {
	var (
		expenses      []core.Expense
		names         []string
		announcements []core.Announcement
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		expenses, err = l.ListExpenses(gctx)
		return err
	})
	g.Go(func() (err error) {
		names, err = l.Participants(gctx)
		return err
	})
	g.Go(func() (err error) {
		announcements, err = l.ListRecentAnnouncements(gctx, recentAnnouncements)
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}

	balances := core.ComputeBalances(expenses, names)
	total := decimal.Zero
	for _, e := range expenses {
		if !e.Settled {
			total = total.Add(e.Amount)
		}
	}
	return Dashboard{
		Participants:        names,
		Balances:            balances,
		Transfers:           core.SuggestTransfers(balances),
		TotalUnsettled:      total,
		RecentExpenses:      recent(expenses, recentExpenses, func(e core.Expense) string { return e.Timestamp }),
		RecentAnnouncements: announcements,
	}, nil
}

func (l *Ledger) readExpenses(ctx context.Context, t sheets.Table) ([]core.Expense, error) {
	rows, err := l.store.ReadTable(ctx, t)
	if err != nil {
		return nil, storageErr("read "+t.String(), err)
	}
	out := make([]core.Expense, 0, len(rows))
	for i, r := range rows {
		e, coerced := sheets.DecodeExpense(r)
		for _, c := range coerced {
			l.logger.WarnContext(ctx, "Malformed stored value replaced by default",
				log.FieldTable, t.String(),
				"row", i+2, // header is row 1
				log.FieldColumn, c.Column,
				log.FieldRawValue, c.Raw,
				log.FieldErrorType, log.ErrorTypeMalformedData)
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *Ledger) publish(ctx context.Context, t amqp.EventType, count int) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.PublishLedgerEvent(ctx, amqp.NewLedgerEvent(t, count)); err != nil {
		l.logger.ErrorContext(ctx, "Failed to publish ledger event", log.FieldEvent, string(t), log.FieldError, err)
	}
}

// recent sorts a copy of items by timestamp descending, keeping stored order
// among equal timestamps, and keeps the first n.
func recent[T any](items []T, n int, ts func(T) string) []T {
	out := append([]T(nil), items...)
	sort.SliceStable(out, func(i, j int) bool { return ts(out[i]) > ts(out[j]) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	if out == nil {
		out = []T{}
	}
	return out
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", core.ErrStorageUnavailable, op, err)
}
