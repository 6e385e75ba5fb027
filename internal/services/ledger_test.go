package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flatmates/internal/amqp"
	"flatmates/internal/core"
	"flatmates/internal/log"
	"flatmates/internal/sheets"
	"flatmates/internal/sheets/memory"
)

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)

type recordingPublisher struct {
	mu     sync.Mutex
	events []amqp.EventType
	err    error
}

func (p *recordingPublisher) PublishLedgerEvent(_ context.Context, ev *amqp.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Type)
	return p.err
}

// failingStore fails every call.
type failingStore struct{}

var errDown = errors.New("backend down")

func (failingStore) ReadTable(context.Context, sheets.Table) ([]sheets.Row, error) {
	return nil, errDown
}
func (failingStore) AppendRow(context.Context, sheets.Table, sheets.Row) error { return errDown }
func (failingStore) OverwriteTable(context.Context, sheets.Table, []string, []sheets.Row) error {
	return errDown
}

func newLedger(t *testing.T, opts ...Option) (*Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.Setup(context.Background()))
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithLogger(log.Discard())}, opts...)
	return NewLedger(store, opts...), store
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreateExpense(t *testing.T) {
	pub := &recordingPublisher{}
	l, _ := newLedger(t, WithPublisher(pub))
	ctx := context.Background()

	e, err := l.CreateExpense(ctx, "You", "  weekly shop ", "groceries", amt("42.10"))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01 09:30:00", e.Timestamp)
	assert.Equal(t, "weekly shop", e.Description)
	assert.Equal(t, core.Groceries, e.Category)
	assert.False(t, e.Settled)

	list, err := l.ListExpenses(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, e.Timestamp, list[0].Timestamp)
	assert.Equal(t, "42.10", list[0].Amount.StringFixed(2))
	assert.Equal(t, []amqp.EventType{amqp.ExpenseCreated}, pub.events)
}

func TestCreateExpenseRejectsWithoutWriting(t *testing.T) {
	cases := []struct {
		name        string
		description string
		category    string
		amount      string
		want        error
	}{
		{"zero amount", "bread", "Groceries", "0", core.ErrInvalidAmount},
		{"negative amount", "bread", "Groceries", "-3", core.ErrInvalidAmount},
		{"blank description", "   ", "Groceries", "3", core.ErrEmptyDescription},
		{"unknown category", "bread", "Snacks", "3", core.ErrInvalidCategory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			l, store := newLedger(t, WithPublisher(pub))
			ctx := context.Background()

			_, err := l.CreateExpense(ctx, "You", tc.description, tc.category, amt(tc.amount))
			require.ErrorIs(t, err, tc.want)
			assert.True(t, core.IsValidation(err))

			rows, _ := store.ReadTable(ctx, sheets.Expenses)
			assert.Empty(t, rows)
			assert.Empty(t, pub.events)
		})
	}
}

func TestBulkUpdateOverwritesVerbatim(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.CreateExpense(ctx, "You", "a", "Other", amt("1"))
	require.NoError(t, err)

	// bulk edits are not re-validated
	edited := []core.Expense{
		{Timestamp: "2024-01-01 00:00:00", PaidBy: "Flatmate 1", Description: "", Category: "Rent", Amount: amt("0"), Settled: true},
	}
	require.NoError(t, l.BulkUpdate(ctx, edited))

	got, err := l.ListExpenses(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Flatmate 1", got[0].PaidBy)
	assert.Equal(t, core.Category("Rent"), got[0].Category)
	assert.True(t, got[0].Settled)
}

func TestArchiveSettledRoundTrip(t *testing.T) {
	pub := &recordingPublisher{}
	l, _ := newLedger(t, WithPublisher(pub))
	ctx := context.Background()

	original := []core.Expense{
		{Timestamp: "2024-01-01 10:00:00", PaidBy: "You", Description: "a", Category: core.Bills, Amount: amt("10"), Settled: true},
		{Timestamp: "2024-01-02 10:00:00", PaidBy: "You", Description: "b", Category: core.Fun, Amount: amt("20")},
		{Timestamp: "2024-01-03 10:00:00", PaidBy: "Flatmate 1", Description: "c", Category: core.Fun, Amount: amt("30"), Settled: true},
	}
	require.NoError(t, l.BulkUpdate(ctx, original))

	n, err := l.ArchiveSettled(ctx, original)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := l.ListExpenses(ctx)
	require.NoError(t, err)
	archive, err := l.ListArchive(ctx)
	require.NoError(t, err)

	assert.Equal(t, len(original), len(active)+len(archive))
	for _, a := range active {
		for _, b := range archive {
			assert.NotEqual(t, a.Description, b.Description, "record in both tables")
		}
	}
	// archive keeps iteration order
	assert.Equal(t, "a", archive[0].Description)
	assert.Equal(t, "c", archive[1].Description)
	assert.Equal(t, "b", active[0].Description)
	assert.Equal(t, amqp.ExpensesArchived, pub.events[len(pub.events)-1])
}

func TestArchiveSettledNothingSettledStillRewrites(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	require.NoError(t, store.AppendRow(ctx, sheets.Expenses, sheets.Row{"stale"}))

	edited := []core.Expense{{Timestamp: "2024-01-02 10:00:00", PaidBy: "You", Description: "b", Category: core.Fun, Amount: amt("20")}}
	n, err := l.ArchiveSettled(ctx, edited)
	require.NoError(t, err)
	assert.Zero(t, n)

	active, _ := l.ListExpenses(ctx)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Description)
	archive, _ := l.ListArchive(ctx)
	assert.Empty(t, archive)
}

func TestArchiveIsAppendOnly(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	first := []core.Expense{{Timestamp: "t1", Description: "a", Category: core.Other, Amount: amt("1"), Settled: true}}
	second := []core.Expense{{Timestamp: "t2", Description: "b", Category: core.Other, Amount: amt("2"), Settled: true}}

	_, err := l.ArchiveSettled(ctx, first)
	require.NoError(t, err)
	_, err = l.ArchiveSettled(ctx, second)
	require.NoError(t, err)

	archive, _ := l.ListArchive(ctx)
	require.Len(t, archive, 2)
	assert.Equal(t, "a", archive[0].Description)
	assert.Equal(t, "b", archive[1].Description)
}

func TestMarkAllSettledIsIdempotent(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	for _, d := range []string{"a", "b"} {
		_, err := l.CreateExpense(ctx, "You", d, "Other", amt("5"))
		require.NoError(t, err)
	}

	list, _ := l.ListExpenses(ctx)
	once, err := l.MarkAllSettled(ctx, list)
	require.NoError(t, err)
	for _, e := range once {
		assert.True(t, e.Settled)
	}
	afterOnce, _ := store.ReadTable(ctx, sheets.Expenses)

	list, _ = l.ListExpenses(ctx)
	_, err = l.MarkAllSettled(ctx, list)
	require.NoError(t, err)
	afterTwice, _ := store.ReadTable(ctx, sheets.Expenses)

	assert.Equal(t, afterOnce, afterTwice)

	// settled rows stay in the active table until archived
	assert.Len(t, afterTwice, 2)
	archive, _ := l.ListArchive(ctx)
	assert.Empty(t, archive)
}

func TestMarkAllSettledDoesNotMutateInput(t *testing.T) {
	l, _ := newLedger(t)
	in := []core.Expense{{Description: "a", Amount: amt("1")}}
	_, err := l.MarkAllSettled(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, in[0].Settled)
}

func TestSaveParticipants(t *testing.T) {
	pub := &recordingPublisher{}
	l, _ := newLedger(t, WithPublisher(pub))
	ctx := context.Background()

	names, err := l.SaveParticipants(ctx, []string{" Anna ", "", "Ben", "  "})
	require.NoError(t, err)
	assert.Equal(t, []string{"Anna", "Ben"}, names)

	got, err := l.Participants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Anna", "Ben"}, got)
	assert.Equal(t, []amqp.EventType{amqp.FlatmatesSaved}, pub.events)
}

func TestSaveParticipantsRejectsEmptyRoster(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.SaveParticipants(ctx, []string{"", "   ", "\t"})
	require.ErrorIs(t, err, core.ErrEmptyRoster)
	assert.True(t, core.IsValidation(err))

	got, _ := l.Participants(ctx)
	assert.Equal(t, sheets.DefaultFlatmates, got, "roster must be unchanged")
}

func TestPostAnnouncement(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.PostAnnouncement(ctx, "You", "   ")
	require.ErrorIs(t, err, core.ErrEmptyMessage)

	a, err := l.PostAnnouncement(ctx, "You", "bins go out tonight")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01 09:30:00", a.Timestamp)

	got, err := l.ListRecentAnnouncements(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []core.Announcement{a}, got)
}

func TestRecentViewsNewestFirst(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.BulkUpdate(ctx, []core.Expense{
		{Timestamp: "2024-01-02 10:00:00", Description: "mid", Amount: amt("1")},
		{Timestamp: "2024-01-03 10:00:00", Description: "new", Amount: amt("1")},
		{Timestamp: "2024-01-01 10:00:00", Description: "old", Amount: amt("1")},
		{Timestamp: "2024-01-03 10:00:00", Description: "new-2", Amount: amt("1")},
	}))

	got, err := l.ListRecentExpenses(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"new", "new-2", "mid"}, []string{got[0].Description, got[1].Description, got[2].Description})

	all, err := l.ListRecentExpenses(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestBalancesFromStore(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.SaveParticipants(ctx, []string{"A", "B"})
	require.NoError(t, err)
	_, err = l.CreateExpense(ctx, "A", "dinner", "Fun", amt("30.00"))
	require.NoError(t, err)

	rows, err := l.Balances(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A", rows[0].Name)
	assert.Equal(t, "15.00", rows[0].Balance.StringFixed(2))
	assert.Equal(t, "B", rows[1].Name)
	assert.Equal(t, "-15.00", rows[1].Balance.StringFixed(2))
}

func TestMalformedRowsAreCoerced(t *testing.T) {
	l, store := newLedger(t)
	ctx := context.Background()
	require.NoError(t, store.AppendRow(ctx, sheets.Expenses, sheets.Row{"2024-01-01 10:00:00", "You", "x", "Other", "ten", "perhaps"}))

	list, err := l.ListExpenses(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Amount.IsZero())
	assert.False(t, list[0].Settled)
}

func TestDashboard(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.SaveParticipants(ctx, []string{"A", "B", "C"})
	require.NoError(t, err)
	_, err = l.CreateExpense(ctx, "A", "rent share", "Bills", amt("90"))
	require.NoError(t, err)
	_, err = l.PostAnnouncement(ctx, "B", "hello")
	require.NoError(t, err)

	d, err := l.Dashboard(ctx, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, d.Participants)
	assert.Equal(t, "90.00", d.TotalUnsettled.StringFixed(2))
	assert.Len(t, d.Balances, 3)
	assert.Len(t, d.Transfers, 2)
	assert.Len(t, d.RecentExpenses, 1)
	assert.Len(t, d.RecentAnnouncements, 1)
}

func TestStorageFailuresAreWrapped(t *testing.T) {
	l := NewLedger(failingStore{}, WithLogger(log.Discard()))
	ctx := context.Background()

	_, err := l.CreateExpense(ctx, "You", "bread", "Groceries", amt("1"))
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	assert.ErrorIs(t, err, errDown)
	assert.False(t, core.IsValidation(err))

	assert.ErrorIs(t, l.BulkUpdate(ctx, nil), core.ErrStorageUnavailable)
	_, err = l.ArchiveSettled(ctx, nil)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	_, err = l.MarkAllSettled(ctx, nil)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	_, err = l.SaveParticipants(ctx, []string{"A"})
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	_, err = l.PostAnnouncement(ctx, "A", "hi")
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	_, err = l.Balances(ctx)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	_, err = l.Dashboard(ctx, 10, 5)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
}

func TestValidationWinsOverStorage(t *testing.T) {
	l := NewLedger(failingStore{}, WithLogger(log.Discard()))
	_, err := l.CreateExpense(context.Background(), "You", "", "Groceries", amt("1"))
	assert.ErrorIs(t, err, core.ErrEmptyDescription)
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker gone")}
	l, _ := newLedger(t, WithPublisher(pub))

	_, err := l.CreateExpense(context.Background(), "You", "bread", "Groceries", amt("1"))
	require.NoError(t, err)
	assert.Len(t, pub.events, 1)
}

// Two sessions snapshot the table, edit it and write it back. Nothing
// detects the conflict: the second write replaces the first session's edit.
func TestConcurrentBulkUpdatesLastWriterWins(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.CreateExpense(ctx, "You", "groceries", "Groceries", amt("10"))
	require.NoError(t, err)

	sessionA, _ := l.ListExpenses(ctx)
	sessionB, _ := l.ListExpenses(ctx)

	sessionA[0].Description = "edited by A"
	sessionB[0].Amount = amt("99")

	require.NoError(t, l.BulkUpdate(ctx, sessionA))
	require.NoError(t, l.BulkUpdate(ctx, sessionB))

	got, _ := l.ListExpenses(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, "groceries", got[0].Description, "A's edit is lost")
	assert.Equal(t, "99.00", got[0].Amount.StringFixed(2))
}

func TestConcurrentCreateAndBulkUpdateLosesCreate(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	snapshot, _ := l.ListExpenses(ctx)
	_, err := l.CreateExpense(ctx, "You", "new", "Other", amt("5"))
	require.NoError(t, err)
	require.NoError(t, l.BulkUpdate(ctx, snapshot))

	got, _ := l.ListExpenses(ctx)
	assert.Empty(t, got, "stale snapshot overwrites the concurrent create")
}
