package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flatmates/internal/core"
	"flatmates/internal/log"
	"flatmates/internal/services"
	"flatmates/internal/sheets"
	"flatmates/internal/sheets/memory"
)

type failingStore struct{}

var errDown = errors.New("backend down")

func (failingStore) ReadTable(context.Context, sheets.Table) ([]sheets.Row, error) {
	return nil, errDown
}
func (failingStore) AppendRow(context.Context, sheets.Table, sheets.Row) error { return errDown }
func (failingStore) OverwriteTable(context.Context, sheets.Table, []string, []sheets.Row) error {
	return errDown
}

func newTestServer(t *testing.T, opts Options) (*Server, *services.Ledger) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.Setup(context.Background()))
	return newTestServerWithStore(t, store, opts)
}

func newTestServerWithStore(t *testing.T, store sheets.Store, opts Options) (*Server, *services.Ledger) {
	t.Helper()
	ledger := services.NewLedger(store, services.WithLogger(log.Discard()))
	srv := NewServer(":0", ledger, opts)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv, ledger
}

func do(srv *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func form(srv *Server, path string, values url.Values, htmx bool) *httptest.ResponseRecorder {
	headers := []string{"Content-Type", "application/x-www-form-urlencoded"}
	if htmx {
		headers = append(headers, "HX-Request", "true")
	}
	return do(srv, http.MethodPost, path, values.Encode(), headers...)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func TestIndexAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	rr := do(srv, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "Add an expense")
	assert.Contains(t, body, "Balances")
	assert.Contains(t, body, "Flatmate 1")
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, rr.Header().Get("Content-Security-Policy"))

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := do(srv, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}

	rr = do(srv, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPagesRender(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	pages := map[string]string{
		"/expenses/edit": "Save changes",
		"/announcements": "Post an announcement",
		"/flatmates":     "Save flatmates",
		"/help":          "How it works",
		"/ui/balances":   "Unsettled total",
	}
	for path, want := range pages {
		rr := do(srv, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.Contains(t, rr.Body.String(), want, path)
	}

	rr := do(srv, http.MethodGet, "/static/app.css", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Cache-Control"), "max-age=3600")
}

func TestReadyReportsStorageFailure(t *testing.T) {
	srv, _ := newTestServerWithStore(t, failingStore{}, Options{})

	rr := do(srv, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var got struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, rr, &got)
	assert.Equal(t, "not ready", got.Status)
	assert.Contains(t, got.Checks["storage"], "storage unavailable")
	assert.Equal(t, "ok", got.Checks["templates"])
}

func TestReadyUsesExtraProbe(t *testing.T) {
	srv, _ := newTestServer(t, Options{Ready: func(context.Context) error { return errors.New("ping failed") }})

	rr := do(srv, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "ping failed")
}

func TestCreateExpense(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})

	rr := do(srv, http.MethodGet, "/expenses", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "POST", rr.Header().Get("Allow"))

	tests := []struct {
		name     string
		values   url.Values
		wantCode int
		wantBody string
	}{
		{
			name:     "amount is not a number",
			values:   url.Values{"paid_by": {"You"}, "description": {"Milk"}, "category": {"Groceries"}, "amount": {"abc"}},
			wantCode: http.StatusUnprocessableEntity,
			wantBody: "is not a number",
		},
		{
			name:     "zero amount",
			values:   url.Values{"paid_by": {"You"}, "description": {"Milk"}, "category": {"Groceries"}, "amount": {"0"}},
			wantCode: http.StatusUnprocessableEntity,
			wantBody: "greater than zero",
		},
		{
			name:     "blank description",
			values:   url.Values{"paid_by": {"You"}, "description": {"   "}, "category": {"Groceries"}, "amount": {"2"}},
			wantCode: http.StatusUnprocessableEntity,
			wantBody: "empty description",
		},
		{
			name:     "unknown category",
			values:   url.Values{"paid_by": {"You"}, "description": {"Milk"}, "category": {"Pets"}, "amount": {"2"}},
			wantCode: http.StatusUnprocessableEntity,
			wantBody: "unknown category",
		},
		{
			name:     "comma decimal separator",
			values:   url.Values{"paid_by": {"You"}, "description": {"Milk"}, "category": {"groceries"}, "amount": {"2,50"}},
			wantCode: http.StatusOK,
			wantBody: "Added Milk (£2.50, Groceries) paid by You",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := form(srv, "/expenses", tt.values, true)
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.wantBody)
		})
	}

	list, err := ledger.ListExpenses(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1, "rejected submissions must not write")
	assert.Equal(t, core.Groceries, list[0].Category)
	assert.True(t, list[0].Amount.Equal(decimal.RequireFromString("2.5")))
}

func TestCreateExpenseTriggersEvents(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	rr := do(srv, http.MethodPost, "/expenses",
		`{"paid_by":"You","description":"Bread","category":"Groceries","amount":3}`,
		"Content-Type", "application/json")
	require.Equal(t, http.StatusOK, rr.Code)

	var triggers map[string]any
	require.NoError(t, json.Unmarshal([]byte(rr.Header().Get("HX-Trigger")), &triggers))
	assert.Contains(t, triggers, EventExpenseCreated)
	assert.Contains(t, triggers, EventFormReset)
	assert.Equal(t, map[string]any{"paid_by": "You", "amount": "3.00"}, triggers[EventExpenseCreated])
}

func TestBalancesCacheInvalidatedByWrites(t *testing.T) {
	srv, _ := newTestServer(t, Options{CacheTTL: time.Hour})

	type balances struct {
		Balances  []balanceJSON  `json:"balances"`
		Transfers []transferJSON `json:"transfers"`
	}

	rr := do(srv, http.MethodGet, "/api/balances", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var before balances
	decode(t, rr, &before)
	require.Len(t, before.Balances, 3)
	assert.Equal(t, "0.00", before.Balances[0].Balance)
	assert.Empty(t, before.Transfers)

	rr = do(srv, http.MethodPost, "/api/expenses",
		`{"paid_by":"You","description":"Internet","category":"Bills","amount":"30"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = do(srv, http.MethodGet, "/api/balances", "")
	var after balances
	decode(t, rr, &after)
	require.Len(t, after.Balances, 3)
	assert.Equal(t, balanceJSON{Name: "You", Paid: "30.00", Share: "10.00", Balance: "20.00"}, after.Balances[0])
	assert.Equal(t, []transferJSON{
		{From: "Flatmate 1", To: "You", Amount: "10.00"},
		{From: "Flatmate 2", To: "You", Amount: "10.00"},
	}, after.Transfers)
}

func TestDashboardIsCachedUntilWrite(t *testing.T) {
	srv, ledger := newTestServer(t, Options{CacheTTL: time.Hour})
	ctx := context.Background()

	rr := do(srv, http.MethodGet, "/api/dashboard", "")
	require.Equal(t, http.StatusOK, rr.Code)

	// Written behind the server's back: the cached view stays stale.
	_, err := ledger.CreateExpense(ctx, "You", "Soap", "Other", decimal.NewFromInt(4))
	require.NoError(t, err)

	var d struct {
		Total string `json:"total_unsettled"`
	}
	decode(t, do(srv, http.MethodGet, "/api/dashboard", ""), &d)
	assert.Equal(t, "0.00", d.Total)

	rr = do(srv, http.MethodPost, "/api/announcements", `{"author":"You","message":"Bins tonight"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	decode(t, do(srv, http.MethodGet, "/api/dashboard", ""), &d)
	assert.Equal(t, "4.00", d.Total)
}

func seedExpenses(t *testing.T, ledger *services.Ledger) {
	t.Helper()
	ctx := context.Background()
	_, err := ledger.CreateExpense(ctx, "You", "Milk", "Groceries", decimal.NewFromInt(3))
	require.NoError(t, err)
	_, err = ledger.CreateExpense(ctx, "Flatmate 1", "Gas", "Bills", decimal.NewFromInt(60))
	require.NoError(t, err)
}

func editorForm(t *testing.T, ledger *services.Ledger) url.Values {
	t.Helper()
	list, err := ledger.ListExpenses(context.Background())
	require.NoError(t, err)
	v := url.Values{"rows": {strconv.Itoa(len(list))}}
	for i, e := range list {
		n := strconv.Itoa(i)
		v.Set("timestamp_"+n, e.Timestamp)
		v.Set("paid_by_"+n, e.PaidBy)
		v.Set("description_"+n, e.Description)
		v.Set("category_"+n, e.Category.String())
		v.Set("amount_"+n, core.FormatAmount(e.Amount))
		if e.Settled {
			v.Set("settled_"+n, "on")
		}
	}
	return v
}

func TestEditSubmitArchive(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})
	seedExpenses(t, ledger)

	v := editorForm(t, ledger)
	v.Set("settled_0", "on")
	v.Set("action", "archive")

	rr := form(srv, "/expenses/edit", v, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Archived 1 settled expenses")
	assert.Contains(t, rr.Header().Get("HX-Trigger"), EventLedgerChanged)

	ctx := context.Background()
	active, err := ledger.ListExpenses(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Gas", active[0].Description)

	archive, err := ledger.ListArchive(ctx)
	require.NoError(t, err)
	require.Len(t, archive, 1)
	assert.Equal(t, "Milk", archive[0].Description)
	assert.True(t, archive[0].Settled)
}

func TestEditSubmitSaveAndSettle(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})
	seedExpenses(t, ledger)
	ctx := context.Background()

	v := editorForm(t, ledger)
	v.Set("description_1", "Gas bill")
	v.Set("delete_0", "on")
	v.Set("action", "save")

	rr := form(srv, "/expenses/edit", v, false)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/expenses/edit", rr.Header().Get("Location"))

	list, err := ledger.ListExpenses(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Gas bill", list[0].Description)

	v = editorForm(t, ledger)
	v.Set("action", "settle")
	rr = form(srv, "/expenses/edit", v, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Marked 1 expenses as settled")

	list, err = ledger.ListExpenses(ctx)
	require.NoError(t, err)
	assert.True(t, list[0].Settled)
}

func TestEditSubmitRejectsBadInput(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})
	seedExpenses(t, ledger)

	rr := form(srv, "/expenses/edit", url.Values{"action": {"save"}}, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "missing row count")

	v := editorForm(t, ledger)
	v.Set("action", "explode")
	rr = form(srv, "/expenses/edit", v, true)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	list, err := ledger.ListExpenses(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestEditSubmitIgnoresInflatedRowCount(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})
	seedExpenses(t, ledger)

	rr := form(srv, "/expenses/edit", url.Values{"rows": {"5000"}, "action": {"save"}}, false)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	v := editorForm(t, ledger)
	v.Set("rows", "5000")
	v.Set("action", "save")
	rr = form(srv, "/expenses/edit", v, false)
	assert.Equal(t, http.StatusSeeOther, rr.Code)

	list, err := ledger.ListExpenses(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAPIBulkUpdate(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})

	body := `{"expenses":[
		{"timestamp":"2024-03-01 10:00:00","paid_by":"You","description":"Milk","category":"Groceries","amount":"2.5","settled":false},
		{"timestamp":"2024-03-02 10:00:00","paid_by":"Flatmate 2","description":"Vet","category":"Pets","amount":12,"settled":true}
	]}`
	rr := do(srv, http.MethodPut, "/api/expenses", body, "Content-Type", "application/json")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var list struct {
		Expenses []expenseJSON `json:"expenses"`
	}
	decode(t, do(srv, http.MethodGet, "/api/expenses", ""), &list)
	require.Len(t, list.Expenses, 2)
	assert.Equal(t, "2.50", list.Expenses[0].Amount)
	assert.Equal(t, "Pets", list.Expenses[1].Category, "unknown categories are stored verbatim")
	assert.True(t, list.Expenses[1].Settled)

	rr = do(srv, http.MethodPut, "/api/expenses", `{"expenses":[{"amount":"abc"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(srv, http.MethodPut, "/api/expenses", `{"expenses":`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(srv, http.MethodPut, "/api/expenses", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	stored, err := ledger.ListExpenses(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2, "rejected updates must not write")
}

func TestAPISettleAllThenArchive(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})
	seedExpenses(t, ledger)

	rr := do(srv, http.MethodPost, "/api/expenses/settle-all", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var settled struct {
		Expenses []expenseJSON `json:"expenses"`
	}
	decode(t, rr, &settled)
	require.Len(t, settled.Expenses, 2)
	for _, e := range settled.Expenses {
		assert.True(t, e.Settled)
	}

	rr = do(srv, http.MethodPost, "/api/expenses/archive", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var archived struct {
		Archived int `json:"archived"`
	}
	decode(t, rr, &archived)
	assert.Equal(t, 2, archived.Archived)

	var archive struct {
		Archive []expenseJSON `json:"archive"`
	}
	decode(t, do(srv, http.MethodGet, "/api/archive", ""), &archive)
	assert.Len(t, archive.Archive, 2)

	var active struct {
		Expenses []expenseJSON `json:"expenses"`
	}
	decode(t, do(srv, http.MethodGet, "/api/expenses", ""), &active)
	assert.Empty(t, active.Expenses)
}

func TestAPITableWithoutExpensesKey(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})
	seedExpenses(t, ledger)
	ctx := context.Background()

	rr := do(srv, http.MethodPut, "/api/expenses", `{}`, "Content-Type", "application/json")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "expenses table is required")

	rr = do(srv, http.MethodPost, "/api/expenses/archive", `{}`, "Content-Type", "application/json")
	require.Equal(t, http.StatusOK, rr.Code)
	var archived struct {
		Archived int `json:"archived"`
	}
	decode(t, rr, &archived)
	assert.Zero(t, archived.Archived)

	active, err := ledger.ListExpenses(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2, "a body without a table falls back to the stored one")

	rr = do(srv, http.MethodPost, "/api/expenses/settle-all", `{"note":"x"}`, "Content-Type", "application/json")
	require.Equal(t, http.StatusOK, rr.Code)
	active, err = ledger.ListExpenses(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, e := range active {
		assert.True(t, e.Settled)
	}

	rr = do(srv, http.MethodPut, "/api/expenses", `{"expenses":[]}`, "Content-Type", "application/json")
	require.Equal(t, http.StatusOK, rr.Code)
	active, err = ledger.ListExpenses(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "an explicit empty table clears the active expenses")
}

// slowDashboardLedger takes its first dashboard snapshot, then holds it
// until released.
type slowDashboardLedger struct {
	*services.Ledger
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (l *slowDashboardLedger) Dashboard(ctx context.Context, recentExpenses, recentAnnouncements int) (services.Dashboard, error) {
	d, err := l.Ledger.Dashboard(ctx, recentExpenses, recentAnnouncements)
	l.once.Do(func() {
		close(l.started)
		<-l.release
	})
	return d, err
}

func TestDashboardLoadOverlappingWriteIsNotCached(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Setup(context.Background()))
	ledger := &slowDashboardLedger{
		Ledger:  services.NewLedger(store, services.WithLogger(log.Discard())),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	srv := NewServer(":0", ledger, Options{CacheTTL: time.Hour})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	type dashboard struct {
		TotalUnsettled string `json:"total_unsettled"`
	}

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- do(srv, http.MethodGet, "/api/dashboard", "") }()
	<-ledger.started

	rr := do(srv, http.MethodPost, "/api/expenses",
		`{"paid_by":"You","description":"Rent","category":"Bills","amount":"30"}`,
		"Content-Type", "application/json")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	close(ledger.release)
	var stale dashboard
	decode(t, <-done, &stale)
	assert.Equal(t, "0.00", stale.TotalUnsettled, "the in-flight read saw the old table")

	var fresh dashboard
	decode(t, do(srv, http.MethodGet, "/api/dashboard", ""), &fresh)
	assert.Equal(t, "30.00", fresh.TotalUnsettled)
}

func TestAnnouncements(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	rr := form(srv, "/announcements", url.Values{"author": {"You"}, "message": {"  "}}, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "message cannot be empty")

	rr = form(srv, "/announcements", url.Values{"author": {"You"}, "message": {"Party <Friday>"}}, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Party &lt;Friday&gt;")
	assert.Contains(t, rr.Header().Get("HX-Trigger"), EventAnnouncementPosted)

	rr = do(srv, http.MethodPost, "/api/announcements", `{"author":"Flatmate 1","message":"Boiler fixed"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	var got struct {
		Announcements []announcementJSON `json:"announcements"`
	}
	decode(t, do(srv, http.MethodGet, "/api/announcements?limit=1", ""), &got)
	require.Len(t, got.Announcements, 1)

	decode(t, do(srv, http.MethodGet, "/api/announcements", ""), &got)
	assert.Len(t, got.Announcements, 2)
}

func TestFlatmates(t *testing.T) {
	srv, ledger := newTestServer(t, Options{})

	rr := form(srv, "/flatmates", url.Values{"name": {" Alice ", "", "Bob"}}, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Saved 2 flatmates")

	var roster rosterJSON
	decode(t, do(srv, http.MethodGet, "/api/flatmates", ""), &roster)
	assert.Equal(t, []string{"Alice", "Bob"}, roster.Flatmates)

	rr = do(srv, http.MethodPut, "/api/flatmates", `{"flatmates":[" ", ""]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(srv, http.MethodPut, "/api/flatmates", `{"flatmates":["Carol","Carol"]}`)
	require.Equal(t, http.StatusOK, rr.Code)

	names, err := ledger.Participants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Carol", "Carol"}, names)

	rr = form(srv, "/flatmates", url.Values{"names": {"Dan\nEve\n"}}, false)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	names, err = ledger.Participants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Dan", "Eve"}, names)
}

func TestStorageFailureMapsTo503(t *testing.T) {
	srv, _ := newTestServerWithStore(t, failingStore{}, Options{})

	rr := do(srv, http.MethodGet, "/api/expenses", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var apiErr apiError
	decode(t, rr, &apiErr)
	assert.Equal(t, log.ErrorTypeStorage, apiErr.Kind)
	assert.NotContains(t, apiErr.Error, "backend down")
	assert.Equal(t, rr.Header().Get("X-Request-ID"), apiErr.RequestID)
	assert.NotEmpty(t, apiErr.RequestID)

	rr = form(srv, "/expenses", url.Values{"paid_by": {"You"}, "description": {"Milk"}, "category": {"Groceries"}, "amount": {"2"}}, true)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = do(srv, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "storage is unavailable")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	do(srv, http.MethodGet, "/healthz", "")
	do(srv, http.MethodGet, "/api/balances", "")
	do(srv, http.MethodGet, "/api/balances", "")

	rr := do(srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `flatmates_http_requests_total{code="200",method="GET",route="GET /healthz"} 1`)
	assert.Contains(t, body, `flatmates_cache_lookups_total{cache="balances",result="hit"} 1`)
	assert.Contains(t, body, `flatmates_cache_lookups_total{cache="balances",result="miss"} 1`)
	assert.Contains(t, body, "flatmates_uptime_seconds")
}

func TestRateLimitOnWrites(t *testing.T) {
	srv, _ := newTestServer(t, Options{RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		rr := do(srv, http.MethodPost, "/api/announcements", `{"author":"You","message":"hi"}`)
		require.Equal(t, http.StatusCreated, rr.Code)
	}
	rr := do(srv, http.MethodPost, "/api/announcements", `{"author":"You","message":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	// Reads are never limited.
	rr = do(srv, http.MethodGet, "/api/announcements", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, srv.Shutdown(ctx))
}
