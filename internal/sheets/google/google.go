package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"flatmates/internal/core"
	ports "flatmates/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

// Client stores each ledger table in a worksheet of the same name.
type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	seed          []string
}

// Ensure interface conformance
var (
	_ ports.Store       = (*Client)(nil)
	_ ports.Initializer = (*Client)(nil)
)

// NewFromEnv creates a Sheets client using environment variables.
// Required: GOOGLE_SPREADSHEET_ID plus either OAuth user credentials
// (GOOGLE_OAUTH_CLIENT_* and GOOGLE_OAUTH_TOKEN_*) or one of
// GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or
// GOOGLE_APPLICATION_CREDENTIALS.
func NewFromEnv(ctx context.Context) (*Client, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, fmt.Errorf("%w: missing GOOGLE_SPREADSHEET_ID", core.ErrStorageUnavailable)
	}

	if oauthConfigured() {
		opt, err := oauthOption(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrStorageUnavailable, err)
		}
		slog.InfoContext(ctx, "Using OAuth user credentials")
		return New(ctx, spreadsheetID, opt)
	}

	creds, err := serviceAccountJSON(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrStorageUnavailable, err)
	}

	return New(ctx, spreadsheetID,
		goption.WithCredentialsJSON(creds),
		goption.WithScopes(gsheet.SpreadsheetsScope))
}

// New builds a client for spreadsheetID with explicit client options.
func New(ctx context.Context, spreadsheetID string, opts ...goption.ClientOption) (*Client, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, fmt.Errorf("%w: missing spreadsheet id", core.ErrStorageUnavailable)
	}
	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create sheets service: %w", core.ErrStorageUnavailable, err)
	}
	slog.InfoContext(ctx, "Google Sheets service created", "spreadsheet_id", spreadsheetID)
	return &Client{svc: svc, spreadsheetID: spreadsheetID}, nil
}

// WithSeed sets the roster Setup writes into an empty flatmates sheet.
func (c *Client) WithSeed(names ...string) *Client {
	c.seed = names
	return c
}

// serviceAccountJSON loads Service Account credentials from
// GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or
// GOOGLE_APPLICATION_CREDENTIALS, in that order.
func serviceAccountJSON(ctx context.Context) ([]byte, error) {
	inline := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	file := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if inline == "" && file == "" {
		file = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	switch {
	case inline != "":
		slog.InfoContext(ctx, "Using inline JSON credentials")
		return []byte(inline), nil
	case file != "":
		slog.InfoContext(ctx, "Reading credentials from file", "path", file)
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
}

// Setup adds a worksheet with headers for every missing table, then seeds
// the roster.
func (c *Client) Setup(ctx context.Context) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get spreadsheet: %w", err)
	}
	existing := map[string]bool{}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			existing[sh.Properties.Title] = true
		}
	}

	var missing []ports.Table
	var reqs []*gsheet.Request
	for _, t := range ports.Tables() {
		if existing[t.String()] {
			continue
		}
		missing = append(missing, t)
		reqs = append(reqs, &gsheet.Request{AddSheet: &gsheet.AddSheetRequest{
			Properties: &gsheet.SheetProperties{
				Title: t.String(),
				GridProperties: &gsheet.GridProperties{
					RowCount:    1000,
					ColumnCount: int64(len(t.Headers())),
				},
			},
		}})
	}

	if len(reqs) > 0 {
		_, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, &gsheet.BatchUpdateSpreadsheetRequest{Requests: reqs}).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("add worksheets: %w", err)
		}
		for _, t := range missing {
			vr := &gsheet.ValueRange{Values: [][]any{toCells(t.Headers())}}
			_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, t.String()+"!A1", vr).
				ValueInputOption("RAW").Context(ctx).Do()
			if err != nil {
				return fmt.Errorf("write headers for %s: %w", t, err)
			}
			slog.InfoContext(ctx, "Created worksheet", "table", t.String())
		}
	}

	return ports.SeedDefaults(ctx, c, c.seed...)
}

// ReadTable reads every row below the header. Fully blank rows are skipped.
func (c *Client) ReadTable(ctx context.Context, t ports.Table) ([]ports.Row, error) {
	if c.svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	if !t.Valid() {
		return nil, fmt.Errorf("unknown table %q", t)
	}
	width := len(t.Headers())
	rng := fmt.Sprintf("%s!A2:%s", t, columnLetter(width))
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	out := make([]ports.Row, 0, len(resp.Values))
	for _, raw := range resp.Values {
		cols := toStrings(raw)
		if isBlank(cols) {
			continue
		}
		out = append(out, ports.Normalize(cols, width))
	}
	return out, nil
}

func (c *Client) AppendRow(ctx context.Context, t ports.Table, r ports.Row) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	if !t.Valid() {
		return fmt.Errorf("unknown table %q", t)
	}
	vr := &gsheet.ValueRange{Values: [][]any{toCells(r)}}
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, t.String()+"!A1", vr).
		ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to %s: %w", t, err)
	}
	return nil
}

// OverwriteTable clears the worksheet, then writes headers and rows in one
// update starting at A1.
func (c *Client) OverwriteTable(ctx context.Context, t ports.Table, headers []string, rows []ports.Row) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	if !t.Valid() {
		return fmt.Errorf("unknown table %q", t)
	}
	if len(headers) == 0 {
		headers = t.Headers()
	}

	_, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, t.String(), &gsheet.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("clear %s: %w", t, err)
	}

	values := make([][]any, 0, len(rows)+1)
	values = append(values, toCells(headers))
	for _, r := range rows {
		values = append(values, toCells(ports.Normalize(r, len(headers))))
	}
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, t.String()+"!A1", &gsheet.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	return nil
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		if v == nil {
			continue
		}
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func toCells(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func isBlank(cols []string) bool {
	for _, c := range cols {
		if c != "" {
			return false
		}
	}
	return true
}

// columnLetter maps a 1-based column count to its A1 letter. Ledger tables
// never exceed 26 columns.
func columnLetter(n int) string {
	if n < 1 {
		n = 1
	}
	return string(rune('A' + n - 1))
}
