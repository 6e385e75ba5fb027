package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"flatmates/internal/core"
	"flatmates/internal/log"
	"flatmates/internal/middleware/trace"
	"flatmates/internal/services"
)

// Amounts leave the API as fixed two-decimal strings and are accepted as
// either JSON numbers or strings.
type (
	expenseJSON struct {
		Timestamp   string `json:"timestamp"`
		PaidBy      string `json:"paid_by"`
		Description string `json:"description"`
		Category    string `json:"category"`
		Amount      string `json:"amount"`
		Settled     bool   `json:"settled"`
	}

	expenseInput struct {
		Timestamp   string          `json:"timestamp"`
		PaidBy      string          `json:"paid_by"`
		Description string          `json:"description"`
		Category    string          `json:"category"`
		Amount      decimal.Decimal `json:"amount"`
		Settled     bool            `json:"settled"`
	}

	// Expenses is nil when the key is absent; an explicit empty list clears
	// the table.
	expenseTableInput struct {
		Expenses *[]expenseInput `json:"expenses"`
	}

	balanceJSON struct {
		Name    string `json:"name"`
		Paid    string `json:"paid"`
		Share   string `json:"share"`
		Balance string `json:"balance"`
	}

	transferJSON struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}

	announcementJSON struct {
		Timestamp string `json:"timestamp"`
		Author    string `json:"author"`
		Message   string `json:"message"`
	}

	rosterJSON struct {
		Flatmates []string `json:"flatmates"`
	}
)

func toExpenseJSON(list []core.Expense) []expenseJSON {
	out := make([]expenseJSON, 0, len(list))
	for _, e := range list {
		out = append(out, expenseJSON{
			Timestamp:   e.Timestamp,
			PaidBy:      e.PaidBy,
			Description: e.Description,
			Category:    e.Category.String(),
			Amount:      core.FormatAmount(e.Amount),
			Settled:     e.Settled,
		})
	}
	return out
}

func (in expenseInput) toExpense() core.Expense {
	cat, _ := core.ParseCategory(in.Category)
	return core.Expense{
		Timestamp:   sanitizeInput(in.Timestamp),
		PaidBy:      sanitizeInput(in.PaidBy),
		Description: sanitizeInput(in.Description),
		Category:    cat,
		Amount:      in.Amount,
		Settled:     in.Settled,
	}
}

func toBalanceJSON(rows []core.BalanceRow) []balanceJSON {
	out := make([]balanceJSON, 0, len(rows))
	for _, r := range rows {
		out = append(out, balanceJSON{
			Name:    r.Name,
			Paid:    core.FormatAmount(r.Paid),
			Share:   core.FormatAmount(r.Share),
			Balance: core.FormatAmount(r.Balance),
		})
	}
	return out
}

func toTransferJSON(list []core.Transfer) []transferJSON {
	out := make([]transferJSON, 0, len(list))
	for _, t := range list {
		out = append(out, transferJSON{From: t.From, To: t.To, Amount: core.FormatAmount(t.Amount)})
	}
	return out
}

func toAnnouncementJSON(list []core.Announcement) []announcementJSON {
	out := make([]announcementJSON, 0, len(list))
	for _, a := range list {
		out = append(out, announcementJSON{Timestamp: a.Timestamp, Author: a.Author, Message: a.Message})
	}
	return out
}

var errMalformedJSON = errors.New("malformed JSON body")

// decodeJSON reads the body into v. Syntax errors are reported as
// errMalformedJSON; values of the wrong type are validation errors.
func decodeJSON(r *http.Request, v any) error {
	p := NewRequestBodyParser(r)
	if err := p.Decode(v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || errors.Is(err, errBodyTooLarge) {
			return fmt.Errorf("%w: %v", errMalformedJSON, err)
		}
		return fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	return nil
}

// decodeOptionalTable returns the posted table, or ok=false when the body is
// empty or carries no "expenses" key.
func decodeOptionalTable(r *http.Request) ([]core.Expense, bool, error) {
	p := NewRequestBodyParser(r)
	if p.Empty() {
		return nil, false, nil
	}
	var in expenseTableInput
	if err := p.Decode(&in); err != nil {
		return nil, false, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	if in.Expenses == nil {
		return nil, false, nil
	}
	out := make([]core.Expense, 0, len(*in.Expenses))
	for _, e := range *in.Expenses {
		out = append(out, e.toExpense())
	}
	return out, true, nil
}

func (s *Server) apiFail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, errMalformedJSON) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "malformed JSON body", Kind: log.ErrorTypeValidation})
		return
	}
	s.logFailure(r, op, err)
	writeJSON(w, statusFor(err), apiError{Error: userMessage(err), Kind: errorKind(err), RequestID: trace.GetRequestID(r.Context())})
}

func (s *Server) apiListExpenses(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withReadTimeout(r)
	defer cancel()
	list, err := s.ledger.ListExpenses(ctx)
	if err != nil {
		s.apiFail(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expenses": toExpenseJSON(list)})
}

func (s *Server) apiCreateExpense(w http.ResponseWriter, r *http.Request) {
	var in expenseInput
	if err := decodeJSON(r, &in); err != nil {
		s.apiFail(w, r, log.OpCreate, err)
		return
	}
	exp, err := s.ledger.CreateExpense(r.Context(), sanitizeInput(in.PaidBy), sanitizeInput(in.Description), in.Category, in.Amount)
	if err != nil {
		s.apiFail(w, r, log.OpCreate, err)
		return
	}
	s.written(log.OpCreate)
	s.metrics.ExpenseCreated()
	writeJSON(w, http.StatusCreated, toExpenseJSON([]core.Expense{exp})[0])
}

// apiBulkUpdate replaces the active table with the posted one.
func (s *Server) apiBulkUpdate(w http.ResponseWriter, r *http.Request) {
	edited, ok, err := decodeOptionalTable(r)
	if err == nil && !ok {
		err = fmt.Errorf("%w: expenses table is required", core.ErrValidation)
	}
	if err != nil {
		s.apiFail(w, r, log.OpBulkUpdate, err)
		return
	}
	if err := s.ledger.BulkUpdate(r.Context(), edited); err != nil {
		s.apiFail(w, r, log.OpBulkUpdate, err)
		return
	}
	s.written(log.OpBulkUpdate)
	writeJSON(w, http.StatusOK, map[string]any{"saved": len(edited)})
}

// tableOrStored uses the posted table, falling back to the stored one when
// the body has no table.
func (s *Server) tableOrStored(r *http.Request) ([]core.Expense, error) {
	edited, ok, err := decodeOptionalTable(r)
	if err != nil || ok {
		return edited, err
	}
	ctx, cancel := withReadTimeout(r)
	defer cancel()
	return s.ledger.ListExpenses(ctx)
}

func (s *Server) apiArchiveSettled(w http.ResponseWriter, r *http.Request) {
	edited, err := s.tableOrStored(r)
	if err != nil {
		s.apiFail(w, r, log.OpArchive, err)
		return
	}
	n, err := s.ledger.ArchiveSettled(r.Context(), edited)
	if err != nil {
		// Rows appended before the failure are already archived.
		if n > 0 {
			s.invalidate()
		}
		s.apiFail(w, r, log.OpArchive, err)
		return
	}
	s.written(log.OpArchive)
	writeJSON(w, http.StatusOK, map[string]any{"archived": n})
}

func (s *Server) apiMarkAllSettled(w http.ResponseWriter, r *http.Request) {
	edited, err := s.tableOrStored(r)
	if err != nil {
		s.apiFail(w, r, log.OpSettleAll, err)
		return
	}
	settled, err := s.ledger.MarkAllSettled(r.Context(), edited)
	if err != nil {
		s.apiFail(w, r, log.OpSettleAll, err)
		return
	}
	s.written(log.OpSettleAll)
	writeJSON(w, http.StatusOK, map[string]any{"expenses": toExpenseJSON(settled)})
}

func (s *Server) apiListArchive(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withReadTimeout(r)
	defer cancel()
	list, err := s.ledger.ListArchive(ctx)
	if err != nil {
		s.apiFail(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archive": toExpenseJSON(list)})
}

func (s *Server) apiBalances(w http.ResponseWriter, r *http.Request) {
	rows, err := s.balances(r.Context())
	if err != nil {
		s.apiFail(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balances":  toBalanceJSON(rows),
		"transfers": toTransferJSON(core.SuggestTransfers(rows)),
	})
}

func (s *Server) apiDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.dashboard(r.Context())
	if err != nil {
		s.apiFail(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboardJSON(d))
}

func dashboardJSON(d services.Dashboard) map[string]any {
	return map[string]any{
		"flatmates":            d.Participants,
		"balances":             toBalanceJSON(d.Balances),
		"transfers":            toTransferJSON(d.Transfers),
		"total_unsettled":      core.FormatAmount(d.TotalUnsettled),
		"recent_expenses":      toExpenseJSON(d.RecentExpenses),
		"recent_announcements": toAnnouncementJSON(d.RecentAnnouncements),
	}
}

// apiListAnnouncements returns the newest first; limit=0 or no limit means
// all of them.
func (s *Server) apiListAnnouncements(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withReadTimeout(r)
	defer cancel()
	list, err := s.ledger.ListRecentAnnouncements(ctx, parseLimit(r, 0))
	if err != nil {
		s.apiFail(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"announcements": toAnnouncementJSON(list)})
}

func (s *Server) apiPostAnnouncement(w http.ResponseWriter, r *http.Request) {
	var in announcementJSON
	if err := decodeJSON(r, &in); err != nil {
		s.apiFail(w, r, log.OpAnnounce, err)
		return
	}
	a, err := s.ledger.PostAnnouncement(r.Context(), sanitizeInput(in.Author), sanitizeInput(in.Message))
	if err != nil {
		s.apiFail(w, r, log.OpAnnounce, err)
		return
	}
	s.written(log.OpAnnounce)
	writeJSON(w, http.StatusCreated, toAnnouncementJSON([]core.Announcement{a})[0])
}

func (s *Server) apiParticipants(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withReadTimeout(r)
	defer cancel()
	names, err := s.ledger.Participants(ctx)
	if err != nil {
		s.apiFail(w, r, log.OpRead, err)
		return
	}
	writeJSON(w, http.StatusOK, rosterJSON{Flatmates: names})
}

func (s *Server) apiSaveParticipants(w http.ResponseWriter, r *http.Request) {
	var in rosterJSON
	if err := decodeJSON(r, &in); err != nil {
		s.apiFail(w, r, log.OpSaveRoster, err)
		return
	}
	saved, err := s.ledger.SaveParticipants(r.Context(), in.Flatmates)
	if err != nil {
		s.apiFail(w, r, log.OpSaveRoster, err)
		return
	}
	s.written(log.OpSaveRoster)
	writeJSON(w, http.StatusOK, rosterJSON{Flatmates: saved})
}
