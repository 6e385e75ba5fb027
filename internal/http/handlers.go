package http

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flatmates/internal/core"
	"flatmates/internal/log"
	"flatmates/internal/services"
)

// pageData feeds every full page and partial; each template reads the
// fields it needs.
type pageData struct {
	Title         string
	Active        string
	Notice        string
	Error         string
	Participants  []string
	Categories    []core.Category
	Dashboard     services.Dashboard
	Expenses      []core.Expense
	Archive       []core.Expense
	Announcements []core.Announcement
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"money":      formatMoney,
		"amount":     core.FormatAmount,
		"categories": core.Categories,
		"add":        func(a, b int) int { return a + b },
		"lower":      strings.ToLower,
		"balanceClass": func(row core.BalanceRow) string {
			switch {
			case row.Balance.IsPositive():
				return "owed"
			case row.Balance.IsNegative():
				return "owes"
			default:
				return "even"
			}
		},
	}
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// render executes a template into a buffer so a failing template never sends
// a half-written page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	body, err := s.fragment(name, data)
	if err != nil {
		log.FromContext(r.Context()).WithComponent(log.ComponentTemplate).ErrorContext(r.Context(), "Template execution failed",
			log.FieldOperation, log.OpRender,
			"template", name,
			log.FieldError, err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// fragment renders a partial for an HTMX response body.
func (s *Server) fragment(name string, data any) (string, error) {
	if s.templates == nil {
		return "", errors.New("templates not loaded")
	}
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fail logs err at a level matching its kind, counts it and answers with an
// HTML error fragment.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logFailure(r, op, err)
	ErrorResponse(statusFor(err), userMessage(err)).
		TriggerErrorNotification(userMessage(err)).
		Write(w)
}

func (s *Server) logFailure(r *http.Request, op string, err error) {
	kind := errorKind(err)
	s.metrics.LedgerError(kind)

	logger := log.FromContext(r.Context())
	args := []any{
		log.FieldOperation, op,
		log.FieldErrorType, kind,
		log.FieldError, err,
	}
	if kind == log.ErrorTypeValidation {
		logger.InfoContext(r.Context(), "Request rejected", args...)
		return
	}
	logger.ErrorContext(r.Context(), "Ledger operation failed", args...)
}

// written records a successful write: caches are dropped and the operation
// counted.
func (s *Server) written(op string) {
	s.invalidate()
	s.metrics.LedgerWrite(op)
}

func withReadTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), readTimeout)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	d, err := s.dashboard(r.Context())
	if err != nil {
		s.logFailure(r, log.OpRead, err)
		s.render(w, r, statusFor(err), "index_page", pageData{
			Title:      "Dashboard",
			Active:     "home",
			Error:      userMessage(err),
			Categories: core.Categories(),
		})
		return
	}
	s.render(w, r, http.StatusOK, "index_page", pageData{
		Title:        "Dashboard",
		Active:       "home",
		Participants: d.Participants,
		Categories:   core.Categories(),
		Dashboard:    d,
	})
}

// handleBalancesPartial re-renders the balances card; the dashboard reloads
// it on every ledger event.
func (s *Server) handleBalancesPartial(w http.ResponseWriter, r *http.Request) {
	d, err := s.dashboard(r.Context())
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	s.render(w, r, http.StatusOK, "balances", pageData{Dashboard: d})
}

// handleCreateExpense accepts form or JSON bodies and answers with a
// confirmation fragment.
func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	if resp := RequirePOST(r); resp != nil {
		resp.Write(w)
		return
	}

	parser := NewRequestBodyParser(r)
	if err := parser.Parse(); err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Parse body error",
			log.FieldError, err, log.FieldMethod, r.Method, log.FieldPath, r.URL.Path)
		BadRequestError("Invalid request format").Write(w)
		return
	}

	amount, err := ParseAmountInput(parser.Get("amount"))
	if err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}

	exp, err := s.ledger.CreateExpense(r.Context(),
		parser.Get("paid_by"),
		parser.Get("description"),
		parser.Get("category"),
		amount)
	if err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	s.written(log.OpCreate)
	s.metrics.ExpenseCreated()

	msg := "Added " + exp.Description + " (" + formatMoney(exp.Amount) + ", " + exp.Category.String() + ") paid by " + exp.PaidBy
	NewHTMXResponse().
		TriggerExpenseCreated(exp.PaidBy, core.FormatAmount(exp.Amount)).
		TriggerFormReset().
		BodyHTML(`<div class="success">` + template.HTMLEscapeString(msg) + `</div>`).
		Write(w)
}

func (s *Server) editorData(ctx context.Context) (pageData, error) {
	expenses, err := s.ledger.ListExpenses(ctx)
	if err != nil {
		return pageData{}, err
	}
	participants, err := s.ledger.Participants(ctx)
	if err != nil {
		return pageData{}, err
	}
	return pageData{
		Title:        "Edit expenses",
		Active:       "edit",
		Participants: participants,
		Categories:   core.Categories(),
		Expenses:     expenses,
	}, nil
}

func (s *Server) handleEditPage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withReadTimeout(r)
	defer cancel()

	data, err := s.editorData(ctx)
	if err != nil {
		s.logFailure(r, log.OpRead, err)
		s.render(w, r, statusFor(err), "edit_page", pageData{Title: "Edit expenses", Active: "edit", Error: userMessage(err)})
		return
	}
	if archive, err := s.ledger.ListArchive(ctx); err == nil {
		data.Archive = archive
	} else {
		s.logFailure(r, log.OpRead, err)
	}
	s.render(w, r, http.StatusOK, "edit_page", data)
}

// handleEditSubmit applies the editor form. The "action" field picks between
// saving the table, archiving settled rows and settling everything; each
// starts from the table as edited in the browser.
func (s *Server) handleEditSubmit(w http.ResponseWriter, r *http.Request) {
	parser := NewRequestBodyParser(r)
	if err := parser.Parse(); err != nil || parser.IsJSON() {
		BadRequestError("Invalid request format").Write(w)
		return
	}
	edited, err := ParseExpenseTable(parser.Form())
	if err != nil {
		s.fail(w, r, log.OpBulkUpdate, err)
		return
	}

	var (
		op     string
		notice string
		rows   int
	)
	switch action := parser.Get("action"); action {
	case "", "save":
		op = log.OpBulkUpdate
		err = s.ledger.BulkUpdate(r.Context(), edited)
		rows = len(edited)
		notice = "Saved " + strconv.Itoa(rows) + " expenses"
	case "archive":
		op = log.OpArchive
		rows, err = s.ledger.ArchiveSettled(r.Context(), edited)
		notice = "Archived " + strconv.Itoa(rows) + " settled expenses"
	case "settle":
		op = log.OpSettleAll
		var settled []core.Expense
		settled, err = s.ledger.MarkAllSettled(r.Context(), edited)
		rows = len(settled)
		notice = "Marked " + strconv.Itoa(rows) + " expenses as settled"
	default:
		BadRequestError("Unknown action " + action).Write(w)
		return
	}
	if err != nil {
		if rows > 0 {
			s.invalidate()
		}
		s.fail(w, r, op, err)
		return
	}
	s.written(op)

	if !isHTMX(r) {
		http.Redirect(w, r, "/expenses/edit", http.StatusSeeOther)
		return
	}

	ctx, cancel := withReadTimeout(r)
	defer cancel()
	data, err := s.editorData(ctx)
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	data.Notice = notice

	body, err := s.fragment("editor", data)
	if err != nil {
		s.fail(w, r, log.OpRender, err)
		return
	}
	NewHTMXResponse().
		TriggerLedgerChanged(op, rows).
		TriggerSuccessNotification(notice).
		BodyHTML(body).
		Write(w)
}

func (s *Server) handleAnnouncementsPage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withReadTimeout(r)
	defer cancel()

	data := pageData{Title: "Announcements", Active: "announcements"}
	list, err := s.ledger.ListRecentAnnouncements(ctx, parseLimit(r, 0))
	if err != nil {
		s.logFailure(r, log.OpRead, err)
		data.Error = userMessage(err)
		s.render(w, r, statusFor(err), "announcements_page", data)
		return
	}
	data.Announcements = list
	if participants, err := s.ledger.Participants(ctx); err == nil {
		data.Participants = participants
	}
	s.render(w, r, http.StatusOK, "announcements_page", data)
}

func (s *Server) handlePostAnnouncement(w http.ResponseWriter, r *http.Request) {
	parser := NewRequestBodyParser(r)
	if err := parser.Parse(); err != nil {
		BadRequestError("Invalid request format").Write(w)
		return
	}

	a, err := s.ledger.PostAnnouncement(r.Context(), parser.Get("author"), parser.Get("message"))
	if err != nil {
		s.fail(w, r, log.OpAnnounce, err)
		return
	}
	s.written(log.OpAnnounce)

	body, err := s.fragment("announcement_item", a)
	if err != nil {
		s.fail(w, r, log.OpRender, err)
		return
	}
	NewHTMXResponse().
		TriggerAnnouncementPosted(a.Author).
		TriggerFormReset().
		BodyHTML(body).
		Write(w)
}

func (s *Server) handleFlatmatesPage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withReadTimeout(r)
	defer cancel()

	data := pageData{Title: "Flatmates", Active: "flatmates"}
	participants, err := s.ledger.Participants(ctx)
	if err != nil {
		s.logFailure(r, log.OpRead, err)
		data.Error = userMessage(err)
		s.render(w, r, statusFor(err), "flatmates_page", data)
		return
	}
	data.Participants = participants
	s.render(w, r, http.StatusOK, "flatmates_page", data)
}

// handleSaveFlatmates takes one "name" field per row, or a single
// newline-separated "names" textarea.
func (s *Server) handleSaveFlatmates(w http.ResponseWriter, r *http.Request) {
	parser := NewRequestBodyParser(r)
	if err := parser.Parse(); err != nil {
		BadRequestError("Invalid request format").Write(w)
		return
	}

	names := parser.Values("name")
	if len(names) == 0 {
		names = strings.Split(parser.Get("names"), "\n")
	}

	saved, err := s.ledger.SaveParticipants(r.Context(), names)
	if err != nil {
		s.fail(w, r, log.OpSaveRoster, err)
		return
	}
	s.written(log.OpSaveRoster)

	if !isHTMX(r) {
		http.Redirect(w, r, "/flatmates", http.StatusSeeOther)
		return
	}
	notice := "Saved " + strconv.Itoa(len(saved)) + " flatmates"
	body, err := s.fragment("roster", pageData{Participants: saved, Notice: notice})
	if err != nil {
		s.fail(w, r, log.OpRender, err)
		return
	}
	NewHTMXResponse().
		TriggerLedgerChanged(log.OpSaveRoster, len(saved)).
		TriggerSuccessNotification(notice).
		BodyHTML(body).
		Write(w)
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "help_page", pageData{
		Title:      "Help",
		Active:     "help",
		Categories: core.Categories(),
	})
}

// handleHealth reports liveness only.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady checks templates and a round trip to the store.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"templates": "ok", "storage": "ok"}
	ready := true

	if s.templates == nil {
		checks["templates"] = "not loaded"
		ready = false
	}
	if _, err := s.ledger.Participants(ctx); err != nil {
		checks["storage"] = err.Error()
		ready = false
	} else if s.opts.Ready != nil {
		if err := s.opts.Ready(ctx); err != nil {
			checks["storage"] = err.Error()
			ready = false
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
