package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"flatmates/internal/sheets"
)

// EventType names a ledger change. The value doubles as the AMQP message type.
type EventType string

const (
	ExpenseCreated     EventType = "expense.created"
	ExpensesUpdated    EventType = "expenses.updated"
	ExpensesArchived   EventType = "expenses.archived"
	ExpensesSettled    EventType = "expenses.settled"
	AnnouncementPosted EventType = "announcement.posted"
	FlatmatesSaved     EventType = "flatmates.saved"
	// FullResync asks the mirror to copy every table.
	FullResync EventType = "ledger.resync"
)

// Tables returns the ledger tables an event of type t may have changed.
func (t EventType) Tables() []sheets.Table {
	switch t {
	case ExpenseCreated, ExpensesUpdated, ExpensesSettled:
		return []sheets.Table{sheets.Expenses}
	case ExpensesArchived:
		return []sheets.Table{sheets.Expenses, sheets.Archive}
	case AnnouncementPosted:
		return []sheets.Table{sheets.Announcements}
	case FlatmatesSaved:
		return []sheets.Table{sheets.Flatmates}
	case FullResync:
		return sheets.Tables()
	default:
		return nil
	}
}

// LedgerEvent is a lightweight change notification. It carries no rows: the
// consumer reads the current table contents from the primary store.
type LedgerEvent struct {
	Type      EventType `json:"type"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

func NewLedgerEvent(t EventType, count int) *LedgerEvent {
	return &LedgerEvent{
		Type:      t,
		Count:     count,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LedgerEventFromJSON decodes an event and rejects unknown types.
func LedgerEventFromJSON(data []byte) (*LedgerEvent, error) {
	var msg LedgerEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if len(msg.Type.Tables()) == 0 {
		return nil, fmt.Errorf("unknown event type %q", msg.Type)
	}
	return &msg, nil
}
