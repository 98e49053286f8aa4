package domain

import "time"

type Board struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	OwnerID   string   `json:"owner_id"`
	Columns   []Column `json:"columns,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// Column is an ordered stage of a board. Rules holds the column's persisted
// rule configuration as raw JSON; the rules package decodes and validates it
// on write and before evaluation.
type Column struct {
	ID          string `json:"id"`
	BoardID     string `json:"board_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
	Rules       []byte `json:"rules,omitempty"`
	Cards       []Card `json:"cards,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type CustomField struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Card is a task unit owned by exactly one column at a time.
type Card struct {
	ID           string        `json:"id"`
	ColumnID     string        `json:"column_id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	DueDate      *time.Time    `json:"due_date,omitempty" format:"date-time"`
	Customer     *Customer     `json:"customer,omitempty"`
	Labels       []string      `json:"labels,omitempty"`
	CustomFields []CustomField `json:"custom_fields,omitempty"`
	History      []CardHistory `json:"history,omitempty"`
	CreatedAt    string        `json:"created_at" format:"date-time"`
	UpdatedAt    string        `json:"updated_at" format:"date-time"`
}

func (c Card) HasLabel(labelID string) bool {
	for _, l := range c.Labels {
		if l == labelID {
			return true
		}
	}
	return false
}

type Customer struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	LastName     string  `json:"last_name,omitempty"`
	Email        string  `json:"email,omitempty"`
	DocumentID   string  `json:"document_id,omitempty"`
	AccountantID *string `json:"accountant_id,omitempty"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type HistoryAction string

const (
	HistoryCreated          HistoryAction = "CREATED"
	HistoryUpdated          HistoryAction = "UPDATED"
	HistoryMoved            HistoryAction = "MOVED"
	HistoryDueDateChanged   HistoryAction = "DUE_DATE_CHANGED"
	HistoryCustomerLinked   HistoryAction = "CUSTOMER_LINKED"
	HistoryCustomerUnlinked HistoryAction = "CUSTOMER_UNLINKED"
	HistoryCommentAdded     HistoryAction = "COMMENT_ADDED"
)

// CardHistory is an append-only change record. MOVED entries carry
// oldColumnId/oldColumnName/newColumnId/newColumnName in Changes.
type CardHistory struct {
	ID          int64          `json:"id"`
	CardID      string         `json:"card_id"`
	Action      HistoryAction  `json:"action"`
	Changes     map[string]any `json:"changes,omitempty"`
	Description string         `json:"description,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	BoardID    string `json:"board_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
