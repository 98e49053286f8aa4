package server

import (
	"encoding/json"

	"cardflow/internal/domain"
)

type CreateBoardRequest struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id,omitempty"`
}

type CreateColumnRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Order       int     `json:"order,omitempty"`
	Rules       *string `json:"rules,omitempty" doc:"Rule configuration as a JSON string"`
}

type CreateCardRequest struct {
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	DueDate      string               `json:"due_date,omitempty" format:"date-time"`
	CustomerID   string               `json:"customer_id,omitempty"`
	Labels       []string             `json:"labels,omitempty"`
	CustomFields []CustomFieldRequest `json:"custom_fields,omitempty"`
}

type CustomFieldRequest struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func (f CustomFieldRequest) toDomain() domain.CustomField {
	return domain.CustomField{ID: f.ID, Value: f.Value}
}

type MoveCardRequest struct {
	ColumnID string `json:"column_id"`
}

type CreateCustomerRequest struct {
	Name         string  `json:"name"`
	LastName     string  `json:"last_name,omitempty"`
	Email        string  `json:"email,omitempty"`
	DocumentID   string  `json:"document_id,omitempty"`
	AccountantID *string `json:"accountant_id,omitempty"`
}

func (r CreateCustomerRequest) toDomain() domain.Customer {
	return domain.Customer{
		Name:         r.Name,
		LastName:     r.LastName,
		Email:        r.Email,
		DocumentID:   r.DocumentID,
		AccountantID: r.AccountantID,
	}
}

type CreateUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (r CreateUserRequest) toDomain() domain.User {
	return domain.User{Name: r.Name, Email: r.Email}
}

type BoardResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	OwnerID   string           `json:"owner_id,omitempty"`
	Columns   []ColumnResponse `json:"columns,omitempty"`
	CreatedAt string           `json:"created_at"`
}

type ColumnResponse struct {
	ID          string          `json:"id"`
	BoardID     string          `json:"board_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Order       int             `json:"order"`
	Rules       json.RawMessage `json:"rules,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

type CardResponse struct {
	ID           string               `json:"id"`
	ColumnID     string               `json:"column_id"`
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	DueDate      string               `json:"due_date,omitempty"`
	Customer     *CustomerResponse    `json:"customer,omitempty"`
	Labels       []string             `json:"labels,omitempty"`
	CustomFields []CustomFieldRequest `json:"custom_fields,omitempty"`
	CreatedAt    string               `json:"created_at"`
	UpdatedAt    string               `json:"updated_at"`
}

type CustomerResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	LastName     string  `json:"last_name,omitempty"`
	Email        string  `json:"email,omitempty"`
	DocumentID   string  `json:"document_id,omitempty"`
	AccountantID *string `json:"accountant_id,omitempty"`
}

type UserResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type HistoryResponse struct {
	ID          int64          `json:"id"`
	CardID      string         `json:"card_id"`
	Action      string         `json:"action"`
	Changes     map[string]any `json:"changes,omitempty"`
	Description string         `json:"description,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

type SweepResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	BoardID    string          `json:"board_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

func boardResponse(b domain.Board) BoardResponse {
	resp := BoardResponse{
		ID:        b.ID,
		Name:      b.Name,
		OwnerID:   b.OwnerID,
		CreatedAt: b.CreatedAt,
	}
	for _, c := range b.Columns {
		resp.Columns = append(resp.Columns, columnResponse(c))
	}
	return resp
}

func columnResponse(c domain.Column) ColumnResponse {
	resp := ColumnResponse{
		ID:          c.ID,
		BoardID:     c.BoardID,
		Name:        c.Name,
		Description: c.Description,
		Order:       c.Order,
		CreatedAt:   c.CreatedAt,
	}
	if len(c.Rules) > 0 {
		resp.Rules = json.RawMessage(c.Rules)
	}
	return resp
}

func cardResponse(c domain.Card) CardResponse {
	resp := CardResponse{
		ID:          c.ID,
		ColumnID:    c.ColumnID,
		Name:        c.Name,
		Description: c.Description,
		Labels:      c.Labels,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	if c.DueDate != nil {
		resp.DueDate = c.DueDate.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if c.Customer != nil {
		cust := customerResponse(*c.Customer)
		resp.Customer = &cust
	}
	for _, f := range c.CustomFields {
		resp.CustomFields = append(resp.CustomFields, CustomFieldRequest{ID: f.ID, Value: f.Value})
	}
	return resp
}

func customerResponse(c domain.Customer) CustomerResponse {
	return CustomerResponse{
		ID:           c.ID,
		Name:         c.Name,
		LastName:     c.LastName,
		Email:        c.Email,
		DocumentID:   c.DocumentID,
		AccountantID: c.AccountantID,
	}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{ID: u.ID, Name: u.Name, Email: u.Email}
}

func mapHistory(items []domain.CardHistory) []HistoryResponse {
	res := make([]HistoryResponse, 0, len(items))
	for _, h := range items {
		res = append(res, HistoryResponse{
			ID:          h.ID,
			CardID:      h.CardID,
			Action:      string(h.Action),
			Changes:     h.Changes,
			Description: h.Description,
			CreatedAt:   h.CreatedAt,
		})
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		payload := json.RawMessage("{}")
		if e.Payload != "" && json.Valid([]byte(e.Payload)) {
			payload = json.RawMessage(e.Payload)
		}
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			BoardID:    e.BoardID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			Payload:    payload,
		})
	}
	return res
}
