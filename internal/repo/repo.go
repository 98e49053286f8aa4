package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cardflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// --- boards ---

func (r Repo) InsertBoardTx(ctx context.Context, tx *sql.Tx, b domain.Board) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO boards(id,name,owner_id,created_at) VALUES (?,?,?,?)`,
		b.ID, b.Name, b.OwnerID, b.CreatedAt)
	return err
}

func (r Repo) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	var b domain.Board
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,owner_id,created_at FROM boards WHERE id=?`, id).
		Scan(&b.ID, &b.Name, &b.OwnerID, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Columns, err = r.ListColumns(ctx, id)
	return b, err
}

func (r Repo) BoardForOwner(ctx context.Context, ownerID string) (domain.Board, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM boards WHERE owner_id=?`, ownerID).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Board{}, ErrNotFound
	}
	if err != nil {
		return domain.Board{}, err
	}
	return r.GetBoard(ctx, id)
}

// --- columns ---

func scanColumn(scan func(dest ...any) error) (domain.Column, error) {
	var c domain.Column
	var desc, rules sql.NullString
	err := scan(&c.ID, &c.BoardID, &c.Name, &desc, &c.Order, &rules, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if desc.Valid {
		c.Description = desc.String
	}
	if rules.Valid {
		c.Rules = []byte(rules.String)
	}
	return c, nil
}

const columnCols = `id,board_id,name,description,"order",rules,created_at`

func (r Repo) InsertColumnTx(ctx context.Context, tx *sql.Tx, c domain.Column) error {
	var rules any
	if len(c.Rules) > 0 {
		rules = string(c.Rules)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO columns(id,board_id,name,description,"order",rules,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.BoardID, c.Name, nullable(c.Description), c.Order, rules, c.CreatedAt)
	return err
}

func (r Repo) GetColumn(ctx context.Context, id string) (domain.Column, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+columnCols+` FROM columns WHERE id=?`, id)
	return scanColumn(row.Scan)
}

func (r Repo) ListColumns(ctx context.Context, boardID string) ([]domain.Column, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+columnCols+` FROM columns WHERE board_id=? ORDER BY "order" ASC`, boardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Column
	for rows.Next() {
		c, err := scanColumn(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) ShiftColumnOrders(ctx context.Context, tx *sql.Tx, boardID string, fromOrder int) error {
	_, err := tx.ExecContext(ctx, `UPDATE columns SET "order"="order"+1 WHERE board_id=? AND "order">=?`, boardID, fromOrder)
	return err
}

func (r Repo) UpdateColumnRules(ctx context.Context, columnID string, rules []byte) error {
	var v any
	if len(rules) > 0 {
		v = string(rules)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE columns SET rules=? WHERE id=?`, v, columnID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- cards ---

const cardCols = `c.id,c.column_id,c.name,c.description,c.due_date,c.labels,c.custom_fields,c.created_at,c.updated_at,
cu.id,cu.name,cu.last_name,cu.email,cu.document_id,cu.accountant_id`

func scanCard(scan func(dest ...any) error) (domain.Card, error) {
	var c domain.Card
	var desc, due, labels, fields sql.NullString
	var custID, custName, custLast, custEmail, custDoc, custAcct sql.NullString
	err := scan(&c.ID, &c.ColumnID, &c.Name, &desc, &due, &labels, &fields, &c.CreatedAt, &c.UpdatedAt,
		&custID, &custName, &custLast, &custEmail, &custDoc, &custAcct)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if desc.Valid {
		c.Description = desc.String
	}
	if due.Valid {
		t, err := time.Parse(time.RFC3339, due.String)
		if err != nil {
			return c, fmt.Errorf("card %s due_date: %w", c.ID, err)
		}
		c.DueDate = &t
	}
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &c.Labels); err != nil {
			return c, fmt.Errorf("card %s labels: %w", c.ID, err)
		}
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &c.CustomFields); err != nil {
			return c, fmt.Errorf("card %s custom_fields: %w", c.ID, err)
		}
	}
	if custID.Valid {
		cust := domain.Customer{
			ID:         custID.String,
			Name:       custName.String,
			LastName:   custLast.String,
			Email:      custEmail.String,
			DocumentID: custDoc.String,
		}
		if custAcct.Valid {
			acct := custAcct.String
			cust.AccountantID = &acct
		}
		c.Customer = &cust
	}
	return c, nil
}

func cardArgs(c domain.Card) (due any, labels string, fields string, customerID any, err error) {
	if c.DueDate != nil {
		due = c.DueDate.UTC().Format(time.RFC3339)
	}
	lb, err := json.Marshal(c.Labels)
	if err != nil {
		return nil, "", "", nil, err
	}
	if c.Labels == nil {
		lb = []byte("[]")
	}
	fb, err := json.Marshal(c.CustomFields)
	if err != nil {
		return nil, "", "", nil, err
	}
	if c.CustomFields == nil {
		fb = []byte("[]")
	}
	if c.Customer != nil {
		customerID = c.Customer.ID
	}
	return due, string(lb), string(fb), customerID, nil
}

func (r Repo) InsertCardTx(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	due, labels, fields, customerID, err := cardArgs(c)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cards(id,column_id,name,description,due_date,customer_id,labels,custom_fields,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ColumnID, c.Name, nullable(c.Description), due, customerID, labels, fields, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cardCols+` FROM cards c LEFT JOIN customers cu ON cu.id=c.customer_id WHERE c.id=?`, id)
	return scanCard(row.Scan)
}

// SaveCard persists the mutable card fields. Every action mutation goes
// through here before the triggering call returns.
func (r Repo) SaveCard(ctx context.Context, c domain.Card) error {
	due, labels, fields, customerID, err := cardArgs(c)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE cards SET column_id=?,name=?,description=?,due_date=?,customer_id=?,labels=?,custom_fields=?,updated_at=? WHERE id=?`,
		c.ColumnID, c.Name, nullable(c.Description), due, customerID, labels, fields, c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListCardsInColumn(ctx context.Context, columnID string) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cardCols+` FROM cards c LEFT JOIN customers cu ON cu.id=c.customer_id
WHERE c.column_id=? ORDER BY c.created_at DESC`, columnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCards(rows)
}

func collectCards(rows *sql.Rows) ([]domain.Card, error) {
	var res []domain.Card
	for rows.Next() {
		c, err := scanCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// FindCardsDueBetween selects cards due inside [start, end] whose owning
// column has an enabled rule set containing at least one
// due_date_approaching trigger. The predicate is pushed into SQL so the
// sweep only loads cards a rule could act on.
func (r Repo) FindCardsDueBetween(ctx context.Context, start, end time.Time) ([]domain.Card, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cardCols+` FROM cards c
INNER JOIN columns col ON col.id=c.column_id
LEFT JOIN customers cu ON cu.id=c.customer_id
WHERE c.due_date IS NOT NULL
  AND c.due_date BETWEEN ? AND ?
  AND col.rules IS NOT NULL
  AND json_extract(col.rules,'$.enabled')
  AND EXISTS (
    SELECT 1 FROM json_each(col.rules,'$.rules') r
    WHERE json_extract(r.value,'$.trigger.type')=?
  )`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), "due_date_approaching")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCards(rows)
}

// FindCardsDueOn selects cards due on the given calendar day whose customer
// has an owning accountant.
func (r Repo) FindCardsDueOn(ctx context.Context, day time.Time) ([]domain.Card, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	nextDay := dayStart.AddDate(0, 0, 1)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+cardCols+` FROM cards c
INNER JOIN customers cu ON cu.id=c.customer_id
WHERE c.due_date IS NOT NULL
  AND c.due_date >= ? AND c.due_date < ?
  AND cu.accountant_id IS NOT NULL`,
		dayStart.Format(time.RFC3339), nextDay.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCards(rows)
}

// --- card history ---

func (r Repo) InsertCardHistoryTx(ctx context.Context, tx *sql.Tx, h domain.CardHistory) error {
	var changes any
	if h.Changes != nil {
		data, err := json.Marshal(h.Changes)
		if err != nil {
			return fmt.Errorf("marshal history changes: %w", err)
		}
		changes = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO card_history(card_id,action,changes,description,created_at) VALUES (?,?,?,?,?)`,
		h.CardID, string(h.Action), changes, nullable(h.Description), h.CreatedAt)
	return err
}

func (r Repo) ListCardHistory(ctx context.Context, cardID string) ([]domain.CardHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,card_id,action,changes,description,created_at FROM card_history
WHERE card_id=? ORDER BY created_at DESC, id DESC`, cardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CardHistory
	for rows.Next() {
		h, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// LatestMovedEntry returns the most recent MOVED history record for a card.
func (r Repo) LatestMovedEntry(ctx context.Context, cardID string) (domain.CardHistory, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,card_id,action,changes,description,created_at FROM card_history
WHERE card_id=? AND action=? ORDER BY created_at DESC, id DESC LIMIT 1`, cardID, string(domain.HistoryMoved))
	return scanHistory(row.Scan)
}

func scanHistory(scan func(dest ...any) error) (domain.CardHistory, error) {
	var h domain.CardHistory
	var action string
	var changes, desc sql.NullString
	err := scan(&h.ID, &h.CardID, &action, &changes, &desc, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.Action = domain.HistoryAction(action)
	if desc.Valid {
		h.Description = desc.String
	}
	if changes.Valid && changes.String != "" {
		if err := json.Unmarshal([]byte(changes.String), &h.Changes); err != nil {
			return h, fmt.Errorf("history %d changes: %w", h.ID, err)
		}
	}
	return h, nil
}

// --- customers / users ---

func (r Repo) InsertCustomer(ctx context.Context, c domain.Customer, createdAt string) error {
	var acct any
	if c.AccountantID != nil {
		acct = *c.AccountantID
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO customers(id,name,last_name,email,document_id,accountant_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.Name, nullable(c.LastName), nullable(c.Email), nullable(c.DocumentID), acct, createdAt)
	return err
}

func (r Repo) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	var c domain.Customer
	var last, email, doc, acct sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,last_name,email,document_id,accountant_id FROM customers WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &last, &email, &doc, &acct)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.LastName = last.String
	c.Email = email.String
	c.DocumentID = doc.String
	if acct.Valid {
		v := acct.String
		c.AccountantID = &v
	}
	return c, nil
}

func (r Repo) InsertUser(ctx context.Context, u domain.User, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Name, u.Email, createdAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// --- events (webhook feed) ---

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, boardID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(board_id,''),entity_kind,COALESCE(entity_id,''),payload_json
FROM events WHERE id>? AND (board_id=? OR ?='') ORDER BY id ASC LIMIT ?`, afterID, boardID, boardID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BoardID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, boardID string) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events WHERE board_id=? OR ?=''`, boardID, boardID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
