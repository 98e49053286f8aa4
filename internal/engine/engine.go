package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cardflow/internal/config"
	"cardflow/internal/domain"
	"cardflow/internal/events"
	"cardflow/internal/logger"
	"cardflow/internal/mail"
	"cardflow/internal/repo"
	"cardflow/internal/rules"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Mailer mail.Mailer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Mailer: mail.LogMailer{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// events returns the writer bound to the engine's clock, so event timestamps
// follow an injected Now.
func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// CreateBoard creates a board with a seeded "Inbox" column carrying the
// default rule set.
func (e Engine) CreateBoard(ctx context.Context, name, ownerID string) (domain.Board, error) {
	if name == "" {
		return domain.Board{}, errors.New("name is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	b := domain.Board{
		ID:        uuid.New().String(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: now,
	}
	seeded, err := rules.DefaultColumnRules().MarshalJSON()
	if err != nil {
		return domain.Board{}, fmt.Errorf("marshal default rules: %w", err)
	}
	inbox := domain.Column{
		ID:        uuid.New().String(),
		BoardID:   b.ID,
		Name:      "Inbox",
		Order:     0,
		Rules:     seeded,
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Board{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertBoardTx(ctx, tx, b); err != nil {
		return domain.Board{}, fmt.Errorf("insert board: %w", err)
	}
	if err := e.Repo.InsertColumnTx(ctx, tx, inbox); err != nil {
		return domain.Board{}, fmt.Errorf("insert inbox column: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Board{}, err
	}
	b.Columns = []domain.Column{inbox}
	return b, nil
}

// ColumnCreateOptions are parameters for creating a column.
type ColumnCreateOptions struct {
	BoardID     string
	Name        string
	Description string
	Order       int
	Rules       []byte
}

func (e Engine) CreateColumn(ctx context.Context, opts ColumnCreateOptions) (domain.Column, error) {
	if opts.Name == "" {
		return domain.Column{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetBoard(ctx, opts.BoardID); err != nil {
		return domain.Column{}, err
	}
	if len(opts.Rules) > 0 {
		if _, err := rules.ParseColumnRules(opts.Rules); err != nil {
			return domain.Column{}, err
		}
	}
	c := domain.Column{
		ID:          uuid.New().String(),
		BoardID:     opts.BoardID,
		Name:        opts.Name,
		Description: opts.Description,
		Order:       opts.Order,
		Rules:       opts.Rules,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Column{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ShiftColumnOrders(ctx, tx, c.BoardID, c.Order); err != nil {
		return domain.Column{}, err
	}
	if err := e.Repo.InsertColumnTx(ctx, tx, c); err != nil {
		return domain.Column{}, fmt.Errorf("insert column: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Column{}, err
	}
	return c, nil
}

// UpdateColumnRules validates and replaces a column's rule configuration.
// An invalid definition is a rejected write: the stored configuration is
// left untouched.
func (e Engine) UpdateColumnRules(ctx context.Context, columnID string, raw []byte) (domain.Column, error) {
	col, err := e.Repo.GetColumn(ctx, columnID)
	if err != nil {
		return domain.Column{}, err
	}
	cr, err := rules.ParseColumnRules(raw)
	if err != nil {
		return domain.Column{}, err
	}
	// Re-marshal so the stored form is normalized (defaults filled in).
	normalized, err := cr.MarshalJSON()
	if err != nil {
		return domain.Column{}, err
	}
	if err := e.Repo.UpdateColumnRules(ctx, columnID, normalized); err != nil {
		return domain.Column{}, err
	}
	col.Rules = normalized
	return col, nil
}

// CardCreateOptions are parameters for creating a card.
type CardCreateOptions struct {
	ColumnID     string
	Name         string
	Description  string
	DueDate      *time.Time
	CustomerID   string
	Labels       []string
	CustomFields []domain.CustomField
}

// CreateCard persists the card, records history, then runs the column's
// card_created rules against the committed state.
func (e Engine) CreateCard(ctx context.Context, opts CardCreateOptions) (domain.Card, error) {
	if opts.Name == "" {
		return domain.Card{}, errors.New("name is required")
	}
	col, err := e.Repo.GetColumn(ctx, opts.ColumnID)
	if err != nil {
		return domain.Card{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Card{
		ID:           uuid.New().String(),
		ColumnID:     opts.ColumnID,
		Name:         opts.Name,
		Description:  opts.Description,
		DueDate:      opts.DueDate,
		Labels:       opts.Labels,
		CustomFields: opts.CustomFields,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if opts.CustomerID != "" {
		cust, err := e.Repo.GetCustomer(ctx, opts.CustomerID)
		if err != nil {
			return domain.Card{}, err
		}
		c.Customer = &cust
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCardTx(ctx, tx, c); err != nil {
		return domain.Card{}, fmt.Errorf("insert card: %w", err)
	}
	if err := e.Repo.InsertCardHistoryTx(ctx, tx, domain.CardHistory{
		CardID:    c.ID,
		Action:    domain.HistoryCreated,
		CreatedAt: now,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := e.events().Append(ctx, tx, events.TypeCardCreated, col.BoardID, "card", c.ID, events.EventPayload{
		"name":      c.Name,
		"column_id": c.ColumnID,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}

	if _, err := e.processRules(ctx, c, col, rules.TriggerCardCreated, rules.TriggerContext{}); err != nil {
		return c, err
	}
	return e.Repo.GetCard(ctx, c.ID)
}

// MoveCard moves a card into a target column, records the MOVED history
// entry, then runs the target column's card_moved rules. Moving a card onto
// its current column is a no-op.
func (e Engine) MoveCard(ctx context.Context, cardID, targetColumnID string) (domain.Card, error) {
	c, err := e.Repo.GetCard(ctx, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	if c.ColumnID == targetColumnID {
		return c, nil
	}
	oldCol, err := e.Repo.GetColumn(ctx, c.ColumnID)
	if err != nil {
		return domain.Card{}, err
	}
	newCol, err := e.Repo.GetColumn(ctx, targetColumnID)
	if err != nil {
		return domain.Card{}, err
	}
	if newCol.BoardID != oldCol.BoardID {
		return domain.Card{}, errors.New("target column in different board")
	}
	previousColumnID := c.ColumnID
	now := e.now().UTC().Format(time.RFC3339)
	c.ColumnID = targetColumnID
	c.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE cards SET column_id=?,updated_at=? WHERE id=?`,
		c.ColumnID, c.UpdatedAt, c.ID); err != nil {
		return domain.Card{}, fmt.Errorf("move card: %w", err)
	}
	if err := e.Repo.InsertCardHistoryTx(ctx, tx, domain.CardHistory{
		CardID: c.ID,
		Action: domain.HistoryMoved,
		Changes: map[string]any{
			"oldColumnId":   oldCol.ID,
			"oldColumnName": oldCol.Name,
			"newColumnId":   newCol.ID,
			"newColumnName": newCol.Name,
		},
		CreatedAt: now,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := e.events().Append(ctx, tx, events.TypeCardMoved, newCol.BoardID, "card", c.ID, events.EventPayload{
		"from_column_id": oldCol.ID,
		"to_column_id":   newCol.ID,
	}); err != nil {
		return domain.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, err
	}

	if _, err := e.processRules(ctx, c, newCol, rules.TriggerCardMoved, rules.TriggerContext{PreviousColumnID: previousColumnID}); err != nil {
		return c, err
	}
	return e.Repo.GetCard(ctx, c.ID)
}

// processRules evaluates a column's rule set against one firing event.
// Rules run in stored order; every satisfied rule fires, not just the first.
// An action failure is isolated: it is logged, recorded as an event, counted
// and the remaining rules still run. Storage failures abort and propagate.
func (e Engine) processRules(ctx context.Context, card domain.Card, col domain.Column, firing rules.TriggerType, tctx rules.TriggerContext) (failed int, err error) {
	if len(col.Rules) == 0 {
		return 0, nil
	}
	cr, err := rules.Decode(col.Rules)
	if err != nil {
		logger.Warn("skipping undecodable column rules", "column_id", col.ID, "error", err)
		return 0, nil
	}
	if !cr.Enabled {
		return 0, nil
	}
	for _, r := range cr.Rules {
		if !r.Enabled {
			continue
		}
		if !rules.Matches(r.Trigger, firing, tctx) {
			continue
		}
		if !rules.EvaluateConditions(card, r.Conditions) {
			continue
		}
		actionFailed, err := e.runAction(ctx, card, col, r, tctx)
		if err != nil {
			return failed, err
		}
		if actionFailed {
			failed++
		}
		// Re-read so later rules see earlier mutations.
		card, err = e.Repo.GetCard(ctx, card.ID)
		if err != nil {
			return failed, err
		}
	}
	return failed, nil
}

// runAction executes one rule's action and records the outcome. Action-level
// failures are swallowed after logging and reported through the bool;
// anything else propagates.
func (e Engine) runAction(ctx context.Context, card domain.Card, col domain.Column, r rules.Rule, tctx rules.TriggerContext) (failed bool, _ error) {
	err := e.executeAction(ctx, card, col, r.Action, tctx)
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		logger.Error("rule action failed",
			"rule_id", r.ID,
			"rule_name", r.Name,
			"action", string(r.Action.Type),
			"card_id", card.ID,
			"error", actionErr.Err.Error(),
		)
		return true, e.events().AppendDB(ctx, events.TypeRuleActionFailed, col.BoardID, "card", card.ID, events.EventPayload{
			"rule_id": r.ID,
			"action":  string(r.Action.Type),
			"error":   actionErr.Err.Error(),
		})
	}
	if err != nil {
		return false, err
	}
	logger.Info("rule executed",
		"rule_id", r.ID,
		"rule_name", r.Name,
		"action", string(r.Action.Type),
		"card_id", card.ID,
	)
	return false, e.events().AppendDB(ctx, events.TypeRuleExecuted, col.BoardID, "card", card.ID, events.EventPayload{
		"rule_id": r.ID,
		"action":  string(r.Action.Type),
	})
}

// --- customers / users ---

func (e Engine) CreateCustomer(ctx context.Context, c domain.Customer) (domain.Customer, error) {
	if c.Name == "" {
		return c, errors.New("name is required")
	}
	if c.AccountantID != nil {
		if _, err := e.Repo.GetUser(ctx, *c.AccountantID); err != nil {
			return c, err
		}
	}
	c.ID = uuid.New().String()
	if err := e.Repo.InsertCustomer(ctx, c, e.now().UTC().Format(time.RFC3339)); err != nil {
		return c, fmt.Errorf("insert customer: %w", err)
	}
	return c, nil
}

func (e Engine) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.Name == "" || u.Email == "" {
		return u, errors.New("name and email are required")
	}
	u.ID = uuid.New().String()
	if err := e.Repo.InsertUser(ctx, u, e.now().UTC().Format(time.RFC3339)); err != nil {
		return u, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}
