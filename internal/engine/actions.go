package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cardflow/internal/domain"
	"cardflow/internal/repo"
	"cardflow/internal/rules"
)

// ActionError is a failure scoped to a single rule action: bad target,
// missing user, delivery failure. The processor logs it and moves on to the
// next rule; storage errors are never wrapped in it.
type ActionError struct {
	ActionType rules.ActionType
	Err        error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s: %v", e.ActionType, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

func actionErr(t rules.ActionType, err error) *ActionError {
	return &ActionError{ActionType: t, Err: err}
}

func (e Engine) executeAction(ctx context.Context, card domain.Card, col domain.Column, a rules.Action, tctx rules.TriggerContext) error {
	switch a.Type {
	case rules.ActionSendEmail:
		return e.actionSendEmail(ctx, card, col, a, tctx)
	case rules.ActionMoveToColumn:
		return e.actionMoveToColumn(ctx, card, a)
	case rules.ActionAssignDueDate:
		return e.actionAssignDueDate(ctx, card, a)
	case rules.ActionAddLabel:
		return e.actionAddLabel(ctx, card, a)
	case rules.ActionNotifyUser:
		return e.actionNotifyUser(ctx, card, a)
	default:
		return actionErr(a.Type, fmt.Errorf("unknown action type %q", a.Type))
	}
}

func (e Engine) actionSendEmail(ctx context.Context, card domain.Card, col domain.Column, a rules.Action, tctx rules.TriggerContext) error {
	to := a.Recipient
	if to == "" && card.Customer != nil {
		to = card.Customer.Email
	}
	if to == "" {
		to = e.Config.Mail.FallbackTo
	}
	subject := a.Subject
	if subject == "" {
		subject = fmt.Sprintf("Update on card %s", card.Name)
	}
	template := a.TemplateName
	if template == "" {
		template = "card-notification"
	}
	data := map[string]any{
		"cardName":   card.Name,
		"columnName": col.Name,
		"dueDate":    formatDueDate(card.DueDate),
	}
	if card.Customer != nil {
		data["customerName"] = card.Customer.Name
	}
	if a.CustomMessage != "" {
		data["message"] = a.CustomMessage
	}
	if template == "card-moved" {
		prevName, prevID := e.resolvePreviousColumn(ctx, card, tctx)
		data["previousColumnName"] = prevName
		data["previousColumnId"] = prevID
	}
	if err := e.Mailer.SendTemplateEmail(ctx, to, subject, template, data); err != nil {
		return actionErr(a.Type, err)
	}
	return nil
}

// resolvePreviousColumn names and identifies the column the card came from.
// Outside a live move the pair is reconstructed from the latest MOVED history
// entry; a never-moved card reports "Unknown"/"0".
func (e Engine) resolvePreviousColumn(ctx context.Context, card domain.Card, tctx rules.TriggerContext) (name, id string) {
	if tctx.PreviousColumnID != "" {
		if prev, err := e.Repo.GetColumn(ctx, tctx.PreviousColumnID); err == nil {
			return prev.Name, prev.ID
		}
	}
	h, err := e.Repo.LatestMovedEntry(ctx, card.ID)
	if err == nil {
		name, _ = h.Changes["oldColumnName"].(string)
		id, _ = h.Changes["oldColumnId"].(string)
	}
	if name == "" {
		name = "Unknown"
	}
	if id == "" {
		id = "0"
	}
	return name, id
}

func (e Engine) actionMoveToColumn(ctx context.Context, card domain.Card, a rules.Action) error {
	if a.ColumnID == "" {
		return nil
	}
	if a.ColumnID == card.ColumnID {
		return nil
	}
	oldCol, err := e.Repo.GetColumn(ctx, card.ColumnID)
	if err != nil {
		return err
	}
	newCol, err := e.Repo.GetColumn(ctx, a.ColumnID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return actionErr(a.Type, fmt.Errorf("target column %s not found", a.ColumnID))
		}
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE cards SET column_id=?,updated_at=? WHERE id=?`,
		newCol.ID, now, card.ID); err != nil {
		return fmt.Errorf("move card: %w", err)
	}
	// A rule-driven move records history but never re-fires card_moved
	// rules, so one rule cannot cascade into another column's triggers.
	if err := e.Repo.InsertCardHistoryTx(ctx, tx, domain.CardHistory{
		CardID: card.ID,
		Action: domain.HistoryMoved,
		Changes: map[string]any{
			"oldColumnId":   oldCol.ID,
			"oldColumnName": oldCol.Name,
			"newColumnId":   newCol.ID,
			"newColumnName": newCol.Name,
		},
		Description: "moved by rule",
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) actionAssignDueDate(ctx context.Context, card domain.Card, a rules.Action) error {
	days := a.DaysFromNow
	if days <= 0 {
		days = rules.DefaultDaysFromNow
	}
	due := e.now().UTC().AddDate(0, 0, days)
	card.DueDate = &due
	now := e.now().UTC().Format(time.RFC3339)
	card.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE cards SET due_date=?,updated_at=? WHERE id=?`,
		due.Format(time.RFC3339), now, card.ID); err != nil {
		return fmt.Errorf("assign due date: %w", err)
	}
	if err := e.Repo.InsertCardHistoryTx(ctx, tx, domain.CardHistory{
		CardID:      card.ID,
		Action:      domain.HistoryDueDateChanged,
		Changes:     map[string]any{"dueDate": due.Format(time.RFC3339)},
		Description: "due date assigned by rule",
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) actionAddLabel(ctx context.Context, card domain.Card, a rules.Action) error {
	if card.HasLabel(a.LabelID) {
		return nil
	}
	card.Labels = append(card.Labels, a.LabelID)
	card.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	return e.Repo.SaveCard(ctx, card)
}

func (e Engine) actionNotifyUser(ctx context.Context, card domain.Card, a rules.Action) error {
	u, err := e.Repo.GetUser(ctx, a.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return actionErr(a.Type, fmt.Errorf("user %s not found", a.UserID))
		}
		return err
	}
	data := map[string]any{
		"userName": u.Name,
		"cardName": card.Name,
		"message":  a.Message,
	}
	subject := fmt.Sprintf("Notification for card %s", card.Name)
	if err := e.Mailer.SendTemplateEmail(ctx, u.Email, subject, "user-notification", data); err != nil {
		return actionErr(a.Type, err)
	}
	return nil
}

func formatDueDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
