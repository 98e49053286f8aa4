package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cardflow/internal/domain"
	"cardflow/internal/events"
	"cardflow/internal/logger"
	"cardflow/internal/rules"
)

// SweepSummary reports one approaching-due-date sweep run.
type SweepSummary struct {
	ProcessedCount int `json:"processed_count"`
	FailedCount    int `json:"failed_count,omitempty"`
}

// DigestSummary reports one owner-digest sweep run.
type DigestSummary struct {
	NotifiedCardCount    int `json:"notified_card_count"`
	AccountantGroupCount int `json:"accountant_group_count"`
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RunApproachingDueDateSweep evaluates due_date_approaching rules against
// every card due inside the approach window after ref. Cards are processed
// concurrently; the call returns only after every card has finished. A run
// that matches no cards is still a successful run.
func (e Engine) RunApproachingDueDateSweep(ctx context.Context, ref time.Time) (SweepSummary, error) {
	refDay := dayOf(ref)
	windowDays := e.Config.Sweep.ApproachWindowDays
	start := refDay.AddDate(0, 0, 1)
	end := refDay.AddDate(0, 0, windowDays+1).Add(-time.Second)

	cards, err := e.Repo.FindCardsDueBetween(ctx, start, end)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("find due cards: %w", err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, card := range cards {
		wg.Add(1)
		go func(card domain.Card) {
			defer wg.Done()
			nFailed, err := e.processDueDateRules(ctx, card)
			mu.Lock()
			defer mu.Unlock()
			failed += nFailed
			if err != nil {
				// One card's failure never aborts its siblings or the run.
				logger.Error("due date sweep card failed", "card_id", card.ID, "error", err)
				failed++
			}
		}(card)
	}
	wg.Wait()

	summary := SweepSummary{ProcessedCount: len(cards)}
	if e.Config.Sweep.ReportFailures {
		summary.FailedCount = failed
	}
	if err := e.events().AppendDB(ctx, events.TypeSweepCompleted, "", "sweep", "", events.EventPayload{
		"kind":      "due_date_approaching",
		"reference": refDay.Format("2006-01-02"),
		"processed": summary.ProcessedCount,
		"failed":    failed,
	}); err != nil {
		return summary, err
	}
	logger.Info("due date sweep completed",
		"reference", refDay.Format("2006-01-02"),
		"processed", summary.ProcessedCount,
		"failed", failed,
	)
	return summary, nil
}

// processDueDateRules runs one selected card through the same rule pipeline
// live events use. The due window is enforced once, by the candidate query;
// every card it selects is handed to the processor.
func (e Engine) processDueDateRules(ctx context.Context, card domain.Card) (failed int, err error) {
	if card.DueDate == nil {
		return 0, nil
	}
	col, err := e.Repo.GetColumn(ctx, card.ColumnID)
	if err != nil {
		return 0, err
	}
	return e.processRules(ctx, card, col, rules.TriggerDueDateApproaching, rules.TriggerContext{})
}

// RunOwnerDigestSweep sends each accountant one digest covering every card
// due on ref whose customer they own. Groups are delivered concurrently; a
// failed delivery is logged and does not block the other accountants.
func (e Engine) RunOwnerDigestSweep(ctx context.Context, ref time.Time) (DigestSummary, error) {
	refDay := dayOf(ref)
	cards, err := e.Repo.FindCardsDueOn(ctx, refDay)
	if err != nil {
		return DigestSummary{}, fmt.Errorf("find due cards: %w", err)
	}

	groups := map[string][]domain.Card{}
	for _, c := range cards {
		if c.Customer == nil || c.Customer.AccountantID == nil {
			continue
		}
		id := *c.Customer.AccountantID
		groups[id] = append(groups[id], c)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		notified int
	)
	for accountantID, group := range groups {
		wg.Add(1)
		go func(accountantID string, group []domain.Card) {
			defer wg.Done()
			if err := e.sendOwnerDigest(ctx, accountantID, group, refDay); err != nil {
				logger.Error("owner digest failed", "accountant_id", accountantID, "error", err)
				return
			}
			mu.Lock()
			notified += len(group)
			mu.Unlock()
		}(accountantID, group)
	}
	wg.Wait()

	summary := DigestSummary{
		NotifiedCardCount:    notified,
		AccountantGroupCount: len(groups),
	}
	if err := e.events().AppendDB(ctx, events.TypeSweepCompleted, "", "sweep", "", events.EventPayload{
		"kind":       "owner_digest",
		"reference":  refDay.Format("2006-01-02"),
		"cards":      summary.NotifiedCardCount,
		"recipients": summary.AccountantGroupCount,
	}); err != nil {
		return summary, err
	}
	logger.Info("owner digest sweep completed",
		"reference", refDay.Format("2006-01-02"),
		"cards", summary.NotifiedCardCount,
		"recipients", summary.AccountantGroupCount,
	)
	return summary, nil
}

func (e Engine) sendOwnerDigest(ctx context.Context, accountantID string, group []domain.Card, refDay time.Time) error {
	u, err := e.Repo.GetUser(ctx, accountantID)
	if err != nil {
		return err
	}
	items := make([]map[string]any, 0, len(group))
	for _, c := range group {
		item := map[string]any{"cardName": c.Name}
		if c.Customer != nil {
			item["customerName"] = c.Customer.Name
		}
		items = append(items, item)
	}
	data := map[string]any{
		"userName": u.Name,
		"date":     refDay.Format("2006-01-02"),
		"cards":    items,
		"count":    len(items),
	}
	subject := fmt.Sprintf("%d card(s) due on %s", len(items), refDay.Format("2006-01-02"))
	return e.Mailer.SendTemplateEmail(ctx, u.Email, subject, "owner-digest", data)
}
