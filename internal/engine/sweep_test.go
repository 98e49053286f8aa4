package engine_test

import (
	"testing"
	"time"

	"cardflow/internal/engine"
	"cardflow/internal/rules"
)

func reminderRules(daysBeforeDue int) *rules.ColumnRules {
	return &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID: "r-reminder", Name: "due date reminder", Enabled: true,
			Trigger:    rules.Trigger{Type: rules.TriggerDueDateApproaching, DaysBeforeDue: daysBeforeDue},
			Conditions: []rules.Condition{{Type: rules.ConditionHasCustomer}},
			Action:     rules.Action{Type: rules.ActionSendEmail, TemplateName: "due-date-reminder"},
		}},
	}
}

func datePtr(t time.Time) *time.Time { return &t }

func TestApproachingDueDateSweepWindow(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Pending", 1, reminderRules(3))
	cust := env.addCustomer(t, "Acme", "acme@example.com", nil)

	mk := func(name string, due time.Time) {
		t.Helper()
		if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{
			ColumnID: col.ID, Name: name, CustomerID: cust.ID, DueDate: datePtr(due),
		}); err != nil {
			t.Fatal(err)
		}
	}
	mk("due soon", time.Date(2024, 6, 4, 12, 0, 0, 0, time.UTC))
	mk("due later", time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC))

	ref := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	summary, err := env.Engine.RunApproachingDueDateSweep(env.Ctx, ref)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.ProcessedCount != 1 {
		t.Errorf("processed = %d, want 1", summary.ProcessedCount)
	}
	sent := env.Mailer.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reminder, got %d", len(sent))
	}
	if sent[0].To != "acme@example.com" || sent[0].Template != "due-date-reminder" {
		t.Errorf("unexpected reminder %+v", sent[0])
	}
}

func TestSweepProcessesEveryCardInQueryWindow(t *testing.T) {
	env := newTestEnv(t)
	// daysBeforeDue only shapes the rule's configuration; once the query has
	// selected a card, the trigger matches on type alone. A card due in four
	// days must still fire a daysBeforeDue=3 rule.
	col := env.addColumn(t, "Pending", 1, reminderRules(3))
	cust := env.addCustomer(t, "Acme", "acme@example.com", nil)
	if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{
		ColumnID: col.ID, Name: "due in four days", CustomerID: cust.ID,
		DueDate: datePtr(time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)),
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := env.Engine.RunApproachingDueDateSweep(env.Ctx, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if summary.ProcessedCount != 1 {
		t.Errorf("processed = %d, want 1", summary.ProcessedCount)
	}
	sent := env.Mailer.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reminder, got %d", len(sent))
	}
	if sent[0].To != "acme@example.com" {
		t.Errorf("recipient = %s", sent[0].To)
	}
}

func TestSweepFailureDoesNotAbortSiblings(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Sweep.ReportFailures = true

	broken := env.addColumn(t, "Broken", 1, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID: "r-broken", Name: "notify missing user", Enabled: true,
			Trigger: rules.Trigger{Type: rules.TriggerDueDateApproaching, DaysBeforeDue: 3},
			Action:  rules.Action{Type: rules.ActionNotifyUser, UserID: "no-such-user", Message: "ping"},
		}},
	})
	healthy := env.addColumn(t, "Healthy", 2, reminderRules(3))
	cust := env.addCustomer(t, "Acme", "acme@example.com", nil)

	due := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	for _, c := range []struct{ name, colID string }{
		{"doomed", broken.ID},
		{"fine", healthy.ID},
	} {
		if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{
			ColumnID: c.colID, Name: c.name, CustomerID: cust.ID, DueDate: datePtr(due),
		}); err != nil {
			t.Fatal(err)
		}
	}

	summary, err := env.Engine.RunApproachingDueDateSweep(env.Ctx, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("sweep must return a summary, not an error: %v", err)
	}
	if summary.ProcessedCount != 2 {
		t.Errorf("processed = %d, want 2", summary.ProcessedCount)
	}
	if summary.FailedCount != 1 {
		t.Errorf("failed = %d, want 1", summary.FailedCount)
	}
	sent := env.Mailer.Sent()
	if len(sent) != 1 || sent[0].Template != "due-date-reminder" {
		t.Fatalf("sibling card's reminder missing, got %+v", sent)
	}
}

func TestSweepZeroMatchesIsSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.addColumn(t, "Pending", 1, reminderRules(3))

	summary, err := env.Engine.RunApproachingDueDateSweep(env.Ctx, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("empty sweep must succeed: %v", err)
	}
	if summary.ProcessedCount != 0 {
		t.Errorf("processed = %d, want 0", summary.ProcessedCount)
	}
}

func TestSweepSkipsColumnsWithoutReminderRules(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "No reminders", 1, &rules.ColumnRules{Enabled: true})
	cust := env.addCustomer(t, "Acme", "acme@example.com", nil)
	if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{
		ColumnID: col.ID, Name: "due soon", CustomerID: cust.ID,
		DueDate: datePtr(time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)),
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := env.Engine.RunApproachingDueDateSweep(env.Ctx, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if summary.ProcessedCount != 0 {
		t.Errorf("column without reminder rules swept %d cards", summary.ProcessedCount)
	}
}

func TestOwnerDigestGroupsByAccountant(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Pending", 1, nil)

	acct1, err := env.Engine.CreateUser(env.Ctx, userFixture("Alice", "alice@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	acct2, err := env.Engine.CreateUser(env.Ctx, userFixture("Bob", "bob@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	cust1 := env.addCustomer(t, "Acme", "acme@example.com", &acct1.ID)
	cust2 := env.addCustomer(t, "Globex", "globex@example.com", &acct1.ID)
	cust3 := env.addCustomer(t, "Initech", "initech@example.com", &acct2.ID)

	due := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)
	for _, c := range []struct{ name, custID string }{
		{"Acme filing", cust1.ID},
		{"Globex filing", cust2.ID},
		{"Initech filing", cust3.ID},
	} {
		if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{
			ColumnID: col.ID, Name: c.name, CustomerID: c.custID, DueDate: datePtr(due),
		}); err != nil {
			t.Fatal(err)
		}
	}

	summary, err := env.Engine.RunOwnerDigestSweep(env.Ctx, time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if summary.NotifiedCardCount != 3 {
		t.Errorf("notified cards = %d, want 3", summary.NotifiedCardCount)
	}
	if summary.AccountantGroupCount != 2 {
		t.Errorf("accountant groups = %d, want 2", summary.AccountantGroupCount)
	}

	sent := env.Mailer.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 digests, got %d", len(sent))
	}
	recipients := map[string]int{}
	for _, m := range sent {
		if m.Template != "owner-digest" {
			t.Errorf("template = %s", m.Template)
		}
		recipients[m.To] = m.Data["count"].(int)
	}
	if recipients["alice@example.com"] != 2 {
		t.Errorf("alice digest count = %d, want 2", recipients["alice@example.com"])
	}
	if recipients["bob@example.com"] != 1 {
		t.Errorf("bob digest count = %d, want 1", recipients["bob@example.com"])
	}
}

func TestOwnerDigestSkipsCustomersWithoutAccountant(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Pending", 1, nil)
	cust := env.addCustomer(t, "Orphan", "orphan@example.com", nil)
	if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{
		ColumnID: col.ID, Name: "Orphan filing", CustomerID: cust.ID,
		DueDate: datePtr(time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)),
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := env.Engine.RunOwnerDigestSweep(env.Ctx, time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if summary.NotifiedCardCount != 0 || summary.AccountantGroupCount != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if n := len(env.Mailer.Sent()); n != 0 {
		t.Fatalf("expected no digests, got %d", n)
	}
}
