package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cardflow/internal/config"
	"cardflow/internal/db"
	"cardflow/internal/domain"
	"cardflow/internal/engine"
	"cardflow/internal/migrate"
	"cardflow/internal/rules"
)

type sentMail struct {
	To       string
	Subject  string
	Template string
	Data     map[string]any
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *fakeMailer) SendTemplateEmail(ctx context.Context, to, subject, templateName string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Template: templateName, Data: data})
	return nil
}

func (m *fakeMailer) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMail, len(m.sent))
	copy(out, m.sent)
	return out
}

type testEnv struct {
	Engine engine.Engine
	Mailer *fakeMailer
	Board  domain.Board
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }
	mailer := &fakeMailer{}
	eng.Mailer = mailer
	ctx := context.Background()
	board, err := eng.CreateBoard(ctx, "Test Board", "owner-1")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	return testEnv{Engine: eng, Mailer: mailer, Board: board, Ctx: ctx}
}

func mustRulesJSON(t *testing.T, cr rules.ColumnRules) []byte {
	t.Helper()
	data, err := json.Marshal(cr)
	if err != nil {
		t.Fatalf("marshal rules: %v", err)
	}
	return data
}

func (env testEnv) addColumn(t *testing.T, name string, order int, ruleSet *rules.ColumnRules) domain.Column {
	t.Helper()
	opts := engine.ColumnCreateOptions{BoardID: env.Board.ID, Name: name, Order: order}
	if ruleSet != nil {
		opts.Rules = mustRulesJSON(t, *ruleSet)
	}
	col, err := env.Engine.CreateColumn(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create column %s: %v", name, err)
	}
	return col
}

func userFixture(name, email string) domain.User {
	return domain.User{Name: name, Email: email}
}

func (env testEnv) addCustomer(t *testing.T, name, email string, accountantID *string) domain.Customer {
	t.Helper()
	c, err := env.Engine.CreateCustomer(env.Ctx, domain.Customer{Name: name, Email: email, AccountantID: accountantID})
	if err != nil {
		t.Fatalf("create customer %s: %v", name, err)
	}
	return c
}

func TestCardMovedEmailRule(t *testing.T) {
	env := newTestEnv(t)
	backlog := env.addColumn(t, "Backlog", 1, nil)
	review := env.addColumn(t, "Review", 2, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID:      "r1",
			Name:    "notify customer on move",
			Enabled: true,
			Trigger: rules.Trigger{Type: rules.TriggerCardMoved},
			Conditions: []rules.Condition{
				{Type: rules.ConditionHasCustomer},
			},
			Action: rules.Action{Type: rules.ActionSendEmail, TemplateName: "card-moved"},
		}},
	})

	cust := env.addCustomer(t, "Acme", "acme@example.com", nil)
	card, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{
		ColumnID: backlog.ID, Name: "Quarterly filing", CustomerID: cust.ID,
	})
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	if _, err := env.Engine.MoveCard(env.Ctx, card.ID, review.ID); err != nil {
		t.Fatalf("move card: %v", err)
	}

	sent := env.Mailer.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sent))
	}
	if sent[0].To != "acme@example.com" {
		t.Errorf("recipient = %s, want customer email", sent[0].To)
	}
	if sent[0].Template != "card-moved" {
		t.Errorf("template = %s", sent[0].Template)
	}
	if got := sent[0].Data["previousColumnName"]; got != "Backlog" {
		t.Errorf("previousColumnName = %v, want Backlog", got)
	}
	if got := sent[0].Data["previousColumnId"]; got != backlog.ID {
		t.Errorf("previousColumnId = %v, want %s", got, backlog.ID)
	}
}

func TestCardMovedTemplateFallbackForNeverMovedCard(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Intake", 1, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID: "r1", Name: "welcome", Enabled: true,
			Trigger: rules.Trigger{Type: rules.TriggerCardCreated},
			Action:  rules.Action{Type: rules.ActionSendEmail, Recipient: "ops@example.com", TemplateName: "card-moved"},
		}},
	})
	if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: col.ID, Name: "Fresh"}); err != nil {
		t.Fatal(err)
	}
	sent := env.Mailer.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sent))
	}
	if sent[0].Data["previousColumnName"] != "Unknown" || sent[0].Data["previousColumnId"] != "0" {
		t.Errorf("fallback pair = %v/%v, want Unknown/0",
			sent[0].Data["previousColumnName"], sent[0].Data["previousColumnId"])
	}
}

func TestEventTimestampsFollowInjectedClock(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Intake", 1, nil)
	card, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: col.ID, Name: "Timed"})
	if err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range evts {
		if e.Type == "card.created" && e.EntityID == card.ID {
			found = true
			if e.TS != "2024-06-01T10:00:00Z" {
				t.Errorf("event ts = %s, want fixed clock", e.TS)
			}
		}
	}
	if !found {
		t.Fatal("card.created event missing")
	}
}

func TestCardMovedRuleSkipsWithoutCustomer(t *testing.T) {
	env := newTestEnv(t)
	backlog := env.addColumn(t, "Backlog", 1, nil)
	review := env.addColumn(t, "Review", 2, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID: "r1", Name: "notify", Enabled: true,
			Trigger:    rules.Trigger{Type: rules.TriggerCardMoved},
			Conditions: []rules.Condition{{Type: rules.ConditionHasCustomer}},
			Action:     rules.Action{Type: rules.ActionSendEmail, TemplateName: "card-moved"},
		}},
	})
	card, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: backlog.ID, Name: "No customer"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MoveCard(env.Ctx, card.ID, review.ID); err != nil {
		t.Fatal(err)
	}
	if n := len(env.Mailer.Sent()); n != 0 {
		t.Fatalf("expected no emails, got %d", n)
	}
}

func TestMasterSwitchDisablesAllRules(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Intake", 1, &rules.ColumnRules{
		Enabled: false,
		Rules: []rules.Rule{{
			ID: "r1", Name: "welcome", Enabled: true,
			Trigger: rules.Trigger{Type: rules.TriggerCardCreated},
			Action:  rules.Action{Type: rules.ActionSendEmail, Recipient: "ops@example.com"},
		}},
	})
	if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: col.ID, Name: "Silent"}); err != nil {
		t.Fatal(err)
	}
	if n := len(env.Mailer.Sent()); n != 0 {
		t.Fatalf("master switch off but %d emails sent", n)
	}
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Intake", 1, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID: "r1", Name: "welcome", Enabled: false,
			Trigger: rules.Trigger{Type: rules.TriggerCardCreated},
			Action:  rules.Action{Type: rules.ActionSendEmail, Recipient: "ops@example.com"},
		}},
	})
	if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: col.ID, Name: "Silent"}); err != nil {
		t.Fatal(err)
	}
	if n := len(env.Mailer.Sent()); n != 0 {
		t.Fatalf("disabled rule fired %d emails", n)
	}
}

func TestEveryMatchingRuleFiresInStoredOrder(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Intake", 1, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{
			{
				ID: "r1", Name: "first", Enabled: true,
				Trigger: rules.Trigger{Type: rules.TriggerCardCreated},
				Action:  rules.Action{Type: rules.ActionSendEmail, Recipient: "a@example.com", Subject: "first"},
			},
			{
				ID: "r2", Name: "second", Enabled: true,
				Trigger: rules.Trigger{Type: rules.TriggerCardCreated},
				Action:  rules.Action{Type: rules.ActionSendEmail, Recipient: "b@example.com", Subject: "second"},
			},
		},
	})
	if _, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: col.ID, Name: "Fan out"}); err != nil {
		t.Fatal(err)
	}
	sent := env.Mailer.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected both rules to fire, got %d emails", len(sent))
	}
	if sent[0].Subject != "first" || sent[1].Subject != "second" {
		t.Errorf("rules fired out of stored order: %s, %s", sent[0].Subject, sent[1].Subject)
	}
}

func TestActionFailureDoesNotStopLaterRules(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Intake", 1, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{
			{
				ID: "r1", Name: "notify missing user", Enabled: true,
				Trigger: rules.Trigger{Type: rules.TriggerCardCreated},
				Action:  rules.Action{Type: rules.ActionNotifyUser, UserID: "no-such-user", Message: "hi"},
			},
			{
				ID: "r2", Name: "still fires", Enabled: true,
				Trigger: rules.Trigger{Type: rules.TriggerCardCreated},
				Action:  rules.Action{Type: rules.ActionSendEmail, Recipient: "ops@example.com", Subject: "survived"},
			},
		},
	})
	card, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: col.ID, Name: "Resilient"})
	if err != nil {
		t.Fatalf("create card should not fail on action error: %v", err)
	}
	sent := env.Mailer.Sent()
	if len(sent) != 1 || sent[0].Subject != "survived" {
		t.Fatalf("expected second rule to fire, got %+v", sent)
	}
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	var failedRecorded bool
	for _, e := range evts {
		if e.Type == "rule.action.failed" && e.EntityID == card.ID && strings.Contains(e.Payload, "r1") {
			failedRecorded = true
		}
	}
	if !failedRecorded {
		t.Error("expected rule.action.failed event for r1")
	}
}

func TestAssignDueDateOnCreate(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Intake", 1, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID: "r1", Name: "default due date", Enabled: true,
			Trigger: rules.Trigger{Type: rules.TriggerCardCreated},
			Action:  rules.Action{Type: rules.ActionAssignDueDate, DaysFromNow: 7},
		}},
	})
	card, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: col.ID, Name: "Needs due date"})
	if err != nil {
		t.Fatal(err)
	}
	if card.DueDate == nil {
		t.Fatal("expected due date to be assigned")
	}
	want := time.Date(2024, 6, 8, 10, 0, 0, 0, time.UTC)
	if !card.DueDate.Equal(want) {
		t.Errorf("due date = %v, want %v", card.DueDate, want)
	}
	hist, err := env.Engine.Repo.ListCardHistory(env.Ctx, card.ID)
	if err != nil {
		t.Fatal(err)
	}
	var changed bool
	for _, h := range hist {
		if h.Action == domain.HistoryDueDateChanged {
			changed = true
		}
	}
	if !changed {
		t.Error("expected DUE_DATE_CHANGED history entry")
	}
}

func TestAddLabelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Intake", 1, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID: "r1", Name: "tag urgent", Enabled: true,
			Trigger: rules.Trigger{Type: rules.TriggerCardCreated},
			Action:  rules.Action{Type: rules.ActionAddLabel, LabelID: "urgent"},
		}},
	})
	card, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{
		ColumnID: col.ID, Name: "Already tagged", Labels: []string{"urgent", "tax"},
	})
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, l := range card.Labels {
		if l == "urgent" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("label urgent appears %d times, want 1", count)
	}
}

func TestRuleDrivenMoveDoesNotCascade(t *testing.T) {
	env := newTestEnv(t)
	done := env.addColumn(t, "Done", 2, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID: "r-done", Name: "announce arrival", Enabled: true,
			Trigger: rules.Trigger{Type: rules.TriggerCardMoved},
			Action:  rules.Action{Type: rules.ActionSendEmail, Recipient: "ops@example.com"},
		}},
	})
	intake := env.addColumn(t, "Intake", 1, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID: "r-intake", Name: "auto forward", Enabled: true,
			Trigger: rules.Trigger{Type: rules.TriggerCardCreated},
			Action:  rules.Action{Type: rules.ActionMoveToColumn, ColumnID: done.ID},
		}},
	})
	card, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: intake.ID, Name: "Forwarded"})
	if err != nil {
		t.Fatal(err)
	}
	if card.ColumnID != done.ID {
		t.Fatalf("card column = %s, want %s", card.ColumnID, done.ID)
	}
	if n := len(env.Mailer.Sent()); n != 0 {
		t.Fatalf("rule-driven move cascaded into %d emails", n)
	}
}

func TestFromColumnConstraint(t *testing.T) {
	env := newTestEnv(t)
	backlog := env.addColumn(t, "Backlog", 1, nil)
	other := env.addColumn(t, "Other", 2, nil)
	review := env.addColumn(t, "Review", 3, &rules.ColumnRules{
		Enabled: true,
		Rules: []rules.Rule{{
			ID: "r1", Name: "only from backlog", Enabled: true,
			Trigger: rules.Trigger{Type: rules.TriggerCardMoved, FromColumnID: backlog.ID},
			Action:  rules.Action{Type: rules.ActionSendEmail, Recipient: "ops@example.com"},
		}},
	})

	card, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: other.ID, Name: "Wrong origin"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MoveCard(env.Ctx, card.ID, review.ID); err != nil {
		t.Fatal(err)
	}
	if n := len(env.Mailer.Sent()); n != 0 {
		t.Fatalf("rule fired from wrong origin column, %d emails", n)
	}

	card2, err := env.Engine.CreateCard(env.Ctx, engine.CardCreateOptions{ColumnID: backlog.ID, Name: "Right origin"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MoveCard(env.Ctx, card2.ID, review.ID); err != nil {
		t.Fatal(err)
	}
	if n := len(env.Mailer.Sent()); n != 1 {
		t.Fatalf("expected 1 email for matching origin, got %d", n)
	}
}

func TestUpdateColumnRulesRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)
	col := env.addColumn(t, "Intake", 1, &rules.ColumnRules{Enabled: true})

	bad := []byte(`{"enabled":true,"rules":[{"id":"r1","name":"broken","enabled":true,
"trigger":{"type":"card_created"},"conditions":[],
"action":{"type":"move_to_column","config":{}}}]}`)
	_, err := env.Engine.UpdateColumnRules(env.Ctx, col.ID, bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verr *rules.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}

	stored, err := env.Engine.Repo.GetColumn(env.Ctx, col.ID)
	if err != nil {
		t.Fatal(err)
	}
	cr, err := rules.Decode(stored.Rules)
	if err != nil {
		t.Fatal(err)
	}
	if len(cr.Rules) != 0 {
		t.Error("rejected write must leave stored rules untouched")
	}
}

func TestBoardSeedsInboxRules(t *testing.T) {
	env := newTestEnv(t)
	if len(env.Board.Columns) != 1 || env.Board.Columns[0].Name != "Inbox" {
		t.Fatalf("expected seeded Inbox column, got %+v", env.Board.Columns)
	}
	cr, err := rules.ParseColumnRules(env.Board.Columns[0].Rules)
	if err != nil {
		t.Fatalf("seeded rules must validate: %v", err)
	}
	if !cr.Enabled {
		t.Error("seeded rule set should be enabled")
	}
	if len(cr.Rules) != 4 {
		t.Errorf("seeded rules = %d, want 4", len(cr.Rules))
	}
}
