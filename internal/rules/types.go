package rules

import "encoding/json"

type TriggerType string

const (
	TriggerCardCreated        TriggerType = "card_created"
	TriggerCardMoved          TriggerType = "card_moved"
	TriggerDueDateApproaching TriggerType = "due_date_approaching"
)

type ConditionType string

const (
	ConditionHasCustomer      ConditionType = "has_customer"
	ConditionHasDueDate       ConditionType = "has_due_date"
	ConditionCustomFieldValue ConditionType = "custom_field_value"
	ConditionHasLabel         ConditionType = "has_label"
)

type ActionType string

const (
	ActionSendEmail     ActionType = "send_email"
	ActionMoveToColumn  ActionType = "move_to_column"
	ActionAssignDueDate ActionType = "assign_due_date"
	ActionAddLabel      ActionType = "add_label"
	ActionNotifyUser    ActionType = "notify_user"
)

// DefaultDaysBeforeDue is filled in when a due_date_approaching trigger
// omits daysBeforeDue. It scopes the sweep query, not per-event matching.
const DefaultDaysBeforeDue = 3

// DefaultDaysFromNow is filled in when an assign_due_date action omits its
// config entirely.
const DefaultDaysFromNow = 7

// Trigger is a tagged variant. Type selects which config fields apply:
// FromColumnID for card_moved (optional constraint), DaysBeforeDue for
// due_date_approaching. Type is immutable after creation.
type Trigger struct {
	Type          TriggerType
	FromColumnID  string
	DaysBeforeDue int
}

// Condition is a tagged variant over card-state predicates. None are
// time-dependent.
type Condition struct {
	Type    ConditionType
	FieldID string
	Value   string
	LabelID string
}

// Action is a tagged variant; exactly one action fires per satisfied rule.
type Action struct {
	Type ActionType

	// send_email
	Recipient     string
	TemplateName  string
	Subject       string
	CustomMessage string

	// move_to_column
	ColumnID string

	// assign_due_date
	DaysFromNow int

	// add_label
	LabelID string

	// notify_user
	UserID  string
	Message string
}

// Rule is a named, enable-able (trigger, conditions, action) triple. A rule
// with zero conditions always passes the condition phase.
type Rule struct {
	ID         string
	Name       string
	Enabled    bool
	Trigger    Trigger
	Conditions []Condition
	Action     Action
}

// ColumnRules is the column's whole rule configuration. Enabled is the
// master switch: when false no rule in the column is evaluated regardless of
// individual rule flags.
type ColumnRules struct {
	Enabled bool
	Rules   []Rule
}

// Wire shape: every variant serializes as {"type": ..., "config": {...}},
// the nested JSON structure persisted on the column.

type triggerConfigWire struct {
	FromColumnID  string `json:"fromColumnId,omitempty"`
	DaysBeforeDue *int   `json:"daysBeforeDue,omitempty"`
}

type triggerWire struct {
	Type   TriggerType        `json:"type"`
	Config *triggerConfigWire `json:"config,omitempty"`
}

type conditionConfigWire struct {
	FieldID string `json:"fieldId,omitempty"`
	Value   string `json:"value,omitempty"`
	LabelID string `json:"labelId,omitempty"`
}

type conditionWire struct {
	Type   ConditionType        `json:"type"`
	Config *conditionConfigWire `json:"config,omitempty"`
}

type actionConfigWire struct {
	Recipient     string `json:"recipient,omitempty"`
	TemplateName  string `json:"templateName,omitempty"`
	Subject       string `json:"subject,omitempty"`
	CustomMessage string `json:"customMessage,omitempty"`
	ColumnID      string `json:"columnId,omitempty"`
	DaysFromNow   *int   `json:"daysFromNow,omitempty"`
	LabelID       string `json:"labelId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Message       string `json:"message,omitempty"`
}

type actionWire struct {
	Type   ActionType        `json:"type"`
	Config *actionConfigWire `json:"config,omitempty"`
}

type ruleWire struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Enabled    bool            `json:"enabled"`
	Trigger    triggerWire     `json:"trigger"`
	Conditions []conditionWire `json:"conditions"`
	Action     actionWire      `json:"action"`
}

type columnRulesWire struct {
	Enabled bool       `json:"enabled"`
	Rules   []ruleWire `json:"rules"`
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	w := triggerWire{Type: t.Type}
	switch t.Type {
	case TriggerCardMoved:
		if t.FromColumnID != "" {
			w.Config = &triggerConfigWire{FromColumnID: t.FromColumnID}
		}
	case TriggerDueDateApproaching:
		days := t.DaysBeforeDue
		w.Config = &triggerConfigWire{DaysBeforeDue: &days}
	}
	return json.Marshal(w)
}

func (t *Trigger) UnmarshalJSON(data []byte) error {
	var w triggerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = triggerFromWire(w)
	return nil
}

func triggerFromWire(w triggerWire) Trigger {
	t := Trigger{Type: w.Type}
	if w.Config != nil {
		t.FromColumnID = w.Config.FromColumnID
		if w.Config.DaysBeforeDue != nil {
			t.DaysBeforeDue = *w.Config.DaysBeforeDue
		}
	}
	if t.Type == TriggerDueDateApproaching && (w.Config == nil || w.Config.DaysBeforeDue == nil) {
		t.DaysBeforeDue = DefaultDaysBeforeDue
	}
	return t
}

func (c Condition) MarshalJSON() ([]byte, error) {
	w := conditionWire{Type: c.Type}
	switch c.Type {
	case ConditionCustomFieldValue:
		w.Config = &conditionConfigWire{FieldID: c.FieldID, Value: c.Value}
	case ConditionHasLabel:
		w.Config = &conditionConfigWire{LabelID: c.LabelID}
	}
	return json.Marshal(w)
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var w conditionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = conditionFromWire(w)
	return nil
}

func conditionFromWire(w conditionWire) Condition {
	c := Condition{Type: w.Type}
	if w.Config != nil {
		c.FieldID = w.Config.FieldID
		c.Value = w.Config.Value
		c.LabelID = w.Config.LabelID
	}
	return c
}

func (a Action) MarshalJSON() ([]byte, error) {
	w := actionWire{Type: a.Type}
	switch a.Type {
	case ActionSendEmail:
		if a.Recipient != "" || a.TemplateName != "" || a.Subject != "" || a.CustomMessage != "" {
			w.Config = &actionConfigWire{
				Recipient:     a.Recipient,
				TemplateName:  a.TemplateName,
				Subject:       a.Subject,
				CustomMessage: a.CustomMessage,
			}
		}
	case ActionMoveToColumn:
		w.Config = &actionConfigWire{ColumnID: a.ColumnID}
	case ActionAssignDueDate:
		days := a.DaysFromNow
		w.Config = &actionConfigWire{DaysFromNow: &days}
	case ActionAddLabel:
		w.Config = &actionConfigWire{LabelID: a.LabelID}
	case ActionNotifyUser:
		w.Config = &actionConfigWire{UserID: a.UserID, Message: a.Message}
	}
	return json.Marshal(w)
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = actionFromWire(w)
	return nil
}

func actionFromWire(w actionWire) Action {
	a := Action{Type: w.Type}
	if w.Config != nil {
		a.Recipient = w.Config.Recipient
		a.TemplateName = w.Config.TemplateName
		a.Subject = w.Config.Subject
		a.CustomMessage = w.Config.CustomMessage
		a.ColumnID = w.Config.ColumnID
		a.LabelID = w.Config.LabelID
		a.UserID = w.Config.UserID
		a.Message = w.Config.Message
		if w.Config.DaysFromNow != nil {
			a.DaysFromNow = *w.Config.DaysFromNow
		}
	}
	if a.Type == ActionAssignDueDate && w.Config == nil {
		a.DaysFromNow = DefaultDaysFromNow
	}
	return a
}

func (r Rule) MarshalJSON() ([]byte, error) {
	type alias struct {
		ID         string      `json:"id"`
		Name       string      `json:"name"`
		Enabled    bool        `json:"enabled"`
		Trigger    Trigger     `json:"trigger"`
		Conditions []Condition `json:"conditions"`
		Action     Action      `json:"action"`
	}
	conds := r.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	return json.Marshal(alias{
		ID:         r.ID,
		Name:       r.Name,
		Enabled:    r.Enabled,
		Trigger:    r.Trigger,
		Conditions: conds,
		Action:     r.Action,
	})
}

func (cr ColumnRules) MarshalJSON() ([]byte, error) {
	type alias struct {
		Enabled bool   `json:"enabled"`
		Rules   []Rule `json:"rules"`
	}
	rs := cr.Rules
	if rs == nil {
		rs = []Rule{}
	}
	return json.Marshal(alias{Enabled: cr.Enabled, Rules: rs})
}

// Decode parses a persisted column rule configuration. It is lenient about
// unknown variant types (they stay in the model and fail closed at
// evaluation time); use Validate or ParseColumnRules to reject them.
func Decode(data []byte) (ColumnRules, error) {
	var w columnRulesWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ColumnRules{}, err
	}
	cr := ColumnRules{Enabled: w.Enabled}
	for _, rw := range w.Rules {
		r := Rule{
			ID:      rw.ID,
			Name:    rw.Name,
			Enabled: rw.Enabled,
			Trigger: triggerFromWire(rw.Trigger),
			Action:  actionFromWire(rw.Action),
		}
		for _, cw := range rw.Conditions {
			r.Conditions = append(r.Conditions, conditionFromWire(cw))
		}
		cr.Rules = append(cr.Rules, r)
	}
	return cr, nil
}

// ParseColumnRules decodes and validates a rule configuration. This is the
// configuration-time entry point: invalid definitions are a rejected write.
func ParseColumnRules(data []byte) (ColumnRules, error) {
	cr, err := Decode(data)
	if err != nil {
		return ColumnRules{}, &ValidationError{Field: "rules", Message: err.Error()}
	}
	if err := cr.Validate(); err != nil {
		return ColumnRules{}, err
	}
	return cr, nil
}
