package rules

import "fmt"

// ValidationError names the offending field path in a rule definition.
// Raised at configuration time only, never during evaluation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks every rule against the closed variant enumerations and
// each variant's required config fields. Fields are never coerced or
// dropped; the first problem found is returned with its path.
func (cr ColumnRules) Validate() error {
	seen := make(map[string]struct{}, len(cr.Rules))
	for i, r := range cr.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			return invalidf(path+".id", "is required")
		}
		if _, dup := seen[r.ID]; dup {
			return invalidf(path+".id", "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Name == "" {
			return invalidf(path+".name", "is required")
		}
		if err := r.Trigger.validate(path + ".trigger"); err != nil {
			return err
		}
		for j, c := range r.Conditions {
			if err := c.validate(fmt.Sprintf("%s.conditions[%d]", path, j)); err != nil {
				return err
			}
		}
		if err := r.Action.validate(path + ".action"); err != nil {
			return err
		}
	}
	return nil
}

func (t Trigger) validate(path string) error {
	switch t.Type {
	case TriggerCardCreated, TriggerCardMoved:
		return nil
	case TriggerDueDateApproaching:
		if t.DaysBeforeDue <= 0 {
			return invalidf(path+".config.daysBeforeDue", "must be a positive integer")
		}
		return nil
	default:
		return invalidf(path+".type", "invalid trigger type: %q", t.Type)
	}
}

func (c Condition) validate(path string) error {
	switch c.Type {
	case ConditionHasCustomer, ConditionHasDueDate:
		return nil
	case ConditionCustomFieldValue:
		if c.FieldID == "" {
			return invalidf(path+".config.fieldId", "is required")
		}
		if c.Value == "" {
			return invalidf(path+".config.value", "is required")
		}
		return nil
	case ConditionHasLabel:
		if c.LabelID == "" {
			return invalidf(path+".config.labelId", "is required")
		}
		return nil
	default:
		return invalidf(path+".type", "invalid condition type: %q", c.Type)
	}
}

func (a Action) validate(path string) error {
	switch a.Type {
	case ActionSendEmail:
		return nil
	case ActionMoveToColumn:
		if a.ColumnID == "" {
			return invalidf(path+".config.columnId", "is required")
		}
		return nil
	case ActionAssignDueDate:
		if a.DaysFromNow <= 0 {
			return invalidf(path+".config.daysFromNow", "must be a positive integer")
		}
		return nil
	case ActionAddLabel:
		if a.LabelID == "" {
			return invalidf(path+".config.labelId", "is required")
		}
		return nil
	case ActionNotifyUser:
		if a.UserID == "" {
			return invalidf(path+".config.userId", "is required")
		}
		if a.Message == "" {
			return invalidf(path+".config.message", "is required")
		}
		return nil
	default:
		return invalidf(path+".type", "invalid action type: %q", a.Type)
	}
}
