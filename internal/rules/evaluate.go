package rules

import "cardflow/internal/domain"

// EvaluateConditions AND-combines a rule's conditions against the card,
// short-circuiting on the first false. Zero conditions evaluate to true.
func EvaluateConditions(card domain.Card, conds []Condition) bool {
	for _, c := range conds {
		if !evaluateCondition(card, c) {
			return false
		}
	}
	return true
}

// Unknown condition types evaluate to false so one malformed rule cannot
// abort the whole column's evaluation.
func evaluateCondition(card domain.Card, c Condition) bool {
	switch c.Type {
	case ConditionHasCustomer:
		return card.Customer != nil
	case ConditionHasDueDate:
		return card.DueDate != nil
	case ConditionCustomFieldValue:
		if c.FieldID == "" || c.Value == "" {
			return false
		}
		for _, f := range card.CustomFields {
			if f.ID == c.FieldID && f.Value == c.Value {
				return true
			}
		}
		return false
	case ConditionHasLabel:
		return card.HasLabel(c.LabelID)
	default:
		return false
	}
}
