package rules

// TriggerContext carries event-specific data a trigger constraint may read.
// Only card moves populate it today.
type TriggerContext struct {
	PreviousColumnID string
}

// Matches reports whether a firing event satisfies the rule's trigger. It is
// a pure, context-only predicate: the due-date window is enforced upstream
// by the sweep query, not here.
func Matches(t Trigger, firing TriggerType, ctx TriggerContext) bool {
	if t.Type != firing {
		return false
	}
	if t.Type == TriggerCardMoved && t.FromColumnID != "" {
		return t.FromColumnID == ctx.PreviousColumnID
	}
	return true
}
