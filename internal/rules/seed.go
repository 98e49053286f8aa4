package rules

// DefaultColumnRules returns the four canned rules seeded into a board's
// first column. Only the customer move notification is enabled out of the
// box; the rest are templates the user can switch on.
func DefaultColumnRules() ColumnRules {
	return ColumnRules{
		Enabled: true,
		Rules: []Rule{
			{
				ID:      "seed-card-moved-email",
				Name:    "Notify customer when a card arrives",
				Enabled: true,
				Trigger: Trigger{Type: TriggerCardMoved},
				Conditions: []Condition{
					{Type: ConditionHasCustomer},
				},
				Action: Action{Type: ActionSendEmail, TemplateName: "card-moved"},
			},
			{
				ID:      "seed-welcome-email",
				Name:    "Welcome email on new card",
				Enabled: false,
				Trigger: Trigger{Type: TriggerCardCreated},
				Conditions: []Condition{
					{Type: ConditionHasCustomer},
				},
				Action: Action{Type: ActionSendEmail, TemplateName: "notification"},
			},
			{
				ID:      "seed-default-due-date",
				Name:    "Assign a due date to new cards",
				Enabled: false,
				Trigger: Trigger{Type: TriggerCardCreated},
				Action:  Action{Type: ActionAssignDueDate, DaysFromNow: DefaultDaysFromNow},
			},
			{
				ID:      "seed-due-date-reminder",
				Name:    "Remind customer before the due date",
				Enabled: false,
				Trigger: Trigger{Type: TriggerDueDateApproaching, DaysBeforeDue: DefaultDaysBeforeDue},
				Conditions: []Condition{
					{Type: ConditionHasCustomer},
					{Type: ConditionHasDueDate},
				},
				Action: Action{Type: ActionSendEmail, TemplateName: "notification"},
			},
		},
	}
}
