package mail

import (
	"context"

	"cardflow/internal/logger"
)

// Mailer delivers templated emails. Delivery failures are reported to the
// caller; the rule engine decides whether they abort anything.
type Mailer interface {
	SendTemplateEmail(ctx context.Context, to, subject, templateName string, data map[string]any) error
}

// LogMailer is the default delivery backend: it records the send as a
// structured log line. A real SMTP backend slots in behind the same
// interface.
type LogMailer struct{}

func (LogMailer) SendTemplateEmail(ctx context.Context, to, subject, templateName string, data map[string]any) error {
	logger.Info("email sent",
		"to", to,
		"subject", subject,
		"template", templateName,
		"data", data,
	)
	return nil
}
