// Package email renders notification templates and hands them to the
// injected sender. Deployments plug in their own delivery (SMTP, an API);
// the default sender only logs, which keeps development setups mailless.
package email

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"go.uber.org/zap"

	"github.com/getaccounts/accounts/domain"
)

// Mailer renders an EmailTemplate and dispatches it.
type Mailer struct {
	send domain.EmailSender
}

func NewMailer(send domain.EmailSender) *Mailer {
	if send == nil {
		send = LogSender(zap.NewNop())
	}
	return &Mailer{send: send}
}

// Send renders tpl with data and dispatches the result to the address.
func (m *Mailer) Send(ctx context.Context, to string, tpl domain.EmailTemplate, data any) error {
	body, err := render(tpl.Body, data)
	if err != nil {
		return fmt.Errorf("email: render body: %w", err)
	}
	subject, err := render(tpl.Subject, data)
	if err != nil {
		return fmt.Errorf("email: render subject: %w", err)
	}
	if err := m.send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

func render(text string, data any) (string, error) {
	t, err := template.New("email").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// LogSender returns a sender that logs mails instead of delivering them.
func LogSender(log *zap.Logger) domain.EmailSender {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, to, subject, body string) error {
		log.Info("outgoing mail",
			zap.String("to", to),
			zap.String("subject", subject),
			zap.String("body", body),
		)
		return nil
	}
}
