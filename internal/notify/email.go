package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/makt28/vigil/internal/model"
)

// EmailNotifier sends alerts over plain SMTP.
type EmailNotifier struct {
	Addr string // host:port of the SMTP server
	From string
	To   string // comma-separated recipients
}

func (e *EmailNotifier) Type() string { return "email" }

func (e *EmailNotifier) Validate() error {
	if e.Addr == "" {
		return errors.New("email: smtp address is required")
	}
	if e.From == "" {
		return errors.New("email: from address is required")
	}
	if e.To == "" {
		return errors.New("email: recipient address is required")
	}
	return nil
}

func (e *EmailNotifier) Send(ctx context.Context, event model.AlertEvent) error {
	recipients := strings.Split(e.To, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}

	subject := fmt.Sprintf("[%s] %s", event.Status, event.MonitorName)
	t := time.Unix(event.Timestamp, 0).UTC()
	body := fmt.Sprintf(
		"Monitor %s is %s\r\nURL: %s\r\nReason: %s\r\nTime: %s UTC\r\n",
		event.MonitorName, event.Status, event.MonitorURL, event.Reason,
		t.Format("2006-01-02 15:04:05"),
	)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		e.From, e.To, subject, body)

	// net/smtp has no context support; run the send in a goroutine so the
	// caller's deadline still bounds the wait.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(e.Addr, nil, e.From, recipients, []byte(msg))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("email: send: %w", ctx.Err())
	}
}
