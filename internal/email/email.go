package email

import (
	"context"
	"fmt"
	"net/smtp"

	"mousekit.app/cloud/internal/logger"
)

// VerificationState is the provider's answer for one recipient address.
type VerificationState string

const (
	VerificationSuccess    VerificationState = "Success"
	VerificationPending    VerificationState = "Pending"
	VerificationFailed     VerificationState = "Failed"
	VerificationNotStarted VerificationState = "NotStarted"
)

// Message is one outbound email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer sends email and answers recipient-verification queries. The
// dispatcher and the scheduled jobs receive one at construction time; tests
// substitute a fake.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
	// VerificationStatus answers for every requested address in one call.
	VerificationStatus(ctx context.Context, addrs []string) (map[string]VerificationState, error)
}

// SMTPMailer delivers over plain SMTP. SMTP has no sandbox, so every
// recipient reports as verified.
type SMTPMailer struct {
	Host     string
	Port     string
	Username string
	Password string
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if m.Host == "" || m.Port == "" || m.Username == "" || m.Password == "" {
		logger.Error("SMTP configuration missing")
		return fmt.Errorf("SMTP configuration missing")
	}

	auth := smtp.PlainAuth("", m.Username, m.Password, m.Host)

	body := msg.Text
	contentType := "text/plain; charset=utf-8"
	if msg.HTML != "" {
		body = msg.HTML
		contentType = "text/html; charset=utf-8"
	}

	raw := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: %s\r\n"+
		"\r\n"+
		"%s\r\n", msg.From, msg.To, msg.Subject, contentType, body))

	addr := fmt.Sprintf("%s:%s", m.Host, m.Port)
	return smtp.SendMail(addr, auth, msg.From, []string{msg.To}, raw)
}

func (m *SMTPMailer) VerificationStatus(ctx context.Context, addrs []string) (map[string]VerificationState, error) {
	states := make(map[string]VerificationState, len(addrs))
	for _, addr := range addrs {
		states[addr] = VerificationSuccess
	}
	return states, nil
}
