// Package mailer sends transactional email over SMTP. Host and credentials
// come from configuration, so development setups can point it at a capture
// service such as Mailtrap.
package mailer

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Mailer holds SMTP connection settings.
type Mailer struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

// New creates a Mailer. All fields are required.
func New(host, port, username, password, sender string) (*Mailer, error) {
	if host == "" || port == "" {
		return nil, fmt.Errorf("SMTP host and port must be provided")
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("SMTP username and password must be provided")
	}
	if sender == "" {
		return nil, fmt.Errorf("sender email address cannot be empty")
	}
	return &Mailer{Host: host, Port: port, Username: username, Password: password, Sender: sender}, nil
}

// Send delivers one email. The Content-Type is inferred from basic HTML tags
// in the body.
func (m *Mailer) Send(recipient, subject, body string) error {
	if recipient == "" {
		return fmt.Errorf("recipient email address cannot be empty")
	}
	if subject == "" {
		return fmt.Errorf("email subject cannot be empty")
	}

	contentType := "text/plain; charset=UTF-8"
	lower := strings.ToLower(body)
	if strings.Contains(lower, "<html>") || strings.Contains(lower, "<p>") {
		contentType = "text/html; charset=UTF-8"
	}

	message := []byte(fmt.Sprintf("To: %s\r\n"+
		"From: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: %s\r\n"+
		"\r\n"+
		"%s\r\n", recipient, m.Sender, subject, contentType, body))

	auth := smtp.PlainAuth("", m.Username, m.Password, m.Host)
	addr := m.Host + ":" + m.Port

	if err := smtp.SendMail(addr, auth, m.Sender, []string{recipient}, message); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
