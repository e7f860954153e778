package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"
)

// Mailer delivers a plain-text message to one recipient.
type Mailer interface {
	Send(to, subject, body string) error
}

// LogMailer writes messages to the process log instead of delivering them.
// Used when no SMTP relay is configured, so notifications are never silently
// dropped.
type LogMailer struct{}

func (LogMailer) Send(to, subject, body string) error {
	log.Printf("mail (log only) to=%s subject=%q: %s", to, subject, body)
	return nil
}

// SMTPMailer delivers messages through a plain SMTP relay.
type SMTPMailer struct {
	Addr string
	From string
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.From, to, subject, body)
	if err := smtp.SendMail(m.Addr, nil, m.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}
	return nil
}

// AdminNotifier fans a notification out to all configured administrator
// addresses. Delivery failures are logged per recipient and do not stop the
// remaining deliveries.
type AdminNotifier struct {
	mailer Mailer
	admins []string
}

// NewAdminNotifier returns a notifier over the given administrator addresses.
func NewAdminNotifier(mailer Mailer, admins []string) *AdminNotifier {
	return &AdminNotifier{mailer: mailer, admins: admins}
}

// Notify sends subject and body to every administrator.
func (n *AdminNotifier) Notify(subject, body string) {
	if len(n.admins) == 0 {
		log.Printf("admin notification dropped, no recipients configured: %q", subject)
		return
	}
	for _, to := range n.admins {
		if err := n.mailer.Send(strings.TrimSpace(to), subject, body); err != nil {
			log.Printf("admin notification to %s failed: %v", to, err)
		}
	}
}
