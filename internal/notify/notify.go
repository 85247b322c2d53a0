// Package notify implements the supplemental transfer-receipt email
// notification (SPEC_FULL.md "Email receipt notification"): once a receipt
// address is registered for a room with SetRoomRecipient, a receipt is sent
// on the first completed transfer into that room. No handler in this module
// registers an address (the createRoom frame carries no email field), so no
// receipt is sent unless a caller does so. It is grounded on
// the teacher's auth.SendOTPEmail — same gomail.v2 dialer, same Gmail SMTP
// wiring — re-purposed from a one-time-password body to a transfer
// receipt. Optional; off unless SMTP_FROM/SMTP_PASS are configured.
package notify

import (
	"crypto/tls"
	"fmt"
	"log"
	"sync"

	gomail "gopkg.in/gomail.v2"

	"relaydrop/internal/model"
)

// Mailer sends transfer-receipt emails. It implements relay.Notifier.
type Mailer struct {
	from string
	pass string

	mu      sync.Mutex
	emails  map[string]string // roomID -> recipient email
	notified map[string]bool  // roomID -> receipt already sent
}

// NewMailer constructs a Mailer. A zero-value from/pass disables sending;
// NotifyTransferComplete becomes a no-op.
func NewMailer(from, pass string) *Mailer {
	return &Mailer{
		from:     from,
		pass:     pass,
		emails:   make(map[string]string),
		notified: make(map[string]bool),
	}
}

// Enabled reports whether SMTP credentials were configured.
func (m *Mailer) Enabled() bool { return m.from != "" && m.pass != "" }

// SetRoomRecipient records the receipt address for a room. Nothing in this
// module calls it: the createRoom frame has no email field.
func (m *Mailer) SetRoomRecipient(roomID, email string) {
	if email == "" {
		return
	}
	m.mu.Lock()
	m.emails[roomID] = email
	m.mu.Unlock()
}

// ClearRoom drops a room's recipient and one-shot notified flag. Nothing in
// this module calls it; room deletion does not clear these entries.
func (m *Mailer) ClearRoom(roomID string) {
	m.mu.Lock()
	delete(m.emails, roomID)
	delete(m.notified, roomID)
	m.mu.Unlock()
}

// NotifyTransferComplete sends a receipt for roomID's first completed
// transfer, if a recipient was registered and none has been sent yet.
func (m *Mailer) NotifyTransferComplete(roomID string, t *model.Transfer) {
	if !m.Enabled() {
		return
	}
	m.mu.Lock()
	email, hasEmail := m.emails[roomID]
	already := m.notified[roomID]
	if hasEmail && !already {
		m.notified[roomID] = true
	}
	m.mu.Unlock()
	if !hasEmail || already {
		return
	}

	if err := m.sendReceipt(email, t); err != nil {
		log.Printf("[NOTIFY] receipt to %s failed: %v", email, err)
	}
}

func (m *Mailer) sendReceipt(toEmail string, t *model.Transfer) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", toEmail)
	msg.SetHeader("Subject", "Your relay transfer completed")
	msg.SetBody("text/html", fmt.Sprintf(`
<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; background:#0a0a0f; color:#e2e8f0; padding:40px;">
  <div style="max-width:480px; margin:auto; background:#13131a; border-radius:16px; padding:40px; border:1px solid #2d2d3d;">
    <h2 style="color:#a78bfa; margin:0 0 8px;">Transfer complete</h2>
    <p style="color:#94a3b8; margin:0 0 32px;">%s finished transferring.</p>
  </div>
</body>
</html>`, t.PrimaryFile().Name))

	d := gomail.NewDialer("smtp.gmail.com", 587, m.from, m.pass)
	d.TLSConfig = &tls.Config{InsecureSkipVerify: false, ServerName: "smtp.gmail.com"}
	return d.DialAndSend(msg)
}
