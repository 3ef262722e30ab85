// Package mailer sends receipt and confirmation mail. Sending is
// best-effort: a failed send is logged by the caller and never rolls back
// payment state.
package mailer

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"memberevents/internal/model"
)

type Mailer struct {
	host string
	port string
	from string
	pass string
	log  *zerolog.Logger
}

func New(host, port, from, pass string, log *zerolog.Logger) *Mailer {
	return &Mailer{host: host, port: port, from: from, pass: pass, log: log}
}

// SendReceipt mails one receipt aggregating every registration covered by
// the payment, localized to the payment's language.
func (m *Mailer) SendReceipt(to string, p *model.Payment, regs []model.Registration, events map[int64]model.Event) error {
	subject, body := receiptBody(p, regs, events)
	return m.send(to, subject, body)
}

func receiptBody(p *model.Payment, regs []model.Registration, events map[int64]model.Event) (string, string) {
	fi := p.Language != "en"

	var b strings.Builder
	if fi {
		b.WriteString("Kiitos ilmoittautumisestasi!\n\n")
	} else {
		b.WriteString("Thank you for your registration!\n\n")
	}

	for _, reg := range regs {
		e, ok := events[reg.EventID]
		name := fmt.Sprintf("event %d", reg.EventID)
		if ok {
			if fi {
				name = e.NameFi
			} else {
				name = e.NameEn
			}
		}
		fmt.Fprintf(&b, "- %s: %.2f EUR", name, float64(reg.PriceCents)/100)
		if reg.PickupCode != nil {
			if fi {
				fmt.Fprintf(&b, " (noutokoodi %s)", *reg.PickupCode)
			} else {
				fmt.Fprintf(&b, " (pickup code %s)", *reg.PickupCode)
			}
		}
		b.WriteString("\n")
	}

	if fi {
		fmt.Fprintf(&b, "\nYhteensä: %.2f EUR\nTilausnumero: %s\n", float64(p.AmountCents)/100, p.OrderID)
		return "Kuitti ilmoittautumisestasi", b.String()
	}
	fmt.Fprintf(&b, "\nTotal: %.2f EUR\nOrder number: %s\n", float64(p.AmountCents)/100, p.OrderID)
	return "Receipt for your registration", b.String()
}

func (m *Mailer) send(to, subject, body string) error {
	if m.host == "" {
		m.log.Info().Str("to", to).Str("subject", subject).Msg("SMTP not configured, skipping mail")
		return nil
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.from, to, subject, body,
	)

	addr := m.host + ":" + m.port
	auth := smtp.PlainAuth("", m.from, m.pass, m.host)

	if err := smtp.SendMail(addr, auth, m.from, []string{to}, []byte(msg)); err != nil {
		m.log.Warn().Str("to", to).Err(err).Msg("failed to send email")
		return fmt.Errorf("send email: %w", err)
	}

	m.log.Info().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}
