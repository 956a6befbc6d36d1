// Package mailer sends plain-text operator notifications over SMTP
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/models"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer delivers gap alerts to a fixed recipient list
type Mailer struct {
	cfg        config.MailConfig
	recipients []string
	send       sendFunc
	now        func() time.Time
	logger     *zap.Logger
}

func New(cfg config.MailConfig, recipients []string, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{
		cfg:        cfg,
		recipients: recipients,
		send:       smtp.SendMail,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "mailer")),
	}
}

// Configured reports whether an SMTP host, a sender and at least one recipient are set
func (m *Mailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.From != "" && len(m.recipients) > 0
}

// NotifyGaps sends one message listing the gaps, highest priority first
func (m *Mailer) NotifyGaps(ctx context.Context, gaps []models.KnowledgeGap) error {
	if len(gaps) == 0 {
		return nil
	}
	if !m.Configured() {
		m.logger.Warn("mail not configured, gap alert not sent", zap.Int("gaps", len(gaps)))
		return nil
	}
	subject := fmt.Sprintf("[legalrag] %d knowledge gap(s) need attention", len(gaps))
	return m.Send(ctx, subject, gapBody(gaps))
}

// Send composes and delivers a plain-text message to every recipient
func (m *Mailer) Send(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.compose(subject, body)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := m.send(addr, auth, m.cfg.From, m.recipients, msg); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	m.logger.Info("mail sent", zap.String("subject", subject), zap.Int("recipients", len(m.recipients)))
	return nil
}

func (m *Mailer) compose(subject, body string) ([]byte, error) {
	to := make([]*mail.Address, 0, len(m.recipients))
	for _, r := range m.recipients {
		to = append(to, &mail.Address{Address: r})
	}

	var h mail.Header
	h.SetDate(m.now())
	h.SetAddressList("From", []*mail.Address{{Name: "Legal RAG", Address: m.cfg.From}})
	h.SetAddressList("To", to)
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

func gapBody(gaps []models.KnowledgeGap) string {
	var b strings.Builder
	b.WriteString("The following topics are repeatedly asked about without good coverage in the knowledge base.\n\n")
	for i, g := range gaps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, g.Topic)
		fmt.Fprintf(&b, "   domain: %s, priority: %.2f, searches: %d, negative feedback: %d\n",
			g.Domain, g.PriorityScore, g.OccurrenceCount, g.NegativeFeedbackCount)
		if g.AvgRating != nil {
			fmt.Fprintf(&b, "   average rating: %.1f\n", *g.AvgRating)
		}
		for _, q := range g.SampleQueries {
			fmt.Fprintf(&b, "   - %s\n", q)
		}
		b.WriteString("\n")
	}
	return b.String()
}
