package mailer

import (
	"bytes"
	"context"
	"io"
	"net/smtp"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/models"
)

type captured struct {
	addr string
	from string
	to   []string
	msg  []byte
}

func newTestMailer(c *captured) *Mailer {
	m := New(config.MailConfig{Host: "smtp.example.tn", Port: 587, From: "alerts@example.tn"},
		[]string{"ops@example.tn", "legal@example.tn"}, nil)
	m.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		c.addr, c.from, c.to, c.msg = addr, from, to, msg
		return nil
	}
	return m
}

func TestNotifyGaps(t *testing.T) {
	var c captured
	m := newTestMailer(&c)
	avg := 1.5
	gaps := []models.KnowledgeGap{{
		Topic:                 "préavis licenciement abusif",
		Domain:                "labor",
		PriorityScore:         0.81,
		OccurrenceCount:       7,
		NegativeFeedbackCount: 2,
		AvgRating:             &avg,
		SampleQueries:         []string{"délai de préavis en cas de licenciement abusif"},
	}}

	require.NoError(t, m.NotifyGaps(context.Background(), gaps))
	assert.Equal(t, "smtp.example.tn:587", c.addr)
	assert.Equal(t, "alerts@example.tn", c.from)
	assert.Equal(t, []string{"ops@example.tn", "legal@example.tn"}, c.to)

	r, err := mail.CreateReader(bytes.NewReader(c.msg))
	require.NoError(t, err)
	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "[legalrag] 1 knowledge gap(s) need attention", subject)

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "préavis licenciement abusif")
	assert.Contains(t, string(body), "priority: 0.81")
	assert.Contains(t, string(body), "- délai de préavis en cas de licenciement abusif")
}

func TestNotifyGapsUnconfigured(t *testing.T) {
	called := false
	m := New(config.MailConfig{}, nil, nil)
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		called = true
		return nil
	}
	require.NoError(t, m.NotifyGaps(context.Background(), []models.KnowledgeGap{{Topic: "x"}}))
	assert.False(t, called)
}
