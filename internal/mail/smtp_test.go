package mail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-protocol/admin/internal/config"
)

func testMailer(t *testing.T) *SMTPMailer {
	t.Helper()
	m, err := NewSMTPMailer(config.MailConfig{
		SMTPHost:    "localhost",
		SMTPPort:    2525,
		FromAddress: "noreply@midnight.example",
		FromName:    "Midnight Protocol",
	})
	require.NoError(t, err)
	return m
}

func TestSMTPMailer_Build(t *testing.T) {
	m := testMailer(t)

	msg, err := m.build(Message{
		To:      "member@example.com",
		Subject: "Welcome Ada",
		HTML:    "<p>Hi Ada</p>",
		Text:    "Hi Ada",
	})
	require.NoError(t, err)

	rcpts, err := msg.GetRecipients()
	require.NoError(t, err)
	assert.Equal(t, []string{"member@example.com"}, rcpts)
	assert.NotEmpty(t, msg.GetMessageID())
}

func TestSMTPMailer_BuildRejectsBadAddresses(t *testing.T) {
	m := testMailer(t)

	_, err := m.build(Message{To: "not an address", Subject: "x", Text: "x"})
	assert.ErrorContains(t, err, "set recipient")

	_, err = m.build(Message{FromAddress: "@@", To: "member@example.com", Text: "x"})
	assert.ErrorContains(t, err, "set sender")
}

func TestLogMailer(t *testing.T) {
	id, err := LogMailer{}.Send(context.Background(), Message{To: "a@example.com", Subject: "hi"})
	require.NoError(t, err)
	assert.Contains(t, id, "@log.mailer>")
}
