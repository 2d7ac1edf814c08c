package notify

import (
	"context"
	"mime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifierWritesMessage(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	notifier := MultiNotifier{LogNotifier{Logger: zap.New(core)}}

	require.NoError(t, notifier.Notify(context.Background(), Message{Title: Title, Body: "body"}))
	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "body", entries[0].Message)
	assert.Equal(t, Title, entries[0].ContextMap()["title"])
}

func TestMailNotifierBuildsPlainMessage(t *testing.T) {
	notifier, err := NewMailNotifier(MailConfig{Host: "smtp.example.com", From: "spot@example.com", To: []string{"team@example.com"}})
	require.NoError(t, err)

	msg, err := notifier.buildMessage(Message{Title: Title, Body: "body"})
	require.NoError(t, err)
	subject := msg.GetGenHeader(mail.HeaderSubject)
	require.Len(t, subject, 1)
	decoded, err := new(mime.WordDecoder).DecodeHeader(subject[0])
	require.NoError(t, err)
	assert.Equal(t, Title, decoded)
	require.Len(t, msg.GetToString(), 1)
	assert.Contains(t, msg.GetToString()[0], "team@example.com")
}

func TestMailNotifierRejectsIncompleteConfig(t *testing.T) {
	_, err := NewMailNotifier(MailConfig{From: "spot@example.com", To: []string{"team@example.com"}})
	assert.Error(t, err)
	_, err = NewMailNotifier(MailConfig{Host: "smtp.example.com"})
	assert.Error(t, err)

	notifier, err := NewMailNotifier(MailConfig{Host: "smtp.example.com", From: "not an address", To: []string{"team@example.com"}})
	require.NoError(t, err)
	_, err = notifier.buildMessage(Message{Title: Title})
	assert.Error(t, err)
}
