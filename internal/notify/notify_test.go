package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/notify"
)

type fakeSender struct {
	sent     []tgbotapi.Chattable
	failNext map[string]bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	kind := "message"
	switch c.(type) {
	case tgbotapi.VideoConfig:
		kind = "video"
	case tgbotapi.EditMessageTextConfig:
		kind = "edit"
	}
	if f.failNext[kind] {
		delete(f.failNext, kind)
		return tgbotapi.Message{}, errors.New("telegram says no")
	}
	return tgbotapi.Message{}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCompletedEditsProgressAndSendsVideo(t *testing.T) {
	sender := &fakeSender{}
	n := notify.NewTelegramNotifier(sender, discard())
	progress := 55

	err := n.Notify(context.Background(), jobs.Notification{
		JobID:             1,
		ChatID:            100,
		ProgressMessageID: &progress,
		ModelID:           "veo3",
		Status:            models.JobCompleted,
		VideoURL:          "https://cdn/v.mp4",
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 2)

	edit, ok := sender.sent[0].(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Equal(t, 55, edit.MessageID)

	video, ok := sender.sent[1].(tgbotapi.VideoConfig)
	require.True(t, ok)
	assert.Equal(t, int64(100), video.ChatID)
	assert.Contains(t, video.Caption, "veo3")
}

func TestCompletedFallsBackToLink(t *testing.T) {
	sender := &fakeSender{failNext: map[string]bool{"video": true}}
	n := notify.NewTelegramNotifier(sender, discard())

	err := n.Notify(context.Background(), jobs.Notification{ChatID: 100, Status: models.JobCompleted, VideoURL: "https://cdn/v.mp4"})
	require.NoError(t, err)
	require.Len(t, sender.sent, 2)
	msg, ok := sender.sent[1].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Contains(t, msg.Text, "https://cdn/v.mp4")
}

func TestFailedPrefersEditingProgress(t *testing.T) {
	sender := &fakeSender{}
	n := notify.NewTelegramNotifier(sender, discard())
	progress := 9

	require.NoError(t, n.Notify(context.Background(), jobs.Notification{ChatID: 1, ProgressMessageID: &progress, Status: models.JobFailed}))
	require.Len(t, sender.sent, 1)
	_, ok := sender.sent[0].(tgbotapi.EditMessageTextConfig)
	assert.True(t, ok)

	sender = &fakeSender{failNext: map[string]bool{"edit": true}}
	n = notify.NewTelegramNotifier(sender, discard())
	require.NoError(t, n.Notify(context.Background(), jobs.Notification{ChatID: 1, ProgressMessageID: &progress, Status: models.JobFailed}))
	require.Len(t, sender.sent, 2)
	_, ok = sender.sent[1].(tgbotapi.MessageConfig)
	assert.True(t, ok)
}

func TestUnexpectedStatus(t *testing.T) {
	n := notify.NewTelegramNotifier(&fakeSender{}, discard())
	assert.Error(t, n.Notify(context.Background(), jobs.Notification{Status: models.JobPending}))
	assert.NoError(t, notify.NewLogNotifier(discard()).Notify(context.Background(), jobs.Notification{Status: models.JobFailed}))
}
