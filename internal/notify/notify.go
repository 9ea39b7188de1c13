// Package notify delivers job outcomes to the user's chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/models"
)

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramNotifier struct {
	api Sender
	log *slog.Logger
}

var _ jobs.Notifier = (*TelegramNotifier)(nil)

func NewTelegramNotifier(api Sender, log *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{api: api, log: log}
}

func (n *TelegramNotifier) Notify(_ context.Context, note jobs.Notification) error {
	switch note.Status {
	case models.JobCompleted:
		return n.completed(note)
	case models.JobFailed:
		return n.failed(note)
	default:
		return fmt.Errorf("notify: unexpected status %q", note.Status)
	}
}

func (n *TelegramNotifier) completed(note jobs.Notification) error {
	n.updateProgress(note, "Видео готово ✅")

	video := tgbotapi.NewVideo(note.ChatID, tgbotapi.FileURL(note.VideoURL))
	video.Caption = fmt.Sprintf("Модель: %s", note.ModelID)
	if _, err := n.api.Send(video); err != nil {
		n.log.Warn("send video, falling back to link", "job_id", note.JobID, "err", err)
		msg := tgbotapi.NewMessage(note.ChatID, "Видео готово: "+note.VideoURL)
		if _, err := n.api.Send(msg); err != nil {
			return fmt.Errorf("send video link: %w", err)
		}
	}
	return nil
}

func (n *TelegramNotifier) failed(note jobs.Notification) error {
	text := "Не удалось сгенерировать видео. Токены возвращены на баланс."
	if note.ProgressMessageID != nil {
		edit := tgbotapi.NewEditMessageText(note.ChatID, *note.ProgressMessageID, text)
		if _, err := n.api.Send(edit); err == nil {
			return nil
		}
	}
	if _, err := n.api.Send(tgbotapi.NewMessage(note.ChatID, text)); err != nil {
		return fmt.Errorf("send failure message: %w", err)
	}
	return nil
}

func (n *TelegramNotifier) updateProgress(note jobs.Notification, text string) {
	if note.ProgressMessageID == nil {
		return
	}
	edit := tgbotapi.NewEditMessageText(note.ChatID, *note.ProgressMessageID, text)
	if _, err := n.api.Send(edit); err != nil {
		n.log.Debug("edit progress message", "job_id", note.JobID, "err", err)
	}
}

// LogNotifier only logs outcomes. It is used when no bot token is configured.
type LogNotifier struct {
	log *slog.Logger
}

var _ jobs.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, note jobs.Notification) error {
	n.log.Info("job outcome",
		"job_id", note.JobID,
		"user_id", note.UserID,
		"chat_id", note.ChatID,
		"status", note.Status,
		"video_url", note.VideoURL,
		"error", note.ErrorMessage,
	)
	return nil
}
