// Package telegram adapts the delivery engine's transport interfaces to
// the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

type Config struct {
	Token string
	// ParseMode applies to outgoing text ("" | "HTML" | "Markdown").
	ParseMode string
}

// Adapter is a send-only Telegram client: it delivers posts and user
// notifications but never polls for updates.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Send delivers one post to its destination. Errors carry the retry
// classification the queue expects.
func (a *Adapter) Send(ctx context.Context, post transport.Post) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}

	chat := &tele.Chat{ID: post.Dest.ChatID}
	opts := &tele.SendOptions{ParseMode: a.cfg.ParseMode}

	msg, err := a.bot.Send(chat, sendable(post), opts)
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	return transport.MessageRef{ChatID: post.Dest.ChatID, MessageID: msg.ID}, nil
}

// sendable maps a post onto whatever telebot wants as its payload. Media
// posts carry the text as the caption.
func sendable(post transport.Post) interface{} {
	m := post.Media
	if m == nil {
		return post.Text
	}
	caption := m.Caption
	if caption == "" {
		caption = post.Text
	}
	file := tele.File{FileID: m.FileID}

	switch m.Kind {
	case transport.MediaPhoto:
		return &tele.Photo{File: file, Caption: caption}
	case transport.MediaVideo:
		return &tele.Video{File: file, Caption: caption}
	case transport.MediaAnimation:
		return &tele.Animation{File: file, Caption: caption}
	case transport.MediaAudio:
		return &tele.Audio{File: file, Caption: caption}
	case transport.MediaVoice:
		return &tele.Voice{File: file, Caption: caption}
	case transport.MediaSticker:
		return &tele.Sticker{File: file}
	default:
		return &tele.Document{File: file, Caption: caption}
	}
}

// classify translates telebot errors into the queue's retry taxonomy.
// Anything unrecognized stays a plain transient error.
func classify(err error) error {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return transport.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}

	switch {
	case errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrUnauthorized):
		return transport.Permanent(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "bot was blocked"),
		strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "bot was kicked"):
		return transport.Permanent(err)
	}
	return err
}
