package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	tele "gopkg.in/telebot.v4"

	"chanpost/internal/transport"
	logx "chanpost/pkg/logx"
)

// BatchCompleted sends the batch summary to the user who scheduled it.
func (a *Adapter) BatchCompleted(ctx context.Context, note transport.CompletionNote) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	text := completionText(note)
	chat := &tele.Chat{ID: note.UserID}
	_, err := a.bot.Send(chat, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		a.log.Warn("completion notification failed",
			logx.Int64("user_id", note.UserID),
			logx.Err(err))
	}
	return err
}

// NewQueue tells the user their first post opened a fresh queue for the
// destination.
func (a *Adapter) NewQueue(ctx context.Context, userID int64, dest transport.Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := fmt.Sprintf("Started a new posting queue for channel <code>%d</code>.", dest.ChatID)
	_, err := a.bot.Send(&tele.Chat{ID: userID}, text, &tele.SendOptions{ParseMode: tele.ModeHTML})
	return err
}

func completionText(note transport.CompletionNote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Queue finished for channel <code>%d</code>: %d sent", note.Dest.ChatID, note.SentCount)
	if note.DuplicateCount > 0 {
		fmt.Fprintf(&b, ", %d skipped as duplicates", note.DuplicateCount)
	}
	if note.FailedCount > 0 {
		fmt.Fprintf(&b, ", %d failed", note.FailedCount)
	}
	b.WriteString(".")

	if !note.FirstRef.IsZero() {
		if link := messageLink(note.FirstRef); link != "" {
			fmt.Fprintf(&b, " <a href=\"%s\">View the first post.</a>", link)
		}
	}
	if !note.NextBatchStart.IsZero() {
		fmt.Fprintf(&b, "\nNext scheduled queue starts %s.", humanize.Time(note.NextBatchStart))
	}
	return b.String()
}

// messageLink builds a t.me deep link for a message in a private channel
// or supergroup. Such chats have ids of the form -100XXXXXXXXXX; other
// chats have no stable link form, so an empty string comes back.
func messageLink(ref transport.MessageRef) string {
	const marker = int64(-1000000000000)
	if ref.ChatID > marker || ref.MessageID <= 0 {
		return ""
	}
	internal := -ref.ChatID + marker
	return fmt.Sprintf("https://t.me/c/%d/%d", internal, ref.MessageID)
}
