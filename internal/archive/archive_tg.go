package archive

import (
	"context"
	"fmt"
	"github.com/kittenbark/tg"
	"log/slog"
	"slices"
	"strings"
)

const (
	textWelcome       = "👋 Welcome! Send me any file to store safely."
	textExpiredLink   = "❌ Link expired or invalid."
	textRetrieveError = "❌ Something went wrong, please try again later."
)

func (arch *Archive) StartBot() {
	arch.tg.
		OnError(tg.OnErrorLog).
		Scheduler().
		Command("/start", arch.tgHandlerStart).
		Filter(arch.onAdmin).
		Command("/settime", tg.Synced(arch.tgHandlerSetTime)).
		Command("/setalert", tg.Synced(arch.tgHandlerSetAlert)).
		Command("/setthumb", tg.Synced(arch.tgHandlerSetThumb)).
		Command("/delthumb", tg.Synced(arch.tgHandlerDelThumb)).
		Command("/thumb", tg.Synced(arch.tgHandlerThumb)).
		Command("/batch", tg.Synced(arch.tgHandlerBatch)).
		Command("/done", tg.Synced(arch.tgHandlerDone)).
		Command("/cancel", tg.Synced(arch.tgHandlerCancel)).
		Command("/status", tg.Synced(arch.tgHandlerStatus)).
		Branch(arch.onFile, tg.Synced(arch.tgHandlerFile)).
		Start()
}

func (arch *Archive) tgHandlerStart(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message
	args := strings.Fields(msg.Text)
	if len(args) < 2 {
		return arch.reply(ctx, msg, textWelcome)
	}

	res, err := arch.Retrieve(ctx, msg.Chat.Id, args[1])
	switch {
	case IsExpiredLink(err):
		slog.Debug("archive#expired_link", "chat", msg.Chat.Id, "payload", args[1], "err", err)
		return arch.reply(ctx, msg, textExpiredLink)
	case err != nil:
		slog.Error("archive#retrieve", "chat", msg.Chat.Id, "payload", args[1], "err", err)
		return arch.reply(ctx, msg, textRetrieveError)
	}

	if len(res.Failures) == 0 {
		return nil
	}
	text := "❌ File not found (maybe deleted from the archive)."
	if len(res.Failures) > 1 || len(res.Entry.MessageIds) > 1 {
		text = fmt.Sprintf("❌ %d of %d files could not be delivered (maybe deleted from the archive).",
			len(res.Failures), len(res.Entry.MessageIds))
	}
	return arch.reply(ctx, msg, text)
}

func (arch *Archive) tgHandlerFile(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message

	stored, err := arch.StoreFile(ctx, msg.From.Id, msg.Chat.Id, msg.MessageId)
	if err != nil {
		_ = arch.reply(ctx, msg, fmt.Sprintf("❌ Error: %s", err.Error()))
		return err
	}
	if stored.Entry == nil {
		return arch.reply(ctx, msg, fmt.Sprintf("📥 Added to batch (%d file(s)). Send /done to get the link, /done name to sort by filename.", stored.BatchSize))
	}

	settings, err := arch.Settings(ctx)
	if err != nil {
		return err
	}
	return arch.reply(ctx, msg, fmt.Sprintf(
		"✅ File Stored Permanently!\n\n"+
			"🔗 Link: %s\n\n"+
			"ℹ️ Info: users get the file for %d minute(s), the link keeps working.",
		stored.Link,
		settings.DeleteDelaySeconds/60,
	))
}

func (arch *Archive) reply(ctx context.Context, msg *tg.Message, text string) error {
	_, err := tg.SendMessage(
		ctx,
		msg.Chat.Id,
		text,
		&tg.OptSendMessage{ReplyParameters: &tg.ReplyParameters{MessageId: msg.MessageId}},
	)
	return err
}

func (arch *Archive) onAdmin(ctx context.Context, upd *tg.Update) bool {
	return tg.OnMessage(ctx, upd) && upd.Message.From != nil && slices.Contains(arch.cfg.Admins, upd.Message.From.Id)
}

func (arch *Archive) onFile(ctx context.Context, upd *tg.Update) bool {
	return tg.OnMessage(ctx, upd) && Describe(upd.Message).Kind != MediaUnknown
}

// Describe extracts the media kind, filename and caption of a message.
func Describe(msg *tg.Message) *ForwardedMessage {
	res := &ForwardedMessage{MessageId: msg.MessageId, Caption: msg.Caption}
	switch {
	case msg.Document != nil:
		res.Kind, res.Filename = MediaDocument, msg.Document.FileName
	case msg.Video != nil:
		res.Kind, res.Filename = MediaVideo, msg.Video.FileName
	case msg.Audio != nil:
		res.Kind, res.Filename = MediaAudio, msg.Audio.FileName
	case len(msg.Photo) > 0:
		res.Kind = MediaPhoto
	}
	return res
}
