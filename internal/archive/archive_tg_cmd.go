package archive

import (
	"context"
	"errors"
	"fmt"
	"github.com/dustin/go-humanize"
	"github.com/kittenbark/tg"
	"os"
	"strconv"
	"strings"
	"time"
)

func (arch *Archive) tgHandlerSetTime(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message

	args := strings.Fields(msg.Text)
	if len(args) != 2 {
		return arch.reply(ctx, msg, "❌ Usage: /settime 10 (for 10 minutes)")
	}
	minutes, err := strconv.Atoi(args[1])
	if err != nil || minutes <= 0 {
		return arch.reply(ctx, msg, "❌ Usage: /settime 10 (for 10 minutes)")
	}

	if _, err := arch.SetDeleteDelay(ctx, minutes); err != nil {
		_ = arch.reply(ctx, msg, fmt.Sprintf("❌ Error: %s", err.Error()))
		return err
	}
	return arch.reply(ctx, msg, fmt.Sprintf("✅ User auto-delete time set to %d minute(s).", minutes))
}

func (arch *Archive) tgHandlerSetAlert(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message

	template := commandArgument(msg.Text)
	if template == "" {
		return arch.reply(ctx, msg, "❌ Usage: /setalert These files vanish in {time} minute(s)!")
	}
	settings, err := arch.SetAlertTemplate(ctx, template)
	if err != nil {
		_ = arch.reply(ctx, msg, fmt.Sprintf("❌ Error: %s", err.Error()))
		return err
	}

	text := "✅ Alert updated, preview:\n\n" + RenderAlert(settings.AlertTemplate, settings.DeleteDelaySeconds)
	if !strings.Contains(template, "{time}") {
		text += "\n\n⚠️ The template has no {time} placeholder, the retention will not be shown."
	}
	return arch.reply(ctx, msg, text)
}

func (arch *Archive) tgHandlerSetThumb(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message

	rawURL := commandArgument(msg.Text)
	if rawURL == "" {
		return arch.reply(ctx, msg, "❌ Usage: /setthumb https://example.com/thumbnail.jpg")
	}
	settings, err := arch.SetThumbnail(ctx, rawURL)
	if err != nil {
		_ = arch.reply(ctx, msg, fmt.Sprintf("❌ Error: %s", err.Error()))
		return err
	}
	return arch.reply(ctx, msg, fmt.Sprintf("✅ Custom thumbnail saved (%s).", fileSize(settings.ThumbnailRef)))
}

func (arch *Archive) tgHandlerDelThumb(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message

	if _, err := arch.ClearThumbnail(ctx); err != nil {
		if errors.Is(err, ErrNoThumbnail) {
			return arch.reply(ctx, msg, "ℹ️ No custom thumbnail is set.")
		}
		_ = arch.reply(ctx, msg, fmt.Sprintf("❌ Error: %s", err.Error()))
		return err
	}
	return arch.reply(ctx, msg, "✅ Custom thumbnail removed.")
}

func (arch *Archive) tgHandlerThumb(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message

	settings, err := arch.Settings(ctx)
	if err != nil {
		return err
	}
	if settings.ThumbnailRef == "" {
		return arch.reply(ctx, msg, "ℹ️ No custom thumbnail is set.")
	}
	return arch.transport.SendFile(ctx, msg.Chat.Id, settings.ThumbnailRef)
}

func (arch *Archive) tgHandlerBatch(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message

	arch.StartBatch(msg.From.Id)
	return arch.reply(ctx, msg, "📦 Batch started. Send the files, then /done (or /done name to sort by filename). /cancel drops the batch.")
}

func (arch *Archive) tgHandlerDone(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message

	byName := strings.EqualFold(commandArgument(msg.Text), "name")
	stored, err := arch.CloseBatch(ctx, msg.From.Id, byName)
	switch {
	case errors.Is(err, ErrNoBatch):
		return arch.reply(ctx, msg, "ℹ️ No batch is open, send /batch first.")
	case errors.Is(err, ErrEmptyBatch):
		return arch.reply(ctx, msg, "ℹ️ The batch was empty, nothing stored.")
	case err != nil:
		_ = arch.reply(ctx, msg, fmt.Sprintf("❌ Error: %s", err.Error()))
		return err
	}

	settings, err := arch.Settings(ctx)
	if err != nil {
		return err
	}
	return arch.reply(ctx, msg, fmt.Sprintf(
		"✅ Batch of %d file(s) stored permanently!\n\n"+
			"🔗 Link: %s\n\n"+
			"ℹ️ Info: users get the files for %d minute(s), the link keeps working.",
		stored.BatchSize,
		stored.Link,
		settings.DeleteDelaySeconds/60,
	))
}

func (arch *Archive) tgHandlerCancel(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message

	dropped, ok := arch.CancelBatch(msg.From.Id)
	if !ok {
		return arch.reply(ctx, msg, "ℹ️ No batch is open.")
	}
	return arch.reply(ctx, msg, fmt.Sprintf("🗑 Batch cancelled, %d file(s) stay in the channel without a link.", dropped))
}

func (arch *Archive) tgHandlerStatus(ctx context.Context, upd *tg.Update) error {
	msg := upd.Message

	text, err := arch.Status(ctx, msg.From.Id)
	if err != nil {
		return err
	}
	return arch.reply(ctx, msg, text)
}

// Status renders the operator overview: retention, notice template, thumbnail and the
// number of delivered messages waiting for deletion.
func (arch *Archive) Status(ctx context.Context, operatorId int64) (string, error) {
	settings, err := arch.Settings(ctx)
	if err != nil {
		return "", err
	}
	pending, err := arch.store.Pending(ctx)
	if err != nil {
		return "", fmt.Errorf("archive: status, %w", err)
	}

	thumbnail := "none"
	if settings.ThumbnailRef != "" {
		thumbnail = fileSize(settings.ThumbnailRef)
	}
	batch := "closed"
	if arch.batches.Active(operatorId) {
		batch = "open"
	}
	return fmt.Sprintf(
		">> Auto-delete: %s\n"+
			"Alert: %s\n"+
			"Thumbnail: %s\n"+
			"Pending deletions: %s\n"+
			"Batch: %s\n"+
			"Store: %s",
		time.Duration(settings.DeleteDelaySeconds)*time.Second,
		RenderAlert(settings.AlertTemplate, settings.DeleteDelaySeconds),
		thumbnail,
		humanize.Comma(int64(pending)),
		batch,
		arch.cfg.Store.Driver,
	), nil
}

func commandArgument(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func fileSize(filename string) string {
	info, err := os.Stat(filename)
	if err != nil {
		return err.Error()
	}
	return humanize.Bytes(uint64(info.Size()))
}
