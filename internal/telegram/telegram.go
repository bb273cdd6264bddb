// Package telegram implements the file store transport on top of the bot API client.
package telegram

import (
	"context"
	"fmt"
	"github.com/kittenbark/tg"
	"github.com/kittenbark/tg-filestore/internal/archive"
)

type Transport struct {
	bot *tg.Bot
}

func New(bot *tg.Bot) *Transport {
	return &Transport{bot: bot}
}

// requestContext starts from the bot context, handler and scheduler contexts do not both
// carry the bot. The request is cancelled together with ctx.
func (t *Transport) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return linkContext(t.bot.Context(), ctx)
}

func linkContext(base context.Context, ctx context.Context) (context.Context, context.CancelFunc) {
	linked, cancel := context.WithCancel(base)
	stop := context.AfterFunc(ctx, cancel)
	return linked, func() {
		stop()
		cancel()
	}
}

func (t *Transport) CopyMessage(ctx context.Context, chatId int64, fromChatId int64, messageId int64, opts archive.CopyOptions) (int64, error) {
	ctx, cancel := t.requestContext(ctx)
	defer cancel()
	res, err := tg.CopyMessage(ctx, chatId, fromChatId, messageId, &tg.OptCopyMessage{
		Caption:             opts.Caption,
		DisableNotification: opts.Silent,
	})
	if err != nil {
		return 0, fmt.Errorf("tg: copy message, %w (%d -> %d, %d)", err, fromChatId, chatId, messageId)
	}
	return res.MessageId, nil
}

func (t *Transport) ForwardMessage(ctx context.Context, chatId int64, fromChatId int64, messageId int64) (*archive.ForwardedMessage, error) {
	ctx, cancel := t.requestContext(ctx)
	defer cancel()
	msg, err := tg.ForwardMessage(ctx, chatId, fromChatId, messageId)
	if err != nil {
		return nil, fmt.Errorf("tg: forward message, %w (%d -> %d, %d)", err, fromChatId, chatId, messageId)
	}
	return archive.Describe(msg), nil
}

func (t *Transport) DeleteMessage(ctx context.Context, chatId int64, messageId int64) error {
	ctx, cancel := t.requestContext(ctx)
	defer cancel()
	ok, err := tg.DeleteMessage(ctx, chatId, messageId)
	if err != nil {
		return fmt.Errorf("tg: delete message, %w (%d, %d)", err, chatId, messageId)
	}
	if !ok {
		return fmt.Errorf("tg: delete message, not deleted (%d, %d)", chatId, messageId)
	}
	return nil
}

func (t *Transport) SendText(ctx context.Context, chatId int64, text string) (int64, error) {
	ctx, cancel := t.requestContext(ctx)
	defer cancel()
	msg, err := tg.SendMessage(ctx, chatId, text)
	if err != nil {
		return 0, fmt.Errorf("tg: send message, %w (%d)", err, chatId)
	}
	return msg.MessageId, nil
}

func (t *Transport) SendFile(ctx context.Context, chatId int64, filename string) error {
	ctx, cancel := t.requestContext(ctx)
	defer cancel()
	if _, err := tg.SendDocument(ctx, chatId, tg.FromDisk(filename)); err != nil {
		return fmt.Errorf("tg: send document, %w (%d, %s)", err, chatId, filename)
	}
	return nil
}
