package archive

import "context"

type MediaKind string

const (
	MediaUnknown  MediaKind = ""
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaPhoto    MediaKind = "photo"
)

type CopyOptions struct {
	// Caption replaces the original caption when set.
	Caption string
	Silent  bool
}

// ForwardedMessage is the archive copy of an operator message along with the metadata
// used for name-sorted batches.
type ForwardedMessage struct {
	MessageId int64
	Kind      MediaKind
	Filename  string
	Caption   string
}

// Transport is the subset of the messaging API the file store needs.
type Transport interface {
	CopyMessage(ctx context.Context, chatId int64, fromChatId int64, messageId int64, opts CopyOptions) (int64, error)
	ForwardMessage(ctx context.Context, chatId int64, fromChatId int64, messageId int64) (*ForwardedMessage, error)
	DeleteMessage(ctx context.Context, chatId int64, messageId int64) error
	SendText(ctx context.Context, chatId int64, text string) (int64, error)
	SendFile(ctx context.Context, chatId int64, filename string) error
}
