package bot

import "context"

// Markup is the reply keyboard attached to a message. The zero value keeps
// whatever keyboard the user currently sees.
type Markup struct {
	Rows   [][]string
	Remove bool
}

// Messenger is the chat transport seen by the bot.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string, markup Markup) error
	SendPhoto(ctx context.Context, chatID int64, path string, caption string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// Update is one inbound user message.
type Update struct {
	UserID      int64
	ChatID      int64
	Username    string
	FirstName   string
	Text        string
	PhotoFileID string
}
