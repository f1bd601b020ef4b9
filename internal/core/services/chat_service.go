package services

import (
	"context"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/internal/protocol"
	"meshroom/pkg/utils"
	"meshroom/pkg/validation"

	"go.uber.org/zap"
)

const (
	defaultHistoryPage = 100
	maxMessageRunes    = 2000
)

// Chat persists room messages behind a ChatRepository and serves history
// pages. The signaling core treats chat kinds as pass-through; fan-out to
// room members is done by the websocket server.
type Chat struct {
	repo   ports.ChatRepository
	page   int
	logger *zap.SugaredLogger
}

// NewChat builds the chat service. pageSize caps and defaults history
// requests; values <= 0 fall back to defaultHistoryPage.
func NewChat(repo ports.ChatRepository, pageSize int, logger *zap.SugaredLogger) *Chat {
	if pageSize <= 0 {
		pageSize = defaultHistoryPage
	}
	return &Chat{repo: repo, page: pageSize, logger: logger}
}

var _ ports.ChatService = (*Chat)(nil)

func (c *Chat) Post(ctx context.Context, room domain.RoomID, msg protocol.ChatMessage) error {
	msg.Text = utils.TruncateString(utils.SanitizeString(msg.Text), maxMessageRunes)
	if err := validation.ValidateChatText(msg.Text); err != nil {
		return err
	}
	if err := c.repo.Append(ctx, room, msg); err != nil {
		c.logger.Warnw("append chat message", "room", room, "error", err)
		return err
	}
	return nil
}

func (c *Chat) History(ctx context.Context, room domain.RoomID, skip, take int) ([]protocol.ChatMessage, error) {
	if take <= 0 || take > c.page {
		take = c.page
	}
	return c.repo.History(ctx, room, skip, take)
}
