package bus

import (
	"strconv"
	"time"
)

type InboundMessage struct {
	Channel   string
	ChatID    int64
	MessageID int
	SenderID  string
	Username  string
	Text      string
	StickerID string
	// Command is set for "/name args" messages, without the slash or
	// a trailing @botname.
	Command     string
	CommandArgs string
	// JoinedChat marks the event emitted when the bot is added to a chat.
	JoinedChat bool
	Timestamp  time.Time
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + strconv.FormatInt(m.ChatID, 10)
}

type OutboundKind string

const (
	KindText     OutboundKind = "text"
	KindSticker  OutboundKind = "sticker"
	KindReaction OutboundKind = "reaction"
)

type OutboundMessage struct {
	Channel   string
	ChatID    int64
	Kind      OutboundKind
	Text      string
	StickerID string
	Emoji     string
	// ReplyTo is the message being answered or reacted to; 0 means none.
	ReplyTo int
}
