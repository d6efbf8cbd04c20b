package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/mimicbot/internal/bus"
	"github.com/stellarlinkco/mimicbot/internal/config"
)

const (
	telegramChannelName = "telegram"
	pollTimeout         = 30
	// Telegram rejects longer texts in a single sendMessage call.
	maxMessageLen = 4096
)

// TelegramBot is the subset of tgbotapi.BotAPI the channel uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return w.bot.MakeRequest(endpoint, params)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances so tests can swap in a fake.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token       string
	proxy       string
	httpTimeout time.Duration
	botFactory  BotFactory

	mu     sync.Mutex
	bot    TelegramBot
	self   tgbotapi.User
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel that obtains its
// bot from factory.
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if factory == nil {
		factory = defaultBotFactory
	}
	timeout := time.Duration(cfg.HTTPTimeout) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultHTTPTimeout) * time.Second
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		httpTimeout: timeout,
		botFactory:  factory,
	}, nil
}

func (t *TelegramChannel) httpClient() (*http.Client, error) {
	client := &http.Client{Timeout: t.httpTimeout}
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return client, nil
}

func (t *TelegramChannel) initBot() error {
	client, err := t.httpClient()
	if err != nil {
		return err
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.SetBot(bot)
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	bot := t.bot
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message", "my_chat_member"}
	updates := bot.GetUpdatesChan(u)

	go func() {
		defer close(done)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(ctx, update)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	var (
		msg bus.InboundMessage
		ok  bool
	)
	switch {
	case update.Message != nil:
		msg, ok = t.convertMessage(update.Message)
	case update.MyChatMember != nil:
		msg, ok = t.convertMembership(update.MyChatMember)
	}
	if !ok {
		return
	}

	select {
	case t.bus.Inbound <- msg:
	case <-ctx.Done():
	}
}

// convertMessage turns a Telegram message into an inbound event. Messages
// from bots, blocked senders and unsupported media are dropped.
func (t *TelegramChannel) convertMessage(m *tgbotapi.Message) (bus.InboundMessage, bool) {
	if m.From == nil || m.Chat == nil || m.From.IsBot {
		return bus.InboundMessage{}, false
	}
	senderID := strconv.FormatInt(m.From.ID, 10)
	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, m.From.UserName)
		return bus.InboundMessage{}, false
	}

	in := bus.InboundMessage{
		Channel:   telegramChannelName,
		ChatID:    m.Chat.ID,
		MessageID: m.MessageID,
		SenderID:  senderID,
		Username:  m.From.UserName,
		Timestamp: time.Unix(int64(m.Date), 0),
	}

	switch {
	case t.addedToChat(m.NewChatMembers):
		in.JoinedChat = true
	case m.Sticker != nil:
		in.StickerID = m.Sticker.FileID
	case m.IsCommand():
		in.Command = m.Command()
		in.CommandArgs = m.CommandArguments()
	case m.Text != "":
		in.Text = m.Text
	default:
		return bus.InboundMessage{}, false
	}
	return in, true
}

func (t *TelegramChannel) addedToChat(members []tgbotapi.User) bool {
	self := t.Self()
	for _, u := range members {
		if u.ID == self.ID {
			return true
		}
	}
	return false
}

// convertMembership reports the bot being added to a chat. Other status
// changes are ignored.
func (t *TelegramChannel) convertMembership(m *tgbotapi.ChatMemberUpdated) (bus.InboundMessage, bool) {
	if m.NewChatMember.User == nil || m.NewChatMember.User.ID != t.Self().ID {
		return bus.InboundMessage{}, false
	}
	if !isPresent(m.NewChatMember.Status) || isPresent(m.OldChatMember.Status) {
		return bus.InboundMessage{}, false
	}
	return bus.InboundMessage{
		Channel:    telegramChannelName,
		ChatID:     m.Chat.ID,
		SenderID:   strconv.FormatInt(m.From.ID, 10),
		Username:   m.From.UserName,
		JoinedChat: true,
		Timestamp:  time.Unix(int64(m.Date), 0),
	}, true
}

func isPresent(status string) bool {
	switch status {
	case "member", "administrator", "creator", "restricted":
		return true
	}
	return false
}

func (t *TelegramChannel) Stop() error {
	t.mu.Lock()
	cancel := t.cancel
	bot := t.bot
	done := t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if bot != nil {
		bot.StopReceivingUpdates()
	}
	if done != nil {
		<-done
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot installs bot without going through the factory.
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bot = bot
	if bot != nil {
		t.self = bot.GetSelf()
	}
}

// Self returns the bot's own account, zero before the bot is set.
func (t *TelegramChannel) Self() tgbotapi.User {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	switch msg.Kind {
	case bus.KindText, "":
		return t.sendText(bot, msg)
	case bus.KindSticker:
		if msg.StickerID == "" {
			return fmt.Errorf("sticker message without file id")
		}
		sticker := tgbotapi.NewSticker(msg.ChatID, tgbotapi.FileID(msg.StickerID))
		sticker.ReplyToMessageID = msg.ReplyTo
		if _, err := bot.Send(sticker); err != nil {
			return fmt.Errorf("send telegram sticker: %w", err)
		}
		return nil
	case bus.KindReaction:
		return t.setReaction(bot, msg)
	default:
		return fmt.Errorf("unsupported outbound kind %q", msg.Kind)
	}
}

func (t *TelegramChannel) sendText(bot TelegramBot, msg bus.OutboundMessage) error {
	if msg.Text == "" {
		return fmt.Errorf("empty telegram message")
	}
	text := []rune(msg.Text)
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	tgMsg := tgbotapi.NewMessage(msg.ChatID, string(text))
	tgMsg.ReplyToMessageID = msg.ReplyTo
	if _, err := bot.Send(tgMsg); err != nil {
		if msg.ReplyTo == 0 {
			return fmt.Errorf("send telegram message: %w", err)
		}
		// The message being answered may have been deleted meanwhile.
		tgMsg.ReplyToMessageID = 0
		if _, err2 := bot.Send(tgMsg); err2 != nil {
			return fmt.Errorf("send telegram message: %w", err2)
		}
	}
	return nil
}

type reactionType struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

// setReaction calls setMessageReaction, which the bot library predates.
func (t *TelegramChannel) setReaction(bot TelegramBot, msg bus.OutboundMessage) error {
	if msg.Emoji == "" || msg.ReplyTo == 0 {
		return fmt.Errorf("reaction needs an emoji and a target message")
	}
	reaction, err := json.Marshal([]reactionType{{Type: "emoji", Emoji: msg.Emoji}})
	if err != nil {
		return fmt.Errorf("marshal reaction: %w", err)
	}

	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", msg.ChatID)
	params.AddNonZero("message_id", msg.ReplyTo)
	params["reaction"] = string(reaction)

	resp, err := bot.MakeRequest("setMessageReaction", params)
	if err != nil {
		return fmt.Errorf("set telegram reaction: %w", err)
	}
	if resp != nil && !resp.Ok {
		return fmt.Errorf("set telegram reaction: %s", resp.Description)
	}
	return nil
}
