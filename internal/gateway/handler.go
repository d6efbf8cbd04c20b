package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/mimicbot/internal/bus"
	"github.com/stellarlinkco/mimicbot/internal/generator"
)

const (
	topWordsLimit = 10

	greetingText = "Hi! 👋 I learn from your messages and reply now and then. Send /help to see what I can do."
	startText    = "Hi! 👋\nI am a bot that learns to talk by reading your messages.\nSend /help to see how to work with me."
	apologyText  = "😔 Something went wrong, please try again later."
)

func helpText(minMessages int) string {
	return "🤖 Bot commands:\n\n" +
		"Basics:\n" +
		"└─ /start - say hello\n" +
		"└─ /help - show this message\n\n" +
		"Learning:\n" +
		"└─ /stats - learning statistics\n" +
		"└─ /gen [words] - generate a message\n" +
		"└─ /clear - forget this chat\n" +
		"└─ /rebuild - rebuild the model\n\n" +
		"Fun:\n" +
		"└─ /sticker - random sticker\n" +
		"└─ /top - most used words\n" +
		"└─ /mood - chat mood\n\n" +
		fmt.Sprintf("❗️ I learn from your messages. The first model is built after %d messages.", minMessages)
}

func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	switch {
	case msg.JoinedChat:
		log.Printf("[gateway] added to %s", msg.SessionKey())
		g.reply(ctx, msg, greetingText, false)
	case msg.StickerID != "":
		g.rememberSticker(ctx, msg)
	case msg.Command != "":
		log.Printf("[gateway] /%s in %s from %s", msg.Command, msg.SessionKey(), msg.SenderID)
		g.handleCommand(ctx, msg)
	case msg.Text != "":
		g.handleText(ctx, msg)
	}
}

// handleText learns a plain message and sometimes answers it with a
// reaction, a generated reply or a sticker.
func (g *Gateway) handleText(ctx context.Context, msg bus.InboundMessage) {
	gen := g.svc.Generator
	log.Printf("[gateway] inbound from %s in %s: %s", msg.SenderID, msg.SessionKey(), truncate(msg.Text, 80))

	if msg.MessageID != 0 && g.chance(g.cfg.Gateway.ReactionChance) {
		g.send(ctx, bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Kind:    bus.KindReaction,
			Emoji:   g.reactions[g.pick(len(g.reactions))],
			ReplyTo: msg.MessageID,
		})
	}

	added, valid := gen.AddMessage(ctx, msg.ChatID, msg.Text)
	if !valid {
		return
	}
	if !added {
		g.reply(ctx, msg, apologyText, true)
		return
	}

	if g.takeTurn(msg.ChatID) {
		if text, ok := gen.Generate(ctx, msg.ChatID, msg.Text); ok {
			g.reply(ctx, msg, text, true)
		}
	}

	if g.chance(g.cfg.Gateway.StickerChance) {
		g.sendRandomSticker(ctx, msg, false)
	}
}

func (g *Gateway) rememberSticker(ctx context.Context, msg bus.InboundMessage) {
	isNew, err := g.svc.Messages.AddSticker(ctx, msg.ChatID, msg.StickerID)
	if err != nil {
		log.Printf("[gateway] chat %d: save sticker: %v", msg.ChatID, err)
		return
	}
	if isNew {
		log.Printf("[gateway] chat %d: new sticker saved", msg.ChatID)
	}
}

// sendRandomSticker sends one of the chat's stickers. When none are known
// it tells the user only if explain is set.
func (g *Gateway) sendRandomSticker(ctx context.Context, msg bus.InboundMessage, explain bool) {
	stickers, err := g.svc.Messages.Stickers(ctx, msg.ChatID)
	if err != nil {
		log.Printf("[gateway] chat %d: list stickers: %v", msg.ChatID, err)
		if explain {
			g.reply(ctx, msg, "❌ Could not send a sticker", true)
		}
		return
	}
	if len(stickers) == 0 {
		if explain {
			g.reply(ctx, msg, "❌ No stickers have been saved in this chat yet!", true)
		}
		return
	}
	g.send(ctx, bus.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Kind:      bus.KindSticker,
		StickerID: stickers[g.pick(len(stickers))],
	})
}

func (g *Gateway) handleCommand(ctx context.Context, msg bus.InboundMessage) {
	gen := g.svc.Generator
	switch strings.ToLower(msg.Command) {
	case "start":
		g.reply(ctx, msg, startText, false)
	case "help":
		g.reply(ctx, msg, helpText(gen.Options().MinMessages), false)
	case "stats":
		g.reply(ctx, msg, gen.Stats(ctx, msg.ChatID).Format(), false)
	case "gen":
		g.generateCommand(ctx, msg)
	case "clear":
		if err := gen.Clear(ctx, msg.ChatID); err != nil {
			log.Printf("[gateway] chat %d: clear: %v", msg.ChatID, err)
			g.reply(ctx, msg, "❌ Could not clear the chat memory.", true)
			return
		}
		g.turnsMu.Lock()
		delete(g.turns, msg.ChatID)
		g.turnsMu.Unlock()
		g.reply(ctx, msg, "🧹 Chat memory cleared!\nLearning starts over.", false)
	case "rebuild":
		g.rebuildCommand(ctx, msg)
	case "sticker":
		g.sendRandomSticker(ctx, msg, true)
	case "top":
		messages, ok := g.history(ctx, msg)
		if !ok {
			return
		}
		g.reply(ctx, msg, formatTopWords(TopWords(messages, topWordsLimit)), false)
	case "mood":
		messages, ok := g.history(ctx, msg)
		if !ok {
			return
		}
		g.reply(ctx, msg, Mood(messages).Format(), false)
	}
}

func (g *Gateway) generateCommand(ctx context.Context, msg bus.InboundMessage) {
	gen := g.svc.Generator
	if text, ok := gen.Generate(ctx, msg.ChatID, msg.CommandArgs); ok {
		g.reply(ctx, msg, text, false)
		return
	}
	if gen.State(ctx, msg.ChatID) == generator.NoModel {
		r := gen.Stats(ctx, msg.ChatID)
		g.reply(ctx, msg, fmt.Sprintf("🤔 I am still learning. %d more messages until my first model.", r.Remaining), false)
		return
	}
	g.reply(ctx, msg, "🤐 Nothing to say right now, try again.", false)
}

func (g *Gateway) rebuildCommand(ctx context.Context, msg bus.InboundMessage) {
	gen := g.svc.Generator
	r := gen.Stats(ctx, msg.ChatID)
	if r.TotalMessages == 0 {
		g.reply(ctx, msg, "❌ No messages to build a model from!\nWrite a few messages so I can learn.", false)
		return
	}
	if r.ValidMessages < r.MinMessages {
		g.reply(ctx, msg, notEnoughText(r.MinMessages, r.ValidMessages), false)
		return
	}

	g.reply(ctx, msg, "🔄 Rebuilding the model...", false)
	err := gen.Rebuild(ctx, msg.ChatID)
	switch {
	case err == nil:
		g.reply(ctx, msg, "✅ Model rebuilt!", false)
	case errors.Is(err, generator.ErrInsufficientData):
		g.reply(ctx, msg, notEnoughText(r.MinMessages, r.ValidMessages), false)
	case errors.Is(err, generator.ErrGenerationExhausted):
		g.reply(ctx, msg, "❌ The messages are too repetitive to build a model from yet.", false)
	default:
		log.Printf("[gateway] chat %d: rebuild: %v", msg.ChatID, err)
		g.reply(ctx, msg, "❌ Could not rebuild the model.", false)
	}
}

func notEnoughText(need, have int) string {
	return fmt.Sprintf("❌ Not enough messages to build a model!\nI need at least %d, this chat has %d.", need, have)
}

// history returns the chat's stored messages, answering the user itself
// when there are none.
func (g *Gateway) history(ctx context.Context, msg bus.InboundMessage) ([]string, bool) {
	messages, err := g.svc.Messages.List(ctx, msg.ChatID, 0)
	if err != nil {
		log.Printf("[gateway] chat %d: list messages: %v", msg.ChatID, err)
		g.reply(ctx, msg, apologyText, true)
		return nil, false
	}
	if len(messages) == 0 {
		g.reply(ctx, msg, "❌ The message history is empty", false)
		return nil, false
	}
	return messages, true
}

// reply sends text to the chat msg came from, threaded under msg when
// threaded is set.
func (g *Gateway) reply(ctx context.Context, msg bus.InboundMessage, text string, threaded bool) {
	out := bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Kind:    bus.KindText,
		Text:    text,
	}
	if threaded {
		out.ReplyTo = msg.MessageID
	}
	g.send(ctx, out)
}
