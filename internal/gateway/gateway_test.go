package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/mimicbot/internal/bus"
	"github.com/stellarlinkco/mimicbot/internal/channel"
	"github.com/stellarlinkco/mimicbot/internal/config"
	"github.com/stellarlinkco/mimicbot/internal/cron"
	"github.com/stellarlinkco/mimicbot/internal/generator"
)

const testChat = int64(-1001)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg := config.DefaultConfig()
	cfg.Gateway.ReactionChance = 0
	cfg.Gateway.StickerChance = 0
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	g, err := NewWithOptions(cfg, Options{Rand: rand.New(rand.NewPCG(1, 2))})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	t.Cleanup(func() { g.svc.Close() })
	return g
}

func text(id int, s string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", ChatID: testChat, MessageID: id, SenderID: "42", Text: s}
}

func cmd(name, args string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", ChatID: testChat, MessageID: 1, SenderID: "42", Command: name, CommandArgs: args}
}

// drain returns every outbound message queued so far.
func drain(g *Gateway) []bus.OutboundMessage {
	var out []bus.OutboundMessage
	for {
		select {
		case msg := <-g.bus.Outbound:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func onlyText(t *testing.T, g *Gateway) string {
	t.Helper()
	out := drain(g)
	if len(out) != 1 || out[0].Kind != bus.KindText {
		t.Fatalf("outbound = %+v, want one text", out)
	}
	return out[0].Text
}

func feed(t *testing.T, g *Gateway, from, to int) {
	t.Helper()
	ctx := context.Background()
	for i := from; i < to; i++ {
		g.handle(ctx, text(i+1, fmt.Sprintf("message number %d about cats", i)))
	}
}

func TestNewWithOptions_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "bogus"
	if _, err := NewWithOptions(cfg, Options{}); err == nil {
		t.Error("expected error for unknown store driver")
	}
}

func TestNewWithOptions_ChannelManagerError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Telegram.Enabled = true
	if _, err := NewWithOptions(cfg, Options{}); err == nil {
		t.Error("expected error for telegram without token")
	}
}

func TestNewWithOptions_ModelBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Models.Backend = config.BackendBolt
	g := newTestGateway(t, cfg)
	if _, err := os.Stat(cfg.Models.BoltPath); err != nil {
		t.Errorf("bolt file not created: %v", err)
	}
	feed(t, g, 0, 20)
	if g.svc.Generator.State(context.Background(), testChat) != generator.ModelReady {
		t.Error("model should be stored in bolt")
	}

	cfg = testConfig(t)
	cfg.Models.Backend = config.BackendS3
	cfg.Models.S3.Bucket = "models"
	if _, err := NewWithOptions(cfg, Options{}); err == nil {
		t.Error("s3 backend without region should fail")
	}
}

func TestGateway_JoinedChat(t *testing.T) {
	g := newTestGateway(t, testConfig(t))
	g.handle(context.Background(), bus.InboundMessage{Channel: "telegram", ChatID: testChat, JoinedChat: true})
	if got := onlyText(t, g); got != greetingText {
		t.Errorf("greeting = %q", got)
	}
}

func TestGateway_StartAndHelp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generator.MinMessages = 15
	g := newTestGateway(t, cfg)
	ctx := context.Background()

	g.handle(ctx, cmd("start", ""))
	if got := onlyText(t, g); got != startText {
		t.Errorf("start = %q", got)
	}

	g.handle(ctx, cmd("help", ""))
	help := onlyText(t, g)
	for _, want := range []string{"/gen", "/mood", "after 15 messages"} {
		if !strings.Contains(help, want) {
			t.Errorf("help missing %q:\n%s", want, help)
		}
	}

	g.handle(ctx, cmd("unknown", ""))
	if out := drain(g); len(out) != 0 {
		t.Errorf("unknown command answered: %+v", out)
	}
}

func TestGateway_Stickers(t *testing.T) {
	g := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	g.handle(ctx, cmd("sticker", ""))
	if got := onlyText(t, g); !strings.Contains(got, "No stickers") {
		t.Errorf("sticker without any = %q", got)
	}

	sticker := bus.InboundMessage{Channel: "telegram", ChatID: testChat, StickerID: "stk-1"}
	g.handle(ctx, sticker)
	g.handle(ctx, sticker)
	if out := drain(g); len(out) != 0 {
		t.Errorf("sticker message answered: %+v", out)
	}
	if ids, _ := g.svc.Messages.Stickers(ctx, testChat); len(ids) != 1 {
		t.Errorf("stickers = %v, want one", ids)
	}

	g.handle(ctx, cmd("sticker", ""))
	out := drain(g)
	if len(out) != 1 || out[0].Kind != bus.KindSticker || out[0].StickerID != "stk-1" {
		t.Errorf("outbound = %+v", out)
	}
}

func TestGateway_PlainTextReplies(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.ReplyEvery = 1
	g := newTestGateway(t, cfg)

	feed(t, g, 0, 19)
	if out := drain(g); len(out) != 0 {
		t.Fatalf("replies before the first model: %+v", out)
	}

	feed(t, g, 19, 30)
	out := drain(g)
	if len(out) == 0 {
		t.Fatal("expected generated replies once the model exists")
	}
	for _, msg := range out {
		if msg.Kind != bus.KindText || msg.ReplyTo == 0 || msg.ChatID != testChat {
			t.Errorf("reply = %+v", msg)
		}
		if strings.TrimSpace(msg.Text) == "" {
			t.Error("empty reply")
		}
	}
}

func TestGateway_InvalidTextIgnored(t *testing.T) {
	g := newTestGateway(t, testConfig(t))
	ctx := context.Background()
	for _, s := range []string{"ok", "12345", "!!!"} {
		g.handle(ctx, text(1, s))
	}
	if out := drain(g); len(out) != 0 {
		t.Errorf("invalid messages answered: %+v", out)
	}
	if n, _ := g.svc.Messages.Count(ctx, testChat); n != 0 {
		t.Errorf("stored %d invalid messages", n)
	}
}

func TestGateway_Reaction(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.ReactionChance = 1
	g := newTestGateway(t, cfg)

	g.handle(context.Background(), text(77, "what a lovely afternoon"))
	out := drain(g)
	if len(out) == 0 || out[0].Kind != bus.KindReaction {
		t.Fatalf("outbound = %+v, want a reaction first", out)
	}
	if out[0].ReplyTo != 77 || !slices.Contains(DefaultReactions, out[0].Emoji) {
		t.Errorf("reaction = %+v", out[0])
	}
}

func TestGateway_RandomStickerOnText(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.StickerChance = 1
	cfg.Gateway.ReplyEvery = 100
	g := newTestGateway(t, cfg)
	ctx := context.Background()

	g.handle(ctx, bus.InboundMessage{Channel: "telegram", ChatID: testChat, StickerID: "stk-9"})
	g.handle(ctx, text(2, "first words here"))
	g.handle(ctx, text(3, "second words here"))

	var stickers int
	for _, msg := range drain(g) {
		if msg.Kind == bus.KindSticker && msg.StickerID == "stk-9" {
			stickers++
		}
	}
	if stickers != 2 {
		t.Errorf("stickers sent = %d, want 2", stickers)
	}
}

func TestGateway_GenCommand(t *testing.T) {
	g := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	g.handle(ctx, cmd("gen", ""))
	if got := onlyText(t, g); !strings.Contains(got, "20 more messages") {
		t.Errorf("gen without model = %q", got)
	}

	feed(t, g, 0, 20)
	drain(g)
	g.handle(ctx, cmd("gen", "cats"))
	got := onlyText(t, g)
	if strings.HasPrefix(got, "🤔") || strings.HasPrefix(got, "🤐") {
		t.Errorf("gen with model = %q", got)
	}
}

func TestGateway_StatsCommand(t *testing.T) {
	g := newTestGateway(t, testConfig(t))
	feed(t, g, 0, 10)
	drain(g)

	g.handle(context.Background(), cmd("stats", ""))
	got := onlyText(t, g)
	if !strings.Contains(got, "Chat statistics") || !strings.Contains(got, "stored: 10") {
		t.Errorf("stats = %q", got)
	}
}

func TestGateway_RebuildCommand(t *testing.T) {
	g := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	g.handle(ctx, cmd("rebuild", ""))
	if got := onlyText(t, g); !strings.Contains(got, "No messages") {
		t.Errorf("rebuild empty = %q", got)
	}

	feed(t, g, 0, 5)
	drain(g)
	g.handle(ctx, cmd("rebuild", ""))
	if got := onlyText(t, g); !strings.Contains(got, "at least 20, this chat has 5") {
		t.Errorf("rebuild with few = %q", got)
	}

	feed(t, g, 5, 25)
	drain(g)
	g.handle(ctx, cmd("rebuild", ""))
	out := drain(g)
	if len(out) != 2 || !strings.Contains(out[1].Text, "Model rebuilt") {
		t.Errorf("rebuild = %+v", out)
	}
}

func TestGateway_ClearCommand(t *testing.T) {
	g := newTestGateway(t, testConfig(t))
	ctx := context.Background()
	feed(t, g, 0, 20)
	g.handle(ctx, bus.InboundMessage{Channel: "telegram", ChatID: testChat, StickerID: "stk-1"})
	drain(g)

	g.handle(ctx, cmd("clear", ""))
	if got := onlyText(t, g); !strings.Contains(got, "cleared") {
		t.Errorf("clear = %q", got)
	}
	if n, _ := g.svc.Messages.Count(ctx, testChat); n != 0 {
		t.Errorf("messages after clear = %d", n)
	}
	if ids, _ := g.svc.Messages.Stickers(ctx, testChat); len(ids) != 0 {
		t.Errorf("stickers after clear = %v", ids)
	}
	if g.svc.Generator.State(ctx, testChat) != generator.NoModel {
		t.Error("model should be gone after clear")
	}
	if !g.takeTurn(testChat) {
		t.Error("reply counter should restart after clear")
	}
}

func TestGateway_TopAndMood(t *testing.T) {
	g := newTestGateway(t, testConfig(t))
	ctx := context.Background()

	for _, name := range []string{"top", "mood"} {
		g.handle(ctx, cmd(name, ""))
		if got := onlyText(t, g); !strings.Contains(got, "history is empty") {
			t.Errorf("/%s empty = %q", name, got)
		}
	}

	g.handle(ctx, text(1, "pizza is great 👍"))
	g.handle(ctx, text(2, "pizza again tonight"))
	drain(g)

	g.handle(ctx, cmd("top", ""))
	if got := onlyText(t, g); !strings.Contains(got, "1. pizza: 2") {
		t.Errorf("top = %q", got)
	}
	g.handle(ctx, cmd("mood", ""))
	if got := onlyText(t, g); !strings.Contains(got, "positive: 2") || !strings.Contains(got, "wonderful") {
		t.Errorf("mood = %q", got)
	}
}

func TestGateway_TakeTurn(t *testing.T) {
	g := newTestGateway(t, testConfig(t))
	var got []bool
	for i := 0; i < 7; i++ {
		got = append(got, g.takeTurn(1))
	}
	want := []bool{true, false, false, true, false, false, true}
	if !slices.Equal(got, want) {
		t.Errorf("turns = %v, want %v", got, want)
	}
	if !g.takeTurn(2) {
		t.Error("chats should count independently")
	}
}

func TestGateway_RunJob(t *testing.T) {
	g := newTestGateway(t, testConfig(t))
	ctx := context.Background()
	feed(t, g, 0, 20)

	if _, err := g.runJob(ctx, cron.CronJob{Payload: cron.Payload{Action: cron.ActionRebuildAll}}); err != nil {
		t.Errorf("rebuild-all error: %v", err)
	}
	if _, err := g.runJob(ctx, cron.CronJob{Payload: cron.Payload{Action: cron.ActionRebuildChat, ChatID: testChat}}); err != nil {
		t.Errorf("rebuild-chat error: %v", err)
	}
	if _, err := g.runJob(ctx, cron.CronJob{Payload: cron.Payload{Action: cron.ActionRebuildChat, ChatID: 999}}); err == nil {
		t.Error("rebuilding an empty chat should fail")
	}
	if _, err := g.runJob(ctx, cron.CronJob{Payload: cron.Payload{Action: "dance"}}); err == nil {
		t.Error("unknown action should fail")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	cfg := testConfig(t)
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{SignalChan: sigCh, Rand: rand.New(rand.NewPCG(3, 4))})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	sigCh <- syscall.SIGTERM

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	var names []string
	for _, job := range g.cron.ListJobs() {
		names = append(names, job.Name)
	}
	if !slices.Contains(names, sweepJobName) {
		t.Errorf("jobs = %v, want %s", names, sweepJobName)
	}
}

func TestGateway_ProcessLoopDrainsHandlers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.ReplyEvery = 1
	g := newTestGateway(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go g.processLoop(ctx, loopDone)

	for i := 0; i < 5; i++ {
		g.bus.Inbound <- text(i+1, fmt.Sprintf("message number %d about cats", i))
	}
	cancel()

	select {
	case <-loopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("processLoop did not return after cancel")
	}
	g.inflight.Wait()

	// Every handler has finished, so the stores can be queried safely.
	if r := g.svc.Generator.Stats(context.Background(), testChat); r.TotalMessages > 5 {
		t.Errorf("TotalMessages = %d, want at most 5", r.TotalMessages)
	}
}

// fakeBot is a Telegram bot that records what the gateway sends.
type fakeBot struct {
	updates chan tgbotapi.Update

	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.updates }
func (f *fakeBot) StopReceivingUpdates()                                         {}
func (f *fakeBot) GetSelf() tgbotapi.User                                        { return tgbotapi.User{ID: 1, UserName: "mimic_bot"} }

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeBot) MakeRequest(string, tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestGateway_Run_Telegram(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "fake-token"

	bot := &fakeBot{updates: make(chan tgbotapi.Update, 1)}
	factory := func(token, apiEndpoint string, client *http.Client) (channel.TelegramBot, error) {
		return bot, nil
	}
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{SignalChan: sigCh, BotFactory: factory})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 10,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: testChat},
		Text:      "/start",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}}

	deadline := time.Now().Add(3 * time.Second)
	for len(bot.texts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := bot.texts(); len(got) != 1 || got[0] != startText {
		t.Errorf("sent = %q, want the start text", got)
	}

	sigCh <- syscall.SIGTERM
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("привет мир", 6); got != "привет..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
