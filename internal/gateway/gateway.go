package gateway

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stellarlinkco/mimicbot/internal/bus"
	"github.com/stellarlinkco/mimicbot/internal/channel"
	"github.com/stellarlinkco/mimicbot/internal/config"
	"github.com/stellarlinkco/mimicbot/internal/cron"
	"github.com/stellarlinkco/mimicbot/internal/modelstore"
)

const sweepJobName = "rebuild-sweep"

// Options for creating a Gateway
type Options struct {
	SignalChan chan os.Signal // for testing signal handling
	BotFactory channel.BotFactory
	// ModelBackend replaces the backend named in the config.
	ModelBackend modelstore.Backend
	// Rand drives reactions, stickers and generation. Seeded from the
	// clock when nil.
	Rand *rand.Rand
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	svc        *Services
	channels   *channel.ChannelManager
	cron       *cron.Service
	signalChan chan os.Signal

	reactions []string

	rngMu sync.Mutex
	rng   *rand.Rand

	turnsMu sync.Mutex
	turns   map[int64]int

	// loopDone is closed when processLoop returns; no handler starts after it.
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	rng := opts.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>3|1))
	}
	// The generator gets its own source so the two never contend.
	genRand := rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))

	svc, err := openServices(context.Background(), cfg, opts.ModelBackend, genRand)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(cfg.Gateway.BufSize),
		svc:        svc,
		signalChan: opts.SignalChan,
		reactions:  cfg.Gateway.Reactions,
		rng:        rng,
		turns:      make(map[int64]int),
	}
	if len(g.reactions) == 0 {
		g.reactions = DefaultReactions
	}

	g.cron = cron.NewService(config.CronStorePath())
	g.cron.OnJob = g.runJob

	chMgr, err := channel.NewChannelManagerWithFactory(cfg.Channels, g.bus, opts.BotFactory)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// runJob executes a maintenance job fired by the cron service.
func (g *Gateway) runJob(ctx context.Context, job cron.CronJob) (string, error) {
	gen := g.svc.Generator
	switch job.Payload.Action {
	case cron.ActionRebuildAll:
		if err := gen.RebuildAll(ctx, g.cfg.Generator.RebuildConcurrency); err != nil {
			return "", err
		}
		return "sweep finished", nil
	case cron.ActionRebuildChat:
		if err := gen.Rebuild(ctx, job.Payload.ChatID); err != nil {
			return "", err
		}
		return fmt.Sprintf("chat %d rebuilt", job.Payload.ChatID), nil
	default:
		return "", fmt.Errorf("unknown job action %q", job.Payload.Action)
	}
}

func (g *Gateway) ensureSweepJob() error {
	_, err := g.cron.EnsureJob(sweepJobName,
		cron.Schedule{Kind: cron.KindCron, Expr: g.cfg.Generator.RebuildSchedule},
		cron.Payload{Action: cron.ActionRebuildAll})
	return err
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureSweepJob(); err != nil {
		log.Printf("[gateway] ensure rebuild sweep warning: %v", err)
	}

	g.loopDone = make(chan struct{})
	go g.processLoop(ctx, g.loopDone)

	log.Printf("[gateway] running")

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	cancel()
	return g.Shutdown()
}

// processLoop handles every inbound event on its own goroutine, so a chat
// busy rebuilding never delays the others.
func (g *Gateway) processLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.inflight.Add(1)
			go func() {
				defer g.inflight.Done()
				g.handle(ctx, msg)
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	_ = g.channels.StopAll()
	if g.loopDone != nil {
		<-g.loopDone
	}
	g.inflight.Wait()
	if err := g.svc.Close(); err != nil {
		log.Printf("[gateway] close stores warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

// send queues msg unless ctx is done first.
func (g *Gateway) send(ctx context.Context, msg bus.OutboundMessage) {
	select {
	case g.bus.Outbound <- msg:
	case <-ctx.Done():
	}
}

func (g *Gateway) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.Float64() < p
}

func (g *Gateway) pick(n int) int {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.IntN(n)
}

// takeTurn counts a learned message for chatID and reports whether the
// bot should answer it. The first message of a chat is answered, then
// every ReplyEvery-th after it.
func (g *Gateway) takeTurn(chatID int64) bool {
	g.turnsMu.Lock()
	defer g.turnsMu.Unlock()
	every := g.cfg.Gateway.ReplyEvery
	if every <= 0 {
		every = 1
	}
	n := g.turns[chatID]
	g.turns[chatID] = n + 1
	return n%every == 0
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
