package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/mimicbot/internal/config"
	"github.com/stellarlinkco/mimicbot/internal/cron"
	"github.com/stellarlinkco/mimicbot/internal/gateway"
	"github.com/stellarlinkco/mimicbot/internal/generator"
)

// Import skips lines longer than this many bytes and counts them as rejected.
const maxImportLine = 1 << 20

var rootCmd = &cobra.Command{
	Use:   "mimicbot",
	Short: "mimicbot - a chat bot that learns to talk like its chats",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the Telegram bot (channels + rebuild sweep)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mimicbot configuration",
	RunE:  runStatus,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show learning statistics of a chat",
	RunE:  runStats,
}

var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate a message from a chat's model",
	RunE:  runGen,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild a chat's model from its stored messages",
	RunE:  runRebuild,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget a chat's messages, stickers and model",
	RunE:  runClear,
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Teach a chat from a text file, one message per line (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the latest stored messages of a chat",
	RunE:  runHistory,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage maintenance jobs (applied on the next gateway start)",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List maintenance jobs",
	RunE:  runJobsList,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Schedule periodic rebuilds of one chat (--cron or --every)",
	RunE:  runJobsAdd,
}

var jobsEnableCmd = &cobra.Command{
	Use:   "enable ID",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setJobEnabled(cmd, args[0], true) },
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setJobEnabled(cmd, args[0], false) },
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRemove,
}

var (
	chatFlag  int64
	seedFlag  string
	limitFlag int
	cronFlag  string
	everyFlag time.Duration
)

func init() {
	for _, c := range []*cobra.Command{statsCmd, genCmd, rebuildCmd, clearCmd, importCmd, historyCmd, jobsAddCmd} {
		c.Flags().Int64Var(&chatFlag, "chat", 0, "Telegram chat id")
		_ = c.MarkFlagRequired("chat")
	}
	genCmd.Flags().StringVarP(&seedFlag, "seed", "s", "", "Words to steer the generated message")
	historyCmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "Number of messages to show (0 for all)")
	jobsAddCmd.Flags().StringVar(&cronFlag, "cron", "", "Cron expression with seconds, e.g. \"0 30 3 * * *\"")
	jobsAddCmd.Flags().DurationVar(&everyFlag, "every", 0, "Fixed interval, e.g. 6h")
	jobsAddCmd.MarkFlagsMutuallyExclusive("cron", "every")
	jobsAddCmd.MarkFlagsOneRequired("cron", "every")

	jobsCmd.AddCommand(jobsListCmd, jobsAddCmd, jobsEnableCmd, jobsDisableCmd, jobsRemoveCmd)
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, statsCmd, genCmd, rebuildCmd, clearCmd, importCmd,
		historyCmd, jobsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram token not set. Run 'mimicbot onboard' or set MIMICBOT_TELEGRAM_TOKEN / BOT_TOKEN")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(commandContext(cmd))
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Join(config.ConfigDir(), "data")
	for _, dir := range []string{dataDir, cfg.Models.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	fmt.Fprintf(out, "Data directory ready: %s\n", dataDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your Telegram bot token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set MIMICBOT_TELEGRAM_TOKEN (or BOT_TOKEN) in the environment or .env")
	fmt.Fprintln(out, "  3. Run 'mimicbot gateway'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		fmt.Fprintln(out, "Messages: postgres")
	default:
		fmt.Fprintf(out, "Messages: %s (%s)\n", cfg.Store.Driver, cfg.Store.Path)
	}
	switch cfg.Models.Backend {
	case config.BackendBolt:
		fmt.Fprintf(out, "Models: bolt (%s)\n", cfg.Models.BoltPath)
	case config.BackendS3:
		fmt.Fprintf(out, "Models: s3 (bucket %s)\n", cfg.Models.S3.Bucket)
	default:
		fmt.Fprintf(out, "Models: %s (%s)\n", cfg.Models.Backend, cfg.Models.Dir)
	}

	token := cfg.Channels.Telegram.Token
	switch {
	case len(token) > 8:
		fmt.Fprintf(out, "Telegram token: %s...%s\n", token[:4], token[len(token)-4:])
	case token != "":
		fmt.Fprintln(out, "Telegram token: set")
	default:
		fmt.Fprintln(out, "Telegram token: not set")
	}
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	gen := cfg.Generator
	fmt.Fprintf(out, "Model: state size %d, first build after %d messages, rebuild every %d\n",
		gen.StateSize, gen.MinMessages, gen.RebuildEvery)
	fmt.Fprintf(out, "Rebuild sweep: %s\n", gen.RebuildSchedule)
	fmt.Fprintf(out, "Replies: every %d messages\n", cfg.Gateway.ReplyEvery)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Config problem: %v\n", err)
	}
	return nil
}

// withServices opens the stores named by the config for one command.
func withServices(cmd *cobra.Command, fn func(ctx context.Context, svc *gateway.Services) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := commandContext(cmd)
	svc, err := gateway.OpenServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func runStats(cmd *cobra.Command, args []string) error {
	return withServices(cmd, func(ctx context.Context, svc *gateway.Services) error {
		fmt.Fprintln(cmd.OutOrStdout(), svc.Generator.Stats(ctx, chatFlag).Format())
		return nil
	})
}

func runGen(cmd *cobra.Command, args []string) error {
	return withServices(cmd, func(ctx context.Context, svc *gateway.Services) error {
		text, ok := svc.Generator.Generate(ctx, chatFlag, seedFlag)
		if !ok {
			if svc.Generator.State(ctx, chatFlag) == generator.NoModel {
				return fmt.Errorf("chat %d: %w", chatFlag, generator.ErrNoModel)
			}
			return fmt.Errorf("chat %d: %w", chatFlag, generator.ErrGenerationExhausted)
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	})
}

func runRebuild(cmd *cobra.Command, args []string) error {
	return withServices(cmd, func(ctx context.Context, svc *gateway.Services) error {
		if err := svc.Generator.Rebuild(ctx, chatFlag); err != nil {
			return fmt.Errorf("rebuild chat %d: %w", chatFlag, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Model for chat %d rebuilt\n", chatFlag)
		return nil
	})
}

func runClear(cmd *cobra.Command, args []string) error {
	return withServices(cmd, func(ctx context.Context, svc *gateway.Services) error {
		if err := svc.Generator.Clear(ctx, chatFlag); err != nil {
			return fmt.Errorf("clear chat %d: %w", chatFlag, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Chat %d cleared\n", chatFlag)
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	var in io.Reader
	if args[0] == "-" {
		in = cmd.InOrStdin()
	} else {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		defer f.Close()
		in = f
	}

	return withServices(cmd, func(ctx context.Context, svc *gateway.Services) error {
		var added, rejected, failed int
		skipped, err := scanLines(in, maxImportLine, func(line string) {
			ok, valid := svc.Generator.AddMessage(ctx, chatFlag, line)
			switch {
			case ok:
				added++
			case valid:
				failed++
			default:
				rejected++
			}
		})
		if err != nil {
			return fmt.Errorf("read import file: %w", err)
		}
		rejected += skipped

		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d messages into chat %d (%d rejected, %d failed)\n",
			added, chatFlag, rejected, failed)
		fmt.Fprintf(cmd.OutOrStdout(), "Model: %s\n", svc.Generator.State(ctx, chatFlag))
		return nil
	})
}

// scanLines calls fn with every line of in that fits in limit bytes and
// returns how many longer lines it skipped.
func scanLines(in io.Reader, limit int, fn func(line string)) (int, error) {
	r := bufio.NewReader(in)
	var buf []byte
	skipped := 0
	tooLong := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return skipped, nil
		}
		if err != nil {
			return skipped, err
		}
		if !tooLong {
			if len(buf)+len(chunk) > limit {
				tooLong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if isPrefix {
			continue
		}
		if tooLong {
			skipped++
		} else {
			fn(string(buf))
		}
		buf = buf[:0]
		tooLong = false
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withServices(cmd, func(ctx context.Context, svc *gateway.Services) error {
		rows, err := svc.Messages.Messages(ctx, chatFlag, limitFlag)
		if err != nil {
			return fmt.Errorf("list messages of chat %d: %w", chatFlag, err)
		}
		out := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintf(out, "Chat %d has no stored messages\n", chatFlag)
			return nil
		}
		slices.Reverse(rows)
		for _, m := range rows {
			fmt.Fprintf(out, "%s  %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), m.Text)
		}
		return nil
	})
}

// openJobs loads the persisted maintenance jobs without starting them.
func openJobs() (*cron.Service, error) {
	svc := cron.NewService(config.CronStorePath())
	if err := svc.Load(); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	return svc, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	svc, err := openJobs()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	jobs := svc.ListJobs()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs. The rebuild sweep is added when the gateway starts.")
		return nil
	}
	for _, job := range jobs {
		schedule := job.Schedule.Expr
		if job.Schedule.Kind == cron.KindEvery {
			schedule = "every " + (time.Duration(job.Schedule.EveryMs) * time.Millisecond).String()
		}
		target := job.Payload.Action
		if job.Payload.Action == cron.ActionRebuildChat {
			target = fmt.Sprintf("%s %d", target, job.Payload.ChatID)
		}
		status := job.State.LastStatus
		if status == "" {
			status = "never run"
		}
		fmt.Fprintf(out, "%s  %s  enabled=%v  [%s]  %s  (%s)\n", job.ID, job.Name, job.Enabled, schedule, target, status)
	}
	return nil
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	svc, err := openJobs()
	if err != nil {
		return err
	}
	schedule := cron.Schedule{Kind: cron.KindCron, Expr: cronFlag}
	if everyFlag > 0 {
		schedule = cron.Schedule{Kind: cron.KindEvery, EveryMs: everyFlag.Milliseconds()}
	}
	job, err := svc.AddJob(fmt.Sprintf("rebuild-chat-%d", chatFlag), schedule,
		cron.Payload{Action: cron.ActionRebuildChat, ChatID: chatFlag})
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s)\n", job.ID, job.Name)
	return nil
}

func setJobEnabled(cmd *cobra.Command, id string, enabled bool) error {
	svc, err := openJobs()
	if err != nil {
		return err
	}
	job, err := svc.EnableJob(id, enabled)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s (%s) enabled=%v\n", job.ID, job.Name, job.Enabled)
	return nil
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	svc, err := openJobs()
	if err != nil {
		return err
	}
	if !svc.RemoveJob(args[0]) {
		return fmt.Errorf("job %s not found", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
	return nil
}
