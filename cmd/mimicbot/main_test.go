package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/mimicbot/internal/cron"
	"github.com/stellarlinkco/mimicbot/internal/generator"
)

func setupHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	for _, key := range []string{
		"MIMICBOT_TELEGRAM_TOKEN", "BOT_TOKEN", "DATABASE_URL", "MIMICBOT_DB_DRIVER",
		"MIMICBOT_DB_PATH", "MIMICBOT_MODEL_BACKEND", "MIMICBOT_MODEL_DIR", "MIMICBOT_MIN_MESSAGES",
	} {
		t.Setenv(key, "")
	}
	return tmpDir
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func writeCorpus(t *testing.T, n int) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "message number %d about cats\n", i)
	}
	sb.WriteString("/command lines are skipped\n")
	path := filepath.Join(t.TempDir(), "corpus.txt")
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	return path
}

func TestInit(t *testing.T) {
	want := []string{"gateway", "onboard", "status", "stats", "gen", "rebuild", "clear", "import", "history", "jobs"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
	if genCmd.Flags().Lookup("seed") == nil || genCmd.Flags().Lookup("chat") == nil {
		t.Error("gen should have --chat and --seed")
	}
}

func TestRunOnboard(t *testing.T) {
	tmpDir := setupHome(t)
	cmd, buf := newTestCmd()

	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".mimicbot", "config.json")); err != nil {
		t.Errorf("config file was not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".mimicbot", "data", "models")); err != nil {
		t.Errorf("model dir was not created: %v", err)
	}
	if !strings.Contains(buf.String(), "Created config") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestRunOnboard_AlreadyExists(t *testing.T) {
	tmpDir := setupHome(t)
	cfgDir := filepath.Join(tmpDir, ".mimicbot")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{}"), 0644)

	cmd, buf := newTestCmd()
	if err := runOnboard(cmd, nil); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}
	if !strings.Contains(buf.String(), "Config already exists") {
		t.Errorf("expected 'Config already exists', got: %s", buf.String())
	}
}

func TestRunStatus(t *testing.T) {
	setupHome(t)
	cmd, buf := newTestCmd()

	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	output := buf.String()
	for _, want := range []string{"Config:", "Messages: sqlite", "Models: file", "Telegram token: not set", "Rebuild sweep: 0 0 4 * * *"} {
		if !strings.Contains(output, want) {
			t.Errorf("missing %q in output: %s", want, output)
		}
	}
}

func TestRunStatus_MasksToken(t *testing.T) {
	setupHome(t)
	t.Setenv("MIMICBOT_TELEGRAM_TOKEN", "123456:ABCDEFGHIJ")
	cmd, buf := newTestCmd()

	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "Telegram token: 1234...GHIJ") || strings.Contains(output, "ABCDEF") {
		t.Errorf("token not masked: %s", output)
	}
	if !strings.Contains(output, "Telegram: enabled=true") {
		t.Errorf("token should enable telegram: %s", output)
	}
}

func TestRunGateway_NoToken(t *testing.T) {
	setupHome(t)
	cmd, _ := newTestCmd()
	err := runGateway(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "token not set") {
		t.Errorf("runGateway error = %v, want token error", err)
	}
}

func TestImportGenRebuildClear(t *testing.T) {
	setupHome(t)
	chatFlag = 99
	seedFlag = ""
	t.Cleanup(func() { chatFlag, seedFlag = 0, "" })

	cmd, buf := newTestCmd()
	if err := runImport(cmd, []string{writeCorpus(t, 25)}); err != nil {
		t.Fatalf("runImport error: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "Imported 25 messages into chat 99 (1 rejected, 0 failed)") || !strings.Contains(out, "Model: ready") {
		t.Errorf("import output: %s", out)
	}

	cmd, buf = newTestCmd()
	if err := runStats(cmd, nil); err != nil {
		t.Fatalf("runStats error: %v", err)
	}
	if !strings.Contains(buf.String(), "stored: 25") {
		t.Errorf("stats output: %s", buf.String())
	}

	cmd, buf = newTestCmd()
	seedFlag = "tell me about cats"
	if err := runGen(cmd, nil); err != nil {
		t.Fatalf("runGen error: %v", err)
	}
	if strings.TrimSpace(buf.String()) == "" {
		t.Error("gen printed nothing")
	}

	cmd, buf = newTestCmd()
	if err := runRebuild(cmd, nil); err != nil {
		t.Fatalf("runRebuild error: %v", err)
	}
	if !strings.Contains(buf.String(), "rebuilt") {
		t.Errorf("rebuild output: %s", buf.String())
	}

	cmd, _ = newTestCmd()
	if err := runClear(cmd, nil); err != nil {
		t.Fatalf("runClear error: %v", err)
	}
	cmd, _ = newTestCmd()
	if err := runGen(cmd, nil); !errors.Is(err, generator.ErrNoModel) {
		t.Errorf("gen after clear error = %v, want ErrNoModel", err)
	}
	cmd, _ = newTestCmd()
	if err := runRebuild(cmd, nil); err == nil {
		t.Error("rebuild of an empty chat should fail")
	}
}

func TestRunImport_Stdin(t *testing.T) {
	setupHome(t)
	chatFlag = 5
	t.Cleanup(func() { chatFlag = 0 })

	cmd, buf := newTestCmd()
	cmd.SetIn(strings.NewReader("hello from stdin\nok\n"))
	if err := runImport(cmd, []string{"-"}); err != nil {
		t.Fatalf("runImport error: %v", err)
	}
	if !strings.Contains(buf.String(), "Imported 1 messages into chat 5 (1 rejected, 0 failed)") {
		t.Errorf("import output: %s", buf.String())
	}
}

func TestRunImport_MissingFile(t *testing.T) {
	setupHome(t)
	cmd, _ := newTestCmd()
	if err := runImport(cmd, []string{filepath.Join(t.TempDir(), "nope.txt")}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestScanLines_SkipsOverlongLines(t *testing.T) {
	input := "short one\n" + strings.Repeat("x", 50) + "\nshort two\r\nlast"
	var got []string
	skipped, err := scanLines(bufio.NewReaderSize(strings.NewReader(input), 16), 20, func(line string) {
		got = append(got, line)
	})
	if err != nil {
		t.Fatalf("scanLines error: %v", err)
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
	want := []string{"short one", "short two", "last"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestRunImport_OverlongLineIsRejected(t *testing.T) {
	setupHome(t)
	chatFlag = 6
	t.Cleanup(func() { chatFlag = 0 })

	cmd, buf := newTestCmd()
	cmd.SetIn(strings.NewReader("hello from stdin\n" + strings.Repeat("a", maxImportLine+10) + "\nanother fine line\n"))
	if err := runImport(cmd, []string{"-"}); err != nil {
		t.Fatalf("runImport error: %v", err)
	}
	if !strings.Contains(buf.String(), "Imported 2 messages into chat 6 (1 rejected, 0 failed)") {
		t.Errorf("import output: %s", buf.String())
	}
}

func TestRunHistory(t *testing.T) {
	setupHome(t)
	chatFlag = 7
	limitFlag = 2
	t.Cleanup(func() { chatFlag, limitFlag = 0, 20 })

	cmd, buf := newTestCmd()
	if err := runHistory(cmd, nil); err != nil {
		t.Fatalf("runHistory error: %v", err)
	}
	if !strings.Contains(buf.String(), "Chat 7 has no stored messages") {
		t.Errorf("empty history output: %s", buf.String())
	}

	cmd, _ = newTestCmd()
	cmd.SetIn(strings.NewReader("first message here\nsecond message here\nthird message here\n"))
	if err := runImport(cmd, []string{"-"}); err != nil {
		t.Fatalf("runImport error: %v", err)
	}

	cmd, buf = newTestCmd()
	if err := runHistory(cmd, nil); err != nil {
		t.Fatalf("runHistory error: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "first message here") {
		t.Errorf("limit 2 should drop the oldest message: %s", out)
	}
	second := strings.Index(out, "second message here")
	third := strings.Index(out, "third message here")
	if second < 0 || third < 0 || second > third {
		t.Errorf("history should list the latest messages oldest first: %s", out)
	}
}

func TestJobsCommands(t *testing.T) {
	setupHome(t)
	chatFlag = 8
	t.Cleanup(func() { chatFlag, cronFlag, everyFlag = 0, "", 0 })

	cmd, buf := newTestCmd()
	if err := runJobsList(cmd, nil); err != nil {
		t.Fatalf("runJobsList error: %v", err)
	}
	if !strings.Contains(buf.String(), "No jobs") {
		t.Errorf("empty list output: %s", buf.String())
	}

	everyFlag = 6 * time.Hour
	cmd, buf = newTestCmd()
	if err := runJobsAdd(cmd, nil); err != nil {
		t.Fatalf("runJobsAdd error: %v", err)
	}
	if !strings.Contains(buf.String(), "rebuild-chat-8") {
		t.Errorf("add output: %s", buf.String())
	}

	everyFlag = 0
	cronFlag = "bad expr"
	cmd, _ = newTestCmd()
	if err := runJobsAdd(cmd, nil); err == nil {
		t.Error("an invalid cron expression should be refused")
	}

	jobs, err := openJobs()
	if err != nil {
		t.Fatalf("openJobs error: %v", err)
	}
	list := jobs.ListJobs()
	if len(list) != 1 {
		t.Fatalf("jobs = %d, want 1", len(list))
	}
	job := list[0]
	if job.Payload.Action != cron.ActionRebuildChat || job.Payload.ChatID != 8 || job.Schedule.EveryMs != int64(6*time.Hour/time.Millisecond) {
		t.Errorf("job = %+v", job)
	}

	cmd, buf = newTestCmd()
	if err := runJobsList(cmd, nil); err != nil {
		t.Fatalf("runJobsList error: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "every 6h0m0s") || !strings.Contains(out, "rebuild-chat 8") || !strings.Contains(out, "never run") {
		t.Errorf("list output: %s", out)
	}

	cmd, _ = newTestCmd()
	if err := setJobEnabled(cmd, job.ID, false); err != nil {
		t.Fatalf("disable error: %v", err)
	}
	if jobs, _ = openJobs(); jobs.ListJobs()[0].Enabled {
		t.Error("job should be disabled on disk")
	}
	cmd, _ = newTestCmd()
	if err := setJobEnabled(cmd, "missing", true); err == nil {
		t.Error("enabling an unknown job should fail")
	}

	cmd, _ = newTestCmd()
	if err := runJobsRemove(cmd, []string{job.ID}); err != nil {
		t.Fatalf("runJobsRemove error: %v", err)
	}
	cmd, _ = newTestCmd()
	if err := runJobsRemove(cmd, []string{job.ID}); err == nil {
		t.Error("removing twice should fail")
	}
	if jobs, _ = openJobs(); len(jobs.ListJobs()) != 0 {
		t.Error("job should be gone from disk")
	}
}
