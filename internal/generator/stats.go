package generator

import (
	"context"
	"fmt"
	"log"
	"strings"
)

const progressCells = 10

// Report summarises one chat's learning progress.
type Report struct {
	ChatID           int64
	TotalMessages    int
	AvgMessageLength float64
	ValidMessages    int
	ModelReady       bool
	ModelBytes       int64
	DatabaseBytes    int64
	// Remaining counts messages until the first model is built, or until
	// the next rebuild once a model exists.
	Remaining    int
	MinMessages  int
	RebuildEvery int
}

// Stats never fails: storage errors are logged and show up as zeros.
func (c *Controller) Stats(ctx context.Context, chatID int64) Report {
	r := Report{
		ChatID:       chatID,
		MinMessages:  c.opts.MinMessages,
		RebuildEvery: c.opts.RebuildEvery,
	}

	if st, err := c.opts.Messages.Stats(ctx, chatID); err != nil {
		log.Printf("[generator] chat %d: stats: %v", chatID, err)
	} else {
		r.TotalMessages = st.TotalMessages
		r.AvgMessageLength = st.AvgMessageLength
	}
	if n, err := c.opts.Messages.Size(ctx); err != nil {
		log.Printf("[generator] database size: %v", err)
	} else {
		r.DatabaseBytes = n
	}

	if texts, err := c.opts.Messages.List(ctx, chatID, 0); err != nil {
		log.Printf("[generator] chat %d: list messages: %v", chatID, err)
	} else {
		r.ValidMessages = len(c.sentences(texts))
	}

	r.ModelReady = c.model(ctx, chatID) != nil
	if r.ModelReady {
		if n, err := c.opts.Models.Size(ctx, chatID); err != nil {
			log.Printf("[generator] chat %d: model size: %v", chatID, err)
		} else {
			r.ModelBytes = n
		}
		r.Remaining = c.opts.RebuildEvery - r.TotalMessages%c.opts.RebuildEvery
		return r
	}

	r.Remaining = max(0, c.opts.MinMessages-r.ValidMessages)
	return r
}

// Progress returns how many of the bar's cells are filled.
func (r Report) Progress() int {
	if r.ModelReady {
		return progressCells
	}
	if r.MinMessages <= 0 {
		return 0
	}
	return min(progressCells, r.ValidMessages*progressCells/r.MinMessages)
}

// Format renders the report as a chat message.
func (r Report) Format() string {
	filled := r.Progress()
	bar := strings.Repeat("▓", filled) + strings.Repeat("░", progressCells-filled)

	status := fmt.Sprintf("⏳ collecting messages (%d/%d)", r.ValidMessages, r.MinMessages)
	until := "first model"
	if r.ModelReady {
		status = "✅ model ready"
		until = "next rebuild"
	}

	var b strings.Builder
	b.WriteString("📊 Chat statistics\n\n")
	b.WriteString("Messages:\n")
	fmt.Fprintf(&b, "└─ stored: %d\n", r.TotalMessages)
	fmt.Fprintf(&b, "└─ average length: %.1f chars\n\n", r.AvgMessageLength)
	b.WriteString("Storage:\n")
	fmt.Fprintf(&b, "└─ database: %dKB\n", r.DatabaseBytes/1024)
	fmt.Fprintf(&b, "└─ model: %dKB\n\n", r.ModelBytes/1024)
	b.WriteString("Model:\n")
	fmt.Fprintf(&b, "└─ status: %s\n", status)
	fmt.Fprintf(&b, "└─ progress: [%s]\n", bar)
	fmt.Fprintf(&b, "└─ until %s: %d messages", until, r.Remaining)
	return b.String()
}
