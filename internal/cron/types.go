package cron

import (
	"time"

	"github.com/google/uuid"
)

const (
	KindCron  = "cron"
	KindEvery = "every"

	// ActionRebuildAll retrains every chat that has or is due a model.
	ActionRebuildAll = "rebuild-all"
	// ActionRebuildChat retrains Payload.ChatID only.
	ActionRebuildChat = "rebuild-chat"
)

type Schedule struct {
	Kind string `json:"kind"`
	// Expr is a six-field cron expression (with seconds) for KindCron.
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
}

type Payload struct {
	Action string `json:"action"`
	ChatID int64  `json:"chatId,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Enabled   bool     `json:"enabled"`
	Schedule  Schedule `json:"schedule"`
	Payload   Payload  `json:"payload"`
	State     JobState `json:"state"`
	CreatedAt int64    `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:        uuid.NewString(),
		Name:      name,
		Enabled:   true,
		Schedule:  schedule,
		Payload:   payload,
		CreatedAt: time.Now().UnixMilli(),
	}
}
