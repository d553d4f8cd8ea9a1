// internal/presence/heartbeat.go
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/khappy/internal/types"
)

// DefaultSchedule refreshes presence once a minute.
const DefaultSchedule = "@every 1m"

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusUpdater records a user's presence. state.ProfileStore implements it.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id types.UserID, status string, at time.Time) error
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Heartbeat keeps one identity marked online while it runs. Other periodic
// housekeeping can ride on the same cron via AddJob.
type Heartbeat struct {
	profiles StatusUpdater
	user     types.UserID
	schedule string
	cron     *cron.Cron
	now      func() time.Time
}

// New creates a heartbeat for user. An empty schedule uses DefaultSchedule.
func New(profiles StatusUpdater, user types.UserID, schedule string) *Heartbeat {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Heartbeat{
		profiles: profiles,
		user:     user,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(cronParser)),
		now:      time.Now,
	}
}

// AddJob registers fn on its own schedule. Call before Start.
func (h *Heartbeat) AddJob(name, schedule string, fn func()) error {
	if _, err := h.cron.AddFunc(schedule, func() {
		slog.Debug("cron firing job", "name", name)
		fn()
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Start marks the user online and keeps refreshing last_seen on schedule.
func (h *Heartbeat) Start(ctx context.Context) error {
	if err := h.beat(ctx, StatusOnline); err != nil {
		return err
	}
	if _, err := h.cron.AddFunc(h.schedule, func() {
		if err := h.beat(ctx, StatusOnline); err != nil {
			slog.Warn("presence heartbeat failed", "user", string(h.user), "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid presence schedule %q: %w", h.schedule, err)
	}
	h.cron.Start()
	slog.Info("presence started", "user", string(h.user), "schedule", h.schedule)
	return nil
}

// Stop halts the cron, waits for running jobs and marks the user offline.
func (h *Heartbeat) Stop(ctx context.Context) error {
	<-h.cron.Stop().Done()
	return h.beat(ctx, StatusOffline)
}

func (h *Heartbeat) beat(ctx context.Context, status string) error {
	if err := h.profiles.UpdateStatus(ctx, h.user, status, h.now()); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}
