package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultMaintenanceSchedule runs store maintenance daily at 03:00 UTC.
const DefaultMaintenanceSchedule = "0 3 * * *"

const defaultMaintenanceTimeout = 5 * time.Minute

// Five-field schedules plus descriptors such as @daily or @every 6h.
var maintenanceScheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parseMaintenanceSchedule parses expr, or the default when it is blank.
// Schedules are always evaluated in UTC so timezone prefixes are rejected.
func parseMaintenanceSchedule(expr string) (string, cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultMaintenanceSchedule
	}
	if upper := strings.ToUpper(expr); strings.HasPrefix(upper, "CRON_TZ=") || strings.HasPrefix(upper, "TZ=") {
		return "", nil, fmt.Errorf("maintenance schedule %q: timezone prefixes are not allowed, schedules run in UTC", expr)
	}
	schedule, err := maintenanceScheduleParser.Parse(expr)
	if err != nil {
		return "", nil, fmt.Errorf("maintenance schedule %q: %w", expr, err)
	}
	return expr, schedule, nil
}

// Optimizer is a store with periodic housekeeping (docstore.SQLiteStore).
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// MaintenanceConfig configures the maintenance job.
type MaintenanceConfig struct {
	Schedule string
	Target   Optimizer
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Maintenance runs Target.Optimize on a cron schedule in UTC.
type Maintenance struct {
	cron     *cron.Cron
	expr     string
	schedule cron.Schedule
	target   Optimizer
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr error
}

// NewMaintenance validates the schedule and prepares the job. Call Start to run it.
func NewMaintenance(cfg MaintenanceConfig) (*Maintenance, error) {
	if cfg.Target == nil {
		return nil, errors.New("maintenance target is required")
	}
	expr, schedule, err := parseMaintenanceSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMaintenanceTimeout
	}

	m := &Maintenance{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		expr:     expr,
		schedule: schedule,
		target:   cfg.Target,
		timeout:  timeout,
		logger:   logger,
	}
	m.cron.Schedule(schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		_ = m.RunOnce(ctx)
	}))
	return m, nil
}

// Start begins running the job in the background.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info("store maintenance scheduled", "schedule", m.expr, "next_run", m.NextRun(time.Now()).Format(time.RFC3339))
}

// NextRun returns the first scheduled run after now, in UTC.
func (m *Maintenance) NextRun(now time.Time) time.Time {
	return m.schedule.Next(now.UTC())
}

// Stop stops scheduling and waits for a running job or ctx, whichever ends first.
func (m *Maintenance) Stop(ctx context.Context) error {
	done := m.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs maintenance now. Overlapping runs are skipped and a panic in
// the target is returned as an error.
func (m *Maintenance) RunOnce(ctx context.Context) (err error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("store maintenance skipped: previous run still active")
		return nil
	}
	m.running = true
	m.mu.Unlock()

	start := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("store maintenance panicked: %v", recovered)
			m.logger.Error("store maintenance failed", "error", err, "duration", time.Since(start))
		}
		m.mu.Lock()
		m.running = false
		m.lastRun = start.UTC()
		m.lastErr = err
		m.mu.Unlock()
	}()

	if err = m.target.Optimize(ctx); err != nil {
		m.logger.Error("store maintenance failed", "error", err, "duration", time.Since(start))
		return err
	}
	m.logger.Info("store maintenance completed", "duration", time.Since(start))
	return nil
}

// LastRun returns the start time and result of the most recent run.
func (m *Maintenance) LastRun() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun, m.lastErr
}
