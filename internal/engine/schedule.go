package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/roborun/roborun/internal/model"
)

// Schedule submits a scenario by name on a recurring cron or interval
// trigger.
type Schedule struct {
	Scenario  string            `mapstructure:"scenario" yaml:"scenario"`
	Cron      string            `mapstructure:"cron" yaml:"cron"`
	Every     time.Duration     `mapstructure:"every" yaml:"every"`
	Variables map[string]string `mapstructure:"variables" yaml:"variables"`
}

// ParseCron parses a cron expression that has 5 fields
// return error if it fails
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return fmt.Errorf("empty cron expression")
	}

	// Macros / @every handled by ParseStandard (it also supports plain 5-field specs).
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	// len == 5
	_, err := parser5.Parse(e)
	return err
}

// newScheduler builds a gocron scheduler for the configured schedules.
// Returns (nil, nil) when none are configured.
func (e *Engine) newScheduler(ctx context.Context) (gocron.Scheduler, error) {
	if len(e.cfg.Schedules) == 0 {
		return nil, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	for _, sched := range e.cfg.Schedules {
		if sched.Scenario == "" {
			return nil, errors.New("schedule is missing a scenario name")
		}

		var job gocron.JobDefinition
		switch {
		case sched.Cron != "":
			if err := ParseCron(sched.Cron); err != nil {
				return nil, fmt.Errorf("parsing cron for %q: %w", sched.Scenario, err)
			}
			job = gocron.CronJob(sched.Cron, false)
		case sched.Every > 0:
			job = gocron.DurationJob(sched.Every)
		default:
			return nil, fmt.Errorf("schedule for %q has neither cron nor every", sched.Scenario)
		}

		sched := sched
		_, err = s.NewJob(
			job,
			gocron.NewTask(func() {
				e.runScheduled(ctx, sched)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("initializing gocron job for %q: %w", sched.Scenario, err)
		}
	}
	return s, nil
}

func (e *Engine) runScheduled(ctx context.Context, sched Schedule) {
	scenario, err := e.store.GetScenarioByName(ctx, sched.Scenario)
	if err != nil {
		slog.ErrorContext(ctx, "scheduled scenario lookup failed",
			"scenario", sched.Scenario, "error", err)
		return
	}
	run, err := e.Submit(ctx, model.TargetScenario, scenario.ID, sched.Variables)
	switch {
	case errors.Is(err, model.ErrQueueSaturated):
		slog.WarnContext(ctx, "scheduled run dropped, queue saturated",
			"scenario", sched.Scenario)
	case err != nil:
		slog.ErrorContext(ctx, "scheduled submission failed",
			"scenario", sched.Scenario, "error", err)
	default:
		slog.InfoContext(ctx, "scheduled run submitted",
			"scenario", sched.Scenario, "run_id", run.ID)
	}
}
