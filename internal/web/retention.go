package web

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionStore is the slice of the event store the sweeper needs.
type RetentionStore interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper deletes processed events older than MaxAge on a cron
// schedule. Unprocessed rows are never touched, whatever their age:
// the async processor has not consumed them yet.
type Sweeper struct {
	Store        RetentionStore
	Schedule     string
	MaxAge       time.Duration
	PollInterval time.Duration
	Now          func() time.Time
	Parser       *cron.Parser

	lastRun time.Time
}

func NewSweeper(store RetentionStore, schedule string, maxAge time.Duration) *Sweeper {
	return &Sweeper{Store: store, Schedule: schedule, MaxAge: maxAge}
}

func (s *Sweeper) init() error {
	if s.Store == nil {
		return errors.New("store required")
	}
	if s.MaxAge <= 0 {
		return errors.New("max age required")
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Parser == nil {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		s.Parser = &parser
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Minute
	}
	if strings.TrimSpace(s.Schedule) == "" {
		s.Schedule = "0 * * * *"
	}
	return nil
}

func (s *Sweeper) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.init(); err != nil {
		return err
	}
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				slog.Error("retention sweep", "error", err)
			}
		}
	}
}

// RunOnce sweeps when the schedule is due and reports rows deleted.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	if err := s.init(); err != nil {
		return 0, err
	}
	spec, err := s.Parser.Parse(strings.TrimSpace(s.Schedule))
	if err != nil {
		return 0, err
	}
	now := s.Now().UTC()
	if s.lastRun.IsZero() {
		s.lastRun = now
		return 0, nil
	}
	if spec.Next(s.lastRun).After(now) {
		return 0, nil
	}
	s.lastRun = now
	deleted, err := s.Store.DeleteProcessedBefore(ctx, now.Add(-s.MaxAge))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		slog.Info("retention sweep", "deleted", deleted, "max_age", s.MaxAge.String())
	}
	return deleted, nil
}
