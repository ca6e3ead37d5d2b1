package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	backupPrefix   = "binance_data_"
	backupSuffix   = ".sqlite"
	timestampLayout = "20060102T150405Z"
	// primary-store row retention applied after each backup
	pruneHorizon = 7 * 24 * time.Hour
)

var backupNamePattern = regexp.MustCompile(`^binance_data_(\d{8}T\d{6}Z)\.sqlite$`)

// RetentionPolicy governs which backup files survive a pruning pass.
type RetentionPolicy struct {
	DailyDays   int
	WeeklyWeeks int
}

// DefaultRetention keeps a week of dailies. Its weekly horizon equals the
// daily one, so no weekly backups survive beyond the daily window.
var DefaultRetention = RetentionPolicy{DailyDays: 7, WeeklyWeeks: 1}

// ExtendedRetention keeps a month of dailies and a quarter of weeklies.
var ExtendedRetention = RetentionPolicy{DailyDays: 30, WeeklyWeeks: 12}

// PruneStore is the primary-store surface the scheduler prunes after each
// backup.
type PruneStore interface {
	Path() string
	PruneCandles(ctx context.Context, olderThan int64) error
	PruneRatioSamples(ctx context.Context, olderThan int64) error
}

// Options tune the scheduler.
type Options struct {
	Interval   time.Duration
	TargetDir  string
	SingleFile bool
	Retention  RetentionPolicy
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 24 * time.Hour
	}
	if o.Retention.DailyDays <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}

// Scheduler copies the store file periodically and enforces retention.
type Scheduler struct {
	store  PruneStore
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	running atomic.Bool
	cron    *cron.Cron
}

// New constructs a Scheduler.
func New(store PruneStore, opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "backup").Logger(),
		now:    time.Now,
	}
}

// Start runs one backup immediately and then on every interval.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial backup failed")
	}
	c := cron.New(cron.WithLocation(time.UTC))
	spec := fmt.Sprintf("@every %s", s.opts.Interval)
	if _, err := c.AddFunc(spec, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("scheduled backup failed")
		}
	}); err != nil {
		return fmt.Errorf("backup: schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info().Dur("interval", s.opts.Interval).Str("target", s.opts.TargetDir).Msg("backup scheduled")
	return nil
}

// Stop cancels the schedule.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// RunOnce performs a single backup, retention and prune pass. A run still
// in flight causes the new one to be skipped.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("previous backup still running, skipping")
		return nil
	}
	defer s.running.Store(false)

	src := s.store.Path()
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("source database not readable: %w", err)
	}
	if err := os.MkdirAll(s.opts.TargetDir, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	now := s.now().UTC()
	name := backupPrefix + now.Format(timestampLayout) + backupSuffix
	if s.opts.SingleFile {
		name = backupPrefix + "latest" + backupSuffix
	}
	dst := filepath.Join(s.opts.TargetDir, name)
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("copy database: %w", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("stat backup: %w", err)
	}
	s.logger.Info().Str("file", dst).Int64("bytes", info.Size()).Msg("backup written")

	if !s.opts.SingleFile {
		if err := ApplyRetention(s.opts.TargetDir, s.opts.Retention, now); err != nil {
			s.logger.Error().Err(err).Msg("retention pass failed")
		}
	}

	cutoff := now.Add(-pruneHorizon).UnixMilli()
	if err := s.store.PruneCandles(ctx, cutoff); err != nil {
		s.logger.Error().Err(err).Msg("candle prune failed")
	}
	if err := s.store.PruneRatioSamples(ctx, cutoff); err != nil {
		s.logger.Error().Err(err).Msg("ratio prune failed")
	}
	return nil
}

type backupFile struct {
	path string
	ts   time.Time
}

// ApplyRetention enforces the daily/weekly policy over the backup files in
// dir. Timestamps come from the file names.
func ApplyRetention(dir string, policy RetentionPolicy, now time.Time) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read backup directory: %w", err)
	}
	var files []backupFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := backupNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		ts, err := time.Parse(timestampLayout, m[1])
		if err != nil {
			continue
		}
		files = append(files, backupFile{path: filepath.Join(dir, entry.Name()), ts: ts})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ts.Before(files[j].ts) })

	dailyCutoff := now.Add(-time.Duration(policy.DailyDays) * 24 * time.Hour)
	weeklyCutoff := now.Add(-time.Duration(policy.WeeklyWeeks) * 7 * 24 * time.Hour)

	// newest file per ISO week within the weekly window
	keepWeekly := make(map[string]string)
	for _, f := range files {
		if f.ts.Before(weeklyCutoff) || !f.ts.Before(dailyCutoff) {
			continue
		}
		year, week := f.ts.ISOWeek()
		key := fmt.Sprintf("%d-%02d", year, week)
		keepWeekly[key] = f.path // ascending order: last write is the newest
	}
	weeklySurvivors := make(map[string]bool, len(keepWeekly))
	for _, path := range keepWeekly {
		weeklySurvivors[path] = true
	}

	for _, f := range files {
		switch {
		case !f.ts.Before(dailyCutoff):
			// daily window: keep everything
		case f.ts.Before(weeklyCutoff):
			if err := os.Remove(f.path); err != nil {
				return fmt.Errorf("remove expired backup: %w", err)
			}
		default:
			if !weeklySurvivors[f.path] {
				if err := os.Remove(f.path); err != nil {
					return fmt.Errorf("remove superseded weekly backup: %w", err)
				}
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
