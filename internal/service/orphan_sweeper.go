package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/pkg/storage"
)

const (
	defaultSweepSchedule = "@hourly"
	defaultSweepGrace    = time.Hour
	sweepBatchSize       = 500
)

type storedFileWalker interface {
	Walk(olderThan time.Time) ([]storage.StoredFile, error)
	Delete(locator string) error
}

type locatorIndex interface {
	ReferencedLocators(ctx context.Context, locators []string) (map[string]struct{}, error)
}

// OrphanSweeperConfig controls how often and how conservatively files are swept.
type OrphanSweeperConfig struct {
	Schedule string
	// Grace keeps recently written files, which may belong to an upload still
	// committing its metadata.
	Grace time.Duration
}

// OrphanSweeper deletes stored files that no attachment row references, such as
// files left behind when a compensating delete failed.
type OrphanSweeper struct {
	files   storedFileWalker
	index   locatorIndex
	metrics *MetricsService
	logger  *zap.Logger
	cfg     OrphanSweeperConfig
	cron    *cron.Cron
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// NewOrphanSweeper constructs a sweeper; call Run to schedule it.
func NewOrphanSweeper(files storedFileWalker, index locatorIndex, metrics *MetricsService, logger *zap.Logger, cfg OrphanSweeperConfig) *OrphanSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSweepSchedule
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultSweepGrace
	}
	return &OrphanSweeper{
		files:   files,
		index:   index,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		now:     time.Now,
	}
}

// Run schedules the sweep and blocks until ctx is cancelled.
func (s *OrphanSweeper) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("orphan sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule orphan sweep %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("orphan sweeper scheduled", zap.String("schedule", s.cfg.Schedule), zap.Duration("grace", s.cfg.Grace))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Sweep removes unreferenced files older than the grace period and returns how
// many were deleted. Overlapping sweeps are skipped.
func (s *OrphanSweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	stored, err := s.files.Walk(s.now().Add(-s.cfg.Grace))
	if err != nil {
		return 0, err
	}

	removed := 0
	for start := 0; start < len(stored); start += sweepBatchSize {
		end := start + sweepBatchSize
		if end > len(stored) {
			end = len(stored)
		}
		batch := stored[start:end]
		locators := make([]string, 0, len(batch))
		for _, file := range batch {
			locators = append(locators, file.Locator)
		}
		referenced, err := s.index.ReferencedLocators(ctx, locators)
		if err != nil {
			return removed, fmt.Errorf("load referenced locators: %w", err)
		}
		for _, locator := range locators {
			if _, ok := referenced[locator]; ok {
				continue
			}
			if err := s.files.Delete(locator); err != nil {
				s.metrics.RecordFileCleanup("sweep", "failed")
				s.logger.Warn("failed to delete orphaned file", zap.String("locator", locator), zap.Error(err))
				continue
			}
			s.metrics.RecordFileCleanup("sweep", "deleted")
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("orphaned attachment files removed", zap.Int("count", removed))
	}
	return removed, nil
}
