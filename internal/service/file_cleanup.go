package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/pkg/jobs"
)

const fileCleanupJobType = "attachment.file.delete"

type fileDeleter interface {
	Delete(locator string) error
}

// FileCleanupService retries attachment file deletions that failed inline.
type FileCleanupService struct {
	files   fileDeleter
	queue   *jobs.Queue
	metrics *MetricsService
	logger  *zap.Logger
}

// NewFileCleanupService wires a retrying worker queue around files.
func NewFileCleanupService(files fileDeleter, metrics *MetricsService, logger *zap.Logger, cfg jobs.QueueConfig) *FileCleanupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileCleanupService{files: files, metrics: metrics, logger: logger}
	cfg.Logger = logger
	cfg.OnExhausted = func(job jobs.Job, err error) {
		s.metrics.RecordFileCleanup("retry", "abandoned")
		s.logger.Error("giving up on attachment file deletion", zap.Any("locator", job.Payload), zap.Error(err))
	}
	s.queue = jobs.NewQueue("file-cleanup", s.handle, cfg)
	return s
}

// Start launches the workers.
func (s *FileCleanupService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop halts the workers; pending deletions are left for the orphan sweeper.
func (s *FileCleanupService) Stop() {
	s.queue.Stop()
}

// Schedule queues locator for deletion. It never blocks the caller.
func (s *FileCleanupService) Schedule(locator, reason string) {
	if s == nil || locator == "" {
		return
	}
	job := jobs.Job{ID: uuid.NewString(), Type: fileCleanupJobType, Payload: locator}
	if err := s.queue.Enqueue(job); err != nil {
		s.metrics.RecordFileCleanup("retry", "dropped")
		s.logger.Error("failed to schedule attachment file deletion",
			zap.String("locator", locator), zap.String("reason", reason), zap.Error(err))
		return
	}
	s.logger.Info("attachment file deletion scheduled", zap.String("locator", locator), zap.String("reason", reason))
}

// Pending returns the number of queued deletions.
func (s *FileCleanupService) Pending() int {
	return s.queue.Pending()
}

func (s *FileCleanupService) handle(_ context.Context, job jobs.Job) error {
	locator, ok := job.Payload.(string)
	if !ok || locator == "" {
		return fmt.Errorf("unexpected payload %T", job.Payload)
	}
	if err := s.files.Delete(locator); err != nil {
		s.metrics.RecordFileCleanup("retry", "failed")
		return err
	}
	s.metrics.RecordFileCleanup("retry", "deleted")
	return nil
}
