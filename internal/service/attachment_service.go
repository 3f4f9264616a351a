package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/internal/dto"
	"github.com/noah-isme/complaint-desk-api/internal/models"
	"github.com/noah-isme/complaint-desk-api/internal/repository"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
	"github.com/noah-isme/complaint-desk-api/pkg/realtime"
	"github.com/noah-isme/complaint-desk-api/pkg/storage"
)

type attachmentStore interface {
	FindByID(ctx context.Context, id string) (*models.Complaint, error)
	AddAttachment(ctx context.Context, attachment *models.Attachment, max int) error
	RemoveAttachment(ctx context.Context, complaintID, attachmentID string) (*models.Attachment, error)
}

type attachmentFileStore interface {
	Store(locator string, r io.Reader) (string, error)
	Open(locator string) (*os.File, error)
	Exists(locator string) (bool, error)
	Delete(locator string) error
}

type attachmentSigner interface {
	Generate(subjectID, locator string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (*storage.SignedToken, error)
}

type fileCleanupScheduler interface {
	Schedule(locator, reason string)
}

var errFileTooLarge = errors.New("file exceeds size limit")

// sniffLength matches the read limit mimetype uses for detection.
const sniffLength = 3072

// AttachmentServiceConfig bounds what may be attached.
type AttachmentServiceConfig struct {
	MaxAttachments int
	MaxFileSize    int64
	AllowedMIMEs   []string
	APIPrefix      string
}

// AttachmentDownload is an opened attachment ready to stream.
type AttachmentDownload struct {
	File      *os.File
	Filename  string
	MimeType  string
	SizeBytes int64
}

// AttachmentService stores evidence files for complaints. Files are written
// before their metadata is committed and removed again if the commit fails.
type AttachmentService struct {
	repo    attachmentStore
	files   attachmentFileStore
	signer  attachmentSigner
	cleanup fileCleanupScheduler
	guard   *AccessGuard
	metrics *MetricsService
	changeNotifier
	cfg     AttachmentServiceConfig
	mimeSet map[string]struct{}
	now     func() time.Time
}

// NewAttachmentService constructs the service with defaults.
func NewAttachmentService(repo attachmentStore, files attachmentFileStore, signer attachmentSigner, cleanup fileCleanupScheduler, guard *AccessGuard, publisher eventPublisher, cache *CacheService, audit auditLogWriter, metrics *MetricsService, logger *zap.Logger, cfg AttachmentServiceConfig) *AttachmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = NewAccessGuard()
	}
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = 10
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 5 * 1024 * 1024
	}
	if len(cfg.AllowedMIMEs) == 0 {
		cfg.AllowedMIMEs = []string{"image/jpeg", "image/png", "image/gif", "application/pdf", "text/plain"}
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	mimeSet := make(map[string]struct{}, len(cfg.AllowedMIMEs))
	for _, mt := range cfg.AllowedMIMEs {
		mimeSet[strings.ToLower(strings.TrimSpace(mt))] = struct{}{}
	}
	return &AttachmentService{
		repo:    repo,
		files:   files,
		signer:  signer,
		cleanup: cleanup,
		guard:   guard,
		metrics: metrics,
		changeNotifier: changeNotifier{
			publisher: publisher,
			cache:     cache,
			audit:     audit,
			logger:    logger,
		},
		cfg:     cfg,
		mimeSet: mimeSet,
		now:     time.Now,
	}
}

// MaxAttachments returns the per-complaint cap.
func (s *AttachmentService) MaxAttachments() int {
	return s.cfg.MaxAttachments
}

// Stage validates and stores files that will be committed together with a new
// complaint. The caller must Discard the result if the commit fails.
func (s *AttachmentService) Stage(actorID string, uploads []dto.UploadedFile) ([]models.Attachment, error) {
	if len(uploads) > s.cfg.MaxAttachments {
		return nil, appErrors.Clone(appErrors.ErrLimitExceeded, fmt.Sprintf("at most %d attachments are allowed", s.cfg.MaxAttachments))
	}
	staged := make([]models.Attachment, 0, len(uploads))
	for _, upload := range uploads {
		attachment, err := s.store(actorID, upload)
		if err != nil {
			s.Discard(staged)
			return nil, err
		}
		staged = append(staged, *attachment)
	}
	return staged, nil
}

// Discard removes stored files whose metadata was never committed.
func (s *AttachmentService) Discard(attachments []models.Attachment) {
	for _, attachment := range attachments {
		s.deleteFile(attachment.Locator, "discard")
	}
}

// Add stores each upload and binds it to the complaint. Uploads are attached
// one by one; if one fails, those before it stay attached.
func (s *AttachmentService) Add(ctx context.Context, actor models.Actor, complaintID string, uploads []dto.UploadedFile) ([]models.Attachment, error) {
	complaint, err := s.guard.Load(ctx, actor, ActionManageAttachments, func(ctx context.Context) (*models.Complaint, error) {
		return s.repo.FindByID(ctx, complaintID)
	})
	if err != nil {
		return nil, err
	}
	if len(uploads) == 0 {
		return nil, appErrors.Validation("invalid payload", appErrors.FieldError{Field: "files", Message: "at least one file is required"})
	}
	if complaint.AttachmentCount+len(uploads) > s.cfg.MaxAttachments {
		return nil, s.limitError()
	}

	added := make([]models.Attachment, 0, len(uploads))
	var addErr error
	for _, upload := range uploads {
		attachment, err := s.attach(ctx, actor, complaint.ID, upload)
		if err != nil {
			addErr = err
			break
		}
		added = append(added, *attachment)
	}

	if len(added) > 0 {
		s.forget(ctx, complaint.ID)
		s.publishUpdated(ctx, complaint.ID)
	}
	return added, addErr
}

// Remove deletes attachment metadata and, best effort, its file. The metadata
// is removed even when the file cannot be deleted.
func (s *AttachmentService) Remove(ctx context.Context, actor models.Actor, complaintID, attachmentID string) error {
	complaint, err := s.guard.Load(ctx, actor, ActionManageAttachments, func(ctx context.Context) (*models.Complaint, error) {
		return s.repo.FindByID(ctx, complaintID)
	})
	if err != nil {
		return err
	}
	removed, err := s.repo.RemoveAttachment(ctx, complaint.ID, attachmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
		}
		return appErrors.Storage(err)
	}

	s.deleteFile(removed.Locator, "remove")
	s.forget(ctx, complaint.ID)
	s.record(ctx, actor, models.AuditActionAttachmentRemove, complaint.ID, map[string]string{
		"attachmentId": removed.ID,
		"originalName": removed.OriginalName,
	})
	s.publishUpdated(ctx, complaint.ID)
	return nil
}

// PurgeFiles deletes the files of a complaint that is about to be hard-deleted.
// Failures are returned for logging and scheduled for retry; they never block.
func (s *AttachmentService) PurgeFiles(complaintID string, attachments []models.Attachment) []error {
	var failures []error
	for _, attachment := range attachments {
		exists, err := s.files.Exists(attachment.Locator)
		if err != nil {
			failures = append(failures, fmt.Errorf("check %s: %w", attachment.ID, err))
			s.scheduleCleanup(attachment.Locator, "purge")
			continue
		}
		if !exists {
			s.logger.Warn("attachment file already missing",
				zap.String("complaint_id", complaintID),
				zap.String("attachment_id", attachment.ID),
				zap.String("locator", attachment.Locator))
			continue
		}
		if err := s.files.Delete(attachment.Locator); err != nil {
			failures = append(failures, fmt.Errorf("delete %s: %w", attachment.ID, err))
			s.metrics.RecordFileCleanup("purge", "failed")
			s.scheduleCleanup(attachment.Locator, "purge")
			continue
		}
		s.metrics.RecordFileCleanup("purge", "deleted")
	}
	return failures
}

// DownloadURL returns a short-lived signed URL for an attachment.
func (s *AttachmentService) DownloadURL(ctx context.Context, actor models.Actor, complaintID, attachmentID string) (*dto.AttachmentDownloadResponse, error) {
	complaint, err := s.guard.Load(ctx, actor, ActionRead, func(ctx context.Context) (*models.Complaint, error) {
		return s.repo.FindByID(ctx, complaintID)
	})
	if err != nil {
		return nil, err
	}
	attachment := findAttachment(complaint, attachmentID)
	if attachment == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
	}
	token, expiresAt, err := s.signer.Generate(attachment.ID, attachment.Locator)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate download token")
	}
	base := strings.TrimRight(s.cfg.APIPrefix, "/")
	link := fmt.Sprintf("%s/complaints/%s/attachments/%s/download?token=%s", base, complaint.ID, attachment.ID, url.QueryEscape(token))
	return &dto.AttachmentDownloadResponse{Attachment: *attachment, DownloadURL: link, ExpiresAt: expiresAt}, nil
}

// Open validates a signed token and opens the attachment file. The token is the
// credential; no actor is required.
func (s *AttachmentService) Open(ctx context.Context, complaintID, attachmentID, token string) (*AttachmentDownload, error) {
	signed, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired token")
	}
	if signed.SubjectID != attachmentID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	complaint, err := s.repo.FindByID(ctx, complaintID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
		}
		return nil, appErrors.Storage(err)
	}
	attachment := findAttachment(complaint, attachmentID)
	if attachment == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
	}
	if signed.Locator != attachment.Locator {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	file, err := s.files.Open(attachment.Locator)
	if err != nil {
		return nil, appErrors.Storage(err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, appErrors.Storage(err)
	}
	return &AttachmentDownload{
		File:      file,
		Filename:  attachment.OriginalName,
		MimeType:  attachment.MimeType,
		SizeBytes: info.Size(),
	}, nil
}

func (s *AttachmentService) attach(ctx context.Context, actor models.Actor, complaintID string, upload dto.UploadedFile) (*models.Attachment, error) {
	attachment, err := s.store(actor.ID, upload)
	if err != nil {
		return nil, err
	}
	attachment.ComplaintID = complaintID

	committed := false
	defer func() {
		if !committed {
			s.deleteFile(attachment.Locator, "discard")
		}
	}()

	if err := s.repo.AddAttachment(ctx, attachment, s.cfg.MaxAttachments); err != nil {
		switch {
		case errors.Is(err, repository.ErrAttachmentLimit):
			return nil, s.limitError()
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "complaint not found")
		default:
			return nil, appErrors.Storage(err)
		}
	}
	committed = true
	return attachment, nil
}

// store validates one upload and writes it to the file store.
func (s *AttachmentService) store(actorID string, upload dto.UploadedFile) (*models.Attachment, error) {
	if upload.Content == nil {
		return nil, appErrors.Validation("invalid payload", appErrors.FieldError{Field: "files", Message: "file is required"})
	}
	if upload.Size > s.cfg.MaxFileSize {
		return nil, s.sizeError()
	}
	mimeType, content, err := s.detectMime(upload)
	if err != nil {
		return nil, err
	}
	if _, allowed := s.mimeSet[mimeType]; !allowed {
		return nil, appErrors.Validation("invalid payload", appErrors.FieldError{Field: "files", Message: fmt.Sprintf("file type %s is not allowed", mimeType)})
	}

	originalName := plainText(filepath.Base(upload.OriginalName))
	if originalName == "" || originalName == "." {
		originalName = "attachment"
	}
	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" {
		ext = mimeExtension(mimeType)
	}
	filename := uuid.NewString() + ext
	now := s.now().UTC()
	locator := fmt.Sprintf("%04d/%02d/%s", now.Year(), int(now.Month()), filename)

	limited := &limitedReader{r: content, remaining: s.cfg.MaxFileSize}
	if _, err := s.files.Store(locator, limited); err != nil {
		if errors.Is(err, errFileTooLarge) {
			return nil, s.sizeError()
		}
		return nil, appErrors.Storage(err)
	}
	s.metrics.ObserveAttachmentSize(limited.read)

	return &models.Attachment{
		ID:           uuid.NewString(),
		Filename:     filename,
		OriginalName: originalName,
		Locator:      locator,
		MimeType:     mimeType,
		Size:         limited.read,
		UploadedBy:   actorID,
		UploadedAt:   now,
	}, nil
}

// detectMime prefers the declared content type and sniffs the first bytes when
// none was declared. The returned reader still yields the full content.
func (s *AttachmentService) detectMime(upload dto.UploadedFile) (string, io.Reader, error) {
	header := make([]byte, sniffLength)
	n, err := io.ReadFull(upload.Content, header)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", nil, appErrors.Storage(err)
	}
	if n == 0 {
		return "", nil, appErrors.Validation("invalid payload", appErrors.FieldError{Field: "files", Message: "file is empty"})
	}
	content := io.MultiReader(bytes.NewReader(header[:n]), upload.Content)
	declared := strings.ToLower(strings.TrimSpace(strings.SplitN(upload.MimeType, ";", 2)[0]))
	if declared != "" && declared != "application/octet-stream" {
		return declared, content, nil
	}
	sniffed := strings.SplitN(mimetype.Detect(header[:n]).String(), ";", 2)[0]
	return strings.ToLower(strings.TrimSpace(sniffed)), content, nil
}

func (s *AttachmentService) deleteFile(locator, reason string) {
	if locator == "" {
		return
	}
	if err := s.files.Delete(locator); err != nil {
		s.metrics.RecordFileCleanup(reason, "failed")
		s.logger.Warn("failed to delete attachment file", zap.String("locator", locator), zap.String("reason", reason), zap.Error(err))
		s.scheduleCleanup(locator, reason)
		return
	}
	s.metrics.RecordFileCleanup(reason, "deleted")
}

func (s *AttachmentService) scheduleCleanup(locator, reason string) {
	if s.cleanup != nil {
		s.cleanup.Schedule(locator, reason)
	}
}

func (s *AttachmentService) publishUpdated(ctx context.Context, complaintID string) {
	complaint, err := s.repo.FindByID(ctx, complaintID)
	if err != nil {
		s.logger.Warn("failed to reload complaint for event", zap.String("complaint_id", complaintID), zap.Error(err))
		return
	}
	s.publish(realtime.EventUpdatedComplaint, dto.ComplaintEvent{Complaint: complaint})
}

func (s *AttachmentService) limitError() error {
	return appErrors.Clone(appErrors.ErrLimitExceeded, fmt.Sprintf("a complaint can hold at most %d attachments", s.cfg.MaxAttachments))
}

func (s *AttachmentService) sizeError() error {
	return appErrors.Validation("invalid payload", appErrors.FieldError{
		Field:   "files",
		Message: fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize),
	})
}

func findAttachment(complaint *models.Complaint, attachmentID string) *models.Attachment {
	for i := range complaint.Attachments {
		if complaint.Attachments[i].ID == attachmentID {
			return &complaint.Attachments[i]
		}
	}
	return nil
}

func mimeExtension(mime string) string {
	if known := mimetype.Lookup(mime); known != nil && known.Extension() != "" {
		return known.Extension()
	}
	return ".bin"
}

// limitedReader fails once more than remaining bytes are read.
type limitedReader struct {
	r         io.Reader
	remaining int64
	read      int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.read > l.remaining {
		return n, errFileTooLarge
	}
	return n, err
}
