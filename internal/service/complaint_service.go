package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/internal/dto"
	"github.com/noah-isme/complaint-desk-api/internal/models"
	"github.com/noah-isme/complaint-desk-api/internal/repository"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
	"github.com/noah-isme/complaint-desk-api/pkg/realtime"
)

const (
	defaultWriteAttempts  = 3
	ticketCodeAttempts    = 5
	defaultComplaintPage  = 20
	maxComplaintPageSize  = 100
	complaintConflictText = "complaint was modified concurrently, try again"
)

var errNothingToWrite = errors.New("nothing to write")

type complaintStore interface {
	Create(ctx context.Context, complaint *models.Complaint) error
	FindByID(ctx context.Context, id string) (*models.Complaint, error)
	FindByIDUnscoped(ctx context.Context, id string) (*models.Complaint, error)
	List(ctx context.Context, filter models.ComplaintFilter) ([]models.Complaint, int, error)
	Update(ctx context.Context, complaint *models.Complaint, expectedVersion int, entry *models.StatusHistoryEntry) error
	SoftDelete(ctx context.Context, id string, expectedVersion int) error
	HardDelete(ctx context.Context, id string) error
}

type attachmentStager interface {
	Stage(actorID string, uploads []dto.UploadedFile) ([]models.Attachment, error)
	Discard(attachments []models.Attachment)
	PurgeFiles(complaintID string, attachments []models.Attachment) []error
}

type ticketCodeSource interface {
	Next() (string, error)
}

// ComplaintServiceConfig tunes lifecycle enforcement.
type ComplaintServiceConfig struct {
	// StrictTransitions rejects status moves outside the lifecycle table.
	StrictTransitions bool
	// MaxWriteAttempts bounds reload-and-retry after a version conflict.
	MaxWriteAttempts int
}

// ComplaintService implements the complaint lifecycle: authorize, apply to the
// aggregate, persist atomically and then broadcast.
type ComplaintService struct {
	repo        complaintStore
	attachments attachmentStager
	history     *HistoryLog
	codes       ticketCodeSource
	guard       *AccessGuard
	validator   *validator.Validate
	metrics     *MetricsService
	changeNotifier
	cfg ComplaintServiceConfig
	now func() time.Time
}

// NewComplaintService wires the lifecycle service.
func NewComplaintService(repo complaintStore, attachments attachmentStager, history *HistoryLog, codes ticketCodeSource, guard *AccessGuard, validate *validator.Validate, publisher eventPublisher, cache *CacheService, audit auditLogWriter, metrics *MetricsService, logger *zap.Logger, cfg ComplaintServiceConfig) *ComplaintService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = NewValidator()
	}
	if guard == nil {
		guard = NewAccessGuard()
	}
	if codes == nil {
		codes = NewTicketCodeGenerator()
	}
	if cfg.MaxWriteAttempts <= 0 {
		cfg.MaxWriteAttempts = defaultWriteAttempts
	}
	return &ComplaintService{
		repo:        repo,
		attachments: attachments,
		history:     history,
		codes:       codes,
		guard:       guard,
		validator:   validate,
		metrics:     metrics,
		changeNotifier: changeNotifier{
			publisher: publisher,
			cache:     cache,
			audit:     audit,
			logger:    logger,
		},
		cfg: cfg,
		now: time.Now,
	}
}

// Create files a new pending complaint owned by actor, storing any uploads with it.
func (s *ComplaintService) Create(ctx context.Context, actor models.Actor, req dto.CreateComplaintRequest, uploads []dto.UploadedFile) (*models.Complaint, error) {
	if actor.ID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.Valid() {
		return nil, appErrors.ErrForbidden
	}

	req.Title = plainText(req.Title)
	req.Description = plainText(req.Description)
	req.Department = plainText(req.Department)
	req.Category = strings.ToLower(strings.TrimSpace(req.Category))
	req.Priority = strings.ToLower(strings.TrimSpace(req.Priority))
	if req.Priority == "" {
		req.Priority = string(models.PriorityMedium)
	}
	contact := models.ContactInfo{
		Name:  plainText(req.ContactInfo.Name),
		Email: req.ContactInfo.Email,
		Phone: req.ContactInfo.Phone,
	}.Normalize()
	req.ContactInfo = dto.ContactInfoInput{Name: contact.Name, Email: contact.Email, Phone: contact.Phone}
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}

	staged, err := s.attachments.Stage(actor.ID, uploads)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			s.attachments.Discard(staged)
		}
	}()

	now := s.now().UTC()
	complaint := &models.Complaint{
		Title:         req.Title,
		Description:   req.Description,
		Category:      models.ComplaintCategory(req.Category),
		Priority:      models.ComplaintPriority(req.Priority),
		Department:    req.Department,
		ContactInfo:   contact,
		Status:        models.ComplaintStatusPending,
		UserID:        actor.ID,
		Attachments:   staged,
		Comments:      []models.Comment{},
		StatusHistory: []models.StatusHistoryEntry{},
		IsActive:      true,
		CreatedAt:     now,
	}

	if err := s.insertWithTicketCode(ctx, complaint); err != nil {
		return nil, err
	}
	committed = true

	s.record(ctx, actor, models.AuditActionComplaintCreate, complaint.ID, map[string]interface{}{
		"ticketCode":  complaint.TicketCode,
		"attachments": len(complaint.Attachments),
	})
	s.publish(realtime.EventNewComplaint, complaint)
	return complaint, nil
}

func (s *ComplaintService) insertWithTicketCode(ctx context.Context, complaint *models.Complaint) error {
	for attempt := 1; attempt <= ticketCodeAttempts; attempt++ {
		code, err := s.codes.Next()
		if err != nil {
			return appErrors.Storage(err)
		}
		complaint.TicketCode = code
		err = s.repo.Create(ctx, complaint)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrDuplicateTicketCode) {
			return appErrors.Storage(err)
		}
		s.logger.Debug("ticket code collision", zap.String("ticket_code", code), zap.Int("attempt", attempt))
	}
	return appErrors.Storage(fmt.Errorf("no unique ticket code after %d attempts", ticketCodeAttempts))
}

// Get returns one complaint with its attachments, comments and history.
func (s *ComplaintService) Get(ctx context.Context, actor models.Actor, id string) (*models.Complaint, error) {
	cached, stamp, cacheable := s.recall(ctx, id)
	if cached != nil {
		if err := s.guard.Authorize(actor, cached, ActionRead); err != nil {
			return nil, err
		}
		return cached, nil
	}
	complaint, err := s.guard.Load(ctx, actor, ActionRead, func(ctx context.Context) (*models.Complaint, error) {
		return s.repo.FindByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.remember(ctx, complaint, stamp)
	}
	return complaint, nil
}

// List returns a page of complaints. Users only ever see their own.
func (s *ComplaintService) List(ctx context.Context, actor models.Actor, query dto.ComplaintQuery) ([]models.Complaint, *models.Pagination, error) {
	if actor.ID == "" {
		return nil, nil, appErrors.ErrUnauthorized
	}
	if !actor.Role.Valid() {
		return nil, nil, appErrors.ErrForbidden
	}

	filter := models.ComplaintFilter{
		Status:     models.ComplaintStatus(strings.TrimSpace(query.Status)),
		Category:   models.ComplaintCategory(strings.TrimSpace(query.Category)),
		Priority:   models.ComplaintPriority(strings.TrimSpace(query.Priority)),
		AssignedTo: strings.TrimSpace(query.AssignedTo),
		Search:     strings.TrimSpace(query.Search),
		Page:       query.Page,
		PageSize:   query.PageSize,
		SortBy:     query.SortBy,
		SortOrder:  query.SortOrder,
	}
	var details []appErrors.FieldError
	if filter.Status != "" && !filter.Status.Valid() {
		details = append(details, appErrors.FieldError{Field: "status", Message: "is not a known status"})
	}
	if _, ok := complaintCategories[filter.Category]; filter.Category != "" && !ok {
		details = append(details, appErrors.FieldError{Field: "category", Message: "is not a supported category"})
	}
	if _, ok := complaintPriorities[filter.Priority]; filter.Priority != "" && !ok {
		details = append(details, appErrors.FieldError{Field: "priority", Message: "must be one of low, medium, high, urgent"})
	}
	if len(details) > 0 {
		return nil, nil, appErrors.Validation("invalid query", details...)
	}
	if !actor.Role.Privileged() {
		filter.OwnerID = actor.ID
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = defaultComplaintPage
	}
	if filter.PageSize > maxComplaintPageSize {
		filter.PageSize = maxComplaintPageSize
	}

	complaints, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Storage(err)
	}
	return complaints, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// UpdateContent edits the descriptive fields of a complaint.
func (s *ComplaintService) UpdateContent(ctx context.Context, actor models.Actor, id string, req dto.UpdateComplaintRequest) (*models.Complaint, error) {
	if req.Empty() {
		return nil, appErrors.Validation("no fields to update")
	}
	sanitizeUpdate(&req)
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}

	complaint, _, err := s.mutate(ctx, actor, id, ActionUpdateContent, func(c *models.Complaint) (*models.StatusHistoryEntry, error) {
		applyContent(c, req)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	s.forget(ctx, complaint.ID)
	s.record(ctx, actor, models.AuditActionComplaintUpdate, complaint.ID, req)
	s.publish(realtime.EventUpdatedComplaint, dto.ComplaintEvent{Complaint: complaint})
	return complaint, nil
}

// Transition moves a complaint to a new status. Asking for the current status
// writes nothing and reports NoOp.
func (s *ComplaintService) Transition(ctx context.Context, actor models.Actor, id string, req dto.TransitionStatusRequest) (*dto.TransitionResult, error) {
	req.Status = strings.TrimSpace(req.Status)
	req.Note = plainText(req.Note)
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}
	next := models.ComplaintStatus(req.Status)

	var previous models.ComplaintStatus
	complaint, written, err := s.mutate(ctx, actor, id, ActionTransition, func(c *models.Complaint) (*models.StatusHistoryEntry, error) {
		previous = c.Status
		entry, err := c.Transition(next, actor.ID, req.Note, s.now().UTC(), s.cfg.StrictTransitions)
		switch {
		case errors.Is(err, models.ErrNoOpTransition):
			return nil, errNothingToWrite
		case errors.Is(err, models.ErrInvalidTransition):
			return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("cannot move complaint from %s to %s", c.Status, next))
		case err != nil:
			return nil, appErrors.Validation("invalid payload", appErrors.FieldError{Field: "status", Message: err.Error()})
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	if !written {
		return &dto.TransitionResult{Complaint: complaint, NoOp: true}, nil
	}

	s.metrics.RecordTransition(string(previous), string(next))
	s.forget(ctx, complaint.ID)
	s.record(ctx, actor, models.AuditActionComplaintStatus, complaint.ID, map[string]string{
		"from": string(previous),
		"to":   string(next),
		"note": req.Note,
	})
	s.publish(realtime.EventUpdatedComplaint, dto.ComplaintEvent{Complaint: complaint, StatusChanged: true})
	return &dto.TransitionResult{Complaint: complaint}, nil
}

// Assign hands a complaint to a staff member, starting work on it if pending.
func (s *ComplaintService) Assign(ctx context.Context, actor models.Actor, id string, req dto.AssignComplaintRequest) (*models.Complaint, error) {
	req.AssigneeID = strings.TrimSpace(req.AssigneeID)
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err)
	}

	var previous models.ComplaintStatus
	var entry *models.StatusHistoryEntry
	complaint, _, err := s.mutate(ctx, actor, id, ActionAssign, func(c *models.Complaint) (*models.StatusHistoryEntry, error) {
		previous = c.Status
		entry = c.Assign(req.AssigneeID, actor.ID, s.now().UTC())
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	if entry != nil {
		s.metrics.RecordTransition(string(previous), string(entry.NewStatus))
	}
	s.forget(ctx, complaint.ID)
	s.record(ctx, actor, models.AuditActionComplaintAssign, complaint.ID, map[string]string{"assignedTo": req.AssigneeID})
	s.publish(realtime.EventUpdatedComplaint, dto.ComplaintEvent{Complaint: complaint, StatusChanged: entry != nil})
	return complaint, nil
}

// Delete soft-deletes a complaint; it disappears from every default query.
func (s *ComplaintService) Delete(ctx context.Context, actor models.Actor, id string) error {
	for attempt := 1; ; attempt++ {
		complaint, err := s.guard.Load(ctx, actor, ActionDelete, func(ctx context.Context) (*models.Complaint, error) {
			return s.repo.FindByID(ctx, id)
		})
		if err != nil {
			return err
		}
		err = s.repo.SoftDelete(ctx, complaint.ID, complaint.Version)
		if err == nil {
			s.forget(ctx, complaint.ID)
			s.record(ctx, actor, models.AuditActionComplaintDelete, complaint.ID, nil)
			s.publish(realtime.EventDeletedComplaint, dto.ComplaintDeletedEvent{ID: complaint.ID, TicketCode: complaint.TicketCode})
			return nil
		}
		if retryErr := s.retryable(err, "delete", attempt); retryErr != nil {
			return retryErr
		}
	}
}

// Purge permanently removes a complaint. Attachment files are deleted first;
// file failures are logged and retried in the background but never block.
func (s *ComplaintService) Purge(ctx context.Context, actor models.Actor, id string) error {
	complaint, err := s.guard.Load(ctx, actor, ActionPurge, func(ctx context.Context) (*models.Complaint, error) {
		return s.repo.FindByIDUnscoped(ctx, id)
	})
	if err != nil {
		return err
	}

	failures := s.attachments.PurgeFiles(complaint.ID, complaint.Attachments)
	for _, failure := range failures {
		s.logger.Warn("attachment file not removed during purge", zap.String("complaint_id", complaint.ID), zap.Error(failure))
	}

	if err := s.repo.HardDelete(ctx, complaint.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "complaint not found")
		}
		return appErrors.Storage(err)
	}

	s.forget(ctx, complaint.ID)
	s.record(ctx, actor, models.AuditActionComplaintPurge, complaint.ID, map[string]interface{}{
		"ticketCode":    complaint.TicketCode,
		"attachments":   len(complaint.Attachments),
		"fileFailures":  len(failures),
		"wasSoftDelete": complaint.IsDeleted,
	})
	s.publish(realtime.EventDeletedComplaint, dto.ComplaintDeletedEvent{ID: complaint.ID, TicketCode: complaint.TicketCode, Purged: true})
	return nil
}

// History returns the status history of a complaint, newest first.
func (s *ComplaintService) History(ctx context.Context, actor models.Actor, id string) ([]models.StatusHistoryEntry, error) {
	complaint, err := s.guard.Load(ctx, actor, ActionRead, func(ctx context.Context) (*models.Complaint, error) {
		return s.repo.FindByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return s.history.List(ctx, complaint.ID)
}

// mutate loads, authorizes and applies a change, then writes it with a version
// check. A conflict reloads and reapplies up to MaxWriteAttempts times. The
// bool result is false when apply reported there was nothing to write.
func (s *ComplaintService) mutate(ctx context.Context, actor models.Actor, id string, action ComplaintAction, apply func(*models.Complaint) (*models.StatusHistoryEntry, error)) (*models.Complaint, bool, error) {
	for attempt := 1; ; attempt++ {
		complaint, err := s.guard.Load(ctx, actor, action, func(ctx context.Context) (*models.Complaint, error) {
			return s.repo.FindByID(ctx, id)
		})
		if err != nil {
			return nil, false, err
		}

		expected := complaint.Version
		previous := complaint.Status
		entry, err := apply(complaint)
		if errors.Is(err, errNothingToWrite) {
			return complaint, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if err := s.history.admit(previous, complaint, entry); err != nil {
			return nil, false, err
		}
		complaint.UpdatedAt = s.now().UTC()

		err = s.repo.Update(ctx, complaint, expected, entry)
		if err == nil {
			return complaint, true, nil
		}
		if retryErr := s.retryable(err, string(action), attempt); retryErr != nil {
			return nil, false, retryErr
		}
	}
}

// retryable returns nil when err is a version conflict that may be retried,
// otherwise the error to hand back to the caller.
func (s *ComplaintService) retryable(err error, operation string, attempt int) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, "complaint not found")
	}
	if !errors.Is(err, repository.ErrVersionConflict) {
		return appErrors.Storage(err)
	}
	if attempt >= s.cfg.MaxWriteAttempts {
		s.metrics.RecordVersionConflict(operation, "exhausted")
		s.logger.Warn("giving up after version conflicts", zap.String("operation", operation), zap.Int("attempts", attempt))
		return appErrors.Clone(appErrors.ErrConflict, complaintConflictText)
	}
	s.metrics.RecordVersionConflict(operation, "retried")
	return nil
}

func sanitizeUpdate(req *dto.UpdateComplaintRequest) {
	clean := func(value *string) *string {
		if value == nil {
			return nil
		}
		cleaned := plainText(*value)
		return &cleaned
	}
	lower := func(value *string) *string {
		if value == nil {
			return nil
		}
		cleaned := strings.ToLower(strings.TrimSpace(*value))
		return &cleaned
	}
	req.Title = clean(req.Title)
	req.Description = clean(req.Description)
	req.Department = clean(req.Department)
	req.Category = lower(req.Category)
	req.Priority = lower(req.Priority)
	if req.ContactInfo != nil {
		contact := models.ContactInfo{
			Name:  plainText(req.ContactInfo.Name),
			Email: req.ContactInfo.Email,
			Phone: req.ContactInfo.Phone,
		}.Normalize()
		req.ContactInfo = &dto.ContactInfoInput{Name: contact.Name, Email: contact.Email, Phone: contact.Phone}
	}
}

func applyContent(c *models.Complaint, req dto.UpdateComplaintRequest) {
	if req.Title != nil {
		c.Title = *req.Title
	}
	if req.Description != nil {
		c.Description = *req.Description
	}
	if req.Category != nil {
		c.Category = models.ComplaintCategory(*req.Category)
	}
	if req.Priority != nil {
		c.Priority = models.ComplaintPriority(*req.Priority)
	}
	if req.Department != nil {
		c.Department = *req.Department
	}
	if req.ContactInfo != nil {
		c.ContactInfo = models.ContactInfo{
			Name:  req.ContactInfo.Name,
			Email: req.ContactInfo.Email,
			Phone: req.ContactInfo.Phone,
		}
	}
}
