package service

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/internal/dto"
	"github.com/noah-isme/complaint-desk-api/internal/models"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
	"github.com/noah-isme/complaint-desk-api/pkg/realtime"
)

const maxCommentLength = 500

type commentStore interface {
	FindByID(ctx context.Context, id string) (*models.Complaint, error)
	AddComment(ctx context.Context, comment *models.Comment) error
	FindComment(ctx context.Context, complaintID, commentID string) (*models.Comment, error)
	UpdateComment(ctx context.Context, comment *models.Comment) error
	DeleteComment(ctx context.Context, complaintID, commentID string) error
}

// CommentService manages the comment thread of a complaint.
type CommentService struct {
	repo  commentStore
	guard *AccessGuard
	changeNotifier
	now func() time.Time
}

// NewCommentService constructs a CommentService.
func NewCommentService(repo commentStore, guard *AccessGuard, publisher eventPublisher, cache *CacheService, audit auditLogWriter, logger *zap.Logger) *CommentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = NewAccessGuard()
	}
	return &CommentService{
		repo:  repo,
		guard: guard,
		changeNotifier: changeNotifier{
			publisher: publisher,
			cache:     cache,
			audit:     audit,
			logger:    logger,
		},
		now: time.Now,
	}
}

// Add appends a comment. Whether it is a staff comment is fixed from the
// author's role at this moment.
func (s *CommentService) Add(ctx context.Context, actor models.Actor, complaintID string, req dto.CommentRequest) (*models.Comment, error) {
	text, err := commentText(req.Text)
	if err != nil {
		return nil, err
	}
	complaint, err := s.guard.Load(ctx, actor, ActionComment, func(ctx context.Context) (*models.Complaint, error) {
		return s.repo.FindByID(ctx, complaintID)
	})
	if err != nil {
		return nil, err
	}

	comment := &models.Comment{
		ComplaintID:    complaint.ID,
		AuthorID:       actor.ID,
		Text:           text,
		IsStaffComment: actor.Role.Privileged(),
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.AddComment(ctx, comment); err != nil {
		return nil, appErrors.Storage(err)
	}

	s.forget(ctx, complaint.ID)
	s.publish(realtime.EventNewComment, dto.CommentEvent{ComplaintID: complaint.ID, Comment: comment})
	return comment, nil
}

// Edit rewrites a comment; only its author may do so.
func (s *CommentService) Edit(ctx context.Context, actor models.Actor, complaintID, commentID string, req dto.CommentRequest) (*models.Comment, error) {
	text, err := commentText(req.Text)
	if err != nil {
		return nil, err
	}
	comment, err := s.load(ctx, actor, complaintID, commentID)
	if err != nil {
		return nil, err
	}
	if comment.AuthorID != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the author can edit a comment")
	}

	editedAt := s.now().UTC()
	comment.Text = text
	comment.IsEdited = true
	comment.EditedAt = &editedAt
	if err := s.repo.UpdateComment(ctx, comment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "comment not found")
		}
		return nil, appErrors.Storage(err)
	}
	s.forget(ctx, complaintID)
	s.publish(realtime.EventUpdatedComplaint, dto.CommentEvent{
		ComplaintID: complaintID,
		Change:      dto.CommentEdited,
		CommentID:   comment.ID,
		Comment:     comment,
	})
	return comment, nil
}

// Delete removes a comment; its author or an admin may do so.
func (s *CommentService) Delete(ctx context.Context, actor models.Actor, complaintID, commentID string) error {
	comment, err := s.load(ctx, actor, complaintID, commentID)
	if err != nil {
		return err
	}
	if comment.AuthorID != actor.ID && actor.Role != models.RoleAdmin {
		return appErrors.Clone(appErrors.ErrForbidden, "only the author or an admin can delete a comment")
	}
	if err := s.repo.DeleteComment(ctx, complaintID, commentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "comment not found")
		}
		return appErrors.Storage(err)
	}
	s.forget(ctx, complaintID)
	s.record(ctx, actor, models.AuditActionCommentDelete, complaintID, map[string]string{
		"commentId": commentID,
		"authorId":  comment.AuthorID,
	})
	s.publish(realtime.EventUpdatedComplaint, dto.CommentEvent{
		ComplaintID: complaintID,
		Change:      dto.CommentDeleted,
		CommentID:   commentID,
	})
	return nil
}

func (s *CommentService) load(ctx context.Context, actor models.Actor, complaintID, commentID string) (*models.Comment, error) {
	if _, err := s.guard.Load(ctx, actor, ActionRead, func(ctx context.Context) (*models.Complaint, error) {
		return s.repo.FindByID(ctx, complaintID)
	}); err != nil {
		return nil, err
	}
	comment, err := s.repo.FindComment(ctx, complaintID, commentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "comment not found")
		}
		return nil, appErrors.Storage(err)
	}
	return comment, nil
}

func commentText(raw string) (string, error) {
	text := plainText(raw)
	length := utf8.RuneCountInString(text)
	switch {
	case length == 0:
		return "", appErrors.Validation("invalid payload", appErrors.FieldError{Field: "text", Message: "is required"})
	case length > maxCommentLength:
		return "", appErrors.Validation("invalid payload", appErrors.FieldError{Field: "text", Message: "must be at most 500 characters"})
	}
	return text, nil
}
