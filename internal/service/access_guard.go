package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/noah-isme/complaint-desk-api/internal/models"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
)

// ComplaintAction names an operation checked by the AccessGuard.
type ComplaintAction string

const (
	ActionRead              ComplaintAction = "read"
	ActionUpdateContent     ComplaintAction = "update_content"
	ActionTransition        ComplaintAction = "transition"
	ActionAssign            ComplaintAction = "assign"
	ActionDelete            ComplaintAction = "delete"
	ActionPurge             ComplaintAction = "purge"
	ActionComment           ComplaintAction = "comment"
	ActionManageAttachments ComplaintAction = "manage_attachments"
)

// AccessGuard decides who may do what to a complaint.
//
// Owners may always read and comment, and may change content, attachments or
// delete only while the complaint is pending. Staff and admins may do anything
// except purge, which is reserved for admins.
type AccessGuard struct{}

// NewAccessGuard constructs the guard.
func NewAccessGuard() *AccessGuard {
	return &AccessGuard{}
}

// Authorize returns nil when actor may perform action on complaint.
func (g *AccessGuard) Authorize(actor models.Actor, complaint *models.Complaint, action ComplaintAction) error {
	if actor.ID == "" {
		return appErrors.ErrUnauthorized
	}
	if !actor.Role.Valid() {
		return appErrors.ErrForbidden
	}
	if action == ActionPurge {
		if actor.Role == models.RoleAdmin {
			return nil
		}
		return appErrors.Clone(appErrors.ErrForbidden, "only admins can purge complaints")
	}
	if actor.Role.Privileged() {
		return nil
	}
	if complaint == nil || complaint.UserID != actor.ID {
		return appErrors.ErrForbidden
	}

	switch action {
	case ActionRead, ActionComment:
		return nil
	case ActionUpdateContent, ActionDelete, ActionManageAttachments:
		if complaint.Status == models.ComplaintStatusPending {
			return nil
		}
		return appErrors.Clone(appErrors.ErrForbidden, "complaint can only be changed while pending")
	default:
		return appErrors.ErrForbidden
	}
}

// Load fetches a complaint through load and authorizes action on it. A user who
// asks for a complaint that does not exist is told Forbidden, as if it belonged
// to someone else; staff and admins see NotFound.
func (g *AccessGuard) Load(ctx context.Context, actor models.Actor, action ComplaintAction, load func(context.Context) (*models.Complaint, error)) (*models.Complaint, error) {
	if actor.ID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	complaint, err := load(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if actor.Role.Privileged() {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "complaint not found")
			}
			return nil, appErrors.ErrForbidden
		}
		return nil, appErrors.Storage(err)
	}
	if err := g.Authorize(actor, complaint, action); err != nil {
		return nil, err
	}
	return complaint, nil
}
