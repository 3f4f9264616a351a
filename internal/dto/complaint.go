package dto

import (
	"io"
	"time"

	"github.com/noah-isme/complaint-desk-api/internal/models"
)

// ContactInfoInput is the complainant contact block.
type ContactInfoInput struct {
	Name  string `json:"name" form:"contactName" validate:"required,max=120"`
	Email string `json:"email" form:"contactEmail" validate:"required,email,max=254"`
	Phone string `json:"phone" form:"contactPhone" validate:"omitempty,max=32"`
}

// CreateComplaintRequest is submitted as JSON or as multipart fields with files.
type CreateComplaintRequest struct {
	Title       string           `json:"title" form:"title" validate:"required,min=5,max=200"`
	Description string           `json:"description" form:"description" validate:"required,min=10,max=2000"`
	Category    string           `json:"category" form:"category" validate:"required,complaint_category"`
	Priority    string           `json:"priority" form:"priority" validate:"omitempty,complaint_priority"`
	Department  string           `json:"department" form:"department" validate:"max=120"`
	ContactInfo ContactInfoInput `json:"contactInfo"`
}

// UpdateComplaintRequest carries the content fields to change; nil fields are kept.
type UpdateComplaintRequest struct {
	Title       *string           `json:"title" validate:"omitempty,min=5,max=200"`
	Description *string           `json:"description" validate:"omitempty,min=10,max=2000"`
	Category    *string           `json:"category" validate:"omitempty,complaint_category"`
	Priority    *string           `json:"priority" validate:"omitempty,complaint_priority"`
	Department  *string           `json:"department" validate:"omitempty,max=120"`
	ContactInfo *ContactInfoInput `json:"contactInfo" validate:"omitempty"`
}

// Empty reports whether the request changes nothing.
func (r UpdateComplaintRequest) Empty() bool {
	return r.Title == nil && r.Description == nil && r.Category == nil &&
		r.Priority == nil && r.Department == nil && r.ContactInfo == nil
}

// TransitionStatusRequest moves a complaint through its lifecycle.
type TransitionStatusRequest struct {
	Status string `json:"status" validate:"required,complaint_status"`
	Note   string `json:"note" validate:"max=500"`
}

// AssignComplaintRequest hands a complaint to a staff member.
type AssignComplaintRequest struct {
	AssigneeID string `json:"assigneeId" validate:"required,max=64"`
}

// CommentRequest creates or edits a comment.
type CommentRequest struct {
	Text string `json:"text" validate:"required,max=500"`
}

// ComplaintQuery mirrors supported listing filters.
type ComplaintQuery struct {
	Status     string `form:"status"`
	Category   string `form:"category"`
	Priority   string `form:"priority"`
	AssignedTo string `form:"assignedTo"`
	Search     string `form:"search"`
	Page       int    `form:"page"`
	PageSize   int    `form:"pageSize"`
	SortBy     string `form:"sortBy"`
	SortOrder  string `form:"sortOrder"`
}

// UploadedFile is a file received from the transport layer, not yet stored.
type UploadedFile struct {
	OriginalName string
	Size         int64
	MimeType     string
	Content      io.Reader
}

// TransitionResult reports the outcome of a status change; NoOp is set when the
// complaint was already in the requested status and nothing was written.
type TransitionResult struct {
	Complaint *models.Complaint `json:"complaint"`
	NoOp      bool              `json:"noop"`
}

// ComplaintEvent is the payload of UPDATED_COMPLAINT events.
type ComplaintEvent struct {
	*models.Complaint
	StatusChanged bool `json:"statusChanged,omitempty"`
}

// ComplaintDeletedEvent is the payload of DELETED_COMPLAINT events.
type ComplaintDeletedEvent struct {
	ID         string `json:"id"`
	TicketCode string `json:"ticketCode"`
	Purged     bool   `json:"purged"`
}

// Comment changes carried by UPDATED_COMPLAINT events.
const (
	CommentEdited  = "comment_edited"
	CommentDeleted = "comment_deleted"
)

// CommentEvent is the payload of NEW_COMMENT events. Edits and deletions go out
// as UPDATED_COMPLAINT with Change set; a deletion carries only CommentID.
type CommentEvent struct {
	ComplaintID string          `json:"complaintId"`
	Change      string          `json:"change,omitempty"`
	CommentID   string          `json:"commentId,omitempty"`
	Comment     *models.Comment `json:"comment,omitempty"`
}

// AttachmentDownloadResponse enriches metadata with a signed download URL.
type AttachmentDownloadResponse struct {
	models.Attachment
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
