package models

import (
	"errors"
	"strings"
	"time"
)

// ComplaintStatus enumerates lifecycle states.
type ComplaintStatus string

const (
	ComplaintStatusPending    ComplaintStatus = "pending"
	ComplaintStatusInProgress ComplaintStatus = "in_progress"
	ComplaintStatusResolved   ComplaintStatus = "resolved"
	ComplaintStatusRejected   ComplaintStatus = "rejected"
	ComplaintStatusClosed     ComplaintStatus = "closed"
)

var complaintTransitions = map[ComplaintStatus][]ComplaintStatus{
	ComplaintStatusPending:    {ComplaintStatusInProgress, ComplaintStatusRejected},
	ComplaintStatusInProgress: {ComplaintStatusResolved, ComplaintStatusRejected, ComplaintStatusClosed},
	ComplaintStatusResolved:   {ComplaintStatusClosed},
	ComplaintStatusRejected:   {ComplaintStatusClosed},
	ComplaintStatusClosed:     {},
}

// Valid reports whether the status is a known lifecycle state.
func (s ComplaintStatus) Valid() bool {
	_, ok := complaintTransitions[s]
	return ok
}

// CanTransitionTo reports whether next is reachable from s in the lifecycle table.
func (s ComplaintStatus) CanTransitionTo(next ComplaintStatus) bool {
	for _, allowed := range complaintTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ComplaintCategory is the closed set of complaint categories.
type ComplaintCategory string

const (
	CategoryAcademic       ComplaintCategory = "academic"
	CategoryAdministrative ComplaintCategory = "administrative"
	CategoryTechnical      ComplaintCategory = "technical"
	CategoryInfrastructure ComplaintCategory = "infrastructure"
	CategoryFacilities     ComplaintCategory = "facilities"
	CategoryFinancial      ComplaintCategory = "financial"
	CategoryHarassment     ComplaintCategory = "harassment"
	CategoryOther          ComplaintCategory = "other"
)

// ComplaintPriority ranks urgency.
type ComplaintPriority string

const (
	PriorityLow    ComplaintPriority = "low"
	PriorityMedium ComplaintPriority = "medium"
	PriorityHigh   ComplaintPriority = "high"
	PriorityUrgent ComplaintPriority = "urgent"
)

var (
	// ErrNoOpTransition signals a transition to the current status.
	ErrNoOpTransition = errors.New("complaint already in requested status")
	// ErrInvalidTransition signals a move the lifecycle table does not allow.
	ErrInvalidTransition = errors.New("status transition not allowed")
	// ErrUnknownStatus signals a status outside the lifecycle.
	ErrUnknownStatus = errors.New("unknown complaint status")
)

// AssignmentNote is the history note recorded when assignment moves a complaint forward.
const AssignmentNote = "assignment"

// ContactInfo is how the complainant can be reached.
type ContactInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Normalize trims fields and lowercases the email.
func (ci ContactInfo) Normalize() ContactInfo {
	return ContactInfo{
		Name:  strings.TrimSpace(ci.Name),
		Email: strings.ToLower(strings.TrimSpace(ci.Email)),
		Phone: strings.TrimSpace(ci.Phone),
	}
}

// Complaint is the aggregate root; attachments, comments and history are owned by it.
type Complaint struct {
	ID          string            `json:"id"`
	TicketCode  string            `json:"ticketCode"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Category    ComplaintCategory `json:"category"`
	Priority    ComplaintPriority `json:"priority"`
	Department  string            `json:"department"`
	ContactInfo ContactInfo       `json:"contactInfo"`
	Status      ComplaintStatus   `json:"status"`

	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy      *string    `json:"resolvedBy,omitempty"`
	ResolutionNote  *string    `json:"resolutionNote,omitempty"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
	RejectedBy      *string    `json:"rejectedBy,omitempty"`
	RejectionReason *string    `json:"rejectionReason,omitempty"`

	UserID     string     `json:"userId"`
	AssignedTo *string    `json:"assignedTo,omitempty"`
	AssignedAt *time.Time `json:"assignedAt,omitempty"`

	AttachmentCount int                  `json:"attachmentCount"`
	Attachments     []Attachment         `json:"attachments"`
	Comments        []Comment            `json:"comments"`
	StatusHistory   []StatusHistoryEntry `json:"statusHistory"`

	IsActive  bool       `json:"isActive"`
	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Transition moves the complaint to next and applies the status side effects.
// It returns the history entry to persist with the change; the entry id is left
// for the caller. With strict unset, moves outside the lifecycle table are
// accepted. Resolution and rejection fields are written once and never overwritten.
func (c *Complaint) Transition(next ComplaintStatus, actorID, note string, at time.Time, strict bool) (*StatusHistoryEntry, error) {
	if !next.Valid() {
		return nil, ErrUnknownStatus
	}
	if next == c.Status {
		return nil, ErrNoOpTransition
	}
	if strict && !c.Status.CanTransitionTo(next) {
		return nil, ErrInvalidTransition
	}

	entry := &StatusHistoryEntry{
		ComplaintID:    c.ID,
		PreviousStatus: c.Status,
		NewStatus:      next,
		ChangedBy:      actorID,
		Note:           note,
		ChangedAt:      at,
	}

	c.Status = next
	switch next {
	case ComplaintStatusResolved:
		if c.ResolvedAt == nil {
			c.ResolvedAt = timePtr(at)
			c.ResolvedBy = stringPtr(actorID)
			if note != "" {
				c.ResolutionNote = stringPtr(note)
			}
		}
	case ComplaintStatusRejected:
		if c.RejectedAt == nil {
			c.RejectedAt = timePtr(at)
			c.RejectedBy = stringPtr(actorID)
			if note != "" {
				c.RejectionReason = stringPtr(note)
			}
		}
	case ComplaintStatusInProgress:
		if c.AssignedTo == nil || *c.AssignedTo == "" {
			c.AssignedTo = stringPtr(actorID)
			c.AssignedAt = timePtr(at)
		}
	}
	c.UpdatedAt = at
	return entry, nil
}

// Assign sets the assignee. A pending complaint also moves to in_progress and the
// returned history entry (nil otherwise) records the assignment as its reason.
func (c *Complaint) Assign(assigneeID, actorID string, at time.Time) *StatusHistoryEntry {
	c.AssignedTo = stringPtr(assigneeID)
	c.AssignedAt = timePtr(at)
	c.UpdatedAt = at
	if c.Status != ComplaintStatusPending {
		return nil
	}
	entry, err := c.Transition(ComplaintStatusInProgress, actorID, AssignmentNote, at, false)
	if err != nil {
		return nil
	}
	return entry
}

// Attachment is a stored file bound to a complaint.
type Attachment struct {
	ID           string    `db:"id" json:"id"`
	ComplaintID  string    `db:"complaint_id" json:"complaintId"`
	Filename     string    `db:"filename" json:"filename"`
	OriginalName string    `db:"original_name" json:"originalName"`
	Locator      string    `db:"locator" json:"-"`
	MimeType     string    `db:"mime_type" json:"mimetype"`
	Size         int64     `db:"size_bytes" json:"size"`
	UploadedBy   string    `db:"uploaded_by" json:"uploadedBy"`
	UploadedAt   time.Time `db:"uploaded_at" json:"uploadedAt"`
}

// Comment is a remark in a complaint thread.
type Comment struct {
	ID             string     `db:"id" json:"id"`
	ComplaintID    string     `db:"complaint_id" json:"complaintId"`
	AuthorID       string     `db:"author_id" json:"authorId"`
	Text           string     `db:"text" json:"text"`
	IsStaffComment bool       `db:"is_staff_comment" json:"isStaffComment"`
	IsEdited       bool       `db:"is_edited" json:"isEdited"`
	EditedAt       *time.Time `db:"edited_at" json:"editedAt,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
}

// StatusHistoryEntry is one immutable record of a status change.
type StatusHistoryEntry struct {
	ID             string          `db:"id" json:"id"`
	ComplaintID    string          `db:"complaint_id" json:"complaintId"`
	PreviousStatus ComplaintStatus `db:"previous_status" json:"previousStatus"`
	NewStatus      ComplaintStatus `db:"new_status" json:"newStatus"`
	ChangedBy      string          `db:"changed_by" json:"changedBy"`
	Note           string          `db:"note" json:"note,omitempty"`
	ChangedAt      time.Time       `db:"changed_at" json:"changedAt"`
}

// ComplaintFilter narrows complaint listings.
type ComplaintFilter struct {
	OwnerID    string
	Status     ComplaintStatus
	Category   ComplaintCategory
	Priority   ComplaintPriority
	AssignedTo string
	Search     string
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s string) *string {
	return &s
}
