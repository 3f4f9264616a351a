package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/complaint-desk-api/internal/models"
)

var (
	// ErrVersionConflict is returned when a complaint changed since it was read.
	ErrVersionConflict = errors.New("complaint version conflict")
	// ErrAttachmentLimit is returned when a complaint already holds the maximum attachments.
	ErrAttachmentLimit = errors.New("attachment limit reached")
	// ErrDuplicateTicketCode is returned when a generated ticket code is already taken.
	ErrDuplicateTicketCode = errors.New("ticket code already exists")
)

const ticketCodeConstraint = "complaints_ticket_code_key"

const complaintColumns = `id, ticket_code, title, description, category, priority, department,
       contact_name, contact_email, contact_phone, status, resolved_at, resolved_by, resolution_note,
       rejected_at, rejected_by, rejection_reason, user_id, assigned_to, assigned_at, attachment_count,
       is_active, is_deleted, deleted_at, version, created_at, updated_at`

type complaintRow struct {
	ID              string     `db:"id"`
	TicketCode      string     `db:"ticket_code"`
	Title           string     `db:"title"`
	Description     string     `db:"description"`
	Category        string     `db:"category"`
	Priority        string     `db:"priority"`
	Department      string     `db:"department"`
	ContactName     string     `db:"contact_name"`
	ContactEmail    string     `db:"contact_email"`
	ContactPhone    string     `db:"contact_phone"`
	Status          string     `db:"status"`
	ResolvedAt      *time.Time `db:"resolved_at"`
	ResolvedBy      *string    `db:"resolved_by"`
	ResolutionNote  *string    `db:"resolution_note"`
	RejectedAt      *time.Time `db:"rejected_at"`
	RejectedBy      *string    `db:"rejected_by"`
	RejectionReason *string    `db:"rejection_reason"`
	UserID          string     `db:"user_id"`
	AssignedTo      *string    `db:"assigned_to"`
	AssignedAt      *time.Time `db:"assigned_at"`
	AttachmentCount int        `db:"attachment_count"`
	IsActive        bool       `db:"is_active"`
	IsDeleted       bool       `db:"is_deleted"`
	DeletedAt       *time.Time `db:"deleted_at"`
	Version         int        `db:"version"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func rowFromComplaint(c *models.Complaint) complaintRow {
	return complaintRow{
		ID:              c.ID,
		TicketCode:      c.TicketCode,
		Title:           c.Title,
		Description:     c.Description,
		Category:        string(c.Category),
		Priority:        string(c.Priority),
		Department:      c.Department,
		ContactName:     c.ContactInfo.Name,
		ContactEmail:    c.ContactInfo.Email,
		ContactPhone:    c.ContactInfo.Phone,
		Status:          string(c.Status),
		ResolvedAt:      c.ResolvedAt,
		ResolvedBy:      c.ResolvedBy,
		ResolutionNote:  c.ResolutionNote,
		RejectedAt:      c.RejectedAt,
		RejectedBy:      c.RejectedBy,
		RejectionReason: c.RejectionReason,
		UserID:          c.UserID,
		AssignedTo:      c.AssignedTo,
		AssignedAt:      c.AssignedAt,
		AttachmentCount: c.AttachmentCount,
		IsActive:        c.IsActive,
		IsDeleted:       c.IsDeleted,
		DeletedAt:       c.DeletedAt,
		Version:         c.Version,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func (r complaintRow) toModel() *models.Complaint {
	return &models.Complaint{
		ID:          r.ID,
		TicketCode:  r.TicketCode,
		Title:       r.Title,
		Description: r.Description,
		Category:    models.ComplaintCategory(r.Category),
		Priority:    models.ComplaintPriority(r.Priority),
		Department:  r.Department,
		ContactInfo: models.ContactInfo{
			Name:  r.ContactName,
			Email: r.ContactEmail,
			Phone: r.ContactPhone,
		},
		Status:          models.ComplaintStatus(r.Status),
		ResolvedAt:      r.ResolvedAt,
		ResolvedBy:      r.ResolvedBy,
		ResolutionNote:  r.ResolutionNote,
		RejectedAt:      r.RejectedAt,
		RejectedBy:      r.RejectedBy,
		RejectionReason: r.RejectionReason,
		UserID:          r.UserID,
		AssignedTo:      r.AssignedTo,
		AssignedAt:      r.AssignedAt,
		AttachmentCount: r.AttachmentCount,
		Attachments:     []models.Attachment{},
		Comments:        []models.Comment{},
		StatusHistory:   []models.StatusHistoryEntry{},
		IsActive:        r.IsActive,
		IsDeleted:       r.IsDeleted,
		DeletedAt:       r.DeletedAt,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// ComplaintRepository persists complaint aggregates and their owned rows.
type ComplaintRepository struct {
	db *sqlx.DB
}

// NewComplaintRepository constructs the repository.
func NewComplaintRepository(db *sqlx.DB) *ComplaintRepository {
	return &ComplaintRepository{db: db}
}

// Create inserts the complaint and any initial attachments in one transaction.
func (r *ComplaintRepository) Create(ctx context.Context, c *models.Complaint) error {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	if c.Version == 0 {
		c.Version = 1
	}
	c.AttachmentCount = len(c.Attachments)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create complaint: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO complaints (id, ticket_code, title, description, category, priority, department,
	contact_name, contact_email, contact_phone, status, user_id, assigned_to, assigned_at, attachment_count,
	is_active, is_deleted, version, created_at, updated_at)
	VALUES (:id, :ticket_code, :title, :description, :category, :priority, :department,
	:contact_name, :contact_email, :contact_phone, :status, :user_id, :assigned_to, :assigned_at, :attachment_count,
	:is_active, :is_deleted, :version, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, rowFromComplaint(c)); err != nil {
		if isUniqueViolation(err, ticketCodeConstraint) {
			return ErrDuplicateTicketCode
		}
		return fmt.Errorf("insert complaint: %w", err)
	}

	for i := range c.Attachments {
		a := &c.Attachments[i]
		a.ComplaintID = c.ID
		if err := insertAttachment(ctx, tx, a); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create complaint: %w", err)
	}
	return nil
}

// FindByID loads a live complaint with attachments, comments and history.
func (r *ComplaintRepository) FindByID(ctx context.Context, id string) (*models.Complaint, error) {
	return r.find(ctx, id, false)
}

// FindByIDUnscoped loads a complaint even when soft-deleted.
func (r *ComplaintRepository) FindByIDUnscoped(ctx context.Context, id string) (*models.Complaint, error) {
	return r.find(ctx, id, true)
}

func (r *ComplaintRepository) find(ctx context.Context, id string, includeDeleted bool) (*models.Complaint, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, sql.ErrNoRows
	}
	query := `SELECT ` + complaintColumns + ` FROM complaints WHERE id = $1`
	if !includeDeleted {
		query += ` AND is_deleted = FALSE`
	}
	var row complaintRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, err
	}
	complaint := row.toModel()

	const attachmentsQuery = `SELECT id, complaint_id, filename, original_name, locator, mime_type, size_bytes, uploaded_by, uploaded_at
	FROM complaint_attachments WHERE complaint_id = $1 ORDER BY uploaded_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &complaint.Attachments, attachmentsQuery, id); err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	const commentsQuery = `SELECT id, complaint_id, author_id, text, is_staff_comment, is_edited, edited_at, created_at
	FROM complaint_comments WHERE complaint_id = $1 ORDER BY created_at ASC, id ASC`
	if err := r.db.SelectContext(ctx, &complaint.Comments, commentsQuery, id); err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	const historyQuery = `SELECT id, complaint_id, previous_status, new_status, changed_by, note, changed_at
	FROM complaint_status_history WHERE complaint_id = $1 ORDER BY seq ASC`
	if err := r.db.SelectContext(ctx, &complaint.StatusHistory, historyQuery, id); err != nil {
		return nil, fmt.Errorf("load status history: %w", err)
	}
	return complaint, nil
}

var complaintSortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"priority":  "priority",
	"status":    "status",
}

// List returns live complaints matching the filter without sub-collections, plus the total count.
func (r *ComplaintRepository) List(ctx context.Context, filter models.ComplaintFilter) ([]models.Complaint, int, error) {
	conditions := []string{"is_deleted = FALSE"}
	args := make([]interface{}, 0, 6)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Priority != "" {
		args = append(args, string(filter.Priority))
		conditions = append(conditions, fmt.Sprintf("priority = $%d", len(args)))
	}
	if filter.AssignedTo != "" {
		args = append(args, filter.AssignedTo)
		conditions = append(conditions, fmt.Sprintf("assigned_to = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
		conditions = append(conditions, fmt.Sprintf("(LOWER(title) LIKE $%d OR LOWER(ticket_code) LIKE $%d)", len(args), len(args)))
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM complaints"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count complaints: %w", err)
	}

	sortColumn, ok := complaintSortColumns[filter.SortBy]
	if !ok {
		sortColumn = "created_at"
	}
	sortOrder := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		sortOrder = "ASC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}

	query := fmt.Sprintf("SELECT %s FROM complaints%s ORDER BY %s %s, id ASC LIMIT %d OFFSET %d",
		complaintColumns, where, sortColumn, sortOrder, size, (page-1)*size)
	var rows []complaintRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list complaints: %w", err)
	}
	complaints := make([]models.Complaint, 0, len(rows))
	for _, row := range rows {
		complaints = append(complaints, *row.toModel())
	}
	return complaints, total, nil
}

// Update writes the mutable complaint columns if the stored version still equals
// expectedVersion, appending entry to the status history in the same transaction.
func (r *ComplaintRepository) Update(ctx context.Context, c *models.Complaint, expectedVersion int, entry *models.StatusHistoryEntry) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update complaint: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := rowFromComplaint(c)
	row.UpdatedAt = time.Now().UTC()
	const query = `UPDATE complaints SET title = :title, description = :description, category = :category,
	priority = :priority, department = :department, contact_name = :contact_name, contact_email = :contact_email,
	contact_phone = :contact_phone, status = :status, resolved_at = :resolved_at, resolved_by = :resolved_by,
	resolution_note = :resolution_note, rejected_at = :rejected_at, rejected_by = :rejected_by,
	rejection_reason = :rejection_reason, assigned_to = :assigned_to, assigned_at = :assigned_at,
	version = version + 1, updated_at = :updated_at
	WHERE id = :id AND version = :expected_version AND is_deleted = FALSE`
	args := map[string]interface{}{
		"id":               row.ID,
		"title":            row.Title,
		"description":      row.Description,
		"category":         row.Category,
		"priority":         row.Priority,
		"department":       row.Department,
		"contact_name":     row.ContactName,
		"contact_email":    row.ContactEmail,
		"contact_phone":    row.ContactPhone,
		"status":           row.Status,
		"resolved_at":      row.ResolvedAt,
		"resolved_by":      row.ResolvedBy,
		"resolution_note":  row.ResolutionNote,
		"rejected_at":      row.RejectedAt,
		"rejected_by":      row.RejectedBy,
		"rejection_reason": row.RejectionReason,
		"assigned_to":      row.AssignedTo,
		"assigned_at":      row.AssignedAt,
		"updated_at":       row.UpdatedAt,
		"expected_version": expectedVersion,
	}
	result, err := tx.NamedExecContext(ctx, query, args)
	if err != nil {
		return fmt.Errorf("update complaint: %w", err)
	}
	if err := expectOneRow(result, ErrVersionConflict); err != nil {
		return err
	}

	if entry != nil {
		if err := insertHistory(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update complaint: %w", err)
	}
	c.Version = expectedVersion + 1
	c.UpdatedAt = row.UpdatedAt
	if entry != nil {
		c.StatusHistory = append(c.StatusHistory, *entry)
	}
	return nil
}

// ListHistory returns a complaint's status history newest first.
func (r *ComplaintRepository) ListHistory(ctx context.Context, complaintID string) ([]models.StatusHistoryEntry, error) {
	const query = `SELECT id, complaint_id, previous_status, new_status, changed_by, note, changed_at
	FROM complaint_status_history WHERE complaint_id = $1 ORDER BY seq DESC`
	entries := make([]models.StatusHistoryEntry, 0)
	if err := r.db.SelectContext(ctx, &entries, query, complaintID); err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	return entries, nil
}

// AddAttachment inserts attachment metadata if the complaint holds fewer than max attachments.
func (r *ComplaintRepository) AddAttachment(ctx context.Context, a *models.Attachment, max int) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add attachment: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const bump = `UPDATE complaints SET attachment_count = attachment_count + 1, version = version + 1, updated_at = $3
	WHERE id = $1 AND is_deleted = FALSE AND attachment_count < $2`
	result, err := tx.ExecContext(ctx, bump, a.ComplaintID, max, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reserve attachment slot: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("check attachment slot: %w", err)
	} else if rows == 0 {
		var exists bool
		const probe = `SELECT EXISTS (SELECT 1 FROM complaints WHERE id = $1 AND is_deleted = FALSE)`
		if err := tx.GetContext(ctx, &exists, probe, a.ComplaintID); err != nil {
			return fmt.Errorf("probe complaint: %w", err)
		}
		if !exists {
			return sql.ErrNoRows
		}
		return ErrAttachmentLimit
	}

	if err := insertAttachment(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add attachment: %w", err)
	}
	return nil
}

// RemoveAttachment deletes the attachment row and decrements the complaint counter.
func (r *ComplaintRepository) RemoveAttachment(ctx context.Context, complaintID, attachmentID string) (*models.Attachment, error) {
	if _, err := uuid.Parse(attachmentID); err != nil {
		return nil, sql.ErrNoRows
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin remove attachment: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const remove = `DELETE FROM complaint_attachments WHERE id = $1 AND complaint_id = $2
	RETURNING id, complaint_id, filename, original_name, locator, mime_type, size_bytes, uploaded_by, uploaded_at`
	var attachment models.Attachment
	if err := tx.GetContext(ctx, &attachment, remove, attachmentID, complaintID); err != nil {
		return nil, err
	}

	const decrement = `UPDATE complaints SET attachment_count = attachment_count - 1, version = version + 1, updated_at = $2
	WHERE id = $1 AND attachment_count > 0`
	if _, err := tx.ExecContext(ctx, decrement, complaintID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("release attachment slot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit remove attachment: %w", err)
	}
	return &attachment, nil
}

// ReferencedLocators returns the subset of locators still bound to an attachment row.
func (r *ComplaintRepository) ReferencedLocators(ctx context.Context, locators []string) (map[string]struct{}, error) {
	referenced := make(map[string]struct{}, len(locators))
	if len(locators) == 0 {
		return referenced, nil
	}
	const query = `SELECT locator FROM complaint_attachments WHERE locator = ANY($1)`
	var found []string
	if err := r.db.SelectContext(ctx, &found, query, pq.Array(locators)); err != nil {
		return nil, fmt.Errorf("lookup attachment locators: %w", err)
	}
	for _, locator := range found {
		referenced[locator] = struct{}{}
	}
	return referenced, nil
}

// AddComment appends a comment to the thread.
func (r *ComplaintRepository) AddComment(ctx context.Context, comment *models.Comment) error {
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO complaint_comments (id, complaint_id, author_id, text, is_staff_comment, is_edited, edited_at, created_at)
	VALUES (:id, :complaint_id, :author_id, :text, :is_staff_comment, :is_edited, :edited_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, comment); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// FindComment returns one comment of a complaint.
func (r *ComplaintRepository) FindComment(ctx context.Context, complaintID, commentID string) (*models.Comment, error) {
	if _, err := uuid.Parse(commentID); err != nil {
		return nil, sql.ErrNoRows
	}
	const query = `SELECT id, complaint_id, author_id, text, is_staff_comment, is_edited, edited_at, created_at
	FROM complaint_comments WHERE id = $1 AND complaint_id = $2`
	var comment models.Comment
	if err := r.db.GetContext(ctx, &comment, query, commentID, complaintID); err != nil {
		return nil, err
	}
	return &comment, nil
}

// UpdateComment rewrites the text of a comment owned by comment.AuthorID.
func (r *ComplaintRepository) UpdateComment(ctx context.Context, comment *models.Comment) error {
	const query = `UPDATE complaint_comments SET text = :text, is_edited = TRUE, edited_at = :edited_at
	WHERE id = :id AND complaint_id = :complaint_id AND author_id = :author_id`
	result, err := r.db.NamedExecContext(ctx, query, comment)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return expectOneRow(result, sql.ErrNoRows)
}

// DeleteComment removes a comment from the thread.
func (r *ComplaintRepository) DeleteComment(ctx context.Context, complaintID, commentID string) error {
	const query = `DELETE FROM complaint_comments WHERE id = $1 AND complaint_id = $2`
	result, err := r.db.ExecContext(ctx, query, commentID, complaintID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return expectOneRow(result, sql.ErrNoRows)
}

// SoftDelete flags the complaint deleted so default queries skip it.
func (r *ComplaintRepository) SoftDelete(ctx context.Context, id string, expectedVersion int) error {
	const query = `UPDATE complaints SET is_deleted = TRUE, is_active = FALSE, deleted_at = $3, updated_at = $3,
	version = version + 1 WHERE id = $1 AND version = $2 AND is_deleted = FALSE`
	result, err := r.db.ExecContext(ctx, query, id, expectedVersion, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("soft delete complaint: %w", err)
	}
	return expectOneRow(result, ErrVersionConflict)
}

// HardDelete removes the complaint row; owned rows cascade.
func (r *ComplaintRepository) HardDelete(ctx context.Context, id string) error {
	const query = `DELETE FROM complaints WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("hard delete complaint: %w", err)
	}
	return expectOneRow(result, sql.ErrNoRows)
}

func insertAttachment(ctx context.Context, tx *sqlx.Tx, a *models.Attachment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.UploadedAt.IsZero() {
		a.UploadedAt = time.Now().UTC()
	}
	const query = `INSERT INTO complaint_attachments (id, complaint_id, filename, original_name, locator, mime_type, size_bytes, uploaded_by, uploaded_at)
	VALUES (:id, :complaint_id, :filename, :original_name, :locator, :mime_type, :size_bytes, :uploaded_by, :uploaded_at)`
	if _, err := tx.NamedExecContext(ctx, query, a); err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sqlx.Tx, entry *models.StatusHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ChangedAt.IsZero() {
		entry.ChangedAt = time.Now().UTC()
	}
	const query = `INSERT INTO complaint_status_history (id, complaint_id, previous_status, new_status, changed_by, note, changed_at)
	VALUES (:id, :complaint_id, :previous_status, :new_status, :changed_by, :note, :changed_at)`
	if _, err := tx.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

func expectOneRow(result sql.Result, none error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check affected rows: %w", err)
	}
	if rows == 0 {
		return none
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
}
