package handler

import (
	"context"
	"encoding/json"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/complaint-desk-api/internal/dto"
	"github.com/noah-isme/complaint-desk-api/internal/models"
	"github.com/noah-isme/complaint-desk-api/internal/service"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
	"github.com/noah-isme/complaint-desk-api/pkg/response"
)

const attachmentsField = "attachments"

type complaintLifecycle interface {
	Create(ctx context.Context, actor models.Actor, req dto.CreateComplaintRequest, uploads []dto.UploadedFile) (*models.Complaint, error)
	Get(ctx context.Context, actor models.Actor, id string) (*models.Complaint, error)
	List(ctx context.Context, actor models.Actor, query dto.ComplaintQuery) ([]models.Complaint, *models.Pagination, error)
	UpdateContent(ctx context.Context, actor models.Actor, id string, req dto.UpdateComplaintRequest) (*models.Complaint, error)
	Transition(ctx context.Context, actor models.Actor, id string, req dto.TransitionStatusRequest) (*dto.TransitionResult, error)
	Assign(ctx context.Context, actor models.Actor, id string, req dto.AssignComplaintRequest) (*models.Complaint, error)
	Delete(ctx context.Context, actor models.Actor, id string) error
	Purge(ctx context.Context, actor models.Actor, id string) error
	History(ctx context.Context, actor models.Actor, id string) ([]models.StatusHistoryEntry, error)
}

type complaintComments interface {
	Add(ctx context.Context, actor models.Actor, complaintID string, req dto.CommentRequest) (*models.Comment, error)
	Edit(ctx context.Context, actor models.Actor, complaintID, commentID string, req dto.CommentRequest) (*models.Comment, error)
	Delete(ctx context.Context, actor models.Actor, complaintID, commentID string) error
}

type complaintAttachments interface {
	Add(ctx context.Context, actor models.Actor, complaintID string, uploads []dto.UploadedFile) ([]models.Attachment, error)
	Remove(ctx context.Context, actor models.Actor, complaintID, attachmentID string) error
	DownloadURL(ctx context.Context, actor models.Actor, complaintID, attachmentID string) (*dto.AttachmentDownloadResponse, error)
	Open(ctx context.Context, complaintID, attachmentID, token string) (*service.AttachmentDownload, error)
}

// ComplaintHandler exposes the complaint lifecycle over HTTP.
type ComplaintHandler struct {
	complaints  complaintLifecycle
	comments    complaintComments
	attachments complaintAttachments
}

// NewComplaintHandler constructs a ComplaintHandler.
func NewComplaintHandler(complaints complaintLifecycle, comments complaintComments, attachments complaintAttachments) *ComplaintHandler {
	return &ComplaintHandler{complaints: complaints, comments: comments, attachments: attachments}
}

// Create godoc
// @Summary File a complaint
// @Description Accepts JSON, or multipart/form-data with files under "attachments".
// @Tags Complaints
// @Accept json,mpfd
// @Produce json
// @Param payload body dto.CreateComplaintRequest true "Complaint payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints [post]
func (h *ComplaintHandler) Create(c *gin.Context) {
	var (
		req     dto.CreateComplaintRequest
		uploads []dto.UploadedFile
	)
	if isMultipart(c) {
		form, err := c.MultipartForm()
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid multipart payload"))
			return
		}
		req, err = createRequestFromForm(c)
		if err != nil {
			response.Error(c, err)
			return
		}
		files, closeAll, err := openUploads(form.File[attachmentsField])
		if err != nil {
			response.Error(c, err)
			return
		}
		defer closeAll()
		uploads = files
	} else if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid complaint payload"))
		return
	}

	complaint, err := h.complaints.Create(c.Request.Context(), actorFromContext(c), req, uploads)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, complaint)
}

// List godoc
// @Summary List complaints
// @Description Users only see their own complaints.
// @Tags Complaints
// @Produce json
// @Param status query string false "Status"
// @Param category query string false "Category"
// @Param priority query string false "Priority"
// @Param assignedTo query string false "Assignee"
// @Param search query string false "Search title or ticket code"
// @Param page query int false "Page number"
// @Param pageSize query int false "Page size"
// @Param sortBy query string false "createdAt, updatedAt, priority or status"
// @Param sortOrder query string false "asc or desc"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints [get]
func (h *ComplaintHandler) List(c *gin.Context) {
	var query dto.ComplaintQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query"))
		return
	}
	complaints, pagination, err := h.complaints.List(c.Request.Context(), actorFromContext(c), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, complaints, pagination)
}

// Get godoc
// @Summary Get complaint detail
// @Tags Complaints
// @Produce json
// @Param id path string true "Complaint ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints/{id} [get]
func (h *ComplaintHandler) Get(c *gin.Context) {
	complaint, err := h.complaints.Get(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, complaint, nil)
}

// Update godoc
// @Summary Update complaint content
// @Tags Complaints
// @Accept json
// @Produce json
// @Param id path string true "Complaint ID"
// @Param payload body dto.UpdateComplaintRequest true "Fields to change"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints/{id} [put]
func (h *ComplaintHandler) Update(c *gin.Context) {
	var req dto.UpdateComplaintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid complaint payload"))
		return
	}
	complaint, err := h.complaints.UpdateContent(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, complaint, nil)
}

// Transition godoc
// @Summary Change complaint status
// @Description Requesting the current status changes nothing and reports meta.noop.
// @Tags Complaints
// @Accept json
// @Produce json
// @Param id path string true "Complaint ID"
// @Param payload body dto.TransitionStatusRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints/{id}/status [patch]
func (h *ComplaintHandler) Transition(c *gin.Context) {
	var req dto.TransitionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid status payload"))
		return
	}
	result, err := h.complaints.Transition(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result.Complaint, nil, map[string]interface{}{"noop": result.NoOp})
}

// Assign godoc
// @Summary Assign complaint
// @Tags Complaints
// @Accept json
// @Produce json
// @Param id path string true "Complaint ID"
// @Param payload body dto.AssignComplaintRequest true "Assignee"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints/{id}/assign [patch]
func (h *ComplaintHandler) Assign(c *gin.Context) {
	var req dto.AssignComplaintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid assignment payload"))
		return
	}
	complaint, err := h.complaints.Assign(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, complaint, nil)
}

// Delete godoc
// @Summary Soft delete complaint
// @Tags Complaints
// @Param id path string true "Complaint ID"
// @Success 204
// @Security BearerAuth
// @Router /complaints/{id} [delete]
func (h *ComplaintHandler) Delete(c *gin.Context) {
	if err := h.complaints.Delete(c.Request.Context(), actorFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Purge godoc
// @Summary Permanently delete complaint
// @Description Admin only. Removes attachment files and every owned record.
// @Tags Complaints
// @Param id path string true "Complaint ID"
// @Success 204
// @Security BearerAuth
// @Router /complaints/{id}/purge [delete]
func (h *ComplaintHandler) Purge(c *gin.Context) {
	if err := h.complaints.Purge(c.Request.Context(), actorFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// History godoc
// @Summary Complaint status history
// @Tags Complaints
// @Produce json
// @Param id path string true "Complaint ID"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints/{id}/history [get]
func (h *ComplaintHandler) History(c *gin.Context) {
	entries, err := h.complaints.History(c.Request.Context(), actorFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// AddComment godoc
// @Summary Comment on a complaint
// @Tags Complaint Comments
// @Accept json
// @Produce json
// @Param id path string true "Complaint ID"
// @Param payload body dto.CommentRequest true "Comment"
// @Success 201 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints/{id}/comments [post]
func (h *ComplaintHandler) AddComment(c *gin.Context) {
	var req dto.CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid comment payload"))
		return
	}
	comment, err := h.comments.Add(c.Request.Context(), actorFromContext(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, comment)
}

// EditComment godoc
// @Summary Edit own comment
// @Tags Complaint Comments
// @Accept json
// @Produce json
// @Param id path string true "Complaint ID"
// @Param commentId path string true "Comment ID"
// @Param payload body dto.CommentRequest true "Comment"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints/{id}/comments/{commentId} [put]
func (h *ComplaintHandler) EditComment(c *gin.Context) {
	var req dto.CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid comment payload"))
		return
	}
	comment, err := h.comments.Edit(c.Request.Context(), actorFromContext(c), c.Param("id"), c.Param("commentId"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, comment, nil)
}

// DeleteComment godoc
// @Summary Delete comment
// @Tags Complaint Comments
// @Param id path string true "Complaint ID"
// @Param commentId path string true "Comment ID"
// @Success 204
// @Security BearerAuth
// @Router /complaints/{id}/comments/{commentId} [delete]
func (h *ComplaintHandler) DeleteComment(c *gin.Context) {
	if err := h.comments.Delete(c.Request.Context(), actorFromContext(c), c.Param("id"), c.Param("commentId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// AddAttachments godoc
// @Summary Attach files
// @Tags Complaint Attachments
// @Accept mpfd
// @Produce json
// @Param id path string true "Complaint ID"
// @Param attachments formData file true "Files"
// @Success 201 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints/{id}/attachments [post]
func (h *ComplaintHandler) AddAttachments(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid multipart payload"))
		return
	}
	uploads, closeAll, err := openUploads(form.File[attachmentsField])
	if err != nil {
		response.Error(c, err)
		return
	}
	defer closeAll()

	added, err := h.attachments.Add(c.Request.Context(), actorFromContext(c), c.Param("id"), uploads)
	if err != nil {
		if len(added) > 0 {
			appErr := appErrors.FromError(err)
			response.JSON(c, appErr.Status, added, nil, map[string]interface{}{"error": appErr})
			return
		}
		response.Error(c, err)
		return
	}
	response.Created(c, added)
}

// RemoveAttachment godoc
// @Summary Remove attachment
// @Tags Complaint Attachments
// @Param id path string true "Complaint ID"
// @Param attachmentId path string true "Attachment ID"
// @Success 204
// @Security BearerAuth
// @Router /complaints/{id}/attachments/{attachmentId} [delete]
func (h *ComplaintHandler) RemoveAttachment(c *gin.Context) {
	if err := h.attachments.Remove(c.Request.Context(), actorFromContext(c), c.Param("id"), c.Param("attachmentId")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// AttachmentURL godoc
// @Summary Signed attachment download URL
// @Tags Complaint Attachments
// @Produce json
// @Param id path string true "Complaint ID"
// @Param attachmentId path string true "Attachment ID"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /complaints/{id}/attachments/{attachmentId}/url [get]
func (h *ComplaintHandler) AttachmentURL(c *gin.Context) {
	link, err := h.attachments.DownloadURL(c.Request.Context(), actorFromContext(c), c.Param("id"), c.Param("attachmentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, link, nil)
}

// DownloadAttachment godoc
// @Summary Download attachment with a signed token
// @Tags Complaint Attachments
// @Produce octet-stream
// @Param id path string true "Complaint ID"
// @Param attachmentId path string true "Attachment ID"
// @Param token query string true "Signed token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /complaints/{id}/attachments/{attachmentId}/download [get]
func (h *ComplaintHandler) DownloadAttachment(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "token is required"))
		return
	}
	download, err := h.attachments.Open(c.Request.Context(), c.Param("id"), c.Param("attachmentId"), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close() //nolint:errcheck

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": download.Filename})
	c.DataFromReader(http.StatusOK, download.SizeBytes, download.MimeType, download.File, map[string]string{
		"Content-Disposition":    disposition,
		"Cache-Control":          "private, no-store",
		"X-Content-Type-Options": "nosniff",
	})
}

func isMultipart(c *gin.Context) bool {
	mediaType, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// createRequestFromForm reads complaint fields from a multipart form. Contact
// details come either as a JSON "contactInfo" field or as flat contact* fields.
func createRequestFromForm(c *gin.Context) (dto.CreateComplaintRequest, error) {
	req := dto.CreateComplaintRequest{
		Title:       c.PostForm("title"),
		Description: c.PostForm("description"),
		Category:    c.PostForm("category"),
		Priority:    c.PostForm("priority"),
		Department:  c.PostForm("department"),
		ContactInfo: dto.ContactInfoInput{
			Name:  c.PostForm("contactName"),
			Email: c.PostForm("contactEmail"),
			Phone: c.PostForm("contactPhone"),
		},
	}
	if raw := strings.TrimSpace(c.PostForm("contactInfo")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.ContactInfo); err != nil {
			return req, appErrors.Validation("invalid payload", appErrors.FieldError{Field: "contactInfo", Message: "must be a JSON object"})
		}
	}
	return req, nil
}

// openUploads opens every file part; the returned func closes them all.
func openUploads(headers []*multipart.FileHeader) ([]dto.UploadedFile, func(), error) {
	uploads := make([]dto.UploadedFile, 0, len(headers))
	files := make([]multipart.File, 0, len(headers))
	closeAll := func() {
		for _, file := range files {
			file.Close() //nolint:errcheck
		}
	}
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			closeAll()
			return nil, func() {}, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable upload")
		}
		files = append(files, file)
		uploads = append(uploads, dto.UploadedFile{
			OriginalName: header.Filename,
			Size:         header.Size,
			MimeType:     header.Header.Get("Content-Type"),
			Content:      file,
		})
	}
	return uploads, closeAll, nil
}
