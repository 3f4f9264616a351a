package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/complaint-desk-api/internal/dto"
	"github.com/noah-isme/complaint-desk-api/internal/middleware"
	"github.com/noah-isme/complaint-desk-api/internal/models"
	"github.com/noah-isme/complaint-desk-api/internal/service"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
)

type envelopeBody struct {
	Data       json.RawMessage        `json:"data"`
	Error      *appErrors.Error       `json:"error"`
	Pagination *models.Pagination     `json:"pagination"`
	Meta       map[string]interface{} `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelopeBody {
	t.Helper()
	var body envelopeBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type fakeComplaintSrv struct {
	err error

	lastActor   models.Actor
	lastCreate  dto.CreateComplaintRequest
	uploadNames []string
	uploadBytes []string
	lastQuery   dto.ComplaintQuery
	transition  *dto.TransitionResult
}

func (f *fakeComplaintSrv) Create(_ context.Context, actor models.Actor, req dto.CreateComplaintRequest, uploads []dto.UploadedFile) (*models.Complaint, error) {
	f.lastActor = actor
	f.lastCreate = req
	for _, upload := range uploads {
		raw, _ := io.ReadAll(upload.Content)
		f.uploadNames = append(f.uploadNames, upload.OriginalName)
		f.uploadBytes = append(f.uploadBytes, string(raw))
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.Complaint{ID: "c-1", TicketCode: "CMP-1", Title: req.Title, Status: models.ComplaintStatusPending}, nil
}

func (f *fakeComplaintSrv) Get(_ context.Context, actor models.Actor, id string) (*models.Complaint, error) {
	f.lastActor = actor
	if f.err != nil {
		return nil, f.err
	}
	return &models.Complaint{ID: id}, nil
}

func (f *fakeComplaintSrv) List(_ context.Context, actor models.Actor, query dto.ComplaintQuery) ([]models.Complaint, *models.Pagination, error) {
	f.lastActor = actor
	f.lastQuery = query
	if f.err != nil {
		return nil, nil, f.err
	}
	return []models.Complaint{{ID: "c-1"}, {ID: "c-2"}}, &models.Pagination{Page: query.Page, PageSize: 2, TotalCount: 7}, nil
}

func (f *fakeComplaintSrv) UpdateContent(_ context.Context, _ models.Actor, id string, _ dto.UpdateComplaintRequest) (*models.Complaint, error) {
	return &models.Complaint{ID: id}, f.err
}

func (f *fakeComplaintSrv) Transition(_ context.Context, actor models.Actor, _ string, _ dto.TransitionStatusRequest) (*dto.TransitionResult, error) {
	f.lastActor = actor
	if f.err != nil {
		return nil, f.err
	}
	return f.transition, nil
}

func (f *fakeComplaintSrv) Assign(_ context.Context, _ models.Actor, id string, _ dto.AssignComplaintRequest) (*models.Complaint, error) {
	return &models.Complaint{ID: id}, f.err
}

func (f *fakeComplaintSrv) Delete(context.Context, models.Actor, string) error { return f.err }

func (f *fakeComplaintSrv) Purge(context.Context, models.Actor, string) error { return f.err }

func (f *fakeComplaintSrv) History(context.Context, models.Actor, string) ([]models.StatusHistoryEntry, error) {
	return []models.StatusHistoryEntry{}, f.err
}

type fakeCommentSrv struct {
	err error
}

func (f *fakeCommentSrv) Add(_ context.Context, actor models.Actor, _ string, req dto.CommentRequest) (*models.Comment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Comment{ID: "m-1", Text: req.Text, AuthorID: actor.ID}, nil
}

func (f *fakeCommentSrv) Edit(_ context.Context, _ models.Actor, _, commentID string, req dto.CommentRequest) (*models.Comment, error) {
	return &models.Comment{ID: commentID, Text: req.Text}, f.err
}

func (f *fakeCommentSrv) Delete(context.Context, models.Actor, string, string) error { return f.err }

type fakeAttachmentSrv struct {
	added    []models.Attachment
	addErr   error
	download *service.AttachmentDownload
	openErr  error
	token    string
}

func (f *fakeAttachmentSrv) Add(context.Context, models.Actor, string, []dto.UploadedFile) ([]models.Attachment, error) {
	return f.added, f.addErr
}

func (f *fakeAttachmentSrv) Remove(context.Context, models.Actor, string, string) error { return nil }

func (f *fakeAttachmentSrv) DownloadURL(_ context.Context, _ models.Actor, _, attachmentID string) (*dto.AttachmentDownloadResponse, error) {
	return &dto.AttachmentDownloadResponse{Attachment: models.Attachment{ID: attachmentID}, DownloadURL: "/download?token=t"}, nil
}

func (f *fakeAttachmentSrv) Open(_ context.Context, _, _, token string) (*service.AttachmentDownload, error) {
	f.token = token
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.download, nil
}

func newComplaintTestContext(method, target string, body io.Reader, role models.UserRole) (*httptest.ResponseRecorder, *gin.Context) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, target, body)
	if role != "" {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "user-1", Role: role})
	}
	return rec, c
}

func TestComplaintHandlerCreateJSON(t *testing.T) {
	complaints := &fakeComplaintSrv{}
	handler := NewComplaintHandler(complaints, &fakeCommentSrv{}, &fakeAttachmentSrv{})

	payload := `{"title":"Broken tap","description":"The tap in room 4 leaks","category":"facilities","contactInfo":{"name":"Ana","email":"ana@example.com"}}`
	rec, c := newComplaintTestContext(http.MethodPost, "/complaints", bytes.NewBufferString(payload), models.RoleUser)
	c.Request.Header.Set("Content-Type", "application/json")

	handler.Create(c)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "user-1", complaints.lastActor.ID)
	assert.Equal(t, models.RoleUser, complaints.lastActor.Role)
	assert.Equal(t, "Broken tap", complaints.lastCreate.Title)
	assert.Equal(t, "ana@example.com", complaints.lastCreate.ContactInfo.Email)
	assert.Empty(t, complaints.uploadNames)

	var created models.Complaint
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &created))
	assert.Equal(t, "CMP-1", created.TicketCode)
}

func TestComplaintHandlerCreateMultipart(t *testing.T) {
	complaints := &fakeComplaintSrv{}
	handler := NewComplaintHandler(complaints, &fakeCommentSrv{}, &fakeAttachmentSrv{})

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("title", "Noisy vents"))
	require.NoError(t, writer.WriteField("description", "Vents rattle every night"))
	require.NoError(t, writer.WriteField("category", "facilities"))
	require.NoError(t, writer.WriteField("contactInfo", `{"name":"Ana","email":"ana@example.com"}`))
	part, err := writer.CreateFormFile("attachments", "recording.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("rattle"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	rec, c := newComplaintTestContext(http.MethodPost, "/complaints", &body, models.RoleUser)
	c.Request.Header.Set("Content-Type", writer.FormDataContentType())

	handler.Create(c)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Noisy vents", complaints.lastCreate.Title)
	assert.Equal(t, "Ana", complaints.lastCreate.ContactInfo.Name)
	assert.Equal(t, []string{"recording.txt"}, complaints.uploadNames)
	assert.Equal(t, []string{"rattle"}, complaints.uploadBytes)
}

func TestComplaintHandlerCreateMultipartBadContactInfo(t *testing.T) {
	handler := NewComplaintHandler(&fakeComplaintSrv{}, &fakeCommentSrv{}, &fakeAttachmentSrv{})

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("title", "Noisy vents"))
	require.NoError(t, writer.WriteField("contactInfo", "not json"))
	require.NoError(t, writer.Close())

	rec, c := newComplaintTestContext(http.MethodPost, "/complaints", &body, models.RoleUser)
	c.Request.Header.Set("Content-Type", writer.FormDataContentType())

	handler.Create(c)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope := decodeEnvelope(t, rec)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrValidation.Code, envelope.Error.Code)
	require.Len(t, envelope.Error.Details, 1)
	assert.Equal(t, "contactInfo", envelope.Error.Details[0].Field)
}

func TestComplaintHandlerListPassesFiltersAndPagination(t *testing.T) {
	complaints := &fakeComplaintSrv{}
	handler := NewComplaintHandler(complaints, &fakeCommentSrv{}, &fakeAttachmentSrv{})

	rec, c := newComplaintTestContext(http.MethodGet, "/complaints?status=pending&page=2&search=tap", nil, models.RoleStaff)

	handler.List(c)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", complaints.lastQuery.Status)
	assert.Equal(t, 2, complaints.lastQuery.Page)
	assert.Equal(t, "tap", complaints.lastQuery.Search)

	envelope := decodeEnvelope(t, rec)
	require.NotNil(t, envelope.Pagination)
	assert.Equal(t, 7, envelope.Pagination.TotalCount)
}

func TestComplaintHandlerTransitionReportsNoOp(t *testing.T) {
	complaints := &fakeComplaintSrv{transition: &dto.TransitionResult{
		Complaint: &models.Complaint{ID: "c-1", Status: models.ComplaintStatusInProgress},
		NoOp:      true,
	}}
	handler := NewComplaintHandler(complaints, &fakeCommentSrv{}, &fakeAttachmentSrv{})

	rec, c := newComplaintTestContext(http.MethodPatch, "/complaints/c-1/status", bytes.NewBufferString(`{"status":"in_progress"}`), models.RoleStaff)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "id", Value: "c-1"}}

	handler.Transition(c)

	require.Equal(t, http.StatusOK, rec.Code)
	envelope := decodeEnvelope(t, rec)
	assert.Equal(t, true, envelope.Meta["noop"])
}

func TestComplaintHandlerMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"forbidden", appErrors.Clone(appErrors.ErrForbidden, "not your complaint"), http.StatusForbidden, appErrors.ErrForbidden.Code},
		{"not found", appErrors.Clone(appErrors.ErrNotFound, "complaint not found"), http.StatusNotFound, appErrors.ErrNotFound.Code},
		{"conflict", appErrors.Clone(appErrors.ErrConflict, "cannot move"), http.StatusConflict, appErrors.ErrConflict.Code},
		{"limit", appErrors.Clone(appErrors.ErrLimitExceeded, "too many"), http.StatusUnprocessableEntity, appErrors.ErrLimitExceeded.Code},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewComplaintHandler(&fakeComplaintSrv{err: tc.err}, &fakeCommentSrv{}, &fakeAttachmentSrv{})
			rec, c := newComplaintTestContext(http.MethodGet, "/complaints/c-1", nil, models.RoleUser)
			c.Params = gin.Params{{Key: "id", Value: "c-1"}}

			handler.Get(c)

			require.Equal(t, tc.status, rec.Code)
			envelope := decodeEnvelope(t, rec)
			require.NotNil(t, envelope.Error)
			assert.Equal(t, tc.code, envelope.Error.Code)
		})
	}
}

func TestComplaintHandlerStorageFailureHidesCause(t *testing.T) {
	handler := NewComplaintHandler(&fakeComplaintSrv{err: appErrors.Storage(io.ErrUnexpectedEOF)}, &fakeCommentSrv{}, &fakeAttachmentSrv{})
	rec, c := newComplaintTestContext(http.MethodGet, "/complaints/c-1", nil, models.RoleAdmin)

	handler.Get(c)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "unexpected EOF")
}

func TestComplaintHandlerAddComment(t *testing.T) {
	handler := NewComplaintHandler(&fakeComplaintSrv{}, &fakeCommentSrv{}, &fakeAttachmentSrv{})
	rec, c := newComplaintTestContext(http.MethodPost, "/complaints/c-1/comments", bytes.NewBufferString(`{"text":"any update?"}`), models.RoleUser)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "id", Value: "c-1"}}

	handler.AddComment(c)

	require.Equal(t, http.StatusCreated, rec.Code)
	var comment models.Comment
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &comment))
	assert.Equal(t, "any update?", comment.Text)
	assert.Equal(t, "user-1", comment.AuthorID)
}

func TestComplaintHandlerAddAttachmentsPartialSuccess(t *testing.T) {
	attachments := &fakeAttachmentSrv{
		added:  []models.Attachment{{ID: "a-1", OriginalName: "one.txt"}},
		addErr: appErrors.Clone(appErrors.ErrLimitExceeded, "attachment limit reached"),
	}
	handler := NewComplaintHandler(&fakeComplaintSrv{}, &fakeCommentSrv{}, attachments)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, name := range []string{"one.txt", "two.txt"} {
		part, err := writer.CreateFormFile("attachments", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(name))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	rec, c := newComplaintTestContext(http.MethodPost, "/complaints/c-1/attachments", &body, models.RoleStaff)
	c.Request.Header.Set("Content-Type", writer.FormDataContentType())
	c.Params = gin.Params{{Key: "id", Value: "c-1"}}

	handler.AddAttachments(c)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	envelope := decodeEnvelope(t, rec)
	var added []models.Attachment
	require.NoError(t, json.Unmarshal(envelope.Data, &added))
	assert.Len(t, added, 1)
	assert.NotNil(t, envelope.Meta["error"])
}

func TestComplaintHandlerDownloadRequiresToken(t *testing.T) {
	attachments := &fakeAttachmentSrv{}
	handler := NewComplaintHandler(&fakeComplaintSrv{}, &fakeCommentSrv{}, attachments)
	rec, c := newComplaintTestContext(http.MethodGet, "/complaints/c-1/attachments/a-1/download", nil, "")

	handler.DownloadAttachment(c)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, attachments.token)
}

func TestComplaintHandlerDownloadStreamsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stored.txt")
	require.NoError(t, os.WriteFile(path, []byte("evidence"), 0o600))
	file, err := os.Open(path)
	require.NoError(t, err)

	attachments := &fakeAttachmentSrv{download: &service.AttachmentDownload{
		File:      file,
		Filename:  "evidence report.txt",
		MimeType:  "text/plain",
		SizeBytes: int64(len("evidence")),
	}}
	handler := NewComplaintHandler(&fakeComplaintSrv{}, &fakeCommentSrv{}, attachments)
	rec, c := newComplaintTestContext(http.MethodGet, "/complaints/c-1/attachments/a-1/download?token=signed", nil, "")
	c.Params = gin.Params{{Key: "id", Value: "c-1"}, {Key: "attachmentId", Value: "a-1"}}

	handler.DownloadAttachment(c)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "signed", attachments.token)
	assert.Equal(t, "evidence", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="evidence report.txt"`, rec.Header().Get("Content-Disposition"))
}

func TestComplaintHandlerDownloadRejectsBadToken(t *testing.T) {
	attachments := &fakeAttachmentSrv{openErr: appErrors.Clone(appErrors.ErrForbidden, "invalid download token")}
	handler := NewComplaintHandler(&fakeComplaintSrv{}, &fakeCommentSrv{}, attachments)
	rec, c := newComplaintTestContext(http.MethodGet, "/complaints/c-1/attachments/a-1/download?token=forged", nil, "")

	handler.DownloadAttachment(c)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
