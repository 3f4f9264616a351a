package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/internal/dto"
	"github.com/noah-isme/complaint-desk-api/internal/models"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
	"github.com/noah-isme/complaint-desk-api/pkg/realtime"
	"github.com/noah-isme/complaint-desk-api/pkg/storage"
)

type flakyFiles struct {
	*storage.LocalStorage
	failDelete bool
}

func (f *flakyFiles) Delete(locator string) error {
	if f.failDelete {
		return errors.New("device busy")
	}
	return f.LocalStorage.Delete(locator)
}

type recordingScheduler struct {
	locators []string
}

func (r *recordingScheduler) Schedule(locator, reason string) {
	r.locators = append(r.locators, locator)
}

type attachmentFixture struct {
	store     *memoryComplaintStore
	files     *flakyFiles
	cleanup   *recordingScheduler
	publisher *recordingPublisher
	service   *AttachmentService
}

func newAttachmentFixture(t *testing.T) *attachmentFixture {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	files := &flakyFiles{LocalStorage: local}
	store := newMemoryComplaintStore()
	cleanup := &recordingScheduler{}
	publisher := &recordingPublisher{}
	svc := NewAttachmentService(store, files, storage.NewSignedURLSigner("test-secret", time.Minute), cleanup, NewAccessGuard(),
		publisher, nil, &recordingAudit{}, NewMetricsService(), zap.NewNop(), AttachmentServiceConfig{MaxFileSize: 1024})
	return &attachmentFixture{store: store, files: files, cleanup: cleanup, publisher: publisher, service: svc}
}

func (f *attachmentFixture) seed(status models.ComplaintStatus, attachments int) *models.Complaint {
	complaint := &models.Complaint{ID: "c-1", UserID: ownerActor.ID, Status: status, TicketCode: "CMP-1"}
	for i := 0; i < attachments; i++ {
		complaint.Attachments = append(complaint.Attachments, models.Attachment{
			ID:          "existing-" + string(rune('a'+i)),
			ComplaintID: complaint.ID,
			Locator:     "2024/01/existing-" + string(rune('a'+i)),
		})
	}
	f.store.put(complaint)
	return complaint
}

func textUpload(name, content string) dto.UploadedFile {
	return dto.UploadedFile{OriginalName: name, MimeType: "text/plain", Size: int64(len(content)), Content: strings.NewReader(content)}
}

func TestAttachmentServiceAdd(t *testing.T) {
	f := newAttachmentFixture(t)
	complaint := f.seed(models.ComplaintStatusPending, 0)

	added, err := f.service.Add(context.Background(), ownerActor, complaint.ID, []dto.UploadedFile{textUpload("<b>notes</b>.txt", "hello")})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "notes.txt", added[0].OriginalName)
	assert.Equal(t, "text/plain", added[0].MimeType)
	assert.Equal(t, int64(5), added[0].Size)

	exists, err := f.files.Exists(added[0].Locator)
	require.NoError(t, err)
	assert.True(t, exists)

	stored, err := f.store.FindByID(context.Background(), complaint.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AttachmentCount)
	assert.Equal(t, realtime.EventUpdatedComplaint, f.publisher.last().Type)
}

func TestAttachmentServiceSniffsUndeclaredType(t *testing.T) {
	f := newAttachmentFixture(t)
	complaint := f.seed(models.ComplaintStatusPending, 0)
	pdf := "%PDF-1.4 minimal"

	added, err := f.service.Add(context.Background(), ownerActor, complaint.ID, []dto.UploadedFile{
		{OriginalName: "scan", MimeType: "application/octet-stream", Size: int64(len(pdf)), Content: strings.NewReader(pdf)},
	})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", added[0].MimeType)
	assert.True(t, strings.HasSuffix(added[0].Locator, ".pdf"))
}

func TestAttachmentServiceRejectsDisallowedType(t *testing.T) {
	f := newAttachmentFixture(t)
	complaint := f.seed(models.ComplaintStatusPending, 0)

	_, err := f.service.Add(context.Background(), ownerActor, complaint.ID, []dto.UploadedFile{
		{OriginalName: "run.sh", MimeType: "application/x-sh", Size: 4, Content: strings.NewReader("echo")},
	})
	requireCode(t, err, appErrors.ErrValidation)
}

func TestAttachmentServiceRejectsOversizedStream(t *testing.T) {
	f := newAttachmentFixture(t)
	complaint := f.seed(models.ComplaintStatusPending, 0)
	big := strings.Repeat("x", 2048)

	_, err := f.service.Add(context.Background(), ownerActor, complaint.ID, []dto.UploadedFile{
		{OriginalName: "big.txt", MimeType: "text/plain", Size: 10, Content: strings.NewReader(big)},
	})
	requireCode(t, err, appErrors.ErrValidation)

	remaining, err := f.files.Walk(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAttachmentServiceEleventhAttachmentExceedsLimit(t *testing.T) {
	f := newAttachmentFixture(t)
	complaint := f.seed(models.ComplaintStatusPending, 10)

	_, err := f.service.Add(context.Background(), ownerActor, complaint.ID, []dto.UploadedFile{textUpload("eleven.txt", "11")})
	requireCode(t, err, appErrors.ErrLimitExceeded)

	stored, err := f.store.FindByID(context.Background(), complaint.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Attachments, 10)
	assert.Equal(t, 10, stored.AttachmentCount)
}

func TestAttachmentServiceGuardedCounterDiscardsFile(t *testing.T) {
	f := newAttachmentFixture(t)
	complaint := f.seed(models.ComplaintStatusPending, 9)
	// a concurrent add took the last slot
	f.store.complaints[complaint.ID].AttachmentCount = 10
	_, err := f.service.attach(context.Background(), ownerActor, complaint.ID, textUpload("late.txt", "late"))
	requireCode(t, err, appErrors.ErrLimitExceeded)

	remaining, err := f.files.Walk(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAttachmentServiceOwnerCannotAttachAfterPending(t *testing.T) {
	f := newAttachmentFixture(t)
	complaint := f.seed(models.ComplaintStatusInProgress, 0)

	_, err := f.service.Add(context.Background(), ownerActor, complaint.ID, []dto.UploadedFile{textUpload("a.txt", "a")})
	requireCode(t, err, appErrors.ErrForbidden)

	added, err := f.service.Add(context.Background(), staffActor, complaint.ID, []dto.UploadedFile{textUpload("a.txt", "a")})
	require.NoError(t, err)
	assert.Len(t, added, 1)
}

func TestAttachmentServiceRemoveDecrementsEvenWhenFileDeleteFails(t *testing.T) {
	f := newAttachmentFixture(t)
	complaint := f.seed(models.ComplaintStatusPending, 3)
	f.files.failDelete = true

	err := f.service.Remove(context.Background(), ownerActor, complaint.ID, "existing-b")
	require.NoError(t, err)

	stored, err := f.store.FindByID(context.Background(), complaint.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.AttachmentCount)
	assert.Len(t, stored.Attachments, 2)
	assert.Equal(t, []string{"2024/01/existing-b"}, f.cleanup.locators)
}

func TestAttachmentServiceRemoveUnknown(t *testing.T) {
	f := newAttachmentFixture(t)
	complaint := f.seed(models.ComplaintStatusPending, 1)

	err := f.service.Remove(context.Background(), staffActor, complaint.ID, "nope")
	requireCode(t, err, appErrors.ErrNotFound)

	err = f.service.Remove(context.Background(), otherActor, complaint.ID, "existing-a")
	requireCode(t, err, appErrors.ErrForbidden)
}

func TestAttachmentServicePurgeFilesCollectsFailures(t *testing.T) {
	f := newAttachmentFixture(t)
	_, err := f.files.Store("2024/01/present", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	f.files.failDelete = true

	failures := f.service.PurgeFiles("c-1", []models.Attachment{
		{ID: "a1", Locator: "2024/01/present"},
		{ID: "a2", Locator: "2024/01/missing"},
	})
	require.Len(t, failures, 1)
	assert.Equal(t, []string{"2024/01/present"}, f.cleanup.locators)
}

func TestAttachmentServiceSignedDownload(t *testing.T) {
	f := newAttachmentFixture(t)
	complaint := f.seed(models.ComplaintStatusPending, 0)
	added, err := f.service.Add(context.Background(), ownerActor, complaint.ID, []dto.UploadedFile{textUpload("evidence.txt", "evidence")})
	require.NoError(t, err)
	attachmentID := added[0].ID

	_, err = f.service.DownloadURL(context.Background(), otherActor, complaint.ID, attachmentID)
	requireCode(t, err, appErrors.ErrForbidden)

	link, err := f.service.DownloadURL(context.Background(), ownerActor, complaint.ID, attachmentID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link.DownloadURL, "/api/v1/complaints/c-1/attachments/"+attachmentID+"/download?token="))

	parsed, err := url.Parse(link.DownloadURL)
	require.NoError(t, err)
	token := parsed.Query().Get("token")

	download, err := f.service.Open(context.Background(), complaint.ID, attachmentID, token)
	require.NoError(t, err)
	defer download.File.Close()
	body, err := io.ReadAll(download.File)
	require.NoError(t, err)
	assert.Equal(t, "evidence", string(body))
	assert.Equal(t, "evidence.txt", download.Filename)

	_, err = f.service.Open(context.Background(), complaint.ID, "other-attachment", token)
	requireCode(t, err, appErrors.ErrForbidden)

	_, err = f.service.Open(context.Background(), complaint.ID, attachmentID, token+"x")
	requireCode(t, err, appErrors.ErrForbidden)
}

func TestAttachmentServiceStageDiscardsOnFailure(t *testing.T) {
	f := newAttachmentFixture(t)

	_, err := f.service.Stage(ownerActor.ID, []dto.UploadedFile{
		textUpload("ok.txt", "fine"),
		{OriginalName: "bad.exe", MimeType: "application/x-msdownload", Size: 2, Content: strings.NewReader("MZ")},
	})
	requireCode(t, err, appErrors.ErrValidation)

	remaining, err := f.files.Walk(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAttachmentServiceStageRejectsTooMany(t *testing.T) {
	f := newAttachmentFixture(t)
	uploads := make([]dto.UploadedFile, 11)
	for i := range uploads {
		uploads[i] = textUpload("f.txt", "x")
	}
	_, err := f.service.Stage(ownerActor.ID, uploads)
	requireCode(t, err, appErrors.ErrLimitExceeded)
}
