package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/complaint-desk-api/internal/models"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
)

func TestHistoryLogListNewestFirst(t *testing.T) {
	store := newMemoryComplaintStore()
	store.history["c-1"] = []models.StatusHistoryEntry{
		{ID: "h-1", ComplaintID: "c-1", PreviousStatus: models.ComplaintStatusPending, NewStatus: models.ComplaintStatusInProgress},
		{ID: "h-2", ComplaintID: "c-1", PreviousStatus: models.ComplaintStatusInProgress, NewStatus: models.ComplaintStatusResolved},
	}
	log := NewHistoryLog(store)
	ctx := context.Background()

	entries, err := log.List(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, models.ComplaintStatusResolved, entries[0].NewStatus)
	require.Equal(t, models.ComplaintStatusInProgress, entries[1].NewStatus)

	empty, err := log.List(ctx, "c-2")
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)
}

func TestHistoryLogAdmitMatchesComplaint(t *testing.T) {
	log := NewHistoryLog(newMemoryComplaintStore())
	complaint := &models.Complaint{ID: "c-1", Status: models.ComplaintStatusPending}

	entry, err := complaint.Transition(models.ComplaintStatusInProgress, "staff-1", "<b>on it</b>", time.Now(), true)
	require.NoError(t, err)
	require.NoError(t, log.admit(models.ComplaintStatusPending, complaint, entry))
	require.Equal(t, "on it", entry.Note)

	require.NoError(t, log.admit(models.ComplaintStatusPending, complaint, nil))
}

func TestHistoryLogAdmitRejectsEntryDisagreeingWithComplaint(t *testing.T) {
	log := NewHistoryLog(newMemoryComplaintStore())
	pending := &models.Complaint{ID: "c-1", Status: models.ComplaintStatusPending}

	cases := map[string]*models.StatusHistoryEntry{
		"wrong origin":    {ComplaintID: "c-1", PreviousStatus: models.ComplaintStatusResolved, NewStatus: models.ComplaintStatusPending, ChangedBy: "staff-1"},
		"wrong target":    {ComplaintID: "c-1", PreviousStatus: models.ComplaintStatusResolved, NewStatus: models.ComplaintStatusClosed, ChangedBy: "staff-1"},
		"other complaint": {ComplaintID: "c-2", PreviousStatus: models.ComplaintStatusInProgress, NewStatus: models.ComplaintStatusPending, ChangedBy: "staff-1"},
		"unchanged":       {ComplaintID: "c-1", PreviousStatus: models.ComplaintStatusPending, NewStatus: models.ComplaintStatusPending, ChangedBy: "staff-1"},
	}
	for name, entry := range cases {
		t.Run(name, func(t *testing.T) {
			requireCode(t, log.admit(models.ComplaintStatusPending, pending, entry), appErrors.ErrInternal)
		})
	}
}

func TestHistoryLogAdmitValidation(t *testing.T) {
	log := NewHistoryLog(newMemoryComplaintStore())
	complaint := &models.Complaint{ID: "c-1", Status: models.ComplaintStatusClosed}

	err := log.admit(models.ComplaintStatusResolved, complaint, &models.StatusHistoryEntry{
		ComplaintID:    "c-1",
		PreviousStatus: models.ComplaintStatusResolved,
		NewStatus:      models.ComplaintStatusClosed,
		Note:           strings.Repeat("x", maxHistoryNote+1),
	})
	requireCode(t, err, appErrors.ErrValidation)
	require.Len(t, appErrors.FromError(err).Details, 2)
}

func TestComplaintServiceRefusesHistoryThatDisagreesWithStatus(t *testing.T) {
	f := newComplaintFixture(t)
	complaint := f.create(t, ownerActor)
	ctx := context.Background()

	_, _, err := f.service.mutate(ctx, staffActor, complaint.ID, ActionTransition, func(c *models.Complaint) (*models.StatusHistoryEntry, error) {
		return &models.StatusHistoryEntry{
			ComplaintID:    c.ID,
			PreviousStatus: models.ComplaintStatusResolved,
			NewStatus:      models.ComplaintStatusClosed,
			ChangedBy:      staffActor.ID,
		}, nil
	})
	requireCode(t, err, appErrors.ErrInternal)
	require.Zero(t, f.store.updates)

	entries, err := f.service.History(ctx, staffActor, complaint.ID)
	require.NoError(t, err)
	require.Empty(t, entries)

	stored, err := f.store.FindByID(ctx, complaint.ID)
	require.NoError(t, err)
	require.Equal(t, models.ComplaintStatusPending, stored.Status)
}
