package service

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/noah-isme/complaint-desk-api/internal/models"
	appErrors "github.com/noah-isme/complaint-desk-api/pkg/errors"
)

const maxHistoryNote = 500

type historyStore interface {
	ListHistory(ctx context.Context, complaintID string) ([]models.StatusHistoryEntry, error)
}

// HistoryLog is the append-only record of complaint status changes. Entries are
// only ever written by the complaint update that changes the status; admit is
// the gate they pass on the way.
type HistoryLog struct {
	store historyStore
}

// NewHistoryLog constructs a HistoryLog.
func NewHistoryLog(store historyStore) *HistoryLog {
	return &HistoryLog{store: store}
}

// admit checks entry against the complaint it was produced from. previous is the
// status loaded from storage before the change was applied; the entry must leave
// from it and land on the complaint's status after the change.
func (h *HistoryLog) admit(previous models.ComplaintStatus, complaint *models.Complaint, entry *models.StatusHistoryEntry) error {
	if entry == nil {
		return nil
	}
	var details []appErrors.FieldError
	if entry.ChangedBy == "" {
		details = append(details, appErrors.FieldError{Field: "changedBy", Message: "is required"})
	}
	entry.Note = plainText(entry.Note)
	if utf8.RuneCountInString(entry.Note) > maxHistoryNote {
		details = append(details, appErrors.FieldError{Field: "note", Message: "must be at most 500 characters"})
	}
	if len(details) > 0 {
		return appErrors.Validation("invalid history entry", details...)
	}

	switch {
	case entry.ComplaintID != complaint.ID,
		entry.PreviousStatus != previous,
		entry.NewStatus != complaint.Status,
		entry.PreviousStatus == entry.NewStatus,
		!entry.NewStatus.Valid():
		return appErrors.Wrap(
			fmt.Errorf("history entry %s->%s does not match complaint %s (%s->%s)",
				entry.PreviousStatus, entry.NewStatus, complaint.ID, previous, complaint.Status),
			appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	return nil
}

// List returns the entries of one complaint, newest first.
func (h *HistoryLog) List(ctx context.Context, complaintID string) ([]models.StatusHistoryEntry, error) {
	entries, err := h.store.ListHistory(ctx, complaintID)
	if err != nil {
		return nil, appErrors.Storage(err)
	}
	if entries == nil {
		entries = []models.StatusHistoryEntry{}
	}
	return entries, nil
}
