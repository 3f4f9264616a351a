package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/internal/models"
)

type eventPublisher interface {
	Publish(eventType string, data interface{}, channel ...string) error
}

type auditLogWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

const (
	complaintCachePrefix = "complaints:detail:"
	complaintStampPrefix = "complaints:stamp:"
)

func complaintCacheKey(id string) string {
	return complaintCachePrefix + id
}

func complaintStampKey(id string) string {
	return complaintStampPrefix + id
}

// cachedComplaint is a cached aggregate together with the stamp that was
// current before it was loaded from storage.
type cachedComplaint struct {
	Stamp     string            `json:"stamp"`
	Complaint *models.Complaint `json:"complaint"`
}

// changeNotifier runs the post-commit side effects of a complaint mutation.
// None of them can fail the mutation; problems are logged.
type changeNotifier struct {
	publisher eventPublisher
	cache     *CacheService
	audit     auditLogWriter
	logger    *zap.Logger
}

func (n changeNotifier) publish(eventType string, data interface{}) {
	if n.publisher == nil {
		return
	}
	if err := n.publisher.Publish(eventType, data); err != nil {
		n.logger.Warn("failed to publish complaint event", zap.String("event", eventType), zap.Error(err))
	}
}

// forget drops the cached aggregate and replaces its stamp, so an entry built
// from a read that started before this mutation is never served.
func (n changeNotifier) forget(ctx context.Context, complaintID string) {
	_ = n.cache.Set(ctx, complaintStampKey(complaintID), uuid.NewString(), 2*n.cache.TTL())
	_ = n.cache.Forget(ctx, complaintCacheKey(complaintID))
}

// remember caches complaint under the stamp recall handed out before it was loaded.
func (n changeNotifier) remember(ctx context.Context, complaint *models.Complaint, stamp string) {
	if complaint == nil || complaint.IsDeleted {
		return
	}
	_ = n.cache.Set(ctx, complaintCacheKey(complaint.ID), cachedComplaint{Stamp: stamp, Complaint: complaint}, 0)
}

// recall returns the cached complaint if its stamp is still current. The stamp
// result is what remember must be given after a storage read; ok is false when
// the cache could not be consulted and nothing should be remembered.
func (n changeNotifier) recall(ctx context.Context, complaintID string) (complaint *models.Complaint, stamp string, ok bool) {
	if !n.cache.Enabled() {
		return nil, "", false
	}
	if _, err := n.cache.Get(ctx, complaintStampKey(complaintID), &stamp); err != nil {
		return nil, "", false
	}
	var cached cachedComplaint
	hit, err := n.cache.Get(ctx, complaintCacheKey(complaintID), &cached)
	if err != nil {
		return nil, "", false
	}
	if !hit {
		return nil, stamp, true
	}
	if cached.Stamp != stamp || cached.Complaint == nil || cached.Complaint.IsDeleted {
		_ = n.cache.Forget(ctx, complaintCacheKey(complaintID))
		return nil, stamp, true
	}
	return cached.Complaint, stamp, true
}

func (n changeNotifier) record(ctx context.Context, actor models.Actor, action, complaintID string, values interface{}) {
	if n.audit == nil {
		return
	}
	entry := &models.AuditLog{
		UserID:     &actor.ID,
		Action:     action,
		Resource:   models.AuditResourceComplaint,
		ResourceID: &complaintID,
		IPAddress:  actor.IP,
		UserAgent:  actor.UserAgent,
	}
	if values != nil {
		if payload, err := json.Marshal(values); err == nil {
			entry.NewValues = payload
		}
	}
	if err := n.audit.CreateAuditLog(ctx, entry); err != nil {
		n.logger.Warn("failed to write audit log", zap.String("action", action), zap.String("complaint_id", complaintID), zap.Error(err))
	}
}
