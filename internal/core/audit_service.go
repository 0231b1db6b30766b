package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"regatta-backend-go/internal/db"
	"regatta-backend-go/internal/models"
	"regatta-backend-go/pkg/messagequeue"
)

// auditService implements AuditService over the document store, optionally
// fanning entries out to a message queue for downstream consumers.
type auditService struct {
	store     db.DocumentStore
	queue     messagequeue.MessageQueue
	queueName string
	logger    *zap.Logger
}

// NewAuditService creates an AuditService. queue may be nil to disable
// publishing.
func NewAuditService(store db.DocumentStore, queue messagequeue.MessageQueue, queueName string, logger *zap.Logger) AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &auditService{store: store, queue: queue, queueName: queueName, logger: logger}
}

// Record appends one activity entry. The store write is authoritative; queue
// publishing is best-effort and only logged on failure.
func (s *auditService) Record(ctx context.Context, entry models.AuditActivity) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := models.ToMap(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	if _, err := s.store.CreateDocument(ctx, userActivityCollection, "", data, models.AuditActivitySchema); err != nil {
		return fmt.Errorf("store audit entry for %s: %w", entry.UID, err)
	}

	if s.queue != nil {
		payload, err := json.Marshal(entry)
		if err == nil {
			err = s.queue.Publish(ctx, s.queueName, payload)
		}
		if err != nil {
			s.logger.Warn("failed to publish audit entry",
				zap.String("uid", entry.UID),
				zap.String("action", entry.Action),
				zap.Error(err))
		}
	}
	return nil
}
