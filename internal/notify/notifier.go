// Package notify delivers user-facing sync events.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ehealth-sync/internal/logging"
	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/registry"
	"github.com/ehealth-sync/internal/storage"
	"github.com/ehealth-sync/internal/types"
)

// Sync event types.
const (
	EventStarted   = "started"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventResumed   = "resumed"
)

// Notifier is the fire-and-forget sink for sync lifecycle events.
// Implementations must not fail the sync flow; errors are logged and dropped.
type Notifier interface {
	Notify(ctx context.Context, userID string, entity types.EntityType, event, message string)
}

// LogNotifier writes events to the structured log only.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, userID string, entity types.EntityType, event, message string) {
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"user":   userID,
		"entity": entity,
		"event":  event,
	}).Info(message)
}

// StoreNotifier persists events so the UI can poll for them, and mirrors
// them to the log.
type StoreNotifier struct {
	repo *storage.NotificationRepository
}

// NewStoreNotifier creates a notifier backed by the notification repository.
func NewStoreNotifier(repo *storage.NotificationRepository) *StoreNotifier {
	return &StoreNotifier{repo: repo}
}

// Notify implements Notifier.
func (n *StoreNotifier) Notify(ctx context.Context, userID string, entity types.EntityType, event, message string) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"user":   userID,
		"entity": entity,
		"event":  event,
	})
	logger.Info(message)

	notification := &models.Notification{
		UserID:  userID,
		Entity:  entity,
		Event:   event,
		Message: message,
	}
	if err := n.repo.Create(ctx, notification); err != nil {
		logger.WithError(err).Error("Failed to persist notification")
	}
}

// FormatError renders an error for end users. Raw messages are never shown
// verbatim except the registry's own human-readable validation text, which
// is surfaced even when the error arrives wrapped.
func FormatError(err error) string {
	var verr *registry.ValidationError
	if errors.As(err, &verr) {
		return FormatValidationError(verr)
	}
	return "Synchronization with the registry failed. Please retry later or contact support."
}

// FormatValidationError renders the registry's structured per-field errors
// as one readable message. Pure function, kept separate from propagation.
func FormatValidationError(err *registry.ValidationError) string {
	if len(err.Details) == 0 {
		return err.Message
	}

	fields := make([]string, 0, len(err.Details))
	for field := range err.Details {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString(err.Message)
	for _, field := range fields {
		b.WriteString(fmt.Sprintf("\n%s: %s", field, strings.Join(err.Details[field], "; ")))
	}
	return b.String()
}
