package notifications

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/markbryant-rw/AgentBuddy-sub007/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew            = "notifications.service.new"
	opNotify                = "notifications.notify"
	opList                  = "notifications.list"
	opMarkRead              = "notifications.mark_read"
	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidDraft      = "invalid_draft"
	reasonIDFailed          = "id_failed"
	reasonInsertFailed      = "insert_failed"
	reasonQueryFailed       = "query_failed"
	reasonUpdateFailed      = "update_failed"
	reasonNotFound          = "not_found"
	fieldUserID             = "user_id"
	fieldNotificationID     = "notification_id"

	// DefaultListLimit and MaxListLimit bound List page sizes.
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var (
	// ErrNotificationNotFound indicates a notification that does not exist for the requesting user.
	ErrNotificationNotFound = errors.New("notification not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidDraft      = errors.New("notification recipient and kind are required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable <operation>.<reason> code alongside the underlying cause.
type ServiceError = serviceerror.Error

func newServiceError(operation, reason string, cause error) error {
	return serviceerror.New(operation, reason, cause)
}

// IDProvider issues notification identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Publisher receives notifications after they are persisted.
type Publisher interface {
	Publish(notification Notification)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  Publisher
	Logger     *zap.Logger
}

// Service persists notifications and hands them to the realtime publisher.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  Publisher
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// Notify stores draft and publishes the stored notification.
func (s *Service) Notify(ctx context.Context, draft Draft) (Notification, error) {
	if strings.TrimSpace(draft.UserID) == "" || draft.Kind == "" {
		return Notification{}, newServiceError(opNotify, reasonInvalidDraft, errInvalidDraft)
	}

	notificationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opNotify, reasonIDFailed, err, zap.String(fieldUserID, draft.UserID))
		return Notification{}, newServiceError(opNotify, reasonIDFailed, err)
	}

	notification := Notification{
		ID:        notificationID,
		UserID:    draft.UserID,
		Kind:      draft.Kind,
		Title:     draft.Title,
		Message:   draft.Message,
		Link:      draft.Link,
		LeadID:    draft.LeadID,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		s.logError(opNotify, reasonInsertFailed, err,
			zap.String(fieldUserID, draft.UserID), zap.String("kind", string(draft.Kind)))
		return Notification{}, newServiceError(opNotify, reasonInsertFailed, err)
	}

	if s.publisher != nil {
		s.publisher.Publish(notification)
	}
	s.logger.Info("notification created",
		zap.String(fieldNotificationID, notification.ID),
		zap.String(fieldUserID, notification.UserID),
		zap.String("kind", string(notification.Kind)))
	return notification, nil
}

// List returns the user's notifications, newest first. limit is clamped to (0, MaxListLimit].
func (s *Service) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var items []Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&items).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String(fieldUserID, userID))
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}
	return items, nil
}

// MarkRead flags one of the user's notifications as read. Repeated calls succeed.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("id = ? AND user_id = ?", notificationID, userID).
		UpdateColumn("is_read", true)
	if result.Error != nil {
		s.logError(opMarkRead, reasonUpdateFailed, result.Error,
			zap.String(fieldUserID, userID), zap.String(fieldNotificationID, notificationID))
		return newServiceError(opMarkRead, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&Notification{}).
			Where("id = ? AND user_id = ?", notificationID, userID).
			Count(&count).Error; err != nil {
			s.logError(opMarkRead, reasonQueryFailed, err, zap.String(fieldNotificationID, notificationID))
			return newServiceError(opMarkRead, reasonQueryFailed, err)
		}
		if count == 0 {
			return newServiceError(opMarkRead, reasonNotFound, ErrNotificationNotFound)
		}
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	serviceerror.Log(s.logger, "notifications service error", operation, reason, err, fields...)
}
