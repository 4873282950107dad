package engagement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/markbryant-rw/AgentBuddy-sub007/internal/notifications"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew             = "engagement.service.new"
	opHandle                 = "engagement.handle"
	opSyncOwner              = "engagement.sync_owner"
	opRecordReportSent       = "engagement.record_report_sent"
	opEngagementSummary      = "engagement.summary"
	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonMissingNotifier    = "missing_notifier"
	reasonMissingLeadID      = "missing_lead_id"
	reasonMissingEvent       = "missing_event"
	reasonLeadLookupFailed   = "lead_lookup_failed"
	reasonLeadNotFound       = "lead_not_found"
	reasonOwnerUpdateFailed  = "owner_update_failed"
	reasonLeadStampFailed    = "lead_stamp_failed"
	reasonSummaryQueryFailed = "summary_query_failed"
	fieldLeadID              = "appraisal_id"
	fieldUserID              = "user_id"
	fieldEvent               = "event"
	queryLeadOwnedBy         = "id = ? AND user_id = ?"
	orderNewestEvent         = "occurred_at DESC, id DESC"

	// StageLedger, StagePropagation and StageNotification name best-effort steps reported in Result.Degraded.
	StageLedger       = "ledger"
	StagePropagation  = "propagation"
	StageNotification = "notification"

	summaryEventLimit = 50
)

var errMissingNotifier = errors.New("notifier is required")

// Notifier persists and fans out notifications produced by reconciled deliveries.
type Notifier interface {
	Notify(ctx context.Context, draft notifications.Draft) (notifications.Notification, error)
}

// ServiceConfig wires the engagement service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Notifier   Notifier
	Logger     *zap.Logger
	BaseURL    string
}

// Service reconciles tracking-service deliveries into report, lead, ledger and pipeline state.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	notifier   Notifier
	logger     *zap.Logger
	baseURL    string
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	if cfg.Notifier == nil {
		return nil, newServiceError(opServiceNew, reasonMissingNotifier, errMissingNotifier)
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
		notifier:   cfg.Notifier,
		logger:     logger,
		baseURL:    cfg.BaseURL,
	}, nil
}

// Result describes the outcome of one handled delivery.
type Result struct {
	Message       string
	Event         EventKind
	ReportKind    ReportKind
	ReportAction  ReportAction
	Ledger        LedgerResult
	Notifications []notifications.Kind
	Propagated    bool
	Degraded      []string
}

// Handle routes a delivery by event kind. Unrecognized events take the general reconciliation path.
func (s *Service) Handle(ctx context.Context, delivery Delivery) (Result, error) {
	delivery.LeadID = strings.TrimSpace(delivery.LeadID)
	if strings.TrimSpace(delivery.RawEvent) == "" && delivery.Event == "" {
		return Result{}, newServiceError(opHandle, reasonMissingEvent, ErrMissingEvent)
	}
	if delivery.Event == "" {
		delivery.Event = ParseEventKind(delivery.RawEvent)
	}
	if delivery.LeadID == "" {
		return Result{}, newServiceError(opHandle, reasonMissingLeadID, ErrMissingLeadID)
	}

	switch delivery.Event {
	case EventKindOwnerAdded:
		return s.syncOwnerInfo(ctx, delivery)
	case EventKindReportSent:
		return s.recordReportSent(ctx, delivery)
	default:
		return s.reconcileEngagement(ctx, delivery)
	}
}

// loadLead returns the lead or nil when it does not exist.
func (s *Service) loadLead(ctx context.Context, operation, leadID string) (*Lead, error) {
	var lead Lead
	err := s.db.WithContext(ctx).Where(queryByID, leadID).Take(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(operation, reasonLeadLookupFailed, err, zap.String(fieldLeadID, leadID))
		return nil, newServiceError(operation, reasonLeadLookupFailed, err)
	}
	return &lead, nil
}

// syncOwnerInfo overwrites the lead's owner contact fields with the non-empty values supplied.
func (s *Service) syncOwnerInfo(ctx context.Context, delivery Delivery) (Result, error) {
	result := Result{Event: delivery.Event}
	lead, err := s.loadLead(ctx, opSyncOwner, delivery.LeadID)
	if err != nil {
		return Result{}, err
	}
	if lead == nil {
		s.loggerOrDefault().Warn("owner info for unknown lead skipped", zap.String(fieldLeadID, delivery.LeadID))
		result.Message = "Lead not found, owner info skipped"
		return result, nil
	}

	values := make(map[string]any, 4)
	if name := strings.TrimSpace(delivery.Owner.Name); name != "" {
		values["owner_name"] = name
	}
	if email := strings.TrimSpace(delivery.Owner.Email); email != "" {
		values["owner_email"] = email
	}
	if phone := strings.TrimSpace(delivery.Owner.Phone); phone != "" {
		values["owner_phone"] = phone
	}
	if len(values) == 0 {
		result.Message = "No owner info supplied"
		return result, nil
	}
	values[columnUpdatedAt] = s.clock().UTC()

	if err := s.db.WithContext(ctx).Model(&Lead{}).Where(queryByID, lead.ID).UpdateColumns(values).Error; err != nil {
		s.logError(opSyncOwner, reasonOwnerUpdateFailed, err, zap.String(fieldLeadID, lead.ID))
		return Result{}, newServiceError(opSyncOwner, reasonOwnerUpdateFailed, err)
	}
	result.Message = "Owner info synced"
	return result, nil
}

// recordReportSent stamps the first send time on the targeted report and on the lead.
func (s *Service) recordReportSent(ctx context.Context, delivery Delivery) (Result, error) {
	result := Result{Event: delivery.Event}
	lead, err := s.loadLead(ctx, opRecordReportSent, delivery.LeadID)
	if err != nil {
		return Result{}, err
	}
	if lead == nil {
		s.loggerOrDefault().Warn("report sent for unknown lead skipped", zap.String(fieldLeadID, delivery.LeadID))
		result.Message = "Lead not found, report sent skipped"
		return result, nil
	}

	now := s.clock().UTC()
	sentAt := now
	switch {
	case delivery.Metrics.SentAt != nil:
		sentAt = delivery.Metrics.SentAt.UTC()
	case delivery.Timestamp != nil:
		sentAt = delivery.Timestamp.UTC()
	}

	kind, known := resolveReportKind(delivery)
	s.warnUnknownKind(delivery, known)
	result.ReportKind = kind

	action, err := s.reconcileReport(ctx, lead.ID, kind, delivery, Metrics{SentAt: &sentAt})
	if err != nil {
		return Result{}, err
	}
	result.ReportAction = action

	stamp := rowChanges{setOnce: []setOnceColumn{{column: columnLeadReportSentAt, value: sentAt}}}
	stampErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.applyRowChanges(tx, &Lead{}, lead.ID, stamp, now, opRecordReportSent,
			reasonLeadStampFailed, reasonLeadStampFailed, zap.String(fieldLeadID, lead.ID))
	})
	if stampErr != nil {
		return Result{}, stampErr
	}
	result.Message = "Report sent recorded"
	return result, nil
}

// reconcileEngagement runs the general path: report reconciliation, lead recomputation, then the
// best-effort ledger, propagation and notification steps.
func (s *Service) reconcileEngagement(ctx context.Context, delivery Delivery) (Result, error) {
	result := Result{Event: delivery.Event}
	lead, err := s.loadLead(ctx, opHandle, delivery.LeadID)
	if err != nil {
		return Result{}, err
	}
	if lead == nil {
		return Result{}, newServiceError(opHandle, reasonLeadNotFound, ErrLeadNotFound)
	}
	wasHot := lead.IsHotLead

	kind, known := resolveReportKind(delivery)
	s.warnUnknownKind(delivery, known)
	result.ReportKind = kind

	metrics := effectiveMetrics(delivery, s.clock())
	action, err := s.reconcileReport(ctx, lead.ID, kind, delivery, metrics)
	if err != nil {
		return Result{}, err
	}
	result.ReportAction = action

	if err := s.recomputeLead(ctx, lead.ID, metrics); err != nil {
		return Result{}, err
	}

	ledger, ledgerErr := s.recordLedger(ctx, lead.ID, kind, delivery.Events)
	result.Ledger = ledger
	if ledgerErr != nil {
		result.Degraded = append(result.Degraded, StageLedger)
	}

	updated, err := s.loadLead(ctx, opHandle, lead.ID)
	if err != nil {
		return Result{}, err
	}
	if updated == nil {
		return Result{}, newServiceError(opHandle, reasonLeadNotFound, ErrLeadNotFound)
	}

	propagated, propagateErr := s.propagate(ctx, *updated)
	result.Propagated = propagated
	if propagateErr != nil {
		result.Degraded = append(result.Degraded, StagePropagation)
	}

	drafts := planNotifications(delivery.Event, *updated, wasHot, updated.IsHotLead, metrics.ProposalDeclineReason, s.baseURL)
	for _, draft := range drafts {
		if _, notifyErr := s.notifier.Notify(ctx, draft); notifyErr != nil {
			s.logError(opHandle, "notify_failed", notifyErr,
				zap.String(fieldLeadID, lead.ID), zap.String("kind", string(draft.Kind)))
			result.Degraded = append(result.Degraded, StageNotification)
			continue
		}
		result.Notifications = append(result.Notifications, draft.Kind)
	}

	result.Message = "Engagement reconciled"
	s.loggerOrDefault().Info("engagement reconciled",
		zap.String(fieldLeadID, lead.ID),
		zap.String(fieldEvent, string(delivery.Event)),
		zap.String(reportKindField, string(kind)),
		zap.String("report_action", string(action)),
		zap.Bool("was_hot_lead", wasHot),
		zap.Bool("is_hot_lead", updated.IsHotLead),
		zap.Int("ledger_inserted", ledger.Inserted),
		zap.Int("notifications", len(result.Notifications)))
	return result, nil
}

func (s *Service) warnUnknownKind(delivery Delivery, known bool) {
	if known {
		return
	}
	s.loggerOrDefault().Warn("unrecognized report type mapped to market_appraisal",
		zap.String(fieldLeadID, delivery.LeadID),
		zap.String("report_type", delivery.ReportType))
}

// Summary is the engagement view of one lead for its owning agent.
type Summary struct {
	Lead    Lead
	Reports []Report
	Events  []EngagementEvent
}

// EngagementSummary returns the lead aggregate, its reports and the most recent ledger events. Leads owned
// by another agent are reported as not found.
func (s *Service) EngagementSummary(ctx context.Context, userID, leadID string) (Summary, error) {
	db := s.db.WithContext(ctx)
	var lead Lead
	err := db.Where(queryLeadOwnedBy, leadID, userID).Take(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Summary{}, newServiceError(opEngagementSummary, reasonLeadNotFound, ErrLeadNotFound)
	}
	if err != nil {
		s.logError(opEngagementSummary, reasonLeadLookupFailed, err,
			zap.String(fieldUserID, userID), zap.String(fieldLeadID, leadID))
		return Summary{}, newServiceError(opEngagementSummary, reasonLeadLookupFailed, err)
	}

	summary := Summary{Lead: lead}
	if err := db.Where(queryReportsByLead, leadID).Order(orderNewestReport).Find(&summary.Reports).Error; err != nil {
		s.logError(opEngagementSummary, reasonSummaryQueryFailed, err, zap.String(fieldLeadID, leadID))
		return Summary{}, newServiceError(opEngagementSummary, reasonSummaryQueryFailed, err)
	}
	if err := db.Where(queryReportsByLead, leadID).Order(orderNewestEvent).Limit(summaryEventLimit).Find(&summary.Events).Error; err != nil {
		s.logError(opEngagementSummary, reasonSummaryQueryFailed, err, zap.String(fieldLeadID, leadID))
		return Summary{}, newServiceError(opEngagementSummary, reasonSummaryQueryFailed, err)
	}
	return summary, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	serviceerror.Log(s.loggerOrDefault(), "engagement service error", operation, reason, err, fields...)
}
