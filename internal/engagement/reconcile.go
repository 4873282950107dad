package engagement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReportAction describes what the reconciler did with the targeted report row.
type ReportAction string

const (
	ReportActionCreated ReportAction = "created"
	ReportActionUpdated ReportAction = "updated"
	ReportActionSkipped ReportAction = "skipped"
)

const (
	opReconcileReport         = "engagement.reconcile_report"
	reasonReportLookupFailed  = "report_lookup_failed"
	reasonReportIDFailed      = "report_id_failed"
	reasonReportCreateFailed  = "report_create_failed"
	reasonReportUpdateFailed  = "report_update_failed"
	reasonReportSetOnceFailed = "report_set_once_failed"
	queryReportByLeadKind     = "appraisal_id = ? AND kind = ?"
	queryByID                 = "id = ?"
	queryAdoptedReport        = "appraisal_id = ? AND kind = ? AND external_report_id = ?"
	orderNewestReport         = "created_at DESC, id DESC"
	columnUpdatedAt           = "updated_at"
	columnReportFirstViewedAt = "first_viewed_at"
	columnReportSentAt        = "sent_at"
	columnProposalAcceptedAt  = "proposal_accepted_at"
	columnProposalDeclinedAt  = "proposal_declined_at"
	columnCampaignStartedAt   = "campaign_started_at"
	setOnceGuardSuffix        = " IS NULL"
	reportIDFieldExternal     = "external_report_id"
	reportKindField           = "report_kind"
)

// setOnceColumn is a timestamp column that may only move from NULL to a value.
type setOnceColumn struct {
	column string
	value  time.Time
}

// rowChanges separates last-write-wins columns from set-once columns for a single row.
type rowChanges struct {
	overwrites map[string]any
	setOnce    []setOnceColumn
}

func (changes rowChanges) empty() bool {
	return len(changes.overwrites) == 0 && len(changes.setOnce) == 0
}

func appendSetOnce(columns []setOnceColumn, column string, value *time.Time) []setOnceColumn {
	if value == nil {
		return columns
	}
	return append(columns, setOnceColumn{column: column, value: value.UTC()})
}

// planReportChanges derives the column writes for a report from a delivery. Counters are snapshots and
// overwrite when present; absent fields leave stored values alone.
func planReportChanges(delivery Delivery, metrics Metrics) rowChanges {
	overwrites := make(map[string]any)
	if metrics.PropensityScore != nil {
		overwrites["propensity_score"] = *metrics.PropensityScore
	}
	if metrics.TotalViews != nil {
		overwrites["total_views"] = *metrics.TotalViews
	}
	if metrics.TotalTimeSeconds != nil {
		overwrites["total_time_seconds"] = *metrics.TotalTimeSeconds
	}
	if metrics.EmailOpenCount != nil {
		overwrites["email_open_count"] = *metrics.EmailOpenCount
	}
	if hot, ok := metrics.hotLead(); ok {
		overwrites["is_hot_lead"] = hot
	}
	if metrics.LastActivity != nil {
		overwrites["last_activity"] = metrics.LastActivity.UTC()
	}
	if metrics.ProposalDeclineReason != "" {
		overwrites["proposal_decline_reason"] = metrics.ProposalDeclineReason
	}
	if metrics.DaysOnMarket != nil {
		overwrites["days_on_market"] = *metrics.DaysOnMarket
	}
	if delivery.ReportURL != "" {
		overwrites["report_url"] = delivery.ReportURL
	}
	if delivery.PersonalizedURL != "" {
		overwrites["personalized_url"] = delivery.PersonalizedURL
	}
	if delivery.ReportID != "" {
		overwrites[reportIDFieldExternal] = delivery.ReportID
	}

	setOnce := make([]setOnceColumn, 0, 5)
	setOnce = appendSetOnce(setOnce, columnReportFirstViewedAt, metrics.FirstViewedAt)
	setOnce = appendSetOnce(setOnce, columnReportSentAt, metrics.SentAt)
	setOnce = appendSetOnce(setOnce, columnProposalAcceptedAt, metrics.ProposalAcceptedAt)
	setOnce = appendSetOnce(setOnce, columnProposalDeclinedAt, metrics.ProposalDeclinedAt)
	setOnce = appendSetOnce(setOnce, columnCampaignStartedAt, metrics.CampaignStartedAt)

	return rowChanges{overwrites: overwrites, setOnce: setOnce}
}

// resolveReportKind picks the report kind targeted by a delivery. The boolean is false when an unknown
// reportType forced the primary kind.
func resolveReportKind(delivery Delivery) (ReportKind, bool) {
	if delivery.ReportType == "" {
		if implied, ok := delivery.Event.impliedReportKind(); ok {
			return implied, true
		}
		return ReportKindMarketAppraisal, true
	}
	return ParseReportKind(delivery.ReportType)
}

// findLatestReport returns the most recently created report for (lead, kind), or nil.
func findLatestReport(tx *gorm.DB, leadID string, kind ReportKind) (*Report, error) {
	var report Report
	err := tx.Where(queryReportByLeadKind, leadID, kind).
		Order(orderNewestReport).
		Take(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// adoptReport inserts candidate unless another delivery already adopted the same sender report id for the
// lead and kind, in which case that row is returned instead. The boolean reports whether candidate was stored.
func adoptReport(tx *gorm.DB, candidate Report) (*Report, bool, error) {
	insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if insert.Error != nil {
		return nil, false, insert.Error
	}
	if insert.RowsAffected > 0 {
		return &candidate, true, nil
	}
	var adopted Report
	if err := tx.Where(queryAdoptedReport, candidate.LeadID, candidate.Kind, candidate.ExternalReportID).
		Take(&adopted).Error; err != nil {
		return nil, false, err
	}
	return &adopted, false, nil
}

// reconcileReport applies one delivery to the newest report of its kind, adopting a new row only when the
// sender supplied its report identifier. All writes for the row share one transaction.
func (s *Service) reconcileReport(ctx context.Context, leadID string, kind ReportKind, delivery Delivery, metrics Metrics) (ReportAction, error) {
	changes := planReportChanges(delivery, metrics)
	now := s.clock().UTC()
	action := ReportActionUpdated

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findLatestReport(tx, leadID, kind)
		if err != nil {
			s.logError(opReconcileReport, reasonReportLookupFailed, err,
				zap.String(fieldLeadID, leadID), zap.String(reportKindField, string(kind)))
			return newServiceError(opReconcileReport, reasonReportLookupFailed, err)
		}

		if existing == nil {
			if delivery.ReportID == "" {
				action = ReportActionSkipped
				return nil
			}
			reportID, idErr := s.idProvider.NewID()
			if idErr != nil {
				s.logError(opReconcileReport, reasonReportIDFailed, idErr, zap.String(fieldLeadID, leadID))
				return newServiceError(opReconcileReport, reasonReportIDFailed, idErr)
			}
			adopted, created, adoptErr := adoptReport(tx, Report{
				ID:               reportID,
				LeadID:           leadID,
				Kind:             kind,
				ExternalReportID: delivery.ReportID,
				CreatedAt:        now,
				UpdatedAt:        now,
			})
			if adoptErr != nil {
				s.logError(opReconcileReport, reasonReportCreateFailed, adoptErr,
					zap.String(fieldLeadID, leadID), zap.String(reportKindField, string(kind)))
				return newServiceError(opReconcileReport, reasonReportCreateFailed, adoptErr)
			}
			existing = adopted
			if created {
				action = ReportActionCreated
			}
		}

		return s.applyRowChanges(tx, &Report{}, existing.ID, changes, now, opReconcileReport,
			reasonReportUpdateFailed, reasonReportSetOnceFailed, zap.String(fieldLeadID, leadID))
	})
	if txErr != nil {
		return "", txErr
	}

	if action == ReportActionSkipped {
		s.loggerOrDefault().Info("no report to reconcile; waiting for sender report id",
			zap.String(fieldLeadID, leadID),
			zap.String(reportKindField, string(kind)),
			zap.String(fieldEvent, string(delivery.Event)))
	}
	return action, nil
}

// applyRowChanges writes overwrites, then each set-once column guarded by IS NULL so a stored value is
// never replaced.
func (s *Service) applyRowChanges(tx *gorm.DB, model any, rowID string, changes rowChanges, now time.Time, operation, updateReason, setOnceReason string, fields ...zap.Field) error {
	if changes.empty() {
		return nil
	}
	if len(changes.overwrites) > 0 {
		values := make(map[string]any, len(changes.overwrites)+1)
		for column, value := range changes.overwrites {
			values[column] = value
		}
		values[columnUpdatedAt] = now
		if err := tx.Model(model).Where(queryByID, rowID).UpdateColumns(values).Error; err != nil {
			s.logError(operation, updateReason, err, fields...)
			return newServiceError(operation, updateReason, err)
		}
	}
	for _, column := range changes.setOnce {
		result := tx.Model(model).
			Where(queryByID+" AND "+column.column+setOnceGuardSuffix, rowID).
			UpdateColumns(map[string]any{column.column: column.value, columnUpdatedAt: now})
		if result.Error != nil {
			s.logError(operation, setOnceReason, result.Error, append(fields, zap.String("column", column.column))...)
			return newServiceError(operation, setOnceReason, result.Error)
		}
	}
	return nil
}
