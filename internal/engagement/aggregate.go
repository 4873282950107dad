package engagement

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRecomputeAggregate     = "engagement.recompute_aggregate"
	reasonReportsQueryFailed = "reports_query_failed"
	reasonLeadUpdateFailed   = "lead_update_failed"
	reasonLeadSetOnceFailed  = "lead_set_once_failed"
	queryReportsByLead       = "appraisal_id = ?"
	columnLeadFirstViewedAt  = "beacon_first_viewed_at"
	columnLeadReportSentAt   = "beacon_report_sent_at"
	columnLeadLastActivity   = "beacon_last_activity"
	columnLeadScore          = "beacon_propensity_score"
	columnLeadHot            = "beacon_is_hot_lead"
)

// Aggregate is the lead-level engagement summary folded from every report the lead owns.
type Aggregate struct {
	PropensityScore  float64
	TotalViews       int64
	TotalTimeSeconds int64
	EmailOpenCount   int64
	IsHotLead        bool
	FirstViewedAt    *time.Time
	LastActivity     *time.Time
	SentAt           *time.Time
}

// recomputeAggregate folds reports into a lead aggregate: max score, summed counters, OR of hot flags,
// earliest first view and send, latest activity. Null timestamps are ignored.
func recomputeAggregate(reports []Report) Aggregate {
	var aggregate Aggregate
	for index := range reports {
		report := reports[index]
		if index == 0 || report.PropensityScore > aggregate.PropensityScore {
			aggregate.PropensityScore = report.PropensityScore
		}
		aggregate.TotalViews += report.TotalViews
		aggregate.TotalTimeSeconds += report.TotalTimeSeconds
		aggregate.EmailOpenCount += report.EmailOpenCount
		aggregate.IsHotLead = aggregate.IsHotLead || report.IsHotLead
		aggregate.FirstViewedAt = earliest(aggregate.FirstViewedAt, report.FirstViewedAt)
		aggregate.LastActivity = latest(aggregate.LastActivity, report.LastActivity)
		aggregate.SentAt = earliest(aggregate.SentAt, report.SentAt)
	}
	return aggregate
}

func earliest(current, candidate *time.Time) *time.Time {
	if candidate == nil {
		return current
	}
	if current == nil || candidate.Before(*current) {
		value := candidate.UTC()
		return &value
	}
	return current
}

func latest(current, candidate *time.Time) *time.Time {
	if candidate == nil {
		return current
	}
	if current == nil || candidate.After(*current) {
		value := candidate.UTC()
		return &value
	}
	return current
}

// planLeadChanges turns the lead's reports into lead column writes. Without reports only the fields present
// in the delivery are applied, so a lagging report flow never zeroes the lead.
func planLeadChanges(reports []Report, metrics Metrics) rowChanges {
	overwrites := make(map[string]any)
	setOnce := make([]setOnceColumn, 0, 2)

	if len(reports) > 0 {
		aggregate := recomputeAggregate(reports)
		overwrites[columnLeadScore] = aggregate.PropensityScore
		overwrites["beacon_total_views"] = aggregate.TotalViews
		overwrites["beacon_total_time_seconds"] = aggregate.TotalTimeSeconds
		overwrites["beacon_email_open_count"] = aggregate.EmailOpenCount
		overwrites[columnLeadHot] = aggregate.IsHotLead
		if aggregate.LastActivity != nil {
			overwrites[columnLeadLastActivity] = *aggregate.LastActivity
		}
		setOnce = appendSetOnce(setOnce, columnLeadFirstViewedAt, aggregate.FirstViewedAt)
		setOnce = appendSetOnce(setOnce, columnLeadReportSentAt, aggregate.SentAt)
		return rowChanges{overwrites: overwrites, setOnce: setOnce}
	}

	if metrics.PropensityScore != nil {
		overwrites[columnLeadScore] = *metrics.PropensityScore
	}
	if metrics.TotalViews != nil {
		overwrites["beacon_total_views"] = *metrics.TotalViews
	}
	if metrics.TotalTimeSeconds != nil {
		overwrites["beacon_total_time_seconds"] = *metrics.TotalTimeSeconds
	}
	if metrics.EmailOpenCount != nil {
		overwrites["beacon_email_open_count"] = *metrics.EmailOpenCount
	}
	if hot, ok := metrics.hotLead(); ok {
		overwrites[columnLeadHot] = hot
	}
	if metrics.LastActivity != nil {
		overwrites[columnLeadLastActivity] = metrics.LastActivity.UTC()
	}
	setOnce = appendSetOnce(setOnce, columnLeadFirstViewedAt, metrics.FirstViewedAt)
	setOnce = appendSetOnce(setOnce, columnLeadReportSentAt, metrics.SentAt)
	return rowChanges{overwrites: overwrites, setOnce: setOnce}
}

// recomputeLead re-reads every report the lead owns and rewrites the lead's cached aggregate.
func (s *Service) recomputeLead(ctx context.Context, leadID string, metrics Metrics) error {
	db := s.db.WithContext(ctx)
	var reports []Report
	if err := db.Where(queryReportsByLead, leadID).Find(&reports).Error; err != nil {
		s.logError(opRecomputeAggregate, reasonReportsQueryFailed, err, zap.String(fieldLeadID, leadID))
		return newServiceError(opRecomputeAggregate, reasonReportsQueryFailed, err)
	}

	changes := planLeadChanges(reports, metrics)
	now := s.clock().UTC()
	return db.Transaction(func(tx *gorm.DB) error {
		return s.applyRowChanges(tx, &Lead{}, leadID, changes, now, opRecomputeAggregate,
			reasonLeadUpdateFailed, reasonLeadSetOnceFailed, zap.String(fieldLeadID, leadID))
	})
}
