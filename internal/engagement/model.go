package engagement

import (
	"time"

	"gorm.io/datatypes"
)

// Lead models the appraisal record that owns tracked reports. The beacon_* columns are a cache derived
// from the lead's reports and are rewritten after every reconciled delivery.
type Lead struct {
	ID               string     `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string     `gorm:"column:user_id;size:190;not null;index"`
	PropertyAddress  string     `gorm:"column:property_address;size:512;not null;default:''"`
	OwnerName        string     `gorm:"column:owner_name;size:320;not null;default:''"`
	OwnerEmail       string     `gorm:"column:owner_email;size:320;not null;default:''"`
	OwnerPhone       string     `gorm:"column:owner_phone;size:64;not null;default:''"`
	PropensityScore  float64    `gorm:"column:beacon_propensity_score;not null;default:0"`
	TotalViews       int64      `gorm:"column:beacon_total_views;not null;default:0"`
	TotalTimeSeconds int64      `gorm:"column:beacon_total_time_seconds;not null;default:0"`
	EmailOpenCount   int64      `gorm:"column:beacon_email_open_count;not null;default:0"`
	IsHotLead        bool       `gorm:"column:beacon_is_hot_lead;not null;default:false"`
	LastActivity     *time.Time `gorm:"column:beacon_last_activity"`
	FirstViewedAt    *time.Time `gorm:"column:beacon_first_viewed_at"`
	ReportSentAt     *time.Time `gorm:"column:beacon_report_sent_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Lead) TableName() string {
	return "appraisals"
}

// Report models one tracked document sent to a prospect. A lead may own several reports of the same kind
// when a report is re-sent; the most recently created one receives engagement updates. A sender report id
// is adopted at most once per (lead, kind).
type Report struct {
	ID                    string     `gorm:"column:id;primaryKey;size:64;not null"`
	LeadID                string     `gorm:"column:appraisal_id;size:190;not null;index:idx_beacon_reports_lead_kind,priority:1;uniqueIndex:idx_beacon_reports_adopted,priority:1"`
	Kind                  ReportKind `gorm:"column:kind;size:32;not null;index:idx_beacon_reports_lead_kind,priority:2;uniqueIndex:idx_beacon_reports_adopted,priority:2"`
	ExternalReportID      string     `gorm:"column:external_report_id;size:190;not null;default:'';uniqueIndex:idx_beacon_reports_adopted,priority:3,where:external_report_id <> ''"`
	ReportURL             string     `gorm:"column:report_url;size:1024;not null;default:''"`
	PersonalizedURL       string     `gorm:"column:personalized_url;size:1024;not null;default:''"`
	PropensityScore       float64    `gorm:"column:propensity_score;not null;default:0"`
	TotalViews            int64      `gorm:"column:total_views;not null;default:0"`
	TotalTimeSeconds      int64      `gorm:"column:total_time_seconds;not null;default:0"`
	EmailOpenCount        int64      `gorm:"column:email_open_count;not null;default:0"`
	IsHotLead             bool       `gorm:"column:is_hot_lead;not null;default:false"`
	FirstViewedAt         *time.Time `gorm:"column:first_viewed_at"`
	LastActivity          *time.Time `gorm:"column:last_activity"`
	SentAt                *time.Time `gorm:"column:sent_at"`
	ProposalAcceptedAt    *time.Time `gorm:"column:proposal_accepted_at"`
	ProposalDeclinedAt    *time.Time `gorm:"column:proposal_declined_at"`
	ProposalDeclineReason string     `gorm:"column:proposal_decline_reason;type:text;not null;default:''"`
	CampaignStartedAt     *time.Time `gorm:"column:campaign_started_at"`
	DaysOnMarket          *int64     `gorm:"column:days_on_market"`
	CreatedAt             time.Time  `gorm:"column:created_at;not null;index:idx_beacon_reports_lead_kind,priority:3"`
	UpdatedAt             time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Report) TableName() string {
	return "beacon_reports"
}

// EngagementEvent is an append-only ledger row. (appraisal_id, event_type, occurred_at) is the natural key
// that makes redelivered batches a no-op.
type EngagementEvent struct {
	ID              int64             `gorm:"column:id;primaryKey;autoIncrement"`
	LeadID          string            `gorm:"column:appraisal_id;size:190;not null;uniqueIndex:idx_beacon_events_natural_key,priority:1"`
	EventType       LedgerEventType   `gorm:"column:event_type;size:32;not null;uniqueIndex:idx_beacon_events_natural_key,priority:2"`
	OccurredAt      time.Time         `gorm:"column:occurred_at;not null;uniqueIndex:idx_beacon_events_natural_key,priority:3"`
	DurationSeconds int64             `gorm:"column:duration_seconds;not null;default:0"`
	Metadata        datatypes.JSONMap `gorm:"column:metadata"`
	RecordedAt      time.Time         `gorm:"column:recorded_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EngagementEvent) TableName() string {
	return "beacon_engagement_events"
}

// PipelineRecord is the listing pipeline row created when an appraisal converts. It mirrors a subset of
// the lead's engagement cache.
type PipelineRecord struct {
	ID              string     `gorm:"column:id;primaryKey;size:190;not null"`
	LeadID          *string    `gorm:"column:appraisal_id;size:190;index"`
	Address         string     `gorm:"column:address;size:512;not null;default:''"`
	PropensityScore float64    `gorm:"column:beacon_propensity_score;not null;default:0"`
	IsHotLead       bool       `gorm:"column:beacon_is_hot_lead;not null;default:false"`
	LastActivity    *time.Time `gorm:"column:beacon_last_activity"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PipelineRecord) TableName() string {
	return "listings_pipeline"
}

// Models lists every table owned by the engagement pipeline, in migration order.
func Models() []any {
	return []any{&Lead{}, &Report{}, &EngagementEvent{}, &PipelineRecord{}}
}
