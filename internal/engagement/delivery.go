package engagement

import "time"

const hotLeadScoreThreshold = 70

// Delivery is one decoded webhook call from the tracking service.
type Delivery struct {
	Event           EventKind
	RawEvent        string
	LeadID          string
	ReportID        string
	ReportURL       string
	PersonalizedURL string
	ReportType      string
	Timestamp       *time.Time
	Metrics         Metrics
	Owner           OwnerInfo
	Events          []LedgerEntry
}

// Metrics carries the engagement snapshot reported by the sender. Nil fields were absent from the payload
// and leave stored values untouched.
type Metrics struct {
	PropensityScore       *float64
	TotalViews            *int64
	TotalTimeSeconds      *int64
	EmailOpenCount        *int64
	IsHotLead             *bool
	FirstViewedAt         *time.Time
	LastActivity          *time.Time
	SentAt                *time.Time
	ProposalAcceptedAt    *time.Time
	ProposalDeclinedAt    *time.Time
	ProposalDeclineReason string
	CampaignStartedAt     *time.Time
	DaysOnMarket          *int64
}

// hotLead reports the hot-lead flag: the explicit flag when present, otherwise derived from the score.
func (m Metrics) hotLead() (bool, bool) {
	if m.IsHotLead != nil {
		return *m.IsHotLead, true
	}
	if m.PropensityScore != nil {
		return *m.PropensityScore >= hotLeadScoreThreshold, true
	}
	return false, false
}

// OwnerInfo carries the property owner's contact details sent with owner_added.
type OwnerInfo struct {
	Name  string
	Email string
	Phone string
}

// LedgerEntry is one discrete engagement event from the payload batch. A zero OccurredAt marks an entry
// whose timestamp was missing or unparseable.
type LedgerEntry struct {
	Type            string
	OccurredAt      time.Time
	DurationSeconds int64
	LinkURL         string
	LinkLabel       string
	Metadata        map[string]any
}

// effectiveMetrics fills event-implied timestamps so a proposal_declined delivery without an explicit
// proposalDeclinedAt still records when the decline happened.
func effectiveMetrics(delivery Delivery, now time.Time) Metrics {
	metrics := delivery.Metrics
	eventTime := now.UTC()
	if delivery.Timestamp != nil {
		eventTime = delivery.Timestamp.UTC()
	}
	switch delivery.Event {
	case EventKindProposalAccepted:
		if metrics.ProposalAcceptedAt == nil {
			metrics.ProposalAcceptedAt = &eventTime
		}
	case EventKindProposalDeclined:
		if metrics.ProposalDeclinedAt == nil {
			metrics.ProposalDeclinedAt = &eventTime
		}
	case EventKindCampaignStarted:
		if metrics.CampaignStartedAt == nil {
			metrics.CampaignStartedAt = &eventTime
		}
	}
	return metrics
}
