package engagement

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReportKind enumerates the tracked report types.
type ReportKind string

const (
	// ReportKindMarketAppraisal is the primary report kind and the fallback for unknown sender types.
	ReportKindMarketAppraisal ReportKind = "market_appraisal"
	// ReportKindProposal is a listing proposal the prospect can accept or decline.
	ReportKindProposal ReportKind = "proposal"
	// ReportKindUpdateCampaign is a periodic market update campaign.
	ReportKindUpdateCampaign ReportKind = "update_campaign"
)

// ParseReportKind maps the sender's report type vocabulary onto ReportKind. The boolean is false when the
// value was not recognized and the primary kind was substituted.
func ParseReportKind(rawInput string) (ReportKind, bool) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "appraisal", "market_appraisal", "market-appraisal":
		return ReportKindMarketAppraisal, true
	case "proposal":
		return ReportKindProposal, true
	case "campaign", "update_campaign", "update-campaign":
		return ReportKindUpdateCampaign, true
	default:
		return ReportKindMarketAppraisal, false
	}
}

// EventKind enumerates webhook events. Unrecognized event strings map to EventKindGeneric and still run
// the general reconciliation path.
type EventKind string

const (
	EventKindOwnerAdded       EventKind = "owner_added"
	EventKindReportSent       EventKind = "report_sent"
	EventKindHotLead          EventKind = "hot_lead"
	EventKindView             EventKind = "view"
	EventKindProposalAccepted EventKind = "proposal_accepted"
	EventKindProposalDeclined EventKind = "proposal_declined"
	EventKindCampaignStarted  EventKind = "campaign_started"
	EventKindGeneric          EventKind = "generic"
)

// ParseEventKind normalizes the webhook event discriminator.
func ParseEventKind(rawInput string) EventKind {
	switch kind := EventKind(strings.ToLower(strings.TrimSpace(rawInput))); kind {
	case EventKindOwnerAdded, EventKindReportSent, EventKindHotLead, EventKindView,
		EventKindProposalAccepted, EventKindProposalDeclined, EventKindCampaignStarted:
		return kind
	default:
		return EventKindGeneric
	}
}

// impliedReportKind returns the report kind an event refers to when the payload omits reportType.
func (kind EventKind) impliedReportKind() (ReportKind, bool) {
	switch kind {
	case EventKindProposalAccepted, EventKindProposalDeclined:
		return ReportKindProposal, true
	case EventKindCampaignStarted:
		return ReportKindUpdateCampaign, true
	default:
		return "", false
	}
}

// LedgerEventType enumerates the discrete engagement events kept in the ledger.
type LedgerEventType string

const (
	LedgerEventView      LedgerEventType = "view"
	LedgerEventEmailOpen LedgerEventType = "email_open"
	LedgerEventLinkClick LedgerEventType = "link_click"
)

// parseLedgerEventType maps sender event names onto ledger types.
func parseLedgerEventType(rawInput string) (LedgerEventType, bool) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "view", "report_view", "page_view":
		return LedgerEventView, true
	case "email_open", "open", "email_opened":
		return LedgerEventEmailOpen, true
	case "link_click", "click", "link_clicked":
		return LedgerEventLinkClick, true
	default:
		return "", false
	}
}

// ErrInvalidTimestamp indicates a payload timestamp that none of the accepted layouts could parse.
var ErrInvalidTimestamp = errors.New("engagement: invalid timestamp")

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a sender timestamp and normalizes it to UTC. Values without a zone are read as UTC.
func ParseTimestamp(rawInput string) (time.Time, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, trimmed)
		if err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, trimmed)
}
