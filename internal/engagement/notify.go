package engagement

import (
	"fmt"
	"strings"

	"github.com/markbryant-rw/AgentBuddy-sub007/internal/notifications"
)

const appraisalLinkPath = "/appraisals/"

// planNotifications decides which notifications a reconciled delivery produces. Hot-lead alerts fire only
// on a cold-to-hot transition; proposal outcomes always notify.
func planNotifications(event EventKind, lead Lead, wasHot, isHot bool, declineReason, baseURL string) []notifications.Draft {
	label := leadLabel(lead)
	link := strings.TrimRight(baseURL, "/") + appraisalLinkPath + lead.ID

	draft := func(kind notifications.Kind, title, message string) notifications.Draft {
		return notifications.Draft{
			UserID:  lead.UserID,
			Kind:    kind,
			Title:   title,
			Message: message,
			Link:    link,
			LeadID:  lead.ID,
		}
	}

	switch event {
	case EventKindHotLead:
		if wasHot || !isHot {
			return nil
		}
		return []notifications.Draft{draft(notifications.KindHotLead,
			"Hot lead",
			fmt.Sprintf("%s is highly engaged with their report (score %.0f).", label, lead.PropensityScore))}
	case EventKindProposalAccepted:
		return []notifications.Draft{draft(notifications.KindProposalAccepted,
			"Proposal accepted",
			fmt.Sprintf("The proposal for %s was accepted.", label))}
	case EventKindProposalDeclined:
		message := fmt.Sprintf("The proposal for %s was declined.", label)
		if reason := strings.TrimSpace(declineReason); reason != "" {
			message = fmt.Sprintf("The proposal for %s was declined: %s", label, reason)
		}
		return []notifications.Draft{draft(notifications.KindProposalDeclined, "Proposal declined", message)}
	default:
		return nil
	}
}

func leadLabel(lead Lead) string {
	if address := strings.TrimSpace(lead.PropertyAddress); address != "" {
		return address
	}
	if owner := strings.TrimSpace(lead.OwnerName); owner != "" {
		return owner
	}
	return lead.ID
}
