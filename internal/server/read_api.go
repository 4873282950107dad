package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/engagement"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/notifications"
	"go.uber.org/zap"
)

const (
	streamEventNotification = "notification"
	streamEventHeartbeat    = "heartbeat"
)

type leadPayload struct {
	ID               string     `json:"id"`
	PropertyAddress  string     `json:"property_address"`
	OwnerName        string     `json:"owner_name"`
	OwnerEmail       string     `json:"owner_email"`
	OwnerPhone       string     `json:"owner_phone"`
	PropensityScore  float64    `json:"propensity_score"`
	TotalViews       int64      `json:"total_views"`
	TotalTimeSeconds int64      `json:"total_time_seconds"`
	EmailOpenCount   int64      `json:"email_open_count"`
	IsHotLead        bool       `json:"is_hot_lead"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
	FirstViewedAt    *time.Time `json:"first_viewed_at,omitempty"`
	ReportSentAt     *time.Time `json:"report_sent_at,omitempty"`
}

type reportPayload struct {
	ID                    string     `json:"id"`
	Kind                  string     `json:"kind"`
	ExternalReportID      string     `json:"external_report_id,omitempty"`
	ReportURL             string     `json:"report_url,omitempty"`
	PersonalizedURL       string     `json:"personalized_url,omitempty"`
	PropensityScore       float64    `json:"propensity_score"`
	TotalViews            int64      `json:"total_views"`
	TotalTimeSeconds      int64      `json:"total_time_seconds"`
	EmailOpenCount        int64      `json:"email_open_count"`
	IsHotLead             bool       `json:"is_hot_lead"`
	FirstViewedAt         *time.Time `json:"first_viewed_at,omitempty"`
	LastActivity          *time.Time `json:"last_activity,omitempty"`
	SentAt                *time.Time `json:"sent_at,omitempty"`
	ProposalAcceptedAt    *time.Time `json:"proposal_accepted_at,omitempty"`
	ProposalDeclinedAt    *time.Time `json:"proposal_declined_at,omitempty"`
	ProposalDeclineReason string     `json:"proposal_decline_reason,omitempty"`
	CampaignStartedAt     *time.Time `json:"campaign_started_at,omitempty"`
	DaysOnMarket          *int64     `json:"days_on_market,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

type eventPayload struct {
	EventType       string         `json:"event_type"`
	OccurredAt      time.Time      `json:"occurred_at"`
	DurationSeconds int64          `json:"duration_seconds"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type summaryResponsePayload struct {
	Lead    leadPayload     `json:"lead"`
	Reports []reportPayload `json:"reports"`
	Events  []eventPayload  `json:"events"`
}

type notificationPayload struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link"`
	LeadID    string    `json:"appraisal_id,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *httpHandler) handleEngagementSummary(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	leadID := c.Param("id")

	summary, err := h.engagement.EngagementSummary(c.Request.Context(), userID, leadID)
	if errors.Is(err, engagement.ErrLeadNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load engagement summary", zap.String("appraisal_id", leadID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary_failed"})
		return
	}

	c.JSON(http.StatusOK, summaryPayloadFrom(summary))
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	items, err := h.notifications.List(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := make([]notificationPayload, 0, len(items))
	for _, item := range items {
		response = append(response, notificationPayloadFrom(item))
	}
	c.JSON(http.StatusOK, gin.H{"notifications": response})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	notificationID := c.Param("id")

	err := h.notifications.MarkRead(c.Request.Context(), userID, notificationID)
	if errors.Is(err, notifications.ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to mark notification read", zap.String("notification_id", notificationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case notification, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(streamEventNotification, notificationPayloadFrom(notification))
			return true
		case tick := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
}

func summaryPayloadFrom(summary engagement.Summary) summaryResponsePayload {
	lead := summary.Lead
	response := summaryResponsePayload{
		Lead: leadPayload{
			ID:               lead.ID,
			PropertyAddress:  lead.PropertyAddress,
			OwnerName:        lead.OwnerName,
			OwnerEmail:       lead.OwnerEmail,
			OwnerPhone:       lead.OwnerPhone,
			PropensityScore:  lead.PropensityScore,
			TotalViews:       lead.TotalViews,
			TotalTimeSeconds: lead.TotalTimeSeconds,
			EmailOpenCount:   lead.EmailOpenCount,
			IsHotLead:        lead.IsHotLead,
			LastActivity:     lead.LastActivity,
			FirstViewedAt:    lead.FirstViewedAt,
			ReportSentAt:     lead.ReportSentAt,
		},
		Reports: make([]reportPayload, 0, len(summary.Reports)),
		Events:  make([]eventPayload, 0, len(summary.Events)),
	}
	for _, report := range summary.Reports {
		response.Reports = append(response.Reports, reportPayload{
			ID:                    report.ID,
			Kind:                  string(report.Kind),
			ExternalReportID:      report.ExternalReportID,
			ReportURL:             report.ReportURL,
			PersonalizedURL:       report.PersonalizedURL,
			PropensityScore:       report.PropensityScore,
			TotalViews:            report.TotalViews,
			TotalTimeSeconds:      report.TotalTimeSeconds,
			EmailOpenCount:        report.EmailOpenCount,
			IsHotLead:             report.IsHotLead,
			FirstViewedAt:         report.FirstViewedAt,
			LastActivity:          report.LastActivity,
			SentAt:                report.SentAt,
			ProposalAcceptedAt:    report.ProposalAcceptedAt,
			ProposalDeclinedAt:    report.ProposalDeclinedAt,
			ProposalDeclineReason: report.ProposalDeclineReason,
			CampaignStartedAt:     report.CampaignStartedAt,
			DaysOnMarket:          report.DaysOnMarket,
			CreatedAt:             report.CreatedAt,
		})
	}
	for _, event := range summary.Events {
		response.Events = append(response.Events, eventPayload{
			EventType:       string(event.EventType),
			OccurredAt:      event.OccurredAt,
			DurationSeconds: event.DurationSeconds,
			Metadata:        event.Metadata,
		})
	}
	return response
}

func notificationPayloadFrom(notification notifications.Notification) notificationPayload {
	return notificationPayload{
		ID:        notification.ID,
		Kind:      string(notification.Kind),
		Title:     notification.Title,
		Message:   notification.Message,
		Link:      notification.Link,
		LeadID:    notification.LeadID,
		IsRead:    notification.IsRead,
		CreatedAt: notification.CreatedAt,
	}
}
