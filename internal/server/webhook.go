package server

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/markbryant-rw/AgentBuddy-sub007/internal/engagement"
	"go.uber.org/zap"
)

const (
	outcomeOK           = "ok"
	outcomeUnauthorized = "unauthorized"
	outcomeInvalid      = "invalid"
	outcomeNotFound     = "not_found"
	outcomeError        = "error"
	eventLabelUnknown   = "unknown"
	unauthorizedMessage = "Unauthorized"
	invalidBodyMessage  = "Invalid JSON body"
	leadNotFoundMessage = "Lead not found"
	internalMessage     = "Internal server error"
)

type webhookPayload struct {
	Event           string      `json:"event" validate:"required"`
	ExternalLeadID  string      `json:"externalLeadId" validate:"required"`
	ReportID        string      `json:"reportId"`
	ReportURL       string      `json:"reportUrl"`
	PersonalizedURL string      `json:"personalizedUrl"`
	Timestamp       string      `json:"timestamp"`
	Data            webhookData `json:"data"`
}

type webhookData struct {
	ReportType            string              `json:"reportType"`
	PropensityScore       *float64            `json:"propensityScore"`
	TotalViews            *float64            `json:"totalViews"`
	TotalTimeSeconds      *float64            `json:"totalTimeSeconds"`
	EmailOpenCount        *float64            `json:"emailOpenCount"`
	IsHotLead             *bool               `json:"isHotLead"`
	FirstViewedAt         string              `json:"firstViewedAt"`
	LastActivity          string              `json:"lastActivity"`
	LastViewedAt          string              `json:"lastViewedAt"`
	ReportSentAt          string              `json:"reportSentAt"`
	SentAt                string              `json:"sentAt"`
	OwnerName             string              `json:"ownerName"`
	OwnerEmail            string              `json:"ownerEmail"`
	OwnerPhone            string              `json:"ownerPhone"`
	ProposalAcceptedAt    string              `json:"proposalAcceptedAt"`
	ProposalDeclinedAt    string              `json:"proposalDeclinedAt"`
	ProposalDeclineReason string              `json:"proposalDeclineReason"`
	CampaignStartedAt     string              `json:"campaignStartedAt"`
	DaysOnMarket          *float64            `json:"daysOnMarket"`
	Events                []webhookEventEntry `json:"events"`
}

type webhookEventEntry struct {
	Type            string         `json:"type"`
	OccurredAt      string         `json:"occurredAt"`
	DurationSeconds *float64       `json:"durationSeconds"`
	Metadata        map[string]any `json:"metadata"`
	LinkURL         string         `json:"linkUrl"`
	LinkLabel       string         `json:"linkLabel"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (h *httpHandler) handleWebhookProbe(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (h *httpHandler) requireAPIKey(c *gin.Context) {
	if err := h.apiKeys.Verify(c.GetHeader(headerAPIKey)); err != nil {
		h.logger.Warn("webhook api key rejected",
			zap.String("source", c.GetHeader(headerWebhookSource)),
			zap.Error(err))
		h.metrics.WebhookDeliveries.WithLabelValues(eventLabelUnknown, outcomeUnauthorized).Inc()
		c.AbortWithStatusJSON(http.StatusUnauthorized, webhookResponse{Success: false, Error: unauthorizedMessage})
		return
	}
	c.Next()
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	idempotencyKey := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	source := strings.TrimSpace(c.GetHeader(headerWebhookSource))
	logger := h.logger.With(zap.String("idempotency_key", idempotencyKey), zap.String("source", source))
	h.recordDelivery(c, logger, source, idempotencyKey)

	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Warn("webhook body rejected", zap.Error(err))
		h.metrics.WebhookDeliveries.WithLabelValues(eventLabelUnknown, outcomeInvalid).Inc()
		c.JSON(http.StatusBadRequest, webhookResponse{Success: false, Error: invalidBodyMessage})
		return
	}
	eventLabel := string(engagement.ParseEventKind(payload.Event))
	if err := h.validate.Struct(payload); err != nil {
		message := validationMessage(err)
		logger.Warn("webhook payload invalid", zap.String("event", payload.Event), zap.String("error", message))
		h.metrics.WebhookDeliveries.WithLabelValues(eventLabel, outcomeInvalid).Inc()
		c.JSON(http.StatusBadRequest, webhookResponse{Success: false, Error: message})
		return
	}

	delivery := h.buildDelivery(logger, payload)
	logger = logger.With(zap.String("event", payload.Event), zap.String("appraisal_id", delivery.LeadID))

	result, err := h.engagement.Handle(c.Request.Context(), delivery)
	if err != nil {
		status, response, outcome := webhookFailure(err)
		if status == http.StatusInternalServerError {
			logger.Error("webhook processing failed", zap.String("code", response.Code), zap.Error(err))
		} else {
			logger.Info("webhook rejected", zap.Int("status", status), zap.Error(err))
		}
		h.metrics.WebhookDeliveries.WithLabelValues(eventLabel, outcome).Inc()
		c.JSON(status, response)
		return
	}

	h.observeResult(eventLabel, result)
	logger.Info("webhook processed",
		zap.String("report_kind", string(result.ReportKind)),
		zap.String("report_action", string(result.ReportAction)),
		zap.Int("ledger_inserted", result.Ledger.Inserted),
		zap.Int("ledger_duplicates", result.Ledger.Duplicates),
		zap.Bool("propagated", result.Propagated),
		zap.Strings("degraded", result.Degraded))
	c.JSON(http.StatusOK, webhookResponse{Success: true, Message: result.Message})
}

// recordDelivery notes the idempotency key. Replays are logged and counted, never rejected.
func (h *httpHandler) recordDelivery(c *gin.Context, logger *zap.Logger, source, idempotencyKey string) {
	if idempotencyKey == "" {
		return
	}
	seen, err := h.deliveries.Seen(c.Request.Context(), source, idempotencyKey)
	if err != nil {
		logger.Warn("delivery log unavailable", zap.Error(err))
		return
	}
	if seen {
		logger.Info("webhook delivery replayed", zap.Bool("replay", true))
		h.metrics.WebhookReplays.Inc()
	}
}

func (h *httpHandler) observeResult(eventLabel string, result engagement.Result) {
	h.metrics.WebhookDeliveries.WithLabelValues(eventLabel, outcomeOK).Inc()
	h.metrics.ObserveLedger(result.Ledger.Inserted, result.Ledger.Duplicates, result.Ledger.Skipped)
	for _, kind := range result.Notifications {
		h.metrics.NotificationsTotal.WithLabelValues(string(kind)).Inc()
	}
	for _, stage := range result.Degraded {
		h.metrics.DegradedStages.WithLabelValues(stage).Inc()
	}
}

func webhookFailure(err error) (int, webhookResponse, string) {
	switch {
	case errors.Is(err, engagement.ErrMissingLeadID):
		return http.StatusBadRequest, webhookResponse{Success: false, Error: engagement.ErrMissingLeadID.Error()}, outcomeInvalid
	case errors.Is(err, engagement.ErrMissingEvent):
		return http.StatusBadRequest, webhookResponse{Success: false, Error: engagement.ErrMissingEvent.Error()}, outcomeInvalid
	case errors.Is(err, engagement.ErrLeadNotFound):
		return http.StatusNotFound, webhookResponse{Success: false, Error: leadNotFoundMessage}, outcomeNotFound
	default:
		return http.StatusInternalServerError,
			webhookResponse{Success: false, Error: internalMessage, Code: engagement.ErrorCode(err)},
			outcomeError
	}
}

func validationMessage(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return err.Error()
	}
	switch validationErrors[0].StructField() {
	case "ExternalLeadID":
		return engagement.ErrMissingLeadID.Error()
	case "Event":
		return engagement.ErrMissingEvent.Error()
	default:
		return validationErrors[0].Error()
	}
}

func (h *httpHandler) buildDelivery(logger *zap.Logger, payload webhookPayload) engagement.Delivery {
	data := payload.Data
	parse := func(field, raw string) *time.Time {
		if strings.TrimSpace(raw) == "" {
			return nil
		}
		parsed, err := engagement.ParseTimestamp(raw)
		if err != nil {
			logger.Warn("ignoring unparseable timestamp", zap.String("field", field), zap.Error(err))
			return nil
		}
		return &parsed
	}

	lastActivity := parse("lastActivity", data.LastActivity)
	if lastActivity == nil {
		lastActivity = parse("lastViewedAt", data.LastViewedAt)
	}
	sentAt := parse("sentAt", data.SentAt)
	if sentAt == nil {
		sentAt = parse("reportSentAt", data.ReportSentAt)
	}

	delivery := engagement.Delivery{
		Event:           engagement.ParseEventKind(payload.Event),
		RawEvent:        payload.Event,
		LeadID:          strings.TrimSpace(payload.ExternalLeadID),
		ReportID:        strings.TrimSpace(payload.ReportID),
		ReportURL:       strings.TrimSpace(payload.ReportURL),
		PersonalizedURL: strings.TrimSpace(payload.PersonalizedURL),
		ReportType:      strings.TrimSpace(data.ReportType),
		Timestamp:       parse("timestamp", payload.Timestamp),
		Metrics: engagement.Metrics{
			PropensityScore:       data.PropensityScore,
			TotalViews:            roundedCount(data.TotalViews),
			TotalTimeSeconds:      roundedCount(data.TotalTimeSeconds),
			EmailOpenCount:        roundedCount(data.EmailOpenCount),
			IsHotLead:             data.IsHotLead,
			FirstViewedAt:         parse("firstViewedAt", data.FirstViewedAt),
			LastActivity:          lastActivity,
			SentAt:                sentAt,
			ProposalAcceptedAt:    parse("proposalAcceptedAt", data.ProposalAcceptedAt),
			ProposalDeclinedAt:    parse("proposalDeclinedAt", data.ProposalDeclinedAt),
			ProposalDeclineReason: strings.TrimSpace(data.ProposalDeclineReason),
			CampaignStartedAt:     parse("campaignStartedAt", data.CampaignStartedAt),
			DaysOnMarket:          roundedCount(data.DaysOnMarket),
		},
		Owner: engagement.OwnerInfo{
			Name:  strings.TrimSpace(data.OwnerName),
			Email: strings.TrimSpace(data.OwnerEmail),
			Phone: strings.TrimSpace(data.OwnerPhone),
		},
	}

	delivery.Events = make([]engagement.LedgerEntry, 0, len(data.Events))
	for _, entry := range data.Events {
		var occurredAt time.Time
		if parsed, err := engagement.ParseTimestamp(entry.OccurredAt); err == nil {
			occurredAt = parsed
		}
		var duration int64
		if rounded := roundedCount(entry.DurationSeconds); rounded != nil {
			duration = *rounded
		}
		delivery.Events = append(delivery.Events, engagement.LedgerEntry{
			Type:            entry.Type,
			OccurredAt:      occurredAt,
			DurationSeconds: duration,
			LinkURL:         entry.LinkURL,
			LinkLabel:       entry.LinkLabel,
			Metadata:        entry.Metadata,
		})
	}
	return delivery
}

func roundedCount(value *float64) *int64 {
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) {
		return nil
	}
	rounded := int64(math.Round(*value))
	return &rounded
}
