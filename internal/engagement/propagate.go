package engagement

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	opPropagate                = "engagement.propagate"
	reasonPipelineUpdateFailed = "pipeline_update_failed"
	queryPipelineByLead        = "appraisal_id = ?"
)

// planPipelineMirror copies the three lead fields the listing pipeline displays.
func planPipelineMirror(lead Lead, now time.Time) map[string]any {
	values := map[string]any{
		columnLeadScore: lead.PropensityScore,
		columnLeadHot:   lead.IsHotLead,
		columnUpdatedAt: now,
	}
	if lead.LastActivity != nil {
		values[columnLeadLastActivity] = lead.LastActivity.UTC()
	}
	return values
}

// propagate mirrors the lead aggregate onto its converted pipeline record. A lead without one is a no-op.
func (s *Service) propagate(ctx context.Context, lead Lead) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&PipelineRecord{}).
		Where(queryPipelineByLead, lead.ID).
		UpdateColumns(planPipelineMirror(lead, s.clock().UTC()))
	if result.Error != nil {
		s.logError(opPropagate, reasonPipelineUpdateFailed, result.Error, zap.String(fieldLeadID, lead.ID))
		return false, newServiceError(opPropagate, reasonPipelineUpdateFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}
