package engagement

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

const (
	opRecordLedger           = "engagement.record_ledger"
	reasonLedgerInsertFailed = "ledger_insert_failed"
	metadataLinkURL          = "link_url"
	metadataLinkLabel        = "link_label"
)

// LedgerResult summarizes one ledger batch.
type LedgerResult struct {
	Inserted   int
	Duplicates int
	Skipped    int
}

type ledgerKey struct {
	eventType  LedgerEventType
	occurredAt int64
}

// planLedgerRows maps payload entries to ledger rows. Unknown types and entries without a usable timestamp
// are skipped; repeats of a natural key within the batch collapse to the first occurrence.
func planLedgerRows(leadID string, kind ReportKind, entries []LedgerEntry, recordedAt time.Time) ([]EngagementEvent, LedgerResult) {
	var result LedgerResult
	rows := make([]EngagementEvent, 0, len(entries))
	seen := make(map[ledgerKey]struct{}, len(entries))
	for _, entry := range entries {
		eventType, ok := parseLedgerEventType(entry.Type)
		if !ok || entry.OccurredAt.IsZero() {
			result.Skipped++
			continue
		}
		occurredAt := entry.OccurredAt.UTC()
		key := ledgerKey{eventType: eventType, occurredAt: occurredAt.UnixNano()}
		if _, duplicate := seen[key]; duplicate {
			result.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		metadata := datatypes.JSONMap{}
		for name, value := range entry.Metadata {
			metadata[name] = value
		}
		if entry.LinkURL != "" {
			metadata[metadataLinkURL] = entry.LinkURL
		}
		if entry.LinkLabel != "" {
			metadata[metadataLinkLabel] = entry.LinkLabel
		}
		metadata[reportKindField] = string(kind)

		durationSeconds := entry.DurationSeconds
		if durationSeconds < 0 {
			durationSeconds = 0
		}
		rows = append(rows, EngagementEvent{
			LeadID:          leadID,
			EventType:       eventType,
			OccurredAt:      occurredAt,
			DurationSeconds: durationSeconds,
			Metadata:        metadata,
			RecordedAt:      recordedAt,
		})
	}
	return rows, result
}

// recordLedger appends the delivery's discrete events. Rows whose natural key already exists are ignored
// by the database, which makes redelivered batches a no-op.
func (s *Service) recordLedger(ctx context.Context, leadID string, kind ReportKind, entries []LedgerEntry) (LedgerResult, error) {
	rows, result := planLedgerRows(leadID, kind, entries, s.clock().UTC())
	if len(rows) == 0 {
		return result, nil
	}

	insert := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "appraisal_id"}, {Name: "event_type"}, {Name: "occurred_at"}},
			DoNothing: true,
		}).
		Create(&rows)
	if insert.Error != nil {
		s.logError(opRecordLedger, reasonLedgerInsertFailed, insert.Error,
			zap.String(fieldLeadID, leadID), zap.Int("batch_size", len(rows)))
		return result, newServiceError(opRecordLedger, reasonLedgerInsertFailed, insert.Error)
	}

	result.Inserted = int(insert.RowsAffected)
	result.Duplicates += len(rows) - result.Inserted
	return result, nil
}
