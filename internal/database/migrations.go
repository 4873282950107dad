package database

import (
	"errors"
	"time"

	"github.com/markbryant-rw/AgentBuddy-sub007/internal/engagement"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeReportKinds = "2026-06-02_normalize_beacon_report_kinds"
	migrationBackfillPipeline     = "2026-07-15_backfill_listing_pipeline_engagement"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeReportKinds, apply: normalizeReportKinds},
		{name: migrationBackfillPipeline, apply: backfillPipelineEngagement},
	}

	for _, migration := range migrations {
		var applied []migrationRecord
		if err := db.Where("name = ?", migration.name).Limit(1).Find(&applied).Error; err != nil {
			return err
		}
		if len(applied) > 0 {
			continue
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeReportKinds rewrites the sender's legacy kind names stored before kinds were normalized on write.
func normalizeReportKinds(db *gorm.DB) error {
	legacy := map[string]engagement.ReportKind{
		"appraisal": engagement.ReportKindMarketAppraisal,
		"campaign":  engagement.ReportKindUpdateCampaign,
	}
	for from, to := range legacy {
		if err := db.Model(&engagement.Report{}).
			Where("kind = ?", from).
			UpdateColumn("kind", to).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillPipelineEngagement copies the lead aggregate onto pipeline records converted before mirroring existed.
func backfillPipelineEngagement(db *gorm.DB) error {
	var records []engagement.PipelineRecord
	if err := db.Where("appraisal_id IS NOT NULL").Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		var lead engagement.Lead
		err := db.Where("id = ?", *record.LeadID).Take(&lead).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		values := map[string]any{
			"beacon_propensity_score": lead.PropensityScore,
			"beacon_is_hot_lead":      lead.IsHotLead,
			"beacon_last_activity":    lead.LastActivity,
		}
		if err := db.Model(&engagement.PipelineRecord{}).Where("id = ?", record.ID).UpdateColumns(values).Error; err != nil {
			return err
		}
	}
	return nil
}
