package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/docsync/internal/tracking"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationIndexIncidentsByOrganization = "2026-09-14_index_incidents_by_organization"
	migrationCapIncidentMessages          = "2026-10-02_cap_incident_messages"

	incidentOrganizationIndex = "idx_incidents_organization_captured"
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
		{name: migrationIndexIncidentsByOrganization, apply: indexIncidentsByOrganization},
		{name: migrationCapIncidentMessages, apply: capIncidentMessages},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func indexIncidentsByOrganization(db *gorm.DB) error {
	statement := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (organization_id, captured_at_s);",
		incidentOrganizationIndex,
		tracking.Incident{}.TableName(),
	)
	return db.Exec(statement).Error
}

func capIncidentMessages(db *gorm.DB) error {
	return db.Model(&tracking.Incident{}).
		Where("length(message) > ?", tracking.MaxIncidentMessageLength).
		Update("message", gorm.Expr("substr(message, 1, ?)", tracking.MaxIncidentMessageLength)).Error
}
