package tracking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxIncidentMessageLength bounds the stored error message.
const MaxIncidentMessageLength = 2048

var errMissingDatabase = errors.New("tracking: database handle required")

// Incident is one captured failure persisted for later inspection.
type Incident struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	Operation        string `gorm:"size:64;not null"`
	DocumentID       string `gorm:"size:190;not null;index"`
	OrganizationID   string `gorm:"size:190"`
	DocumentType     string `gorm:"size:64"`
	SchemaVersion    int64  `gorm:"not null"`
	TokenFingerprint string `gorm:"size:32"`
	Message          string `gorm:"type:text;not null"`
	CapturedAtSecond int64  `gorm:"column:captured_at_s;not null"`
}

// TableName pins the table name used by migrations.
func (Incident) TableName() string {
	return "incidents"
}

// StoreSinkConfig configures a StoreSink.
type StoreSinkConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// StoreSink records captured failures in the incidents table.
type StoreSink struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStoreSink validates the configuration and returns a StoreSink.
func NewStoreSink(cfg StoreSinkConfig) (*StoreSink, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Capture inserts an incident row. Storage failures are logged, never returned.
func (s *StoreSink) Capture(ctx context.Context, err error, tags Tags) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if len(message) > MaxIncidentMessageLength {
		message = message[:MaxIncidentMessageLength]
	}
	incident := Incident{
		Operation:        tags.Operation,
		DocumentID:       tags.DocumentID,
		OrganizationID:   tags.OrganizationID,
		DocumentType:     tags.DocumentType,
		SchemaVersion:    tags.SchemaVersion,
		TokenFingerprint: Fingerprint(tags.Token),
		Message:          message,
		CapturedAtSecond: s.clock().UTC().Unix(),
	}
	if createErr := s.db.WithContext(ctx).Create(&incident).Error; createErr != nil {
		s.logger.Warn("incident store failed",
			zap.String("document_id", tags.DocumentID),
			zap.Error(createErr),
		)
	}
}

// Recent returns the latest incidents for a document, newest first.
func (s *StoreSink) Recent(ctx context.Context, documentID string, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 20
	}
	var incidents []Incident
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("captured_at_s DESC, id DESC").
		Limit(limit).
		Find(&incidents).Error
	if err != nil {
		return nil, err
	}
	return incidents, nil
}
