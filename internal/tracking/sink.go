// Package tracking reports gateway and decode failures with document context.
package tracking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"
)

// Tags is the context attached to every captured failure.
type Tags struct {
	DocumentID     string
	OrganizationID string
	DocumentType   string
	SchemaVersion  int64
	Token          string
	Operation      string
}

// Sink receives failures. Implementations must not block for long; they run
// on the persistence path.
type Sink interface {
	Capture(ctx context.Context, err error, tags Tags)
}

// LoggerSink writes captured failures to a zap logger.
type LoggerSink struct {
	logger *zap.Logger
}

// NewLoggerSink returns a sink that logs at error level.
func NewLoggerSink(logger *zap.Logger) *LoggerSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggerSink{logger: logger}
}

// Capture logs the failure with its tags. The token is logged as a fingerprint.
func (s *LoggerSink) Capture(_ context.Context, err error, tags Tags) {
	s.logger.Error("document operation failed",
		zap.String("operation", tags.Operation),
		zap.String("document_id", tags.DocumentID),
		zap.String("organization_id", tags.OrganizationID),
		zap.String("document_type", tags.DocumentType),
		zap.Int64("schema_version", tags.SchemaVersion),
		zap.String("token_fingerprint", Fingerprint(tags.Token)),
		zap.Error(err),
	)
}

// MultiSink fans a capture out to several sinks in order.
type MultiSink []Sink

// Capture forwards to every non-nil sink.
func (m MultiSink) Capture(ctx context.Context, err error, tags Tags) {
	for _, sink := range m {
		if sink != nil {
			sink.Capture(ctx, err, tags)
		}
	}
}

// Fingerprint returns a stable, non-reversible identifier for a credential.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
