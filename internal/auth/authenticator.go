// Package auth decides whether a connection may attach to a document session.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/docsync/internal/document"
	"github.com/MarcoPoloResearchLab/docsync/internal/gateway"
	"go.uber.org/zap"
)

const (
	opAuthenticate = "auth.authenticate"

	reasonTokenRejected   = "token_rejected"
	reasonGatewayFailed   = "gateway_failed"
	reasonTypeUnroutable  = "type_unroutable"
	reasonMissingOrgParam = "missing_organization"
)

var (
	errMissingFetcher    = errors.New("authenticator: document fetcher required")
	errUnroutableType    = errors.New("authenticator: document type has no gateway route")
	errMissingDocumentID = errors.New("authenticator: document id required")
)

// DocumentFetcher reads the canonical record for a document.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, target gateway.Target) (*document.Record, error)
	Supports(documentType document.Type) bool
}

// SchemaBroadcaster pushes a canonical schema version to the live session of
// a document and reports whether such a session exists.
type SchemaBroadcaster interface {
	BroadcastSchemaVersion(ctx context.Context, documentID document.ID, version document.SchemaVersion) bool
}

// Verifier validates tokens locally before any gateway round-trip.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// Request is an inbound connection attempt.
type Request struct {
	DocumentID     document.ID
	Token          string
	OrganizationID document.OrganizationID
	DocumentType   document.Type
	SchemaVersion  document.SchemaVersion
}

// Result is the outcome of a successful authentication.
type Result struct {
	Context                document.ConnectionContext
	ReadOnly               bool
	CanonicalSchemaVersion document.SchemaVersion
	RecordExists           bool
}

// Config wires the authenticator's collaborators.
type Config struct {
	Fetcher     DocumentFetcher
	Broadcaster SchemaBroadcaster
	Verifier    Verifier
	Logger      *zap.Logger
}

// Authenticator validates credentials and schema claims against the gateway.
type Authenticator struct {
	fetcher     DocumentFetcher
	broadcaster SchemaBroadcaster
	verifier    Verifier
	logger      *zap.Logger
}

// NewAuthenticator constructs an Authenticator. Broadcaster and Verifier are optional.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		fetcher:     cfg.Fetcher,
		broadcaster: cfg.Broadcaster,
		verifier:    cfg.Verifier,
		logger:      logger,
	}, nil
}

// Authenticate moves a connection attempt from pending to authenticated or
// rejected. Rejections are *document.AuthenticationError values.
func (a *Authenticator) Authenticate(ctx context.Context, request Request) (Result, error) {
	token := strings.TrimSpace(request.Token)
	if token == "" {
		return Result{}, document.NewAuthenticationError(document.ReasonNoToken, nil)
	}
	if a.verifier != nil {
		if _, err := a.verifier.Verify(token); err != nil {
			a.logRejection(request, reasonTokenRejected, err)
			return Result{}, document.NewAuthenticationError(document.ReasonNoToken, err)
		}
	}
	if !request.OrganizationID.Present() {
		a.logRejection(request, reasonMissingOrgParam, document.ErrMissingOrganization)
		return Result{}, document.NewAuthenticationError(document.ReasonInvalidType, document.ErrMissingOrganization)
	}
	if request.DocumentID == "" {
		return Result{}, document.NewAuthenticationError(document.ReasonInvalidType, errMissingDocumentID)
	}

	record, err := a.fetcher.FetchDocument(ctx, gateway.Target{
		Token:          token,
		DocumentID:     request.DocumentID,
		DocumentType:   request.DocumentType,
		OrganizationID: request.OrganizationID,
	})
	if err != nil {
		var authErr *document.AuthenticationError
		if errors.As(err, &authErr) {
			return Result{}, authErr
		}
		a.logRejection(request, reasonGatewayFailed, err)
		return Result{}, document.NewAuthenticationError(document.ReasonInvalidType, err)
	}
	if record == nil && !a.fetcher.Supports(request.DocumentType) {
		a.logRejection(request, reasonTypeUnroutable, errUnroutableType)
		return Result{}, document.NewAuthenticationError(document.ReasonInvalidType, errUnroutableType)
	}

	var canonical document.SchemaVersion
	if record != nil {
		canonical = record.SchemaVersion
		if a.broadcaster != nil {
			a.broadcaster.BroadcastSchemaVersion(ctx, request.DocumentID, canonical)
		}
	}

	return Result{
		Context: document.ConnectionContext{
			Token:          token,
			SchemaVersion:  request.SchemaVersion,
			OrganizationID: request.OrganizationID,
			DocumentType:   request.DocumentType,
		},
		ReadOnly:               request.SchemaVersion < canonical,
		CanonicalSchemaVersion: canonical,
		RecordExists:           record != nil,
	}, nil
}

func (a *Authenticator) logRejection(request Request, reason string, err error) {
	fields := []zap.Field{
		zap.String("operation", opAuthenticate),
		zap.String("reason", reason),
		zap.String("document_id", request.DocumentID.String()),
		zap.String("organization_id", request.OrganizationID.String()),
		zap.String("document_type", request.DocumentType.String()),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	a.logger.Info("connection rejected", fields...)
}
