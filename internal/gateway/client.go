// Package gateway talks to the external API that durably stores document records.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docsync/internal/document"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10

	opFetchDocument   = "gateway.fetch_document"
	opPersistDocument = "gateway.persist_document"

	reasonRequestBuildFailed = "request_build_failed"
	reasonRequestFailed      = "request_failed"
	reasonUnexpectedStatus   = "unexpected_status"
	reasonDecodeFailed       = "decode_failed"
	reasonEncodeFailed       = "encode_failed"
)

var (
	errMissingBaseURL = errors.New("gateway: base url is required")
	errMissingToken   = errors.New("gateway: token is required")
	noOpLogger        = zap.NewNop()
)

// resourcePaths routes document types to their collection on the gateway.
var resourcePaths = map[document.Type]string{
	document.TypeNote: "notes",
}

// Config describes how to reach the gateway.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Target addresses one document on behalf of one connection.
type Target struct {
	Token          string
	DocumentID     document.ID
	DocumentType   document.Type
	OrganizationID document.OrganizationID
}

// Client fetches and persists document records.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

type syncStatePayload struct {
	DescriptionHTML          string  `json:"description_html"`
	DescriptionState         *string `json:"description_state"`
	DescriptionSchemaVersion int64   `json:"description_schema_version"`
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	rawBaseURL := strings.TrimSpace(cfg.BaseURL)
	if rawBaseURL == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(rawBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Supports reports whether documents of the given type are routed to an endpoint.
func (c *Client) Supports(documentType document.Type) bool {
	_, ok := resourcePaths[documentType]
	return ok
}

// FetchDocument returns the stored record, or nil when the document has no
// record yet or its type is not routed.
func (c *Client) FetchDocument(ctx context.Context, target Target) (*document.Record, error) {
	endpoint, routed, err := c.endpoint(target)
	if err != nil {
		return nil, err
	}
	if !routed {
		c.logger.Debug("document type not routed", zap.String("document_type", target.DocumentType.String()))
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		c.logError(opFetchDocument, reasonRequestBuildFailed, err, target)
		return nil, &document.GatewayError{Operation: "fetch", Err: err}
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.authorizedClient(ctx, target.Token).Do(request)
	if err != nil {
		c.logError(opFetchDocument, reasonRequestFailed, err, target)
		return nil, &document.GatewayError{Operation: "fetch", Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if response.StatusCode != http.StatusOK {
		statusErr := readStatusError(response)
		c.logError(opFetchDocument, reasonUnexpectedStatus, statusErr, target, zap.Int("status", response.StatusCode))
		return nil, &document.GatewayError{Operation: "fetch", StatusCode: response.StatusCode, Err: statusErr}
	}

	var payload syncStatePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		c.logError(opFetchDocument, reasonDecodeFailed, err, target)
		return nil, &document.DecodeError{Source: "gateway response", Err: err}
	}
	return decodePayload(payload)
}

// PersistDocument upserts the record for the target. Errors are returned to
// the caller without retrying.
func (c *Client) PersistDocument(ctx context.Context, target Target, snapshot document.Snapshot) error {
	endpoint, routed, err := c.endpoint(target)
	if err != nil {
		return err
	}
	if !routed {
		c.logger.Debug("document type not routed; skipping persist", zap.String("document_type", target.DocumentType.String()))
		return nil
	}

	encodedState := base64.StdEncoding.EncodeToString(snapshot.State)
	body, err := json.Marshal(syncStatePayload{
		DescriptionHTML:          snapshot.HTML,
		DescriptionState:         &encodedState,
		DescriptionSchemaVersion: snapshot.SchemaVersion.Int64(),
	})
	if err != nil {
		c.logError(opPersistDocument, reasonEncodeFailed, err, target)
		return &document.GatewayError{Operation: "persist", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		c.logError(opPersistDocument, reasonRequestBuildFailed, err, target)
		return &document.GatewayError{Operation: "persist", Err: err}
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.authorizedClient(ctx, target.Token).Do(request)
	if err != nil {
		c.logError(opPersistDocument, reasonRequestFailed, err, target)
		return &document.GatewayError{Operation: "persist", Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		statusErr := readStatusError(response)
		c.logError(opPersistDocument, reasonUnexpectedStatus, statusErr, target, zap.Int("status", response.StatusCode))
		return &document.GatewayError{Operation: "persist", StatusCode: response.StatusCode, Err: statusErr}
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func (c *Client) endpoint(target Target) (string, bool, error) {
	if !target.OrganizationID.Present() {
		return "", false, document.NewAuthenticationError(document.ReasonInvalidType, document.ErrMissingOrganization)
	}
	if strings.TrimSpace(target.Token) == "" {
		return "", false, document.NewAuthenticationError(document.ReasonNoToken, errMissingToken)
	}
	collection, ok := resourcePaths[target.DocumentType]
	if !ok {
		return "", false, nil
	}
	endpoint := c.baseURL.JoinPath(
		"v1", "organizations", target.OrganizationID.String(),
		collection, target.DocumentID.String(), "sync-state",
	)
	return endpoint.String(), true, nil
}

func (c *Client) authorizedClient(ctx context.Context, token string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))
}

func decodePayload(payload syncStatePayload) (*document.Record, error) {
	version, err := document.NewSchemaVersion(payload.DescriptionSchemaVersion)
	if err != nil {
		return nil, &document.DecodeError{Source: "description_schema_version", Err: err}
	}
	record := &document.Record{
		DescriptionHTML: payload.DescriptionHTML,
		SchemaVersion:   version,
	}
	if payload.DescriptionState != nil && *payload.DescriptionState != "" {
		state, err := base64.StdEncoding.DecodeString(*payload.DescriptionState)
		if err != nil {
			return nil, &document.DecodeError{Source: "description_state", Err: err}
		}
		record.DescriptionState = state
	}
	return record, nil
}

func readStatusError(response *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(response.StatusCode)
	}
	return errors.New(message)
}

func (c *Client) logError(operation, reason string, err error, target Target, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("document_id", target.DocumentID.String()),
		zap.String("organization_id", target.OrganizationID.String()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("gateway request failed", attrs...)
}
