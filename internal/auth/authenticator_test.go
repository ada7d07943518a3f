package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/docsync/internal/document"
	"github.com/MarcoPoloResearchLab/docsync/internal/gateway"
)

const (
	testDocumentID   = document.ID("doc-1")
	testOrganization = document.OrganizationID("org-1")
	testToken        = "token-abc"
)

type stubFetcher struct {
	mu      sync.Mutex
	record  *document.Record
	err     error
	routed  map[document.Type]bool
	targets []gateway.Target
}

func (f *stubFetcher) FetchDocument(_ context.Context, target gateway.Target) (*document.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	if target.OrganizationID == "" {
		return nil, document.NewAuthenticationError(document.ReasonInvalidType, document.ErrMissingOrganization)
	}
	if !f.routed[target.DocumentType] {
		return nil, nil
	}
	return f.record, f.err
}

func (f *stubFetcher) Supports(documentType document.Type) bool {
	return f.routed[documentType]
}

func (f *stubFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

type recordingBroadcaster struct {
	documentIDs []document.ID
	versions    []document.SchemaVersion
}

func (b *recordingBroadcaster) BroadcastSchemaVersion(_ context.Context, documentID document.ID, version document.SchemaVersion) bool {
	b.documentIDs = append(b.documentIDs, documentID)
	b.versions = append(b.versions, version)
	return true
}

type rejectingVerifier struct{}

func (rejectingVerifier) Verify(string) (Claims, error) {
	return Claims{}, ErrInvalidToken
}

func newNoteFetcher(record *document.Record) *stubFetcher {
	return &stubFetcher{record: record, routed: map[document.Type]bool{document.TypeNote: true}}
}

func mustAuthenticator(t *testing.T, cfg Config) *Authenticator {
	t.Helper()
	authenticator, err := NewAuthenticator(cfg)
	if err != nil {
		t.Fatalf("failed to construct authenticator: %v", err)
	}
	return authenticator
}

func noteRequest(version document.SchemaVersion) Request {
	return Request{
		DocumentID:     testDocumentID,
		Token:          testToken,
		OrganizationID: testOrganization,
		DocumentType:   document.TypeNote,
		SchemaVersion:  version,
	}
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	fetcher := newNoteFetcher(nil)
	authenticator := mustAuthenticator(t, Config{Fetcher: fetcher})

	request := noteRequest(1)
	request.Token = "   "
	_, err := authenticator.Authenticate(context.Background(), request)
	if !errors.Is(err, document.ErrNoToken) {
		t.Fatalf("expected no-token rejection, got %v", err)
	}
	if fetcher.calls() != 0 {
		t.Fatalf("expected no gateway call")
	}
}

func TestAuthenticateRejectsUnverifiedTokenAsNoToken(t *testing.T) {
	fetcher := newNoteFetcher(nil)
	authenticator := mustAuthenticator(t, Config{Fetcher: fetcher, Verifier: rejectingVerifier{}})

	_, err := authenticator.Authenticate(context.Background(), noteRequest(1))
	if !errors.Is(err, document.ErrNoToken) {
		t.Fatalf("expected no-token rejection, got %v", err)
	}
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected verifier cause to be preserved, got %v", err)
	}
	if fetcher.calls() != 0 {
		t.Fatalf("expected no gateway call")
	}
}

func TestAuthenticateRejectsMissingOrganizationWithoutGatewayCall(t *testing.T) {
	fetcher := newNoteFetcher(&document.Record{SchemaVersion: 1})
	authenticator := mustAuthenticator(t, Config{Fetcher: fetcher})

	request := noteRequest(1)
	request.OrganizationID = ""
	_, err := authenticator.Authenticate(context.Background(), request)
	if !errors.Is(err, document.ErrInvalidType) {
		t.Fatalf("expected invalid-type rejection, got %v", err)
	}
	if fetcher.calls() != 0 {
		t.Fatalf("expected no gateway call, got %d", fetcher.calls())
	}
}

func TestAuthenticateRejectsUnroutableTypeWithoutRecord(t *testing.T) {
	fetcher := newNoteFetcher(nil)
	authenticator := mustAuthenticator(t, Config{Fetcher: fetcher})

	request := noteRequest(1)
	request.DocumentType = document.Type("Whiteboard")
	_, err := authenticator.Authenticate(context.Background(), request)
	if !errors.Is(err, document.ErrInvalidType) {
		t.Fatalf("expected invalid-type rejection, got %v", err)
	}
}

func TestAuthenticateMapsGatewayFailureToInvalidType(t *testing.T) {
	fetcher := newNoteFetcher(nil)
	fetcher.err = &document.GatewayError{Operation: "fetch", StatusCode: 502, Err: errors.New("bad gateway")}
	authenticator := mustAuthenticator(t, Config{Fetcher: fetcher})

	_, err := authenticator.Authenticate(context.Background(), noteRequest(1))
	if !errors.Is(err, document.ErrInvalidType) {
		t.Fatalf("expected invalid-type rejection, got %v", err)
	}
	var gatewayErr *document.GatewayError
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected gateway cause to be preserved, got %v", err)
	}
}

func TestAuthenticateAcceptsNewDocument(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	authenticator := mustAuthenticator(t, Config{Fetcher: newNoteFetcher(nil), Broadcaster: broadcaster})

	result, err := authenticator.Authenticate(context.Background(), noteRequest(2))
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if result.ReadOnly || result.RecordExists || result.CanonicalSchemaVersion != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
	if len(broadcaster.versions) != 0 {
		t.Fatalf("did not expect a broadcast without a record")
	}
}

func TestAuthenticateComputesReadOnly(t *testing.T) {
	testCases := []struct {
		name     string
		claimed  document.SchemaVersion
		readOnly bool
	}{
		{name: "behind", claimed: 2, readOnly: true},
		{name: "current", claimed: 3, readOnly: false},
		{name: "ahead", claimed: 4, readOnly: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			authenticator := mustAuthenticator(t, Config{Fetcher: newNoteFetcher(&document.Record{SchemaVersion: 3})})
			result, err := authenticator.Authenticate(context.Background(), noteRequest(testCase.claimed))
			if err != nil {
				t.Fatalf("authenticate failed: %v", err)
			}
			if result.ReadOnly != testCase.readOnly {
				t.Fatalf("expected readOnly=%v, got %v", testCase.readOnly, result.ReadOnly)
			}
			if result.CanonicalSchemaVersion != 3 {
				t.Fatalf("unexpected canonical version %d", result.CanonicalSchemaVersion)
			}
			if result.Context.Token != testToken || result.Context.SchemaVersion != testCase.claimed {
				t.Fatalf("unexpected connection context %#v", result.Context)
			}
		})
	}
}

func TestAuthenticateBroadcastsCanonicalVersion(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	authenticator := mustAuthenticator(t, Config{
		Fetcher:     newNoteFetcher(&document.Record{SchemaVersion: 4}),
		Broadcaster: broadcaster,
	})

	if _, err := authenticator.Authenticate(context.Background(), noteRequest(4)); err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if len(broadcaster.versions) != 1 || broadcaster.versions[0] != 4 || broadcaster.documentIDs[0] != testDocumentID {
		t.Fatalf("unexpected broadcasts %v %v", broadcaster.documentIDs, broadcaster.versions)
	}
}

func TestNewAuthenticatorRequiresFetcher(t *testing.T) {
	if _, err := NewAuthenticator(Config{}); !errors.Is(err, errMissingFetcher) {
		t.Fatalf("expected missing fetcher error, got %v", err)
	}
}
