package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docsync/internal/auth"
	"github.com/MarcoPoloResearchLab/docsync/internal/crdt"
	"github.com/MarcoPoloResearchLab/docsync/internal/database"
	"github.com/MarcoPoloResearchLab/docsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/docsync/internal/server"
	"github.com/MarcoPoloResearchLab/docsync/internal/session"
	"github.com/MarcoPoloResearchLab/docsync/internal/tracking"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	flowSigningSecret = "integration-secret"
	flowIssuer        = "identity"
	flowCookieName    = "app_session"
	flowUserID        = "user-abc"
	flowSyncPath      = "/v1/organizations/org-1/notes/note-1/sync-state"
	flowTimeout       = 3 * time.Second
)

// gatewayAPI imitates the upstream document API for a single note.
type gatewayAPI struct {
	mu       sync.Mutex
	body     []byte
	puts     int
	lastAuth string
}

func (g *gatewayAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != flowSyncPath {
		http.NotFound(w, r)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastAuth = r.Header.Get("Authorization")
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(g.body)
	case http.MethodPut:
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		g.body, _ = json.Marshal(payload)
		g.puts++
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *gatewayAPI) putCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.puts
}

func TestCollaborationFlowPersistsThroughGateway(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	upstream := &gatewayAPI{body: []byte(`{"description_html":"<p>hello</p>","description_state":null,"description_schema_version":1}`)}
	upstreamServer := httptest.NewServer(upstream)
	defer upstreamServer.Close()

	db, err := database.OpenSQLite("file:collaboration_flow?mode=memory&cache=shared", logger)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	incidents, err := tracking.NewStoreSink(tracking.StoreSinkConfig{Database: db, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build incident store: %v", err)
	}

	gatewayClient, err := gateway.NewClient(gateway.Config{BaseURL: upstreamServer.URL, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build gateway client: %v", err)
	}
	coordinator, err := session.NewCoordinator(session.Config{
		Store:           gatewayClient,
		Sink:            incidents,
		PersistDebounce: 20 * time.Millisecond,
		Logger:          logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build coordinator: %v", err)
	}
	verifier, err := auth.NewTokenVerifier(auth.TokenVerifierConfig{
		SigningSecret: []byte(flowSigningSecret),
		Issuer:        flowIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to build verifier: %v", err)
	}
	authenticator, err := auth.NewAuthenticator(auth.Config{
		Fetcher:     gatewayClient,
		Broadcaster: coordinator,
		Verifier:    verifier,
		Logger:      logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build authenticator: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: authenticator,
		Coordinator:   coordinator,
		CookieName:    flowCookieName,
		Logger:        logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), flowTimeout)
		defer cancel()
		_ = coordinator.Shutdown(ctx)
	}()

	token := mustMintToken(testContext, time.Now())
	socketURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/collaboration/note-1?organization=org-1&schemaVersion=1"

	forged := http.Header{}
	forged.Set("Cookie", flowCookieName+"=not-a-token")
	if _, response, err := websocket.DefaultDialer.Dial(socketURL, forged); err == nil || response == nil || response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected forged token to be refused with 401, got %v", response)
	}

	header := http.Header{}
	header.Set("Cookie", flowCookieName+"="+token)

	writer := dialSocket(testContext, socketURL, header)
	replica := syncReplica(testContext, writer, 11)
	if replica.Text() != "hello" {
		testContext.Fatalf("expected seeded text, got %q", replica.Text())
	}
	update, err := replica.InsertText(5, " world")
	if err != nil {
		testContext.Fatalf("edit failed: %v", err)
	}
	if err := writer.WriteMessage(websocket.BinaryMessage, server.EncodeFrame(server.FrameUpdate, update)); err != nil {
		testContext.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(flowTimeout)
	for upstream.putCount() == 0 {
		if time.Now().After(deadline) {
			testContext.Fatalf("expected the edit to be persisted upstream")
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = writer.Close()

	upstream.mu.Lock()
	persistedAuth := upstream.lastAuth
	upstream.mu.Unlock()
	if persistedAuth != "Bearer "+token {
		testContext.Fatalf("expected persist to carry the writer token, got %q", persistedAuth)
	}

	for coordinator.SessionCount() != 0 {
		if time.Now().After(deadline) {
			testContext.Fatalf("expected the session to close after the last detach")
		}
		time.Sleep(10 * time.Millisecond)
	}

	reader := dialSocket(testContext, socketURL, header)
	defer reader.Close()
	restored := syncReplica(testContext, reader, 12)
	if restored.Text() != "hello world" {
		testContext.Fatalf("expected persisted state to be restored, got %q", restored.Text())
	}

	recent, err := incidents.Recent(context.Background(), "note-1", 10)
	if err != nil {
		testContext.Fatalf("failed to list incidents: %v", err)
	}
	if len(recent) != 0 {
		testContext.Fatalf("expected no incidents, got %d", len(recent))
	}
}

func dialSocket(testContext *testing.T, url string, header http.Header) *websocket.Conn {
	testContext.Helper()
	socket, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		testContext.Fatalf("dial failed (status %d): %v", status, err)
	}
	return socket
}

func syncReplica(testContext *testing.T, socket *websocket.Conn, clientID uint64) *crdt.Document {
	testContext.Helper()
	readFrame(testContext, socket, server.FrameSyncStep1)
	replica := crdt.New(clientID)
	if err := socket.WriteMessage(websocket.BinaryMessage, server.EncodeFrame(server.FrameSyncStep1, replica.EncodeStateVector())); err != nil {
		testContext.Fatalf("write failed: %v", err)
	}
	if _, err := replica.Apply(readFrame(testContext, socket, server.FrameSyncStep2)); err != nil {
		testContext.Fatalf("failed to apply sync step 2: %v", err)
	}
	return replica
}

func readFrame(testContext *testing.T, socket *websocket.Conn, expectedKind uint64) []byte {
	testContext.Helper()
	for {
		_ = socket.SetReadDeadline(time.Now().Add(flowTimeout))
		messageType, data, err := socket.ReadMessage()
		if err != nil {
			testContext.Fatalf("read failed: %v", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		kind, payload, err := server.DecodeFrame(data)
		if err != nil {
			testContext.Fatalf("malformed frame: %v", err)
		}
		if kind == expectedKind {
			return payload
		}
	}
}

func mustMintToken(testContext *testing.T, issuedAt time.Time) string {
	testContext.Helper()
	claims := auth.Claims{
		UserID: flowUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    flowIssuer,
			Subject:   flowUserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(flowSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
