package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docsync/internal/auth"
	"github.com/MarcoPoloResearchLab/docsync/internal/document"
	"github.com/MarcoPoloResearchLab/docsync/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	queryOrganization  = "organization"
	queryDocumentType  = "type"
	querySchemaVersion = "schemaVersion"
	queryAccessToken   = "access_token"

	errorInvalidDocumentID    = "invalid_document_id"
	errorInvalidSchemaVersion = "invalid_schema_version"
	errorAuthenticationFailed = "authentication_failed"
	errorDocumentUnavailable  = "document_unavailable"
	errorShuttingDown         = "shutting_down"
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingCoordinator   = errors.New("coordinator dependency required")
)

// Authenticator validates a connection attempt.
type Authenticator interface {
	Authenticate(ctx context.Context, request auth.Request) (auth.Result, error)
}

// Coordinator owns live document sessions.
type Coordinator interface {
	Attach(ctx context.Context, documentID document.ID, conn *session.Connection) (*session.Session, error)
	Detach(conn *session.Connection)
	ApplyUpdate(conn *session.Connection, update []byte) error
	SessionCount() int
}

// RejectionRecorder counts authentication rejections.
type RejectionRecorder interface {
	Rejected(reason string)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Authenticator  Authenticator
	Coordinator    Coordinator
	Metrics        http.Handler
	Rejections     RejectionRecorder
	CookieName     string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving health, metrics and the
// collaboration websocket endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		coordinator:   deps.Coordinator,
		rejections:    deps.Rejections,
		cookieName:    strings.TrimSpace(deps.CookieName),
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	router.GET("/collaboration/:documentId", handler.handleCollaboration)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.TrimRight(origin, "/")]
		return ok
	}
}

type httpHandler struct {
	authenticator Authenticator
	coordinator   Coordinator
	rejections    RejectionRecorder
	cookieName    string
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.coordinator.SessionCount(),
	})
}

func (h *httpHandler) handleCollaboration(c *gin.Context) {
	documentID, err := document.NewID(c.Param("documentId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidDocumentID})
		return
	}
	schemaVersion, err := parseSchemaVersion(c.Query(querySchemaVersion))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidSchemaVersion})
		return
	}

	ctx := c.Request.Context()
	result, err := h.authenticator.Authenticate(ctx, auth.Request{
		DocumentID:     documentID,
		Token:          extractToken(c.Request, h.cookieName),
		OrganizationID: document.OrganizationID(strings.TrimSpace(c.Query(queryOrganization))),
		DocumentType:   document.ParseType(c.Query(queryDocumentType)),
		SchemaVersion:  schemaVersion,
	})
	if err != nil {
		h.rejectAuthentication(c, err)
		return
	}

	transport := newSocketTransport(ctx, h.logger)
	conn := session.NewConnection(result.Context, transport)
	s, err := h.coordinator.Attach(ctx, documentID, conn)
	if err != nil {
		transport.close()
		status, reason := http.StatusBadGateway, errorDocumentUnavailable
		if errors.Is(err, session.ErrShuttingDown) {
			status, reason = http.StatusServiceUnavailable, errorShuttingDown
		}
		h.logger.Warn("attach failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	defer h.coordinator.Detach(conn)

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		transport.close()
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	transport.start(socket)
	defer transport.close()

	// Sockets outliving their session are told to go away so clients reconnect.
	go func() {
		select {
		case <-s.Done():
			transport.cancel()
		case <-transport.ctx.Done():
		}
	}()

	if err := transport.sendFrame(FrameSyncStep1, s.StateVector()); err != nil {
		return
	}
	_ = transport.SendControl(session.ControlMessage{
		Type:    session.ControlTypeSchema,
		Version: s.SchemaVersion().Int64(),
	})

	transport.readLoop(func(messageType int, data []byte) {
		if messageType != websocket.BinaryMessage {
			return
		}
		h.handleFrame(s, conn, transport, data)
	})
}

func (h *httpHandler) handleFrame(s *session.Session, conn *session.Connection, transport *socketTransport, data []byte) {
	kind, payload, err := DecodeFrame(data)
	if err != nil {
		h.logger.Debug("frame dropped", zap.String("connection_id", conn.ID()), zap.Error(err))
		return
	}
	switch kind {
	case FrameSyncStep1:
		update, err := s.UpdateSince(payload)
		if err != nil {
			h.logger.Debug("state vector rejected", zap.String("connection_id", conn.ID()), zap.Error(err))
			return
		}
		_ = transport.sendFrame(FrameSyncStep2, update)
	case FrameSyncStep2, FrameUpdate:
		if err := h.coordinator.ApplyUpdate(conn, payload); err != nil {
			if errors.Is(err, session.ErrReadOnly) {
				return
			}
			if errors.Is(err, session.ErrSessionClosed) {
				transport.cancel()
				return
			}
			h.logger.Debug("update rejected", zap.String("connection_id", conn.ID()), zap.Error(err))
		}
	}
}

func (h *httpHandler) rejectAuthentication(c *gin.Context, err error) {
	var authErr *document.AuthenticationError
	if !errors.As(err, &authErr) {
		h.logger.Error("authentication failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorAuthenticationFailed})
		return
	}
	if h.rejections != nil {
		h.rejections.Rejected(authErr.Reason)
	}
	status := http.StatusForbidden
	if authErr.Reason == document.ReasonNoToken {
		status = http.StatusUnauthorized
	}
	c.JSON(status, gin.H{"error": authErr.Reason})
}

func parseSchemaVersion(raw string) (document.SchemaVersion, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, err
	}
	return document.NewSchemaVersion(value)
}

// extractToken reads the bearer header, then the session cookie, then the
// access_token query parameter.
func extractToken(r *http.Request, cookieName string) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
			return strings.TrimSpace(cookie.Value)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(queryAccessToken))
}
