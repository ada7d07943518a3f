// Package session coordinates live collaborative documents: one authoritative
// CRDT replica per document id shared by every attached connection.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/docsync/internal/crdt"
	"github.com/MarcoPoloResearchLab/docsync/internal/document"
	"github.com/MarcoPoloResearchLab/docsync/internal/gateway"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ControlTypeSchema identifies the schema version notification.
const ControlTypeSchema = "schema"

// ControlMessage is a stateless, out-of-band notification. It is never part
// of the CRDT update stream.
type ControlMessage struct {
	Type    string `json:"type"`
	Version int64  `json:"version"`
}

// Transport delivers outbound traffic to one client.
type Transport interface {
	SendUpdate(update []byte) error
	SendControl(message ControlMessage) error
}

// Connection is one authenticated client attached to at most one session.
type Connection struct {
	id        string
	context   document.ConnectionContext
	transport Transport
	readOnly  atomic.Bool
	session   atomic.Pointer[Session]
}

// NewConnection wraps an authenticated context and its transport.
func NewConnection(context document.ConnectionContext, transport Transport) *Connection {
	return &Connection{
		id:        uuid.NewString(),
		context:   context,
		transport: transport,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Context returns the immutable authentication context.
func (c *Connection) Context() document.ConnectionContext {
	return c.context
}

// ReadOnly reports whether the connection's schema claim is behind the session.
func (c *Connection) ReadOnly() bool {
	return c.readOnly.Load()
}

// Session returns the session the connection is attached to, or nil.
func (c *Connection) Session() *Session {
	return c.session.Load()
}

// Session is the live state of one document.
type Session struct {
	id             document.ID
	organizationID document.OrganizationID
	documentType   document.Type
	doc            *crdt.Document
	logger         *zap.Logger

	mu            sync.Mutex
	schemaVersion document.SchemaVersion
	connections   map[string]*Connection
	writerToken   string
	revision      uint64
	flushed       uint64
	closing       bool

	persistMu sync.Mutex
	dirty     chan struct{}
	stop      chan struct{}
	closed    chan struct{}
}

func newSession(id document.ID, context document.ConnectionContext, doc *crdt.Document, version document.SchemaVersion, logger *zap.Logger) *Session {
	return &Session{
		id:             id,
		organizationID: context.OrganizationID,
		documentType:   context.DocumentType,
		doc:            doc,
		logger:         logger,
		schemaVersion:  version,
		connections:    make(map[string]*Connection),
		writerToken:    context.Token,
		dirty:          make(chan struct{}, 1),
		stop:           make(chan struct{}),
		closed:         make(chan struct{}),
	}
}

// ID returns the document id.
func (s *Session) ID() document.ID {
	return s.id
}

// OrganizationID returns the organization the session was opened for.
func (s *Session) OrganizationID() document.OrganizationID {
	return s.organizationID
}

// DocumentType returns the document type the session was opened for.
func (s *Session) DocumentType() document.Type {
	return s.documentType
}

// Document returns the authoritative replica. Callers must merge through
// Coordinator.ApplyUpdate so persistence and fan-out happen.
func (s *Session) Document() *crdt.Document {
	return s.doc
}

// SchemaVersion returns the current canonical schema version.
func (s *Session) SchemaVersion() document.SchemaVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaVersion
}

// ConnectionCount returns the number of attached connections.
func (s *Session) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// StateVector is sent to a new connection so it can reply with what the server lacks.
func (s *Session) StateVector() []byte {
	return s.doc.EncodeStateVector()
}

// UpdateSince answers a client's state vector with the ops it is missing.
func (s *Session) UpdateSince(stateVector []byte) ([]byte, error) {
	return s.doc.EncodeUpdateSince(stateVector)
}

// Done is closed after the session has been torn down and its final persist finished.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// BroadcastSchemaVersion raises the session's schema version to version if it
// is newer, recomputes every connection's read-only flag and notifies each
// connection of the resulting version.
func (s *Session) BroadcastSchemaVersion(version document.SchemaVersion) document.SchemaVersion {
	s.mu.Lock()
	if version > s.schemaVersion {
		s.schemaVersion = version
	}
	effective := s.schemaVersion
	recipients := make([]*Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conn.readOnly.Store(conn.context.SchemaVersion < effective)
		recipients = append(recipients, conn)
	}
	s.mu.Unlock()

	message := ControlMessage{Type: ControlTypeSchema, Version: effective.Int64()}
	for _, conn := range recipients {
		if err := conn.transport.SendControl(message); err != nil {
			s.logger.Debug("schema notification dropped",
				zap.String("document_id", s.id.String()),
				zap.String("connection_id", conn.id),
				zap.Error(err),
			)
		}
	}
	return effective
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Session) peers(origin *Connection) []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*Connection, 0, len(s.connections))
	for id, conn := range s.connections {
		if id != origin.id {
			result = append(result, conn)
		}
	}
	return result
}

// apply merges update into the replica unless teardown has begun. Holding
// s.mu across the merge keeps every accepted edit ahead of the final flush.
func (s *Session) apply(update []byte, token string) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if _, err := s.doc.Apply(update); err != nil {
		s.mu.Unlock()
		return err
	}
	s.markDirtyLocked(token)
	s.mu.Unlock()
	s.signalDirty()
	return nil
}

func (s *Session) markDirtyLocked(token string) {
	s.revision++
	if token != "" {
		s.writerToken = token
	}
}

func (s *Session) signalDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Session) hasUnflushedChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision != s.flushed
}

// beginPersist marks the current revision as flushed and returns what the
// persisted record is tagged with.
func (s *Session) beginPersist() (document.SchemaVersion, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = s.revision
	return s.schemaVersion, s.writerToken
}

func (s *Session) target(token string) gateway.Target {
	return gateway.Target{
		Token:          token,
		DocumentID:     s.id,
		DocumentType:   s.documentType,
		OrganizationID: s.organizationID,
	}
}
