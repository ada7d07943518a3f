package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/docsync/internal/codec"
	"github.com/MarcoPoloResearchLab/docsync/internal/document"
	"github.com/MarcoPoloResearchLab/docsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/docsync/internal/tracking"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPersistDebounce = 2 * time.Second

	opMaterialize = "session.materialize"
	opPersist     = "session.persist"
	opApplyUpdate = "session.apply_update"

	sourceClientUpdate = "client update"
)

var (
	// ErrReadOnly reports an update from a connection whose schema claim is stale.
	ErrReadOnly = errors.New("session: connection is read-only")
	// ErrNotAttached reports use of a connection that has no session.
	ErrNotAttached = errors.New("session: connection is not attached")
	// ErrShuttingDown reports an attach after Shutdown started.
	ErrShuttingDown = errors.New("session: coordinator is shutting down")
	// ErrSessionClosed reports an update that arrived after the session began tearing down.
	ErrSessionClosed = errors.New("session: session is closed")

	errMissingStore = errors.New("session: document store required")
)

// Store reads and writes the durable document record.
type Store interface {
	FetchDocument(ctx context.Context, target gateway.Target) (*document.Record, error)
	PersistDocument(ctx context.Context, target gateway.Target, snapshot document.Snapshot) error
}

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	SessionOpened(fromState bool)
	SessionClosed()
	ConnectionAttached()
	ConnectionDetached()
	UpdateApplied()
	Persisted(err error)
}

// Config wires a Coordinator.
type Config struct {
	Store           Store
	Sink            tracking.Sink
	Observer        Observer
	PersistDebounce time.Duration
	// OnPersistError is called with background persistence failures after
	// they have been captured. The session stays usable.
	OnPersistError func(*Session, error)
	Logger         *zap.Logger
}

// Coordinator owns the registry of live sessions.
type Coordinator struct {
	store           Store
	sink            tracking.Sink
	observer        Observer
	persistDebounce time.Duration
	onPersistError  func(*Session, error)
	logger          *zap.Logger

	group singleflight.Group

	mu           sync.Mutex
	sessions     map[document.ID]*Session
	shuttingDown bool
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = tracking.NewLoggerSink(logger)
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	debounce := cfg.PersistDebounce
	if debounce <= 0 {
		debounce = defaultPersistDebounce
	}
	coordinator := &Coordinator{
		store:           cfg.Store,
		sink:            sink,
		observer:        observer,
		persistDebounce: debounce,
		onPersistError:  cfg.OnPersistError,
		logger:          logger,
		sessions:        make(map[document.ID]*Session),
	}
	if coordinator.onPersistError == nil {
		coordinator.onPersistError = coordinator.logPersistError
	}
	return coordinator, nil
}

// Attach joins conn to the session for documentID, materializing the session
// from the gateway when none is live. Concurrent first attaches share one
// materialization; a session that is shutting down finishes its final
// persist before a replacement is materialized.
func (c *Coordinator) Attach(ctx context.Context, documentID document.ID, conn *Connection) (*Session, error) {
	for {
		s, err := c.open(ctx, documentID, conn.context)
		if err != nil {
			return nil, err
		}
		if c.join(s, conn) {
			c.observer.ConnectionAttached()
			return s, nil
		}
		select {
		case <-s.closed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) open(ctx context.Context, documentID document.ID, connContext document.ConnectionContext) (*Session, error) {
	for {
		c.mu.Lock()
		if c.shuttingDown {
			c.mu.Unlock()
			return nil, ErrShuttingDown
		}
		s, ok := c.sessions[documentID]
		c.mu.Unlock()
		if !ok {
			break
		}
		if !s.isClosing() {
			return s, nil
		}
		select {
		case <-s.closed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	value, err, _ := c.group.Do(documentID.String(), func() (interface{}, error) {
		c.mu.Lock()
		existing, ok := c.sessions[documentID]
		c.mu.Unlock()
		if ok {
			return existing, nil
		}
		return c.materialize(ctx, documentID, connContext)
	})
	if err != nil {
		return nil, err
	}
	return value.(*Session), nil
}

func (c *Coordinator) materialize(ctx context.Context, documentID document.ID, connContext document.ConnectionContext) (*Session, error) {
	target := gateway.Target{
		Token:          connContext.Token,
		DocumentID:     documentID,
		DocumentType:   connContext.DocumentType,
		OrganizationID: connContext.OrganizationID,
	}
	tags := tracking.Tags{
		Operation:      opMaterialize,
		DocumentID:     documentID.String(),
		OrganizationID: connContext.OrganizationID.String(),
		DocumentType:   connContext.DocumentType.String(),
		SchemaVersion:  connContext.SchemaVersion.Int64(),
		Token:          connContext.Token,
	}

	record, err := c.store.FetchDocument(ctx, target)
	if err != nil {
		c.sink.Capture(ctx, err, tags)
		return nil, err
	}
	doc, err := codec.Materialize(record)
	if err != nil {
		c.sink.Capture(ctx, err, tags)
		return nil, err
	}

	// Only the gateway record is canonical; a client claim never raises the version.
	var version document.SchemaVersion
	if record != nil {
		version = record.SchemaVersion
	}
	s := newSession(documentID, connContext, doc, version, c.logger)

	c.mu.Lock()
	c.sessions[documentID] = s
	c.mu.Unlock()

	go c.runPersister(s)
	c.observer.SessionOpened(record.HasState())
	c.logger.Debug("session materialized",
		zap.String("document_id", documentID.String()),
		zap.Bool("from_state", record.HasState()),
		zap.Int64("schema_version", version.Int64()),
	)
	return s, nil
}

func (c *Coordinator) join(s *Session, conn *Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.id] != s {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.connections[conn.id] = conn
	conn.readOnly.Store(conn.context.SchemaVersion < s.schemaVersion)
	conn.session.Store(s)
	return true
}

// Detach removes conn from its session. Removing the last connection tears
// the session down after a final flush of unsaved changes.
func (c *Coordinator) Detach(conn *Connection) {
	s := conn.session.Swap(nil)
	if s == nil {
		return
	}
	c.mu.Lock()
	s.mu.Lock()
	delete(s.connections, conn.id)
	last := len(s.connections) == 0 && !s.closing
	if last {
		s.closing = true
	}
	s.mu.Unlock()
	c.mu.Unlock()

	c.observer.ConnectionDetached()
	if last {
		close(s.stop)
	}
}

// ApplyUpdate merges a client update into the session's replica, forwards it
// to every other connection and schedules persistence. Updates from
// read-only connections are ignored and reported as ErrReadOnly; updates
// arriving once the session is tearing down are refused with ErrSessionClosed.
func (c *Coordinator) ApplyUpdate(conn *Connection, update []byte) error {
	s := conn.Session()
	if s == nil {
		return ErrNotAttached
	}
	if conn.ReadOnly() {
		return ErrReadOnly
	}
	if err := s.apply(update, conn.context.Token); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return err
		}
		c.logger.Info("client update rejected",
			zap.String("operation", opApplyUpdate),
			zap.String("document_id", s.id.String()),
			zap.String("connection_id", conn.id),
			zap.Error(err),
		)
		return &document.DecodeError{Source: sourceClientUpdate, Err: err}
	}
	c.observer.UpdateApplied()

	for _, peer := range s.peers(conn) {
		if err := peer.transport.SendUpdate(update); err != nil {
			c.logger.Debug("update forward dropped",
				zap.String("document_id", s.id.String()),
				zap.String("connection_id", peer.id),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Persist serializes the session's replica and writes it to the gateway,
// tagged with the session's schema version. Failures are captured with
// document context and returned; the in-memory replica is left untouched.
func (c *Coordinator) Persist(ctx context.Context, s *Session) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	version, token := s.beginPersist()
	snapshot := codec.Serialize(s.doc)
	snapshot.SchemaVersion = version

	err := c.store.PersistDocument(ctx, s.target(token), snapshot)
	c.observer.Persisted(err)
	if err != nil {
		c.sink.Capture(ctx, err, tracking.Tags{
			Operation:      opPersist,
			DocumentID:     s.id.String(),
			OrganizationID: s.organizationID.String(),
			DocumentType:   s.documentType.String(),
			SchemaVersion:  version.Int64(),
			Token:          token,
		})
		return err
	}
	return nil
}

// BroadcastSchemaVersion forwards a canonical version to the live session
// for documentID and reports whether one exists.
func (c *Coordinator) BroadcastSchemaVersion(_ context.Context, documentID document.ID, version document.SchemaVersion) bool {
	s, ok := c.Session(documentID)
	if !ok {
		return false
	}
	s.BroadcastSchemaVersion(version)
	return true
}

// Session returns the live session for documentID.
func (c *Coordinator) Session(documentID document.ID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[documentID]
	return s, ok
}

// SessionCount returns the number of live sessions.
func (c *Coordinator) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Shutdown stops accepting attaches, tears every session down and waits for
// their final persists.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		s.mu.Lock()
		if !s.closing {
			s.closing = true
			close(s.stop)
		}
		s.mu.Unlock()
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		select {
		case <-s.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) logPersistError(s *Session, err error) {
	c.logger.Warn("document not persisted; edits remain in memory",
		zap.String("operation", opPersist),
		zap.String("document_id", s.id.String()),
		zap.Error(err),
	)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(bool)  {}
func (nopObserver) SessionClosed()      {}
func (nopObserver) ConnectionAttached() {}
func (nopObserver) ConnectionDetached() {}
func (nopObserver) UpdateApplied()      {}
func (nopObserver) Persisted(error)     {}
