// Package fanout relays schema version changes between server instances.
//
// Deployments route each document to a single owning instance (sticky on
// document id). The relay carries schema corrections only; document edits
// are not replicated, so a second instance holding a session for the same
// document would overwrite the owner's persists.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docsync/internal/document"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel carrying schema events.
const DefaultChannel = "docsync:schema"

const (
	dialTimeout = 5 * time.Second

	opPublish = "fanout.publish"
	opReceive = "fanout.receive"
)

var (
	errMissingClient = errors.New("fanout: redis client required")
	errMissingLocal  = errors.New("fanout: local broadcaster required")
)

// LocalBroadcaster applies a schema version to sessions on this instance.
type LocalBroadcaster interface {
	BroadcastSchemaVersion(ctx context.Context, documentID document.ID, version document.SchemaVersion) bool
}

type schemaEvent struct {
	Origin     string `json:"origin"`
	DocumentID string `json:"document_id"`
	Version    int64  `json:"version"`
}

// Config wires a Relay.
type Config struct {
	Client     *redis.Client
	Local      LocalBroadcaster
	Channel    string
	InstanceID string
	// OnRelay is called after a peer's event has been applied locally.
	OnRelay func()
	Logger  *zap.Logger
}

// Relay broadcasts locally and publishes to peers; Run applies peer events.
type Relay struct {
	client     *redis.Client
	local      LocalBroadcaster
	channel    string
	instanceID string
	onRelay    func()
	logger     *zap.Logger
	ready      chan struct{}
}

// Dial parses a redis URL and verifies the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRelay validates the configuration and constructs a Relay.
func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Local == nil {
		return nil, errMissingLocal
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onRelay := cfg.OnRelay
	if onRelay == nil {
		onRelay = func() {}
	}
	return &Relay{
		client:     cfg.Client,
		local:      cfg.Local,
		channel:    channel,
		instanceID: instanceID,
		onRelay:    onRelay,
		logger:     logger,
		ready:      make(chan struct{}),
	}, nil
}

// BroadcastSchemaVersion applies the version locally, then publishes it to
// peer instances. Publish failures are logged; the local broadcast stands.
func (r *Relay) BroadcastSchemaVersion(ctx context.Context, documentID document.ID, version document.SchemaVersion) bool {
	found := r.local.BroadcastSchemaVersion(ctx, documentID, version)

	payload, err := json.Marshal(schemaEvent{
		Origin:     r.instanceID,
		DocumentID: documentID.String(),
		Version:    version.Int64(),
	})
	if err == nil {
		err = r.client.Publish(ctx, r.channel, payload).Err()
	}
	if err != nil {
		r.logger.Warn("schema relay failed",
			zap.String("operation", opPublish),
			zap.String("document_id", documentID.String()),
			zap.Error(err),
		)
	}
	return found
}

// Ready is closed once Run has subscribed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run applies schema events published by other instances until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	subscription := r.client.Subscribe(ctx, r.channel)
	defer subscription.Close()

	if _, err := subscription.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)

	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(ctx, message.Payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	var event schemaEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Warn("schema event dropped", zap.String("operation", opReceive), zap.Error(err))
		return
	}
	if event.Origin == r.instanceID {
		return
	}
	documentID, err := document.NewID(event.DocumentID)
	if err != nil {
		r.logger.Warn("schema event dropped", zap.String("operation", opReceive), zap.Error(err))
		return
	}
	version, err := document.NewSchemaVersion(event.Version)
	if err != nil {
		r.logger.Warn("schema event dropped", zap.String("operation", opReceive), zap.Error(err))
		return
	}
	if r.local.BroadcastSchemaVersion(ctx, documentID, version) {
		r.logger.Debug("schema version relayed",
			zap.String("document_id", documentID.String()),
			zap.Int64("schema_version", version.Int64()),
		)
	}
	r.onRelay()
}
