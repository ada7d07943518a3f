package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docsync/internal/document"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const waitTimeout = 2 * time.Second

type recordingLocal struct {
	mu       sync.Mutex
	versions map[document.ID][]document.SchemaVersion
	notify   chan struct{}
}

func newRecordingLocal() *recordingLocal {
	return &recordingLocal{
		versions: make(map[document.ID][]document.SchemaVersion),
		notify:   make(chan struct{}, 16),
	}
}

func (l *recordingLocal) BroadcastSchemaVersion(_ context.Context, documentID document.ID, version document.SchemaVersion) bool {
	l.mu.Lock()
	l.versions[documentID] = append(l.versions[documentID], version)
	l.mu.Unlock()
	l.notify <- struct{}{}
	return true
}

func (l *recordingLocal) received(documentID document.ID) []document.SchemaVersion {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]document.SchemaVersion(nil), l.versions[documentID]...)
}

func setupTestRelay(t *testing.T, server *miniredis.Miniredis, instanceID string) (*Relay, *recordingLocal) {
	t.Helper()
	client, err := Dial(context.Background(), "redis://"+server.Addr())
	if err != nil {
		t.Fatalf("failed to dial redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	local := newRecordingLocal()
	relay, err := NewRelay(Config{Client: client, Local: local, InstanceID: instanceID})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	return relay, local
}

func runRelay(t *testing.T, relay *Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = relay.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-relay.Ready():
	case <-time.After(waitTimeout):
		t.Fatalf("relay did not subscribe")
	}
}

func waitForBroadcast(t *testing.T, local *recordingLocal) {
	t.Helper()
	select {
	case <-local.notify:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for relayed broadcast")
	}
}

func TestRelayDeliversToPeerInstance(t *testing.T) {
	server := miniredis.RunT(t)
	sender, senderLocal := setupTestRelay(t, server, "instance-a")
	receiver, receiverLocal := setupTestRelay(t, server, "instance-b")
	runRelay(t, sender)
	runRelay(t, receiver)

	if !sender.BroadcastSchemaVersion(context.Background(), document.ID("doc-1"), 4) {
		t.Fatalf("expected the local broadcast result to be returned")
	}
	waitForBroadcast(t, senderLocal)
	waitForBroadcast(t, receiverLocal)

	if got := receiverLocal.received("doc-1"); len(got) != 1 || got[0] != 4 {
		t.Fatalf("unexpected relayed versions %v", got)
	}
	select {
	case <-senderLocal.notify:
		t.Fatalf("sender must ignore its own event")
	case <-time.After(50 * time.Millisecond):
	}
	if got := senderLocal.received("doc-1"); len(got) != 1 {
		t.Fatalf("expected a single local broadcast on the sender, got %v", got)
	}
}

func TestRelayDropsMalformedEvents(t *testing.T) {
	server := miniredis.RunT(t)
	receiver, receiverLocal := setupTestRelay(t, server, "instance-b")
	runRelay(t, receiver)

	publisher := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer publisher.Close()
	ctx := context.Background()
	for _, payload := range []string{"not json", `{"origin":"x","document_id":"","version":1}`, `{"origin":"x","document_id":"doc-1","version":-1}`} {
		if err := publisher.Publish(ctx, DefaultChannel, payload).Err(); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	if err := publisher.Publish(ctx, DefaultChannel, `{"origin":"x","document_id":"doc-2","version":7}`).Err(); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitForBroadcast(t, receiverLocal)
	if got := receiverLocal.received("doc-1"); len(got) != 0 {
		t.Fatalf("expected malformed events to be dropped, got %v", got)
	}
	if got := receiverLocal.received("doc-2"); len(got) != 1 || got[0] != 7 {
		t.Fatalf("unexpected versions %v", got)
	}
}

func TestNewRelayValidatesConfig(t *testing.T) {
	if _, err := NewRelay(Config{Local: newRecordingLocal()}); !errors.Is(err, errMissingClient) {
		t.Fatalf("expected missing client error, got %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewRelay(Config{Client: client}); !errors.Is(err, errMissingLocal) {
		t.Fatalf("expected missing local error, got %v", err)
	}
}

func TestDialRejectsBadURL(t *testing.T) {
	if _, err := Dial(context.Background(), "://bad"); err == nil {
		t.Fatalf("expected parse failure")
	}
}
