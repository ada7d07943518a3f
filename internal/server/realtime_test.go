package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/docsync/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestSocketTransportQueuesBeforeStart(t *testing.T) {
	transport := newSocketTransport(context.Background(), zap.NewNop())
	defer transport.close()

	if err := transport.SendUpdate([]byte{7}); err != nil {
		t.Fatalf("queue update failed: %v", err)
	}
	if err := transport.SendControl(session.ControlMessage{Type: session.ControlTypeSchema, Version: 2}); err != nil {
		t.Fatalf("queue control failed: %v", err)
	}

	update := <-transport.send
	kind, payload, err := DecodeFrame(update.data)
	if update.messageType != websocket.BinaryMessage || err != nil || kind != FrameUpdate || len(payload) != 1 {
		t.Fatalf("unexpected update frame %#v", update)
	}
	control := <-transport.send
	var message session.ControlMessage
	if control.messageType != websocket.TextMessage || json.Unmarshal(control.data, &message) != nil || message.Version != 2 {
		t.Fatalf("unexpected control frame %#v", control)
	}
}

func TestSocketTransportDisconnectsSlowClients(t *testing.T) {
	transport := newSocketTransport(context.Background(), zap.NewNop())
	defer transport.close()

	for index := 0; index < socketSendBuffer; index++ {
		if err := transport.SendUpdate([]byte{byte(index)}); err != nil {
			t.Fatalf("queue %d failed: %v", index, err)
		}
	}
	if err := transport.SendUpdate([]byte{0xff}); !errors.Is(err, errSendBufferFull) {
		t.Fatalf("expected full buffer error, got %v", err)
	}
	if err := transport.SendUpdate([]byte{0xfe}); !errors.Is(err, errSocketClosed) {
		t.Fatalf("expected closed transport error, got %v", err)
	}
}
