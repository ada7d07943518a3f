package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/docsync/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteWait       = 10 * time.Second
	socketPongWait        = 60 * time.Second
	socketPingPeriod      = (socketPongWait * 9) / 10
	socketMaxMessageBytes = 8 << 20
	socketSendBuffer      = 64
)

var (
	errSocketClosed     = errors.New("server: socket closed")
	errSendBufferFull   = errors.New("server: send buffer full")
	errSocketNotStarted = errors.New("server: socket not started")
)

type outboundFrame struct {
	messageType int
	data        []byte
}

// socketTransport queues outbound frames for one websocket. Frames may be
// queued before the socket is upgraded; the write loop drains them once it
// starts. A client that cannot keep up is disconnected.
type socketTransport struct {
	send   chan outboundFrame
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	socket *websocket.Conn
}

func newSocketTransport(parent context.Context, logger *zap.Logger) *socketTransport {
	ctx, cancel := context.WithCancel(parent)
	return &socketTransport{
		send:   make(chan outboundFrame, socketSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// SendUpdate queues an incremental update frame.
func (t *socketTransport) SendUpdate(update []byte) error {
	return t.enqueue(websocket.BinaryMessage, EncodeFrame(FrameUpdate, update))
}

// SendControl queues a stateless JSON control message.
func (t *socketTransport) SendControl(message session.ControlMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return t.enqueue(websocket.TextMessage, data)
}

func (t *socketTransport) sendFrame(kind uint64, payload []byte) error {
	return t.enqueue(websocket.BinaryMessage, EncodeFrame(kind, payload))
}

func (t *socketTransport) enqueue(messageType int, data []byte) error {
	if t.ctx.Err() != nil {
		return errSocketClosed
	}
	select {
	case t.send <- outboundFrame{messageType: messageType, data: data}:
		return nil
	default:
		t.cancel()
		return errSendBufferFull
	}
}

func (t *socketTransport) start(socket *websocket.Conn) {
	t.mu.Lock()
	t.socket = socket
	t.mu.Unlock()
	go t.writeLoop()
}

func (t *socketTransport) close() {
	t.cancel()
	t.mu.Lock()
	socket := t.socket
	t.mu.Unlock()
	if socket != nil {
		_ = socket.Close()
	}
}

func (t *socketTransport) writeLoop() {
	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()
	defer t.close()

	for {
		select {
		case <-t.ctx.Done():
			t.writeClose()
			return
		case frame := <-t.send:
			if err := t.write(frame.messageType, frame.data); err != nil {
				t.logger.Debug("socket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := t.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *socketTransport) write(messageType int, data []byte) error {
	t.mu.Lock()
	socket := t.socket
	t.mu.Unlock()
	if socket == nil {
		return errSocketNotStarted
	}
	_ = socket.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return socket.WriteMessage(messageType, data)
}

func (t *socketTransport) writeClose() {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.write(websocket.CloseMessage, message)
}

// readLoop hands every inbound message to handle until the socket fails or
// the transport is cancelled.
func (t *socketTransport) readLoop(handle func(messageType int, data []byte)) {
	t.mu.Lock()
	socket := t.socket
	t.mu.Unlock()
	if socket == nil {
		return
	}
	socket.SetReadLimit(socketMaxMessageBytes)
	_ = socket.SetReadDeadline(time.Now().Add(socketPongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		messageType, data, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("socket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if t.ctx.Err() != nil {
			return
		}
		handle(messageType, data)
	}
}
