package carelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types exchanged during a sync session.
const (
	MessageNegotiate = "negotiate"
	MessageChunk     = "chunk"
	MessageAck       = "ack"
	MessageDone      = "done"
	MessageError     = "error"
)

// Message is the JSON frame for sync traffic. Payload holds the
// type-specific body; Error carries a human-readable reason on
// MessageError frames.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func newMessage(msgType string, body any) (*Message, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return &Message{Type: msgType, Payload: payload}, nil
}

// Transport moves framed messages between two replicas during a sync
// session. Implementations must be safe for one concurrent sender and one
// concurrent receiver; Send and Receive honor context cancellation.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// WebSocket transport

var syncUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketTransport frames sync messages over a WebSocket connection.
type WebSocketTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  sync.Once
	done    chan struct{}
}

func newWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{
		conn: conn,
		done: make(chan struct{}),
	}
}

// DialPeer connects to a peer's sync endpoint.
func DialPeer(ctx context.Context, url string) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeNetwork, "dial peer", url, err)
	}
	return newWebSocketTransport(conn), nil
}

// SyncHandler returns an HTTP handler that upgrades incoming connections
// and serves each one as the responder side of a sync session.
func SyncHandler(serve func(ctx context.Context, t Transport) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := syncUpgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		t := newWebSocketTransport(conn)
		defer func() { _ = t.Close() }()

		if err := serve(r.Context(), t); err != nil {
			_ = t.sendError(err.Error())
		}
	}
}

// Send writes one frame. A context deadline maps onto the connection's
// write deadline.
func (t *WebSocketTransport) Send(ctx context.Context, msg *Message) error {
	select {
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return newSyncError(SyncErrorTypeNetwork, "send", "", err)
	}
	return nil
}

// Receive reads the next frame.
func (t *WebSocketTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, newSyncError(SyncErrorTypeNetwork, "receive", "", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, newSyncError(SyncErrorTypeProtocol, "malformed frame", "", err)
	}
	return &msg, nil
}

func (t *WebSocketTransport) sendError(reason string) error {
	return t.Send(context.Background(), &Message{Type: MessageError, Error: reason})
}

// Close shuts down the connection.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closed.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

// In-memory transport

// PipeTransport is an in-memory Transport half. Pipe returns a connected
// pair for wiring two replicas together in tests without a network.
type PipeTransport struct {
	send chan *Message
	recv chan *Message

	closed sync.Once
	done   chan struct{}
	peer   *PipeTransport
}

// Pipe returns two connected in-memory transports.
func Pipe() (*PipeTransport, *PipeTransport) {
	ab := make(chan *Message, 16)
	ba := make(chan *Message, 16)
	a := &PipeTransport{send: ab, recv: ba, done: make(chan struct{})}
	b := &PipeTransport{send: ba, recv: ab, done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Send delivers a frame to the peer half.
func (p *PipeTransport) Send(ctx context.Context, msg *Message) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return newSyncError(SyncErrorTypeNetwork, "peer closed", "", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	case p.send <- msg:
		return nil
	}
}

// Receive blocks for the next frame from the peer half. Frames sent before
// the peer closed are still delivered.
func (p *PipeTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-p.recv:
		return msg, nil
	default:
	}
	select {
	case <-p.done:
		return nil, ErrClosed
	case <-p.peer.done:
		select {
		case msg := <-p.recv:
			return msg, nil
		default:
			return nil, newSyncError(SyncErrorTypeNetwork, "peer closed", "", ErrClosed)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-p.recv:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	}
}

// Close shuts down this half.
func (p *PipeTransport) Close() error {
	p.closed.Do(func() { close(p.done) })
	return nil
}

var (
	_ Transport = (*WebSocketTransport)(nil)
	_ Transport = (*PipeTransport)(nil)
)
