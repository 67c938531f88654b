package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/whisperhouse/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler bridges a bus onto WebSocket peers. Every message published on b is
// forwarded to the peer, and every message the peer sends is published on b,
// so a sender addressed by "all" sees its own message come back.
func Handler(b *Bus, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("bus upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		sub := b.Subscribe("ws:"+r.RemoteAddr, nil)
		logger.Debug("bus peer connected", "remote", r.RemoteAddr)

		go writePump(conn, sub.C(), logger)
		readPump(conn, b, logger)

		sub.Close()
		logger.Debug("bus peer disconnected", "remote", r.RemoteAddr)
	})
}

// readPump publishes every frame received from conn until the connection fails.
func readPump(conn *websocket.Conn, pub Publisher, logger *slog.Logger) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("bus read failed", "error", err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("dropping malformed coordination message", "error", err)
			continue
		}
		pub.Publish(msg)
	}
}

// writePump is the only writer on conn. It exits when in is closed.
func writePump(conn *websocket.Conn, in <-chan protocol.Message, logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-in:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := protocol.Encode(msg)
			if err != nil {
				logger.Warn("dropping unencodable message", "message_id", msg.ID, "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publisher is the publishing half of PubSub.
type Publisher interface {
	Publish(msg protocol.Message)
}

// Remote is a participant-side view of a bus served by Handler on another process.
// It implements PubSub; subscriptions are served from a local bus fed by the connection.
type Remote struct {
	conn   *websocket.Conn
	local  *Bus
	outbox *Bus
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
}

// Dial connects to a bus Handler at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial bus %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial bus %s: %w", url, err)
	}

	r := &Remote{
		conn:   conn,
		local:  New(WithLogger(logger)),
		outbox: New(WithLogger(logger)),
		logger: logger,
		done:   make(chan struct{}),
	}
	out := r.outbox.Subscribe("ws-out", nil)

	go writePump(conn, out.C(), logger)
	go func() {
		readPump(conn, r.local, logger)
		r.Close()
	}()
	return r, nil
}

// Publish queues msg for the remote bus. It never blocks.
func (r *Remote) Publish(msg protocol.Message) {
	r.outbox.Publish(msg)
}

// Subscribe registers a stream of messages received from the remote bus.
func (r *Remote) Subscribe(name string, match Predicate) *Subscription {
	return r.local.Subscribe(name, match)
}

// Handle runs fn for every matching message received from the remote bus.
func (r *Remote) Handle(name string, match Predicate, fn HandlerFunc) *Subscription {
	return r.local.Handle(name, match, fn)
}

// Done is closed when the connection has terminated.
func (r *Remote) Done() <-chan struct{} { return r.done }

// Close shuts the connection and both local buses down.
func (r *Remote) Close() error {
	var err error
	r.once.Do(func() {
		r.outbox.Close()
		r.local.Close()
		err = r.conn.Close()
		close(r.done)
	})
	return err
}
