// Package notify fans out message lifecycle events to websocket peers.
// Frames are short comma-separated strings ("add_message,42") consumed by
// the javascript frontend and by anything else that watches the trap.
package notify

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sendria/sendria/log"
)

// Frame prefixes understood by subscribers.
const (
	FrameAddMessage     = "add_message"
	FrameDeleteMessage  = "delete_message"
	FrameDeleteMessages = "delete_messages"
)

const (
	maxMessageSize = 1024
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	// sendQueueSize is how far a peer may fall behind before events are dropped
	sendQueueSize = 256
)

type Hub struct {
	logger log.Logger
	mu     sync.Mutex
	peers  map[*peer]bool
	closed bool
	wg     sync.WaitGroup
}

func NewHub(logger log.Logger) *Hub {
	return &Hub{
		logger: logger,
		peers:  make(map[*peer]bool),
	}
}

// Join adopts an upgraded websocket connection. The hub owns the connection
// from here on and closes it when the peer goes away or the hub shuts down.
func (h *Hub) Join(conn *websocket.Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutdown"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	p := &peer{
		hub:  h,
		conn: conn,
		send: make(chan string, sendQueueSize),
	}
	h.peers[p] = true
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.WithField("peer", conn.RemoteAddr().String()).Debug("websocket peer joined")
	go p.writeLoop()
	go p.readLoop()
}

// Publish broadcasts one frame to every peer. A peer whose queue is full
// loses the frame rather than holding everyone else up.
func (h *Hub) Publish(args ...string) {
	frame := strings.Join(args, ",")
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		select {
		case p.send <- frame:
		default:
			h.logger.WithField("peer", p.conn.RemoteAddr().String()).
				Warn("websocket peer is not keeping up, dropping event")
		}
	}
}

// Count returns the number of connected peers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Shutdown tells every peer the server is going away and waits until the
// close frames have been written.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	for p := range h.peers {
		delete(h.peers, p)
		close(p.send)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// leave detaches a peer after its reader saw an error or a close frame.
func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p]; ok {
		delete(h.peers, p)
		close(p.send)
	}
	h.mu.Unlock()
}

type peer struct {
	hub  *Hub
	conn *websocket.Conn
	// frames to send over the websocket are received on this channel
	send chan string
}

// writeLoop transmits frames and keepalive pings until the send channel
// closes, then says goodbye with a going-away frame.
func (p *peer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
		p.hub.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutdown"))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				p.hub.logger.WithError(err).Debug("websocket write failed, closing connection")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				p.hub.logger.WithError(err).Debug("websocket ping failed, closing connection")
				return
			}
		}
	}
}

// readLoop discards anything the peer sends. Its job is to notice the peer
// going away and to keep the pong deadline fresh.
func (p *peer) readLoop() {
	defer p.hub.leave(p)
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.hub.logger.WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}
	}
}
