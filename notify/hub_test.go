package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sendria/sendria/log"
)

var testlog log.Logger

func init() {
	testlog, _ = log.GetLogger(log.OutputOff.String(), "debug")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// starts a websocket endpoint that hands every connection to the hub
func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Join(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal("cant connect:", err)
	}
	return c
}

func waitForPeers(t *testing.T, hub *Hub, n int) {
	deadline := time.Now().Add(time.Second * 2)
	for hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatal("expecting", n, "peers, got:", hub.Count())
		}
		time.Sleep(time.Millisecond * 10)
	}
}

func TestHubPublish(t *testing.T) {
	hub := NewHub(testlog)
	srv := newTestServer(t, hub)

	c := dial(t, srv)
	defer c.Close()
	waitForPeers(t, hub, 1)

	hub.Publish(FrameAddMessage, "1")

	if err := c.SetReadDeadline(time.Now().Add(time.Second * 5)); err != nil {
		t.Error(err)
	}
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Error("read failed:", err)
		return
	}
	if string(msg) != "add_message,1" {
		t.Error("expecting add_message,1 got:", string(msg))
	}

	hub.Publish(FrameDeleteMessages)
	_, msg, err = c.ReadMessage()
	if err != nil {
		t.Error("read failed:", err)
		return
	}
	if string(msg) != "delete_messages" {
		t.Error("expecting delete_messages got:", string(msg))
	}
	hub.Shutdown()
}

func TestHubFanout(t *testing.T) {
	hub := NewHub(testlog)
	srv := newTestServer(t, hub)

	c1 := dial(t, srv)
	defer c1.Close()
	c2 := dial(t, srv)
	defer c2.Close()
	waitForPeers(t, hub, 2)

	hub.Publish(FrameDeleteMessage, "7")

	for _, c := range []*websocket.Conn{c1, c2} {
		if err := c.SetReadDeadline(time.Now().Add(time.Second * 5)); err != nil {
			t.Error(err)
		}
		_, msg, err := c.ReadMessage()
		if err != nil {
			t.Error("read failed:", err)
			continue
		}
		if string(msg) != "delete_message,7" {
			t.Error("expecting delete_message,7 got:", string(msg))
		}
	}
	hub.Shutdown()
}

func TestHubPeerLeaves(t *testing.T) {
	hub := NewHub(testlog)
	srv := newTestServer(t, hub)

	c := dial(t, srv)
	waitForPeers(t, hub, 1)
	if err := c.Close(); err != nil {
		t.Error(err)
	}
	waitForPeers(t, hub, 0)

	// nobody left, must not block
	hub.Publish(FrameAddMessage, "2")
	hub.Shutdown()
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub(testlog)
	srv := newTestServer(t, hub)

	c := dial(t, srv)
	defer c.Close()
	waitForPeers(t, hub, 1)

	hub.Shutdown()

	if err := c.SetReadDeadline(time.Now().Add(time.Second * 5)); err != nil {
		t.Error(err)
	}
	_, _, err := c.ReadMessage()
	if err == nil {
		t.Error("expecting a close error after shutdown")
	}
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Error("expecting going away close, got:", err)
	}
	if hub.Count() != 0 {
		t.Error("expecting 0 peers, got:", hub.Count())
	}

	// a connection arriving after shutdown is turned away
	c2 := dial(t, srv)
	defer c2.Close()
	if err := c2.SetReadDeadline(time.Now().Add(time.Second * 5)); err != nil {
		t.Error(err)
	}
	_, _, err = c2.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Error("expecting going away close, got:", err)
	}
}
