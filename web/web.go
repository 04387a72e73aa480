// Package web serves the HTTP API: message listings, individual parts with
// CID rewriting, raw sources, the index page and the websocket event stream.
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sendria/sendria/htpasswd"
	"github.com/sendria/sendria/log"
	"github.com/sendria/sendria/notify"
	"github.com/sendria/sendria/store"
)

const shutdownTimeout = 5 * time.Second

// Config carries everything the HTTP server needs besides the store and
// the hub.
type Config struct {
	// Addr is the listen address, for example 127.0.0.1:1080
	Addr string
	// Ident is the Server response header value, for example Sendria/2.0.0
	Ident string
	// Version is shown on the index page
	Version string
	// AuthFile points at an htpasswd file; empty leaves the API open
	AuthFile string
	// NoQuit disables DELETE /api, NoClear disables DELETE /api/messages/
	NoQuit  bool
	NoClear bool

	// OnDeleted and OnCleared run after a delete has been committed and
	// answered. Terminate runs after DELETE /api has been answered.
	OnDeleted func(id int64)
	OnCleared func()
	Terminate func()
}

// Server is the HTTP side of the trap. It only ever reads and deletes;
// messages come in through the SMTP side.
type Server struct {
	cfg      Config
	store    *store.Store
	hub      *notify.Hub
	auth     *htpasswd.File
	logger   log.Logger
	handler  http.Handler
	server   *http.Server
	listener net.Listener
}

// New builds the server and its routes. The htpasswd file, when configured,
// is read here so a bad path fails startup instead of the first request.
func New(cfg Config, st *store.Store, hub *notify.Hub, logger log.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		store:  st,
		hub:    hub,
		logger: logger,
	}
	if cfg.AuthFile != "" {
		auth, err := htpasswd.Load(cfg.AuthFile)
		if err != nil {
			return nil, fmt.Errorf("could not read HTTP auth file: %w", err)
		}
		s.auth = auth
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.protect(s.index)).Methods("GET")
	r.HandleFunc("/api", s.protect(s.terminate)).Methods("DELETE")
	r.HandleFunc("/api/messages/", s.protect(s.getMessages)).Methods("GET")
	r.HandleFunc("/api/messages/", s.protect(s.deleteMessages)).Methods("DELETE")
	r.HandleFunc("/api/messages/{id:[0-9]+}", s.protect(s.deleteMessage)).Methods("DELETE")
	r.HandleFunc("/api/messages/{id:[0-9]+}.json", s.protect(s.getMessageInfo)).Methods("GET")
	r.HandleFunc("/api/messages/{id:[0-9]+}.plain", s.protect(s.getMessagePlain)).Methods("GET")
	r.HandleFunc("/api/messages/{id:[0-9]+}.html", s.protect(s.getMessageHTML)).Methods("GET")
	r.HandleFunc("/api/messages/{id:[0-9]+}.source", s.protect(s.getMessageSource)).Methods("GET")
	r.HandleFunc("/api/messages/{id:[0-9]+}.eml", s.protect(s.getMessageEML)).Methods("GET")
	r.HandleFunc("/api/messages/{id:[0-9]+}/parts/{cid}", s.protect(s.getMessagePart)).Methods("GET")
	r.HandleFunc("/ws", s.websocketHandler).Methods("GET")
	s.handler = s.defaultHeaders(r)

	return s, nil
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	srv := &http.Server{Handler: s.handler}
	s.server = srv
	s.logger.Infof("HTTP listening on TCP %s", s.cfg.Addr)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown stops accepting and waits briefly for in-flight requests.
// Hijacked websocket connections are the hub's to close, not ours.
func (s *Server) Shutdown() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("HTTP shutdown did not finish cleanly")
	}
	s.server = nil
	s.listener = nil
}

// Addr returns the bound listener address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// defaultHeaders stamps the product identity on every response, matched
// route or not.
func (s *Server) defaultHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.cfg.Ident)
		s.logger.WithFields(logrus.Fields{"method": r.Method, "uri": r.RequestURI, "peer": r.RemoteAddr}).
			Debug("HTTP request")
		next.ServeHTTP(w, r)
	})
}

// protect wraps a handler with the Basic auth gate when an auth file is
// configured. The websocket route stays open, a browser cannot attach
// credentials to it.
func (s *Server) protect(h http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || s.auth.Verify(user, pass) != nil {
			s.logger.WithFields(logrus.Fields{"uri": r.RequestURI, "user": user}).
				Info("request authentication failed")
			w.Header().Set("WWW-Authenticate", `Basic realm="Sendria"`)
			http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
			return
		}
		s.logger.WithFields(logrus.Fields{"uri": r.RequestURI, "user": user}).
			Debug("request authenticated")
		h(w, r)
	}
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, struct {
		Version string
		NoQuit  bool
		NoClear bool
	}{s.cfg.Version, s.cfg.NoQuit, s.cfg.NoClear})
	if err != nil {
		s.logger.WithError(err).Error("could not render the index page")
	}
}

var indexTemplate = template.Must(template.New("index").Parse(indexPage))

const indexPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Sendria</title>
</head>
<body>
<h1>Sendria {{.Version}}</h1>
<p>Development mail trap. Anything delivered to the SMTP port lands here
and is served through the API below.</p>
<table>
<tr><td><code>GET /api/messages/</code></td><td>list messages, oldest first</td></tr>
<tr><td><code>GET /api/messages/{id}.json</code></td><td>one message with formats and attachments</td></tr>
<tr><td><code>GET /api/messages/{id}.plain</code></td><td>plain text part</td></tr>
<tr><td><code>GET /api/messages/{id}.html</code></td><td>HTML part, cid: references rewritten</td></tr>
<tr><td><code>GET /api/messages/{id}.source</code></td><td>raw source</td></tr>
<tr><td><code>GET /api/messages/{id}.eml</code></td><td>raw source as message/rfc822</td></tr>
<tr><td><code>GET /api/messages/{id}/parts/{cid}</code></td><td>any part by its CID</td></tr>
<tr><td><code>DELETE /api/messages/{id}</code></td><td>delete one message</td></tr>
<tr><td><code>DELETE /api/messages/</code></td><td>delete all messages{{if .NoClear}} (disabled){{end}}</td></tr>
<tr><td><code>DELETE /api</code></td><td>terminate the server{{if .NoQuit}} (disabled){{end}}</td></tr>
<tr><td><code>GET /ws</code></td><td>websocket event stream</td></tr>
</table>
</body>
</html>
`
