package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sendria/sendria/store"
)

// messageInfo is a stored message row augmented with the navigation fields
// the frontend wants: a download link, the available render formats and the
// attachment listing.
type messageInfo struct {
	*store.Message
	Href        string            `json:"href"`
	Formats     map[string]string `json:"formats"`
	Attachments []*attachmentInfo `json:"attachments"`
}

type attachmentInfo struct {
	*store.Attachment
	Href string `json:"href"`
}

func messageURL(id int64, format string) string {
	return fmt.Sprintf("/api/messages/%d.%s", id, format)
}

func partURL(id int64, cid string) string {
	return fmt.Sprintf("/api/messages/%d/parts/%s", id, url.PathEscape(cid))
}

// messageID trusts the route pattern, it only ever sees digits.
func messageID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

// reply writes the success envelope. A nil data yields the bare
// {"code":"OK"} form.
func (s *Server) reply(w http.ResponseWriter, data interface{}) {
	body := map[string]interface{}{"code": "OK"}
	if data != nil {
		body["data"] = data
	}
	s.writeJSON(w, http.StatusOK, body)
}

// fail maps an internal failure onto the JSON error envelope.
func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.WithError(err).Error("request failed")
	body := map[string]interface{}{"code": "STORAGE_ERROR"}
	if msg := err.Error(); msg != "" {
		body["message"] = msg
	}
	s.writeJSON(w, http.StatusInternalServerError, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("could not encode response")
	}
}

func (s *Server) notFoundMessage(w http.ResponseWriter) {
	http.Error(w, "404: message does not exist", http.StatusNotFound)
}

func (s *Server) notFoundPart(w http.ResponseWriter) {
	http.Error(w, "404: part does not exist", http.StatusNotFound)
}

func (s *Server) forbidden(w http.ResponseWriter) {
	http.Error(w, "403: Forbidden", http.StatusForbidden)
}

func (s *Server) terminate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.NoQuit {
		s.forbidden(w)
		return
	}
	s.logger.Info("Terminate request received")
	s.reply(w, nil)
	if s.cfg.Terminate != nil {
		// shutting down tears this server down too, the reply has to be
		// on the wire first
		go s.cfg.Terminate()
	}
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages()
	if err != nil {
		s.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	s.reply(w, msgs)
}

func (s *Server) deleteMessages(w http.ResponseWriter, r *http.Request) {
	if s.cfg.NoClear {
		s.forbidden(w)
		return
	}
	if err := s.store.DeleteAll(); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, struct{}{})
	if s.cfg.OnCleared != nil {
		s.cfg.OnCleared()
	}
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := messageID(r)
	if _, err := s.store.GetMessage(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.notFoundMessage(w)
		} else {
			s.fail(w, err)
		}
		return
	}
	if err := s.store.DeleteMessage(id); err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, struct{}{})
	if s.cfg.OnDeleted != nil {
		s.cfg.OnDeleted(id)
	}
}

func (s *Server) getMessageInfo(w http.ResponseWriter, r *http.Request) {
	id := messageID(r)
	msg, err := s.store.GetMessage(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.notFoundMessage(w)
		} else {
			s.fail(w, err)
		}
		return
	}

	info := &messageInfo{
		Message: msg,
		Href:    messageURL(id, "eml"),
		Formats: map[string]string{"source": messageURL(id, "source")},
	}
	if has, err := s.store.HasPlain(id); err != nil {
		s.fail(w, err)
		return
	} else if has {
		info.Formats["plain"] = messageURL(id, "plain")
	}
	if has, err := s.store.HasHTML(id); err != nil {
		s.fail(w, err)
		return
	} else if has {
		info.Formats["html"] = messageURL(id, "html")
	}

	atts, err := s.store.GetAttachments(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	info.Attachments = make([]*attachmentInfo, 0, len(atts))
	for _, a := range atts {
		info.Attachments = append(info.Attachments, &attachmentInfo{
			Attachment: a,
			Href:       partURL(id, a.CID),
		})
	}
	s.reply(w, info)
}

func (s *Server) getMessagePlain(w http.ResponseWriter, r *http.Request) {
	part, err := s.store.GetPartPlain(messageID(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.notFoundPart(w)
		} else {
			s.fail(w, err)
		}
		return
	}
	s.servePart(w, part)
}

func (s *Server) getMessageHTML(w http.ResponseWriter, r *http.Request) {
	id := messageID(r)
	part, err := s.store.GetPartHTML(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.notFoundPart(w)
		} else {
			s.fail(w, err)
		}
		return
	}
	body, err := rewriteHTML(transcode(part.Body, part.Charset), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(body)
}

func (s *Server) getMessagePart(w http.ResponseWriter, r *http.Request) {
	part, err := s.store.GetPartByCID(messageID(r), mux.Vars(r)["cid"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.notFoundPart(w)
		} else {
			s.fail(w, err)
		}
		return
	}
	s.servePart(w, part)
}

// servePart streams a part body under its stored media type, transcoded to
// UTF-8 when the stored charset says it is something else.
func (s *Server) servePart(w http.ResponseWriter, part *store.Part) {
	contentType := part.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(transcode(part.Body, part.Charset))
}

func (s *Server) getMessageSource(w http.ResponseWriter, r *http.Request) {
	s.serveSource(w, r, "text/plain")
}

func (s *Server) getMessageEML(w http.ResponseWriter, r *http.Request) {
	s.serveSource(w, r, "message/rfc822")
}

// serveSource streams the stored source verbatim, byte for byte what the
// SMTP side received.
func (s *Server) serveSource(w http.ResponseWriter, r *http.Request, contentType string) {
	msg, err := s.store.GetMessage(messageID(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.notFoundMessage(w)
		} else {
			s.fail(w, err)
		}
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(msg.Source)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// websocketHandler upgrades the connection and hands it to the hub, which
// owns it from here on.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	s.hub.Join(conn)
}
