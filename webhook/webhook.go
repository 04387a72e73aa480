// Package webhook forwards a summary of each trapped message to an
// external HTTP endpoint. Delivery is best effort: failures are logged
// and never reach the SMTP transaction that stored the message.
package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sendria/sendria/log"
	"github.com/sendria/sendria/store"
)

const (
	// queueSize bounds how many undelivered summaries may pile up
	queueSize      = 128
	connectTimeout = 5 * time.Second
	requestTimeout = 30 * time.Second
)

// Config carries the webhook settings. An empty URL disables dispatch.
type Config struct {
	URL    string
	Method string
	// Auth is "login:password" for HTTP Basic, empty for none
	Auth string
	// UserAgent identifies this server in outbound requests
	UserAgent string
}

// Payload is the JSON body sent for each message. Parts and raw source
// stay home; the receiver can fetch them through the API if it cares.
type Payload struct {
	MessageID            int64    `json:"message_id"`
	SenderEnvelope       string   `json:"sender_envelope"`
	SenderMessage        string   `json:"sender_message"`
	RecipientsEnvelope   []string `json:"recipients_envelope"`
	RecipientsMessageTo  []string `json:"recipients_message_to"`
	RecipientsMessageCc  []string `json:"recipients_message_cc"`
	RecipientsMessageBcc []string `json:"recipients_message_bcc"`
	Subject              string   `json:"subject"`
	Type                 string   `json:"type"`
	Size                 int64    `json:"size"`
	Peer                 string   `json:"peer"`
}

func payloadFrom(m *store.Message) *Payload {
	return &Payload{
		MessageID:            m.ID,
		SenderEnvelope:       m.SenderEnvelope,
		SenderMessage:        m.SenderMessage,
		RecipientsEnvelope:   m.RecipientsEnvelope,
		RecipientsMessageTo:  m.RecipientsMessageTo,
		RecipientsMessageCc:  m.RecipientsMessageCc,
		RecipientsMessageBcc: m.RecipientsMessageBcc,
		Subject:              m.Subject,
		Type:                 m.Type,
		Size:                 m.Size,
		Peer:                 m.Peer,
	}
}

// Dispatcher owns the queue and the single worker that drains it.
// Deliveries are serialized, FIFO relative to enqueue order.
type Dispatcher struct {
	enabled   bool
	url       string
	method    string
	login     string
	password  string
	hasAuth   bool
	userAgent string
	client    *http.Client
	logger    log.Logger
	queue     chan *Payload
	quit      chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, logger log.Logger) *Dispatcher {
	d := &Dispatcher{
		enabled:   cfg.URL != "",
		url:       cfg.URL,
		method:    strings.ToUpper(cfg.Method),
		userAgent: cfg.UserAgent,
		logger:    logger,
		queue:     make(chan *Payload, queueSize),
		quit:      make(chan struct{}),
	}
	if d.method == "" {
		d.method = http.MethodPost
	}
	if cfg.Auth != "" {
		d.login, d.password, _ = strings.Cut(cfg.Auth, ":")
		d.hasAuth = true
	}
	d.client = &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		},
	}
	return d
}

// Start launches the worker. A dispatcher without a URL stays idle.
func (d *Dispatcher) Start() {
	if !d.enabled {
		d.logger.Debug("webhooks disabled")
		return
	}
	auth := "disabled"
	if d.hasAuth {
		auth = "enabled"
	}
	d.logger.WithFields(logrus.Fields{
		"url":    d.url,
		"method": d.method,
		"auth":   auth,
	}).Debug("webhooks enabled")
	d.wg.Add(1)
	go d.worker()
}

// Stop cancels the worker and waits for an in-flight request to finish.
// Whatever is still queued is dropped.
func (d *Dispatcher) Stop() {
	if !d.enabled {
		return
	}
	close(d.quit)
	d.wg.Wait()
}

// Enqueue queues a summary of m for delivery without blocking. When the
// queue is full or webhooks are disabled the message is dropped.
func (d *Dispatcher) Enqueue(m *store.Message) {
	if !d.enabled {
		return
	}
	select {
	case d.queue <- payloadFrom(m):
	default:
		d.logger.WithField("message_id", m.ID).Warn("webhook queue full, dropping message")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case p := <-d.queue:
			d.send(p)
		}
	}
}

func (d *Dispatcher) send(p *Payload) {
	body, err := json.Marshal(p)
	if err != nil {
		d.logger.WithError(err).Error("webhook payload error")
		return
	}
	req, err := http.NewRequest(d.method, d.url, bytes.NewReader(body))
	if err != nil {
		d.logger.WithError(err).Error("webhook client error")
		return
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Content-Type", "application/json")
	if d.hasAuth {
		req.SetBasicAuth(d.login, d.password)
	}

	rsp, err := d.client.Do(req)
	if err != nil {
		d.logger.WithError(err).Error("webhook client error")
		return
	}
	defer func() { _ = rsp.Body.Close() }()
	_, _ = io.Copy(io.Discard, rsp.Body)

	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		d.logger.WithFields(logrus.Fields{
			"message_id": p.MessageID,
			"status":     rsp.StatusCode,
			"url":        d.url,
			"method":     d.method,
		}).Warn("webhook response error")
		return
	}
	d.logger.WithFields(logrus.Fields{
		"message_id": p.MessageID,
		"status":     rsp.StatusCode,
	}).Debug("webhook sent")
}
