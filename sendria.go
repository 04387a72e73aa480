package sendria

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sendria/sendria/ingest"
	"github.com/sendria/sendria/log"
	"github.com/sendria/sendria/notify"
	"github.com/sendria/sendria/store"
	"github.com/sendria/sendria/web"
	"github.com/sendria/sendria/webhook"
)

const (
	daemonStateNew = iota
	daemonStateRunning
	daemonStateStopped
)

// Sendria is the mail trap: an SMTP receiver, the message store and the
// HTTP API over it, managed as one unit.
type Sendria interface {
	// Start opens the store and brings up the SMTP and HTTP listeners
	Start() error
	// Shutdown stops listening and tears everything down in reverse order
	Shutdown()
	// Subscribe for subscribing to events
	Subscribe(topic Event, fn interface{}) error
	// Publish for publishing events
	Publish(topic Event, args ...interface{})
	// Unsubscribe for unsubscribing from events
	Unsubscribe(topic Event, handler interface{}) error
	// SetLogger sets the logger for new activity
	SetLogger(log.Logger)
}

type sendria struct {
	config   *AppConfig
	store    *store.Store
	pipeline *ingest.Pipeline
	hub      *notify.Hub
	smtp     *server
	web      *web.Server

	// logStore and webhookStore are swapped at runtime by config change
	// events, possibly while workers read them
	logStore     atomic.Value
	webhookStore atomic.Value

	// guard controls access to state
	guard sync.Mutex
	state int8

	EventHandler
}

// New returns a mail trap with the given config, not yet running. No
// sockets are opened and no files are touched until Start.
func New(ac *AppConfig, l log.Logger) (Sendria, error) {
	s := &sendria{
		config: ac,
	}
	s.setMainlog(l)
	if err := ac.Validate(); err != nil {
		return s, err
	}
	s.subscribeEvents()
	return s, nil
}

func (s *sendria) mainlog() log.Logger {
	return s.logStore.Load().(log.Logger)
}

func (s *sendria) setMainlog(l log.Logger) {
	s.logStore.Store(l)
}

// SetLogger sets the logger for any new activity. Components that are
// already running keep their logger until the next Start.
func (s *sendria) SetLogger(l log.Logger) {
	s.setMainlog(l)
}

func (s *sendria) webhooks() *webhook.Dispatcher {
	d, _ := s.webhookStore.Load().(*webhook.Dispatcher)
	return d
}

func (s *sendria) setConfig(c *AppConfig) {
	s.guard.Lock()
	defer s.guard.Unlock()
	s.config = c
}

// newWebhookDispatcher builds and starts a dispatcher for the configured
// endpoint. With no URL configured the dispatcher silently drops everything.
func (s *sendria) newWebhookDispatcher(ac *AppConfig) *webhook.Dispatcher {
	d := webhook.New(webhook.Config{
		URL:       ac.CallbackWebhookURL,
		Method:    ac.CallbackWebhookMethod,
		Auth:      ac.CallbackWebhookAuth,
		UserAgent: Ident(),
	}, s.mainlog())
	d.Start()
	return d
}

// subscribeEvents wires the internal event subscribers. Message events fan
// out to websocket peers and the webhook queue; config events apply what
// can be applied without a restart.
func (s *sendria) subscribeEvents() {
	// a message was stored
	_ = s.Subscribe(EventMessageAdded, func(m *store.Message) {
		if s.hub != nil {
			s.hub.Publish(notify.FrameAddMessage, strconv.FormatInt(m.ID, 10))
		}
		if d := s.webhooks(); d != nil {
			d.Enqueue(m)
		}
	})

	// a message was deleted through the API
	_ = s.Subscribe(EventMessageDeleted, func(id int64) {
		if s.hub != nil {
			s.hub.Publish(notify.FrameDeleteMessage, strconv.FormatInt(id, 10))
		}
	})

	// the whole store was cleared
	_ = s.Subscribe(EventMessagesDeleted, func() {
		if s.hub != nil {
			s.hub.Publish(notify.FrameDeleteMessages)
		}
	})

	// main config changed, takes effect on the next Start
	_ = s.Subscribe(EventConfigNewConfig, func(c *AppConfig) {
		s.setConfig(c)
	})

	// the main log file changed
	_ = s.Subscribe(EventConfigLogFile, func(c *AppConfig) {
		var err error
		var l log.Logger
		if l, err = log.GetLogger(c.LogFile, c.EffectiveLogLevel()); err == nil {
			s.setMainlog(l)
			s.mainlog().Infof("main log changed to %s", c.LogFile)
		} else {
			s.mainlog().WithError(err).Errorf("main logging change failed [%s]", c.LogFile)
		}
	})

	// re-open the main log file, file name not changed
	_ = s.Subscribe(EventConfigLogReopen, func(c *AppConfig) {
		if err := s.mainlog().Reopen(); err != nil {
			s.mainlog().WithError(err).Errorf("main log file [%s] failed to re-open", c.LogFile)
			return
		}
		s.mainlog().Infof("re-opened main log file [%s]", c.LogFile)
	})

	// when log level changes, apply to the main log
	_ = s.Subscribe(EventConfigLogLevel, func(c *AppConfig) {
		l, err := log.GetLogger(s.mainlog().GetLogDest(), c.EffectiveLogLevel())
		if err == nil {
			s.setMainlog(l)
			s.mainlog().Infof("log level changed to [%s]", c.EffectiveLogLevel())
		}
	})

	// the webhook endpoint or credentials changed, swap the dispatcher
	_ = s.Subscribe(EventConfigWebhook, func(c *AppConfig) {
		s.guard.Lock()
		defer s.guard.Unlock()
		if s.state != daemonStateRunning {
			return
		}
		old := s.webhooks()
		s.webhookStore.Store(s.newWebhookDispatcher(c))
		if old != nil {
			old.Stop()
		}
	})
}

// Start brings everything up: the store, the webhook dispatcher, the
// ingest pipeline and finally the two listeners. On any error whatever
// already started is torn down again and the error is returned.
func (s *sendria) Start() error {
	s.guard.Lock()
	defer s.guard.Unlock()
	if s.state == daemonStateRunning {
		return nil
	}
	ac := s.config

	st, err := store.Open(ac.DBPath, s.mainlog())
	if err != nil {
		return fmt.Errorf("could not open the database: %w", err)
	}
	s.store = st
	s.hub = notify.NewHub(s.mainlog())
	s.webhookStore.Store(s.newWebhookDispatcher(ac))

	// every accepted envelope flows through the pipeline into the store,
	// then out again as an event
	s.pipeline = ingest.New(ingest.Config{}, st, func(m *store.Message) {
		s.Publish(EventMessageAdded, m)
	}, s.mainlog())

	unwind := func() {
		s.pipeline.Shutdown()
		s.hub.Shutdown()
		if d := s.webhooks(); d != nil {
			d.Stop()
		}
		_ = s.store.Close()
	}

	if err := s.pipeline.Start(); err != nil {
		unwind()
		return err
	}

	// both servers are built before either listener opens so that a bad
	// auth file cannot leave one of them half up
	smtp, err := newServer(ac, s.pipeline, s.mainlog())
	if err != nil {
		unwind()
		return err
	}
	s.smtp = smtp

	webSrv, err := web.New(web.Config{
		Addr:      ac.HTTPAddr(),
		Ident:     Ident(),
		Version:   Version,
		AuthFile:  ac.HTTPAuth,
		NoQuit:    ac.NoQuit,
		NoClear:   ac.NoClear,
		Terminate: s.Shutdown,
		OnDeleted: func(id int64) {
			s.Publish(EventMessageDeleted, id)
		},
		OnCleared: func() {
			s.Publish(EventMessagesDeleted)
		},
	}, st, s.hub, s.mainlog())
	if err != nil {
		unwind()
		return err
	}
	s.web = webSrv

	// the SMTP server blocks in its accept loop; the WaitGroup is released
	// once the listener is up or has failed to open
	startWG := &sync.WaitGroup{}
	startWG.Add(1)
	smtpErr := make(chan error, 1)
	go func() {
		smtpErr <- smtp.Start(startWG)
	}()
	startWG.Wait()
	if smtp.state == ServerStateStartError {
		err := <-smtpErr
		unwind()
		return err
	}

	if err := webSrv.Start(); err != nil {
		smtp.Shutdown()
		unwind()
		return err
	}

	s.state = daemonStateRunning
	return nil
}

// Shutdown stops the listeners and tears the components down in reverse
// order of Start. The receiver goes first so that nothing new arrives while
// the rest drains; the store is closed last.
func (s *sendria) Shutdown() {
	s.guard.Lock()
	defer s.guard.Unlock()
	if s.state != daemonStateRunning {
		return
	}
	s.smtp.Shutdown()
	s.pipeline.Shutdown()
	s.web.Shutdown()
	s.hub.Shutdown()
	if d := s.webhooks(); d != nil {
		d.Stop()
	}
	if err := s.store.Close(); err != nil {
		s.mainlog().WithError(err).Error("could not close the database")
	}
	s.state = daemonStateStopped
	s.mainlog().Info("shutdown completed")
}

// CheckFileLimit checks the client pool size against the open file limit
// of the process. When the limit cannot be determined the check passes.
func CheckFileLimit() (ok bool, maxClients uint64, fileLimit uint64) {
	maxClients = defaultMaxClients
	fileLimit, err := getFileLimit()
	if err != nil {
		return true, maxClients, fileLimit
	}
	return maxClients <= fileLimit, maxClients, fileLimit
}
