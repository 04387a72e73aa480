// Package ingest glues the SMTP receiver to the rest of the trap. A
// pipeline distributes accepted envelopes to workers over a channel; each
// worker decodes the message, persists it and then hands the stored row to
// the notify hook so subscribers can fan out.
package ingest

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sendria/sendria/log"
	"github.com/sendria/sendria/mail"
	"github.com/sendria/sendria/store"
)

var (
	// ErrNotRunning is returned by Process before Start or after Shutdown.
	ErrNotRunning = errors.New("ingest: pipeline is not running")
	// ErrTimeout is returned when a store round trip takes too long.
	ErrTimeout = errors.New("ingest: timed out while storing message")
)

// default timeout for storing a message, if Config.Timeout is not set
const saveTimeout = time.Second * 30

type pipelineState int

const (
	stateNew pipelineState = iota
	stateRunning
	stateStopped
)

// workerMsg is what gets placed on the Pipeline.conveyor channel
type workerMsg struct {
	e *mail.Envelope
	// notifyMe is used to notify the pipeline of workers finishing their processing
	notifyMe chan *notifyMsg
}

type notifyMsg struct {
	err error
	msg *store.Message
}

type Config struct {
	// Workers controls how many concurrent workers to start. Defaults to 1.
	Workers int
	// Timeout bounds one decode-and-store round trip. Defaults to 30s.
	Timeout time.Duration
}

// Pipeline distributes envelopes to worker goroutines over a channel.
// The receiver always talks to the store through a pipeline.
type Pipeline struct {
	// channel for distributing envelopes to workers
	conveyor chan *workerMsg

	// waits for workers to stop
	wg           sync.WaitGroup
	workStoppers []chan bool

	// notify is called with the stored message after its commit returned
	notify func(*store.Message)

	store  *store.Store
	logger log.Logger
	cfg    Config

	// controls access to state
	sync.Mutex
	state pipelineState
}

// New creates a pipeline over st. notify may be nil; when set it runs on the
// worker goroutine after every successful store, so it must only hand off.
func New(cfg Config, st *store.Store, notify func(*store.Message), logger log.Logger) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = saveTimeout
	}
	return &Pipeline{
		conveyor: make(chan *workerMsg, cfg.Workers),
		notify:   notify,
		store:    st,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start starts the worker goroutines.
func (p *Pipeline) Start() error {
	p.Lock()
	defer p.Unlock()
	if p.state == stateRunning {
		return errors.New("ingest: pipeline already running")
	}
	p.workStoppers = make([]chan bool, 0)
	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		stop := make(chan bool)
		go func(workerID int, stop chan bool) {
			// blocks here until the worker exits
			p.workDispatcher(p.conveyor, workerID, stop)
			p.wg.Done()
		}(i+1, stop)
		p.workStoppers = append(p.workStoppers, stop)
	}
	p.state = stateRunning
	return nil
}

// Shutdown signals all workers to stop and waits for them.
func (p *Pipeline) Shutdown() {
	p.Lock()
	defer p.Unlock()
	if p.state != stateRunning {
		return
	}
	for i := range p.workStoppers {
		p.workStoppers[i] <- true
	}
	p.wg.Wait()
	p.state = stateStopped
}

// Process hands an envelope to one of the workers and waits for the stored
// message or an error. A *mail.DecodeError means the payload could not be
// decomposed; any other error means it could not be persisted.
func (p *Pipeline) Process(e *mail.Envelope) (*store.Message, error) {
	p.Lock()
	running := p.state == stateRunning
	p.Unlock()
	if !running {
		return nil, ErrNotRunning
	}
	// buffered so the worker's reply never blocks after a timeout below
	savedNotify := make(chan *notifyMsg, 1)
	p.conveyor <- &workerMsg{e, savedNotify}
	// wait for the save to complete, or timeout
	select {
	case status := <-savedNotify:
		return status.msg, status.err
	case <-time.After(p.cfg.Timeout):
		p.logger.Error("pipeline timed out while storing message")
		return nil, ErrTimeout
	}
}

func (p *Pipeline) workDispatcher(workIn chan *workerMsg, workerID int, stop chan bool) {
	p.logger.Infof("ingest worker started (#%d)", workerID)
	for {
		select {
		case <-stop:
			p.logger.Infof("stop signal for ingest worker (#%d)", workerID)
			return
		case msg := <-workIn:
			if msg == nil {
				p.logger.Debugf("ingest worker stopped (#%d)", workerID)
				return
			}
			m, err := p.deliver(msg.e)
			msg.notifyMe <- &notifyMsg{err: err, msg: m}
		}
	}
}

// deliver decodes and stores one envelope. A panic anywhere below is
// recovered into an error so a poisoned message cannot take the worker down.
func (p *Pipeline) deliver(e *mail.Envelope) (m *store.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ingest worker recovered from panic: ", r, string(debug.Stack()))
			m, err = nil, fmt.Errorf("ingest: worker panic: %v", r)
		}
	}()
	parsed, err := mail.Parse(e.Data.Bytes())
	if err != nil {
		return nil, err
	}
	m, err = p.store.AddMessage(e, parsed)
	if err != nil {
		return nil, fmt.Errorf("could not store message: %w", err)
	}
	if p.notify != nil {
		p.notify(m)
	}
	return m, nil
}
