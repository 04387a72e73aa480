package sendria

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sendria/sendria/log"
	"github.com/sendria/sendria/mail"
)

var ErrPoolShuttingDown = errors.New("pool: shutting down")

// Poolable is the interface a connection session must satisfy to be kept in
// the pool between connections.
type Poolable interface {
	// ability to set read/write timeout
	setTimeout(t time.Duration) error
	// set a new connection and client id
	init(conn net.Conn, clientID uint64, ep *mail.Pool)
	// get a unique id
	getID() uint64
}

// Pool holds Clients.
type Pool struct {
	// clients that are ready to be borrowed
	pool chan Poolable
	// semaphore to control number of maximum borrowed clients
	sem chan bool
	// book-keeping of clients that have been lent
	lent              lookup
	isShuttingDownFlg atomic.Value
	// guards the borrow path against the shutdown flag flipping mid-borrow
	poolGuard sync.Mutex
	// closed on shutdown so that borrowers blocked on a full sem give up
	shutdownChan chan bool
	wg           sync.WaitGroup
}

type lookup struct {
	mu sync.Mutex
	// clients that have been lent out, keyed by their ids
	clients map[uint64]Poolable
}

func (l *lookup) add(c Poolable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients[c.getID()] = c
}

func (l *lookup) remove(c Poolable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, c.getID())
}

// NewPool creates a new pool of Clients.
func NewPool(poolSize int) *Pool {
	return &Pool{
		pool:         make(chan Poolable, poolSize),
		sem:          make(chan bool, poolSize),
		lent:         lookup{clients: make(map[uint64]Poolable, poolSize)},
		shutdownChan: make(chan bool),
	}
}

// ShutdownState stops the pool from lending out any more clients and lowers
// the lent ones' timeouts: a session in dialogue runs into the shutdown
// notice on its next command, an idle one gets evicted by the deadline.
func (p *Pool) ShutdownState() {
	const aVeryLowTimeout = time.Second
	p.poolGuard.Lock()
	p.isShuttingDownFlg.Store(true)
	p.poolGuard.Unlock()
	close(p.shutdownChan)
	p.SetTimeout(aVeryLowTimeout)
}

// ShutdownWait blocks until all lent out clients have been returned.
func (p *Pool) ShutdownWait() {
	p.wg.Wait()
}

// IsShuttingDown returns true if ShutdownState was called
func (p *Pool) IsShuttingDown() bool {
	if value, ok := p.isShuttingDownFlg.Load().(bool); ok {
		return value
	}
	return false
}

// SetTimeout sets a timeout for all lent out clients
func (p *Pool) SetTimeout(duration time.Duration) {
	p.lent.mu.Lock()
	defer p.lent.mu.Unlock()
	for _, c := range p.lent.clients {
		_ = c.setTimeout(duration)
	}
}

// GetActiveClientsCount gets the number of active clients that are currently
// out of the pool and busy serving
func (p *Pool) GetActiveClientsCount() int {
	return len(p.sem)
}

// Borrow a Client from the pool. Will block if len(sem) > maxClients
func (p *Pool) Borrow(conn net.Conn, clientID uint64, logger log.Logger, ep *mail.Pool) (Poolable, error) {
	select {
	case p.sem <- true: // block the client from serving until there is room
	case <-p.shutdownChan:
		return nil, ErrPoolShuttingDown
	}
	p.poolGuard.Lock()
	defer p.poolGuard.Unlock()
	if p.IsShuttingDown() {
		<-p.sem
		return nil, ErrPoolShuttingDown
	}
	var c Poolable
	select {
	case c = <-p.pool:
		c.init(conn, clientID, ep)
	default:
		c = NewClient(conn, clientID, logger, ep)
	}
	p.wg.Add(1)
	p.lent.add(c)
	return c, nil
}

// Return returns a Client back to the pool.
func (p *Pool) Return(c Poolable) {
	select {
	case p.pool <- c:
		// placed back in the pool for re-use
	default:
		// pool is full, discard it
	}
	p.lent.remove(c)
	<-p.sem // make room for the next serving client
	p.wg.Done()
}
