package mail

import (
	"bytes"
	"io"
)

// Envelope represents a single mail transaction received over SMTP.
type Envelope struct {
	// RemoteAddr is the peer address of the connection, as host:port
	RemoteAddr string
	// Helo is the name sent in the HELO/EHLO command
	Helo string
	// ESMTP is true if EHLO was used
	ESMTP bool
	// MailFrom is the reverse-path; empty for the null sender <>
	MailFrom string
	// HasMailFrom records that MAIL FROM was accepted. MailFrom alone
	// cannot tell the null sender apart from no sender.
	HasMailFrom bool
	// RcptTo holds the accepted forward-paths, in RCPT order
	RcptTo []string
	// Data stores the message exactly as received, dot-unstuffed
	Data bytes.Buffer
}

func NewEnvelope(remoteAddr string) *Envelope {
	return &Envelope{RemoteAddr: remoteAddr}
}

// PushRcpt adds a recipient address to the envelope.
func (e *Envelope) PushRcpt(addr string) {
	e.RcptTo = append(e.RcptTo, addr)
}

// Len returns the size of the message data in bytes.
func (e *Envelope) Len() int {
	return e.Data.Len()
}

// NewReader returns a new reader over the message data.
func (e *Envelope) NewReader() io.Reader {
	return bytes.NewReader(e.Data.Bytes())
}

func (e *Envelope) String() string {
	return e.Data.String()
}

// ResetTransaction clears the mail transaction while keeping the
// connection state (Helo, remote address) intact.
func (e *Envelope) ResetTransaction() {
	e.MailFrom = ""
	e.HasMailFrom = false
	e.RcptTo = e.RcptTo[:0]
	// keep the buffer allocated
	e.Data.Reset()
}

// Reseed prepares a pooled envelope for a new connection.
func (e *Envelope) Reseed(remoteAddr string) {
	e.RemoteAddr = remoteAddr
	e.Helo = ""
	e.ESMTP = false
	e.ResetTransaction()
}

// Envelopes have their own pool

type Pool struct {
	// envelopes that are ready to be borrowed
	pool chan *Envelope
	// semaphore to control number of maximum borrowed envelopes
	sem chan bool
}

func NewPool(poolSize int) *Pool {
	return &Pool{
		pool: make(chan *Envelope, poolSize),
		sem:  make(chan bool, poolSize),
	}
}

func (p *Pool) Borrow(remoteAddr string) *Envelope {
	var e *Envelope
	p.sem <- true // block until there is room
	select {
	case e = <-p.pool:
		e.Reseed(remoteAddr)
	default:
		e = NewEnvelope(remoteAddr)
	}
	return e
}

// Return returns an envelope back to the envelope pool.
// Make sure that envelope finished processing before calling this.
func (p *Pool) Return(e *Envelope) {
	select {
	case p.pool <- e:
		// placed envelope back in pool
	default:
		// pool is full, discard it
	}
	// take a value off the semaphore to make room for more envelopes
	<-p.sem
}
