package sendria

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sendria/sendria/htpasswd"
	"github.com/sendria/sendria/ingest"
	"github.com/sendria/sendria/log"
	"github.com/sendria/sendria/mail"
	"github.com/sendria/sendria/response"
)

const (
	CommandVerbMaxLength = 16
	CommandLineMaxLength = 1024
	// Number of consecutive unrecognized commands before we terminate the
	// connection
	MaxUnrecognizedCommands = 10
	// MaxMessageSize is advertised in the EHLO SIZE extension and enforced
	// while reading DATA
	MaxMessageSize = 33554432
	// how many connections are served concurrently; further ones wait
	defaultMaxClients = 100
	defaultTimeout    = time.Second * 30
)

const (
	// server has just been created
	ServerStateNew = iota
	// Server has just been stopped
	ServerStateStopped
	// Server has been started and is running
	ServerStateRunning
	// Server could not start due to an error
	ServerStateStartError
)

// server speaks SMTP to mail clients and feeds every accepted message into
// the ingest pipeline.
type server struct {
	addr         string
	hostname     string
	ident        string
	timeout      atomic.Value // stores time.Duration
	clientPool   *Pool
	envelopePool *mail.Pool
	pipeline     *ingest.Pipeline
	// auth is nil when SMTP authentication is turned off
	auth           *htpasswd.File
	logger         log.Logger
	listener       net.Listener
	closedListener chan bool
	state          int
}

// newServer creates a ready-to-run server from a configuration
func newServer(ac *AppConfig, pipeline *ingest.Pipeline, logger log.Logger) (*server, error) {
	server := &server{
		addr:           ac.SMTPAddr(),
		ident:          ac.SMTPIdent,
		clientPool:     NewPool(defaultMaxClients),
		envelopePool:   mail.NewPool(defaultMaxClients),
		pipeline:       pipeline,
		logger:         logger,
		closedListener: make(chan bool, 1),
		state:          ServerStateNew,
	}
	if hostname, err := os.Hostname(); err == nil {
		server.hostname = hostname
	} else {
		server.hostname = "localhost"
	}
	if server.ident == "" {
		server.ident = "ESMTP Sendria " + Version
	}
	if ac.SMTPAuth != "" {
		auth, err := htpasswd.Load(ac.SMTPAuth)
		if err != nil {
			return nil, fmt.Errorf("could not read SMTP auth file: %w", err)
		}
		server.auth = auth
	}
	server.timeout.Store(defaultTimeout)
	return server, nil
}

// Set the timeout for all clients, current and future
func (server *server) setTimeout(duration time.Duration) {
	server.clientPool.SetTimeout(duration)
	server.timeout.Store(duration)
}

// Begin accepting SMTP clients. Will block unless there is an error or
// server.Shutdown() is called
func (server *server) Start(startWG *sync.WaitGroup) error {
	var clientID uint64

	listener, err := net.Listen("tcp", server.addr)
	server.listener = listener
	if err != nil {
		// the state must be visible to whoever is blocked on the WaitGroup
		server.state = ServerStateStartError
		startWG.Done() // don't wait for me
		return fmt.Errorf("[%s] cannot listen on port: %w", server.addr, err)
	}

	server.logger.Infof("SMTP listening on TCP %s", server.addr)
	server.state = ServerStateRunning
	startWG.Done() // start successful, don't wait for me

	for {
		server.logger.Debugf("[%s] waiting for a new client, next client ID: %d", server.addr, clientID+1)
		conn, err := listener.Accept()
		clientID++
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				server.logger.Infof("SMTP server [%s] has stopped accepting new clients", server.addr)
				// the listener has been closed, wait for serving clients to exit
				server.clientPool.ShutdownState()
				server.clientPool.ShutdownWait()
				server.state = ServerStateStopped
				server.closedListener <- true
				return nil
			}
			server.logger.WithError(err).Info("temporary error accepting client")
			continue
		}
		go func(p Poolable, borrowErr error) {
			if borrowErr != nil {
				server.logger.WithError(borrowErr).Info("couldn't borrow a new client")
				// we could not get a client, so close the connection.
				_ = conn.Close()
				return
			}
			c := p.(*client)
			server.handleClient(c)
			server.envelopePool.Return(c.Envelope)
			server.clientPool.Return(c)
			// intentionally placed Borrow in args so that it's called in the
			// same main goroutine.
		}(server.clientPool.Borrow(conn, clientID, server.logger, server.envelopePool))
	}
}

// Shutdown stops accepting new connections and waits for the serving ones
// to finish their current command turn.
func (server *server) Shutdown() {
	if server.listener != nil {
		// this will cause Start to return, by causing an error on listener.Accept
		_ = server.listener.Close()
		// wait for the accept loop to shut down the pool
		<-server.closedListener
	} else {
		server.clientPool.ShutdownState()
		server.clientPool.ShutdownWait()
		server.state = ServerStateStopped
	}
}

func (server *server) GetActiveClientsCount() int {
	return server.clientPool.GetActiveClientsCount()
}

func (server *server) isShuttingDown() bool {
	return server.clientPool.IsShuttingDown()
}

// Reads from the client until a terminating sequence is encountered,
// or until a timeout occurs.
func (server *server) readCommand(client *client) (string, error) {
	var input, reply string
	var err error
	// In command state, stop reading at line breaks
	suffix := "\r\n"
	for {
		if err = client.setTimeout(server.timeout.Load().(time.Duration)); err != nil {
			return input, err
		}
		reply, err = client.bufin.ReadString('\n')
		input = input + reply
		if err != nil {
			break
		}
		if strings.HasSuffix(input, suffix) {
			// discard the suffix and stop reading
			input = input[0 : len(input)-len(suffix)]
			break
		}
	}
	return input, err
}

// Writes the buffered response to the client.
func (server *server) flushResponse(client *client) error {
	if err := client.setTimeout(server.timeout.Load().(time.Duration)); err != nil {
		return err
	}
	return client.bufout.Flush()
}

// Handles an entire client SMTP exchange
func (server *server) handleClient(client *client) {
	defer client.closeConn()
	server.logger.Debugf("handle client [%s], id: %d", client.RemoteAddr, client.ID)

	// Initial greeting
	greeting := fmt.Sprintf("220 %s %s", server.hostname, server.ident)
	helo := fmt.Sprintf("250 %s", server.hostname)
	// ehlo is a multi-line reply, every line but the last carries its own CRLF
	ehlo := fmt.Sprintf("250-%s\r\n", server.hostname)
	messageSize := fmt.Sprintf("250-SIZE %d\r\n", MaxMessageSize)
	extensions := "250-8BITMIME\r\n250-SMTPUTF8\r\n"
	advertiseAuth := ""
	if server.auth != nil {
		advertiseAuth = "250-AUTH PLAIN\r\n"
	}
	// the last line doesn't need \r\n since sendResponse terminates it
	help := "250 HELP"

	for client.isAlive() {
		switch client.state {
		case ClientGreeting:
			client.sendResponse(greeting)
			client.state = ClientCmd
		case ClientCmd:
			client.bufin.setLimit(CommandLineMaxLength)
			input, err := server.readCommand(client)
			server.logger.Debugf("client sent: %s", input)
			if err == io.EOF {
				server.logger.WithError(err).Debugf("client closed the connection: %s", client.RemoteAddr)
				return
			} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				server.logger.WithError(err).Warnf("timeout: %s", client.RemoteAddr)
				return
			} else if err == LineLimitExceeded {
				client.sendResponse(response.Canned.FailLineTooLong)
				client.kill()
				break
			} else if err != nil {
				server.logger.WithError(err).Warnf("read error: %s", client.RemoteAddr)
				client.kill()
				break
			}
			if server.isShuttingDown() {
				client.state = ClientShutdown
				continue
			}

			input = strings.Trim(input, " \r\n")
			cmdLen := len(input)
			if cmdLen > CommandVerbMaxLength {
				cmdLen = CommandVerbMaxLength
			}
			cmd := strings.ToUpper(input[:cmdLen])
			unrecognized := false
			switch {
			case strings.Index(cmd, "HELO") == 0:
				arg := strings.TrimSpace(input[4:])
				if arg == "" {
					client.sendResponse(response.Canned.FailSyntaxHelo)
					break
				}
				if client.Helo != "" {
					client.sendResponse(response.Canned.FailDuplicateHelo)
					break
				}
				client.Helo = arg
				client.ESMTP = false
				client.resetTransaction()
				client.sendResponse(helo)

			case strings.Index(cmd, "EHLO") == 0:
				arg := strings.TrimSpace(input[4:])
				if arg == "" {
					client.sendResponse(response.Canned.FailSyntaxEhlo)
					break
				}
				if client.Helo != "" {
					client.sendResponse(response.Canned.FailDuplicateHelo)
					break
				}
				client.Helo = arg
				client.ESMTP = true
				client.resetTransaction()
				client.sendResponse(ehlo + messageSize + extensions + advertiseAuth + help)

			case strings.Index(cmd, "HELP") == 0:
				if client.Helo == "" {
					client.sendResponse(response.Canned.FailNoHelo)
					break
				}
				client.sendResponse(response.Canned.SuccessHelpCmd)

			case strings.Index(cmd, "AUTH") == 0:
				if client.Helo == "" {
					client.sendResponse(response.Canned.FailNoHelo)
					break
				}
				if server.auth == nil {
					client.sendResponse(response.Canned.FailAuthNotEnabled)
					break
				}
				if client.authenticated {
					client.sendResponse(response.Canned.FailAlreadyAuthed)
					break
				}
				args := strings.Fields(input)
				if len(args) < 2 {
					client.sendResponse(response.Canned.FailSyntaxAuthCmd)
					break
				}
				if !strings.EqualFold(args[1], "PLAIN") {
					client.sendResponse(response.Canned.FailAuthMechanism)
					break
				}
				if len(args) < 3 {
					// the initial response must come with the command
					client.sendResponse(response.Canned.FailSyntaxAuthCmd)
					break
				}
				user, pass, ok := decodeAuthPlain(args[2])
				if !ok {
					client.sendResponse(response.Canned.FailAuthInvalid)
					break
				}
				if err := server.auth.Verify(user, pass); err != nil {
					server.logger.WithFields(logrus.Fields{"user": user, "peer": client.RemoteAddr}).
						Warn("SMTP authentication failed")
					client.sendResponse(response.Canned.FailAuthInvalid)
					break
				}
				client.authenticated = true
				server.logger.WithFields(logrus.Fields{"user": user, "peer": client.RemoteAddr}).
					Debug("SMTP authentication succeeded")
				client.sendResponse(response.Canned.SuccessAuthCmd)

			case strings.Index(cmd, "MAIL") == 0:
				if client.Helo == "" {
					client.sendResponse(response.Canned.FailNoHelo)
					break
				}
				if server.auth != nil && !client.authenticated {
					client.sendResponse(response.Canned.FailAuthRequired)
					break
				}
				if client.isInTransaction() {
					client.sendResponse(response.Canned.FailNestedMailCmd)
					break
				}
				from, reply := parseMailArg(input)
				if reply != "" {
					client.sendResponse(reply)
					break
				}
				client.MailFrom = from
				client.HasMailFrom = true
				client.sendResponse(response.Canned.SuccessCmd)

			case strings.Index(cmd, "RCPT") == 0:
				if client.Helo == "" {
					client.sendResponse(response.Canned.FailNoHelo)
					break
				}
				if server.auth != nil && !client.authenticated {
					client.sendResponse(response.Canned.FailAuthRequired)
					break
				}
				if !client.HasMailFrom {
					client.sendResponse(response.Canned.FailNeedMailCmd)
					break
				}
				to, reply := parseRcptArg(input)
				if reply != "" {
					client.sendResponse(reply)
					break
				}
				client.PushRcpt(to)
				client.sendResponse(response.Canned.SuccessCmd)

			case strings.Index(cmd, "RSET") == 0:
				client.resetTransaction()
				client.sendResponse(response.Canned.SuccessCmd)

			case strings.Index(cmd, "VRFY") == 0:
				if client.Helo == "" {
					client.sendResponse(response.Canned.FailNoHelo)
					break
				}
				if server.auth != nil && !client.authenticated {
					client.sendResponse(response.Canned.FailAuthRequired)
					break
				}
				if strings.TrimSpace(input[4:]) == "" {
					client.sendResponse(response.Canned.FailSyntaxVerifyCmd)
					break
				}
				client.sendResponse(response.Canned.SuccessVerifyCmd)

			case strings.Index(cmd, "NOOP") == 0:
				client.sendResponse(response.Canned.SuccessCmd)

			case strings.Index(cmd, "QUIT") == 0:
				client.sendResponse(response.Canned.SuccessQuitCmd)
				client.kill()

			case strings.Index(cmd, "DATA") == 0:
				if client.Helo == "" {
					client.sendResponse(response.Canned.FailNoHelo)
					break
				}
				if server.auth != nil && !client.authenticated {
					client.sendResponse(response.Canned.FailAuthRequired)
					break
				}
				if len(client.RcptTo) == 0 {
					client.sendResponse(response.Canned.FailNeedRcptCmd)
					break
				}
				client.sendResponse(response.Canned.SuccessDataCmd)
				client.state = ClientData

			default:
				client.sendResponse(response.Canned.FailUnrecognizedCmd)
				client.errors++
				if client.errors >= MaxUnrecognizedCommands {
					client.kill()
				}
				unrecognized = true
			}
			if !unrecognized {
				// only a run of unrecognized commands in a row is fatal
				client.errors = 0
			}

		case ClientData:
			// the hard ceiling sits a little above the advertised size so
			// that reading normally finishes at the terminator; the data
			// reader enforces the advertised limit itself
			client.bufin.setLimit(MaxMessageSize + 1024000)
			_ = client.setTimeout(server.timeout.Load().(time.Duration))
			n, err := mail.ReadData(client.bufin.Reader, &client.Data, MaxMessageSize)
			if err != nil {
				if errors.Is(err, mail.ErrDataTooLarge) {
					server.logger.WithFields(logrus.Fields{"peer": client.RemoteAddr, "size": n}).
						Warn("message data over the size limit")
					client.sendResponse(response.Canned.FailTooMuchData)
					client.resetTransaction()
					client.state = ClientCmd
					break
				}
				if errors.Is(err, LineLimitExceeded) {
					// far past the ceiling, the protocol is out of sync now
					client.sendResponse(response.Canned.FailTooMuchData)
					client.kill()
					break
				}
				server.logger.WithError(err).Warnf("error reading data: %s", client.RemoteAddr)
				client.sendResponse(response.Canned.FailReadErrorDataCmd)
				client.kill()
				break
			}

			m, err := server.pipeline.Process(client.Envelope)
			if err != nil {
				var decodeErr *mail.DecodeError
				if errors.As(err, &decodeErr) {
					server.logger.WithError(err).Warnf("could not decode message from: %s", client.RemoteAddr)
					client.sendResponse(response.Canned.FailDecodeError)
				} else {
					server.logger.WithError(err).Error("could not store incoming message")
					client.sendResponse(response.Canned.FailStoreError)
				}
			} else {
				client.messagesSent++
				server.logger.WithFields(logrus.Fields{"message_id": m.ID, "peer": client.RemoteAddr}).
					Debug("message accepted")
				client.sendResponse(response.Canned.SuccessCmd)
			}
			client.resetTransaction()
			client.state = ClientCmd
			if server.isShuttingDown() {
				client.state = ClientShutdown
			}

		case ClientShutdown:
			client.sendResponse(response.Canned.ErrorShutdown)
			client.kill()
		}

		if client.bufout.Buffered() > 0 {
			if server.logger.IsDebug() {
				server.logger.Debugf("writing response to client: \n%s", client.response.String())
			}
			err := server.flushResponse(client)
			if err != nil {
				server.logger.WithError(err).Debug("error writing response")
				return
			}
		}
	}
}

// parseMailArg extracts the reverse-path from a MAIL command and validates
// its ESMTP parameters. The null sender <> is accepted. A non-empty reply
// means the command was refused.
func parseMailArg(input string) (from string, reply string) {
	arg := strings.TrimSpace(input[4:])
	if len(arg) < 5 || !strings.EqualFold(arg[:5], "FROM:") {
		return "", response.Canned.FailSyntaxMailCmd
	}
	path, params, ok := parsePath(arg[5:])
	if !ok {
		return "", response.Canned.FailSyntaxMailCmd
	}
	for _, p := range params {
		switch {
		case strings.EqualFold(p, "BODY=7BIT"),
			strings.EqualFold(p, "BODY=8BITMIME"),
			strings.EqualFold(p, "SMTPUTF8"):
			// accepted and ignored
		case len(p) > 5 && strings.EqualFold(p[:5], "SIZE="):
			n, err := strconv.ParseInt(p[5:], 10, 64)
			if err != nil {
				return "", response.Canned.FailSyntaxMailCmd
			}
			if n > MaxMessageSize {
				return "", response.Canned.FailTooMuchData
			}
		default:
			return "", response.Canned.FailMailParams
		}
	}
	return path, ""
}

// parseRcptArg extracts the forward-path from a RCPT command. A non-empty
// reply means the command was refused.
func parseRcptArg(input string) (to string, reply string) {
	arg := strings.TrimSpace(input[4:])
	if len(arg) < 3 || !strings.EqualFold(arg[:3], "TO:") {
		return "", response.Canned.FailSyntaxRcptCmd
	}
	path, _, ok := parsePath(arg[3:])
	if !ok || path == "" {
		return "", response.Canned.FailSyntaxRcptCmd
	}
	return path, ""
}

// parsePath splits "<addr> PARAM ..." into the address and its parameters.
// The angle brackets are optional; <> yields the empty address.
func parsePath(arg string) (addr string, params []string, ok bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", nil, false
	}
	if arg[0] == '<' {
		end := strings.IndexByte(arg, '>')
		if end < 0 {
			return "", nil, false
		}
		return arg[1:end], strings.Fields(arg[end+1:]), true
	}
	fields := strings.Fields(arg)
	return fields[0], fields[1:], true
}

// decodeAuthPlain unpacks the PLAIN initial response: base64 over
// "authzid NUL authcid NUL password", authzid empty or equal to authcid.
func decodeAuthPlain(blob string) (user, pass string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", "", false
	}
	fields := strings.Split(string(raw), "\x00")
	if len(fields) != 3 {
		return "", "", false
	}
	if fields[0] != "" && fields[0] != fields[1] {
		return "", "", false
	}
	return fields[1], fields[2], true
}
