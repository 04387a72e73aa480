package sendria

import (
	"bufio"
	"encoding/base64"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sendria/sendria/ingest"
	"github.com/sendria/sendria/log"
	"github.com/sendria/sendria/store"
)

var testlog log.Logger

func init() {
	testlog, _ = log.GetLogger(log.OutputOff.String(), "debug")
}

// newTestSMTPServer builds a server over a throwaway store and a running
// ingest pipeline. authFile may be empty to turn authentication off.
func newTestSMTPServer(t *testing.T, authFile string) (*server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mails.sqlite"), testlog)
	if err != nil {
		t.Fatal("could not open store:", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	pipeline := ingest.New(ingest.Config{}, st, nil, testlog)
	if err := pipeline.Start(); err != nil {
		t.Fatal("could not start pipeline:", err)
	}
	t.Cleanup(pipeline.Shutdown)
	ac := &AppConfig{
		SMTPIP:    "127.0.0.1",
		SMTPPort:  1025,
		SMTPIdent: "ESMTP Sendria test",
		SMTPAuth:  authFile,
	}
	srv, err := newServer(ac, pipeline, testlog)
	if err != nil {
		t.Fatal("could not create server:", err)
	}
	return srv, st
}

// startSession runs handleClient over one end of a pipe and returns a
// textproto reader/writer speaking to the other end. The pipe has no buffer,
// so the dialogue must stay in lockstep: write a line, read the reply.
func startSession(t *testing.T, srv *server) (*textproto.Reader, *textproto.Writer, *sync.WaitGroup, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	client := NewClient(serverConn, 1, testlog, srv.envelopePool)
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		srv.handleClient(client)
		wg.Done()
	}()
	t.Cleanup(func() { _ = clientConn.Close() })
	r := textproto.NewReader(bufio.NewReader(clientConn))
	w := textproto.NewWriter(bufio.NewWriter(clientConn))
	return r, w, wg, clientConn
}

func expectLine(t *testing.T, r *textproto.Reader, expected string) string {
	t.Helper()
	line, err := r.ReadLine()
	if err != nil {
		t.Fatalf("read failed while expecting %q: %v", expected, err)
	}
	if strings.Index(line, expected) != 0 {
		t.Errorf("expected %q but got: %q", expected, line)
	}
	return line
}

// readMultiline consumes a multi-line reply, returning all its lines.
func readMultiline(t *testing.T, r *textproto.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadLine()
		if err != nil {
			t.Fatalf("read failed inside multi-line reply: %v", err)
		}
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines
		}
	}
}

func TestHandleClientBasicTransaction(t *testing.T) {
	srv, st := newTestSMTPServer(t, "")
	r, w, wg, _ := startSession(t, srv)

	expectLine(t, r, "220 "+srv.hostname+" ESMTP Sendria test")
	w.PrintfLine("EHLO localhost")
	lines := readMultiline(t, r)
	if strings.Index(lines[0], "250-"+srv.hostname) != 0 {
		t.Error("unexpected EHLO first line:", lines[0])
	}
	w.PrintfLine("MAIL FROM:<rcv@example.com>")
	expectLine(t, r, "250 OK")
	w.PrintfLine("RCPT TO:<dst@example.com>")
	expectLine(t, r, "250 OK")
	w.PrintfLine("DATA")
	expectLine(t, r, "354 End data with <CR><LF>.<CR><LF>")
	w.PrintfLine("Subject: Hello")
	w.PrintfLine("")
	w.PrintfLine("A line of body")
	w.PrintfLine(".")
	expectLine(t, r, "250 OK")
	w.PrintfLine("QUIT")
	expectLine(t, r, "221 Bye")
	wg.Wait()

	msgs, err := st.ListMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatal("expected 1 stored message, got", len(msgs))
	}
	if msgs[0].SenderEnvelope != "rcv@example.com" {
		t.Error("wrong envelope sender:", msgs[0].SenderEnvelope)
	}
	if msgs[0].Subject != "Hello" {
		t.Error("wrong subject:", msgs[0].Subject)
	}
}

func TestHandleClientEhloExtensions(t *testing.T) {
	srv, _ := newTestSMTPServer(t, "")
	r, w, wg, _ := startSession(t, srv)

	expectLine(t, r, "220 ")
	w.PrintfLine("EHLO localhost")
	lines := readMultiline(t, r)
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"250-SIZE 33554432", "250-8BITMIME", "250-SMTPUTF8", "250 HELP"} {
		if !strings.Contains(joined, want) {
			t.Errorf("EHLO reply missing %q, got:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "AUTH") {
		t.Error("EHLO must not advertise AUTH when it is disabled, got:\n" + joined)
	}
	w.PrintfLine("HELP")
	expectLine(t, r, "250 Supported commands:")
	w.PrintfLine("VRFY")
	expectLine(t, r, "501 Syntax: VRFY <address>")
	w.PrintfLine("VRFY someone@example.com")
	expectLine(t, r, "252 Cannot VRFY user")
	w.PrintfLine("QUIT")
	expectLine(t, r, "221 Bye")
	wg.Wait()
}

func TestHandleClientStateErrors(t *testing.T) {
	srv, _ := newTestSMTPServer(t, "")
	r, w, wg, _ := startSession(t, srv)

	expectLine(t, r, "220 ")
	// greeting required before a transaction
	w.PrintfLine("MAIL FROM:<a@example.com>")
	expectLine(t, r, "503 Error: send EHLO/HELO first")
	// NOOP and RSET are fine at any time
	w.PrintfLine("NOOP")
	expectLine(t, r, "250 OK")
	w.PrintfLine("HELO")
	expectLine(t, r, "501 Syntax: HELO hostname")
	w.PrintfLine("HELO localhost")
	expectLine(t, r, "250 "+srv.hostname)
	w.PrintfLine("HELO localhost")
	expectLine(t, r, "503 Duplicate HELO/EHLO")
	w.PrintfLine("RCPT TO:<b@example.com>")
	expectLine(t, r, "503 Error: need MAIL command")
	w.PrintfLine("DATA")
	expectLine(t, r, "503 Error: need RCPT command")
	w.PrintfLine("MAIL FROM:<a@example.com> FUTURE=1")
	expectLine(t, r, "555 MAIL FROM parameters not recognized or not implemented")
	// the null sender and known parameters go through
	w.PrintfLine("MAIL FROM:<> BODY=8BITMIME SMTPUTF8")
	expectLine(t, r, "250 OK")
	w.PrintfLine("MAIL FROM:<again@example.com>")
	expectLine(t, r, "503 Error: nested MAIL command")
	w.PrintfLine("RSET")
	expectLine(t, r, "250 OK")
	w.PrintfLine("MAIL FROM:<again@example.com>")
	expectLine(t, r, "250 OK")
	w.PrintfLine("QUIT")
	expectLine(t, r, "221 Bye")
	wg.Wait()
}

func TestHandleClientAuth(t *testing.T) {
	authFile := filepath.Join(t.TempDir(), "htpasswd")
	if err := os.WriteFile(authFile, []byte("sendria:secret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	srv, _ := newTestSMTPServer(t, authFile)
	r, w, wg, _ := startSession(t, srv)

	expectLine(t, r, "220 ")
	w.PrintfLine("EHLO localhost")
	lines := readMultiline(t, r)
	if !strings.Contains(strings.Join(lines, "\n"), "250-AUTH PLAIN") {
		t.Error("EHLO must advertise AUTH PLAIN when auth is on")
	}
	w.PrintfLine("MAIL FROM:<a@example.com>")
	expectLine(t, r, "530 5.7.0 Authentication required")
	w.PrintfLine("AUTH")
	expectLine(t, r, "501 Syntax: AUTH TYPE base64")
	w.PrintfLine("AUTH LOGIN")
	expectLine(t, r, "501 Syntax: only PLAIN auth possible")
	w.PrintfLine("AUTH PLAIN !!!!")
	expectLine(t, r, "535 5.7.8 Authentication credentials invalid")
	bad := base64.StdEncoding.EncodeToString([]byte("\x00sendria\x00wrong"))
	w.PrintfLine("AUTH PLAIN " + bad)
	expectLine(t, r, "535 5.7.8 Authentication credentials invalid")
	good := base64.StdEncoding.EncodeToString([]byte("\x00sendria\x00secret"))
	w.PrintfLine("AUTH PLAIN " + good)
	expectLine(t, r, "235 Authentication successful")
	w.PrintfLine("AUTH PLAIN " + good)
	expectLine(t, r, "503 Already authenticated")
	w.PrintfLine("MAIL FROM:<a@example.com>")
	expectLine(t, r, "250 OK")
	w.PrintfLine("QUIT")
	expectLine(t, r, "221 Bye")
	wg.Wait()
}

func TestHandleClientAuthDisabled(t *testing.T) {
	srv, _ := newTestSMTPServer(t, "")
	r, w, wg, _ := startSession(t, srv)

	expectLine(t, r, "220 ")
	w.PrintfLine("HELO localhost")
	expectLine(t, r, "250 ")
	w.PrintfLine("AUTH PLAIN AAAA")
	expectLine(t, r, "501 Syntax: AUTH not enabled")
	w.PrintfLine("QUIT")
	expectLine(t, r, "221 Bye")
	wg.Wait()
}

func TestHandleClientUnrecognized(t *testing.T) {
	srv, _ := newTestSMTPServer(t, "")
	r, w, wg, _ := startSession(t, srv)

	expectLine(t, r, "220 ")
	w.PrintfLine("HELO localhost")
	expectLine(t, r, "250 ")
	// a recognized command resets the counter
	for i := 0; i < MaxUnrecognizedCommands-1; i++ {
		w.PrintfLine("BOGUS")
		expectLine(t, r, "500 Error: command not recognized")
	}
	w.PrintfLine("NOOP")
	expectLine(t, r, "250 OK")
	// only an uninterrupted run is fatal
	for i := 0; i < MaxUnrecognizedCommands; i++ {
		w.PrintfLine("BOGUS")
		expectLine(t, r, "500 Error: command not recognized")
	}
	wg.Wait()
	if _, err := r.ReadLine(); err == nil {
		t.Error("expected the connection to be closed after a run of unrecognized commands")
	}
}

func TestHandleClientDecodeError(t *testing.T) {
	srv, st := newTestSMTPServer(t, "")
	r, w, wg, _ := startSession(t, srv)

	expectLine(t, r, "220 ")
	w.PrintfLine("HELO localhost")
	expectLine(t, r, "250 ")
	w.PrintfLine("MAIL FROM:<a@example.com>")
	expectLine(t, r, "250 OK")
	w.PrintfLine("RCPT TO:<b@example.com>")
	expectLine(t, r, "250 OK")
	w.PrintfLine("DATA")
	expectLine(t, r, "354 ")
	w.PrintfLine("Subject: broken")
	w.PrintfLine("Content-Transfer-Encoding: base64")
	w.PrintfLine("")
	w.PrintfLine("!!!not-base64!!!")
	w.PrintfLine(".")
	expectLine(t, r, "554 Error: could not decode message")
	// the session survives a decode failure
	w.PrintfLine("NOOP")
	expectLine(t, r, "250 OK")
	w.PrintfLine("QUIT")
	expectLine(t, r, "221 Bye")
	wg.Wait()

	msgs, err := st.ListMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Error("a message that failed to decode must not be stored")
	}
}

func TestHandleClientLineTooLong(t *testing.T) {
	srv, _ := newTestSMTPServer(t, "")
	r, w, wg, conn := startSession(t, srv)

	expectLine(t, r, "220 ")
	w.PrintfLine("HELO localhost")
	expectLine(t, r, "250 ")
	// written from a goroutine: the server stops reading at the limit, so a
	// lockstep write of the whole line would deadlock the pipe
	go func() {
		_, _ = conn.Write([]byte("NOOP " + strings.Repeat("x", CommandLineMaxLength) + "\r\n"))
	}()
	expectLine(t, r, "500 Line too long")
	wg.Wait()
}

func TestParseMailArg(t *testing.T) {
	cases := []struct {
		input string
		from  string
		reply string
	}{
		{"MAIL FROM:<a@example.com>", "a@example.com", ""},
		{"MAIL FROM: <a@example.com>", "a@example.com", ""},
		{"MAIL from:<a@example.com> BODY=7BIT", "a@example.com", ""},
		{"MAIL FROM:a@example.com", "a@example.com", ""},
		{"MAIL FROM:<>", "", ""},
		{"MAIL FROM:<a@example.com> SIZE=1024", "a@example.com", ""},
		{"MAIL FROM:<a@example.com> SIZE=99999999999", "", "552 Error: Too much mail data"},
		{"MAIL FROM:<a@example.com> AUTH=<>", "", "555 MAIL FROM parameters not recognized or not implemented"},
		{"MAIL FROM:", "", "501 Syntax: MAIL FROM: <address>"},
		{"MAIL TO:<a@example.com>", "", "501 Syntax: MAIL FROM: <address>"},
		{"MAIL", "", "501 Syntax: MAIL FROM: <address>"},
	}
	for _, c := range cases {
		from, reply := parseMailArg(c.input)
		if reply != c.reply {
			t.Errorf("%q: expected reply %q, got %q", c.input, c.reply, reply)
			continue
		}
		if reply == "" && from != c.from {
			t.Errorf("%q: expected sender %q, got %q", c.input, c.from, from)
		}
	}
}

func TestDecodeAuthPlain(t *testing.T) {
	enc := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	if _, _, ok := decodeAuthPlain("%%%"); ok {
		t.Error("junk base64 must not decode")
	}
	if _, _, ok := decodeAuthPlain(enc("no-separators")); ok {
		t.Error("a blob without NUL separators must not decode")
	}
	if _, _, ok := decodeAuthPlain(enc("other\x00user\x00pass")); ok {
		t.Error("an authzid different from the authcid must not decode")
	}
	user, pass, ok := decodeAuthPlain(enc("\x00user\x00pass"))
	if !ok || user != "user" || pass != "pass" {
		t.Errorf("expected user/pass, got %q/%q ok=%v", user, pass, ok)
	}
	user, pass, ok = decodeAuthPlain(enc("user\x00user\x00pass"))
	if !ok || user != "user" || pass != "pass" {
		t.Errorf("expected user/pass with authzid, got %q/%q ok=%v", user, pass, ok)
	}
}

func TestServerStartShutdown(t *testing.T) {
	srv, st := newTestSMTPServer(t, "")
	srv.addr = "127.0.0.1:0"
	startWG := &sync.WaitGroup{}
	startWG.Add(1)
	done := make(chan error)
	go func() {
		done <- srv.Start(startWG)
	}()
	startWG.Wait()
	if srv.state != ServerStateRunning {
		t.Fatal("server did not start")
	}

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatal("could not connect:", err)
	}
	r := textproto.NewReader(bufio.NewReader(conn))
	w := textproto.NewWriter(bufio.NewWriter(conn))
	expectLine(t, r, "220 ")
	w.PrintfLine("HELO localhost")
	expectLine(t, r, "250 ")
	w.PrintfLine("MAIL FROM:<a@example.com>")
	expectLine(t, r, "250 OK")
	w.PrintfLine("RCPT TO:<b@example.com>")
	expectLine(t, r, "250 OK")
	w.PrintfLine("DATA")
	expectLine(t, r, "354 ")
	w.PrintfLine("Subject: over TCP")
	w.PrintfLine("")
	w.PrintfLine("body")
	w.PrintfLine(".")
	expectLine(t, r, "250 OK")
	w.PrintfLine("QUIT")
	expectLine(t, r, "221 Bye")
	_ = conn.Close()

	srv.Shutdown()
	if err := <-done; err != nil {
		t.Error("Start returned an error:", err)
	}
	if srv.state != ServerStateStopped {
		t.Error("server state should be stopped, got", srv.state)
	}

	msgs, err := st.ListMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Error("expected 1 stored message, got", len(msgs))
	}
}

func TestServerShutdownKillsSessions(t *testing.T) {
	srv, _ := newTestSMTPServer(t, "")
	srv.addr = "127.0.0.1:0"
	startWG := &sync.WaitGroup{}
	startWG.Add(1)
	done := make(chan error)
	go func() {
		done <- srv.Start(startWG)
	}()
	startWG.Wait()

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatal("could not connect:", err)
	}
	r := textproto.NewReader(bufio.NewReader(conn))
	w := textproto.NewWriter(bufio.NewWriter(conn))
	expectLine(t, r, "220 ")
	w.PrintfLine("HELO localhost")
	expectLine(t, r, "250 ")

	go srv.Shutdown()
	for !srv.isShuttingDown() {
		time.Sleep(time.Millisecond)
	}
	// the next command turn runs into the shutdown notice
	w.PrintfLine("NOOP")
	line, err := r.ReadLine()
	for err == nil && strings.Index(line, "421") != 0 {
		line, err = r.ReadLine()
	}
	if err != nil {
		t.Error("expected a 421 shutdown notice, got read error:", err)
	} else if strings.Index(line, "421 Server is shutting down") != 0 {
		t.Error("expected a 421 shutdown notice, got:", line)
	}
	_ = conn.Close()
	if err := <-done; err != nil {
		t.Error("Start returned an error:", err)
	}
}
