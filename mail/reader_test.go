package mail

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestReadData(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("Subject: Hi\r\n\r\nhello\r\n.\r\nrest"))
	var buf bytes.Buffer
	n, err := ReadData(br, &buf, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "Subject: Hi\r\n\r\nhello\r\n" {
		t.Errorf("unexpected payload: %q", got)
	}
	if n != 22 {
		t.Error("expecting 22 bytes, got:", n)
	}
	// bytes after the terminator stay in the reader
	rest, _ := io.ReadAll(br)
	if string(rest) != "rest" {
		t.Errorf("expecting rest, got: %q", rest)
	}
}

func TestReadDataDotStuffing(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("..leading\r\n...x\r\nmid\r\n.\r\n"))
	var buf bytes.Buffer
	if _, err := ReadData(br, &buf, 1024); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != ".leading\r\n..x\r\nmid\r\n" {
		t.Errorf("unexpected payload: %q", got)
	}
}

func TestReadDataBareLF(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("a\nb\n.\n"))
	var buf bytes.Buffer
	if _, err := ReadData(br, &buf, 1024); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "a\nb\n" {
		t.Errorf("line endings must be preserved as received, got: %q", got)
	}
}

func TestReadDataTooLarge(t *testing.T) {
	in := strings.Repeat("x", 100) + "\r\n.\r\nNOOP\r\n"
	br := bufio.NewReader(strings.NewReader(in))
	var buf bytes.Buffer
	n, err := ReadData(br, &buf, 10)
	if err != ErrDataTooLarge {
		t.Fatal("expecting ErrDataTooLarge, got:", err)
	}
	if n != 102 {
		t.Error("expecting the full payload counted, got:", n)
	}
	// the stream must stay in sync for the next command
	rest, _ := io.ReadAll(br)
	if string(rest) != "NOOP\r\n" {
		t.Errorf("expecting NOOP after the terminator, got: %q", rest)
	}
}

func TestReadDataExactLimit(t *testing.T) {
	payload := strings.Repeat("y", 20) + "\r\n"
	br := bufio.NewReader(strings.NewReader(payload + ".\r\n"))
	var buf bytes.Buffer
	n, err := ReadData(br, &buf, int64(len(payload)))
	if err != nil {
		t.Fatal("a payload of exactly the limit is allowed, got:", err)
	}
	if n != int64(len(payload)) || buf.Len() != len(payload) {
		t.Error("unexpected size:", n, buf.Len())
	}
}

func TestReadDataUnexpectedEOF(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("no terminator in sight\r\n"))
	var buf bytes.Buffer
	if _, err := ReadData(br, &buf, 1024); err != io.ErrUnexpectedEOF {
		t.Error("expecting ErrUnexpectedEOF, got:", err)
	}
}

func TestReadDataLongLine(t *testing.T) {
	// a line much longer than the read buffer, dot-stuffed at the start
	line := ".." + strings.Repeat("z", 5000)
	br := bufio.NewReaderSize(strings.NewReader(line+"\r\n.\r\n"), 64)
	var buf bytes.Buffer
	if _, err := ReadData(br, &buf, 10240); err != nil {
		t.Fatal(err)
	}
	want := "." + strings.Repeat("z", 5000) + "\r\n"
	if got := buf.String(); got != want {
		t.Errorf("long line mangled: got %d bytes, want %d", len(got), len(want))
	}
}
