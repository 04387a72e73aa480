package mail

import (
	"io"
	"testing"
)

func TestEnvelope(t *testing.T) {
	e := NewEnvelope("127.0.0.1:52158")
	e.Helo = "helo.example.com"
	e.ESMTP = true
	e.MailFrom = "test@example.com"
	e.HasMailFrom = true
	e.PushRcpt("one@example.com")
	e.PushRcpt("two@example.com")
	e.Data.WriteString("Subject: Test\r\n\r\nThis is a test.\r\n")

	if len(e.RcptTo) != 2 {
		t.Error("expecting 2 recipients, got:", len(e.RcptTo))
	}
	data, _ := io.ReadAll(e.NewReader())
	if len(data) != e.Len() {
		t.Error("e.Len() is incorrect, it shown", e.Len(), "but we wanted", len(data))
	}

	e.ResetTransaction()
	if e.MailFrom != "" || e.HasMailFrom {
		t.Error("sender must be cleared by a transaction reset")
	}
	if len(e.RcptTo) != 0 || e.Len() != 0 {
		t.Error("recipients and data must be cleared by a transaction reset")
	}
	if e.Helo != "helo.example.com" {
		t.Error("helo must survive a transaction reset, got:", e.Helo)
	}

	e.Reseed("10.0.0.1:11111")
	if e.RemoteAddr != "10.0.0.1:11111" || e.Helo != "" || e.ESMTP {
		t.Error("reseed must clear the connection state")
	}
}

func TestEnvelopePool(t *testing.T) {
	p := NewPool(2)
	a := p.Borrow("127.0.0.1:1000")
	a.Helo = "stale.example.com"
	a.Data.WriteString("stale")
	p.Return(a)

	b := p.Borrow("127.0.0.1:2000")
	if b.RemoteAddr != "127.0.0.1:2000" {
		t.Error("expecting the new remote addr, got:", b.RemoteAddr)
	}
	if b.Helo != "" || b.Len() != 0 {
		t.Error("borrowed envelope must be clean")
	}
	p.Return(b)
}
