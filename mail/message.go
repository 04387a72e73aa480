package mail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	netmail "net/mail"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

// DecodeError reports a message whose structure or transfer encoding could
// not be decoded. The receiver maps it to a 554 reply.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decoding message: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(err error) error {
	return &DecodeError{Err: err}
}

// Part is one leaf of a decomposed message: a non-multipart node of the
// MIME tree, or the whole message when it isn't multipart.
type Part struct {
	// CID is the Content-Id with one pair of surrounding angle brackets
	// stripped, or a generated UUID when the header is absent
	CID string
	// Type is the lowercased media type, text/plain when undeclared
	Type string
	// IsAttachment is true iff the part carries a filename
	IsAttachment bool
	Filename     string
	// Charset is the lowercased charset parameter, empty when undeclared
	Charset string
	// Body holds the part content with its transfer encoding undone
	Body []byte
}

// Message is the decomposed view of a received message: the decoded header
// metadata plus the linearized list of leaf parts.
type Message struct {
	// SenderMessage is the decoded From header
	SenderMessage string
	// To, Cc and Bcc hold the decoded and split recipient headers
	To  []string
	Cc  []string
	Bcc []string
	// Subject is the decoded Subject header
	Subject string
	// Type is the content type of the top-level entity
	Type  string
	Parts []*Part
}

// Parse decomposes raw message bytes. Multipart entities are walked
// recursively and every non-multipart node becomes one Part; message/rfc822
// is not recursed into. A multipart message with no leaves yields a single
// empty text/plain part so that every parsed message has at least one.
func Parse(raw []byte) (*Message, error) {
	var (
		header netmail.Header
		body   io.Reader
	)
	msg, err := netmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		if len(bytes.TrimSpace(raw)) > 0 {
			return nil, decodeErr(err)
		}
		// empty payload: treat as a bodyless text/plain message
		header = netmail.Header{}
		body = bytes.NewReader(nil)
	} else {
		header = msg.Header
		body = msg.Body
	}

	m := &Message{
		SenderMessage: DecodeHeader(header.Get("From")),
		To:            SplitAddresses(DecodeHeader(header.Get("To"))),
		Cc:            SplitAddresses(DecodeHeader(header.Get("Cc"))),
		Bcc:           SplitAddresses(DecodeHeader(header.Get("Bcc"))),
		Subject:       DecodeHeader(header.Get("Subject")),
	}
	ctype, params := parseContentType(header.Get("Content-Type"))
	m.Type = ctype

	parts, err := walk(textproto.MIMEHeader(header), ctype, params, body)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		parts = []*Part{{CID: uuid.New().String(), Type: "text/plain"}}
	}
	m.Parts = parts
	return m, nil
}

// walk returns the leaves under one MIME entity. Only multipart/* entities
// with a boundary recurse; anything else is a single leaf.
func walk(header textproto.MIMEHeader, ctype string, params map[string]string, body io.Reader) ([]*Part, error) {
	if strings.HasPrefix(ctype, "multipart/") && params["boundary"] != "" {
		var parts []*Part
		mr := multipart.NewReader(body, params["boundary"])
		for {
			p, err := mr.NextRawPart()
			if errors.Is(err, io.EOF) {
				return parts, nil
			}
			if err != nil {
				return nil, decodeErr(err)
			}
			subType, subParams := parseContentType(p.Header.Get("Content-Type"))
			inner, err := walk(p.Header, subType, subParams, p)
			if err != nil {
				return nil, err
			}
			parts = append(parts, inner...)
		}
	}
	leaf, err := makePart(header, ctype, params, body)
	if err != nil {
		return nil, err
	}
	return []*Part{leaf}, nil
}

func makePart(header textproto.MIMEHeader, ctype string, params map[string]string, body io.Reader) (*Part, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, decodeErr(err)
	}
	decoded, err := decodeBody(header.Get("Content-Transfer-Encoding"), raw)
	if err != nil {
		return nil, err
	}
	p := &Part{
		CID:  contentID(header.Get("Content-Id")),
		Type: ctype,
		Body: decoded,
	}
	if filename, ok := partFilename(header, params); ok {
		p.Filename = filename
		p.IsAttachment = true
	}
	if cs, ok := params["charset"]; ok {
		p.Charset = strings.ToLower(cs)
	}
	return p, nil
}

// parseContentType falls back to text/plain when the header is absent or
// unparsable, like the default content type of a MIME entity.
func parseContentType(v string) (string, map[string]string) {
	if v == "" {
		return "text/plain", nil
	}
	mediatype, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "text/plain", nil
	}
	return mediatype, params
}

func contentID(v string) string {
	if v == "" {
		return uuid.New().String()
	}
	if len(v) >= 2 && v[0] == '<' && v[len(v)-1] == '>' {
		v = v[1 : len(v)-1]
	}
	return v
}

// partFilename resolves the filename from Content-Disposition, falling back
// to the Content-Type name parameter. RFC 2231 extended parameters are
// handled by ParseMediaType, RFC 2047 encoded-words by DecodeHeader.
func partFilename(header textproto.MIMEHeader, ctParams map[string]string) (string, bool) {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if f, ok := params["filename"]; ok {
				return DecodeHeader(f), true
			}
		}
	}
	if f, ok := ctParams["name"]; ok {
		return DecodeHeader(f), true
	}
	return "", false
}

// decodeBody undoes the content transfer encoding. Base64 is decoded
// strictly and a corrupt body fails the whole message; quoted-printable
// falls back to the raw bytes on bad input, which is how lenient decoders
// treat stray escapes. 7bit, 8bit and binary pass through.
func decodeBody(cte string, raw []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		cleaned := bytes.Map(dropWhitespace, raw)
		out := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
		n, err := base64.StdEncoding.Decode(out, cleaned)
		if err != nil {
			return nil, decodeErr(fmt.Errorf("base64 body: %w", err))
		}
		return out[:n], nil
	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return raw, nil
		}
		return out, nil
	default:
		return raw, nil
	}
}

func dropWhitespace(r rune) rune {
	switch r {
	case ' ', '\t', '\r', '\n':
		return -1
	}
	return r
}
