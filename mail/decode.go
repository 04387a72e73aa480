package mail

import (
	"mime"
	netmail "net/mail"
	"strings"

	"golang.org/x/net/html/charset"
)

// Dec decodes MIME headers containing RFC 2047 encoded-words.
// It's exposed public so that an alternative decoder can be set.
// Charsets beyond ASCII and UTF-8 resolve through the html/charset tables.
var Dec mime.WordDecoder

func init() {
	Dec = mime.WordDecoder{CharsetReader: charset.NewReaderLabel}
}

// DecodeHeader converts a header value holding RFC 2047 encoded-words to
// UTF-8. A value that fails to decode is returned as received.
func DecodeHeader(value string) string {
	if value == "" {
		return ""
	}
	decoded, err := Dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// SplitAddresses splits an address list header into one token per mailbox,
// formatted as "Name <addr>" when a display name is present and as the bare
// address otherwise. The value is expected to be decoded already. A value
// that cannot be parsed as an address list is returned as a single token.
func SplitAddresses(value string) []string {
	out := []string{}
	value = strings.TrimSpace(value)
	if value == "" {
		return out
	}
	list, err := netmail.ParseAddressList(value)
	if err != nil {
		return append(out, value)
	}
	for _, a := range list {
		if a.Name != "" {
			out = append(out, a.Name+" <"+a.Address+">")
		} else {
			out = append(out, a.Address)
		}
	}
	return out
}
