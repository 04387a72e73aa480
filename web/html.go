package web

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

var (
	// reCID matches attribute values that are nothing but a cid reference
	reCID = regexp.MustCompile(`^cid:(.+)$`)
	// reCIDURL matches url(cid:...) in stylesheet text: double-quoted,
	// single-quoted or bare, one alternative per quote style so the
	// closing quote has to agree with the opening one. Exactly one of
	// the groups captures the cid:... token.
	reCIDURL = regexp.MustCompile(`url\(\s*(?:"(cid:[^'\\)"]+)"|'(cid:[^'\\)]+)'|(cid:[^'\\)]+))\s*\)`)
)

// rewriteHTML parses an HTML part, points every cid: reference at the part
// endpoint and forces links to open in a new tab, then re-serializes. The
// parser is a full HTML5 one, so fragments come back wrapped in
// html/head/body the way a browser would build them.
func rewriteHTML(body []byte, messageID int64) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	rewriteNode(doc, messageID)
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func rewriteNode(n *html.Node, messageID int64) {
	if n.Type == html.ElementNode {
		for i, attr := range n.Attr {
			if m := reCID.FindStringSubmatch(attr.Val); m != nil {
				n.Attr[i].Val = partURL(messageID, m[1])
			}
		}
		switch n.Data {
		case "a":
			setAttr(n, "target", "blank")
		case "style":
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					c.Data = rewriteStyleURLs(c.Data, messageID)
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		rewriteNode(c, messageID)
	}
}

// rewriteStyleURLs rewrites url(cid:...) occurrences inside stylesheet
// text. Mismatched quotes never match and are left untouched.
func rewriteStyleURLs(text string, messageID int64) string {
	return reCIDURL.ReplaceAllStringFunc(text, func(occ string) string {
		m := reCIDURL.FindStringSubmatch(occ)
		token := m[1]
		if token == "" {
			token = m[2]
		}
		if token == "" {
			token = m[3]
		}
		cid := strings.TrimPrefix(token, "cid:")
		return strings.Replace(occ, token, partURL(messageID, cid), 1)
	})
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// transcode converts body from the named charset to UTF-8. UTF-8 input,
// unknown labels and broken byte sequences pass through unchanged.
func transcode(body []byte, label string) []byte {
	if label == "" || strings.EqualFold(label, "utf-8") {
		return body
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(body))
	if err != nil {
		return body
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return body
	}
	return out
}
