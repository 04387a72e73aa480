package sendria

import (
	"bufio"
	"errors"
	"io"
)

var (
	// LineLimitExceeded is returned when a single read went past the
	// configured limit, leaving the protocol out of sync.
	LineLimitExceeded = errors.New("maximum line length exceeded")
)

// we need to adjust the limit while reading, so we embed io.LimitedReader
type adjustableLimitedReader struct {
	R *io.LimitedReader
}

// bolt this on so we can adjust the limit
func (alr *adjustableLimitedReader) setLimit(n int64) {
	alr.R.N = n
}

// Read returns a specific error when the limit is reached, so that it can be
// differentiated from an EOF coming from the peer.
func (alr *adjustableLimitedReader) Read(p []byte) (n int, err error) {
	n, err = alr.R.Read(p)
	if err == io.EOF && alr.R.N <= 0 {
		err = LineLimitExceeded
	}
	return
}

func newAdjustableLimitedReader(r io.Reader, n int64) *adjustableLimitedReader {
	lr := &io.LimitedReader{R: r, N: n}
	return &adjustableLimitedReader{lr}
}

// smtpBufferedReader extends bufio.Reader with the adjustable limit, capping
// command lines at CommandLineMaxLength and DATA at the hard ceiling.
type smtpBufferedReader struct {
	*bufio.Reader
	alr *adjustableLimitedReader
}

// delegate to the adjustable limited reader
func (sbr *smtpBufferedReader) setLimit(n int64) {
	sbr.alr.setLimit(n)
}

// Reset sets a new underlying reader, discarding any buffered data.
func (sbr *smtpBufferedReader) Reset(r io.Reader) {
	sbr.alr = newAdjustableLimitedReader(r, CommandLineMaxLength)
	sbr.Reader.Reset(sbr.alr)
}

func newSMTPBufferedReader(rd io.Reader) *smtpBufferedReader {
	alr := newAdjustableLimitedReader(rd, CommandLineMaxLength)
	s := &smtpBufferedReader{bufio.NewReader(alr), alr}
	return s
}
