package mail

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrDataTooLarge is returned by ReadData when a payload exceeds the
// declared maximum message size.
var ErrDataTooLarge = errors.New("mail: maximum message size exceeded")

var (
	dotCRLF = []byte(".\r\n")
	dotLF   = []byte(".\n")
)

// ReadData copies a DATA payload from r into w until the terminating dot
// line. Stuffed leading dots are removed and line endings are preserved
// exactly as received, so the stored source round-trips byte for byte.
// When the payload grows past maxSize the remainder is still read, to keep
// the protocol in sync, but discarded, and ErrDataTooLarge is returned
// once the terminator arrives. n counts payload bytes after unstuffing,
// discarded ones included.
func ReadData(r *bufio.Reader, w io.Writer, maxSize int64) (n int64, err error) {
	atLineStart := true
	for {
		chunk, rerr := r.ReadSlice('\n')
		complete := rerr == nil
		if rerr != nil && rerr != bufio.ErrBufferFull {
			if rerr == io.EOF {
				rerr = io.ErrUnexpectedEOF
			}
			return n, rerr
		}
		if atLineStart && len(chunk) > 0 && chunk[0] == '.' {
			if complete && (bytes.Equal(chunk, dotCRLF) || bytes.Equal(chunk, dotLF)) {
				if n > maxSize {
					return n, ErrDataTooLarge
				}
				return n, nil
			}
			// unstuff
			chunk = chunk[1:]
		}
		atLineStart = complete
		n += int64(len(chunk))
		if n <= maxSize {
			if _, werr := w.Write(chunk); werr != nil {
				return n, werr
			}
		}
	}
}
