package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

// DefaultDelimiter terminates every JSON document on the socket (ETX).
const DefaultDelimiter byte = 0x03

// DefaultMaxFrame bounds a single inbound document.
const DefaultMaxFrame = 1 << 20

// ErrFrameTooLarge is returned for a frame longer than the configured limit.
// The oversized frame is consumed so the stream stays aligned.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Decoder splits a byte stream into delimiter-terminated frames.
type Decoder struct {
	r     *bufio.Reader
	delim byte
	max   int
}

func NewDecoder(r io.Reader, delim byte, maxFrame int) *Decoder {
	return &Decoder{r: bufio.NewReader(r), delim: delim, max: maxFrame}
}

// Next returns the next non-empty frame without its delimiter.
func (d *Decoder) Next() ([]byte, error) {
	var frame []byte
	oversized := false
	for {
		chunk, err := d.r.ReadSlice(d.delim)
		if !oversized {
			frame = append(frame, chunk...)
			if d.max > 0 && len(frame) > d.max+1 {
				oversized = true
				frame = nil
			}
		}
		switch {
		case err == nil:
			if oversized {
				return nil, ErrFrameTooLarge
			}
			frame = frame[:len(frame)-1]
			if len(bytes.TrimSpace(frame)) == 0 {
				frame = frame[:0]
				continue
			}
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(frame)) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// Encoder writes delimiter-terminated frames. It is safe for concurrent use.
type Encoder struct {
	mu    sync.Mutex
	w     io.Writer
	delim byte
}

func NewEncoder(w io.Writer, delim byte) *Encoder {
	return &Encoder{w: w, delim: delim}
}

func (e *Encoder) Write(doc []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := make([]byte, 0, len(doc)+1)
	buf = append(buf, doc...)
	buf = append(buf, e.delim)
	_, err := e.w.Write(buf)
	return err
}
