package http

import (
	"bytes"
	"errors"
)

var (
	ErrIncomplete      = errors.New("http: incomplete request")
	ErrMalformed       = errors.New("http: malformed request")
	ErrRequestTooLarge = errors.New("http: request too large")
)

// Header fields are views into the connection read buffer.
type Header struct {
	Name  []byte
	Value []byte
}

// Request holds the parsed request line and headers. All slices point into
// the buffer that was parsed and are only valid while that buffer is.
type Request struct {
	Method       []byte
	Path         []byte
	MinorVersion int
	Headers      []Header

	headers [MaxRequestHeaders]Header
}

func (req *Request) HeaderValue(name string) ([]byte, bool) {
	for _, h := range req.Headers {
		if bytes.EqualFold(h.Name, []byte(name)) {
			return h.Value, true
		}
	}
	return nil, false
}

func (req *Request) Reset() {
	req.Method = nil
	req.Path = nil
	req.MinorVersion = 0
	clear(req.headers[:])
	req.Headers = req.headers[:0]
}
