package http

import "bytes"

// ParseRequest parses the request line and headers from buf.
//
// buf must always hold everything received so far, and lastLen is the
// length of buf on the previous call (0 on the first), so the scan for the
// end of the header block resumes where the previous call gave up.
//
// It returns the number of bytes consumed (where a body would start) when
// the request is complete, ErrIncomplete when more bytes are needed and
// ErrMalformed when the request can never become valid. req is only
// populated on success; on any error it is reset.
func ParseRequest(buf []byte, lastLen int, req *Request) (int, error) {
	skip := skipEmptyLines(buf)

	from := max(skip, lastLen-3)
	end := headerEnd(buf, from)
	if end < 0 {
		// A broken request line fails fast instead of waiting for the
		// header block to finish.
		if lf := bytes.IndexByte(buf[skip:], '\n'); lf >= 0 {
			if _, _, _, ok := parseRequestLine(trimCR(buf[skip : skip+lf])); !ok {
				req.Reset()
				return 0, ErrMalformed
			}
		}
		req.Reset()
		return 0, ErrIncomplete
	}

	req.Reset()
	block := buf[skip:end]

	lf := bytes.IndexByte(block, '\n')
	method, path, minor, ok := parseRequestLine(trimCR(block[:lf]))
	if !ok {
		req.Reset()
		return 0, ErrMalformed
	}
	block = block[lf+1:]

	for {
		lf = bytes.IndexByte(block, '\n')
		line := trimCR(block[:lf])
		block = block[lf+1:]
		if len(line) == 0 {
			break
		}

		if len(req.Headers) == MaxRequestHeaders {
			req.Reset()
			return 0, ErrMalformed
		}
		h, ok := parseHeaderLine(line)
		if !ok {
			req.Reset()
			return 0, ErrMalformed
		}
		req.Headers = append(req.Headers, h)
	}

	req.Method = method
	req.Path = path
	req.MinorVersion = minor

	return end, nil
}

func skipEmptyLines(buf []byte) int {
	i := 0
	for i < len(buf) {
		switch {
		case buf[i] == '\n':
			i++
		case buf[i] == '\r' && i+1 < len(buf) && buf[i+1] == '\n':
			i += 2
		default:
			return i
		}
	}
	return i
}

// headerEnd returns the index just past the empty line terminating the
// header block, or -1 when it is not in buf yet. CRLF and bare LF line
// endings are both accepted.
func headerEnd(buf []byte, from int) int {
	for from < len(buf) {
		lf := bytes.IndexByte(buf[from:], '\n')
		if lf < 0 {
			return -1
		}
		p := from + lf
		switch {
		case p+1 < len(buf) && buf[p+1] == '\n':
			return p + 2
		case p+2 < len(buf) && buf[p+1] == '\r' && buf[p+2] == '\n':
			return p + 3
		}
		from = p + 1
	}
	return -1
}

func parseRequestLine(line []byte) (method, path []byte, minor int, ok bool) {
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 || !isToken(line[:sp]) {
		return nil, nil, 0, false
	}
	method, line = line[:sp], line[sp+1:]

	sp = bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return nil, nil, 0, false
	}
	path, line = line[:sp], line[sp+1:]
	for _, c := range path {
		if isCTL(c) {
			return nil, nil, 0, false
		}
	}

	if len(line) != len(protocolHttp1x)+1 || !bytes.HasPrefix(line, protocolHttp1x) {
		return nil, nil, 0, false
	}
	d := line[len(line)-1]
	if d < '0' || d > '9' {
		return nil, nil, 0, false
	}

	return method, path, int(d - '0'), true
}

func parseHeaderLine(line []byte) (Header, bool) {
	// Obsolete line folding is refused rather than joined.
	if line[0] == ' ' || line[0] == '\t' {
		return Header{}, false
	}

	colon := bytes.IndexByte(line, ':')
	if colon <= 0 || !isToken(line[:colon]) {
		return Header{}, false
	}

	value := bytes.Trim(line[colon+1:], " \t")
	for _, c := range value {
		if isCTL(c) && c != '\t' {
			return Header{}, false
		}
	}

	return Header{Name: line[:colon], Value: value}, true
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

func isCTL(c byte) bool {
	return c < 0x20 || c == 0x7f
}

func isToken(b []byte) bool {
	for _, c := range b {
		if !tokenTable[c] {
			return false
		}
	}
	return true
}

// tokenTable marks the tchar set of RFC 7230, 3.2.6.
var tokenTable = func() [256]bool {
	var t [256]bool
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
		t[c-'a'+'A'] = true
	}
	for _, c := range "!#$%&'*+-.^_`|~" {
		t[c] = true
	}
	return t
}()
