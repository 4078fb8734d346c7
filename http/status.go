package http

import "strconv"

const (
	StatusOK       uint16 = 200 // RFC 7231, 6.3.1
	StatusNotFound uint16 = 404 // RFC 7231, 6.5.4
)

var (
	unknownStatusCode = "Unknown Status Code"

	statusMessages = []string{
		StatusOK:       "OK",
		StatusNotFound: "Not Found",
	}
)

func StatusText(code uint16) string {
	if int(code) < len(statusMessages) && statusMessages[code] != "" {
		return statusMessages[code]
	}
	return unknownStatusCode
}

// appendHead writes a status line, one content-type header and the blank
// line that ends the header block.
func appendHead(dst []byte, code uint16, contentType string) []byte {
	dst = append(dst, protocolHttp11...)
	dst = append(dst, ' ')
	dst = strconv.AppendUint(dst, uint64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(code)...)
	dst = append(dst, crlfOnly...)
	dst = append(dst, headerContentType...)
	dst = append(dst, contentType...)
	dst = append(dst, crlfOnly...)
	dst = append(dst, crlfOnly...)
	return dst
}
