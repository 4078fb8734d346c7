package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusText(t *testing.T) {
	assert.Equal(t, "OK", StatusText(StatusOK))
	assert.Equal(t, "Not Found", StatusText(StatusNotFound))
	assert.Equal(t, unknownStatusCode, StatusText(299))
	assert.Equal(t, unknownStatusCode, StatusText(999))

	// Only the two statuses the server emits have a reason phrase.
	for _, code := range []uint16{400, 408, 413, 500} {
		assert.Equal(t, unknownStatusCode, StatusText(code), "status %d", code)
	}
}

func TestAppendHead(t *testing.T) {
	head := appendHead(nil, StatusNotFound, "text/plain")
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\n\r\n", string(head))
}
