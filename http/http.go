package http

import "time"

const (
	MaxRequestSize     = 4096 // 4kB, request line plus headers
	MaxRequestHeaders  = 100
	FileChunkSize      = 1024
	DefaultIdleTimeout = 5 * time.Second
	DefaultMaxConns    = 1024
)

var (
	protocolHttp11    = []byte("HTTP/1.1")
	protocolHttp1x    = []byte("HTTP/1.")
	headerContentType = []byte("Content-Type: ")
	crlfOnly          = []byte("\r\n")

	notFoundPrefix = []byte("404: ")
	notFoundSuffix = []byte(" NOTFOUND\n")
)
