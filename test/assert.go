// Package test holds helpers shared by the package tests.
package test

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// DocumentRoot creates a temporary document root holding files, keyed by
// slash separated relative path.
func DocumentRoot(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

// OpenFDs counts the descriptors currently open in this process.
func OpenFDs(t *testing.T) int {
	t.Helper()

	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	// ReadDir holds one descriptor open on the directory itself.
	return len(entries) - 1
}

// RoundTrip sends raw to addr and returns everything read until the server
// closes the connection.
func RoundTrip(t *testing.T, addr, raw string) string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(resp)
}

// SplitResponse separates the header block from the body.
func SplitResponse(t *testing.T, resp string) (head, body string) {
	t.Helper()

	head, body, ok := strings.Cut(resp, "\r\n\r\n")
	require.True(t, ok, "no header terminator in %q", resp)
	return head, body
}
