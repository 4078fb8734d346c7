package http

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/freekieb7/pebble/filesystem"
	"golang.org/x/sys/unix"
)

// sendFile answers a parsed request with the file at root+path. Failures
// that happen before anything is written produce a 404; failures after
// that tear the connection down.
func (s *Server) sendFile(c *Conn) {
	path := s.FS.Resolve(c.Request.Path)

	file, err := s.FS.Open(path)
	if err != nil {
		s.Logger.InfoContext(c.ctx, "file not found", "fd", c.Fd, "path", path, "error", err)
		c.writeNotFound()
		return
	}

	err = c.transfer(file, filesystem.ContentType(path))
	if closeErr := file.Close(); closeErr != nil {
		s.Logger.WarnContext(c.ctx, "close file", "path", path, "error", closeErr)
	}
	if err != nil {
		c.fail(err)
		return
	}

	s.Logger.DebugContext(c.ctx, "file sent", "fd", c.Fd, "path", path, "sent", c.sent)
}

func (c *Conn) transfer(file *os.File, contentType string) error {
	var chunk [FileChunkSize]byte

	head := appendHead(chunk[:0], StatusOK, contentType)
	if err := c.write(head); err != nil {
		return err
	}

	for {
		n, err := file.Read(chunk[:])
		if n > 0 {
			if werr := c.write(chunk[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("http: read %s: %w", file.Name(), err)
		}
	}
}

func (c *Conn) writeNotFound() {
	path := c.Request.Path

	msg := make([]byte, 0, 64+len(path)+len(notFoundPrefix)+len(notFoundSuffix))
	msg = appendHead(msg, StatusNotFound, "text/plain")
	msg = append(msg, notFoundPrefix...)
	msg = append(msg, path...)
	msg = append(msg, notFoundSuffix...)

	if err := c.write(msg); err != nil {
		c.fail(err)
	}
}

// write sends all of p. A full socket buffer is waited out without a
// deadline; the response phase has no timeout.
func (c *Conn) write(p []byte) error {
	for len(p) > 0 {
		n, err := unix.SendmsgN(c.Fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				if err := c.waitWritable(); err != nil {
					return err
				}
				continue
			}
			return err
		}

		c.sent += int64(n)
		c.server.metrics.sent.Add(c.ctx, int64(n))
		p = p[n:]
	}
	return nil
}

func (c *Conn) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(c.Fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return unix.EBADF
		}
		// POLLERR and POLLHUP surface as an error from the next write.
		return nil
	}
}
