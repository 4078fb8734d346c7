// Package socket creates the listening socket shared by all worker processes.
package socket

import (
	"fmt"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

const DefaultBacklog = 128

// Listener is a bound and listening TCP socket held as a raw descriptor.
type Listener struct {
	Fd   int
	Addr netip.AddrPort

	file *os.File
}

// Listen creates a non-blocking IPv4 TCP socket, binds it to addr and starts
// listening. Port 0 picks a free port; Addr reports the bound one.
func Listen(addr netip.AddrPort, backlog int) (*Listener, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("socket: %s is not an ipv4 address", addr)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: create: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: setsockopt SO_REUSEADDR: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: listen: %w", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: getsockname: %w", err)
	}

	ln := &Listener{Fd: fd, Addr: AddrPort(sa)}
	ln.file = os.NewFile(uintptr(fd), "listener")

	// Set after NewFile so the runtime poller never adopts the descriptor.
	// O_NONBLOCK lives on the shared open file description; workers set it
	// again on their inherited copy.
	if err := unix.SetNonblock(fd, true); err != nil {
		ln.Close()
		return nil, fmt.Errorf("socket: set non-blocking: %w", err)
	}

	return ln, nil
}

// File returns the descriptor wrapped for handing to a child process.
func (ln *Listener) File() *os.File {
	return ln.file
}

func (ln *Listener) Close() error {
	return ln.file.Close()
}

// AddrPort converts a socket address into a netip.AddrPort. Unknown address
// families yield the zero value.
func AddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
