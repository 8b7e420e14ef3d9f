package net

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ListenTCP binds an IPv4 TCP listener on addr ("host:port") with SO_REUSEADDR set and an explicit backlog.
// The standard library always uses the system's maximum backlog, so the socket is built by hand and then
// handed to the net package. An empty host or "0.0.0.0" binds the wildcard address.
func ListenTCP(addr string, backlog int) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}
	if backlog < 1 {
		backlog = 1
	}

	sa := &unix.SockaddrInet4{Port: port}
	if host != "" {
		ip := net.ParseIP(host)
		if ip == nil {
			ips, err := net.LookupIP(host)
			if err != nil {
				return nil, fmt.Errorf("resolving %q: %w", host, err)
			}
			for _, candidate := range ips {
				if candidate.To4() != nil {
					ip = candidate
					break
				}
			}
		}
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("no IPv4 address for %q", host)
		}
		copy(sa.Addr[:], ip.To4())
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	// FileListener dups the descriptor, so the file is always closed here.
	f := os.NewFile(uintptr(fd), "tcp-listener")
	defer f.Close()
	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping listener: %w", err)
	}
	return l, nil
}

// GetEphemeralTCPPort returns a loopback TCP port that was free at the time of the call.
func GetEphemeralTCPPort() (int, error) {
	l, err := ListenTCP("127.0.0.1:0", 1)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
