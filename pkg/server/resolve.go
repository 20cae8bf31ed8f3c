package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/marmos91/pipeserv/internal/logger"
)

// ErrNoBindableAddress is returned when every resolved candidate failed to
// bind.
var ErrNoBindableAddress = errors.New("no bindable address")

// resolveCandidates turns host and service into socket addresses to try in
// order. An empty host yields the IPv6 and IPv4 wildcards, so a dual-stack
// host listens on both families.
func resolveCandidates(ctx context.Context, host, service string) ([]unix.Sockaddr, error) {
	port, err := resolvePort(ctx, service)
	if err != nil {
		return nil, err
	}

	var ips []net.IPAddr
	if host == "" || host == "*" {
		ips = []net.IPAddr{{IP: net.IPv6unspecified}, {IP: net.IPv4zero}}
	} else {
		ips, err = net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve host %q: %w", host, err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("resolve host %q: no addresses", host)
		}
	}

	candidates := make([]unix.Sockaddr, 0, len(ips))
	for _, ip := range ips {
		sa, err := toSockaddr(ip, port)
		if err != nil {
			logger.Debug("Skipping candidate %s: %v", ip.String(), err)
			continue
		}
		candidates = append(candidates, sa)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("resolve host %q: no usable addresses", host)
	}
	return candidates, nil
}

func resolvePort(ctx context.Context, service string) (int, error) {
	if service == "" {
		return 0, fmt.Errorf("resolve service: empty")
	}
	if n, err := strconv.Atoi(service); err == nil {
		if n < 0 || n > 65535 {
			return 0, fmt.Errorf("resolve service %q: port out of range", service)
		}
		return n, nil
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return 0, fmt.Errorf("resolve service %q: %w", service, err)
	}
	return port, nil
}

func toSockaddr(ip net.IPAddr, port int) (unix.Sockaddr, error) {
	if v4 := ip.IP.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, nil
	}
	if v6 := ip.IP.To16(); v6 != nil {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], v6)
		if ip.Zone != "" {
			ifi, err := net.InterfaceByName(ip.Zone)
			if err != nil {
				return nil, fmt.Errorf("zone %q: %w", ip.Zone, err)
			}
			sa.ZoneId = uint32(ifi.Index)
		}
		return sa, nil
	}
	return nil, fmt.Errorf("unsupported address %v", ip.IP)
}

// bindFirst creates a TCP socket for each candidate in turn and returns the
// first one that binds.
func bindFirst(candidates []unix.Sockaddr) (int, error) {
	var errs []error
	for _, sa := range candidates {
		fd, err := bindOne(sa)
		if err == nil {
			return fd, nil
		}
		logger.Debug("Bind %s failed: %v", sockaddrString(sa), err)
		errs = append(errs, err)
	}
	return -1, fmt.Errorf("%w: %w", ErrNoBindableAddress, errors.Join(errs...))
}

func bindOne(sa unix.Sockaddr) (int, error) {
	family := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", sockaddrString(sa), err)
	}
	return fd, nil
}

// sockaddrToTCPAddr converts a socket address to a net.Addr. Unknown families
// yield nil.
func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		addr := &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	}
	return nil
}

func sockaddrString(sa unix.Sockaddr) string {
	if addr := sockaddrToTCPAddr(sa); addr != nil {
		return addr.String()
	}
	return fmt.Sprintf("%T", sa)
}
