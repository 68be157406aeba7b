//go:build linux

// Socket option plumbing for the Listener Set, following
// database64128/shadowsocks-go/conn's conn_linux.go pattern of a
// syscall.RawConn.Control callback invoking golang.org/x/sys/unix
// setsockopt wrappers. 127.0.0.53 and IP_FREEBIND are themselves
// Linux-specific (the former is systemd-resolved's well-known address),
// so the Listener Set only targets Linux, like the rest of this package.
package stub

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func setSockoptInt(fd int, level, opt, value int) error {
	if err := unix.SetsockoptInt(fd, level, opt, value); err != nil {
		return fmt.Errorf("setsockopt(%d, %d) = %d: %w", level, opt, value, err)
	}
	return nil
}

// controlPrimary applies the primary listener's socket options: bounded
// TTL=1 so traffic never leaves the host, plus the common option set.
func controlPrimary(network string, c syscall.RawConn) (err error) {
	cerr := c.Control(func(fd uintptr) {
		if err = setSockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return
		}
		if isV4(network) {
			if err = setSockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, 1); err != nil {
				return
			}
			if err = setSockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
				return
			}
			err = setSockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTTL, 1)
			return
		}
		if err = setSockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, 1); err != nil {
			return
		}
		if err = setSockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			return
		}
		err = setSockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVHOPLIMIT, 1)
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// controlExtra applies an extra listener's socket options: IP_FREEBIND (so
// the configured address need not already be assigned to an interface),
// PMTUD disabled, and the common option set. No TTL clamp.
func controlExtra(network string, c syscall.RawConn) (err error) {
	cerr := c.Control(func(fd uintptr) {
		if err = setSockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return
		}
		if isV4(network) {
			if err = setSockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_FREEBIND, 1); err != nil {
				return
			}
			if err = setSockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DONT); err != nil {
				return
			}
			if err = setSockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
				return
			}
			err = setSockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTTL, 1)
			return
		}
		if err = setSockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_FREEBIND, 1); err != nil {
			return
		}
		if err = setSockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IP_PMTUDISC_DONT); err != nil {
			return
		}
		if err = setSockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			return
		}
		err = setSockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVHOPLIMIT, 1)
	})
	if cerr != nil {
		return cerr
	}
	return err
}

func isV4(network string) bool {
	switch network {
	case "udp4", "tcp4":
		return true
	default:
		return false
	}
}

// loopbackIfIndex returns the interface index of "lo", used to pin the
// primary listener's UDP reply source address to 127.0.0.53.
func loopbackIfIndex() (int, error) {
	ifi, err := net.InterfaceByName("lo")
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}
