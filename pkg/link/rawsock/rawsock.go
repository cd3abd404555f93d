//go:build linux

// Package rawsock implements the link.Link contract with a raw AF_PACKET
// socket bound to a single network interface, the Ethernet-layer analogue
// of the teacher's AF_CAN SocketCAN backend (pkg/can/socketcanv3).
package rawsock

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-ethercat/master/pkg/link"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func init() {
	link.Register("rawsock", New)
}

// Bus is a raw-socket Link bound to a single interface, carrying EtherCAT
// frames directly (EtherType 0x88A4, no IP/UDP involved).
type Bus struct {
	mu     sync.Mutex
	fd     int
	ifname string
	iface  *net.Interface
	logger *slog.Logger
	closed bool
}

// New opens an AF_PACKET/SOCK_RAW socket on ifname, filtered to the
// EtherCAT EtherType. The interface must already be up; bringing it up is
// outside this module's scope (external OS/link concern).
func New(ifname string) (link.Link, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("rawsock: lookup %s: %w", ifname, err)
	}
	// htons(ETH_P_ECAT): AF_PACKET expects the protocol in network byte order.
	proto := htons(0x88A4)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, fmt.Errorf("rawsock: socket: %w", err)
	}
	sa := &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsock: bind %s: %w", ifname, err)
	}
	b := &Bus{fd: fd, ifname: ifname, iface: iface, logger: slog.Default()}
	// This boot-path diagnostic predates the rest of the package's move to
	// log/slog and is kept in the older top-level logging style on purpose.
	logrus.Infof("rawsock: opened %s (ifindex %d) for EtherCAT traffic", ifname, iface.Index)
	return b, nil
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

func (b *Bus) Name() string { return b.ifname }

func (b *Bus) Send(buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return link.ErrClosed
	}
	sa := &unix.SockaddrLinklayer{Ifindex: b.iface.Index, Halen: 6}
	copy(sa.Addr[:6], buf[0:6])
	err := unix.Sendto(b.fd, buf, 0, sa)
	if err != nil {
		return fmt.Errorf("rawsock: sendto: %w", err)
	}
	return nil
}

func (b *Bus) Recv(buf []byte, timeout time.Duration) (int, error) {
	b.mu.Lock()
	fd := b.fd
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return 0, link.ErrClosed
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return 0, fmt.Errorf("rawsock: setsockopt: %w", err)
	}
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, link.ErrTimeout
		}
		return 0, fmt.Errorf("rawsock: recvfrom: %w", err)
	}
	return n, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unix.Close(b.fd)
}
