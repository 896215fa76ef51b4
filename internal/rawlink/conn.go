//go:build linux

// Package rawlink is the raw Ethernet transport ECLP rides on: an
// AF_PACKET/SOCK_RAW socket pinned to one interface, filtered at the kernel
// with a classic BPF program to the three ECLP ethertypes (spec.md §6), with
// nonblocking I/O and eventfd-based cancellation. It carries bytes only;
// internal/eclpframe owns the wire format riding over it.
package rawlink

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// ethTypesECLP are the three Ethernet types ECLP traffic ever carries
// (spec.md §6): link protocol, discovery, local delivery.
var ethTypesECLP = [3]uint16{0xEAC0, 0xEAC1, 0xEAC2}

func htons(v uint16) uint16 { return (v << 8) | (v >> 8) }

// eclpFilter assembles a classic BPF program accepting only frames whose
// ethertype (offset 12 of the raw frame) is one of ethTypesECLP, rejecting
// everything else at the kernel before it ever reaches userspace.
func eclpFilter() ([]unix.SockFilter, error) {
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(ethTypesECLP[0]), SkipTrue: 3},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(ethTypesECLP[1]), SkipTrue: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(ethTypesECLP[2]), SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 9000 + 14 + 6},
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("rawlink: assemble bpf filter: %w", err)
	}
	filters := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filters[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return filters, nil
}

// Conn is one interface's raw Ethernet socket: read inbound ECLP frames,
// write outbound ones, cancelable via ctx the way
// tools/uping/pkg/uping.Listener is.
type Conn struct {
	log     *slog.Logger
	iface   string
	ifIndex int
	fd      int
	efd     int

	closeOnce sync.Once
}

// New opens and binds a raw Ethernet socket on iface, filtered to ECLP
// ethertypes.
func New(log *slog.Logger, iface string) (*Conn, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("rawlink: lookup interface %q: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("rawlink: socket: %w", err)
	}

	filter, err := eclpFilter()
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	prog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rawlink: attach bpf filter: %w", err)
	}

	addr := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifi.Index}
	if err := unix.Bind(fd, &addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rawlink: bind %q: %w", iface, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rawlink: set nonblock: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rawlink: eventfd: %w", err)
	}

	return &Conn{log: log, iface: iface, ifIndex: ifi.Index, fd: fd, efd: efd}, nil
}

// NewWithRetry opens a socket the way New does, retrying on failure with
// exponential backoff (an interface can come up after eclpd starts, e.g. on
// a hot-plugged NIC or a reboot racing the daemon). Mirrors
// internal/probing/default.go's DefaultListenFuncWithRetry: a bounded
// exponential backoff wrapped with backoff.WithContext so a canceled ctx
// stops the retry loop as well as the elapsed-time cap.
func NewWithRetry(ctx context.Context, log *slog.Logger, iface string, opts ...backoff.ExponentialBackOffOpts) (*Conn, error) {
	opts = append([]backoff.ExponentialBackOffOpts{
		backoff.WithInitialInterval(100 * time.Millisecond),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxInterval(5 * time.Second),
		backoff.WithMaxElapsedTime(1 * time.Minute),
		backoff.WithRandomizationFactor(0),
	}, opts...)
	b := backoff.WithContext(backoff.NewExponentialBackOff(opts...), ctx)

	var conn *Conn
	op := func() error {
		c, err := New(log, iface)
		if err != nil {
			log.Warn("rawlink: open failed, retrying", "iface", iface, "error", err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("rawlink: open %q: %w", iface, err)
	}
	return conn, nil
}

// ReadFrame blocks until one raw Ethernet frame arrives, ctx is canceled, or
// Close is called. It returns (nil, ctx.Err()) on cancellation and
// (nil, net.ErrClosed) once Close has been called with ctx still live.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 9000+14+6) // spec.md §6: AIT payload <= 9000 bytes, plus Ethernet header and ECLP control word
	pfds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}, {Fd: int32(c.efd), Events: unix.POLLIN}}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// A bounded wait, so a canceled ctx is noticed within 100ms.
		n, err := unix.Poll(pfds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("rawlink: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		if pfds[1].Revents&unix.POLLIN != 0 {
			var tmp [8]byte
			_, _ = unix.Read(c.efd, tmp[:])
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, net.ErrClosed
		}
		if pfds[0].Revents&(unix.POLLIN|unix.POLLERR) == 0 {
			continue
		}
		nn, _, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("rawlink: recvfrom: %w", err)
		}
		return append([]byte(nil), buf[:nn]...), nil
	}
}

// WriteFrame transmits a fully-formed raw Ethernet frame on this interface.
func (c *Conn) WriteFrame(frame []byte) error {
	dst := unix.SockaddrLinklayer{Ifindex: c.ifIndex, Halen: 6}
	if len(frame) >= 6 {
		copy(dst.Addr[:6], frame[0:6])
	}
	if err := unix.Sendto(c.fd, frame, 0, &dst); err != nil {
		return fmt.Errorf("rawlink: sendto %q: %w", c.iface, err)
	}
	return nil
}

// Close interrupts any blocked ReadFrame and releases the socket. Safe to
// call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		var one [8]byte
		binary.LittleEndian.PutUint64(one[:], 1)
		_, _ = unix.Write(c.efd, one[:])
		_ = unix.Close(c.efd)
		err = unix.Close(c.fd)
	})
	return err
}
