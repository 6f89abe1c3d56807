//go:build linux

package transport

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/HerbHall/pnvantage/internal/profinet/codec"
	"golang.org/x/sys/unix"
)

// RawLink is an AF_PACKET socket bound to one interface. It needs
// CAP_NET_RAW.
type RawLink struct {
	fd      int
	ifindex int
	addr    codec.MAC
	closed  atomic.Bool
}

var _ Link = (*RawLink)(nil)

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// OpenRaw opens a raw link on the named interface and joins the DCP
// multicast group.
func OpenRaw(name string) (*RawLink, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %s: %w", name, err)
	}
	addr, err := codec.MACFromHardwareAddr(ifi.HardwareAddr)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}

	proto := htons(uint16(unix.ETH_P_ALL))
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("open packet socket: %w", err)
	}
	l := &RawLink{fd: fd, ifindex: ifi.Index, addr: addr}

	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", name, err)
	}
	tv := unix.NsecToTimeval(PollInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}
	mreq := &unix.PacketMreq{
		Ifindex: int32(ifi.Index),
		Type:    unix.PACKET_MR_MULTICAST,
		Alen:    6,
	}
	copy(mreq.Address[:], codec.DCPMulticastMAC[:])
	if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, mreq); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("join dcp multicast: %w", err)
	}
	return l, nil
}

// HardwareAddr implements Link.
func (l *RawLink) HardwareAddr() codec.MAC { return l.addr }

// ReadFrame implements Link. Frames the host itself transmitted are skipped.
func (l *RawLink) ReadFrame(buf []byte) (int, error) {
	for {
		if l.closed.Load() {
			return 0, ErrClosed
		}
		n, from, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			if l.closed.Load() {
				return 0, ErrClosed
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return 0, ErrTimeout
			}
			return 0, fmt.Errorf("recvfrom: %w", err)
		}
		if sll, ok := from.(*unix.SockaddrLinklayer); ok && sll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}
		return n, nil
	}
}

// WriteFrame implements Link.
func (l *RawLink) WriteFrame(frame []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if len(frame) < codec.EthernetHeaderLen {
		return codec.ErrTruncated
	}
	to := &unix.SockaddrLinklayer{Ifindex: l.ifindex, Halen: 6}
	copy(to.Addr[:], frame[:6])
	if err := unix.Sendto(l.fd, frame, 0, to); err != nil {
		return fmt.Errorf("sendto: %w", err)
	}
	return nil
}

// Close releases the socket.
func (l *RawLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return unix.Close(l.fd)
}
