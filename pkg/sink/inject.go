package sink

import (
	"fmt"
	"net"

	mdpacket "github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// Injector puts synthesized segments on the wire.
type Injector interface {
	Inject(data []byte) error
	Close() error
}

// LinkInjector writes complete Ethernet frames through an AF_PACKET
// socket. Used by the tap sink, whose captured packets carry MACs.
type LinkInjector struct {
	conn *mdpacket.Conn
}

func NewLinkInjector(ifaceName string) (*LinkInjector, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %s: %w", ifaceName, err)
	}
	conn, err := mdpacket.Listen(ifi, mdpacket.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw socket on %s: %w", ifaceName, err)
	}
	return &LinkInjector{conn: conn}, nil
}

func (i *LinkInjector) Inject(frame []byte) error {
	if len(frame) < 14 {
		return fmt.Errorf("frame too short to carry an ethernet header")
	}
	addr := &mdpacket.Addr{HardwareAddr: net.HardwareAddr(frame[0:6])}
	_, err := i.conn.WriteTo(frame, addr)
	return err
}

func (i *LinkInjector) Close() error {
	return i.conn.Close()
}

// IPInjector writes bare IP packets through raw sockets with the
// header-included option, one socket per address family. Used by the
// queue sink, which never sees link headers.
type IPInjector struct {
	fd4 int
	fd6 int
}

func NewIPInjector() (*IPInjector, error) {
	fd4, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw IPv4 socket: %w", err)
	}
	fd6, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		unix.Close(fd4)
		return nil, fmt.Errorf("failed to open raw IPv6 socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd6, unix.IPPROTO_IPV6, unix.IPV6_HDRINCL, 1); err != nil {
		unix.Close(fd4)
		unix.Close(fd6)
		return nil, fmt.Errorf("failed to set IPV6_HDRINCL: %w", err)
	}
	return &IPInjector{fd4: fd4, fd6: fd6}, nil
}

func (i *IPInjector) Inject(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty packet")
	}
	switch data[0] >> 4 {
	case 4:
		if len(data) < 20 {
			return fmt.Errorf("truncated IPv4 packet")
		}
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], data[16:20])
		return unix.Sendto(i.fd4, data, 0, &sa)
	case 6:
		if len(data) < 40 {
			return fmt.Errorf("truncated IPv6 packet")
		}
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], data[24:40])
		return unix.Sendto(i.fd6, data, 0, &sa)
	default:
		return fmt.Errorf("not an IP packet")
	}
}

func (i *IPInjector) Close() error {
	err4 := unix.Close(i.fd4)
	err6 := unix.Close(i.fd6)
	if err4 != nil {
		return err4
	}
	return err6
}
