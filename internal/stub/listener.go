// Listener Set: owns every UDP/TCP socket the stub listens on, demuxes
// inbound packets and streams to the Request Dispatcher, and carries out
// the egress rule for UDP replies: pin the reply's source address and
// interface to match how the request arrived.
package stub

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	tfo "github.com/database64128/tfo-go/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/kszczek/dnsstub/internal/log"
	"github.com/kszczek/dnsstub/internal/mgr"
	"github.com/kszczek/dnsstub/internal/wire"
)

const maxUDPDatagram = 65535

// packetConn is the minimal surface the Listener Set needs from either an
// IPv4 or an IPv6 UDP socket: read with the arrival interface index,
// write pinned to a chosen source address and egress interface.
type packetConn interface {
	ReadFrom(b []byte) (n int, ifIndex int, src netip.AddrPort, err error)
	WriteTo(b []byte, ifIndex int, src netip.Addr, dst netip.AddrPort) (int, error)
	Close() error
}

type v4PacketConn struct{ pc *ipv4.PacketConn }

func (c v4PacketConn) ReadFrom(b []byte) (int, int, netip.AddrPort, error) {
	n, cm, addr, err := c.pc.ReadFrom(b)
	if err != nil {
		return n, 0, netip.AddrPort{}, err
	}
	src, ok := addrPortOf(addr)
	if !ok {
		return n, 0, netip.AddrPort{}, fmt.Errorf("stub: unexpected source address type %T", addr)
	}
	ifIndex := 0
	if cm != nil {
		ifIndex = cm.IfIndex
	}
	return n, ifIndex, src, nil
}

func (c v4PacketConn) WriteTo(b []byte, ifIndex int, src netip.Addr, dst netip.AddrPort) (int, error) {
	cm := &ipv4.ControlMessage{IfIndex: ifIndex}
	if src.IsValid() {
		cm.Src = src.AsSlice()
	}
	return c.pc.WriteTo(b, cm, net.UDPAddrFromAddrPort(dst))
}

func (c v4PacketConn) Close() error { return c.pc.Close() }

type v6PacketConn struct{ pc *ipv6.PacketConn }

func (c v6PacketConn) ReadFrom(b []byte) (int, int, netip.AddrPort, error) {
	n, cm, addr, err := c.pc.ReadFrom(b)
	if err != nil {
		return n, 0, netip.AddrPort{}, err
	}
	src, ok := addrPortOf(addr)
	if !ok {
		return n, 0, netip.AddrPort{}, fmt.Errorf("stub: unexpected source address type %T", addr)
	}
	ifIndex := 0
	if cm != nil {
		ifIndex = cm.IfIndex
	}
	return n, ifIndex, src, nil
}

func (c v6PacketConn) WriteTo(b []byte, ifIndex int, src netip.Addr, dst netip.AddrPort) (int, error) {
	cm := &ipv6.ControlMessage{IfIndex: ifIndex}
	if src.IsValid() {
		cm.Src = src.AsSlice()
	}
	return c.pc.WriteTo(b, cm, net.UDPAddrFromAddrPort(dst))
}

func (c v6PacketConn) Close() error { return c.pc.Close() }

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	return ua.AddrPort(), true
}

// endpoint owns the sockets for one listener, primary or extra.
type endpoint struct {
	id  ListenerID
	pc  packetConn // nil if UDP disabled for this endpoint
	tcp net.Listener

	// pinSrc is the source address UDP replies from this endpoint are
	// forced to use; zero Addr means "use the interface the request
	// arrived on" (extra listeners reply on the packet's own ifindex).
	pinSrc  netip.Addr
	pinIf   int
	hasPinIf bool
}

func (ep *endpoint) close() error {
	var result *multierror.Error
	if ep.pc != nil {
		if err := ep.pc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if ep.tcp != nil {
		if err := ep.tcp.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ListenerSet owns every socket the stub listens on and demultiplexes
// inbound packets/streams to the Request Dispatcher.
type ListenerSet struct {
	mgr        *mgr.Manager
	dispatcher *Dispatcher

	primary *endpoint
	extra   []*endpoint
}

// NewListenerSet binds cfg's endpoints and starts their accept/read loops
// under m. A bind failure on the primary endpoint only logs a warning
// (the stub continues without it); a bind/listen failure on an extra
// endpoint disables only that endpoint.
func NewListenerSet(m *mgr.Manager, d *Dispatcher, cfg Config) *ListenerSet {
	ls := &ListenerSet{mgr: m, dispatcher: d}

	if cfg.PrimaryEnabled {
		if ep, err := ls.bindPrimary(); err != nil {
			log.Warningf("stub: primary listener disabled: %s", err)
		} else {
			ls.primary = ep
			ls.serve(ep)
		}
	}

	for _, ec := range cfg.Extra {
		ep, err := ls.bindExtra(ec)
		if err != nil {
			log.Warningf("stub: extra listener %+v disabled: %s", ec, err)
			continue
		}
		ls.extra = append(ls.extra, ep)
		ls.serve(ep)
	}

	return ls
}

// Close closes every bound socket, accumulating any errors encountered
// along the way rather than stopping at the first one.
func (ls *ListenerSet) Close() error {
	var result *multierror.Error
	if ls.primary != nil {
		if err := ls.primary.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, ep := range ls.extra {
		if err := ep.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (ls *ListenerSet) bindPrimary() (*endpoint, error) {
	addr := DefaultPrimaryAddress
	id := ListenerID{Primary: true, Addr: addr}

	lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error { return controlPrimary(network, c) }}
	pc4, err := lc.ListenPacket(ls.mgr.Ctx(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("udp bind: %w", err)
	}
	ifIndex, err := loopbackIfIndex()
	if err != nil {
		_ = pc4.Close()
		return nil, fmt.Errorf("resolve loopback interface: %w", err)
	}

	tlc := tfo.ListenConfig{ListenConfig: net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error { return controlPrimary(network, c) }}}
	tcpLn, err := tlc.Listen(ls.mgr.Ctx(), "tcp4", addr.String())
	if err != nil {
		_ = pc4.Close()
		return nil, fmt.Errorf("tcp listen: %w", err)
	}

	ipv4pc := ipv4.NewPacketConn(pc4)
	_ = ipv4pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagSrc, true)

	return &endpoint{
		id:       id,
		pc:       v4PacketConn{pc: ipv4pc},
		tcp:      tcpLn,
		pinSrc:   addr.Addr(),
		pinIf:    ifIndex,
		hasPinIf: true,
	}, nil
}

func (ls *ListenerSet) bindExtra(ec ExtraListenerConfig) (*endpoint, error) {
	addrPort := netip.AddrPortFrom(ec.Addr, ec.Port)
	id := ListenerID{Primary: false, Addr: addrPort}
	network4or6 := func(base string) string {
		if ec.Family == FamilyV6 {
			return base + "6"
		}
		return base + "4"
	}

	ep := &endpoint{id: id}

	if ec.Mode.servesUDP() {
		lc := net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error { return controlExtra(network, c) }}
		pc, err := lc.ListenPacket(ls.mgr.Ctx(), network4or6("udp"), addrPort.String())
		if err != nil {
			return nil, fmt.Errorf("udp bind: %w", err)
		}
		if ec.Family == FamilyV6 {
			ipv6pc := ipv6.NewPacketConn(pc)
			_ = ipv6pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagSrc, true)
			ep.pc = v6PacketConn{pc: ipv6pc}
		} else {
			ipv4pc := ipv4.NewPacketConn(pc)
			_ = ipv4pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagSrc, true)
			ep.pc = v4PacketConn{pc: ipv4pc}
		}
	}

	if ec.Mode.servesTCP() {
		tlc := tfo.ListenConfig{ListenConfig: net.ListenConfig{Control: func(network, _ string, c syscall.RawConn) error { return controlExtra(network, c) }}}
		tcpLn, err := tlc.Listen(ls.mgr.Ctx(), network4or6("tcp"), addrPort.String())
		if err != nil {
			if ep.pc != nil {
				_ = ep.pc.Close()
			}
			return nil, fmt.Errorf("tcp listen: %w", err)
		}
		ep.tcp = tcpLn
	}

	return ep, nil
}

func (ls *ListenerSet) serve(ep *endpoint) {
	if ep.pc != nil {
		ls.mgr.Go(fmt.Sprintf("udp listener %s", ep.id.Addr), func(w *mgr.WorkerCtx) error {
			return ls.readUDP(ep)
		})
	}
	if ep.tcp != nil {
		ls.mgr.Go(fmt.Sprintf("tcp listener %s", ep.id.Addr), func(w *mgr.WorkerCtx) error {
			return ls.acceptTCP(ep)
		})
	}
}

func (ls *ListenerSet) readUDP(ep *endpoint) error {
	buf := make([]byte, maxUDPDatagram)
	for {
		n, ifIndex, remote, err := ep.pc.ReadFrom(buf)
		if err != nil {
			if ls.mgr.IsDone() {
				return nil
			}
			log.Warningf("stub: udp read on %s failed: %s", ep.id.Addr, err)
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		arrived := time.Now()

		replyIfIndex := ifIndex
		replySrc := netip.Addr{}
		if ep.hasPinIf {
			replyIfIndex = ep.pinIf
			replySrc = ep.pinSrc
		}

		ls.dispatcher.HandleUDP(raw, remote, ep.id, arrived, func(reply *wire.Packet) error {
			out, err := reply.Msg.Pack()
			if err != nil {
				return err
			}
			_, err = ep.pc.WriteTo(out, replyIfIndex, replySrc, remote)
			return err
		})
	}
}

func (ls *ListenerSet) acceptTCP(ep *endpoint) error {
	for {
		conn, err := ep.tcp.Accept()
		if err != nil {
			if ls.mgr.IsDone() {
				return nil
			}
			log.Warningf("stub: tcp accept on %s failed: %s", ep.id.Addr, err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		stream := NewStream(conn)
		ls.mgr.Go(fmt.Sprintf("tcp stream %s", conn.RemoteAddr()), func(w *mgr.WorkerCtx) error {
			ls.serveStream(stream, ep)
			return nil
		})
	}
}

// serveStream reads length-framed DNS messages off a TCP stream
// (RFC 1035 §4.2.2's 2-byte length prefix) until a read fails (including
// EOF) or a zero-length frame arrives, handing each complete message to
// the Dispatcher. It does not watch the manager's context. When reading
// ends, every query the stream still carries is cancelled before the
// connection is closed.
func (ls *ListenerSet) serveStream(stream *Stream, ep *endpoint) {
	defer func() {
		for _, key := range stream.Keys() {
			ls.dispatcher.CancelCarried(key)
		}
		_ = stream.Close()
	}()

	lenBuf := make([]byte, 2)
	for {
		if _, err := readFull(stream.Conn(), lenBuf); err != nil {
			return
		}
		msgLen := binary.BigEndian.Uint16(lenBuf)
		if msgLen == 0 {
			return
		}
		msgBuf := make([]byte, msgLen)
		if _, err := readFull(stream.Conn(), msgBuf); err != nil {
			return
		}

		ls.dispatcher.HandleTCP(msgBuf, stream, ep.id, time.Now())
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteStream frames reply as a 2-byte-length-prefixed DNS message and
// writes it to the stream, per RFC 1035 §4.2.2.
func WriteStream(stream *Stream, reply *wire.Packet) error {
	out, err := reply.Msg.Pack()
	if err != nil {
		return err
	}
	if len(out) > 0xFFFF {
		return errors.New("stub: tcp reply exceeds 65535 bytes")
	}
	framed := make([]byte, 2+len(out))
	binary.BigEndian.PutUint16(framed, uint16(len(out)))
	copy(framed[2:], out)

	stream.mu.Lock()
	defer stream.mu.Unlock()
	_, err = stream.conn.Write(framed)
	return err
}
