// Request Dispatcher: ingress validation, duplicate suppression, and
// translation of wire requests into resolver.Query submissions.
package stub

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/kszczek/dnsstub/internal/log"
	"github.com/kszczek/dnsstub/internal/metrics"
	"github.com/kszczek/dnsstub/internal/mgr"
	"github.com/kszczek/dnsstub/internal/resolver"
	"github.com/kszczek/dnsstub/internal/wire"
)

// obsoleteQTypes rejects classically obsolete query types: MD/MF were
// formally obsoleted by RFC 973, MAILA/MAILB are the RFC 1035 §3.2.3
// compatibility types almost no resolver still serves.
var obsoleteQTypes = map[uint16]bool{
	dns.TypeMD:    true,
	dns.TypeMF:    true,
	dns.TypeMAILA: true,
	dns.TypeMAILB: true,
}

func isZoneTransfer(qtype uint16) bool {
	return qtype == dns.TypeAXFR || qtype == dns.TypeIXFR
}

// Dispatcher performs ingress validation, duplicate suppression, and
// translation of a wire request into an abstract resolver.Query submitted
// to the external Resolver.
type Dispatcher struct {
	mgr      *mgr.Manager
	resolver resolver.Resolver
	nsid     string

	mu       sync.Mutex
	inflight map[DuplicateKey]*StubQuery
}

// NewDispatcher returns a Dispatcher submitting to r, advertising nsid on
// the primary listener.
func NewDispatcher(m *mgr.Manager, r resolver.Resolver, nsid string) *Dispatcher {
	return &Dispatcher{
		mgr:      m,
		resolver: r,
		nsid:     nsid,
		inflight: make(map[DuplicateKey]*StubQuery),
	}
}

// HandleUDP processes one inbound UDP datagram. reply is called at most
// once, with the finished reply packet, if a reply is warranted.
func (d *Dispatcher) HandleUDP(raw []byte, remote netip.AddrPort, via ListenerID, arrived time.Time, reply func(*wire.Packet) error) {
	d.mgr.Go("handle udp request", func(w *mgr.WorkerCtx) error {
		d.handle(w.Ctx(), raw, wire.ProtocolUDP, remote, via, arrived, nil, func(p *wire.Packet) {
			if err := reply(p); err != nil {
				log.Warningf("stub: udp reply send failed: %s", err)
			}
		})
		return nil
	})
}

// HandleTCP processes one length-framed message read off a TCP stream.
func (d *Dispatcher) HandleTCP(raw []byte, stream *Stream, via ListenerID, arrived time.Time) {
	d.mgr.Go("handle tcp request", func(w *mgr.WorkerCtx) error {
		remote, _ := anyAddrPort(stream.Conn().RemoteAddr())
		d.handle(w.Ctx(), raw, wire.ProtocolTCP, remote, via, arrived, stream, func(p *wire.Packet) {
			if err := WriteStream(stream, p); err != nil {
				log.Warningf("stub: tcp reply send failed: %s", err)
			}
		})
		return nil
	})
}

// CancelCarried aborts the resolver transaction for an in-flight query and
// drops it from the in-flight table without replying. Used when the
// stream carrying the query closes before a reply was sent.
func (d *Dispatcher) CancelCarried(key DuplicateKey) {
	d.mu.Lock()
	q, ok := d.inflight[key]
	delete(d.inflight, key)
	d.mu.Unlock()

	if ok && q.Handle != nil {
		d.resolver.Abort(q.Handle)
	}
}

func (d *Dispatcher) handle(
	ctx context.Context,
	raw []byte,
	proto wire.Protocol,
	remote netip.AddrPort,
	via ListenerID,
	arrived time.Time,
	stream *Stream,
	send func(*wire.Packet),
) {
	start := time.Now()
	defer metrics.RequestDuration.UpdateDuration(start)
	metrics.RequestsTotal.Inc()

	ctx, tracer := log.AddTracer(ctx)
	defer tracer.Submit()

	// Primary listener only: sender and destination both loopback. The
	// destination is loopback by construction (the primary endpoint binds
	// exclusively to 127.0.0.53), checked here defensively anyway. This
	// and the checks below need only the raw bytes and the already-parsed
	// sender/listener metadata, so they run before the packet is decoded:
	// a malformed retransmit must still be deduplicated rather than
	// re-parsed and answered with a fresh FORMERR every time.
	if via.Primary && (!remote.Addr().IsLoopback() || !via.Addr.Addr().IsLoopback()) {
		tracer.Warningf("stub: dropping non-loopback request to primary listener from %s", remote)
		return
	}

	// Drop loopback echoes of our own upstream queries.
	if d.resolver.PacketIsOurOwn(raw) {
		tracer.Tracef("stub: dropping looped-back upstream query")
		return
	}

	key, ok := NewDuplicateKey(via, proto, remote, raw)
	if !ok {
		tracer.Warningf("stub: request too short to key (%d bytes)", len(raw))
		send(rejectMalformed(raw, proto))
		return
	}

	if d.isDuplicate(key, raw) {
		metrics.DuplicateSuppressed.Inc()
		tracer.Debugf("stub: dropping duplicate request")
		return
	}

	req, err := wire.Decode(raw, 0)
	if err != nil {
		tracer.Warningf("stub: malformed request from %s: %s", remote, err)
		send(rejectMalformed(raw, proto))
		return
	}
	req.Protocol = proto
	req.Remote = remote
	req.Local = via.Addr
	req.Arrived = arrived

	switch len(req.Msg.Question) {
	case 1:
		// continue below
	default:
		tracer.Warningf("stub: rejecting request with %d questions", len(req.Msg.Question))
		send(Reject(req, dns.RcodeFormatError, via))
		return
	}
	question := req.Msg.Question[0]

	opt := req.Msg.IsEdns0()
	if opt != nil && opt.Version() != 0 {
		tracer.Warningf("stub: rejecting request with unsupported edns version %d", opt.Version())
		send(Reject(req, dns.RcodeBadVers, via))
		return
	}

	switch {
	case obsoleteQTypes[question.Qtype]:
		tracer.Debugf("stub: refusing obsolete qtype %s", dns.Type(question.Qtype))
		send(Reject(req, dns.RcodeRefused, via))
		return
	case isZoneTransfer(question.Qtype):
		tracer.Debugf("stub: refusing zone transfer qtype %s", dns.Type(question.Qtype))
		send(Reject(req, dns.RcodeRefused, via))
		return
	case !req.Msg.RecursionDesired:
		tracer.Debugf("stub: refusing request with rd=0")
		send(Reject(req, dns.RcodeRefused, via))
		return
	}

	q := &StubQuery{
		Request:          req,
		RawBytes:         raw,
		OriginalQuestion: question,
		Via:              via,
		Stream:           stream,
		Key:              key,
	}

	do := false
	if opt != nil {
		do = opt.Do()
		q.RequestedNSID = hasNSIDOption(opt)
		if s := opt.UDPSize(); s > 0 {
			q.ClientUDPSize = s
		}
	}
	cd := req.Msg.CheckingDisabled
	tracer.Tracef(
		"stub: dispatching %s%s via %s (do=%v cd=%v nsid=%v udpsize=%d)",
		question.Name, dns.Type(question.Qtype), via.Addr, do, cd, q.RequestedNSID, q.ClientUDPSize,
	)

	// Installation in the in-flight table is best-effort: a failure only
	// weakens duplicate suppression for this request, never aborts it.
	d.register(key, q)
	if stream != nil {
		stream.Add(key)
	}

	if do && cd {
		q.Mode = ModeBypass
		flags := resolver.FlagAllProtocols | resolver.FlagNoCNAME | resolver.FlagNoSearch |
			resolver.FlagNoValidate | resolver.FlagRequirePrimary | resolver.FlagClampTTL
		handle, err := d.resolver.SubmitRaw(ctx, raw, flags, func(answer resolver.ResolverAnswer) {
			d.complete(q, send, answer)
		})
		if err != nil {
			tracer.Errorf("stub: failed to submit bypass query: %s", err)
			d.finish(q)
			send(Reject(req, dns.RcodeServerFailure, via))
			return
		}
		q.Handle = handle
		return
	}

	q.Mode = ModeNormal
	flags := resolver.FlagAllProtocols | resolver.FlagNoSearch | resolver.FlagClampTTL
	if do {
		flags |= resolver.FlagRequirePrimary
	}
	rq := resolver.Query{Name: question.Name, Type: dns.Type(question.Qtype), Class: question.Qclass, Flags: flags}
	handle, err := d.resolver.Submit(ctx, rq, func(answer resolver.ResolverAnswer) {
		d.complete(q, send, answer)
	})
	if err != nil {
		tracer.Errorf("stub: failed to submit query: %s", err)
		d.finish(q)
		send(Reject(req, dns.RcodeServerFailure, via))
		return
	}
	q.Handle = handle
}

// complete maps a resolver completion onto a reply action.
func (d *Dispatcher) complete(q *StubQuery, send func(*wire.Packet), answer resolver.ResolverAnswer) {
	metrics.RepliesByRcode(answer.Rcode)

	if answer.State == resolver.StateAliasRestart {
		// The resolver is restarting the transaction internally to follow
		// an alias chain; no reply yet, and the query stays in-flight for
		// whatever completion eventually follows.
		return
	}
	defer d.finish(q)

	switch answer.State {
	case resolver.StateSuccess, resolver.StateLoop, resolver.StateRcodeFailure:
		d.sendAssembled(q, answer, send)
	case resolver.StateNotFound:
		send(Reject(q.Request, dns.RcodeNameError, q.Via))
	case resolver.StateTimeout, resolver.StateAttemptsMax:
		// The client will time out too; no reply.
	case resolver.StateNull, resolver.StatePending, resolver.StateValidating:
		log.Errorf("stub: resolver delivered unreachable state %d for %s", answer.State, q.OriginalQuestion.Name)
	default:
		send(Reject(q.Request, dns.RcodeServerFailure, q.Via))
	}
}

func (d *Dispatcher) sendAssembled(q *StubQuery, answer resolver.ResolverAnswer, send func(*wire.Packet)) {
	if q.Mode == ModeBypass {
		if reply, ok := FinalizeBypass(q, answer); ok {
			send(reply)
			return
		}
		// No usable upstream packet (absent, or mDNS/LLMNR): fall through
		// to normal assembly from the flat RR list.
	}

	opt := q.Request.Msg.IsEdns0()
	do := opt != nil && opt.Do()
	secure := answer.DNSSEC == resolver.DNSSECSecure || answer.DNSSEC == resolver.DNSSECInsecure
	ednsDO := do && (secure || answer.FullyAuthenticated || q.Request.Msg.CheckingDisabled)

	sections := Assemble(answer.Items, q.OriginalQuestion, ednsDO)
	if sections.LoopDetected {
		log.Warningf("stub: alias chain loop detected for %s", q.OriginalQuestion.Name)
	}
	send(Finalize(q, answer, sections, d.nsid))
}

func (d *Dispatcher) isDuplicate(key DuplicateKey, raw []byte) bool {
	d.mu.Lock()
	existing, ok := d.inflight[key]
	d.mu.Unlock()
	if !ok {
		return false
	}
	return bytes.Equal(existing.RawBytes, raw)
}

func (d *Dispatcher) register(key DuplicateKey, q *StubQuery) {
	d.mu.Lock()
	d.inflight[key] = q
	d.mu.Unlock()
}

func (d *Dispatcher) finish(q *StubQuery) {
	d.mu.Lock()
	delete(d.inflight, q.Key)
	d.mu.Unlock()
	if q.Stream != nil {
		q.Stream.Remove(q.Key)
	}
}

func hasNSIDOption(opt *dns.OPT) bool {
	for _, o := range opt.Option {
		if _, ok := o.(*dns.EDNS0_NSID); ok {
			return true
		}
	}
	return false
}

func rejectMalformed(raw []byte, proto wire.Protocol) *wire.Packet {
	m := new(dns.Msg)
	if len(raw) >= 2 {
		m.Id = binary.BigEndian.Uint16(raw[:2])
	}
	m.Response = true
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeFormatError
	return &wire.Packet{Msg: m, Protocol: proto}
}

// anyAddrPort extracts a netip.AddrPort from either a *net.TCPAddr or a
// *net.UDPAddr.
func anyAddrPort(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort(), true
	case *net.UDPAddr:
		return a.AddrPort(), true
	default:
		return netip.AddrPort{}, false
	}
}
