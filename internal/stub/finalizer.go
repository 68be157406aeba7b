package stub

import (
	"github.com/miekg/dns"

	"github.com/kszczek/dnsstub/internal/metrics"
	"github.com/kszczek/dnsstub/internal/resolver"
	"github.com/kszczek/dnsstub/internal/wire"
)

// PrimaryAdvertisedUDPSize is the UDP payload size the primary (loopback)
// listener advertises in its replies: 65536 minus ethernet/IP/UDP headers,
// since loopback traffic never actually fragments.
const PrimaryAdvertisedUDPSize = 65536 - 14 - 20 - 8

// ExtraAdvertisedUDPSize is the UDP payload size extra listeners
// advertise: DNS_PACKET_UNICAST_SIZE_LARGE_MAX.
const ExtraAdvertisedUDPSize = 4096

// defaultClientUDPSize is the classic (pre-EDNS) UDP payload limit assumed
// for a request that carries no OPT.
const defaultClientUDPSize = 512

// AdvertisedUDPSize returns the size this stub advertises in its own OPT
// RR for a query accepted on the given listener.
func AdvertisedUDPSize(via ListenerID) uint16 {
	if via.Primary {
		return PrimaryAdvertisedUDPSize
	}
	return ExtraAdvertisedUDPSize
}

// Finalize builds the reply packet for a normally-assembled answer,
// deriving header flags, appending OPT/NSID, and enforcing the truncation
// policy.
func Finalize(q *StubQuery, answer resolver.ResolverAnswer, sections AssembledSections, nsidValue string) *wire.Packet {
	req := q.Request
	ourAdvertisedUDPSize := AdvertisedUDPSize(q.Via)

	opt := req.Msg.IsEdns0()
	hasOPT := opt != nil
	do := hasOPT && opt.Do()
	clientUDPSize := uint16(defaultClientUDPSize)
	requestedNSID := false
	if hasOPT {
		if s := opt.UDPSize(); s > 0 {
			clientUDPSize = s
		}
		for _, o := range opt.Option {
			if _, ok := o.(*dns.EDNS0_NSID); ok {
				requestedNSID = true
			}
		}
	}

	secure := answer.DNSSEC == resolver.DNSSECSecure || answer.DNSSEC == resolver.DNSSECInsecure
	ednsDO := do && (secure || answer.FullyAuthenticated || req.Msg.CheckingDisabled)
	aa := answer.FullySynthetic
	ad := req.Msg.AuthenticatedData && answer.FullyAuthenticated
	cd := req.Msg.CheckingDisabled && ednsDO

	rcode := answer.Rcode
	if !hasOPT && rcode > 15 {
		rcode = dns.RcodeServerFailure
	}

	replyMsg := new(dns.Msg)
	replyMsg.SetReply(req.Msg)
	reply := &wire.Packet{Msg: replyMsg, Protocol: req.Protocol}

	if hasOPT {
		nsid := ""
		if requestedNSID && q.Via.Primary {
			nsid = nsidValue
		}
		wire.AppendOPT(reply, ourAdvertisedUDPSize, ednsDO, nsid)
	}

	tc := false
	if req.Protocol == wire.ProtocolTCP {
		reply.MaxSize = 0
		appendAllSections(reply, sections, ednsDO)
	} else {
		maxSize := int(clientUDPSize)
		if int(ourAdvertisedUDPSize) < maxSize {
			maxSize = int(ourAdvertisedUDPSize)
		}
		reply.MaxSize = maxSize

		if reply.Len() > maxSize {
			tc = true
		} else {
			_, err := wire.AppendRRs(reply, wire.SectionAnswer, Emit(sections.Answer, ednsDO))
			if err != nil {
				tc = true
			} else {
				_, err = wire.AppendRRs(reply, wire.SectionAuthority, Emit(sections.Authority, ednsDO))
				if err != nil && ednsDO {
					tc = true
				}
				// ADDITIONAL overflow silently drops trailing RRs, no TC.
				_, _ = wire.AppendRRs(reply, wire.SectionAdditional, Emit(sections.Additional, ednsDO))
			}
		}
	}

	if tc {
		metrics.TruncatedReplies.Inc()
	}
	wire.SetHeaderFlags(reply, wire.HeaderFlags{
		QR: true, AA: aa, TC: tc, RD: true, RA: true, AD: ad, CD: cd, Rcode: rcode,
	})

	return reply
}

func appendAllSections(reply *wire.Packet, sections AssembledSections, ednsDO bool) {
	_, _ = wire.AppendRRs(reply, wire.SectionAnswer, Emit(sections.Answer, ednsDO))
	_, _ = wire.AppendRRs(reply, wire.SectionAuthority, Emit(sections.Authority, ednsDO))
	_, _ = wire.AppendRRs(reply, wire.SectionAdditional, Emit(sections.Additional, ednsDO))
}

// FinalizeBypass patches a validated upstream packet nearly verbatim:
// transaction ID, advertised UDP size and TTLs adjusted for elapsed time.
// Returns ok=false if no upstream packet is available and the caller
// should fall through to the normal assembly path.
func FinalizeBypass(q *StubQuery, answer resolver.ResolverAnswer) (*wire.Packet, bool) {
	if answer.UpstreamPacket == nil {
		return nil, false
	}

	up := answer.UpstreamPacket.Copy()
	up.Id = q.Request.Msg.Id

	reply := &wire.Packet{Msg: up, Protocol: q.Request.Protocol}
	wire.PatchMaxUDPSize(reply, AdvertisedUDPSize(q.Via))
	if !answer.UpstreamArrived.IsZero() {
		wire.PatchTTLs(reply, answer.UpstreamArrived)
	}

	if reply.Protocol == wire.ProtocolUDP {
		clientUDPSize := uint16(defaultClientUDPSize)
		if opt := q.Request.Msg.IsEdns0(); opt != nil {
			if s := opt.UDPSize(); s > 0 {
				clientUDPSize = s
			}
		}
		if reply.Len() > int(clientUDPSize) {
			wire.Truncate(reply, int(clientUDPSize))
			reply.Msg.Truncated = true
			metrics.TruncatedReplies.Inc()
		}
	}

	return reply, true
}

// Reject builds a reply carrying only an RCODE, for ingress validation
// failures. If the request carried an OPT, the reply echoes one back
// (unset DO, no NSID) so e.g. BADVERS can be expressed through the
// extended RCODE.
func Reject(req *wire.Packet, rcode int, via ListenerID) *wire.Packet {
	m := new(dns.Msg)
	m.SetRcode(req.Msg, rcode)
	m.RecursionAvailable = true

	reply := &wire.Packet{Msg: m, Protocol: req.Protocol}
	if req.HasOPT() {
		wire.AppendOPT(reply, AdvertisedUDPSize(via), false, "")
	} else if rcode > 15 {
		reply.Msg.Rcode = dns.RcodeServerFailure
	}
	return reply
}
