package wire

import (
	"github.com/miekg/dns"
)

// AppendQuestion sets the single question on the packet. A DNS message
// here always carries exactly one question.
func AppendQuestion(p *Packet, q dns.Question) {
	p.Msg.Question = []dns.Question{q}
}

// AppendRRs appends rrs to the given section, one at a time, stopping (and
// returning ErrSizeExceeded) as soon as the next RR would grow the packet
// past MaxSize. The append of each individual RR is atomic: a RR that
// doesn't fit is never partially written. Returns the number of RRs
// actually appended.
func AppendRRs(p *Packet, section Section, rrs []dns.RR) (int, error) {
	if p.MaxSize <= 0 {
		// No limit configured (e.g. building a reply that will never be
		// truncated, such as a TCP reply before length-prefixing).
		appendTo(p, section, rrs)
		return len(rrs), nil
	}

	written := 0
	for _, rr := range rrs {
		if !fitsAfterAppend(p, section, rr) {
			return written, ErrSizeExceeded
		}
		appendTo(p, section, []dns.RR{rr})
		written++
	}
	return written, nil
}

func fitsAfterAppend(p *Packet, section Section, rr dns.RR) bool {
	before := p.Msg.Len()
	appendTo(p, section, []dns.RR{rr})
	after := p.Msg.Len()
	removeLast(p, section)
	// before is not consulted; only the post-append length decides whether
	// rr fits.
	_ = before
	return after <= p.MaxSize
}

func appendTo(p *Packet, section Section, rrs []dns.RR) {
	switch section {
	case SectionAnswer:
		p.Msg.Answer = append(p.Msg.Answer, rrs...)
	case SectionAuthority:
		p.Msg.Ns = append(p.Msg.Ns, rrs...)
	case SectionAdditional:
		p.Msg.Extra = append(p.Msg.Extra, rrs...)
	}
}

func removeLast(p *Packet, section Section) {
	switch section {
	case SectionAnswer:
		p.Msg.Answer = p.Msg.Answer[:len(p.Msg.Answer)-1]
	case SectionAuthority:
		p.Msg.Ns = p.Msg.Ns[:len(p.Msg.Ns)-1]
	case SectionAdditional:
		p.Msg.Extra = p.Msg.Extra[:len(p.Msg.Extra)-1]
	}
}

// Truncate drops RRs from the end of the additional, then authority, then
// answer sections until the packet's wire length is at or below newSize.
// It never removes the question. Callers are responsible for setting the
// TC bit; Truncate itself only shrinks the packet.
func Truncate(p *Packet, newSize int) {
	for p.Msg.Len() > newSize && len(p.Msg.Extra) > 0 {
		p.Msg.Extra = p.Msg.Extra[:len(p.Msg.Extra)-1]
	}
	for p.Msg.Len() > newSize && len(p.Msg.Ns) > 0 {
		p.Msg.Ns = p.Msg.Ns[:len(p.Msg.Ns)-1]
	}
	for p.Msg.Len() > newSize && len(p.Msg.Answer) > 0 {
		p.Msg.Answer = p.Msg.Answer[:len(p.Msg.Answer)-1]
	}
}

// HeaderFlags holds every header-level bit the Reply Finalizer sets.
type HeaderFlags struct {
	QR    bool
	AA    bool
	TC    bool
	RD    bool
	RA    bool
	AD    bool
	CD    bool
	Rcode int
}

// SetHeaderFlags applies f to the packet's header.
func SetHeaderFlags(p *Packet, f HeaderFlags) {
	p.Msg.Response = f.QR
	p.Msg.Authoritative = f.AA
	p.Msg.Truncated = f.TC
	p.Msg.RecursionDesired = f.RD
	p.Msg.RecursionAvailable = f.RA
	p.Msg.AuthenticatedData = f.AD
	p.Msg.CheckingDisabled = f.CD
	p.Msg.Rcode = f.Rcode
}

// AppendOPT appends an EDNS(0) OPT pseudo-RR advertising udpSize, with the
// DNSSEC OK bit set per doBit, and an NSID option if nsid is non-empty.
func AppendOPT(p *Packet, udpSize uint16, doBit bool, nsid string) {
	opt := p.Msg.IsEdns0()
	if opt == nil {
		opt = new(dns.OPT)
		opt.Hdr.Name = "."
		opt.Hdr.Rrtype = dns.TypeOPT
		p.Msg.Extra = append(p.Msg.Extra, opt)
	}
	opt.SetUDPSize(udpSize)
	opt.SetDo(doBit)

	if nsid != "" {
		opt.Option = append(opt.Option, &dns.EDNS0_NSID{
			Code: dns.EDNS0NSID,
			Nsid: hexEncode(nsid),
		})
	}
}

// PatchMaxUDPSize overwrites the advertised UDP payload size on an
// existing OPT RR, if present. It is a no-op if the packet has no OPT.
func PatchMaxUDPSize(p *Packet, v uint16) {
	if opt := p.Msg.IsEdns0(); opt != nil {
		opt.SetUDPSize(v)
	}
}

func hexEncode(s string) string {
	const hextable = "0123456789abcdef"
	b := make([]byte, len(s)*2)
	for i := 0; i < len(s); i++ {
		b[i*2] = hextable[s[i]>>4]
		b[i*2+1] = hextable[s[i]&0x0f]
	}
	return string(b)
}
