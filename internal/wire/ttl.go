package wire

import (
	"time"

	"github.com/miekg/dns"
)

// PatchTTLs reduces every RR's TTL by the whole number of seconds elapsed
// since `since`, clamping at zero. The wire length is unaffected: TTLs are
// fixed-width fields, so rewriting one never changes a message's encoded
// size.
func PatchTTLs(p *Packet, since time.Time) {
	elapsed := uint32(time.Since(since) / time.Second)
	if elapsed == 0 {
		return
	}
	patchSection(p.Msg.Answer, elapsed)
	patchSection(p.Msg.Ns, elapsed)
	patchSection(p.Msg.Extra, elapsed)
}

func patchSection(rrs []dns.RR, elapsed uint32) {
	for _, rr := range rrs {
		if rr.Header().Rrtype == dns.TypeOPT {
			// The OPT pseudo-RR's Hdr.Ttl isn't a TTL: it's the packed
			// extended-RCODE/version/DO-bit/Z-flags word. Never touch it.
			continue
		}
		hdr := rr.Header()
		if hdr.Ttl <= elapsed {
			hdr.Ttl = 0
		} else {
			hdr.Ttl -= elapsed
		}
	}
}
