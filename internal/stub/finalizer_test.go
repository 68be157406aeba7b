package stub

import (
	"fmt"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kszczek/dnsstub/internal/resolver"
	"github.com/kszczek/dnsstub/internal/wire"
)

func newRequest(t *testing.T, name string, qtype uint16, configure func(*dns.Msg)) *wire.Packet {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true
	if configure != nil {
		configure(m)
	}
	return &wire.Packet{Msg: m, Protocol: wire.ProtocolUDP}
}

// S1: plain A query, no EDNS, one A answer.
func TestFinalizePlainAnswer(t *testing.T) {
	req := newRequest(t, "example.test.", dns.TypeA, nil)
	q := &StubQuery{Request: req, OriginalQuestion: req.Msg.Question[0], Via: ListenerID{Primary: true}}

	answer := resolver.ResolverAnswer{
		Rcode: dns.RcodeSuccess,
		Items: []resolver.AnswerItem{
			{RR: rr(t, "example.test. 300 IN A 203.0.113.7"), Section: resolver.SectionHintAnswer},
		},
	}
	sections := Assemble(answer.Items, q.OriginalQuestion, false)
	reply := Finalize(q, answer, sections, "nsid-value")

	assert.True(t, reply.Msg.Response)
	assert.True(t, reply.Msg.RecursionAvailable)
	assert.False(t, reply.Msg.AuthenticatedData)
	assert.False(t, reply.Msg.Truncated)
	assert.Equal(t, dns.RcodeSuccess, reply.Msg.Rcode)
	assert.Len(t, reply.Msg.Answer, 1)
	assert.Nil(t, reply.Msg.IsEdns0())
}

func TestFinalizeOPTMirrorsRequest(t *testing.T) {
	reqWithOPT := newRequest(t, "example.test.", dns.TypeA, func(m *dns.Msg) { m.SetEdns0(4096, false) })
	qWithOPT := &StubQuery{Request: reqWithOPT, OriginalQuestion: reqWithOPT.Msg.Question[0], Via: ListenerID{Primary: true}}
	reply := Finalize(qWithOPT, resolver.ResolverAnswer{Rcode: dns.RcodeSuccess}, AssembledSections{}, "")
	assert.NotNil(t, reply.Msg.IsEdns0())

	reqNoOPT := newRequest(t, "example.test.", dns.TypeA, nil)
	qNoOPT := &StubQuery{Request: reqNoOPT, OriginalQuestion: reqNoOPT.Msg.Question[0], Via: ListenerID{Primary: true}}
	reply2 := Finalize(qNoOPT, resolver.ResolverAnswer{Rcode: 23}, AssembledSections{}, "")
	assert.Nil(t, reply2.Msg.IsEdns0())
	assert.Equal(t, dns.RcodeServerFailure, reply2.Msg.Rcode)
}

func TestFinalizeNSIDOnlyOnPrimary(t *testing.T) {
	mkReq := func() *wire.Packet {
		return newRequest(t, "example.test.", dns.TypeA, func(m *dns.Msg) {
			m.SetEdns0(4096, false)
			opt := m.IsEdns0()
			opt.Option = append(opt.Option, &dns.EDNS0_NSID{Code: dns.EDNS0NSID})
		})
	}

	reqPrimary := mkReq()
	qPrimary := &StubQuery{Request: reqPrimary, OriginalQuestion: reqPrimary.Msg.Question[0], Via: ListenerID{Primary: true}}
	replyPrimary := Finalize(qPrimary, resolver.ResolverAnswer{Rcode: dns.RcodeSuccess}, AssembledSections{}, "host-id.resolved.example")
	assert.True(t, hasNSID(replyPrimary))

	reqExtra := mkReq()
	qExtra := &StubQuery{Request: reqExtra, OriginalQuestion: reqExtra.Msg.Question[0], Via: ListenerID{Primary: false}}
	replyExtra := Finalize(qExtra, resolver.ResolverAnswer{Rcode: dns.RcodeSuccess}, AssembledSections{}, "host-id.resolved.example")
	assert.False(t, hasNSID(replyExtra))
}

func hasNSID(p *wire.Packet) bool {
	opt := p.Msg.IsEdns0()
	if opt == nil {
		return false
	}
	for _, o := range opt.Option {
		if _, ok := o.(*dns.EDNS0_NSID); ok {
			return true
		}
	}
	return false
}

// S4: client advertises 512 bytes; the assembled answer doesn't fit.
func TestFinalizeTruncatesOversizedUDPReply(t *testing.T) {
	req := newRequest(t, "example.test.", dns.TypeA, func(m *dns.Msg) { m.SetEdns0(512, false) })
	q := &StubQuery{Request: req, OriginalQuestion: req.Msg.Question[0], Via: ListenerID{Primary: true}}

	var items []resolver.AnswerItem
	for i := 0; i < 40; i++ {
		items = append(items, resolver.AnswerItem{
			RR:      rr(t, fmt.Sprintf("example.test. 300 IN A 203.0.113.%d", i+1)),
			Section: resolver.SectionHintAnswer,
		})
	}
	answer := resolver.ResolverAnswer{Rcode: dns.RcodeSuccess, Items: items}
	sections := Assemble(items, q.OriginalQuestion, false)
	reply := Finalize(q, answer, sections, "")

	assert.True(t, reply.Msg.Truncated)
	assert.Less(t, len(reply.Msg.Answer), 40)
	assert.LessOrEqual(t, reply.Len(), 512)
}

// S6: bypass patches ID, OPT UDP size, and TTLs, leaving the rest intact.
func TestFinalizeBypassPatchesMinimally(t *testing.T) {
	upstream := new(dns.Msg)
	upstream.SetQuestion("example.test.", dns.TypeA)
	upstream.Id = 0xBEEF
	upstream.Response = true
	upstream.Answer = []dns.RR{rr(t, "example.test. 300 IN A 203.0.113.7")}
	upstream.SetEdns0(4096, true)

	req := newRequest(t, "example.test.", dns.TypeA, func(m *dns.Msg) {
		m.Id = 0x1234
		m.SetEdns0(4096, true)
	})
	q := &StubQuery{Request: req, OriginalQuestion: req.Msg.Question[0], Via: ListenerID{Primary: true}, Mode: ModeBypass}

	answer := resolver.ResolverAnswer{
		UpstreamPacket:  upstream,
		UpstreamArrived: time.Now().Add(-2 * time.Second),
	}

	reply, ok := FinalizeBypass(q, answer)
	require.True(t, ok)
	assert.Equal(t, req.Msg.Id, reply.Msg.Id)
	assert.Equal(t, uint16(PrimaryAdvertisedUDPSize), reply.Msg.IsEdns0().UDPSize())
	assert.Equal(t, uint32(298), reply.Msg.Answer[0].Header().Ttl)
	assert.True(t, reply.Msg.IsEdns0().Do(), "TTL patching must not corrupt the OPT pseudo-RR's packed flags word")
}

func TestFinalizeBypassFallsThroughWithoutUpstreamPacket(t *testing.T) {
	req := newRequest(t, "example.test.", dns.TypeA, nil)
	q := &StubQuery{Request: req, Via: ListenerID{Primary: true}, Mode: ModeBypass}
	_, ok := FinalizeBypass(q, resolver.ResolverAnswer{})
	assert.False(t, ok)
}

func TestRejectClampsRcodeWithoutOPT(t *testing.T) {
	req := newRequest(t, "example.test.", dns.TypeA, nil)
	reply := Reject(req, 23, ListenerID{Primary: true})
	assert.Equal(t, dns.RcodeServerFailure, reply.Msg.Rcode)
}
