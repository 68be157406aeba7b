package wire_test

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kszczek/dnsstub/internal/wire"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestAppendRRsAtomicOnOverflow(t *testing.T) {
	p := wire.New(0)
	p.MaxSize = 40
	wire.AppendQuestion(p, dns.Question{Name: "example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET})

	rrs := []dns.RR{
		mustRR(t, "example.test. 300 IN A 203.0.113.7"),
		mustRR(t, "example.test. 300 IN A 203.0.113.8"),
		mustRR(t, "example.test. 300 IN A 203.0.113.9"),
	}

	n, err := wire.AppendRRs(p, wire.SectionAnswer, rrs)
	assert.ErrorIs(t, err, wire.ErrSizeExceeded)
	assert.Less(t, n, len(rrs))
	assert.Equal(t, n, len(p.Msg.Answer))
	assert.LessOrEqual(t, p.Len(), p.MaxSize)
}

func TestAppendRRsNoLimit(t *testing.T) {
	p := wire.New(0)
	p.MaxSize = 0
	rrs := []dns.RR{mustRR(t, "example.test. 300 IN A 203.0.113.7")}
	n, err := wire.AppendRRs(p, wire.SectionAnswer, rrs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendOPTAndPatchMaxUDPSize(t *testing.T) {
	p := wire.New(0)
	wire.AppendOPT(p, 4096, true, "")
	opt := p.Msg.IsEdns0()
	require.NotNil(t, opt)
	assert.Equal(t, uint16(4096), opt.UDPSize())
	assert.True(t, opt.Do())

	wire.PatchMaxUDPSize(p, 1232)
	assert.Equal(t, uint16(1232), p.Msg.IsEdns0().UDPSize())
}

func TestAppendOPTWithNSID(t *testing.T) {
	p := wire.New(0)
	wire.AppendOPT(p, 4096, false, "abcd")
	opt := p.Msg.IsEdns0()
	require.NotNil(t, opt)
	require.Len(t, opt.Option, 1)
	nsid, ok := opt.Option[0].(*dns.EDNS0_NSID)
	require.True(t, ok)
	assert.Equal(t, "61626364", nsid.Nsid)
}

func TestTruncateDropsAdditionalFirst(t *testing.T) {
	p := wire.New(0)
	wire.AppendQuestion(p, dns.Question{Name: "example.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	p.Msg.Answer = []dns.RR{mustRR(t, "example.test. 300 IN A 203.0.113.7")}
	p.Msg.Extra = []dns.RR{mustRR(t, "example.test. 300 IN A 203.0.113.8")}

	before := p.Len()
	wire.Truncate(p, before-1)

	assert.Empty(t, p.Msg.Extra)
	assert.NotEmpty(t, p.Msg.Answer)
}

func TestSetHeaderFlags(t *testing.T) {
	p := wire.New(0)
	wire.SetHeaderFlags(p, wire.HeaderFlags{QR: true, AA: true, TC: true, RD: true, RA: true, AD: true, CD: true, Rcode: dns.RcodeServerFailure})

	assert.True(t, p.Msg.Response)
	assert.True(t, p.Msg.Authoritative)
	assert.True(t, p.Msg.Truncated)
	assert.True(t, p.Msg.RecursionDesired)
	assert.True(t, p.Msg.RecursionAvailable)
	assert.True(t, p.Msg.AuthenticatedData)
	assert.True(t, p.Msg.CheckingDisabled)
	assert.Equal(t, dns.RcodeServerFailure, p.Msg.Rcode)
}
