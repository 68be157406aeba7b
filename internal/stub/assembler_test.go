package stub

import (
	"fmt"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kszczek/dnsstub/internal/resolver"
)

func rr(t *testing.T, s string) dns.RR {
	t.Helper()
	r, err := dns.NewRR(s)
	require.NoError(t, err)
	return r
}

func question(name string, qtype uint16) dns.Question {
	return dns.Question{Name: dns.Fqdn(name), Qtype: qtype, Qclass: dns.ClassINET}
}

// S2: CNAME chain + terminal A, both with RRSIG sidecars, DO=1.
func TestAssembleFlattensAliasChainWithSidecars(t *testing.T) {
	cname := rr(t, "www.example.test. 300 IN CNAME srv.example.test.")
	cnameSig := rr(t, "www.example.test. 300 IN RRSIG CNAME 8 2 300 20300101000000 20200101000000 1 example.test. AAAA==")
	a := rr(t, "srv.example.test. 300 IN A 203.0.113.9")
	aSig := rr(t, "srv.example.test. 300 IN RRSIG A 8 2 300 20300101000000 20200101000000 1 example.test. AAAA==")

	items := []resolver.AnswerItem{
		{RR: cname, Signature: cnameSig, Section: resolver.SectionHintAnswer},
		{RR: a, Signature: aSig, Section: resolver.SectionHintAnswer},
	}

	sections := Assemble(items, question("www.example.test.", dns.TypeA), true)
	require.False(t, sections.LoopDetected)
	require.Len(t, sections.Answer, 2)
	assert.Equal(t, cname, sections.Answer[0].RR)
	assert.Equal(t, a, sections.Answer[1].RR)
	assert.Empty(t, sections.Authority)

	emitted := Emit(sections.Answer, true)
	require.Len(t, emitted, 4)
	assert.Equal(t, []dns.RR{cname, cnameSig, a, aSig}, emitted)
}

func TestAssembleLoopBound(t *testing.T) {
	// A chain of 17 consecutive CNAME redirections: link[i] -> link[i+1].
	const chainLen = 17
	items := make([]resolver.AnswerItem, 0, chainLen)
	for i := 0; i < chainLen; i++ {
		from := fmt.Sprintf("link%d.example.test.", i)
		to := fmt.Sprintf("link%d.example.test.", i+1)
		items = append(items, resolver.AnswerItem{
			RR:      rr(t, fmt.Sprintf("%s 300 IN CNAME %s", from, to)),
			Section: resolver.SectionHintAnswer,
		})
	}

	sections := Assemble(items, question("link0.example.test.", dns.TypeA), false)
	assert.True(t, sections.LoopDetected)
	assert.Len(t, sections.Answer, MaxAliasChain)
}

func TestAssembleDNSSECFilterWhenDOFalse(t *testing.T) {
	a := rr(t, "example.test. 300 IN A 203.0.113.7")
	sig := rr(t, "example.test. 300 IN RRSIG A 8 2 300 20300101000000 20200101000000 1 example.test. AAAA==")
	ds := rr(t, "example.test. 300 IN DS 1 8 2 0123456789abcdef0123456789abcdef01234567")

	items := []resolver.AnswerItem{
		{RR: a, Signature: sig, Section: resolver.SectionHintAnswer},
		{RR: ds, Section: resolver.SectionHintAdditional},
	}

	sections := Assemble(items, question("example.test.", dns.TypeA), false)
	require.Len(t, sections.Answer, 1)
	assert.Equal(t, a, sections.Answer[0].RR)
	assert.Empty(t, sections.Additional)

	emitted := Emit(sections.Answer, false)
	assert.Equal(t, []dns.RR{a}, emitted)
}

// Invariant D: an RRset appearing in both AUTHORITY and ADDITIONAL is
// deduplicated by (name, class, type), keeping only the AUTHORITY copy.
func TestAssembleCrossSectionDedup(t *testing.T) {
	ns := rr(t, "example.test. 300 IN NS ns1.example.test.")
	dupNS := rr(t, "example.test. 300 IN NS ns1.example.test.")
	glue := rr(t, "ns1.example.test. 300 IN A 203.0.113.1")

	items := []resolver.AnswerItem{
		{RR: ns, Section: resolver.SectionHintAuthority},
		{RR: dupNS, Section: resolver.SectionHintAdditional},
		{RR: glue, Section: resolver.SectionHintAdditional},
	}

	sections := Assemble(items, question("ns1.example.test.", dns.TypeA), false)
	require.Len(t, sections.Answer, 1)
	require.Len(t, sections.Authority, 1)
	assert.Empty(t, sections.Additional)
}
