package stub

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kszczek/dnsstub/internal/mgr"
	"github.com/kszczek/dnsstub/internal/resolver"
	"github.com/kszczek/dnsstub/internal/resolver/resolvertest"
	"github.com/kszczek/dnsstub/internal/wire"
)

// pendingResolver is a Resolver double that, unlike resolvertest.Fake,
// never calls its completion func on its own: the test calls it back
// explicitly, to exercise the window during which a retransmit should be
// suppressed.
type pendingResolver struct {
	mu      sync.Mutex
	pending []resolver.CompletionFunc
	submits int
}

func (p *pendingResolver) Submit(_ context.Context, _ resolver.Query, done resolver.CompletionFunc) (resolver.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	p.pending = append(p.pending, done)
	return len(p.pending), nil
}

func (p *pendingResolver) SubmitRaw(_ context.Context, _ []byte, _ resolver.Flags, done resolver.CompletionFunc) (resolver.Handle, error) {
	return p.Submit(context.Background(), resolver.Query{}, done)
}

func (p *pendingResolver) Abort(resolver.Handle) {}

func (p *pendingResolver) PacketIsOurOwn([]byte) bool { return false }

func (p *pendingResolver) resolve(i int, answer resolver.ResolverAnswer) {
	p.mu.Lock()
	done := p.pending[i]
	p.mu.Unlock()
	done(answer)
}

func buildRequestBytes(t *testing.T, name string, qtype uint16, id uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	m.RecursionDesired = true
	raw, err := m.Pack()
	require.NoError(t, err)
	return raw
}

func primaryListener() ListenerID {
	return ListenerID{Primary: true, Addr: netip.MustParseAddrPort("127.0.0.53:53")}
}

var testRemote = netip.MustParseAddrPort("127.0.0.1:40000")

// S1: a plain A query gets a resolved reply.
func TestDispatchBasicAnswer(t *testing.T) {
	fake := &resolvertest.Fake{
		AnswerFunc: func(q resolver.Query) resolver.ResolverAnswer {
			return resolver.ResolverAnswer{
				Rcode: dns.RcodeSuccess,
				State: resolver.StateSuccess,
				Items: []resolver.AnswerItem{
					{RR: rr(t, q.Name+" 300 IN A 203.0.113.7"), Section: resolver.SectionHintAnswer},
				},
			}
		},
	}
	d := NewDispatcher(mgr.New("test"), fake, "test-nsid")

	raw := buildRequestBytes(t, "example.test.", dns.TypeA, 1)
	var got *wire.Packet
	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, func(p *wire.Packet) {
		got = p
	})

	require.NotNil(t, got)
	assert.Equal(t, dns.RcodeSuccess, got.Msg.Rcode)
	require.Len(t, got.Msg.Answer, 1)
	assert.Equal(t, uint16(1), got.Msg.Id)
}

// S3: AXFR is refused outright.
func TestDispatchRefusesZoneTransfer(t *testing.T) {
	fake := &resolvertest.Fake{}
	d := NewDispatcher(mgr.New("test"), fake, "")

	raw := buildRequestBytes(t, "example.test.", dns.TypeAXFR, 2)
	var got *wire.Packet
	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, func(p *wire.Packet) {
		got = p
	})

	require.NotNil(t, got)
	assert.Equal(t, dns.RcodeRefused, got.Msg.Rcode)
	assert.Empty(t, fake.Submitted)
}

func TestDispatchRefusesWithoutRecursionDesired(t *testing.T) {
	fake := &resolvertest.Fake{}
	d := NewDispatcher(mgr.New("test"), fake, "")

	m := new(dns.Msg)
	m.SetQuestion("example.test.", dns.TypeA)
	m.Id = 3
	m.RecursionDesired = false
	raw, err := m.Pack()
	require.NoError(t, err)

	var got *wire.Packet
	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, func(p *wire.Packet) {
		got = p
	})

	require.NotNil(t, got)
	assert.Equal(t, dns.RcodeRefused, got.Msg.Rcode)
}

func TestDispatchRejectsUnsupportedEDNSVersion(t *testing.T) {
	fake := &resolvertest.Fake{}
	d := NewDispatcher(mgr.New("test"), fake, "")

	m := new(dns.Msg)
	m.SetQuestion("example.test.", dns.TypeA)
	m.Id = 4
	m.RecursionDesired = true
	m.SetEdns0(4096, false)
	m.IsEdns0().SetVersion(1)
	raw, err := m.Pack()
	require.NoError(t, err)

	var got *wire.Packet
	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, func(p *wire.Packet) {
		got = p
	})

	require.NotNil(t, got)
	assert.Equal(t, dns.RcodeBadVers, got.Msg.Rcode)
}

// S5: a byte-identical retransmit arriving while the first attempt is
// still in flight is suppressed; once the first completes, a later
// identical request is treated as a fresh query.
func TestDispatchSuppressesDuplicateWhilePending(t *testing.T) {
	p := &pendingResolver{}
	d := NewDispatcher(mgr.New("test"), p, "")

	raw := buildRequestBytes(t, "example.test.", dns.TypeA, 5)

	var replies []*wire.Packet
	record := func(pkt *wire.Packet) { replies = append(replies, pkt) }

	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, record)
	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, record)

	assert.Equal(t, 1, p.submits)
	assert.Empty(t, replies)

	p.resolve(0, resolver.ResolverAnswer{Rcode: dns.RcodeSuccess, State: resolver.StateSuccess})
	require.Len(t, replies, 1)

	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, record)
	assert.Equal(t, 2, p.submits)
}

func TestDispatchNotFoundBecomesNXDOMAIN(t *testing.T) {
	fake := &resolvertest.Fake{
		AnswerFunc: func(q resolver.Query) resolver.ResolverAnswer {
			return resolver.ResolverAnswer{State: resolver.StateNotFound}
		},
	}
	d := NewDispatcher(mgr.New("test"), fake, "")

	raw := buildRequestBytes(t, "missing.test.", dns.TypeA, 6)
	var got *wire.Packet
	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, func(p *wire.Packet) {
		got = p
	})

	require.NotNil(t, got)
	assert.Equal(t, dns.RcodeNameError, got.Msg.Rcode)
}

func TestDispatchTimeoutSendsNoReply(t *testing.T) {
	fake := &resolvertest.Fake{
		AnswerFunc: func(q resolver.Query) resolver.ResolverAnswer {
			return resolver.ResolverAnswer{State: resolver.StateTimeout}
		},
	}
	d := NewDispatcher(mgr.New("test"), fake, "")

	raw := buildRequestBytes(t, "example.test.", dns.TypeA, 7)
	called := false
	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, func(p *wire.Packet) {
		called = true
	})

	assert.False(t, called)
}

// A malformed retransmit must be deduplicated without ever being parsed:
// only the first copy gets a FORMERR reply, later byte-identical copies
// are dropped silently.
func TestDispatchDedupsMalformedRetransmitBeforeParsing(t *testing.T) {
	fake := &resolvertest.Fake{}
	d := NewDispatcher(mgr.New("test"), fake, "")

	raw := []byte{0xAB, 0xCD, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF}

	var replies []*wire.Packet
	record := func(p *wire.Packet) { replies = append(replies, p) }

	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, record)
	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, record)

	require.Len(t, replies, 1)
	assert.Equal(t, dns.RcodeFormatError, replies[0].Msg.Rcode)
}

// The same client/header pair arriving on two different listeners is not a
// duplicate: each listener owns its own in-flight domain.
func TestDispatchDoesNotDedupAcrossListeners(t *testing.T) {
	p := &pendingResolver{}
	d := NewDispatcher(mgr.New("test"), p, "")

	raw := buildRequestBytes(t, "example.test.", dns.TypeA, 9)
	extra := ListenerID{Addr: netip.MustParseAddrPort("10.0.0.1:53")}

	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, primaryListener(), time.Now(), nil, func(*wire.Packet) {})
	d.handle(context.Background(), raw, wire.ProtocolUDP, testRemote, extra, time.Now(), nil, func(*wire.Packet) {})

	assert.Equal(t, 2, p.submits)
}
