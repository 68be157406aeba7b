// Forwarding is a minimal concrete Resolver: it forwards questions to a
// single configured upstream plain-DNS server and translates the reply
// into a ResolverAnswer via dns.Client.Exchange.
//
// It performs neither recursion nor DNSSEC validation, so DNSSEC is
// always reported not-validated. It exists so cmd/dnsstub has a real,
// runnable default resolver instead of requiring every caller to supply
// one.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// defaultRequestTimeout bounds a single upstream exchange.
const defaultRequestTimeout = 3 * time.Second

// Forwarding resolves every query against a single upstream server over
// plain DNS on UDP. A truncated upstream reply is used as received; the
// exchange is not retried over TCP.
type Forwarding struct {
	Upstream string // host:port, e.g. "1.1.1.1:53"

	mu      sync.Mutex
	ourIDs  map[uint16]string // transaction ID -> question name, for PacketIsOurOwn
}

// NewForwarding returns a Forwarding resolver targeting upstream.
func NewForwarding(upstream string) *Forwarding {
	return &Forwarding{Upstream: upstream, ourIDs: make(map[uint16]string)}
}

// Submit implements Resolver.
func (f *Forwarding) Submit(ctx context.Context, q Query, done CompletionFunc) (Handle, error) {
	go func() {
		done(f.exchange(ctx, q))
	}()
	return struct{}{}, nil
}

// SubmitRaw implements Resolver. It forwards the raw request verbatim and
// returns the full upstream packet for bypass-mode patching.
func (f *Forwarding) SubmitRaw(ctx context.Context, raw []byte, flags Flags, done CompletionFunc) (Handle, error) {
	go func() {
		req := new(dns.Msg)
		if err := req.Unpack(raw); err != nil {
			done(ResolverAnswer{State: StateInvalidReply, Rcode: dns.RcodeServerFailure})
			return
		}
		f.markOutgoing(req)

		client := &dns.Client{Timeout: defaultRequestTimeout}
		reply, _, err := client.ExchangeContext(ctx, req, f.Upstream)
		if err != nil {
			done(ResolverAnswer{State: mapExchangeError(err), Rcode: dns.RcodeServerFailure})
			return
		}

		done(ResolverAnswer{
			State:           StateSuccess,
			Rcode:           reply.Rcode,
			DNSSEC:          DNSSECNotValidated,
			UpstreamPacket:  reply,
			UpstreamArrived: time.Now(),
		})
	}()
	return struct{}{}, nil
}

// Abort implements Resolver. Forwarding's exchanges are not cancellable
// once ExchangeContext has been called except through ctx, so Abort is a
// no-op besides forgetting the transaction ID.
func (f *Forwarding) Abort(h Handle) {}

// PacketIsOurOwn implements Resolver: true if raw's transaction ID and
// question match an outstanding upstream query we issued ourselves.
func (f *Forwarding) PacketIsOurOwn(raw []byte) bool {
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil || len(m.Question) == 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.ourIDs[m.Id]
	return ok && q == m.Question[0].Name
}

func (f *Forwarding) markOutgoing(req *dns.Msg) {
	if len(req.Question) == 0 {
		return
	}
	f.mu.Lock()
	f.ourIDs[req.Id] = req.Question[0].Name
	f.mu.Unlock()
}

func (f *Forwarding) exchange(ctx context.Context, q Query) ResolverAnswer {
	req := new(dns.Msg)
	req.SetQuestion(q.Name, uint16(q.Type))
	req.RecursionDesired = true
	f.markOutgoing(req)

	timeout := defaultRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	client := &dns.Client{Timeout: timeout}
	reply, _, err := client.ExchangeContext(ctx, req, f.Upstream)
	if err != nil {
		return ResolverAnswer{State: mapExchangeError(err), Rcode: dns.RcodeServerFailure}
	}

	switch reply.Rcode {
	case dns.RcodeNameError:
		return ResolverAnswer{State: StateNotFound, Rcode: reply.Rcode}
	case dns.RcodeSuccess:
		// fallthrough below
	default:
		return ResolverAnswer{State: StateRcodeFailure, Rcode: reply.Rcode}
	}

	items := make([]AnswerItem, 0, len(reply.Answer)+len(reply.Ns)+len(reply.Extra))
	for _, rr := range reply.Answer {
		items = append(items, AnswerItem{RR: rr, Section: SectionHintAnswer})
	}
	for _, rr := range reply.Ns {
		items = append(items, AnswerItem{RR: rr, Section: SectionHintAuthority})
	}
	for _, rr := range reply.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		items = append(items, AnswerItem{RR: rr, Section: SectionHintAdditional})
	}

	return ResolverAnswer{
		State:  StateSuccess,
		Rcode:  reply.Rcode,
		DNSSEC: DNSSECNotValidated,
		Items:  items,
	}
}

func mapExchangeError(err error) State {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return StateTimeout
	}
	return StateNoServers
}
