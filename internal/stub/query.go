package stub

import (
	"net/netip"

	"github.com/miekg/dns"

	"github.com/kszczek/dnsstub/internal/resolver"
	"github.com/kszczek/dnsstub/internal/wire"
)

// Mode selects one of the two completion strategies a StubQuery can use:
// a flag, not a class hierarchy.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeBypass
)

// StubQuery is a single in-flight request, owned by the Dispatcher's
// in-flight table for its entire lifetime. The stream, resolver handle,
// and socket callback only ever hold a DuplicateKey to look it back up,
// never a direct owning reference, which keeps stream and query from
// forming a reference cycle.
type StubQuery struct {
	Request          *wire.Packet
	RawBytes         []byte
	OriginalQuestion dns.Question
	NonStandardCase  bool

	Mode Mode

	// Via identifies which listener accepted this request, used by the
	// Reply Finalizer to decide NSID eligibility and source-address
	// pinning.
	Via ListenerID

	// Stream is set for TCP requests; nil for UDP.
	Stream *Stream

	Key DuplicateKey

	Handle resolver.Handle

	// RequestedNSID records whether the request carried an NSID option.
	RequestedNSID bool
	// ClientUDPSize is the UDP payload size the client advertised via its
	// own OPT, or 0 if the request had no OPT.
	ClientUDPSize uint16
}

// ListenerID identifies which configured listener accepted a request.
type ListenerID struct {
	Primary bool
	Addr    netip.AddrPort
}
