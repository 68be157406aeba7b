// Package wire implements the Packet Codec: decoding, bounded-size
// construction, and TTL/UDP-size patching for DNS wire messages, built on top of
// github.com/miekg/dns.
package wire

import (
	"errors"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// Protocol identifies the transport a Packet arrived on or will be sent on.
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

// Section identifies one of the three answer-bearing sections of a DNS
// reply, used by AppendRRs and the Section Assembler.
type Section int

const (
	SectionAnswer Section = iota
	SectionAuthority
	SectionAdditional
)

// ErrSizeExceeded is returned by append operations when appending would
// grow the packet beyond its declared maximum wire size. The packet is
// left unchanged by the failed append (only prior, already-committed
// appends are reflected).
var ErrSizeExceeded = errors.New("wire: packet size exceeded")

// ErrFormat is returned by Decode when the input cannot be parsed as a DNS
// message.
var ErrFormat = errors.New("wire: malformed dns message")

// Packet is a DNS message plus the ingress/egress metadata the stub
// resolver's listener, dispatcher and finalizer need to carry alongside it.
type Packet struct {
	Msg *dns.Msg

	MaxSize  int
	Protocol Protocol

	Remote  netip.AddrPort
	Local   netip.AddrPort
	IfIndex int
	Arrived time.Time
}

// New creates an empty Packet bounded to maxSize bytes of wire encoding.
func New(maxSize int) *Packet {
	return &Packet{
		Msg:     new(dns.Msg),
		MaxSize: maxSize,
	}
}

// Decode parses raw wire bytes into a Packet. Metadata fields (Protocol,
// Remote, Local, IfIndex, Arrived) are left zero for the caller to fill in.
func Decode(raw []byte, maxSize int) (*Packet, error) {
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return nil, ErrFormat
	}
	return &Packet{Msg: m, MaxSize: maxSize}, nil
}

// HasOPT reports whether the packet carries an EDNS(0) OPT pseudo-RR.
func (p *Packet) HasOPT() bool {
	return p.Msg.IsEdns0() != nil
}

// Duplicate returns a deep copy of p. The copy shares no mutable state
// with the original, so mutating one never affects the other.
func (p *Packet) Duplicate() *Packet {
	cp := *p
	cp.Msg = p.Msg.Copy()
	return &cp
}

// Equal reports whether a and b encode to the same canonical wire bytes.
// Packets that fail to pack are never equal.
func Equal(a, b *Packet) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, err := a.Msg.Pack()
	if err != nil {
		return false
	}
	bb, err := b.Msg.Pack()
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Len returns the current wire-encoded length of the packet without
// allocating a buffer.
func (p *Packet) Len() int {
	return p.Msg.Len()
}
