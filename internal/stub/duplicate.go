package stub

import (
	"net/netip"

	"github.com/kszczek/dnsstub/internal/wire"
)

// DuplicateKey identifies a client retransmit: the listener it arrived on,
// transport protocol, sender address/port, and the raw 12-byte DNS header
// (which includes the transaction ID and question/flag bits). Each
// listener owns its own in-flight domain, so the listener is part of the
// key rather than an incidental detail. A small plain value, hashable and
// comparable by exactly these fields, usable directly as a map key.
type DuplicateKey struct {
	Listener ListenerID
	Protocol wire.Protocol
	Addr     netip.Addr
	Port     uint16
	Header   [12]byte
}

// HeaderBytes extracts the raw 12-byte DNS header from a packed message.
func HeaderBytes(wireBytes []byte) (hdr [12]byte, ok bool) {
	if len(wireBytes) < 12 {
		return hdr, false
	}
	copy(hdr[:], wireBytes[:12])
	return hdr, true
}

// NewDuplicateKey builds the detection key for an inbound packet, scoped
// to the listener it arrived on.
func NewDuplicateKey(via ListenerID, proto wire.Protocol, remote netip.AddrPort, wireBytes []byte) (DuplicateKey, bool) {
	hdr, ok := HeaderBytes(wireBytes)
	if !ok {
		return DuplicateKey{}, false
	}
	return DuplicateKey{
		Listener: via,
		Protocol: proto,
		Addr:     remote.Addr(),
		Port:     remote.Port(),
		Header:   hdr,
	}, true
}
