// Package resolver defines the external seam between the stub front-end
// and the internal recursive/validating resolver it forwards to. Nothing
// in this package performs resolution itself; it only describes the
// contract that (omitted) collaborator must satisfy, generalized from a
// concrete resolver's query/answer shape into an abstract interface.
package resolver

import (
	"time"

	"github.com/miekg/dns"
)

// Flags are the behavioral hints the Dispatcher attaches to a Submit call.
type Flags uint8

const (
	FlagAllProtocols Flags = 1 << iota
	FlagNoCNAME
	FlagNoSearch
	FlagNoValidate
	FlagRequirePrimary
	FlagClampTTL
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Query is the abstract request submitted to the external Resolver in
// normal mode: a single question plus dispatch flags.
type Query struct {
	Name  string
	Type  dns.Type
	Class uint16
	Flags Flags
}

// ID returns a human-readable identifier for logging, mirroring the
// teacher's resolver.Query.ID().
func (q Query) ID() string {
	return q.Name + " " + q.Type.String()
}

// SectionHint classifies which upstream section an AnswerItem's RR was
// observed in. A small typed enum rather than an untyped bitmask, since
// the assembler branches on it exhaustively.
type SectionHint uint8

const (
	// SectionNone marks a locally synthesized RR with no upstream section.
	SectionNone SectionHint = iota
	SectionHintAnswer
	SectionHintAuthority
	SectionHintAdditional
)

// DNSSECResult is the resolver's validation outcome for the whole answer.
type DNSSECResult uint8

const (
	DNSSECNotValidated DNSSECResult = iota
	DNSSECSecure
	DNSSECInsecure
	DNSSECBogus
)

// AnswerItem is a single RR delivered by the resolver, annotated with the
// metadata the Section Assembler needs to place and filter it.
type AnswerItem struct {
	RR            dns.RR
	Signature     dns.RR // optional RRSIG sidecar, nil if absent
	IfIndex       int
	Section       SectionHint
	Authenticated bool
}

// State is the terminal (or non-terminal) state of a resolver transaction.
type State uint8

const (
	StateNull State = iota
	StatePending
	StateValidating
	StateSuccess
	StateAliasRestart
	StateLoop
	StateRcodeFailure
	StateNotFound
	StateTimeout
	StateAttemptsMax
	StateNoServers
	StateInvalidReply
	StateErrno
	StateAborted
	StateDNSSECFailed
	StateNoTrustAnchor
	StateRRTypeUnsupported
	StateNetworkDown
	StateNoSource
	StateStubLoop
)

// ResolverAnswer is what a resolver transaction delivers on completion.
type ResolverAnswer struct {
	Items              []AnswerItem
	Rcode              int
	DNSSEC             DNSSECResult
	State              State
	FullyAuthenticated bool
	FullySynthetic     bool

	// UpstreamPacket is set only in bypass mode: the full wire-compatible
	// reply packet the resolver obtained from upstream, if any.
	UpstreamPacket *dns.Msg
	// UpstreamArrived records when UpstreamPacket arrived at the resolver,
	// used to patch TTLs during bypass.
	UpstreamArrived time.Time
}
