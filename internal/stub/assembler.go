package stub

import (
	"strings"

	"github.com/miekg/dns"

	"github.com/kszczek/dnsstub/internal/resolver"
)

// MaxAliasChain is the bound on consecutive CNAME/DNAME redirections the
// Section Assembler will follow before declaring a loop.
const MaxAliasChain = 16

// dnssecMetaTypes are RR types suppressed from every section when the
// client did not set the DO bit.
var dnssecMetaTypes = map[uint16]bool{
	dns.TypeRRSIG:      true,
	dns.TypeNSEC:       true,
	dns.TypeNSEC3:      true,
	dns.TypeDNSKEY:     true,
	dns.TypeDS:         true,
	dns.TypeNSEC3PARAM: true,
	dns.TypeCDS:        true,
	dns.TypeCDNSKEY:    true,
}

// AssembledSections holds the three ordered reply sections produced by the
// Section Assembler, each item already carrying its RRSIG sidecar
// decision baked in via emit order (see Emit).
type AssembledSections struct {
	Answer     []resolver.AnswerItem
	Authority  []resolver.AnswerItem
	Additional []resolver.AnswerItem

	// LoopDetected is true if alias flattening stopped due to exceeding
	// MaxAliasChain. Assembly still returns whatever was gathered; the
	// caller is responsible for setting the reply rcode.
	LoopDetected bool
}

type rrKey struct {
	name  string
	class uint16
	rtype uint16
}

func keyOf(rr dns.RR) rrKey {
	h := rr.Header()
	return rrKey{name: strings.ToLower(h.Name), class: h.Class, rtype: h.Rrtype}
}

func aliasTargetOf(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.CNAME:
		return strings.ToLower(v.Target)
	case *dns.DNAME:
		return strings.ToLower(v.Target)
	default:
		return ""
	}
}

// Assemble projects a resolver answer into the three DNS reply sections
// via a four-pass algorithm: flatten the alias chain into Answer, collect
// authority records, sweep remaining items into Additional, then drop
// whatever is already present higher up.
func Assemble(items []resolver.AnswerItem, question dns.Question, ednsDO bool) AssembledSections {
	used := make([]bool, len(items))

	// Pre-filter: drop DNSSEC meta-type items entirely when the client
	// isn't DNSSEC-aware (Invariant C, part 1).
	if !ednsDO {
		for i, it := range items {
			if dnssecMetaTypes[it.RR.Header().Rrtype] {
				used[i] = true
			}
		}
	}

	// Pass 1: alias chain flattening + direct ANSWER collection
	// (Invariant A + Invariant B.1).
	var answer []resolver.AnswerItem
	currentTarget := strings.ToLower(question.Name)
	aliasLinks := 0
	loop := false

	for {
		var directIdx []int
		aliasIdx := -1
		var aliasTarget string

		for i, it := range items {
			if used[i] {
				continue
			}
			if strings.ToLower(it.RR.Header().Name) != currentTarget {
				continue
			}
			rtype := it.RR.Header().Rrtype
			switch {
			case rtype == question.Qtype:
				directIdx = append(directIdx, i)
			case rtype == dns.TypeCNAME || rtype == dns.TypeDNAME:
				if aliasIdx == -1 {
					aliasIdx = i
					aliasTarget = aliasTargetOf(it.RR)
				}
			}
		}

		for _, i := range directIdx {
			used[i] = true
			answer = append(answer, items[i])
		}

		if aliasIdx == -1 {
			break
		}
		if aliasLinks >= MaxAliasChain {
			loop = true
			break
		}

		used[aliasIdx] = true
		answer = append(answer, items[aliasIdx])
		aliasLinks++
		currentTarget = aliasTarget
	}

	answerKeys := make(map[rrKey]bool, len(answer))
	for _, it := range answer {
		answerKeys[keyOf(it.RR)] = true
	}

	// Pass 2: AUTHORITY (Invariant B.2).
	var authority []resolver.AnswerItem
	for i, it := range items {
		if used[i] || it.Section != resolver.SectionHintAuthority {
			continue
		}
		used[i] = true
		authority = append(authority, it)
	}

	// Pass 3: ADDITIONAL (Invariant B.3).
	var additional []resolver.AnswerItem
	for i, it := range items {
		if used[i] {
			continue
		}
		switch it.Section {
		case resolver.SectionHintAnswer, resolver.SectionHintAdditional, resolver.SectionNone:
			used[i] = true
			additional = append(additional, it)
		}
	}

	// Pass 4: cross-section dedup by (name, class, type) (Invariant D).
	authority = dedupAgainst(authority, answerKeys)
	authKeys := make(map[rrKey]bool, len(authority))
	for _, it := range authority {
		authKeys[keyOf(it.RR)] = true
	}
	additional = dedupAgainst(additional, answerKeys)
	additional = dedupAgainst(additional, authKeys)

	return AssembledSections{
		Answer:       answer,
		Authority:    authority,
		Additional:   additional,
		LoopDetected: loop,
	}
}

func dedupAgainst(section []resolver.AnswerItem, seen map[rrKey]bool) []resolver.AnswerItem {
	kept := make([]resolver.AnswerItem, 0, len(section))
	for _, it := range section {
		if seen[keyOf(it.RR)] {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

// Emit expands items into their wire RRs for a section, including each
// item's RRSIG sidecar immediately after its RR when ednsDO is true
// (Invariant C, part 2). When ednsDO is false, sidecars are never emitted
// (the pre-filter in Assemble already dropped standalone DNSSEC RRs).
func Emit(items []resolver.AnswerItem, ednsDO bool) []dns.RR {
	rrs := make([]dns.RR, 0, len(items)*2)
	for _, it := range items {
		rrs = append(rrs, it.RR)
		if ednsDO && it.Signature != nil {
			rrs = append(rrs, it.Signature)
		}
	}
	return rrs
}
