// Package metrics exposes the stub resolver's runtime counters through
// VictoriaMetrics' metrics library.
package metrics

import (
	"fmt"
	"strconv"

	vm "github.com/VictoriaMetrics/metrics"
)

// RequestsTotal counts every DNS request the dispatcher has handled,
// regardless of outcome.
var RequestsTotal = vm.NewCounter("dnsstub_requests_total")

// RequestDuration observes how long a request took from ingress to reply
// (or drop).
var RequestDuration = vm.NewHistogram("dnsstub_request_duration_seconds")

// DuplicateSuppressed counts requests dropped as duplicates of an in-flight
// query.
var DuplicateSuppressed = vm.NewCounter("dnsstub_duplicate_suppressed_total")

// TruncatedReplies counts UDP replies sent with TC set.
var TruncatedReplies = vm.NewCounter("dnsstub_truncated_replies_total")

// RepliesByRcode counts replies by rcode, labeled dynamically.
func RepliesByRcode(rcode int) {
	vm.GetOrCreateCounter(fmt.Sprintf(`dnsstub_replies_total{rcode="%s"}`, rcodeLabel(rcode))).Inc()
}

func rcodeLabel(rcode int) string {
	const hex = "0123456789abcdef"
	if rcode < 0 || rcode > 0xffff {
		return "invalid"
	}
	if rcode < 16 {
		return string([]byte{hex[rcode]})
	}
	// Multi-digit rcodes (EDNS extended rcode space) are rendered as decimal.
	return strconv.Itoa(rcode)
}
