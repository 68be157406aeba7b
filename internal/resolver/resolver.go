package resolver

import "context"

// Handle identifies an in-flight resolver transaction, returned by Submit
// and later passed to Abort.
type Handle interface{}

// CompletionFunc is invoked exactly once per Submit call that isn't
// aborted first: either with the transaction's result, or never, if Abort
// won the race.
type CompletionFunc func(ResolverAnswer)

// Resolver is the only seam between the stub front-end and the internal
// recursive/validating resolver. Everything on the other side of this
// interface (transaction engine, DNSSEC validation, caching, zone data) is
// out of scope for this module by design.
type Resolver interface {
	// Submit starts a resolver transaction for q and calls done exactly
	// once with the result, unless the transaction is aborted first.
	Submit(ctx context.Context, q Query, done CompletionFunc) (Handle, error)

	// SubmitRaw starts a bypass-mode transaction, forwarding the question
	// as a raw wire packet so the resolver can hand back a full upstream
	// reply packet instead of a flattened answer list.
	SubmitRaw(ctx context.Context, raw []byte, flags Flags, done CompletionFunc) (Handle, error)

	// Abort cancels an in-flight transaction. Idempotent: the completion
	// callback is guaranteed not to run after Abort returns, even if the
	// transaction had already completed and is racing to deliver.
	Abort(h Handle)

	// PacketIsOurOwn reports whether raw is a loopback echo of a query this
	// resolver itself issued upstream, so the Dispatcher can silently drop
	// it instead of treating it as a client request.
	PacketIsOurOwn(raw []byte) bool
}
