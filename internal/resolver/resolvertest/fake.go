// Package resolvertest provides a scriptable fake resolver.Resolver for
// exercising the Dispatcher, Section Assembler and Reply Finalizer without
// a real resolver, driving production code through the exact same
// interface the test double implements.
package resolvertest

import (
	"context"
	"sync"

	"github.com/kszczek/dnsstub/internal/resolver"
)

// Fake is a resolver.Resolver whose answers are scripted by the test via
// AnswerFunc and RawAnswerFunc.
type Fake struct {
	mu sync.Mutex

	// AnswerFunc, if set, computes the answer for each Submit call.
	AnswerFunc func(q resolver.Query) resolver.ResolverAnswer
	// RawAnswerFunc, if set, computes the answer for each SubmitRaw call.
	RawAnswerFunc func(raw []byte, flags resolver.Flags) resolver.ResolverAnswer

	// Submitted records every query passed to Submit, in order.
	Submitted []resolver.Query
	// Aborted records every handle passed to Abort, in order.
	Aborted []resolver.Handle
	// OwnPackets, if non-nil, is consulted by PacketIsOurOwn.
	OwnPackets func(raw []byte) bool

	nextHandle int
}

type fakeHandle int

// Submit implements resolver.Resolver.
func (f *Fake) Submit(ctx context.Context, q resolver.Query, done resolver.CompletionFunc) (resolver.Handle, error) {
	f.mu.Lock()
	f.Submitted = append(f.Submitted, q)
	f.nextHandle++
	h := fakeHandle(f.nextHandle)
	f.mu.Unlock()

	var answer resolver.ResolverAnswer
	if f.AnswerFunc != nil {
		answer = f.AnswerFunc(q)
	}
	done(answer)
	return h, nil
}

// SubmitRaw implements resolver.Resolver.
func (f *Fake) SubmitRaw(ctx context.Context, raw []byte, flags resolver.Flags, done resolver.CompletionFunc) (resolver.Handle, error) {
	f.mu.Lock()
	f.nextHandle++
	h := fakeHandle(f.nextHandle)
	f.mu.Unlock()

	var answer resolver.ResolverAnswer
	if f.RawAnswerFunc != nil {
		answer = f.RawAnswerFunc(raw, flags)
	}
	done(answer)
	return h, nil
}

// Abort implements resolver.Resolver.
func (f *Fake) Abort(h resolver.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Aborted = append(f.Aborted, h)
}

// PacketIsOurOwn implements resolver.Resolver.
func (f *Fake) PacketIsOurOwn(raw []byte) bool {
	if f.OwnPackets == nil {
		return false
	}
	return f.OwnPackets(raw)
}

// SubmitCount returns how many Submit calls have been made so far.
func (f *Fake) SubmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Submitted)
}
