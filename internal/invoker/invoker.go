// Package invoker generalizes the teacher's core.Invoker /
// test.TestInvoker split: every background loop across the transport
// (container recycle/resend, manager dispatch, rendezvous task polling)
// spawns through one seam so tests can join every goroutine before
// asserting goleak.VerifyNone. The relay registry's expiry sweep is
// go-cache's own janitor and does not run through this seam.
package invoker

import "sync"

// Invoker spawns a function to run concurrently. Implementations decide the
// scheduling policy (bare goroutine in production, WaitGroup-joined in
// tests).
type Invoker interface {
	// Spawn runs f concurrently with the caller.
	Spawn(f func())

	// Stop blocks until every previously spawned f has returned. Production
	// code treats this as a best-effort drain at shutdown; tests use it to
	// guarantee determinism before leak-checking.
	Stop()
}

// production is the default Invoker: a bare goroutine per Spawn, with a
// WaitGroup kept only so Stop() can still drain outstanding work at
// shutdown.
type production struct {
	group sync.WaitGroup
}

// New returns the default production Invoker.
func New() Invoker {
	return &production{}
}

func (p *production) Spawn(f func()) {
	p.group.Add(1)
	go func() {
		defer p.group.Done()
		f()
	}()
}

func (p *production) Stop() {
	p.group.Wait()
}
