package simport

import (
	"testing"

	"github.com/nradulovic/neon-kernel-sub000"
)

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	if id == 0 {
		t.Fatal(`goroutine id must be non-zero`)
	}
	ch := make(chan uint64)
	go func() { ch <- goroutineID() }()
	if other := <-ch; other == id {
		t.Fatal(`distinct goroutines must have distinct ids`)
	}
	if again := goroutineID(); again != id {
		t.Fatal(`goroutine id must be stable`)
	}
}

func TestCriticalNesting(t *testing.T) {
	p := New()
	if _, err := neon.New(neon.WithPort(p)); err != nil {
		t.Fatal(err)
	}

	tok1 := p.CriticalEnter()
	if tok1 != 0 {
		t.Fatalf(`outermost token: got %d, want 0`, tok1)
	}
	tok2 := p.CriticalEnter()
	tok3 := p.CriticalEnter()
	p.CriticalExit(tok3)
	p.CriticalExit(tok2)
	p.CriticalExit(tok1)

	// Fully released: another goroutine can take the mask.
	done := make(chan struct{})
	go func() {
		defer close(done)
		tok := p.CriticalEnter()
		p.CriticalExit(tok)
	}()
	<-done
}
