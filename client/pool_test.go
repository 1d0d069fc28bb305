package client

import "testing"

func TestIDPoolSmallestReclaimedFirst(t *testing.T) {
	p := newIDPool(0)

	a, _ := p.Get() // 0
	b, _ := p.Get() // 1
	c, _ := p.Get() // 2
	if a != 0 || b != 1 || c != 2 {
		t.Fatalf("got %d,%d,%d want 0,1,2", a, b, c)
	}

	p.Put(b) // free 1, smaller than the not-yet-issued 3
	p.Put(a) // free 0, smaller still

	d, _ := p.Get()
	if d != 0 {
		t.Fatalf("Get after Put(0),Put(1) = %d, want 0 (smallest reclaimed first)", d)
	}
	e, _ := p.Get()
	if e != 1 {
		t.Fatalf("second Get = %d, want 1", e)
	}
	f, _ := p.Get()
	if f != 3 {
		t.Fatalf("third Get = %d, want 3 (next never-issued id)", f)
	}
}

func TestIDPoolBounded(t *testing.T) {
	p := newIDPool(2)
	if _, ok := p.Get(); !ok {
		t.Fatal("expected first Get to succeed")
	}
	if _, ok := p.Get(); !ok {
		t.Fatal("expected second Get to succeed")
	}
	if _, ok := p.Get(); ok {
		t.Fatal("expected pool exhaustion at max=2")
	}
}
