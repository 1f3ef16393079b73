package connlimit

import (
	"net"
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	c := &Counter{Max: 2}
	ip := net.ParseIP("10.0.0.1")
	other := net.ParseIP("10.0.0.2")

	if !c.Acquire(ip) || !c.Acquire(ip) {
		t.Fatalf("acquire within limit failed")
	}
	if c.Acquire(ip) {
		t.Fatalf("acquire over limit succeeded")
	}
	if n := c.Count(ip); n != 2 {
		t.Fatalf("count after refused acquire, got %d, expected 2", n)
	}
	if !c.Acquire(other) {
		t.Fatalf("acquire for other ip failed")
	}
	c.Release(ip)
	if !c.Acquire(ip) {
		t.Fatalf("acquire after release failed")
	}

	// IPv4 in IPv6 form is the same IP.
	if n := c.Count(net.IP{10, 0, 0, 1}); n != 2 {
		t.Fatalf("count for 4-byte ip, got %d, expected 2", n)
	}
}

func TestUnlimited(t *testing.T) {
	c := &Counter{}
	ip := net.ParseIP("2001:db8::1")
	for i := 0; i < 100; i++ {
		if !c.Acquire(ip) {
			t.Fatalf("acquire %d failed for unlimited counter", i)
		}
	}
	if n := c.Count(ip); n != 100 {
		t.Fatalf("count, got %d, expected 100", n)
	}
}

func TestNegative(t *testing.T) {
	c := &Counter{Max: 1}
	ip := net.ParseIP("10.0.0.1")

	defer func() {
		x := recover()
		if x != ErrNegative {
			t.Fatalf("release without acquire, got panic %v, expected ErrNegative", x)
		}
	}()
	c.Release(ip)
}

func TestConcurrent(t *testing.T) {
	c := &Counter{Max: 10}
	ip := net.ParseIP("10.0.0.1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var acquired int
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Acquire(ip) {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if acquired != 10 {
		t.Fatalf("acquired %d, expected 10", acquired)
	}
	if n := c.Count(ip); n != 10 {
		t.Fatalf("count %d, expected 10", n)
	}
}
