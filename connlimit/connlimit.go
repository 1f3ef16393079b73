// Package connlimit counts concurrent connections per remote IP address.
package connlimit

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// ErrNegative is the panic value when more connections are released than were
// acquired for an IP, a bug in the caller.
var ErrNegative = errors.New("connlimit: connection count below zero")

// Counter tracks the number of open connections per IP. The zero value is
// ready for use and does not limit.
type Counter struct {
	// Maximum concurrent connections per IP. Zero or negative means unlimited,
	// connections are still counted.
	Max int

	counts sync.Map // string(ip.To16()) -> *atomic.Int64
}

func (c *Counter) counter(ip net.IP) *atomic.Int64 {
	k := string(ip.To16())
	if v, ok := c.counts.Load(k); ok {
		return v.(*atomic.Int64)
	}
	v, _ := c.counts.LoadOrStore(k, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Acquire registers a new connection from ip. If that brings the count over
// Max, the registration is undone and false is returned, and the caller should
// close the connection without calling Release.
func (c *Counter) Acquire(ip net.IP) bool {
	n := c.counter(ip)
	v := n.Add(1)
	if c.Max > 0 && v > int64(c.Max) {
		n.Add(-1)
		return false
	}
	return true
}

// Release unregisters a connection from ip that was acquired earlier.
func (c *Counter) Release(ip net.IP) {
	if v := c.counter(ip).Add(-1); v < 0 {
		panic(ErrNegative)
	}
}

// Count returns the number of connections currently registered for ip.
func (c *Counter) Count(ip net.IP) int64 {
	v, ok := c.counts.Load(string(ip.To16()))
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}
