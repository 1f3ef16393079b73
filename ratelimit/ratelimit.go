// Package ratelimit provides a simple window-based rate limiter, keyed on a
// remote IP address and the subnets it is part of.
package ratelimit

import (
	"net"
	"net/netip"
	"sync"
	"time"
)

// Limiter is a simple rate limiter with one or more fixed windows, e.g. the
// last minute/hour/day, working on three classes/subnets of an IP.
//
// For IPv4, the classes are the /32, /26 and /21 networks. For IPv6 they are
// /64, /48 and /32.
type Limiter struct {
	sync.Mutex
	WindowLimits []WindowLimit
}

// WindowLimit holds counters for one window, with limits for each IP class.
type WindowLimit struct {
	Window time.Duration
	Limits [3]int64 // For the three IP classes, narrowest first.
	Time   uint32   // Time/Window.
	Counts map[key]int64
}

type key struct {
	Class  uint8
	Prefix netip.Prefix
}

// New returns a limiter for the windows with limits per class.
func New(windows ...WindowLimit) *Limiter {
	return &Limiter{WindowLimits: windows}
}

// NewFailedAuth returns a limiter for failed authentication attempts: at most
// perMinute failures per minute and 5 times that per day for a single IP, with
// higher limits for the surrounding subnets.
func NewFailedAuth(perMinute int64) *Limiter {
	n := perMinute
	return New(
		WindowLimit{Window: time.Minute, Limits: [...]int64{n, 3 * n, 9 * n}},
		WindowLimit{Window: 24 * time.Hour, Limits: [...]int64{5 * n, 15 * n, 45 * n}},
	)
}

// Add attempts to consume n items from the rate limiter. If the total for the
// ip would exceed a limit in any window for any class, n is not counted and
// false is returned. Counts are reset when tm is in a new window.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(true, ip, tm, n)
}

// CanAdd returns if n could be added to the limiter.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(false, ip, tm, n)
}

func (l *Limiter) checkAdd(add bool, ip net.IP, tm time.Time, n int64) bool {
	keys, ok := classKeys(ip)
	if !ok {
		// Unparsable IPs, e.g. for connections over a unix socket, are not limited.
		return true
	}

	l.Lock()
	defer l.Unlock()

	for i := range l.WindowLimits {
		wl := &l.WindowLimits[i]
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t > wl.Time || wl.Counts == nil {
			wl.Time = t
			wl.Counts = map[key]int64{}
		}
		for j, k := range keys {
			if wl.Counts[k]+n > wl.Limits[j] {
				return false
			}
		}
	}
	if !add {
		return true
	}
	for _, wl := range l.WindowLimits {
		for _, k := range keys {
			wl.Counts[k] += n
		}
	}
	return true
}

// Reset sets the count for ip to 0 in the current windows, and subtracts its
// count from its subnets. Used after a successful authentication.
func (l *Limiter) Reset(ip net.IP, tm time.Time) {
	keys, ok := classKeys(ip)
	if !ok {
		return
	}

	l.Lock()
	defer l.Unlock()

	for _, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t != wl.Time || wl.Counts == nil {
			continue
		}
		n := wl.Counts[keys[0]]
		for _, k := range keys {
			wl.Counts[k] -= n
		}
	}
}

var classBits = [2][3]int{
	{32, 26, 21},
	{64, 48, 32},
}

func classKeys(ip net.IP) (keys [3]key, ok bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return keys, false
	}
	addr = addr.Unmap()
	bits := classBits[1]
	if addr.Is4() {
		bits = classBits[0]
	}
	for i, b := range bits {
		p, err := addr.Prefix(b)
		if err != nil {
			return keys, false
		}
		keys[i] = key{uint8(i), p}
	}
	return keys, true
}
