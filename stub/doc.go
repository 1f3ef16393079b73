// Package stub provides interfaces and stub implementations.
//
// Library packages (dns, dnsbl) use these interfaces so they can be used
// without taking on a dependency on prometheus. The mailet binary sets
// prometheus-backed implementations at startup.
package stub
