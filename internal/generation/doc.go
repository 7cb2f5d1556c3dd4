// Package generation is the crash-generation channel: a unix socket on which
// supervised processes register, ask for a dump when they crash, and whose
// exit the server observes through a process handle. Messages are CBOR.
//
// Server implements core.Backend and delivers every callback on a single
// dispatch goroutine. Client is the library a supervised process links.
package generation
