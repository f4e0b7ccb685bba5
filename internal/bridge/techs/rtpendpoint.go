// Package techs holds the concrete mixing-Technology implementations
// wired to internal/media: onetoone (2-party relay), softmix (N-way
// G.711 mixing), and holding (MOH/parking, no mixing).
package techs

import "net"

// RTPEndpoint is the subset of bridge.Endpoint that carries the RTP
// transport details a Technology needs to hand a channel to
// internal/media's socket-level relay/mixer. Production endpoint
// adapters implement it alongside bridge.Endpoint; fakes used in tests
// that don't exercise these technologies need not.
type RTPEndpoint interface {
	RemoteRTPAddr() *net.UDPAddr
	PayloadType() int
}
